package channel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/executor"
	"github.com/valeriansaliou/sonic/store"
	"github.com/valeriansaliou/sonic/utils"
)

type testServer struct {
	listener *Listener
	stopping *atomic.Bool
	addr     string
}

func startServer(t *testing.T, password string) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Store.KV.Path = t.TempDir()
	cfg.Store.FST.Path = t.TempDir()
	cfg.Channel.AuthPassword = password

	log := utils.NewDefaultLogger(slog.LevelError)
	kv, err := store.NewKVPool(log, &cfg.Store.KV)
	require.NoError(t, err)
	fst, err := store.NewFSTPool(log, &cfg.Store.FST)
	require.NoError(t, err)

	exec := executor.New(log, cfg, kv, fst)
	stats := NewStatistics()
	pool := NewSearchPool(2)
	stopping := &atomic.Bool{}

	triggers := Triggers{
		Consolidate: func() { fst.ConsolidateDue(true) },
		Backup:      func(path string) error { return store.Backup(log, kv, fst, path) },
		Restore:     func(path string) error { return store.Restore(log, kv, fst, path) },
	}

	channel := NewChannel(log, cfg, exec, kv, fst, stats, pool, triggers, stopping)
	listener := NewListener(log, channel)
	require.NoError(t, listener.Listen(context.Background(), "127.0.0.1:0"))

	t.Cleanup(func() {
		listener.Close()
		pool.Close()
		kv.Close()
		fst.Close()
	})

	return &testServer{listener: listener, stopping: stopping, addr: listener.Addr().String()}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *testServer) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	banner := c.read()
	require.True(t, strings.HasPrefix(banner, "CONNECTED <sonic-server v"), banner)
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) read() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *client) roundTrip(line string) string {
	c.send(line)
	return c.read()
}

// pending reads a PENDING reply and then the matching EVENT line, returning
// the event payload after the marker.
func (c *client) pending(line string) []string {
	c.t.Helper()
	reply := c.roundTrip(line)
	require.True(c.t, strings.HasPrefix(reply, "PENDING "), reply)
	marker := strings.TrimPrefix(reply, "PENDING ")

	event := c.read()
	fields := strings.Fields(event)
	require.GreaterOrEqual(c.t, len(fields), 3, event)
	require.Equal(c.t, "EVENT", fields[0])
	require.Equal(c.t, marker, fields[2])
	return fields[3:]
}

func TestStartModesAndPing(t *testing.T) {
	srv := startServer(t, "")
	c := dial(t, srv)

	reply := c.roundTrip("START search")
	assert.Equal(t, fmt.Sprintf("STARTED search protocol(1) buffer(%d)", commandBuffer), reply)

	assert.Equal(t, "PONG", c.roundTrip("PING"))
	assert.True(t, strings.HasPrefix(c.roundTrip("HELP"), "RESULT commands("))
	assert.Equal(t, "ENDED quit", c.roundTrip("QUIT"))
}

func TestAuthFailure(t *testing.T) {
	srv := startServer(t, "SecretPassword")

	c := dial(t, srv)
	assert.Equal(t, "ENDED authentication_failed", c.roundTrip("START search WrongPassword"))

	c = dial(t, srv)
	assert.Equal(t, "ENDED authentication_failed", c.roundTrip("START search"))

	c = dial(t, srv)
	reply := c.roundTrip("START search SecretPassword")
	assert.True(t, strings.HasPrefix(reply, "STARTED search"), reply)
}

func TestQueryMissReturnsEmptyEvent(t *testing.T) {
	srv := startServer(t, "")
	c := dial(t, srv)
	c.roundTrip("START search")

	oids := c.pending(`QUERY messages default "nothing" LIMIT(10)`)
	assert.Empty(t, oids)
}

func TestPushThenQueryAcrossConnections(t *testing.T) {
	srv := startServer(t, "")

	ingest := dial(t, srv)
	ingest.roundTrip("START ingest")
	assert.Equal(t, "OK", ingest.roundTrip(`PUSH messages default conversation:1 "Hello Valerian"`))
	assert.Equal(t, "RESULT 2", ingest.roundTrip("COUNT messages default conversation:1"))

	search := dial(t, srv)
	search.roundTrip("START search")
	oids := search.pending(`QUERY messages default "valerian"`)
	assert.Equal(t, []string{"conversation:1"}, oids)
}

func TestSuggestBeforeConsolidation(t *testing.T) {
	srv := startServer(t, "")

	ingest := dial(t, srv)
	ingest.roundTrip("START ingest")
	ingest.roundTrip(`PUSH messages default conversation:1 "englishman"`)

	search := dial(t, srv)
	search.roundTrip("START search")
	words := search.pending(`SUGGEST messages default "eng"`)
	assert.Equal(t, []string{"englishman"}, words)
}

func TestFuzzyAlternateQuery(t *testing.T) {
	srv := startServer(t, "")

	ingest := dial(t, srv)
	ingest.roundTrip("START ingest")
	ingest.roundTrip(`PUSH messages default conversation:1 "english"`)

	search := dial(t, srv)
	search.roundTrip("START search")
	oids := search.pending(`QUERY messages default "englich"`)
	assert.Equal(t, []string{"conversation:1"}, oids)
}

func TestFlushBucketIsolation(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START ingest")
	for _, oid := range []string{"a", "b", "c"} {
		c.roundTrip(fmt.Sprintf(`PUSH messages one %s "some content"`, oid))
	}
	for _, oid := range []string{"d", "e"} {
		c.roundTrip(fmt.Sprintf(`PUSH messages two %s "other content"`, oid))
	}

	assert.Equal(t, "RESULT 3", c.roundTrip("FLUSHB messages one"))
	assert.Equal(t, "RESULT 2", c.roundTrip("COUNT messages two"))
}

func TestStopwordElision(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START ingest")
	c.roundTrip(`PUSH messages default conversation:2 "the lazy dog" LANG(eng)`)
	assert.Equal(t, "RESULT 2", c.roundTrip("COUNT messages default conversation:2"))
}

func TestEmptyPushIsNoop(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START ingest")
	assert.Equal(t, "OK", c.roundTrip(`PUSH messages default conversation:1 ""`))
	assert.Equal(t, "RESULT 0", c.roundTrip("COUNT messages default"))
}

func TestOutOfModeCommand(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START search")
	assert.Equal(t, "ERR not_recognized", c.roundTrip(`PUSH messages default o "text"`))
}

func TestMalformedCommand(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START search")
	reply := c.roundTrip("QUERY messages")
	assert.True(t, strings.HasPrefix(reply, "ERR invalid_format("), reply)
}

func TestInvalidMeta(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START search")
	assert.Equal(t, "ERR invalid_meta(LANG)",
		c.roundTrip(`QUERY messages default "hello" LANG(klingon)`))
}

func TestControlModeInfoAndTrigger(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START control")
	assert.Equal(t, "OK", c.roundTrip("TRIGGER consolidate"))

	info := c.roundTrip("INFO")
	assert.True(t, strings.HasPrefix(info, "RESULT uptime("), info)
	assert.Contains(t, info, "kv_open_count(")
	assert.Contains(t, info, "fst_consolidate_count(")
}

func TestTriggerBackupRestore(t *testing.T) {
	srv := startServer(t, "")

	ingest := dial(t, srv)
	ingest.roundTrip("START ingest")
	ingest.roundTrip(`PUSH messages default conversation:1 "backed up content"`)

	control := dial(t, srv)
	control.roundTrip("START control")
	backupDir := t.TempDir()
	assert.Equal(t, "OK", control.roundTrip("TRIGGER backup "+backupDir))

	ingest.roundTrip("FLUSHB messages default")
	assert.Equal(t, "RESULT 0", ingest.roundTrip("COUNT messages default"))

	assert.Equal(t, "OK", control.roundTrip("TRIGGER restore "+backupDir))
	assert.Equal(t, "RESULT 1", ingest.roundTrip("COUNT messages default"))
}

func TestShutdownRejectsCommands(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	c.roundTrip("START search")
	srv.stopping.Store(true)
	assert.Equal(t, "ERR shutting_down", c.roundTrip("PING"))
}

func TestUnknownBeforeStartCloses(t *testing.T) {
	srv := startServer(t, "")

	c := dial(t, srv)
	assert.Equal(t, "ENDED not_recognized", c.roundTrip("QUERY x y \"z\""))
}

func TestInterleavedPendingQueries(t *testing.T) {
	srv := startServer(t, "")

	ingest := dial(t, srv)
	ingest.roundTrip("START ingest")
	ingest.roundTrip(`PUSH messages default conversation:1 "alpha beta"`)

	search := dial(t, srv)
	search.roundTrip("START search")

	search.send(`QUERY messages default "alpha"`)
	search.send(`QUERY messages default "beta"`)

	markers := make(map[string]bool)
	oids := make(map[string]string)
	for len(oids) < 2 {
		line := search.read()
		fields := strings.Fields(line)
		switch fields[0] {
		case "PENDING":
			markers[fields[1]] = true
		case "EVENT":
			require.Equal(t, "QUERY", fields[1])
			require.True(t, markers[fields[2]], line)
			require.Len(t, fields, 4)
			oids[fields[2]] = fields[3]
		}
	}
	for _, oid := range oids {
		assert.Equal(t, "conversation:1", oid)
	}
}
