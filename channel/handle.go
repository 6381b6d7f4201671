package channel

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/executor"
	"github.com/valeriansaliou/sonic/lexer"
	"github.com/valeriansaliou/sonic/store"
	"github.com/valeriansaliou/sonic/utils"
)

// Triggers are the control-mode hooks wired in by the runtime.
type Triggers struct {
	Consolidate func()
	Backup      func(path string) error
	Restore     func(path string) error
}

// Channel executes the per-connection protocol state machine.
type Channel struct {
	log  utils.Logger
	cfg  *config.Config
	exec *executor.Executor
	kv   *store.KVPool
	fst  *store.FSTPool

	stats    *Statistics
	pool     *SearchPool
	triggers Triggers
	stopping *atomic.Bool
}

func NewChannel(log utils.Logger, cfg *config.Config, exec *executor.Executor,
	kv *store.KVPool, fst *store.FSTPool, stats *Statistics, pool *SearchPool,
	triggers Triggers, stopping *atomic.Bool) *Channel {
	return &Channel{
		log:      log,
		cfg:      cfg,
		exec:     exec,
		kv:       kv,
		fst:      fst,
		stats:    stats,
		pool:     pool,
		triggers: triggers,
		stopping: stopping,
	}
}

// connWriter serializes line writes on one connection. Once the connection
// drops, pending async results are discarded instead of written.
type connWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	closed atomic.Bool
}

func (w *connWriter) writeLine(line string) {
	if w.closed.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return
	}
	if _, err := w.conn.Write([]byte(line + "\n")); err != nil {
		w.closed.Store(true)
	}
}

const markerAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const markerLength = 8

func makeMarker() string {
	var sb strings.Builder
	for i := 0; i < markerLength; i++ {
		sb.WriteByte(markerAlphabet[rand.Intn(len(markerAlphabet))])
	}
	return sb.String()
}

// session is the state of one connection.
type session struct {
	c      *Channel
	writer *connWriter
	mode   mode

	// markers of in-flight async jobs, unique per connection
	markers utils.CMap[string, struct{}]
}

// Serve drives a connection until it quits, errors or times out.
func (c *Channel) Serve(conn net.Conn) {
	defer conn.Close()

	c.stats.clientIn()
	defer c.stats.clientOut()

	s := &session{c: c, writer: &connWriter{conn: conn}}
	defer s.writer.closed.Store(true)

	s.writer.writeLine(fmt.Sprintf("CONNECTED <sonic-server v%s>", serverVersion))

	scanner := bufio.NewScanner(conn)
	// room for a full commandBuffer-byte line plus its newline
	scanner.Buffer(make([]byte, 0, 4096), commandBuffer+1)

	timeout := time.Duration(c.cfg.Channel.TCPTimeout) * time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if !scanner.Scan() {
			if errors.Is(scanner.Err(), bufio.ErrTooLong) {
				s.writer.writeLine("ENDED buffer_line_too_long")
			}
			return
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if !s.handle(line) {
			return
		}
	}
}

// handle processes one command line; it returns false when the connection
// must close.
func (s *session) handle(line string) bool {
	req, err := parseRequest(line)
	if err != nil || req == nil {
		s.writer.writeLine("ERR invalid_format(unterminated quoted text)")
		return true
	}

	if s.c.stopping.Load() {
		s.writer.writeLine("ERR shutting_down")
		return true
	}

	if req.name == "QUIT" {
		s.writer.writeLine("ENDED quit")
		return false
	}

	if s.mode == modeUninitialized {
		if req.name != "START" {
			s.writer.writeLine("ENDED not_recognized")
			return false
		}
		return s.handleStart(req)
	}

	if !s.mode.allows(req.name) {
		s.writer.writeLine("ERR not_recognized")
		return true
	}

	start := time.Now()
	defer func() { s.c.stats.observe(s.mode, req.name, time.Since(start)) }()

	switch req.name {
	case "PING":
		s.writer.writeLine("PONG")
	case "HELP":
		s.writer.writeLine(fmt.Sprintf("RESULT commands(%s)", s.mode.manual()))
	case "QUERY":
		s.handleQuery(req)
	case "SUGGEST":
		s.handleSuggest(req)
	case "LIST":
		s.handleList(req)
	case "PUSH":
		s.handlePush(req)
	case "POP":
		s.handlePop(req)
	case "COUNT":
		s.handleCount(req)
	case "FLUSHC":
		s.handleFlushC(req)
	case "FLUSHB":
		s.handleFlushB(req)
	case "FLUSHO":
		s.handleFlushO(req)
	case "TRIGGER":
		s.handleTrigger(req)
	case "INFO":
		s.writer.writeLine("RESULT " + s.c.stats.Render(s.c.kv, s.c.fst))
	default:
		s.writer.writeLine("ERR not_recognized")
	}
	return true
}

func (s *session) handleStart(req *request) bool {
	if len(req.args) < 1 {
		s.writer.writeLine("ERR invalid_format(START <mode> [<password>]?)")
		return true
	}

	m, ok := parseMode(req.args[0])
	if !ok {
		s.writer.writeLine("ERR not_recognized")
		return true
	}

	if password := s.c.cfg.Channel.AuthPassword; password != "" {
		if len(req.args) < 2 || req.args[1] != password {
			s.writer.writeLine("ENDED authentication_failed")
			return false
		}
	}

	s.mode = m
	s.writer.writeLine(fmt.Sprintf("STARTED %s protocol(%d) buffer(%d)",
		m.String(), protocolVersion, commandBuffer))
	return true
}

// limits resolves LIMIT/OFFSET modifiers with defaults and a hard maximum.
func (s *session) limits(req *request, def, maximum uint16) (int, int, bool) {
	limit, err := req.metaInt("LIMIT", int(def))
	if err != nil {
		s.writer.writeLine("ERR invalid_meta(LIMIT)")
		return 0, 0, false
	}
	if limit > int(maximum) {
		limit = int(maximum)
	}

	offset, err := req.metaInt("OFFSET", 0)
	if err != nil {
		s.writer.writeLine("ERR invalid_meta(OFFSET)")
		return 0, 0, false
	}
	return limit, offset, true
}

func (s *session) locale(req *request) (string, bool) {
	locale, ok := req.metaString("LANG")
	if !ok {
		return "", true
	}
	if !lexer.ValidLocale(locale) {
		s.writer.writeLine("ERR invalid_meta(LANG)")
		return "", false
	}
	return locale, true
}

// dispatch runs a search job on the shared pool, tagged by a fresh marker.
// The marker is announced synchronously; the result line is emitted by the
// worker unless the connection dropped in the meantime.
func (s *session) dispatch(kind string, run func() ([]string, error)) {
	var marker string
	for {
		marker = makeMarker()
		if _, taken := s.markers.LoadOrStore(marker, struct{}{}); !taken {
			break
		}
	}

	s.writer.writeLine("PENDING " + marker)

	submitted := s.pool().Submit(func() {
		defer s.markers.Delete(marker)

		results, err := run()
		if err != nil {
			s.c.log.Error("channel: search command failed", "kind", kind, "err", err)
			s.writer.writeLine(fmt.Sprintf("EVENT %s %s", kind, marker))
			return
		}

		line := fmt.Sprintf("EVENT %s %s", kind, marker)
		if len(results) > 0 {
			line += " " + strings.Join(results, " ")
		}
		s.writer.writeLine(line)
	})
	if !submitted {
		s.markers.Delete(marker)
		s.writer.writeLine(fmt.Sprintf("EVENT %s %s", kind, marker))
	}
}

func (s *session) pool() *SearchPool {
	return s.c.pool
}

func (s *session) handleQuery(req *request) {
	if len(req.args) != 2 || !req.hasText {
		s.writer.writeLine("ERR invalid_format(QUERY <collection> <bucket> \"<terms>\" [LIMIT(<count>)]? [OFFSET(<count>)]? [LANG(<locale>)]?)")
		return
	}
	search := s.c.cfg.Channel.Search
	limit, offset, ok := s.limits(req, search.QueryLimitDefault, search.QueryLimitMaximum)
	if !ok {
		return
	}
	locale, ok := s.locale(req)
	if !ok {
		return
	}

	collection, bucket, terms := req.args[0], req.args[1], req.text
	s.dispatch("QUERY", func() ([]string, error) {
		return s.c.exec.Query(collection, bucket, terms, limit, offset, locale)
	})
}

func (s *session) handleSuggest(req *request) {
	if len(req.args) != 2 || !req.hasText {
		s.writer.writeLine("ERR invalid_format(SUGGEST <collection> <bucket> \"<word>\" [LIMIT(<count>)]?)")
		return
	}
	search := s.c.cfg.Channel.Search
	limit, _, ok := s.limits(req, search.SuggestLimitDefault, search.SuggestLimitMaximum)
	if !ok {
		return
	}

	collection, bucket, word := req.args[0], req.args[1], req.text
	s.dispatch("SUGGEST", func() ([]string, error) {
		return s.c.exec.Suggest(collection, bucket, word, limit)
	})
}

func (s *session) handleList(req *request) {
	if len(req.args) != 2 {
		s.writer.writeLine("ERR invalid_format(LIST <collection> <bucket> [LIMIT(<count>)]? [OFFSET(<count>)]?)")
		return
	}
	search := s.c.cfg.Channel.Search
	limit, offset, ok := s.limits(req, search.ListLimitDefault, search.ListLimitMaximum)
	if !ok {
		return
	}

	collection, bucket := req.args[0], req.args[1]
	s.dispatch("LIST", func() ([]string, error) {
		return s.c.exec.List(collection, bucket, limit, offset)
	})
}

func (s *session) handlePush(req *request) {
	if len(req.args) != 3 || !req.hasText {
		s.writer.writeLine("ERR invalid_format(PUSH <collection> <bucket> <object> \"<text>\" [LANG(<locale>)]?)")
		return
	}
	locale, ok := s.locale(req)
	if !ok {
		return
	}

	_, err := s.c.exec.Push(req.args[0], req.args[1], req.args[2], req.text, locale)
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine("OK")
}

func (s *session) handlePop(req *request) {
	if len(req.args) != 3 || !req.hasText {
		s.writer.writeLine("ERR invalid_format(POP <collection> <bucket> <object> \"<text>\")")
		return
	}
	locale, ok := s.locale(req)
	if !ok {
		return
	}

	removed, err := s.c.exec.Pop(req.args[0], req.args[1], req.args[2], req.text, locale)
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine(fmt.Sprintf("RESULT %d", removed))
}

func (s *session) handleCount(req *request) {
	var (
		count int
		err   error
	)
	switch len(req.args) {
	case 1:
		count, err = s.c.exec.CountBuckets(req.args[0])
	case 2:
		count, err = s.c.exec.CountObjects(req.args[0], req.args[1])
	case 3:
		count, err = s.c.exec.CountTerms(req.args[0], req.args[1], req.args[2])
	default:
		s.writer.writeLine("ERR invalid_format(COUNT <collection> [<bucket> [<object>]?]?)")
		return
	}
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine(fmt.Sprintf("RESULT %d", count))
}

func (s *session) handleFlushC(req *request) {
	if len(req.args) != 1 {
		s.writer.writeLine("ERR invalid_format(FLUSHC <collection>)")
		return
	}
	count, err := s.c.exec.FlushCollection(req.args[0])
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine(fmt.Sprintf("RESULT %d", count))
}

func (s *session) handleFlushB(req *request) {
	if len(req.args) != 2 {
		s.writer.writeLine("ERR invalid_format(FLUSHB <collection> <bucket>)")
		return
	}
	count, err := s.c.exec.FlushBucket(req.args[0], req.args[1])
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine(fmt.Sprintf("RESULT %d", count))
}

func (s *session) handleFlushO(req *request) {
	if len(req.args) != 3 {
		s.writer.writeLine("ERR invalid_format(FLUSHO <collection> <bucket> <object>)")
		return
	}
	count, err := s.c.exec.FlushObject(req.args[0], req.args[1], req.args[2])
	if err != nil {
		s.writeExecError(err)
		return
	}
	s.writer.writeLine(fmt.Sprintf("RESULT %d", count))
}

func (s *session) handleTrigger(req *request) {
	if len(req.args) < 1 {
		s.writer.writeLine("ERR invalid_format(TRIGGER [<action>]? [<data>]?)")
		return
	}

	switch strings.ToLower(req.args[0]) {
	case "consolidate":
		s.c.triggers.Consolidate()
		s.writer.writeLine("OK")
	case "backup":
		if len(req.args) != 2 {
			s.writer.writeLine("ERR invalid_format(TRIGGER backup <path>)")
			return
		}
		if err := s.c.triggers.Backup(req.args[1]); err != nil {
			s.writeExecError(err)
			return
		}
		s.writer.writeLine("OK")
	case "restore":
		if len(req.args) != 2 {
			s.writer.writeLine("ERR invalid_format(TRIGGER restore <path>)")
			return
		}
		if err := s.c.triggers.Restore(req.args[1]); err != nil {
			s.writeExecError(err)
			return
		}
		s.writer.writeLine("OK")
	default:
		s.writer.writeLine("ERR not_recognized")
	}
}

// writeExecError maps internal failures to their wire code.
func (s *session) writeExecError(err error) {
	s.c.log.Error("channel: command failed", "err", err)

	switch {
	case errors.Is(err, store.ErrIIDExhausted):
		s.writer.writeLine("ERR internal_error(iid_exhausted)")
	case errors.Is(err, lexer.ErrInvalidText):
		s.writer.writeLine("ERR internal_error(invalid_text)")
	default:
		s.writer.writeLine("ERR internal_error")
	}
}
