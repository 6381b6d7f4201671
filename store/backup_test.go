package store

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/utils"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Store.KV.Path = t.TempDir()
	cfg.Store.FST.Path = t.TempDir()

	log := utils.NewDefaultLogger(slog.LevelError)
	kv, err := NewKVPool(log, &cfg.Store.KV)
	require.NoError(t, err)
	fst, err := NewFSTPool(log, &cfg.Store.FST)
	require.NoError(t, err)
	t.Cleanup(func() {
		kv.Close()
		fst.Close()
	})

	bucket := HashBucket("default")
	s, err := kv.Acquire("messages")
	require.NoError(t, err)
	iid, err := s.OIDGetOrAssign(bucket, "conversation:1")
	require.NoError(t, err)
	_, err = s.PostingPush(bucket, HashTerm("hello"), iid, 100)
	require.NoError(t, err)
	kv.Release(s)

	g, err := fst.Acquire("messages", "default")
	require.NoError(t, err)
	g.Push("hello")
	require.NoError(t, g.Consolidate(1000, 1024*1024))
	fst.Release(g)

	backupDir := t.TempDir()
	require.NoError(t, Backup(log, kv, fst, backupDir))

	// wipe everything, then restore
	require.NoError(t, kv.DropCollection("messages"))
	require.NoError(t, fst.DropCollection("messages"))
	require.NoError(t, Restore(log, kv, fst, backupDir))

	s, err = kv.Acquire("messages")
	require.NoError(t, err)
	defer kv.Release(s)
	restored, ok, err := s.OIDToIID(bucket, "conversation:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, iid, restored)

	g, err = fst.Acquire("messages", "default")
	require.NoError(t, err)
	defer fst.Release(g)
	found, err := g.Contains("hello")
	require.NoError(t, err)
	assert.True(t, found)
}
