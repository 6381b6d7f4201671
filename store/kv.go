package store

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/utils"
)

var (
	ErrOpenBusy   = errors.New("another open is in progress for this collection")
	ErrOpenFailed = errors.New("collection database open failed")
	ErrClosed     = errors.New("collection database is closed")
)

var kvWriteOptions = pebble.WriteOptions{Sync: false}

// KVStore is one opened collection database. Handles are shared through the
// pool; callers borrow with acquire/release and must not retain a handle
// across commands.
type KVStore struct {
	h    CollectionHash
	path string
	db   *pebble.DB

	refs      atomic.Int64
	lastUse   atomic.Int64
	lastFlush atomic.Int64
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// serializes IID allocation within the collection
	iidLock sync.Mutex
}

// pebbleLogger routes the engine's own logging through the daemon logger.
type pebbleLogger struct {
	log utils.Logger
}

func (p pebbleLogger) Infof(format string, args ...any) {
	p.log.Debug(fmt.Sprintf("kv: "+format, args...))
}

func (p pebbleLogger) Errorf(format string, args ...any) {
	p.log.Error(fmt.Sprintf("kv: "+format, args...))
}

func (p pebbleLogger) Fatalf(format string, args ...any) {
	p.log.Error(fmt.Sprintf("kv: fatal: "+format, args...))
}

func pebbleOptions(cfg *config.KVDatabase, log utils.Logger) *pebble.Options {
	opts := &pebble.Options{
		Logger:                      pebbleLogger{log: log},
		MemTableSize:                uint64(cfg.WriteBufferKB) * 1024,
		MemTableStopWritesThreshold: cfg.MaxFlushes + 1,
		DisableWAL:                  !cfg.WriteAheadLog,
		MaxConcurrentCompactions:    func() int { return max(cfg.MaxCompactions, 1) },
	}

	if cfg.MaxFiles > 0 {
		opts.MaxOpenFiles = cfg.MaxFiles
	}
	opts.Experimental.L0CompactionConcurrency = max(cfg.Parallelism, 1)

	opts.EnsureDefaults()
	compression := pebble.NoCompression
	if cfg.Compress {
		compression = pebble.SnappyCompression
	}
	for i := range opts.Levels {
		opts.Levels[i].Compression = compression
	}

	return opts
}

func openKVStore(h CollectionHash, path string, cfg *config.KVDatabase, log utils.Logger) (*KVStore, error) {
	db, err := pebble.Open(path, pebbleOptions(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, err)
	}

	s := &KVStore{h: h, path: path, db: db}
	now := time.Now().Unix()
	s.lastUse.Store(now)
	s.lastFlush.Store(now)
	return s, nil
}

// acquire publishes a borrow; it fails once the handle is marked for close.
func (s *KVStore) acquire() bool {
	s.refs.Add(1)
	if s.closing.Load() {
		s.release()
		return false
	}
	s.lastUse.Store(time.Now().Unix())
	return true
}

func (s *KVStore) release() {
	if s.refs.Add(-1) == 0 && s.closing.Load() {
		s.close()
	}
}

// markClose defers the actual close to the last dropped borrow.
func (s *KVStore) markClose() {
	s.closing.Store(true)
	if s.refs.Load() == 0 {
		s.close()
	}
}

func (s *KVStore) close() {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
}

func (s *KVStore) idleSince(now int64) int64 {
	return now - s.lastUse.Load()
}

func (s *KVStore) Hash() CollectionHash { return s.h }

func (s *KVStore) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	_ = closer.Close()
	return out, true, nil
}

func (s *KVStore) Put(key, value []byte) error {
	return s.db.Set(key, value, &kvWriteOptions)
}

func (s *KVStore) Delete(key []byte) error {
	return s.db.Delete(key, &kvWriteOptions)
}

// DeletePrefix atomically removes every key carrying the prefix.
func (s *KVStore) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		return errors.New("unbounded prefix")
	}
	return s.db.DeleteRange(prefix, upper, &kvWriteOptions)
}

// IterPrefix walks keys carrying the prefix in ascending order. Key and
// value slices are copies and stay valid after the step.
func (s *KVStore) IterPrefix(prefix []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func(key, value []byte) bool) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixUpperBound(prefix),
		})
		if err != nil {
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())
			value := make([]byte, len(it.Value()))
			copy(value, it.Value())
			if !yield(key, value) {
				return
			}
		}
	}
}

// Batch applies writes and deletes atomically.
func (s *KVStore) Batch(fn func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	if err := fn(b); err != nil {
		_ = b.Close()
		return err
	}
	return b.Commit(&kvWriteOptions)
}

func (s *KVStore) Flush() error {
	s.lastFlush.Store(time.Now().Unix())
	return s.db.Flush()
}

// FlushIfStale flushes memtables when the last flush is older than `after`
// seconds. The tasker calls it for every open store, whether or not the
// write-ahead log is enabled.
func (s *KVStore) FlushIfStale(after uint64, now int64) error {
	if now-s.lastFlush.Load() < int64(after) {
		return nil
	}
	return s.Flush()
}

// Checkpoint writes a consistent copy of the database into destDir. The WAL
// is flushed first so that unsynced writes are part of the copy.
func (s *KVStore) Checkpoint(destDir string) error {
	return s.db.Checkpoint(destDir, pebble.WithFlushedWAL())
}

func (s *KVStore) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}
