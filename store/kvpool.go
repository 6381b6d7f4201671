package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/utils"
)

const kvPoolCapacity = 1024

// KVPool caches one KVStore per collection. Opens are serialized per key;
// the janitor closes handles left idle past the configured threshold.
type KVPool struct {
	log utils.Logger
	cfg *config.KV

	cache   *lru.Cache[CollectionHash, *KVStore]
	opening *xsync.MapOf[CollectionHash, struct{}]
}

func NewKVPool(log utils.Logger, cfg *config.KV) (*KVPool, error) {
	p := &KVPool{
		log:     log,
		cfg:     cfg,
		opening: xsync.NewMapOf[CollectionHash, struct{}](),
	}

	cache, err := lru.NewWithEvict[CollectionHash, *KVStore](kvPoolCapacity,
		func(h CollectionHash, s *KVStore) {
			s.markClose()
		})
	if err != nil {
		return nil, err
	}
	p.cache = cache

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *KVPool) collectionPath(h CollectionHash) string {
	return filepath.Join(p.cfg.Path, fmt.Sprintf("%x", uint32(h)))
}

// Acquire borrows the collection handle, opening it on first use. It fails
// with ErrOpenBusy when another caller is currently opening the same
// collection.
func (p *KVPool) Acquire(collection string) (*KVStore, error) {
	h := HashCollection(collection)

	for {
		if s, ok := p.cache.Get(h); ok {
			if s.acquire() {
				return s, nil
			}
			// handle is draining for close, evict and reopen
			p.cache.Remove(h)
		}

		if _, busy := p.opening.LoadOrStore(h, struct{}{}); busy {
			KVOpenBusy.Inc()
			return nil, ErrOpenBusy
		}

		s, err := openKVStore(h, p.collectionPath(h), &p.cfg.Database, p.log)
		p.opening.Delete(h)
		if err != nil {
			p.log.Error("kv: open failed", "collection", collection, "err", err)
			return nil, err
		}

		KVOpens.Inc()
		if !s.acquire() {
			continue
		}
		p.cache.Add(h, s)
		return s, nil
	}
}

func (p *KVPool) Release(s *KVStore) {
	s.release()
}

// Count reports open handles.
func (p *KVPool) Count() int {
	return p.cache.Len()
}

// Range visits every open handle under a borrow.
func (p *KVPool) Range(fn func(h CollectionHash, s *KVStore) bool) {
	for _, h := range p.cache.Keys() {
		s, ok := p.cache.Peek(h)
		if !ok || !s.acquire() {
			continue
		}
		more := fn(h, s)
		s.release()
		if !more {
			return
		}
	}
}

// Janitor closes handles idle for at least the configured threshold. Close
// itself is deferred to the last in-flight borrow.
func (p *KVPool) Janitor() int {
	now := time.Now().Unix()
	closed := 0
	for _, h := range p.cache.Keys() {
		s, ok := p.cache.Peek(h)
		if !ok {
			continue
		}
		if s.idleSince(now) >= int64(p.cfg.Pool.InactiveAfter) {
			p.cache.Remove(h)
			closed++
		}
	}
	if closed > 0 {
		p.log.Debug("kv: janitor closed idle collections", "count", closed)
	}
	return closed
}

// FlushStale flushes memtables of stores past the flush_after threshold.
func (p *KVPool) FlushStale() {
	now := time.Now().Unix()
	p.Range(func(h CollectionHash, s *KVStore) bool {
		if err := s.FlushIfStale(p.cfg.Database.FlushAfter, now); err != nil {
			p.log.Warn("kv: stale flush failed", "collection", fmt.Sprintf("%x", uint32(h)), "err", err)
		}
		return true
	})
}

// FlushAll flushes memtables of every open store, used on shutdown.
func (p *KVPool) FlushAll() {
	p.Range(func(h CollectionHash, s *KVStore) bool {
		if err := s.Flush(); err != nil {
			p.log.Warn("kv: flush failed", "collection", fmt.Sprintf("%x", uint32(h)), "err", err)
		}
		return true
	})
}

// DropCollection closes the collection handle, waits for in-flight borrows
// to drain, then deletes the database directory.
func (p *KVPool) DropCollection(collection string) error {
	h := HashCollection(collection)

	if s, ok := p.cache.Peek(h); ok {
		p.cache.Remove(h)
		for s.refs.Load() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return os.RemoveAll(p.collectionPath(h))
}

// Close drains and closes every open handle.
func (p *KVPool) Close() {
	for _, h := range p.cache.Keys() {
		p.cache.Remove(h)
	}
}
