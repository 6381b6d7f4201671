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

const fstPoolCapacity = 4096

type fstKey struct {
	collection CollectionHash
	bucket     BucketHash
}

// FSTPool caches one FSTStore per (collection, bucket) pair, mirroring the
// KV pool discipline: per-key open serialization, janitor-driven close,
// close deferred to the last borrow.
type FSTPool struct {
	log utils.Logger
	cfg *config.FST

	cache   *lru.Cache[fstKey, *FSTStore]
	opening *xsync.MapOf[fstKey, struct{}]
}

func NewFSTPool(log utils.Logger, cfg *config.FST) (*FSTPool, error) {
	p := &FSTPool{
		log:     log,
		cfg:     cfg,
		opening: xsync.NewMapOf[fstKey, struct{}](),
	}

	cache, err := lru.NewWithEvict[fstKey, *FSTStore](fstPoolCapacity,
		func(k fstKey, s *FSTStore) {
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

func (p *FSTPool) collectionDir(c CollectionHash) string {
	return filepath.Join(p.cfg.Path, fmt.Sprintf("%x", uint32(c)))
}

func (p *FSTPool) graphPath(c CollectionHash, b BucketHash) string {
	return filepath.Join(p.collectionDir(c), fmt.Sprintf("%x.fst", uint32(b)))
}

// Acquire borrows the bucket graph, opening it on first use.
func (p *FSTPool) Acquire(collection, bucket string) (*FSTStore, error) {
	k := fstKey{collection: HashCollection(collection), bucket: HashBucket(bucket)}

	for {
		if s, ok := p.cache.Get(k); ok {
			if s.acquire() {
				return s, nil
			}
			p.cache.Remove(k)
		}

		if _, busy := p.opening.LoadOrStore(k, struct{}{}); busy {
			FSTOpenBusy.Inc()
			return nil, ErrOpenBusy
		}

		s, err := openFSTStore(k.collection, k.bucket, p.graphPath(k.collection, k.bucket))
		p.opening.Delete(k)
		if err != nil {
			p.log.Error("fst: open failed", "collection", collection, "bucket", bucket, "err", err)
			return nil, err
		}

		FSTOpens.Inc()
		if !s.acquire() {
			continue
		}
		p.cache.Add(k, s)
		return s, nil
	}
}

func (p *FSTPool) Release(s *FSTStore) {
	s.release()
}

func (p *FSTPool) Count() int {
	return p.cache.Len()
}

// ConsolidatingCount reports graphs currently rebuilding.
func (p *FSTPool) ConsolidatingCount() int {
	count := 0
	for _, k := range p.cache.Keys() {
		if s, ok := p.cache.Peek(k); ok && s.consolidating.Load() {
			count++
		}
	}
	return count
}

// Range visits every open graph under a borrow.
func (p *FSTPool) Range(fn func(k fstKey, s *FSTStore) bool) {
	for _, k := range p.cache.Keys() {
		s, ok := p.cache.Peek(k)
		if !ok || !s.acquire() {
			continue
		}
		more := fn(k, s)
		s.release()
		if !more {
			return
		}
	}
}

// Janitor closes graphs idle past the configured threshold. Graphs with
// pending words are kept open so the consolidation pass can fold them first.
func (p *FSTPool) Janitor() int {
	now := time.Now().Unix()
	closed := 0
	for _, k := range p.cache.Keys() {
		s, ok := p.cache.Peek(k)
		if !ok {
			continue
		}
		if s.PendingCount() > 0 {
			continue
		}
		if s.idleSince(now) >= int64(p.cfg.Pool.InactiveAfter) {
			p.cache.Remove(k)
			closed++
		}
	}
	if closed > 0 {
		p.log.Debug("fst: janitor closed idle graphs", "count", closed)
	}
	return closed
}

// ConsolidateDue rebuilds every open graph whose overlays are ripe, or all
// graphs with pending words when force is set.
func (p *FSTPool) ConsolidateDue(force bool) {
	now := time.Now().Unix()
	maxSizeBytes := p.cfg.Graph.MaxSize * 1024

	p.Range(func(k fstKey, s *FSTStore) bool {
		due := s.NeedsConsolidate(p.cfg.Graph.ConsolidateAfter, now) ||
			s.WordCount() >= p.cfg.Graph.MaxWords ||
			s.PendingSizeBytes() >= maxSizeBytes
		if force {
			due = s.PendingCount() > 0
		}
		if !due {
			return true
		}
		if err := s.Consolidate(p.cfg.Graph.MaxWords, maxSizeBytes); err != nil {
			p.log.Error("fst: consolidation failed",
				"collection", fmt.Sprintf("%x", uint32(k.collection)),
				"bucket", fmt.Sprintf("%x", uint32(k.bucket)), "err", err)
		}
		return true
	})
}

// CloseBucket evicts the bucket graph from the pool without touching its
// file; the next Acquire reopens from disk.
func (p *FSTPool) CloseBucket(collection, bucket string) {
	k := fstKey{collection: HashCollection(collection), bucket: HashBucket(bucket)}
	if s, ok := p.cache.Peek(k); ok {
		p.cache.Remove(k)
		for s.refs.Load() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// DropBucket closes the bucket graph, waits for borrows to drain, then
// deletes its file.
func (p *FSTPool) DropBucket(collection, bucket string) error {
	k := fstKey{collection: HashCollection(collection), bucket: HashBucket(bucket)}

	if s, ok := p.cache.Peek(k); ok {
		p.cache.Remove(k)
		for s.refs.Load() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	err := os.Remove(p.graphPath(k.collection, k.bucket))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DropCollection closes every graph of the collection and deletes its
// directory recursively.
func (p *FSTPool) DropCollection(collection string) error {
	c := HashCollection(collection)

	for _, k := range p.cache.Keys() {
		if k.collection != c {
			continue
		}
		if s, ok := p.cache.Peek(k); ok {
			p.cache.Remove(k)
			for s.refs.Load() > 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	return os.RemoveAll(p.collectionDir(c))
}

// Close drains and closes every open graph.
func (p *FSTPool) Close() {
	for _, k := range p.cache.Keys() {
		p.cache.Remove(k)
	}
}
