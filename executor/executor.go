// Package executor coordinates the KV and FST stores to serve channel
// commands. Executors borrow pool handles per call and never retain them.
package executor

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/store"
	"github.com/valeriansaliou/sonic/utils"
)

type Executor struct {
	log utils.Logger
	cfg *config.Config
	kv  *store.KVPool
	fst *store.FSTPool

	// per-bucket write gates: ingest writers share the gate, bucket-wide
	// flushes take it exclusively so in-flight writers drain first
	gates *xsync.MapOf[gateKey, *sync.RWMutex]
}

type gateKey struct {
	collection store.CollectionHash
	bucket     store.BucketHash
}

func New(log utils.Logger, cfg *config.Config, kv *store.KVPool, fst *store.FSTPool) *Executor {
	return &Executor{
		log:   log,
		cfg:   cfg,
		kv:    kv,
		fst:   fst,
		gates: xsync.NewMapOf[gateKey, *sync.RWMutex](),
	}
}

func (e *Executor) gate(collection, bucket string) *sync.RWMutex {
	k := gateKey{collection: store.HashCollection(collection), bucket: store.HashBucket(bucket)}
	gate, _ := e.gates.LoadOrStore(k, &sync.RWMutex{})
	return gate
}

// open borrows both stores for a (collection, bucket) pair.
func (e *Executor) open(collection, bucket string) (*store.KVStore, *store.FSTStore, error) {
	kv, err := e.kv.Acquire(collection)
	if err != nil {
		return nil, nil, err
	}
	fst, err := e.fst.Acquire(collection, bucket)
	if err != nil {
		e.kv.Release(kv)
		return nil, nil, err
	}
	return kv, fst, nil
}

func (e *Executor) close(kv *store.KVStore, fst *store.FSTStore) {
	e.fst.Release(fst)
	e.kv.Release(kv)
}
