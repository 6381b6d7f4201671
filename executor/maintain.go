package executor

import (
	"github.com/valeriansaliou/sonic/store"
)

// CountBuckets reports the number of buckets present in the collection.
func (e *Executor) CountBuckets(collection string) (int, error) {
	kv, err := e.kv.Acquire(collection)
	if err != nil {
		return 0, err
	}
	defer e.kv.Release(kv)

	return kv.CountBuckets()
}

// CountObjects reports the number of live objects in the bucket.
func (e *Executor) CountObjects(collection, bucket string) (int, error) {
	kv, err := e.kv.Acquire(collection)
	if err != nil {
		return 0, err
	}
	defer e.kv.Release(kv)

	return kv.CountObjects(store.HashBucket(bucket))
}

// CountTerms reports the number of terms indexed for one object.
func (e *Executor) CountTerms(collection, bucket, oid string) (int, error) {
	kv, err := e.kv.Acquire(collection)
	if err != nil {
		return 0, err
	}
	defer e.kv.Release(kv)

	return kv.CountTerms(store.HashBucket(bucket), oid)
}

// FlushCollection wipes the whole collection: every bucket's keys and every
// word graph. Returns the number of buckets flushed.
func (e *Executor) FlushCollection(collection string) (int, error) {
	count := 0
	if kv, err := e.kv.Acquire(collection); err == nil {
		count, _ = kv.CountBuckets()
		e.kv.Release(kv)
	}

	if err := e.kv.DropCollection(collection); err != nil {
		return 0, err
	}
	if err := e.fst.DropCollection(collection); err != nil {
		return 0, err
	}
	return count, nil
}

// FlushBucket wipes one bucket: all five key families and the bucket's word
// graph. In-flight writers on the bucket drain before the wipe. Returns the
// number of objects flushed.
func (e *Executor) FlushBucket(collection, bucket string) (int, error) {
	gate := e.gate(collection, bucket)
	gate.Lock()
	defer gate.Unlock()

	kv, err := e.kv.Acquire(collection)
	if err != nil {
		return 0, err
	}
	defer e.kv.Release(kv)

	b := store.HashBucket(bucket)
	count, err := kv.CountObjects(b)
	if err != nil {
		return 0, err
	}
	if err := kv.FlushBucket(b); err != nil {
		return 0, err
	}
	if err := e.fst.DropBucket(collection, bucket); err != nil {
		return 0, err
	}
	return count, nil
}

// FlushObject unindexes every term of one object and releases it. Returns
// the number of terms removed.
func (e *Executor) FlushObject(collection, bucket, oid string) (int, error) {
	if err := store.ValidateOID(oid); err != nil {
		return 0, err
	}

	gate := e.gate(collection, bucket)
	gate.RLock()
	defer gate.RUnlock()

	kv, fst, err := e.open(collection, bucket)
	if err != nil {
		return 0, err
	}
	defer e.close(kv, fst)

	b := store.HashBucket(bucket)
	iid, ok, err := kv.OIDToIID(b, oid)
	if err != nil || !ok {
		return 0, err
	}

	terms, err := kv.TermsGet(b, iid)
	if err != nil {
		return 0, err
	}

	emptied := make(map[store.TermHash]struct{})
	for _, term := range terms {
		empty, err := kv.PostingRemove(b, term, iid)
		if err != nil {
			return 0, err
		}
		if empty {
			emptied[term] = struct{}{}
		}
	}

	// the schema stores term hashes only; emptied terms are mapped back to
	// their words by rehashing the visible graph words
	if len(emptied) > 0 {
		var toPop []string
		err := fst.Words(func(word string) bool {
			if _, ok := emptied[store.HashTerm(word)]; ok {
				toPop = append(toPop, word)
				delete(emptied, store.HashTerm(word))
			}
			return len(emptied) > 0
		})
		if err != nil {
			return 0, err
		}
		for _, word := range toPop {
			fst.Pop(word)
		}
	}

	if _, _, err := kv.OIDRelease(b, oid); err != nil {
		return 0, err
	}
	return len(terms), nil
}
