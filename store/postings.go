package store

import (
	"errors"
	"math"

	"github.com/cockroachdb/pebble"
)

var ErrIIDExhausted = errors.New("internal identifier space exhausted")

// PostingGet returns the posting list for a term, newest first.
func (s *KVStore) PostingGet(bucket BucketHash, term TermHash) ([]IID, error) {
	value, ok, err := s.Get(keyTermToIIDs(bucket, term))
	if err != nil || !ok {
		return nil, err
	}
	return decodeIIDs(value), nil
}

// PostingPush moves the object to the front of the term's posting list and
// truncates the list to `retain` entries, returning the evicted tail.
func (s *KVStore) PostingPush(bucket BucketHash, term TermHash, iid IID, retain int) ([]IID, error) {
	key := keyTermToIIDs(bucket, term)
	value, ok, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	var iids []IID
	if ok {
		iids = decodeIIDs(value)
	}
	if len(iids) > 0 && iids[0] == iid {
		return nil, nil
	}

	next := make([]IID, 0, len(iids)+1)
	next = append(next, iid)
	for _, cur := range iids {
		if cur != iid {
			next = append(next, cur)
		}
	}

	var evicted []IID
	if retain > 0 && len(next) > retain {
		evicted = next[retain:]
		next = next[:retain]
	}

	if err := s.Put(key, encodeIIDs(next)); err != nil {
		return nil, err
	}
	return evicted, nil
}

// PostingRemove drops the object from the term's posting list; the key is
// deleted outright once the list empties. Reports whether the list is now
// empty.
func (s *KVStore) PostingRemove(bucket BucketHash, term TermHash, iid IID) (bool, error) {
	key := keyTermToIIDs(bucket, term)
	value, ok, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	iids := decodeIIDs(value)
	next := make([]IID, 0, len(iids))
	for _, cur := range iids {
		if cur != iid {
			next = append(next, cur)
		}
	}
	if len(next) == len(iids) {
		return len(next) == 0, nil
	}

	if len(next) == 0 {
		return true, s.Delete(key)
	}
	return false, s.Put(key, encodeIIDs(next))
}

// TermsGet returns the term hashes indexed for an object.
func (s *KVStore) TermsGet(bucket BucketHash, iid IID) ([]TermHash, error) {
	value, ok, err := s.Get(keyIIDToTerms(bucket, iid))
	if err != nil || !ok {
		return nil, err
	}
	return decodeTerms(value), nil
}

// TermsAppend adds term hashes to an object's term list, deduplicated.
// Returns the number of terms actually appended.
func (s *KVStore) TermsAppend(bucket BucketHash, iid IID, terms []TermHash) (int, error) {
	key := keyIIDToTerms(bucket, iid)
	value, ok, err := s.Get(key)
	if err != nil {
		return 0, err
	}

	var current []TermHash
	if ok {
		current = decodeTerms(value)
	}
	seen := make(map[TermHash]struct{}, len(current))
	for _, term := range current {
		seen[term] = struct{}{}
	}

	appended := 0
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		current = append(current, term)
		appended++
	}
	if appended == 0 {
		return 0, nil
	}
	return appended, s.Put(key, encodeTerms(current))
}

// TermsRemove drops one term from an object's term list, reporting how many
// terms remain. The key is deleted once the list empties.
func (s *KVStore) TermsRemove(bucket BucketHash, iid IID, term TermHash) (int, error) {
	key := keyIIDToTerms(bucket, iid)
	value, ok, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	terms := decodeTerms(value)
	next := make([]TermHash, 0, len(terms))
	for _, cur := range terms {
		if cur != term {
			next = append(next, cur)
		}
	}
	if len(next) == 0 {
		return 0, s.Delete(key)
	}
	return len(next), s.Put(key, encodeTerms(next))
}

// OIDToIID resolves an external identifier, verifying the authoritative
// reverse mapping; a route collision that lost its reverse entry reads as
// absent.
func (s *KVStore) OIDToIID(bucket BucketHash, oid string) (IID, bool, error) {
	value, ok, err := s.Get(keyOIDToIID(bucket, oid))
	if err != nil || !ok {
		return 0, false, err
	}
	iid := IID(decodeIIDCounter(value))

	stored, ok, err := s.IIDToOID(bucket, iid)
	if err != nil {
		return 0, false, err
	}
	if !ok || stored != oid {
		return 0, false, nil
	}
	return iid, true, nil
}

// IIDToOID is the authoritative reverse read.
func (s *KVStore) IIDToOID(bucket BucketHash, iid IID) (string, bool, error) {
	value, ok, err := s.Get(keyIIDToOID(bucket, iid))
	if err != nil || !ok {
		return "", false, err
	}
	return string(value), true, nil
}

// OIDGetOrAssign resolves the object's IID, allocating a fresh one from the
// bucket counter when absent. Allocation re-reads the reverse mapping after
// picking a slot and probes linearly past occupied slots.
func (s *KVStore) OIDGetOrAssign(bucket BucketHash, oid string) (IID, error) {
	if iid, ok, err := s.OIDToIID(bucket, oid); err != nil || ok {
		return iid, err
	}

	s.iidLock.Lock()
	defer s.iidLock.Unlock()

	// re-check under the allocation lock
	if iid, ok, err := s.OIDToIID(bucket, oid); err != nil || ok {
		return iid, err
	}

	counterKey := keyMetaToValue(bucket, metaIIDIncr)
	value, _, err := s.Get(counterKey)
	if err != nil {
		return 0, err
	}
	next := decodeIIDCounter(value)

	// verify-after-assign: skip slots whose reverse entry is occupied
	for {
		if next == math.MaxUint32 {
			return 0, ErrIIDExhausted
		}
		_, occupied, err := s.IIDToOID(bucket, IID(next))
		if err != nil {
			return 0, err
		}
		if !occupied {
			break
		}
		next++
	}

	iid := IID(next)
	err = s.Batch(func(b *pebble.Batch) error {
		if err := b.Set(counterKey, encodeIIDCounter(next+1), nil); err != nil {
			return err
		}
		if err := b.Set(keyOIDToIID(bucket, oid), encodeIIDCounter(next), nil); err != nil {
			return err
		}
		return b.Set(keyIIDToOID(bucket, iid), []byte(oid), nil)
	})
	if err != nil {
		return 0, err
	}
	return iid, nil
}

// OIDRelease retires an object: both mapping directions and the term list
// are deleted atomically. The IID is returned so the caller can purge term
// postings; IIDs are never reused.
func (s *KVStore) OIDRelease(bucket BucketHash, oid string) (IID, bool, error) {
	iid, ok, err := s.OIDToIID(bucket, oid)
	if err != nil || !ok {
		return 0, false, err
	}

	err = s.Batch(func(b *pebble.Batch) error {
		if err := b.Delete(keyOIDToIID(bucket, oid), nil); err != nil {
			return err
		}
		if err := b.Delete(keyIIDToOID(bucket, iid), nil); err != nil {
			return err
		}
		return b.Delete(keyIIDToTerms(bucket, iid), nil)
	})
	if err != nil {
		return 0, false, err
	}
	return iid, true, nil
}

// CountBuckets counts distinct bucket prefixes present in the meta family.
func (s *KVStore) CountBuckets() (int, error) {
	count := 0
	var last BucketHash
	first := true
	for key := range s.IterPrefix(kindPrefix(kindMetaToValue)) {
		bucket := keyBucket(key)
		if first || bucket != last {
			count++
			last = bucket
			first = false
		}
	}
	return count, nil
}

// CountObjects counts live objects in a bucket via the authoritative
// IID-to-OID family.
func (s *KVStore) CountObjects(bucket BucketHash) (int, error) {
	count := 0
	for range s.IterPrefix(kindBucketPrefix(kindIIDToOID, bucket)) {
		count++
	}
	return count, nil
}

// CountTerms counts the terms indexed for one object; 0 when absent.
func (s *KVStore) CountTerms(bucket BucketHash, oid string) (int, error) {
	iid, ok, err := s.OIDToIID(bucket, oid)
	if err != nil || !ok {
		return 0, err
	}
	terms, err := s.TermsGet(bucket, iid)
	if err != nil {
		return 0, err
	}
	return len(terms), nil
}

// FlushBucket atomically removes all five key families for one bucket.
func (s *KVStore) FlushBucket(bucket BucketHash) error {
	return s.Batch(func(b *pebble.Batch) error {
		for _, kind := range []keyKind{
			kindMetaToValue, kindTermToIIDs, kindOIDToIID, kindIIDToOID, kindIIDToTerms,
		} {
			prefix := kindBucketPrefix(kind, bucket)
			if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
				return err
			}
		}
		return nil
	})
}
