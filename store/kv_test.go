package store

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/utils"
)

func testKVPool(t *testing.T) *KVPool {
	t.Helper()
	cfg := config.Default()
	cfg.Store.KV.Path = t.TempDir()

	pool, err := NewKVPool(utils.NewDefaultLogger(slog.LevelError), &cfg.Store.KV)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestKVPutGetDelete(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	key := keyMetaToValue(HashBucket("default"), metaIIDIncr)

	_, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(key, encodeIIDCounter(3)))
	value, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), decodeIIDCounter(value))

	require.NoError(t, s.Delete(key))
	_, ok, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVDeletePrefixIsBucketScoped(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	b1, b2 := HashBucket("one"), HashBucket("two")
	require.NoError(t, s.Put(keyTermToIIDs(b1, 10), encodeIIDs([]IID{1})))
	require.NoError(t, s.Put(keyTermToIIDs(b1, 11), encodeIIDs([]IID{2})))
	require.NoError(t, s.Put(keyTermToIIDs(b2, 10), encodeIIDs([]IID{3})))

	require.NoError(t, s.DeletePrefix(kindBucketPrefix(kindTermToIIDs, b1)))

	_, ok, err := s.Get(keyTermToIIDs(b1, 10))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Get(keyTermToIIDs(b2, 10))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostingPushOrderAndTruncation(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")
	term := HashTerm("valerian")

	for iid := IID(1); iid <= 5; iid++ {
		evicted, err := s.PostingPush(bucket, term, iid, 3)
		require.NoError(t, err)
		if iid <= 3 {
			assert.Empty(t, evicted)
		} else {
			assert.Len(t, evicted, 1)
		}
	}

	iids, err := s.PostingGet(bucket, term)
	require.NoError(t, err)
	// newest first, capped to retain
	assert.Equal(t, []IID{5, 4, 3}, iids)

	// pushing the current head is a no-op
	evicted, err := s.PostingPush(bucket, term, 5, 3)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	// re-pushing an existing entry moves it to the front without growth
	_, err = s.PostingPush(bucket, term, 3, 3)
	require.NoError(t, err)
	iids, err = s.PostingGet(bucket, term)
	require.NoError(t, err)
	assert.Equal(t, []IID{3, 5, 4}, iids)
}

func TestPostingRemoveDeletesEmptyKey(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")
	term := HashTerm("ephemeral")

	_, err = s.PostingPush(bucket, term, 9, 100)
	require.NoError(t, err)

	empty, err := s.PostingRemove(bucket, term, 9)
	require.NoError(t, err)
	assert.True(t, empty)

	_, ok, err := s.Get(keyTermToIIDs(bucket, term))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOIDRoundTrip(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")

	iid, err := s.OIDGetOrAssign(bucket, "session:1")
	require.NoError(t, err)

	again, err := s.OIDGetOrAssign(bucket, "session:1")
	require.NoError(t, err)
	assert.Equal(t, iid, again)

	other, err := s.OIDGetOrAssign(bucket, "session:2")
	require.NoError(t, err)
	assert.NotEqual(t, iid, other)

	oid, ok, err := s.IIDToOID(bucket, iid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session:1", oid)

	resolved, ok, err := s.OIDToIID(bucket, "session:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, iid, resolved)
}

func TestOIDRelease(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")
	iid, err := s.OIDGetOrAssign(bucket, "session:1")
	require.NoError(t, err)
	_, err = s.TermsAppend(bucket, iid, []TermHash{HashTerm("hello")})
	require.NoError(t, err)

	released, ok, err := s.OIDRelease(bucket, "session:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, iid, released)

	_, ok, err = s.OIDToIID(bucket, "session:1")
	require.NoError(t, err)
	assert.False(t, ok)
	terms, err := s.TermsGet(bucket, iid)
	require.NoError(t, err)
	assert.Empty(t, terms)

	// identifiers are never reused within a bucket
	next, err := s.OIDGetOrAssign(bucket, "session:1")
	require.NoError(t, err)
	assert.NotEqual(t, iid, next)
}

func TestOIDAssignExhaustion(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")
	require.NoError(t, s.Put(keyMetaToValue(bucket, metaIIDIncr), encodeIIDCounter(math.MaxUint32)))

	_, err = s.OIDGetOrAssign(bucket, "one:too:many")
	assert.ErrorIs(t, err, ErrIIDExhausted)
}

func TestTermsAppendDedup(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	bucket := HashBucket("default")
	terms := []TermHash{HashTerm("hello"), HashTerm("world"), HashTerm("hello")}

	appended, err := s.TermsAppend(bucket, 1, terms)
	require.NoError(t, err)
	assert.Equal(t, 2, appended)

	appended, err = s.TermsAppend(bucket, 1, []TermHash{HashTerm("world")})
	require.NoError(t, err)
	assert.Equal(t, 0, appended)

	stored, err := s.TermsGet(bucket, 1)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestCountBucketsAndObjects(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	b1, b2 := HashBucket("one"), HashBucket("two")
	_, err = s.OIDGetOrAssign(b1, "a")
	require.NoError(t, err)
	_, err = s.OIDGetOrAssign(b1, "b")
	require.NoError(t, err)
	_, err = s.OIDGetOrAssign(b2, "c")
	require.NoError(t, err)

	buckets, err := s.CountBuckets()
	require.NoError(t, err)
	assert.Equal(t, 2, buckets)

	objects, err := s.CountObjects(b1)
	require.NoError(t, err)
	assert.Equal(t, 2, objects)
}

func TestFlushBucketIsolation(t *testing.T) {
	pool := testKVPool(t)
	s, err := pool.Acquire("messages")
	require.NoError(t, err)
	defer pool.Release(s)

	b1, b2 := HashBucket("one"), HashBucket("two")
	for _, oid := range []string{"a", "b", "c"} {
		iid, err := s.OIDGetOrAssign(b1, oid)
		require.NoError(t, err)
		_, err = s.PostingPush(b1, HashTerm("shared"), iid, 100)
		require.NoError(t, err)
	}
	_, err = s.OIDGetOrAssign(b2, "d")
	require.NoError(t, err)

	require.NoError(t, s.FlushBucket(b1))

	objects, err := s.CountObjects(b1)
	require.NoError(t, err)
	assert.Equal(t, 0, objects)
	iids, err := s.PostingGet(b1, HashTerm("shared"))
	require.NoError(t, err)
	assert.Empty(t, iids)

	objects, err = s.CountObjects(b2)
	require.NoError(t, err)
	assert.Equal(t, 1, objects)
}

func TestPoolReusesHandleAndCounts(t *testing.T) {
	pool := testKVPool(t)

	s1, err := pool.Acquire("messages")
	require.NoError(t, err)
	s2, err := pool.Acquire("messages")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, pool.Count())

	pool.Release(s1)
	pool.Release(s2)
}
