package store

import "encoding/binary"

// Keys are exactly 9 bytes: [kind:1 | bucket:4-LE | route:4-LE]. Five key
// families share a collection database, discriminated by the kind byte and
// isolated per bucket by the bucket hash.
const keyLen = 9

type keyKind byte

const (
	kindMetaToValue keyKind = iota
	kindTermToIIDs
	kindOIDToIID
	kindIIDToOID
	kindIIDToTerms
)

// Meta routes within kindMetaToValue.
const metaIIDIncr uint32 = 0

func makeKey(kind keyKind, bucket BucketHash, route uint32) []byte {
	k := make([]byte, keyLen)
	k[0] = byte(kind)
	binary.LittleEndian.PutUint32(k[1:5], uint32(bucket))
	binary.LittleEndian.PutUint32(k[5:9], route)
	return k
}

func keyMetaToValue(bucket BucketHash, meta uint32) []byte {
	return makeKey(kindMetaToValue, bucket, meta)
}

func keyTermToIIDs(bucket BucketHash, term TermHash) []byte {
	return makeKey(kindTermToIIDs, bucket, uint32(term))
}

func keyOIDToIID(bucket BucketHash, oid string) []byte {
	return makeKey(kindOIDToIID, bucket, HashOID(oid))
}

func keyIIDToOID(bucket BucketHash, iid IID) []byte {
	return makeKey(kindIIDToOID, bucket, uint32(iid))
}

func keyIIDToTerms(bucket BucketHash, iid IID) []byte {
	return makeKey(kindIIDToTerms, bucket, uint32(iid))
}

// kindPrefix selects a whole key family, all buckets included.
func kindPrefix(kind keyKind) []byte {
	return []byte{byte(kind)}
}

// kindBucketPrefix selects one key family restricted to one bucket.
func kindBucketPrefix(kind keyKind, bucket BucketHash) []byte {
	p := make([]byte, 5)
	p[0] = byte(kind)
	binary.LittleEndian.PutUint32(p[1:5], uint32(bucket))
	return p
}

func keyBucket(key []byte) BucketHash {
	return BucketHash(binary.LittleEndian.Uint32(key[1:5]))
}

func keyRoute(key []byte) uint32 {
	return binary.LittleEndian.Uint32(key[5:9])
}

// prefixUpperBound returns the smallest key greater than every key carrying
// the prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Value codecs: posting lists and term lists are flat 4-LE sequences.

func encodeIIDs(iids []IID) []byte {
	buf := make([]byte, 0, len(iids)*4)
	for _, iid := range iids {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(iid))
	}
	return buf
}

func decodeIIDs(value []byte) []IID {
	iids := make([]IID, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		iids = append(iids, IID(binary.LittleEndian.Uint32(value[i:i+4])))
	}
	return iids
}

func encodeTerms(terms []TermHash) []byte {
	buf := make([]byte, 0, len(terms)*4)
	for _, term := range terms {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(term))
	}
	return buf
}

func decodeTerms(value []byte) []TermHash {
	terms := make([]TermHash, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		terms = append(terms, TermHash(binary.LittleEndian.Uint32(value[i:i+4])))
	}
	return terms
}

func encodeIIDCounter(next uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, next)
}

func decodeIIDCounter(value []byte) uint32 {
	if len(value) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(value)
}
