package store

import (
	"errors"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// 32-bit identifier hashes. Every user-supplied name is reduced to one of
// these before touching the key-value layer; the hash family is domain
// separated so that a collection and a bucket with the same name never share
// a hash value.
type (
	CollectionHash uint32
	BucketHash     uint32
	IID            uint32
	TermHash       uint32
)

type hashDomain byte

const (
	domainCollection hashDomain = iota
	domainBucket
	domainOID
	domainTerm
	domainMeta
)

func hash32(domain hashDomain, value string) uint32 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(domain)})
	_, _ = d.WriteString(value)
	return uint32(d.Sum64())
}

func HashCollection(name string) CollectionHash {
	return CollectionHash(hash32(domainCollection, name))
}

func HashBucket(name string) BucketHash {
	return BucketHash(hash32(domainBucket, name))
}

func HashOID(oid string) uint32 {
	return hash32(domainOID, oid)
}

func HashTerm(term string) TermHash {
	return TermHash(hash32(domainTerm, term))
}

func HashMetaTag(tag string) uint32 {
	return hash32(domainMeta, tag)
}

// OIDMaxLength bounds caller-supplied object identifiers.
const OIDMaxLength = 128

var (
	ErrOIDEmpty   = errors.New("object identifier is empty")
	ErrOIDTooLong = errors.New("object identifier exceeds maximum length")
	ErrOIDInvalid = errors.New("object identifier contains invalid characters")
	ErrOIDNotUTF8 = errors.New("object identifier is not valid UTF-8")
)

// ValidateOID accepts any printable UTF-8 excluding whitespace and control
// characters, up to OIDMaxLength bytes.
func ValidateOID(oid string) error {
	if oid == "" {
		return ErrOIDEmpty
	}
	if len(oid) > OIDMaxLength {
		return ErrOIDTooLong
	}
	if !utf8.ValidString(oid) {
		return ErrOIDNotUTF8
	}
	for _, r := range oid {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrOIDInvalid
		}
	}
	return nil
}
