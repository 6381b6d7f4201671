package executor

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/valeriansaliou/sonic/lexer"
	"github.com/valeriansaliou/sonic/store"
)

// fuzzyEditsFor widens the edit budget for longer words.
func fuzzyEditsFor(word string) uint8 {
	if lexer.GraphemeCount(word) >= 8 {
		return 2
	}
	return 1
}

// Query runs a ranked search and returns the matching object identifiers,
// most recently pushed first. The first term dominates the ranking; terms
// with thin posting lists are widened through fuzzy graph alternates.
func (e *Executor) Query(collection, bucket, terms string, limit, offset int, locale string) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	tokens, err := lexer.Tokens(terms, locale)
	if err != nil {
		return nil, err
	}

	var lexed []lexer.Token
	for token := range tokens {
		lexed = append(lexed, token)
	}
	if len(lexed) == 0 {
		return nil, nil
	}

	kv, fst, err := e.open(collection, bucket)
	if err != nil {
		return nil, err
	}
	defer e.close(kv, fst)

	b := store.HashBucket(bucket)
	alternatesTry := e.cfg.Channel.Search.QueryAlternatesTry
	want := limit + offset

	postings := make([][]store.IID, 0, len(lexed))
	for _, token := range lexed {
		iids, err := kv.PostingGet(b, token.Hash)
		if err != nil {
			return nil, err
		}

		if len(iids) < want && alternatesTry > 0 {
			alternates, err := fst.Fuzzy(token.Word, fuzzyEditsFor(token.Word), alternatesTry)
			if err != nil {
				return nil, err
			}
			seen := make(map[store.IID]struct{}, len(iids))
			for _, iid := range iids {
				seen[iid] = struct{}{}
			}
			for _, alternate := range alternates {
				if alternate == token.Word {
					continue
				}
				more, err := kv.PostingGet(b, store.HashTerm(alternate))
				if err != nil {
					return nil, err
				}
				for _, iid := range more {
					if _, dup := seen[iid]; dup {
						continue
					}
					seen[iid] = struct{}{}
					iids = append(iids, iid)
				}
			}
		}

		if len(iids) == 0 {
			return nil, nil
		}
		postings = append(postings, iids)
	}

	// intersect against the first term's recency order
	ranked := postings[0]
	if len(postings) > 1 {
		intersection := roaring.New()
		for _, iid := range postings[1] {
			intersection.Add(uint32(iid))
		}
		for _, others := range postings[2:] {
			bm := roaring.New()
			for _, iid := range others {
				bm.Add(uint32(iid))
			}
			intersection.And(bm)
		}

		filtered := ranked[:0:0]
		for _, iid := range ranked {
			if intersection.Contains(uint32(iid)) {
				filtered = append(filtered, iid)
			}
		}
		ranked = filtered
	}

	if offset >= len(ranked) {
		return nil, nil
	}
	ranked = ranked[offset:]
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	oids := make([]string, 0, len(ranked))
	for _, iid := range ranked {
		oid, ok, err := kv.IIDToOID(b, iid)
		if err != nil {
			return nil, err
		}
		if !ok {
			// stale posting entry, the object was since released
			continue
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// Suggest returns auto-completion candidates for a word prefix.
func (e *Executor) Suggest(collection, bucket, word string, limit int) ([]string, error) {
	if word == "" || limit <= 0 {
		return nil, nil
	}

	kv, fst, err := e.open(collection, bucket)
	if err != nil {
		return nil, err
	}
	defer e.close(kv, fst)

	return fst.Suggest(word, limit)
}

// List enumerates indexed words lexicographically.
func (e *Executor) List(collection, bucket string, limit, offset int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	kv, fst, err := e.open(collection, bucket)
	if err != nil {
		return nil, err
	}
	defer e.close(kv, fst)

	return fst.List(limit, offset)
}
