package executor

import (
	"github.com/valeriansaliou/sonic/lexer"
	"github.com/valeriansaliou/sonic/store"
)

// Push indexes the text for the object and returns the number of distinct
// terms inserted.
func (e *Executor) Push(collection, bucket, oid, text, locale string) (int, error) {
	if err := store.ValidateOID(oid); err != nil {
		return 0, err
	}

	tokens, err := lexer.Tokens(text, locale)
	if err != nil {
		return 0, err
	}

	var indexed []lexer.Token
	for token := range tokens {
		indexed = append(indexed, token)
	}
	if len(indexed) == 0 {
		return 0, nil
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
	iid, err := kv.OIDGetOrAssign(b, oid)
	if err != nil {
		return 0, err
	}

	retain := e.cfg.Store.KV.RetainWordObjects
	terms := make([]store.TermHash, 0, len(indexed))
	for _, token := range indexed {
		// eviction tails are discarded; the stale entries fall out of the
		// evicted objects' term lists on their next pop or flush
		if _, err := kv.PostingPush(b, token.Hash, iid, retain); err != nil {
			return 0, err
		}
		terms = append(terms, token.Hash)
		fst.Push(token.Word)
	}

	if _, err := kv.TermsAppend(b, iid, terms); err != nil {
		return 0, err
	}
	return len(indexed), nil
}

// Pop unindexes the text's terms from the object and returns the number of
// removed (term, object) pairs. The object is released once its term list
// empties.
func (e *Executor) Pop(collection, bucket, oid, text, locale string) (int, error) {
	if err := store.ValidateOID(oid); err != nil {
		return 0, err
	}

	tokens, err := lexer.Tokens(text, locale)
	if err != nil {
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

	indexed, err := kv.TermsGet(b, iid)
	if err != nil {
		return 0, err
	}
	present := make(map[store.TermHash]struct{}, len(indexed))
	for _, term := range indexed {
		present[term] = struct{}{}
	}

	removed := 0
	remaining := len(indexed)
	for token := range tokens {
		if _, ok := present[token.Hash]; !ok {
			continue
		}
		delete(present, token.Hash)

		if remaining, err = kv.TermsRemove(b, iid, token.Hash); err != nil {
			return removed, err
		}
		empty, err := kv.PostingRemove(b, token.Hash, iid)
		if err != nil {
			return removed, err
		}
		if empty {
			fst.Pop(token.Word)
		}
		removed++
	}

	if removed > 0 && remaining == 0 {
		if _, _, err := kv.OIDRelease(b, oid); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
