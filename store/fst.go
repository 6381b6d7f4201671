package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrFSTFailure = errors.New("word graph failure")

// FSTStore is the word graph for one (collection, bucket) pair: an immutable
// memory-mapped FST file plus in-memory pending push/pop overlays. The
// overlays are folded into a fresh file by Consolidate.
type FSTStore struct {
	collection CollectionHash
	bucket     BucketHash
	path       string

	// guards the (fst, pending) pair as one consistent view; writers only
	// hold it for the snapshot and swap steps of consolidation
	mu  sync.RWMutex
	fst *vellum.FST

	pendingPush *xsync.MapOf[string, struct{}]
	pendingPop  *xsync.MapOf[string, struct{}]
	pendingSize atomic.Int64

	refs            atomic.Int64
	lastUse         atomic.Int64
	closing         atomic.Bool
	closeOnce       sync.Once
	lastConsolidate atomic.Int64
	consolidating   atomic.Bool
}

func openFSTStore(collection CollectionHash, bucket BucketHash, path string) (*FSTStore, error) {
	s := &FSTStore{
		collection:  collection,
		bucket:      bucket,
		path:        path,
		pendingPush: xsync.NewMapOf[string, struct{}](),
		pendingPop:  xsync.NewMapOf[string, struct{}](),
	}

	if _, err := os.Stat(path); err == nil {
		fst, err := vellum.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFSTFailure, err)
		}
		s.fst = fst
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}

	now := time.Now().Unix()
	s.lastUse.Store(now)
	s.lastConsolidate.Store(now)
	return s, nil
}

func (s *FSTStore) acquire() bool {
	s.refs.Add(1)
	if s.closing.Load() {
		s.release()
		return false
	}
	s.lastUse.Store(time.Now().Unix())
	return true
}

func (s *FSTStore) release() {
	if s.refs.Add(-1) == 0 && s.closing.Load() {
		s.close()
	}
}

func (s *FSTStore) markClose() {
	s.closing.Store(true)
	if s.refs.Load() == 0 {
		s.close()
	}
}

func (s *FSTStore) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fst != nil {
			_ = s.fst.Close()
			s.fst = nil
		}
	})
}

func (s *FSTStore) idleSince(now int64) int64 {
	return now - s.lastUse.Load()
}

// Push schedules a word for insertion. Idempotent; cancels a pending pop.
func (s *FSTStore) Push(word string) {
	if _, loaded := s.pendingPop.LoadAndDelete(word); loaded {
		s.pendingSize.Add(-int64(len(word)))
	}
	if _, loaded := s.pendingPush.LoadOrStore(word, struct{}{}); !loaded {
		s.pendingSize.Add(int64(len(word)))
	}
}

// Pop schedules a word for removal. Idempotent; cancels a pending push.
func (s *FSTStore) Pop(word string) {
	if _, loaded := s.pendingPush.LoadAndDelete(word); loaded {
		s.pendingSize.Add(-int64(len(word)))
	}
	if _, loaded := s.pendingPop.LoadOrStore(word, struct{}{}); !loaded {
		s.pendingSize.Add(int64(len(word)))
	}
}

func (s *FSTStore) PendingCount() int {
	return s.pendingPush.Size() + s.pendingPop.Size()
}

func (s *FSTStore) PendingSizeBytes() int64 {
	return s.pendingSize.Load()
}

// Contains checks both the graph and the pending overlays.
func (s *FSTStore) Contains(word string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.pendingPop.Load(word); ok {
		return false, nil
	}
	if _, ok := s.pendingPush.Load(word); ok {
		return true, nil
	}
	if s.fst == nil {
		return false, nil
	}
	_, ok, err := s.fst.Get([]byte(word))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	return ok, nil
}

// WordCount reports graph words plus pending inserts. Pending pops are not
// subtracted, and a pending insert already in the graph is counted twice.
func (s *FSTStore) WordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := s.pendingPush.Size()
	if s.fst != nil {
		count += s.fst.Len()
	}
	return count
}

// graphRange streams graph words within [lower, upper) into collect,
// stopping when collect returns false.
func (s *FSTStore) graphRange(lower, upper []byte, collect func(word string) bool) error {
	if s.fst == nil {
		return nil
	}
	itr, err := s.fst.Iterator(lower, upper)
	for err == nil {
		word, _ := itr.Current()
		if !collect(string(word)) {
			return nil
		}
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	return nil
}

// mergePending folds pending pushes matching `accept` into the sorted graph
// word list, drops pending pops, and caps the result.
func (s *FSTStore) mergePending(graph []string, accept func(word string) bool, limit, offset int) []string {
	pushes := make([]string, 0, s.pendingPush.Size())
	s.pendingPush.Range(func(word string, _ struct{}) bool {
		if accept(word) {
			pushes = append(pushes, word)
		}
		return true
	})
	sort.Strings(pushes)

	out := make([]string, 0, min(limit, len(graph)+len(pushes)))
	skip := offset
	emit := func(word string) bool {
		if _, popped := s.pendingPop.Load(word); popped {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, word)
		return len(out) < limit
	}

	gi, pi := 0, 0
	for gi < len(graph) || pi < len(pushes) {
		var word string
		switch {
		case gi == len(graph):
			word = pushes[pi]
			pi++
		case pi == len(pushes):
			word = graph[gi]
			gi++
		case graph[gi] == pushes[pi]:
			word = graph[gi]
			gi++
			pi++
		case graph[gi] < pushes[pi]:
			word = graph[gi]
			gi++
		default:
			word = pushes[pi]
			pi++
		}
		if !emit(word) {
			break
		}
	}
	return out
}

// Suggest returns words starting with the prefix, lexicographically ordered,
// pending pushes included and pending pops excluded.
func (s *FSTStore) Suggest(prefix string, limit int) ([]string, error) {
	if limit <= 0 || prefix == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := []byte(prefix)
	// over-collect so that popped words do not starve the final cut
	var graph []string
	budget := limit + s.pendingPop.Size()
	err := s.graphRange(lower, prefixUpperBound(lower), func(word string) bool {
		graph = append(graph, word)
		return len(graph) < budget
	})
	if err != nil {
		return nil, err
	}

	hasPrefix := func(word string) bool {
		return len(word) >= len(prefix) && word[:len(prefix)] == prefix
	}
	return s.mergePending(graph, hasPrefix, limit, 0), nil
}

// List enumerates all words lexicographically, subject to limit and offset.
func (s *FSTStore) List(limit, offset int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var graph []string
	budget := limit + offset + s.pendingPop.Size()
	err := s.graphRange(nil, nil, func(word string) bool {
		graph = append(graph, word)
		return len(graph) < budget
	})
	if err != nil {
		return nil, err
	}

	return s.mergePending(graph, func(string) bool { return true }, limit, offset), nil
}

// Fuzzy returns words within maxEdits Levenshtein distance of the word,
// lexicographically ordered, overlays applied.
func (s *FSTStore) Fuzzy(word string, maxEdits uint8, limit int) ([]string, error) {
	if limit <= 0 || word == "" {
		return nil, nil
	}

	lb, err := levenshtein.NewLevenshteinAutomatonBuilder(maxEdits, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	dfa, err := lb.BuildDfa(word, maxEdits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}

	matches := func(candidate string) bool {
		state := dfa.Start()
		for i := 0; i < len(candidate); i++ {
			state = dfa.Accept(state, candidate[i])
			if !dfa.CanMatch(state) {
				return false
			}
		}
		return dfa.IsMatch(state)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var graph []string
	budget := limit + s.pendingPop.Size()
	if s.fst != nil {
		itr, err := s.fst.Search(dfa, nil, nil)
		for err == nil {
			current, _ := itr.Current()
			graph = append(graph, string(current))
			if len(graph) >= budget {
				break
			}
			err = itr.Next()
		}
		if err != nil && !errors.Is(err, vellum.ErrIteratorDone) {
			return nil, fmt.Errorf("%w: %s", ErrFSTFailure, err)
		}
	}

	return s.mergePending(graph, matches, limit, 0), nil
}

// Words streams every visible word (graph plus overlays) into fn, stopping
// early when fn returns false.
func (s *FSTStore) Words(fn func(word string) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stop := false
	err := s.graphRange(nil, nil, func(word string) bool {
		if _, popped := s.pendingPop.Load(word); popped {
			return true
		}
		if !fn(word) {
			stop = true
			return false
		}
		return true
	})
	if err != nil || stop {
		return err
	}

	s.pendingPush.Range(func(word string, _ struct{}) bool {
		if _, popped := s.pendingPop.Load(word); popped {
			return true
		}
		return fn(word)
	})
	return nil
}

// NeedsConsolidate reports whether the pending overlays warrant a rebuild.
func (s *FSTStore) NeedsConsolidate(consolidateAfter uint64, now int64) bool {
	if s.PendingCount() == 0 {
		return false
	}
	return now-s.lastConsolidate.Load() >= int64(consolidateAfter)
}

// Consolidate rebuilds the on-disk FST: the current graph is merged with the
// snapshotted pending pushes, pending pops are dropped, and the new file is
// atomically renamed over the old one. Queries are only blocked for the
// snapshot and swap steps; words pushed mid-consolidation stay pending for
// the next cycle.
func (s *FSTStore) Consolidate(maxWords int, maxSizeBytes int64) error {
	if !s.consolidating.CompareAndSwap(false, true) {
		return nil
	}
	defer s.consolidating.Store(false)
	defer func() { s.lastConsolidate.Store(time.Now().Unix()) }()

	// snapshot pending sets under a short write lock
	s.mu.Lock()
	pushes := make([]string, 0, s.pendingPush.Size())
	s.pendingPush.Range(func(word string, _ struct{}) bool {
		pushes = append(pushes, word)
		return true
	})
	pops := make(map[string]struct{}, s.pendingPop.Size())
	s.pendingPop.Range(func(word string, _ struct{}) bool {
		pops[word] = struct{}{}
		return true
	})
	s.mu.Unlock()

	if len(pushes) == 0 && len(pops) == 0 {
		return nil
	}
	sort.Strings(pushes)

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	builder, err := vellum.New(file, nil)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}

	words := 0
	var sizeBytes int64
	overflowed := 0
	insert := func(word string) error {
		if _, popped := pops[word]; popped {
			return nil
		}
		if words >= maxWords || sizeBytes >= maxSizeBytes {
			overflowed++
			return nil
		}
		if err := builder.Insert([]byte(word), 0); err != nil {
			return err
		}
		words++
		sizeBytes += int64(len(word))
		return nil
	}

	// in-order merge of the immutable graph with the sorted push snapshot;
	// the graph is mmap'd and safe to stream outside the lock
	buildErr := func() error {
		pi := 0
		flushPushes := func(until string, bounded bool) error {
			for pi < len(pushes) && (!bounded || pushes[pi] < until) {
				if err := insert(pushes[pi]); err != nil {
					return err
				}
				pi++
			}
			return nil
		}

		if s.fst != nil {
			itr, err := s.fst.Iterator(nil, nil)
			for err == nil {
				current, _ := itr.Current()
				word := string(current)
				if err := flushPushes(word, true); err != nil {
					return err
				}
				if pi < len(pushes) && pushes[pi] == word {
					pi++
				}
				if err := insert(word); err != nil {
					return err
				}
				err = itr.Next()
			}
			if !errors.Is(err, vellum.ErrIteratorDone) {
				return err
			}
		}
		return flushPushes("", false)
	}()
	if buildErr != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s", ErrFSTFailure, buildErr)
	}

	if err := builder.Close(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: %s", ErrFSTFailure, err)
	}

	var next *vellum.FST
	if words == 0 {
		_ = os.Remove(tmp)
		_ = os.Remove(s.path)
	} else {
		if err := os.Rename(tmp, s.path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("%w: %s", ErrFSTFailure, err)
		}
		next, err = vellum.Open(s.path)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrFSTFailure, err)
		}
	}

	if overflowed > 0 {
		FSTOverflows.Add(float64(overflowed))
	}

	// swap the handle and subtract the snapshot, keeping late arrivals
	s.mu.Lock()
	old := s.fst
	s.fst = next
	for _, word := range pushes {
		if _, loaded := s.pendingPush.LoadAndDelete(word); loaded {
			s.pendingSize.Add(-int64(len(word)))
		}
	}
	for word := range pops {
		if _, loaded := s.pendingPop.LoadAndDelete(word); loaded {
			s.pendingSize.Add(-int64(len(word)))
		}
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	FSTConsolidations.Inc()
	return nil
}
