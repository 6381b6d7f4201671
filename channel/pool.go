package channel

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SearchPool bounds the number of search executors running at once. Submit
// blocks the calling connection until a slot frees up, which keeps the
// reader thread from racing ahead of a saturated pool.
type SearchPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSearchPool(workers int) *SearchPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SearchPool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules a job, blocking for a slot. Returns false once the pool
// is shut down.
func (p *SearchPool) Submit(job func()) bool {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		job()
	}()
	return true
}

// Close rejects new jobs and waits for running ones to finish.
func (p *SearchPool) Close() {
	p.cancel()
	p.wg.Wait()
}
