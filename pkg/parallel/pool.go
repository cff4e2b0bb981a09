// Package parallel distributes the per-index work of one simulation stage
// over a fixed pool of worker goroutines. Workers dynamically claim chunks
// of the index range through a shared atomic cursor, so threads that finish
// early pick up the slack of slower ones.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Target is the per-stage work function, invoked as target(firstIndex,
// numIndices) for one chunk at a time. It is called concurrently from
// multiple workers on disjoint index ranges; any shared state it captures
// must be safe for concurrent disjoint-range writes.
type Target func(firstIndex, numIndices int64) error

const defaultChunksPerThread = 10

type PoolOptions struct {
	Threads         int
	ChunksPerThread int
}

type PoolOptionFunc func(*PoolOptions)

func defaultOpts() PoolOptions {
	return PoolOptions{
		Threads:         runtime.NumCPU(),
		ChunksPerThread: defaultChunksPerThread,
	}
}

// WithThreads sets the number of worker goroutines.
func WithThreads(num int) PoolOptionFunc {
	return func(opts *PoolOptions) {
		opts.Threads = num
	}
}

// WithChunksPerThread tunes how many chunks each worker gets on average.
// Higher values bound load imbalance from uneven per-index cost at the
// price of more claim operations.
func WithChunksPerThread(num int) PoolOptionFunc {
	return func(opts *PoolOptions) {
		opts.ChunksPerThread = num
	}
}

// Pool owns a fixed set of worker goroutines for its whole lifetime. The
// workers are spawned by New, stay parked between invocations of Call, and
// exit when Close is called.
type Pool struct {
	threads         int
	chunksPerThread int

	mu sync.Mutex

	// Per-invocation state. Written by Call before the workers wake,
	// read-only to the workers except for cursor, failed and errs.
	target    Target
	maxIndex  int64
	chunkSize int64
	cursor    atomic.Int64
	failed    atomic.Bool
	errs      []error

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool and spawns its workers immediately. Thread counts
// below one fall back to one.
func New(opts ...PoolOptionFunc) *Pool {
	o := defaultOpts()
	for _, fn := range opts {
		fn(&o)
	}
	if o.Threads < 1 {
		o.Threads = 1
	}
	if o.ChunksPerThread < 1 {
		o.ChunksPerThread = 1
	}
	p := &Pool{
		threads:         o.Threads,
		chunksPerThread: o.ChunksPerThread,
		errs:            make([]error, o.Threads),
		wake:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	p.wg.Add(p.threads)
	for i := 0; i < p.threads; i++ {
		go p.worker(i)
	}
	return p
}

// Threads returns the fixed number of workers owned by the pool.
func (p *Pool) Threads() int {
	return p.threads
}

// Call executes target over every index in [0, maxIndex), handing out
// chunks to whichever worker becomes free next. It blocks until all claimed
// chunks have completed, acting as a full barrier around the parallel
// execution. If target fails on any worker, no further chunks are started
// beyond those already in flight, and the error recorded by the lowest
// failing worker index is returned.
func (p *Pool) Call(target Target, maxIndex int64) error {
	if maxIndex < 0 {
		return fmt.Errorf("parallel: negative index count %d", maxIndex)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.target = target
	p.maxIndex = maxIndex
	p.chunkSize = chunkSize(maxIndex, p.threads, p.chunksPerThread)
	p.cursor.Store(0)
	p.failed.Store(false)
	for i := range p.errs {
		p.errs[i] = nil
	}

	for i := 0; i < p.threads; i++ {
		p.wake <- struct{}{}
	}
	for i := 0; i < p.threads; i++ {
		<-p.done
	}
	p.target = nil

	for _, err := range p.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close signals the workers to exit and joins them. It must not be called
// while a Call is in flight, and the pool is unusable afterwards.
func (p *Pool) Close() {
	close(p.wake)
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for range p.wake {
		// A worker that drains the range quickly can pick up more than one
		// wake token of the same invocation; later drains find the cursor
		// exhausted and return nil, so only a real error may claim the slot.
		if err := p.drain(); err != nil {
			p.errs[id] = err
		}
		p.done <- struct{}{}
	}
}

// drain claims and executes chunks until the cursor passes maxIndex or a
// failure on any worker stops further dispatch.
func (p *Pool) drain() error {
	for !p.failed.Load() {
		first := p.cursor.Add(p.chunkSize) - p.chunkSize
		if first >= p.maxIndex {
			return nil
		}
		num := p.chunkSize
		if first+num > p.maxIndex {
			num = p.maxIndex - first
		}
		if err := p.invoke(first, num); err != nil {
			p.failed.Store(true)
			return err
		}
	}
	return nil
}

func (p *Pool) invoke(first, num int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parallel: target panicked on range [%d, %d): %v", first, first+num, r)
		}
	}()
	return p.target(first, num)
}

// chunkSize aims for materially more chunks than workers, so that no thread
// idles long while others still hold several chunks, floored at one index
// per chunk.
func chunkSize(maxIndex int64, threads, chunksPerThread int) int64 {
	size := maxIndex / int64(threads*chunksPerThread)
	if size < 1 {
		size = 1
	}
	return size
}
