package parallel

import (
	"runtime"
	"sync"
)

// Factory hands out pools and caches them by thread count, so pipeline
// stages that request the same concurrency reuse one set of workers instead
// of spawning fresh goroutines per stage.
type Factory struct {
	mu    sync.Mutex
	pools map[int]*Pool
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{pools: make(map[int]*Pool)}
}

// Pool returns the cached pool for the given thread count, creating it on
// first use. Thread counts below one fall back to the number of CPU cores.
func (f *Factory) Pool(threads int) *Pool {
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[threads]; ok {
		return p
	}
	p := New(WithThreads(threads))
	f.pools[threads] = p
	return p
}

// Close joins the workers of every cached pool. The factory and the pools
// it handed out must not be used afterwards.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for threads, p := range f.pools {
		p.Close()
		delete(f.pools, threads)
	}
}
