/*
Copyright 2022 The Koordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package threadpool implements a work-stealing worker pool with bounded
// per-worker queues.
package threadpool

import (
	"context"
	"math/rand"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

const defaultQueueDepth = 256

// Closure is the unit of work the pool runs. Defined as an alias so
// callers accepting a plain func() (e.g. taskexecutor's poolLike) satisfy
// Pool's methods without importing this package.
type Closure = func()

// Options configures a Pool.
type Options struct {
	// NumThreads is the worker count; 0 selects runtime.GOMAXPROCS(0)/2,
	// floored at 1.
	NumThreads int
	// QueueDepth bounds each worker's local queue.
	QueueDepth int
}

type worker struct {
	id    int
	mu    sync.Mutex
	queue []Closure // front = index 0; push front/back, pop front, steal back
}

func (w *worker) pushBack(c Closure, depth int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= depth {
		return false
	}
	w.queue = append(w.queue, c)
	return true
}

func (w *worker) pushFront(c Closure, depth int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= depth {
		return false
	}
	w.queue = append([]Closure{c}, w.queue...)
	return true
}

func (w *worker) popFront() (Closure, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	c := w.queue[0]
	w.queue = w.queue[1:]
	return c, true
}

func (w *worker) stealBack() (Closure, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if n == 0 {
		return nil, false
	}
	c := w.queue[n-1]
	w.queue = w.queue[:n-1]
	return c, true
}

// Pool is a work-stealing pool of goroutine workers with bounded
// per-worker queues.
type Pool struct {
	opts    Options
	workers []*worker

	spinning atomic.Bool

	cond   *sync.Cond
	condMu sync.Mutex
	work   atomic.Int64 // count of outstanding enqueued closures, for wakeups

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New constructs and starts a Pool.
func New(opts Options) *Pool {
	if opts.NumThreads <= 0 {
		opts.NumThreads = runtime.GOMAXPROCS(0) / 2
		if opts.NumThreads < 1 {
			opts.NumThreads = 1
		}
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	p := &Pool{opts: opts}
	p.condMu = sync.Mutex{}
	p.cond = sync.NewCond(&p.condMu)
	p.workers = make([]*worker, opts.NumThreads)
	for i := range p.workers {
		p.workers[i] = &worker{id: i}
	}
	p.wg.Add(opts.NumThreads)
	for i := 0; i < opts.NumThreads; i++ {
		go p.runWorker(i)
	}
	return p
}

// NumThreads returns the worker count.
func (p *Pool) NumThreads() int { return len(p.workers) }

// coprimeStep picks a random walk step coprime with n, so a stealing
// worker visits every victim exactly once per walk.
func coprimeStep(n int) int {
	if n <= 1 {
		return 1
	}
	for {
		c := rand.Intn(n-1) + 1
		if gcd(c, n) == 1 {
			return c
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// TryRun enqueues c: onto workerID's front if workerID identifies a valid
// worker (the calling worker, conventionally), or a random worker's back
// otherwise. Returns (nil, true) on success, or (c, false) if the target
// queue was full.
func (p *Pool) TryRun(c Closure, fromWorker int) (Closure, bool) {
	var w *worker
	local := fromWorker >= 0 && fromWorker < len(p.workers)
	if local {
		w = p.workers[fromWorker]
	} else {
		w = p.workers[rand.Intn(len(p.workers))]
	}

	var ok bool
	if local {
		ok = w.pushFront(c, p.opts.QueueDepth)
	} else {
		ok = w.pushBack(c, p.opts.QueueDepth)
	}
	if !ok {
		return c, false
	}
	p.work.Add(1)
	p.cond.L.Lock()
	p.cond.Signal()
	p.cond.L.Unlock()
	return nil, true
}

// Run executes f on the caller's goroutine if TryRun could not place it on
// any worker (queue saturated); otherwise it is handed to the pool.
func (p *Pool) Run(f Closure) {
	if rem, ok := p.TryRun(f, -1); !ok {
		rem()
	}
}

// Post wraps f and schedules it, returning a channel that receives the
// result once f has run.
func Post[R any](p *Pool, f func() R) <-chan R {
	ch := make(chan R, 1)
	p.Run(func() {
		ch <- f()
	})
	return ch
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	w := p.workers[id]
	spinBudget := 1000

	for {
		if p.stopping.Load() {
			// Drain remaining work before exiting.
			if c, ok := w.popFront(); ok {
				p.work.Add(-1)
				c()
				continue
			}
			return
		}

		if c, ok := w.popFront(); ok {
			p.work.Add(-1)
			c()
			continue
		}

		if c, ok := p.steal(id); ok {
			p.work.Add(-1)
			c()
			continue
		}

		// Spin briefly, but only one worker spins at a time to reduce
		// wake-up latency.
		if p.spinning.CompareAndSwap(false, true) {
			found := false
			for spun := 0; spun < spinBudget; spun++ {
				if c, ok := w.popFront(); ok {
					p.work.Add(-1)
					p.spinning.Store(false)
					c()
					found = true
					break
				}
				runtime.Gosched()
			}
			if found {
				continue
			}
			p.spinning.Store(false)
		}

		if p.stopping.Load() {
			continue
		}
		p.blockForWork()
	}
}

func (p *Pool) steal(id int) (Closure, bool) {
	n := len(p.workers)
	if n <= 1 {
		return nil, false
	}
	step := coprimeStep(n)
	victim := id
	for i := 0; i < n-1; i++ {
		victim = (victim + step) % n
		if c, ok := p.workers[victim].stealBack(); ok {
			return c, true
		}
	}
	return nil, false
}

func (p *Pool) blockForWork() {
	p.cond.L.Lock()
	for p.work.Load() == 0 && !p.stopping.Load() {
		p.cond.Wait()
	}
	p.cond.L.Unlock()
}

// Stop sets the cancellation flag and wakes all workers; it does not wait
// for drain. Join blocks until workers exit.
func (p *Pool) Stop() {
	p.stopping.Store(true)
	p.cond.L.Lock()
	p.cond.Broadcast()
	p.cond.L.Unlock()
}

// Join waits for all worker goroutines to exit. Call after Stop.
func (p *Pool) Join() {
	p.wg.Wait()
}

// StopAndJoin is a convenience combining Stop and Join, honoring ctx for a
// best-effort deadline on logging only (the pool itself always drains).
func (p *Pool) StopAndJoin(ctx context.Context) {
	p.Stop()
	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		klog.InfoS("thread pool join still pending at context deadline")
		<-done
	}
}
