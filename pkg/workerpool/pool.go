// Package workerpool provides a bounded goroutine pool used where the
// engine fans work out without per-task goroutine churn: parallel
// correlation-rule evaluation and multi-target scan admission.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool manages a fixed set of worker goroutines. Workers are started
// lazily as tasks arrive.
type Pool struct {
	workers int32
	tasks   chan func()
	running int32
	closed  int32
	wg      sync.WaitGroup
}

// New creates a pool with the given number of workers. A non-positive
// count falls back to GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		workers: int32(workers),
		tasks:   make(chan func(), workers*4),
	}
}

// Submit queues a task for execution. It blocks when the queue is full
// and all workers are busy. Returns false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}

	for {
		running := atomic.LoadInt32(&p.running)
		if running >= p.workers {
			break
		}
		if atomic.CompareAndSwapInt32(&p.running, running, running+1) {
			p.wg.Add(1)
			go p.worker()
			break
		}
	}

	p.tasks <- task
	return true
}

func (p *Pool) worker() {
	defer func() {
		atomic.AddInt32(&p.running, -1)
		p.wg.Done()
	}()
	for task := range p.tasks {
		if task != nil {
			task()
		}
	}
}

// Running returns the current worker count.
func (p *Pool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}

// Close shuts the pool down after pending tasks complete.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Map applies fn to each item in parallel and returns results in input
// order. It blocks until all items are processed.
func Map[T, R any](p *Pool, items []T, fn func(T) R) []R {
	results := make([]R, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))

	for i, item := range items {
		idx, val := i, item
		if !p.Submit(func() {
			defer wg.Done()
			results[idx] = fn(val)
		}) {
			wg.Done()
		}
	}

	wg.Wait()
	return results
}
