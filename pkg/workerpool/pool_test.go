package workerpool

import (
	"sync/atomic"
	"testing"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	var n int64
	for i := 0; i < 100; i++ {
		ok := p.Submit(func() {
			atomic.AddInt64(&n, 1)
		})
		if !ok {
			t.Fatal("Submit returned false on open pool")
		}
	}
	p.Close()

	if got := atomic.LoadInt64(&n); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(2)
	p.Close()
	if p.Submit(func() {}) {
		t.Error("Submit on closed pool should return false")
	}
}

func TestPool_BoundedWorkers(t *testing.T) {
	p := New(3)
	defer p.Close()

	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		p.Submit(func() { <-gate })
	}
	if got := p.Running(); got > 3 {
		t.Errorf("running = %d, want <= 3", got)
	}
	close(gate)
}

func TestMap_PreservesOrder(t *testing.T) {
	p := New(8)
	defer p.Close()

	in := make([]int, 50)
	for i := range in {
		in[i] = i
	}
	out := Map(p, in, func(v int) int { return v * v })

	for i, got := range out {
		if got != i*i {
			t.Fatalf("out[%d] = %d, want %d", i, got, i*i)
		}
	}
}

func TestMap_EmptyInput(t *testing.T) {
	p := New(2)
	defer p.Close()
	if out := Map(p, nil, func(v int) int { return v }); len(out) != 0 {
		t.Errorf("Map(nil) = %v, want empty", out)
	}
}
