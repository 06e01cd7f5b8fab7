package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(4, 10)
	p.Start()

	var wg sync.WaitGroup
	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout, ran %d of 10 tasks", ran.Load())
	}

	p.Shutdown()
	p.Wait()
}

func TestPool_SaturatedRejectsWithoutBlocking(t *testing.T) {
	p := New(1, 1)
	p.Start()
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the only worker.
	if err := p.Submit(func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	<-started

	// Fill the queue.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}

	start := time.Now()
	err := p.Submit(func() {})
	if !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("expected ErrPoolSaturated, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Submit blocked for %v", elapsed)
	}

	close(release)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const size = 3
	p := New(size, 100)
	p.Start()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()
	p.Shutdown()
	p.Wait()

	if peak.Load() > size {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), size)
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(1, 1)
	p.Start()
	p.Shutdown()

	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}

	// Second shutdown must not panic.
	p.Shutdown()
}

func TestPool_RestartAfterShutdown(t *testing.T) {
	p := New(2, 4)
	p.Start()
	p.Shutdown()

	p.Start()
	defer func() {
		p.Shutdown()
		p.Wait()
	}()

	done := make(chan struct{})
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task submitted after restart never ran")
	}

	// Start on a running pool must not add workers or reopen the queue.
	p.Start()
	if err := p.Submit(func() {}); err != nil {
		t.Errorf("Submit after redundant Start: %v", err)
	}
}

func TestPool_ShutdownLetsQueuedTasksFinish(t *testing.T) {
	p := New(1, 5)

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		if err := p.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	p.Shutdown()
	p.Start() // closed pools do not start workers

	if ran.Load() != 0 {
		t.Fatalf("tasks ran on a pool that never started")
	}

	p2 := New(1, 5)
	p2.Start()
	for i := 0; i < 5; i++ {
		if err := p2.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	p2.Shutdown()
	p2.Wait()

	if ran.Load() != 5 {
		t.Errorf("ran = %d, want 5", ran.Load())
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, 2)
	p.Start()

	done := make(chan struct{})
	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	p.Shutdown()
	p.Wait()
}

func TestPool_Defaults(t *testing.T) {
	p := New(0, -1)
	if p.Size() != DefaultSize {
		t.Errorf("Size() = %d, want %d", p.Size(), DefaultSize)
	}
	if cap(p.tasks) != DefaultQueueSize {
		t.Errorf("queue capacity = %d, want %d", cap(p.tasks), DefaultQueueSize)
	}
}

// mockPoolMetrics tracks calls to MetricsSink methods.
type mockPoolMetrics struct {
	mu            sync.Mutex
	capacityCalls []int
	depthCalls    []int
	busy          int
	rejected      int
}

func (m *mockPoolMetrics) QueueCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacityCalls = append(m.capacityCalls, capacity)
}

func (m *mockPoolMetrics) QueueDepthUpdate(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthCalls = append(m.depthCalls, depth)
}

func (m *mockPoolMetrics) WorkersBusyIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy++
}

func (m *mockPoolMetrics) WorkersBusyDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy--
}

func (m *mockPoolMetrics) SubmitRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func TestPool_WithMetrics(t *testing.T) {
	metrics := &mockPoolMetrics{}
	p := New(1, 1, WithMetrics(metrics))

	metrics.mu.Lock()
	if len(metrics.capacityCalls) != 1 || metrics.capacityCalls[0] != 1 {
		t.Errorf("QueueCapacitySet calls = %v, want [1]", metrics.capacityCalls)
	}
	metrics.mu.Unlock()

	// Not started: first task fills the queue, second is rejected.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}

	metrics.mu.Lock()
	rejected := metrics.rejected
	metrics.mu.Unlock()
	if rejected != 1 {
		t.Errorf("SubmitRejected calls = %d, want 1", rejected)
	}

	p.Start()
	p.Shutdown()
	p.Wait()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.busy != 0 {
		t.Errorf("busy workers after drain = %d, want 0", metrics.busy)
	}
}
