package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// funcTask adapts a closure to the Task interface.
type funcTask struct {
	check func(ctx context.Context) (bool, error)
}

func (t *funcTask) CheckCompletion(ctx context.Context) (bool, error) {
	return t.check(ctx)
}

func testPerformer(tick time.Duration) *Performer {
	return NewPerformer(Config{TickInterval: tick, CheckTimeout: time.Second})
}

func TestTaskCompletes(t *testing.T) {
	p := testPerformer(10 * time.Millisecond)
	p.Start()
	defer p.Stop(time.Second)

	done := make(chan struct{})
	var once sync.Once

	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		once.Do(func() { close(done) })
		return true, nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was never checked")
	}

	// Completed task must leave the pending set.
	deadline := time.Now().Add(time.Second)
	for p.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 0", p.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskRetainedOnError(t *testing.T) {
	p := testPerformer(10 * time.Millisecond)
	p.Start()
	defer p.Stop(time.Second)

	var calls int32
	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return false, errors.New("transient query failure")
		}
		return true, nil
	}})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want >= 3 (task dropped after error?)", atomic.LoadInt32(&calls))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoReentrantChecks(t *testing.T) {
	p := testPerformer(5 * time.Millisecond)
	p.Start()
	defer p.Stop(2 * time.Second)

	var inFlight, maxInFlight int32
	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond) // spans several ticks
		atomic.AddInt32(&inFlight, -1)
		return false, nil
	}})

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&maxInFlight); got > 1 {
		t.Errorf("max concurrent checks for one task = %d, want 1", got)
	}
}

func TestSlowTaskDoesNotStallOthers(t *testing.T) {
	p := testPerformer(5 * time.Millisecond)
	p.Start()
	defer p.Stop(2 * time.Second)

	// A task that blocks until its context expires.
	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}})

	fastDone := make(chan struct{})
	var once sync.Once
	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		once.Do(func() { close(fastDone) })
		return true, nil
	}})

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast task stalled behind slow task")
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	p := testPerformer(10 * time.Millisecond)
	p.Start()
	defer p.Stop(time.Second)

	var completed int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
				atomic.AddInt32(&completed, 1)
				return true, nil
			}})
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&completed) < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("completed = %d, want 20", atomic.LoadInt32(&completed))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDrainsInFlightChecks(t *testing.T) {
	p := testPerformer(5 * time.Millisecond)
	p.Start()

	started := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once

	p.EnqueueTask(&funcTask{check: func(ctx context.Context) (bool, error) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return true, nil
	}})

	<-started
	p.Stop(time.Second)

	select {
	case <-finished:
	case <-time.After(10 * time.Millisecond):
		t.Error("Stop returned before in-flight check finished")
	}
}

func TestEnqueueNilTask(t *testing.T) {
	p := testPerformer(10 * time.Millisecond)
	p.EnqueueTask(nil)
	if got := p.Pending(); got != 0 {
		t.Errorf("pending = %d after nil enqueue, want 0", got)
	}
}
