// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestQueuePausedByDefault(t *testing.T) {
	var mu sync.Mutex
	var processed []int

	q := New(func(item int) error {
		mu.Lock()
		processed = append(processed, item)
		mu.Unlock()
		return nil
	})

	q.Push(1)
	q.Push(2)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	count := len(processed)
	mu.Unlock()
	if count != 0 {
		t.Fatalf("queue should not drain while paused, processed %d items", count)
	}
	if q.Len() != 2 {
		t.Errorf("queued length should be 2, got %d", q.Len())
	}
}

func TestQueueDrainsInOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []int

	q := New(func(item int) error {
		mu.Lock()
		processed = append(processed, item)
		mu.Unlock()
		return nil
	})

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.SystemResume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{1, 2, 3} {
		if processed[i] != want {
			t.Errorf("processed[%d] = %d, want %d", i, processed[i], want)
		}
	}
}

func TestQueueSingleInFlight(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	done := 0

	q := New(func(item int) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		done++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.SystemResume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 5
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max in-flight invocations = %d, want 1", maxInFlight)
	}
}

func TestQueuePauseLevelsAreIndependent(t *testing.T) {
	var mu sync.Mutex
	done := 0

	q := New(func(item int) error {
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	})

	q.Pause()
	q.Push(1)

	// Clearing only the system flag must not drain a user-paused queue.
	q.SystemResume()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	count := done
	mu.Unlock()
	if count != 0 {
		t.Fatal("queue drained despite user pause")
	}

	q.Resume()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 1
	})
}

func TestQueueClearKeepsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var processed []int

	q := New(func(item int) error {
		if item == 1 {
			close(started)
			<-release
		}
		mu.Lock()
		processed = append(processed, item)
		mu.Unlock()
		return nil
	})

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.SystemResume()

	<-started
	q.Clear()
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 1
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != 1 {
		t.Errorf("only the in-flight item should complete, got %v", processed)
	}
}

func TestQueueWorkerErrorHalts(t *testing.T) {
	wantErr := errors.New("worker failed")
	var mu sync.Mutex
	var processed []int
	errCh := make(chan error, 1)

	q := New(func(item int) error {
		if item == 2 {
			return wantErr
		}
		mu.Lock()
		processed = append(processed, item)
		mu.Unlock()
		return nil
	})
	q.OnError(func(err error) { errCh <- err })

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.SystemResume()

	select {
	case err := <-errCh:
		if !errors.Is(err, wantErr) {
			t.Errorf("error callback got %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 {
		t.Errorf("queue should halt after worker error, processed %v", processed)
	}
	if q.Err() == nil {
		t.Error("Err() should report the halting error")
	}
	// The halted queue keeps its items.
	if q.Len() != 1 {
		t.Errorf("halted queue should retain items, len = %d", q.Len())
	}
}

func TestQueueResumeEventBeforeProcessing(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := New(func(item int) error {
		mu.Lock()
		order = append(order, "item")
		mu.Unlock()
		return nil
	})
	q.OnResume(func() {
		mu.Lock()
		order = append(order, "resume")
		mu.Unlock()
	})

	q.Push(1)
	q.SystemResume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "resume" || order[1] != "item" {
		t.Errorf("resume must fire before the first item, got %v", order)
	}
}

func TestQueueResumeEventOnlyOnTransition(t *testing.T) {
	fired := 0
	var mu sync.Mutex

	q := New(func(item int) error { return nil })
	q.OnResume(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	q.SystemResume()
	q.SystemResume() // already runnable, no transition

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("resume fired %d times, want 1", fired)
	}
}
