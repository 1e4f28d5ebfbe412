package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSessionManagerSerialisesSameConversation(t *testing.T) {
	m := NewSessionManager()
	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "conv-1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer unlock()
			n := atomic.AddInt32(&running, 1)
			for {
				cur := atomic.LoadInt32(&maxRunning)
				if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()
	if maxRunning != 1 {
		t.Errorf("expected at most one turn at a time, saw %d", maxRunning)
	}
	if m.Active() != 0 {
		t.Errorf("expected all entries reclaimed, %d remain", m.Active())
	}
}

func TestSessionManagerParallelConversations(t *testing.T) {
	m := NewSessionManager()
	unlockA, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("a different conversation must not wait: %v", err)
	}
	unlockB()
	if m.Active() != 1 {
		t.Errorf("expected one active conversation, got %d", m.Active())
	}
}

func TestSessionManagerLockCancelled(t *testing.T) {
	m := NewSessionManager()
	unlock, err := m.Lock(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "conv"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // releasing twice is harmless
	if m.Active() != 0 {
		t.Errorf("expected entry reclaimed after cancel and release, %d remain", m.Active())
	}

	again, err := m.Lock(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()
}
