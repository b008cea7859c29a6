package keylock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.Lock(ctx, "a@uct.ac.za")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected mutual exclusion, saw %d holders", maxSeen)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no leftover entries, got %d", s.Len())
	}
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	s := New()
	ctx := context.Background()
	unlockA, err := s.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := s.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestLockHonoursContext(t *testing.T) {
	s := New()
	unlock, err := s.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "k"); err == nil {
		t.Fatal("expected context error while key is held")
	}
	unlock()
	unlock()
	if s.Len() != 0 {
		t.Fatalf("expected entry to be released, got %d", s.Len())
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("  A@UCT.ac.za ") != "a@uct.ac.za" {
		t.Fatal("normalize must trim and lower-case")
	}
}
