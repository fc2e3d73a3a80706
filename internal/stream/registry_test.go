package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle 模拟一条流：Cancel 后经过 exitAfter 关闭 Done。
type fakeHandle struct {
	exitAfter time.Duration
	once      sync.Once
	cancels   atomic.Int32
	done      chan struct{}
}

func newFakeHandle(exitAfter time.Duration) *fakeHandle {
	return &fakeHandle{exitAfter: exitAfter, done: make(chan struct{})}
}

func (f *fakeHandle) Cancel() {
	f.cancels.Add(1)
	f.once.Do(func() {
		go func() {
			time.Sleep(f.exitAfter)
			close(f.done)
		}()
	})
}

func (f *fakeHandle) Done() <-chan struct{} { return f.done }

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry(0)
	if r.Grace() != DefaultGrace {
		t.Fatalf("Grace = %v, want %v", r.Grace(), DefaultGrace)
	}
	tok := NewToken(context.Background())
	if err := r.Add("a", tok, newFakeHandle(0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := r.Add("a", tok, newFakeHandle(0))
	if !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("expected ErrDuplicateStream, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if st, ok := r.State("a"); !ok || st != StateRunning {
		t.Fatalf("State(a) = %s, %v; want Running", st, ok)
	}
}

func TestRegistry_StopAllCancelsAndForgets(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	toks := []*Token{NewToken(context.Background()), NewToken(context.Background())}
	handles := []*fakeHandle{newFakeHandle(0), newFakeHandle(time.Millisecond)}
	for i, id := range []string{"a", "b"} {
		if err := r.Add(id, toks[i], handles[i]); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	if n := r.StopAll(); n != 2 {
		t.Fatalf("StopAll = %d, want 2", n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after StopAll = %d", r.Len())
	}
	for i := range toks {
		if !toks[i].Cancelled() {
			t.Errorf("token %d not cancelled", i)
		}
		if handles[i].cancels.Load() == 0 {
			t.Errorf("handle %d not cancelled", i)
		}
	}
	if n := r.StopAll(); n != 0 {
		t.Fatalf("second StopAll = %d, want 0", n)
	}
}

func TestRegistry_StopAllBoundedByGrace(t *testing.T) {
	grace := 30 * time.Millisecond
	r := NewRegistry(grace)
	// 两条都不会在宽限期内退出，总等待仍应接近一个宽限期
	_ = r.Add("slow1", NewToken(context.Background()), newFakeHandle(time.Hour))
	_ = r.Add("slow2", NewToken(context.Background()), newFakeHandle(time.Hour))

	start := time.Now()
	n := r.StopAll()
	elapsed := time.Since(start)

	if n != 2 {
		t.Fatalf("StopAll = %d, want 2", n)
	}
	if elapsed < grace {
		t.Errorf("StopAll returned after %v, expected to wait at least %v", elapsed, grace)
	}
	if elapsed > 10*grace {
		t.Errorf("StopAll took %v, expected a single shared grace period", elapsed)
	}
	if r.Len() != 0 {
		t.Fatalf("orphaned streams should be forgotten, Len = %d", r.Len())
	}
}

func TestRegistry_StopUnknown(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	_ = r.Add("a", NewToken(context.Background()), newFakeHandle(0))

	if r.Stop("missing") {
		t.Fatal("Stop on unknown id should return false")
	}
	if r.Len() != 1 {
		t.Fatalf("unknown stop must not change state, Len = %d", r.Len())
	}
}

func TestRegistry_StopOne(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	tokA := NewToken(context.Background())
	tokB := NewToken(context.Background())
	_ = r.Add("a", tokA, newFakeHandle(0))
	_ = r.Add("b", tokB, newFakeHandle(0))

	if !r.Stop("a") {
		t.Fatal("Stop(a) should succeed")
	}
	if !tokA.Cancelled() {
		t.Fatal("token a should be cancelled")
	}
	if tokB.Cancelled() {
		t.Fatal("token b should be untouched")
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("IDs = %v, want [b]", ids)
	}
	if r.Stop("a") {
		t.Fatal("second Stop(a) should return false")
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry(0)
	tok := NewToken(context.Background())
	_ = r.Add("a", tok, newFakeHandle(0))

	r.Remove("a")
	r.Remove("a")
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	if tok.Cancelled() {
		t.Fatal("Remove must not cancel the token")
	}
	if _, ok := r.State("a"); ok {
		t.Fatal("removed stream should have no state")
	}
	if err := r.Add("a", tok, newFakeHandle(0)); err != nil {
		t.Fatalf("re-adding removed id: %v", err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(5 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = r.Add(id, NewToken(context.Background()), newFakeHandle(0))
		}()
		go func() {
			defer wg.Done()
			r.Stop(id)
		}()
		go func() {
			defer wg.Done()
			r.StopAll()
		}()
	}
	wg.Wait()
	r.StopAll()
	if r.Len() != 0 {
		t.Fatalf("Len = %d after final StopAll", r.Len())
	}
}
