package fence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoFenceAlwaysSignaled(t *testing.T) {
	if !NoFence.IsSignaled() {
		t.Fatalf("NoFence must be signaled")
	}
	if got := NoFence.SignalTime(); got != 0 {
		t.Fatalf("NoFence signal time got=%d want=0", got)
	}
	if NoFence.Signal(10) {
		t.Fatalf("NoFence must ignore Signal")
	}
	if NoFence.ID() != 0 {
		t.Fatalf("NoFence id got=%d want=0", NoFence.ID())
	}
}

func TestSignalOnce(t *testing.T) {
	f := New()
	if f.IsSignaled() {
		t.Fatalf("new fence must be pending")
	}
	if got := f.SignalTime(); got != Pending {
		t.Fatalf("pending signal time got=%d", got)
	}
	if !f.Signal(100) {
		t.Fatalf("first signal must win")
	}
	if f.Signal(200) {
		t.Fatalf("second signal must be ignored")
	}
	if got := f.SignalTime(); got != 100 {
		t.Fatalf("signal time got=%d want=100", got)
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestUniqueIDs(t *testing.T) {
	a, b := New(), NewSignaled(5)
	if a.ID() == 0 || b.ID() == 0 || a.ID() == b.ID() {
		t.Fatalf("ids not unique: a=%d b=%d", a.ID(), b.ID())
	}
	if !b.IsSignaled() || b.SignalTime() != 5 {
		t.Fatalf("NewSignaled state wrong: %d", b.SignalTime())
	}
}

func TestWait(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal(1)
	}()
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	pending := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := pending.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNilFenceBehavesSignaled(t *testing.T) {
	var f *Fence
	if !f.IsSignaled() || !IsNoFence(f) {
		t.Fatalf("nil fence must read as signaled NoFence")
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("wait nil: %v", err)
	}
}
