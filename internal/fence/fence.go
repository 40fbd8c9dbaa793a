// Package fence models asynchronous completion signals attached to graphics buffers.
//
// A fence is an opaque causality token: producers hand one over when their writes may
// still be in flight, consumers hand one back when their reads may still be in flight.
// Holders only ever poll it (IsSignaled, SignalTime) or wait on it; nothing inspects
// what it guards.
package fence

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// Pending is the signal time reported by a fence that has not signaled yet.
const Pending int64 = math.MaxInt64

var nextID atomic.Uint64

// NoFence is the "already signaled" sentinel. It is never pending and its signal
// time is 0.
var NoFence = newSignaled(0)

// Fence is a one-shot completion signal.
type Fence struct {
	id       uint64
	signalAt atomic.Int64
	once     sync.Once
	done     chan struct{}
}

// New returns an unsignaled fence with a process-unique id.
func New() *Fence {
	f := &Fence{
		id:   nextID.Add(1),
		done: make(chan struct{}),
	}
	f.signalAt.Store(Pending)
	return f
}

// NewSignaled returns a fence that already signaled at the given time.
func NewSignaled(at int64) *Fence {
	f := newSignaled(at)
	f.id = nextID.Add(1)
	return f
}

func newSignaled(at int64) *Fence {
	f := &Fence{done: make(chan struct{})}
	f.signalAt.Store(at)
	f.once.Do(func() { close(f.done) })
	return f
}

// ID identifies the fence within this process. NoFence has id 0.
func (f *Fence) ID() uint64 {
	if f == nil {
		return 0
	}
	return f.id
}

// IsNoFence reports whether f is nil or the NoFence sentinel.
func IsNoFence(f *Fence) bool {
	return f == nil || f == NoFence
}

// IsSignaled reports whether the fence has signaled.
func (f *Fence) IsSignaled() bool {
	if f == nil {
		return true
	}
	return f.signalAt.Load() != Pending
}

// SignalTime returns the monotonic time in nanoseconds at which the fence signaled,
// or Pending.
func (f *Fence) SignalTime() int64 {
	if f == nil {
		return 0
	}
	return f.signalAt.Load()
}

// Signal marks the fence signaled at the given time. Only the first call has an
// effect; it reports whether this call signaled the fence.
func (f *Fence) Signal(at int64) bool {
	if f == nil || f == NoFence || at == Pending {
		return false
	}
	signaled := false
	f.once.Do(func() {
		f.signalAt.Store(at)
		close(f.done)
		signaled = true
	})
	return signaled
}

// Done returns a channel closed once the fence signals.
func (f *Fence) Done() <-chan struct{} {
	if f == nil {
		return NoFence.done
	}
	return f.done
}

// Wait blocks until the fence signals or ctx ends.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
