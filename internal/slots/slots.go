// Package slots holds the fixed-size buffer slot table shared by a producer and a
// consumer. The table does no locking; its owner serializes access.
package slots

import (
	"errors"
	"fmt"

	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
)

// MaxSlots is the capacity of every slot table.
const MaxSlots = 32

var (
	ErrOutOfRange        = errors.New("slots: index out of range")
	ErrInvalidTransition = errors.New("slots: invalid state transition")
	ErrNotAvailable      = errors.New("slots: no free slot")
)

// State is the ownership state of a slot.
type State uint8

const (
	Free State = iota
	Dequeued
	Queued
	Acquired
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Dequeued:
		return "DEQUEUED"
	case Queued:
		return "QUEUED"
	case Acquired:
		return "ACQUIRED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Slot is one entry of the table.
type Slot struct {
	Index  int
	Buffer *gfx.Buffer
	State  State
	// Fence guards the buffer contents for whoever takes the slot next.
	Fence       *fence.Fence
	FrameNumber uint64

	RequestBufferCalled   bool
	AcquireCalled         bool
	NeedsCleanupOnRelease bool
}

// Info is a read-only view of a slot for dumps and diagnostics.
type Info struct {
	Index         int    `json:"index"`
	State         string `json:"state"`
	FrameNumber   uint64 `json:"frame_number"`
	BufferID      uint64 `json:"buffer_id,omitempty"`
	Width         uint32 `json:"width,omitempty"`
	Height        uint32 `json:"height,omitempty"`
	FenceSignaled bool   `json:"fence_signaled"`
}

// Table is the slot arena.
type Table struct {
	slots [MaxSlots]Slot
}

// New returns a table with every slot Free and fenced with NoFence.
func New() *Table {
	t := &Table{}
	for i := range t.slots {
		t.slots[i] = Slot{Index: i, Fence: fence.NoFence}
	}
	return t
}

// InRange reports whether i is a valid slot index.
func InRange(i int) bool {
	return i >= 0 && i < MaxSlots
}

// Slot returns the slot at i, or nil when i is out of range.
func (t *Table) Slot(i int) *Slot {
	if !InRange(i) {
		return nil
	}
	return &t.slots[i]
}

// FindFreeSlot picks a Free slot below limit. A slot whose cached buffer satisfies
// match wins; otherwise the Free slot with the oldest frame number is returned.
func (t *Table) FindFreeSlot(limit int, match func(*gfx.Buffer) bool) (int, error) {
	if limit > MaxSlots {
		limit = MaxSlots
	}
	found := -1
	reusable := -1
	for i := 0; i < limit; i++ {
		s := &t.slots[i]
		if s.State != Free {
			continue
		}
		if match != nil && s.Buffer != nil && match(s.Buffer) {
			if reusable < 0 || s.FrameNumber < t.slots[reusable].FrameNumber {
				reusable = i
			}
		}
		if found < 0 || s.FrameNumber < t.slots[found].FrameNumber {
			found = i
		}
	}
	if reusable >= 0 {
		return reusable, nil
	}
	if found < 0 {
		return -1, ErrNotAvailable
	}
	return found, nil
}

// Transition moves slot i from one state to another.
func (t *Table) Transition(i int, from, to State) error {
	if !InRange(i) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	s := &t.slots[i]
	if s.State != from {
		return fmt.Errorf("%w: slot %d is %s, expected %s (to %s)", ErrInvalidTransition, i, s.State, from, to)
	}
	s.State = to
	return nil
}

// Reset forces slot i back to Free and drops its buffer, which is returned so
// the caller can give it back to the allocator. An Acquired slot is flagged so
// the consumer's eventual release is recognized as stale.
func (t *Table) Reset(i int) *gfx.Buffer {
	if !InRange(i) {
		return nil
	}
	s := &t.slots[i]
	buf := s.Buffer
	cleanup := s.NeedsCleanupOnRelease || s.State == Acquired
	*s = Slot{
		Index:                 i,
		Fence:                 fence.NoFence,
		NeedsCleanupOnRelease: cleanup,
	}
	return buf
}

// ResetAll resets every slot and returns the dropped buffers.
func (t *Table) ResetAll() []*gfx.Buffer {
	var dropped []*gfx.Buffer
	for i := range t.slots {
		if buf := t.Reset(i); buf != nil {
			dropped = append(dropped, buf)
		}
	}
	return dropped
}

// Count returns the number of slots below limit in the given state.
func (t *Table) Count(state State, limit int) int {
	if limit > MaxSlots {
		limit = MaxSlots
	}
	n := 0
	for i := 0; i < limit; i++ {
		if t.slots[i].State == state {
			n++
		}
	}
	return n
}

// Snapshot copies the public state of every slot.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, MaxSlots)
	for i := range t.slots {
		s := &t.slots[i]
		info := Info{
			Index:         i,
			State:         s.State.String(),
			FrameNumber:   s.FrameNumber,
			FenceSignaled: s.Fence.IsSignaled(),
		}
		if s.Buffer != nil {
			info.BufferID = s.Buffer.ID
			info.Width = s.Buffer.Width
			info.Height = s.Buffer.Height
		}
		out = append(out, info)
	}
	return out
}
