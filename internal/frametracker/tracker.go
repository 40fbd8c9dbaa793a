// Package frametracker keeps the presentation timing of the most recent frames.
//
// Times may be recorded directly or through a fence; once a fence resolves its
// signal time replaces the recorded timestamp. A Tracker is not safe for
// concurrent use.
package frametracker

import (
	"fmt"
	"io"

	"github.com/danmuck/gfxqueue/internal/fence"
)

// NumFrameRecords is the capacity of the history ring.
const NumFrameRecords = 128

// Record is the timing of one frame, in monotonic nanoseconds. A time of
// fence.Pending means "not yet known".
type Record struct {
	DesiredPresentTime int64 `json:"desired_present"`
	FrameReadyTime     int64 `json:"frame_ready"`
	ActualPresentTime  int64 `json:"actual_present"`

	FrameReadyFence    *fence.Fence `json:"-"`
	ActualPresentFence *fence.Fence `json:"-"`
}

// Tracker is a ring of frame records with the current frame at offset.
type Tracker struct {
	records [NumFrameRecords]Record
	offset  int
	// numFences counts unresolved fences held by the records so ProcessFences
	// can stop early.
	numFences int
}

func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) current() *Record {
	return &t.records[t.offset]
}

func (t *Tracker) SetDesiredPresentTime(ns int64) {
	t.current().DesiredPresentTime = ns
}

func (t *Tracker) SetFrameReadyTime(ns int64) {
	t.current().FrameReadyTime = ns
}

// SetFrameReadyFence records the fence that signals when the frame contents are
// complete. nil and NoFence are ignored.
func (t *Tracker) SetFrameReadyFence(f *fence.Fence) {
	t.setFence(&t.current().FrameReadyFence, f)
}

func (t *Tracker) SetActualPresentTime(ns int64) {
	t.current().ActualPresentTime = ns
}

// SetActualPresentFence records the fence that signals when the frame reached
// the screen. nil and NoFence are ignored.
func (t *Tracker) SetActualPresentFence(f *fence.Fence) {
	t.setFence(&t.current().ActualPresentFence, f)
}

func (t *Tracker) setFence(field **fence.Fence, f *fence.Fence) {
	if fence.IsNoFence(f) {
		return
	}
	if *field == nil {
		t.numFences++
	}
	*field = f
}

// AdvanceFrame moves to the next record, clearing whatever it held, and then
// resolves signaled fences.
func (t *Tracker) AdvanceFrame() {
	t.offset = (t.offset + 1) % NumFrameRecords
	r := t.current()
	if r.FrameReadyFence != nil {
		t.numFences--
	}
	if r.ActualPresentFence != nil {
		t.numFences--
	}
	*r = Record{}
	t.ProcessFences()
}

// Clear zeroes the whole history.
func (t *Tracker) Clear() {
	t.records = [NumFrameRecords]Record{}
	t.offset = 0
	t.numFences = 0
}

// ProcessFences replaces the times of signaled fences with their signal time
// and drops those fences. Times guarded by unsignaled fences read as
// fence.Pending. Records are walked newest first and the walk stops once no
// unresolved fences remain.
func (t *Tracker) ProcessFences() {
	for i := 0; i < NumFrameRecords && t.numFences > 0; i++ {
		r := &t.records[(t.offset-i+NumFrameRecords)%NumFrameRecords]
		t.resolve(&r.FrameReadyFence, &r.FrameReadyTime)
		t.resolve(&r.ActualPresentFence, &r.ActualPresentTime)
	}
}

func (t *Tracker) resolve(field **fence.Fence, ts *int64) {
	f := *field
	if f == nil {
		return
	}
	at := f.SignalTime()
	*ts = at
	if at != fence.Pending {
		*field = nil
		t.numFences--
	}
}

// PendingFences returns the number of fences not yet resolved.
func (t *Tracker) PendingFences() int {
	return t.numFences
}

// Records returns a copy of the history, oldest first and the current frame
// last.
func (t *Tracker) Records() []Record {
	out := make([]Record, 0, NumFrameRecords)
	for i := 1; i <= NumFrameRecords; i++ {
		out = append(out, t.records[(t.offset+i)%NumFrameRecords])
	}
	return out
}

// Dump resolves fences and writes one "desired\tactual\tframeReady" line per
// record, oldest first.
func (t *Tracker) Dump(w io.Writer) error {
	t.ProcessFences()
	for _, r := range t.Records() {
		if _, err := fmt.Fprintf(w, "%d\t%d\t%d\n", r.DesiredPresentTime, r.ActualPresentTime, r.FrameReadyTime); err != nil {
			return err
		}
	}
	return nil
}
