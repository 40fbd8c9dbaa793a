package bufferqueue

import (
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/gfxqueue/internal/slots"
)

// ItemInfo summarizes a queued item.
type ItemInfo struct {
	Slot        int    `json:"slot"`
	FrameNumber uint64 `json:"frame_number"`
	Timestamp   int64  `json:"timestamp"`
	Crop        string `json:"crop"`
	Transform   uint32 `json:"transform"`
	ScalingMode int    `json:"scaling_mode"`
	Droppable   bool   `json:"droppable"`
}

// Snapshot is a point-in-time view of a queue for diagnostics.
type Snapshot struct {
	Name                     string       `json:"name"`
	Abandoned                bool         `json:"abandoned"`
	ConnectedAPI             string       `json:"connected_api"`
	ConsumerConnected        bool         `json:"consumer_connected"`
	NonBlocking              bool         `json:"non_blocking"`
	DefaultWidth             uint32       `json:"default_width"`
	DefaultHeight            uint32       `json:"default_height"`
	DefaultFormat            string       `json:"default_format"`
	TransformHint            uint32       `json:"transform_hint"`
	MaxBufferCount           int          `json:"max_buffer_count"`
	OverrideMaxBufferCount   int          `json:"override_max_buffer_count"`
	MaxAcquiredBufferCount   int          `json:"max_acquired_buffer_count"`
	MinUndequeuedBufferCount int          `json:"min_undequeued_buffer_count"`
	FrameCounter             uint64       `json:"frame_counter"`
	Queue                    []ItemInfo   `json:"queue"`
	Slots                    []slots.Info `json:"slots"`
}

// Snapshot copies the queue state. Only slots below the max buffer count are
// included.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	maxCount := q.maxBufferCountLocked(false)
	snap := Snapshot{
		Name:                     q.name,
		Abandoned:                q.abandoned,
		ConnectedAPI:             q.connectedAPI.String(),
		ConsumerConnected:        q.listener != nil,
		NonBlocking:              q.dequeueCannotBlock,
		DefaultWidth:             q.defaultWidth,
		DefaultHeight:            q.defaultHeight,
		DefaultFormat:            fmt.Sprint(q.defaultFormat),
		TransformHint:            uint32(q.transformHint),
		MaxBufferCount:           maxCount,
		OverrideMaxBufferCount:   q.overrideMaxBufferCount,
		MaxAcquiredBufferCount:   q.maxAcquired,
		MinUndequeuedBufferCount: q.minUndequeuedLocked(false),
		FrameCounter:             q.frameCounter,
		Queue:                    make([]ItemInfo, 0, len(q.fifo)),
		Slots:                    q.slots.Snapshot()[:maxCount],
	}
	for _, it := range q.fifo {
		snap.Queue = append(snap.Queue, ItemInfo{
			Slot:        it.Slot,
			FrameNumber: it.FrameNumber,
			Timestamp:   it.Timestamp,
			Crop:        it.Crop.String(),
			Transform:   uint32(it.Transform),
			ScalingMode: int(it.ScalingMode),
			Droppable:   it.IsDroppable,
		})
	}
	return snap
}

// Dump writes a human readable description of the queue.
func (q *Queue) Dump(w io.Writer) error {
	snap := q.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "%s: max-acquired=%d, non-blocking=%t, default-size=[%dx%d], default-format=%s, transform-hint=%02x, FIFO(%d)={",
		snap.Name, snap.MaxAcquiredBufferCount, snap.NonBlocking,
		snap.DefaultWidth, snap.DefaultHeight, snap.DefaultFormat, snap.TransformHint, len(snap.Queue))
	for _, it := range snap.Queue {
		fmt.Fprintf(&b, "%02d:frame=%d crop=%s xform=0x%02x time=%d scale=%d, ",
			it.Slot, it.FrameNumber, it.Crop, it.Transform, it.Timestamp, it.ScalingMode)
	}
	b.WriteString("}\n")
	if snap.Abandoned {
		b.WriteString("  [abandoned]\n")
	}
	for _, s := range snap.Slots {
		marker := " "
		if s.State == slots.Acquired.String() {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s[%02d] state=%-8s frame=%d", marker, s.Index, s.State, s.FrameNumber)
		if s.BufferID != 0 {
			fmt.Fprintf(&b, " buffer=%d [%4dx%4d]", s.BufferID, s.Width, s.Height)
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
