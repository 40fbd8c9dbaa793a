package bufferqueue

import (
	"fmt"

	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/slots"
	"github.com/gogpu/gputypes"
)

// Consumer is the consumer endpoint of a Queue.
type Consumer struct {
	q *Queue
}

// Connect registers the consumer. controlledByApp together with a producer that
// is also app-controlled makes dequeue non-blocking.
func (c *Consumer) Connect(listener ConsumerListener, controlledByApp bool) error {
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return ErrNotInitialized
	}
	if listener == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	q.listener = listener
	q.consumerControlledByApp = controlledByApp
	return nil
}

// Disconnect abandons the queue. Every later producer call fails.
func (c *Consumer) Disconnect() error {
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return fmt.Errorf("%w: consumer not connected", ErrInvalidArgument)
	}
	q.abandoned = true
	q.listener = nil
	q.freeAllLocked()
	q.stopWatchLocked()
	q.cond.Broadcast()
	q.log.Info().Msg("consumer disconnected, queue abandoned")
	return nil
}

// AcquireBuffer takes the oldest queued frame. When expectedPresent is non-zero,
// frames whose successor is already due are dropped, and a frame that is due
// later than expectedPresent (but within a second of it) yields ErrPresentLater.
func (c *Consumer) AcquireBuffer(expectedPresent int64) (Item, error) {
	item, err := c.q.acquireBuffer(expectedPresent)
	c.q.record("acquire", err)
	return item, err
}

func (q *Queue) acquireBuffer(expectedPresent int64) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return Item{}, ErrNotInitialized
	}
	if acquired := q.slots.Count(slots.Acquired, slots.MaxSlots); acquired >= q.maxAcquired+1 {
		return Item{}, fmt.Errorf("%w: %d buffers already acquired (max %d)", ErrInvalidArgument, acquired, q.maxAcquired)
	}
	if len(q.fifo) == 0 {
		return Item{}, ErrNoBufferAvailable
	}

	if expectedPresent != 0 {
		for len(q.fifo) > 1 && !q.fifo[0].IsAutoTimestamp {
			desired := q.fifo[1].Timestamp
			if desired < expectedPresent-maxReasonablePresent || desired > expectedPresent {
				break
			}
			dropped := q.fifo[0]
			if s := q.slots.Slot(dropped.Slot); s.State == slots.Queued && s.FrameNumber == dropped.FrameNumber {
				s.State = slots.Free
			}
			q.fifo = q.fifo[1:]
			observability.RecordQueueOp(q.name, "acquire_drop", "ok")
			q.log.Debug().
				Uint64("frame", dropped.FrameNumber).
				Int64("desired", desired).
				Int64("expected_present", expectedPresent).
				Msg("dropping stale frame")
		}
		desired := q.fifo[0].Timestamp
		if desired > expectedPresent && desired < expectedPresent+maxReasonablePresent {
			q.cond.Broadcast()
			return Item{}, ErrPresentLater
		}
	}

	item := q.fifo[0]
	q.fifo = q.fifo[1:]
	if len(q.fifo) == 0 {
		q.fifo = nil
	}
	s := q.slots.Slot(item.Slot)
	if err := q.slots.Transition(item.Slot, slots.Queued, slots.Acquired); err != nil {
		return Item{}, fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	s.AcquireCalled = true
	s.NeedsCleanupOnRelease = false

	q.cond.Broadcast()
	observability.SetPendingBuffers(q.name, len(q.fifo))
	return item, nil
}

// ReleaseBuffer hands an acquired slot back to the pool. frameNumber must match
// the acquired item; f guards the consumer's outstanding reads.
func (c *Consumer) ReleaseBuffer(slot int, frameNumber uint64, f *fence.Fence) error {
	err := c.q.releaseBuffer(slot, frameNumber, f)
	c.q.record("release", err)
	return err
}

func (q *Queue) releaseBuffer(slot int, frameNumber uint64, f *fence.Fence) error {
	if !slots.InRange(slot) || f == nil {
		return fmt.Errorf("%w: slot %d fence %v", ErrInvalidArgument, slot, f != nil)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.slots.Slot(slot)
	switch {
	case s.State == slots.Acquired && s.FrameNumber == frameNumber:
		s.State = slots.Free
		s.Fence = f
	case s.NeedsCleanupOnRelease:
		s.NeedsCleanupOnRelease = false
		return ErrStaleBufferSlot
	case s.FrameNumber != frameNumber:
		return ErrStaleBufferSlot
	default:
		return fmt.Errorf("%w: slot %d is %s", ErrInvalidArgument, slot, s.State)
	}
	q.cond.Broadcast()
	return nil
}

// SetDefaultBufferSize sets the size used when the producer asks for 0x0.
func (c *Consumer) SetDefaultBufferSize(width, height uint32) error {
	if width == 0 || height == 0 || width > gfx.MaxDimension || height > gfx.MaxDimension {
		return fmt.Errorf("%w: default size %dx%d", ErrInvalidArgument, width, height)
	}
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultWidth = width
	q.defaultHeight = height
	return nil
}

func (c *Consumer) SetDefaultBufferFormat(format gputypes.TextureFormat) error {
	if format == gputypes.TextureFormatUndefined {
		return fmt.Errorf("%w: undefined default format", ErrInvalidArgument)
	}
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultFormat = format
	return nil
}

// SetDefaultMaxBufferCount sets the slot count used when the producer has not
// set one.
func (c *Consumer) SetDefaultMaxBufferCount(n int) error {
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	minCount := 1
	if q.useAsyncBuffer {
		minCount = 2
	}
	if n < minCount || n > slots.MaxSlots {
		return fmt.Errorf("%w: default max buffer count %d outside [%d, %d]", ErrInvalidArgument, n, minCount, slots.MaxSlots)
	}
	q.defaultMaxBufferCount = n
	q.cond.Broadcast()
	return nil
}

// SetMaxAcquiredBufferCount sets how many buffers the consumer may hold at
// once. It cannot change while a producer is connected.
func (c *Consumer) SetMaxAcquiredBufferCount(n int) error {
	if n < 1 || n > MaxMaxAcquiredBuffers {
		return fmt.Errorf("%w: max acquired %d outside [1, %d]", ErrInvalidArgument, n, MaxMaxAcquiredBuffers)
	}
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.connectedAPI != APINone {
		return fmt.Errorf("%w: producer connected", ErrInvalidArgument)
	}
	q.maxAcquired = n
	return nil
}

// DisableAsyncBuffer drops the extra slot reserved for async producers. It must
// be called before the consumer connects.
func (c *Consumer) DisableAsyncBuffer() error {
	q := c.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener != nil {
		return fmt.Errorf("%w: consumer already connected", ErrInvalidArgument)
	}
	q.useAsyncBuffer = false
	return nil
}

func (c *Consumer) SetConsumerUsageBits(usage gputypes.TextureUsage) {
	q := c.q
	q.mu.Lock()
	q.consumerUsage = usage
	q.mu.Unlock()
}

func (c *Consumer) SetTransformHint(hint Transform) {
	q := c.q
	q.mu.Lock()
	q.transformHint = hint
	q.mu.Unlock()
}
