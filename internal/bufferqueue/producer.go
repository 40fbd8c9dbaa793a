package bufferqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/slots"
	"github.com/gogpu/gputypes"
)

// Producer is the in-process producer endpoint of a Queue.
type Producer struct {
	q *Queue
}

var _ BufferProducer = (*Producer)(nil)

// RequestBuffer returns the buffer backing a dequeued slot and marks it as
// mirrored by the producer. A slot without a buffer gets one allocated with the
// parameters of the last dequeue.
func (p *Producer) RequestBuffer(slot int) (*gfx.Buffer, error) {
	buf, err := p.q.requestBuffer(slot)
	p.q.record("request_buffer", err)
	return buf, err
}

func (q *Queue) requestBuffer(slot int) (*gfx.Buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return nil, ErrNotInitialized
	}
	maxCount := q.maxBufferCountLocked(false)
	if slot < 0 || slot >= maxCount {
		return nil, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, maxCount)
	}
	s := q.slots.Slot(slot)
	if s.State != slots.Dequeued {
		return nil, fmt.Errorf("%w: slot %d is %s, not owned by the producer", ErrInvalidArgument, slot, s.State)
	}
	if s.Buffer == nil {
		req := q.lastRequest
		buf, err := q.alloc.Allocate(req.Width, req.Height, req.Format, req.Usage)
		if err != nil {
			return nil, allocError(err)
		}
		s.Buffer = buf
	}
	s.RequestBufferCalled = true
	return s.Buffer, nil
}

// SetBufferCount overrides the number of usable slots. Zero clears the override.
// Any other value frees every buffer, so it fails while the producer holds a
// dequeued slot.
func (p *Producer) SetBufferCount(n int) error {
	err := p.q.setBufferCount(n)
	p.q.record("set_buffer_count", err)
	return err
}

func (q *Queue) setBufferCount(n int) error {
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	if n < 0 || n > slots.MaxSlots {
		q.mu.Unlock()
		return fmt.Errorf("%w: buffer count %d outside [0, %d]", ErrInvalidArgument, n, slots.MaxSlots)
	}
	if q.slots.Count(slots.Dequeued, slots.MaxSlots) > 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: buffers are dequeued", ErrInvalidArgument)
	}
	if n == 0 {
		q.overrideMaxBufferCount = 0
		q.cond.Broadcast()
		q.mu.Unlock()
		return nil
	}
	if minCount := q.minMaxBufferCountLocked(false); n < minCount {
		q.mu.Unlock()
		return fmt.Errorf("%w: buffer count %d below minimum %d", ErrInvalidArgument, n, minCount)
	}

	q.freeAllLocked()
	q.overrideMaxBufferCount = n
	q.releaseAllPending = true
	q.cond.Broadcast()
	listener := q.listener
	q.mu.Unlock()

	if listener != nil {
		listener.OnBuffersReleased()
	}
	return nil
}

// DequeueBuffer hands a free slot to the producer, blocking until one is free
// unless the queue runs in non-blocking mode. Cancelling ctx wakes the wait.
func (p *Producer) DequeueBuffer(ctx context.Context, req DequeueRequest) (DequeueResult, error) {
	res, err := p.q.dequeueBuffer(ctx, req)
	p.q.record("dequeue", err)
	return res, err
}

func (q *Queue) dequeueBuffer(ctx context.Context, req DequeueRequest) (DequeueResult, error) {
	if (req.Width == 0) != (req.Height == 0) || req.Width > gfx.MaxDimension || req.Height > gfx.MaxDimension {
		return DequeueResult{}, fmt.Errorf("%w: invalid size %dx%d", ErrInvalidArgument, req.Width, req.Height)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if req.Format == gputypes.TextureFormatUndefined {
		req.Format = q.defaultFormat
	}
	if req.Width == 0 {
		req.Width, req.Height = q.defaultWidth, q.defaultHeight
	}
	req.Usage |= q.consumerUsage
	match := func(b *gfx.Buffer) bool {
		return b.Matches(req.Width, req.Height, req.Format, req.Usage)
	}

	found, flags, err := q.waitForFreeSlotLocked(ctx, req.Async, match)
	if err != nil {
		q.mu.Unlock()
		return DequeueResult{}, err
	}

	s := q.slots.Slot(found)
	s.State = slots.Dequeued
	if q.releaseAllPending {
		flags |= ReleaseAllBuffers
		q.releaseAllPending = false
	}
	if !match(s.Buffer) {
		q.freeBuffers(s.Buffer)
		s.Buffer = nil
		s.AcquireCalled = false
		s.RequestBufferCalled = false
		s.Fence = fence.NoFence
		flags |= BufferNeedsReallocation
	}
	if flags&ReleaseAllBuffers != 0 {
		// The client drops its whole mirror, so it must request this slot again.
		s.RequestBufferCalled = false
		flags |= BufferNeedsReallocation
	}
	releaseFence := s.Fence
	s.Fence = fence.NoFence
	q.lastRequest = req
	needAlloc := s.Buffer == nil
	gen := q.connGen
	q.mu.Unlock()

	if needAlloc {
		buf, err := q.alloc.Allocate(req.Width, req.Height, req.Format, req.Usage)
		q.mu.Lock()
		defer q.mu.Unlock()
		if err != nil {
			if s.State == slots.Dequeued && q.connGen == gen {
				s.State = slots.Free
				s.Fence = releaseFence
				q.cond.Broadcast()
			}
			// The client never saw these flags; the next dequeue must carry them.
			if flags&ReleaseAllBuffers != 0 {
				q.releaseAllPending = true
			}
			if q.abandoned || q.connGen != gen {
				return DequeueResult{}, fmt.Errorf("%w: queue reset during allocation: %v", ErrNotInitialized, err)
			}
			return DequeueResult{}, allocError(err)
		}
		if q.abandoned || q.connGen != gen || s.State != slots.Dequeued {
			q.freeBuffers(buf)
			return DequeueResult{}, fmt.Errorf("%w: queue reset during allocation", ErrNotInitialized)
		}
		s.Buffer = buf
	}

	return DequeueResult{Slot: found, Fence: releaseFence, Flags: flags}, nil
}

// waitForFreeSlotLocked returns a free slot, waiting on the queue condition
// until one appears. It returns with q.mu held.
func (q *Queue) waitForFreeSlotLocked(ctx context.Context, async bool, match func(*gfx.Buffer) bool) (int, uint32, error) {
	var flags uint32
	var waitStart time.Time
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		if q.abandoned {
			return -1, flags, ErrNotInitialized
		}
		if q.connectedAPI == APINone {
			return -1, flags, fmt.Errorf("%w: producer not connected", ErrNotInitialized)
		}
		if err := ctx.Err(); err != nil {
			return -1, flags, err
		}

		maxCount := q.maxBufferCountLocked(async)
		if async && q.overrideMaxBufferCount != 0 {
			if minCount := q.minMaxBufferCountLocked(async); q.overrideMaxBufferCount < minCount {
				return -1, flags, fmt.Errorf("%w: async mode needs at least %d buffers", ErrInvalidArgument, minCount)
			}
		}

		for i := maxCount; i < slots.MaxSlots; i++ {
			s := q.slots.Slot(i)
			if s.State == slots.Free && s.Buffer != nil {
				q.freeSlotLocked(i)
				flags |= ReleaseAllBuffers
			}
		}

		dequeued := q.slots.Count(slots.Dequeued, maxCount)
		acquired := q.slots.Count(slots.Acquired, maxCount)
		if q.overrideMaxBufferCount == 0 && dequeued > 0 {
			return -1, flags, fmt.Errorf("%w: cannot dequeue more than one buffer without a buffer count", ErrInvalidArgument)
		}

		found, err := q.slots.FindFreeSlot(maxCount, match)
		tooManyQueued := len(q.fifo) > maxCount
		if err == nil && !tooManyQueued {
			if !waitStart.IsZero() {
				observability.RecordDequeueWait(q.name, time.Since(waitStart))
			}
			return found, flags, nil
		}

		if q.dequeueCannotBlock && acquired <= q.maxAcquired {
			return -1, flags, ErrWouldBlock
		}
		if waitStart.IsZero() {
			waitStart = time.Now()
		}
		q.cond.Wait()
	}
}

// QueueBuffer submits a filled slot to the consumer.
func (p *Producer) QueueBuffer(slot int, in QueueBufferInput) (QueueBufferOutput, error) {
	out, err := p.q.queueBuffer(slot, in)
	p.q.record("queue", err)
	return out, err
}

func (q *Queue) queueBuffer(slot int, in QueueBufferInput) (QueueBufferOutput, error) {
	if in.Fence == nil {
		return QueueBufferOutput{}, fmt.Errorf("%w: nil fence", ErrInvalidArgument)
	}
	if !in.ScalingMode.Valid() {
		return QueueBufferOutput{}, fmt.Errorf("%w: unknown scaling mode %d", ErrInvalidArgument, in.ScalingMode)
	}

	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return QueueBufferOutput{}, ErrNotInitialized
	}
	if q.connectedAPI == APINone {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: producer not connected", ErrNotInitialized)
	}
	maxCount := q.maxBufferCountLocked(in.Async)
	if in.Async && q.overrideMaxBufferCount != 0 && q.overrideMaxBufferCount < q.minMaxBufferCountLocked(in.Async) {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: buffer count too small for async mode", ErrInvalidArgument)
	}
	if slot < 0 || slot >= maxCount {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: slot %d out of range [0, %d)", ErrInvalidArgument, slot, maxCount)
	}
	s := q.slots.Slot(slot)
	if s.State != slots.Dequeued {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: slot %d is %s, not owned by the producer", ErrInvalidArgument, slot, s.State)
	}
	if !s.RequestBufferCalled || s.Buffer == nil {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: slot %d queued without requesting its buffer", ErrInvalidArgument, slot)
	}
	if !in.Crop.In(s.Buffer.Bounds()) {
		q.mu.Unlock()
		return QueueBufferOutput{}, fmt.Errorf("%w: crop %v outside buffer %v", ErrInvalidArgument, in.Crop, s.Buffer.Bounds())
	}

	timestamp := in.Timestamp
	if in.IsAutoTimestamp {
		timestamp = q.clock()
	}
	q.frameCounter++
	s.Fence = in.Fence
	s.State = slots.Queued
	s.FrameNumber = q.frameCounter

	item := Item{
		Slot:            slot,
		Buffer:          s.Buffer,
		Crop:            in.Crop,
		Transform:       in.Transform,
		ScalingMode:     in.ScalingMode,
		Timestamp:       timestamp,
		IsAutoTimestamp: in.IsAutoTimestamp,
		FrameNumber:     q.frameCounter,
		Fence:           in.Fence,
		IsDroppable:     q.dequeueCannotBlock || in.Async,
	}

	var listener ConsumerListener
	if len(q.fifo) > 0 && q.fifo[0].IsDroppable {
		// Replace the droppable head in place; its slot goes straight back to FREE.
		prev := q.fifo[0]
		if ps := q.slots.Slot(prev.Slot); ps.State == slots.Queued && ps.FrameNumber == prev.FrameNumber {
			ps.State = slots.Free
		}
		q.fifo[0] = item
	} else {
		q.fifo = append(q.fifo, item)
		listener = q.listener
	}

	q.bufferHasBeenQueued = true
	q.cond.Broadcast()
	out := q.outputLocked()
	observability.SetPendingBuffers(q.name, len(q.fifo))
	q.mu.Unlock()

	if listener != nil {
		listener.OnFrameAvailable()
	}
	return out, nil
}

// CancelBuffer returns a dequeued slot to the pool without queueing it. f
// guards any writes the producer already issued. Invalid calls are logged and
// otherwise ignored.
func (p *Producer) CancelBuffer(slot int, f *fence.Fence) {
	q := p.q
	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	switch {
	case q.abandoned:
		err = ErrNotInitialized
	case !slots.InRange(slot):
		err = fmt.Errorf("%w: slot %d out of range", ErrInvalidArgument, slot)
	case q.slots.Slot(slot).State != slots.Dequeued:
		err = fmt.Errorf("%w: slot %d is %s", ErrInvalidArgument, slot, q.slots.Slot(slot).State)
	case f == nil:
		err = fmt.Errorf("%w: nil fence", ErrInvalidArgument)
	}
	q.record("cancel", err)
	if err != nil {
		q.log.Error().Int("slot", slot).Err(err).Msg("cancel buffer rejected")
		return
	}

	s := q.slots.Slot(slot)
	s.State = slots.Free
	s.Fence = f
	q.cond.Broadcast()
}

// Query reports a queue property.
func (p *Producer) Query(key QueryKey) (int, error) {
	q := p.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return 0, ErrNotInitialized
	}
	switch key {
	case QueryWidth, QueryDefaultWidth:
		return int(q.defaultWidth), nil
	case QueryHeight, QueryDefaultHeight:
		return int(q.defaultHeight), nil
	case QueryFormat:
		return int(q.defaultFormat), nil
	case QueryMinUndequeuedBuffers:
		return q.minUndequeuedLocked(false), nil
	case QueryTransformHint:
		return int(q.transformHint), nil
	case QueryConsumerRunningBehind:
		if len(q.fifo) >= 2 {
			return 1, nil
		}
		return 0, nil
	case QueryConsumerUsageBits:
		return int(q.consumerUsage), nil
	case QueryBufferCount:
		return q.maxBufferCountLocked(false), nil
	default:
		return 0, fmt.Errorf("%w: unknown query key %d", ErrInvalidArgument, key)
	}
}

// Connect attaches a producer. token, when non-nil, ties the connection to the
// producer's lifetime: once Done closes the producer is disconnected.
func (p *Producer) Connect(token Token, api API, producerControlledByApp bool) (QueueBufferOutput, error) {
	out, err := p.q.connect(token, api, producerControlledByApp)
	p.q.record("connect", err)
	return out, err
}

func (q *Queue) connect(token Token, api API, producerControlledByApp bool) (QueueBufferOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return QueueBufferOutput{}, ErrNotInitialized
	}
	if q.listener == nil {
		return QueueBufferOutput{}, fmt.Errorf("%w: no consumer connected", ErrNotInitialized)
	}
	if q.connectedAPI != APINone {
		return QueueBufferOutput{}, fmt.Errorf("%w: already connected (api=%s)", ErrInvalidArgument, q.connectedAPI)
	}
	if !api.Valid() {
		return QueueBufferOutput{}, fmt.Errorf("%w: unknown api %d", ErrInvalidArgument, int(api))
	}
	if token != nil {
		select {
		case <-token.Done():
			return QueueBufferOutput{}, ErrDeadProducer
		default:
		}
	}

	q.connectedAPI = api
	q.connGen++
	q.bufferHasBeenQueued = false
	q.dequeueCannotBlock = q.consumerControlledByApp && producerControlledByApp
	if token != nil {
		q.watchTokenLocked(token, api)
	}
	q.log.Info().
		Str("api", api.String()).
		Bool("non_blocking", q.dequeueCannotBlock).
		Msg("producer connected")
	return q.outputLocked(), nil
}

// Disconnect detaches the producer and frees every buffer. It is a no-op on an
// abandoned queue.
func (p *Producer) Disconnect(api API) error {
	err := p.q.disconnect(api)
	p.q.record("disconnect", err)
	return err
}

func (q *Queue) disconnect(api API) error {
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return nil
	}
	if !api.Valid() {
		q.mu.Unlock()
		return fmt.Errorf("%w: unknown api %d", ErrInvalidArgument, int(api))
	}
	if api != q.connectedAPI {
		connected := q.connectedAPI
		q.mu.Unlock()
		return fmt.Errorf("%w: api %s is not connected (connected=%s)", ErrInvalidArgument, api, connected)
	}
	listener := q.disconnectLocked()
	q.mu.Unlock()

	q.log.Info().Str("api", api.String()).Msg("producer disconnected")
	if listener != nil {
		listener.OnBuffersReleased()
	}
	return nil
}

func allocError(err error) error {
	if errors.Is(err, gfx.ErrOutOfMemory) {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return fmt.Errorf("%w: allocate: %w", ErrUnknown, err)
}
