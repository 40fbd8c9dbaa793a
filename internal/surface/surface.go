// Package surface is the producer-side companion of a buffer queue. A Surface
// mirrors the buffers behind each slot so a producer requests every buffer
// once per allocation, whether it talks to the queue in-process or through
// remote.Client.
package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/slots"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/gogpu/gputypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("surface: not connected")

type Config struct {
	Name            string
	Producer        bufferqueue.BufferProducer
	API             bufferqueue.API
	ControlledByApp bool
	Width           uint32
	Height          uint32
	Format          gputypes.TextureFormat
	Usage           gputypes.TextureUsage
	Clock           systime.Clock
	Logger          *zerolog.Logger
}

// Surface is safe for concurrent use, but frames are dequeued one at a time by
// convention; the mirror lock is never held across a producer call.
type Surface struct {
	name     string
	producer bufferqueue.BufferProducer
	api      bufferqueue.API
	byApp    bool
	clock    systime.Clock
	log      zerolog.Logger

	mu        sync.Mutex
	connected bool
	req       bufferqueue.DequeueRequest
	buffers   [slots.MaxSlots]*gfx.Buffer
	output    bufferqueue.QueueBufferOutput
}

// Frame is a dequeued slot. Fence must signal before Buffer is written.
type Frame struct {
	Slot   int
	Buffer *gfx.Buffer
	Fence  *fence.Fence
}

func New(cfg Config) *Surface {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.API == bufferqueue.APINone {
		cfg.API = bufferqueue.APICPU
	}
	return &Surface{
		name:     cfg.Name,
		producer: cfg.Producer,
		api:      cfg.API,
		byApp:    cfg.ControlledByApp,
		clock:    systime.OrDefault(cfg.Clock),
		log:      logger.With().Str("surface", cfg.Name).Logger(),
		req: bufferqueue.DequeueRequest{
			Width:  cfg.Width,
			Height: cfg.Height,
			Format: cfg.Format,
			Usage:  cfg.Usage,
		},
	}
}

func (s *Surface) Name() string { return s.name }

// Connect connects the surface's API to the queue. token follows the
// bufferqueue.Token contract.
func (s *Surface) Connect(token bufferqueue.Token) (bufferqueue.QueueBufferOutput, error) {
	out, err := s.producer.Connect(token, s.api, s.byApp)
	if err != nil {
		return out, err
	}
	s.mu.Lock()
	s.connected = true
	s.output = out
	s.purgeLocked()
	s.mu.Unlock()
	s.log.Debug().Uint32("width", out.Width).Uint32("height", out.Height).Msg("connected")
	return out, nil
}

// Disconnect drops the connection and forgets every mirrored buffer.
func (s *Surface) Disconnect() error {
	s.mu.Lock()
	connected := s.connected
	s.connected = false
	s.purgeLocked()
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return s.producer.Disconnect(s.api)
}

func (s *Surface) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetBufferCount changes the slot count. The queue frees every buffer, so the
// mirror is purged.
func (s *Surface) SetBufferCount(n int) error {
	if err := s.producer.SetBufferCount(n); err != nil {
		return err
	}
	s.mu.Lock()
	s.purgeLocked()
	s.mu.Unlock()
	return nil
}

// SetGeometry changes the size and format of later dequeues. Zero values select
// the queue defaults.
func (s *Surface) SetGeometry(width, height uint32, format gputypes.TextureFormat) {
	s.mu.Lock()
	s.req.Width, s.req.Height, s.req.Format = width, height, format
	s.mu.Unlock()
}

func (s *Surface) SetAsync(async bool) {
	s.mu.Lock()
	s.req.Async = async
	s.mu.Unlock()
}

// Dequeue takes a free slot and makes sure its buffer is mirrored.
func (s *Surface) Dequeue(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return Frame{}, ErrNotConnected
	}
	req := s.req
	s.mu.Unlock()

	res, err := s.producer.DequeueBuffer(ctx, req)
	if err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	if res.ReleaseAll() {
		s.purgeLocked()
	}
	buf := s.buffers[res.Slot]
	s.mu.Unlock()

	if res.NeedsReallocation() || buf == nil {
		buf, err = s.producer.RequestBuffer(res.Slot)
		if err != nil {
			s.producer.CancelBuffer(res.Slot, fence.NoFence)
			return Frame{}, fmt.Errorf("surface: request buffer %d: %w", res.Slot, err)
		}
		s.mu.Lock()
		s.buffers[res.Slot] = buf
		s.mu.Unlock()
	}
	return Frame{Slot: res.Slot, Buffer: buf, Fence: res.Fence}, nil
}

// Queue submits a drawn frame. A zero timestamp is stamped by the queue.
func (s *Surface) Queue(f Frame, in bufferqueue.QueueBufferInput) (bufferqueue.QueueBufferOutput, error) {
	if in.Timestamp == 0 {
		in.IsAutoTimestamp = true
	}
	if in.Fence == nil {
		in.Fence = fence.NoFence
	}
	out, err := s.producer.QueueBuffer(f.Slot, in)
	if err != nil {
		return out, err
	}
	s.mu.Lock()
	s.output = out
	s.mu.Unlock()
	return out, nil
}

// QueueAt submits a frame for presentation at a given monotonic time.
func (s *Surface) QueueAt(f Frame, present int64) (bufferqueue.QueueBufferOutput, error) {
	return s.Queue(f, bufferqueue.QueueBufferInput{Timestamp: present, Fence: fence.NewSignaled(s.clock())})
}

// Cancel hands a frame back without queueing it.
func (s *Surface) Cancel(f Frame) {
	s.producer.CancelBuffer(f.Slot, fence.NoFence)
}

// Buffer returns the mirrored buffer of a slot.
func (s *Surface) Buffer(slot int) *gfx.Buffer {
	if !slots.InRange(slot) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[slot]
}

// Mirrored counts slots with a mirrored buffer.
func (s *Surface) Mirrored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buffers {
		if b != nil {
			n++
		}
	}
	return n
}

// Output is the queue state reported by the last Connect or Queue.
func (s *Surface) Output() bufferqueue.QueueBufferOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Surface) purgeLocked() {
	clear(s.buffers[:])
}
