// Package display simulates the consumer side of a queue: a compositor that
// latches one frame per vsync, presents it and records its timing.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/frametracker"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultVsyncInterval is a 60Hz refresh.
const DefaultVsyncInterval = time.Second / 60

var ErrAlreadyStarted = errors.New("display: pipeline already started")

type Config struct {
	Queue           *bufferqueue.Queue
	VsyncInterval   time.Duration
	ControlledByApp bool
	Clock           systime.Clock
	Logger          *zerolog.Logger
}

// Pipeline owns the consumer end of one queue. Tick may be driven directly or
// by Run; the frame tracker is guarded by the pipeline mutex.
type Pipeline struct {
	queue    *bufferqueue.Queue
	consumer *bufferqueue.Consumer
	interval time.Duration
	byApp    bool
	clock    systime.Clock
	log      zerolog.Logger

	started   atomic.Bool
	available atomic.Uint64
	presented atomic.Uint64
	wake      chan struct{}

	mu      sync.Mutex
	tracker *frametracker.Tracker
	held    *bufferqueue.Item
}

func New(cfg Config) *Pipeline {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.VsyncInterval <= 0 {
		cfg.VsyncInterval = DefaultVsyncInterval
	}
	return &Pipeline{
		queue:    cfg.Queue,
		consumer: cfg.Queue.Consumer(),
		interval: cfg.VsyncInterval,
		byApp:    cfg.ControlledByApp,
		clock:    systime.OrDefault(cfg.Clock),
		log:      logger.With().Str("display", cfg.Queue.Name()).Logger(),
		wake:     make(chan struct{}, 1),
		tracker:  frametracker.New(),
	}
}

func (p *Pipeline) Name() string { return p.queue.Name() }

// Start connects the pipeline as the queue's consumer.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	listener := bufferqueue.ListenerFuncs{
		FrameAvailable:  p.onFrameAvailable,
		BuffersReleased: p.onBuffersReleased,
	}
	if err := p.consumer.Connect(listener, p.byApp); err != nil {
		p.started.Store(false)
		return fmt.Errorf("display: connect %q: %w", p.queue.Name(), err)
	}
	return nil
}

func (p *Pipeline) onFrameAvailable() {
	p.available.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// The producer went away and every buffer was freed, including the one on
// screen.
func (p *Pipeline) onBuffersReleased() {
	p.mu.Lock()
	p.held = nil
	p.mu.Unlock()
}

// Run ticks once per vsync until ctx ends, then releases the consumer.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.Load() {
		if err := p.Start(); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.Close()

	p.log.Info().Dur("vsync", p.interval).Msg("display pipeline running")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Uint64("presented", p.presented.Load()).Msg("display pipeline stopped")
			return nil
		case <-ticker.C:
			if _, err := p.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick latches the frame due at the next vsync, if any. It reports whether a
// new frame was presented. Missing or early frames are not errors.
func (p *Pipeline) Tick() (bool, error) {
	now := p.clock()
	expectedPresent := now + p.interval.Nanoseconds()

	item, err := p.consumer.AcquireBuffer(expectedPresent)
	switch {
	case errors.Is(err, bufferqueue.ErrNoBufferAvailable), errors.Is(err, bufferqueue.ErrPresentLater):
		p.mu.Lock()
		p.tracker.ProcessFences()
		p.mu.Unlock()
		return false, nil
	case errors.Is(err, bufferqueue.ErrNotInitialized):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("display: acquire: %w", err)
	}

	presentFence := fence.New()

	p.mu.Lock()
	prev := p.held
	p.held = &item
	p.tracker.SetDesiredPresentTime(item.Timestamp)
	p.tracker.SetFrameReadyFence(item.Fence)
	if fence.IsNoFence(item.Fence) {
		p.tracker.SetFrameReadyTime(now)
	}
	p.tracker.SetActualPresentFence(presentFence)
	p.tracker.AdvanceFrame()
	p.mu.Unlock()

	// The frame reaches the screen at the vsync it was latched for.
	presentFence.Signal(expectedPresent)
	p.presented.Add(1)
	if item.Timestamp > 0 && expectedPresent >= item.Timestamp {
		observability.RecordPresentLatency(p.queue.Name(), time.Duration(expectedPresent-item.Timestamp))
	}

	// The previous frame is free once the new one is on screen.
	if prev != nil {
		if err := p.consumer.ReleaseBuffer(prev.Slot, prev.FrameNumber, presentFence); err != nil {
			if !errors.Is(err, bufferqueue.ErrStaleBufferSlot) {
				return true, fmt.Errorf("display: release slot %d: %w", prev.Slot, err)
			}
			p.log.Debug().Int("slot", prev.Slot).Msg("released stale slot")
		}
	}

	p.log.Trace().
		Int("slot", item.Slot).
		Uint64("frame", item.FrameNumber).
		Int64("desired", item.Timestamp).
		Int64("present", expectedPresent).
		Msg("frame presented")
	return true, nil
}

// Close releases the frame on screen and disconnects the consumer, which
// abandons the queue.
func (p *Pipeline) Close() error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	if held != nil {
		_ = p.consumer.ReleaseBuffer(held.Slot, held.FrameNumber, fence.NoFence)
	}
	return p.consumer.Disconnect()
}

// Wake returns a channel that receives after a frame becomes available.
func (p *Pipeline) Wake() <-chan struct{} { return p.wake }

// Available counts frame-available notifications.
func (p *Pipeline) Available() uint64 { return p.available.Load() }

func (p *Pipeline) Presented() uint64 { return p.presented.Load() }

// Frames resolves signaled fences and returns the timing history, oldest
// first.
func (p *Pipeline) Frames() []frametracker.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.ProcessFences()
	return p.tracker.Records()
}

func (p *Pipeline) DumpFrames(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Dump(w)
}

// ClearFrames drops the timing history.
func (p *Pipeline) ClearFrames() {
	p.mu.Lock()
	p.tracker.Clear()
	p.mu.Unlock()
}
