package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/pattern"
	"github.com/danmuck/gfxqueue/internal/surface"
)

// runDemo feeds the demo queue with color bars at the vsync rate through an
// in-process surface.
func (s *Service) runDemo(ctx context.Context) error {
	name := s.cfg.DemoQueue
	surf, err := s.surfaces.Acquire(name, func() (*surface.Surface, error) {
		q, err := s.queues.Lookup(name)
		if err != nil {
			return nil, err
		}
		sf := surface.New(surface.Config{
			Name:     "demo",
			Producer: q.Producer(),
			API:      bufferqueue.APICPU,
			Clock:    s.cfg.Clock,
			Logger:   &s.log,
		})
		if _, err := sf.Connect(ctx); err != nil {
			return nil, err
		}
		return sf, nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if _, err := s.surfaces.Release(name); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("demo surface release failed")
		}
	}()

	ticker := time.NewTicker(s.cfg.VsyncInterval)
	defer ticker.Stop()

	s.log.Info().Str("queue", name).Msg("demo producer running")
	var frame uint64
	for {
		if err := s.drawDemoFrame(ctx, surf, frame); err != nil {
			if ctx.Err() != nil || errors.Is(err, bufferqueue.ErrNotInitialized) {
				return nil
			}
			return err
		}
		frame++
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) drawDemoFrame(ctx context.Context, surf *surface.Surface, n uint64) error {
	f, err := surf.Dequeue(ctx)
	if err != nil {
		return err
	}
	if err := f.Fence.Wait(ctx); err != nil {
		surf.Cancel(f)
		return err
	}
	// Formats the painter cannot draw are queued unpainted.
	if err := pattern.Fill(f.Buffer, n); err != nil && !errors.Is(err, gfx.ErrUnsupportedFormat) {
		surf.Cancel(f)
		return err
	}
	_, err = surf.Queue(f, bufferqueue.QueueBufferInput{})
	return err
}
