package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/rs/zerolog"
)

// NewQueue builds a queue from a profile. The consumer is not connected.
func NewQueue(p QueueProfile, alloc gfx.Allocator, clock systime.Clock, logger *zerolog.Logger) (*bufferqueue.Queue, error) {
	q := bufferqueue.New(bufferqueue.Config{
		Name:      p.Name,
		Allocator: alloc,
		Clock:     clock,
		Logger:    logger,
	})
	if err := p.Apply(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Apply sets the profile's consumer-side defaults on q. It must run before a
// consumer or producer connects.
func (p QueueProfile) Apply(q *bufferqueue.Queue) error {
	c := q.Consumer()
	if p.DisableAsyncBuffer {
		if err := c.DisableAsyncBuffer(); err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
	}
	if p.MaxAcquiredBuffers > 0 {
		if err := c.SetMaxAcquiredBufferCount(p.MaxAcquiredBuffers); err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
	}
	if p.MaxBufferCount > 0 {
		if err := c.SetDefaultMaxBufferCount(p.MaxBufferCount); err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
	}
	if p.DefaultWidth != 0 {
		if err := c.SetDefaultBufferSize(p.DefaultWidth, p.DefaultHeight); err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
	}
	if strings.TrimSpace(p.DefaultFormat) != "" {
		format, err := gfx.ParseFormat(p.DefaultFormat)
		if err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
		if err := c.SetDefaultBufferFormat(format); err != nil {
			return fmt.Errorf("queue %s: %w", p.Name, err)
		}
	}
	usage, err := gfx.ParseUsage(p.ConsumerUsage)
	if err != nil {
		return fmt.Errorf("queue %s: %w", p.Name, err)
	}
	c.SetConsumerUsageBits(usage)
	c.SetTransformHint(bufferqueue.Transform(p.TransformHint))
	return nil
}
