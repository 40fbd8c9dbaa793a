package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/slots"
	"github.com/pelletier/go-toml/v2"
)

var ErrNoQueues = errors.New("config: no queues defined")

// QueuesConfig is the queue profile file: one [[queue]] table per queue.
type QueuesConfig struct {
	Queues []QueueProfile `toml:"queue"`
}

// QueueProfile is the consumer-side setup of one queue. Zero values keep the
// queue defaults.
type QueueProfile struct {
	Name                    string   `toml:"name"`
	DefaultWidth            uint32   `toml:"default_width"`
	DefaultHeight           uint32   `toml:"default_height"`
	DefaultFormat           string   `toml:"default_format"`
	MaxBufferCount          int      `toml:"max_buffer_count"`
	MaxAcquiredBuffers      int      `toml:"max_acquired_buffers"`
	ConsumerControlledByApp bool     `toml:"consumer_controlled_by_app"`
	ConsumerUsage           []string `toml:"consumer_usage"`
	DisableAsyncBuffer      bool     `toml:"disable_async_buffer"`
	TransformHint           uint32   `toml:"transform_hint"`
	// AuthToken restricts remote attach to this queue. Empty falls back to
	// the daemon-wide token.
	AuthToken string `toml:"auth_token"`
}

// DefaultQueues is used when no profile file is configured.
func DefaultQueues() QueuesConfig {
	return QueuesConfig{Queues: []QueueProfile{{
		Name:          "main",
		DefaultWidth:  640,
		DefaultHeight: 480,
		DefaultFormat: "rgba8",
	}}}
}

func LoadQueues(path string) (QueuesConfig, error) {
	var cfg QueuesConfig
	if err := loadToml(path, &cfg); err != nil {
		return QueuesConfig{}, err
	}
	for i := range cfg.Queues {
		cfg.Queues[i].Name = strings.TrimSpace(cfg.Queues[i].Name)
	}
	if err := ValidateQueues(cfg); err != nil {
		return QueuesConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateQueues(cfg QueuesConfig) error {
	if len(cfg.Queues) == 0 {
		return ErrNoQueues
	}
	seen := make(map[string]struct{}, len(cfg.Queues))
	for i, p := range cfg.Queues {
		if err := ValidateQueueProfile(p); err != nil {
			return fmt.Errorf("queue[%d] invalid: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("queue[%d] invalid: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

func ValidateQueueProfile(p QueueProfile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if (p.DefaultWidth == 0) != (p.DefaultHeight == 0) {
		return fmt.Errorf("default size %dx%d must set both dimensions", p.DefaultWidth, p.DefaultHeight)
	}
	if p.MaxBufferCount < 0 || p.MaxBufferCount > slots.MaxSlots {
		return fmt.Errorf("max_buffer_count %d outside [0, %d]", p.MaxBufferCount, slots.MaxSlots)
	}
	if p.MaxAcquiredBuffers < 0 || p.MaxAcquiredBuffers > bufferqueue.MaxMaxAcquiredBuffers {
		return fmt.Errorf("max_acquired_buffers %d outside [0, %d]", p.MaxAcquiredBuffers, bufferqueue.MaxMaxAcquiredBuffers)
	}
	if _, err := gfx.ParseFormat(p.DefaultFormat); err != nil {
		return err
	}
	if _, err := gfx.ParseUsage(p.ConsumerUsage); err != nil {
		return err
	}
	return nil
}
