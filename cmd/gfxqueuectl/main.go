package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/remote"
	"github.com/danmuck/gfxqueue/internal/surface"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/gogpu/gputypes"
	"github.com/rs/zerolog"
)

type options struct {
	addr     string
	token    string
	queue    string
	frames   int
	interval time.Duration
	width    uint
	height   uint
	format   string
	buffers  int
	timeout  time.Duration
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.addr, "addr", remote.DefaultServerConfig().ListenAddr, "gfxqueued producer endpoint")
	flag.StringVar(&opts.queue, "queue", "main", "queue name")
	flag.StringVar(&opts.token, "token", os.Getenv("GFXQUEUE_AUTH_TOKEN"), "attach token")
	flag.IntVar(&opts.frames, "frames", 60, "frames to produce")
	flag.DurationVar(&opts.interval, "interval", 16*time.Millisecond, "delay between frames")
	flag.UintVar(&opts.width, "width", 0, "buffer width (0 = queue default)")
	flag.UintVar(&opts.height, "height", 0, "buffer height (0 = queue default)")
	flag.StringVar(&opts.format, "format", "", "buffer format: rgba8|bgra8|r8 (empty = queue default)")
	flag.IntVar(&opts.buffers, "buffers", 0, "buffer count override (0 = queue default)")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-frame timeout")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()
	logger := observability.InitLogger("gfxqueuectl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "gfxqueuectl: %v\n", err)
		os.Exit(1)
	}
}

type stats struct {
	frames   int
	canceled int
	dequeue  time.Duration
	maxWait  time.Duration
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	if opts.frames <= 0 {
		return errors.New("frames must be positive")
	}
	format, err := parseFormat(opts.format)
	if err != nil {
		return err
	}

	cfg := remote.DefaultClientConfig()
	cfg.Address = opts.addr
	cfg.Queue = opts.queue
	cfg.AuthToken = opts.token
	client, err := remote.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	clock := systime.Monotonic
	surf := surface.New(surface.Config{
		Name:     "gfxqueuectl",
		Producer: client,
		API:      bufferqueue.APICPU,
		Width:    uint32(opts.width),
		Height:   uint32(opts.height),
		Format:   format,
		Clock:    clock,
		Logger:   &logger,
	})
	out, err := surf.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := surf.Disconnect(); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("disconnect failed")
		}
	}()
	if opts.buffers > 0 {
		if err := surf.SetBufferCount(opts.buffers); err != nil {
			return err
		}
	}
	logger.Info().
		Str("session", client.SessionID()).
		Str("queue", opts.queue).
		Uint32("width", out.Width).
		Uint32("height", out.Height).
		Msg("connected")

	var st stats
	for i := 0; i < opts.frames; i++ {
		if err := produceFrame(ctx, client, surf, clock, opts, &st); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("frame %d: %w", i, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(opts.interval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	avg := time.Duration(0)
	if st.frames > 0 {
		avg = st.dequeue / time.Duration(st.frames)
	}
	final := surf.Output()
	logger.Info().
		Int("frames", st.frames).
		Int("canceled", st.canceled).
		Int("mirrored", surf.Mirrored()).
		Dur("avg_dequeue", avg).
		Dur("max_dequeue", st.maxWait).
		Uint32("pending", final.NumPendingBuffers).
		Msg("done")
	return nil
}

// produceFrame dequeues a buffer, waits for the consumer's release fence and
// queues it behind a producer fence that signals once the frame is "drawn".
func produceFrame(ctx context.Context, client *remote.Client, surf *surface.Surface, clock systime.Clock, opts options, st *stats) error {
	frameCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	start := time.Now()
	f, err := surf.Dequeue(frameCtx)
	if err != nil {
		return err
	}
	wait := time.Since(start)
	st.dequeue += wait
	st.maxWait = max(st.maxWait, wait)

	if err := client.AwaitFence(frameCtx, f.Fence, time.Millisecond); err != nil {
		surf.Cancel(f)
		st.canceled++
		return err
	}

	ready := fence.New()
	if _, err := surf.Queue(f, bufferqueue.QueueBufferInput{Fence: ready}); err != nil {
		return err
	}
	ready.Signal(clock())
	if _, err := client.SyncFences(frameCtx); err != nil {
		return err
	}
	st.frames++
	return nil
}

func parseFormat(name string) (gputypes.TextureFormat, error) {
	if name == "" {
		return gputypes.TextureFormatUndefined, nil
	}
	return gfx.ParseFormat(name)
}
