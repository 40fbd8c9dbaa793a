// Package daemon wires queues, display pipelines, the remote producer endpoint
// and the diagnostics server into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/gfxqueue/internal/auth"
	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/config"
	"github.com/danmuck/gfxqueue/internal/diag"
	"github.com/danmuck/gfxqueue/internal/display"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/protocol/session"
	"github.com/danmuck/gfxqueue/internal/remote"
	"github.com/danmuck/gfxqueue/internal/surface"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidVsyncInterval     = errors.New("daemon: invalid vsync interval")
	ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")
	ErrUnknownDemoQueue         = errors.New("daemon: unknown demo queue")
)

// Config configures the daemon runtime. An empty ListenAddr or DiagAddr
// disables that endpoint.
type Config struct {
	ID                string
	ListenAddr        string
	DiagAddr          string
	CORSOrigins       []string
	VsyncInterval     time.Duration
	HeartbeatInterval time.Duration
	MemoryBudgetBytes uint64
	Queues            config.QueuesConfig
	DemoProducer      bool
	DemoQueue         string
	Session           session.Config
	// AuthToken is required from remote producers attaching to any queue
	// whose profile has no token of its own.
	AuthToken         string
	Clock             systime.Clock
}

// Daemon defaults for a local single-display setup.
func DefaultConfig() Config {
	return Config{
		ID:                "gfxqueued",
		ListenAddr:        remote.DefaultServerConfig().ListenAddr,
		DiagAddr:          "127.0.0.1:7380",
		CORSOrigins:       []string{"http://localhost:3000"},
		VsyncInterval:     display.DefaultVsyncInterval,
		HeartbeatInterval: 5 * time.Second,
		MemoryBudgetBytes: 256 << 20,
		Queues:            config.DefaultQueues(),
		Session:           session.DefaultConfig(),
	}
}

func attachTokens(cfg Config) auth.QueueTokens {
	tokens := auth.QueueTokens{Default: cfg.AuthToken, PerQueue: make(map[string]string)}
	for _, p := range cfg.Queues.Queues {
		if p.AuthToken != "" {
			tokens.PerQueue[p.Name] = p.AuthToken
		}
	}
	return tokens
}

// Service owns every queue of the process and the endpoints serving them.
type Service struct {
	cfg       Config
	log       zerolog.Logger
	alloc     *gfx.MemoryAllocator
	queues    *bufferqueue.Registry
	pipelines []*display.Pipeline
	surfaces  *surface.Registry
	remote    *remote.Server
	diag      *diag.Server

	readyOnce  sync.Once
	ready      chan struct{}
	addrMu     sync.RWMutex
	remoteAddr string
	diagAddr   string
}

// NewService builds the queues and their display pipelines. Nothing listens
// until Serve.
func NewService(cfg Config) (*Service, error) {
	if cfg.VsyncInterval <= 0 {
		return nil, ErrInvalidVsyncInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	if err := config.ValidateQueues(cfg.Queues); err != nil {
		return nil, err
	}
	if cfg.DemoProducer {
		if cfg.DemoQueue == "" {
			cfg.DemoQueue = cfg.Queues.Queues[0].Name
		}
		if !hasQueue(cfg.Queues, cfg.DemoQueue) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDemoQueue, cfg.DemoQueue)
		}
	}
	cfg.Clock = systime.OrDefault(cfg.Clock)

	logger := log.Logger.With().Str("service", cfg.ID).Logger()
	s := &Service{
		cfg:      cfg,
		log:      logger,
		alloc:    gfx.NewMemoryAllocator(cfg.MemoryBudgetBytes),
		queues:   bufferqueue.NewRegistry(),
		surfaces: surface.NewRegistry(),
		ready:    make(chan struct{}),
	}
	s.diag = diag.New(diag.Config{ID: cfg.ID, CORSOrigins: cfg.CORSOrigins, Logger: &logger}, s.queues)
	remoteCfg := remote.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Session:    cfg.Session,
		Clock:      cfg.Clock,
	}
	if tokens := attachTokens(cfg); !tokens.Open() {
		remoteCfg.Auth = tokens
	}
	s.remote = remote.NewServer(remoteCfg, s.queues)

	for _, p := range cfg.Queues.Queues {
		q, err := config.NewQueue(p, s.alloc, cfg.Clock, &logger)
		if err != nil {
			return nil, err
		}
		if err := s.queues.Register(q); err != nil {
			return nil, err
		}
		pipe := display.New(display.Config{
			Queue:           q,
			VsyncInterval:   cfg.VsyncInterval,
			ControlledByApp: p.ConsumerControlledByApp,
			Clock:           cfg.Clock,
			Logger:          &logger,
		})
		if err := pipe.Start(); err != nil {
			return nil, err
		}
		s.pipelines = append(s.pipelines, pipe)
		s.diag.AddFrameSource(pipe)
	}
	return s, nil
}

func hasQueue(cfg config.QueuesConfig, name string) bool {
	for _, p := range cfg.Queues {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Daemon runtime entrypoint that blocks until process signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs every endpoint and pipeline until ctx ends or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.pipelines)+3)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if strings.TrimSpace(s.cfg.ListenAddr) != "" {
		ln, err := s.remote.Listen()
		if err != nil {
			return fmt.Errorf("remote listen: %w", err)
		}
		s.setAddr(&s.remoteAddr, ln.Addr().String())
		run("remote", func(ctx context.Context) error { return s.remote.Serve(ctx, ln) })
	}
	if strings.TrimSpace(s.cfg.DiagAddr) != "" {
		ln, err := net.Listen("tcp", s.cfg.DiagAddr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("diag listen: %w", err)
		}
		s.setAddr(&s.diagAddr, ln.Addr().String())
		run("diag", func(ctx context.Context) error { return s.diag.Serve(ctx, ln) })
	}
	for _, pipe := range s.pipelines {
		run("display "+pipe.Name(), pipe.Run)
	}
	if s.cfg.DemoProducer {
		run("demo", s.runDemo)
	}
	s.readyOnce.Do(func() { close(s.ready) })

	s.log.Info().
		Strs("queues", s.queues.Names()).
		Str("remote_addr", s.RemoteAddr()).
		Str("diag_addr", s.DiagAddr()).
		Bool("demo", s.cfg.DemoProducer).
		Msg("daemon ready")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("daemon shutdown")
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case <-ticker.C:
			s.heartbeat()
		}
	}
	cancel()
	wg.Wait()
	return runErr
}

func (s *Service) heartbeat() {
	var presented uint64
	for _, pipe := range s.pipelines {
		presented += pipe.Presented()
	}
	s.log.Info().
		Int("queues", len(s.pipelines)).
		Int64("remote_connections", s.remote.ActiveConnections()).
		Uint64("presented", presented).
		Uint64("memory_in_use", s.alloc.InUse()).
		Int("live_buffers", s.alloc.Live()).
		Msg("heartbeat")
}

func (s *Service) setAddr(field *string, addr string) {
	s.addrMu.Lock()
	*field = addr
	s.addrMu.Unlock()
}

// Ready is closed once every endpoint is listening.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// RemoteAddr is the bound producer endpoint address, empty when disabled.
func (s *Service) RemoteAddr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.remoteAddr
}

func (s *Service) DiagAddr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.diagAddr
}

func (s *Service) Queues() *bufferqueue.Registry { return s.queues }

// Pipeline returns the display pipeline of a queue.
func (s *Service) Pipeline(name string) (*display.Pipeline, bool) {
	for _, pipe := range s.pipelines {
		if pipe.Name() == name {
			return pipe, true
		}
	}
	return nil, false
}
