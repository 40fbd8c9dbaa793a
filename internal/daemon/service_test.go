package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/danmuck/gfxqueue/internal/auth"
	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/config"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/remote"
	"github.com/danmuck/gfxqueue/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DiagAddr = "127.0.0.1:0"
	cfg.VsyncInterval = time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.Queues = config.QueuesConfig{Queues: []config.QueueProfile{
		{Name: "main", DefaultWidth: 32, DefaultHeight: 16, DefaultFormat: "rgba8"},
		{Name: "aux", DefaultWidth: 8, DefaultHeight: 8},
	}}
	return cfg
}

// startService runs the service until the test ends and returns once it is
// listening.
func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service never became ready")
	}
	return s
}

func waitPresented(t *testing.T, s *Service, queue string, n uint64) {
	t.Helper()
	pipe, ok := s.Pipeline(queue)
	if !ok {
		t.Fatalf("no pipeline for %s", queue)
	}
	deadline := time.Now().Add(5 * time.Second)
	for pipe.Presented() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d presented frames on %s, got %d", n, queue, pipe.Presented())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewServiceValidates(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.VsyncInterval = 0
	if _, err := NewService(cfg); !errors.Is(err, ErrInvalidVsyncInterval) {
		t.Fatalf("expected ErrInvalidVsyncInterval, got %v", err)
	}

	cfg = testConfig()
	cfg.HeartbeatInterval = 0
	if _, err := NewService(cfg); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("expected ErrInvalidHeartbeatInterval, got %v", err)
	}

	cfg = testConfig()
	cfg.Queues = config.QueuesConfig{}
	if _, err := NewService(cfg); !errors.Is(err, config.ErrNoQueues) {
		t.Fatalf("expected ErrNoQueues, got %v", err)
	}

	cfg = testConfig()
	cfg.DemoProducer = true
	cfg.DemoQueue = "missing"
	if _, err := NewService(cfg); !errors.Is(err, ErrUnknownDemoQueue) {
		t.Fatalf("expected ErrUnknownDemoQueue, got %v", err)
	}
}

func TestDemoProducerPresentsFrames(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.DemoProducer = true
	s := startService(t, cfg)

	waitPresented(t, s, "main", 3)
	if s.surfaces.Refs("main") != 1 {
		t.Fatalf("expected the demo surface to be registered")
	}

	resp, err := http.Get("http://" + s.DiagAddr() + "/queues/main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var snap bufferqueue.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ConnectedAPI != "cpu" || snap.FrameCounter < 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRemoteProducerPresents(t *testing.T) {
	testlog.Start(t)
	s := startService(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := remote.DefaultClientConfig()
	cfg.Address = s.RemoteAddr()
	cfg.Queue = "aux"
	c, err := remote.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Connect(nil, bufferqueue.APIMedia, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := c.DequeueBuffer(ctx, bufferqueue.DequeueRequest{})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	buf, err := c.RequestBuffer(res.Slot)
	if err != nil {
		t.Fatalf("request buffer: %v", err)
	}
	if buf.Width != 8 || buf.Height != 8 {
		t.Fatalf("expected the 8x8 profile size, got %v", buf)
	}
	if _, err := c.QueueBuffer(res.Slot, bufferqueue.QueueBufferInput{IsAutoTimestamp: true, Fence: fence.NoFence}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	waitPresented(t, s, "aux", 1)
}

func TestRemoteAttachRequiresAuthToken(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.AuthToken = "s3cret"
	cfg.Queues.Queues[1].AuthToken = "aux-only"
	s := startService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ccfg := remote.DefaultClientConfig()
	ccfg.Address = s.RemoteAddr()
	ccfg.Queue = "main"
	ccfg.Session.MaxConnectAttempts = 1
	if _, err := remote.Dial(ctx, ccfg); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	ccfg.AuthToken = "s3cret"
	c, err := remote.Dial(ctx, ccfg)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	_ = c.Close()

	ccfg.Queue = "aux"
	if _, err := remote.Dial(ctx, ccfg); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected the shared token rejected on aux, got %v", err)
	}
	ccfg.AuthToken = "aux-only"
	c, err = remote.Dial(ctx, ccfg)
	if err != nil {
		t.Fatalf("dial aux with its token: %v", err)
	}
	_ = c.Close()
}

func TestServeStopsAndAbandonsQueues(t *testing.T) {
	testlog.Start(t)
	s, err := NewService(testConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	<-s.Ready()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
	for _, q := range s.Queues().Queues() {
		if !q.Snapshot().Abandoned {
			t.Fatalf("expected %s to be abandoned", q.Name())
		}
	}
}
