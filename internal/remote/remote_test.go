package remote

import (
	"context"
	"errors"
	"image"
	"net"
	"testing"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/protocol/frame"
	"github.com/danmuck/gfxqueue/internal/protocol/schema"
	"github.com/danmuck/gfxqueue/internal/protocol/tlv"
	"github.com/danmuck/gfxqueue/internal/testutil/testlog"
)

func newTestServer(t *testing.T) (*bufferqueue.Queue, *Server, string) {
	t.Helper()
	reg := bufferqueue.NewRegistry()
	q := bufferqueue.New(bufferqueue.Config{Name: "main", Clock: func() int64 { return 42 }})
	if err := q.Consumer().Connect(bufferqueue.ListenerFuncs{}, false); err != nil {
		t.Fatalf("consumer connect: %v", err)
	}
	if err := reg.Register(q); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, reg)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return q, srv, ln.Addr().String()
}

func dialTest(t *testing.T, addr, queue string) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.Address = addr
	cfg.Queue = queue
	cfg.Session.MaxConnectAttempts = 1
	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func producerAPI(q *bufferqueue.Queue) string {
	return q.Snapshot().ConnectedAPI
}

func TestRemoteProducerRoundTrip(t *testing.T) {
	testlog.Start(t)
	q, _, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	if c.SessionID() == "" {
		t.Fatalf("expected a session id")
	}

	out, err := c.Connect(nil, bufferqueue.APICPU, false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if out.Width != 1 || out.Height != 1 {
		t.Fatalf("unexpected connect output %+v", out)
	}

	ctx := context.Background()
	res, err := c.DequeueBuffer(ctx, bufferqueue.DequeueRequest{})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if res.Slot != 0 || !res.NeedsReallocation() || res.Fence != fence.NoFence {
		t.Fatalf("unexpected dequeue result %+v", res)
	}
	buf, err := c.RequestBuffer(res.Slot)
	if err != nil {
		t.Fatalf("request buffer: %v", err)
	}
	if buf.Width != 1 || buf.Height != 1 || buf.ID == 0 || buf.Pixels != nil {
		t.Fatalf("unexpected buffer handle %v", buf)
	}

	qout, err := c.QueueBuffer(res.Slot, bufferqueue.QueueBufferInput{
		Timestamp: 7,
		Crop:      image.Rect(0, 0, 1, 1),
		Fence:     fence.NewSignaled(100),
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if qout.NumPendingBuffers != 1 {
		t.Fatalf("expected 1 pending buffer, got %d", qout.NumPendingBuffers)
	}

	item, err := q.Consumer().AcquireBuffer(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if item.Timestamp != 7 || item.Crop != image.Rect(0, 0, 1, 1) || item.Buffer.ID != buf.ID {
		t.Fatalf("unexpected item %+v", item)
	}
	if !item.Fence.IsSignaled() || item.Fence.SignalTime() != 100 {
		t.Fatalf("expected producer fence signaled at 100, got %d", item.Fence.SignalTime())
	}

	release := fence.New()
	if err := q.Consumer().ReleaseBuffer(item.Slot, item.FrameNumber, release); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err = c.DequeueBuffer(ctx, bufferqueue.DequeueRequest{})
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if res.Slot != 0 || res.NeedsReallocation() {
		t.Fatalf("expected buffer reuse, got %+v", res)
	}
	if res.Fence.IsSignaled() {
		t.Fatalf("release fence mirror should be pending")
	}

	release.Signal(55)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.AwaitFence(waitCtx, res.Fence, time.Millisecond); err != nil {
		t.Fatalf("await fence: %v", err)
	}
	if res.Fence.SignalTime() != 55 {
		t.Fatalf("expected mirrored signal time 55, got %d", res.Fence.SignalTime())
	}

	if v, err := c.Query(bufferqueue.QueryDefaultWidth); err != nil || v != 1 {
		t.Fatalf("query default width: %d %v", v, err)
	}

	c.CancelBuffer(res.Slot, fence.NoFence)
	waitFor(t, "cancelled slot to be free", func() bool {
		return q.Snapshot().Slots[0].State == "FREE"
	})
}

func TestRemotePendingProducerFenceResolvesOnSync(t *testing.T) {
	testlog.Start(t)
	q, _, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	if _, err := c.Connect(nil, bufferqueue.APIEGL, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := c.DequeueBuffer(context.Background(), bufferqueue.DequeueRequest{Width: 4, Height: 2})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := c.RequestBuffer(res.Slot); err != nil {
		t.Fatalf("request buffer: %v", err)
	}

	writes := fence.New()
	if _, err := c.QueueBuffer(res.Slot, bufferqueue.QueueBufferInput{IsAutoTimestamp: true, Fence: writes}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	item, err := q.Consumer().AcquireBuffer(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if item.Fence.IsSignaled() {
		t.Fatalf("producer fence should still be pending on the server")
	}
	if item.Timestamp != 42 {
		t.Fatalf("expected server clock timestamp 42, got %d", item.Timestamp)
	}

	writes.Signal(9)
	if _, err := c.SyncFences(context.Background()); err != nil {
		t.Fatalf("sync fences: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := item.Fence.Wait(ctx); err != nil {
		t.Fatalf("wait for mirrored producer fence: %v", err)
	}
	if item.Fence.SignalTime() != 9 {
		t.Fatalf("expected signal time 9, got %d", item.Fence.SignalTime())
	}
}

func TestRemoteErrorsMapToQueueErrors(t *testing.T) {
	testlog.Start(t)
	_, _, addr := newTestServer(t)

	cfg := DefaultClientConfig()
	cfg.Address = addr
	cfg.Queue = "missing"
	cfg.Session.MaxConnectAttempts = 1
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, bufferqueue.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}

	c := dialTest(t, addr, "main")
	if err := c.Disconnect(bufferqueue.APIEGL); !errors.Is(err, bufferqueue.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := c.Query(bufferqueue.QueryKey(99)); !errors.Is(err, bufferqueue.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown key, got %v", err)
	}
	if _, err := c.DequeueBuffer(context.Background(), bufferqueue.DequeueRequest{}); !errors.Is(err, bufferqueue.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before connect, got %v", err)
	}
	if err := c.SetBufferCount(-1); !errors.Is(err, bufferqueue.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative count, got %v", err)
	}
	if _, err := c.QueueBuffer(0, bufferqueue.QueueBufferInput{}); !errors.Is(err, bufferqueue.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil fence, got %v", err)
	}
}

func TestRemoteBlockedDequeueUnblocksOnRelease(t *testing.T) {
	testlog.Start(t)
	q, _, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	if _, err := c.Connect(nil, bufferqueue.APICPU, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SetBufferCount(2); err != nil {
		t.Fatalf("set buffer count: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := c.DequeueBuffer(context.Background(), bufferqueue.DequeueRequest{})
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if _, err := c.RequestBuffer(res.Slot); err != nil {
			t.Fatalf("request buffer %d: %v", res.Slot, err)
		}
	}
	if _, err := c.QueueBuffer(0, bufferqueue.QueueBufferInput{Fence: fence.NoFence}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	type result struct {
		slot int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.DequeueBuffer(context.Background(), bufferqueue.DequeueRequest{})
		done <- result{res.Slot, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("dequeue should block, returned %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	item, err := q.Consumer().AcquireBuffer(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := q.Consumer().ReleaseBuffer(item.Slot, item.FrameNumber, fence.NoFence); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil || r.slot != 0 {
			t.Fatalf("expected slot 0, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("release did not unblock the remote dequeue")
	}
}

func TestRemoteCancelledDequeueDropsConnection(t *testing.T) {
	testlog.Start(t)
	q, srv, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	if _, err := c.Connect(nil, bufferqueue.APICPU, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SetBufferCount(2); err != nil {
		t.Fatalf("set buffer count: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.DequeueBuffer(context.Background(), bufferqueue.DequeueRequest{}); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.DequeueBuffer(ctx, bufferqueue.DequeueRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected the connection to be closed")
	}
	if _, err := c.Query(bufferqueue.QueryWidth); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	waitFor(t, "producer disconnect", func() bool { return producerAPI(q) == "none" })
	waitFor(t, "server connection teardown", func() bool { return srv.ActiveConnections() == 0 })
}

func TestRemoteCloseDisconnectsProducer(t *testing.T) {
	testlog.Start(t)
	q, _, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	if _, err := c.Connect(nil, bufferqueue.APIMedia, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := producerAPI(q); got != "media" {
		t.Fatalf("expected media producer, got %q", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "producer disconnect", func() bool { return producerAPI(q) == "none" })
}

func TestRemoteTokenClosesConnection(t *testing.T) {
	testlog.Start(t)
	q, _, addr := newTestServer(t)
	c := dialTest(t, addr, "main")
	token, kill := context.WithCancel(context.Background())
	if _, err := c.Connect(token, bufferqueue.APICPU, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	kill()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("token death did not close the client")
	}
	waitFor(t, "producer disconnect", func() bool { return producerAPI(q) == "none" })
}

func rawRequest(t *testing.T, conn net.Conn, id uint64, msg uint32, fields ...tlv.Field) uint32 {
	t.Helper()
	if err := frame.WriteFrame(conn, frame.New(id, msg, 0, tlv.EncodeFields(fields)), frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Header.MessageID != id || !fr.Header.IsResponse() {
		t.Fatalf("unexpected response header %+v", fr.Header)
	}
	out, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := &fieldReader{fields: out}
	status := r.u32(schema.FieldStatus)
	if r.err != nil {
		t.Fatalf("status: %v", r.err)
	}
	if status != schema.StatusOK && !fr.Header.IsError() {
		t.Fatalf("error status %d without error flag", status)
	}
	return status
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	testlog.Start(t)
	_, _, addr := newTestServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := rawRequest(t, conn, 1, schema.MsgQuery, tlv.U32(schema.FieldQueryKey, 0)); got != schema.StatusNotInitialized {
		t.Fatalf("expected not initialized before attach, got %d", got)
	}
	if got := rawRequest(t, conn, 2, schema.MsgAttach, tlv.String(schema.FieldQueueName, "main")); got != schema.StatusOK {
		t.Fatalf("expected attach ok, got %d", got)
	}
	if got := rawRequest(t, conn, 3, schema.MsgDequeueBuffer, tlv.U32(schema.FieldWidth, 1)); got != schema.StatusBadRequest {
		t.Fatalf("expected bad request for missing fields, got %d", got)
	}
	bad := tlv.Field{ID: schema.FieldQueryKey, Type: tlv.TypeU32, Value: []byte{1}}
	if got := rawRequest(t, conn, 4, schema.MsgQuery, bad); got != schema.StatusBadRequest {
		t.Fatalf("expected bad request for short value, got %d", got)
	}
	if got := rawRequest(t, conn, 5, 99); got != schema.StatusBadRequest {
		t.Fatalf("expected bad request for unknown message, got %d", got)
	}
	if got := rawRequest(t, conn, 6, schema.MsgQuery, tlv.U32(schema.FieldQueryKey, 0)); got != schema.StatusOK {
		t.Fatalf("expected query ok after errors, got %d", got)
	}
}
