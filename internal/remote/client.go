package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/protocol/frame"
	"github.com/danmuck/gfxqueue/internal/protocol/schema"
	"github.com/danmuck/gfxqueue/internal/protocol/session"
	"github.com/danmuck/gfxqueue/internal/protocol/tlv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ClientConfig struct {
	Address string
	Queue   string
	Session session.Config
	Limits  frame.Limits
	// AuthToken is presented on attach when non-empty.
	AuthToken string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address: DefaultServerConfig().ListenAddr,
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

// Client is a remote producer attached to one queue. Requests are serialized;
// a blocking DequeueBuffer holds the connection until it returns.
type Client struct {
	cfg       ClientConfig
	log       zerolog.Logger
	conn      net.Conn
	reader    *bufio.Reader
	sessionID string
	fences    *fenceTable

	mu            sync.Mutex
	nextMessageID atomic.Uint64
	closed        atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
}

var _ bufferqueue.BufferProducer = (*Client)(nil)

// Dial connects to a queue server and attaches to cfg.Queue, retrying the dial
// with backoff.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, ErrQueueRequired
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	logger := log.Logger.With().Str("component", "remote.client").Str("queue", cfg.Queue).Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err != nil {
			logger.Warn().Int("attempt", attempt).Str("addr", cfg.Address).Err(err).Msg("dial failed")
			if !shouldRetry(cfg, attempt) {
				return nil, err
			}
			if err := cfg.Session.Backoff.Wait(ctx, attempt, rng); err != nil {
				return nil, err
			}
			continue
		}

		c := &Client{
			cfg:    cfg,
			log:    logger,
			conn:   conn,
			reader: bufio.NewReader(conn),
			fences: newFenceTable(),
			done:   make(chan struct{}),
		}
		c.nextMessageID.Store(uint64(time.Now().UnixNano()))
		if err := c.attach(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}
}

func dial(ctx context.Context, cfg ClientConfig) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	if tlsCfg == nil {
		return rawConn, nil
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func shouldRetry(cfg ClientConfig, attempt int) bool {
	if cfg.Session.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.Session.MaxConnectAttempts
}

func (c *Client) attach(ctx context.Context) error {
	req := []tlv.Field{tlv.String(schema.FieldQueueName, c.cfg.Queue)}
	if c.cfg.AuthToken != "" {
		req = append(req, tlv.String(schema.FieldAuthToken, c.cfg.AuthToken))
	}
	fields, err := c.roundTrip(ctx, schema.MsgAttach, false, req...)
	if err != nil {
		return err
	}
	r := &fieldReader{fields: fields}
	c.sessionID = r.str(schema.FieldSessionID)
	if r.err != nil {
		return r.err
	}
	c.log = c.log.With().Str("session", c.sessionID).Logger()
	c.log.Info().Msg("attached")
	return nil
}

// SessionID is the server-assigned id of this connection.
func (c *Client) SessionID() string { return c.sessionID }

// Done closes when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// roundTrip sends one request and reads its response. When blocking is set the
// read waits as long as ctx allows instead of the configured read timeout.
// Cancelling ctx mid-request breaks the connection: the stream position is
// unknown afterwards.
func (c *Client) roundTrip(ctx context.Context, msg uint32, blocking bool, fields ...tlv.Field) ([]tlv.Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextMessageID.Add(1)
	if err := c.conn.SetWriteDeadline(deadline(ctx, c.cfg.Session.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := frame.WriteFrame(c.conn, frame.New(id, msg, 0, tlv.EncodeFields(fields)), c.cfg.Limits); err != nil {
		return nil, c.fail(ctx, err)
	}

	readDeadline := deadline(ctx, c.cfg.Session.ReadTimeout)
	if blocking {
		readDeadline, _ = ctx.Deadline()
	}
	if err := c.conn.SetReadDeadline(readDeadline); err != nil {
		return nil, err
	}
	var interruptMu sync.Mutex
	finished := false
	stop := context.AfterFunc(ctx, func() {
		interruptMu.Lock()
		defer interruptMu.Unlock()
		if !finished {
			_ = c.conn.SetReadDeadline(time.Unix(1, 0))
		}
	})
	defer func() {
		stop()
		interruptMu.Lock()
		finished = true
		interruptMu.Unlock()
	}()

	fr, err := frame.ReadFrame(c.reader, c.cfg.Limits)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if !fr.Header.IsResponse() || fr.Header.MessageID != id || fr.Header.MessageType != msg {
		return nil, c.fail(ctx, fmt.Errorf("%w: response id=%d type=%d for request id=%d type=%d",
			ErrProtocol, fr.Header.MessageID, fr.Header.MessageType, id, msg))
	}
	out, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("%w: %w", ErrProtocol, err))
	}
	if err := schema.ValidateResponse(msg, out); err != nil {
		return nil, c.fail(ctx, fmt.Errorf("%w: %w", ErrProtocol, err))
	}
	r := &fieldReader{fields: out}
	status := r.u32(schema.FieldStatus)
	message := r.optionalStr(schema.FieldMessage)
	if r.err != nil {
		return nil, c.fail(ctx, r.err)
	}
	if err := errorFor(status, message); err != nil {
		return nil, err
	}
	return out, nil
}

// send writes a one-way request.
func (c *Client) send(msg uint32, fields ...tlv.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	ctx := context.Background()
	if err := c.conn.SetWriteDeadline(deadline(ctx, c.cfg.Session.WriteTimeout)); err != nil {
		return err
	}
	id := c.nextMessageID.Add(1)
	if err := frame.WriteFrame(c.conn, frame.New(id, msg, frame.FlagOneWay, tlv.EncodeFields(fields)), c.cfg.Limits); err != nil {
		return c.fail(ctx, err)
	}
	return nil
}

// fail closes the connection after a transport error. A cancelled ctx wins
// over the deadline error it caused.
func (c *Client) fail(ctx context.Context, err error) error {
	_ = c.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

func (c *Client) RequestBuffer(slot int) (*gfx.Buffer, error) {
	fields, err := c.roundTrip(context.Background(), schema.MsgRequestBuffer, false, tlv.U32(schema.FieldSlot, uint32(slot)))
	if err != nil {
		return nil, err
	}
	r := &fieldReader{fields: fields}
	buf := readBuffer(r)
	if r.err != nil {
		return nil, r.err
	}
	return buf, nil
}

func (c *Client) SetBufferCount(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: buffer count %d", bufferqueue.ErrInvalidArgument, n)
	}
	_, err := c.roundTrip(context.Background(), schema.MsgSetBufferCount, false, tlv.U32(schema.FieldBufferCount, uint32(n)))
	return err
}

func (c *Client) DequeueBuffer(ctx context.Context, req bufferqueue.DequeueRequest) (bufferqueue.DequeueResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fields, err := c.roundTrip(ctx, schema.MsgDequeueBuffer, true,
		tlv.U32(schema.FieldWidth, req.Width),
		tlv.U32(schema.FieldHeight, req.Height),
		tlv.U32(schema.FieldFormat, uint32(req.Format)),
		tlv.U32(schema.FieldUsage, uint32(req.Usage)),
		tlv.Bool(schema.FieldAsync, req.Async),
	)
	if err != nil {
		return bufferqueue.DequeueResult{}, err
	}
	r := &fieldReader{fields: fields}
	slot := r.u32(schema.FieldSlot)
	flags := r.u32(schema.FieldFlags)
	fenceRaw := r.bytes(schema.FieldFence)
	if r.err != nil {
		return bufferqueue.DequeueResult{}, r.err
	}
	ref, err := decodeFenceRef(fenceRaw)
	if err != nil {
		return bufferqueue.DequeueResult{}, err
	}
	return bufferqueue.DequeueResult{
		Slot:  int(slot),
		Fence: c.fences.resolve(ref),
		Flags: flags,
	}, nil
}

func (c *Client) QueueBuffer(slot int, in bufferqueue.QueueBufferInput) (bufferqueue.QueueBufferOutput, error) {
	if in.Fence == nil {
		return bufferqueue.QueueBufferOutput{}, fmt.Errorf("%w: nil fence", bufferqueue.ErrInvalidArgument)
	}
	fields, err := c.roundTrip(context.Background(), schema.MsgQueueBuffer, false,
		tlv.U32(schema.FieldSlot, uint32(slot)),
		tlv.I64(schema.FieldTimestamp, in.Timestamp),
		tlv.Bool(schema.FieldAutoTimestamp, in.IsAutoTimestamp),
		tlv.Bytes(schema.FieldCrop, encodeCrop(in.Crop)),
		tlv.U32(schema.FieldScalingMode, uint32(in.ScalingMode)),
		tlv.U32(schema.FieldTransform, uint32(in.Transform)),
		tlv.Bool(schema.FieldAsync, in.Async),
		tlv.Bytes(schema.FieldFence, encodeFenceRefs(c.fences.export(in.Fence))),
	)
	if err != nil {
		return bufferqueue.QueueBufferOutput{}, err
	}
	r := &fieldReader{fields: fields}
	out := readOutput(r)
	return out, r.err
}

// CancelBuffer is one-way; the server logs invalid calls.
func (c *Client) CancelBuffer(slot int, f *fence.Fence) {
	if f == nil {
		c.log.Error().Int("slot", slot).Msg("cancel buffer rejected: nil fence")
		return
	}
	err := c.send(schema.MsgCancelBuffer,
		tlv.U32(schema.FieldSlot, uint32(slot)),
		tlv.Bytes(schema.FieldFence, encodeFenceRefs(c.fences.export(f))),
	)
	if err != nil {
		c.log.Error().Int("slot", slot).Err(err).Msg("cancel buffer")
	}
}

func (c *Client) Query(key bufferqueue.QueryKey) (int, error) {
	fields, err := c.roundTrip(context.Background(), schema.MsgQuery, false, tlv.U32(schema.FieldQueryKey, uint32(key)))
	if err != nil {
		return 0, err
	}
	r := &fieldReader{fields: fields}
	v := r.i64(schema.FieldQueryValue)
	return int(v), r.err
}

// Connect connects the producer api. The server ties the connection to the
// connection itself; a non-nil token additionally closes the connection when
// it is done.
func (c *Client) Connect(token bufferqueue.Token, api bufferqueue.API, producerControlledByApp bool) (bufferqueue.QueueBufferOutput, error) {
	if token != nil {
		select {
		case <-token.Done():
			return bufferqueue.QueueBufferOutput{}, bufferqueue.ErrDeadProducer
		default:
		}
	}
	fields, err := c.roundTrip(context.Background(), schema.MsgConnect, false,
		tlv.U32(schema.FieldAPI, uint32(api)),
		tlv.Bool(schema.FieldControlledByApp, producerControlledByApp),
	)
	if err != nil {
		return bufferqueue.QueueBufferOutput{}, err
	}
	if token != nil {
		go func() {
			select {
			case <-token.Done():
				c.log.Warn().Msg("producer token done, closing connection")
				_ = c.Close()
			case <-c.done:
			}
		}()
	}
	r := &fieldReader{fields: fields}
	out := readOutput(r)
	return out, r.err
}

func (c *Client) Disconnect(api bufferqueue.API) error {
	_, err := c.roundTrip(context.Background(), schema.MsgDisconnect, false, tlv.U32(schema.FieldAPI, uint32(api)))
	return err
}

// SyncFences reports local fences that have signaled and resolves server
// fences the server reports as signaled. It returns how many local mirrors
// were resolved.
func (c *Client) SyncFences(ctx context.Context) (int, error) {
	fields, err := c.roundTrip(ctx, schema.MsgFenceSync, false,
		tlv.Bytes(schema.FieldFences, encodeFenceRefs(c.fences.collect()...)))
	if err != nil {
		return 0, err
	}
	r := &fieldReader{fields: fields}
	raw := r.bytes(schema.FieldFences)
	if r.err != nil {
		return 0, r.err
	}
	refs, err := decodeFenceRefs(raw)
	if err != nil {
		return 0, err
	}
	return c.fences.apply(refs), nil
}

// AwaitFence polls the server until f signals or ctx is done.
func (c *Client) AwaitFence(ctx context.Context, f *fence.Fence, interval time.Duration) error {
	if f == nil || f.IsSignaled() {
		return nil
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.SyncFences(ctx); err != nil {
			return err
		}
		select {
		case <-f.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
