package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gfxqueue/internal/auth"
	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/protocol/frame"
	"github.com/danmuck/gfxqueue/internal/protocol/schema"
	"github.com/danmuck/gfxqueue/internal/protocol/session"
	"github.com/danmuck/gfxqueue/internal/protocol/tlv"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/google/uuid"
	"github.com/gogpu/gputypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the producer endpoint listener.
type ServerConfig struct {
	ListenAddr string
	Session    session.Config
	Limits     frame.Limits
	Clock      systime.Clock
	// Auth, when set, must accept the queue and token a producer presents on
	// attach.
	Auth auth.Validator
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: "127.0.0.1:7300",
		Session:    session.DefaultConfig(),
		Limits:     frame.DefaultLimits(),
	}
}

// Server exposes the queues of a registry to remote producers.
type Server struct {
	cfg      ServerConfig
	registry *bufferqueue.Registry
	log      zerolog.Logger
	clock    systime.Clock

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

func NewServer(cfg ServerConfig, registry *bufferqueue.Registry) *Server {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServerConfig().ListenAddr
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      log.Logger.With().Str("component", "remote.server").Logger(),
		clock:    systime.OrDefault(cfg.Clock),
		conns:    make(map[net.Conn]struct{}),
	}
}

// ActiveConnections is the number of connections currently served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Listen opens the configured TCP or TLS listener.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts producer connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// connState is the per-connection producer session.
type connState struct {
	id     string
	log    zerolog.Logger
	queue  *bufferqueue.Queue
	fences *fenceTable
}

func (st *connState) queueName() string {
	if st.queue == nil {
		return ""
	}
	return st.queue.Name()
}

func (s *Server) handleConn(parent context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()
	defer s.untrackConn(conn)

	st := &connState{
		id:     uuid.NewString(),
		fences: newFenceTable(),
	}
	st.log = s.log.With().Str("session", st.id).Str("remote", conn.RemoteAddr().String()).Logger()
	active := s.active.Add(1)
	observability.SetRemoteConnections(active)
	st.log.Info().Int64("active_clients", active).Msg("producer connected")
	defer func() {
		remaining := s.active.Add(-1)
		observability.SetRemoteConnections(remaining)
		if n := st.fences.abandon(s.clock()); n > 0 {
			st.log.Warn().Int("fences", n).Msg("signaled orphaned producer fences")
		}
		st.log.Info().Int64("active_clients", remaining).Msg("producer disconnected")
	}()

	// The reader runs ahead so a dropped connection cancels ctx while a
	// handler is blocked in dequeue.
	frames := make(chan frame.Frame)
	go func() {
		defer cancel()
		defer close(frames)
		reader := bufio.NewReader(conn)
		for {
			if s.cfg.Session.IdleTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.IdleTimeout))
			}
			fr, err := frame.ReadFrame(reader, s.cfg.Limits)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
					st.log.Debug().Err(err).Msg("read loop stopped")
				}
				return
			}
			select {
			case frames <- fr:
			case <-ctx.Done():
				return
			}
		}
	}()

	for fr := range frames {
		if fr.Header.IsResponse() {
			st.log.Warn().Uint32("message_type", fr.Header.MessageType).Msg("unexpected response frame")
			return
		}
		fields, err := s.dispatch(ctx, st, fr)
		status := statusFor(err)
		observability.RecordRemoteRequest(st.queueName(), schema.MessageName(fr.Header.MessageType), statusName(status))
		if err != nil {
			st.log.Debug().
				Str("message", schema.MessageName(fr.Header.MessageType)).
				Err(err).
				Msg("request failed")
		}
		if fr.Header.IsOneWay() {
			continue
		}
		if err := s.writeResponse(conn, fr.Header, status, err, fields); err != nil {
			st.log.Warn().Err(err).Msg("write response")
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, req frame.Header, status uint32, reqErr error, fields []tlv.Field) error {
	flags := frame.FlagIsResponse
	out := make([]tlv.Field, 0, len(fields)+2)
	out = append(out, tlv.U32(schema.FieldStatus, status))
	if reqErr != nil {
		flags |= frame.FlagIsError
		out = append(out, tlv.String(schema.FieldMessage, reqErr.Error()))
	} else {
		out = append(out, fields...)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	return frame.WriteFrame(conn, frame.New(req.MessageID, req.MessageType, flags, tlv.EncodeFields(out)), s.cfg.Limits)
}

func (s *Server) dispatch(ctx context.Context, st *connState, fr frame.Frame) ([]tlv.Field, error) {
	msg := fr.Header.MessageType
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if err := schema.Validate(msg, fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	r := &fieldReader{fields: fields}
	malformed := func() error {
		if r.err != nil {
			return fmt.Errorf("%w: %w", ErrBadRequest, r.err)
		}
		return nil
	}

	if msg == schema.MsgAttach {
		name := r.str(schema.FieldQueueName)
		token := r.optionalStr(schema.FieldAuthToken)
		if err := malformed(); err != nil {
			return nil, err
		}
		return s.attach(st, name, token)
	}
	if st.queue == nil {
		return nil, fmt.Errorf("%w: no queue attached", bufferqueue.ErrNotInitialized)
	}
	p := st.queue.Producer()

	switch msg {
	case schema.MsgRequestBuffer:
		slot := int(r.u32(schema.FieldSlot))
		if err := malformed(); err != nil {
			return nil, err
		}
		buf, err := p.RequestBuffer(slot)
		if err != nil {
			return nil, err
		}
		return bufferFields(buf), nil

	case schema.MsgSetBufferCount:
		n := int(r.u32(schema.FieldBufferCount))
		if err := malformed(); err != nil {
			return nil, err
		}
		return nil, p.SetBufferCount(n)

	case schema.MsgDequeueBuffer:
		req := bufferqueue.DequeueRequest{
			Width:  r.u32(schema.FieldWidth),
			Height: r.u32(schema.FieldHeight),
			Format: gputypes.TextureFormat(r.u32(schema.FieldFormat)),
			Usage:  gputypes.TextureUsage(r.u32(schema.FieldUsage)),
			Async:  r.boolean(schema.FieldAsync),
		}
		if err := malformed(); err != nil {
			return nil, err
		}
		res, err := p.DequeueBuffer(ctx, req)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.U32(schema.FieldSlot, uint32(res.Slot)),
			tlv.U32(schema.FieldFlags, res.Flags),
			tlv.Bytes(schema.FieldFence, encodeFenceRefs(st.fences.export(res.Fence))),
		}, nil

	case schema.MsgQueueBuffer:
		slot := int(r.u32(schema.FieldSlot))
		in := bufferqueue.QueueBufferInput{
			Timestamp:       r.i64(schema.FieldTimestamp),
			IsAutoTimestamp: r.boolean(schema.FieldAutoTimestamp),
			ScalingMode:     bufferqueue.ScalingMode(r.u32(schema.FieldScalingMode)),
			Transform:       bufferqueue.Transform(r.u32(schema.FieldTransform)),
			Async:           r.boolean(schema.FieldAsync),
		}
		cropRaw := r.bytes(schema.FieldCrop)
		fenceRaw := r.bytes(schema.FieldFence)
		if err := malformed(); err != nil {
			return nil, err
		}
		crop, err := decodeCrop(cropRaw)
		if err != nil {
			return nil, err
		}
		ref, err := decodeFenceRef(fenceRaw)
		if err != nil {
			return nil, err
		}
		in.Crop = crop
		in.Fence = st.fences.resolve(ref)
		out, err := p.QueueBuffer(slot, in)
		if err != nil {
			return nil, err
		}
		return outputFields(out), nil

	case schema.MsgCancelBuffer:
		slot := int(r.u32(schema.FieldSlot))
		fenceRaw := r.bytes(schema.FieldFence)
		if err := malformed(); err != nil {
			return nil, err
		}
		ref, err := decodeFenceRef(fenceRaw)
		if err != nil {
			return nil, err
		}
		p.CancelBuffer(slot, st.fences.resolve(ref))
		return nil, nil

	case schema.MsgQuery:
		key := bufferqueue.QueryKey(r.u32(schema.FieldQueryKey))
		if err := malformed(); err != nil {
			return nil, err
		}
		v, err := p.Query(key)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{tlv.I64(schema.FieldQueryValue, int64(v))}, nil

	case schema.MsgConnect:
		api := bufferqueue.API(r.u32(schema.FieldAPI))
		controlledByApp := r.boolean(schema.FieldControlledByApp)
		if err := malformed(); err != nil {
			return nil, err
		}
		// The connection context is the producer token.
		out, err := p.Connect(ctx, api, controlledByApp)
		if err != nil {
			return nil, err
		}
		st.log.Info().Str("queue", st.queue.Name()).Str("api", api.String()).Msg("producer api connected")
		return outputFields(out), nil

	case schema.MsgDisconnect:
		api := bufferqueue.API(r.u32(schema.FieldAPI))
		if err := malformed(); err != nil {
			return nil, err
		}
		return nil, p.Disconnect(api)

	case schema.MsgFenceSync:
		raw := r.bytes(schema.FieldFences)
		if err := malformed(); err != nil {
			return nil, err
		}
		refs, err := decodeFenceRefs(raw)
		if err != nil {
			return nil, err
		}
		st.fences.apply(refs)
		return []tlv.Field{tlv.Bytes(schema.FieldFences, encodeFenceRefs(st.fences.collect()...))}, nil
	}
	return nil, fmt.Errorf("%w: message type %d", ErrBadRequest, msg)
}

func (s *Server) attach(st *connState, name, token string) ([]tlv.Field, error) {
	if st.queue != nil {
		return nil, fmt.Errorf("%w: already attached to %s", bufferqueue.ErrInvalidArgument, st.queue.Name())
	}
	name = strings.TrimSpace(name)
	if s.cfg.Auth != nil {
		if err := s.cfg.Auth.Validate(name, token); err != nil {
			st.log.Warn().Str("queue", name).Msg("attach rejected")
			return nil, err
		}
	}
	q, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	st.queue = q
	st.log = st.log.With().Str("queue", q.Name()).Logger()
	st.log.Info().Msg("attached")
	return []tlv.Field{
		tlv.String(schema.FieldSessionID, st.id),
		tlv.String(schema.FieldQueueName, q.Name()),
	}, nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
