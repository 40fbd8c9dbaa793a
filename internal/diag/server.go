// Package diag serves the HTTP diagnostics surface of the daemon: health,
// prometheus metrics, queue dumps and per-queue frame timing history.
package diag

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/frametracker"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

var ErrNoFrameHistory = errors.New("diag: queue has no frame history")

// FrameSource is anything that keeps a frame tracker for a queue, normally a
// display.Pipeline.
type FrameSource interface {
	Name() string
	Frames() []frametracker.Record
	DumpFrames(w io.Writer) error
	ClearFrames()
}

type Config struct {
	ID          string
	CORSOrigins []string
	Logger      *zerolog.Logger
}

type Server struct {
	id       string
	router   *gin.Engine
	queues   *bufferqueue.Registry
	appeared time.Time
	log      zerolog.Logger

	mu     sync.RWMutex
	frames map[string]FrameSource
}

func New(cfg Config, queues *bufferqueue.Registry) *Server {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.ID == "" {
		cfg.ID = "gfxqueued"
	}
	if queues == nil {
		queues = bufferqueue.NewRegistry()
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:       cfg.ID,
		router:   r,
		queues:   queues,
		appeared: time.Now(),
		log:      logger,
		frames:   make(map[string]FrameSource),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// AddFrameSource exposes the frame history of a queue. Sources are keyed by
// their queue name.
func (s *Server) AddFrameSource(src FrameSource) {
	s.mu.Lock()
	s.frames[src.Name()] = src
	s.mu.Unlock()
}

func (s *Server) frameSource(name string) (FrameSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.frames[name]
	return src, ok
}

func (s *Server) registerRoutes() {
	routes := s.router

	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.id,
			"queues":  len(s.queues.Names()),
			"version": Version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/queues", func(c *gin.Context) {
		queues := s.queues.Queues()
		snaps := make([]bufferqueue.Snapshot, 0, len(queues))
		for _, q := range queues {
			snaps = append(snaps, q.Snapshot())
		}
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
		c.JSON(http.StatusOK, gin.H{"queues": snaps})
	})

	routes.GET("/queues/:name", func(c *gin.Context) {
		q, ok := s.lookupQueue(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, q.Snapshot())
	})

	routes.GET("/queues/:name/dump", func(c *gin.Context) {
		q, ok := s.lookupQueue(c)
		if !ok {
			return
		}
		var b strings.Builder
		if err := q.Dump(&b); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, b.String())
	})

	routes.GET("/queues/:name/frames", func(c *gin.Context) {
		src, ok := s.lookupFrames(c)
		if !ok {
			return
		}
		if c.Query("format") == "text" {
			var b strings.Builder
			if err := src.DumpFrames(&b); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.String(http.StatusOK, b.String())
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": src.Name(), "frames": src.Frames()})
	})

	routes.POST("/queues/:name/frames/clear", func(c *gin.Context) {
		src, ok := s.lookupFrames(c)
		if !ok {
			return
		}
		src.ClearFrames()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) lookupQueue(c *gin.Context) (*bufferqueue.Queue, bool) {
	q, err := s.queues.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return q, true
}

func (s *Server) lookupFrames(c *gin.Context) (FrameSource, bool) {
	name := c.Param("name")
	if _, ok := s.lookupQueue(c); !ok {
		return nil, false
	}
	src, ok := s.frameSource(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoFrameHistory.Error()})
		return nil, false
	}
	return src, true
}

// Serve runs the HTTP server on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("diag server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
