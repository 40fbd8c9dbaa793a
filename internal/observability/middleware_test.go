package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/gfxqueue/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware("middleware-test"))
	r.GET("/queues/:name", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/queues/main", "/queues/overlay", "/health", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := metricValue(t, httpRequests.WithLabelValues("middleware-test", "GET", "/queues/:name", "200")); got != 2 {
		t.Fatalf("expected 2 requests on the queue route, got %v", got)
	}
	if got := metricValue(t, httpRequests.WithLabelValues("middleware-test", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}

	out := buf.String()
	if !strings.Contains(out, `"queue":"main"`) || !strings.Contains(out, `"queue":"overlay"`) {
		t.Fatalf("expected queue tags in log, got %s", out)
	}
	if strings.Contains(out, `"route":"/health"`) {
		t.Fatalf("expected health polls below info, got %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("expected the 404 logged as warn, got %s", out)
	}
}
