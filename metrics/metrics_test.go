package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("nil 配置", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("禁用时返回 noop", func(t *testing.T) {
		m, err := New(&Config{Enabled: false})
		require.NoError(t, err)
		c, err := m.Counter("dlq.test", "test")
		require.NoError(t, err)
		c.Inc(context.Background())
		rec := httptest.NewRecorder()
		Handler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPrometheusExport(t *testing.T) {
	ctx := context.Background()
	m, err := New(&Config{Enabled: true, ServiceName: "dlq-test"})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	sent, err := m.Counter("dlq_test_sent", "records sent")
	require.NoError(t, err)
	depth, err := m.Gauge("dlq_test_depth", "queue depth")
	require.NoError(t, err)
	latency, err := m.Histogram("dlq_test_latency", "send latency", WithUnit("s"))
	require.NoError(t, err)

	sent.Inc(ctx, L("topic", "orders"))
	sent.Add(ctx, 2, L("topic", "orders"))
	depth.Set(ctx, 5, L("topic", "orders"))
	depth.Inc(ctx, L("topic", "orders"))
	depth.Dec(ctx, L("topic", "billing"))
	latency.Record(ctx, 0.2)

	rec := httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	assert.True(t, strings.Contains(text, `dlq_test_sent_total{`), text)
	assert.Contains(t, text, `topic="orders"`)
	assert.Contains(t, text, "dlq_test_depth")
	assert.Contains(t, text, "dlq_test_latency")
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	m, err := New(&Config{Enabled: true})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/dlq/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	scrape := httptest.NewRecorder()
	Handler(m).ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `route="/dlq/stats"`)
}

func TestHTTPStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", HTTPStatusClass(204))
	assert.Equal(t, "5xx", HTTPStatusClass(503))
	assert.Equal(t, "unknown", HTTPStatusClass(42))
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(302))
	assert.Equal(t, OutcomeError, HTTPOutcome(404))
}
