package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	MetricHTTPRequests = "http.server.requests"
	MetricHTTPDuration = "http.server.duration"
)

// GinMiddleware 记录 HTTP 请求数与耗时，指标创建失败时退化为透传。
func GinMiddleware(m Meter) gin.HandlerFunc {
	if m == nil {
		m = Discard()
	}
	requests, errA := m.Counter(MetricHTTPRequests, "HTTP requests served")
	duration, errB := m.Histogram(MetricHTTPDuration, "HTTP request duration", WithUnit("s"))
	if errA != nil || errB != nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = UnknownRoute
		}
		status := c.Writer.Status()
		labels := []Label{
			L(LabelMethod, c.Request.Method),
			L(LabelRoute, route),
			L(LabelStatus, HTTPStatusClass(status)),
			L(LabelOutcome, HTTPOutcome(status)),
		}
		ctx := c.Request.Context()
		requests.Inc(ctx, labels...)
		duration.Record(ctx, time.Since(start).Seconds(), labels...)
	}
}

// HTTPStatusClass 返回 1xx..5xx，非法状态码返回 unknown
func HTTPStatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// HTTPOutcome 2xx/3xx 视为成功
func HTTPOutcome(status int) string {
	if status >= 200 && status < 400 {
		return OutcomeSuccess
	}
	return OutcomeError
}
