// Package adapter 把死信队列的统计、健康检查与运维操作暴露为 Gin 路由。
//
// 只有实现了 dlq.Query 的后端（例如 dlq.Store）才提供消息查询、删除、重投与清理，
// 其余后端对这些路由返回 501。
package adapter

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/dlq"
	"github.com/ceyewan/deadletter/xerrors"
)

// DefaultBasePath 路由前缀
const DefaultBasePath = "/dlq"

// Handler 死信队列管理接口
type Handler struct {
	writer   dlq.Writer
	query    dlq.Query
	reporter *dlq.Reporter
	logger   clog.Logger
	timeout  time.Duration
}

// Option Handler 选项
type Option func(*Handler)

// WithReporter 提供 /stats/last 使用的 Reporter
func WithReporter(r *dlq.Reporter) Option {
	return func(h *Handler) {
		h.reporter = r
	}
}

// WithLogger 设置日志记录器
func WithLogger(l clog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l.WithNamespace("admin")
		}
	}
}

// WithTimeout 单个请求访问后端的超时，默认 10s
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHandler 创建管理接口，writer 同时实现 dlq.Query 时开放消息级操作
func NewHandler(w dlq.Writer, opts ...Option) (*Handler, error) {
	if w == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "dlq writer is nil")
	}
	h := &Handler{
		writer:  w,
		logger:  clog.Discard(),
		timeout: 10 * time.Second,
	}
	if q, err := dlq.AsQuery(w); err == nil {
		h.query = q
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register 在 r 上挂载 /dlq 路由组
//
//	r := gin.New()
//	r.Use(metrics.GinMiddleware(meter), trace.GinMiddleware("dlq-admin"))
//	h.Register(r)
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group(DefaultBasePath)
	g.GET("/stats", h.stats)
	g.GET("/stats/last", h.lastStats)
	g.GET("/health", h.health)

	g.GET("/count", h.requireQuery, h.count)
	g.GET("/messages", h.requireQuery, h.list)
	g.GET("/messages/:id", h.requireQuery, h.get)
	g.DELETE("/messages/:id", h.requireQuery, h.delete)
	g.POST("/messages/:id/requeue", h.requireQuery, h.requeue)
	g.POST("/purge", h.requireQuery, h.purge)
}

func (h *Handler) requireQuery(c *gin.Context) {
	if h.query == nil {
		h.fail(c, dlq.ErrNotSupported)
		c.Abort()
		return
	}
	c.Next()
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.writer.Stats().Snapshot())
}

func (h *Handler) lastStats(c *gin.Context) {
	if h.reporter == nil {
		h.fail(c, dlq.ErrNotSupported)
		return
	}
	snap, ok := h.reporter.LastSnapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no report yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if !h.writer.IsHealthy(ctx) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) count(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	var (
		n   int64
		err error
	)
	switch {
	case c.Query("topic") != "":
		n, err = h.query.CountByTopic(ctx, c.Query("topic"))
	case c.Query("error_type") != "":
		n, err = h.query.CountByErrorType(ctx, c.Query("error_type"))
	default:
		n, err = h.query.Count(ctx)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) list(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	var records []*dlq.Record
	switch {
	case c.Query("topic") != "":
		records, err = h.query.GetByTopic(ctx, c.Query("topic"), limit)
	case c.Query("error_type") != "":
		records, err = h.query.GetByErrorType(ctx, c.Query("error_type"), limit)
	case c.Query("after") != "":
		var after time.Time
		if after, err = parseTime(c.Query("after")); err == nil {
			records, err = h.query.GetAfterTimestamp(ctx, after, limit)
		}
	default:
		records, err = h.query.GetOldest(ctx, limit)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]*dlq.WireRecord, 0, len(records))
	for _, r := range records {
		out = append(out, view(r))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "messages": out})
}

func (h *Handler) get(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	r, err := h.query.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(r))
}

func (h *Handler) delete(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.query.Delete(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) requeue(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.query.Requeue(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": c.Param("id"), "status": "requeued"})
}

func (h *Handler) purge(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	var (
		n   int64
		err error
	)
	if raw := c.Query("older_than"); raw != "" {
		var age time.Duration
		if age, err = time.ParseDuration(raw); err != nil || age <= 0 {
			h.fail(c, dlq.InvalidEntry("admin", "older_than must be a positive duration: "+raw))
			return
		}
		n, err = h.query.PurgeOlderThan(ctx, age)
	} else {
		n, err = h.query.Purge(ctx)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.InfoContext(ctx, "dlq purged via admin api", clog.Int64("count", n), clog.String("older_than", c.Query("older_than")))
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.logger.ErrorContext(c.Request.Context(), "dlq admin request failed",
			clog.String("path", c.FullPath()), clog.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": xerrors.GetCode(err)})
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// StatusOf 把死信队列错误映射为 HTTP 状态码
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case xerrors.Is(err, dlq.ErrNotSupported):
		return http.StatusNotImplemented
	case xerrors.Is(err, dlq.ErrMessageNotFound), xerrors.Is(err, dlq.ErrTopicNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, dlq.ErrInvalidEntry):
		return http.StatusBadRequest
	case xerrors.Is(err, dlq.ErrQueueFull):
		return http.StatusTooManyRequests
	case dlq.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// view 管理接口总是返回完整字段
func view(r *dlq.Record) *dlq.WireRecord {
	return dlq.Project(r, dlq.EffectiveTopicConfig{StorePayload: true, StoreStackTraces: true})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dlq.InvalidEntry("admin", "limit must be a non-negative integer: "+raw)
	}
	return n, nil
}

// parseTime 接受 RFC3339 或毫秒时间戳
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, dlq.InvalidEntry("admin", "after must be RFC3339 or epoch milliseconds: "+raw)
}
