// Package httpapi exposes read-only ledger and snapshot queries over HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bakeops/internal/core"
	"bakeops/internal/snapshot"
	"bakeops/pkg/domain"
)

// Logger is the subset of the structured logger the handlers use.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler serves queries against a core.Service.
type Handler struct {
	svc    *core.Service
	log    Logger
	gather prometheus.Gatherer
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics mounts GET /metrics backed by g.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gather = g }
}

// NewHandler builds a Handler for svc.
func NewHandler(svc *core.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, log: noopLogger{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Health)
	r.GET("/ledgers/:scope/:ingredient/valuation", h.Valuation)
	r.POST("/ledgers/:scope/check", h.Check)
	r.GET("/snapshots/:scope/:type/:entity", h.ListSnapshots)
	r.GET("/snapshot", h.GetSnapshot)
	r.GET("/snapshot-diff", h.Diff)
	if h.gather != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{})))
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Valuation returns the ledger valuation for one ingredient. The optional
// days query sets the expiry window.
func (h *Handler) Valuation(c *gin.Context) {
	days := core.DefaultExpiryWindowDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
			return
		}
		days = n
	}
	report, err := h.svc.LedgerValuation(c.Request.Context(), c.Param("scope"), c.Param("ingredient"), days)
	if err != nil {
		h.fail(c, "valuation", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CheckRequest lists the runs to pre-check against current stock.
type CheckRequest struct {
	Items []domain.ProductionRunItem `json:"items" binding:"required,min=1"`
}

// CheckResponse reports the shortfalls for a CheckRequest.
type CheckResponse struct {
	Ready      bool                         `json:"ready"`
	Shortfalls []domain.IngredientShortfall `json:"shortfalls"`
}

// Check pre-checks a batch of runs against current stock without consuming it.
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	shortfalls, err := h.svc.CheckInventory(c.Request.Context(), c.Param("scope"), req.Items)
	if err != nil {
		h.fail(c, "check", err)
		return
	}
	c.JSON(http.StatusOK, CheckResponse{Ready: len(shortfalls) == 0, Shortfalls: shortfalls})
}

// ListSnapshots lists an entity's snapshots newest first, optionally
// filtered by trigger and capped by limit.
func (h *Handler) ListSnapshots(c *gin.Context) {
	opts := snapshot.ListOptions{Trigger: snapshot.Trigger(c.Query("trigger"))}
	if opts.Trigger != "" && !opts.Trigger.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown trigger " + string(opts.Trigger)})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	summaries, err := h.svc.ListSnapshots(c.Request.Context(), c.Param("scope"), c.Param("type"), c.Param("entity"), opts)
	if err != nil {
		h.fail(c, "list snapshots", err)
		return
	}
	if summaries == nil {
		summaries = []snapshot.Summary{}
	}
	c.JSON(http.StatusOK, summaries)
}

// GetSnapshot returns the record stored at the key query parameter.
func (h *Handler) GetSnapshot(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	rec, err := h.svc.GetSnapshot(c.Request.Context(), key)
	if err != nil {
		h.fail(c, "get snapshot", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Diff compares the snapshots named by the older and newer query parameters.
func (h *Handler) Diff(c *gin.Context) {
	older, newer := c.Query("older"), c.Query("newer")
	if older == "" || newer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "older and newer are required"})
		return
	}
	diff, err := h.svc.CompareSnapshots(c.Request.Context(), older, newer)
	if err != nil {
		h.fail(c, "diff", err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "op", op, "path", c.FullPath(), "error", err)
	} else {
		h.log.Warn("request rejected", "op", op, "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrInvalidKey), errors.Is(err, snapshot.ErrUnknownEntityType),
		errors.Is(err, core.ErrInvalidScale), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, snapshot.ErrSnapshotUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrRunCompleted), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
