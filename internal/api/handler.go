package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/service"
	"sales-ingest/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RunResultReader looks up cached run responses.
type RunResultReader interface {
	GetRunResult(ctx context.Context, runID string) ([]byte, bool, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orchestrator *service.Orchestrator
	validator    *service.Validator
	views        service.ViewReader
	results      RunResultReader
	importHealth map[string]bool
	readiness    map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. results may be nil when no result
// cache is configured.
func NewHandler(
	orchestrator *service.Orchestrator,
	validator *service.Validator,
	views service.ViewReader,
	results RunResultReader,
	importHealth map[string]bool,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		validator:    validator,
		views:        views,
		results:      results,
		importHealth: importHealth,
		readiness:    map[string]Pinger{},
		logger:       util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency for /ready.
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.readiness[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/cron/daily", h.triggerDaily)
	router.GET("/validate", h.validate)
	router.GET("/runs/:id", h.getRun)

	views := router.Group("/views")
	{
		views.GET("/country-detail", h.countryDetail)
		views.GET("/scope-total", h.scopeTotal)
	}

	router.GET("/debug/import_health", h.importHealthCheck)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.readiness))
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// triggerDaily runs one ingestion and answers with its structured result
func (h *Handler) triggerDaily(c *gin.Context) {
	p, err := parseTrigger(c)
	if err != nil {
		p.ParseErr = err
	}

	resp := h.orchestrator.Run(c.Request.Context(), p)
	c.JSON(resp.HTTPStatus(), resp)
}

func parseTrigger(c *gin.Context) (service.TriggerParams, error) {
	p := service.TriggerParams{
		Scope:        c.Query("scope"),
		SnapshotDate: c.Query("snapshot_date"),
		FilterMode:   c.Query("filterMode"),
	}

	var err error
	if p.Dry, err = queryBool(c, "dry"); err != nil {
		return p, err
	}
	if p.Compact, err = queryBool(c, "compact"); err != nil {
		return p, err
	}
	if p.DebugItems, err = queryBool(c, "debugItems"); err != nil {
		return p, err
	}
	if p.MaxPages, err = queryPositiveInt(c, "maxPages"); err != nil {
		return p, err
	}
	if p.PageSize, err = queryPositiveInt(c, "pageSize"); err != nil {
		return p, err
	}
	if p.MaxOrders, err = queryPositiveInt(c, "maxOrders"); err != nil {
		return p, err
	}
	return p, nil
}

func queryBool(c *gin.Context, key string) (bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, runerr.New(runerr.KindInvalidParams, "%s must be 0, 1, true or false", key)
	}
	return v, nil
}

func queryPositiveInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, runerr.New(runerr.KindInvalidParams, "%s must be a positive integer", key)
	}
	return v, nil
}

// partition resolves scope and snapshot_date; the date defaults to yesterday
// in the scope's timezone.
func partition(c *gin.Context) (string, string, error) {
	scope, err := marketplace.Lookup(c.Query("scope"))
	if err != nil {
		return "", "", err
	}
	raw := strings.TrimSpace(c.Query("snapshot_date"))
	if raw == "" {
		return scope.Code, marketplace.FormatDate(scope.Yesterday(time.Now())), nil
	}
	d, err := marketplace.ParseDate(raw)
	if err != nil {
		return "", "", err
	}
	return scope.Code, marketplace.FormatDate(d), nil
}

// validate runs the idempotency checks over the latest slice
func (h *Handler) validate(c *gin.Context) {
	scope, date, err := partition(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid parameters",
			"details": err.Error(),
		})
		return
	}

	report, err := h.validator.Validate(c.Request.Context(), scope, date)
	if err != nil {
		h.logger.Error("Validation errored", zap.String("scope", scope), zap.String("snapshot_date", date), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to validate",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// countryDetail returns the latest row per country
func (h *Handler) countryDetail(c *gin.Context) {
	h.serveView(c, h.views.CountryDetailView)
}

// scopeTotal returns the latest scope-total row
func (h *Handler) scopeTotal(c *gin.Context) {
	h.serveView(c, h.views.ScopeTotalView)
}

func (h *Handler) serveView(c *gin.Context, read func(context.Context, string, string) ([]models.OrdersDailyAgg, error)) {
	scope, date, err := partition(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid parameters",
			"details": err.Error(),
		})
		return
	}

	rows, err := read(c.Request.Context(), scope, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read view",
			"details": err.Error(),
		})
		return
	}
	if rows == nil {
		rows = []models.OrdersDailyAgg{}
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":         scope,
		"snapshot_date": date,
		"rows":          rows,
	})
}

// getRun returns a cached run response by run id
func (h *Handler) getRun(c *gin.Context) {
	if h.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Run result cache not configured",
		})
		return
	}

	payload, found, err := h.results.GetRunResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read run result",
			"details": err.Error(),
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Run not found",
		})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

// importHealthCheck reports which live-run settings are configured
func (h *Handler) importHealthCheck(c *gin.Context) {
	ok := true
	for _, set := range h.importHealth {
		ok = ok && set
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":     ok,
		"checks": h.importHealth,
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
