package api

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/usecase"
	"CandleFlow/pkg/cache"
	xhttp "CandleFlow/pkg/http"
	xlogger "CandleFlow/pkg/logger"
)

// CandleReader is the read side of the aggregator used by the API.
type CandleReader interface {
	Range(key models.SeriesKey, n int) (usecase.SeriesSnapshot, error)
	Latest(key models.SeriesKey) (models.Candle, error)
	Keys() []models.SeriesKey
}

var registerOnce sync.Once

func registerValidations() {
	registerOnce.Do(func() {
		_ = xhttp.RegisterValidation("timeframe", func(v string) bool {
			return models.IsValidTimeframe(models.Timeframe(strings.ToLower(strings.TrimSpace(v))))
		})
	})
}

// SnapshotReader reads the last event forwarded for each series.
type SnapshotReader interface {
	Get(ctx context.Context, key models.SeriesKey) (models.CandleEvent, error)
	GetMany(ctx context.Context, keys []models.SeriesKey) (map[models.SeriesKey]models.CandleEvent, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// CandlesEchoHandler serves candle queries.
type CandlesEchoHandler struct {
	logger *xlogger.Logger
	reader CandleReader
	checks map[string]HealthCheck
	snaps  SnapshotReader
}

type HandlerOption func(*CandlesEchoHandler)

// WithHealthCheck adds a dependency probed by /healthz.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *CandlesEchoHandler) {
		if check != nil {
			h.checks[name] = check
		}
	}
}

// WithSnapshots serves /api/snapshots from r.
func WithSnapshots(r SnapshotReader) HandlerOption {
	return func(h *CandlesEchoHandler) { h.snaps = r }
}

func NewCandlesEchoHandler(logger *xlogger.Logger, reader CandleReader, opts ...HandlerOption) *CandlesEchoHandler {
	registerValidations()
	if logger == nil {
		logger = xlogger.Nop()
	}
	h := &CandlesEchoHandler{logger: logger, reader: reader, checks: make(map[string]HealthCheck)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *CandlesEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/candles", h.Candles)
	g.GET("/candles/latest", h.Latest)
	g.GET("/series", h.Series)
	if h.snaps != nil {
		g.GET("/snapshots", h.Snapshots)
		g.GET("/snapshots/latest", h.Snapshot)
	}
}

// Candles returns the last n closed candles and the current candle.
func (h *CandlesEchoHandler) Candles(c echo.Context) error {
	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	snap, err := h.reader.Range(req.Key(), req.N)
	if err != nil {
		return h.fail(c, "candles", err)
	}
	return xhttp.SuccessResponse(c, snap)
}

// Latest returns the current candle of one series.
func (h *CandlesEchoHandler) Latest(c echo.Context) error {
	req := &models.SeriesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	candle, err := h.reader.Latest(req.Key())
	if err != nil {
		return h.fail(c, "latest", err)
	}
	return xhttp.SuccessResponse(c, candle)
}

// Series lists every configured key.
func (h *CandlesEchoHandler) Series(c echo.Context) error {
	keys := h.reader.Keys()
	return xhttp.ListResponse(c, keys, int64(len(keys)))
}

// Snapshot returns the last forwarded event of one series.
func (h *CandlesEchoHandler) Snapshot(c echo.Context) error {
	req := &models.SeriesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ev, err := h.snaps.Get(c.Request().Context(), req.Key())
	if errors.Is(err, cache.ErrCacheMiss) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no snapshot for %s", req.Key()).WithError(err))
	}
	if err != nil {
		return h.fail(c, "snapshot", err)
	}
	return xhttp.SuccessResponse(c, ev)
}

// Snapshots lists the last forwarded event of every configured series
// that has one.
func (h *CandlesEchoHandler) Snapshots(c echo.Context) error {
	keys := h.reader.Keys()
	found, err := h.snaps.GetMany(c.Request().Context(), keys)
	if err != nil {
		return h.fail(c, "snapshots", err)
	}
	rows := make([]models.CandleEvent, 0, len(found))
	for _, k := range keys {
		if ev, ok := found[k]; ok {
			rows = append(rows, ev)
		}
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// Health probes every registered dependency and answers 503 if one fails.
func (h *CandlesEchoHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", xlogger.String("dependency", name), xlogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("dependency unavailable").
				WithParam("dependency", name).WithError(err))
		}
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status": "ok",
		"series": len(h.reader.Keys()),
		"checks": names,
	})
}

func (h *CandlesEchoHandler) fail(c echo.Context, op string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("series not configured").WithError(err))
	}
	h.logger.Error("candle query failed", xlogger.String("op", op), xlogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalError("candle query failed").WithError(err))
}
