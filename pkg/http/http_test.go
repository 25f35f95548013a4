package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageRequest struct {
	Name  string `query:"name" validate:"required"`
	Limit int    `query:"limit" default:"20" validate:"gte=1,lte=100"`
}

type routeFunc func(e *echo.Echo)

func (f routeFunc) RegisterRoutes(e *echo.Echo) { f(e) }

func newContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	rec := httptest.NewRecorder()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec), rec
}

func TestReadAndValidateRequest(t *testing.T) {
	c, _ := newContext("/?name=btc")
	req := &pageRequest{}
	assert.Nil(t, ReadAndValidateRequest(c, req))
	assert.Equal(t, "btc", req.Name)
	assert.Equal(t, 20, req.Limit)

	c, _ = newContext("/?limit=500")
	errs := ReadAndValidateRequest(c, &pageRequest{})
	require.Len(t, errs, 2)
	assert.Equal(t, "ERR_REQUIRED", errs[0].Code)
	assert.Equal(t, "ERR_LTE", errs[1].Code)
	assert.Equal(t, map[string]interface{}{"max": "100"}, errs[1].Params)
}

func TestAppErrorResponse(t *testing.T) {
	c, rec := newContext("/")
	require.NoError(t, AppErrorResponse(c, NotFoundErrorf("series %s missing", "x").WithParam("key", "x")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Status int         `json:"status"`
		Data   []*AppError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, body.Status)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ERR_NOT_FOUND", body.Data[0].Code)
	assert.Equal(t, "series x missing", body.Data[0].Message)

	c, rec = newContext("/")
	require.NoError(t, AppErrorResponse(c, errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := InternalError("query failed").WithError(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "query failed: timeout", err.Error())
}

func TestServerRoutesAndMetrics(t *testing.T) {
	routes := routeFunc(func(e *echo.Echo) {
		e.GET("/ping", func(c echo.Context) error { return SuccessResponse(c, "pong") })
	})
	s := NewServer(nil, Handlers{routes, nil}, WithMetricsPath("/metrics"), WithCORS(false))

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"message":"OK","data":"pong"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "candleflow_http_requests_total")
}
