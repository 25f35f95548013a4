package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "CandleFlow/pkg/logger"
)

// RequestLogging logs every request at debug level and failed ones at warn.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if l == nil {
				return err
			}

			req := c.Request()
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("route", c.Path()),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", c.Response().Status),
				applogger.Duration("duration_ms", time.Since(start)),
			}
			if err != nil || c.Response().Status >= 400 {
				l.Warn("http request", append(fields, applogger.Error(err))...)
				return err
			}
			l.Debug("http request", fields...)
			return err
		}
	}
}
