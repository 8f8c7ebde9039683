package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/telemetry"
)

// Logger writes one line per request and stores a request-scoped logger in
// the request context for zerolog.Ctx.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			reqLogger := logger.With().Str("request_id", rid).Logger()
			c.SetRequest(c.Request().WithContext(reqLogger.WithContext(c.Request().Context())))

			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			l := telemetry.LoggerFromContext(req.Context(), reqLogger)
			evt := l.Info()
			switch {
			case status >= 500:
				evt = l.Error().Err(err)
			case status >= 400:
				evt = l.Warn()
			}

			evt.
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("staff_id", auth.UserIDFromContext(req.Context())).
				Msg("request")

			return err
		}
	}
}
