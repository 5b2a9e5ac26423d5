package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhir-couchbase/server/internal/platform/perf"
)

// Logger logs one line per request, with latency broken down into named
// stages (search translation, FTS, KV, assembly, ...) when handlers record
// them into the request's perf.Bag.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			bag := perf.New()
			c.SetRequest(req.WithContext(perf.WithBag(req.Context(), bag)))

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			for _, stage := range bag.Stages() {
				evt = evt.Dur("stage_"+stage.Name, stage.Duration)
			}

			evt.Msg("request")

			return err
		}
	}
}
