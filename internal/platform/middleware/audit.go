package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhir-couchbase/server/internal/platform/auth"
)

// Audit logs one structured line per request under /fhir/ for HIPAA-style
// access tracking: who (from JWT claims), what (bucket/resourceType/id),
// and which action, alongside the outcome status.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, "/fhir/") {
				return next(c)
			}

			err := next(c)

			bucket, resourceType, id := parseFHIRPath(path)
			ctx := c.Request().Context()
			rid, _ := c.Get("request_id").(string)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("type", "audit").
				Str("request_id", rid).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("bucket", bucket).
				Str("resource_type", resourceType).
				Str("resource_id", id).
				Str("action", httpMethodToAction(c.Request().Method)).
				Str("method", c.Request().Method).
				Str("path", path).
				Str("remote_ip", c.RealIP()).
				Int("status", c.Response().Status).
				Msg("fhir_access")

			return err
		}
	}
}

// httpMethodToAction maps an HTTP method to a FHIR-style audit action.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// parseFHIRPath splits "/fhir/:bucket/:type/:id/..." into its components,
// leaving any segment that wasn't present empty.
func parseFHIRPath(path string) (bucket, resourceType, id string) {
	segments := strings.Split(strings.TrimPrefix(path, "/fhir/"), "/")
	if len(segments) > 0 {
		bucket = segments[0]
	}
	if len(segments) > 1 {
		resourceType = segments[1]
	}
	if len(segments) > 2 {
		id = segments[2]
	}
	return bucket, resourceType, id
}
