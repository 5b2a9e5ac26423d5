package gateway

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/fhir-couchbase/server/internal/platform/auth"
	"github.com/fhir-couchbase/server/internal/platform/fhir"
)

type contextKey string

const (
	BucketNameKey contextKey = "bucket_name"
	BucketConfigKey contextKey = "bucket_config"
)

var bucketNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// BucketConfig is a FHIR-enabled bucket's per-bucket policy: its Couchbase
// connection, and the validation mode/profile applied to writes against it.
type BucketConfig struct {
	ConnName          string
	ValidationMode     fhir.Mode
	ValidationProfile  fhir.Profile
	Enabled            bool
}

// BucketRegistry is the in-memory map of FHIR-enabled bucket name to its
// config, consulted by BucketMiddleware on every request.
type BucketRegistry struct {
	buckets map[string]BucketConfig
}

func NewBucketRegistry() *BucketRegistry {
	return &BucketRegistry{buckets: make(map[string]BucketConfig)}
}

func (r *BucketRegistry) Register(name string, cfg BucketConfig) {
	r.buckets[name] = cfg
}

func (r *BucketRegistry) Get(name string) (BucketConfig, bool) {
	cfg, ok := r.buckets[name]
	return cfg, ok
}

// List returns every registered bucket name mapped to its config, for the
// admin API's listing endpoint.
func (r *BucketRegistry) List() map[string]BucketConfig {
	out := make(map[string]BucketConfig, len(r.buckets))
	for name, cfg := range r.buckets {
		out[name] = cfg
	}
	return out
}

// BucketMiddleware extracts the bucket name from the request path
// (/fhir/{bucket}/...), rejects requests against buckets that are not
// registered or not FHIR-enabled, and stashes the bucket name and config
// in the request context for downstream handlers.
func BucketMiddleware(registry *BucketRegistry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if auth.IsPublicPath(c.Path()) {
				return next(c)
			}

			bucketName := c.Param("bucket")
			if bucketName == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "bucket name is required in path")
			}
			if !bucketNamePattern.MatchString(bucketName) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid bucket identifier")
			}

			cfg, ok := registry.Get(bucketName)
			if !ok || !cfg.Enabled {
				return echo.NewHTTPError(http.StatusNotFound, "bucket is not FHIR-enabled: "+bucketName)
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, BucketNameKey, bucketName)
			ctx = context.WithValue(ctx, BucketConfigKey, cfg)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("bucket_name", bucketName)
			c.Set("bucket_config", cfg)

			return next(c)
		}
	}
}

// BucketFromContext retrieves the resolved bucket name from context.
func BucketFromContext(ctx context.Context) string {
	name, _ := ctx.Value(BucketNameKey).(string)
	return name
}

// BucketConfigFromContext retrieves the resolved bucket's policy from context.
func BucketConfigFromContext(ctx context.Context) (BucketConfig, bool) {
	cfg, ok := ctx.Value(BucketConfigKey).(BucketConfig)
	return cfg, ok
}
