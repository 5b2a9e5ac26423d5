package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists registered route patterns (as returned by echo.Context.Path,
// not raw request URLs) that should bypass authentication. These are
// infrastructure endpoints (health checks, metrics) and the FHIR discovery
// endpoint, which a client must be able to reach before it has credentials.
var publicPaths = map[string]bool{
	"/health":             true,
	"/health/liveness":    true,
	"/health/readiness":   true,
	"/metrics":            true,
	"/fhir/:bucket/metadata": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
// Pass this function as the Skipper on JWTConfig or DevAuthMiddleware so that
// health-check, metrics, and FHIR discovery endpoints remain accessible
// without a bearer token or tenant context.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path is a public infrastructure
// endpoint that should bypass auth and tenant middleware.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
