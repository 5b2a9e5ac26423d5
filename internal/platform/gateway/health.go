package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ReadinessHandler returns 503 when the circuit is open (database is known
// unavailable); 200 otherwise. Load balancers poll this to pull an instance
// out of rotation.
func (g *Gateway) ReadinessHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.IsOpen() {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"reason": "circuit open",
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ready"})
	}
}

// LivenessHandler always returns 200 unless the process itself is
// unhealthy; it does not depend on database reachability.
func (g *Gateway) LivenessHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "alive"})
	}
}

// DetailedHealthHandler reports circuit state plus per-connection status,
// for the operator-facing /health endpoint (outside the core per the
// Non-goals, but wired so the CLI's serve command has something to expose).
func (g *Gateway) DetailedHealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		g.mu.RLock()
		conns := make([]string, 0, len(g.conns))
		for name := range g.conns {
			conns = append(conns, name)
		}
		g.mu.RUnlock()

		status := http.StatusOK
		circuitState := "closed"
		if g.IsOpen() {
			status = http.StatusServiceUnavailable
			circuitState = "open"
		}

		return c.JSON(status, map[string]interface{}{
			"circuit":     circuitState,
			"connections": conns,
		})
	}
}
