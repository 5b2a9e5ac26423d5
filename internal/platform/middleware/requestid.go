package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header a caller can set to propagate its own
// request id, and the header the response always carries.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a request id to the context (as "request_id", read by
// Logger/Recovery/Audit) and to the response header, generating one with
// uuid when the caller didn't supply X-Request-ID.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
