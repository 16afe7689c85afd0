package middleware

import (
	"github.com/labstack/echo/v4"

	"html-rewrite-proxy/internal/config"
	"html-rewrite-proxy/internal/hopbyhop"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the request and sets the configured security headers on the response.
// Headers are set before the handler runs so they are present on streamed
// responses; unset options add nothing.
func SecurityHeaders(cfg config.SecurityConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hopbyhop.Strip(c.Request().Header)

			h := c.Response().Header()
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ContentTypeNosniff {
				h.Set("X-Content-Type-Options", "nosniff")
			}

			return next(c)
		}
	}
}
