package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests over a token-bucket limit with 429.
func RateLimitMiddleware(r float64, burst int) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !limiter.Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
