// Package middleware provides HTTP middleware for the lock service.
package middleware

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

// unmatchedRoute labels requests that hit no registered route, keeping
// metric label cardinality bounded.
const unmatchedRoute = "unmatched"

// ErrorResponse represents the JSON response for requests aborted by middleware.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// RequestMetrics returns a middleware that records request counts and
// durations by method and route template.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		metrics.RecordHTTPRequest(method, route, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPRequestDuration(method, route, time.Since(start).Seconds())
	}
}

// Recovery returns gin's recovery middleware with the panic logged through
// logger and answered with a JSON 500. Register it after RequestMetrics and
// the request logger so recovered requests are still counted and logged.
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		logger.Error().
			Interface("panic", rec).
			Str("clientIP", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Msg("handler panicked")

		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:      "internal",
			Message:    "internal server error",
			StatusCode: http.StatusInternalServerError,
		})
	})
}
