// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewLogger creates a JSON logger on stdout. Unknown levels fall back to info.
func NewLogger(serviceName string, level string) zerolog.Logger {
	return NewWithOutput(os.Stdout, serviceName, level, "json")
}

// NewPrettyLogger creates a console logger on stdout for local use.
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	return NewWithOutput(os.Stdout, serviceName, level, "pretty")
}

// New creates a JSON logger, or a console logger when format is "pretty".
func New(serviceName, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "pretty") {
		return NewPrettyLogger(serviceName, level)
	}
	return NewLogger(serviceName, level)
}

// NewWithOutput builds the service logger on w.
func NewWithOutput(w io.Writer, serviceName, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(format, "pretty") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// quietRoutes are polled by probes and scrapers; successful hits are logged at debug.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger returns a Gin middleware for HTTP request logging. Handlers
// can retrieve a request-scoped logger with LoggerFromContext.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()

		reqLogger := logger
		if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
			reqLogger = logger.With().Str("requestId", requestID).Logger()
		}
		c.Request = c.Request.WithContext(ContextWithLogger(c.Request.Context(), reqLogger))

		c.Next()

		statusCode := c.Writer.Status()
		event := levelForStatus(reqLogger, statusCode, quietRoutes[route])

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", route).
			Str("query", c.Request.URL.RawQuery).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Int("bodySize", c.Writer.Size())

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

func levelForStatus(logger zerolog.Logger, statusCode int, quiet bool) *zerolog.Event {
	switch {
	case statusCode >= 500:
		return logger.Error()
	case statusCode >= 400:
		return logger.Warn()
	case quiet:
		return logger.Debug()
	default:
		return logger.Info()
	}
}

// isHealthMethod reports whether a gRPC method belongs to the standard health service.
func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

func grpcEvent(logger zerolog.Logger, code codes.Code, fullMethod string) *zerolog.Event {
	switch {
	case code != codes.OK:
		return logger.Error()
	case isHealthMethod(fullMethod):
		return logger.Debug()
	default:
		return logger.Info()
	}
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
// Successful health checks are logged at debug.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ContextWithLogger(ctx, logger), req)

		code := grpcCode(err)
		event := grpcEvent(logger, code, info.FullMethod).
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start))
		if err != nil {
			event.Err(err)
		}
		event.Msg("gRPC request")

		return resp, err
	}
}

// GRPCStreamLogger returns a gRPC stream server interceptor for request
// logging, such as health Watch streams.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		code := grpcCode(err)
		event := grpcEvent(logger, code, info.FullMethod).
			Str("type", "grpc_stream").
			Str("method", info.FullMethod).
			Bool("serverStream", info.IsServerStream).
			Str("code", code.String()).
			Dur("latency", time.Since(start))
		if err != nil {
			event.Err(err)
		}
		event.Msg("gRPC stream")

		return err
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// LockLogger creates a logger for operations on a set of lock resources.
func LockLogger(logger zerolog.Logger, resources []string, mode string) zerolog.Logger {
	return logger.With().
		Strs("resources", resources).
		Str("mode", mode).
		Logger()
}
