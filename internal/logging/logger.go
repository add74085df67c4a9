// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/leader-election/internal/metrics"
)

// NewLogger creates a new zerolog logger configured for the service.
func NewLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(consoleWriter).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// RequestLogger returns a Gin middleware for HTTP request logging.
// It also records request count and latency metrics.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		requestID := c.GetHeader("X-Request-ID")

		// Label by route template so path parameters do not explode cardinality
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode))
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, latency.Seconds())

		event := logger.Info()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency).
			Int("bodySize", c.Writer.Size()).
			Str("userAgent", c.Request.UserAgent())

		if requestID != "" {
			event.Str("requestId", requestID)
		}

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		latency := time.Since(start)
		code := statusCode(err)

		metrics.RecordGRPCRequest(info.FullMethod, code.String())
		metrics.RecordGRPCRequestDuration(info.FullMethod, latency.Seconds())

		event := logger.Debug()
		if code != codes.OK {
			event = logger.Error()
		}

		event.
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", latency)

		if err != nil {
			event.Err(err)
		}

		event.Msg("gRPC request")

		return resp, err
	}
}

// GRPCStreamLogger returns a gRPC stream server interceptor for request logging.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		latency := time.Since(start)
		code := statusCode(err)

		metrics.RecordGRPCRequest(info.FullMethod, code.String())

		event := logger.Info()
		if code != codes.OK && code != codes.Canceled {
			event = logger.Error()
		}

		event.
			Str("type", "grpc_stream").
			Str("method", info.FullMethod).
			Bool("clientStream", info.IsClientStream).
			Bool("serverStream", info.IsServerStream).
			Str("code", code.String()).
			Dur("latency", latency)

		if err != nil {
			event.Err(err)
		}

		event.Msg("gRPC stream")

		return err
	}
}

func statusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// CandidateLogger creates a logger for an election participant.
func CandidateLogger(logger zerolog.Logger, role string, candidateID string) zerolog.Logger {
	return logger.With().
		Str("role", role).
		Str("candidateId", candidateID).
		Logger()
}

// StoreLogger creates a logger for a lock store backend.
func StoreLogger(logger zerolog.Logger, backend string, region string) zerolog.Logger {
	return logger.With().
		Str("backend", backend).
		Str("region", region).
		Logger()
}
