// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request id picked up by logging.RequestLogger.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body for rejected requests.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	MaxBytes   int64  `json:"maxBytes,omitempty"`
	StatusCode int    `json:"statusCode"`
}

// BodyLimit rejects request bodies larger than maxBytes with 413.
// Declared lengths are checked up front; streamed bodies are capped with
// http.MaxBytesReader and a handler that surfaces the read error through
// c.Error gets the same 413 response.
func BodyLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "body-limit").Logger()

	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logOversizedRequest(logger, c, c.Request.ContentLength, maxBytes)
			respondPayloadTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if !errors.As(ginErr.Err, &maxBytesErr) {
				continue
			}
			logOversizedRequest(logger, c, -1, maxBytesErr.Limit)
			if !c.Writer.Written() {
				respondPayloadTooLarge(c, maxBytesErr.Limit)
			}
			return
		}
	}
}

// RequestID makes sure every request carries an id and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(RequestIDHeader, id)
		}
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// attemptedSize is -1 when the body was streamed without a Content-Length.
func logOversizedRequest(logger zerolog.Logger, c *gin.Context, attemptedSize, maxBytes int64) {
	logger.Warn().
		Str("clientIP", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("attemptedSize", attemptedSize).
		Int64("maxBytes", maxBytes).
		Msg("oversized request rejected")
}

func respondPayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
		Error:      "payloadTooLarge",
		Message:    "request body exceeds the maximum allowed size",
		MaxBytes:   maxBytes,
		StatusCode: http.StatusRequestEntityTooLarge,
	})
}
