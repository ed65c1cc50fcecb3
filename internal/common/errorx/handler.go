package errorx

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrorHandler renders errors as APIError responses and logs them
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.Named("errorx"),
	}
}

// HandleError converts err to an APIError and writes it as the response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	apiErr := ConvertToAPIError(err).clone()
	apiErr.TraceID = ExtractTraceID(c)
	apiErr.Timestamp = time.Now().UTC().Format(time.RFC3339)

	h.logError(c, apiErr, err)

	c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{
		"error": apiErr,
	})
}

// ConvertToAPIError maps any error to an APIError, defaulting to an
// internal error.
func ConvertToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternalServer.WithDetail("original_error", err.Error())
}

func (h *ErrorHandler) logError(c *gin.Context, apiErr *APIError, originalErr error) {
	fields := []zap.Field{
		zap.String("trace_id", apiErr.TraceID),
		zap.String("error_code", apiErr.Code),
		zap.String("category", string(apiErr.Category)),
		zap.Int("http_status", apiErr.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
	}
	if originalErr != nil && originalErr.Error() != apiErr.Error() {
		fields = append(fields, zap.Error(originalErr))
	}
	if len(apiErr.Details) > 0 {
		fields = append(fields, zap.Any("details", apiErr.Details))
	}

	switch apiErr.Severity {
	case SeverityInfo:
		h.logger.Info(apiErr.Message, fields...)
	case SeverityWarning:
		h.logger.Warn(apiErr.Message, fields...)
	case SeverityCritical:
		buf := make([]byte, 4<<10)
		n := runtime.Stack(buf, false)
		h.logger.Error(apiErr.Message, append(fields, zap.String("stack_trace", string(buf[:n])))...)
	default:
		h.logger.Error(apiErr.Message, fields...)
	}
}

// ErrorMiddleware renders the last error attached to the context
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware turns panics into internal errors
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		h.HandleError(c, &APIError{
			Code:       "E5000",
			Message:    "Server panic occurred",
			Category:   CategoryInternal,
			Severity:   SeverityCritical,
			HTTPStatus: http.StatusInternalServerError,
			Details:    map[string]any{"panic": fmt.Sprintf("%v", err)},
		})
	})
}

// ExtractTraceID returns the active span's trace id, the X-Trace-Id header,
// or a fresh uuid.
func ExtractTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID := c.GetString("trace_id"); traceID != "" {
		return traceID
	}
	if traceID := c.GetHeader("X-Trace-Id"); traceID != "" {
		return traceID
	}
	traceID := uuid.New().String()
	c.Set("trace_id", traceID)
	return traceID
}
