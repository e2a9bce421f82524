package middleware

import (
	"time"

	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

// RequestRecorder receives one observation per request.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// SessionIdentity supplies the id of the current broadcast, if any.
type SessionIdentity interface {
	SessionID() string
}

// RequestMiddleware tags the request context with request, trace and
// session ids, then logs and records the request once it completes.
func RequestMiddleware(cl *logger.ContextLogger, rec RequestRecorder, session SessionIdentity) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
		}
		if session != nil {
			if id := session.SessionID(); id != "" {
				ctx = logger.WithValue(ctx, logger.SessionIDKey, id)
			}
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		// Handlers further down may have added the caller's identity.
		cl.LogRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), duration.Milliseconds())
		if rec != nil {
			rec.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), duration)
		}
	}
}
