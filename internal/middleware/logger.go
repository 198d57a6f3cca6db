package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// RequestID reuses the caller's X-Request-ID or assigns a new one.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(RequestIDKey, id)
			c.Response().Header().Set(RequestIDHeader, id)
			return next(c)
		}
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c echo.Context) string {
	id, _ := c.Get(RequestIDKey).(string)
	return id
}

// Logger writes one structured line per request, at a level chosen by the
// response status.
func Logger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo's error handler write the response first
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			fields := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.Int("status", res.Status),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.String("query", req.URL.RawQuery),
				zap.String("ip", c.RealIP()),
				zap.String("user_agent", req.UserAgent()),
				zap.Duration("latency", time.Since(start)),
				zap.Int64("body_size", res.Size),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}

			switch {
			case res.Status >= 500:
				log.Error("Server error", fields...)
			case res.Status >= 400:
				log.Warn("Client error", fields...)
			default:
				log.Info("Request completed", fields...)
			}
			return nil
		}
	}
}
