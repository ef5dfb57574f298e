package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
)

// QueryLogWriter defines how request records are persisted.
type QueryLogWriter interface {
	WriteQueryLog(method, path string, status int, durationMS int64, ip, userAgent string) error
}

// QueryLogMiddleware records every request for later inspection of query
// traffic and latency.
func QueryLogMiddleware(writer QueryLogWriter) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		// Capture request data BEFORE handler execution (Fiber reuses context objects)
		method := c.Method()
		path := c.Path()
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		err := c.Next()

		status := c.Response().StatusCode()
		durationMS := time.Since(start).Milliseconds()

		// Write asynchronously — all values are captured, safe to use in goroutine
		go func() {
			if writeErr := writer.WriteQueryLog(method, path, status, durationMS, ip, userAgent); writeErr != nil {
				slog.Error("failed to write query log", "error", writeErr)
			}
		}()

		return err
	}
}
