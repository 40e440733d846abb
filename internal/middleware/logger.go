package middleware

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger writes one structured line per finished request. 5xx log at
// error, 4xx at warn.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	log = log.With(slog.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("ip", c.ClientIP()),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if id, ok := IdentityFromContext(c); ok {
			attrs = append(attrs, slog.String("identity", id.String()))
		}
		log.Log(c.Request.Context(), level, "http_request_finished", attrs...)
	}
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := make([]byte, 2048)
				n := runtime.Stack(stack, false)
				log.Error("panic_recovered",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.String("stack", string(stack[:n])),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
		}()
		c.Next()
	}
}
