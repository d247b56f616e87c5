// Package server wires the gin HTTP layer: route groups, the request-id +
// access-log middleware pair, and panic recovery (cmd/server assembles the
// actual engine; this package holds the middleware shared by every route).
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// CORSMiddleware handles CORS headers for the admin UI's own fetches.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware stamps every request with an id, reusing one the host
// already set so logs correlate with the host's own trace.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// AccessLogMiddleware logs every request's method, path, status, and
// duration, tagged with the id RequestIDMiddleware assigned.
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		requestID, _ := c.Get("requestID")
		logMsg := "[%s] %s %s %d (%dms)"

		// Skip logging for high-volume, low-signal paths unless debug mode.
		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug(logMsg, requestID, c.Request.Method, path, status, duration.Milliseconds())
			}
			return
		}

		if status >= 500 {
			utils.Error(logMsg, requestID, c.Request.Method, path, status, duration.Milliseconds())
		} else if status >= 400 {
			utils.Warn(logMsg, requestID, c.Request.Method, path, status, duration.Milliseconds())
		} else {
			utils.Info(logMsg, requestID, c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}

// SilentHandlerMiddleware answers the host's own telemetry pings with a
// bare 200 instead of routing them through the dispatcher.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "POST" && c.Request.URL.Path == "/api/event_logging/batch" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		if c.Request.Method == "POST" && c.Request.URL.Path == "/" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}

		c.Next()
	}
}
