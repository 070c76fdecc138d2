// Package logging configures the process-wide logrus logger and provides Gin
// middleware for request logging and panic recovery on the presentation API.
package logging

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	skipGinLogKey   = "nostrmeet.skip_request_log"
	requestIDHeader = "X-Request-Id"
)

// GinLogrusLogger logs one structured line per API request. The request id is
// taken from X-Request-Id or generated, and echoed back on the response.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		c.Set(requestIDHeader, requestID)

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}

		target := c.Request.URL.Path
		if q := maskSecretQuery(c.Request.URL.RawQuery); q != "" {
			target += "?" + q
		}
		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"route":      c.FullPath(),
			"status":     status,
			"took":       time.Since(begin).Round(time.Microsecond).String(),
			"bytes_out":  c.Writer.Size(),
			"remote":     c.ClientIP(),
		})
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			entry = entry.WithField("errors", errs)
		}

		msg := "api " + c.Request.Method + " " + target
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics,
// logs the value and stack, and answers 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"request_id": c.GetString(requestIDHeader),
			"route":      c.FullPath(),
			"stack":      string(debug.Stack()),
		}).Errorf("api handler panicked: %v", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "internal error"}})
	})
}

// SkipGinRequestLogging keeps GinLogrusLogger quiet for this request, e.g. for
// the log tail endpoint polling itself.
func SkipGinRequestLogging(c *gin.Context) {
	if c == nil {
		return
	}
	c.Set(skipGinLogKey, true)
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	return c != nil && c.GetBool(skipGinLogKey)
}

// maskSecretQuery hides secret-key style query values so they never reach the log.
func maskSecretQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "secret", "secret-key", "nsec", "key":
			parts[i] = key + "=***"
		}
	}
	return strings.Join(parts, "&")
}
