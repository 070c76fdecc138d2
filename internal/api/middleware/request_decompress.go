package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

// MaxRequestBytes caps request bodies after decompression. Check-in and scan
// payloads are a few kilobytes.
const MaxRequestBytes = 1 << 20

// RequestDecompressionMiddleware transparently decompresses gzip and brotli
// request bodies and enforces MaxRequestBytes on every body.
func RequestDecompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		var body io.Reader
		switch {
		case strings.Contains(enc, "gzip"):
			gzr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				abort(c, http.StatusBadRequest, "invalid gzip request body")
				return
			}
			defer func() { _ = gzr.Close() }()
			body = gzr
		case enc == "br":
			body = brotli.NewReader(c.Request.Body)
		default:
			if c.Request.Body != nil {
				c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBytes)
			}
			c.Next()
			return
		}

		decoded, err := io.ReadAll(io.LimitReader(body, MaxRequestBytes+1))
		if err != nil {
			abort(c, http.StatusBadRequest, "failed to decompress request body")
			return
		}
		if len(decoded) > MaxRequestBytes {
			abort(c, http.StatusRequestEntityTooLarge, "decompressed request body too large")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": msg}})
}
