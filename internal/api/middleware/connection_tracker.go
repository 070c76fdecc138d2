// Package middleware provides Gin middleware for the nostrmeet API.
package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ConnectionTracker counts requests currently being served.
type ConnectionTracker struct {
	count atomic.Int64
	total atomic.Int64
}

// Count returns the number of in-flight requests.
func (ct *ConnectionTracker) Count() int64 {
	return ct.count.Load()
}

// Total returns how many requests have started since process start.
func (ct *ConnectionTracker) Total() int64 {
	return ct.total.Load()
}

// Middleware returns a Gin handler that tracks each request until its
// response completes.
func (ct *ConnectionTracker) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ct.count.Add(1)
		ct.total.Add(1)
		defer ct.count.Add(-1)
		c.Next()
	}
}
