// Package api provides the gin middleware shared by this module's
// binaries (the relay and the node runner), which applies uniformly to
// whatever routes a binary registers, plus the node runner's debug HTTP
// handlers (/status, /export, /import).
package api

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs every request with method, path, client, status code, and
// latency — identical on the relay and on a running node's debug
// surface, so an operator sees the same line shape from either binary.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[%s] %s %s | %d | %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery converts a panic inside a handler into a 500 response instead
// of crashing the process, and logs the recovered value.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
