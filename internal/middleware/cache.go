package middleware

import "github.com/gin-gonic/gin"

// NoStore marks responses as uncacheable. Attempt state and monitor data
// must never be served from a proxy or browser cache.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
