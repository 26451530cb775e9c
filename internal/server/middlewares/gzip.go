package middlewares

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// GZIP compresses every response but the health probe and the event feed.
func GZIP() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.BestSpeed,
		gzip.WithExcludedPaths([]string{"/healthz", "/api/v1/events"}),
	)
}
