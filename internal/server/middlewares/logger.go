package middlewares

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
)

// Logger logs every request but the health probe in the "http" group.
func Logger() gin.HandlerFunc {
	return slogGin.NewWithConfig(slog.Default().WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
		Filters:          []slogGin.Filter{slogGin.IgnorePath("/healthz")},
	})
}
