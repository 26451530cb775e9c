package middlewares

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/auth"
	"github.com/jotsync/jotsync/internal/server/handlers/api"
)

const (
	bearerPrefix     = "Bearer "
	authHeader       = "Authorization"
	ClientContextKey = "client"
)

// JWTAuth rejects requests without a valid bearer token and stores the
// token subject under ClientContextKey.
func JWTAuth(authService *auth.AuthService) gin.HandlerFunc {
	if !authService.IsEnabled() {
		slog.Info("auth middleware disabled")
		return func(ctx *gin.Context) {
			ctx.Next()
		}
	}
	slog.Info("auth middleware enabled")
	return func(ctx *gin.Context) {
		value := ctx.GetHeader(authHeader)
		if !strings.HasPrefix(value, bearerPrefix) {
			api.AbortWithError(ctx, http.StatusUnauthorized, fileapi.CodeUnauthorized,
				errors.New("authorization header must be Bearer {token}"))
			return
		}

		claims, err := authService.ValidateToken(strings.TrimPrefix(value, bearerPrefix))
		if err != nil {
			api.AbortWithError(ctx, http.StatusUnauthorized, fileapi.CodeUnauthorized, err)
			return
		}

		ctx.Set(ClientContextKey, claims.Subject)
		ctx.Next()
	}
}
