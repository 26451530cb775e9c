package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/auth"
	"github.com/jotsync/jotsync/internal/server/handlers/events"
	"github.com/jotsync/jotsync/internal/server/handlers/files"
	"github.com/jotsync/jotsync/internal/server/middlewares"
	"github.com/jotsync/jotsync/internal/version"
)

// SetupRoutes mounts the files API, served from driver, and the change feed
// under /api/v1. The config must have been validated.
func SetupRoutes(cfg *Config, driver fileapi.Driver, authSvc *auth.AuthService, hub *events.Hub) (http.Handler, error) {
	r := gin.New()

	r.Use(middlewares.Logger())
	r.Use(gin.Recovery())
	r.Use(middlewares.GZIP())
	r.Use(cors.Default())
	if cfg.HTTP.CertFile != "" {
		r.Use(middlewares.HSTS())
	}

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	filesH := files.New(driver, cfg.maxUploadBytes, hub)

	v1 := r.Group("/api/v1")
	if cfg.RateLimit != "" {
		rl, err := middlewares.RateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		v1.Use(rl)
	}
	v1.Use(middlewares.JWTAuth(authSvc))
	{
		v1.GET("/files/stat", filesH.Stat)
		v1.GET("/files/list", filesH.List)
		v1.GET("/files/get", filesH.Get)
		v1.PUT("/files/put", filesH.Put)
		v1.DELETE("/files/delete", filesH.Delete)
		v1.POST("/files/mkdir", filesH.Mkdir)
		v1.POST("/files/move", filesH.Move)
		v1.DELETE("/files/root", filesH.ClearRoot)
		v1.GET("/events", hub.Handler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, fileapi.APIError{Code: fileapi.CodeNotFound, Message: "not found"})
	})

	return r.Handler(), nil
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.Detailed())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
