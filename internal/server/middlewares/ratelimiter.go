package middlewares

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/handlers/api"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimiter limits requests per client IP. formattedRate follows
// limiter's "<limit>-<period>" format, e.g. "100-S".
func RateLimiter(formattedRate string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", formattedRate, err)
	}
	lim := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(
		lim,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			api.AbortWithError(c, http.StatusTooManyRequests, fileapi.CodeRateLimited, errors.New("rate limit exceeded"))
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			api.AbortWithError(c, http.StatusInternalServerError, fileapi.CodeInternalError, err)
		}),
	), nil
}
