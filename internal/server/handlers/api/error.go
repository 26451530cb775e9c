package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jotsync/jotsync/internal/fileapi"
)

// AbortWithError ends the request with the error body the sync target
// client decodes into a fileapi.APIError.
func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	ctx.Error(err)
	ctx.PureJSON(status, fileapi.APIError{
		Code:    code,
		Message: err.Error(),
	})
}
