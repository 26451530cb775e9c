package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/server/handlers/api"
	"github.com/jotsync/jotsync/internal/utils"
)

var errInvalidPath = errors.New("invalid path")

// Publisher is told about every successful mutation.
type Publisher interface {
	Publish(ev fileapi.ChangeEvent)
}

// FilesHandler exposes a fileapi.Driver over HTTP. It is the server half of
// fileapi.ServerDriver.
type FilesHandler struct {
	driver        fileapi.Driver
	maxUploadSize int64
	events        Publisher
}

// New returns a handler serving driver. events may be nil.
func New(driver fileapi.Driver, maxUploadSize int64, events Publisher) *FilesHandler {
	return &FilesHandler{driver: driver, maxUploadSize: maxUploadSize, events: events}
}

func (h *FilesHandler) publish(op fileapi.ChangeOp, p string) {
	if h.events != nil {
		h.events.Publish(fileapi.ChangeEvent{Op: op, Path: p, Time: time.Now().UnixMilli()})
	}
}

// cleanPath validates a slash separated path relative to the data root.
func cleanPath(raw string) (string, error) {
	if strings.ContainsAny(raw, "\\\x00") {
		return "", fmt.Errorf("%w: %q", errInvalidPath, raw)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", errInvalidPath, raw)
		}
	}
	return utils.JoinRemote(raw), nil
}

func queryPath(ctx *gin.Context, required bool) (string, bool) {
	p, err := cleanPath(ctx.Query("path"))
	if err == nil && required && p == "" {
		err = fmt.Errorf("%w: query param 'path' is required", errInvalidPath)
	}
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, err)
		return "", false
	}
	return p, true
}

func driverError(ctx *gin.Context, err error) {
	if errors.Is(err, fileapi.ErrNotFound) {
		api.AbortWithError(ctx, http.StatusNotFound, fileapi.CodeNotFound, err)
		return
	}
	api.AbortWithError(ctx, http.StatusInternalServerError, fileapi.CodeInternalError, err)
}

func (h *FilesHandler) Stat(ctx *gin.Context) {
	p, ok := queryPath(ctx, false)
	if !ok {
		return
	}
	st, err := h.driver.Stat(ctx.Request.Context(), p)
	if err != nil {
		driverError(ctx, err)
		return
	}
	if st == nil {
		api.AbortWithError(ctx, http.StatusNotFound, fileapi.CodeNotFound, fmt.Errorf("%s: not found", p))
		return
	}
	ctx.PureJSON(http.StatusOK, st)
}

func (h *FilesHandler) List(ctx *gin.Context) {
	p, ok := queryPath(ctx, false)
	if !ok {
		return
	}
	opts := fileapi.ListOptions{Context: ctx.Query("context")}
	if v := ctx.Query("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, fmt.Errorf("invalid pageSize %q", v))
			return
		}
		opts.PageSize = n
	}

	res, err := h.driver.List(ctx.Request.Context(), p, opts)
	if err != nil {
		driverError(ctx, err)
		return
	}
	ctx.PureJSON(http.StatusOK, res)
}

func (h *FilesHandler) Get(ctx *gin.Context) {
	p, ok := queryPath(ctx, true)
	if !ok {
		return
	}
	data, err := h.driver.Get(ctx.Request.Context(), p)
	if err != nil {
		driverError(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *FilesHandler) Put(ctx *gin.Context) {
	p, ok := queryPath(ctx, true)
	if !ok {
		return
	}

	body := http.MaxBytesReader(ctx.Writer, ctx.Request.Body, h.maxUploadSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, fileapi.CodeInvalidRequest,
				fmt.Errorf("upload exceeds %s", humanize.Bytes(uint64(h.maxUploadSize))))
			return
		}
		api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, err)
		return
	}

	if err := h.driver.Put(ctx.Request.Context(), p, data); err != nil {
		driverError(ctx, err)
		return
	}
	slog.Debug("files", "op", "put", "path", p, "size", humanize.Bytes(uint64(len(data))))
	h.publish(fileapi.ChangePut, p)
	ctx.Status(http.StatusNoContent)
}

func (h *FilesHandler) Delete(ctx *gin.Context) {
	p, ok := queryPath(ctx, true)
	if !ok {
		return
	}
	if err := h.driver.Delete(ctx.Request.Context(), p); err != nil {
		driverError(ctx, err)
		return
	}
	h.publish(fileapi.ChangeDelete, p)
	ctx.Status(http.StatusNoContent)
}

func (h *FilesHandler) Mkdir(ctx *gin.Context) {
	p, ok := queryPath(ctx, true)
	if !ok {
		return
	}
	if err := h.driver.Mkdir(ctx.Request.Context(), p); err != nil {
		driverError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *FilesHandler) Move(ctx *gin.Context) {
	var req fileapi.MoveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, err)
		return
	}
	from, err := cleanPath(req.From)
	if err == nil {
		req.To, err = cleanPath(req.To)
	}
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, fileapi.CodeInvalidRequest, err)
		return
	}

	if err := h.driver.Move(ctx.Request.Context(), from, req.To); err != nil {
		driverError(ctx, err)
		return
	}
	h.publish(fileapi.ChangeDelete, from)
	h.publish(fileapi.ChangePut, req.To)
	ctx.Status(http.StatusNoContent)
}

// ClearRoot empties the given directory, or the whole data root.
func (h *FilesHandler) ClearRoot(ctx *gin.Context) {
	p, ok := queryPath(ctx, false)
	if !ok {
		return
	}
	if err := h.driver.ClearRoot(ctx.Request.Context(), p); err != nil {
		driverError(ctx, err)
		return
	}
	slog.Warn("files", "op", "clearRoot", "path", p, "client", ctx.GetString("client"))
	h.publish(fileapi.ChangeDelete, p)
	ctx.Status(http.StatusNoContent)
}
