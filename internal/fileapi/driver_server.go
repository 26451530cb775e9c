package fileapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/jotsync/jotsync/internal/utils"
	"github.com/jotsync/jotsync/internal/version"
)

const (
	V1FilesStat   = "/api/v1/files/stat"
	V1FilesList   = "/api/v1/files/list"
	V1FilesGet    = "/api/v1/files/get"
	V1FilesPut    = "/api/v1/files/put"
	V1FilesDelete = "/api/v1/files/delete"
	V1FilesMkdir  = "/api/v1/files/mkdir"
	V1FilesMove   = "/api/v1/files/move"
	V1FilesRoot   = "/api/v1/files/root"
	V1Events      = "/api/v1/events"
)

type ServerConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// MoveRequest is the body of V1FilesMove.
type MoveRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// ServerDriver talks to a jotsync-server over HTTP.
type ServerDriver struct {
	client  *req.Client
	baseURL string
	token   string
}

func NewServerDriver(cfg ServerConfig) (*ServerDriver, error) {
	if cfg.URL == "" {
		return nil, errors.New("server: url is required")
	}

	client := req.C().
		SetBaseURL(cfg.URL).
		SetUserAgent(version.UserAgent()).
		SetTimeout(60 * time.Second).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil && IsRetryable(err)
		}).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(utils.JSONMarshal).
		SetJsonUnmarshal(utils.JSONUnmarshal)

	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	}

	return &ServerDriver{client: client, baseURL: strings.TrimSuffix(cfg.URL, "/"), token: cfg.Token}, nil
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%s: %w", operation, requestErr)
	}
	if !resp.IsErrorState() {
		return nil
	}
	if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
		apiErr.Status = resp.StatusCode
		return fmt.Errorf("%s: %w", operation, apiErr)
	}
	return fmt.Errorf("%s: %w", operation, NewAPIError(resp.StatusCode, CodeInternalError, resp.Status))
}

func (d *ServerDriver) Stat(ctx context.Context, p string) (*Stat, error) {
	var st Stat
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		SetSuccessResult(&st).
		Get(V1FilesStat)
	if err == nil && resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := handleAPIError(resp, err, "stat"); err != nil {
		return nil, err
	}
	return &st, nil
}

func (d *ServerDriver) List(ctx context.Context, p string, opts ListOptions) (*ListResult, error) {
	var res ListResult
	r := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		SetSuccessResult(&res)
	if opts.Context != "" {
		r.SetQueryParam("context", opts.Context)
	}
	if opts.PageSize > 0 {
		r.SetQueryParam("pageSize", strconv.Itoa(opts.PageSize))
	}

	resp, err := r.Get(V1FilesList)
	if err := handleAPIError(resp, err, "list"); err != nil {
		return nil, err
	}
	return &res, nil
}

func (d *ServerDriver) Get(ctx context.Context, p string) ([]byte, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		Get(V1FilesGet)
	if err := handleAPIError(resp, err, "get"); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

func (d *ServerDriver) GetToFile(ctx context.Context, p, localPath string) error {
	data, err := d.Get(ctx, p)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (d *ServerDriver) Put(ctx context.Context, p string, content []byte) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		SetContentType("application/octet-stream").
		SetBodyBytes(content).
		Put(V1FilesPut)
	return handleAPIError(resp, err, "put")
}

func (d *ServerDriver) PutFromFile(ctx context.Context, p, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		SetContentType("application/octet-stream").
		SetBody(f).
		SetRetryCount(0).
		Put(V1FilesPut)
	return handleAPIError(resp, err, "put")
}

func (d *ServerDriver) Delete(ctx context.Context, p string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		Delete(V1FilesDelete)
	err = handleAPIError(resp, err, "delete")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (d *ServerDriver) Mkdir(ctx context.Context, p string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		Post(V1FilesMkdir)
	return handleAPIError(resp, err, "mkdir")
}

func (d *ServerDriver) Move(ctx context.Context, oldPath, newPath string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(&MoveRequest{From: oldPath, To: newPath}).
		Post(V1FilesMove)
	return handleAPIError(resp, err, "move")
}

func (d *ServerDriver) ClearRoot(ctx context.Context, p string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("path", p).
		Delete(V1FilesRoot)
	return handleAPIError(resp, err, "clear root")
}

var _ Driver = (*ServerDriver)(nil)
