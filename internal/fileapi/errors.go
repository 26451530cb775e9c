package fileapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

var ErrNotFound = errors.New("fileapi: not found")

// Error codes returned by the jotsync server target.
const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeNotFound       = "E_NOT_FOUND"
	CodeUnauthorized   = "E_UNAUTHORIZED"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
)

// APIError is an error reported by the jotsync server target.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d %s - %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Status == http.StatusNotFound || e.Code == CodeNotFound)
}

var s3RetryableCodes = map[string]bool{
	"SlowDown":             true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
}

// IsRetryable reports whether err is a transient failure worth retrying:
// timeouts, connection failures, 429 and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if code := respErr.HTTPStatusCode(); code >= 500 || code == http.StatusTooManyRequests {
			return true
		}
	}

	var smithyErr smithy.APIError
	if errors.As(err, &smithyErr) {
		return s3RetryableCodes[smithyErr.ErrorCode()]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
