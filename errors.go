package switchboard

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound reports a missing template, workflow or worker record.
	ErrNotFound = errors.New("switchboard: not found")

	// ErrUnauthorized reports a missing, invalid or revoked credential.
	ErrUnauthorized = errors.New("switchboard: unauthorized")

	// ErrBadRequest reports a malformed envelope.
	ErrBadRequest = errors.New("switchboard: bad request")

	// ErrRateLimited reports an exhausted rate window.
	ErrRateLimited = errors.New("switchboard: rate limit exceeded")

	// ErrTransient reports an unreachable store or bus.
	ErrTransient = errors.New("switchboard: transient io failure")

	// ErrDecode reports an unparseable bus message.
	ErrDecode = errors.New("switchboard: decode failed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("switchboard: invalid config")
)

// Error codes carried by {status:"error", code, message} envelopes.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeRateLimited  = "RATE_LIMITED"
	CodeTransient    = "TRANSIENT_IO"
	CodeDecode       = "FATAL_DECODE"
	CodeInternal     = "INTERNAL"
)

// Code maps an error onto its envelope code. Unknown errors are INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrDecode):
		return CodeDecode
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error onto the status code used by the HTTP surface.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransient:
		return http.StatusServiceUnavailable
	case CodeDecode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
