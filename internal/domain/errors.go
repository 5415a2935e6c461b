package domain

import (
	"context"
	"errors"
)

// Failure kinds surfaced to callers. The fetcher and gateway wrap their
// causes with these sentinels; ErrorKind flattens any error chain to the
// code stored on work items and returned in API envelopes.
var (
	ErrFilingNotFound      = errors.New("filing not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidInput        = errors.New("invalid input")
)

const (
	KindNotFound            = "not_found"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindRateLimited         = "rate_limited"
	KindInvalidInput        = "invalid_input"
	KindCancelled           = "cancelled"
	KindInternal            = "internal_error"
)

func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFilingNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamUnavailable
	}
	return KindInternal
}
