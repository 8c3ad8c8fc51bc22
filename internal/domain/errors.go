package domain

import (
	"context"
	"errors"
)

var (
	// ErrNetwork marks transient transport failures and timeouts. Retried.
	ErrNetwork = errors.New("network error")

	// ErrManifestParse marks a malformed or unusable manifest. Fatal for the item.
	ErrManifestParse = errors.New("manifest parse error")

	// ErrDecode marks a decode/render pipeline failure. Fatal for the item.
	ErrDecode = errors.New("decode error")

	// ErrCapacity marks a pool configuration that cannot hold the feed window.
	ErrCapacity = errors.New("capacity error")

	// ErrCancelled marks work superseded by a scroll, release or shutdown.
	// It is an expected outcome and never reported as a failure.
	ErrCancelled = errors.New("cancelled")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err is the result of cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Kind returns a short label for the error class, used in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsCancelled(err):
		return "cancelled"
	case errors.Is(err, ErrManifestParse):
		return "manifest_parse"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case IsTransient(err):
		return "network"
	default:
		return "other"
	}
}
