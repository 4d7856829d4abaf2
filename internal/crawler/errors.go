package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrMalformedInput marks requests or page batches that cannot be processed.
var ErrMalformedInput = errors.New("malformed input")

// ErrJobNotFound is returned by job stores for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueClosed is returned by queues once they stop accepting or yielding work.
var ErrQueueClosed = errors.New("queue closed")

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchTimeout FetchErrorKind = "timeout"
	FetchRefused FetchErrorKind = "refused"
	FetchDNS     FetchErrorKind = "dns"
	FetchOther   FetchErrorKind = "other"
)

// FetchError is returned by fetchers for every failed attempt.
type FetchError struct {
	URL  string
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError classifies err and wraps it. An existing FetchError is returned as is.
func NewFetchError(url string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{URL: url, Kind: ClassifyFetchError(err), Err: err}
}

// ClassifyFetchError maps transport errors onto FetchErrorKind.
func ClassifyFetchError(err error) FetchErrorKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return FetchTimeout
		}
		return FetchDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FetchRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	return FetchOther
}
