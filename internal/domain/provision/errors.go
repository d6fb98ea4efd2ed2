package provision

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProbeMiss reports that pkg-config does not know the library.
	// It is a signal to continue with provisioning and never fails a run.
	ErrProbeMiss = errors.New("library not registered with pkg-config")
	// ErrNetwork wraps connection and transfer failures of the archive download.
	ErrNetwork = errors.New("network error")
	// ErrArchive wraps archives that cannot be opened, decoded or verified.
	ErrArchive = errors.New("archive error")
	// ErrIO wraps any failed filesystem operation.
	ErrIO = errors.New("io error")
)

// UnexpectedStatusError is returned when the archive server answers with anything but 200.
type UnexpectedStatusError struct {
	// StatusCode is the final HTTP status after redirects.
	StatusCode int
	// URL is the requested archive URL.
	URL string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected response code %d for %s", e.StatusCode, e.URL)
}

// Code is a short error class used in logs.
type Code string

// Error classes, one per sentinel.
const (
	CodeUnknown  Code = "unknown"
	CodeCanceled Code = "canceled"
	CodeNetwork  Code = "network"
	CodeStatus   Code = "status"
	CodeArchive  Code = "archive"
	CodeIO       Code = "io"
)

// Classify maps an error to its class. Cancellation wins over everything else
// because a canceled transfer also surfaces as a network error.
func Classify(err error) Code {
	var statusErr *UnexpectedStatusError

	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	case errors.As(err, &statusErr):
		return CodeStatus
	case errors.Is(err, ErrNetwork):
		return CodeNetwork
	case errors.Is(err, ErrArchive):
		return CodeArchive
	case errors.Is(err, ErrIO):
		return CodeIO
	default:
		return CodeUnknown
	}
}

// IOError tags a filesystem failure with the operation and path it concerns.
func IOError(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}

// ArchiveError tags an archive decoding failure.
func ArchiveError(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArchive, path, err)
}

// NetworkError tags a transfer failure.
func NetworkError(url string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, url, err)
}
