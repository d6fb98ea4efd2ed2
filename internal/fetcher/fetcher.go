package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"

	"github.com/oshokin/deepspeech-provisioner/internal/domain/provision"
	"github.com/oshokin/deepspeech-provisioner/internal/logger"
	"github.com/oshokin/deepspeech-provisioner/internal/version"
)

const (
	// partialSuffix marks a download that has not been verified yet.
	partialSuffix = ".part"

	// defaultProgressInterval is how often transfer progress is logged.
	defaultProgressInterval = 2 * time.Second
)

// Request describes one archive to fetch.
type Request struct {
	// URL is the remote archive location.
	URL string
	// Destination is the local archive path.
	Destination string
	// SHA256 optionally pins the digest of a fresh download.
	SHA256 []byte
}

// Result reports what Fetch did.
type Result struct {
	// Path is the local archive path.
	Path string
	// Cached is true when the file already existed and no request was made.
	Cached bool
	// Bytes is the number of bytes transferred (zero when cached).
	Bytes int64
}

// Fetcher downloads archives.
type Fetcher struct {
	client           *grab.Client
	progressInterval time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for transfers.
func WithHTTPClient(c grab.HTTPClient) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client.HTTPClient = c
		}
	}
}

// WithProgressInterval changes how often progress is logged.
func WithProgressInterval(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.progressInterval = d
		}
	}
}

// New creates a Fetcher backed by a grab client.
func New(opts ...Option) *Fetcher {
	client := grab.NewClient()
	client.UserAgent = version.UserAgent()

	f := &Fetcher{
		client:           client,
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch ensures req.Destination exists, downloading it when it does not.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	dest := filepath.Clean(req.Destination)

	switch _, err := os.Stat(dest); {
	case err == nil:
		logger.InfoKV(ctx, "Using cached archive", "path", dest)

		return Result{Path: dest, Cached: true}, nil
	case !errors.Is(err, os.ErrNotExist):
		return Result{}, provision.IOError("stat", dest, err)
	}

	part := dest + partialSuffix

	// A leftover from an interrupted run would make grab try to resume it.
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, provision.IOError("remove", part, err)
	}

	n, err := f.download(ctx, req.URL, part, req.SHA256)
	if err != nil {
		_ = os.Remove(part)

		return Result{}, err
	}

	if err = os.Rename(part, dest); err != nil {
		_ = os.Remove(part)

		return Result{}, provision.IOError("rename", part, err)
	}

	logger.InfoKV(ctx, "Archive downloaded", "url", req.URL, "path", dest, "bytes", n)

	return Result{Path: dest, Bytes: n}, nil
}

// download streams url into path and returns the number of bytes written.
func (f *Fetcher) download(ctx context.Context, url, path string, sum []byte) (int64, error) {
	greq, err := grab.NewRequest(path, url)
	if err != nil {
		return 0, provision.NetworkError(url, err)
	}

	greq = greq.WithContext(ctx)
	greq.NoResume = true

	if len(sum) > 0 {
		greq.SetChecksum(sha256.New(), sum, true)
	}

	logger.InfoKV(ctx, "Downloading archive", "url", url)

	resp := f.client.Do(greq)
	f.watch(ctx, resp)

	if err = resp.Err(); err != nil {
		return 0, classify(url, path, err)
	}

	// grab accepts any 2xx; only a plain 200 is a complete archive.
	if code := resp.HTTPResponse.StatusCode; code != http.StatusOK {
		return 0, &provision.UnexpectedStatusError{StatusCode: code, URL: url}
	}

	return resp.BytesComplete(), nil
}

// watch logs progress until the transfer finishes.
func (f *Fetcher) watch(ctx context.Context, resp *grab.Response) {
	ticker := time.NewTicker(f.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-resp.Done:
			return
		case <-ticker.C:
			logger.DebugKV(ctx, "Download in progress",
				"bytes", resp.BytesComplete(),
				"size", resp.Size(),
				"progress", fmt.Sprintf("%.1f%%", 100*resp.Progress()),
				"rate", fmt.Sprintf("%.0fB/s", resp.BytesPerSecond()))
		}
	}
}

// classify maps grab failures onto the provisioning error taxonomy.
func classify(url, path string, err error) error {
	var (
		statusErr grab.StatusCodeError
		pathErr   *os.PathError
	)

	switch {
	case errors.As(err, &statusErr):
		return &provision.UnexpectedStatusError{StatusCode: int(statusErr), URL: url}
	case errors.Is(err, grab.ErrBadChecksum):
		return provision.ArchiveError(path, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return provision.NetworkError(url, err)
	case errors.As(err, &pathErr):
		return provision.IOError(pathErr.Op, pathErr.Path, pathErr.Err)
	default:
		return provision.NetworkError(url, err)
	}
}
