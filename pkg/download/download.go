// Package download fetches gallery archives from http(s), s3 or local file
// URIs. Bytes land in "<dest>.part" and are renamed to dest only once the
// whole object has arrived.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/devhome-oss/envhost/internal/iox"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/progress"
)

// Downloader writes the object at sourceURI to destPath.
type Downloader interface {
	Download(ctx context.Context, sourceURI, destPath string, sink progress.Sink) error
}

// Source opens one URI scheme. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, uri *url.URL) (body io.ReadCloser, size int64, err error)
}

// PartSuffix is appended to the destination while a download is in flight.
const PartSuffix = ".part"

// Client routes URIs to a Source by scheme.
type Client struct {
	sources  map[string]Source
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithSource registers src for scheme, replacing any existing one.
func WithSource(scheme string, src Source) Option {
	return func(c *Client) { c.sources[scheme] = src }
}

// WithProgressInterval sets how often progress is reported.
func WithProgressInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client with file:// registered. http, https and s3
// are added with WithSource.
func NewClient(opts ...Option) *Client {
	c := &Client{
		sources:  map[string]Source{"file": FileSource{}},
		interval: progress.DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open resolves rawURI to its Source and opens it. Bare paths are treated
// as file URIs.
func (c *Client) Open(ctx context.Context, rawURI string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, 0, errors.WithKind(errors.KindInvalidInput, err, "invalid download uri")
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "file"
		u = &url.URL{Scheme: "file", Path: rawURI}
	}

	src, ok := c.sources[scheme]
	if !ok {
		return nil, 0, errors.Newf(errors.KindInvalidInput, "unsupported uri scheme %q", scheme)
	}
	return src.Open(ctx, u)
}

// Download streams sourceURI to destPath, reporting throttled progress to
// sink. A final report is always emitted on success. On failure or
// cancellation the part file is removed and destPath is left untouched.
func (c *Client) Download(ctx context.Context, sourceURI, destPath string, sink progress.Sink) error {
	logger := c.logger.With("uri", sourceURI, "dest", destPath)
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}

	body, size, err := c.Open(ctx, sourceURI)
	if err != nil {
		logger.Error("download_open_failed", "error", err)
		return err
	}
	defer body.Close()

	logger.Info("download_start", "size", progress.FormatBytes(size))

	partPath := destPath + PartSuffix
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create part file")
	}

	fail := func(err error) error {
		f.Close()
		if rmErr := os.Remove(partPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn("download_part_cleanup_failed", "path", partPath, "error", rmErr)
		}
		logger.Error("download_failed", "error", err)
		return err
	}

	counter := progress.NewCounter(progress.KindDownload, size, sink, c.interval)
	n, err := iox.Copy(ctx, io.MultiWriter(f, counter), body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return fail(errors.Wrap(err, "failed to download"))
	}
	if size >= 0 && n != size {
		return fail(fmt.Errorf("download truncated: got %d of %d bytes", n, size))
	}
	if err := f.Sync(); err != nil {
		return fail(errors.Wrap(err, "failed to sync part file"))
	}
	if err := f.Close(); err != nil {
		return fail(errors.Wrap(err, "failed to close part file"))
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return fail(errors.Wrap(err, "failed to finalize download"))
	}

	counter.Finish()

	logger.Info("download_complete",
		"bytes", n,
		"size", progress.FormatBytes(n),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// FileSource reads local files.
type FileSource struct{}

func (FileSource) Open(_ context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = "//" + u.Host + u.Path
	}
	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return nil, 0, errors.WithKind(errors.KindDownload, err, "failed to open source file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "failed to stat source file")
	}
	return f, fi.Size(), nil
}
