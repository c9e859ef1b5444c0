// Package archive turns a downloaded gallery archive into a single virtual
// disk file. Output is written to a hidden temp file next to the
// destination and renamed into place only after extraction succeeds, so a
// failed or canceled extraction never leaves a partial disk behind.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/devhome-oss/envhost/internal/iox"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/security"
)

// Extractor writes the disk image contained in sourceFile to destPath,
// reporting progress to sink.
type Extractor interface {
	Extract(ctx context.Context, sink progress.Sink, sourceFile, destPath string) error
}

// Factory hands out extractors sharing one set of limits and one logger.
type Factory struct {
	limits   security.Limits
	interval time.Duration
	logger   *slog.Logger
}

// NewFactory returns a Factory. A nil logger uses slog.Default.
func NewFactory(limits security.Limits, interval time.Duration, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{limits: limits, interval: interval, logger: logger}
}

// For returns the extractor for kind.
func (f *Factory) For(kind Kind) (Extractor, error) {
	switch kind {
	case KindRaw, KindZip, KindGzip, KindZstd, KindLZ4, KindTar, KindTarGzip, KindTarZstd:
		return &extractor{kind: kind, factory: f}, nil
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", kind)
	}
}

// ForFile detects the kind of name and returns its extractor.
func (f *Factory) ForFile(name string) (Extractor, error) {
	kind, err := DetectKind(name)
	if err != nil {
		return nil, err
	}
	return f.For(kind)
}

type extractor struct {
	kind    Kind
	factory *Factory
}

func (e *extractor) Extract(ctx context.Context, sink progress.Sink, sourceFile, destPath string) error {
	logger := e.factory.logger.With("kind", e.kind.String(), "source", sourceFile, "dest", destPath)
	start := time.Now()
	logger.Info("archive_extract_start")

	validator := e.factory.limits.NewValidator()

	src, err := os.Open(sourceFile)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat archive")
	}

	var written int64
	switch e.kind {
	case KindZip:
		written, err = e.extractZip(ctx, sink, src, fi.Size(), validator, destPath)
	default:
		written, err = e.extractStream(ctx, sink, src, fi.Size(), validator, destPath)
	}
	if err != nil {
		logger.Error("archive_extract_failed", "error", err)
		return err
	}

	if e.kind != KindRaw && e.kind != KindTar {
		if err := validator.ValidateCompressionRatio(fi.Size(), written); err != nil {
			os.Remove(destPath)
			return err
		}
	}

	logger.Info("archive_extract_complete",
		"bytes", written,
		"size", progress.FormatBytes(written),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// extractStream handles every kind that is read front to back. Progress is
// measured against the archive size since decompressed sizes are not known
// up front.
func (e *extractor) extractStream(ctx context.Context, sink progress.Sink, src io.Reader, srcSize int64, validator *security.Validator, destPath string) (int64, error) {
	counter := progress.NewCounter(progress.KindArchiveExtraction, srcSize, sink, e.factory.interval)
	defer counter.Finish()

	r, closeFn, err := decompressor(e.kind, io.TeeReader(src, counter))
	if err != nil {
		return 0, err
	}
	defer closeFn()

	switch e.kind {
	case KindTar, KindTarGzip, KindTarZstd:
		return extractTarDisk(ctx, r, validator, destPath)
	default:
		return writeFileAtomically(ctx, destPath, r, validator.Writer())
	}
}

// writeFileAtomically streams src into a temp file beside destPath and
// renames it over destPath once complete. The temp file is removed on any
// failure, including cancellation.
func writeFileAtomically(ctx context.Context, destPath string, src io.Reader, extra ...io.Writer) (int64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create destination directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".*.partial")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	fail := func(n int64, err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return n, err
	}

	// Guards run first so an over-limit chunk is rejected before it lands.
	writers := append(extra, tmp)
	n, err := iox.Copy(ctx, io.MultiWriter(writers...), src)
	if err != nil {
		return fail(n, errors.Wrap(err, "failed to write disk image"))
	}
	if err := tmp.Sync(); err != nil {
		return fail(n, errors.Wrap(err, "failed to sync disk image"))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return n, errors.Wrap(err, "failed to close disk image")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return n, errors.Wrap(err, "failed to move disk image into place")
	}
	return n, nil
}
