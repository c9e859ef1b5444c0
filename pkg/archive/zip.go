package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/security"
	"github.com/klauspost/compress/zip"
)

func (e *extractor) extractZip(ctx context.Context, sink progress.Sink, src *os.File, srcSize int64, validator *security.Validator, destPath string) (int64, error) {
	zr, err := zip.NewReader(src, srcSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read zip")
	}

	var names []string
	var files []*zip.File
	for _, f := range zr.File {
		if err := validator.ValidatePath(f.Name); err != nil {
			return 0, errors.Wrap(err, "invalid path in zip")
		}
		if !f.Mode().IsRegular() {
			continue
		}
		names = append(names, f.Name)
		files = append(files, f)
	}

	idx := pickDiskEntry(names)
	if idx < 0 {
		return 0, fmt.Errorf("zip archive contains no files")
	}
	entry := files[idx]

	size := int64(entry.UncompressedSize64)
	if err := validator.ValidateFileSize(size); err != nil {
		return 0, err
	}
	if entry.CompressedSize64 > 0 {
		if err := validator.ValidateCompressionRatio(int64(entry.CompressedSize64), size); err != nil {
			return 0, err
		}
	}

	rc, err := entry.Open()
	if err != nil {
		return 0, errors.Wrap(err, "failed to open zip entry")
	}
	defer rc.Close()

	counter := progress.NewCounter(progress.KindArchiveExtraction, size, sink, e.factory.interval)
	defer counter.Finish()

	// The declared size is not trusted; the guard enforces the real total.
	return writeFileAtomically(ctx, destPath, rc, validator.Writer(), counter)
}

// pickDiskEntry chooses which entry holds the disk: the first with a disk
// extension, else the first entry. Returns -1 if names is empty.
func pickDiskEntry(names []string) int {
	for i, n := range names {
		if IsDiskFile(n) {
			return i
		}
	}
	if len(names) > 0 {
		return 0
	}
	return -1
}
