package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/security"
)

// extractTarDisk writes the first regular entry with a disk extension.
// Tar is read front to back, so entries before the disk are validated and
// skipped, and entries after it are never read.
func extractTarDisk(ctx context.Context, r io.Reader, validator *security.Validator, destPath string) (int64, error) {
	tr := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return 0, fmt.Errorf("tar archive contains no disk image")
		}
		if err != nil {
			return 0, errors.Wrap(err, "tar read error")
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return 0, errors.Wrap(err, "invalid path in tar")
		}

		if header.Typeflag != tar.TypeReg || !IsDiskFile(header.Name) {
			continue
		}

		if err := validator.ValidateFileSize(header.Size); err != nil {
			return 0, err
		}

		return writeFileAtomically(ctx, destPath, tr, validator.Writer())
	}
}
