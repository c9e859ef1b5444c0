package archive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// Kind identifies the container format of a downloaded archive.
type Kind uint8

const (
	// KindRaw is an uncompressed disk image; extraction is a copy.
	KindRaw Kind = iota

	// KindZip is a zip archive holding the disk image. The gallery
	// publishes its images this way.
	KindZip

	KindGzip
	KindZstd
	KindLZ4
	KindTar
	KindTarGzip
	KindTarZstd
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindZip:
		return "zip"
	case KindGzip:
		return "gzip"
	case KindZstd:
		return "zstd"
	case KindLZ4:
		return "lz4"
	case KindTar:
		return "tar"
	case KindTarGzip:
		return "tar_gzip"
	case KindTarZstd:
		return "tar_zstd"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseKind parses a kind from its String form.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "raw":
		return KindRaw, nil
	case "zip":
		return KindZip, nil
	case "gzip":
		return KindGzip, nil
	case "zstd":
		return KindZstd, nil
	case "lz4":
		return KindLZ4, nil
	case "tar":
		return KindTar, nil
	case "tar_gzip":
		return KindTarGzip, nil
	case "tar_zstd":
		return KindTarZstd, nil
	default:
		return 0, fmt.Errorf("unknown archive kind: %q", name)
	}
}

// compound suffixes are checked before single extensions.
var suffixKinds = []struct {
	suffix string
	kind   Kind
}{
	{".tar.gz", KindTarGzip},
	{".tgz", KindTarGzip},
	{".tar.zst", KindTarZstd},
	{".tzst", KindTarZstd},
	{".zip", KindZip},
	{".gz", KindGzip},
	{".zst", KindZstd},
	{".zstd", KindZstd},
	{".lz4", KindLZ4},
	{".tar", KindTar},
}

// DiskExtensions are file extensions recognized as virtual disk images.
var DiskExtensions = []string{".vhdx", ".vhd", ".qcow2", ".vmdk", ".img", ".raw", ".iso"}

// DetectKind infers the archive kind from a file name.
func DetectKind(name string) (Kind, error) {
	lower := strings.ToLower(filepath.Base(name))
	for _, sk := range suffixKinds {
		if strings.HasSuffix(lower, sk.suffix) {
			return sk.kind, nil
		}
	}
	if IsDiskFile(lower) {
		return KindRaw, nil
	}
	return 0, fmt.Errorf("cannot determine archive kind of %q", name)
}

// IsDiskFile reports whether name has a virtual disk extension.
func IsDiskFile(name string) bool {
	return lo.Contains(DiskExtensions, strings.ToLower(filepath.Ext(name)))
}
