package creation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// invalidFileNameChars is the union of characters rejected in file names
// by the platforms VM disks are shared across.
const invalidFileNameChars = `<>:"/\|?*`

// SanitizeName replaces every character that is invalid in a file name
// with '_'. Only the disk file name is sanitized; the VM keeps the name the
// user typed.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(invalidFileNameChars, r) {
			return '_'
		}
		return r
	}, name)
}

// ResolveUniquePath returns dir/name+ext, or the first free
// dir/"name (N)"+ext for N = 1, 2, ... when it is taken.
func ResolveUniquePath(dir, name, ext string) (string, error) {
	candidate := filepath.Join(dir, name+ext)
	for n := 1; ; n++ {
		_, err := os.Lstat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, n, ext))
	}
}

// ProcessorCount is the number of virtual processors given to a new VM:
// half the host's logical processors, at least one.
func ProcessorCount(logical int) int {
	return max(1, logical/2)
}
