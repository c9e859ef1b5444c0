package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Limits bounds what an archive may expand to. Limits are immutable and
// shared; each extraction gets its own Validator from NewValidator.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits allows a 256GB disk at up to 1000:1 (sparse disk images
// compress extremely well).
var DefaultLimits = Limits{
	MaxFileSize:         256 * 1024 * 1024 * 1024,
	MaxTotalSize:        256 * 1024 * 1024 * 1024,
	MaxCompressionRatio: 1000.0,
}

// Validator tracks one extraction against Limits.
type Validator struct {
	limits Limits

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator starts a validation session for one archive.
func (l Limits) NewValidator() *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", l.MaxFileSize/1024/1024,
		"max_total_size_mb", l.MaxTotalSize/1024/1024,
		"max_compression_ratio", l.MaxCompressionRatio)

	return &Validator{limits: l}
}

// ValidatePath rejects archive entry names that would escape the
// destination directory.
func (v *Validator) ValidatePath(entryPath string) error {
	if entryPath == "" {
		return fmt.Errorf("security: empty entry name")
	}

	// Zip entries use forward slashes regardless of platform.
	normalized := filepath.FromSlash(entryPath)

	if filepath.IsAbs(normalized) || strings.HasPrefix(entryPath, "/") || filepath.VolumeName(normalized) != "" {
		slog.Error("security_path_validation_failed", "path", entryPath, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", entryPath)
	}

	clean := filepath.Clean(normalized)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", entryPath, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", entryPath)
	}

	return nil
}

// ValidateFileSize checks a single entry against MaxFileSize.
func (v *Validator) ValidateFileSize(size int64) error {
	if v.limits.MaxFileSize > 0 && size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.limits.MaxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks it against
// MaxTotalSize. Streaming extractors call it per chunk.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.limits.MaxTotalSize > 0 && v.currentTotalSize > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			v.currentTotalSize, v.limits.MaxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks for decompression bombs.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}
	if v.limits.MaxCompressionRatio <= 0 {
		return nil
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.limits.MaxCompressionRatio, compressedSize, uncompressedSize)
	}

	return nil
}

// Writer returns an io.Writer-compatible counter that enforces MaxTotalSize
// as bytes stream through it.
func (v *Validator) Writer() *SizeGuard {
	return &SizeGuard{v: v}
}

// SizeGuard is a write-only sink that fails once the session exceeds its
// total size budget. Use it in an io.MultiWriter next to the real output.
type SizeGuard struct {
	v *Validator
}

func (g *SizeGuard) Write(p []byte) (int, error) {
	if err := g.v.AddExtractedSize(int64(len(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetCurrentTotalSize returns the current total extracted size.
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
