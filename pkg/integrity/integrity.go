// Package integrity computes and checks content digests of downloaded
// archives. Files are streamed, never loaded whole.
package integrity

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"

	"github.com/devhome-oss/envhost/internal/iox"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// Supported algorithms.
const (
	SHA256 = "sha256"
	SHA384 = "sha384"
	SHA512 = "sha512"
	BLAKE3 = "blake3"
)

// Digest is an algorithm-qualified hex digest.
type Digest struct {
	Algorithm string
	Hex       string
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// Equal compares digests; hex comparison is case-insensitive.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && strings.EqualFold(d.Hex, other.Hex)
}

// ParseDigest accepts "<alg>:<hex>" or bare hex. Bare hex is assumed to be
// sha256 (64 chars), sha384 (96) or sha512 (128). Hex case is ignored.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	alg, encoded, found := strings.Cut(s, ":")
	if !found {
		encoded = alg
		switch len(encoded) {
		case 64:
			alg = SHA256
		case 96:
			alg = SHA384
		case 128:
			alg = SHA512
		default:
			return Digest{}, fmt.Errorf("cannot infer algorithm for %d hex characters", len(encoded))
		}
	}
	alg = strings.ToLower(alg)
	encoded = strings.ToLower(encoded)

	if alg == BLAKE3 {
		if len(encoded) != 64 {
			return Digest{}, fmt.Errorf("blake3 digest must be 64 hex characters, got %d", len(encoded))
		}
		if _, err := hex.DecodeString(encoded); err != nil {
			return Digest{}, errors.Wrap(err, "invalid blake3 digest")
		}
		return Digest{Algorithm: alg, Hex: encoded}, nil
	}

	d := digest.NewDigestFromEncoded(digest.Algorithm(alg), encoded)
	if err := d.Validate(); err != nil {
		return Digest{}, errors.Wrap(err, "invalid digest")
	}
	return Digest{Algorithm: alg, Hex: encoded}, nil
}

func newHash(alg string) (hash.Hash, error) {
	if alg == BLAKE3 {
		return blake3.New(), nil
	}
	a := digest.Algorithm(alg)
	if !a.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	return a.Hash(), nil
}

// Verifier hashes files on disk. It is safe for concurrent use.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier returns a Verifier logging to logger (slog.Default if nil).
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger}
}

// Hash streams the file at path through alg.
func (v *Verifier) Hash(ctx context.Context, path, alg string) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Wrap(err, "failed to open file for hashing")
	}
	defer f.Close()

	if _, err := iox.Copy(ctx, h, f); err != nil {
		return Digest{}, errors.Wrap(err, "failed to hash file")
	}

	return Digest{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// Verify reports whether the file at path matches expected. A mismatch is
// (false, nil); err is reserved for I/O failures and malformed digests.
func (v *Verifier) Verify(ctx context.Context, path, expected string) (bool, error) {
	want, err := ParseDigest(expected)
	if err != nil {
		return false, errors.WithKind(errors.KindInvalidInput, err, "invalid expected digest")
	}

	got, err := v.Hash(ctx, path, want.Algorithm)
	if err != nil {
		return false, err
	}

	if !got.Equal(want) {
		v.logger.Warn("integrity_mismatch",
			"path", path,
			"algorithm", want.Algorithm,
			"expected", shorten(want.Hex),
			"actual", shorten(got.Hex))
		return false, nil
	}

	v.logger.Info("integrity_verified", "path", path, "algorithm", want.Algorithm, "digest", shorten(got.Hex))
	return true, nil
}

func shorten(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}
