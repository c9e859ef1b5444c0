package archive

import (
	"fmt"
	"io"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func decompressor(kind Kind, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}

	switch kind {
	case KindRaw, KindTar:
		return r, noop, nil

	case KindGzip, KindTarGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, errors.Wrap(err, "gzip header")
		}
		return zr, func() { zr.Close() }, nil

	case KindZstd, KindTarZstd:
		// Single-threaded decoding keeps memory flat for multi-GB disks.
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, errors.Wrap(err, "zstd decoder")
		}
		return zr, zr.Close, nil

	case KindLZ4:
		return lz4.NewReader(r), noop, nil

	default:
		return nil, nil, fmt.Errorf("no stream decoder for %s", kind)
	}
}
