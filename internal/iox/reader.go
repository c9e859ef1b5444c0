// Package iox holds small io helpers shared by the streaming collaborators.
package iox

import (
	"context"
	"io"
)

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader returns a reader that fails with ctx.Err() once ctx is done,
// checked before every Read.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CopyBufferSize is the chunk size used for disk-image streaming.
const CopyBufferSize = 1024 * 1024

// Copy streams src to dst with a CopyBufferSize buffer, honoring ctx.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, CopyBufferSize)
	return io.CopyBuffer(dst, ContextReader(ctx, src), buf)
}
