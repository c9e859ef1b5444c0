package download

import (
	"context"
	"io"
	"net/url"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/storage"
)

// S3Source adapts a storage.Client to Source.
type S3Source struct {
	Client *storage.Client
}

func (s S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	obj, err := s.Client.Open(ctx, u.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, errors.WithKind(errors.KindDownload, err, "s3 download failed")
	}
	return obj.Body, obj.Size, nil
}
