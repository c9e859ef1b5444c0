package gallery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/devhome-oss/envhost/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultURI is the public VM gallery.
const DefaultURI = "https://go.microsoft.com/fwlink/?linkid=851584"

// Opener opens a URI for reading. download.Client satisfies it.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, int64, error)
}

// Catalog fetches the gallery and caches it for a TTL. Concurrent callers
// share a single in-flight fetch.
type Catalog struct {
	uri    string
	opener Opener
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	images    []Image
	fetchedAt time.Time
}

// NewCatalog returns a Catalog reading uri through opener. A ttl of zero
// disables caching.
func NewCatalog(uri string, opener Opener, ttl time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		uri:    uri,
		opener: opener,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Images returns the gallery entries. The returned slice is shared and
// must not be modified.
func (c *Catalog) Images(ctx context.Context) ([]Image, error) {
	if images, ok := c.cached(); ok {
		return images, nil
	}

	v, err, shared := c.group.Do("images", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("gallery_fetch_shared", "uri", c.uri)
	}
	return v.([]Image), nil
}

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = nil
	c.fetchedAt = time.Time{}
}

func (c *Catalog) cached() ([]Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.images == nil || c.ttl <= 0 {
		return nil, false
	}
	if c.now().Sub(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.images, true
}

func (c *Catalog) fetch(ctx context.Context) ([]Image, error) {
	c.logger.Info("gallery_fetch_start", "uri", c.uri)

	body, _, err := c.opener.Open(ctx, c.uri)
	if err != nil {
		c.logger.Error("gallery_fetch_failed", "uri", c.uri, "error", err)
		return nil, errors.Wrap(err, "failed to fetch gallery")
	}
	defer body.Close()

	images, err := Parse(body)
	if err != nil {
		c.logger.Error("gallery_parse_failed", "uri", c.uri, "error", err)
		return nil, err
	}

	c.mu.Lock()
	c.images = images
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Info("gallery_fetch_complete", "uri", c.uri, "image_count", len(images))
	return images, nil
}
