package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devhome-oss/envhost/pkg/errors"
)

// HTTPSource fetches http and https URIs. Connection setup and 5xx
// responses are retried with exponential backoff; once the body starts
// streaming, failures are returned to the caller.
type HTTPSource struct {
	Client          *http.Client
	MaxRetries      uint64
	InitialInterval time.Duration
	UserAgent       string
}

// NewHTTPSource returns an HTTPSource with no overall timeout, since disk
// images can take a long time to stream.
func NewHTTPSource(maxRetries uint64) *HTTPSource {
	return &HTTPSource{
		Client:          &http.Client{},
		MaxRetries:      maxRetries,
		InitialInterval: 500 * time.Millisecond,
		UserAgent:       "envhost",
	}
}

func (h *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, h.MaxRetries), ctx)

	attempt := 0
	resp, err := backoff.RetryWithData(func() (*http.Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if h.UserAgent != "" {
			req.Header.Set("User-Agent", h.UserAgent)
		}

		resp, err := h.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			slog.Warn("http_request_failed", "url", u.Redacted(), "attempt", attempt, "error", err)
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			slog.Warn("http_request_retryable_status", "url", u.Redacted(), "attempt", attempt, "status", resp.StatusCode)
			return nil, fmt.Errorf("server returned %s", resp.Status)
		default:
			resp.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("server returned %s", resp.Status))
		}
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, errors.WithKind(errors.KindDownload, err, "download request failed")
	}

	return resp.Body, resp.ContentLength, nil
}
