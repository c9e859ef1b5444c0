package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []progress.ByteTransfer
}

func (r *recordingSink) ReportTransfer(b progress.ByteTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, b)
}

func testClient() *Client {
	src := NewHTTPSource(3)
	src.InitialInterval = time.Millisecond
	return NewClient(
		WithSource("http", src),
		WithProgressInterval(0),
	)
}

func TestDownloadHTTP(t *testing.T) {
	payload := strings.Repeat("disk-bytes-", 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "archive.zip")
	sink := &recordingSink{}

	require.NoError(t, testClient().Download(context.Background(), srv.URL+"/image.zip", dest, sink))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
	assert.NoFileExists(t, dest+PartSuffix)

	require.NotEmpty(t, sink.reports)
	for i := 1; i < len(sink.reports); i++ {
		assert.GreaterOrEqual(t, sink.reports[i].BytesReceived, sink.reports[i-1].BytesReceived)
	}
	last := sink.reports[len(sink.reports)-1]
	assert.Equal(t, progress.KindDownload, last.Kind)
	assert.Equal(t, int64(len(payload)), last.BytesReceived)
	assert.Equal(t, uint32(100), last.Percentage())
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, testClient().Download(context.Background(), srv.URL, dest, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "archive.zip")
	err := testClient().Download(context.Background(), srv.URL, dest, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindDownload, errors.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.NoFileExists(t, dest)
}

func TestDownloadCanceledRemovesPartFile(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000000")
		w.Write([]byte(strings.Repeat("x", 4096)))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	dest := filepath.Join(t.TempDir(), "archive.zip")
	err := testClient().Download(ctx, srv.URL, dest, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCanceled(err), "expected cancellation, got %v", err)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestDownloadFileURI(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.zip")
	require.NoError(t, os.WriteFile(src, []byte("local archive"), 0644))

	dest := filepath.Join(dir, "cache", "copy.zip")
	require.NoError(t, NewClient().Download(context.Background(), "file://"+filepath.ToSlash(src), dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "local archive", string(got))
}

func TestDownloadUnsupportedScheme(t *testing.T) {
	err := NewClient().Download(context.Background(), "ftp://example.com/a.zip", filepath.Join(t.TempDir(), "a.zip"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}
