package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/security"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diskBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

type zipEntry struct {
	name string
	data []byte
}

func writeZip(t *testing.T, path string, entries ...zipEntry) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

type recordingSink struct {
	mu      sync.Mutex
	reports []progress.ByteTransfer
}

func (r *recordingSink) ReportTransfer(b progress.ByteTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, b)
}

func newTestFactory() *Factory {
	return NewFactory(security.DefaultLimits, 0, nil)
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.partial"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files left behind")
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{"image.zip", KindZip, false},
		{"IMAGE.ZIP", KindZip, false},
		{"disk.vhdx.gz", KindGzip, false},
		{"disk.qcow2.zst", KindZstd, false},
		{"disk.img.lz4", KindLZ4, false},
		{"bundle.tar", KindTar, false},
		{"bundle.tar.gz", KindTarGzip, false},
		{"bundle.tgz", KindTarGzip, false},
		{"bundle.tar.zst", KindTarZstd, false},
		{"disk.vhdx", KindRaw, false},
		{"notes.txt", 0, true},
	}

	for _, tt := range tests {
		got, err := DetectKind(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindRaw; k <= KindTarZstd; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("rar")
	assert.Error(t, err)
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "image.zip")
	disk := diskBytes(256 * 1024)
	writeZip(t, src,
		zipEntry{"README.txt", []byte("readme")},
		zipEntry{"Windows 11 dev environment.vhdx", disk},
	)

	dest := filepath.Join(dir, "vms", "dev.vhdx")
	sink := &recordingSink{}

	ex, err := newTestFactory().ForFile(src)
	require.NoError(t, err)
	require.NoError(t, ex.Extract(context.Background(), sink, src, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(disk, got), "extracted disk differs")
	assertNoPartials(t, filepath.Dir(dest))

	require.NotEmpty(t, sink.reports)
	last := sink.reports[len(sink.reports)-1]
	assert.Equal(t, progress.KindArchiveExtraction, last.Kind)
	assert.Equal(t, uint32(100), last.Percentage())
	for i := 1; i < len(sink.reports); i++ {
		assert.GreaterOrEqual(t, sink.reports[i].BytesReceived, sink.reports[i-1].BytesReceived)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, zipEntry{"../../escape.vhdx", []byte("x")})

	dest := filepath.Join(dir, "out.vhdx")
	ex, err := newTestFactory().For(KindZip)
	require.NoError(t, err)

	assert.Error(t, ex.Extract(context.Background(), nil, src, dest))
	assert.NoFileExists(t, dest)
}

func TestExtractZipRejectsBomb(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bomb.zip")
	writeZip(t, src, zipEntry{"disk.vhdx", make([]byte, 4*1024*1024)})

	limits := security.Limits{MaxFileSize: 1 << 30, MaxTotalSize: 1 << 30, MaxCompressionRatio: 10}
	ex, err := NewFactory(limits, 0, nil).For(KindZip)
	require.NoError(t, err)

	dest := filepath.Join(dir, "out.vhdx")
	assert.Error(t, ex.Extract(context.Background(), nil, src, dest))
	assert.NoFileExists(t, dest)
}

func TestExtractStreams(t *testing.T) {
	disk := diskBytes(128 * 1024)

	tests := []struct {
		name     string
		file     string
		compress func(w io.Writer) io.WriteCloser
	}{
		{"gzip", "disk.vhdx.gz", func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }},
		{"zstd", "disk.vhdx.zst", func(w io.Writer) io.WriteCloser {
			enc, err := zstd.NewWriter(w)
			if err != nil {
				panic(err)
			}
			return enc
		}},
		{"lz4", "disk.vhdx.lz4", func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			var buf bytes.Buffer
			cw := tt.compress(&buf)
			_, err := cw.Write(disk)
			require.NoError(t, err)
			require.NoError(t, cw.Close())

			src := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(src, buf.Bytes(), 0644))

			ex, err := newTestFactory().ForFile(src)
			require.NoError(t, err)

			dest := filepath.Join(dir, "out.vhdx")
			require.NoError(t, ex.Extract(context.Background(), nil, src, dest))

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(disk, got))
		})
	}
}

func TestExtractTarPicksDisk(t *testing.T) {
	dir := t.TempDir()
	disk := diskBytes(64 * 1024)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	add("meta/manifest.json", []byte(`{}`))
	add("disk/ubuntu.qcow2", disk)
	require.NoError(t, tw.Close())

	src := filepath.Join(dir, "bundle.tar")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0644))

	ex, err := newTestFactory().ForFile(src)
	require.NoError(t, err)

	dest := filepath.Join(dir, "out.qcow2")
	require.NoError(t, ex.Extract(context.Background(), nil, src, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(disk, got))
}

func TestExtractCanceledLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "image.zip")
	writeZip(t, src, zipEntry{"disk.vhdx", diskBytes(64 * 1024)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex, err := newTestFactory().For(KindZip)
	require.NoError(t, err)

	dest := filepath.Join(dir, "out.vhdx")
	err = ex.Extract(ctx, nil, src, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dest)
	assertNoPartials(t, dir)
}

func TestExtractTotalSizeLimit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.vhdx")
	require.NoError(t, os.WriteFile(src, diskBytes(8*1024), 0644))

	limits := security.Limits{MaxTotalSize: 1024, MaxCompressionRatio: 10}
	ex, err := NewFactory(limits, 0, nil).For(KindRaw)
	require.NoError(t, err)

	dest := filepath.Join(dir, "copy.vhdx")
	assert.Error(t, ex.Extract(context.Background(), nil, src, dest))
	assert.NoFileExists(t, dest)
	assertNoPartials(t, dir)
}
