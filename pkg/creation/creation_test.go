package creation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devhome-oss/envhost/pkg/archive"
	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/gallery"
	"github.com/devhome-oss/envhost/pkg/integrity"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/security"
	"github.com/devhome-oss/envhost/pkg/vmhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var diskContent = []byte(strings.Repeat("virtual disk sector ", 4096))

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type fakeCatalog struct {
	images []gallery.Image
	err    error
	calls  atomic.Int32
}

func (c *fakeCatalog) Images(context.Context) ([]gallery.Image, error) {
	c.calls.Add(1)
	return c.images, c.err
}

type fakeDownloader struct {
	content []byte
	calls   atomic.Int32

	// When block is set, Download signals started and then waits for
	// release or cancellation.
	block   bool
	started chan struct{}
	release chan struct{}
}

func newBlockingDownloader(content []byte) *fakeDownloader {
	return &fakeDownloader{
		content: content,
		block:   true,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *fakeDownloader) Download(ctx context.Context, _, destPath string, sink progress.Sink) error {
	d.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.block {
		close(d.started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.release:
		}
	}
	total := int64(len(d.content))
	sink.ReportTransfer(progress.ByteTransfer{Kind: progress.KindDownload, BytesReceived: total / 2, TotalBytes: total})
	if err := os.WriteFile(destPath, d.content, 0644); err != nil {
		return err
	}
	sink.ReportTransfer(progress.ByteTransfer{Kind: progress.KindDownload, BytesReceived: total, TotalBytes: total})
	return nil
}

type failingVerifier struct {
	err error
}

func (v failingVerifier) Verify(context.Context, string, string) (bool, error) {
	return false, v.err
}

type fakeHost struct {
	paths vmhost.Paths

	mu     sync.Mutex
	params []vmhost.CreateParams
	err    error
	panic  string
}

func (h *fakeHost) DefaultPaths() vmhost.Paths { return h.paths }

func (h *fakeHost) CreateVMFromDisk(_ context.Context, p vmhost.CreateParams) (*vmhost.VM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panic != "" {
		panic(h.panic)
	}
	if h.err != nil {
		return nil, h.err
	}
	h.params = append(h.params, p)
	return &vmhost.VM{
		ID:       "vm-" + p.Name,
		Name:     p.Name,
		DiskPath: p.DiskPath,
		CPUs:     p.CPUs,
		State:    vmhost.StateStopped,
	}, nil
}

func (h *fakeHost) created() []vmhost.CreateParams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]vmhost.CreateParams(nil), h.params...)
}

type fixture struct {
	catalog    *fakeCatalog
	downloader *fakeDownloader
	host       *fakeHost
	tempDir    string
	diskDir    string
	image      gallery.Image
	deps       Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	img := gallery.Image{
		Name: "Windows 11 dev environment",
		Disk: gallery.Disk{
			URI:                 "https://download.example.com/images/WinDev.vhdx",
			Hash:                digestOf(diskContent),
			ArchiveRelativePath: "WinDev.vhdx",
		},
	}

	f := &fixture{
		catalog:    &fakeCatalog{images: []gallery.Image{img}},
		downloader: &fakeDownloader{content: diskContent},
		host: &fakeHost{paths: vmhost.Paths{
			DiskDir: filepath.Join(root, "disks"),
			VMDir:   filepath.Join(root, "vms"),
		}},
		tempDir: filepath.Join(root, "tmp"),
		diskDir: filepath.Join(root, "disks"),
		image:   img,
	}
	f.deps = Deps{
		Catalog:    f.catalog,
		Verifier:   integrity.NewVerifier(logger),
		Extractors: archive.NewFactory(security.DefaultLimits, 0, logger),
		Host:       f.host,
		TempDir:    f.tempDir,
		Logger:     logger,
		NumCPU:     func() int { return 8 },
	}
	return f
}

func (f *fixture) operation(name string) *Operation {
	deps := f.deps
	deps.Downloader = f.downloader
	return NewOperation(NewPipeline(deps), UserInput{ImageIndex: 0, VMName: name})
}

func (f *fixture) archivePath(t *testing.T) string {
	t.Helper()
	name, err := gallery.ArchiveFileName(f.image)
	require.NoError(t, err)
	return filepath.Join(f.tempDir, name)
}

func diskFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateSucceeds(t *testing.T) {
	f := newFixture(t)
	op := f.operation("dev box")

	var mu sync.Mutex
	var updates []Progress
	op.Subscribe(func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})

	result := op.Start(context.Background())
	require.True(t, result.Succeeded(), result.DiagnosticText)
	assert.Equal(t, StateCompleted, op.State())
	assert.Equal(t, "dev box", result.VM.Name)

	wantDisk := filepath.Join(f.diskDir, "dev box.vhdx")
	assert.Equal(t, wantDisk, result.VM.DiskPath)
	got, err := os.ReadFile(wantDisk)
	require.NoError(t, err)
	assert.Equal(t, diskContent, got)

	params := f.host.created()
	require.Len(t, params, 1)
	assert.Equal(t, 4, params[0].CPUs)

	mu.Lock()
	defer mu.Unlock()
	var sawDownload, sawExtract, sawRegister bool
	for _, u := range updates {
		switch {
		case strings.HasPrefix(u.Text, "Downloading Windows 11 dev environment"):
			sawDownload = true
		case strings.HasPrefix(u.Text, "Extracting "+filepath.Base(f.archivePath(t))+" (Windows 11 dev environment)"):
			sawExtract = true
		case u.Text == "Creating virtual machine dev box":
			sawRegister = true
		}
	}
	assert.True(t, sawDownload, "missing download progress")
	assert.True(t, sawExtract, "missing extraction progress")
	assert.True(t, sawRegister, "missing registration status")
}

func TestConcurrentStartRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.downloader = newBlockingDownloader(diskContent)
	op := f.operation("dev")

	first := op.StartAsync(context.Background())
	<-f.downloader.started

	second := op.Start(context.Background())
	assert.False(t, second.Succeeded())
	assert.Equal(t, errors.KindContention, second.Kind())
	assert.Equal(t, "An operation is already in progress", second.DisplayMessage)

	close(f.downloader.release)
	result := <-first
	require.True(t, result.Succeeded(), result.DiagnosticText)
	assert.Equal(t, int32(1), f.catalog.calls.Load())
	assert.Len(t, f.host.created(), 1)
}

func TestStartAfterCompletionReturnsCachedResult(t *testing.T) {
	f := newFixture(t)
	op := f.operation("dev")

	first := op.Start(context.Background())
	second := op.Start(context.Background())

	assert.Same(t, first, second)
	assert.Same(t, first, op.Result())
	assert.Equal(t, int32(1), f.catalog.calls.Load())
	assert.Equal(t, int32(1), f.downloader.calls.Load())
}

func TestMatchingArchiveIsReused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.tempDir, 0755))
	require.NoError(t, os.WriteFile(f.archivePath(t), diskContent, 0644))

	result := f.operation("dev").Start(context.Background())
	require.True(t, result.Succeeded(), result.DiagnosticText)
	assert.Equal(t, int32(0), f.downloader.calls.Load())
}

func TestMismatchedArchiveIsReplaced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.tempDir, 0755))
	require.NoError(t, os.WriteFile(f.archivePath(t), []byte("stale partial image"), 0644))

	result := f.operation("dev").Start(context.Background())
	require.True(t, result.Succeeded(), result.DiagnosticText)
	assert.Equal(t, int32(1), f.downloader.calls.Load())

	got, err := os.ReadFile(f.archivePath(t))
	require.NoError(t, err)
	assert.Equal(t, diskContent, got)
}

func TestCorruptDownloadIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.downloader.content = []byte("not the image you are looking for")

	result := f.operation("dev").Start(context.Background())
	assert.False(t, result.Succeeded())
	assert.Equal(t, errors.KindIntegrity, result.Kind())
	assert.Equal(t, "The download failed its integrity check", result.DisplayMessage)

	_, err := os.Stat(f.archivePath(t))
	assert.True(t, os.IsNotExist(err), "corrupt archive left behind")
	assert.Empty(t, diskFiles(t, f.diskDir))
	assert.Empty(t, f.host.created())
}

func TestUnreadableDownloadIsDeleted(t *testing.T) {
	f := newFixture(t)
	f.deps.Verifier = failingVerifier{err: os.ErrPermission}

	result := f.operation("dev").Start(context.Background())
	assert.False(t, result.Succeeded())
	assert.Equal(t, errors.KindIntegrity, result.Kind())
	assert.ErrorIs(t, result.Err, os.ErrPermission)
	assert.Equal(t, int32(1), f.downloader.calls.Load())

	_, err := os.Stat(f.archivePath(t))
	assert.True(t, os.IsNotExist(err), "unverified archive left behind")
	assert.Empty(t, f.host.created())
}

func TestDiskNamesAreUnique(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.diskDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.diskDir, "Foo.vhdx"), nil, 0644))

	first := f.operation("Foo").Start(context.Background())
	require.True(t, first.Succeeded(), first.DiagnosticText)
	assert.Equal(t, filepath.Join(f.diskDir, "Foo (1).vhdx"), first.VM.DiskPath)

	second := f.operation("Foo").Start(context.Background())
	require.True(t, second.Succeeded(), second.DiagnosticText)
	assert.Equal(t, filepath.Join(f.diskDir, "Foo (2).vhdx"), second.VM.DiskPath)

	// The second run finds the first run's verified archive.
	assert.Equal(t, int32(1), f.downloader.calls.Load())
}

func TestDiskNameIsSanitized(t *testing.T) {
	f := newFixture(t)

	result := f.operation(`build:agent?`).Start(context.Background())
	require.True(t, result.Succeeded(), result.DiagnosticText)

	params := f.host.created()
	require.Len(t, params, 1)
	assert.Equal(t, `build:agent?`, params[0].Name)
	assert.Equal(t, filepath.Join(f.diskDir, "build_agent_.vhdx"), params[0].DiskPath)
}

func TestCancelDuringDownload(t *testing.T) {
	f := newFixture(t)
	f.downloader = newBlockingDownloader(diskContent)
	op := f.operation("dev")

	done := op.StartAsync(context.Background())
	<-f.downloader.started
	op.Cancel()

	select {
	case result := <-done:
		assert.False(t, result.Succeeded())
		assert.Equal(t, errors.KindCanceled, result.Kind())
		assert.Equal(t, "The operation was canceled", result.DisplayMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled operation did not finish")
	}
	assert.Empty(t, diskFiles(t, f.diskDir))
	assert.Empty(t, f.host.created())
}

func TestCancelBeforeStart(t *testing.T) {
	f := newFixture(t)
	op := f.operation("dev")
	op.Cancel()

	result := op.Start(context.Background())
	assert.Equal(t, errors.KindCanceled, result.Kind())
	assert.Empty(t, f.host.created())
}

func TestCancelIsNotLoggedAsError(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	f.deps.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	op := f.operation("dev")
	op.Cancel()
	result := op.Start(context.Background())
	require.Equal(t, errors.KindCanceled, result.Kind())

	assert.Contains(t, logs.String(), "creation_canceled")
	assert.NotContains(t, logs.String(), "creation_failed")
	assert.NotContains(t, logs.String(), "level=ERROR")
}

func TestUnstartedOperationsHoldNoGoroutines(t *testing.T) {
	f := newFixture(t)
	before := runtime.NumGoroutine()

	ops := make([]*Operation, 50)
	for i := range ops {
		ops[i] = f.operation("dev")
		ops[i].Subscribe(func(Progress) {})
	}

	grown := runtime.NumGoroutine() - before
	assert.Less(t, grown, len(ops), "prepared operations started delivery goroutines")
}

func TestCatalogFailures(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		f.catalog.images = nil

		result := f.operation("dev").Start(context.Background())
		assert.Equal(t, errors.KindCatalogEmpty, result.Kind())
		assert.Equal(t, int32(0), f.downloader.calls.Load())
	})

	t.Run("index out of range", func(t *testing.T) {
		f := newFixture(t)
		deps := f.deps
		deps.Downloader = f.downloader
		op := NewOperation(NewPipeline(deps), UserInput{ImageIndex: 3, VMName: "dev"})

		result := op.Start(context.Background())
		assert.Equal(t, errors.KindInvalidInput, result.Kind())
		assert.Equal(t, "Image 3 is not in the gallery (1 images available)", result.DisplayMessage)
	})

	t.Run("fetch error", func(t *testing.T) {
		f := newFixture(t)
		f.catalog.err = errors.Wrap(os.ErrDeadlineExceeded, "failed to fetch gallery")

		result := f.operation("dev").Start(context.Background())
		assert.Equal(t, errors.KindDownload, result.Kind())
		assert.Contains(t, result.DiagnosticText, "failed to fetch gallery")
	})
}

func TestEmptyNameIsRejected(t *testing.T) {
	f := newFixture(t)

	result := f.operation("   ").Start(context.Background())
	assert.Equal(t, errors.KindInvalidInput, result.Kind())
	assert.Equal(t, int32(0), f.catalog.calls.Load())
}

func TestRegistrationFailure(t *testing.T) {
	f := newFixture(t)
	f.host.err = errors.New(errors.KindInvalidInput, "a virtual machine named dev already exists")

	result := f.operation("dev").Start(context.Background())
	assert.False(t, result.Succeeded())
	assert.Equal(t, errors.KindRegistration, result.Kind())
	assert.Equal(t, 1, strings.Count(result.DiagnosticText, "already exists"), result.DiagnosticText)
	assert.Contains(t, result.DisplayMessage, "already exists")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.host.panic = "hypervisor exploded"

	var result *Result
	require.NotPanics(t, func() {
		result = f.operation("dev").Start(context.Background())
	})
	assert.False(t, result.Succeeded())
	assert.Contains(t, result.DisplayMessage, "hypervisor exploded")
}

func TestRunIsRecorded(t *testing.T) {
	f := newFixture(t)
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "envhost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	f.deps.Store = repo

	t.Run("success", func(t *testing.T) {
		op := f.operation("dev")
		result := op.Start(context.Background())
		require.True(t, result.Succeeded(), result.DiagnosticText)

		rec, err := repo.GetOperation(context.Background(), op.ID())
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, db.StatusReady, rec.Status)
		assert.Equal(t, result.VM.ID, rec.VMID)
		assert.Equal(t, result.VM.DiskPath, rec.DiskPath)
	})

	t.Run("integrity failure", func(t *testing.T) {
		f.downloader = &fakeDownloader{content: []byte("bad")}
		require.NoError(t, os.RemoveAll(f.tempDir))

		op := f.operation("dev2")
		result := op.Start(context.Background())
		require.False(t, result.Succeeded())

		rec, err := repo.GetOperation(context.Background(), op.ID())
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, db.StatusFailed, rec.Status)
		assert.Equal(t, "integrity", rec.ErrorKind)
	})
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"plain":          "plain",
		`a<b>c:d"e`:      "a_b_c_d_e",
		`x/y\z|w?v*u`:    "x_y_z_w_v_u",
		"tab\there":      "tab_here",
		"Ubuntu (22.04)": "Ubuntu (22.04)",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

func TestResolveUniquePath(t *testing.T) {
	dir := t.TempDir()

	p, err := ResolveUniquePath(dir, "Foo", ".vhdx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Foo.vhdx"), p)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Foo.vhdx"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Foo (1).vhdx"), nil, 0644))
	p, err = ResolveUniquePath(dir, "Foo", ".vhdx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Foo (2).vhdx"), p)
}

func TestProcessorCount(t *testing.T) {
	assert.Equal(t, 1, ProcessorCount(0))
	assert.Equal(t, 1, ProcessorCount(1))
	assert.Equal(t, 1, ProcessorCount(3))
	assert.Equal(t, 8, ProcessorCount(16))
}
