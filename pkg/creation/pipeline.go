// Package creation provisions virtual machines from gallery images: fetch
// the catalog, download and verify the archive, extract the disk and
// register the VM with the host.
package creation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/devhome-oss/envhost/pkg/archive"
	"github.com/devhome-oss/envhost/pkg/download"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/gallery"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/resources"
	"github.com/devhome-oss/envhost/pkg/vmhost"
)

// Catalog lists gallery images in a stable order.
type Catalog interface {
	Images(ctx context.Context) ([]gallery.Image, error)
}

// Verifier checks a file against an expected digest.
type Verifier interface {
	Verify(ctx context.Context, path, expected string) (bool, error)
}

// ExtractorFactory picks the extractor for an archive file.
type ExtractorFactory interface {
	ForFile(name string) (archive.Extractor, error)
}

// Deps are the collaborators shared by every run. All of them must be safe
// for concurrent use.
type Deps struct {
	Catalog    Catalog
	Downloader download.Downloader
	Verifier   Verifier
	Extractors ExtractorFactory
	Host       vmhost.Manager

	// Store records run history. Optional.
	Store Store

	// TempDir holds downloaded archives, shared across runs.
	TempDir string

	Strings *resources.Strings
	Logger  *slog.Logger

	// NumCPU reports logical processors; defaults to runtime.NumCPU.
	NumCPU func() int
}

// UserInput is what the user chose.
type UserInput struct {
	ImageIndex int
	VMName     string
}

// Job is the state threaded through the pipeline steps. It is plain data
// so a durable runner can persist it between steps.
type Job struct {
	OperationID string
	Input       UserInput
	Image       *gallery.Image
	ArchivePath string
	Reused      bool
	DiskPath    string
	VM          *vmhost.VM
}

// Pipeline runs the individual creation steps. Operation sequences them in
// process; pkg/fsm sequences them durably.
type Pipeline struct {
	deps Deps
}

// NewPipeline fills in defaults for optional Deps.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Strings == nil {
		deps.Strings = resources.Default
	}
	if deps.NumCPU == nil {
		deps.NumCPU = runtime.NumCPU
	}
	if deps.TempDir == "" {
		deps.TempDir = filepath.Join(os.TempDir(), "envhost")
	}
	return &Pipeline{deps: deps}
}

// Strings returns the message table results are rendered with.
func (p *Pipeline) Strings() *resources.Strings {
	return p.deps.Strings
}

// fail tags err with kind and a display message. Cancellation always wins
// so a canceled download never reads as a download failure.
func (p *Pipeline) fail(ctx context.Context, kind errors.Kind, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.KindOf(err) == errors.KindCanceled {
		var tagged *errors.Error
		if errors.As(err, &tagged) && tagged.Kind == errors.KindCanceled {
			return err
		}
		return errors.WithKind(errors.KindCanceled, err, p.deps.Strings.Get(resources.OperationCanceled))
	}
	return errors.WithKind(kind, err, p.deps.Strings.Get(resources.OperationFailed, err.Error()))
}

// Validate rejects input that cannot produce a VM before any I/O happens.
func (p *Pipeline) Validate(job *Job) error {
	if strings.TrimSpace(job.Input.VMName) == "" {
		return errors.New(errors.KindInvalidInput,
			p.deps.Strings.Get(resources.OperationFailed, "virtual machine name cannot be empty"))
	}
	return nil
}

// ResolveImage fetches the catalog and picks the image the user chose.
func (p *Pipeline) ResolveImage(ctx context.Context, job *Job) error {
	images, err := p.deps.Catalog.Images(ctx)
	if err != nil {
		return p.fail(ctx, errors.KindDownload, err)
	}
	if len(images) == 0 {
		return errors.New(errors.KindCatalogEmpty, p.deps.Strings.Get(resources.NoImagesAvailable))
	}

	idx := job.Input.ImageIndex
	if idx < 0 || idx >= len(images) {
		return errors.New(errors.KindInvalidInput, p.deps.Strings.Get(resources.InvalidImageIndex, idx, len(images)))
	}

	img := images[idx]
	job.Image = &img
	p.deps.Logger.Info("creation_image_resolved",
		"operation_id", job.OperationID,
		"image", img.Name,
		"uri", img.Disk.URI)
	return nil
}

// FetchArchive makes sure a verified copy of the image archive exists in
// the temp directory, reusing a previous download when its digest matches.
// A file that fails verification after download is deleted.
func (p *Pipeline) FetchArchive(ctx context.Context, job *Job, sink progress.Sink) error {
	logger := p.deps.Logger.With("operation_id", job.OperationID, "image", job.Image.Name)

	name, err := gallery.ArchiveFileName(*job.Image)
	if err != nil {
		return p.fail(ctx, errors.KindInvalidInput, err)
	}
	if err := os.MkdirAll(p.deps.TempDir, 0755); err != nil {
		return p.fail(ctx, errors.KindDownload, errors.Wrap(err, "failed to create temp directory"))
	}
	job.ArchivePath = filepath.Join(p.deps.TempDir, name)
	job.Reused = false

	if _, err := os.Stat(job.ArchivePath); err == nil {
		ok, err := p.deps.Verifier.Verify(ctx, job.ArchivePath, job.Image.Disk.Hash)
		switch {
		case err != nil && ctx.Err() != nil:
			return p.fail(ctx, errors.KindCanceled, err)
		case err != nil:
			logger.Warn("creation_reuse_check_failed", "path", job.ArchivePath, "error", err)
		case ok:
			job.Reused = true
			logger.Info("creation_archive_reused", "path", job.ArchivePath)
		}
		if !job.Reused {
			p.removeBestEffort(logger, job.ArchivePath)
		}
	}

	if !job.Reused {
		logger.Info("creation_download_start", "uri", job.Image.Disk.URI, "path", job.ArchivePath)
		if err := p.deps.Downloader.Download(ctx, job.Image.Disk.URI, job.ArchivePath, sink); err != nil {
			return p.fail(ctx, errors.KindDownload, err)
		}
	}

	ok, err := p.deps.Verifier.Verify(ctx, job.ArchivePath, job.Image.Disk.Hash)
	if err != nil {
		if ctx.Err() == nil {
			p.removeBestEffort(logger, job.ArchivePath)
		}
		return p.fail(ctx, errors.KindIntegrity, err)
	}
	if !ok {
		p.removeBestEffort(logger, job.ArchivePath)
		logger.Error("creation_integrity_failed", "path", job.ArchivePath, "reused", job.Reused)
		return errors.New(errors.KindIntegrity, p.deps.Strings.Get(resources.DownloadOperationFailedHash))
	}
	return nil
}

func (p *Pipeline) removeBestEffort(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("creation_cleanup_failed", "path", path, "error", err)
	}
}

// ExtractDisk picks a free disk path for the VM and extracts the archive to
// it. The path is resolved here rather than when the run starts, so disks
// created in the meantime are seen.
func (p *Pipeline) ExtractDisk(ctx context.Context, job *Job, sink progress.Sink) error {
	diskDir := p.deps.Host.DefaultPaths().DiskDir
	if err := os.MkdirAll(diskDir, 0755); err != nil {
		return p.fail(ctx, errors.KindExtraction, errors.Wrap(err, "failed to create disk directory"))
	}

	diskPath, err := ResolveUniquePath(diskDir, SanitizeName(job.Input.VMName), job.Image.DiskExtension())
	if err != nil {
		return p.fail(ctx, errors.KindExtraction, err)
	}

	extractor, err := p.deps.Extractors.ForFile(job.ArchivePath)
	if err != nil {
		return p.fail(ctx, errors.KindExtraction, err)
	}

	p.deps.Logger.Info("creation_extract_start",
		"operation_id", job.OperationID,
		"archive", job.ArchivePath,
		"disk_path", diskPath)

	if err := extractor.Extract(ctx, sink, job.ArchivePath, diskPath); err != nil {
		return p.fail(ctx, errors.KindExtraction, err)
	}
	job.DiskPath = diskPath
	return nil
}

// RegisterVM hands the disk to the host. Cancellation is checked once on
// entry; after that the call runs to completion.
func (p *Pipeline) RegisterVM(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, errors.KindCanceled, err)
	}

	params := vmhost.CreateParams{
		Name:             job.Input.VMName,
		CPUs:             ProcessorCount(p.deps.NumCPU()),
		DiskPath:         job.DiskPath,
		SecureBoot:       job.Image.Config.SecureBoot,
		SessionTransport: string(job.Image.Config.SessionTransport),
	}
	p.deps.Logger.Info("creation_register_start",
		"operation_id", job.OperationID,
		"vm_name", params.Name,
		"cpus", params.CPUs,
		"disk_path", params.DiskPath)

	vm, err := p.deps.Host.CreateVMFromDisk(context.WithoutCancel(ctx), params)
	if err != nil {
		return p.fail(context.WithoutCancel(ctx), errors.KindRegistration, err)
	}
	job.VM = vm
	return nil
}
