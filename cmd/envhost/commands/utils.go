package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/devhome-oss/envhost/internal/config"
	"github.com/devhome-oss/envhost/pkg/archive"
	"github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/creation"
	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/download"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/gallery"
	"github.com/devhome-oss/envhost/pkg/integrity"
	"github.com/devhome-oss/envhost/pkg/provider"
	"github.com/devhome-oss/envhost/pkg/resources"
	"github.com/devhome-oss/envhost/pkg/security"
	"github.com/devhome-oss/envhost/pkg/storage"
	"github.com/devhome-oss/envhost/pkg/vmhost"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cfg *config.Config) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	for _, dir := range []string{cfg.FSMDBPath, cfg.TempDir, cfg.DiskDir, cfg.VMDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to create %s", dir))
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// env is everything a command needs, wired from config.
type env struct {
	cfg      *config.Config
	repo     *db.Repository
	host     *vmhost.Host
	catalog  *gallery.Catalog
	pipeline *creation.Pipeline
	strs     *resources.Strings
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := ensureDirectories(cfg); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	hv, err := newHypervisor(cfg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	s3Client, err := storage.NewClient(ctx, storage.Options{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "S3 client failed")
	}

	logger := slog.Default()
	httpSource := download.NewHTTPSource(cfg.DownloadRetries)
	downloader := download.NewClient(
		download.WithSource("http", httpSource),
		download.WithSource("https", httpSource),
		download.WithSource("s3", download.S3Source{Client: s3Client}),
		download.WithProgressInterval(cfg.ProgressInterval),
		download.WithLogger(logger),
	)

	limits := security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	}

	host := vmhost.NewHost(repo, hv, vmhost.Paths{DiskDir: cfg.DiskDir, VMDir: cfg.VMDir}, logger)
	catalog := gallery.NewCatalog(cfg.GalleryURL, downloader, cfg.GalleryCacheTTL, logger)
	strs := resources.New(cfg.Locale)

	pipeline := creation.NewPipeline(creation.Deps{
		Catalog:    catalog,
		Downloader: downloader,
		Verifier:   integrity.NewVerifier(logger),
		Extractors: archive.NewFactory(limits, cfg.ProgressInterval, logger),
		Host:       host,
		Store:      repo,
		TempDir:    cfg.TempDir,
		Strings:    strs,
		Logger:     logger,
	})

	return &env{
		cfg:      cfg,
		repo:     repo,
		host:     host,
		catalog:  catalog,
		pipeline: pipeline,
		strs:     strs,
	}, nil
}

func newHypervisor(cfg *config.Config) (vmhost.Hypervisor, error) {
	if cfg.Hypervisor == config.HypervisorNone {
		slog.Warn("hypervisor_disabled", "reason", "VMs are registered but not launched")
		return vmhost.NewMemoryHypervisor(), nil
	}
	hv, err := vmhost.NewVirshHypervisor(cfg.LibvirtURI)
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor unavailable (use --hypervisor none to register VMs without launching them)")
	}
	return hv, nil
}

// provider wraps the local VM host in a compute-system provider facade.
func (e *env) provider() (*computesystem.Provider, error) {
	return computesystem.NewProvider(provider.NewLocal(e.host, e.pipeline, slog.Default()), e.strs, slog.Default())
}

func (e *env) Close() {
	e.host.Close()
	e.repo.Close()
}

// resultError turns a failed facade result into a command error.
func resultError[T any](res computesystem.Result[T]) error {
	if res.Succeeded() {
		return nil
	}
	slog.Debug("operation_failed", "kind", res.Kind().String(), "diagnostic", res.DiagnosticText)
	return errors.Wrap(res.Err, res.DisplayMessage)
}
