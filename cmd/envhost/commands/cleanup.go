package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/download"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	cleanupAll      bool
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up downloaded archives, run records and stray disks",
	Long: `Clean up resources left behind by creation runs:
  --all        Remove every finished run record and its downloaded archive
  --orphaned   Remove partial downloads and disks no VM uses, and mark runs
               that were interrupted outside the durable runner as canceled.
               Run it only while no creation is in progress.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all finished runs")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned resources")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !cleanupAll && !cleanupOrphaned {
		return fmt.Errorf("must specify --all or --orphaned")
	}

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if cleanupAll {
		if err := cleanupFinishedRuns(ctx, e); err != nil {
			return err
		}
	}
	if cleanupOrphaned {
		return cleanupOrphanedResources(ctx, e)
	}
	return nil
}

func cleanupFinishedRuns(ctx context.Context, e *env) error {
	ops, err := e.repo.ListOperations(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("🧹 Cleaning up %d runs...\n", len(ops))

	var errs error
	cleaned := 0
	for _, op := range ops {
		if !op.Terminal() {
			continue
		}
		if err := cleanupRun(ctx, e.repo, op); err != nil {
			fmt.Printf("⚠️  Failed to clean %s: %v\n", op.ID, err)
			errs = multierr.Append(errs, err)
			continue
		}
		cleaned++
	}

	fmt.Printf("✅ Cleaned %d runs\n", cleaned)
	return errs
}

func cleanupRun(ctx context.Context, repo *db.Repository, op *db.Operation) error {
	if op.ArchivePath != "" {
		if err := os.Remove(op.ArchivePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove download")
		}
	}
	if err := repo.DeleteOperation(ctx, op.ID); err != nil {
		return errors.Wrap(err, "failed to delete run record")
	}
	return nil
}

func cleanupOrphanedResources(ctx context.Context, e *env) error {
	fmt.Println("🔍 Scanning for orphaned resources...")

	var errs error
	orphanCount := 0
	remove := func(path, what string) {
		if err := os.RemoveAll(path); err != nil {
			fmt.Printf("⚠️  Failed to remove orphaned %s %s: %v\n", what, filepath.Base(path), err)
			errs = multierr.Append(errs, err)
			return
		}
		fmt.Printf("🗑️  Removed orphaned %s: %s\n", what, filepath.Base(path))
		orphanCount++
	}

	// 1. Partial downloads never complete on their own
	if entries, err := os.ReadDir(e.cfg.TempDir); err == nil {
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), download.PartSuffix) {
				remove(filepath.Join(e.cfg.TempDir, entry.Name()), "download")
			}
		}
	}

	// 2. Disks not attached to any registered VM
	vms, err := e.repo.ListVMs(ctx)
	if err != nil {
		return errors.Wrap(err, "list VMs failed")
	}
	inUse := make(map[string]bool, len(vms))
	for _, vm := range vms {
		inUse[filepath.Clean(vm.DiskPath)] = true
	}
	if entries, err := os.ReadDir(e.cfg.DiskDir); err == nil {
		for _, entry := range entries {
			path := filepath.Join(e.cfg.DiskDir, entry.Name())
			if !inUse[filepath.Clean(path)] {
				remove(path, "disk")
			}
		}
	}

	// 3. Runs stuck mid-flight with no process behind them
	ops, err := e.repo.ListOperations(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	for _, op := range ops {
		if op.Terminal() {
			continue
		}
		if err := e.repo.UpdateOperationStatus(ctx, op.ID, db.StatusCanceled, errors.KindCanceled.String(), "interrupted"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Printf("🛑 Marked interrupted run %s as canceled\n", op.ID)
		orphanCount++
	}

	fmt.Printf("✅ Removed %d orphaned resources\n", orphanCount)
	return errs
}
