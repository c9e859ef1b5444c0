package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "envhost.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetOperation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	op := &Operation{
		ID:        "op-1",
		ImageName: "Windows 11 dev environment",
		ImageHash: "sha256:abc123",
		VMName:    "dev",
		Status:    StatusPending,
	}
	if err := repo.CreateOperation(ctx, op); err != nil {
		t.Fatalf("failed to create operation: %v", err)
	}

	retrieved, err := repo.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if retrieved == nil {
		t.Fatal("operation not found")
	}
	if retrieved.VMName != op.VMName || retrieved.ImageHash != op.ImageHash {
		t.Errorf("retrieved operation mismatch: got %+v, want %+v", retrieved, op)
	}

	missing, err := repo.GetOperation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing operation, got %v, %v", missing, err)
	}
}

func TestRepository_UpdateOperation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	op := &Operation{ID: "op-2", ImageName: "img", ImageHash: "h", VMName: "vm", Status: StatusPending}
	repo.CreateOperation(ctx, op)

	if err := repo.UpdateOperationStatus(ctx, op.ID, StatusDownloading, "", ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	op.Status = StatusFailed
	op.ErrorKind = "integrity"
	op.ErrorMessage = "The download failed its integrity check"
	op.ArchivePath = "/tmp/abc.zip"
	if err := repo.UpdateOperation(ctx, op); err != nil {
		t.Fatalf("failed to update operation: %v", err)
	}

	updated, _ := repo.GetOperation(ctx, op.ID)
	if updated.Status != StatusFailed || updated.ErrorKind != "integrity" || updated.ArchivePath != "/tmp/abc.zip" {
		t.Errorf("operation not updated: %+v", updated)
	}
	if !updated.Terminal() {
		t.Error("failed operation should be terminal")
	}

	if err := repo.UpdateOperation(ctx, &Operation{ID: "missing", Status: StatusReady}); err == nil {
		t.Error("expected error updating missing operation")
	}
}

func TestRepository_ListOperations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	repo.CreateOperation(ctx, &Operation{ID: "a", ImageName: "i", ImageHash: "h1", VMName: "one", Status: StatusReady})
	repo.CreateOperation(ctx, &Operation{ID: "b", ImageName: "i", ImageHash: "h2", VMName: "two", Status: StatusFailed})

	ops, err := repo.ListOperations(ctx)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("expected 2 operations, got %d", len(ops))
	}

	if err := repo.DeleteOperation(ctx, "a"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	ops, _ = repo.ListOperations(ctx)
	if len(ops) != 1 {
		t.Errorf("expected 1 operation after delete, got %d", len(ops))
	}
}

func TestRepository_InvalidStatusRejected(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.CreateOperation(context.Background(), &Operation{ID: "x", ImageName: "i", ImageHash: "h", VMName: "v", Status: "bogus"})
	if err == nil {
		t.Error("expected CHECK constraint failure for unknown status")
	}
}

func TestRepository_VMs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	vm := &VM{
		ID:               "vm-1",
		Name:             "dev",
		DiskPath:         "/vms/dev.vhdx",
		CPUs:             4,
		MemoryMB:         4096,
		SecureBoot:       true,
		SessionTransport: "HvSocket",
		State:            "stopped",
	}
	if err := repo.CreateVM(ctx, vm); err != nil {
		t.Fatalf("failed to create vm: %v", err)
	}

	if err := repo.CreateVM(ctx, &VM{ID: "vm-2", Name: "dev", DiskPath: "/x", CPUs: 1, MemoryMB: 1, State: "stopped"}); err == nil {
		t.Error("expected unique name violation")
	}

	got, err := repo.GetVMByName(ctx, "dev")
	if err != nil || got == nil {
		t.Fatalf("failed to get vm by name: %v", err)
	}
	if !got.SecureBoot || got.CPUs != 4 || got.SessionTransport != "HvSocket" {
		t.Errorf("vm mismatch: %+v", got)
	}

	if err := repo.UpdateVMState(ctx, "vm-1", "running"); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	got, _ = repo.GetVM(ctx, "vm-1")
	if got.State != "running" {
		t.Errorf("state not updated: %s", got.State)
	}

	if err := repo.UpdateVMState(ctx, "missing", "running"); err == nil {
		t.Error("expected error for missing vm")
	}

	repo.AddSnapshot(ctx, "vm-1", "before-update")
	repo.AddSnapshot(ctx, "vm-1", "after-update")
	snaps, err := repo.ListSnapshots(ctx, "vm-1")
	if err != nil || len(snaps) != 2 {
		t.Errorf("expected 2 snapshots, got %v (%v)", snaps, err)
	}

	if err := repo.DeleteVM(ctx, "vm-1"); err != nil {
		t.Fatalf("failed to delete vm: %v", err)
	}
	vms, _ := repo.ListVMs(ctx)
	if len(vms) != 0 {
		t.Errorf("expected no vms, got %d", len(vms))
	}
	snaps, _ = repo.ListSnapshots(ctx, "vm-1")
	if len(snaps) != 0 {
		t.Errorf("expected snapshots removed with vm, got %v", snaps)
	}
}
