package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/devhome-oss/envhost/pkg/errors"
)

const vmColumns = `id, name, disk_path, cpus, memory_mb, secure_boot, session_transport,
	state, manifest_path, created_at, updated_at`

func scanVM(row scanner) (*VM, error) {
	var vm VM
	var transport, manifest sql.NullString

	err := row.Scan(
		&vm.ID, &vm.Name, &vm.DiskPath, &vm.CPUs, &vm.MemoryMB, &vm.SecureBoot, &transport,
		&vm.State, &manifest, &vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	vm.SessionTransport = transport.String
	vm.ManifestPath = manifest.String
	return &vm, nil
}

// CreateVM registers a virtual machine. Names are unique.
func (r *Repository) CreateVM(ctx context.Context, vm *VM) error {
	slog.Info("database_create_vm", "vm_id", vm.ID, "vm_name", vm.Name)

	query := `
		INSERT INTO vms (id, name, disk_path, cpus, memory_mb, secure_boot, session_transport, state, manifest_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		vm.ID, vm.Name, vm.DiskPath, vm.CPUs, vm.MemoryMB, vm.SecureBoot,
		vm.SessionTransport, vm.State, vm.ManifestPath)
	if err != nil {
		slog.Error("database_insert_failed", "vm_id", vm.ID, "error", err)
		return errors.Wrap(err, "failed to insert vm")
	}
	return nil
}

// GetVM retrieves a VM by ID. Returns nil, nil if not found.
func (r *Repository) GetVM(ctx context.Context, id string) (*VM, error) {
	return r.getVM(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id)
}

// GetVMByName retrieves a VM by name. Returns nil, nil if not found.
func (r *Repository) GetVMByName(ctx context.Context, name string) (*VM, error) {
	return r.getVM(ctx, `SELECT `+vmColumns+` FROM vms WHERE name = ?`, name)
}

func (r *Repository) getVM(ctx context.Context, query, arg string) (*VM, error) {
	vm, err := scanVM(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "vm", arg, "error", err)
		return nil, errors.Wrap(err, "failed to query vm")
	}
	return vm, nil
}

// ListVMs retrieves all registered VMs ordered by name
func (r *Repository) ListVMs(ctx context.Context) ([]*VM, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+vmColumns+` FROM vms ORDER BY name`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list vms")
	}
	defer rows.Close()

	var vms []*VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return vms, nil
}

// UpdateVMState records a VM's last known state
func (r *Repository) UpdateVMState(ctx context.Context, id, state string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE vms SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, state, id)
	if err != nil {
		slog.Error("database_vm_state_update_failed", "vm_id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update vm state")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("vm not found: id=%s", id)
	}
	return nil
}

// UpdateVMResources changes a VM's processor and memory settings
func (r *Repository) UpdateVMResources(ctx context.Context, id string, cpus, memoryMB int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE vms SET cpus = ?, memory_mb = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, cpus, memoryMB, id)
	if err != nil {
		slog.Error("database_vm_update_failed", "vm_id", id, "error", err)
		return errors.Wrap(err, "failed to update vm resources")
	}
	return nil
}

// DeleteVM removes a VM and its snapshots
func (r *Repository) DeleteVM(ctx context.Context, id string) error {
	slog.Info("database_delete_vm", "vm_id", id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE vm_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete snapshots")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete vm")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// AddSnapshot records a named snapshot
func (r *Repository) AddSnapshot(ctx context.Context, vmID, name string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO snapshots (vm_id, name) VALUES (?, ?)`, vmID, name); err != nil {
		slog.Error("database_insert_failed", "vm_id", vmID, "snapshot", name, "error", err)
		return errors.Wrap(err, "failed to insert snapshot")
	}
	return nil
}

// ListSnapshots returns snapshot names for a VM, oldest first
func (r *Repository) ListSnapshots(ctx context.Context, vmID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM snapshots WHERE vm_id = ? ORDER BY created_at, name`, vmID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSnapshot removes a snapshot record
func (r *Repository) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE vm_id = ? AND name = ?`, vmID, name); err != nil {
		return errors.Wrap(err, "failed to delete snapshot")
	}
	return nil
}
