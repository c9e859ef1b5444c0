package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/devhome-oss/envhost/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for creation runs and the VM
// registry.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY under
	// concurrent creation runs.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateOperation inserts a new creation run record
func (r *Repository) CreateOperation(ctx context.Context, op *Operation) error {
	slog.Info("database_create_operation", "operation_id", op.ID, "vm_name", op.VMName, "status", op.Status)

	query := `
		INSERT INTO operations (id, image_name, image_hash, vm_name, status, archive_path, disk_path, vm_id, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		op.ID, op.ImageName, op.ImageHash, op.VMName, op.Status,
		op.ArchivePath, op.DiskPath, op.VMID, op.ErrorKind, op.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to insert operation")
	}

	return nil
}

const operationColumns = `id, image_name, image_hash, vm_name, status,
	archive_path, disk_path, vm_id, error_kind, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*Operation, error) {
	var op Operation
	var archivePath, diskPath, vmID, errorKind, errorMessage sql.NullString

	err := row.Scan(
		&op.ID, &op.ImageName, &op.ImageHash, &op.VMName, &op.Status,
		&archivePath, &diskPath, &vmID, &errorKind, &errorMessage,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	op.ArchivePath = archivePath.String
	op.DiskPath = diskPath.String
	op.VMID = vmID.String
	op.ErrorKind = errorKind.String
	op.ErrorMessage = errorMessage.String
	return &op, nil
}

// GetOperation retrieves a run by ID. Returns nil, nil if not found.
func (r *Repository) GetOperation(ctx context.Context, id string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_operation_not_found", "operation_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "operation_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query operation")
	}
	return op, nil
}

// UpdateOperation updates an existing run record
func (r *Repository) UpdateOperation(ctx context.Context, op *Operation) error {
	slog.Info("database_update_operation", "operation_id", op.ID, "status", op.Status)

	query := `
		UPDATE operations
		SET status = ?, archive_path = ?, disk_path = ?, vm_id = ?, error_kind = ?, error_message = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		op.Status, op.ArchivePath, op.DiskPath, op.VMID, op.ErrorKind, op.ErrorMessage, op.ID)
	if err != nil {
		slog.Error("database_update_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to update operation")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_operation_not_found_for_update", "operation_id", op.ID)
		return fmt.Errorf("operation not found: id=%s", op.ID)
	}

	return nil
}

// UpdateOperationStatus updates only the status and error fields
func (r *Repository) UpdateOperationStatus(ctx context.Context, id, status, errorKind, errorMessage string) error {
	slog.Info("database_update_status", "operation_id", id, "status", status)

	query := `UPDATE operations SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, errorKind, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "operation_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// ListOperations retrieves all runs, newest first
func (r *Repository) ListOperations(ctx context.Context) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY created_at DESC, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "operation_count", len(ops))
	return ops, nil
}

// DeleteOperation deletes a run by ID
func (r *Repository) DeleteOperation(ctx context.Context, id string) error {
	slog.Info("database_delete_operation", "operation_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "operation_id", id, "error", err)
		return errors.Wrap(err, "failed to delete operation")
	}
	return nil
}
