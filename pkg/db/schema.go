package db

// Schema defines the SQLite database schema.
// operations records every creation run, vms is the registry of created
// virtual machines and snapshots their named checkpoints.
const Schema = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    image_name TEXT NOT NULL,
    image_hash TEXT NOT NULL,
    vm_name TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'extracting', 'registering', 'ready', 'failed', 'canceled')),
    archive_path TEXT,
    disk_path TEXT,
    vm_id TEXT,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);

CREATE TABLE IF NOT EXISTS vms (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    disk_path TEXT NOT NULL,
    cpus INTEGER NOT NULL,
    memory_mb INTEGER NOT NULL,
    secure_boot INTEGER NOT NULL DEFAULT 0,
    session_transport TEXT,
    state TEXT NOT NULL,
    manifest_path TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS snapshots (
    vm_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (vm_id, name)
);
`

// Operation status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusExtracting  = "extracting"
	StatusRegistering = "registering"
	StatusReady       = "ready"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// Operation represents one creation run.
type Operation struct {
	ID           string
	ImageName    string
	ImageHash    string
	VMName       string
	Status       string
	ArchivePath  string
	DiskPath     string
	VMID         string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Terminal reports whether the run has finished, successfully or not.
func (o *Operation) Terminal() bool {
	switch o.Status {
	case StatusReady, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// VM represents a registered virtual machine.
type VM struct {
	ID               string
	Name             string
	DiskPath         string
	CPUs             int
	MemoryMB         int
	SecureBoot       bool
	SessionTransport string
	State            string
	ManifestPath     string
	CreatedAt        string
	UpdatedAt        string
}
