// Package vmhost registers and controls local virtual machines. A Host
// keeps the registry in SQLite, writes a YAML manifest next to each VM and
// delegates power operations to a Hypervisor.
package vmhost

import (
	"context"
	"fmt"
)

// State is a VM's power state.
type State string

const (
	StateUnknown  State = "unknown"
	StateCreating State = "creating"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StatePaused   State = "paused"
	StateSaved    State = "saved"
	StateDeleted  State = "deleted"
)

// ParseState maps a stored state string back to a State.
func ParseState(s string) State {
	switch State(s) {
	case StateCreating, StateStopped, StateStarting, StateRunning, StateStopping, StatePaused, StateSaved, StateDeleted:
		return State(s)
	default:
		return StateUnknown
	}
}

// DefaultMemoryMB is the startup memory given to VMs created from gallery
// images.
const DefaultMemoryMB = 4096

// CreateParams describes a VM to create around an existing disk.
type CreateParams struct {
	Name             string
	CPUs             int
	MemoryMB         int
	DiskPath         string
	SecureBoot       bool
	SessionTransport string
}

func (p CreateParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("vm name cannot be empty")
	}
	if p.DiskPath == "" {
		return fmt.Errorf("disk path cannot be empty")
	}
	if p.CPUs < 1 {
		return fmt.Errorf("vm needs at least one processor, got %d", p.CPUs)
	}
	return nil
}

// VM is a registered virtual machine.
type VM struct {
	ID               string
	Name             string
	DiskPath         string
	CPUs             int
	MemoryMB         int
	SecureBoot       bool
	SessionTransport string
	State            State
	Snapshots        []string
}

// Paths are the host's default storage locations.
type Paths struct {
	DiskDir string
	VMDir   string
}

// Action is a power operation on a VM.
type Action string

const (
	ActionStart     Action = "start"
	ActionShutDown  Action = "shutdown"
	ActionRestart   Action = "restart"
	ActionTerminate Action = "terminate"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionSave      Action = "save"
)

// StateChange is published whenever a VM's recorded state changes.
type StateChange struct {
	VMID  string
	State State
}

// Manager is what the creation pipeline needs from the host.
type Manager interface {
	DefaultPaths() Paths
	CreateVMFromDisk(ctx context.Context, params CreateParams) (*VM, error)
}
