package vmhost

import (
	"context"
	"strings"
)

// Hypervisor performs the platform side of VM management. Names are the
// registry IDs, which are unique and stable.
type Hypervisor interface {
	// Define creates the VM definition without starting it
	Define(ctx context.Context, id string, params CreateParams) error

	// Undefine removes the VM definition. The disk is not touched.
	Undefine(ctx context.Context, id string) error

	// Power runs a power action
	Power(ctx context.Context, id string, action Action) error

	// State queries the live power state
	State(ctx context.Context, id string) (State, error)

	// SetResources changes processors and memory; the VM must be stopped
	SetResources(ctx context.Context, id string, cpus, memoryMB int) error

	CreateSnapshot(ctx context.Context, id, name string) error
	RevertSnapshot(ctx context.Context, id, name string) error
	DeleteSnapshot(ctx context.Context, id, name string) error

	// Screenshot returns a PNG of the VM display, or nil when unavailable
	Screenshot(ctx context.Context, id string) ([]byte, error)

	// ConsoleURI returns a URI a viewer can connect to
	ConsoleURI(ctx context.Context, id string) (string, error)
}

// actionResult is the state a successful action leaves the VM in.
func actionResult(a Action) State {
	switch a {
	case ActionStart, ActionRestart, ActionResume:
		return StateRunning
	case ActionShutDown, ActionTerminate:
		return StateStopped
	case ActionPause:
		return StatePaused
	case ActionSave:
		return StateSaved
	default:
		return StateUnknown
	}
}

// parseDomState maps virsh domstate output to a State.
func parseDomState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "idle":
		return StateRunning
	case "shut off", "crashed":
		return StateStopped
	case "paused", "pmsuspended":
		return StatePaused
	case "in shutdown":
		return StateStopping
	default:
		return StateUnknown
	}
}
