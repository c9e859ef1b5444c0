package vmhost

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Host is the local VM manager.
type Host struct {
	repo   *db.Repository
	hv     Hypervisor
	paths  Paths
	logger *slog.Logger
	events *event.Broadcaster[StateChange]
}

// NewHost returns a Host. Call Close to stop event delivery.
func NewHost(repo *db.Repository, hv Hypervisor, paths Paths, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		repo:   repo,
		hv:     hv,
		paths:  paths,
		logger: logger,
		events: event.NewBroadcaster[StateChange]("vmhost", logger),
	}
}

// DefaultPaths returns where disks and VM directories are kept.
func (h *Host) DefaultPaths() Paths {
	return h.paths
}

// Subscribe registers fn for state changes of every VM on this host.
func (h *Host) Subscribe(fn func(StateChange)) *event.Subscription {
	return h.events.Subscribe(fn)
}

// Close stops event delivery after flushing queued changes.
func (h *Host) Close() {
	h.events.Close()
}

func (h *Host) publish(id string, s State) {
	h.events.Publish(StateChange{VMID: id, State: s})
}

// CreateVMFromDisk registers and defines a VM around an existing disk. The
// VM is left stopped. On failure nothing is left registered or defined.
func (h *Host) CreateVMFromDisk(ctx context.Context, params CreateParams) (*VM, error) {
	if err := params.validate(); err != nil {
		return nil, errors.WithKind(errors.KindInvalidInput, err, "invalid vm parameters")
	}
	if params.MemoryMB <= 0 {
		params.MemoryMB = DefaultMemoryMB
	}

	existing, err := h.repo.GetVMByName(ctx, params.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.KindInvalidInput, "a virtual machine named %q already exists", params.Name)
	}

	id := uuid.NewString()
	logger := h.logger.With("vm_id", id, "vm_name", params.Name)
	logger.Info("vm_create_start", "disk_path", params.DiskPath, "cpus", params.CPUs, "memory_mb", params.MemoryMB)

	vmDir := filepath.Join(h.paths.VMDir, id)
	manifestPath, err := WriteManifest(vmDir, &Manifest{
		ID:               id,
		Name:             params.Name,
		DiskPath:         params.DiskPath,
		CPUs:             params.CPUs,
		MemoryMB:         params.MemoryMB,
		SecureBoot:       params.SecureBoot,
		SessionTransport: params.SessionTransport,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := h.hv.Define(ctx, id, params); err != nil {
		logger.Error("vm_define_failed", "error", err)
		if rmErr := os.RemoveAll(vmDir); rmErr != nil {
			logger.Warn("vm_dir_cleanup_failed", "error", rmErr)
		}
		return nil, errors.Wrap(err, "failed to define vm")
	}

	record := &db.VM{
		ID:               id,
		Name:             params.Name,
		DiskPath:         params.DiskPath,
		CPUs:             params.CPUs,
		MemoryMB:         params.MemoryMB,
		SecureBoot:       params.SecureBoot,
		SessionTransport: params.SessionTransport,
		State:            string(StateStopped),
		ManifestPath:     manifestPath,
	}
	if err := h.repo.CreateVM(ctx, record); err != nil {
		undo := multierr.Append(h.hv.Undefine(context.WithoutCancel(ctx), id), os.RemoveAll(vmDir))
		if undo != nil {
			logger.Warn("vm_create_rollback_failed", "error", undo)
		}
		return nil, err
	}

	logger.Info("vm_create_complete")
	h.publish(id, StateStopped)
	return fromRecord(record, nil), nil
}

func fromRecord(r *db.VM, snapshots []string) *VM {
	return &VM{
		ID:               r.ID,
		Name:             r.Name,
		DiskPath:         r.DiskPath,
		CPUs:             r.CPUs,
		MemoryMB:         r.MemoryMB,
		SecureBoot:       r.SecureBoot,
		SessionTransport: r.SessionTransport,
		State:            ParseState(r.State),
		Snapshots:        snapshots,
	}
}

// ErrNotFound is returned for unknown VM IDs.
var ErrNotFound = errors.New(errors.KindInvalidInput, "virtual machine not found")

func (h *Host) record(ctx context.Context, id string) (*db.VM, error) {
	r, err := h.repo.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// GetVM returns a registered VM with its snapshots.
func (h *Host) GetVM(ctx context.Context, id string) (*VM, error) {
	r, err := h.record(ctx, id)
	if err != nil {
		return nil, err
	}
	snaps, err := h.repo.ListSnapshots(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(r, snaps), nil
}

// ListVMs returns every registered VM.
func (h *Host) ListVMs(ctx context.Context) ([]*VM, error) {
	records, err := h.repo.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	vms := make([]*VM, 0, len(records))
	for _, r := range records {
		vms = append(vms, fromRecord(r, nil))
	}
	return vms, nil
}

// Power runs action and records the resulting state.
func (h *Host) Power(ctx context.Context, id string, action Action) error {
	if _, err := h.record(ctx, id); err != nil {
		return err
	}

	h.logger.Info("vm_power", "vm_id", id, "action", string(action))
	if err := h.hv.Power(ctx, id, action); err != nil {
		return errors.Wrap(err, string(action)+" failed")
	}

	state, err := h.hv.State(ctx, id)
	if err != nil || state == StateUnknown {
		state = actionResult(action)
	}
	return h.setState(ctx, id, state)
}

func (h *Host) setState(ctx context.Context, id string, state State) error {
	if err := h.repo.UpdateVMState(ctx, id, string(state)); err != nil {
		return err
	}
	h.publish(id, state)
	return nil
}

// State returns the live state, refreshing the registry if it drifted.
func (h *Host) State(ctx context.Context, id string) (State, error) {
	r, err := h.record(ctx, id)
	if err != nil {
		return StateUnknown, err
	}
	live, err := h.hv.State(ctx, id)
	if err != nil {
		h.logger.Warn("vm_state_query_failed", "vm_id", id, "error", err)
		return ParseState(r.State), nil
	}
	if string(live) != r.State {
		if err := h.setState(ctx, id, live); err != nil {
			return live, err
		}
	}
	return live, nil
}

// Delete undefines the VM and removes its disk, directory and record.
// Cleanup continues past individual failures; all of them are returned.
func (h *Host) Delete(ctx context.Context, id string) error {
	r, err := h.record(ctx, id)
	if err != nil {
		return err
	}
	h.logger.Info("vm_delete_start", "vm_id", id, "vm_name", r.Name)

	var errs error
	errs = multierr.Append(errs, h.hv.Undefine(ctx, id))
	if err := os.Remove(r.DiskPath); err != nil && !os.IsNotExist(err) {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, os.RemoveAll(filepath.Join(h.paths.VMDir, id)))
	errs = multierr.Append(errs, h.repo.DeleteVM(ctx, id))

	if errs != nil {
		h.logger.Error("vm_delete_incomplete", "vm_id", id, "error", errs)
		return errs
	}
	h.publish(id, StateDeleted)
	h.logger.Info("vm_delete_complete", "vm_id", id)
	return nil
}

// SetResources changes processors and memory and rewrites the manifest.
func (h *Host) SetResources(ctx context.Context, id string, cpus, memoryMB int) error {
	r, err := h.record(ctx, id)
	if err != nil {
		return err
	}
	if cpus < 1 || memoryMB < 1 {
		return errors.Newf(errors.KindInvalidInput, "invalid resources: cpus=%d memory_mb=%d", cpus, memoryMB)
	}
	if err := h.hv.SetResources(ctx, id, cpus, memoryMB); err != nil {
		return err
	}
	if err := h.repo.UpdateVMResources(ctx, id, cpus, memoryMB); err != nil {
		return err
	}

	r.CPUs, r.MemoryMB = cpus, memoryMB
	if r.ManifestPath != "" {
		m, err := ReadManifest(r.ManifestPath)
		if err != nil {
			return err
		}
		m.CPUs, m.MemoryMB = cpus, memoryMB
		if _, err := WriteManifest(filepath.Dir(r.ManifestPath), m); err != nil {
			return err
		}
	}
	return nil
}

// CreateSnapshot checkpoints the VM under name.
func (h *Host) CreateSnapshot(ctx context.Context, id, name string) error {
	if _, err := h.record(ctx, id); err != nil {
		return err
	}
	if name == "" {
		name = time.Now().UTC().Format("20060102-150405")
	}
	if err := h.hv.CreateSnapshot(ctx, id, name); err != nil {
		return err
	}
	return h.repo.AddSnapshot(ctx, id, name)
}

// RevertSnapshot restores the VM to a snapshot.
func (h *Host) RevertSnapshot(ctx context.Context, id, name string) error {
	if _, err := h.record(ctx, id); err != nil {
		return err
	}
	if err := h.hv.RevertSnapshot(ctx, id, name); err != nil {
		return err
	}
	if state, err := h.hv.State(ctx, id); err == nil {
		return h.setState(ctx, id, state)
	}
	return nil
}

// DeleteSnapshot removes a snapshot.
func (h *Host) DeleteSnapshot(ctx context.Context, id, name string) error {
	if _, err := h.record(ctx, id); err != nil {
		return err
	}
	if err := h.hv.DeleteSnapshot(ctx, id, name); err != nil {
		return err
	}
	return h.repo.DeleteSnapshot(ctx, id, name)
}

// Screenshot returns the VM's current display, or nil.
func (h *Host) Screenshot(ctx context.Context, id string) ([]byte, error) {
	if _, err := h.record(ctx, id); err != nil {
		return nil, err
	}
	return h.hv.Screenshot(ctx, id)
}

// ConsoleURI returns the address a viewer connects to.
func (h *Host) ConsoleURI(ctx context.Context, id string) (string, error) {
	if _, err := h.record(ctx, id); err != nil {
		return "", err
	}
	return h.hv.ConsoleURI(ctx, id)
}
