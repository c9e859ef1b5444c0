package provider

import (
	"context"
	"encoding/json"
	"path/filepath"

	cs "github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/devhome-oss/envhost/pkg/resources"
	"github.com/devhome-oss/envhost/pkg/vmhost"
)

const systemOperations = cs.OpStart | cs.OpShutDown | cs.OpRestart | cs.OpTerminate | cs.OpDelete |
	cs.OpSave | cs.OpPause | cs.OpResume | cs.OpCreateSnapshot | cs.OpRevertSnapshot |
	cs.OpDeleteSnapshot | cs.OpModifyProperties

// System is one local VM as a compute system. Identity is taken from the
// VM as listed; everything else is read live from the host.
type System struct {
	vm       *vmhost.VM
	provider *Local
}

func (s *System) ID() string                         { return s.vm.ID }
func (s *System) DisplayName() string                { return s.vm.Name }
func (s *System) SupplementalDisplayName() string    { return filepath.Base(s.vm.DiskPath) }
func (s *System) ProviderID() string                 { return ID }
func (s *System) DeveloperID() cs.DeveloperID        { return cs.DeveloperID{} }
func (s *System) SupportedOperations() cs.Operations { return systemOperations }

// SubscribeState forwards host state changes for this VM.
func (s *System) SubscribeState(fn func(cs.State)) *event.Subscription {
	id := s.vm.ID
	return s.provider.host.Subscribe(func(c vmhost.StateChange) {
		if c.VMID == id {
			fn(mapState(c.State))
		}
	})
}

func (s *System) GetState(ctx context.Context) (cs.StateResult, error) {
	state, err := s.provider.host.State(ctx, s.vm.ID)
	if err != nil {
		return cs.StateResult{}, err
	}
	return cs.Ok(mapState(state)), nil
}

func (s *System) power(ctx context.Context, action vmhost.Action) (cs.OperationResult, error) {
	if err := s.provider.host.Power(ctx, s.vm.ID, action); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

func (s *System) Start(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionStart)
}

func (s *System) ShutDown(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionShutDown)
}

func (s *System) Restart(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionRestart)
}

func (s *System) Terminate(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionTerminate)
}

func (s *System) Save(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionSave)
}

func (s *System) Pause(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionPause)
}

func (s *System) Resume(ctx context.Context, _ string) (cs.OperationResult, error) {
	return s.power(ctx, vmhost.ActionResume)
}

func (s *System) Delete(ctx context.Context, _ string) (cs.OperationResult, error) {
	if err := s.provider.host.Delete(ctx, s.vm.ID); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

// CreateSnapshot takes the snapshot name as options; empty picks a
// timestamp.
func (s *System) CreateSnapshot(ctx context.Context, options string) (cs.OperationResult, error) {
	if err := s.provider.host.CreateSnapshot(ctx, s.vm.ID, trimOption(options)); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

func (s *System) RevertSnapshot(ctx context.Context, options string) (cs.OperationResult, error) {
	if err := s.provider.host.RevertSnapshot(ctx, s.vm.ID, trimOption(options)); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

func (s *System) DeleteSnapshot(ctx context.Context, options string) (cs.OperationResult, error) {
	if err := s.provider.host.DeleteSnapshot(ctx, s.vm.ID, trimOption(options)); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

// Resources is the JSON accepted by ModifyProperties. Zero fields keep
// their current value.
type Resources struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memoryMB"`
}

// ModifyProperties changes processors and memory. Malformed options are a
// reported failure rather than a fault.
func (s *System) ModifyProperties(ctx context.Context, options string) (cs.OperationResult, error) {
	var want Resources
	if err := json.Unmarshal([]byte(options), &want); err != nil {
		wrapped := errors.WithKind(errors.KindInvalidInput, err, "invalid properties")
		return cs.Fail[struct{}](wrapped, wrapped.Error()), nil
	}

	vm, err := s.provider.host.GetVM(ctx, s.vm.ID)
	if err != nil {
		return cs.OperationResult{}, err
	}
	if want.CPUs == 0 {
		want.CPUs = vm.CPUs
	}
	if want.MemoryMB == 0 {
		want.MemoryMB = vm.MemoryMB
	}
	if err := s.provider.host.SetResources(ctx, s.vm.ID, want.CPUs, want.MemoryMB); err != nil {
		return cs.OperationResult{}, err
	}
	return cs.Ok(struct{}{}), nil
}

func (s *System) GetThumbnail(ctx context.Context, _ string) (cs.ThumbnailResult, error) {
	png, err := s.provider.host.Screenshot(ctx, s.vm.ID)
	if err != nil {
		return cs.ThumbnailResult{}, err
	}
	return cs.Ok(png), nil
}

func (s *System) GetProperties(ctx context.Context, _ string) ([]cs.Property, error) {
	vm, err := s.provider.host.GetVM(ctx, s.vm.ID)
	if err != nil {
		return nil, err
	}
	return []cs.Property{
		{Name: "cpus", Value: vm.CPUs},
		{Name: "memory_mb", Value: vm.MemoryMB},
		{Name: "disk_path", Value: vm.DiskPath},
		{Name: "secure_boot", Value: vm.SecureBoot},
		{Name: "session_transport", Value: vm.SessionTransport},
		{Name: "state", Value: string(vm.State)},
		{Name: "snapshots", Value: vm.Snapshots},
	}, nil
}

func (s *System) Connect(ctx context.Context, _ string) (cs.ConnectResult, error) {
	uri, err := s.provider.host.ConsoleURI(ctx, s.vm.ID)
	if err != nil {
		return cs.ConnectResult{}, err
	}
	return cs.Ok(uri), nil
}

// ApplyConfiguration is not available for local VMs.
func (s *System) ApplyConfiguration(context.Context, string) (cs.ApplyConfigurationResult, error) {
	msg := s.provider.strs.Get(resources.ApplyConfigurationNotSupported, s.vm.Name)
	return cs.Fail[cs.ApplyConfigurationOperation](errors.New(errors.KindInvalidInput, msg), msg), nil
}

func mapState(s vmhost.State) cs.State {
	switch s {
	case vmhost.StateCreating:
		return cs.StateCreating
	case vmhost.StateStopped:
		return cs.StateStopped
	case vmhost.StateStarting:
		return cs.StateStarting
	case vmhost.StateRunning:
		return cs.StateRunning
	case vmhost.StateStopping:
		return cs.StateStopping
	case vmhost.StatePaused:
		return cs.StatePaused
	case vmhost.StateSaved:
		return cs.StateSaved
	case vmhost.StateDeleted:
		return cs.StateDeleted
	default:
		return cs.StateUnknown
	}
}
