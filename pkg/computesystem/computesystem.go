package computesystem

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/devhome-oss/envhost/pkg/resources"
)

// ComputeSystem is the facade over a Remote. Identity fields are copied
// at construction so reading them never crosses the remote boundary.
type ComputeSystem struct {
	remote Remote
	logger *slog.Logger

	ID                      string
	DisplayName             string
	SupplementalDisplayName string
	ProviderID              string
	DeveloperID             DeveloperID
	SupportedOperations     Operations

	errorMessage string
	events       *event.Broadcaster[State]
	remoteSub    *event.Subscription
}

// New wraps remote and subscribes to its state changes until Close. It
// fails only if reading the remote's identity faults.
func New(remote Remote, strs *resources.Strings, logger *slog.Logger) (cs *ComputeSystem, err error) {
	if strs == nil {
		strs = resources.Default
	}
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("computesystem_init_panicked", "error", fmt.Sprint(r), "stack", string(debug.Stack()))
			cs, err = nil, fmt.Errorf("failed to read compute system identity: %v", r)
		}
	}()

	cs = &ComputeSystem{
		remote:                  remote,
		ID:                      remote.ID(),
		DisplayName:             remote.DisplayName(),
		SupplementalDisplayName: remote.SupplementalDisplayName(),
		ProviderID:              remote.ProviderID(),
		DeveloperID:             remote.DeveloperID(),
		SupportedOperations:     remote.SupportedOperations(),
	}
	cs.logger = logger.With("compute_system_id", cs.ID, "provider_id", cs.ProviderID)
	cs.errorMessage = strs.Get(resources.ComputeSystemUnexpectedError, cs.DisplayName)
	cs.events = event.NewBroadcaster[State]("computesystem:"+cs.ID, cs.logger)
	cs.remoteSub = remote.SubscribeState(cs.onStateChanged)
	return cs, nil
}

func (cs *ComputeSystem) onStateChanged(s State) {
	cs.logger.Info("computesystem_state_changed", "state", s.String())
	cs.events.Publish(s)
}

// Subscribe registers fn for state changes re-published from the remote.
// A panicking subscriber is logged and does not affect the others.
func (cs *ComputeSystem) Subscribe(fn func(*ComputeSystem, State)) *event.Subscription {
	return cs.events.Subscribe(func(s State) { fn(cs, s) })
}

// Close stops listening to the remote and drains pending notifications.
func (cs *ComputeSystem) Close() {
	cs.remoteSub.Cancel()
	cs.events.Close()
}

// call runs fn inside the failure boundary. Returned errors and panics
// become failed results; results fn reports as failed pass through.
func call[T any](ctx context.Context, logger *slog.Logger, display, op string, fn func(context.Context) (Result[T], error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s panicked: %v", op, r)
			logger.Error("computesystem_call_panicked", "operation", op, "error", err, "stack", string(debug.Stack()))
			res = fault[T](err, display)
		}
	}()

	r, err := fn(ctx)
	if err != nil {
		logger.Error("computesystem_call_failed", "operation", op, "error", err)
		return fault[T](err, display)
	}
	if !r.Succeeded() {
		logger.Warn("computesystem_call_reported_failure", "operation", op, "error", r.DiagnosticText)
	}
	return r
}

func (cs *ComputeSystem) op(ctx context.Context, name string, fn func(context.Context, string) (OperationResult, error), options string) OperationResult {
	return call(ctx, cs.logger, cs.errorMessage, name, func(ctx context.Context) (OperationResult, error) {
		return fn(ctx, options)
	})
}

// GetState asks the remote for its current state.
func (cs *ComputeSystem) GetState(ctx context.Context) StateResult {
	return call(ctx, cs.logger, cs.errorMessage, "get_state", cs.remote.GetState)
}

func (cs *ComputeSystem) Start(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "start", cs.remote.Start, options)
}

func (cs *ComputeSystem) ShutDown(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "shutdown", cs.remote.ShutDown, options)
}

func (cs *ComputeSystem) Restart(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "restart", cs.remote.Restart, options)
}

func (cs *ComputeSystem) Terminate(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "terminate", cs.remote.Terminate, options)
}

func (cs *ComputeSystem) Delete(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "delete", cs.remote.Delete, options)
}

func (cs *ComputeSystem) Save(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "save", cs.remote.Save, options)
}

func (cs *ComputeSystem) Pause(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "pause", cs.remote.Pause, options)
}

func (cs *ComputeSystem) Resume(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "resume", cs.remote.Resume, options)
}

func (cs *ComputeSystem) CreateSnapshot(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "create_snapshot", cs.remote.CreateSnapshot, options)
}

func (cs *ComputeSystem) RevertSnapshot(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "revert_snapshot", cs.remote.RevertSnapshot, options)
}

func (cs *ComputeSystem) DeleteSnapshot(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "delete_snapshot", cs.remote.DeleteSnapshot, options)
}

func (cs *ComputeSystem) ModifyProperties(ctx context.Context, options string) OperationResult {
	return cs.op(ctx, "modify_properties", cs.remote.ModifyProperties, options)
}

// GetThumbnail returns a PNG of the system's display.
func (cs *ComputeSystem) GetThumbnail(ctx context.Context, options string) ThumbnailResult {
	return call(ctx, cs.logger, cs.errorMessage, "get_thumbnail", func(ctx context.Context) (ThumbnailResult, error) {
		return cs.remote.GetThumbnail(ctx, options)
	})
}

// GetProperties is informational, so a failure yields an empty slice
// instead of an error.
func (cs *ComputeSystem) GetProperties(ctx context.Context, options string) []Property {
	res := call(ctx, cs.logger, cs.errorMessage, "get_properties", func(ctx context.Context) (Result[[]Property], error) {
		props, err := cs.remote.GetProperties(ctx, options)
		return Ok(props), err
	})
	if !res.Succeeded() || res.Value == nil {
		return []Property{}
	}
	return res.Value
}

// Connect returns what a client needs to open the system, typically a
// console URI.
func (cs *ComputeSystem) Connect(ctx context.Context, options string) ConnectResult {
	return call(ctx, cs.logger, cs.errorMessage, "connect", func(ctx context.Context) (ConnectResult, error) {
		return cs.remote.Connect(ctx, options)
	})
}

// ApplyConfiguration prepares a configuration run. The returned operation
// is the remote's own and is not wrapped.
func (cs *ComputeSystem) ApplyConfiguration(ctx context.Context, configuration string) ApplyConfigurationResult {
	return call(ctx, cs.logger, cs.errorMessage, "apply_configuration", func(ctx context.Context) (ApplyConfigurationResult, error) {
		return cs.remote.ApplyConfiguration(ctx, configuration)
	})
}

func (cs *ComputeSystem) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ComputeSystem ID: %s\n", cs.ID)
	fmt.Fprintf(&b, "ComputeSystem name: %s\n", cs.DisplayName)
	fmt.Fprintf(&b, "ComputeSystem supplemental name: %s\n", cs.SupplementalDisplayName)
	fmt.Fprintf(&b, "ComputeSystem provider ID: %s\n", cs.ProviderID)
	fmt.Fprintf(&b, "ComputeSystem developer login: %s\n", cs.DeveloperID.LoginID)
	fmt.Fprintf(&b, "ComputeSystem supported operations: %s\n", cs.SupportedOperations)
	return b.String()
}
