// Package computesystem wraps compute systems and their providers, which
// may live out of process, behind facades that never panic and never
// return bare errors. Every call yields a typed Result; remote faults are
// logged and converted, and results that already report a failure pass
// through unchanged.
package computesystem

import (
	"context"
	"fmt"
	"strings"

	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/samber/lo"
)

// State is the power state of a compute system.
type State int

const (
	StateUnknown State = iota
	StateCreating
	StateDeleting
	StateDeleted
	StatePaused
	StatePausing
	StateRestarting
	StateRunning
	StateSaved
	StateSaving
	StateStarting
	StateStopped
	StateStopping
)

var stateNames = map[State]string{
	StateUnknown:    "unknown",
	StateCreating:   "creating",
	StateDeleting:   "deleting",
	StateDeleted:    "deleted",
	StatePaused:     "paused",
	StatePausing:    "pausing",
	StateRestarting: "restarting",
	StateRunning:    "running",
	StateSaved:      "saved",
	StateSaving:     "saving",
	StateStarting:   "starting",
	StateStopped:    "stopped",
	StateStopping:   "stopping",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Operations is the set of operations a compute system supports.
type Operations uint32

const (
	OpStart Operations = 1 << iota
	OpShutDown
	OpRestart
	OpTerminate
	OpDelete
	OpSave
	OpPause
	OpResume
	OpCreateSnapshot
	OpRevertSnapshot
	OpDeleteSnapshot
	OpModifyProperties
	OpApplyConfiguration
)

var operationNames = []lo.Tuple2[Operations, string]{
	{A: OpStart, B: "start"},
	{A: OpShutDown, B: "shutdown"},
	{A: OpRestart, B: "restart"},
	{A: OpTerminate, B: "terminate"},
	{A: OpDelete, B: "delete"},
	{A: OpSave, B: "save"},
	{A: OpPause, B: "pause"},
	{A: OpResume, B: "resume"},
	{A: OpCreateSnapshot, B: "create_snapshot"},
	{A: OpRevertSnapshot, B: "revert_snapshot"},
	{A: OpDeleteSnapshot, B: "delete_snapshot"},
	{A: OpModifyProperties, B: "modify_properties"},
	{A: OpApplyConfiguration, B: "apply_configuration"},
}

// Has reports whether every operation in op is supported.
func (o Operations) Has(op Operations) bool {
	return o&op == op
}

// Names lists the supported operations in declaration order.
func (o Operations) Names() []string {
	return lo.FilterMap(operationNames, func(t lo.Tuple2[Operations, string], _ int) (string, bool) {
		return t.B, o.Has(t.A)
	})
}

func (o Operations) String() string {
	return strings.Join(o.Names(), ",")
}

// ProviderOperations is the set of operations a provider supports.
type ProviderOperations uint32

const (
	ProviderOpCreateComputeSystem ProviderOperations = 1 << iota
)

func (o ProviderOperations) String() string {
	if o&ProviderOpCreateComputeSystem != 0 {
		return "create_compute_system"
	}
	return ""
}

// DeveloperID identifies the account a compute system belongs to. The
// zero value is the local user.
type DeveloperID struct {
	LoginID string
	URL     string
}

// Property is one informational key/value about a compute system.
type Property struct {
	Name  string
	Value any
}

// AdaptiveCardKind selects the card flow a provider should start.
type AdaptiveCardKind int

const (
	CardCreateComputeSystem AdaptiveCardKind = iota
	CardConfigureComputeSystem
)

// AdaptiveCardSession is a provider-driven form. The host renders
// TemplateJSON with DataJSON and sends user actions back.
type AdaptiveCardSession interface {
	TemplateJSON() string
	DataJSON() string
	OnAction(ctx context.Context, action, inputs string) error
}

// ApplyConfigurationOperation applies a configuration document to a
// running compute system.
type ApplyConfigurationOperation interface {
	Start(ctx context.Context) (OperationResult, error)
}

// CreationProgress is one progress update from a remote creation.
type CreationProgress struct {
	Text       string
	Percentage uint32
}

// Remote is a compute system as its provider exposes it. Calls may fail
// with an error, panic, or return a Result that already reports failure.
type Remote interface {
	ID() string
	DisplayName() string
	SupplementalDisplayName() string
	ProviderID() string
	DeveloperID() DeveloperID
	SupportedOperations() Operations

	// SubscribeState registers fn for state changes.
	SubscribeState(fn func(State)) *event.Subscription

	GetState(ctx context.Context) (StateResult, error)
	Start(ctx context.Context, options string) (OperationResult, error)
	ShutDown(ctx context.Context, options string) (OperationResult, error)
	Restart(ctx context.Context, options string) (OperationResult, error)
	Terminate(ctx context.Context, options string) (OperationResult, error)
	Delete(ctx context.Context, options string) (OperationResult, error)
	Save(ctx context.Context, options string) (OperationResult, error)
	Pause(ctx context.Context, options string) (OperationResult, error)
	Resume(ctx context.Context, options string) (OperationResult, error)
	CreateSnapshot(ctx context.Context, options string) (OperationResult, error)
	RevertSnapshot(ctx context.Context, options string) (OperationResult, error)
	DeleteSnapshot(ctx context.Context, options string) (OperationResult, error)
	ModifyProperties(ctx context.Context, options string) (OperationResult, error)
	GetThumbnail(ctx context.Context, options string) (ThumbnailResult, error)
	GetProperties(ctx context.Context, options string) ([]Property, error)
	Connect(ctx context.Context, options string) (ConnectResult, error)
	ApplyConfiguration(ctx context.Context, configuration string) (ApplyConfigurationResult, error)
}

// RemoteCreation is a provider's in-flight compute-system creation.
type RemoteCreation interface {
	Start(ctx context.Context) (CreationResult, error)
	Cancel()
	SubscribeProgress(fn func(CreationProgress)) *event.Subscription
}

// RemoteProvider is a source of compute systems.
type RemoteProvider interface {
	ID() string
	DisplayName() string
	SupportedOperations() ProviderOperations

	GetComputeSystems(ctx context.Context, developer DeveloperID) (SystemsResult, error)
	CreateComputeSystem(ctx context.Context, developer DeveloperID, options string) (RemoteCreation, error)
	CreateAdaptiveCardSession(ctx context.Context, developer DeveloperID, kind AdaptiveCardKind) (AdaptiveCardResult, error)
	CreateAdaptiveCardSessionForSystem(ctx context.Context, system Remote, kind AdaptiveCardKind) (AdaptiveCardResult, error)
}
