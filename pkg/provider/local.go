// Package provider exposes the VMs of a local vmhost.Host as compute
// systems, and gallery image creation as the provider's create operation.
package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	cs "github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/creation"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/devhome-oss/envhost/pkg/resources"
	"github.com/devhome-oss/envhost/pkg/vmhost"
)

// ID identifies the local provider.
const ID = "envhost.local"

// Host is what the provider needs from the VM host.
type Host interface {
	ListVMs(ctx context.Context) ([]*vmhost.VM, error)
	GetVM(ctx context.Context, id string) (*vmhost.VM, error)
	Subscribe(fn func(vmhost.StateChange)) *event.Subscription
	State(ctx context.Context, id string) (vmhost.State, error)
	Power(ctx context.Context, id string, action vmhost.Action) error
	Delete(ctx context.Context, id string) error
	SetResources(ctx context.Context, id string, cpus, memoryMB int) error
	CreateSnapshot(ctx context.Context, id, name string) error
	RevertSnapshot(ctx context.Context, id, name string) error
	DeleteSnapshot(ctx context.Context, id, name string) error
	Screenshot(ctx context.Context, id string) ([]byte, error)
	ConsoleURI(ctx context.Context, id string) (string, error)
}

// CreateOptions is the JSON accepted by CreateComputeSystem.
type CreateOptions struct {
	ImageIndex int    `json:"imageIndex"`
	Name       string `json:"name"`
}

// Local is a RemoteProvider backed by the local VM host.
type Local struct {
	host     Host
	pipeline *creation.Pipeline
	strs     *resources.Strings
	logger   *slog.Logger
}

// NewLocal returns the local provider. pipeline serves creations.
func NewLocal(host Host, pipeline *creation.Pipeline, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		host:     host,
		pipeline: pipeline,
		strs:     pipeline.Strings(),
		logger:   logger.With("provider_id", ID),
	}
}

func (l *Local) ID() string          { return ID }
func (l *Local) DisplayName() string { return "Local virtual machines" }

func (l *Local) SupportedOperations() cs.ProviderOperations {
	return cs.ProviderOpCreateComputeSystem
}

// GetComputeSystems lists every registered VM. The developer is ignored;
// local VMs belong to the local user.
func (l *Local) GetComputeSystems(ctx context.Context, _ cs.DeveloperID) (cs.SystemsResult, error) {
	vms, err := l.host.ListVMs(ctx)
	if err != nil {
		return cs.SystemsResult{}, errors.Wrap(err, "failed to list VMs")
	}
	remotes := make([]cs.Remote, 0, len(vms))
	for _, vm := range vms {
		remotes = append(remotes, l.system(vm))
	}
	return cs.Ok(remotes), nil
}

// CreateComputeSystem prepares a creation from options, a CreateOptions
// document.
func (l *Local) CreateComputeSystem(_ context.Context, _ cs.DeveloperID, options string) (cs.RemoteCreation, error) {
	var opts CreateOptions
	if err := json.Unmarshal([]byte(options), &opts); err != nil {
		return nil, errors.WithKind(errors.KindInvalidInput, err, "invalid creation options")
	}
	op := creation.NewOperation(l.pipeline, creation.UserInput{ImageIndex: opts.ImageIndex, VMName: opts.Name})
	l.logger.Info("provider_creation_prepared", "operation_id", op.ID(), "image_index", opts.ImageIndex, "vm_name", opts.Name)
	return &remoteCreation{op: op, provider: l}, nil
}

func (l *Local) cardsUnsupported() cs.AdaptiveCardResult {
	err := errors.New(errors.KindInvalidInput, "the local provider has no adaptive card flows")
	return cs.Fail[cs.AdaptiveCardSession](err, err.Error())
}

func (l *Local) CreateAdaptiveCardSession(context.Context, cs.DeveloperID, cs.AdaptiveCardKind) (cs.AdaptiveCardResult, error) {
	return l.cardsUnsupported(), nil
}

func (l *Local) CreateAdaptiveCardSessionForSystem(context.Context, cs.Remote, cs.AdaptiveCardKind) (cs.AdaptiveCardResult, error) {
	return l.cardsUnsupported(), nil
}

func (l *Local) system(vm *vmhost.VM) *System {
	return &System{vm: vm, provider: l}
}

// remoteCreation adapts a creation.Operation to RemoteCreation.
type remoteCreation struct {
	op       *creation.Operation
	provider *Local
}

// Start runs the creation. A failed creation is a reported failure, so its
// own message reaches the user unchanged.
func (c *remoteCreation) Start(ctx context.Context) (cs.CreationResult, error) {
	res := c.op.Start(ctx)
	if !res.Succeeded() {
		return cs.CreationResult{
			Err:            res.Err,
			DisplayMessage: res.DisplayMessage,
			DiagnosticText: res.DiagnosticText,
		}, nil
	}
	return cs.Ok[cs.Remote](c.provider.system(res.VM)), nil
}

func (c *remoteCreation) Cancel() {
	c.op.Cancel()
}

func (c *remoteCreation) SubscribeProgress(fn func(cs.CreationProgress)) *event.Subscription {
	return c.op.Subscribe(func(p creation.Progress) {
		fn(cs.CreationProgress{Text: p.Text, Percentage: p.Percentage})
	})
}

func trimOption(options string) string {
	return strings.TrimSpace(options)
}
