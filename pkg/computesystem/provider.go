package computesystem

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/devhome-oss/envhost/pkg/resources"
)

// Provider is the facade over a RemoteProvider.
type Provider struct {
	remote  RemoteProvider
	strs    *resources.Strings
	logger  *slog.Logger
	display string

	ID                  string
	DisplayName         string
	SupportedOperations ProviderOperations
}

// NewProvider wraps remote. It fails only if reading the remote's identity
// faults.
func NewProvider(remote RemoteProvider, strs *resources.Strings, logger *slog.Logger) (p *Provider, err error) {
	if strs == nil {
		strs = resources.Default
	}
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("provider_init_panicked", "error", fmt.Sprint(r), "stack", string(debug.Stack()))
			p, err = nil, fmt.Errorf("failed to read provider identity: %v", r)
		}
	}()

	p = &Provider{
		remote:              remote,
		strs:                strs,
		ID:                  remote.ID(),
		DisplayName:         remote.DisplayName(),
		SupportedOperations: remote.SupportedOperations(),
	}
	p.logger = logger.With("provider_id", p.ID)
	p.display = strs.Get(resources.ProviderUnexpectedError, p.DisplayName)
	return p, nil
}

// GetComputeSystems lists the provider's systems, each wrapped in a
// facade. Systems whose identity cannot be read are skipped and logged.
// The caller owns the returned facades and must Close them.
func (p *Provider) GetComputeSystems(ctx context.Context, developer DeveloperID) Result[[]*ComputeSystem] {
	res := call(ctx, p.logger, p.display, "get_compute_systems", func(ctx context.Context) (SystemsResult, error) {
		return p.remote.GetComputeSystems(ctx, developer)
	})
	if !res.Succeeded() {
		return Result[[]*ComputeSystem]{Err: res.Err, DisplayMessage: res.DisplayMessage, DiagnosticText: res.DiagnosticText}
	}

	systems := make([]*ComputeSystem, 0, len(res.Value))
	for _, remote := range res.Value {
		cs, err := New(remote, p.strs, p.logger)
		if err != nil {
			p.logger.Error("provider_system_skipped", "error", err)
			continue
		}
		systems = append(systems, cs)
	}
	return Ok(systems)
}

// CreateComputeSystem begins a creation. The operation does not run until
// its Start is called.
func (p *Provider) CreateComputeSystem(ctx context.Context, developer DeveloperID, options string) Result[*CreateOperation] {
	res := call(ctx, p.logger, p.display, "create_compute_system", func(ctx context.Context) (Result[RemoteCreation], error) {
		op, err := p.remote.CreateComputeSystem(ctx, developer, options)
		return Ok(op), err
	})
	if !res.Succeeded() {
		return Result[*CreateOperation]{Err: res.Err, DisplayMessage: res.DisplayMessage, DiagnosticText: res.DiagnosticText}
	}
	return Ok(&CreateOperation{remote: res.Value, provider: p})
}

// CreateAdaptiveCardSession starts a provider card flow for developer.
func (p *Provider) CreateAdaptiveCardSession(ctx context.Context, developer DeveloperID, kind AdaptiveCardKind) AdaptiveCardResult {
	return call(ctx, p.logger, p.display, "create_adaptive_card_session", func(ctx context.Context) (AdaptiveCardResult, error) {
		return p.remote.CreateAdaptiveCardSession(ctx, developer, kind)
	})
}

// CreateAdaptiveCardSessionForSystem starts a card flow for one of the
// provider's systems.
func (p *Provider) CreateAdaptiveCardSessionForSystem(ctx context.Context, cs *ComputeSystem, kind AdaptiveCardKind) AdaptiveCardResult {
	return call(ctx, p.logger, p.display, "create_adaptive_card_session_for_system", func(ctx context.Context) (AdaptiveCardResult, error) {
		return p.remote.CreateAdaptiveCardSessionForSystem(ctx, cs.remote, kind)
	})
}

func (p *Provider) String() string {
	return fmt.Sprintf("ComputeSystem provider ID: %s\nComputeSystem provider display name: %s\nComputeSystem provider supported operations: %s\n",
		p.ID, p.DisplayName, p.SupportedOperations)
}

// CreateOperation is the facade over a RemoteCreation.
type CreateOperation struct {
	remote   RemoteCreation
	provider *Provider
}

// Start runs the creation and wraps the new system in a facade.
func (o *CreateOperation) Start(ctx context.Context) Result[*ComputeSystem] {
	p := o.provider
	res := call(ctx, p.logger, p.display, "create_operation_start", o.remote.Start)
	if !res.Succeeded() {
		return Result[*ComputeSystem]{Err: res.Err, DisplayMessage: res.DisplayMessage, DiagnosticText: res.DiagnosticText}
	}
	cs, err := New(res.Value, p.strs, p.logger)
	if err != nil {
		return fault[*ComputeSystem](err, p.display)
	}
	return Ok(cs)
}

// Cancel asks the remote to stop. Faults are logged.
func (o *CreateOperation) Cancel() {
	defer func() {
		if r := recover(); r != nil {
			o.provider.logger.Error("create_operation_cancel_panicked", "error", fmt.Sprint(r))
		}
	}()
	o.remote.Cancel()
}

// SubscribeProgress registers fn for creation progress. It returns nil if
// the remote faults.
func (o *CreateOperation) SubscribeProgress(fn func(CreationProgress)) (sub *event.Subscription) {
	defer func() {
		if r := recover(); r != nil {
			o.provider.logger.Error("create_operation_subscribe_panicked", "error", fmt.Sprint(r))
			sub = nil
		}
	}()
	return o.remote.SubscribeProgress(fn)
}
