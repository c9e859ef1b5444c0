package computesystem

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Listing is one provider's part of a refresh.
type Listing struct {
	Provider *Provider
	Systems  []*ComputeSystem

	// Failure is set when the provider could not list its systems.
	Failure *Result[[]*ComputeSystem]
}

// Registry keeps the current systems of a set of providers.
type Registry struct {
	providers []*Provider
	developer DeveloperID
	logger    *slog.Logger

	mu       sync.Mutex
	listings []Listing
}

// NewRegistry returns an empty registry; call Refresh to populate it.
func NewRegistry(developer DeveloperID, logger *slog.Logger, providers ...*Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{providers: providers, developer: developer, logger: logger}
}

// Refresh queries every provider concurrently and replaces the previous
// listing, closing the facades it held. A provider that fails contributes
// a Listing carrying the failure; only ctx cancellation fails the refresh.
func (r *Registry) Refresh(ctx context.Context) ([]Listing, error) {
	listings := make([]Listing, len(r.providers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range r.providers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := p.GetComputeSystems(ctx, r.developer)
			listings[i] = Listing{Provider: p, Systems: res.Value}
			if !res.Succeeded() {
				r.logger.Warn("registry_provider_failed", "provider_id", p.ID, "error", res.DiagnosticText)
				listings[i].Failure = &res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range listings {
			closeAll(l.Systems)
		}
		return nil, err
	}

	r.mu.Lock()
	old := r.listings
	r.listings = listings
	r.mu.Unlock()

	for _, l := range old {
		closeAll(l.Systems)
	}

	r.logger.Info("registry_refreshed", "providers", len(listings), "systems", len(r.Systems()))
	return listings, nil
}

// Systems returns every system from the last refresh.
func (r *Registry) Systems() []*ComputeSystem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*ComputeSystem
	for _, l := range r.listings {
		all = append(all, l.Systems...)
	}
	return all
}

// Find returns the system with id, or nil.
func (r *Registry) Find(id string) *ComputeSystem {
	for _, cs := range r.Systems() {
		if cs.ID == id {
			return cs
		}
	}
	return nil
}

// Close releases every held facade.
func (r *Registry) Close() {
	r.mu.Lock()
	old := r.listings
	r.listings = nil
	r.mu.Unlock()
	for _, l := range old {
		closeAll(l.Systems)
	}
}

func closeAll(systems []*ComputeSystem) {
	for _, cs := range systems {
		cs.Close()
	}
}
