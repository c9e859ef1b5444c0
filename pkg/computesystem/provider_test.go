package computesystem

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	id      string
	mode    string
	systems []Remote
	lists   atomic.Int32
}

func (p *fakeProvider) ID() string                              { return p.id }
func (p *fakeProvider) DisplayName() string                     { return "Provider " + p.id }
func (p *fakeProvider) SupportedOperations() ProviderOperations { return ProviderOpCreateComputeSystem }

func (p *fakeProvider) GetComputeSystems(context.Context, DeveloperID) (SystemsResult, error) {
	p.lists.Add(1)
	return fakeResult(p.mode, p.systems)
}

func (p *fakeProvider) CreateComputeSystem(context.Context, DeveloperID, string) (RemoteCreation, error) {
	res, err := fakeResult[RemoteCreation](p.mode, &fakeCreation{mode: p.mode})
	return res.Value, err
}

func (p *fakeProvider) CreateAdaptiveCardSession(context.Context, DeveloperID, AdaptiveCardKind) (AdaptiveCardResult, error) {
	return fakeResult[AdaptiveCardSession](p.mode, nil)
}

func (p *fakeProvider) CreateAdaptiveCardSessionForSystem(context.Context, Remote, AdaptiveCardKind) (AdaptiveCardResult, error) {
	return fakeResult[AdaptiveCardSession](p.mode, nil)
}

type fakeCreation struct {
	mode     string
	canceled atomic.Bool
}

func (c *fakeCreation) Start(context.Context) (CreationResult, error) {
	return fakeResult[Remote](c.mode, newFakeRemote("created", ""))
}

func (c *fakeCreation) Cancel() { c.canceled.Store(true) }

func (c *fakeCreation) SubscribeProgress(func(CreationProgress)) *event.Subscription {
	return event.NewSubscription(func() {})
}

func newProvider(t *testing.T, remote RemoteProvider) *Provider {
	t.Helper()
	p, err := NewProvider(remote, nil, nil)
	require.NoError(t, err)
	return p
}

func TestProviderWrapsSystems(t *testing.T) {
	p := newProvider(t, &fakeProvider{id: "local", systems: []Remote{newFakeRemote("a", ""), newFakeRemote("b", "")}})

	res := p.GetComputeSystems(context.Background(), DeveloperID{})
	require.True(t, res.Succeeded())
	require.Len(t, res.Value, 2)
	assert.Equal(t, "a", res.Value[0].ID)
	for _, cs := range res.Value {
		cs.Close()
	}
}

func TestProviderFaults(t *testing.T) {
	for _, mode := range []string{"error", "panic"} {
		t.Run(mode, func(t *testing.T) {
			p := newProvider(t, &fakeProvider{id: "flaky", mode: mode})
			ctx := context.Background()

			list := p.GetComputeSystems(ctx, DeveloperID{})
			assert.False(t, list.Succeeded())
			assert.Equal(t, errors.KindRemoteFault, list.Kind())
			assert.Equal(t, "An unexpected error occurred while communicating with provider Provider flaky", list.DisplayMessage)

			assert.Equal(t, errors.KindRemoteFault, p.CreateComputeSystem(ctx, DeveloperID{}, "{}").Kind())
			assert.False(t, p.CreateAdaptiveCardSession(ctx, DeveloperID{}, CardCreateComputeSystem).Succeeded())
		})
	}
}

func TestProviderReportedFailurePassesThrough(t *testing.T) {
	p := newProvider(t, &fakeProvider{id: "local", mode: "reported"})

	res := p.GetComputeSystems(context.Background(), DeveloperID{})
	assert.Equal(t, "The VM is locked", res.DisplayMessage)
	assert.Equal(t, errors.KindInvalidInput, res.Kind())
}

func TestCreateOperation(t *testing.T) {
	p := newProvider(t, &fakeProvider{id: "local"})

	created := p.CreateComputeSystem(context.Background(), DeveloperID{}, `{"imageIndex":0}`)
	require.True(t, created.Succeeded())

	op := created.Value
	op.SubscribeProgress(func(CreationProgress) {}).Cancel()

	res := op.Start(context.Background())
	require.True(t, res.Succeeded())
	assert.Equal(t, "created", res.Value.ID)
	res.Value.Close()

	op.Cancel()
	assert.True(t, op.remote.(*fakeCreation).canceled.Load())
}

func TestRegistryRefresh(t *testing.T) {
	good := &fakeProvider{id: "good", systems: []Remote{newFakeRemote("a", ""), newFakeRemote("b", "")}}
	bad := &fakeProvider{id: "bad", mode: "error"}
	reg := NewRegistry(DeveloperID{}, nil, newProvider(t, good), newProvider(t, bad))
	t.Cleanup(reg.Close)

	listings, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Nil(t, listings[0].Failure)
	require.NotNil(t, listings[1].Failure)
	assert.ErrorIs(t, listings[1].Failure.Err, errRemote)

	first := reg.Find("a")
	require.NotNil(t, first)
	assert.Len(t, reg.Systems(), 2)

	// A second refresh replaces the facades and releases the old ones.
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, reg.Find("a"))
	assert.Equal(t, int32(2), good.lists.Load())
	assert.Nil(t, reg.Find("missing"))
}

func TestRegistryRefreshCanceled(t *testing.T) {
	reg := NewRegistry(DeveloperID{}, nil, newProvider(t, &fakeProvider{id: "good"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reg.Systems())
}
