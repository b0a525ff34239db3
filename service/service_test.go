package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/registry"
	"github.com/ruteri/vless-provisioning-backend/xrayconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// RFC 7748 test vector (Alice), URL-safe base64
const (
	testPrivateKey = "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo"
	testPublicKey  = "hSDwCYkwp1R0i33ctD73Wg2_Og0mOBr066SpjqqbTmo"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	running  bool
	starts   int
	restarts int
	startErr error
}

func (f *fakeSupervisor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeSupervisor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *fakeSupervisor) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.running = true
	return nil
}

func (f *fakeSupervisor) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeControlPlane struct {
	mu        sync.Mutex
	live      map[string]interfaces.Credential
	traffic   map[string]interfaces.TrafficCounters
	addErr    error
	removeErr error
	closed    bool

	// queryGate, when set, holds QueryTraffic until it is closed.
	queryGate    chan struct{}
	queryStarted chan string
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		live:    make(map[string]interfaces.Credential),
		traffic: make(map[string]interfaces.TrafficCounters),
	}
}

func (f *fakeControlPlane) AddCredential(ctx context.Context, cred interfaces.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.live[cred.ID] = cred
	return nil
}

func (f *fakeControlPlane) RemoveCredential(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.live, id)
	return nil
}

func (f *fakeControlPlane) QueryTraffic(ctx context.Context, id string) (interfaces.TrafficCounters, error) {
	f.mu.Lock()
	gate, started := f.queryGate, f.queryStarted
	f.mu.Unlock()
	if started != nil {
		started <- id
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.traffic[id], nil
}

// holdQueries makes QueryTraffic block until the returned func is called.
func (f *fakeControlPlane) holdQueries() (started <-chan string, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 4)
	f.queryGate, f.queryStarted = gate, ch
	return ch, func() { close(gate) }
}

func (f *fakeControlPlane) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControlPlane) isLive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[id]
	return ok
}

func (f *fakeControlPlane) setTraffic(id string, c interfaces.TrafficCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traffic[id] = c
}

type MockKeyGenerator struct {
	mock.Mock
}

func (m *MockKeyGenerator) GenerateKeys(ctx context.Context, enginePath string) (interfaces.KeyPair, error) {
	args := m.Called(ctx, enginePath)
	return args.Get(0).(interfaces.KeyPair), args.Error(1)
}

type staticKeySource struct {
	keys interfaces.KeyPair
	err  error
}

func (s staticKeySource) LoadKeys(ctx context.Context) (interfaces.KeyPair, error) {
	return s.keys, s.err
}

type fixture struct {
	props      *config.Properties
	clock      *clock.Mock
	supervisor *fakeSupervisor
	engine     *fakeControlPlane
	keys       *MockKeyGenerator
	registry   *registry.MemoryRegistry
	svc        *Service
}

func newFixture(t *testing.T, mutate func(*config.Properties, *Deps)) *fixture {
	t.Helper()

	props := config.Default()
	props.ConfigPath = filepath.Join(t.TempDir(), "config.json")
	props.Reality.PrivateKey = testPrivateKey
	props.Reality.PublicKey = testPublicKey

	f := &fixture{
		props:      props,
		clock:      clock.NewMock(),
		supervisor: &fakeSupervisor{},
		engine:     newFakeControlPlane(),
		keys:       new(MockKeyGenerator),
		registry:   registry.NewMemoryRegistry(),
	}
	f.clock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	deps := Deps{
		Supervisor:   f.supervisor,
		ControlPlane: f.engine,
		KeyGenerator: f.keys,
		Registry:     f.registry,
		Clock:        f.clock,
	}
	if mutate != nil {
		mutate(props, &deps)
	}

	f.svc = New(props, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(f.svc.Shutdown)
	return f
}

func (f *fixture) configuredClients(t *testing.T) []string {
	t.Helper()
	cfg, err := xrayconfig.Load(f.props.ConfigPath)
	require.NoError(t, err)

	var ids []string
	for _, c := range cfg.Clients(f.props.InboundTag) {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestBootstrap_WithConfiguredKeys(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.registry.Create(context.Background(), interfaces.PersistedClient{CredentialID: "persisted-1", IsActive: true})
	require.NoError(t, err)

	require.NoError(t, f.svc.Bootstrap(context.Background()))

	assert.Equal(t, 1, f.supervisor.starts)
	assert.Equal(t, []string{"persisted-1"}, f.configuredClients(t))
	f.keys.AssertNotCalled(t, "GenerateKeys", mock.Anything, mock.Anything)

	status := f.svc.Status()
	assert.True(t, status.EngineRunning)
	assert.Equal(t, testPublicKey, status.PublicKey)
}

func TestBootstrap_GeneratesMissingKeys(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, _ *Deps) {
		p.Reality.PrivateKey = ""
		p.Reality.PublicKey = ""
	})
	f.keys.On("GenerateKeys", mock.Anything, f.props.EnginePath).
		Return(interfaces.KeyPair{PrivateKey: testPrivateKey, PublicKey: testPublicKey}, nil).Once()

	require.NoError(t, f.svc.Bootstrap(context.Background()))

	cfg, err := xrayconfig.Load(f.props.ConfigPath)
	require.NoError(t, err)
	require.NotNil(t, cfg.Inbounds[0].StreamSettings.RealitySettings)
	assert.Equal(t, testPrivateKey, cfg.Inbounds[0].StreamSettings.RealitySettings.PrivateKey)
	assert.Equal(t, testPublicKey, f.svc.Status().PublicKey)
	f.keys.AssertExpectations(t)
}

func TestBootstrap_KeyGenerationFailureDoesNotStartEngine(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, _ *Deps) {
		p.Reality.PrivateKey = ""
		p.Reality.PublicKey = ""
	})
	f.keys.On("GenerateKeys", mock.Anything, mock.Anything).
		Return(interfaces.KeyPair{}, &interfaces.OutputError{Kind: interfaces.ErrKeyGeneration, Output: "boom"})

	err := f.svc.Bootstrap(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrKeyGeneration)
	assert.Zero(t, f.supervisor.starts)
}

func TestBootstrap_DerivesPublicKey(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, _ *Deps) {
		p.Reality.PublicKey = ""
	})

	require.NoError(t, f.svc.Bootstrap(context.Background()))
	assert.Equal(t, testPublicKey, f.svc.Status().PublicKey)
}

func TestBootstrap_LoadsKeysFromKeySource(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, d *Deps) {
		p.Reality.PrivateKey = ""
		p.Reality.PublicKey = ""
		d.KeySource = staticKeySource{keys: interfaces.KeyPair{PrivateKey: testPrivateKey}}
	})

	require.NoError(t, f.svc.Bootstrap(context.Background()))
	assert.Equal(t, testPublicKey, f.svc.Status().PublicKey)
	f.keys.AssertNotCalled(t, "GenerateKeys", mock.Anything, mock.Anything)
}

func TestBootstrap_KeySourceFailure(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, d *Deps) {
		p.Reality.PrivateKey = ""
		d.KeySource = staticKeySource{err: errors.New("vault sealed")}
	})

	assert.Error(t, f.svc.Bootstrap(context.Background()))
	assert.Zero(t, f.supervisor.starts)
}

func TestBootstrap_EmptyKeySourceFallsBackToGeneration(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, d *Deps) {
		p.Reality.PrivateKey = ""
		p.Reality.PublicKey = ""
		d.KeySource = staticKeySource{err: fmt.Errorf("%w: secret/vless/reality", interfaces.ErrKeysNotFound)}
	})
	f.keys.On("GenerateKeys", mock.Anything, f.props.EnginePath).
		Return(interfaces.KeyPair{PrivateKey: testPrivateKey, PublicKey: testPublicKey}, nil).Once()

	require.NoError(t, f.svc.Bootstrap(context.Background()))
	assert.Equal(t, 1, f.supervisor.starts)
	assert.Equal(t, testPublicKey, f.svc.Status().PublicKey)
	f.keys.AssertExpectations(t)
}

func TestBootstrap_RealityDisabledSkipsKeys(t *testing.T) {
	f := newFixture(t, func(p *config.Properties, _ *Deps) {
		p.Reality.Enabled = false
		p.Reality.PrivateKey = ""
		p.Reality.PublicKey = ""
	})

	require.NoError(t, f.svc.Bootstrap(context.Background()))
	f.keys.AssertNotCalled(t, "GenerateKeys", mock.Anything, mock.Anything)

	cfg, err := xrayconfig.Load(f.props.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Inbounds[0].StreamSettings.Security)
}

func TestBootstrap_LaunchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.supervisor.startErr = interfaces.ErrProcessLaunch

	assert.ErrorIs(t, f.svc.Bootstrap(context.Background()), interfaces.ErrProcessLaunch)
}

func TestIssue(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Issue(context.Background(), "phone")
	require.NoError(t, err)

	_, err = uuid.Parse(p.ID)
	assert.NoError(t, err)
	assert.Equal(t, "phone", p.Label)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), p.ExpiresAt)
	assert.True(t, f.engine.isLive(p.ID))
	assert.True(t, f.svc.Pending().Exists(p.ID))
	assert.Equal(t, 1, f.svc.Status().ScheduledChecks)
}

func TestIssue_EngineRejectsLeavesNothingPending(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.addErr = interfaces.ErrControlPlane

	_, err := f.svc.Issue(context.Background(), "phone")
	assert.ErrorIs(t, err, interfaces.ErrControlPlane)
	assert.Zero(t, f.svc.Pending().Count())
	assert.Zero(t, f.svc.Status().ScheduledChecks)
}

func TestIssue_UnusedCredentialIsEvicted(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Issue(context.Background(), "phone")
	require.NoError(t, err)

	f.clock.Add(5*time.Minute + time.Second)
	require.Eventually(t, func() bool { return !f.svc.Pending().Exists(p.ID) }, time.Second, 5*time.Millisecond)
	assert.False(t, f.engine.isLive(p.ID))
}

func TestIssue_UsedCredentialIsPersisted(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Issue(context.Background(), "phone")
	require.NoError(t, err)
	f.engine.setTraffic(p.ID, interfaces.TrafficCounters{Downlink: 4096})

	f.clock.Add(5*time.Minute + time.Second)
	require.Eventually(t, func() bool { return !f.svc.Pending().Exists(p.ID) }, time.Second, 5*time.Millisecond)

	client, err := f.registry.FindByCredentialID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "phone", client.Label)
	assert.True(t, f.engine.isLive(p.ID))
}

func TestClaim(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Issue(context.Background(), "laptop")
	require.NoError(t, err)

	client, err := f.svc.Claim(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, client.CredentialID)
	assert.True(t, client.IsActive)
	assert.False(t, f.svc.Pending().Exists(p.ID))
	assert.Zero(t, f.svc.Status().ScheduledChecks)

	// claiming again returns the stored client
	again, err := f.svc.Claim(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, client.ID, again.ID)

	_, err = f.svc.Claim(context.Background(), "unknown")
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.svc.Issue(ctx, "a")
	require.NoError(t, err)
	claimed, err := f.svc.Issue(ctx, "b")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, claimed.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, pending.ID))
	assert.False(t, f.svc.Pending().Exists(pending.ID))
	assert.False(t, f.engine.isLive(pending.ID))

	require.NoError(t, f.svc.Revoke(ctx, claimed.ID))
	assert.False(t, f.engine.isLive(claimed.ID))
	_, err = f.registry.FindByCredentialID(ctx, claimed.ID)
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound)

	assert.ErrorIs(t, f.svc.Revoke(ctx, "unknown"), interfaces.ErrClientNotFound)
}

func TestReload_IncludesPendingAndPersisted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Bootstrap(ctx))

	pending, err := f.svc.Issue(ctx, "a")
	require.NoError(t, err)
	claimed, err := f.svc.Issue(ctx, "b")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, claimed.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reload(ctx))

	assert.Equal(t, 1, f.supervisor.restarts)
	assert.ElementsMatch(t, []string{pending.ID, claimed.ID}, f.configuredClients(t))
}

func TestRecheck(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Issue(context.Background(), "a")
	require.NoError(t, err)
	f.engine.setTraffic(p.ID, interfaces.TrafficCounters{Uplink: 1})

	outcome, err := f.svc.Recheck(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "promoted", string(outcome))
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.Bootstrap(context.Background()))
	_, err := f.svc.Issue(context.Background(), "a")
	require.NoError(t, err)

	f.svc.Shutdown()

	assert.False(t, f.supervisor.IsRunning())
	assert.True(t, f.engine.closed)
	assert.Zero(t, f.svc.Status().ScheduledChecks)

	_, err = f.svc.Issue(context.Background(), "b")
	assert.ErrorIs(t, err, interfaces.ErrIllegalState)
}

func TestUUIDIssuer(t *testing.T) {
	a, err := UUIDIssuer{}.NewCredential("x")
	require.NoError(t, err)
	b, err := UUIDIssuer{}.NewCredential("x")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	parsed, err := uuid.Parse(a.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestClaim_WaitsForInflightEviction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Issue(ctx, "phone")
	require.NoError(t, err)
	started, release := f.engine.holdQueries()

	checked := make(chan string, 1)
	go func() {
		outcome, _ := f.svc.Recheck(ctx, p.ID)
		checked <- string(outcome)
	}()
	<-started

	claimed := make(chan error, 1)
	go func() {
		_, err := f.svc.Claim(ctx, p.ID)
		claimed <- err
	}()

	release()
	assert.Equal(t, "evicted", <-checked)
	assert.ErrorIs(t, <-claimed, interfaces.ErrClientNotFound)

	_, err = f.registry.FindByCredentialID(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound)
	assert.False(t, f.engine.isLive(p.ID))
	assert.False(t, f.svc.Pending().Exists(p.ID))
}

func TestClaim_BeforeCheckKeepsClientLive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Issue(ctx, "phone")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, p.ID)
	require.NoError(t, err)

	// the admission window elapses with no traffic
	f.clock.Add(5*time.Minute + time.Second)
	outcome, err := f.svc.Recheck(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrIllegalState)
	assert.Equal(t, "skipped", string(outcome))

	client, err := f.registry.FindByCredentialID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, client.IsActive)
	assert.True(t, f.engine.isLive(p.ID))
}

func TestRevoke_WaitsForInflightPromotion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Issue(ctx, "phone")
	require.NoError(t, err)
	f.engine.setTraffic(p.ID, interfaces.TrafficCounters{Uplink: 1024, Downlink: 2048})
	started, release := f.engine.holdQueries()

	checked := make(chan string, 1)
	go func() {
		outcome, _ := f.svc.Recheck(ctx, p.ID)
		checked <- string(outcome)
	}()
	<-started

	revoked := make(chan error, 1)
	go func() { revoked <- f.svc.Revoke(ctx, p.ID) }()

	release()
	assert.Equal(t, "promoted", <-checked)
	require.NoError(t, <-revoked)

	_, err = f.registry.FindByCredentialID(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound, "revoked credential must not stay persisted")
	assert.False(t, f.engine.isLive(p.ID))
	assert.False(t, f.svc.Pending().Exists(p.ID))

	require.NoError(t, f.svc.Reload(ctx))
	assert.NotContains(t, f.configuredClients(t), p.ID)
}

func TestClaim_RefreshesPersistedClient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Issue(ctx, "laptop")
	require.NoError(t, err)
	first, err := f.svc.Claim(ctx, p.ID)
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	again, err := f.svc.Claim(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.FirstConnectedAt.Equal(again.FirstConnectedAt))
	assert.True(t, f.clock.Now().Equal(again.LastConnectedAt))
}

func TestSetActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Bootstrap(ctx))

	p, err := f.svc.Issue(ctx, "tablet")
	require.NoError(t, err)

	_, err = f.svc.SetActive(ctx, p.ID, false)
	assert.ErrorIs(t, err, interfaces.ErrIllegalState, "pending credentials cannot be toggled")

	_, err = f.svc.Claim(ctx, p.ID)
	require.NoError(t, err)

	client, err := f.svc.SetActive(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, client.IsActive)
	assert.False(t, f.engine.isLive(p.ID))

	require.NoError(t, f.svc.Reload(ctx))
	assert.NotContains(t, f.configuredClients(t), p.ID)

	client, err = f.svc.SetActive(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, client.IsActive)
	assert.True(t, f.engine.isLive(p.ID))

	require.NoError(t, f.svc.Reload(ctx))
	assert.Contains(t, f.configuredClients(t), p.ID)

	_, err = f.svc.SetActive(ctx, "unknown", true)
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound)
}

func TestSetActive_RegistryFailureRestoresEngine(t *testing.T) {
	reg := new(registry.MockRegistry)
	f := newFixture(t, func(_ *config.Properties, d *Deps) { d.Registry = reg })
	ctx := context.Background()

	stored := interfaces.PersistedClient{ID: 1, CredentialID: "c1", IsActive: true}
	require.NoError(t, f.engine.AddCredential(ctx, stored.Credential("")))
	reg.On("FindByCredentialID", mock.Anything, "c1").Return(stored, nil)
	reg.On("Update", mock.Anything, mock.Anything).Return(interfaces.PersistedClient{}, errors.New("registry unavailable"))

	_, err := f.svc.SetActive(ctx, "c1", false)
	assert.Error(t, err)
	assert.True(t, f.engine.isLive("c1"))
	reg.AssertExpectations(t)
}

func TestRevoke_InactiveClientSkipsEngine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, interfaces.PersistedClient{CredentialID: "c1", IsActive: false})
	require.NoError(t, err)
	// the engine does not know c1, so a removal attempt would fail
	f.engine.removeErr = interfaces.ErrControlPlane

	require.NoError(t, f.svc.Revoke(ctx, "c1"))
	_, err = f.registry.FindByCredentialID(ctx, "c1")
	assert.ErrorIs(t, err, interfaces.ErrClientNotFound)
}
