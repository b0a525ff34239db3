package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
)

// Outcome is the result of a single admission check.
type Outcome string

const (
	// Promoted: traffic was observed and the client was persisted.
	Promoted Outcome = metrics.OutcomePromoted
	// Evicted: no traffic was observed and the credential was removed.
	Evicted Outcome = metrics.OutcomeEvicted
	// Deferred: the check failed and the credential stays pending.
	Deferred Outcome = metrics.OutcomeDeferred
	// Skipped: the credential was not pending or already being checked.
	Skipped Outcome = metrics.OutcomeSkipped
)

// Options tune a Monitor. Zero values take the defaults.
type Options struct {
	// Horizon is the time a credential may stay unused before eviction.
	// Defaults to interfaces.DefaultAdmissionHorizon.
	Horizon time.Duration
	// RPCTimeout bounds each engine API call made by a check. Defaults to 5s.
	RPCTimeout time.Duration
	// RetryInterval schedules another check after a failed one. Zero disables
	// retries.
	RetryInterval time.Duration
	// MaxRetries caps automatic re-checks per credential.
	MaxRetries int
}

// Monitor decides, once per pending credential at its expiry, whether the
// credential is promoted to the registry or evicted from the engine.
//
// Every resolution of a credential, by a check or through Resolve, owns the
// credential id exclusively for its duration.
type Monitor struct {
	clock    clock.Clock
	pending  *PendingStore
	engine   interfaces.ControlPlane
	registry interfaces.ClientRegistry
	log      *slog.Logger
	opts     Options

	mu       sync.Mutex
	timers   map[string]*clock.Timer
	attempts map[string]int
	// owners holds one channel per owned credential id, closed on release.
	owners  map[string]chan struct{}
	stopped bool
}

// NewMonitor creates a monitor over the pending store. A nil clock means the
// wall clock.
func NewMonitor(clk clock.Clock, pending *PendingStore, engine interfaces.ControlPlane, registry interfaces.ClientRegistry, log *slog.Logger, opts Options) *Monitor {
	if opts.Horizon <= 0 {
		opts.Horizon = interfaces.DefaultAdmissionHorizon
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:    clk,
		pending:  pending,
		engine:   engine,
		registry: registry,
		log:      log,
		opts:     opts,
		timers:   make(map[string]*clock.Timer),
		attempts: make(map[string]int),
		owners:   make(map[string]chan struct{}),
	}
}

// Horizon is the admission window given to newly issued credentials.
func (m *Monitor) Horizon() time.Duration { return m.opts.Horizon }

// Now is the monitor's clock reading, used to stamp new pending entries.
func (m *Monitor) Now() time.Time { return m.clock.Now() }

// ScheduleCheck arranges a single check at the credential's expiry. It never
// blocks and fails with ErrIllegalState when the credential is not pending.
func (m *Monitor) ScheduleCheck(id string) error {
	p, ok := m.pending.Get(id)
	if !ok {
		return fmt.Errorf("%w: credential %s is not pending", interfaces.ErrIllegalState, id)
	}

	delay := p.ExpiresAt.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if !m.schedule(id, delay) {
		return fmt.Errorf("%w: monitor is stopped", interfaces.ErrIllegalState)
	}

	m.log.Debug("Admission check scheduled", "id", id, "at", p.ExpiresAt)
	return nil
}

// CheckClient resolves a pending credential: traffic promotes it, no traffic
// evicts it, and any failure leaves it pending. It waits for any other
// resolution of the same credential to finish first. Checking an absent or
// already resolved credential does nothing.
func (m *Monitor) CheckClient(ctx context.Context, id string) Outcome {
	if err := m.acquire(ctx, id); err != nil {
		m.log.Debug("Admission check abandoned", "id", id, "err", err)
		return m.record(Skipped)
	}
	defer m.release(id)

	p, ok := m.pending.Get(id)
	if !ok {
		m.log.Debug("Credential is no longer pending", "id", id)
		return m.record(Skipped)
	}

	qctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	counters, err := m.engine.QueryTraffic(qctx, id)
	cancel()
	if err != nil {
		m.log.Warn("Could not read traffic, keeping credential pending", "id", id, "err", err)
		return m.deferCheck(id)
	}

	if counters.HasTraffic() {
		return m.promote(ctx, p, counters)
	}
	return m.evict(ctx, id)
}

// Resolve runs fn while owning the credential id, so no admission check of
// the same credential overlaps it. fn receives the pending entry as seen
// after ownership was taken; pending is false when the credential is not
// pending. fn calls Settle once it has resolved a pending credential.
// Resolve returns ctx.Err() if ownership could not be taken in time.
func (m *Monitor) Resolve(ctx context.Context, id string, fn func(p interfaces.PendingCredential, pending bool) error) error {
	if err := m.acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	p, ok := m.pending.Get(id)
	return fn(p, ok)
}

// Settle drops the pending entry and the scheduled check of a credential
// resolved inside Resolve. It reports whether the entry was still pending.
func (m *Monitor) Settle(id string) bool {
	_, ok := m.pending.Take(id)
	m.mu.Lock()
	m.forgetLocked(id)
	m.mu.Unlock()
	return ok
}

// Recheck runs a check immediately and resets the retry budget.
func (m *Monitor) Recheck(ctx context.Context, id string) (Outcome, error) {
	if !m.pending.Exists(id) {
		return Skipped, fmt.Errorf("%w: credential %s is not pending", interfaces.ErrIllegalState, id)
	}
	m.mu.Lock()
	delete(m.attempts, id)
	m.mu.Unlock()

	return m.CheckClient(ctx, id), nil
}

// Cancel drops the scheduled check of a credential resolved elsewhere.
func (m *Monitor) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(id)
}

// Stop cancels every scheduled check. Pending entries are kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for id := range m.timers {
		m.forgetLocked(id)
	}
	m.log.Info("Admission monitor stopped", "pending", m.pending.Count())
}

// Scheduled returns the number of armed checks.
func (m *Monitor) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Monitor) promote(ctx context.Context, p interfaces.PendingCredential, counters interfaces.TrafficCounters) Outcome {
	now := m.clock.Now()
	_, err := m.registry.Create(ctx, interfaces.PersistedClient{
		CredentialID:     p.ID,
		Label:            p.Label,
		IsActive:         true,
		FirstConnectedAt: now,
		LastConnectedAt:  now,
		CreatedAt:        p.CreatedAt,
	})
	if err != nil && !errors.Is(err, interfaces.ErrClientExists) {
		m.log.Error("Could not persist client, keeping credential pending", "id", p.ID, "err", err)
		return m.deferCheck(p.ID)
	}

	if !m.Settle(p.ID) {
		m.log.Warn("Promoted credential was no longer pending", "id", p.ID)
	}
	m.log.Info("Client promoted", "id", p.ID, "label", p.Label, "uplink", counters.Uplink, "downlink", counters.Downlink)
	return m.record(Promoted)
}

func (m *Monitor) evict(ctx context.Context, id string) Outcome {
	rctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	err := m.engine.RemoveCredential(rctx, id)
	cancel()
	if err != nil {
		m.log.Error("Could not evict credential, keeping it pending", "id", id, "err", err)
		return m.deferCheck(id)
	}

	if !m.Settle(id) {
		m.log.Warn("Evicted credential was no longer pending", "id", id)
	}
	m.log.Info("Unused credential evicted", "id", id)
	return m.record(Evicted)
}

func (m *Monitor) deferCheck(id string) Outcome {
	m.mu.Lock()
	m.attempts[id]++
	attempt := m.attempts[id]
	m.mu.Unlock()

	if m.opts.RetryInterval > 0 && attempt <= m.opts.MaxRetries {
		if m.schedule(id, m.opts.RetryInterval) {
			m.log.Info("Admission check rescheduled", "id", id, "attempt", attempt, "in", m.opts.RetryInterval)
		}
	}
	return m.record(Deferred)
}

func (m *Monitor) schedule(id string, delay time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	var t *clock.Timer
	t = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[id] == t {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		m.CheckClient(context.Background(), id)
	})
	m.timers[id] = t
	return true
}

func (m *Monitor) forgetLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.attempts, id)
}

// acquire takes ownership of id, waiting for the current owner to release it.
func (m *Monitor) acquire(ctx context.Context, id string) error {
	for {
		m.mu.Lock()
		owner, busy := m.owners[id]
		if !busy {
			m.owners[id] = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-owner:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[id]; ok {
		close(owner)
		delete(m.owners, id)
	}
}

func (m *Monitor) record(o Outcome) Outcome {
	metrics.AdmissionOutcomes.WithLabelValues(string(o)).Inc()
	return o
}
