package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/vless-provisioning-backend/admission"
	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/engine"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
	"github.com/ruteri/vless-provisioning-backend/xrayconfig"
)

// Deps are the collaborators of a Service. KeySource and Clock are optional.
type Deps struct {
	Supervisor   interfaces.EngineSupervisor
	ControlPlane interfaces.ControlPlane
	KeyGenerator interfaces.KeyGenerator
	KeySource    interfaces.KeySource
	Issuer       interfaces.CredentialIssuer
	Registry     interfaces.ClientRegistry
	Clock        clock.Clock
}

// Service ties the engine, its configuration and the admission monitor
// together.
type Service struct {
	props *config.Properties
	log   *slog.Logger

	generator  *xrayconfig.Generator
	supervisor interfaces.EngineSupervisor
	engine     interfaces.ControlPlane
	keys       interfaces.KeyGenerator
	keySource  interfaces.KeySource
	issuer     interfaces.CredentialIssuer
	registry   interfaces.ClientRegistry

	pending *admission.PendingStore
	monitor *admission.Monitor

	// mu serializes Bootstrap and Reload and guards the in-memory key pair.
	mu sync.Mutex
}

// Status is a point-in-time view for operators.
type Status struct {
	EngineRunning   bool   `json:"engine_running"`
	Pending         int    `json:"pending"`
	ScheduledChecks int    `json:"scheduled_checks"`
	RealityEnabled  bool   `json:"reality_enabled"`
	PublicKey       string `json:"public_key,omitempty"`
	InboundTag      string `json:"inbound_tag"`
	ListenPort      int    `json:"listen_port"`
}

// New wires a Service and its admission monitor. Nothing is started until
// Bootstrap. A nil Issuer means UUIDIssuer.
func New(props *config.Properties, deps Deps, log *slog.Logger) *Service {
	if deps.Issuer == nil {
		deps.Issuer = UUIDIssuer{}
	}
	pending := admission.NewPendingStore()

	return &Service{
		props:      props,
		log:        log,
		generator:  xrayconfig.NewGenerator(log),
		supervisor: deps.Supervisor,
		engine:     deps.ControlPlane,
		keys:       deps.KeyGenerator,
		keySource:  deps.KeySource,
		issuer:     deps.Issuer,
		registry:   deps.Registry,
		pending:    pending,
		monitor: admission.NewMonitor(deps.Clock, pending, deps.ControlPlane, deps.Registry, log, admission.Options{
			Horizon:       props.Admission.Horizon,
			RPCTimeout:    props.Admission.RPCTimeout,
			RetryInterval: props.Admission.RetryInterval,
			MaxRetries:    props.Admission.MaxRetries,
		}),
	}
}

// Pending exposes the in-memory pending credentials.
func (s *Service) Pending() *admission.PendingStore { return s.pending }

// Bootstrap resolves the Reality keys, writes the engine configuration for
// every live credential and starts the engine.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveKeysLocked(ctx); err != nil {
		return err
	}
	if err := s.writeConfigLocked(ctx); err != nil {
		return err
	}
	if err := s.supervisor.Start(); err != nil {
		return err
	}

	s.log.Info("Provisioning backend bootstrapped",
		"reality", s.props.Reality.Enabled,
		"port", s.props.ListenPort,
		"inbound", s.props.InboundTag)
	return nil
}

// GenerateConfig resolves keys and writes the engine configuration without
// touching the engine process.
func (s *Service) GenerateConfig(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveKeysLocked(ctx); err != nil {
		return err
	}
	return s.writeConfigLocked(ctx)
}

// Issue mints a credential, makes the engine accept it and starts its
// admission window. If the engine rejects it nothing is left pending.
func (s *Service) Issue(ctx context.Context, label string) (interfaces.PendingCredential, error) {
	cred, err := s.issuer.NewCredential(label)
	if err != nil {
		return interfaces.PendingCredential{}, err
	}

	if err := s.engine.AddCredential(ctx, cred); err != nil {
		return interfaces.PendingCredential{}, err
	}

	p := interfaces.NewPendingCredential(cred, s.monitor.Now(), s.monitor.Horizon())
	s.pending.Add(p)

	if err := s.monitor.ScheduleCheck(cred.ID); err != nil {
		s.pending.Remove(cred.ID)
		if rmErr := s.engine.RemoveCredential(ctx, cred.ID); rmErr != nil {
			s.log.Error("Could not roll back credential", "id", cred.ID, "err", rmErr)
		}
		return interfaces.PendingCredential{}, err
	}

	metrics.IssuedCredentials.Inc()
	s.log.Info("Credential issued", "id", cred.ID, "label", label, "expiresAt", p.ExpiresAt)
	return p, nil
}

// Claim persists a pending credential right away. Claiming an already
// persisted credential refreshes its LastConnectedAt and returns it.
//
// Claim and the admission check of the same credential never overlap.
func (s *Service) Claim(ctx context.Context, id string) (interfaces.PersistedClient, error) {
	var client interfaces.PersistedClient
	err := s.monitor.Resolve(ctx, id, func(p interfaces.PendingCredential, pending bool) error {
		now := s.monitor.Now()
		if !pending {
			stored, err := s.registry.FindByCredentialID(ctx, id)
			if err != nil {
				return err
			}
			stored.LastConnectedAt = now
			client, err = s.registry.Update(ctx, stored)
			return err
		}

		created, err := s.registry.Create(ctx, interfaces.PersistedClient{
			CredentialID:     p.ID,
			Label:            p.Label,
			IsActive:         true,
			FirstConnectedAt: now,
			LastConnectedAt:  now,
			CreatedAt:        p.CreatedAt,
		})
		if errors.Is(err, interfaces.ErrClientExists) {
			created, err = s.registry.FindByCredentialID(ctx, id)
		}
		if err != nil {
			return err
		}

		s.monitor.Settle(id)
		client = created
		return nil
	})
	if err != nil {
		return interfaces.PersistedClient{}, err
	}

	s.log.Info("Client claimed", "id", id, "clientID", client.ID)
	return client, nil
}

// Revoke removes a pending or persisted credential from the engine and from
// whichever store holds it. Inactive clients are not live in the engine and
// are only deleted from the registry.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.monitor.Resolve(ctx, id, func(_ interfaces.PendingCredential, pending bool) error {
		live := pending
		if !pending {
			client, err := s.registry.FindByCredentialID(ctx, id)
			if err != nil {
				return err
			}
			live = client.IsActive
		}

		if live {
			if err := s.engine.RemoveCredential(ctx, id); err != nil {
				return err
			}
		}

		if pending {
			s.monitor.Settle(id)
		} else if err := s.registry.Delete(ctx, id); err != nil {
			return err
		}

		s.log.Info("Credential revoked", "id", id, "pending", pending)
		return nil
	})
}

// SetActive enables or disables a persisted client. The engine gains or
// loses the credential before the registry records the change; if the
// registry write fails the engine change is undone. Pending credentials are
// rejected with ErrIllegalState.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (interfaces.PersistedClient, error) {
	var client interfaces.PersistedClient
	err := s.monitor.Resolve(ctx, id, func(_ interfaces.PendingCredential, pending bool) error {
		if pending {
			return fmt.Errorf("%w: credential %s is still pending", interfaces.ErrIllegalState, id)
		}

		stored, err := s.registry.FindByCredentialID(ctx, id)
		if err != nil {
			return err
		}
		if stored.IsActive == active {
			client = stored
			return nil
		}

		if err := s.toggleEngine(ctx, stored, active); err != nil {
			return err
		}

		stored.IsActive = active
		client, err = s.registry.Update(ctx, stored)
		if err != nil {
			if rbErr := s.toggleEngine(ctx, stored, !active); rbErr != nil {
				s.log.Error("Could not roll back engine after failed registry update", "id", id, "err", rbErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return interfaces.PersistedClient{}, err
	}

	s.log.Info("Client activation changed", "id", id, "active", client.IsActive)
	return client, nil
}

func (s *Service) toggleEngine(ctx context.Context, c interfaces.PersistedClient, active bool) error {
	if active {
		return s.engine.AddCredential(ctx, c.Credential(""))
	}
	return s.engine.RemoveCredential(ctx, c.CredentialID)
}

// Reload rewrites the engine configuration from the pending and persisted
// credentials and restarts the engine.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeConfigLocked(ctx); err != nil {
		return err
	}
	return s.supervisor.Restart(ctx)
}

// Recheck runs the admission check of a pending credential now.
func (s *Service) Recheck(ctx context.Context, id string) (admission.Outcome, error) {
	return s.monitor.Recheck(ctx, id)
}

// Status reports engine liveness, admission counters and the public Reality
// settings.
func (s *Service) Status() Status {
	s.mu.Lock()
	publicKey := s.props.Reality.PublicKey
	s.mu.Unlock()

	return Status{
		EngineRunning:   s.supervisor.IsRunning(),
		Pending:         s.pending.Count(),
		ScheduledChecks: s.monitor.Scheduled(),
		RealityEnabled:  s.props.Reality.Enabled,
		PublicKey:       publicKey,
		InboundTag:      s.props.InboundTag,
		ListenPort:      s.props.ListenPort,
	}
}

// Shutdown cancels scheduled checks and stops the engine. Pending
// credentials are dropped with the process.
func (s *Service) Shutdown() {
	s.monitor.Stop()

	if c, ok := s.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("Engine API client close failed", "err", err)
		}
	}
	s.supervisor.Stop()

	if c, ok := s.registry.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("Registry close failed", "err", err)
		}
	}
}

func (s *Service) liveCredentials(ctx context.Context) ([]interfaces.Credential, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list active clients: %w", err)
	}

	pending := s.pending.All()
	creds := make([]interfaces.Credential, 0, len(active)+len(pending))
	for _, c := range active {
		creds = append(creds, c.Credential(""))
	}
	for _, p := range pending {
		creds = append(creds, p.Credential)
	}
	return creds, nil
}

func (s *Service) writeConfigLocked(ctx context.Context) error {
	creds, err := s.liveCredentials(ctx)
	if err != nil {
		return err
	}
	return s.generator.Write(s.props, creds)
}

// resolveKeysLocked fills in the Reality key pair: configured keys first,
// then Vault, then derivation of a missing public key, then generation.
func (s *Service) resolveKeysLocked(ctx context.Context) error {
	reality := &s.props.Reality
	if !reality.Enabled {
		return nil
	}

	keys := reality.KeyPair()
	if keys.PrivateKey == "" && s.keySource != nil {
		loaded, err := s.keySource.LoadKeys(ctx)
		switch {
		case errors.Is(err, interfaces.ErrKeysNotFound):
			s.log.Info("No stored Reality keys", "err", err)
		case err != nil:
			return fmt.Errorf("%w: %w", interfaces.ErrKeyGeneration, err)
		default:
			keys = loaded
		}
	}

	if keys.PrivateKey != "" && keys.PublicKey == "" {
		pub, err := engine.DerivePublicKey(keys.PrivateKey)
		if err != nil {
			return fmt.Errorf("%w: reality.private_key: %w", interfaces.ErrConfigValidation, err)
		}
		keys.PublicKey = pub
	}

	if keys.PrivateKey == "" {
		generated, err := s.keys.GenerateKeys(ctx, s.props.EnginePath)
		if err != nil {
			return err
		}
		keys = generated
		s.log.Warn("Generated new Reality keys; they are kept in memory only, persist them in the configuration to keep clients working across restarts",
			slog.String("privateKey", keys.PrivateKey),
			slog.String("publicKey", keys.PublicKey))
	}

	reality.SetKeyPair(keys)
	return nil
}
