package interfaces

import (
	"time"
)

// FlowVision is the XTLS flow tag used by VLESS clients when Reality is enabled.
const FlowVision = "xtls-rprx-vision"

// DefaultAdmissionHorizon is how long a freshly issued credential may stay
// unused before it is evicted.
const DefaultAdmissionHorizon = 5 * time.Minute

// Credential is a connection credential handed to a client. It is immutable
// once issued and identified by ID.
type Credential struct {
	// ID is the VLESS user id (a UUID). The engine also indexes users by it.
	ID string `json:"id"`

	// Label is a free-text device or user hint.
	Label string `json:"label"`

	// Flow is the protocol flow tag. It is only sent to the engine when
	// Reality is enabled.
	Flow string `json:"flow,omitempty"`
}

// PendingCredential is a credential issued to an unauthenticated caller that
// has not yet proven real usage. It is never persisted.
type PendingCredential struct {
	Credential `json:"credential"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewPendingCredential stamps a credential with its admission window.
func NewPendingCredential(cred Credential, now time.Time, horizon time.Duration) PendingCredential {
	return PendingCredential{
		Credential: cred,
		CreatedAt:  now,
		ExpiresAt:  now.Add(horizon),
	}
}

// Expired reports whether the admission window has closed at the given instant.
func (p PendingCredential) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PersistedClient is a client that proved real usage and is owned by the
// ClientRegistry.
type PersistedClient struct {
	// ID is assigned by the registry on creation.
	ID               int64     `json:"id"`
	CredentialID     string    `json:"credential_id"`
	Label            string    `json:"label"`
	IsActive         bool      `json:"is_active"`
	FirstConnectedAt time.Time `json:"first_connected_at"`
	LastConnectedAt  time.Time `json:"last_connected_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Credential rebuilds the engine-facing credential of a persisted client.
func (c PersistedClient) Credential(flow string) Credential {
	return Credential{ID: c.CredentialID, Label: c.Label, Flow: flow}
}

// KeyPair is the x25519 key pair used by Reality. The private key stays on the
// server; the public key is distributed to clients.
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// Empty reports whether neither half of the pair is set.
func (k KeyPair) Empty() bool {
	return k.PrivateKey == "" && k.PublicKey == ""
}

// TrafficCounters are the cumulative byte counters the engine keeps per user.
type TrafficCounters struct {
	Uplink   int64 `json:"uplink"`
	Downlink int64 `json:"downlink"`
}

// HasTraffic reports whether any bytes flowed in either direction.
func (t TrafficCounters) HasTraffic() bool {
	return t.Uplink > 0 || t.Downlink > 0
}
