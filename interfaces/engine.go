package interfaces

import "context"

// EngineSupervisor manages the tunnel engine as a child process.
type EngineSupervisor interface {
	// Start launches the engine. It is a no-op when the engine already runs.
	Start() error

	// Stop terminates the engine, escalating to a forceful kill after a grace
	// period. It never fails; the outcome is logged.
	Stop()

	// Restart stops the engine, waits a settle delay and starts it again.
	// When it returns an error the engine must be treated as down.
	Restart(ctx context.Context) error

	// IsRunning reports whether a live engine process is held.
	IsRunning() bool
}

// ControlPlane talks to the running engine's management API.
type ControlPlane interface {
	// AddCredential makes the engine accept the credential immediately.
	// Duplicate adds are not filtered client side.
	AddCredential(ctx context.Context, cred Credential) error

	// RemoveCredential revokes engine-side access for the credential id.
	RemoveCredential(ctx context.Context, credentialID string) error

	// QueryTraffic returns cumulative counters for the credential id without
	// resetting them. On failure it returns zero counters together with an
	// error wrapping ErrControlPlaneReadDegraded.
	QueryTraffic(ctx context.Context, credentialID string) (TrafficCounters, error)
}

// KeyGenerator produces Reality key pairs by invoking the engine binary.
type KeyGenerator interface {
	GenerateKeys(ctx context.Context, enginePath string) (KeyPair, error)
}

// CredentialIssuer supplies fresh credentials on demand.
type CredentialIssuer interface {
	NewCredential(label string) (Credential, error)
}

// KeySource loads an operator-persisted Reality key pair. An empty source
// returns an error wrapping ErrKeysNotFound.
type KeySource interface {
	LoadKeys(ctx context.Context) (KeyPair, error)
}
