// Package interfaces defines the core types and contracts of the VLESS
// provisioning backend, separating interface definitions from implementations.
//
// # Credential lifecycle
//
// A Credential is minted by a CredentialIssuer and handed to the tunnel engine
// through the ControlPlane. From that instant it is pending: it lives only in
// process memory as a PendingCredential until the admission monitor either
// promotes it into the ClientRegistry (traffic was observed before the
// horizon) or evicts it from the engine (no traffic).
//
// # Engine Interfaces
//
// EngineSupervisor: lifecycle of the external engine process (start, stop,
// restart, liveness).
//
// ControlPlane: live mutation of the engine's user set and traffic counter
// queries without a restart.
//
// # Collaborator Interfaces
//
// ClientRegistry: persistent store of confirmed clients, keyed by credential id.
//
// CredentialIssuer: supplies fresh credentials on demand.
//
// # Errors
//
// Failures are reported through sentinel errors (ErrProcessLaunch,
// ErrConfigWrite, ErrControlPlane, ...) wrapped with context, so callers test
// them with errors.Is. Mutating failures are always returned to the caller;
// traffic reads degrade to zero counters alongside ErrControlPlaneReadDegraded.
package interfaces
