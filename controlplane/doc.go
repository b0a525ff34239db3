// Package controlplane is a client for the engine's gRPC API. It adds and
// removes inbound users at runtime and reads per-user traffic counters.
package controlplane
