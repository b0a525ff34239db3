// Package xrayconfig renders the tunnel engine's JSON configuration.
//
// The document is always regenerated wholesale from the backend properties and
// the full credential set (pending and persisted). It is never merged with the
// file on disk; incremental changes to a running engine go through the
// controlplane package instead.
//
// Every generated document contains the gRPC API listener and the stats and
// policy sections needed for per-user traffic counters, because the admission
// monitor cannot work without them.
package xrayconfig
