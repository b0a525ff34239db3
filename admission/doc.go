/*
Package admission implements time-bounded admission of issued credentials.

A freshly issued credential is live in the engine but only held in the
PendingStore. When its horizon elapses the Monitor reads the credential's
traffic counters once: any traffic persists the client in the registry,
none removes the credential from the engine. A failed read or write leaves
the credential pending, so a degraded engine API never causes an eviction.
*/
package admission
