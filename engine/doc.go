/*
Package engine runs the Xray binary on behalf of the provisioning backend.

The Supervisor owns one long-lived `xray run -c <config>` process. It relays
the engine's combined output into the structured logger line by line, stops
it with SIGTERM followed by SIGKILL after a timeout, and serializes restarts
so that at most one process exists at any time.

The KeyProvisioner runs `xray x25519` to create Reality key pairs.
DerivePublicKey and ValidateKey handle keys supplied by the operator.
*/
package engine
