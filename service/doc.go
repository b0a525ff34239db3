/*
Package service wires the engine supervisor, the configuration generator,
the control plane client and the admission monitor into the operations of
the provisioning backend: Bootstrap, Issue, Claim, Revoke, Reload, Status
and Shutdown.

Issued credentials are live in the engine immediately and held as pending.
The monitor persists them once traffic proves real usage, or evicts them
when the admission horizon passes without any.
*/
package service
