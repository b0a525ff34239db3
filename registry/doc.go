// Package registry persists admitted clients.
//
// Three implementations of interfaces.ClientRegistry are provided: an
// in-process MemoryRegistry for tests and throwaway setups, a FileRegistry
// that keeps one JSON record per credential in a directory, and a
// RedisRegistry that keeps one JSON document per credential id plus an index
// of active clients. New selects one from RegistryProperties.
package registry
