package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessLaunch is returned when the engine binary cannot be spawned
	// (missing path, permissions).
	ErrProcessLaunch = errors.New("engine process launch failed")

	// ErrProcessTerminationTimeout is recorded when the engine ignores a
	// graceful termination request. The supervisor recovers by killing it.
	ErrProcessTerminationTimeout = errors.New("engine did not exit within the termination timeout")

	// ErrConfigValidation is returned when a required property is missing or
	// malformed. No file is written when it occurs.
	ErrConfigValidation = errors.New("invalid engine configuration")

	// ErrConfigWrite is returned when the generated configuration cannot be
	// written to disk.
	ErrConfigWrite = errors.New("engine configuration write failed")

	// ErrControlPlane is returned when a mutating control API call fails.
	ErrControlPlane = errors.New("engine control plane call failed")

	// ErrControlPlaneReadDegraded accompanies zero counters returned after a
	// failed traffic query.
	ErrControlPlaneReadDegraded = errors.New("engine traffic query failed, counters unknown")

	// ErrKeyGeneration is returned when the engine's key generation mode exits
	// with a non-zero status or cannot be run.
	ErrKeyGeneration = errors.New("reality key generation failed")

	// ErrKeyParse is returned when key generation output lacks an expected line.
	ErrKeyParse = errors.New("reality key output could not be parsed")

	// ErrIllegalState signals a contract violation by the caller, such as
	// scheduling a check for a credential that is not pending.
	ErrIllegalState = errors.New("illegal state")

	// ErrClientNotFound is returned by registries when no client holds a credential id.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists is returned by registries on a duplicate credential id.
	ErrClientExists = errors.New("client already exists")

	// ErrKeysNotFound is returned by a KeySource that holds no key pair.
	ErrKeysNotFound = errors.New("reality keys not found")
)

// OutputError carries the captured output of a failed subprocess so that
// operators can diagnose it. It matches both its Kind and its cause with
// errors.Is.
type OutputError struct {
	Kind   error
	Output string
	Err    error
}

func (e *OutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v\n%s", e.Kind, e.Err, e.Output)
	}
	return fmt.Sprintf("%v\n%s", e.Kind, e.Output)
}

func (e *OutputError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}
