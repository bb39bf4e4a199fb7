package router

import "errors"

// Error kinds from spec.md §7. Callers use errors.Is against these.
var (
	ErrSessionTerminating = errors.New("router: session is terminating")
	ErrSessionTerminated  = errors.New("router: session terminated per master_failure_mode policy")
	ErrNoReplicaAvailable = errors.New("router: no replica available")
	ErrNoPrimaryAvailable = errors.New("router: no primary available")
	ErrNoBackendAvailable = errors.New("router: no backend accepted the session command")
	ErrBackendWriteFailed = errors.New("router: backend write failed")
)
