package lapp

import "errors"

// Sandbox and overlay fault taxonomy. Sandbox-internal faults are caught at
// the host boundary and surface as these typed errors, never as panics.
var (
	ErrModuleInvalid       = errors.New("module invalid")
	ErrLinkFailure         = errors.New("link failure")
	ErrCapabilityDenied    = errors.New("capability denied")
	ErrTrap                = errors.New("trap")
	ErrTimeout             = errors.New("call timeout")
	ErrNoSuchExport        = errors.New("no such export")
	ErrTypeMismatch        = errors.New("export type mismatch")
	ErrPeerUnauthenticated = errors.New("peer unauthenticated")
	ErrDeliveryDropped     = errors.New("delivery dropped")

	ErrNotFound   = errors.New("lapp not found")
	ErrNotRunning = errors.New("lapp not running")
)
