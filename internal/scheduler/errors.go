package scheduler

import "fmt"

// AuthError aborts construction: a slot could not be authenticated.
type AuthError struct {
	Host string
	Slot int
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s (slot %d): %v", e.Host, e.Slot, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StagingError aborts construction: the core package did not reach a host.
type StagingError struct {
	Host string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage core package on %s: %v", e.Host, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// TransportError is a failed protocol step: the connection or a transfer
// broke, as opposed to the job's command exiting non-zero.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
