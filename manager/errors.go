package manager

import "fmt"

// The manager maps every failure into one of five categories so callers can
// distinguish local faults (reject, no state change), counterparty faults
// (terminal Failed* state), and transient gateway failures (retried on the
// next poll).

// ValidationError reports malformed or inconsistent contract terms. Rejected
// locally; persisted state is never mutated.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ProtocolError reports a message inapplicable to the contract's current
// state (stale, duplicate or out of order). Dropped and logged; never fatal.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return "protocol: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// CryptoError reports a signing or verification failure. For inbound
// counterparty signatures the contract is moved to a terminal Failed* state
// before this is returned; for local signing failures no state is mutated.
type CryptoError struct{ Err error }

func (e *CryptoError) Error() string { return "crypto: " + e.Err.Error() }
func (e *CryptoError) Unwrap() error { return e.Err }

// ChainError reports a broadcast or query failure against the chain or
// oracle gateways. Retried on the next periodic poll.
type ChainError struct{ Err error }

func (e *ChainError) Error() string { return "chain: " + e.Err.Error() }
func (e *ChainError) Unwrap() error { return e.Err }

// StorageError reports a persistence failure. Fatal for the operation; no
// state is assumed committed.
type StorageError struct{ Err error }

func (e *StorageError) Error() string { return "storage: " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

func protocolf(format string, args ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(format, args...)}
}

func cryptof(format string, args ...interface{}) error {
	return &CryptoError{Err: fmt.Errorf(format, args...)}
}

func chainf(format string, args ...interface{}) error {
	return &ChainError{Err: fmt.Errorf(format, args...)}
}

func storagef(format string, args ...interface{}) error {
	return &StorageError{Err: fmt.Errorf(format, args...)}
}
