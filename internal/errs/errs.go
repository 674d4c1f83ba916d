// Package errs defines the error taxonomy surfaced by the gateway core.
// Every typed error matches its sentinel through errors.Is, so callers can
// branch on the category without caring about the carried context.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotReady            = errors.New("session not ready")
	ErrRateLimited         = errors.New("rate limited")
	ErrQueueFull           = errors.New("send queue full")
	ErrTransientConnection = errors.New("transient connection error")
	ErrTerminalAuth        = errors.New("terminal auth error")
	ErrDependency          = errors.New("dependency error")
	ErrCircuitOpen         = errors.New("reconnect circuit open")
	ErrShuttingDown        = errors.New("gateway shutting down")
)

// NotReadyError is returned when a session has not finished its initial
// synchronization. Callers should retry after a short wait.
type NotReadyError struct {
	Account string
	State   string
}

func (e *NotReadyError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("account %s: %v", e.Account, ErrNotReady)
	}
	return fmt.Sprintf("account %s: %v (state %s)", e.Account, ErrNotReady, e.State)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// RateLimitedError is an explicit outbound block. Reason is machine readable.
type RateLimitedError struct {
	Account    string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("account %s: %v: %s (retry after %s)", e.Account, ErrRateLimited, e.Reason, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// QueueFullError signals backpressure; the caller must not retry immediately.
type QueueFullError struct {
	Account string
	Depth   int
	Limit   int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("account %s: %v (%d/%d)", e.Account, ErrQueueFull, e.Depth, e.Limit)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// CircuitOpenError means reconnects for the account are blocked until RetryAfter elapses.
type CircuitOpenError struct {
	Account    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("account %s: %v, retry after %s", e.Account, ErrCircuitOpen, e.RetryAfter.Round(time.Second))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ConnectionError wraps a protocol-client failure. Terminal errors require
// re-pairing and are never retried automatically.
type ConnectionError struct {
	Account  string
	Reason   string
	Terminal bool
	Err      error
}

func (e *ConnectionError) Error() string {
	kind := ErrTransientConnection
	if e.Terminal {
		kind = ErrTerminalAuth
	}
	if e.Err != nil {
		return fmt.Sprintf("account %s: %v: %s: %v", e.Account, kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("account %s: %v: %s", e.Account, kind, e.Reason)
}

func (e *ConnectionError) Is(target error) bool {
	if e.Terminal {
		return target == ErrTerminalAuth
	}
	return target == ErrTransientConnection
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DependencyError is a durable store or protocol client failure while
// processing an event. The event is left unmarked so a later delivery retries it.
type DependencyError struct {
	Op         string
	ExternalID string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ExternalID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Is(target error) bool { return target == ErrDependency }

func (e *DependencyError) Unwrap() error { return e.Err }

// Dependency wraps err as a DependencyError, or returns nil.
func Dependency(op, externalID string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Op: op, ExternalID: externalID, Err: err}
}
