package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("socket closed")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not ready", &NotReadyError{Account: "a", State: "connecting"}, ErrNotReady},
		{"rate limited", &RateLimitedError{Account: "a", Reason: "daily_new_recipient_cap", RetryAfter: time.Hour}, ErrRateLimited},
		{"queue full", &QueueFullError{Account: "a", Depth: 10, Limit: 10}, ErrQueueFull},
		{"circuit open", &CircuitOpenError{Account: "a", RetryAfter: time.Minute}, ErrCircuitOpen},
		{"transient", &ConnectionError{Account: "a", Reason: "timeout", Err: cause}, ErrTransientConnection},
		{"terminal", &ConnectionError{Account: "a", Reason: "logged_out", Terminal: true}, ErrTerminalAuth},
		{"dependency", Dependency("insert message", "m1", cause), ErrDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.want)
			}
		})
	}
}

func TestConnectionErrorKindsAreExclusive(t *testing.T) {
	transient := &ConnectionError{Account: "a", Reason: "timeout"}
	if errors.Is(transient, ErrTerminalAuth) {
		t.Error("transient error must not match ErrTerminalAuth")
	}
	terminal := &ConnectionError{Account: "a", Reason: "replaced", Terminal: true}
	if errors.Is(terminal, ErrTransientConnection) {
		t.Error("terminal error must not match ErrTransientConnection")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk I/O")
	err := Dependency("exists check", "", cause)
	if !errors.Is(err, cause) {
		t.Error("dependency error should unwrap to its cause")
	}
	var dep *DependencyError
	if !errors.As(err, &dep) || dep.Op != "exists check" {
		t.Errorf("errors.As failed, got %+v", dep)
	}
	if Dependency("noop", "", nil) != nil {
		t.Error("Dependency(nil) should be nil")
	}
}
