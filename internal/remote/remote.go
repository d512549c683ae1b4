package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure kinds for calls to backing services. Cancellation is kept distinct
// from network failure so callers can report an abandoned call without
// surfacing it as an error to the user.
const (
	KindNetwork   = "network"
	KindCancelled = "cancelled"
	KindBackend   = "backend"
)

// CallError describes a failed call to a backing service.
type CallError struct {
	Kind       string
	Service    string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Service, e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Classify wraps a transport-level error, distinguishing caller cancellation
// from network trouble.
func Classify(service, op string, err error) *CallError {
	kind := KindNetwork
	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindNetwork
	}
	return &CallError{Kind: kind, Service: service, Op: op, Err: err}
}

// FromStatus wraps a non-2xx response from a backing service.
func FromStatus(service, op string, status int, body []byte) *CallError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &CallError{Kind: KindBackend, Service: service, Op: op, StatusCode: status, Message: msg}
}

// IsCancelled reports whether err came from an abandoned call.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == KindCancelled
}
