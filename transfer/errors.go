package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned for calls pending or issued after the
	// peer disconnected.
	ErrTransportClosed = errors.New("transport closed")
	// ErrCancelled reports explicit cancellation by the caller.
	ErrCancelled = errors.New("cancelled")
	// ErrUnknownObject is returned when a call targets a released or never
	// exported object.
	ErrUnknownObject = errors.New("unknown remote object")
	// ErrUnknownMethod is returned by objects that do not answer a method.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnknownKind is returned when an envelope kind has no handler.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// CodeInternal is used for errors that match no registered sentinel.
const CodeInternal = "internal"

// RemoteError is a failure reported by the peer. It unwraps to the sentinel
// registered for its code, if any.
type RemoteError struct {
	Code    string
	Message string

	sentinel error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

type errorCode struct {
	code     string
	sentinel error
}

// RegisterError maps code to sentinel in both directions: outgoing errors
// matching sentinel carry code, and incoming errors with code unwrap to
// sentinel. Earlier registrations win when an error matches several.
func (r *Registry) RegisterError(code string, sentinel error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorCode{code: code, sentinel: sentinel})
}

func (r *Registry) wireError(err error) *WireError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ec := range r.errors {
		if errors.Is(err, ec.sentinel) {
			return &WireError{Code: ec.code, Message: err.Error()}
		}
	}
	return &WireError{Code: CodeInternal, Message: err.Error()}
}

func (r *Registry) remoteError(we *WireError) error {
	if we == nil {
		return &RemoteError{Code: CodeInternal, Message: "remote call failed"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ec := range r.errors {
		if ec.code == we.Code {
			return &RemoteError{Code: we.Code, Message: we.Message, sentinel: ec.sentinel}
		}
	}
	return &RemoteError{Code: we.Code, Message: we.Message}
}

func unknownMethod(method string) error {
	return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}
