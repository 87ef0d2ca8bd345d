package dbus

import (
	"fmt"
	"strings"
)

// An RPCError is one of RuntimeError, UserError or TransportError. It
// is the error a StubBase call fails with.
//
// RuntimeError and UserError travel the wire as a DBus error reply;
// TransportError never does, since there is no peer left to send it
// to.
type RPCError interface {
	error
	isRPCError()
}

// RuntimeError reports a failure the skeleton detected while
// executing a method, identified by a small integer code private to
// the interface. It is encoded on the wire as
// "org.freedesktop.DBus.Error.Failed" with a body of "<code> <msg>".
type RuntimeError struct {
	Code    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error %d: %s", e.Code, e.Message)
}

func (e *RuntimeError) isRPCError() {}

// wireRuntimeErrorName is the DBus error name used to encode every
// RuntimeError, mirroring DBUS_ERROR_FAILED in the reference
// implementation this package's call semantics are based on.
const wireRuntimeErrorName = "org.freedesktop.DBus.Error.Failed"

// UserError reports a failure with an application-chosen DBus error
// name, letting a skeleton hand the caller a specific, stable error
// identity instead of the generic RuntimeError bucket.
type UserError struct {
	Name    string
	Message string
}

func (e *UserError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *UserError) isRPCError() {}

// TransportError reports a failure below the RPC layer: the
// connection dropped, the peer vanished, a call timed out locally.
// It never appears on the wire, so Code is a local errno-like value
// meaningful only to this process.
type TransportError struct {
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport error %d", e.Code)
	}
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Message)
}

func (e *TransportError) isRPCError() {}

// errorFromCallError converts the wire-level CallError produced by
// dispatchErr into the RPCError taxonomy StubBase callers observe.
// An error named wireRuntimeErrorName whose body matches the
// "<code> <msg>" convention becomes a RuntimeError; every other error
// is surfaced as a UserError carrying its name, so the caller can
// switch on it.
func errorFromCallError(ce CallError) RPCError {
	if ce.Name == wireRuntimeErrorName {
		var code int
		if n, _ := fmt.Sscanf(ce.Detail, "%d ", &code); n == 1 {
			msg := ce.Detail
			if i := strings.IndexByte(ce.Detail, ' '); i >= 0 {
				msg = ce.Detail[i+1:]
			}
			return &RuntimeError{Code: code, Message: msg}
		}
	}
	return &UserError{Name: ce.Name, Message: ce.Detail}
}

// wireErrorForRPC renders err as the (name, body) pair dispatchCall
// should send on the wire in a DBus error reply.
func wireErrorForRPC(err error) (name string, body string) {
	switch e := err.(type) {
	case *UserError:
		return e.Name, e.Message
	case *RuntimeError:
		return wireRuntimeErrorName, fmt.Sprintf("%d %s", e.Code, e.Message)
	default:
		return wireRuntimeErrorName, err.Error()
	}
}
