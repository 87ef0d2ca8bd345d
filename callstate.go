package dbus

// A CallState summarizes the outcome of one asynchronous method call,
// for delivery to a stub's reply callback. Use [CallState.Ok] to check
// for failure without naming the error type.
type CallState struct {
	serial uint32
	err    RPCError
}

func successState(serial uint32) CallState {
	return CallState{serial: serial}
}

func failureState(serial uint32, err RPCError) CallState {
	return CallState{serial: serial, err: err}
}

// Ok reports whether the call completed without error.
func (c CallState) Ok() bool { return c.err == nil }

// Serial returns the message serial the reply correlates to.
func (c CallState) Serial() uint32 { return c.serial }

// Err returns the RPCError describing the failure, or nil on success.
func (c CallState) Err() RPCError { return c.err }

// IsTransportError reports whether the call failed because of the
// connection itself rather than a response from the peer.
func (c CallState) IsTransportError() bool {
	_, ok := c.err.(*TransportError)
	return ok
}

// IsRuntimeError reports whether the call failed with an
// interface-defined runtime error code.
func (c CallState) IsRuntimeError() bool {
	_, ok := c.err.(*RuntimeError)
	return ok
}
