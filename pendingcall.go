package dbus

import "context"

// A PendingCall is a handle to an in-flight asynchronous method call.
// It correlates a reply to the request that produced it, and lets the
// caller cancel a request it no longer cares about.
//
// A PendingCall is produced by [Method.CallAsync]. Its reply can be
// observed through Wait, through the onReply callback given to
// CallAsync, or both.
type PendingCall struct {
	conn   *Conn
	serial uint32
	done   bool
}

// Serial returns the message serial this call is waiting on.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Pending reports whether the call is still outstanding.
func (p *PendingCall) Pending() bool { return p.conn != nil && !p.done }

// Cancel abandons the call. The reply, if one ever arrives, is
// discarded and the onReply callback is not invoked. Cancel does not
// wake a goroutine already blocked in Wait; that Wait returns when its
// ctx is done.
func (p *PendingCall) Cancel() {
	if p.conn == nil || p.done {
		return
	}
	p.conn.dropCall(p.serial)
	p.done = true
}

// Wait blocks until the reply arrives or ctx is done, and returns the
// resulting CallState.
func (p *PendingCall) Wait(ctx context.Context) CallState {
	if p.conn == nil {
		return failureState(p.serial, &TransportError{Message: "call already completed"})
	}
	err := p.conn.waitCall(ctx, p.serial)
	p.done = true
	if err != nil {
		return failureState(p.serial, asTransportOrRPCError(err))
	}
	return successState(p.serial)
}

// asTransportOrRPCError normalizes an error from the Conn layer into
// the RPCError taxonomy: CallError becomes a Runtime/UserError per
// errorFromCallError, everything else (closed connections, context
// cancellation, wire decode failures) becomes a TransportError.
func asTransportOrRPCError(err error) RPCError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(CallError); ok {
		return errorFromCallError(ce)
	}
	return &TransportError{Message: err.Error()}
}
