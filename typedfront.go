package dbus

import (
	"context"
	"errors"
	"fmt"
)

// PropertyAccess describes whether a [Property] can be read, written,
// or both, mirroring PropertyFlags from the interface description
// language this package's property model is based on.
type PropertyAccess int

const (
	PropertyReadOnly PropertyAccess = iota
	PropertyWriteOnly
	PropertyReadWrite
)

// PropertyChangePolicy controls when and how a SkeletonBase emits
// PropertiesChanged for a given property.
type PropertyChangePolicy int

const (
	// PropertyChangeNone never emits PropertiesChanged for this
	// property.
	PropertyChangeNone PropertyChangePolicy = iota
	// PropertyChangeOnChange emits PropertiesChanged with the new
	// value included in the Changed map, but only when the new value
	// differs from the property's last known value.
	PropertyChangeOnChange
	// PropertyChangeAlways emits PropertiesChanged with the new value
	// included in the Changed map on every write, regardless of
	// whether the value actually changed.
	PropertyChangeAlways
	// PropertyChangeCommitted never emits on its own; changes
	// accumulate until the application calls [SkeletonBase.Commit],
	// which emits a single PropertiesChanged batching every property
	// written since the last commit.
	PropertyChangeCommitted
)

// Method describes one method of an interface with static Go
// parameter and return types. It is shared by StubBase (to make
// calls) and SkeletonBase (to dispatch them), replacing the
// C++ template parameter lists of the reference design with a Go
// generic type parameterized on request/response shape.
type Method[In, Out any] struct {
	// Name is the DBus method name.
	Name string
}

// Call invokes the method on stub, blocking for the reply.
func (m Method[In, Out]) Call(ctx context.Context, stub *StubBase, in In) (Out, error) {
	var out Out
	err := stub.iface().Call(ctx, m.Name, in, &out)
	if err != nil {
		noteCallTimeout(stub, ctx, err)
		return out, asTransportOrRPCError(err)
	}
	return out, nil
}

// noteCallTimeout moves stub into StubTimeout when a call failed
// because ctx's own deadline expired, distinguishing a slow peer from
// every other call failure.
func noteCallTimeout(stub *StubBase, ctx context.Context, err error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		stub.setState(StubTimeout)
	}
}

// CallAsync invokes the method on stub without blocking, returning a
// PendingCall the caller can Wait or Cancel.
//
// If onReply is non-nil, it is also pushed the CallState as soon as
// the reply arrives, without the caller needing to call Wait at all;
// Wait and onReply may both be used on the same call; the callback
// runs on its own goroutine, and its order relative to the return of
// Wait is not defined.
func (m Method[In, Out]) CallAsync(ctx context.Context, stub *StubBase, in In, out *Out, onReply func(CallState)) (*PendingCall, error) {
	// serial is filled in by beginCall below; onDone is a closure over
	// it rather than a captured value, so it reports the right serial
	// even though it can only fire after beginCall has returned.
	var serial uint32
	wrappedDone := func(err error) {
		if err != nil {
			noteCallTimeout(stub, ctx, err)
		}
		if onReply != nil {
			if err != nil {
				onReply(failureState(serial, asTransportOrRPCError(err)))
				return
			}
			onReply(successState(serial))
		}
	}
	var err error
	serial, err = stub.conn().beginCall(ctx, stub.peerName, stub.path(), stub.interfaceName, m.Name, in, out, wrappedDone)
	if err != nil {
		return nil, err
	}
	return &PendingCall{conn: stub.conn(), serial: serial}, nil
}

// OneWay invokes the method on stub without requesting a reply.
func (m Method[In, Out]) OneWay(ctx context.Context, stub *StubBase, in In) error {
	return stub.iface().OneWay(ctx, m.Name, in)
}

// MethodHandler is implemented by application code to serve one
// method of a SkeletonBase.
type MethodHandler[In, Out any] func(ctx context.Context, req In) (Out, error)

// Bind registers handler to serve calls to m on skel.
func (m Method[In, Out]) Bind(skel *SkeletonBase, handler MethodHandler[In, Out]) {
	inSig, err := SignatureFor[In]()
	if err != nil {
		panic(fmt.Errorf("method %s: request type is not a valid dbus type: %w", m.Name, err))
	}
	outSig, err := SignatureFor[Out]()
	if err != nil {
		panic(fmt.Errorf("method %s: response type is not a valid dbus type: %w", m.Name, err))
	}
	skel.bindMethod(m.Name, inSig, outSig, func(ctx context.Context, body []byte, decode func(any) error) (any, error) {
		var in In
		if err := decode(&in); err != nil {
			return nil, &RuntimeError{Code: 0, Message: "decoding request: " + err.Error()}
		}
		out, err := handler(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Signal describes one signal of an interface with a static Go body
// type.
type Signal[T any] struct {
	// Name is the DBus signal name.
	Name string
}

// Emit broadcasts the signal from skel's object path.
func (s Signal[T]) Emit(ctx context.Context, skel *SkeletonBase, body T) error {
	return skel.emitSignal(ctx, s.Name, body)
}

// SignalHandler is called by a Watcher's dispatch loop each time a
// matching signal arrives.
type SignalHandler[T any] func(sender Interface, body T)

// Property describes one property of an interface with a static Go
// value type, an access mode, and a change-notification policy.
type Property[T any] struct {
	// Name is the DBus property name.
	Name   string
	Access PropertyAccess
	Policy PropertyChangePolicy
}

// Get reads the current value of the property from stub's peer.
func (p Property[T]) Get(ctx context.Context, stub *StubBase) (T, error) {
	var val T
	err := stub.iface().GetProperty(ctx, p.Name, &val)
	if err != nil {
		return val, asTransportOrRPCError(err)
	}
	return val, nil
}

// Set writes a new value for the property on stub's peer. Only valid
// if p.Access allows writing.
func (p Property[T]) Set(ctx context.Context, stub *StubBase, val T) error {
	return stub.iface().SetProperty(ctx, p.Name, val)
}

// PropertyGetter supplies the current value of a skeleton-side
// property on demand.
type PropertyGetter[T any] func() T

// PropertySetter applies a new value to a skeleton-side property,
// called when a client invokes Properties.Set.
type PropertySetter[T any] func(T) error

// Bind registers get and set (set may be nil for a read-only
// property) as the implementation of p on skel.
func (p Property[T]) Bind(skel *SkeletonBase, get PropertyGetter[T], set PropertySetter[T]) {
	RegisterPropertyChangeType[T](skel.interfaceName, p.Name)
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(fmt.Errorf("property %s: value type is not a valid dbus type: %w", p.Name, err))
	}
	skel.bindProperty(p.Name, sig, p.Access, p.Policy,
		func() (any, error) { return get(), nil },
		func(v any) error {
			if set == nil {
				return &UserError{Name: "org.freedesktop.DBus.Error.PropertyReadOnly", Message: p.Name + " is read-only"}
			}
			tv, ok := v.(T)
			if !ok {
				return &RuntimeError{Code: 0, Message: "wrong type for property " + p.Name}
			}
			return set(tv)
		},
	)
}

// NotifyChanged applies p's change-notification policy for val:
// PropertyChangeOnChange emits only if val differs from the last
// recorded value, PropertyChangeAlways emits unconditionally,
// PropertyChangeCommitted batches val for the next [SkeletonBase.Commit],
// and PropertyChangeNone never emits. Skeletons call this after
// mutating a property outside of a client-initiated Properties.Set,
// which applies the same policy automatically.
func (p Property[T]) NotifyChanged(ctx context.Context, skel *SkeletonBase, val T) error {
	return skel.recordWrite(ctx, p.Name, val)
}

// AttachProperty starts observing p's value on stub's peer. cb is
// invoked once immediately with the property's current value (fetched
// via Properties.Get), and again every time a PropertiesChanged
// notification from stub's peer names this property: with the new
// value for a PropertyChangeAlways/PropertyChangeOnChange update, or
// with a freshly re-fetched value for an invalidating update.
//
// The returned detach function stops observation; it is safe to call
// more than once.
func (p Property[T]) AttachProperty(ctx context.Context, stub *StubBase, cb func(T)) (detach func(), err error) {
	RegisterPropertyChangeType[T](stub.interfaceName, p.Name)

	detach, err = stub.attachProperty(p.Name, func(v any) {
		if v == nil {
			// Invalidated: the notification carries no value, so
			// re-fetch it before calling back.
			val, err := p.Get(ctx, stub)
			if err != nil {
				return
			}
			cb(val)
			return
		}
		if tv, ok := v.(T); ok {
			cb(tv)
		}
	})
	if err != nil {
		return nil, err
	}

	val, err := p.Get(ctx, stub)
	if err != nil {
		detach()
		return nil, err
	}
	cb(val)
	return detach, nil
}
