package dbus

import (
	"cmp"
	"context"
)

// Object is a handle to an object path exported by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the DBus connection the object belongs to.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer that exports the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string { return o.p.String() + string(o.path) }

// Compare compares two objects, with the same convention as [cmp.Compare].
func (o Object) Compare(other Object) int {
	if ret := o.Peer().Compare(other.Peer()); ret != 0 {
		return ret
	}
	return cmp.Compare(o.path, other.path)
}

// Interface returns a handle to the named interface offered by the
// object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Child returns a handle to the child object at rel, a path relative
// to o. rel must not start with a path separator.
func (o Object) Child(rel string) Object {
	base := string(o.path.Clean())
	if base == "/" {
		return Object{p: o.p, path: ObjectPath("/" + rel)}
	}
	return Object{p: o.p, path: ObjectPath(base + "/" + rel)}
}

// Introspect returns the object's introspection data, as described by
// org.freedesktop.DBus.Introspectable.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	var resp string
	if err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect", nil, &resp); err != nil {
		return nil, err
	}
	return ParseIntrospection(resp)
}

// Interfaces returns the interfaces offered by the object, as
// reported by its introspection data.
func (o Object) Interfaces(ctx context.Context) ([]Interface, error) {
	desc, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(desc.Interfaces))
	for name := range desc.Interfaces {
		ret = append(ret, o.Interface(name))
	}
	return ret, nil
}
