package dbus

import (
	"cmp"
	"context"
	"os"
	"strings"
)

// Peer is a handle to another client on the bus, identified by a bus
// name.
//
// Peer is a purely local value. Constructing one does not imply that
// the named peer exists or is reachable; that is only known once a
// call to it succeeds or fails.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the DBus connection the peer belongs to.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string { return p.name }

// Compare compares two peers, with the same convention as [cmp.Compare].
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

// Ping checks that the peer is alive and responding to messages.
func (p Peer) Ping(ctx context.Context) error {
	return p.c.call(ctx, p.name, "/", ifacePeer, "Ping", nil, nil, false)
}

// Object returns a handle to the object at path, as exported by the
// peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// IsUniqueName reports whether p identifies a connection directly by
// its bus-assigned unique name (such as ":1.42"), rather than by a
// well-known service name.
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Owner returns the peer that currently owns p's bus name.
//
// If p is already a unique name, Owner returns p itself without
// contacting the bus.
func (p Peer) Owner(ctx context.Context) (Peer, error) {
	if p.IsUniqueName() {
		return p, nil
	}
	var owner string
	if err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetNameOwner", p.name, &owner); err != nil {
		return Peer{}, err
	}
	return p.c.Peer(owner), nil
}

// Exists reports whether p's bus name currently has an owner.
func (p Peer) Exists(ctx context.Context) (bool, error) {
	var ret bool
	err := p.c.bus.Interface(ifaceBus).Call(ctx, "NameHasOwner", p.name, &ret)
	return ret, err
}

// QueuedOwners returns the unique names of every connection queued to
// own p's bus name, in queue order. The current owner, if any, is
// first.
func (p Peer) QueuedOwners(ctx context.Context) ([]Peer, error) {
	var names []string
	if err := p.c.bus.Interface(ifaceBus).Call(ctx, "ListQueuedOwners", p.name, &names); err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = p.c.Peer(n)
	}
	return ret, nil
}

// UID returns the Unix user ID of the process that owns p's bus name.
//
// Deprecated: use [Peer.Identity], which reports every credential the
// bus knows about in one round trip.
func (p Peer) UID(ctx context.Context) (uint32, error) {
	var uid uint32
	err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixUser", p.name, &uid)
	return uid, err
}

// PID returns the process ID of the process that owns p's bus name.
//
// Deprecated: use [Peer.Identity], which reports every credential the
// bus knows about in one round trip.
func (p Peer) PID(ctx context.Context) (uint32, error) {
	var pid uint32
	err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixProcessID", p.name, &pid)
	return pid, err
}

// Credentials describes a peer's process identity, as reported by
// org.freedesktop.DBus.GetConnectionCredentials.
type Credentials struct {
	// PID is the peer's process ID, if the bus could determine it.
	PID *uint32
	// UID is the peer's effective Unix user ID, if the bus could
	// determine it.
	UID *uint32
	// GIDs are the peer's effective Unix group IDs, if the bus could
	// determine them.
	GIDs []uint32
	// PIDFD, if non-nil, is a handle on the peer's process that stays
	// valid even if its PID is reused.
	PIDFD *os.File
	// SecurityLabel is the peer's LSM security label, if the bus could
	// determine it.
	SecurityLabel []byte
	// Unknown holds any credential fields the bus reported that this
	// package doesn't otherwise interpret.
	Unknown map[string]any
}

// Identity returns the credentials the bus has recorded for p's
// connection.
func (p Peer) Identity(ctx context.Context) (Credentials, error) {
	var raw map[string]any
	if err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionCredentials", p.name, &raw); err != nil {
		return Credentials{}, err
	}

	ret := Credentials{Unknown: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "ProcessID":
			if u, ok := v.(uint32); ok {
				ret.PID = &u
			}
		case "UnixUserID":
			if u, ok := v.(uint32); ok {
				ret.UID = &u
			}
		case "UnixGroupIDs":
			ret.GIDs, _ = v.([]uint32)
		case "ProcessFD":
			ret.PIDFD, _ = v.(*os.File)
		case "LinuxSecurityLabel":
			ret.SecurityLabel, _ = v.([]byte)
		default:
			ret.Unknown[k] = v
		}
	}
	return ret, nil
}
