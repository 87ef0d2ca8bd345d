package dbus

import (
	"context"
	"strings"

	"github.com/creachadair/dbusrpc/fragments"
)

// ObjectPath is a DBus object path, such as "/org/freedesktop/DBus".
type ObjectPath string

// String returns the path as a plain string.
func (o ObjectPath) String() string { return string(o) }

// Clean returns o with any trailing path separator removed, except
// for the root path "/" itself. It does not otherwise validate that
// o is a well-formed object path.
func (o ObjectPath) Clean() ObjectPath {
	if o == "" {
		return "/"
	}
	if o == "/" {
		return o
	}
	return ObjectPath(strings.TrimSuffix(string(o), "/"))
}

// IsChildOf reports whether o names the same object as prefix, or an
// object nested under it, matching on path components rather than
// treating the paths as opaque strings. For example, "/a/bb" is not a
// child of "/a/b".
func (o ObjectPath) IsChildOf(prefix ObjectPath) bool {
	op, pp := string(o.Clean()), string(prefix.Clean())
	if pp == "/" || op == pp {
		return true
	}
	return strings.HasPrefix(op, pp+"/")
}

func (ObjectPath) IsDBusStruct() bool { return false }

var objectPathSignature = mkSignature(strToType['o'])

func (ObjectPath) SignatureDBus() Signature { return objectPathSignature }

func (o ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(string(o))
	return nil
}

func (o *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	*o = ObjectPath(s)
	return nil
}
