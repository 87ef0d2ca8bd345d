package dbus

import (
	"context"
	"reflect"

	"github.com/creachadair/dbusrpc/fragments"
)

// WideString is a string of Unicode code points, wire-encoded as an
// ARRAY of UINT32 rather than the UTF-8 byte sequence used by the
// ordinary DBus "string" type.
//
// WideString exists for interop with peers that marshal wide-character
// strings element-by-element instead of as UTF-8, as some embedded
// and C++ DBus stacks do.
type WideString []rune

var wideStringSignature = mkSignature(reflect.TypeFor[[]uint32]())

func (w WideString) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	return e.Array(false, func() error {
		for _, r := range w {
			e.Uint32(uint32(r))
		}
		return nil
	})
}

func (w *WideString) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	var ret WideString
	_, err := d.Array(false, func(i int) error {
		u, err := d.Uint32()
		if err != nil {
			return err
		}
		ret = append(ret, rune(u))
		return nil
	})
	if err != nil {
		return err
	}
	*w = ret
	return nil
}

func (w WideString) IsDBusStruct() bool { return false }

func (w WideString) SignatureDBus() Signature { return wideStringSignature }

func (w WideString) String() string { return string([]rune(w)) }
