package dbus

import (
	"context"
	"errors"
	"os"
)

// senderContextKey is the context key that carries the sender of a
// DBus message.
type senderContextKey struct{}

// withContextSender augments ctx with DBus sender information.
func withContextSender(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender extracts the current DBus sender information from
// ctx, and reports whether any sender information was present.
//
// Sender information is available in [Marshaler] and [Unmarshaler]
// calls.
func ContextSender(ctx context.Context) (Interface, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return Interface{}, false
	}
	if ret, ok := v.(Interface); ok {
		return ret, true
	}
	return Interface{}, false
}

// filesContextKey is the context key that carries file descriptors
// received with a DBus message.
type filesContextKey struct{}

// withContextFiles augments ctx with message files.
func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

// contextFile returns the idx-th message file in ctx.
//
// [File] is the only consumer of this API, being the only way to
// interact with DBus file descriptors.
func contextFile(ctx context.Context, idx uint32) *os.File {
	v := ctx.Value(filesContextKey{})
	if v == nil {
		return nil
	}
	fs, ok := v.([]*os.File)
	if !ok {
		return nil
	}
	if idx < 0 || int(idx) >= len(fs) {
		return nil
	}

	return fs[int(idx)]
}

// headerContextKey is declared for message-header context values but
// is not used: withContextHeader stores the sender [Interface] it
// derives from a header under senderContextKey (see [ContextSender]).
type headerContextKey struct{}

// withContextHeader derives sender information from hdr and attaches
// it to ctx, using conn to resolve the sender's bus name into a
// [Peer].
func withContextHeader(ctx context.Context, conn *Conn, hdr *header) context.Context {
	sender := conn.Peer(hdr.Sender).Object(hdr.Path).Interface(hdr.Interface)
	return withContextSender(ctx, sender)
}

// callFlagsContextKey is the context key carrying the caller-requested
// DBus message flags for an outgoing method call.
type callFlagsContextKey struct{}

type callFlags struct {
	noAutoStart         bool
	allowInteractiveAuth bool
}

// WithNoAutoStart returns a context that instructs the bus not to
// launch an activatable service to satisfy a method call made with
// it, per the DBus NO_AUTO_START message flag.
func WithNoAutoStart(ctx context.Context) context.Context {
	f := contextFlags(ctx)
	f.noAutoStart = true
	return context.WithValue(ctx, callFlagsContextKey{}, f)
}

// WithAllowInteractiveAuthorization returns a context that tells the
// peer the caller is prepared to wait out an interactive
// authorization prompt, per the DBus ALLOW_INTERACTIVE_AUTHORIZATION
// message flag.
func WithAllowInteractiveAuthorization(ctx context.Context) context.Context {
	f := contextFlags(ctx)
	f.allowInteractiveAuth = true
	return context.WithValue(ctx, callFlagsContextKey{}, f)
}

func contextFlags(ctx context.Context) callFlags {
	f, _ := ctx.Value(callFlagsContextKey{}).(callFlags)
	return f
}

// contextCallFlags translates the flags recorded in ctx into the wire
// representation of a DBus message's flag byte. The NO_REPLY_EXPECTED
// bit is set by the caller (conn.call), not here.
func contextCallFlags(ctx context.Context) byte {
	f := contextFlags(ctx)
	var b byte
	if f.noAutoStart {
		b |= 0x2
	}
	if f.allowInteractiveAuth {
		b |= 0x4
	}
	return b
}

// writeFilesContextKey is the context key that carries file
// descriptors to be sent with a DBus message.
type writeFilesContextKey struct{}

// withContextPutFiles augments ctx with an output slice for files to be
// sent with a message.
func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, writeFilesContextKey{}, files)
}

// contextPutFile adds file to the context's outgoing files buffer.
//
// [File] is the only consumer of this API, being the only way to
// interact with DBus file descriptors.
func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	v := ctx.Value(writeFilesContextKey{})
	if v == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	fsp, ok := v.(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}

	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}
