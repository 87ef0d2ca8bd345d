package dbus

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/creachadair/dbusrpc/fragments"
)

// Dispatcher routes incoming method calls to the SkeletonBase
// instances registered with it, and answers the bus-mandated
// org.freedesktop.DBus.Properties and org.freedesktop.DBus.Introspectable
// interfaces on their behalf.
//
// A single Conn can host any number of objects; Dispatcher is what
// lets several SkeletonBase values sharing one Conn each receive only
// the calls addressed to their own object path, since Conn.handlers
// has no notion of object paths by itself.
type Dispatcher struct {
	conn *Conn

	mu                  sync.Mutex
	stubs               map[*StubBase]struct{}
	stubsByName         map[string]map[*StubBase]struct{}
	presence            map[string]bool
	skeletons           map[ObjectPath]map[string]*SkeletonBase
	objectManagers      map[ObjectPath]*ObjectManager
	installedMethod     map[interfaceMember]bool
	propsInstalled      bool
	objManagerInstalled bool

	presenceWatcher *Watcher
}

// NewDispatcher creates a Dispatcher that serves skeletons over conn,
// and starts tracking bus-name ownership so that stubs created with
// [NewStubBase] learn when their peer connects or disconnects.
func NewDispatcher(conn *Conn) *Dispatcher {
	d := &Dispatcher{
		conn:            conn,
		stubs:           map[*StubBase]struct{}{},
		stubsByName:     map[string]map[*StubBase]struct{}{},
		presence:        map[string]bool{},
		skeletons:       map[ObjectPath]map[string]*SkeletonBase{},
		objectManagers:  map[ObjectPath]*ObjectManager{},
		installedMethod: map[interfaceMember]bool{},
	}
	d.startPresenceTracking()
	return d
}

// startPresenceTracking seeds the presence table from the bus's
// current name listing, then spawns a goroutine that keeps it current
// by watching NameOwnerChanged. Failures here are non-fatal: a
// Dispatcher with no working presence tracking simply leaves every
// stub in StubDisconnected, the same as before this feature existed.
func (d *Dispatcher) startPresenceTracking() {
	w, err := d.conn.Watch()
	if err != nil {
		return
	}
	if _, err := w.Match(MatchNotification[NameOwnerChanged]()); err != nil {
		w.Close()
		return
	}

	d.mu.Lock()
	d.presenceWatcher = w
	d.mu.Unlock()

	if names, err := d.conn.Peers(context.Background()); err == nil {
		d.mu.Lock()
		for _, p := range names {
			d.presence[p.Name()] = true
		}
		d.mu.Unlock()
	}

	go d.watchPresence(w)
}

func (d *Dispatcher) watchPresence(w *Watcher) {
	for n := range w.Chan() {
		noc, ok := n.Body.(*NameOwnerChanged)
		if !ok {
			continue
		}
		d.handleNameOwnerChanged(noc)
	}
}

func (d *Dispatcher) handleNameOwnerChanged(noc *NameOwnerChanged) {
	d.mu.Lock()
	present := noc.New != nil
	d.presence[noc.Name] = present
	affected := make([]*StubBase, 0, len(d.stubsByName[noc.Name]))
	for s := range d.stubsByName[noc.Name] {
		affected = append(affected, s)
	}
	d.mu.Unlock()

	newState := StubDisconnected
	if present {
		newState = StubConnected
	}
	for _, s := range affected {
		s.setState(newState)
	}
}

// isPresent reports whether name currently has a primary owner,
// according to the dispatcher's presence tracking.
func (d *Dispatcher) isPresent(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presence[name]
}

// attachStub records s as belonging to d, so that a future Stop can
// tear down any stubs left open by application code, and so presence
// changes for s's peer reach it. If the peer is already known to be
// present, s is moved to StubConnected immediately.
func (d *Dispatcher) attachStub(s *StubBase) {
	d.mu.Lock()
	d.stubs[s] = struct{}{}
	byName := d.stubsByName[s.peerName]
	if byName == nil {
		byName = map[*StubBase]struct{}{}
		d.stubsByName[s.peerName] = byName
	}
	byName[s] = struct{}{}
	present := d.presence[s.peerName]
	d.mu.Unlock()

	if present {
		s.setState(StubConnected)
	}
}

// detachStub removes the bookkeeping entry created by attachStub.
func (d *Dispatcher) detachStub(s *StubBase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stubs, s)
	if byName := d.stubsByName[s.peerName]; byName != nil {
		delete(byName, s)
		if len(byName) == 0 {
			delete(d.stubsByName, s.peerName)
		}
	}
}

// Stop closes every StubBase still attached to the dispatcher, and
// stops presence tracking. It does not close the underlying Conn,
// which callers may be sharing with other code.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stubs := make([]*StubBase, 0, len(d.stubs))
	for s := range d.stubs {
		stubs = append(stubs, s)
	}
	w := d.presenceWatcher
	d.presenceWatcher = nil
	d.mu.Unlock()

	if w != nil {
		w.Close()
	}
	for _, s := range stubs {
		s.Close()
	}
}

// Conn returns the connection the dispatcher serves.
func (d *Dispatcher) Conn() *Conn { return d.conn }

// Run blocks until ctx is canceled or the connection closes.
//
// Unlike the reference design's single-threaded event loop, this
// package's I/O already runs on Conn's own goroutine
// (Conn.readLoop); Run exists so that server programs have a
// conventional call to block on while that goroutine does the work.
func (d *Dispatcher) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) registerSkeleton(s *SkeletonBase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byIface := d.skeletons[s.objPath]
	if byIface == nil {
		byIface = map[string]*SkeletonBase{}
		d.skeletons[s.objPath] = byIface
	}
	byIface[s.interfaceName] = s
	d.installIntrospectableLocked()
}

// skeletonAt returns the skeleton implementing iface at path, or nil
// if there is none.
func (d *Dispatcher) skeletonAt(path ObjectPath, iface string) *SkeletonBase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skeletons[path.Clean()][iface]
}

// interfacesAt returns every skeleton registered at path, in no
// particular order.
func (d *Dispatcher) interfacesAt(path ObjectPath) []*SkeletonBase {
	d.mu.Lock()
	defer d.mu.Unlock()
	byIface := d.skeletons[path.Clean()]
	ret := make([]*SkeletonBase, 0, len(byIface))
	for _, s := range byIface {
		ret = append(ret, s)
	}
	return ret
}

// children returns the direct child path segments of path that have a
// registered skeleton somewhere underneath them, for introspection's
// <node> listings.
func (d *Dispatcher) children(path ObjectPath) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := path.Clean()
	seen := map[string]bool{}
	var ret []string
	for p := range d.skeletons {
		if p == prefix || !p.IsChildOf(prefix) {
			continue
		}
		rest := strings.TrimPrefix(string(p), string(prefix))
		rest = strings.TrimPrefix(rest, "/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		ret = append(ret, rest)
	}
	sort.Strings(ret)
	return ret
}

// installMethod wires up the shared routing handler for
// (iface, method) on the underlying Conn, the first time any
// SkeletonBase binds that pair. Later bindings of the same pair, at
// different object paths, reuse the same routing handler: it looks up
// the target SkeletonBase by path on every call.
func (d *Dispatcher) installMethod(iface, method string) {
	key := interfaceMember{iface, method}

	d.mu.Lock()
	if d.installedMethod[key] {
		d.mu.Unlock()
		return
	}
	d.installedMethod[key] = true
	d.mu.Unlock()

	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	d.conn.handlers[key] = func(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
		skel := d.skeletonAt(obj, iface)
		if skel == nil {
			return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownObject", Message: fmt.Sprintf("no object at %s implementing %s", obj, iface)}
		}
		bm := skel.method(method)
		if bm == nil {
			return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownMethod", Message: fmt.Sprintf("%s has no method %s", iface, method)}
		}
		return bm.handler(ctx, nil, func(v any) error {
			return req.Value(ctx, v)
		})
	}
}

// registerObjectManager records m as the ObjectManager answering
// org.freedesktop.DBus.ObjectManager calls at its object path, and
// installs the shared GetManagedObjects handler the first time any
// ObjectManager is registered.
func (d *Dispatcher) registerObjectManager(m *ObjectManager) {
	d.mu.Lock()
	d.objectManagers[m.objPath] = m
	installed := d.objManagerInstalled
	d.objManagerInstalled = true
	d.mu.Unlock()

	if installed {
		return
	}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	d.conn.handlers[interfaceMember{ifaceObjectManager, "GetManagedObjects"}] = d.handleGetManagedObjects
}

// handleGetManagedObjects routes a GetManagedObjects call to the
// ObjectManager registered at the target object path.
func (d *Dispatcher) handleGetManagedObjects(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
	d.mu.Lock()
	m := d.objectManagers[obj.Clean()]
	d.mu.Unlock()
	if m == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownObject", Message: fmt.Sprintf("no ObjectManager at %s", obj)}
	}
	return m.getManagedObjects(), nil
}

// installPropertiesInterface installs the shared
// org.freedesktop.DBus.Properties handlers the first time any
// SkeletonBase binds a property.
func (d *Dispatcher) installPropertiesInterface() {
	d.mu.Lock()
	if d.propsInstalled {
		d.mu.Unlock()
		return
	}
	d.propsInstalled = true
	d.mu.Unlock()

	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	d.conn.handlers[interfaceMember{ifaceProps, "Get"}] = d.handlePropertiesGet
	d.conn.handlers[interfaceMember{ifaceProps, "Set"}] = d.handlePropertiesSet
	d.conn.handlers[interfaceMember{ifaceProps, "GetAll"}] = d.handlePropertiesGetAll
}

func (d *Dispatcher) installIntrospectableLocked() {
	key := interfaceMember{ifaceIntrospectable, "Introspect"}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.conn.handlers[key] != nil {
		return
	}
	d.conn.handlers[key] = d.handleIntrospect
}

func (d *Dispatcher) handlePropertiesGet(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
	var in struct {
		InterfaceName string
		PropertyName  string
	}
	if err := req.Value(ctx, &in); err != nil {
		return nil, &RuntimeError{Message: "decoding Properties.Get request: " + err.Error()}
	}
	skel := d.skeletonAt(obj, in.InterfaceName)
	if skel == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownInterface", Message: fmt.Sprintf("no interface %s at %s", in.InterfaceName, obj)}
	}
	prop := skel.property(in.PropertyName)
	if prop == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownProperty", Message: fmt.Sprintf("%s has no property %s", in.InterfaceName, in.PropertyName)}
	}
	if prop.access == PropertyWriteOnly {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.PropertyWriteOnly", Message: in.PropertyName + " is write-only"}
	}
	val, err := prop.get()
	if err != nil {
		return nil, err
	}
	// val must travel as a concrete Variant, not a bare any: writeMsg
	// derives the wire signature from the dynamic type of the value
	// it's handed, and a bare any would collapse to val's own
	// concrete type instead of "v".
	return Variant{Value: val}, nil
}

func (d *Dispatcher) handlePropertiesSet(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
	var in struct {
		InterfaceName string
		PropertyName  string
		Value         Variant
	}
	if err := req.Value(ctx, &in); err != nil {
		return nil, &RuntimeError{Message: "decoding Properties.Set request: " + err.Error()}
	}
	skel := d.skeletonAt(obj, in.InterfaceName)
	if skel == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownInterface", Message: fmt.Sprintf("no interface %s at %s", in.InterfaceName, obj)}
	}
	prop := skel.property(in.PropertyName)
	if prop == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownProperty", Message: fmt.Sprintf("%s has no property %s", in.InterfaceName, in.PropertyName)}
	}
	if prop.access == PropertyReadOnly {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.PropertyReadOnly", Message: in.PropertyName + " is read-only"}
	}
	if err := prop.set(in.Value.Value); err != nil {
		return nil, err
	}
	if err := skel.recordWrite(ctx, in.PropertyName, in.Value.Value); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) handlePropertiesGetAll(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
	var ifaceName string
	if err := req.Value(ctx, &ifaceName); err != nil {
		return nil, &RuntimeError{Message: "decoding Properties.GetAll request: " + err.Error()}
	}
	skel := d.skeletonAt(obj, ifaceName)
	if skel == nil {
		return nil, &UserError{Name: "org.freedesktop.DBus.Error.UnknownInterface", Message: fmt.Sprintf("no interface %s at %s", ifaceName, obj)}
	}
	out := map[string]any{}
	for _, name := range skel.propertyNames() {
		prop := skel.property(name)
		if prop.access == PropertyWriteOnly {
			continue
		}
		val, err := prop.get()
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

func (d *Dispatcher) handleIntrospect(ctx context.Context, obj ObjectPath, req *fragments.Decoder) (any, error) {
	var buf bytes.Buffer
	buf.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n")
	fmt.Fprintf(&buf, "<node name=%q>\n", obj)

	for _, skel := range d.interfacesAt(obj) {
		fmt.Fprintf(&buf, "  <interface name=%q>\n", skel.interfaceName)
		for _, name := range sortedStrings(skel.methodNames()) {
			bm := skel.method(name)
			fmt.Fprintf(&buf, "    <method name=%q>\n", name)
			writeArgs(&buf, bm.inSig, "in")
			writeArgs(&buf, bm.outSig, "out")
			buf.WriteString("    </method>\n")
		}
		for _, name := range sortedStrings(skel.propertyNames()) {
			prop := skel.property(name)
			access := "readwrite"
			switch prop.access {
			case PropertyReadOnly:
				access = "read"
			case PropertyWriteOnly:
				access = "write"
			}
			fmt.Fprintf(&buf, "    <property name=%q type=%q access=%q/>\n", name, prop.sig, access)
		}
		buf.WriteString("  </interface>\n")
	}
	for _, child := range d.children(obj) {
		fmt.Fprintf(&buf, "  <node name=%q/>\n", child)
	}
	buf.WriteString("</node>\n")

	return buf.String(), nil
}

func writeArgs(buf *bytes.Buffer, sig Signature, direction string) {
	if sig.IsZero() {
		return
	}
	for part := range sig.Parts() {
		fmt.Fprintf(buf, "      <arg type=%q direction=%q/>\n", part.String(), direction)
	}
}

func sortedStrings(ss []string) []string {
	sort.Strings(ss)
	return ss
}
