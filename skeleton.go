package dbus

import (
	"context"
	"reflect"
	"sync"
)

// skeletonHandler is the type-erased shape a SkeletonBase stores for
// one bound method. body is the raw wire-format request bytes; decode
// unmarshals the request into whatever concrete type the caller
// passes it, using the same codec the rest of the package does.
type skeletonHandler func(ctx context.Context, body []byte, decode func(any) error) (any, error)

type boundMethod struct {
	handler skeletonHandler
	inSig   Signature
	outSig  Signature
}

type propImpl struct {
	access PropertyAccess
	policy PropertyChangePolicy
	sig    Signature
	get    func() (any, error)
	set    func(any) error

	// current and hasCurrent track the last value observed by
	// recordWrite, for PropertyChangeOnChange diffing. They're touched
	// only while SkeletonBase.mu is held.
	current    any
	hasCurrent bool
}

// SkeletonBase is the server-side counterpart to StubBase: it
// implements one DBus interface at one object path, dispatching
// incoming method calls and org.freedesktop.DBus.Properties traffic
// to application callbacks bound with [Method.Bind] and
// [Property.Bind], and emits signals on the application's behalf with
// [Signal.Emit].
//
// A SkeletonBase is useless on its own; embed it in a type that adds
// the interface's domain logic, the way the reference design embeds
// its generated skeleton base classes.
type SkeletonBase struct {
	disp          *Dispatcher
	objPath       ObjectPath
	interfaceName string

	mu            sync.Mutex
	methods       map[string]*boundMethod
	properties    map[string]*propImpl
	pendingCommit map[string]any
}

// NewSkeletonBase creates a skeleton implementing interfaceName at
// path, and registers it with disp so that incoming calls addressed
// to that path and interface are routed to it.
func NewSkeletonBase(disp *Dispatcher, path ObjectPath, interfaceName string) *SkeletonBase {
	s := &SkeletonBase{
		disp:          disp,
		objPath:       path.Clean(),
		interfaceName: interfaceName,
		methods:       map[string]*boundMethod{},
		properties:    map[string]*propImpl{},
	}
	disp.registerSkeleton(s)
	return s
}

// Path returns the object path the skeleton was registered at.
func (s *SkeletonBase) Path() ObjectPath { return s.objPath }

// InterfaceName returns the DBus interface the skeleton implements.
func (s *SkeletonBase) InterfaceName() string { return s.interfaceName }

// Conn returns the connection the skeleton was registered on.
func (s *SkeletonBase) Conn() *Conn { return s.disp.Conn() }

// Dispatcher returns the Dispatcher the skeleton was registered with.
func (s *SkeletonBase) Dispatcher() *Dispatcher { return s.disp }

func (s *SkeletonBase) bindMethod(name string, inSig, outSig Signature, fn skeletonHandler) {
	s.mu.Lock()
	s.methods[name] = &boundMethod{handler: fn, inSig: inSig, outSig: outSig}
	s.mu.Unlock()
	s.disp.installMethod(s.interfaceName, name)
}

func (s *SkeletonBase) method(name string) *boundMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methods[name]
}

func (s *SkeletonBase) methodNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	return names
}

func (s *SkeletonBase) bindProperty(name string, sig Signature, access PropertyAccess, policy PropertyChangePolicy, get func() (any, error), set func(any) error) {
	s.mu.Lock()
	s.properties[name] = &propImpl{access: access, policy: policy, sig: sig, get: get, set: set}
	s.mu.Unlock()
	s.disp.installPropertiesInterface()
}

func (s *SkeletonBase) property(name string) *propImpl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties[name]
}

func (s *SkeletonBase) propertyNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.properties))
	for n := range s.properties {
		names = append(names, n)
	}
	return names
}

// emitSignal broadcasts the named signal from the skeleton's object
// path, with body as its wire payload.
func (s *SkeletonBase) emitSignal(ctx context.Context, name string, body any) error {
	return s.disp.Conn().emitSignalRaw(ctx, s.objPath, s.interfaceName, name, body)
}

// recordWrite applies a property's change-notification policy after
// val becomes its new value, whether the write came from a remote
// Properties.Set or from application code calling
// [Property.NotifyChanged] directly.
func (s *SkeletonBase) recordWrite(ctx context.Context, name string, val any) error {
	s.mu.Lock()
	p := s.properties[name]
	if p == nil {
		s.mu.Unlock()
		return nil
	}
	policy := p.policy
	changed := !p.hasCurrent || !reflect.DeepEqual(p.current, val)
	p.current = val
	p.hasCurrent = true

	switch policy {
	case PropertyChangeCommitted:
		if s.pendingCommit == nil {
			s.pendingCommit = map[string]any{}
		}
		s.pendingCommit[name] = val
		s.mu.Unlock()
		return nil
	case PropertyChangeOnChange:
		s.mu.Unlock()
		if !changed {
			return nil
		}
	case PropertyChangeAlways:
		s.mu.Unlock()
	default: // PropertyChangeNone
		s.mu.Unlock()
		return nil
	}

	return s.notifyPropertiesChanged(ctx, map[string]any{name: val}, nil)
}

// Commit emits a single PropertiesChanged signal batching every
// PropertyChangeCommitted property written since the last Commit (or
// since the skeleton was created). It is a no-op if nothing has been
// written under that policy since.
func (s *SkeletonBase) Commit(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pendingCommit
	s.pendingCommit = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.notifyPropertiesChanged(ctx, batch, nil)
}

// notifyPropertiesChanged emits PropertiesChanged for the skeleton's
// interface, with the wire shape org.freedesktop.DBus.Properties
// expects: changed values travel as variants, invalidated properties
// travel as bare names.
func (s *SkeletonBase) notifyPropertiesChanged(ctx context.Context, changed map[string]any, invalidated []string) error {
	body := struct {
		Interface   string
		Changed     map[string]Variant
		Invalidated []string
	}{
		Interface:   s.interfaceName,
		Invalidated: invalidated,
	}
	if len(changed) > 0 {
		body.Changed = make(map[string]Variant, len(changed))
		for k, v := range changed {
			body.Changed[k] = Variant{Value: v}
		}
	}
	return s.emitSignal(ctx, "PropertiesChanged", body)
}
