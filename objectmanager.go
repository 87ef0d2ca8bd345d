package dbus

import (
	"context"
	"sync"
)

// ObjectManager implements org.freedesktop.DBus.ObjectManager for a
// subtree of object paths, tracking which SkeletonBase instances are
// "managed" (announced via GetManagedObjects and the
// InterfacesAdded/InterfacesRemoved signals) as application code adds
// and removes them.
//
// Unlike the Properties and Introspectable interfaces, which the
// Dispatcher answers automatically for every registered skeleton,
// ObjectManager coverage is opt-in: only objects explicitly passed to
// AddManagedObject are reported.
type ObjectManager struct {
	disp    *Dispatcher
	objPath ObjectPath

	mu      sync.Mutex
	objects map[ObjectPath]struct{}
}

// NewObjectManager creates an ObjectManager answering
// org.freedesktop.DBus.ObjectManager calls addressed to path, and
// registers it with disp.
func NewObjectManager(disp *Dispatcher, path ObjectPath) *ObjectManager {
	m := &ObjectManager{
		disp:    disp,
		objPath: path.Clean(),
		objects: map[ObjectPath]struct{}{},
	}
	disp.registerObjectManager(m)
	return m
}

// Path returns the object path the manager answers ObjectManager
// calls at.
func (m *ObjectManager) Path() ObjectPath { return m.objPath }

// AddManagedObject starts reporting obj's object path and interfaces
// from GetManagedObjects, and emits InterfacesAdded for it.
func (m *ObjectManager) AddManagedObject(ctx context.Context, obj *SkeletonBase) error {
	m.mu.Lock()
	m.objects[obj.objPath] = struct{}{}
	m.mu.Unlock()

	body := struct {
		Path       ObjectPath
		Interfaces map[string]map[string]Variant
	}{
		Path:       obj.objPath,
		Interfaces: interfacePropertiesOf(m.disp.interfacesAt(obj.objPath)),
	}
	return m.disp.Conn().emitSignalRaw(ctx, m.objPath, ifaceObjectManager, "InterfacesAdded", body)
}

// RemoveManagedObject stops reporting obj's object path from
// GetManagedObjects, and emits InterfacesRemoved for it.
//
// RemoveManagedObject must be called before obj itself is torn down,
// since it still needs to read obj's registered interface names to
// announce them as removed.
func (m *ObjectManager) RemoveManagedObject(ctx context.Context, obj *SkeletonBase) error {
	ifaces := m.disp.interfacesAt(obj.objPath)

	m.mu.Lock()
	delete(m.objects, obj.objPath)
	m.mu.Unlock()

	names := make([]string, 0, len(ifaces))
	for _, s := range ifaces {
		names = append(names, s.interfaceName)
	}
	body := struct {
		Path       ObjectPath
		Interfaces []string
	}{
		Path:       obj.objPath,
		Interfaces: names,
	}
	return m.disp.Conn().emitSignalRaw(ctx, m.objPath, ifaceObjectManager, "InterfacesRemoved", body)
}

// getManagedObjects builds the two-level dictionary GetManagedObjects
// returns: object path to interface name to property name to value.
func (m *ObjectManager) getManagedObjects() map[ObjectPath]map[string]map[string]Variant {
	m.mu.Lock()
	paths := make([]ObjectPath, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	out := make(map[ObjectPath]map[string]map[string]Variant, len(paths))
	for _, p := range paths {
		out[p] = interfacePropertiesOf(m.disp.interfacesAt(p))
	}
	return out
}

// interfacePropertiesOf collects the current property values of every
// skeleton in ifaces, keyed by interface name and then property name,
// in the shape org.freedesktop.DBus.ObjectManager requires.
func interfacePropertiesOf(ifaces []*SkeletonBase) map[string]map[string]Variant {
	out := make(map[string]map[string]Variant, len(ifaces))
	for _, s := range ifaces {
		props := map[string]Variant{}
		for _, name := range s.propertyNames() {
			p := s.property(name)
			if p.access == PropertyWriteOnly {
				continue
			}
			val, err := p.get()
			if err != nil {
				continue
			}
			props[name] = Variant{Value: val}
		}
		out[s.interfaceName] = props
	}
	return out
}
