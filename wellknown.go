package dbus

// Well-known DBus interface and bus names used throughout this
// package and by generated stubs/skeletons.
const (
	ifaceBus            = "org.freedesktop.DBus"
	ifaceProps           = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
	ifacePeer           = "org.freedesktop.DBus.Peer"

	busName = "org.freedesktop.DBus"
	busPath = ObjectPath("/org/freedesktop/DBus")
)
