package dbus

import (
	"context"
	"sync"
)

// StubState describes a StubBase's belief about whether its peer is
// reachable on the bus, mirroring the reference design's
// ConnectionState enum.
type StubState int

const (
	// StubDisconnected is the initial state of every stub, and the
	// state a stub returns to when its peer's bus name changes
	// owner away from the stub's peer.
	StubDisconnected StubState = iota
	// StubConnected means the stub's peer currently owns its bus
	// name.
	StubConnected
	// StubNotAvailable is never produced automatically; it exists
	// for application code to record that a peer's well-known name
	// has no activatable service backing it.
	StubNotAvailable
	// StubTimeout means the most recent call issued through this
	// stub failed because its context deadline expired before a
	// reply arrived.
	StubTimeout
)

func (s StubState) String() string {
	switch s {
	case StubDisconnected:
		return "disconnected"
	case StubConnected:
		return "connected"
	case StubNotAvailable:
		return "not-available"
	case StubTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// StubBase is the client-side proxy for a remote object implementing
// one interface. Generated or hand-written interface types embed a
// StubBase and expose its methods, signals and properties as typed
// Go functions built on [Method], [Signal] and [Property].
//
// A StubBase is owned by application code, not by its Dispatcher: the
// dispatcher keeps only a weak bookkeeping reference so it can tear
// down signal subscriptions on Close, and so a Stop of the dispatcher
// does not race a concurrent stub Close.
type StubBase struct {
	disp          *Dispatcher
	objPath       ObjectPath
	peerName      string
	interfaceName string

	watcher *Watcher

	mu           sync.Mutex
	state        StubState
	onChange     func(StubState)
	propWatcher  *Watcher
	propHandlers map[string][]func(any)
}

// NewStubBase creates a stub bound to peer's object at path, speaking
// interfaceName, driven by disp. The stub starts out StubDisconnected
// until disp's presence tracking confirms peer currently owns its bus
// name.
func NewStubBase(disp *Dispatcher, peer string, path ObjectPath, interfaceName string) *StubBase {
	s := &StubBase{
		disp:          disp,
		objPath:       path,
		peerName:      peer,
		interfaceName: interfaceName,
	}
	disp.attachStub(s)
	return s
}

// State returns the stub's current belief about its peer's
// reachability.
func (s *StubBase) State() StubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers cb to be called whenever the stub's state
// actually transitions, i.e. it is never called twice in a row with
// the same state. Only one callback may be registered at a time; a
// later call replaces the previous callback.
func (s *StubBase) OnStateChange(cb func(StubState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = cb
}

// setState updates the stub's state and, if it actually changed,
// invokes the registered callback asynchronously so that the
// dispatcher's presence-tracking goroutine is never blocked by slow
// application code.
func (s *StubBase) setState(newState StubState) {
	s.mu.Lock()
	prev := s.state
	s.state = newState
	cb := s.onChange
	s.mu.Unlock()

	if cb == nil || prev == newState {
		return
	}
	go cb(newState)
}

func (s *StubBase) iface() Interface {
	return s.disp.conn.Peer(s.peerName).Object(s.objPath).Interface(s.interfaceName)
}

func (s *StubBase) conn() *Conn          { return s.disp.conn }
func (s *StubBase) path() ObjectPath     { return s.objPath }

// Dispatcher returns the dispatcher driving this stub.
func (s *StubBase) Dispatcher() *Dispatcher { return s.disp }

// Peer returns the bus name of the object this stub talks to.
func (s *StubBase) Peer() string { return s.peerName }

// Path returns the object path this stub talks to.
func (s *StubBase) Path() ObjectPath { return s.objPath }

// Interface returns the DBus interface name this stub implements.
func (s *StubBase) Interface() string { return s.interfaceName }

// Subscribe arranges for handler to be invoked each time signalName
// arrives from this stub's object, decoded as a T. It is grounded on
// signal matching in [Conn.Watch]; the match is scoped to this
// object's path and interface so multiple stubs pointed at different
// objects don't see each other's signals.
func Subscribe[T any](ctx context.Context, s *StubBase, signalName string, handler SignalHandler[T]) (func(), error) {
	if s.watcher == nil {
		w, err := s.conn().Watch()
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	m := NewMatch().Peer(s.conn().Peer(s.peerName)).Object(s.iface().Object())
	if _, err := s.watcher.Match(m); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case n, ok := <-s.watcher.Chan():
				if !ok {
					return
				}
				if n.Name != signalName || n.Sender.Name() != s.interfaceName {
					continue
				}
				body, ok := n.Body.(*T)
				if !ok {
					continue
				}
				handler(n.Sender, *body)
			}
		}
	}()
	return func() { close(stop) }, nil
}

// attachProperty begins delivering PropertiesChanged updates for
// propName to deliver, sharing a single Watcher and match rule across
// every property attached on this stub. deliver is called with the
// new value when propName is in the notification's Changed map, or
// with nil when it is listed as Invalidated (the caller must re-fetch
// the value itself in that case).
//
// The returned detach function stops delivery to this particular
// deliver closure; it is safe to call more than once.
func (s *StubBase) attachProperty(propName string, deliver func(any)) (detach func(), err error) {
	s.mu.Lock()
	if s.propWatcher == nil {
		w, err := s.conn().Watch()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		m := NewMatch().Signal(PropertiesChanged{}).Peer(s.conn().Peer(s.peerName)).Object(s.iface().Object())
		if _, err := w.Match(m); err != nil {
			w.Close()
			s.mu.Unlock()
			return nil, err
		}
		s.propWatcher = w
		s.propHandlers = map[string][]func(any){}
		go s.pumpPropertyChanges(w)
	}
	s.propHandlers[propName] = append(s.propHandlers[propName], deliver)
	idx := len(s.propHandlers[propName]) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		hs := s.propHandlers[propName]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}, nil
}

// pumpPropertyChanges reads PropertiesChanged notifications from w and
// fans each one out to every handler attached for the properties it
// names, until w's Watcher is closed.
func (s *StubBase) pumpPropertyChanges(w *Watcher) {
	for n := range w.Chan() {
		pc, ok := n.Body.(*PropertiesChanged)
		if !ok || pc.Interface.Name() != s.interfaceName {
			continue
		}

		s.mu.Lock()
		snapshot := make(map[string][]func(any), len(s.propHandlers))
		for name, hs := range s.propHandlers {
			snapshot[name] = append([]func(any){}, hs...)
		}
		s.mu.Unlock()

		for name, val := range pc.Changed {
			for _, h := range snapshot[name] {
				if h != nil {
					h(val)
				}
			}
		}
		for name := range pc.Invalidated {
			for _, h := range snapshot[name] {
				if h != nil {
					h(nil)
				}
			}
		}
	}
}

// Close releases the stub's subscriptions and detaches it from its
// dispatcher. It does not affect the underlying connection, which may
// be shared with other stubs and skeletons.
func (s *StubBase) Close() error {
	s.disp.detachStub(s)
	s.mu.Lock()
	pw := s.propWatcher
	s.mu.Unlock()
	if pw != nil {
		pw.Close()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
