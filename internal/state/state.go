// Package state holds the single observable snapshot of the command server.
//
// Writers (the server controller, its session and the process wiring) call
// the setters; observers subscribe to properties and receive the current
// value immediately followed by every later change, in the order the writes
// happened. Each subscription owns an unbounded queue, so a slow observer
// never blocks a writer and never misses an update.
package state

import (
	"sync"

	"github.com/souffleur/host/internal/protocol"
)

// Phase is the controller's listener state.
type Phase string

// Listener phases.
const (
	PhaseStopped   Phase = "stopped"
	PhaseStarting  Phase = "starting"
	PhaseListening Phase = "listening"
)

// Property names one observable field of ServerState.
type Property string

// Observable properties.
const (
	PropertyPhase           Property = "phase"
	PropertyRunning         Property = "running"
	PropertyPort            Property = "port"
	PropertySecret          Property = "secret"
	PropertyDevice          Property = "device"
	PropertyAddress         Property = "address"
	PropertyLastCommand     Property = "last_command"
	PropertyConnectedDevice Property = "connected_device"
	PropertyPairingPayload  Property = "pairing_payload"
)

// AllProperties lists every property in a stable order.
func AllProperties() []Property {
	return []Property{
		PropertyPhase,
		PropertyRunning,
		PropertyPort,
		PropertySecret,
		PropertyDevice,
		PropertyAddress,
		PropertyLastCommand,
		PropertyConnectedDevice,
		PropertyPairingPayload,
	}
}

// ServerState is a consistent copy of the observed state.
// Optional values use the zero value for "unset": Port 0, LastCommand 0,
// ConnectedDevice "".
type ServerState struct {
	Phase           Phase            `json:"phase"`
	Running         bool             `json:"running"`
	Port            int              `json:"port,omitempty"`
	Secret          string           `json:"secret,omitempty"`
	Device          string           `json:"device"`
	Address         string           `json:"address"`
	LastCommand     protocol.Command `json:"last_command,omitempty"`
	ConnectedDevice string           `json:"connected_device,omitempty"`
	PairingPayload  string           `json:"pairing_payload,omitempty"`
}

// HasLastCommand reports whether any command has been received.
func (s ServerState) HasLastCommand() bool {
	return s.LastCommand.Valid()
}

// Update is one notification delivered to a subscriber.
type Update struct {
	// Property is the field that changed.
	Property Property `json:"property"`

	// State is the full snapshot right after the change.
	State ServerState `json:"state"`

	// Initial marks the replay of the current value on subscribe.
	Initial bool `json:"initial,omitempty"`
}

// PayloadFunc derives the pairing payload from address, port and secret.
type PayloadFunc func(address string, port int, secret string) string

// Store is the process-wide state container. The zero value is not usable;
// create one with New.
type Store struct {
	mu      sync.Mutex
	state   ServerState
	subs    map[*Subscription]struct{}
	payload PayloadFunc
	closed  bool
}

// New creates a stopped store. payload may be nil, in which case the
// pairing payload stays empty.
func New(payload PayloadFunc) *Store {
	return &Store{
		state:   ServerState{Phase: PhaseStopped},
		subs:    make(map[*Subscription]struct{}),
		payload: payload,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers interest in props (all properties when none are
// given). The current value of each property is queued immediately.
// On a closed store the returned subscription is already closed.
func (s *Store) Subscribe(props ...Property) *Subscription {
	if len(props) == 0 {
		props = AllProperties()
	}

	sub := newSubscription(s, props)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		sub.shutdown()
		return sub
	}
	s.subs[sub] = struct{}{}
	for _, p := range props {
		sub.push(Update{Property: p, State: s.state, Initial: true})
	}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (s *Store) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.shutdown()
}

// Close tears down every subscription. Later writes are still applied to
// the snapshot but nobody is notified.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.shutdown()
	}
}

// SetIdentity publishes the local device name and address.
func (s *Store) SetIdentity(device, address string) {
	s.update(func(st *ServerState) []Property {
		var changed []Property
		if st.Device != device {
			st.Device = device
			changed = append(changed, PropertyDevice)
		}
		if st.Address != address {
			st.Address = address
			changed = append(changed, PropertyAddress)
		}
		return changed
	})
}

// SetSecret publishes the shared secret.
func (s *Store) SetSecret(secret string) {
	s.update(func(st *ServerState) []Property {
		if st.Secret == secret {
			return nil
		}
		st.Secret = secret
		return []Property{PropertySecret}
	})
}

// SetPort publishes the configured port. Values outside 0-65535 are ignored.
func (s *Store) SetPort(port int) {
	if port < 0 || port > 65535 {
		return
	}
	s.update(func(st *ServerState) []Property {
		if st.Port == port {
			return nil
		}
		st.Port = port
		return []Property{PropertyPort}
	})
}

// SetStarting moves to the starting phase.
func (s *Store) SetStarting() {
	s.update(func(st *ServerState) []Property {
		if st.Phase == PhaseStarting {
			return nil
		}
		st.Phase = PhaseStarting
		return []Property{PropertyPhase}
	})
}

// SetListening records an open listener on port.
func (s *Store) SetListening(port int) {
	s.update(func(st *ServerState) []Property {
		var changed []Property
		if st.Phase != PhaseListening {
			st.Phase = PhaseListening
			changed = append(changed, PropertyPhase)
		}
		if !st.Running {
			st.Running = true
			changed = append(changed, PropertyRunning)
		}
		if st.Port != port {
			st.Port = port
			changed = append(changed, PropertyPort)
		}
		return changed
	})
}

// SetStopped records a closed listener and clears the connected device in
// one step.
func (s *Store) SetStopped() {
	s.update(func(st *ServerState) []Property {
		var changed []Property
		if st.Phase != PhaseStopped {
			st.Phase = PhaseStopped
			changed = append(changed, PropertyPhase)
		}
		if st.Running {
			st.Running = false
			changed = append(changed, PropertyRunning)
		}
		if st.ConnectedDevice != "" {
			st.ConnectedDevice = ""
			changed = append(changed, PropertyConnectedDevice)
		}
		return changed
	})
}

// SetConnectedDevice records the peer address of the active session.
func (s *Store) SetConnectedDevice(addr string) {
	s.update(func(st *ServerState) []Property {
		if st.ConnectedDevice == addr {
			return nil
		}
		st.ConnectedDevice = addr
		return []Property{PropertyConnectedDevice}
	})
}

// ClearConnectedDevice unsets the connected device.
func (s *Store) ClearConnectedDevice() {
	s.SetConnectedDevice("")
}

// SetLastCommand records a received command. Every call notifies, even when
// the command repeats the previous one.
func (s *Store) SetLastCommand(cmd protocol.Command) {
	s.update(func(st *ServerState) []Property {
		st.LastCommand = cmd
		return []Property{PropertyLastCommand}
	})
}

// update applies fn under the lock, refreshes the derived pairing payload
// and queues one Update per changed property.
func (s *Store) update(fn func(st *ServerState) []Property) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := fn(&s.state)
	if len(changed) == 0 {
		return
	}

	if s.payload != nil {
		payload := ""
		if s.state.Address != "" && s.state.Port > 0 && s.state.Secret != "" {
			payload = s.payload(s.state.Address, s.state.Port, s.state.Secret)
		}
		if payload != s.state.PairingPayload {
			s.state.PairingPayload = payload
			changed = append(changed, PropertyPairingPayload)
		}
	}

	snapshot := s.state
	for sub := range s.subs {
		for _, p := range changed {
			if sub.wants(p) {
				sub.push(Update{Property: p, State: snapshot})
			}
		}
	}
}
