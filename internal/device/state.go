package device

import (
	"slices"

	"skylink/internal/connector"
)

// ConnectionState is the connection lifecycle of a device.
type ConnectionState string

const (
	Disconnected  ConnectionState = "disconnected"
	Connecting    ConnectionState = "connecting"
	Connected     ConnectionState = "connected"
	Disconnecting ConnectionState = "disconnecting"
)

// Cause explains the latest connection state change.
type Cause string

const (
	CauseNone           Cause = "none"
	CauseUserRequested  Cause = "user_requested"
	CauseConnectionLost Cause = "connection_lost"
	CauseBadPassword    Cause = "bad_password"
	CauseFailure        Cause = "failure"
	CauseRefused        Cause = "refused"
)

// State is a snapshot of a device's connection bookkeeping.
type State struct {
	ConnectionState ConnectionState       `json:"connection_state"`
	Cause           Cause                 `json:"cause"`
	Connectors      []connector.Connector `json:"connectors"`
	ActiveConnector *connector.Connector  `json:"active_connector,omitempty"`
	Persisted       bool                  `json:"persisted"`
}

func initialState() State {
	return State{ConnectionState: Disconnected, Cause: CauseNone}
}

// CanBeConnected reports whether a connection can be requested.
func (s State) CanBeConnected() bool {
	return s.ConnectionState == Disconnected && len(s.Connectors) > 0
}

// CanBeDisconnected reports whether the active connection can be closed.
func (s State) CanBeDisconnected() bool {
	if s.ActiveConnector == nil || !s.ActiveConnector.Supports(connector.CapDisconnect) {
		return false
	}
	return s.ConnectionState != Disconnected && s.ConnectionState != Disconnecting
}

// CanBeForgotten reports whether the device holds anything to forget.
func (s State) CanBeForgotten() bool {
	if s.Persisted {
		return true
	}
	for _, c := range s.Connectors {
		if c.Supports(connector.CapForget) {
			return true
		}
	}
	return false
}

// HasConnector reports whether c is one of the available connectors.
func (s State) HasConnector(c connector.Connector) bool {
	return slices.ContainsFunc(s.Connectors, c.Equal)
}

func (s State) clone() State {
	s.Connectors = slices.Clone(s.Connectors)
	if s.ActiveConnector != nil {
		c := *s.ActiveConnector
		s.ActiveConnector = &c
	}
	return s
}

// StateTx batches state changes. Nothing is visible until Commit.
type StateTx struct {
	dev     *Device
	next    State
	changed bool
	done    bool
}

// ConnectionState stages a connection state and its cause.
func (tx *StateTx) ConnectionState(cs ConnectionState, cause Cause) *StateTx {
	if tx.next.ConnectionState != cs || tx.next.Cause != cause {
		tx.next.ConnectionState = cs
		tx.next.Cause = cause
		tx.changed = true
	}
	return tx
}

// AddConnector stages c as available. Adding an equal connector replaces
// it so capability changes are picked up.
func (tx *StateTx) AddConnector(c connector.Connector) *StateTx {
	i := slices.IndexFunc(tx.next.Connectors, c.Equal)
	if i < 0 {
		tx.next.Connectors = append(tx.next.Connectors, c)
		tx.changed = true
		return tx
	}
	if !slices.Equal(tx.next.Connectors[i].Capabilities, c.Capabilities) {
		tx.next.Connectors[i] = c
		tx.changed = true
	}
	return tx
}

// RemoveConnector stages the removal of c.
func (tx *StateTx) RemoveConnector(c connector.Connector) *StateTx {
	i := slices.IndexFunc(tx.next.Connectors, c.Equal)
	if i >= 0 {
		tx.next.Connectors = slices.Delete(tx.next.Connectors, i, i+1)
		tx.changed = true
	}
	return tx
}

// ActiveConnector stages the connector in use, or none.
func (tx *StateTx) ActiveConnector(c *connector.Connector) *StateTx {
	cur := tx.next.ActiveConnector
	switch {
	case c == nil && cur == nil:
	case c != nil && cur != nil && c.Equal(*cur):
	default:
		if c != nil {
			v := *c
			c = &v
		}
		tx.next.ActiveConnector = c
		tx.changed = true
	}
	return tx
}

// Persisted stages whether the device is known to persistent storage.
func (tx *StateTx) Persisted(p bool) *StateTx {
	if tx.next.Persisted != p {
		tx.next.Persisted = p
		tx.changed = true
	}
	return tx
}

// Commit publishes the staged state with a single notification. An active
// connector that is no longer available is cleared.
func (tx *StateTx) Commit() bool {
	if tx.done {
		return false
	}
	tx.done = true
	if a := tx.next.ActiveConnector; a != nil && !tx.next.HasConnector(*a) {
		tx.next.ActiveConnector = nil
		tx.changed = true
	}
	if !tx.changed {
		return false
	}
	tx.dev.mu.Lock()
	tx.dev.state = tx.next
	tx.dev.mu.Unlock()
	tx.dev.notify()
	return true
}
