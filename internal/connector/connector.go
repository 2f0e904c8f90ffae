// Package connector describes the ways a device can be reached and the rule
// used to pick one when the caller does not.
package connector

import (
	"fmt"
	"strings"
)

// Type tells whether a connector reaches the device directly or through a
// remote controller acting as a proxy.
type Type string

const (
	Local         Type = "local"
	RemoteControl Type = "remote_control"
)

// Technology is the physical transport behind a connector.
type Technology string

const (
	USB  Technology = "usb"
	WiFi Technology = "wifi"
	BLE  Technology = "ble"
)

// Capability is an optional action a connector allows on its device.
type Capability string

const (
	CapDisconnect Capability = "disconnect"
	CapForget     Capability = "forget"
)

// Connector is an immutable description of one way to reach a device.
// Two connectors are equal when their type, technology and uid match.
type Connector struct {
	Type       Type
	Technology Technology
	// UID identifies the proxy device for remote-control connectors.
	UID          string
	Capabilities []Capability
}

// Key is the identity of a connector, usable as a map key.
type Key struct {
	Type       Type
	Technology Technology
	UID        string
}

// Key returns the connector identity.
func (c Connector) Key() Key {
	return Key{Type: c.Type, Technology: c.Technology, UID: c.UID}
}

// Equal reports whether c and o designate the same connector.
func (c Connector) Equal(o Connector) bool {
	return c.Key() == o.Key()
}

// Supports reports whether the connector allows the given capability.
func (c Connector) Supports(capability Capability) bool {
	for _, cc := range c.Capabilities {
		if cc == capability {
			return true
		}
	}
	return false
}

func (c Connector) String() string {
	if c.UID != "" {
		return fmt.Sprintf("%s/%s/%s", c.Type, c.Technology, c.UID)
	}
	return fmt.Sprintf("%s/%s", c.Type, c.Technology)
}

// NewLocal returns a local connector for the given technology. Local
// connectors can always be disconnected.
func NewLocal(tech Technology, caps ...Capability) Connector {
	return Connector{
		Type:         Local,
		Technology:   tech,
		Capabilities: append([]Capability{CapDisconnect}, caps...),
	}
}

// NewRemoteControl returns a connector going through the remote controller
// identified by uid.
func NewRemoteControl(uid string, caps ...Capability) Connector {
	return Connector{
		Type:         RemoteControl,
		Technology:   WiFi,
		UID:          uid,
		Capabilities: append([]Capability{CapDisconnect}, caps...),
	}
}

// ParseType parses a connector type name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case Local, RemoteControl:
		return t, nil
	}
	return "", fmt.Errorf("unknown connector type %q", s)
}

// ParseTechnology parses a technology name.
func ParseTechnology(s string) (Technology, error) {
	switch t := Technology(strings.ToLower(s)); t {
	case USB, WiFi, BLE:
		return t, nil
	}
	return "", fmt.Errorf("unknown connector technology %q", s)
}

// selectionFilters are evaluated in order by Select. The first filter that
// matches at least one connector decides the outcome.
var selectionFilters = []func(Connector) bool{
	func(c Connector) bool { return c.Type == RemoteControl },
	func(c Connector) bool { return c.Type == Local && c.Technology == USB },
	func(c Connector) bool { return c.Type == Local && c.Technology == WiFi },
}

// Select picks the connector to use when the caller did not name one.
// A single available connector is always selected. Otherwise remote-control
// connectors win over local USB, which wins over local Wi-Fi; if the winning
// class holds more than one connector the choice is ambiguous and Select
// returns false.
func Select(available []Connector) (Connector, bool) {
	if len(available) == 1 {
		return available[0], true
	}
	for _, match := range selectionFilters {
		var found []Connector
		for _, c := range available {
			if match(c) {
				found = append(found, c)
			}
		}
		if len(found) == 0 {
			continue
		}
		if len(found) == 1 {
			return found[0], true
		}
		return Connector{}, false
	}
	return Connector{}, false
}
