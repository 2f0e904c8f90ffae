//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"skylink/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/skylink_<uid>/reachability/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Options           []string `json:"options,omitempty"`
	Device            haDevice `json:"device"`
}

// entity names every discovery object a device may expose.
var entities = []struct{ comp, obj string }{
	{"binary_sensor", "connection"},
	{"sensor", "return_home_reachability"},
	{"button", "return_home"},
	{"button", "smart_takeoff_land"},
}

func deviceDisplayName(info device.Info) string {
	if info.Name != "" {
		return info.Name
	}
	if n := info.Model.DefaultName(); n != "" {
		return n + " " + info.UID
	}
	return info.UID
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(uid string) string {
	return "skylink_" + topicName(uid)
}

// topicName sanitizes uid for use as a topic level.
func topicName(uid string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, uid)
}

// buildDiscovery generates HA discovery messages for a device. Drones also
// get the piloting buttons.
func buildDiscovery(info device.Info, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + topicName(info.UID)
	cmdTopic := stateTopic + "/set"
	nodeID := deviceIdentifier(info.UID)
	name := deviceDisplayName(info)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Parrot",
		Model:        string(info.Model),
		Name:         name,
		SWVersion:    info.FirmwareVersion,
	}

	msgs := []discoveryMsg{
		build("binary_sensor", nodeID, "connection", haDiscovery{
			Name:              name + " Connection",
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'ON' if value_json.connection_state == 'connected' else 'OFF' }}",
			DeviceClass:       "connectivity",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}),
	}
	if !info.Model.IsDrone() {
		return msgs
	}

	return append(msgs,
		build("sensor", nodeID, "return_home_reachability", haDiscovery{
			Name:              name + " Return Home Reachability",
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.return_home.reachability if value_json.return_home is defined else 'unknown' }}",
			DeviceClass:       "enum",
			Options:           []string{"unknown", "reachable", "warning", "critical", "not_reachable"},
			Device:            haDev,
		}),
		build("button", nodeID, "return_home", haDiscovery{
			Name:              name + " Return Home",
			CommandTopic:      cmdTopic,
			AvailabilityTopic: avail,
			PayloadPress:      cmdReturnHome,
			Device:            haDev,
		}),
		build("button", nodeID, "smart_takeoff_land", haDiscovery{
			Name:              name + " Take Off / Land",
			CommandTopic:      cmdTopic,
			AvailabilityTopic: avail,
			PayloadPress:      cmdSmartTakeOffLand,
			Device:            haDev,
		}),
	)
}

func build(comp, nodeID, objectID string, payload haDiscovery) discoveryMsg {
	payload.UniqueID = nodeID + "_" + objectID
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, objectID),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(uid string) []discoveryMsg {
	nodeID := deviceIdentifier(uid)
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", e.comp, nodeID, e.obj),
		})
	}
	return msgs
}
