package store

import "time"

// DeviceRecord is a device remembered across runs.
type DeviceRecord struct {
	UID             string            `json:"uid"`
	Model           string            `json:"model"`
	Name            string            `json:"name,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	BoardID         *string           `json:"board_id,omitempty"`
	Connectors      []ConnectorRecord `json:"connectors,omitempty"`
	AddedAt         time.Time         `json:"added_at"`
	LastConnected   time.Time         `json:"last_connected,omitempty"`
}

// ConnectorRecord is a connector through which a device was reached.
type ConnectorRecord struct {
	Type       string `json:"type"`
	Technology string `json:"technology"`
	UID        string `json:"uid,omitempty"`
}
