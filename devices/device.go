/*Package devices holds the device credential registry: the persistent
device records, identifier normalization and all state mutation.

The registry keeps authoritative state in memory and writes the entire
device set as one snapshot to a snapshot.Store after every mutation.
*/
package devices

import (
	"time"

	"github.com/goccy/go-json"
)

// Status is the lifecycle status of a device.
type Status string

// All device statuses. StatusRevoked is terminal. StatusSuspended is
// declared for forward compatibility; no operation currently sets it.
const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

const metadataUnknown = "unknown"

// Metadata carries free-form device attributes. Firmware and hardware
// version are recognized explicitly, everything else goes into Extra.
// On the wire, metadata is one flat JSON object.
type Metadata struct {
	FirmwareVersion string
	HardwareVersion string
	Extra           map[string]string
}

// MarshalJSON flattens the recognized fields and the extension map
// into a single JSON object. Empty recognized fields are omitted, so
// metadata the caller never provided does not surface as "" in schema
// validation or on the wire.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(m.Extra)+2)
	for k, v := range m.Extra {
		flat[k] = v
	}
	if m.FirmwareVersion != "" {
		flat["firmwareVersion"] = m.FirmwareVersion
	}
	if m.HardwareVersion != "" {
		flat["hardwareVersion"] = m.HardwareVersion
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat JSON object into the recognized fields
// and the extension map.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	m.FirmwareVersion = flat["firmwareVersion"]
	m.HardwareVersion = flat["hardwareVersion"]
	delete(flat, "firmwareVersion")
	delete(flat, "hardwareVersion")
	if len(flat) > 0 {
		m.Extra = flat
	} else {
		m.Extra = nil
	}
	return nil
}

func (m Metadata) withDefaults() Metadata {
	if m.FirmwareVersion == "" {
		m.FirmwareVersion = metadataUnknown
	}
	if m.HardwareVersion == "" {
		m.HardwareVersion = metadataUnknown
	}
	return m
}

// Device is the persistent device record. The secret is stored here
// and must never leave the registry except in the registration
// response; use View for anything outward facing.
type Device struct {
	DeviceID     string     `json:"deviceId"`
	Secret       string     `json:"secret"`
	Status       Status     `json:"status"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastAuthAt   *time.Time `json:"lastAuthAt"`
	AuthCount    int64      `json:"authCount"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
	Metadata     Metadata   `json:"metadata"`
}

// View is a device record with the secret stripped, safe for external
// exposure.
type View struct {
	DeviceID     string     `json:"deviceId"`
	Status       Status     `json:"status"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastAuthAt   *time.Time `json:"lastAuthAt"`
	AuthCount    int64      `json:"authCount"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
	Metadata     Metadata   `json:"metadata"`
}

// View returns the secret-stripped view of the device.
func (d Device) View() View {
	return View{
		DeviceID:     d.DeviceID,
		Status:       d.Status,
		RegisteredAt: d.RegisteredAt,
		LastAuthAt:   d.LastAuthAt,
		AuthCount:    d.AuthCount,
		RevokedAt:    d.RevokedAt,
		RevokeReason: d.RevokeReason,
		Metadata:     d.Metadata,
	}
}

// Credentials is the registration response. This is the only place
// where a device secret leaves the registry.
type Credentials struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
}
