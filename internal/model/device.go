package model

import "time"

// Connection states reported by the backend for a device.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DeviceRecord is the current state of one device as seen by the dashboard.
// Records are never mutated after they are published by the store: every
// update produces a new record, so pointer identity doubles as a change check.
type DeviceRecord struct {
	ID            string         `json:"id"`                    // primary identifier
	DeviceID      string         `json:"device_id,omitempty"`   // alias some producers fill instead of id
	Name          string         `json:"name,omitempty"`
	DeviceType    string         `json:"device_type,omitempty"`
	CurrentValues map[string]any `json:"current_values"`        // flat or nested
	Status        string         `json:"status,omitempty"`
	Online        bool           `json:"online"`
	LastSeen      int64          `json:"last_seen,omitempty"` // epoch seconds
}

// Matches reports whether id names this record through either identifier.
func (d *DeviceRecord) Matches(id string) bool {
	if d == nil || id == "" {
		return false
	}
	return d.ID == id || d.DeviceID == id
}

// Clone returns a shallow copy with its own CurrentValues map.
func (d *DeviceRecord) Clone() *DeviceRecord {
	if d == nil {
		return nil
	}
	out := *d
	out.CurrentValues = make(map[string]any, len(d.CurrentValues)+1)
	for k, v := range d.CurrentValues {
		out.CurrentValues[k] = v
	}
	return &out
}

// LastSeenTime converts LastSeen to a time.Time (zero when unknown).
func (d *DeviceRecord) LastSeenTime() time.Time {
	if d == nil || d.LastSeen == 0 {
		return time.Time{}
	}
	return time.Unix(d.LastSeen, 0).UTC()
}
