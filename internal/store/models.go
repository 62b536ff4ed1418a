package store

import "time"

// Device is a Tuya device reachable on the LAN.
// LocalKey is hidden from API/JSON serialization via json:"-".
type Device struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Address  string         `json:"address"`
	Version  string         `json:"version,omitempty"`
	LocalKey string         `json:"-"`
	DPS      map[string]any `json:"dps,omitempty"`
	Online   bool           `json:"online"`
	AddedAt  time.Time      `json:"added_at"`
	LastSeen time.Time      `json:"last_seen"`
}

// deviceStorage is the internal struct used for DB serialization,
// preserving the local key on disk.
type deviceStorage struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Address  string         `json:"address"`
	Version  string         `json:"version,omitempty"`
	LocalKey string         `json:"local_key,omitempty"`
	DPS      map[string]any `json:"dps,omitempty"`
	Online   bool           `json:"online"`
	AddedAt  time.Time      `json:"added_at"`
	LastSeen time.Time      `json:"last_seen"`
}

func (d *Device) storage() deviceStorage {
	return deviceStorage{
		ID:       d.ID,
		Name:     d.Name,
		Address:  d.Address,
		Version:  d.Version,
		LocalKey: d.LocalKey,
		DPS:      d.DPS,
		Online:   d.Online,
		AddedAt:  d.AddedAt,
		LastSeen: d.LastSeen,
	}
}

func (st *deviceStorage) device() *Device {
	return &Device{
		ID:       st.ID,
		Name:     st.Name,
		Address:  st.Address,
		Version:  st.Version,
		LocalKey: st.LocalKey,
		DPS:      st.DPS,
		Online:   st.Online,
		AddedAt:  st.AddedAt,
		LastSeen: st.LastSeen,
	}
}
