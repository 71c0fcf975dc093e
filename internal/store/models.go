package store

import "time"

// Peer is a paired BidCoS device.
type Peer struct {
	Address        uint32    `json:"address"`
	Serial         string    `json:"serial,omitempty"`
	DeviceType     uint16    `json:"device_type"`
	Firmware       uint8     `json:"firmware,omitempty"`
	Name           string    `json:"name,omitempty"`
	RXMode         uint8     `json:"rx_mode"`
	Paired         bool      `json:"paired"`
	MessageCounter uint8     `json:"message_counter"`
	Unreachable    bool      `json:"unreachable"`
	PairedAt       time.Time `json:"paired_at"`
	LastSeen       time.Time `json:"last_seen"`
	RSSI           int       `json:"rssi,omitempty"`
	// Config holds parameter values read from the peer, keyed "channel/list".
	Config map[string]map[uint8]uint8 `json:"config,omitempty"`
}

// HubState holds the hub's own persisted radio identity.
type HubState struct {
	Address        uint32 `json:"address"`
	MessageCounter uint8  `json:"message_counter"`
}
