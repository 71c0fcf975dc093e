//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"bidcos-go-home/internal/store"
)

const discoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bidcos_1A2B3C/rssi/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// peerTopicName is the address part of per-peer topics.
func peerTopicName(addr uint32) string {
	return fmt.Sprintf("%06X", addr)
}

func peerIdentifier(addr uint32) string {
	return "bidcos_" + peerTopicName(addr)
}

// peerDisplayName returns a display name for the peer.
func peerDisplayName(p *store.Peer) string {
	switch {
	case p.Name != "" && p.Serial != "":
		return p.Name + " " + p.Serial
	case p.Serial != "":
		return p.Serial
	case p.Name != "":
		return p.Name + " " + peerTopicName(p.Address)
	}
	return peerTopicName(p.Address)
}

type entity struct {
	component string
	object    string
	build     func(d *haDiscovery, stateTopic, availTopic string)
}

// peerEntities is the same for every peer: link diagnostics only. Device
// specific channels are not described by the device definitions.
var peerEntities = []entity{
	{"sensor", "rssi", func(d *haDiscovery, stateTopic, _ string) {
		d.Name = "RSSI"
		d.StateTopic = stateTopic
		d.ValueTemplate = "{{ value_json.rssi }}"
		d.UnitOfMeasurement = "dBm"
		d.DeviceClass = "signal_strength"
		d.StateClass = "measurement"
		d.EntityCategory = "diagnostic"
	}},
	{"sensor", "last_seen", func(d *haDiscovery, stateTopic, _ string) {
		d.Name = "Last seen"
		d.StateTopic = stateTopic
		d.ValueTemplate = "{{ value_json.last_seen }}"
		d.DeviceClass = "timestamp"
		d.EntityCategory = "diagnostic"
	}},
	{"binary_sensor", "connectivity", func(d *haDiscovery, _, availTopic string) {
		d.Name = "Connectivity"
		d.StateTopic = availTopic
		d.PayloadOn = "online"
		d.PayloadOff = "offline"
		d.DeviceClass = "connectivity"
		d.EntityCategory = "diagnostic"
	}},
}

func discoveryTopic(component string, addr uint32, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, peerIdentifier(addr), object)
}

// buildDiscovery generates all HA discovery messages for a peer.
func buildDiscovery(p *store.Peer, prefix string) []discoveryMsg {
	id := peerIdentifier(p.Address)
	base := prefix + "/" + peerTopicName(p.Address)
	device := haDevice{
		Identifiers:  []string{id},
		Manufacturer: "eQ-3",
		Model:        p.Name,
		Name:         peerDisplayName(p),
		SerialNumber: p.Serial,
	}

	msgs := make([]discoveryMsg, 0, len(peerEntities))
	for _, e := range peerEntities {
		d := haDiscovery{
			UniqueID:          id + "_" + e.object,
			AvailabilityTopic: prefix + "/bridge/state",
			Device:            device,
		}
		e.build(&d, base+"/state", base+"/availability")
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(e.component, p.Address, e.object),
			Payload: mustJSON(d),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty payloads that remove a peer from HA.
func buildRemoveDiscovery(addr uint32) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(peerEntities))
	for _, e := range peerEntities {
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic(e.component, addr, e.object)})
	}
	return msgs
}
