package hub

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventPacketReceived  = "packet_received"
	EventPacketSent      = "packet_sent"
	EventPeerUnreachable = "peer_unreachable"
	EventPeerReachable   = "peer_reachable"
	EventPeerPaired      = "peer_paired"
	EventPeerUnpaired    = "peer_unpaired"
	EventDeliveryFailed  = "delivery_failed"
	EventConfigRead      = "config_read"
	EventPairingMode     = "pairing_mode"
)

// Event represents a hub event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PacketEvent is the data of packet_received and packet_sent.
type PacketEvent struct {
	Address     uint32 `json:"address"`
	Counter     uint8  `json:"counter"`
	Control     uint8  `json:"control"`
	Type        uint8  `json:"type"`
	Destination uint32 `json:"destination"`
	Payload     string `json:"payload"`
	RSSI        int    `json:"rssi,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PeerEvent is the data of the peer_* events.
type PeerEvent struct {
	Address    uint32 `json:"address"`
	Serial     string `json:"serial,omitempty"`
	DeviceType uint16 `json:"device_type,omitempty"`
	Name       string `json:"name,omitempty"`
}

// DeliveryEvent is the data of delivery_failed.
type DeliveryEvent struct {
	Address   uint32 `json:"address"`
	QueueType string `json:"queue_type"`
	Error     string `json:"error"`
}

// ConfigEvent is the data of config_read.
type ConfigEvent struct {
	Address uint32          `json:"address"`
	Channel uint8           `json:"channel"`
	List    uint8           `json:"list"`
	Values  map[uint8]uint8 `json:"values"`
}

// PairingModeEvent is the data of pairing_mode.
type PairingModeEvent struct {
	Enabled  bool `json:"enabled"`
	Duration int  `json:"duration"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for hub events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
