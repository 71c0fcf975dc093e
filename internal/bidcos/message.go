package bidcos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Direction tells whether a message is received from or sent to a peer.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// Subtype constrains the payload byte at Offset to Value.
type Subtype struct {
	Offset int
	Value  byte
}

// Handler processes a packet matched to a Message.
type Handler interface {
	HandlePacket(ctx context.Context, msg *Message, p *Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message, p *Packet) error

func (f HandlerFunc) HandlePacket(ctx context.Context, msg *Message, p *Packet) error {
	return f(ctx, msg, p)
}

// Access restricts who may trigger an incoming message. Zero means anyone.
type Access uint8

const (
	// AccessDestIsMe requires the packet to be addressed to the hub.
	AccessDestIsMe Access = 1 << iota
	// AccessPairedToSender requires the sender to be a paired peer.
	AccessPairedToSender
	// AccessPairingOnly accepts the packet only while pairing mode is on.
	AccessPairingOnly
)

// AccessContext is the hub state access flags are checked against.
type AccessContext struct {
	Self         uint32
	SenderPaired bool
	PairingMode  bool
}

// Message describes a packet pattern a device recognizes. Messages are
// immutable once registered.
type Message struct {
	Name      string
	Direction Direction
	Type      byte
	// Control is the control byte used when building outgoing packets.
	Control  byte
	Subtypes []Subtype
	Access   Access
	Handler  Handler
}

// Specificity is the number of subtype constraints.
func (m *Message) Specificity() int {
	return len(m.Subtypes)
}

// Matches reports whether p has the message type and satisfies every
// subtype constraint. Constraints pointing past the payload never match.
func (m *Message) Matches(p *Packet) bool {
	if p == nil || p.Type != m.Type {
		return false
	}
	for _, st := range m.Subtypes {
		if st.Offset < 0 || st.Offset >= len(p.Payload) || p.Payload[st.Offset] != st.Value {
			return false
		}
	}
	return true
}

// coveredBy reports whether all of m's constraints appear in set.
func (m *Message) coveredBy(set []Subtype) bool {
outer:
	for _, own := range m.Subtypes {
		for _, st := range set {
			if st == own {
				continue outer
			}
		}
		return false
	}
	return true
}

// CheckAccess evaluates the access flags for an incoming packet.
func (m *Message) CheckAccess(p *Packet, ac AccessContext) bool {
	if m.Access&AccessDestIsMe != 0 && p.Destination != ac.Self {
		return false
	}
	if m.Access&AccessPairedToSender != 0 && !ac.SenderPaired {
		return false
	}
	if m.Access&AccessPairingOnly != 0 && !ac.PairingMode {
		return false
	}
	return true
}

// Packet builds an outgoing packet for the message. The subtype values are
// written into the payload, which is extended when too short.
func (m *Message) Packet(counter uint8, sender, destination uint32, payload []byte) *Packet {
	p := NewPacket(counter, m.Control, m.Type, sender, destination, payload)
	for _, st := range m.Subtypes {
		if st.Offset < 0 {
			continue
		}
		for len(p.Payload) <= st.Offset {
			p.Payload = append(p.Payload, 0)
		}
		p.Payload[st.Offset] = st.Value
	}
	return p
}

func (m *Message) String() string {
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("0x%02X", m.Type)
	}
	return fmt.Sprintf("%s(%s %v)", name, m.Direction, m.Subtypes)
}

// Registry is the ordered table of messages one device recognizes.
type Registry struct {
	mu       sync.RWMutex
	messages []*Message
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register appends a copy of m and returns the stored descriptor.
// Duplicates are allowed; lookups resolve them.
func (r *Registry) Register(m Message) *Message {
	clone := m
	clone.Subtypes = append([]Subtype(nil), m.Subtypes...)

	r.mu.Lock()
	r.messages = append(r.messages, &clone)
	r.mu.Unlock()

	r.logger.Debug("message registered",
		"name", clone.Name,
		"direction", clone.Direction.String(),
		"type", fmt.Sprintf("0x%02X", clone.Type),
		"subtypes", len(clone.Subtypes))
	return &clone
}

// FindByPacket returns the most specific message of the given direction
// matching p. Ties resolve to the earliest registration. Returns nil when
// nothing matches.
func (r *Registry) FindByPacket(dir Direction, p *Packet) *Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Message
	for _, m := range r.messages {
		if m.Direction != dir || !m.Matches(p) {
			continue
		}
		if best == nil || m.Specificity() > best.Specificity() {
			best = m
		}
	}
	return best
}

// FindByType returns the first message of the given direction and type whose
// own constraints all appear in subtypes, in any order.
func (r *Registry) FindByType(dir Direction, msgType byte, subtypes []Subtype) *Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.Direction == dir && m.Type == msgType && m.coveredBy(subtypes) {
			return m
		}
	}
	return nil
}

// Messages returns the registered messages in registration order.
func (r *Registry) Messages() []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Message(nil), r.messages...)
}

// Len returns the number of registered messages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}
