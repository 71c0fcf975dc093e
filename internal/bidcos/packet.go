// Package bidcos implements the HomeMatic BidCoS radio protocol engine:
// frame codec, message dispatch registry, packet caches and the per-peer
// command queues with their lifecycle manager.
package bidcos

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message types.
const (
	TypeDeviceInfo   byte = 0x00
	TypeConfig       byte = 0x01
	TypeAck          byte = 0x02
	TypeInfo         byte = 0x10
	TypeSet          byte = 0x11
	TypeTimeRequest  byte = 0x3F
	TypeRemote       byte = 0x40
	TypeSensor       byte = 0x41
	TypeClimateEvent byte = 0x58
	TypeThermal      byte = 0x5A
	TypeWeather      byte = 0x70
)

// Config subtypes (payload[1] of TypeConfig).
const (
	ConfigPeerAdd         byte = 0x01
	ConfigPeerRemove      byte = 0x02
	ConfigPeerListReq     byte = 0x03
	ConfigParamReq        byte = 0x04
	ConfigStart           byte = 0x05
	ConfigEnd             byte = 0x06
	ConfigWriteIndexSeq   byte = 0x07
	ConfigWriteIndexPairs byte = 0x08
	ConfigSerialReq       byte = 0x09
	ConfigStatusRequest   byte = 0x0E
)

// Info subtypes (payload[0] of TypeInfo).
const (
	InfoSerial             byte = 0x00
	InfoPeerList           byte = 0x01
	InfoParamResponsePairs byte = 0x02
	InfoParamResponseSeq   byte = 0x03
	InfoParamChange        byte = 0x04
	InfoActuatorStatus     byte = 0x06
)

// ACK subtypes (payload[0] of TypeAck).
const (
	AckOK   byte = 0x00
	AckNACK byte = 0x80
)

// Control byte flags.
const (
	FlagWakeUp       byte = 0x01
	FlagWakeMeUp     byte = 0x02
	FlagBroadcast    byte = 0x04
	FlagBurst        byte = 0x10
	FlagBiDi         byte = 0x20
	FlagRepeated     byte = 0x40
	FlagRepeatEnable byte = 0x80
)

// DefaultControl is the control byte for a request that expects an ACK.
const DefaultControl = FlagRepeatEnable | FlagBiDi

const (
	// headerLen is the number of bytes covered by the length byte before the payload:
	// counter, control, type, 3-byte sender, 3-byte destination.
	headerLen = 9
	// MaxPayloadLen is the largest payload the one-byte length field can describe.
	MaxPayloadLen = 0xFF - headerLen
	minFrameLen   = 9
)

var (
	ErrTooShort        = errors.New("bidcos: frame too short")
	ErrLengthMismatch  = errors.New("bidcos: length byte does not match frame size")
	ErrPayloadTooLarge = errors.New("bidcos: payload too large")
	ErrInvalidHex      = errors.New("bidcos: invalid hex frame")
)

// Packet is one BidCoS radio transmission. Packets handed out by the engine
// are shared between goroutines and must be treated as read-only; use Clone
// before modifying one.
type Packet struct {
	Counter     uint8
	Control     uint8
	Type        uint8
	Sender      uint32
	Destination uint32
	Payload     []byte

	// RSSI is the raw signal quality byte appended by the receiver.
	RSSI    uint8
	HasRSSI bool

	// Timestamp is the receive time for inbound packets and the creation
	// time for outbound ones.
	Timestamp time.Time
}

// NewPacket builds an outbound packet. The payload is copied.
func NewPacket(counter, control, msgType uint8, sender, destination uint32, payload []byte) *Packet {
	return &Packet{
		Counter:     counter,
		Control:     control,
		Type:        msgType,
		Sender:      sender & 0xFFFFFF,
		Destination: destination & 0xFFFFFF,
		Payload:     append([]byte(nil), payload...),
		Timestamp:   time.Now(),
	}
}

// Length returns the value of the length byte.
func (p *Packet) Length() int {
	return headerLen + len(p.Payload)
}

// Validate reports whether the packet can be put on the air.
func (p *Packet) Validate() error {
	if len(p.Payload) > MaxPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}
	return nil
}

// NeedsAck reports whether the sender expects an acknowledgement.
func (p *Packet) NeedsAck() bool {
	return p.Control&FlagBiDi != 0 && p.Control&FlagWakeMeUp == 0
}

// IsBurst reports whether the packet is sent with a wake-up burst.
func (p *Packet) IsBurst() bool {
	return p.Control&FlagBurst != 0
}

// Subtype returns the sub-command of config and set messages.
func (p *Packet) Subtype() (uint8, bool) {
	switch p.Type {
	case TypeConfig:
		if len(p.Payload) > 1 {
			return p.Payload[1], true
		}
	case TypeSet:
		if len(p.Payload) > 0 {
			return p.Payload[0], true
		}
	}
	return 0, false
}

// Channel returns the channel a config message addresses.
func (p *Packet) Channel() (uint8, bool) {
	if p.Type == TypeConfig && len(p.Payload) > 0 {
		return p.Payload[0], true
	}
	return 0, false
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}

// Equal compares the transmitted fields of two packets, ignoring timestamps.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Counter == o.Counter &&
		p.Control == o.Control &&
		p.Type == o.Type &&
		p.Sender == o.Sender &&
		p.Destination == o.Destination &&
		bytes.Equal(p.Payload, o.Payload) &&
		p.HasRSSI == o.HasRSSI &&
		p.RSSI == o.RSSI
}

// Bytes returns the plain (not whitened) frame without the RSSI byte.
func (p *Packet) Bytes() []byte {
	b := make([]byte, 0, p.Length()+1)
	b = append(b,
		uint8(p.Length()),
		p.Counter,
		p.Control,
		p.Type,
		uint8(p.Sender>>16), uint8(p.Sender>>8), uint8(p.Sender),
		uint8(p.Destination>>16), uint8(p.Destination>>8), uint8(p.Destination),
	)
	return append(b, p.Payload...)
}

// Hex returns the uppercase hex form used by CUL style sticks.
func (p *Packet) Hex() string {
	return strings.ToUpper(hex.EncodeToString(p.Bytes()))
}

func (p *Packet) String() string {
	return fmt.Sprintf("cnt=0x%02X ctl=0x%02X type=0x%02X 0x%06X->0x%06X payload=%X",
		p.Counter, p.Control, p.Type, p.Sender, p.Destination, p.Payload)
}

// checkFrameLen validates the length byte against the number of bytes
// received. One extra trailing byte (RSSI) is allowed.
func checkFrameLen(frame []byte) (hasRSSI bool, err error) {
	if len(frame) < minFrameLen {
		return false, fmt.Errorf("%w: got %d bytes, want >= %d", ErrTooShort, len(frame), minFrameLen)
	}
	n := int(frame[0])
	if n < headerLen {
		return false, fmt.Errorf("%w: length byte %d below header size", ErrLengthMismatch, n)
	}
	switch len(frame) {
	case n + 1:
		return false, nil
	case n + 2:
		return true, nil
	default:
		return false, fmt.Errorf("%w: length byte %d, got %d bytes", ErrLengthMismatch, n, len(frame))
	}
}

// Unmarshal parses a plain frame as produced by Bytes, optionally followed
// by an RSSI byte.
func Unmarshal(frame []byte) (*Packet, error) {
	hasRSSI, err := checkFrameLen(frame)
	if err != nil {
		return nil, err
	}
	return fromPlain(frame, hasRSSI), nil
}

func fromPlain(d []byte, hasRSSI bool) *Packet {
	n := int(d[0])
	p := &Packet{
		Counter:     d[1],
		Control:     d[2],
		Type:        d[3],
		Sender:      uint32(d[4])<<16 | uint32(d[5])<<8 | uint32(d[6]),
		Destination: uint32(d[7])<<16 | uint32(d[8])<<8 | uint32(d[9]),
		Payload:     append([]byte(nil), d[headerLen+1:n+1]...),
		Timestamp:   time.Now(),
	}
	if hasRSSI {
		p.RSSI = d[n+1]
		p.HasRSSI = true
	}
	return p
}

// ParseHex parses the hex form of a plain frame. A trailing RSSI byte is
// accepted.
func ParseHex(s string) (*Packet, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return Unmarshal(b)
}

// Decode removes the radio whitening from a received frame and parses it.
func Decode(frame []byte) (*Packet, error) {
	hasRSSI, err := checkFrameLen(frame)
	if err != nil {
		return nil, err
	}
	n := int(frame[0])
	d := make([]byte, len(frame))
	d[0] = frame[0]
	d[1] = ^frame[1] ^ 0x89
	i := 2
	for ; i < n; i++ {
		d[i] = (frame[i-1] + 0xDC) ^ frame[i]
	}
	d[i] = frame[i] ^ d[2]
	if hasRSSI {
		d[i+1] = frame[i+1]
	}
	return fromPlain(d, hasRSSI), nil
}

// Encode returns the whitened radio frame for p. The RSSI byte is never sent.
func Encode(p *Packet) []byte {
	d := p.Bytes()
	n := int(d[0])
	e := make([]byte, len(d))
	e[0] = d[0]
	e[1] = ^d[1] ^ 0x89
	i := 2
	for ; i < n; i++ {
		e[i] = (e[i-1] + 0xDC) ^ d[i]
	}
	e[i] = d[i] ^ d[2]
	return e
}

// Codec converts between packets and the frames a transceiver exchanges.
type Codec interface {
	Decode(frame []byte) (*Packet, error)
	Encode(p *Packet) []byte
}

var (
	// Whitened is the over-the-air frame format used by raw radio modules.
	Whitened Codec = whitenedCodec{}
	// Plain is the de-whitened format used by sticks that whiten in firmware.
	Plain Codec = plainCodec{}
)

type whitenedCodec struct{}

func (whitenedCodec) Decode(frame []byte) (*Packet, error) { return Decode(frame) }
func (whitenedCodec) Encode(p *Packet) []byte               { return Encode(p) }

type plainCodec struct{}

func (plainCodec) Decode(frame []byte) (*Packet, error) { return Unmarshal(frame) }
func (plainCodec) Encode(p *Packet) []byte               { return p.Bytes() }
