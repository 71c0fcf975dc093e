package bidcos

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

var (
	// Counter 0x84, control 0x1F, type 0x55, 0x000001 -> 0x000002, payload 01.
	fixtureDecoded = []byte{0x0A, 0x84, 0x1F, 0x55, 0x00, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01}
	fixtureEncoded = []byte{0x0A, 0xF2, 0xD1, 0xF8, 0xD4, 0xB0, 0x8D, 0x69, 0x45, 0x23, 0x1E}

	// Empty payload: counter 0x01, control 0xA0, type 0x00, 0x123456 -> 0xABCDEF.
	emptyDecoded = []byte{0x09, 0x01, 0xA0, 0x00, 0x12, 0x34, 0x56, 0xAB, 0xCD, 0xEF}
	emptyEncoded = []byte{0x09, 0x77, 0xF3, 0xCF, 0xB9, 0xA1, 0x2B, 0xAC, 0x45, 0x4F}
)

func TestEncodeFixture(t *testing.T) {
	p := NewPacket(0x84, 0x1F, 0x55, 0x000001, 0x000002, []byte{0x01})

	if !bytes.Equal(p.Bytes(), fixtureDecoded) {
		t.Fatalf("bytes = % X, want % X", p.Bytes(), fixtureDecoded)
	}
	got := Encode(p)
	if !bytes.Equal(got, fixtureEncoded) {
		t.Errorf("encode = % X, want % X", got, fixtureEncoded)
	}

	back, err := Decode(fixtureEncoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Equal(p) {
		t.Errorf("decode = %v, want %v", back, p)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	p, err := Decode(emptyEncoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(p.Bytes(), emptyDecoded) {
		t.Errorf("bytes = % X, want % X", p.Bytes(), emptyDecoded)
	}
	if p.Sender != 0x123456 {
		t.Errorf("sender = 0x%06X, want 0x123456", p.Sender)
	}
	if p.Destination != 0xABCDEF {
		t.Errorf("destination = 0x%06X, want 0xABCDEF", p.Destination)
	}
	if len(p.Payload) != 0 {
		t.Errorf("payload = % X, want empty", p.Payload)
	}
	if !p.NeedsAck() {
		t.Error("NeedsAck = false, want true for control 0xA0")
	}
}

func TestDecodeRSSI(t *testing.T) {
	frame := append(append([]byte(nil), fixtureEncoded...), 0xC8)
	p, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.HasRSSI || p.RSSI != 0xC8 {
		t.Errorf("rssi = 0x%02X (present %v), want 0xC8", p.RSSI, p.HasRSSI)
	}
	if !bytes.Equal(p.Payload, []byte{0x01}) {
		t.Errorf("payload = % X, want 01", p.Payload)
	}
	// RSSI is never transmitted.
	if !bytes.Equal(Encode(p), fixtureEncoded) {
		t.Errorf("re-encode = % X, want % X", Encode(p), fixtureEncoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrTooShort},
		{"one byte", []byte{0x0A}, ErrTooShort},
		{"eight bytes", fixtureEncoded[:8], ErrTooShort},
		{"truncated", fixtureEncoded[:10], ErrLengthMismatch},
		{"two extra bytes", append(append([]byte(nil), fixtureEncoded...), 0x00, 0x00), ErrLengthMismatch},
		{"length below header", []byte{0x05, 0, 0, 0, 0, 0, 0, 0, 0}, ErrLengthMismatch},
		{"length too large", []byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrLengthMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if p != nil {
				t.Errorf("packet = %v, want nil", p)
			}
			if _, err := Unmarshal(tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("unmarshal err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		payload := make([]byte, rng.Intn(40))
		rng.Read(payload)
		p := NewPacket(uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)),
			uint32(rng.Intn(1<<24)), uint32(rng.Intn(1<<24)), payload)

		for _, c := range []Codec{Whitened, Plain} {
			got, err := c.Decode(c.Encode(p))
			if err != nil {
				t.Fatalf("round %d: decode: %v", i, err)
			}
			if !got.Equal(p) {
				t.Fatalf("round %d: got %v, want %v", i, got, p)
			}
		}
	}
}

func TestHex(t *testing.T) {
	p := NewPacket(0x84, 0x1F, 0x55, 0x000001, 0x000002, []byte{0x01})
	if got, want := p.Hex(), "0A841F55000001000002"+"01"; got != want {
		t.Errorf("hex = %q, want %q", got, want)
	}

	parsed, err := ParseHex("0a841f5500000100000201C8")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.HasRSSI || parsed.RSSI != 0xC8 {
		t.Errorf("rssi = 0x%02X, want 0xC8", parsed.RSSI)
	}
	parsed.HasRSSI, parsed.RSSI = false, 0
	if !parsed.Equal(p) {
		t.Errorf("parsed = %v, want %v", parsed, p)
	}

	if _, err := ParseHex("0A84Z"); !errors.Is(err, ErrInvalidHex) {
		t.Errorf("err = %v, want ErrInvalidHex", err)
	}
}

func TestSubtypeAndChannel(t *testing.T) {
	tests := []struct {
		name        string
		msgType     byte
		payload     []byte
		wantSub     uint8
		wantSubOK   bool
		wantChannel uint8
		wantChOK    bool
	}{
		{"config start", TypeConfig, []byte{0x02, ConfigStart, 0x00}, ConfigStart, true, 0x02, true},
		{"config no subtype", TypeConfig, []byte{0x01}, 0, false, 0x01, true},
		{"set", TypeSet, []byte{0x02, 0x01, 0xC8}, 0x02, true, 0, false},
		{"ack", TypeAck, []byte{0x00}, 0, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacket(1, DefaultControl, tt.msgType, 1, 2, tt.payload)
			sub, ok := p.Subtype()
			if sub != tt.wantSub || ok != tt.wantSubOK {
				t.Errorf("subtype = 0x%02X,%v, want 0x%02X,%v", sub, ok, tt.wantSub, tt.wantSubOK)
			}
			ch, ok := p.Channel()
			if ch != tt.wantChannel || ok != tt.wantChOK {
				t.Errorf("channel = %d,%v, want %d,%v", ch, ok, tt.wantChannel, tt.wantChOK)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	p := NewPacket(1, DefaultControl, TypeSet, 1, 2, make([]byte, MaxPayloadLen))
	if err := p.Validate(); err != nil {
		t.Errorf("max payload: %v", err)
	}
	p = NewPacket(1, DefaultControl, TypeSet, 1, 2, make([]byte, MaxPayloadLen+1))
	if err := p.Validate(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(fixtureEncoded)
	f.Add(emptyEncoded)
	f.Add([]byte{0x00})
	f.Fuzz(func(t *testing.T, frame []byte) {
		p, err := Decode(frame)
		if err != nil {
			return
		}
		// Any accepted frame re-encodes to itself (minus the RSSI byte).
		n := int(frame[0]) + 1
		if got := Encode(p); !bytes.Equal(got, frame[:n]) {
			t.Fatalf("re-encode = % X, want % X", got, frame[:n])
		}
	})
}
