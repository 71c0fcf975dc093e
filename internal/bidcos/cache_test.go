package bidcos

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(t *testing.T, grace, sweep time.Duration) *PacketCache {
	t.Helper()
	c := NewPacketCache(CacheConfig{Grace: grace, SweepInterval: sweep}, newTestLogger())
	t.Cleanup(func() { c.Dispose(true) })
	return c
}

func TestCacheSingleWriterWins(t *testing.T) {
	c := newTestCache(t, time.Second, time.Hour)
	first := NewPacket(1, DefaultControl, TypeSet, 0x123456, 0xFD0001, []byte{0x01})
	second := NewPacket(2, DefaultControl, TypeSet, 0x123456, 0xFD0001, []byte{0x02})

	c.Record(0x123456, first, time.Time{})
	e1, _ := c.Info(0x123456)
	c.Record(0x123456, second, time.Time{})
	e2, ok := c.Info(0x123456)
	if !ok {
		t.Fatal("entry missing")
	}

	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if !e2.Packet.Equal(second) {
		t.Errorf("packet = %v, want %v", e2.Packet, second)
	}
	if e2.ID == e1.ID {
		t.Errorf("id not renewed: %d", e2.ID)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := newTestCache(t, time.Second, time.Hour)
	p := NewPacket(1, DefaultControl, TypeSet, 0x1, 0x2, []byte{0x01})
	c.Record(0x1, p, time.Time{})

	p.Payload[0] = 0xFF
	got := c.Get(0x1)
	if got.Payload[0] != 0x01 {
		t.Errorf("cache shares caller's payload: 0x%02X", got.Payload[0])
	}
	got.Payload[0] = 0xEE
	if c.Get(0x1).Payload[0] != 0x01 {
		t.Error("cache shares returned payload")
	}
	if c.Get(0x2) != nil {
		t.Error("unknown address returned a packet")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(t, 100*time.Millisecond, 10*time.Millisecond)
	c.Record(0x1, NewPacket(1, 0, TypeAck, 0x1, 0x2, nil), time.Time{})

	if c.Get(0x1) == nil {
		t.Fatal("entry missing right after record")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Get(0x1) != nil {
		if time.Now().After(deadline) {
			t.Fatal("entry did not expire")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCacheKeepAlive(t *testing.T) {
	c := newTestCache(t, 150*time.Millisecond, 10*time.Millisecond)
	c.Record(0x1, NewPacket(1, 0, TypeAck, 0x1, 0x2, nil), time.Time{})
	before, _ := c.Info(0x1)

	for i := 0; i < 12; i++ {
		time.Sleep(50 * time.Millisecond)
		c.KeepAlive(0x1)
	}

	after, ok := c.Info(0x1)
	if !ok {
		t.Fatal("kept-alive entry expired")
	}
	if after.ID != before.ID {
		t.Errorf("keep-alive changed id %d -> %d", before.ID, after.ID)
	}
}

func TestCacheSweepChecksID(t *testing.T) {
	c := newTestCache(t, time.Second, time.Hour)
	old := time.Now().Add(-5 * time.Second)
	c.Record(0x1, NewPacket(1, 0, TypeAck, 0x1, 0x2, nil), old)
	c.Record(0x2, NewPacket(1, 0, TypeAck, 0x2, 0x1, nil), old)
	// Replaced with a fresh entry: survives.
	c.Record(0x2, NewPacket(2, 0, TypeAck, 0x2, 0x1, nil), time.Time{})

	c.sweep(time.Now())

	if c.Get(0x1) != nil {
		t.Error("stale entry survived sweep")
	}
	if c.Get(0x2) == nil {
		t.Error("replaced entry was removed")
	}
}

func TestCacheDispose(t *testing.T) {
	for _, wait := range []bool{true, false} {
		t.Run(fmt.Sprintf("wait=%v", wait), func(t *testing.T) {
			c := NewPacketCache(CacheConfig{}, newTestLogger())
			c.Record(0x1, NewPacket(1, 0, TypeAck, 0x1, 0x2, nil), time.Time{})
			c.Dispose(wait)

			if c.Get(0x1) != nil {
				t.Error("entry survived dispose")
			}
			c.Record(0x1, NewPacket(1, 0, TypeAck, 0x1, 0x2, nil), time.Time{})
			if c.Len() != 0 {
				t.Errorf("record after dispose stored an entry")
			}
			// Idempotent, and the sweep has exited after a waiting call.
			c.Dispose(true)
			c.wg.Wait()
		})
	}
}
