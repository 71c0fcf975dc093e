package bidcos

import (
	"strings"
	"testing"
)

func TestPendingQueuesFIFO(t *testing.T) {
	p := NewPendingQueues()
	if _, ok := p.Pop(); ok {
		t.Fatal("pop on empty list succeeded")
	}
	p.Push(PendingQueue{Type: QueueConfigWrite})
	p.Push(PendingQueue{Type: QueuePeerCommand})

	first, _ := p.Pop()
	if first.Type != QueueConfigWrite {
		t.Errorf("first = %v, want config_write", first.Type)
	}
	if p.Len() != 1 {
		t.Errorf("len = %d, want 1", p.Len())
	}
	p.Clear()
	if p.Len() != 0 {
		t.Errorf("len after clear = %d", p.Len())
	}
}

func TestPendingQueuesSnapshotRestore(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	ack := reg.Register(Message{Name: "ack", Direction: DirectionIn, Type: TypeAck})
	paramResp := reg.Register(Message{Name: "param response", Direction: DirectionIn, Type: TypeInfo,
		Subtypes: []Subtype{{0, InfoParamResponsePairs}}})

	p := NewPendingQueues()
	p.Push(PendingQueue{Type: QueueConfigWrite, Entries: []Entry{
		{Packet: NewPacket(3, DefaultControl, TypeConfig, testSelf, testPeer, []byte{0x00, ConfigStart, 0, 0, 0, 0, 0}), Expect: ack},
		{Packet: NewPacket(4, DefaultControl, TypeConfig, testSelf, testPeer, []byte{0x00, ConfigEnd}), Expect: ack},
	}})
	p.Push(PendingQueue{Type: QueueConfigRead, Entries: []Entry{
		{Packet: NewPacket(5, DefaultControl, TypeConfig, testSelf, testPeer, []byte{0x00, ConfigParamReq, 0, 0, 0, 0, 0})},
		{Expect: paramResp},
	}})

	data, err := p.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, err := RestorePendingQueues(data, reg)
	if err != nil {
		t.Fatalf("RestorePendingQueues: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d, want 2", got.Len())
	}

	write, _ := got.Pop()
	if write.Type != QueueConfigWrite || len(write.Entries) != 2 {
		t.Fatalf("write queue = %v with %d entries", write.Type, len(write.Entries))
	}
	if write.Entries[0].Expect != ack {
		t.Errorf("expect = %v, want registered ack", write.Entries[0].Expect)
	}
	want := NewPacket(3, DefaultControl, TypeConfig, testSelf, testPeer, []byte{0x00, ConfigStart, 0, 0, 0, 0, 0})
	if !write.Entries[0].Packet.Equal(want) {
		t.Errorf("packet = %v, want %v", write.Entries[0].Packet, want)
	}

	read, _ := got.Pop()
	if read.Entries[1].Packet != nil {
		t.Error("wait-only entry restored with a packet")
	}
	if read.Entries[1].Expect != paramResp {
		t.Errorf("expect = %v, want %v", read.Entries[1].Expect, paramResp)
	}
}

func TestRestorePendingQueuesUnknownMessage(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	p := NewPendingQueues()
	p.Push(PendingQueue{Type: QueueDefault, Entries: []Entry{
		{Expect: &Message{Direction: DirectionIn, Type: TypeWeather}},
	}})
	data, err := p.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	_, err = RestorePendingQueues(data, reg)
	if err == nil || !strings.Contains(err.Error(), "no message") {
		t.Errorf("err = %v, want unresolved message error", err)
	}

	if _, err := RestorePendingQueues([]byte{0xFF, 0x00}, reg); err == nil {
		t.Error("garbage decoded without error")
	}
}
