package bidcos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testSelf uint32 = 0xFD0001
	testPeer uint32 = 0x123456
)

type fakeDevice struct {
	mu      sync.Mutex
	sent    []*Packet
	sendErr error
	failed  []error
	// reply, when set, is called synchronously from SendPacket.
	reply func(p *Packet)
}

func (d *fakeDevice) SendPacket(_ context.Context, p *Packet) error {
	d.mu.Lock()
	d.sent = append(d.sent, p.Clone())
	err := d.sendErr
	reply := d.reply
	d.mu.Unlock()
	if reply != nil {
		reply(p)
	}
	return err
}

func (d *fakeDevice) DeliveryFailed(_ *Queue, err error) {
	d.mu.Lock()
	d.failed = append(d.failed, err)
	d.mu.Unlock()
}

func (d *fakeDevice) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDevice) failures() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.failed...)
}

func testAckMessage() *Message {
	return &Message{Name: "ack", Direction: DirectionIn, Type: TypeAck}
}

func testQueue(t *testing.T, dev Device, policy RetryPolicy) *Queue {
	t.Helper()
	q := NewQueue(dev, QueueDefault, testPeer, QueueOptions{ID: 1, Policy: policy, Logger: newTestLogger()})
	t.Cleanup(q.Dispose)
	return q
}

func setPacket(counter uint8, level byte) *Packet {
	return NewPacket(counter, DefaultControl, TypeSet, testSelf, testPeer, []byte{0x02, 0x01, level})
}

func ackFrom(addr uint32) *Packet {
	return NewPacket(1, 0x80, TypeAck, addr, testSelf, []byte{AckOK})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueAdvancesOnResponse(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 2, Interval: time.Hour, BurstInterval: time.Hour})
	ack := testAckMessage()

	q.Push(Entry{Packet: setPacket(1, 0x10), Expect: ack}, Entry{Packet: setPacket(2, 0x20), Expect: ack})
	ctx := context.Background()
	q.SendNext(ctx)

	if got := dev.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
	if q.State() != StateAwaitingResponse {
		t.Fatalf("state = %v, want awaiting_response", q.State())
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}

	// Packets from other peers are not responses.
	if q.OnResponse(ctx, ackFrom(0x654321)) {
		t.Error("response from another peer accepted")
	}
	if !q.OnResponse(ctx, ackFrom(testPeer)) {
		t.Fatal("ack not accepted")
	}
	if got := dev.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
	if !q.OnResponse(ctx, ackFrom(testPeer)) {
		t.Fatal("second ack not accepted")
	}
	if q.State() != StateCompleted {
		t.Errorf("state = %v, want completed", q.State())
	}
	if !q.IsEmpty() {
		t.Error("queue not empty")
	}
}

func TestQueueSendsUnacknowledgedBackToBack(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, DefaultRetryPolicy())

	var completed int
	q.OnEmpty(func(*Queue) { completed++ })
	q.Push(Entry{Packet: setPacket(1, 1)}, Entry{Packet: setPacket(2, 2)}, Entry{Packet: setPacket(3, 3)})
	q.SendNext(context.Background())

	if got := dev.sentCount(); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
	if completed != 1 {
		t.Errorf("onEmpty called %d times, want 1", completed)
	}
	// A second SendNext on a completed queue does not fire again.
	q.SendNext(context.Background())
	if completed != 1 {
		t.Errorf("onEmpty called %d times after idle SendNext", completed)
	}
}

func TestQueueResponseDuringSend(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 1, Interval: time.Hour, BurstInterval: time.Hour})
	dev.reply = func(p *Packet) {
		if p.Counter == 1 {
			q.OnResponse(context.Background(), ackFrom(testPeer))
		}
	}
	ack := testAckMessage()
	q.Push(Entry{Packet: setPacket(1, 1), Expect: ack}, Entry{Packet: setPacket(2, 2), Expect: ack})
	q.SendNext(context.Background())

	waitFor(t, "second packet", func() bool { return dev.sentCount() == 2 })
}

func TestQueueRetriesExhausted(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 2, Interval: 20 * time.Millisecond, BurstInterval: 20 * time.Millisecond})
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})
	q.SendNext(context.Background())

	waitFor(t, "delivery failure", func() bool { return len(dev.failures()) == 1 })

	if got := dev.sentCount(); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
	if err := dev.failures()[0]; !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("err = %v, want ErrRetriesExhausted", err)
	}
	if q.State() != StateDisposed {
		t.Errorf("state = %v, want disposed", q.State())
	}
	// The undelivered entry is still available for persistence.
	if rem := q.Remaining(); len(rem.Entries) != 1 {
		t.Errorf("remaining = %d, want 1", len(rem.Entries))
	}
}

func TestQueueSendErrorCountsAsAttempt(t *testing.T) {
	dev := &fakeDevice{sendErr: errors.New("radio busy")}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 1, Interval: 10 * time.Millisecond, BurstInterval: 10 * time.Millisecond})
	q.Push(Entry{Packet: setPacket(1, 1)})
	q.SendNext(context.Background())

	waitFor(t, "delivery failure", func() bool { return len(dev.failures()) == 1 })
	if got := dev.sentCount(); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
}

func TestQueueUnexpectedResponseRetries(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 2, Interval: time.Hour, BurstInterval: time.Hour})
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})
	ctx := context.Background()
	q.SendNext(ctx)

	info := NewPacket(2, 0xA0, TypeInfo, testPeer, testSelf, []byte{InfoActuatorStatus, 0x01, 0x00})
	if q.OnResponse(ctx, info) {
		t.Fatal("info packet accepted as ack")
	}
	if got := dev.sentCount(); got != 2 {
		t.Errorf("sent = %d, want 2 after unexpected response", got)
	}
	if !q.OnResponse(ctx, ackFrom(testPeer)) {
		t.Error("ack after resend not accepted")
	}
}

func TestQueueWaitOnlyEntry(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, DefaultRetryPolicy())
	ctx := context.Background()
	deviceInfo := &Message{Name: "device info", Direction: DirectionIn, Type: TypeDeviceInfo}

	q.Push(Entry{Expect: deviceInfo}, Entry{Packet: setPacket(1, 1)})
	q.SendNext(ctx)
	if dev.sentCount() != 0 {
		t.Fatal("wait-only entry sent a packet")
	}

	// Non-matching traffic is ignored while waiting.
	if q.OnResponse(ctx, ackFrom(testPeer)) {
		t.Error("ack matched device info")
	}
	if dev.sentCount() != 0 {
		t.Error("non-matching packet triggered a send")
	}

	info := NewPacket(1, 0x84, TypeDeviceInfo, testPeer, 0, []byte{0x10, 0x00, 0x95})
	if !q.OnResponse(ctx, info) {
		t.Fatal("device info not accepted")
	}
	if dev.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", dev.sentCount())
	}
}

func TestQueuePopWait(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 2, Interval: time.Hour, BurstInterval: time.Hour})
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()}, Entry{Packet: setPacket(2, 2)})
	q.SendNext(context.Background())

	q.PopWait(20 * time.Millisecond)
	waitFor(t, "queue completion", func() bool { return q.State() == StateCompleted })
	if got := dev.sentCount(); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
}

func TestQueueLoadsPendingQueues(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, DefaultRetryPolicy())
	pending := NewPendingQueues()
	pending.Push(PendingQueue{Type: QueueConfigWrite})
	pending.Push(PendingQueue{Type: QueueConfigWrite, Entries: []Entry{{Packet: setPacket(5, 5)}}})
	pending.Push(PendingQueue{Type: QueuePeerCommand, Entries: []Entry{{Packet: setPacket(6, 6)}}})
	q.SetPending(pending)

	q.Push(Entry{Packet: setPacket(1, 1)})
	q.SendNext(context.Background())

	if got := dev.sentCount(); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
	if pending.Len() != 0 {
		t.Errorf("pending = %d, want 0", pending.Len())
	}
	if q.Type() != QueuePeerCommand {
		t.Errorf("type = %v, want peer_command", q.Type())
	}
}

func TestQueueDispose(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 2, Interval: 10 * time.Millisecond, BurstInterval: 10 * time.Millisecond})
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})
	q.SendNext(context.Background())

	q.Dispose()
	q.Dispose()
	time.Sleep(50 * time.Millisecond)

	if got := dev.sentCount(); got != 1 {
		t.Errorf("sent = %d after dispose, want 1", got)
	}
	if len(dev.failures()) != 0 {
		t.Error("disposed queue reported a failure")
	}
	q.Push(Entry{Packet: setPacket(2, 2)})
	if q.Len() != 1 {
		t.Errorf("push after dispose changed the queue: len %d", q.Len())
	}
	if q.OnResponse(context.Background(), ackFrom(testPeer)) {
		t.Error("disposed queue accepted a response")
	}
}

func TestQueueBurstKeepsAliveLonger(t *testing.T) {
	dev := &fakeDevice{}
	q := testQueue(t, dev, RetryPolicy{MaxRetries: 0, Interval: time.Hour, BurstInterval: time.Hour})
	p := setPacket(1, 1)
	p.Control |= FlagBurst
	q.Push(Entry{Packet: p, Expect: testAckMessage()})
	q.SendNext(context.Background())

	if until := time.Until(q.LastAction()); until < 4*time.Second {
		t.Errorf("last action %v ahead, want about 5s", until)
	}
}
