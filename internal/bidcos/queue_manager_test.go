package bidcos

import (
	"context"
	"sync"
	"testing"
	"time"
)

type unreachableLog struct {
	mu    sync.Mutex
	addrs []uint32
}

func (l *unreachableLog) record(q *Queue) {
	l.mu.Lock()
	l.addrs = append(l.addrs, q.Address())
	l.mu.Unlock()
}

func (l *unreachableLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addrs)
}

func newTestManager(t *testing.T, modes map[uint32]RXMode) (*QueueManager, *unreachableLog) {
	t.Helper()
	cfg := QueueManagerConfig{
		SweepInterval: 5 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
		DisposeGrace:  500 * time.Millisecond,
		Policy:        RetryPolicy{MaxRetries: 2, Interval: time.Hour, BurstInterval: time.Hour},
	}
	m := NewQueueManager(cfg, PeerModesFunc(func(addr uint32) RXMode { return modes[addr] }), newTestLogger())
	log := &unreachableLog{}
	m.OnUnreachable(log.record)
	t.Cleanup(func() { m.Dispose(true) })
	return m, log
}

func TestQueueManagerSingleQueuePerAddress(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	dev := &fakeDevice{}

	first := m.CreateQueue(ctx, dev, QueueDefault, testPeer)
	second := m.CreateQueue(ctx, dev, QueuePeerCommand, testPeer)

	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
	if got := m.Get(testPeer); got != second {
		t.Errorf("Get returned queue %d, want %d", got.ID(), second.ID())
	}
	if !first.Orphaned() {
		t.Error("replaced queue not orphaned")
	}
	if second.Orphaned() {
		t.Error("live queue reports orphaned")
	}
	if first.ID() == second.ID() {
		t.Error("queues share an id")
	}
	if m.Get(0x000001) != nil {
		t.Error("unknown address returned a queue")
	}
}

func TestQueueManagerUnreachable(t *testing.T) {
	const (
		always = 0x100001
		wakeup = 0x100002
	)
	tests := []struct {
		name  string
		addr  uint32
		qtype QueueType
		want  int
	}{
		{"peer command to always-listening peer", always, QueuePeerCommand, 1},
		{"pairing queue is exempt", always, QueuePairing, 0},
		{"wake-up peer is not expected to answer", wakeup, QueuePeerCommand, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, log := newTestManager(t, map[uint32]RXMode{
				always: RXAlways,
				wakeup: RXConfig | RXWakeUp,
			})
			q := m.CreateQueue(context.Background(), &fakeDevice{}, tt.qtype, tt.addr)
			q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})
			q.SendNext(context.Background())

			waitFor(t, "queue expiry", func() bool { return m.Len() == 0 })
			if got := log.count(); got != tt.want {
				t.Errorf("unreachable calls = %d, want %d", got, tt.want)
			}
			if q.State() != StateDisposed {
				t.Errorf("expired queue state = %v, want disposed", q.State())
			}
		})
	}
}

func TestQueueManagerCompletedQueueNotUnreachable(t *testing.T) {
	m, log := newTestManager(t, map[uint32]RXMode{testPeer: RXAlways})
	q := m.CreateQueue(context.Background(), &fakeDevice{}, QueuePeerCommand, testPeer)
	q.Push(Entry{Packet: setPacket(1, 1)})
	q.SendNext(context.Background())

	waitFor(t, "queue removal", func() bool { return m.Len() == 0 })
	if log.count() != 0 {
		t.Error("completed queue reported peer unreachable")
	}
}

func TestQueueManagerKeepsActiveQueue(t *testing.T) {
	m, _ := newTestManager(t, map[uint32]RXMode{testPeer: RXAlways})
	q := m.CreateQueue(context.Background(), &fakeDevice{}, QueuePeerCommand, testPeer)
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})
	q.SendNext(context.Background())

	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		if m.Get(testPeer) == nil {
			t.Fatalf("queue expired while in use (iteration %d)", i)
		}
	}
}

func TestQueueManagerUnreachableMayCreateQueue(t *testing.T) {
	m, _ := newTestManager(t, map[uint32]RXMode{testPeer: RXBurst})
	created := make(chan *Queue, 1)
	m.OnUnreachable(func(q *Queue) {
		// Re-entering the manager from the callback must not deadlock.
		created <- m.CreateQueue(context.Background(), &fakeDevice{}, QueueDefault, q.Address())
	})

	q := m.CreateQueue(context.Background(), &fakeDevice{}, QueuePeerCommand, testPeer)
	q.Push(Entry{Packet: setPacket(1, 1), Expect: testAckMessage()})

	select {
	case nq := <-created:
		if nq == nil || nq == q {
			t.Errorf("callback created %v", nq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unreachable callback not called")
	}
}

func TestQueueManagerDispose(t *testing.T) {
	m, _ := newTestManager(t, nil)
	q := m.CreateQueue(context.Background(), &fakeDevice{}, QueueDefault, testPeer)

	m.Dispose(true)
	m.Dispose(true)

	if q.State() != StateDisposed {
		t.Errorf("queue state = %v, want disposed", q.State())
	}
	if m.CreateQueue(context.Background(), &fakeDevice{}, QueueDefault, testPeer) != nil {
		t.Error("CreateQueue after dispose returned a queue")
	}
	if m.Get(testPeer) != nil {
		t.Error("Get after dispose returned a queue")
	}
}

func TestRXModeString(t *testing.T) {
	tests := []struct {
		mode RXMode
		want string
	}{
		{RXNone, "none"},
		{RXAlways, "always"},
		{RXConfig | RXWakeUp | RXBurst, "burst|config|wakeup"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
