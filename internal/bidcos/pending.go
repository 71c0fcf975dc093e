package bidcos

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// PendingQueue is a queued conversation waiting for its turn, usually for a
// peer that only listens after waking up.
type PendingQueue struct {
	Type    QueueType
	Entries []Entry
}

// PendingQueues is a FIFO of conversations for one peer.
type PendingQueues struct {
	mu     sync.Mutex
	queues []PendingQueue
}

// NewPendingQueues creates an empty list.
func NewPendingQueues() *PendingQueues {
	return &PendingQueues{}
}

// Push appends a pending queue.
func (p *PendingQueues) Push(pq PendingQueue) {
	p.mu.Lock()
	p.queues = append(p.queues, pq)
	p.mu.Unlock()
}

// Pop removes and returns the oldest pending queue.
func (p *PendingQueues) Pop() (PendingQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queues) == 0 {
		return PendingQueue{}, false
	}
	pq := p.queues[0]
	p.queues = p.queues[1:]
	return pq, true
}

func (p *PendingQueues) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

func (p *PendingQueues) Clear() {
	p.mu.Lock()
	p.queues = nil
	p.mu.Unlock()
}

// On-disk form. Expected messages are stored by type and constraints and
// resolved against the device's registry on load.
type pendingSnapshot struct {
	Version int             `cbor:"v"`
	Queues  []queueSnapshot `cbor:"queues"`
}

type queueSnapshot struct {
	Type    QueueType       `cbor:"type"`
	Entries []entrySnapshot `cbor:"entries"`
}

type entrySnapshot struct {
	Packet []byte       `cbor:"packet,omitempty"`
	Expect *expectation `cbor:"expect,omitempty"`
}

type expectation struct {
	Direction Direction     `cbor:"dir"`
	Type      byte          `cbor:"type"`
	Subtypes  []subtypePair `cbor:"subtypes,omitempty"`
}

type subtypePair struct {
	_      struct{} `cbor:",toarray"`
	Offset int
	Value  byte
}

const snapshotVersion = 1

// Snapshot encodes the pending queues as CBOR.
func (p *PendingQueues) Snapshot() ([]byte, error) {
	p.mu.Lock()
	snap := pendingSnapshot{Version: snapshotVersion, Queues: make([]queueSnapshot, 0, len(p.queues))}
	for _, pq := range p.queues {
		qs := queueSnapshot{Type: pq.Type}
		for _, e := range pq.Entries {
			es := entrySnapshot{}
			if e.Packet != nil {
				es.Packet = e.Packet.Bytes()
			}
			if e.Expect != nil {
				ex := &expectation{Direction: e.Expect.Direction, Type: e.Expect.Type}
				for _, st := range e.Expect.Subtypes {
					ex.Subtypes = append(ex.Subtypes, subtypePair{Offset: st.Offset, Value: st.Value})
				}
				es.Expect = ex
			}
			qs.Entries = append(qs.Entries, es)
		}
		snap.Queues = append(snap.Queues, qs)
	}
	p.mu.Unlock()

	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode pending queues: %w", err)
	}
	return data, nil
}

// RestorePendingQueues decodes a Snapshot. Expected messages are looked up
// in reg; an expectation that no longer resolves is an error.
func RestorePendingQueues(data []byte, reg *Registry) (*PendingQueues, error) {
	var snap pendingSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode pending queues: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("decode pending queues: unsupported version %d", snap.Version)
	}

	p := NewPendingQueues()
	for qi, qs := range snap.Queues {
		pq := PendingQueue{Type: qs.Type}
		for ei, es := range qs.Entries {
			var e Entry
			if len(es.Packet) > 0 {
				pkt, err := Unmarshal(es.Packet)
				if err != nil {
					return nil, fmt.Errorf("pending queue %d entry %d: %w", qi, ei, err)
				}
				e.Packet = pkt
			}
			if es.Expect != nil {
				subtypes := make([]Subtype, 0, len(es.Expect.Subtypes))
				for _, st := range es.Expect.Subtypes {
					subtypes = append(subtypes, Subtype{Offset: st.Offset, Value: st.Value})
				}
				m := reg.FindByType(es.Expect.Direction, es.Expect.Type, subtypes)
				if m == nil {
					return nil, fmt.Errorf("pending queue %d entry %d: no message for type 0x%02X %v",
						qi, ei, es.Expect.Type, subtypes)
				}
				e.Expect = m
			}
			pq.Entries = append(pq.Entries, e)
		}
		p.Push(pq)
	}
	return p, nil
}
