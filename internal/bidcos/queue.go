package bidcos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueueType tells what kind of conversation a queue carries.
type QueueType uint8

const (
	QueueDefault QueueType = iota
	QueuePairing
	QueuePairingCentral
	QueueConfigWrite
	QueueConfigRead
	QueuePeerCommand
	QueueUnpairing
)

func (t QueueType) String() string {
	switch t {
	case QueueDefault:
		return "default"
	case QueuePairing:
		return "pairing"
	case QueuePairingCentral:
		return "pairing_central"
	case QueueConfigWrite:
		return "config_write"
	case QueueConfigRead:
		return "config_read"
	case QueuePeerCommand:
		return "peer_command"
	case QueueUnpairing:
		return "unpairing"
	default:
		return fmt.Sprintf("queue_type(%d)", uint8(t))
	}
}

// QueueState is the position of a queue in its send/await cycle.
type QueueState uint8

const (
	StateEmpty QueueState = iota
	StateLoaded
	StateSending
	StateAwaitingResponse
	StateCompleted
	StateDisposed
)

func (s QueueState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	ErrRetriesExhausted = errors.New("bidcos: no response after retries")
	ErrDisposed         = errors.New("bidcos: queue disposed")
)

// Entry is one step of a queue. A nil Packet waits for Expect without
// sending anything; a nil Expect moves on as soon as the packet is sent.
type Entry struct {
	Packet  *Packet
	Expect  *Message
	Sent    bool
	Retries int
}

// Device owns a queue: it puts packets on the air and is told when a
// delivery finally failed.
type Device interface {
	SendPacket(ctx context.Context, p *Packet) error
	DeliveryFailed(q *Queue, err error)
}

// RetryPolicy bounds resends of a packet that got no matching response.
type RetryPolicy struct {
	// MaxRetries is the number of resends after the first transmission.
	MaxRetries    int
	Interval      time.Duration
	BurstInterval time.Duration
}

// DefaultRetryPolicy sends a packet three times in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		Interval:      200 * time.Millisecond,
		BurstInterval: 1000 * time.Millisecond,
	}
}

// longKeepAlive is how far a burst resend pushes the idle deadline ahead.
const longKeepAlive = 5 * time.Second

// Queue is the ordered sequence of packets to send to, and responses to
// expect from, one peer.
type Queue struct {
	id      uint64
	address uint32
	ctx     context.Context
	logger  *slog.Logger
	policy  RetryPolicy

	// lastAction is shared with the QueueManager; unix milliseconds.
	lastAction *atomic.Int64
	orphaned   atomic.Bool

	mu       sync.Mutex
	qtype    QueueType
	state    QueueState
	entries  []Entry
	current  *Entry
	device   Device
	pending  *PendingQueues
	onEmpty  func(*Queue)
	timer    *time.Timer
	timerGen uint64
}

// QueueOptions configure a queue created outside a QueueManager.
type QueueOptions struct {
	ID     uint64
	Policy RetryPolicy
	Logger *slog.Logger
	// Context is used for sends started by timers.
	Context context.Context
}

// NewQueue creates a standalone queue. Queues tracked for idle expiry come
// from QueueManager.CreateQueue.
func NewQueue(device Device, qtype QueueType, address uint32, opts QueueOptions) *Queue {
	return newQueue(device, qtype, address, opts, &atomic.Int64{})
}

func newQueue(device Device, qtype QueueType, address uint32, opts QueueOptions, lastAction *atomic.Int64) *Queue {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.Interval <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	q := &Queue{
		id:         opts.ID,
		address:    address,
		ctx:        opts.Context,
		policy:     opts.Policy,
		lastAction: lastAction,
		qtype:      qtype,
		device:     device,
		logger: opts.Logger.With("queue", opts.ID, "addr", fmt.Sprintf("0x%06X", address),
			"queue_type", qtype.String()),
	}
	q.KeepAlive()
	return q
}

func (q *Queue) ID() uint64      { return q.id }
func (q *Queue) Address() uint32 { return q.address }

// Orphaned reports whether the manager replaced this queue with a newer one.
func (q *Queue) Orphaned() bool { return q.orphaned.Load() }

// Type returns the queue type, which changes when a pending queue is loaded.
func (q *Queue) Type() QueueType {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.qtype
}

func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// IsEmpty reports whether nothing is queued or in flight.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.entries) == 0
}

// Len returns the number of queued entries, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if q.current != nil {
		n++
	}
	return n
}

// KeepAlive marks the queue as active now.
func (q *Queue) KeepAlive() {
	q.lastAction.Store(time.Now().UnixMilli())
}

// LongKeepAlive keeps the queue alive for the duration of a burst resend.
func (q *Queue) LongKeepAlive() {
	q.lastAction.Store(time.Now().Add(longKeepAlive).UnixMilli())
}

// LastAction returns the time of the last activity.
func (q *Queue) LastAction() time.Time {
	return time.UnixMilli(q.lastAction.Load())
}

// OnEmpty sets a callback run when the queue and its pending queues are done.
func (q *Queue) OnEmpty(fn func(*Queue)) {
	q.mu.Lock()
	q.onEmpty = fn
	q.mu.Unlock()
}

// SetPending attaches pending queues that are loaded once this one completes.
func (q *Queue) SetPending(p *PendingQueues) {
	q.mu.Lock()
	q.pending = p
	q.mu.Unlock()
}

// Push appends entries. Nothing is sent until SendNext.
func (q *Queue) Push(entries ...Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateDisposed {
		return
	}
	for _, e := range entries {
		e.Sent = false
		e.Retries = 0
		q.entries = append(q.entries, e)
	}
	if len(entries) > 0 && (q.state == StateEmpty || q.state == StateCompleted) {
		q.state = StateLoaded
	}
	q.KeepAlive()
}

// SendNext starts on the next entry when the queue is idle. Entries that
// expect no response are sent back to back. When the queue runs dry the
// next pending queue is loaded, or the queue completes.
func (q *Queue) SendNext(ctx context.Context) {
	for {
		q.mu.Lock()
		switch q.state {
		case StateDisposed, StateSending, StateAwaitingResponse:
			q.mu.Unlock()
			return
		}
		if len(q.entries) == 0 && !q.loadPendingLocked() {
			wasCompleted := q.state == StateCompleted
			q.state = StateCompleted
			cb := q.onEmpty
			q.mu.Unlock()
			if !wasCompleted {
				q.logger.Debug("queue completed")
				if cb != nil {
					cb(q)
				}
			}
			return
		}

		e := q.entries[0]
		q.entries = q.entries[1:]
		q.current = &e
		if e.Packet == nil {
			q.state = StateAwaitingResponse
			q.mu.Unlock()
			q.KeepAlive()
			return
		}
		q.state = StateSending
		cur := q.current
		q.mu.Unlock()

		if !q.transmit(ctx, cur) {
			return
		}
	}
}

// loadPendingLocked moves the next non-empty pending queue into this queue.
func (q *Queue) loadPendingLocked() bool {
	if q.pending == nil {
		return false
	}
	for {
		next, ok := q.pending.Pop()
		if !ok {
			return false
		}
		if len(next.Entries) == 0 {
			continue
		}
		q.qtype = next.Type
		for _, e := range next.Entries {
			e.Sent, e.Retries = false, 0
			q.entries = append(q.entries, e)
		}
		q.logger.Debug("pending queue loaded", "entries", len(next.Entries), "queue_type", next.Type.String())
		return true
	}
}

// transmit sends cur and settles the state. It returns true when the caller
// should continue with the next entry.
func (q *Queue) transmit(ctx context.Context, cur *Entry) bool {
	q.mu.Lock()
	dev := q.device
	if dev == nil || q.current != cur {
		q.mu.Unlock()
		return false
	}
	pkt := cur.Packet
	cur.Sent = true
	if cur.Expect != nil {
		// The response may arrive before SendPacket returns.
		q.state = StateAwaitingResponse
	}
	q.mu.Unlock()

	if pkt.IsBurst() {
		q.LongKeepAlive()
	} else {
		q.KeepAlive()
	}
	err := dev.SendPacket(ctx, pkt)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != cur || q.state == StateDisposed {
		return false
	}
	if err != nil {
		q.logger.Warn("send failed", "err", err, "retries", cur.Retries)
		q.state = StateAwaitingResponse
		q.armResendLocked(pkt)
		return false
	}
	if cur.Expect != nil {
		if pkt.NeedsAck() {
			q.armResendLocked(pkt)
		}
		return false
	}
	q.current = nil
	q.state = StateLoaded
	return true
}

func (q *Queue) armResendLocked(pkt *Packet) {
	q.stopTimerLocked()
	gen := q.timerGen
	d := q.policy.Interval
	if pkt.IsBurst() {
		d = q.policy.BurstInterval
	}
	q.timer = time.AfterFunc(d, func() { q.resend(gen) })
}

func (q *Queue) stopTimerLocked() {
	q.timerGen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// resend runs from the retry timer when no matching response arrived.
func (q *Queue) resend(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen || q.state != StateAwaitingResponse || q.current == nil || q.current.Packet == nil {
		q.mu.Unlock()
		return
	}
	q.retryLocked(q.ctx, errors.New("response timeout"))
}

// retryLocked counts a failed attempt for the current entry and either
// resends it or gives up. It releases q.mu.
func (q *Queue) retryLocked(ctx context.Context, cause error) {
	cur := q.current
	attempts := cur.Retries + 1
	if cur.Retries >= q.policy.MaxRetries {
		q.disposeLocked()
		dev := q.device
		q.device = nil
		q.mu.Unlock()
		err := fmt.Errorf("%w: %d attempts to 0x%06X: %v", ErrRetriesExhausted, attempts, q.address, cause)
		q.logger.Warn("delivery failed", "err", err)
		if dev != nil {
			dev.DeliveryFailed(q, err)
		}
		return
	}
	cur.Retries++
	q.stopTimerLocked()
	q.state = StateSending
	q.mu.Unlock()

	q.logger.Debug("resending", "retry", attempts, "cause", cause)
	if q.transmit(ctx, cur) {
		q.SendNext(ctx)
	}
}

// OnResponse offers an incoming packet from the peer to the queue. A packet
// matching the awaited message advances the queue and returns true. Any
// other packet while a sent packet awaits its response counts as a failed
// attempt.
func (q *Queue) OnResponse(ctx context.Context, p *Packet) bool {
	if p == nil {
		return false
	}
	q.mu.Lock()
	cur := q.current
	if q.state != StateAwaitingResponse || cur == nil || p.Sender != q.address {
		q.mu.Unlock()
		return false
	}
	if cur.Expect != nil && cur.Expect.Matches(p) {
		q.stopTimerLocked()
		q.current = nil
		q.state = StateLoaded
		q.mu.Unlock()
		q.KeepAlive()
		q.SendNext(ctx)
		return true
	}
	if cur.Packet == nil {
		q.mu.Unlock()
		return false
	}
	q.retryLocked(ctx, fmt.Errorf("unexpected response type 0x%02X", p.Type))
	return false
}

// Pop drops the current entry and continues with the next one.
func (q *Queue) Pop(ctx context.Context) {
	q.mu.Lock()
	if q.state == StateDisposed {
		q.mu.Unlock()
		return
	}
	q.stopTimerLocked()
	if q.current != nil {
		q.current = nil
	} else if len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
	q.state = StateLoaded
	q.mu.Unlock()
	q.KeepAlive()
	q.SendNext(ctx)
}

// PopWait pops the current entry after d, unless something else advances
// the queue first.
func (q *Queue) PopWait(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateDisposed {
		return
	}
	q.stopTimerLocked()
	gen := q.timerGen
	cur := q.current
	q.timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		stale := gen != q.timerGen || q.current != cur
		q.mu.Unlock()
		if !stale {
			q.Pop(q.ctx)
		}
	})
}

// Remaining returns what is still to be done as a pending queue, with the
// entry in flight first.
func (q *Queue) Remaining() PendingQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq := PendingQueue{Type: q.qtype}
	if q.current != nil {
		pq.Entries = append(pq.Entries, Entry{Packet: q.current.Packet, Expect: q.current.Expect})
	}
	for _, e := range q.entries {
		pq.Entries = append(pq.Entries, Entry{Packet: e.Packet, Expect: e.Expect})
	}
	return pq
}

// Dispose stops timers and releases the device. It is idempotent; entries
// stay readable through Remaining.
func (q *Queue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disposeLocked()
	q.device = nil
}

func (q *Queue) disposeLocked() {
	if q.state == StateDisposed {
		return
	}
	q.stopTimerLocked()
	q.state = StateDisposed
}
