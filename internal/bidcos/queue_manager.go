package bidcos

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// RXMode is a bit set describing when a peer listens.
type RXMode uint8

const (
	RXNone       RXMode = 0
	RXAlways     RXMode = 1
	RXBurst      RXMode = 2
	RXConfig     RXMode = 4
	RXWakeUp     RXMode = 8
	RXLazyConfig RXMode = 16
)

// Listening reports whether the peer answers without waking up first, so
// silence means it is unreachable.
func (m RXMode) Listening() bool {
	return m&(RXAlways|RXBurst) != 0
}

func (m RXMode) String() string {
	if m == RXNone {
		return "none"
	}
	names := []struct {
		bit  RXMode
		name string
	}{
		{RXAlways, "always"}, {RXBurst, "burst"}, {RXConfig, "config"},
		{RXWakeUp, "wakeup"}, {RXLazyConfig, "lazy_config"},
	}
	var s string
	for _, n := range names {
		if m&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	return s
}

// PeerModes resolves the receive mode of a peer address.
type PeerModes interface {
	RXMode(address uint32) RXMode
}

// PeerModesFunc adapts a function to PeerModes.
type PeerModesFunc func(address uint32) RXMode

func (f PeerModesFunc) RXMode(address uint32) RXMode { return f(address) }

// QueueManagerConfig tunes queue expiry.
type QueueManagerConfig struct {
	// SweepInterval is how often the worker inspects the next address.
	SweepInterval time.Duration
	// IdleTimeout is how long a queue may stay untouched.
	IdleTimeout time.Duration
	// DisposeGrace bounds how long Dispose(true) waits for the worker.
	DisposeGrace time.Duration
	Policy       RetryPolicy
}

func DefaultQueueManagerConfig() QueueManagerConfig {
	return QueueManagerConfig{
		SweepInterval: 100 * time.Millisecond,
		IdleTimeout:   1000 * time.Millisecond,
		DisposeGrace:  1500 * time.Millisecond,
		Policy:        DefaultRetryPolicy(),
	}
}

type managedQueue struct {
	queue      *Queue
	id         uint64
	lastAction *atomic.Int64
}

// QueueManager owns at most one live queue per peer address and removes
// queues that went idle.
type QueueManager struct {
	mu       sync.Mutex
	queues   map[uint32]*managedQueue
	nextID   uint64
	cursor   uint32
	running  bool
	disposed bool

	cfg           QueueManagerConfig
	modes         PeerModes
	onUnreachable func(*Queue)
	logger        *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueueManager creates a manager. modes may be nil, in which case no
// peer is ever reported unreachable.
func NewQueueManager(cfg QueueManagerConfig, modes PeerModes, logger *slog.Logger) *QueueManager {
	def := DefaultQueueManagerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.DisposeGrace <= 0 {
		cfg.DisposeGrace = def.DisposeGrace
	}
	if cfg.Policy.Interval <= 0 {
		cfg.Policy = def.Policy
	}
	return &QueueManager{
		queues: make(map[uint32]*managedQueue),
		cfg:    cfg,
		modes:  modes,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// OnUnreachable sets the callback for peers whose queue expired with work
// left. It runs on the worker goroutine without any manager lock held.
func (m *QueueManager) OnUnreachable(fn func(*Queue)) {
	m.mu.Lock()
	m.onUnreachable = fn
	m.mu.Unlock()
}

// CreateQueue installs a new queue for address, replacing any previous one.
// A replaced queue stays usable by whoever holds it but reports Orphaned.
// ctx is used for sends started by the queue's timers. Returns nil after
// Dispose.
func (m *QueueManager) CreateQueue(ctx context.Context, device Device, qtype QueueType, address uint32) *Queue {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	old := m.queues[address]
	delete(m.queues, address)

	m.nextID++
	last := &atomic.Int64{}
	q := newQueue(device, qtype, address, QueueOptions{
		ID:      m.nextID,
		Policy:  m.cfg.Policy,
		Logger:  m.logger,
		Context: ctx,
	}, last)
	m.queues[address] = &managedQueue{queue: q, id: m.nextID, lastAction: last}

	if !m.running {
		m.running = true
		m.wg.Add(1)
		go m.worker()
	}
	m.mu.Unlock()

	if old != nil {
		old.queue.orphaned.Store(true)
		m.logger.Debug("queue replaced", "addr", fmt.Sprintf("0x%06X", address), "old", old.id, "new", q.ID())
	}
	return q
}

// Get returns the live queue for address, or nil, and keeps it alive.
func (m *QueueManager) Get(address uint32) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	mq, ok := m.queues[address]
	if !ok {
		return nil
	}
	mq.queue.KeepAlive()
	return mq.queue
}

// Len returns the number of live queues.
func (m *QueueManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Dispose stops the worker and disposes every queue. Later CreateQueue and
// Get calls return nil. With wait set it blocks until the worker has exited,
// at most DisposeGrace.
func (m *QueueManager) Dispose(wait bool) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, mq := range m.queues {
		queues = append(queues, mq.queue)
	}
	m.queues = make(map[uint32]*managedQueue)
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	for _, q := range queues {
		q.Dispose()
	}
	if !wait {
		return
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.DisposeGrace):
		m.logger.Warn("queue worker did not stop in time")
	}
}

func (m *QueueManager) worker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if !m.visitNext(now) {
				return
			}
		}
	}
}

// visitNext inspects the address after the cursor. It returns false once
// the worker should exit.
func (m *QueueManager) visitNext(now time.Time) bool {
	m.mu.Lock()
	if m.disposed || len(m.queues) == 0 {
		m.running = false
		m.mu.Unlock()
		return false
	}
	addrs := make([]uint32, 0, len(m.queues))
	for a := range m.queues {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	addr := addrs[0]
	for _, a := range addrs {
		if a > m.cursor {
			addr = a
			break
		}
	}
	m.cursor = addr
	mq := m.queues[addr]
	m.mu.Unlock()

	if m.expired(mq, now) {
		m.remove(addr, mq.id, now)
	}
	return true
}

// expired reports whether a queue can be dropped. Busy queues live until
// IdleTimeout; completed or failed ones go at once. A fresh queue nothing
// was pushed to yet gets the same grace as a busy one.
func (m *QueueManager) expired(mq *managedQueue, now time.Time) bool {
	idle := now.Sub(time.UnixMilli(mq.lastAction.Load())) > m.cfg.IdleTimeout
	if idle {
		return true
	}
	switch mq.queue.State() {
	case StateCompleted, StateDisposed:
		return true
	}
	return false
}

func (m *QueueManager) remove(address uint32, id uint64, now time.Time) {
	m.mu.Lock()
	mq, ok := m.queues[address]
	if !ok || mq.id != id || m.disposed || !m.expired(mq, now) {
		m.mu.Unlock()
		return
	}
	delete(m.queues, address)
	onUnreachable := m.onUnreachable
	m.mu.Unlock()

	q := mq.queue
	pendingWork := !q.IsEmpty()
	q.Dispose()
	m.logger.Debug("queue removed", "addr", fmt.Sprintf("0x%06X", address), "queue", id, "pending_work", pendingWork)

	if !pendingWork || q.Type() == QueuePairing || m.modes == nil || onUnreachable == nil {
		return
	}
	if !m.modes.RXMode(address).Listening() {
		return
	}
	onUnreachable(q)
}
