// Package hub is the central BidCoS device: it owns the radio, the message
// registry, the packet caches and the peer queues, and implements pairing,
// configuration and command delivery on top of them.
package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bidcos-go-home/internal/bidcos"
	"bidcos-go-home/internal/radio"
	"bidcos-go-home/internal/store"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrStopped     = errors.New("hub stopped")
)

// Config holds hub parameters.
type Config struct {
	// Address is the hub's own 3-byte radio address.
	Address uint32
	// ResponseDelay is the minimum gap between a packet from a peer and the
	// next packet sent to it.
	ResponseDelay   time.Duration
	PairingDuration time.Duration
	Cache           bidcos.CacheConfig
	Queues          bidcos.QueueManagerConfig
}

func (c *Config) setDefaults() {
	if c.ResponseDelay <= 0 {
		c.ResponseDelay = 90 * time.Millisecond
	}
	if c.PairingDuration <= 0 {
		c.PairingDuration = 60 * time.Second
	}
}

// PacketHook observes every packet the hub receives or sends. msg is nil
// for packets no registered message matches.
type PacketHook func(dir bidcos.Direction, msg *bidcos.Message, p *bidcos.Packet)

// messages holds the descriptors the central logic builds packets from.
type messages struct {
	pairingRequest *bidcos.Message
	ack            *bidcos.Message
	info           *bidcos.Message
	timeRequest    *bidcos.Message

	configStart    *bidcos.Message
	configWrite    *bidcos.Message
	configEnd      *bidcos.Message
	configParamReq *bidcos.Message
	ackOut         *bidcos.Message
	timeResponse   *bidcos.Message
}

// Hub is the central device.
type Hub struct {
	radio    radio.Transceiver
	codec    bidcos.Codec
	store    store.Store
	deviceDB *DeviceDB
	events   *EventBus
	registry *bidcos.Registry
	received *bidcos.PacketCache
	sent     *bidcos.PacketCache
	queues   *bidcos.QueueManager
	peers    *PeerManager
	msgs     messages
	cfg      Config
	logger   *slog.Logger

	mu           sync.Mutex
	counter      uint8
	pairingUntil time.Time
	pairingTimer *time.Timer
	pairing      map[uint32]*store.Peer

	hookMu sync.RWMutex
	hooks  []PacketHook

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a hub. Start must be called before it handles traffic.
func New(tr radio.Transceiver, st store.Store, deviceDB *DeviceDB, events *EventBus, cfg Config, logger *slog.Logger) *Hub {
	cfg.setDefaults()
	logger = logger.With("component", "hub")
	registry := bidcos.NewRegistry(logger)

	h := &Hub{
		radio:    tr,
		codec:    tr.Codec(),
		store:    st,
		deviceDB: deviceDB,
		events:   events,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		pairing:  make(map[uint32]*store.Peer),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.received = bidcos.NewPacketCache(cfg.Cache, logger.With("cache", "received"))
	h.sent = bidcos.NewPacketCache(cfg.Cache, logger.With("cache", "sent"))
	h.peers = NewPeerManager(st, registry, logger)
	h.queues = bidcos.NewQueueManager(cfg.Queues, h.peers, logger)
	h.queues.OnUnreachable(h.peerUnreachable)
	h.registerMessages()
	return h
}

// Start restores the persisted state and begins handling received frames.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	state, err := h.store.GetHubState()
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = &store.HubState{Address: h.cfg.Address}
	case err != nil:
		return fmt.Errorf("load hub state: %w", err)
	}
	if state.Address != h.cfg.Address {
		h.logger.Warn("hub address changed, paired peers will not answer",
			"stored", fmt.Sprintf("0x%06X", state.Address), "configured", fmt.Sprintf("0x%06X", h.cfg.Address))
	}
	h.mu.Lock()
	h.counter = state.MessageCounter
	h.mu.Unlock()
	if err := h.saveState(); err != nil {
		return err
	}

	if err := h.peers.Load(); err != nil {
		return err
	}
	h.radio.OnFrame(h.handleFrame)
	h.logger.Info("hub started", "addr", fmt.Sprintf("0x%06X", h.cfg.Address),
		"peers", len(h.peers.List()), "messages", h.registry.Len())
	return nil
}

// Stop disposes the queues and caches and persists the hub state. The
// transceiver is left open; its owner closes it.
func (h *Hub) Stop() {
	h.cancel()
	h.radio.OnFrame(nil)

	h.mu.Lock()
	if h.pairingTimer != nil {
		h.pairingTimer.Stop()
	}
	h.mu.Unlock()

	h.queues.Dispose(true)
	h.received.Dispose(true)
	h.sent.Dispose(true)
	if err := h.peers.Flush(); err != nil {
		h.logger.Error("flush peers", "err", err)
	}
	if err := h.saveState(); err != nil {
		h.logger.Error("save hub state", "err", err)
	}
	h.logger.Info("hub stopped")
}

func (h *Hub) saveState() error {
	h.mu.Lock()
	state := &store.HubState{Address: h.cfg.Address, MessageCounter: h.counter}
	h.mu.Unlock()
	if err := h.store.SaveHubState(state); err != nil {
		return fmt.Errorf("save hub state: %w", err)
	}
	return nil
}

// Address returns the hub's radio address.
func (h *Hub) Address() uint32 { return h.cfg.Address }

// Registry returns the message registry, e.g. to add device specific messages.
func (h *Hub) Registry() *bidcos.Registry { return h.registry }

// Peers returns copies of all known peers.
func (h *Hub) Peers() []*store.Peer { return h.peers.List() }

// Peer returns a copy of one peer, or nil.
func (h *Hub) Peer(addr uint32) *store.Peer { return h.peers.Get(addr) }

// OnPacket registers a hook called for every received and sent packet.
func (h *Hub) OnPacket(hook PacketHook) {
	h.hookMu.Lock()
	h.hooks = append(h.hooks, hook)
	h.hookMu.Unlock()
}

func (h *Hub) runHooks(dir bidcos.Direction, msg *bidcos.Message, p *bidcos.Packet) {
	h.hookMu.RLock()
	hooks := h.hooks
	h.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(dir, msg, p)
	}
}

func (h *Hub) nextCounter() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.counter
	h.counter++
	return c
}

func (h *Hub) handleFrame(frame []byte) {
	if h.ctx.Err() != nil {
		return
	}
	p, err := h.codec.Decode(frame)
	if err != nil {
		h.logger.Warn("dropping malformed frame", "frame", fmt.Sprintf("%X", frame), "err", err)
		return
	}
	h.handlePacket(h.ctx, p)
}

func (h *Hub) handlePacket(ctx context.Context, p *bidcos.Packet) {
	addr := fmt.Sprintf("0x%06X", p.Sender)
	if p.Sender == h.cfg.Address {
		return
	}
	if last, ok := h.received.Info(p.Sender); ok && bytes.Equal(last.Packet.Bytes(), p.Bytes()) {
		h.received.KeepAlive(p.Sender)
		h.logger.Debug("duplicate packet", "addr", addr, "counter", p.Counter)
		return
	}
	h.received.Record(p.Sender, p, p.Timestamp)

	if h.peers.Touch(p) {
		h.logger.Info("peer reachable again", "addr", addr)
		h.events.Emit(Event{Type: EventPeerReachable, Data: PeerEvent{Address: p.Sender}})
	}

	msg := h.registry.FindByPacket(bidcos.DirectionIn, p)
	h.events.Emit(Event{Type: EventPacketReceived, Data: packetEvent(p, msg)})
	h.runHooks(bidcos.DirectionIn, msg, p)

	if msg == nil {
		h.logger.Debug("unhandled packet", "packet", p.String())
	} else if !msg.CheckAccess(p, h.accessContext(p.Sender)) {
		h.logger.Debug("access denied", "addr", addr, "message", msg.String())
	} else {
		if msg.Handler != nil {
			if err := msg.Handler.HandlePacket(ctx, msg, p); err != nil {
				h.logger.Warn("handle packet", "addr", addr, "message", msg.Name, "err", err)
			}
		}
		if p.Destination == h.cfg.Address {
			if q := h.queues.Get(p.Sender); q != nil {
				q.OnResponse(ctx, p)
			}
		}
	}

	if h.peers.HasPending(p.Sender) && h.activeQueue(p.Sender) == nil {
		h.flushPending(p.Sender)
	}
}

func (h *Hub) accessContext(sender uint32) bidcos.AccessContext {
	h.mu.Lock()
	_, pairing := h.pairing[sender]
	pairingMode := time.Now().Before(h.pairingUntil)
	h.mu.Unlock()
	return bidcos.AccessContext{
		Self:         h.cfg.Address,
		SenderPaired: pairing || h.peers.IsPaired(sender),
		PairingMode:  pairingMode,
	}
}

func packetEvent(p *bidcos.Packet, msg *bidcos.Message) PacketEvent {
	ev := PacketEvent{
		Address:     p.Sender,
		Counter:     p.Counter,
		Control:     p.Control,
		Type:        p.Type,
		Destination: p.Destination,
		Payload:     fmt.Sprintf("%X", p.Payload),
	}
	if p.HasRSSI {
		ev.RSSI = rssiDBm(p.RSSI)
	}
	if msg != nil {
		ev.Message = msg.Name
	}
	return ev
}

// SendPacket puts p on the air. It waits until the response delay has passed
// since the last packet received from the destination.
func (h *Hub) SendPacket(ctx context.Context, p *bidcos.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if h.ctx.Err() != nil {
		return ErrStopped
	}
	// Acknowledgements must not hide the request a later response refers to.
	if p.Type != bidcos.TypeAck {
		h.sent.Record(p.Destination, p, time.Time{})
	}

	if last, ok := h.received.Info(p.Destination); ok {
		if wait := h.cfg.ResponseDelay - time.Since(last.Packet.Timestamp); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	if err := h.radio.Send(ctx, h.codec.Encode(p)); err != nil {
		return fmt.Errorf("send to 0x%06X: %w", p.Destination, err)
	}
	h.logger.Debug("packet sent", "packet", p.String())

	msg := h.registry.FindByPacket(bidcos.DirectionOut, p)
	ev := packetEvent(p, msg)
	ev.Address = p.Destination
	h.events.Emit(Event{Type: EventPacketSent, Data: ev})
	h.runHooks(bidcos.DirectionOut, msg, p)
	return nil
}

// DeliveryFailed is called by a queue that gave up on its peer. Work for
// peers that only listen after waking up is kept for the next wake-up.
func (h *Hub) DeliveryFailed(q *bidcos.Queue, err error) {
	addr := q.Address()
	qtype := q.Type()
	h.events.Emit(Event{Type: EventDeliveryFailed, Data: DeliveryEvent{
		Address:   addr,
		QueueType: qtype.String(),
		Error:     err.Error(),
	}})

	if qtype == bidcos.QueuePairing {
		h.abortPairing(addr)
		h.logger.Warn("pairing failed", "addr", fmt.Sprintf("0x%06X", addr), "err", err)
		return
	}
	if h.peers.Get(addr) == nil || h.peers.RXMode(addr).Listening() {
		return
	}
	if err := h.peers.PushPending(addr, q.Remaining()); err != nil {
		h.logger.Error("save pending queues", "addr", fmt.Sprintf("0x%06X", addr), "err", err)
	}
}

// peerUnreachable runs when a listening peer's queue expired with work left.
func (h *Hub) peerUnreachable(q *bidcos.Queue) {
	addr := q.Address()
	if err := h.peers.PushPending(addr, q.Remaining()); err != nil {
		h.logger.Error("save pending queues", "addr", fmt.Sprintf("0x%06X", addr), "err", err)
	}
	if h.peers.SetUnreachable(addr) {
		h.logger.Warn("peer unreachable", "addr", fmt.Sprintf("0x%06X", addr))
		h.events.Emit(Event{Type: EventPeerUnreachable, Data: PeerEvent{Address: addr}})
	}
}

// activeQueue returns the live queue of addr unless it already finished.
func (h *Hub) activeQueue(addr uint32) *bidcos.Queue {
	q := h.queues.Get(addr)
	if q == nil {
		return nil
	}
	switch q.State() {
	case bidcos.StateCompleted, bidcos.StateDisposed:
		return nil
	}
	return q
}

// RequestQueue creates a queue for addr that replays the peer's pending
// queues once its own entries are done.
func (h *Hub) RequestQueue(qtype bidcos.QueueType, addr uint32) *bidcos.Queue {
	q := h.queues.CreateQueue(h.ctx, h, qtype, addr)
	if q == nil {
		return nil
	}
	q.SetPending(h.peers.Pending(addr))
	q.OnEmpty(h.queueDone)
	return q
}

// Enqueue appends entries to q and starts sending when q is idle.
func (h *Hub) Enqueue(q *bidcos.Queue, entries ...bidcos.Entry) error {
	if q == nil || q.State() == bidcos.StateDisposed {
		return bidcos.ErrDisposed
	}
	q.Push(entries...)
	q.SendNext(h.ctx)
	return nil
}

func (h *Hub) queueDone(q *bidcos.Queue) {
	if err := h.peers.SavePending(q.Address()); err != nil {
		h.logger.Error("save pending queues", "addr", fmt.Sprintf("0x%06X", q.Address()), "err", err)
	}
}

func (h *Hub) flushPending(addr uint32) {
	q := h.RequestQueue(bidcos.QueueDefault, addr)
	if q == nil {
		return
	}
	h.logger.Debug("replaying pending queues", "addr", fmt.Sprintf("0x%06X", addr))
	q.SendNext(h.ctx)
	if err := h.peers.SavePending(addr); err != nil {
		h.logger.Error("save pending queues", "addr", fmt.Sprintf("0x%06X", addr), "err", err)
	}
}

// deliver sends a conversation now to a listening peer, or keeps it for the
// next time a sleeping peer wakes up.
func (h *Hub) deliver(addr uint32, qtype bidcos.QueueType, entries []bidcos.Entry) error {
	if h.ctx.Err() != nil {
		return ErrStopped
	}
	mode := h.peers.RXMode(addr)
	if !mode.Listening() {
		h.logger.Debug("queued until wake-up", "addr", fmt.Sprintf("0x%06X", addr), "queue_type", qtype.String())
		return h.peers.PushPending(addr, bidcos.PendingQueue{Type: qtype, Entries: entries})
	}
	if mode&bidcos.RXAlways == 0 {
		for i, e := range entries {
			if e.Packet != nil {
				p := e.Packet.Clone()
				p.Control |= bidcos.FlagBurst
				entries[i].Packet = p
			}
		}
	}

	if q := h.activeQueue(addr); q != nil {
		return h.queueBehind(q, bidcos.PendingQueue{Type: qtype, Entries: entries})
	}

	q := h.RequestQueue(qtype, addr)
	if q == nil {
		return ErrStopped
	}
	return h.Enqueue(q, entries...)
}

// queueBehind hands work to the running queue q, which picks it up once its
// own entries are done. q may have completed since it was looked up; it is
// restarted then.
func (h *Hub) queueBehind(q *bidcos.Queue, work bidcos.PendingQueue) error {
	addr := q.Address()
	err := h.peers.PushPending(addr, work)
	q.SetPending(h.peers.Pending(addr))
	if q.State() == bidcos.StateCompleted {
		q.SendNext(h.ctx)
	}
	return err
}
