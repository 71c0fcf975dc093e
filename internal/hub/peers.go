package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"bidcos-go-home/internal/bidcos"
	"bidcos-go-home/internal/store"
)

// PeerManager is the in-memory view of paired peers and their pending
// queues, written through to the store.
type PeerManager struct {
	mu       sync.RWMutex
	peers    map[uint32]*store.Peer
	pending  map[uint32]*bidcos.PendingQueues
	store    store.Store
	registry *bidcos.Registry
	logger   *slog.Logger
}

// NewPeerManager creates an empty manager. Pending queue snapshots are
// resolved against registry.
func NewPeerManager(st store.Store, registry *bidcos.Registry, logger *slog.Logger) *PeerManager {
	return &PeerManager{
		peers:    make(map[uint32]*store.Peer),
		pending:  make(map[uint32]*bidcos.PendingQueues),
		store:    st,
		registry: registry,
		logger:   logger.With("component", "peers"),
	}
}

// Load reads all peers and their pending queues from the store. A pending
// snapshot that can no longer be decoded is logged and discarded.
func (pm *PeerManager) Load() error {
	list, err := pm.store.ListPeers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range list {
		pm.peers[p.Address] = p

		data, err := pm.store.LoadPendingQueues(p.Address)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load pending queues: %w", err)
		}
		pq, err := bidcos.RestorePendingQueues(data, pm.registry)
		if err != nil {
			pm.logger.Warn("discarding pending queues", "addr", fmt.Sprintf("0x%06X", p.Address), "err", err)
			if err := pm.store.SavePendingQueues(p.Address, nil); err != nil {
				pm.logger.Error("clear pending queues", "addr", fmt.Sprintf("0x%06X", p.Address), "err", err)
			}
			continue
		}
		pm.pending[p.Address] = pq
	}
	pm.logger.Info("peers loaded", "count", len(pm.peers), "with_pending", len(pm.pending))
	return nil
}

// Get returns a copy of the peer, or nil.
func (pm *PeerManager) Get(addr uint32) *store.Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[addr]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// List returns copies of all peers.
func (pm *PeerManager) List() []*store.Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*store.Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (pm *PeerManager) IsPaired(addr uint32) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[addr]
	return ok && p.Paired
}

// RXMode returns the receive mode of a known peer and RXNone otherwise.
func (pm *PeerManager) RXMode(addr uint32) bidcos.RXMode {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if p, ok := pm.peers[addr]; ok {
		return bidcos.RXMode(p.RXMode)
	}
	return bidcos.RXNone
}

// Add stores a new or replaced peer.
func (pm *PeerManager) Add(peer *store.Peer) error {
	cp := *peer
	if err := pm.store.SavePeer(&cp); err != nil {
		return fmt.Errorf("save peer: %w", err)
	}
	pm.mu.Lock()
	pm.peers[cp.Address] = &cp
	pm.mu.Unlock()
	return nil
}

// Remove deletes the peer together with its pending queues.
func (pm *PeerManager) Remove(addr uint32) error {
	pm.mu.Lock()
	delete(pm.peers, addr)
	delete(pm.pending, addr)
	pm.mu.Unlock()
	if err := pm.store.DeletePeer(addr); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return nil
}

// Touch records a packet from a known peer. It reports whether the peer was
// marked unreachable before; only that transition is written to the store.
func (pm *PeerManager) Touch(p *bidcos.Packet) (wasUnreachable bool) {
	pm.mu.Lock()
	peer, ok := pm.peers[p.Sender]
	if !ok {
		pm.mu.Unlock()
		return false
	}
	peer.LastSeen = p.Timestamp
	peer.MessageCounter = p.Counter
	if p.HasRSSI {
		peer.RSSI = rssiDBm(p.RSSI)
	}
	wasUnreachable = peer.Unreachable
	peer.Unreachable = false
	cp := *peer
	pm.mu.Unlock()

	if wasUnreachable {
		if err := pm.store.SavePeer(&cp); err != nil {
			pm.logger.Error("save peer", "addr", fmt.Sprintf("0x%06X", p.Sender), "err", err)
		}
	}
	return wasUnreachable
}

// SetUnreachable marks a peer unreachable and reports whether that changed
// anything.
func (pm *PeerManager) SetUnreachable(addr uint32) bool {
	pm.mu.Lock()
	peer, ok := pm.peers[addr]
	if !ok || peer.Unreachable {
		pm.mu.Unlock()
		return false
	}
	peer.Unreachable = true
	cp := *peer
	pm.mu.Unlock()

	if err := pm.store.SavePeer(&cp); err != nil {
		pm.logger.Error("save peer", "addr", fmt.Sprintf("0x%06X", addr), "err", err)
	}
	return true
}

func configKey(channel, list uint8) string {
	return fmt.Sprintf("%d/%d", channel, list)
}

// UpdateConfig merges parameter values read from the peer.
func (pm *PeerManager) UpdateConfig(addr uint32, channel, list uint8, values map[uint8]uint8) error {
	pm.mu.Lock()
	peer, ok := pm.peers[addr]
	if !ok {
		pm.mu.Unlock()
		return fmt.Errorf("peer 0x%06X: %w", addr, store.ErrNotFound)
	}
	if peer.Config == nil {
		peer.Config = make(map[string]map[uint8]uint8)
	}
	key := configKey(channel, list)
	if peer.Config[key] == nil {
		peer.Config[key] = make(map[uint8]uint8)
	}
	for k, v := range values {
		peer.Config[key][k] = v
	}
	merged := make(map[uint8]uint8, len(peer.Config[key]))
	for k, v := range peer.Config[key] {
		merged[k] = v
	}
	pm.mu.Unlock()

	return pm.store.UpdatePeer(addr, func(p *store.Peer) error {
		if p.Config == nil {
			p.Config = make(map[string]map[uint8]uint8)
		}
		p.Config[key] = merged
		return nil
	})
}

// Pending returns the pending queues of addr, creating an empty list.
func (pm *PeerManager) Pending(addr uint32) *bidcos.PendingQueues {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pq, ok := pm.pending[addr]
	if !ok {
		pq = bidcos.NewPendingQueues()
		pm.pending[addr] = pq
	}
	return pq
}

// HasPending reports whether conversations are waiting for addr.
func (pm *PeerManager) HasPending(addr uint32) bool {
	pm.mu.RLock()
	pq, ok := pm.pending[addr]
	pm.mu.RUnlock()
	return ok && pq.Len() > 0
}

// PushPending appends a conversation and persists the list.
func (pm *PeerManager) PushPending(addr uint32, q bidcos.PendingQueue) error {
	if len(q.Entries) == 0 {
		return nil
	}
	pm.Pending(addr).Push(q)
	return pm.SavePending(addr)
}

// SavePending writes the current pending queues of addr to the store.
// Unknown peers keep their queues in memory only.
func (pm *PeerManager) SavePending(addr uint32) error {
	pm.mu.RLock()
	_, known := pm.peers[addr]
	pq := pm.pending[addr]
	pm.mu.RUnlock()
	if !known {
		return nil
	}
	if pq == nil || pq.Len() == 0 {
		return pm.store.SavePendingQueues(addr, nil)
	}
	data, err := pq.Snapshot()
	if err != nil {
		return err
	}
	return pm.store.SavePendingQueues(addr, data)
}

// Flush writes last-seen data of every peer to the store.
func (pm *PeerManager) Flush() error {
	var errs []error
	for _, p := range pm.List() {
		err := pm.store.UpdatePeer(p.Address, func(sp *store.Peer) error {
			sp.LastSeen = p.LastSeen
			sp.MessageCounter = p.MessageCounter
			sp.RSSI = p.RSSI
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("peer 0x%06X: %w", p.Address, err))
		}
	}
	return errors.Join(errs...)
}

// rssiDBm converts the raw receiver byte to dBm.
func rssiDBm(raw uint8) int {
	if raw >= 128 {
		return (int(raw)-256)/2 - 74
	}
	return int(raw)/2 - 74
}
