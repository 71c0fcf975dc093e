package bidcos

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CacheEntry is a copy of the last packet seen for an address.
type CacheEntry struct {
	Address uint32
	Packet  *Packet
	// ID changes every time a new packet replaces the entry.
	ID      uint64
	Updated time.Time
}

// CacheConfig tunes packet cache expiry.
type CacheConfig struct {
	// Grace is how long an entry survives without Record or KeepAlive.
	Grace time.Duration
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
}

// DefaultCacheConfig matches the timing radio peers expect.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Grace:         1000 * time.Millisecond,
		SweepInterval: 100 * time.Millisecond,
	}
}

// PacketCache keeps the most recent packet per peer address and expires
// entries that were not touched for the grace period.
type PacketCache struct {
	mu      sync.Mutex
	entries map[uint32]CacheEntry
	nextID  uint64

	cfg      CacheConfig
	logger   *slog.Logger
	disposed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPacketCache creates a cache and starts its expiry sweep.
func NewPacketCache(cfg CacheConfig, logger *slog.Logger) *PacketCache {
	def := DefaultCacheConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	c := &PacketCache{
		entries: make(map[uint32]CacheEntry),
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Record replaces the entry for address with p under a fresh id. A zero
// timestamp means now.
func (c *PacketCache) Record(address uint32, p *Packet, ts time.Time) {
	if p == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	cp := p.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.nextID++
	c.entries[address] = CacheEntry{Address: address, Packet: cp, ID: c.nextID, Updated: ts}
}

// Get returns a copy of the cached packet, or nil.
func (c *PacketCache) Get(address uint32) *Packet {
	e, ok := c.Info(address)
	if !ok {
		return nil
	}
	return e.Packet
}

// Info returns a copy of the entry for address.
func (c *PacketCache) Info(address uint32) (CacheEntry, bool) {
	c.mu.Lock()
	e, ok := c.entries[address]
	c.mu.Unlock()
	if !ok {
		return CacheEntry{}, false
	}
	e.Packet = e.Packet.Clone()
	return e, true
}

// KeepAlive refreshes the entry's timestamp without changing its id.
func (c *PacketCache) KeepAlive(address uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[address]; ok && !c.disposed {
		e.Updated = time.Now()
		c.entries[address] = e
	}
}

// Delete removes the entry for address.
func (c *PacketCache) Delete(address uint32) {
	c.mu.Lock()
	delete(c.entries, address)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *PacketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dispose stops the sweep and drops all entries. Later Records are ignored.
// With wait it blocks until the sweep goroutine has exited.
func (c *PacketCache) Dispose(wait bool) {
	c.mu.Lock()
	c.disposed = true
	c.entries = make(map[uint32]CacheEntry)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	if wait {
		c.wg.Wait()
	}
}

func (c *PacketCache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

type expiryCandidate struct {
	address uint32
	id      uint64
}

// sweep removes stale entries. Candidates are collected first and each one
// is removed only if its id is unchanged and it is still stale, so an entry
// replaced or refreshed in between survives.
func (c *PacketCache) sweep(now time.Time) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	var stale []expiryCandidate
	for addr, e := range c.entries {
		if now.Sub(e.Updated) > c.cfg.Grace {
			stale = append(stale, expiryCandidate{address: addr, id: e.ID})
		}
	}
	c.mu.Unlock()

	for _, cand := range stale {
		c.mu.Lock()
		e, ok := c.entries[cand.address]
		expired := ok && !c.disposed && e.ID == cand.id && now.Sub(e.Updated) > c.cfg.Grace
		if expired {
			delete(c.entries, cand.address)
		}
		c.mu.Unlock()
		if expired {
			c.logger.Debug("packet cache entry expired", "addr", fmt.Sprintf("0x%06X", cand.address), "id", cand.id)
		}
	}
}
