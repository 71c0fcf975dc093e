package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Peer operations
	SavePeer(peer *Peer) error
	GetPeer(addr uint32) (*Peer, error)
	DeletePeer(addr uint32) error
	ListPeers() ([]*Peer, error)

	// UpdatePeer atomically reads, modifies, and saves a peer in a single
	// transaction. Returns ErrNotFound if the peer does not exist.
	UpdatePeer(addr uint32, fn func(peer *Peer) error) error

	// Pending queues are opaque blobs; nil data deletes them.
	SavePendingQueues(addr uint32, data []byte) error
	LoadPendingQueues(addr uint32) ([]byte, error)

	// Hub state
	SaveHubState(state *HubState) error
	GetHubState() (*HubState, error)

	// Close the store
	Close() error
}
