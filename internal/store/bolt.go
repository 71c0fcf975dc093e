package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPeers   = []byte("peers")
	bucketPending = []byte("pending")
	bucketHub     = []byte("hub")
	keyHubState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPeers, bucketPending, bucketHub} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func peerKey(addr uint32) []byte {
	return []byte(fmt.Sprintf("%06X", addr))
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func (s *BoltStore) SavePeer(peer *Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPeers)
		if err != nil {
			return err
		}
		data, err := json.Marshal(peer)
		if err != nil {
			return err
		}
		return b.Put(peerKey(peer.Address), data)
	})
}

func (s *BoltStore) GetPeer(addr uint32) (*Peer, error) {
	var peer Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPeers)
		if err != nil {
			return err
		}
		data := b.Get(peerKey(addr))
		if data == nil {
			return fmt.Errorf("peer 0x%06X: %w", addr, ErrNotFound)
		}
		return json.Unmarshal(data, &peer)
	})
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

// DeletePeer removes the peer and its pending queues.
func (s *BoltStore) DeletePeer(addr uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPeers, bucketPending} {
			b, err := bucket(tx, name)
			if err != nil {
				return err
			}
			if err := b.Delete(peerKey(addr)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListPeers() ([]*Peer, error) {
	var peers []*Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return nil
		}
		peers = make([]*Peer, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var peer Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return fmt.Errorf("peer %s: %w", k, err)
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) UpdatePeer(addr uint32, fn func(peer *Peer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPeers)
		if err != nil {
			return err
		}
		key := peerKey(addr)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("peer 0x%06X: %w", addr, ErrNotFound)
		}
		var peer Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			return err
		}
		if err := fn(&peer); err != nil {
			return err
		}
		peer.Address = addr
		out, err := json.Marshal(&peer)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) SavePendingQueues(addr uint32, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPending)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return b.Delete(peerKey(addr))
		}
		return b.Put(peerKey(addr), data)
	})
}

func (s *BoltStore) LoadPendingQueues(addr uint32) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPending)
		if err != nil {
			return err
		}
		data := b.Get(peerKey(addr))
		if data == nil {
			return fmt.Errorf("pending queues 0x%06X: %w", addr, ErrNotFound)
		}
		// Bolt values are only valid inside the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveHubState(state *HubState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketHub)
		if err != nil {
			return err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyHubState, data)
	})
}

func (s *BoltStore) GetHubState() (*HubState, error) {
	var state HubState
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketHub)
		if err != nil {
			return err
		}
		data := b.Get(keyHubState)
		if data == nil {
			return fmt.Errorf("hub state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
