package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetPeer(t *testing.T) {
	s := newTestStore(t)

	peer := &Peer{
		Address:        0x1A2B3C,
		Serial:         "MEQ0123456",
		DeviceType:     0x0095,
		Firmware:       0x14,
		Name:           "HM-CC-RT-DN",
		RXMode:         4 | 8 | 2,
		Paired:         true,
		MessageCounter: 0x42,
		PairedAt:       time.Now().Truncate(time.Millisecond),
		Config:         map[string]map[uint8]uint8{"0/0": {0x0A: 0xFD, 0x0B: 0x00}},
	}
	if err := s.SavePeer(peer); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPeer(peer.Address)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != peer.Address {
		t.Errorf("address = 0x%06X, want 0x%06X", got.Address, peer.Address)
	}
	if got.Serial != peer.Serial {
		t.Errorf("serial = %q, want %q", got.Serial, peer.Serial)
	}
	if got.DeviceType != peer.DeviceType {
		t.Errorf("device type = 0x%04X, want 0x%04X", got.DeviceType, peer.DeviceType)
	}
	if got.RXMode != peer.RXMode {
		t.Errorf("rx mode = %d, want %d", got.RXMode, peer.RXMode)
	}
	if got.MessageCounter != peer.MessageCounter {
		t.Errorf("counter = %d, want %d", got.MessageCounter, peer.MessageCounter)
	}
	if !got.PairedAt.Equal(peer.PairedAt) {
		t.Errorf("paired at = %v, want %v", got.PairedAt, peer.PairedAt)
	}
	if got.Config["0/0"][0x0A] != 0xFD {
		t.Errorf("config = %v", got.Config)
	}
}

func TestGetPeerNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetPeer(0xFFFFFF)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeletePeer(t *testing.T) {
	s := newTestStore(t)

	peer := &Peer{Address: 0x000001, Paired: true}
	if err := s.SavePeer(peer); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePendingQueues(peer.Address, []byte{0xA0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePeer(peer.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPeer(peer.Address); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v", err)
	}
	if _, err := s.LoadPendingQueues(peer.Address); !errors.Is(err, ErrNotFound) {
		t.Errorf("pending after delete: err = %v", err)
	}
}

func TestListPeers(t *testing.T) {
	s := newTestStore(t)

	addrs := []uint32{0x000001, 0x000002, 0xABCDEF}
	for _, a := range addrs {
		if err := s.SavePeer(&Peer{Address: a}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(addrs) {
		t.Fatalf("list count = %d, want %d", len(list), len(addrs))
	}
	found := make(map[uint32]bool)
	for _, p := range list {
		found[p.Address] = true
	}
	for _, a := range addrs {
		if !found[a] {
			t.Errorf("peer 0x%06X not in list", a)
		}
	}
}

func TestUpdatePeer(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePeer(&Peer{Address: 0x123456, MessageCounter: 1}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdatePeer(0x123456, func(p *Peer) error {
		p.MessageCounter++
		p.Unreachable = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPeer(0x123456)
	if got.MessageCounter != 2 || !got.Unreachable {
		t.Errorf("peer = %+v", got)
	}

	sentinel := errors.New("abort")
	err = s.UpdatePeer(0x123456, func(p *Peer) error {
		p.MessageCounter = 99
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if got, _ := s.GetPeer(0x123456); got.MessageCounter != 2 {
		t.Errorf("aborted update was saved: counter %d", got.MessageCounter)
	}

	if err := s.UpdatePeer(0x654321, func(*Peer) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing peer: err = %v", err)
	}
}

func TestPendingQueues(t *testing.T) {
	s := newTestStore(t)

	data := []byte{0xA2, 0x61, 0x76, 0x01}
	if err := s.SavePendingQueues(0x1, data); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadPendingQueues(0x1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("data = % X, want % X", got, data)
	}

	if err := s.SavePendingQueues(0x1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadPendingQueues(0x1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v after clearing, want ErrNotFound", err)
	}
}

func TestSaveAndGetHubState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetHubState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: err = %v", err)
	}
	state := &HubState{Address: 0xFD0001, MessageCounter: 0x7F}
	if err := s.SaveHubState(state); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetHubState()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *state {
		t.Errorf("state = %+v, want %+v", got, state)
	}
}
