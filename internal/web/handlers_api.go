package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"bidcos-go-home/internal/bidcos"
	"bidcos-go-home/internal/hub"
	"bidcos-go-home/internal/store"
)

const maxBody = 1 << 20

// peerView is the API representation of a peer.
type peerView struct {
	Address     string                      `json:"address"`
	Serial      string                      `json:"serial,omitempty"`
	DeviceType  string                      `json:"device_type"`
	Name        string                      `json:"name,omitempty"`
	RXMode      string                      `json:"rx_mode"`
	Unreachable bool                        `json:"unreachable"`
	PairedAt    time.Time                   `json:"paired_at"`
	LastSeen    time.Time                   `json:"last_seen"`
	RSSI        int                         `json:"rssi,omitempty"`
	Config      map[string]map[string]uint8 `json:"config,omitempty"`
}

func newPeerView(p *store.Peer) peerView {
	v := peerView{
		Address:     fmt.Sprintf("%06X", p.Address),
		Serial:      p.Serial,
		DeviceType:  fmt.Sprintf("0x%04X", p.DeviceType),
		Name:        p.Name,
		RXMode:      bidcos.RXMode(p.RXMode).String(),
		Unreachable: p.Unreachable,
		PairedAt:    p.PairedAt,
		LastSeen:    p.LastSeen,
		RSSI:        p.RSSI,
	}
	if len(p.Config) > 0 {
		v.Config = make(map[string]map[string]uint8, len(p.Config))
		for key, list := range p.Config {
			values := make(map[string]uint8, len(list))
			for idx, val := range list {
				values[fmt.Sprintf("0x%02X", idx)] = val
			}
			v.Config[key] = values
		}
	}
	return v
}

// parseAddress parses a 24-bit hex address, with or without 0x.
func parseAddress(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 24)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint32(v), nil
}

// peerFromPath resolves {addr} and writes the error response itself.
func (s *Server) peerFromPath(w http.ResponseWriter, r *http.Request) (*store.Peer, bool) {
	addr, err := parseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	p := s.hub.Peer(addr)
	if p == nil {
		s.writeError(w, http.StatusNotFound, "peer not found")
		return nil, false
	}
	return p, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeHubResult maps hub errors to status codes. Work for a peer is queued,
// so success is 202.
func (s *Server) writeHubResult(w http.ResponseWriter, op string, addr uint32, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, hub.ErrUnknownPeer):
		s.writeError(w, http.StatusNotFound, "peer not found")
	case errors.Is(err, hub.ErrStopped), errors.Is(err, bidcos.ErrDisposed):
		s.writeError(w, http.StatusServiceUnavailable, "hub stopped")
	case errors.Is(err, bidcos.ErrPayloadTooLarge):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "addr", fmt.Sprintf("0x%06X", addr), "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPIHubInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": fmt.Sprintf("%06X", s.hub.Address()),
		"peers":   len(s.hub.Peers()),
		"pairing": s.hub.PairingMode(),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.hub.Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, newPeerView(p))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetPeer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newPeerView(p))
}

func (s *Server) handleAPIUnpair(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerFromPath(w, r)
	if !ok {
		return
	}
	s.writeHubResult(w, "unpair", p.Address, s.hub.Unpair(p.Address))
}

type sendCommandRequest struct {
	Type    uint8  `json:"type"`
	Payload string `json:"payload,omitempty"` // hex
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerFromPath(w, r)
	if !ok {
		return
	}
	var req sendCommandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload must be hex")
		return
	}
	if len(payload) > bidcos.MaxPayloadLen {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("payload limited to %d bytes", bidcos.MaxPayloadLen))
		return
	}
	s.writeHubResult(w, "send command", p.Address, s.hub.SendCommand(p.Address, req.Type, payload))
}

type configRequest struct {
	Channel uint8           `json:"channel"`
	List    uint8           `json:"list"`
	Values  map[uint8]uint8 `json:"values,omitempty"`
}

func (s *Server) handleAPIReadConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerFromPath(w, r)
	if !ok {
		return
	}
	var req configRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.writeHubResult(w, "read config", p.Address, s.hub.ReadConfig(p.Address, req.Channel, req.List))
}

func (s *Server) handleAPIWriteConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peerFromPath(w, r)
	if !ok {
		return
	}
	var req configRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Values) == 0 {
		s.writeError(w, http.StatusBadRequest, "values must not be empty")
		return
	}
	s.writeHubResult(w, "write config", p.Address, s.hub.WriteConfig(p.Address, req.Channel, req.List, req.Values))
}

type pairingRequest struct {
	Enabled  bool `json:"enabled"`
	Duration int  `json:"duration"` // seconds, 0 for the configured default
}

func (s *Server) handleAPIPairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Duration < 0 || req.Duration > 3600 {
		s.writeError(w, http.StatusBadRequest, "duration must be 0-3600 seconds")
		return
	}
	s.hub.SetPairingMode(req.Enabled, time.Duration(req.Duration)*time.Second)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pairing": s.hub.PairingMode()})
}
