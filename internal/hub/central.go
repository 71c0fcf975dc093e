package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bidcos-go-home/internal/bidcos"
	"bidcos-go-home/internal/store"
)

var errPairingRejected = errors.New("peer rejected config end")

// epoch2000 is 2000-01-01T00:00:00Z, the zero point of device clocks.
const epoch2000 = 946684800

// maxPairsPerFrame is how many index/value pairs one config write carries.
const maxPairsPerFrame = 8

// List 0 indexes written when pairing.
const (
	indexPairing     = 0x02
	indexCentralHigh = 0x0A
	indexCentralMid  = 0x0B
	indexCentralLow  = 0x0C
)

func (h *Hub) registerMessages() {
	paired := bidcos.AccessPairedToSender | bidcos.AccessDestIsMe
	in := func(name string, typ byte, access bidcos.Access, fn bidcos.HandlerFunc) *bidcos.Message {
		return h.registry.Register(bidcos.Message{
			Name: name, Direction: bidcos.DirectionIn, Type: typ, Access: access, Handler: fn,
		})
	}
	out := func(name string, typ, control byte, subtypes ...bidcos.Subtype) *bidcos.Message {
		return h.registry.Register(bidcos.Message{
			Name: name, Direction: bidcos.DirectionOut, Type: typ, Control: control, Subtypes: subtypes,
		})
	}

	h.msgs.pairingRequest = in("pairing_request", bidcos.TypeDeviceInfo, bidcos.AccessPairingOnly, h.handlePairingRequest)
	h.msgs.ack = in("ack", bidcos.TypeAck, paired, h.handleAck)
	h.msgs.info = in("info", bidcos.TypeInfo, paired, h.handleInfo)
	h.msgs.timeRequest = in("time_request", bidcos.TypeTimeRequest, paired, h.handleTimeRequest)

	h.msgs.configStart = out("config_start", bidcos.TypeConfig, bidcos.DefaultControl,
		bidcos.Subtype{Offset: 1, Value: bidcos.ConfigStart})
	h.msgs.configWrite = out("config_write_index", bidcos.TypeConfig, bidcos.DefaultControl,
		bidcos.Subtype{Offset: 1, Value: bidcos.ConfigWriteIndexPairs})
	h.msgs.configEnd = out("config_end", bidcos.TypeConfig, bidcos.DefaultControl,
		bidcos.Subtype{Offset: 1, Value: bidcos.ConfigEnd})
	h.msgs.configParamReq = out("config_param_request", bidcos.TypeConfig, bidcos.DefaultControl,
		bidcos.Subtype{Offset: 1, Value: bidcos.ConfigParamReq})
	h.msgs.ackOut = out("ack", bidcos.TypeAck, bidcos.FlagRepeatEnable,
		bidcos.Subtype{Offset: 0, Value: bidcos.AckOK})
	h.msgs.timeResponse = out("time_response", bidcos.TypeTimeRequest, bidcos.FlagRepeatEnable)
}

// SetPairingMode turns pairing mode on for d, or the configured duration
// when d is zero, or off.
func (h *Hub) SetPairingMode(on bool, d time.Duration) {
	if d <= 0 {
		d = h.cfg.PairingDuration
	}
	h.mu.Lock()
	if h.pairingTimer != nil {
		h.pairingTimer.Stop()
		h.pairingTimer = nil
	}
	if on {
		h.pairingUntil = time.Now().Add(d)
		h.pairingTimer = time.AfterFunc(d, func() { h.SetPairingMode(false, 0) })
	} else {
		h.pairingUntil = time.Time{}
		d = 0
	}
	h.mu.Unlock()

	h.logger.Info("pairing mode", "enabled", on, "duration", d)
	h.events.Emit(Event{Type: EventPairingMode, Data: PairingModeEvent{Enabled: on, Duration: int(d.Seconds())}})
}

// PairingMode reports whether pairing mode is on.
func (h *Hub) PairingMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().Before(h.pairingUntil)
}

func (h *Hub) configStart(addr uint32, channel, list uint8) bidcos.Entry {
	return bidcos.Entry{
		Packet: h.msgs.configStart.Packet(h.nextCounter(), h.cfg.Address, addr,
			[]byte{channel, bidcos.ConfigStart, 0, 0, 0, 0, list}),
		Expect: h.msgs.ack,
	}
}

// configWrites splits values into config write frames, sorted by index.
func (h *Hub) configWrites(addr uint32, channel uint8, values map[uint8]uint8) []bidcos.Entry {
	indexes := make([]uint8, 0, len(values))
	for idx := range values {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	var entries []bidcos.Entry
	for start := 0; start < len(indexes); start += maxPairsPerFrame {
		end := min(start+maxPairsPerFrame, len(indexes))
		payload := []byte{channel, bidcos.ConfigWriteIndexPairs}
		for _, idx := range indexes[start:end] {
			payload = append(payload, idx, values[idx])
		}
		entries = append(entries, bidcos.Entry{
			Packet: h.msgs.configWrite.Packet(h.nextCounter(), h.cfg.Address, addr, payload),
			Expect: h.msgs.ack,
		})
	}
	return entries
}

func (h *Hub) configEnd(addr uint32, channel uint8) bidcos.Entry {
	return bidcos.Entry{
		Packet: h.msgs.configEnd.Packet(h.nextCounter(), h.cfg.Address, addr, []byte{channel, bidcos.ConfigEnd}),
		Expect: h.msgs.ack,
	}
}

func (h *Hub) paramRequest(addr uint32, channel, list uint8) bidcos.Entry {
	return bidcos.Entry{
		Packet: h.msgs.configParamReq.Packet(h.nextCounter(), h.cfg.Address, addr,
			[]byte{channel, bidcos.ConfigParamReq, 0, 0, 0, 0, list}),
		Expect: h.msgs.info,
	}
}

// centralEntries writes central into list 0 of a peer: the hub's address
// when pairing, zero when unpairing.
func (h *Hub) centralEntries(addr, central uint32) []bidcos.Entry {
	var enabled uint8
	if central != 0 {
		enabled = 1
	}
	entries := []bidcos.Entry{h.configStart(addr, 0, 0)}
	entries = append(entries, h.configWrites(addr, 0, map[uint8]uint8{
		indexPairing:     enabled,
		indexCentralHigh: uint8(central >> 16),
		indexCentralMid:  uint8(central >> 8),
		indexCentralLow:  uint8(central),
	})...)
	return append(entries, h.configEnd(addr, 0))
}

func (h *Hub) handlePairingRequest(ctx context.Context, _ *bidcos.Message, p *bidcos.Packet) error {
	if len(p.Payload) < 13 {
		return fmt.Errorf("pairing request too short: %d bytes", len(p.Payload))
	}
	addr := fmt.Sprintf("0x%06X", p.Sender)
	deviceType := binary.BigEndian.Uint16(p.Payload[1:3])
	serial := strings.TrimRight(string(p.Payload[3:13]), "\x00 ")

	def := h.deviceDB.Lookup(deviceType)
	if def == nil {
		h.logger.Warn("pairing request from unknown device type", "addr", addr,
			"device_type", fmt.Sprintf("0x%04X", deviceType), "serial", serial)
		return nil
	}
	if q := h.activeQueue(p.Sender); q != nil && q.Type() == bidcos.QueuePairing {
		h.logger.Debug("pairing already in progress", "addr", addr)
		return nil
	}
	mode, err := def.RXMode()
	if err != nil {
		return err
	}

	candidate := &store.Peer{
		Address:    p.Sender,
		Serial:     serial,
		DeviceType: deviceType,
		Firmware:   p.Payload[0],
		Name:       def.Name,
		RXMode:     uint8(mode),
		Paired:     true,
	}
	h.mu.Lock()
	h.pairing[p.Sender] = candidate
	h.mu.Unlock()
	h.logger.Info("pairing device", "addr", addr, "serial", serial, "name", def.Name, "rx_mode", mode.String())

	q := h.queues.CreateQueue(h.ctx, h, bidcos.QueuePairing, p.Sender)
	if q == nil {
		return ErrStopped
	}
	pending := h.peers.Pending(p.Sender)
	for _, cl := range def.ConfigLists {
		pending.Push(bidcos.PendingQueue{
			Type:    bidcos.QueueConfigRead,
			Entries: []bidcos.Entry{h.paramRequest(p.Sender, cl.Channel, cl.List)},
		})
	}
	q.SetPending(pending)
	q.OnEmpty(h.queueDone)
	q.Push(h.centralEntries(p.Sender, h.cfg.Address)...)
	q.SendNext(ctx)
	return nil
}

func (h *Hub) handleAck(_ context.Context, _ *bidcos.Message, p *bidcos.Packet) error {
	addr := fmt.Sprintf("0x%06X", p.Sender)
	sent := h.sent.Get(p.Sender)
	if len(p.Payload) > 0 && p.Payload[0]&bidcos.AckNACK != 0 {
		h.logger.Warn("peer rejected packet", "addr", addr, "status", fmt.Sprintf("0x%02X", p.Payload[0]))
		if isConfigEnd(sent) && h.abortPairing(p.Sender) {
			h.logger.Warn("pairing failed", "addr", addr, "err", errPairingRejected)
			h.events.Emit(Event{Type: EventDeliveryFailed, Data: DeliveryEvent{
				Address:   p.Sender,
				QueueType: bidcos.QueuePairing.String(),
				Error:     errPairingRejected.Error(),
			}})
		}
		return nil
	}
	if !isConfigEnd(sent) {
		return nil
	}

	if q := h.queues.Get(p.Sender); q != nil && q.Type() == bidcos.QueueUnpairing {
		return h.completeUnpair(p.Sender)
	}
	h.mu.Lock()
	candidate, ok := h.pairing[p.Sender]
	delete(h.pairing, p.Sender)
	h.mu.Unlock()
	if ok {
		return h.completePairing(candidate)
	}
	return nil
}

func isConfigEnd(p *bidcos.Packet) bool {
	if p == nil || p.Type != bidcos.TypeConfig {
		return false
	}
	sub, ok := p.Subtype()
	return ok && sub == bidcos.ConfigEnd
}

// abortPairing forgets the pairing candidate addr and, unless the peer is
// already known, the config reads queued behind the pairing. It reports
// whether there was a candidate.
func (h *Hub) abortPairing(addr uint32) bool {
	h.mu.Lock()
	_, ok := h.pairing[addr]
	delete(h.pairing, addr)
	h.mu.Unlock()
	if h.peers.Get(addr) == nil {
		h.peers.Pending(addr).Clear()
	}
	return ok
}

func (h *Hub) completePairing(peer *store.Peer) error {
	now := time.Now()
	peer.PairedAt = now
	peer.LastSeen = now
	if err := h.peers.Add(peer); err != nil {
		return err
	}
	if err := h.peers.SavePending(peer.Address); err != nil {
		h.logger.Error("save pending queues", "addr", fmt.Sprintf("0x%06X", peer.Address), "err", err)
	}
	if err := h.saveState(); err != nil {
		h.logger.Error("save hub state", "err", err)
	}
	h.logger.Info("device paired", "addr", fmt.Sprintf("0x%06X", peer.Address), "serial", peer.Serial, "name", peer.Name)
	h.events.Emit(Event{Type: EventPeerPaired, Data: PeerEvent{
		Address:    peer.Address,
		Serial:     peer.Serial,
		DeviceType: peer.DeviceType,
		Name:       peer.Name,
	}})
	return nil
}

func (h *Hub) completeUnpair(addr uint32) error {
	peer := h.peers.Get(addr)
	if err := h.peers.Remove(addr); err != nil {
		return err
	}
	ev := PeerEvent{Address: addr}
	if peer != nil {
		ev.Serial, ev.DeviceType, ev.Name = peer.Serial, peer.DeviceType, peer.Name
	}
	h.logger.Info("device unpaired", "addr", fmt.Sprintf("0x%06X", addr))
	h.events.Emit(Event{Type: EventPeerUnpaired, Data: ev})
	return nil
}

func (h *Hub) handleInfo(ctx context.Context, _ *bidcos.Message, p *bidcos.Packet) error {
	if p.Control&bidcos.FlagBiDi != 0 {
		if err := h.sendOK(ctx, p); err != nil {
			return err
		}
	}
	if len(p.Payload) == 0 || p.Payload[0] != bidcos.InfoParamResponsePairs {
		return nil
	}

	req := h.sent.Get(p.Sender)
	if req == nil || req.Type != bidcos.TypeConfig || len(req.Payload) < 7 || req.Payload[1] != bidcos.ConfigParamReq {
		h.logger.Debug("config response without request", "addr", fmt.Sprintf("0x%06X", p.Sender))
		return nil
	}
	channel, list := req.Payload[0], req.Payload[6]

	values := make(map[uint8]uint8)
	for i := 1; i+1 < len(p.Payload); i += 2 {
		idx, val := p.Payload[i], p.Payload[i+1]
		if idx == 0 && val == 0 {
			break
		}
		values[idx] = val
	}
	if len(values) == 0 {
		return nil
	}
	if err := h.peers.UpdateConfig(p.Sender, channel, list, values); err != nil {
		return err
	}
	h.events.Emit(Event{Type: EventConfigRead, Data: ConfigEvent{
		Address: p.Sender,
		Channel: channel,
		List:    list,
		Values:  values,
	}})
	return nil
}

func (h *Hub) handleTimeRequest(ctx context.Context, _ *bidcos.Message, p *bidcos.Packet) error {
	now := time.Now()
	_, offset := now.Zone()
	payload := make([]byte, 6)
	payload[0] = 0x02
	payload[1] = byte(int8(offset / 1800))
	binary.BigEndian.PutUint32(payload[2:], uint32(now.Unix()-epoch2000))
	return h.SendPacket(ctx, h.msgs.timeResponse.Packet(p.Counter, h.cfg.Address, p.Sender, payload))
}

func (h *Hub) sendOK(ctx context.Context, p *bidcos.Packet) error {
	return h.SendPacket(ctx, h.msgs.ackOut.Packet(p.Counter, h.cfg.Address, p.Sender, []byte{bidcos.AckOK}))
}

func (h *Hub) requirePeer(addr uint32) error {
	if h.peers.Get(addr) == nil {
		return fmt.Errorf("peer 0x%06X: %w", addr, ErrUnknownPeer)
	}
	return nil
}

// Unpair resets the central address of a peer. The peer is deleted once it
// acknowledged the change.
func (h *Hub) Unpair(addr uint32) error {
	if err := h.requirePeer(addr); err != nil {
		return err
	}
	return h.deliver(addr, bidcos.QueueUnpairing, h.centralEntries(addr, 0))
}

// WriteConfig writes parameter values into a list of a peer.
func (h *Hub) WriteConfig(addr uint32, channel, list uint8, values map[uint8]uint8) error {
	if err := h.requirePeer(addr); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	entries := []bidcos.Entry{h.configStart(addr, channel, list)}
	entries = append(entries, h.configWrites(addr, channel, values)...)
	entries = append(entries, h.configEnd(addr, channel))
	return h.deliver(addr, bidcos.QueueConfigWrite, entries)
}

// ReadConfig requests a parameter list; the values arrive as config_read.
func (h *Hub) ReadConfig(addr uint32, channel, list uint8) error {
	if err := h.requirePeer(addr); err != nil {
		return err
	}
	return h.deliver(addr, bidcos.QueueConfigRead, []bidcos.Entry{h.paramRequest(addr, channel, list)})
}

// SendCommand sends a packet of any type to a peer and waits for its ACK.
func (h *Hub) SendCommand(addr uint32, msgType uint8, payload []byte) error {
	if err := h.requirePeer(addr); err != nil {
		return err
	}
	p := bidcos.NewPacket(h.nextCounter(), bidcos.DefaultControl, msgType, h.cfg.Address, addr, payload)
	if err := p.Validate(); err != nil {
		return err
	}
	return h.deliver(addr, bidcos.QueuePeerCommand, []bidcos.Entry{{Packet: p, Expect: h.msgs.ack}})
}
