//go:build !no_mqtt

package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bidcos-go-home/internal/hub"
	"bidcos-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Hub is the part of the hub the bridge drives.
type Hub interface {
	Peers() []*store.Peer
	Peer(addr uint32) *store.Peer
	SendCommand(addr uint32, msgType uint8, payload []byte) error
	ReadConfig(addr uint32, channel, list uint8) error
	WriteConfig(addr uint32, channel, list uint8, values map[uint8]uint8) error
	Unpair(addr uint32) error
	SetPairingMode(on bool, d time.Duration)
}

// client is the subset of pahomqtt.Client in use.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the BidCoS hub to MQTT with HA autodiscovery.
type Bridge struct {
	client client
	hub    Hub
	events *hub.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()

	// Per-peer state accumulator.
	mu     sync.Mutex
	states map[uint32]map[string]any
}

func newBridge(h Hub, events *hub.EventBus, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		hub:    h,
		events: events,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[uint32]map[string]any),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h Hub, events *hub.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(h, events, cfg.TopicPrefix, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "bidcos-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// Set before Connect: the on-connect handler publishes through it.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, p := range b.hub.Peers() {
		b.publishPeerDiscovery(p)
		b.publishAvailability(p.Address, !p.Unreachable)
	}
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event hub.Event) {
	switch event.Type {
	case hub.EventPacketReceived:
		if ev, ok := event.Data.(hub.PacketEvent); ok {
			b.handlePacket(ev)
		}
	case hub.EventPeerReachable, hub.EventPeerUnreachable:
		if ev, ok := event.Data.(hub.PeerEvent); ok {
			b.publishAvailability(ev.Address, event.Type == hub.EventPeerReachable)
		}
	case hub.EventPeerPaired:
		if ev, ok := event.Data.(hub.PeerEvent); ok {
			b.handlePaired(ev)
		}
		b.publishBridgeEvent(event)
	case hub.EventPeerUnpaired:
		if ev, ok := event.Data.(hub.PeerEvent); ok {
			b.handleUnpaired(ev)
		}
		b.publishBridgeEvent(event)
	case hub.EventConfigRead:
		if ev, ok := event.Data.(hub.ConfigEvent); ok {
			b.publish(b.peerTopic(ev.Address, "config"), mustJSON(configPayload(ev)), true)
		}
	case hub.EventDeliveryFailed, hub.EventPairingMode:
		b.publishBridgeEvent(event)
	}
}

func (b *Bridge) handlePacket(ev hub.PacketEvent) {
	b.publish(b.peerTopic(ev.Address, "packet"), mustJSON(ev), false)

	peer := b.hub.Peer(ev.Address)
	if peer == nil {
		return
	}
	props := map[string]any{
		"counter":   ev.Counter,
		"last_seen": peer.LastSeen.Format(time.RFC3339),
	}
	if ev.RSSI != 0 {
		props["rssi"] = ev.RSSI
	}
	if ev.Message != "" {
		props["message"] = ev.Message
	}
	b.updateAndPublishState(ev.Address, props)
}

func (b *Bridge) updateAndPublishState(addr uint32, props map[string]any) {
	b.mu.Lock()
	state, ok := b.states[addr]
	if !ok {
		state = make(map[string]any)
		b.states[addr] = state
	}
	for k, v := range props {
		state[k] = v
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.peerTopic(addr, "state"), payload, true)
}

func (b *Bridge) handlePaired(ev hub.PeerEvent) {
	peer := b.hub.Peer(ev.Address)
	if peer == nil {
		peer = &store.Peer{Address: ev.Address, Serial: ev.Serial, DeviceType: ev.DeviceType, Name: ev.Name}
	}
	b.publishPeerDiscovery(peer)
	b.publishAvailability(ev.Address, true)
}

func (b *Bridge) handleUnpaired(ev hub.PeerEvent) {
	for _, msg := range buildRemoveDiscovery(ev.Address) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Empty retained payloads clear the broker's copies.
	for _, suffix := range []string{"availability", "state", "config"} {
		b.publish(b.peerTopic(ev.Address, suffix), nil, true)
	}

	b.mu.Lock()
	delete(b.states, ev.Address)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishBridgeEvent(event hub.Event) {
	b.publish(b.prefix+"/bridge/event", mustJSON(event), false)
}

func (b *Bridge) publishAvailability(addr uint32, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.peerTopic(addr, "availability"), []byte(state), true)
}

func (b *Bridge) publishPeerDiscovery(p *store.Peer) {
	for _, msg := range buildDiscovery(p, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "addr", fmt.Sprintf("0x%06X", p.Address), "name", peerDisplayName(p))
}

func (b *Bridge) subscribeCommands() {
	routes := map[string]func(addr uint32, payload []byte) error{
		"send":       b.handleSend,
		"config/get": b.handleConfigGet,
		"config/set": b.handleConfigSet,
		"unpair":     func(addr uint32, _ []byte) error { return b.hub.Unpair(addr) },
	}
	for suffix, fn := range routes {
		fn := fn
		b.client.Subscribe(b.prefix+"/+/"+suffix, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handlePeerCommand(msg.Topic(), msg.Payload(), fn)
		})
	}
	b.client.Subscribe(b.prefix+"/bridge/request/pairing", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handlePairingRequest(msg.Payload())
	})
}

// handlePeerCommand resolves the peer address from the topic and runs fn.
func (b *Bridge) handlePeerCommand(topic string, payload []byte, fn func(uint32, []byte) error) {
	addr, err := b.topicAddress(topic)
	if err != nil {
		b.logger.Warn("invalid command topic", "topic", topic, "err", err)
		return
	}
	if b.hub.Peer(addr) == nil {
		b.logger.Warn("command for unknown peer", "addr", fmt.Sprintf("0x%06X", addr))
		return
	}
	if err := fn(addr, payload); err != nil {
		b.logger.Warn("command failed", "topic", topic, "err", err)
	}
}

func (b *Bridge) handleSend(addr uint32, payload []byte) error {
	msgType, data, err := parseSendCommand(payload)
	if err != nil {
		return err
	}
	return b.hub.SendCommand(addr, msgType, data)
}

type configRequest struct {
	Channel uint8            `json:"channel"`
	List    uint8            `json:"list"`
	Values  map[string]uint8 `json:"values,omitempty"`
}

func (b *Bridge) handleConfigGet(addr uint32, payload []byte) error {
	var req configRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid config request: %w", err)
		}
	}
	return b.hub.ReadConfig(addr, req.Channel, req.List)
}

func (b *Bridge) handleConfigSet(addr uint32, payload []byte) error {
	var req configRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid config request: %w", err)
	}
	values, err := parseConfigValues(req.Values)
	if err != nil {
		return err
	}
	return b.hub.WriteConfig(addr, req.Channel, req.List, values)
}

func (b *Bridge) handlePairingRequest(payload []byte) {
	var req struct {
		Enabled  bool `json:"enabled"`
		Duration int  `json:"duration"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid pairing request", "err", err)
		return
	}
	b.hub.SetPairingMode(req.Enabled, time.Duration(req.Duration)*time.Second)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) peerTopic(addr uint32, suffix string) string {
	return b.prefix + "/" + peerTopicName(addr) + "/" + suffix
}

// topicAddress extracts the peer address from "<prefix>/<ADDR>/...".
func (b *Bridge) topicAddress(topic string) (uint32, error) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return 0, fmt.Errorf("topic outside prefix %q", b.prefix)
	}
	name, _, _ := strings.Cut(rest, "/")
	return parseAddress(name)
}

// parseAddress parses a 24-bit address given as hex, with or without 0x.
func parseAddress(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 24)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint32(v), nil
}

var errMissingType = errors.New("missing message type")

// parseSendCommand decodes {"type":"0x11","payload":"0201C8"}. The type may
// also be given as a JSON number.
func parseSendCommand(data []byte) (uint8, []byte, error) {
	var cmd struct {
		Type    json.RawMessage `json:"type"`
		Payload string          `json:"payload"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return 0, nil, fmt.Errorf("invalid command JSON: %w", err)
	}
	if len(cmd.Type) == 0 {
		return 0, nil, errMissingType
	}

	raw := string(cmd.Type)
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(cmd.Type, &raw); err != nil {
			return 0, nil, fmt.Errorf("invalid message type: %w", err)
		}
	}
	msgType, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid message type %q", raw)
	}

	payload, err := hex.DecodeString(cmd.Payload)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid payload: %w", err)
	}
	return uint8(msgType), payload, nil
}

// parseConfigValues converts {"0x0A":253,"11":1} into parameter values.
func parseConfigValues(in map[string]uint8) (map[uint8]uint8, error) {
	out := make(map[uint8]uint8, len(in))
	for k, v := range in {
		idx, err := strconv.ParseUint(k, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter index %q", k)
		}
		out[uint8(idx)] = v
	}
	return out, nil
}

// configPayload renders config values with hex indexes.
func configPayload(ev hub.ConfigEvent) map[string]any {
	values := make(map[string]uint8, len(ev.Values))
	for k, v := range ev.Values {
		values[fmt.Sprintf("0x%02X", k)] = v
	}
	return map[string]any{
		"channel": ev.Channel,
		"list":    ev.List,
		"values":  values,
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
