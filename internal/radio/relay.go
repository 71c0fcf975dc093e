package radio

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"bidcos-go-home/internal/bidcos"
)

// RelayConfig addresses a remote radio relay.
type RelayConfig struct {
	URL      string
	Username string
	Password string
}

const (
	relayDialTimeout = 10 * time.Second
	relayReadLimit   = 1024
)

// Relay talks to a radio on another host over WebSocket. Every binary
// message is one whitened frame, with the RSSI byte appended on receive.
type Relay struct {
	cfg    RelayConfig
	header http.Header
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	handlerMu sync.RWMutex
	onFrame   func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialRelay connects to the relay and keeps the connection up until Close.
func DialRelay(ctx context.Context, cfg RelayConfig, logger *slog.Logger) (*Relay, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("relay: unsupported url scheme %q (use ws:// or wss://)", u.Scheme)
	}

	header := http.Header{}
	if cfg.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+credentials)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		header: header,
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
	}
	conn, err := r.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	r.conn = conn
	r.wg.Add(1)
	go r.run(conn)
	return r, nil
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, r.cfg.URL, &websocket.DialOptions{HTTPHeader: r.header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial %s (HTTP %d): %w", r.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay: dial %s: %w", r.cfg.URL, err)
	}
	conn.SetReadLimit(relayReadLimit)
	r.logger.Info("relay connected", "url", r.cfg.URL)
	return conn, nil
}

// Send writes one frame as a binary message.
func (r *Relay) Send(ctx context.Context, frame []byte) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

func (r *Relay) OnFrame(handler func([]byte)) {
	r.handlerMu.Lock()
	r.onFrame = handler
	r.handlerMu.Unlock()
}

func (r *Relay) Codec() bidcos.Codec { return bidcos.Whitened }

func (r *Relay) Close() error {
	if r.ctx.Err() != nil {
		return nil
	}
	r.cancel()
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	r.wg.Wait()
	return err
}

// run reads from conn and redials with backoff when the connection drops.
func (r *Relay) run(conn *websocket.Conn) {
	defer r.wg.Done()

	delay := 100 * time.Millisecond
	const maxDelay = 30 * time.Second

	for {
		r.readAll(conn)
		conn.Close(websocket.StatusGoingAway, "")

		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := r.dial(r.ctx)
			if err == nil {
				conn = next
				delay = 100 * time.Millisecond
				break
			}
			r.logger.Warn("relay reconnect failed", "err", err, "retry_in", delay)
			delay = backoff(delay, maxDelay)
		}

		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		r.conn = conn
		r.mu.Unlock()
	}
}

func (r *Relay) readAll(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		r.handlerMu.RLock()
		h := r.onFrame
		r.handlerMu.RUnlock()
		if h != nil {
			h(data)
		}
	}
}
