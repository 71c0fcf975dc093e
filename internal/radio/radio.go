// Package radio connects the hub to BidCoS radio hardware.
// Backends: CUL/COC USB sticks over serial and remote relays over WebSocket.
package radio

import (
	"context"
	"errors"
	"time"

	"bidcos-go-home/internal/bidcos"
)

var (
	ErrClosed       = errors.New("radio: closed")
	ErrNotConnected = errors.New("radio: not connected")
)

// Transceiver puts frames on the air and delivers received ones.
type Transceiver interface {
	// Send transmits one frame already encoded with Codec.
	Send(ctx context.Context, frame []byte) error
	// OnFrame sets the handler for received frames. It is called from the
	// backend's read goroutine.
	OnFrame(handler func(frame []byte))
	// Codec is the frame encoding the backend speaks.
	Codec() bidcos.Codec
	Close() error
}

// backoff doubles d up to limit.
func backoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		d = limit
	}
	return d
}
