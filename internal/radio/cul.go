package radio

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"bidcos-go-home/internal/bidcos"
)

const (
	// Shortest BidCoS line: "A" plus length byte and nine header bytes.
	culMinHexLen = 20
	// CUL commands.
	culReportRSSI  = "X21"
	culEnableBidCo = "Ar"
	culSendPrefix  = "As"
	// Reported when the stick hits its duty-cycle limit.
	culOverflow = "LOVF"
)

// CUL drives a CUL or COC stick running culfw in BidCoS mode. Frames on its
// serial line are hex encoded and not whitened.
type CUL struct {
	port     io.ReadWriteCloser
	portName string
	reader   *bufio.Reader
	logger   *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onFrame   func([]byte)

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenCUL opens the stick on portName and switches it to BidCoS receive.
func OpenCUL(portName string, baudRate int, logger *slog.Logger) (*CUL, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("cul: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	c := newCUL(port, portName, logger)
	if err := c.init(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newCUL(port io.ReadWriteCloser, portName string, logger *slog.Logger) *CUL {
	c := &CUL{
		port:     port,
		portName: portName,
		reader:   bufio.NewReader(port),
		logger:   logger,
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *CUL) init() error {
	for _, cmd := range []string{culReportRSSI, culEnableBidCo} {
		if err := c.writeLine(cmd); err != nil {
			return fmt.Errorf("cul: init %s: %w", cmd, err)
		}
	}
	c.logger.Info("cul ready", "port", c.portName)
	return nil
}

func (c *CUL) writeLine(line string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.port, line+"\n"); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Send transmits a plain frame.
func (c *CUL) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := culSendPrefix + strings.ToUpper(hex.EncodeToString(frame))
	if err := c.writeLine(line); err != nil {
		return fmt.Errorf("cul send: %w", err)
	}
	c.logger.Debug("cul frame sent", "hex", line[len(culSendPrefix):])
	return nil
}

func (c *CUL) OnFrame(handler func([]byte)) {
	c.handlerMu.Lock()
	c.onFrame = handler
	c.handlerMu.Unlock()
}

func (c *CUL) Codec() bidcos.Codec { return bidcos.Plain }

func (c *CUL) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeOnce.Do(func() { close(c.done) })
	err := c.port.Close()
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

func (c *CUL) readLoop() {
	defer c.wg.Done()

	delay := 10 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				c.logger.Error("cul read error", "err", err)
			}
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			}
			delay = backoff(delay, maxDelay)
			continue
		}
		delay = 10 * time.Millisecond
		c.handleLine(strings.TrimSpace(line))
	}
}

func (c *CUL) handleLine(line string) {
	switch {
	case line == "":
		return
	case strings.HasPrefix(line, culOverflow):
		c.logger.Warn("cul duty cycle limit reached, sending is paused")
		return
	case line[0] == '*':
		return
	case line[0] != 'A':
		c.logger.Debug("cul line ignored", "line", line)
		return
	}

	hexStr := line[1:]
	if len(hexStr) < culMinHexLen {
		c.logger.Warn("cul frame too short", "line", line)
		return
	}
	if len(hexStr)%2 != 0 {
		hexStr = hexStr[:len(hexStr)-1]
	}
	frame, err := hex.DecodeString(hexStr)
	if err != nil {
		c.logger.Warn("cul frame not hex", "line", line, "err", err)
		return
	}

	c.handlerMu.RLock()
	h := c.onFrame
	c.handlerMu.RUnlock()
	if h != nil {
		h(frame)
	}
}
