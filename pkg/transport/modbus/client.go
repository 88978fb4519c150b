// Package modbus implements the Modbus/TCP transport (spec.md §4.2): one
// connection to one counter device, built on top of the real
// github.com/aldas/go-modbus-client wire implementation. It owns the
// connect/cooldown/reconnect state machine described in the spec; the
// on-wire PDU encoding is delegated to the library.
package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	modbusclient "github.com/aldas/go-modbus-client"
	"github.com/aldas/go-modbus-client/packet"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
)

// connState is the transport's connection lifecycle (spec.md §4.2).
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

const defaultCooldown = 5 * time.Second

// wireClient is the subset of *modbusclient.Client the transport drives;
// narrowed to an interface so tests can substitute a fake without a real
// socket.
type wireClient interface {
	Connect(ctx context.Context, addr string) error
	Do(ctx context.Context, req packet.Request) (packet.Response, error)
	Close() error
}

// DialFunc builds an unconnected wire client from cfg; Client then calls
// its Connect with the device address. The default uses the real library;
// tests inject a fake.
type DialFunc func(cfg modbusclient.ClientConfig) wireClient

func defaultDial(cfg modbusclient.ClientConfig) wireClient {
	return modbusclient.NewTCPClientWithConfig(cfg)
}

// ReadResult is the outcome of one ReadRegisters call (spec.md §4.2).
type ReadResult struct {
	OK       bool
	Words    []uint16
	Duration time.Duration
	Err      error
}

// Client holds one connection to one Modbus/TCP counter device.
type Client struct {
	cfg    v1.DeviceConfig
	logger log.Logger
	dial   DialFunc

	mu             sync.Mutex
	state          connState
	wire           wireClient
	lastAttemptAt  time.Time
	cooldown       time.Duration
}

// New builds a Client for cfg. cfg.Kind must be DeviceKindCounterModbusTCP.
func New(cfg v1.DeviceConfig, logger log.Logger, dial DialFunc) *Client {
	if logger == nil {
		logger = log.Default
	}
	if dial == nil {
		dial = defaultDial
	}
	return &Client{cfg: cfg, logger: logger, dial: dial, cooldown: defaultCooldown}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Connect implements the cooldown rule from spec.md §4.2: repeated calls
// within the cooldown window return the cached state without touching the
// socket.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) bool {
	if c.state == stateConnected {
		return true
	}
	if !c.lastAttemptAt.IsZero() && time.Since(c.lastAttemptAt) < c.cooldown {
		return false
	}

	c.state = stateConnecting
	c.lastAttemptAt = time.Now()

	wire := c.dial(modbusclient.ClientConfig{
		ReadTimeout:  c.cfg.ReadTimeout.Duration,
		WriteTimeout: c.cfg.ConnectTimeout.Duration,
	})

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout.Duration)
	defer cancel()
	if err := wire.Connect(cctx, c.addr()); err != nil {
		c.logger.Warnw("modbus connect failed", "device_id", c.cfg.DeviceID, "error", err)
		c.state = stateDisconnected
		return false
	}

	c.wire = wire
	c.state = stateConnected
	return true
}

// Test pings the connection without performing a data read.
func (c *Client) Test(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected || c.connectLocked(ctx)
}

// ReadRegisters implements spec.md §4.2's read protocol: connect if needed,
// read, and on failure disconnect/delay/reconnect up to MaxRetries times,
// each attempt bounded by ReadTimeout.
func (c *Client) ReadRegisters(ctx context.Context, start uint16, count v1.RegisterWidth) ReadResult {
	begin := time.Now()
	maxAttempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ReadResult{Err: v1.ErrCancelled, Duration: time.Since(begin)}
		}

		c.mu.Lock()
		connected := c.state == stateConnected || c.connectLocked(ctx)
		c.mu.Unlock()
		if !connected {
			lastErr = fmt.Errorf("connect: %w", v1.ErrTransportConnectFailed)
			if !c.sleepRetryDelay(ctx) {
				return ReadResult{Err: v1.ErrCancelled, Duration: time.Since(begin)}
			}
			continue
		}

		words, err := c.doRead(ctx, start, count)
		if err == nil {
			return ReadResult{OK: true, Words: words, Duration: time.Since(begin)}
		}

		lastErr = err
		c.disconnect()
		if attempt < maxAttempts-1 {
			if !c.sleepRetryDelay(ctx) {
				return ReadResult{Err: v1.ErrCancelled, Duration: time.Since(begin)}
			}
		}
	}

	return ReadResult{Err: fmt.Errorf("%w: %v", v1.ErrTransportReadFailed, lastErr), Duration: time.Since(begin)}
}

func (c *Client) doRead(ctx context.Context, start uint16, count v1.RegisterWidth) ([]uint16, error) {
	c.mu.Lock()
	wire := c.wire
	c.mu.Unlock()
	if wire == nil {
		return nil, v1.ErrTransportConnectFailed
	}

	req, err := packet.NewReadHoldingRegistersRequestTCP(c.cfg.UnitID, start, uint16(count))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v1.ErrDecodeFailed, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout.Duration)
	defer cancel()

	resp, err := wire.Do(cctx, req)
	if err != nil {
		if cctx.Err() != nil {
			return nil, v1.ErrTransportReadTimeout
		}
		return nil, fmt.Errorf("%w: %v", v1.ErrTransportReadFailed, err)
	}

	words, err := packet.AsRegisters(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v1.ErrDecodeFailed, err)
	}
	return words, nil
}

func (c *Client) sleepRetryDelay(ctx context.Context) bool {
	if c.cfg.RetryDelay.Duration <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.cfg.RetryDelay.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Disconnect tears down the underlying connection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.wire != nil {
		_ = c.wire.Close()
		c.wire = nil
	}
	c.state = stateDisconnected
}

// IsConnected reports the cached connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}
