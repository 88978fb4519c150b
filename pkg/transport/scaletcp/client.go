// Package scaletcp implements the Raw TCP transport (spec.md §4.3): one
// byte-stream connection to a scale, with a background read loop that
// publishes received chunks to subscribers and a send-and-wait-for-response
// helper built on top of that stream.
package scaletcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
)

const (
	defaultCooldown  = 5 * time.Second
	readBufferBytes  = 4096
	streamBacklog    = 64
)

// Dialer opens a byte-stream connection. The default dials net.Dial("tcp",
// addr); tests inject a fake net.Conn via this seam.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Client holds one TCP byte-stream connection to a scale.
type Client struct {
	cfg    v1.DeviceConfig
	logger log.Logger
	dial   Dialer

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	lastAttemptAt time.Time
	cooldown      time.Duration

	subMu       sync.Mutex
	subscribers map[int]chan []byte
	nextSubID   int

	statusMu        sync.Mutex
	statusListeners map[int]chan bool
	nextStatusID    int

	readLoopDone chan struct{}
}

// New builds a Client for cfg. cfg.Kind must be DeviceKindScaleTCPSerial.
func New(cfg v1.DeviceConfig, logger log.Logger, dial Dialer) *Client {
	if logger == nil {
		logger = log.Default
	}
	if dial == nil {
		dial = defaultDialer
	}
	return &Client{
		cfg:             cfg,
		logger:          logger,
		dial:            dial,
		cooldown:        defaultCooldown,
		subscribers:     make(map[int]chan []byte),
		statusListeners: make(map[int]chan bool),
	}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Connect dials the scale, honoring the same cooldown rule as the Modbus
// transport (spec.md §4.3 references §4.2's cooldown).
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true
	}
	if !c.lastAttemptAt.IsZero() && time.Since(c.lastAttemptAt) < c.cooldown {
		c.mu.Unlock()
		return false
	}
	c.lastAttemptAt = time.Now()
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout.Duration)
	defer cancel()
	conn, err := c.dial(cctx, c.addr())
	if err != nil {
		c.logger.Warnw("scale connect failed", "device_id", c.cfg.DeviceID, "error", err)
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	done := make(chan struct{})
	c.readLoopDone = done
	c.mu.Unlock()

	c.publishStatus(true)
	go c.readLoop(conn, done)
	return true
}

// readLoop continuously reads into a fixed-size buffer, publishing every
// non-empty chunk to subscribers; on error or close it flips status to
// disconnected and exits (spec.md §4.3).
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferBytes)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.publish(chunk)
		}
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.conn = nil
			c.mu.Unlock()
			c.publishStatus(false)
			return
		}
	}
}

func (c *Client) publish(chunk []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- chunk:
		default:
			// Slow subscriber: drop rather than block the read loop, in
			// line with the bus's backpressure policy (spec.md §4.11).
		}
	}
}

func (c *Client) publishStatus(connected bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	for _, ch := range c.statusListeners {
		select {
		case ch <- connected:
		default:
		}
	}
}

// Subscribe returns a channel of received byte chunks and an unsubscribe
// function.
func (c *Client) Subscribe() (<-chan []byte, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan []byte, streamBacklog)
	c.subscribers[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

// ConnectionStatusStream returns a channel of connection transitions.
func (c *Client) ConnectionStatusStream() (<-chan bool, func()) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	id := c.nextStatusID
	c.nextStatusID++
	ch := make(chan bool, 4)
	c.statusListeners[id] = ch
	return ch, func() {
		c.statusMu.Lock()
		defer c.statusMu.Unlock()
		delete(c.statusListeners, id)
	}
}

// Send writes bytes to the connection.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return v1.ErrTransportConnectFailed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", v1.ErrTransportReadFailed, err)
	}
	return nil
}

// SendAndReceive sends data then waits for the first subsequent chunk
// within responseTimeout, per spec.md §4.3.
func (c *Client) SendAndReceive(ctx context.Context, data []byte, responseTimeout time.Duration) ([]byte, error) {
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Send(ctx, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case chunk := <-ch:
		return chunk, nil
	case <-timer.C:
		return nil, v1.ErrTransportReadTimeout
	case <-ctx.Done():
		return nil, v1.ErrCancelled
	}
}

// Test reports whether the connection is currently usable.
func (c *Client) Test(ctx context.Context) bool {
	if c.IsConnected() {
		return true
	}
	return c.Connect(ctx)
}

// IsConnected reports the cached connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect tears down the connection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		c.publishStatus(false)
	}
}
