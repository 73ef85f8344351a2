// Package signal is the out-of-band WebSocket signaling transport. It carries
// offers, answers and ICE candidates between the local session and the SFU
// until the data channel can take over.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	DefaultPingPeriod = 54 * time.Second
	DefaultReadLimit  = 32768
	writeWait         = 5 * time.Second
	sendBuffer        = 32
)

type Config struct {
	URL        string
	PingPeriod time.Duration
	ReadLimit  int64
	// RateLimit caps inbound messages of one type per RateInterval. Zero disables it.
	RateLimit    int
	RateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.RateInterval <= 0 {
		c.RateInterval = time.Second
	}
	return c
}

// Client is one signaling WebSocket towards the SFU.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	send    chan core.Frame
	limiter *rateLimiter
	log     zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	onSignal func(data string)
}

var _ core.SignalConnection = (*Client)(nil)

// Dial opens the WebSocket. Nothing is read or written until Run.
func Dial(ctx context.Context, cfg Config, sid core.SessionID) (*Client, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:  cfg,
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
		log:  log.With().Str("module", "signal").Str("sid", string(sid)).Logger(),
	}
	if cfg.RateLimit > 0 {
		c.limiter = newRateLimiter(cfg.RateLimit, cfg.RateInterval)
	}
	c.log.Info().Str("url", cfg.URL).Msg("new WS connection")
	return c, nil
}

// OnSignal sets the callback receiving offer, answer and candidate messages
// as raw JSON.
func (c *Client) OnSignal(f func(data string)) {
	c.mu.Lock()
	c.onSignal = f
	c.mu.Unlock()
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Run pumps messages until ctx is done or the connection fails, then closes
// the client. It returns nil when ctx is cancelled or Close was called.
func (c *Client) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.writePump(ctx)
		// Unblocks the read pump.
		c.Close()
	}()

	readErr := c.readPump(ctx)
	closed := c.isClosed()
	cancel()
	writeErr := <-done
	c.Close()

	switch {
	case writeErr != nil && !errors.Is(writeErr, ErrClosed):
		return writeErr
	case parent.Err() != nil || closed:
		return nil
	default:
		return readErr
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
