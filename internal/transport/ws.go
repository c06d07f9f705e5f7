package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Codec adapts the websocket client to one platform's framing.
type Codec interface {
	// EnterFrame is the payload sent immediately after the dial succeeds
	// (auth/join packet). Nil skips the write.
	EnterFrame() ([]byte, error)
	// Heartbeat returns the keepalive payload, nil to disable keepalives.
	Heartbeat() []byte
	// HeartbeatInterval is the keepalive period when Heartbeat is enabled.
	HeartbeatInterval() time.Duration
	// Decode turns one websocket message into zero or more frames.
	Decode(data []byte) ([]Frame, error)
}

// WSOptions configure a websocket session.
type WSOptions struct {
	URL    string
	Header http.Header
	Codec  Codec
}

// WSClient is a Client over a single websocket connection. The reader
// goroutine is the only caller of the frame handlers, which preserves
// frame order for the session.
type WSClient struct {
	opts     WSOptions
	handlers Handlers

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
	wmu    sync.Mutex // serializes writes (enter frame, heartbeats)
}

// NewWSClient pairs options with the handler set of one session.
func NewWSClient(opts WSOptions, handlers Handlers) *WSClient {
	return &WSClient{opts: opts, handlers: handlers}
}

// Open dials, sends the codec's enter frame and starts the reader and
// heartbeat goroutines.
func (c *WSClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport client already closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("transport client already open")
	}
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", c.opts.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("transport client closed during dial")
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	if enter, err := c.opts.Codec.EnterFrame(); err != nil {
		c.Close()
		return fmt.Errorf("build enter frame: %w", err)
	} else if enter != nil {
		if err := c.write(conn, enter); err != nil {
			c.Close()
			return fmt.Errorf("send enter frame: %w", err)
		}
	}

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}

	// The goroutines hold their own handle: Close nils c.conn, and they
	// must keep reading the dying connection until it errors out.
	if hb := c.opts.Codec.Heartbeat(); hb != nil {
		go c.heartbeatLoop(sessionCtx, conn)
	}
	go c.readLoop(conn)

	return nil
}

func (c *WSClient) write(conn *websocket.Conn, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.Codec.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(conn, c.opts.Codec.Heartbeat()); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			// An application-initiated Close must not surface as a
			// disconnect.
			if !closed && c.handlers.OnClose != nil {
				c.handlers.OnClose(err)
			}
			return
		}

		frames, err := c.opts.Codec.Decode(data)
		if err != nil {
			// Undecodable frames are skipped; the session stays up.
			continue
		}
		if c.handlers.OnFrame != nil {
			for _, f := range frames {
				c.handlers.OnFrame(f)
			}
		}
	}
}

// Close terminates the session. After Close returns, no handler fires.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
