// Package stream manages exchange WebSocket connections: the serialized send path, the
// reconnect loop, subscription buckets and the bucket pool.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit    = 8 << 20
	defaultWriteTimeout = 5 * time.Second
)

// ConnState is the lifecycle state of a managed connection.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

// Conn is one WebSocket connection with a single send path.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial opens a connection, giving up after timeout.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Conn, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(defaultReadLimit)
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout}, nil
}

// Write sends one text frame. Concurrent writers are serialized.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Read returns the next text frame; binary frames are skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// Ping sends a ping and waits for the pong. A concurrent Read must be running.
func (c *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.ws.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close performs the closing handshake with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// CloseNow tears the connection down without a handshake.
func (c *Conn) CloseNow() {
	_ = c.ws.CloseNow()
}
