package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/driftsync/driftsync/internal/syncer"
)

// Client consumes a monitor event feed over WebSocket.
type Client struct {
	conn   *websocket.Conn
	events chan syncer.Event
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Dial connects to a monitor server at addr (host:port), performs the
// protocol handshake and starts decoding events. A nil logger falls
// back to stderr.
func Dial(ctx context.Context, addr string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}

	url := fmt.Sprintf("ws://%s/ws?protocol=%s", addr, Protocol)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial monitor at %s: %w", addr, err)
	}

	// First frame must be the hello carrying the server protocol.
	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	var hello Message
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != MessageTypeHello {
		_ = conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("unexpected handshake frame from %s", addr)
	}
	if !semver.IsValid(hello.Protocol) || semver.Major(hello.Protocol) != semver.Major(Protocol) {
		_ = conn.Close(websocket.StatusProtocolError, "incompatible protocol")
		return nil, fmt.Errorf("incompatible monitor protocol %s (client %s)", hello.Protocol, Protocol)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan syncer.Event, 100),
		logger: logger,
		ctx:    cctx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Events returns the decoded event stream. The channel closes when the
// connection drops or the client is closed.
func (c *Client) Events() <-chan syncer.Event {
	return c.events
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.wg.Wait()
	})
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("failed to decode monitor frame: %v", err)
			continue
		}
		if msg.Type != MessageTypeEvent || msg.Event == nil {
			continue
		}

		select {
		case c.events <- *msg.Event:
		case <-c.ctx.Done():
			return
		}
	}
}
