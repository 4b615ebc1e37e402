package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer is how many outbound frames a client may have queued.
const sendBuffer = 256

// ErrSendBufferFull is returned when a peer is not draining its frames.
var ErrSendBufferFull = errors.New("client send buffer full")

// Conn is the slice of *websocket.Conn the hub needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live stream attached to a room. Send only queues; a single
// writer goroutine owns the connection once Start has been called.
type Client struct {
	ID        string
	Conn      Conn
	writeWait time.Duration

	mu      sync.Mutex
	hook    func([]byte)
	out     chan []byte
	ping    time.Duration
	started bool
	closed  bool
}

func NewClient(conn Conn, writeWait time.Duration) *Client {
	return &Client{
		ID:        uuid.NewString(),
		Conn:      conn,
		writeWait: writeWait,
		out:       make(chan []byte, sendBuffer),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func([]byte)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// SetPingInterval enables keepalive pings from the writer. Call before Start.
func (c *Client) SetPingInterval(d time.Duration) {
	c.mu.Lock()
	c.ping = d
	c.mu.Unlock()
}

// Start launches the writer goroutine. Frames sent earlier stay queued until then.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed || c.Conn == nil || c.hook != nil {
		return
	}
	c.started = true
	go c.writeLoop(c.ping)
}

// Read blocks for the next inbound frame.
func (c *Client) Read() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

// Send queues one text frame verbatim. It never blocks on the network.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(data)
		return nil
	}
	if c.Conn == nil || c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Client) writeLoop(ping time.Duration) {
	var tick <-chan time.Time
	if ping > 0 {
		t := time.NewTicker(ping)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				c.finish()
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				// the read loop sees the closed stream and unregisters the client
				_ = c.Conn.Close()
				return
			}
		case <-tick:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Conn.Close()
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if c.writeWait > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.Conn.WriteMessage(messageType, data)
}

// finish sends a normal close frame and drops the stream.
func (c *Client) finish() error {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.Conn.Close()
}

// Close flushes queued frames, sends a close frame and closes the stream once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.out)
	started := c.started
	c.mu.Unlock()

	if c.Conn == nil || started {
		return nil
	}
	for data := range c.out {
		if err := c.write(websocket.TextMessage, data); err != nil {
			break
		}
	}
	return c.finish()
}
