package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer full")
)

type ConnectionConfig struct {
	SendBuffer int
	WriteWait  time.Duration
	PingPeriod time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 128
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	return c
}

// Connection wraps a websocket and serializes outbound writes through a
// buffered queue drained by a single write loop.
type Connection struct {
	id     string
	ws     *websocket.Conn
	cfg    ConnectionConfig
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	// onSlowConsumer is called once if the queue overflows.
	onSlowConsumer func()
}

func NewConnection(ws *websocket.Conn, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		id:     uuid.NewString(),
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A full queue closes the connection rather than
// blocking the caller.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		if c.onSlowConsumer != nil {
			c.onSlowConsumer()
		}
		// The write loop may be stuck on the peer, so the close frame is
		// written off the caller's goroutine.
		c.shutdown(websocket.ClosePolicyViolation, "send buffer full", true)
		return ErrSlowConsumer
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close stops the write loop and closes the socket. The send queue is left
// open so concurrent Send calls never hit a closed channel.
func (c *Connection) Close(code int, reason string) {
	c.shutdown(code, reason, false)
}

func (c *Connection) shutdown(code int, reason string, async bool) {
	c.once.Do(func() {
		close(c.closed)
		if async {
			go c.closeSocket(code, reason)
			return
		}
		c.closeSocket(code, reason)
	})
}

func (c *Connection) closeSocket(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
