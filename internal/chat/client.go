package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBufferSize is the capacity of the per-connection outbound queue. A
// client that cannot drain this many pending frames is treated as dead.
const sendBufferSize = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

var (
	errClientClosed   = errors.New("chat: client closed")
	errSendBufferFull = errors.New("chat: send buffer full")
)

// Handle identifies a live connection inside the registry.
type Handle string

// Conn is the duplex transport half the hub needs. *websocket.Conn from
// gorilla satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client wraps one live connection. All writes funnel through the buffered
// send channel and a single write pump so the transport only ever sees one
// writer. The limiter is touched only by the connection's read loop.
type Client struct {
	handle  Handle
	conn    Conn
	limiter *Limiter

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn Conn, limiter *Limiter) *Client {
	return &Client{
		handle:  Handle(uuid.NewString()),
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// Handle returns the registry handle for this connection.
func (c *Client) Handle() Handle {
	return c.handle
}

// enqueue hands a pre-marshaled frame to the write pump. Delivery is
// best-effort: a closed client or a full buffer is a send failure and the
// caller decides whether to prune the connection.
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// writePump drains the send queue onto the transport. It exits on the first
// write error or when the client is shut down, closing the transport either
// way.
func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown marks the client closed. Safe to call any number of times from
// any goroutine; the read loop observes the transport close and exits.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}
