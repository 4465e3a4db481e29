package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gradlink-app/gradlink/pkg/protocol"
)

// errSendBufferFull is returned by trySend when the peer is too slow to
// drain its outbound buffer. The connection is closed rather than letting
// one slow client stall delivery to everyone else.
var errSendBufferFull = errors.New("send buffer full")

// conn is one live WebSocket session belonging to exactly one user. It is
// owned by the registry from register until deregister; all writes to the
// socket go through the writer goroutine draining send.
type conn struct {
	id            string
	userID        string
	name          string
	role          protocol.Role
	establishedAt time.Time

	ws   *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}

	mu          sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

func newConn(id string, ws *websocket.Conn, userID, name string, role protocol.Role, sendBuffer int) *conn {
	return &conn{
		id:            id,
		userID:        userID,
		name:          name,
		role:          role,
		establishedAt: time.Now(),
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
	}
}

// trySend queues a frame without blocking. A full buffer means the peer has
// stopped reading; the caller closes the connection in response.
func (c *conn) trySend(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// close signals the writer goroutine to shut the socket down. Safe to call
// from any goroutine, any number of times.
func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop is the single writer for the socket. It drains the send buffer,
// emits keepalive pings, and closes the socket when done, which in turn
// unblocks the read loop.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) allowFrame() bool {
	const rate = 30.0  // frames per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}
