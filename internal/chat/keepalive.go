package chat

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the server sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait is the per-write deadline on the socket.
	wsWriteWait = 10 * time.Second
)

// setupKeepalive arms the read side of the ping/pong cycle: an initial read
// deadline and a pong handler that extends it. The write side lives in the
// connection's writeLoop, which shares the socket's single writer.
func setupKeepalive(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}
