// Package chat manages the live WebSocket sessions between students and
// alumni: the connection registry, the authenticated handshake, and the
// routing of message, read-receipt, and typing frames to the right peers.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gradlink-app/gradlink/internal/auth"
	"github.com/gradlink-app/gradlink/internal/store"
	"github.com/gradlink-app/gradlink/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router owns the chat fan-out: it gates the WebSocket handshake, keeps the
// registry in sync with transport lifecycle, and dispatches inbound frames.
type Router struct {
	store        store.Store
	authProvider auth.Provider
	registry     *Registry
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxMessageBytes int64
	sendBuffer      int
	maxConnsPerUser int
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max WebSocket frame size from clients (default 64KB)
	SendBuffer      int   // outbound frames buffered per connection (default 64)
	MaxConnsPerUser int   // simultaneous connections per user (default 10)
}

// New creates a new Router.
func New(s store.Store, ap auth.Provider, reg *Registry, logger *slog.Logger, opts Options) *Router {
	msgLimit := opts.MaxMessageBytes
	if msgLimit == 0 {
		msgLimit = 64 * 1024 // 64KB default
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer == 0 {
		sendBuffer = 64
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Router{
		store:           s,
		authProvider:    ap,
		registry:        reg,
		logger:          logger.With("component", "chat"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: msgLimit,
		sendBuffer:      sendBuffer,
		maxConnsPerUser: maxConns,
	}
}

// HandleWS handles a WebSocket connection from a browser client. The bearer
// token is verified and the identity resolved against the user directory
// before the upgrade completes; a bad credential never produces a registered
// connection.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	// Extract JWT from query param or Authorization header.
	// Security note: JWT in query parameter is required for WebSocket connections since
	// browsers cannot set custom headers during the WebSocket handshake. Ensure server
	// access logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := r.authProvider.VerifyToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := r.resolveUser(req.Context(), identity)
	if err != nil {
		r.logger.Warn("handshake identity resolution failed", "subject", identity.UserID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	role, err := protocol.ParseRole(user.Role)
	if err != nil {
		r.logger.Warn("directory user has invalid role", "user_id", user.ID, "role", user.Role)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.New().String(), ws, user.ID, user.Name, role, r.sendBuffer)
	if !r.registry.registerIfBelow(c, r.maxConnsPerUser) {
		r.logger.Warn("too many WebSocket connections for user", "user", user.Username, "limit", r.maxConnsPerUser)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		_ = ws.Close()
		return
	}
	go c.writeLoop()

	ws.SetReadLimit(r.maxMessageBytes)
	setupKeepalive(ws)

	if greeting, err := protocol.EncodeConnectionEstablished("connected to GradLink chat"); err == nil {
		if err := c.trySend(greeting); err != nil {
			r.logger.Debug("greeting send failed", "conn_id", c.id, "error", err)
		}
	}

	r.logger.Info("client connected", "user", user.Username, "role", role, "conn_id", c.id)
	r.audit(context.Background(), "chat.connect", user.ID, map[string]string{"conn_id": c.id})

	defer func() {
		r.registry.deregister(c)
		c.close()
		r.logger.Info("client disconnected", "user", user.Username, "conn_id", c.id)
		r.audit(context.Background(), "chat.disconnect", user.ID, map[string]string{"conn_id": c.id})
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "conn_id", c.id, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if !c.allowFrame() {
			r.logger.Debug("client frame rate limited", "conn_id", c.id)
			continue
		}

		frame, err := protocol.DecodeFrame(msg)
		if err != nil {
			r.logger.Warn("invalid frame from client", "conn_id", c.id, "error", err)
			continue
		}

		r.route(c, frame)
	}
}

// resolveUser maps a verified identity to a directory user. The builtin
// provider issues tokens whose subject is the directory ID; external issuers
// are matched through external_id.
func (r *Router) resolveUser(ctx context.Context, identity *auth.Identity) (*store.User, error) {
	user, err := r.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		user, err = r.store.GetUserByExternalID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user by external id: %w", err)
		}
	}
	if user == nil {
		return nil, errors.New("user not in directory")
	}
	return user, nil
}

// route dispatches one inbound frame. A bad frame never terminates the
// session; delivery to a user with no live connections is a silent no-op.
func (r *Router) route(origin *conn, frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.MessageFrame:
		msg := f.Message
		if msg.Receiver == "" {
			r.logger.Warn("message frame without receiver", "conn_id", origin.id)
			return
		}
		if int64(len(msg.Content)) > r.maxMessageBytes {
			r.logger.Warn("message content exceeds maximum size", "conn_id", origin.id)
			return
		}
		// Sender identity comes from the authenticated connection, never
		// from the frame.
		msg.Sender = origin.userID
		msg.SenderModel = origin.role
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}

		data, err := protocol.EncodeMessage(msg)
		if err != nil {
			r.logger.Warn("encode message failed", "error", err)
			return
		}
		r.deliver(msg.Receiver, data, "")

	case protocol.ReadReceiptFrame:
		m, err := r.store.GetMessage(context.Background(), f.MessageID)
		if err != nil {
			r.logger.Warn("read receipt lookup failed", "message_id", f.MessageID, "error", err)
			return
		}
		if m == nil {
			r.logger.Debug("read receipt for unknown message", "message_id", f.MessageID)
			return
		}

		// The receipt goes to the conversation counterpart, not back to
		// the reader's own connection.
		counterpart := m.Sender
		if counterpart == origin.userID {
			counterpart = m.Receiver
		}

		data, err := protocol.EncodeReadReceipt(f.MessageID, origin.userID)
		if err != nil {
			return
		}
		r.deliver(counterpart, data, origin.id)

	case protocol.TypingFrame:
		data, err := protocol.EncodeTyping(origin.userID, origin.name)
		if err != nil {
			return
		}
		r.deliver(f.Recipient, data, "")

	default:
		r.logger.Warn("unhandled frame type", "conn_id", origin.id)
	}
}

// deliver pushes a frame to every live connection of a user, skipping
// excludeConnID. A connection that cannot keep up is closed; its read loop
// deregisters it.
func (r *Router) deliver(userID string, data []byte, excludeConnID string) {
	for _, c := range r.registry.lookup(userID) {
		if c.id == excludeConnID {
			continue
		}
		if err := c.trySend(data); err != nil {
			r.logger.Warn("send failed, closing connection", "conn_id", c.id, "user_id", c.userID, "error", err)
			c.close()
		}
	}
}

// BroadcastMessage fans a persisted message out to the receiver's live
// connections. Used by the REST send endpoint after the store write.
func (r *Router) BroadcastMessage(m protocol.ChatMessage) {
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		r.logger.Warn("encode message failed", "error", err)
		return
	}
	r.deliver(m.Receiver, data, "")
}

// BroadcastReadReceipts notifies a peer that the reader has read the given
// messages. Used by the REST mark-read endpoint.
func (r *Router) BroadcastReadReceipts(readerID, peerID string, messageIDs []string) {
	for _, id := range messageIDs {
		data, err := protocol.EncodeReadReceipt(id, readerID)
		if err != nil {
			continue
		}
		r.deliver(peerID, data, "")
	}
}

func (r *Router) audit(ctx context.Context, action, userID string, detail map[string]string) {
	var detailJSON json.RawMessage
	if len(detail) > 0 {
		detailJSON, _ = json.Marshal(detail)
	}
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    detailJSON,
		CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
