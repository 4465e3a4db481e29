// Package api provides the HTTP API for the GradLink server: auth, the user
// directory, conversation history, and the WebSocket chat endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gradlink-app/gradlink/internal/auth"
	"github.com/gradlink-app/gradlink/internal/chat"
	"github.com/gradlink-app/gradlink/internal/config"
	"github.com/gradlink-app/gradlink/internal/store"
	"github.com/gradlink-app/gradlink/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store            store.Store
	authProvider     auth.Provider
	loginProvider    auth.LoginProvider
	chat             *chat.Router
	presence         *chat.Registry
	logger           *slog.Logger
	mux              *chi.Mux
	startTime        time.Time
	maxBodyBytes     int64
	maxContentBytes  int64
	authProviderName string
	loginRL          *rateLimiter
	rl               *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, ct *chat.Router, reg *chat.Registry, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:            s,
		authProvider:     ap,
		loginProvider:    lp,
		chat:             ct,
		presence:         reg,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		maxContentBytes:  cfg.Chat.MaxMessageBytes,
		authProviderName: ap.Name(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login and signup only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
	}

	// WebSocket route (auth handled inside, pre-upgrade)
	mux.Get("/ws/chat", ct.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/users", srv.handleListUsers)
		r.Get("/api/conversations", srv.handleListConversations)
		r.Get("/api/messages/{peerID}", srv.handleGetConversation)
		r.Post("/api/messages", srv.handleSendMessage)
		r.Post("/api/messages/{peerID}/read", srv.handleMarkRead)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProviderName})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUserByUsername(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}
	role, err := protocol.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "role must be Student or Alumni")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Name, role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.audit(r.Context(), "user.registered", user.ID, nil)
	writeJSON(w, http.StatusCreated, user)
}

// --- Directory and conversation handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	unread, err := s.store.CountUnread(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"name":     user.Name,
		"role":     user.Role,
		"unread":   unread,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	me := getUserFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	type userResponse struct {
		store.User
		Online bool `json:"online"`
	}
	result := make([]userResponse, 0, len(users))
	for _, u := range users {
		if u.ID == me.ID {
			continue
		}
		result = append(result, userResponse{User: u, Online: s.presence.Online(u.ID)})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	me := getUserFromContext(r.Context())
	convs, err := s.store.ListConversations(r.Context(), me.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	type convResponse struct {
		store.ConversationSummary
		Online bool `json:"online"`
	}
	result := make([]convResponse, len(convs))
	for i, c := range convs {
		result[i] = convResponse{ConversationSummary: c, Online: s.presence.Online(c.PeerID)}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	me := getUserFromContext(r.Context())
	peerID := chi.URLParam(r, "peerID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	messages, err := s.store.ListConversation(r.Context(), me.ID, peerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	me := getUserFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Receiver string `json:"receiver"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Receiver == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "receiver and content are required")
		return
	}
	if int64(len(req.Content)) > s.maxContentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "message exceeds maximum size")
		return
	}

	receiver, err := s.store.GetUserByID(r.Context(), req.Receiver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve receiver")
		return
	}
	if receiver == nil {
		writeError(w, http.StatusNotFound, "receiver not found")
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		Sender:    me.ID,
		Receiver:  receiver.ID,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	s.audit(r.Context(), "message.sent", me.ID, json.RawMessage(fmt.Sprintf(`{"message_id":%q}`, msg.ID)))

	// Durable write first, then live fan-out to whoever is connected.
	s.chat.BroadcastMessage(protocol.ChatMessage{
		ID:          msg.ID,
		Sender:      msg.Sender,
		SenderModel: protocol.Role(me.Role),
		Receiver:    msg.Receiver,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
	})

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	me := getUserFromContext(r.Context())
	peerID := chi.URLParam(r, "peerID")

	ids, err := s.store.MarkConversationRead(r.Context(), me.ID, peerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark conversation read")
		return
	}

	if len(ids) > 0 {
		s.chat.BroadcastReadReceipts(me.ID, peerID, ids)
	}
	writeJSON(w, http.StatusOK, map[string]int{"read": len(ids)})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
