package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gradlink-app/gradlink/internal/auth"
	"github.com/gradlink-app/gradlink/internal/config"
	"github.com/gradlink-app/gradlink/internal/store"
	"github.com/gradlink-app/gradlink/pkg/protocol"
)

type testEnv struct {
	ts    *httptest.Server
	store store.Store
	auth  *auth.Service
	reg   *Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := auth.NewService(st, config.AuthConfig{
		JWTSecret: "router-test-secret-32-characters!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})

	reg := NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := New(st, svc, reg, logger, opts)

	ts := httptest.NewServer(http.HandlerFunc(router.HandleWS))
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, auth: svc, reg: reg}
}

func (e *testEnv) newUser(t *testing.T, username, name string, role protocol.Role) (*store.User, string) {
	t.Helper()
	ctx := context.Background()
	user, err := e.auth.Register(ctx, username, "password123456", name, role)
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.auth.Login(ctx, username, "password123456")
	if err != nil {
		t.Fatal(err)
	}
	return user, token
}

// dial opens a WebSocket to the test server and consumes the greeting frame.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	greeting := readFrame(t, ws, 2*time.Second)
	if greeting["type"] != protocol.TypeConnectionEstablished {
		t.Fatalf("greeting type = %v, want connection_established", greeting["type"])
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshake_RejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/?token=not-a-token"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
	if env.reg.NumConnections() != 0 {
		t.Error("rejected handshake must not register a connection")
	}
}

func TestHandshake_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestHandshake_RegistersAndDeregisters(t *testing.T) {
	env := newTestEnv(t, Options{})
	user, token := env.newUser(t, "ada", "Ada", protocol.RoleStudent)

	ws := env.dial(t, token)
	if !env.reg.Online(user.ID) {
		t.Fatal("user should be online after handshake")
	}
	if env.reg.count(user.ID) != 1 {
		t.Errorf("count = %d, want 1", env.reg.count(user.ID))
	}

	_ = ws.Close()
	waitFor(t, func() bool { return !env.reg.Online(user.ID) },
		"user still online after transport close")
}

func TestRouteMessage_StampsSenderIdentity(t *testing.T) {
	env := newTestEnv(t, Options{})
	userA, tokenA := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsA := env.dial(t, tokenA)
	wsB := env.dial(t, tokenB)

	// Spoofed sender fields must be overwritten by the router.
	sendFrame(t, wsA, map[string]any{
		"type": protocol.TypeMessage,
		"message": map[string]any{
			"sender":      "someone-else",
			"senderModel": "Alumni",
			"receiver":    userB.ID,
			"content":     "hi",
		},
	})

	frame := readFrame(t, wsB, 2*time.Second)
	if frame["type"] != protocol.TypeMessage {
		t.Fatalf("type = %v, want message", frame["type"])
	}
	msg := frame["message"].(map[string]any)
	if msg["content"] != "hi" {
		t.Errorf("content = %v", msg["content"])
	}
	if msg["sender"] != userA.ID {
		t.Errorf("sender = %v, want %v", msg["sender"], userA.ID)
	}
	if msg["senderModel"] != "Student" {
		t.Errorf("senderModel = %v, want Student", msg["senderModel"])
	}

	// The sender's own connection receives nothing back.
	_ = wsA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := wsA.ReadMessage(); err == nil {
		t.Error("sender should not receive an echo")
	}
}

func TestRouteMessage_OfflineReceiverIsNoop(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, tokenA := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsA := env.dial(t, tokenA)
	wsB := env.dial(t, tokenB)

	sendFrame(t, wsA, map[string]any{
		"type":    protocol.TypeMessage,
		"message": map[string]any{"receiver": uuid.New().String(), "content": "into the void"},
	})

	// The sender's connection survives and keeps routing.
	sendFrame(t, wsA, map[string]any{
		"type":    protocol.TypeMessage,
		"message": map[string]any{"receiver": userB.ID, "content": "still here"},
	})

	frame := readFrame(t, wsB, 2*time.Second)
	msg := frame["message"].(map[string]any)
	if msg["content"] != "still here" {
		t.Errorf("content = %v, want %q", msg["content"], "still here")
	}
}

func TestRouteMessage_MultiDevice(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, tokenA := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsA := env.dial(t, tokenA)
	wsB1 := env.dial(t, tokenB)
	wsB2 := env.dial(t, tokenB)

	if env.reg.count(userB.ID) != 2 {
		t.Fatalf("count = %d, want 2", env.reg.count(userB.ID))
	}

	sendFrame(t, wsA, map[string]any{
		"type":    protocol.TypeMessage,
		"message": map[string]any{"receiver": userB.ID, "content": "both devices"},
	})

	for _, ws := range []*websocket.Conn{wsB1, wsB2} {
		frame := readFrame(t, ws, 2*time.Second)
		msg := frame["message"].(map[string]any)
		if msg["content"] != "both devices" {
			t.Errorf("content = %v", msg["content"])
		}
	}
}

func TestRoute_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, tokenA := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsA := env.dial(t, tokenA)
	wsB := env.dial(t, tokenB)

	// Same bad frame twice: dropped both times, session intact.
	for i := 0; i < 2; i++ {
		if err := wsA.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatal(err)
		}
	}
	sendFrame(t, wsA, map[string]any{"type": "mystery"})
	sendFrame(t, wsA, map[string]any{"type": protocol.TypeMessage}) // missing payload

	sendFrame(t, wsA, map[string]any{
		"type":    protocol.TypeMessage,
		"message": map[string]any{"receiver": userB.ID, "content": "survived"},
	})

	frame := readFrame(t, wsB, 2*time.Second)
	msg := frame["message"].(map[string]any)
	if msg["content"] != "survived" {
		t.Errorf("content = %v, want %q", msg["content"], "survived")
	}
}

func TestRouteReadReceipt_GoesToCounterpart(t *testing.T) {
	env := newTestEnv(t, Options{})
	userA, tokenA := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	msgID := uuid.New().String()
	if err := env.store.SaveMessage(context.Background(), &store.Message{
		ID:        msgID,
		Sender:    userA.ID,
		Receiver:  userB.ID,
		Content:   "hello",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	wsA := env.dial(t, tokenA)
	wsB := env.dial(t, tokenB)

	// B read A's message; the receipt lands on A's connection.
	sendFrame(t, wsB, map[string]any{"type": protocol.TypeReadReceipt, "messageId": msgID})

	frame := readFrame(t, wsA, 2*time.Second)
	if frame["type"] != protocol.TypeReadReceipt {
		t.Fatalf("type = %v, want read_receipt", frame["type"])
	}
	if frame["messageId"] != msgID {
		t.Errorf("messageId = %v, want %v", frame["messageId"], msgID)
	}
	if frame["readerId"] != userB.ID {
		t.Errorf("readerId = %v, want %v", frame["readerId"], userB.ID)
	}

	// A receipt for an unknown message is dropped silently.
	sendFrame(t, wsB, map[string]any{"type": protocol.TypeReadReceipt, "messageId": uuid.New().String()})
	_ = wsB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := wsB.ReadMessage(); err == nil {
		t.Error("unexpected frame after unknown-message receipt")
	}
}

func TestRouteTyping_CarriesSenderName(t *testing.T) {
	env := newTestEnv(t, Options{})
	userA, tokenA := env.newUser(t, "ada", "Ada Lovelace", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsA := env.dial(t, tokenA)
	wsB := env.dial(t, tokenB)

	sendFrame(t, wsA, map[string]any{"type": protocol.TypeTyping, "recipient": userB.ID})

	frame := readFrame(t, wsB, 2*time.Second)
	if frame["type"] != protocol.TypeTyping {
		t.Fatalf("type = %v, want typing", frame["type"])
	}
	if frame["senderId"] != userA.ID {
		t.Errorf("senderId = %v, want %v", frame["senderId"], userA.ID)
	}
	if frame["senderName"] != "Ada Lovelace" {
		t.Errorf("senderName = %v", frame["senderName"])
	}
}

func TestHandshake_EnforcesConnectionLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxConnsPerUser: 1})
	user, token := env.newUser(t, "ada", "Ada", protocol.RoleStudent)

	env.dial(t, token)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/?token=" + token
	ws2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws2.Close() }()

	// The server closes the second connection with a policy violation
	// instead of registering it.
	_ = ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read error = %v, want policy violation close", err)
	}
	if env.reg.count(user.ID) != 1 {
		t.Errorf("count = %d, want 1", env.reg.count(user.ID))
	}
}

func TestBroadcastMessage_RESTFanout(t *testing.T) {
	env := newTestEnv(t, Options{})
	userA, _ := env.newUser(t, "ada", "Ada", protocol.RoleStudent)
	userB, tokenB := env.newUser(t, "bert", "Bert", protocol.RoleAlumni)

	wsB := env.dial(t, tokenB)

	// Rebuild a router sharing the registry, the way the API server holds it.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := New(env.store, env.auth, env.reg, logger, Options{})

	router.BroadcastMessage(protocol.ChatMessage{
		ID:          uuid.New().String(),
		Sender:      userA.ID,
		SenderModel: protocol.RoleStudent,
		Receiver:    userB.ID,
		Content:     "persisted then pushed",
		CreatedAt:   time.Now(),
	})

	frame := readFrame(t, wsB, 2*time.Second)
	msg := frame["message"].(map[string]any)
	if msg["content"] != "persisted then pushed" {
		t.Errorf("content = %v", msg["content"])
	}

	// The reader's peer is offline: receipt fan-out is a silent no-op.
	router.BroadcastReadReceipts(userB.ID, userA.ID, []string{"m1", "m2"})
}

func TestDeliver_SlowConsumerClosedOthersStillServed(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := auth.NewService(st, config.AuthConfig{
		JWTSecret: "router-test-secret-32-characters!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})

	reg := NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := New(st, svc, reg, logger, Options{})

	// Neither conn runs a writer goroutine, so nothing drains the buffers.
	// The slow conn's buffer holds one frame and is filled up front.
	slow := newConn("slow", nil, "bert", "Bert", protocol.RoleAlumni, 1)
	fast := newConn("fast", nil, "bert", "Bert", protocol.RoleAlumni, 4)
	reg.register(slow)
	reg.register(fast)

	if err := slow.trySend([]byte("backlog")); err != nil {
		t.Fatal(err)
	}

	router.deliver("bert", []byte("fresh"), "")

	// The overflowing conn is torn down, not blocked on.
	select {
	case <-slow.done:
	default:
		t.Error("slow conn not closed after overflowing its buffer")
	}
	if err := slow.trySend([]byte("more")); err == nil {
		t.Error("send on the closed slow conn should fail")
	}

	// The healthy sibling still received the frame.
	select {
	case got := <-fast.send:
		if string(got) != "fresh" {
			t.Errorf("fast conn got %q, want %q", got, "fresh")
		}
	default:
		t.Error("healthy sibling conn did not receive the frame")
	}
}
