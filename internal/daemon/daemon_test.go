package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()

	logger := zap.NewNop()

	db, err := store.Open(filepath.Join(cfg.DataDir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	reg := registry.New(false)
	router := chat.NewRouter(db, reg, b, logger, cfg.MaxMessageLen, cfg.HistoryLimit)
	broadcaster := presence.New(db, reg, b, logger)
	broadcaster.Start(context.Background())
	t.Cleanup(broadcaster.Stop)
	rel := relay.New(reg, logger, cfg.TypingPreviewLen)
	calls := call.NewManager(reg, b, logger, 0)
	gw := gateway.New(reg, router, rel, calls, b, logger)

	srv, err := NewServer(cfg, logger, gw, db)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
}

// waitEvent reads frames until the wanted event arrives, unmarshalling its
// payload into v.
func waitEvent(t *testing.T, conn *websocket.Conn, wantEvent string, v any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantEvent, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatal(err)
		}
		if env.Event != wantEvent {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Data, v); err != nil {
				t.Fatal(err)
			}
		}
		return
	}
	t.Fatalf("timeout waiting for %q", wantEvent)
}

func join(t *testing.T, conn *websocket.Conn, username string) {
	t.Helper()
	send(t, conn, protocol.EventJoin, protocol.JoinRequest{Username: username})
	waitEvent(t, conn, protocol.EventJoined, nil)
}

func waitPresenceCount(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var snap protocol.Presence
		waitEvent(t, conn, protocol.EventPresence, &snap)
		if snap.Count == want {
			return
		}
	}
	t.Fatalf("never saw presence count %d", want)
}

func TestChatScenario(t *testing.T) {
	srv := startServer(t)

	alice := dial(t, srv)
	join(t, alice, "alice")

	bob := dial(t, srv)
	join(t, bob, "bob")

	// Both see an online count of 2.
	waitPresenceCount(t, alice, 2)
	waitPresenceCount(t, bob, 2)

	// Alice sends "hi": both receive it, only alice gets the ack.
	send(t, alice, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi", ClientTempID: "tmp-1"})

	var got protocol.Message
	waitEvent(t, bob, protocol.EventNewMessage, &got)
	if got.Username != "alice" || got.Text != "hi" || got.ID == 0 {
		t.Errorf("bob received %+v", got)
	}
	waitEvent(t, alice, protocol.EventNewMessage, &got)

	var ack protocol.MessageSaved
	waitEvent(t, alice, protocol.EventMessageSaved, &ack)
	if ack.ClientTempID != "tmp-1" || ack.ID != got.ID {
		t.Errorf("ack = %+v, want temp tmp-1 and id %d", ack, got.ID)
	}

	// Bob disconnects: alice sees user_left and the count drops to 1.
	_ = bob.Close()
	var left protocol.UserEvent
	waitEvent(t, alice, protocol.EventUserLeft, &left)
	if left.Username != "bob" {
		t.Errorf("user_left = %q, want bob", left.Username)
	}
	waitPresenceCount(t, alice, 1)

	// History returns exactly the one message.
	send(t, alice, protocol.EventRequestHistory, struct{}{})
	var hist protocol.History
	waitEvent(t, alice, protocol.EventMessageHistory, &hist)
	if len(hist.Messages) != 1 || hist.Messages[0].Text != "hi" || hist.Messages[0].Username != "alice" {
		t.Errorf("history = %+v, want one message 'hi' by alice", hist.Messages)
	}
}

func TestCallScenario(t *testing.T) {
	srv := startServer(t)

	alice := dial(t, srv)
	join(t, alice, "alice")
	bob := dial(t, srv)
	join(t, bob, "bob")
	carol := dial(t, srv)
	join(t, carol, "carol")

	// Alice rings: bob and carol both hear it.
	send(t, alice, protocol.EventInitiateCall, struct{}{})
	var ring protocol.IncomingCall
	waitEvent(t, bob, protocol.EventIncomingCall, &ring)
	if ring.Caller != "alice" || ring.CallID == "" {
		t.Fatalf("incoming call = %+v", ring)
	}
	waitEvent(t, carol, protocol.EventIncomingCall, nil)

	// Bob accepts; only alice is told.
	send(t, bob, protocol.EventAcceptCall, protocol.CallRequest{CallID: ring.CallID})
	var accepted protocol.CallAccepted
	waitEvent(t, alice, protocol.EventCallAccepted, &accepted)
	if accepted.Accepter != "bob" {
		t.Errorf("accepter = %q, want bob", accepted.Accepter)
	}

	// Carol accepting the now-active call conflicts.
	send(t, carol, protocol.EventAcceptCall, protocol.CallRequest{CallID: ring.CallID})
	var wireErr protocol.Error
	waitEvent(t, carol, protocol.EventError, &wireErr)
	if wireErr.Code != protocol.CodeCallStateConflict {
		t.Errorf("error code = %q, want %q", wireErr.Code, protocol.CodeCallStateConflict)
	}
}

func TestTypingRelay(t *testing.T) {
	srv := startServer(t)

	alice := dial(t, srv)
	join(t, alice, "alice")
	bob := dial(t, srv)
	join(t, bob, "bob")

	send(t, alice, protocol.EventTyping, protocol.TypingRequest{Text: "composing..."})
	var typing protocol.Typing
	waitEvent(t, bob, protocol.EventUserTyping, &typing)
	if typing.Username != "alice" || typing.Text != "composing..." {
		t.Errorf("typing = %+v", typing)
	}

	send(t, alice, protocol.EventStopTyping, struct{}{})
	waitEvent(t, bob, protocol.EventUserStopTyping, &typing)
	if typing.Username != "alice" {
		t.Errorf("stop typing from %q, want alice", typing.Username)
	}
}

func TestJoinRequired(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	send(t, conn, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi"})
	var wireErr protocol.Error
	waitEvent(t, conn, protocol.EventError, &wireErr)
	if wireErr.Code != protocol.CodeUnauthenticated {
		t.Errorf("code = %q, want %q", wireErr.Code, protocol.CodeUnauthenticated)
	}
}

func TestInvalidUsernameRejected(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	send(t, conn, protocol.EventJoin, protocol.JoinRequest{Username: "ab"})
	var wireErr protocol.Error
	waitEvent(t, conn, protocol.EventError, &wireErr)
	if wireErr.Code != protocol.CodeInvalidUsername {
		t.Errorf("code = %q, want %q", wireErr.Code, protocol.CodeInvalidUsername)
	}
}

func TestHealthAndUsersEndpoints(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + srv.Addr() + "/healthz/db")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz/db status = %d", resp.StatusCode)
	}

	// The directory endpoint reflects a joined identity.
	conn := dial(t, srv)
	join(t, conn, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + srv.Addr() + "/api/users")
		if err != nil {
			t.Fatal(err)
		}
		var body struct {
			Users []struct {
				Username string `json:"username"`
				Online   bool   `json:"online"`
			} `json:"users"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(body.Users) == 1 && body.Users[0].Username == "alice" && body.Users[0].Online {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("directory never showed alice online: %+v", body.Users)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
