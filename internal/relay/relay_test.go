package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"go.uber.org/zap"
)

type chanSender struct {
	frames chan []byte
}

func newChanSender() *chanSender {
	return &chanSender{frames: make(chan []byte, 16)}
}

func (c *chanSender) Send(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *chanSender) decode(t *testing.T, wantEvent string) protocol.Typing {
	t.Helper()
	select {
	case frame := <-c.frames:
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatal(err)
		}
		if env.Event != wantEvent {
			t.Fatalf("event = %q, want %q", env.Event, wantEvent)
		}
		var p protocol.Typing
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatal(err)
		}
		return p
	default:
		t.Fatalf("no frame waiting, want %q", wantEvent)
		return protocol.Typing{}
	}
}

func setup(t *testing.T) (*Relay, *registry.Registry, *chanSender, *chanSender) {
	t.Helper()
	reg := registry.New(false)
	r := New(reg, zap.NewNop(), 50)
	alice, bob := newChanSender(), newChanSender()
	if _, err := reg.Add("a1", "alice", alice); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add("b1", "bob", bob); err != nil {
		t.Fatal(err)
	}
	return r, reg, alice, bob
}

func TestTypingExcludesSenderAndTruncates(t *testing.T) {
	r, _, alice, bob := setup(t)

	long := strings.Repeat("y", 80)
	if err := r.Typing("a1", long); err != nil {
		t.Fatal(err)
	}

	got := bob.decode(t, protocol.EventUserTyping)
	if got.Username != "alice" {
		t.Errorf("username = %q, want alice", got.Username)
	}
	if len([]rune(got.Text)) != 50 {
		t.Errorf("preview length = %d, want 50", len([]rune(got.Text)))
	}
	if len(alice.frames) != 0 {
		t.Error("sender received its own typing signal")
	}
}

func TestTypingShortTextPassesThrough(t *testing.T) {
	r, _, _, bob := setup(t)

	if err := r.Typing("a1", "hey"); err != nil {
		t.Fatal(err)
	}
	if got := bob.decode(t, protocol.EventUserTyping); got.Text != "hey" {
		t.Errorf("text = %q, want hey", got.Text)
	}
}

func TestStopTypingClearsForOthers(t *testing.T) {
	r, _, alice, bob := setup(t)

	if err := r.StopTyping("a1"); err != nil {
		t.Fatal(err)
	}
	got := bob.decode(t, protocol.EventUserStopTyping)
	if got.Username != "alice" || got.Text != "" {
		t.Errorf("stop typing payload = %+v", got)
	}
	if len(alice.frames) != 0 {
		t.Error("sender received its own stop signal")
	}
}

func TestTypingRequiresSession(t *testing.T) {
	r, _, _, _ := setup(t)

	if err := r.Typing("ghost", "hi"); !errors.Is(err, chat.ErrUnauthenticatedSender) {
		t.Errorf("Typing err = %v, want ErrUnauthenticatedSender", err)
	}
	if err := r.StopTyping("ghost"); !errors.Is(err, chat.ErrUnauthenticatedSender) {
		t.Errorf("StopTyping err = %v, want ErrUnauthenticatedSender", err)
	}
}
