// Package relay forwards short-lived events that bypass the store: typing
// previews and their clear signals. Nothing here is persisted or ordered
// beyond the single-writer ordering of each connection.
package relay

import (
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"go.uber.org/zap"
)

// Relay fans ephemeral signals out to every connection except the sender's.
type Relay struct {
	registry   *registry.Registry
	logger     *zap.Logger
	previewLen int
}

// New creates a relay. previewLen bounds the typing preview text.
func New(reg *registry.Registry, logger *zap.Logger, previewLen int) *Relay {
	return &Relay{
		registry:   reg,
		logger:     logger,
		previewLen: previewLen,
	}
}

// Typing relays a composing preview from a connection to everyone else.
// The preview is truncated to the configured length; the sender never sees
// its own typing signal.
func (r *Relay) Typing(connID, text string) error {
	sess, ok := r.registry.Get(connID)
	if !ok {
		return chat.ErrUnauthenticatedSender
	}
	frame, err := protocol.Encode(protocol.EventUserTyping, protocol.Typing{
		Username: sess.Username,
		Text:     truncate(text, r.previewLen),
	})
	if err != nil {
		return err
	}
	r.registry.BroadcastExcept(connID, frame)
	return nil
}

// StopTyping relays the clear signal to everyone but the sender. There is
// no server-side typing timeout: a disconnect's user-left broadcast stands
// in for a missed stop signal.
func (r *Relay) StopTyping(connID string) error {
	sess, ok := r.registry.Get(connID)
	if !ok {
		return chat.ErrUnauthenticatedSender
	}
	frame, err := protocol.Encode(protocol.EventUserStopTyping, protocol.Typing{
		Username: sess.Username,
	})
	if err != nil {
		return err
	}
	r.registry.BroadcastExcept(connID, frame)
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
