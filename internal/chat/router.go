// Package chat routes client-originated messages: it resolves the sender's
// session, persists the message, fans it out, and acknowledges client
// temporary ids.
package chat

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// Router accepts incoming messages from connections. A message is durable
// before it is fanned out; a store failure propagates to the caller and
// nothing is broadcast.
type Router struct {
	db           *store.DB
	registry     *registry.Registry
	bus          *bus.Bus
	logger       *zap.Logger
	maxLen       int
	historyLimit int
}

// NewRouter creates a router bound to the store and session registry.
func NewRouter(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger, maxLen, historyLimit int) *Router {
	return &Router{
		db:           db,
		registry:     reg,
		bus:          b,
		logger:       logger,
		maxLen:       maxLen,
		historyLimit: historyLimit,
	}
}

// HandleSend persists one message from a connection and fans it out to
// every live session, the sender's own tabs included. When tempID is
// supplied, a private message_saved ack goes back to the originating
// connection only, binding the temp id to the durable id.
func (r *Router) HandleSend(connID, text, tempID string) (*store.Message, error) {
	sess, ok := r.registry.Get(connID)
	if !ok {
		// The session can vanish mid-request when a disconnect races an
		// in-flight send; the send fails, the disconnect wins.
		return nil, ErrUnauthenticatedSender
	}
	if utf8.RuneCountInString(text) > r.maxLen {
		return nil, ErrMessageTooLong
	}

	ts := time.Now().UnixMilli()
	id, err := r.db.AppendMessage(sess.Username, text, ts)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	msg := &store.Message{ID: id, Username: sess.Username, Text: text, Timestamp: ts}

	frame, err := protocol.Encode(protocol.EventNewMessage, toWire(*msg))
	if err != nil {
		return nil, err
	}
	r.registry.Broadcast(frame)

	if tempID != "" {
		ack, err := protocol.Encode(protocol.EventMessageSaved, protocol.MessageSaved{
			ClientTempID: tempID,
			ID:           id,
		})
		if err != nil {
			return nil, err
		}
		sess.Send(ack)
	}

	r.bus.Emit(bus.KindMessageStored, bus.MessageStored{ID: id, Username: sess.Username})
	r.logger.Info("message stored",
		zap.Int64("id", id),
		zap.String("username", sess.Username))
	return msg, nil
}

// History sends the recent message log to the requesting connection,
// oldest first. The client merges by id; the server does not track what a
// client has already seen.
func (r *Router) History(connID string) error {
	sess, ok := r.registry.Get(connID)
	if !ok {
		return ErrUnauthenticatedSender
	}
	msgs, err := r.Recent()
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.EventMessageHistory, protocol.History{Messages: msgs})
	if err != nil {
		return err
	}
	sess.Send(frame)
	return nil
}

// Recent returns the wire projection of the recent message log.
func (r *Router) Recent() ([]protocol.Message, error) {
	msgs, err := r.db.ListRecent(r.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	wire := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, toWire(m))
	}
	return wire, nil
}

func toWire(m store.Message) protocol.Message {
	return protocol.Message{
		ID:              m.ID,
		Username:        m.Username,
		Text:            m.Text,
		TimestampUnixMs: m.Timestamp,
	}
}
