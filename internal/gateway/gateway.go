// Package gateway terminates WebSocket connections and translates wire
// events into calls on the chat core: the router, the ephemeral relay, and
// the call manager.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/relay"
	"go.uber.org/zap"
)

// Gateway upgrades HTTP requests to WebSocket sessions and dispatches
// their events.
type Gateway struct {
	registry *registry.Registry
	router   *chat.Router
	relay    *relay.Relay
	calls    *call.Manager
	bus      *bus.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a gateway over the chat core components.
func New(reg *registry.Registry, router *chat.Router, rel *relay.Relay, calls *call.Manager, b *bus.Bus, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		router:   router,
		relay:    rel,
		calls:    calls,
		bus:      b,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the connection's read pump until
// the client goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), conn, g)
	g.logger.Info("connection opened", zap.String("conn_id", c.connID))

	go c.writePump()
	c.readPump()
}

// disconnect tears a connection down exactly once: the session leaves the
// registry before session.left is published, so presence never reads a
// stale registry.
func (g *Gateway) disconnect(c *client) {
	c.close()
	if sess := g.registry.Remove(c.connID); sess != nil {
		g.bus.Emit(bus.KindSessionLeft, bus.SessionChange{
			ConnID:   sess.ConnID,
			Username: sess.Username,
		})
		g.logger.Info("session closed",
			zap.String("conn_id", c.connID),
			zap.String("username", sess.Username))
	} else {
		g.logger.Info("connection closed before join", zap.String("conn_id", c.connID))
	}
}

func (g *Gateway) dispatch(c *client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		g.sendError(c, protocol.CodeBadPayload, err.Error())
		return
	}

	if !c.joined && env.Event != protocol.EventJoin {
		g.sendError(c, protocol.CodeUnauthenticated, "join first")
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		g.handleJoin(c, env.Data)
	case protocol.EventSendMessage:
		g.handleSend(c, env.Data)
	case protocol.EventTyping:
		var req protocol.TypingRequest
		if !g.decodePayload(c, env.Data, &req) {
			return
		}
		g.reportErr(c, g.relay.Typing(c.connID, req.Text))
	case protocol.EventStopTyping:
		g.reportErr(c, g.relay.StopTyping(c.connID))
	case protocol.EventRequestHistory:
		g.reportErr(c, g.router.History(c.connID))
	case protocol.EventInitiateCall:
		_, err := g.calls.Initiate(c.connID)
		g.reportErr(c, err)
	case protocol.EventAcceptCall:
		g.handleCall(c, env.Data, g.calls.Accept)
	case protocol.EventDeclineCall:
		g.handleCall(c, env.Data, g.calls.Decline)
	case protocol.EventEndCall:
		g.handleCall(c, env.Data, g.calls.End)
	default:
		g.sendError(c, protocol.CodeBadPayload, "unknown event "+env.Event)
	}
}

func (g *Gateway) handleJoin(c *client, data json.RawMessage) {
	if c.joined {
		g.sendError(c, protocol.CodeBadPayload, "already joined")
		return
	}
	var req protocol.JoinRequest
	if !g.decodePayload(c, data, &req) {
		return
	}
	if err := chat.ValidateUsername(req.Username); err != nil {
		g.reportErr(c, err)
		return
	}
	if _, err := g.registry.Add(c.connID, req.Username, c); err != nil {
		g.reportErr(c, err)
		return
	}
	c.joined = true
	g.bus.Emit(bus.KindSessionJoined, bus.SessionChange{ConnID: c.connID, Username: req.Username})
	g.logger.Info("session joined",
		zap.String("conn_id", c.connID),
		zap.String("username", req.Username))

	// A failed snapshot read does not fail the join; the client can
	// request_history once the store recovers.
	history, err := g.router.Recent()
	if err != nil {
		g.logger.Error("history load failed", zap.Error(err))
	}
	frame, err := protocol.Encode(protocol.EventJoined, protocol.Joined{
		Username: req.Username,
		History:  history,
	})
	if err != nil {
		g.logger.Error("encode joined", zap.Error(err))
		return
	}
	c.Send(frame)
}

func (g *Gateway) handleSend(c *client, data json.RawMessage) {
	var req protocol.SendMessageRequest
	if !g.decodePayload(c, data, &req) {
		return
	}
	_, err := g.router.HandleSend(c.connID, req.Text, req.ClientTempID)
	g.reportErr(c, err)
}

func (g *Gateway) handleCall(c *client, data json.RawMessage, op func(connID, callID string) error) {
	var req protocol.CallRequest
	if !g.decodePayload(c, data, &req) {
		return
	}
	g.reportErr(c, op(c.connID, req.CallID))
}

func (g *Gateway) decodePayload(c *client, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		g.sendError(c, protocol.CodeBadPayload, "missing payload")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		g.sendError(c, protocol.CodeBadPayload, err.Error())
		return false
	}
	return true
}

// reportErr maps a core error to a wire error on the requesting connection
// only. Rejections never touch other connections' state.
func (g *Gateway) reportErr(c *client, err error) {
	if err == nil {
		return
	}
	g.sendError(c, errCode(err), err.Error())
}

func (g *Gateway) sendError(c *client, code, reason string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.Error{Code: code, Reason: reason})
	if err != nil {
		g.logger.Error("encode error event", zap.Error(err))
		return
	}
	c.Send(frame)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrUnauthenticatedSender):
		return protocol.CodeUnauthenticated
	case errors.Is(err, chat.ErrMessageTooLong):
		return protocol.CodeMessageTooLong
	case errors.Is(err, chat.ErrInvalidUsername):
		return protocol.CodeInvalidUsername
	case errors.Is(err, registry.ErrAlreadyOnline):
		return protocol.CodeAlreadyOnline
	case errors.Is(err, call.ErrCallStateConflict), errors.Is(err, call.ErrUnknownCall):
		return protocol.CodeCallStateConflict
	default:
		return protocol.CodePersistenceFailure
	}
}
