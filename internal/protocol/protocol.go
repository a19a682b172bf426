// Package protocol defines the JSON wire contract spoken over the WebSocket:
// an envelope carrying an event name plus an event-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → server event names.
const (
	EventJoin           = "join"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventRequestHistory = "request_history"
	EventInitiateCall   = "initiate_call"
	EventAcceptCall     = "accept_call"
	EventDeclineCall    = "decline_call"
	EventEndCall        = "end_call"
)

// Server → client event names.
const (
	EventJoined         = "joined"
	EventNewMessage     = "new_message"
	EventMessageSaved   = "message_saved"
	EventMessageHistory = "message_history"
	EventPresence       = "presence"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventIncomingCall   = "incoming_call"
	EventCallAccepted   = "call_accepted"
	EventCallDeclined   = "call_declined"
	EventCallEnded      = "call_ended"
	EventError          = "error"
)

// Error codes carried by EventError payloads.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeInvalidUsername    = "invalid_username"
	CodeAlreadyOnline      = "already_online"
	CodeMessageTooLong     = "message_too_long"
	CodePersistenceFailure = "persistence_failure"
	CodeCallStateConflict  = "call_state_conflict"
	CodeBadPayload         = "bad_payload"
)

// Envelope is the outer frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event envelope ready for a single WebSocket text frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// Decode parses a raw frame into an envelope.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// Message is the wire projection of a stored chat message.
type Message struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	Text            string `json:"text"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
}

// JoinRequest asks to bind this connection to a username.
type JoinRequest struct {
	Username string `json:"username"`
}

// SendMessageRequest submits one chat message. ClientTempID is optional and,
// when present, is echoed back in a private MessageSaved ack so the client
// can replace its optimistic local copy.
type SendMessageRequest struct {
	Text         string `json:"text"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// TypingRequest carries the live text being composed.
type TypingRequest struct {
	Text string `json:"text"`
}

// CallRequest addresses an in-flight call negotiation.
type CallRequest struct {
	CallID string `json:"call_id"`
}

// Joined confirms a join and carries the initial history snapshot.
type Joined struct {
	Username string    `json:"username"`
	History  []Message `json:"history"`
}

// MessageSaved is the private ack binding a client temp id to the durable id.
type MessageSaved struct {
	ClientTempID string `json:"client_temp_id"`
	ID           int64  `json:"id"`
}

// History carries a resync batch, oldest first.
type History struct {
	Messages []Message `json:"messages"`
}

// UserStatus is one directory entry in a presence snapshot.
type UserStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Presence is the fan-out payload recomputed on every session change.
type Presence struct {
	Count int          `json:"count"`
	Users []UserStatus `json:"users"`
}

// UserEvent announces a single identity joining or leaving.
type UserEvent struct {
	Username string `json:"username"`
}

// Typing is the relayed composing preview; Text is empty for stop-typing.
type Typing struct {
	Username string `json:"username"`
	Text     string `json:"text,omitempty"`
}

// IncomingCall rings every other connection.
type IncomingCall struct {
	Caller string `json:"caller"`
	CallID string `json:"call_id"`
}

// CallAccepted is delivered privately to the caller's connections.
type CallAccepted struct {
	Accepter string `json:"accepter"`
	CallID   string `json:"call_id"`
}

// CallDeclined is delivered privately to the caller's connections.
type CallDeclined struct {
	Decliner string `json:"decliner"`
	CallID   string `json:"call_id"`
}

// CallEnded is delivered privately to both parties.
type CallEnded struct {
	By     string `json:"by"`
	CallID string `json:"call_id"`
}

// Error reports a rejected operation to the requesting connection only.
type Error struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
