// Package call tracks in-flight voice-call negotiations. Call state is
// ephemeral: a negotiation lives in memory until it reaches a terminal
// state or the ring sweep times it out.
package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/chat"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"go.uber.org/zap"
)

// State represents a call negotiation state.
type State string

const (
	Ringing  State = "RINGING"
	Active   State = "ACTIVE"
	Declined State = "DECLINED"
	Ended    State = "ENDED"
)

// validTransitions defines allowed state transitions. Declined and Ended
// are terminal.
var validTransitions = map[State][]State{
	Ringing: {Active, Declined, Ended},
	Active:  {Ended},
}

// ErrCallStateConflict is returned for a transition the current state does
// not allow; the call is left unchanged.
var ErrCallStateConflict = errors.New("call is not in a state that allows this transition")

// ErrUnknownCall is returned when the call id matches no live negotiation.
var ErrUnknownCall = errors.New("unknown call id")

// Session is one call negotiation. Callee is bound only on accept.
type Session struct {
	ID        string
	Caller    string
	Callee    string
	State     State
	StartedAt time.Time
}

// Manager owns the call table and enforces transitions. Initiation rings
// every other connection; any online identity may accept.
type Manager struct {
	mu          sync.Mutex
	calls       map[string]*Session
	registry    *registry.Registry
	bus         *bus.Bus
	logger      *zap.Logger
	ringTimeout time.Duration
	cancel      context.CancelFunc
}

// NewManager creates a call manager. ringTimeout bounds how long a call may
// stay in Ringing before the sweep ends it.
func NewManager(reg *registry.Registry, b *bus.Bus, logger *zap.Logger, ringTimeout time.Duration) *Manager {
	return &Manager{
		calls:       make(map[string]*Session),
		registry:    reg,
		bus:         b,
		logger:      logger,
		ringTimeout: ringTimeout,
	}
}

// Initiate creates a Ringing call for the connection's identity and rings
// all other connections.
func (m *Manager) Initiate(connID string) (*Session, error) {
	sess, ok := m.registry.Get(connID)
	if !ok {
		return nil, chat.ErrUnauthenticatedSender
	}

	call := &Session{
		ID:        uuid.NewString(),
		Caller:    sess.Username,
		State:     Ringing,
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.calls[call.ID] = call
	m.mu.Unlock()

	frame, err := protocol.Encode(protocol.EventIncomingCall, protocol.IncomingCall{
		Caller: call.Caller,
		CallID: call.ID,
	})
	if err != nil {
		return nil, err
	}
	m.registry.BroadcastExcept(connID, frame)

	m.logger.Info("call initiated",
		zap.String("call_id", call.ID),
		zap.String("caller", call.Caller))
	return call, nil
}

// Accept moves a Ringing call to Active, binds the callee, and notifies
// every connection of the caller.
func (m *Manager) Accept(connID, callID string) error {
	sess, ok := m.registry.Get(connID)
	if !ok {
		return chat.ErrUnauthenticatedSender
	}

	call, err := m.transition(callID, Active, func(c *Session) {
		c.Callee = sess.Username
	})
	if err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.EventCallAccepted, protocol.CallAccepted{
		Accepter: sess.Username,
		CallID:   call.ID,
	})
	if err != nil {
		return err
	}
	m.registry.SendTo(call.Caller, frame)
	return nil
}

// Decline moves a Ringing call to its Declined terminal state and notifies
// the caller.
func (m *Manager) Decline(connID, callID string) error {
	sess, ok := m.registry.Get(connID)
	if !ok {
		return chat.ErrUnauthenticatedSender
	}

	call, err := m.transition(callID, Declined, nil)
	if err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.EventCallDeclined, protocol.CallDeclined{
		Decliner: sess.Username,
		CallID:   call.ID,
	})
	if err != nil {
		return err
	}
	m.registry.SendTo(call.Caller, frame)
	return nil
}

// End terminates a Ringing or Active call and notifies both parties.
func (m *Manager) End(connID, callID string) error {
	sess, ok := m.registry.Get(connID)
	if !ok {
		return chat.ErrUnauthenticatedSender
	}

	call, err := m.transition(callID, Ended, nil)
	if err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.EventCallEnded, protocol.CallEnded{
		By:     sess.Username,
		CallID: call.ID,
	})
	if err != nil {
		return err
	}
	m.registry.SendTo(call.Caller, frame)
	if call.Callee != "" && call.Callee != call.Caller {
		m.registry.SendTo(call.Callee, frame)
	}
	return nil
}

// Get returns a live call session.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// transition applies one state change under the lock. Terminal states drop
// the call from the table; bind runs only when the transition is allowed.
func (m *Manager) transition(callID string, to State, bind func(*Session)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[callID]
	if !ok {
		return Session{}, ErrUnknownCall
	}
	if !slices.Contains(validTransitions[call.State], to) {
		return Session{}, ErrCallStateConflict
	}
	if bind != nil {
		bind(call)
	}
	call.State = to
	if to == Declined || to == Ended {
		delete(m.calls, callID)
	}
	return *call, nil
}

// Start begins the ring sweep: calls stuck in Ringing past the timeout are
// ended and their caller is told. A zero timeout disables the sweep.
func (m *Manager) Start(ctx context.Context) {
	if m.ringTimeout <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	go m.sweepLoop(ctx)
}

// Stop stops the ring sweep.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	interval := m.ringTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []Session
	for id, call := range m.calls {
		if call.State == Ringing && now.Sub(call.StartedAt) >= m.ringTimeout {
			call.State = Ended
			expired = append(expired, *call)
			delete(m.calls, id)
		}
	}
	m.mu.Unlock()

	for _, call := range expired {
		frame, err := protocol.Encode(protocol.EventCallEnded, protocol.CallEnded{
			By:     "timeout",
			CallID: call.ID,
		})
		if err != nil {
			m.logger.Error("encode call timeout", zap.Error(err))
			continue
		}
		m.registry.SendTo(call.Caller, frame)
		m.bus.Emit(bus.KindCallTimedOut, call.ID)
		m.logger.Info("ringing call timed out",
			zap.String("call_id", call.ID),
			zap.String("caller", call.Caller))
	}
}
