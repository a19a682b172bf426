// Package presence recomputes and fans out the online snapshot whenever a
// session starts or ends, and keeps the durable identity directory trailing
// the registry with at-least-once updates.
package presence

import (
	"context"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// Broadcaster consumes session.* bus events. Events are published after the
// registry mutation commits, so the snapshot it computes is never stale; it
// runs on its own goroutine so fan-out never blocks the connection event
// that triggered it.
type Broadcaster struct {
	db       *store.DB
	registry *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// New creates a presence broadcaster.
func New(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		db:       db,
		registry: reg,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to session lifecycle events on the bus. The subscription
// is durable: the broadcaster is the sole writer of the identity directory,
// and a dropped event would skip a directory update for good, so a
// reconnect burst queues instead of being shed.
func (p *Broadcaster) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.SubscribeDurable("session.")

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the broadcaster.
func (p *Broadcaster) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Broadcaster) handleEvent(evt bus.Event) {
	change, ok := evt.Payload.(bus.SessionChange)
	if !ok {
		return
	}

	switch evt.Kind {
	case bus.KindSessionJoined:
		if err := p.db.UpsertOnline(change.Username); err != nil {
			p.logger.Error("directory upsert failed", zap.Error(err), zap.String("username", change.Username))
		}
		p.announce(protocol.EventUserJoined, change.Username)
	case bus.KindSessionLeft:
		// Another tab may still hold the username online.
		if len(p.registry.FindConnections(change.Username)) == 0 {
			if err := p.db.MarkOffline(change.Username); err != nil {
				p.logger.Error("directory offline update failed", zap.Error(err), zap.String("username", change.Username))
			}
			p.announce(protocol.EventUserLeft, change.Username)
		}
	default:
		return
	}

	p.broadcastSnapshot()
}

func (p *Broadcaster) announce(event, username string) {
	frame, err := protocol.Encode(event, protocol.UserEvent{Username: username})
	if err != nil {
		p.logger.Error("encode user event", zap.Error(err))
		return
	}
	p.registry.Broadcast(frame)
}

func (p *Broadcaster) broadcastSnapshot() {
	snap, err := p.Snapshot()
	if err != nil {
		p.logger.Error("presence snapshot failed", zap.Error(err))
		return
	}
	frame, err := protocol.Encode(protocol.EventPresence, snap)
	if err != nil {
		p.logger.Error("encode presence", zap.Error(err))
		return
	}
	p.registry.Broadcast(frame)
}

// Snapshot builds the presence payload. The distinct-username count comes
// from the registry, the authority for liveness; the user list is the
// directory projection with registry liveness overlaid, so a directory
// update that lags a join never hides an online user.
func (p *Broadcaster) Snapshot() (*protocol.Presence, error) {
	live := make(map[string]struct{})
	for _, u := range p.registry.OnlineUsers() {
		live[u] = struct{}{}
	}

	ids, err := p.db.ListIdentities()
	if err != nil {
		return nil, err
	}

	users := make([]protocol.UserStatus, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, online := live[id.Username]
		users = append(users, protocol.UserStatus{
			Username: id.Username,
			Online:   online || id.Online,
		})
		seen[id.Username] = struct{}{}
	}
	// Live sessions whose directory row has not landed yet.
	for u := range live {
		if _, ok := seen[u]; !ok {
			users = append(users, protocol.UserStatus{Username: u, Online: true})
		}
	}

	return &protocol.Presence{Count: len(live), Users: users}, nil
}
