package daemon

import (
	"context"

	"github.com/parley-chat/parley/internal/bus"
	"go.uber.org/zap"
)

// activityLog drains the chat core's message and call events into the
// daemon log. Logging is best-effort, so it rides plain drop-on-full
// subscriptions.
type activityLog struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

func newActivityLog(b *bus.Bus, logger *zap.Logger) *activityLog {
	return &activityLog{bus: b, logger: logger}
}

func (a *activityLog) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := a.bus.Subscribe("message.", 64)
	calls, unsubCalls := a.bus.Subscribe("call.", 64)

	go func() {
		defer unsubMsgs()
		defer unsubCalls()
		for {
			select {
			case evt := <-msgs:
				a.handle(evt)
			case evt := <-calls:
				a.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *activityLog) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *activityLog) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageStored:
		if m, ok := evt.Payload.(bus.MessageStored); ok {
			a.logger.Debug("message stored",
				zap.Int64("id", m.ID),
				zap.String("username", m.Username))
		}
	case bus.KindMessagesPurged:
		if p, ok := evt.Payload.(bus.PurgeResult); ok {
			a.logger.Info("retention purge", zap.Int64("removed", p.Removed))
		}
	case bus.KindCallTimedOut:
		if id, ok := evt.Payload.(string); ok {
			a.logger.Info("call timed out unanswered", zap.String("call_id", id))
		}
	}
}
