package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/logging"
	"github.com/hiroba-chat/broker/internal/v1/metrics"
)

// Reaper periodically evicts idle members and collapses rooms whose host has
// gone silent. Notices are sent from the relay's socket using the address
// snapshots the registry returns at removal.
type Reaper struct {
	relay    *Relay
	interval time.Duration
	timeout  time.Duration
}

// NewReaper configures an eviction loop over the relay's registry.
func NewReaper(r *Relay, interval, timeout time.Duration) *Reaper {
	return &Reaper{relay: r, interval: interval, timeout: timeout}
}

// Run ticks until the context is canceled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Reaper stopped")
			return
		case <-ticker.C:
			rp.reapOnce(ctx)
		}
	}
}

// reapOnce applies one registry eviction cycle and delivers the notices.
func (rp *Reaper) reapOnce(ctx context.Context) {
	for _, action := range rp.relay.registry.Reap(rp.timeout) {
		if action.CloseRoom {
			for _, ev := range action.Evicted {
				rp.relay.send(ctx, ev.Member, roomClosedMessage)
			}
			metrics.ReaperRoomsClosed.Inc()
			logging.Info(ctx, "Closed room with idle host",
				zap.String("room", string(action.Room)),
				zap.Int("members", len(action.Evicted)))
			continue
		}

		for _, ev := range action.Evicted {
			rp.relay.send(ctx, ev.Member, evictedMessage)
			metrics.ReaperEvictions.Inc()
		}
		logging.Info(ctx, "Evicted idle members",
			zap.String("room", string(action.Room)),
			zap.Int("evicted", len(action.Evicted)))
	}
}
