// Package presence maintains the advisory side-channel for the local
// identity: an online flag set on every connect and a periodic last-seen
// heartbeat. The hub writes the offline flag on disconnect, so the
// daemon never needs a clean-shutdown write for correctness.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
)

// Announcer is the slice of the remote client presence needs.
type Announcer interface {
	SetOnline(ctx context.Context, online bool) error
	TouchLastSeen(ctx context.Context, at time.Time) error
}

// Heartbeat publishes the local presence state.
type Heartbeat struct {
	ann      Announcer
	bus      *bus.Bus
	log      *zap.Logger
	interval time.Duration
}

func New(ann Announcer, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Heartbeat {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Heartbeat{ann: ann, bus: b, log: logger, interval: interval}
}

// Run announces online on every connect and refreshes last-seen on a
// ticker while connected. Blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	events, cancel := h.bus.Subscribe("remote.", 8)
	defer cancel()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	connected := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindRemoteConnected:
				connected = true
				h.announce(ctx)
			case bus.KindRemoteDropped:
				connected = false
			}
		case <-ticker.C:
			if !connected {
				continue
			}
			if err := h.ann.TouchLastSeen(ctx, time.Now()); err != nil {
				h.log.Warn("last seen refresh failed", zap.Error(err))
			}
		}
	}
}

func (h *Heartbeat) announce(ctx context.Context) {
	if err := h.ann.SetOnline(ctx, true); err != nil {
		h.log.Warn("online announce failed", zap.Error(err))
		return
	}
	if err := h.ann.TouchLastSeen(ctx, time.Now()); err != nil {
		h.log.Warn("last seen write failed", zap.Error(err))
	}
}
