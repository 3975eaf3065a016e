package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/status"
)

// connectionWatcher drives the status machine from hub connection
// events after startup: a drop moves the daemon to RECONNECTING, a
// restored connection walks it back through SYNCING to READY. The
// initial connect is driven by the startup path, not here.
type connectionWatcher struct {
	machine *status.Machine
	log     *zap.Logger
}

func newConnectionWatcher(m *status.Machine, logger *zap.Logger) *connectionWatcher {
	return &connectionWatcher{machine: m, log: logger}
}

func (w *connectionWatcher) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe("remote.", 16)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case bus.KindRemoteDropped:
				w.log.Warn("hub connection lost")
				_ = w.machine.Transition(status.Reconnecting)
			case bus.KindRemoteConnected:
				if w.machine.Current() != status.Reconnecting {
					continue
				}
				w.log.Info("hub connection restored")
				_ = w.machine.Transition(status.Syncing)
				_ = w.machine.Transition(status.Ready)
			}
		}
	}
}
