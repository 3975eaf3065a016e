package daemon

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/status"
)

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Current() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.Current(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDropMovesReadyToReconnecting(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	for _, s := range []status.State{status.Connecting, status.Syncing, status.Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go newConnectionWatcher(m, zap.NewNop()).Run(ctx, b)

	b.Publish(bus.NewEvent(bus.KindRemoteDropped, nil))
	waitState(t, m, status.Reconnecting)

	b.Publish(bus.NewEvent(bus.KindRemoteConnected, nil))
	waitState(t, m, status.Ready)
}

func TestWatcherIgnoresInitialConnect(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	if err := m.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go newConnectionWatcher(m, zap.NewNop()).Run(ctx, b)

	// The startup goroutine owns this edge; the watcher must not race it.
	b.Publish(bus.NewEvent(bus.KindRemoteConnected, nil))
	time.Sleep(100 * time.Millisecond)
	if got := m.Current(); got != status.Connecting {
		t.Fatalf("state = %s, want %s", got, status.Connecting)
	}
}
