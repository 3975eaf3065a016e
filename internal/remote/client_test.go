package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/hub"
)

// startHub serves a real hub on a loopback port and returns its ws URL.
func startHub(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := hub.NewServer(zap.NewNop())
	app := srv.App()
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() {
		_ = app.Shutdown()
	})
	return "ws://" + ln.Addr().String()
}

func dialClient(t *testing.T, url, uid string, b *bus.Bus) *Client {
	t.Helper()
	c := NewClient(Options{
		URL:         url,
		UID:         uid,
		Logger:      zap.NewNop(),
		Bus:         b,
		CallTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", uid, err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	url := startHub(t)
	c := dialClient(t, url, "+15550001", nil)

	ctx := context.Background()
	if err := c.Put(ctx, "users/+15550001/online_status", json.RawMessage(`true`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := c.Get(ctx, "users/+15550001/online_status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(raw) != "true" {
		t.Fatalf("snapshot = %s, want true", raw)
	}
}

func TestWriteMessageReachesBothInboxes(t *testing.T) {
	url := startHub(t)
	alice := dialClient(t, url, "+15550001", nil)
	bob := dialClient(t, url, "+15550002", nil)

	got := make(chan MessageRecord, 4)
	sub, err := bob.WatchInbox("+15550002", "+15550001", func(key string, rec MessageRecord) {
		got <- rec
	}, nil)
	if err != nil {
		t.Fatalf("watch inbox: %v", err)
	}
	defer sub.Cancel()

	rec := MessageRecord{SenderID: "+15550001", Body: "hello", SentAt: 1700000000000, Status: "sent"}
	if err := alice.WriteMessage(context.Background(), "+15550001", "+15550002", "m1", rec); err != nil {
		t.Fatalf("write message: %v", err)
	}

	select {
	case r := <-got:
		if r.Body != "hello" || r.SenderID != "+15550001" {
			t.Fatalf("unexpected record %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for child_added on bob's inbox")
	}

	// The sender's own copy is live too: a fresh listener replays it.
	replay := make(chan MessageRecord, 4)
	sub2, err := alice.WatchInbox("+15550001", "+15550002", func(key string, rec MessageRecord) {
		replay <- rec
	}, nil)
	if err != nil {
		t.Fatalf("watch own inbox: %v", err)
	}
	defer sub2.Cancel()

	select {
	case r := <-replay:
		if r.Body != "hello" {
			t.Fatalf("unexpected replayed record %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for replay on alice's inbox")
	}
}

func TestWatchInboxSkipsMalformedPayload(t *testing.T) {
	url := startHub(t)
	c := dialClient(t, url, "+15550001", nil)

	ctx := context.Background()
	// A record without senderId must be skipped, not kill the listener.
	if err := c.Put(ctx, hub.MessagePath("+15550001", "+15550002", "bad"), json.RawMessage(`{"body":"x"}`)); err != nil {
		t.Fatalf("put bad: %v", err)
	}
	good := MessageRecord{SenderID: "+15550002", Body: "ok", SentAt: 1700000000001}
	payload, _ := json.Marshal(good)
	if err := c.Put(ctx, hub.MessagePath("+15550001", "+15550002", "good"), payload); err != nil {
		t.Fatalf("put good: %v", err)
	}

	got := make(chan MessageRecord, 4)
	sub, err := c.WatchInbox("+15550001", "+15550002", func(key string, rec MessageRecord) {
		got <- rec
	}, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Cancel()

	select {
	case r := <-got:
		if r.Body != "ok" {
			t.Fatalf("expected only the valid record, got %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for valid record")
	}
	select {
	case r := <-got:
		t.Fatalf("unexpected extra record %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	url := startHub(t)
	alice := dialClient(t, url, "+15550001", nil)
	bob := dialClient(t, url, "+15550002", nil)

	got := make(chan MessageRecord, 4)
	sub, err := bob.WatchInbox("+15550002", "+15550001", func(key string, rec MessageRecord) {
		got <- rec
	}, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	sub.Cancel()
	sub.Cancel() // idempotent

	rec := MessageRecord{SenderID: "+15550001", Body: "after cancel", SentAt: 1700000000002}
	if err := alice.WriteMessage(context.Background(), "+15550001", "+15550002", "m1", rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-got:
		t.Fatalf("received record after cancel: %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchChatListSnapshots(t *testing.T) {
	url := startHub(t)
	c := dialClient(t, url, "+15550001", nil)

	snaps := make(chan map[string]ChatRecord, 4)
	sub, err := c.WatchChatList("+15550001", func(m map[string]ChatRecord) {
		snaps <- m
	}, nil)
	if err != nil {
		t.Fatalf("watch chat list: %v", err)
	}
	defer sub.Cancel()

	// Initial snapshot of an empty subtree.
	select {
	case m := <-snaps:
		if len(m) != 0 {
			t.Fatalf("initial snapshot = %v, want empty", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}

	entry, _ := json.Marshal(ChatRecord{PeerID: "+15550002", DisplayName: "Bob"})
	if err := c.Put(context.Background(), hub.ChatListPath("+15550001")+"/+15550002", entry); err != nil {
		t.Fatalf("put chat entry: %v", err)
	}

	select {
	case m := <-snaps:
		rec, ok := m["+15550002"]
		if !ok || rec.DisplayName != "Bob" {
			t.Fatalf("snapshot after put = %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for updated snapshot")
	}
}

func TestMarkInboxRead(t *testing.T) {
	url := startHub(t)
	alice := dialClient(t, url, "+15550001", nil)
	bob := dialClient(t, url, "+15550002", nil)

	ctx := context.Background()
	rec := MessageRecord{SenderID: "+15550002", Body: "hi", SentAt: 1700000000003, Status: "delivered"}
	if err := bob.WriteMessage(ctx, "+15550002", "+15550001", "m1", rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	own := MessageRecord{SenderID: "+15550001", Body: "mine", SentAt: 1700000000004, Status: "sent"}
	if err := alice.WriteMessage(ctx, "+15550001", "+15550002", "m2", own); err != nil {
		t.Fatalf("write own: %v", err)
	}

	if err := alice.MarkInboxRead(ctx, "+15550001", "+15550002"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// Peer's copy of the peer-sent message flips to read.
	raw, err := bob.Get(ctx, hub.MessagePath("+15550002", "+15550001", "m1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	updated, err := DecodeMessageRecord(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !updated.IsRead || updated.Status != "read" {
		t.Fatalf("peer copy not marked read: %+v", updated)
	}

	// Own outgoing message is left alone.
	raw, err = alice.Get(ctx, hub.MessagePath("+15550001", "+15550002", "m2"))
	if err != nil {
		t.Fatalf("get own: %v", err)
	}
	mine, err := DecodeMessageRecord(raw)
	if err != nil {
		t.Fatalf("decode own: %v", err)
	}
	if mine.IsRead {
		t.Fatalf("own message wrongly marked read: %+v", mine)
	}
}

func TestDisconnectCancelsWatchesAndPublishesDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := hub.NewServer(zap.NewNop())
	app := srv.App()
	go func() {
		_ = app.Listener(ln)
	}()

	b := bus.New()
	events, stop := b.Subscribe("remote.", 8)
	defer stop()

	c := NewClient(Options{
		URL:                  "ws://" + ln.Addr().String(),
		UID:                  "+15550001",
		Logger:               zap.NewNop(),
		Bus:                  b,
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   10 * time.Millisecond,
		CallTimeout:          2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	waitKind(t, events, bus.KindRemoteConnected)

	cancelled := make(chan error, 1)
	if _, err := c.WatchInbox("+15550001", "+15550002", func(string, MessageRecord) {}, func(err error) {
		cancelled <- err
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Kill the hub out from under the client.
	if err := app.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-cancelled:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watch cancellation")
	}
	waitKind(t, events, bus.KindRemoteDropped)
}

func waitKind(t *testing.T, events <-chan bus.Event, kind string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}
