package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/outbox"
	"github.com/maxohm/privchat/internal/remote"
	"github.com/maxohm/privchat/internal/repo"
	"github.com/maxohm/privchat/internal/status"
	"github.com/maxohm/privchat/internal/store"
	syncpkg "github.com/maxohm/privchat/internal/sync"
)

const selfID = "+15550001"

type nopSub struct{}

func (nopSub) Cancel() {}

// stubChannel satisfies the coordinator and sender interfaces without a
// live hub.
type stubChannel struct{}

func (stubChannel) WatchInbox(selfID, peerID string, onAdded func(string, remote.MessageRecord), onCancelled func(error)) (syncpkg.Subscription, error) {
	return nopSub{}, nil
}

func (stubChannel) WatchChatList(uid string, onSnapshot func(map[string]remote.ChatRecord), onCancelled func(error)) (syncpkg.Subscription, error) {
	return nopSub{}, nil
}

func (stubChannel) WatchPresence(uid string, onChange func(bool), onCancelled func(error)) (syncpkg.Subscription, error) {
	return nopSub{}, nil
}

func (stubChannel) MarkInboxRead(ctx context.Context, selfID, peerID string) error { return nil }

func (stubChannel) WriteMessage(ctx context.Context, selfID, peerID, msgID string, rec remote.MessageRecord) error {
	return nil
}

func testServer(t *testing.T, identity string) (*Server, *store.DB, *syncpkg.Coordinator) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zap.NewNop()
	ch := stubChannel{}
	coord := syncpkg.NewCoordinator(db, ch, b, log, identity)
	sender := outbox.NewSender(db, ch, b, log, identity, outbox.Options{})
	r := repo.New(db, b, log, identity)
	machine := status.NewMachine(b)

	return New(log, machine, r, coord, sender, db, b), db, coord
}

func decode[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := testServer(t, selfID)
	app := s.App()

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/status", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp.Body)
	if body["state"] != "BOOTING" {
		t.Fatalf("state = %v", body["state"])
	}
	if body["conv_state"] != "idle" {
		t.Fatalf("conv_state = %v", body["conv_state"])
	}
}

func TestChatAndMessageQueries(t *testing.T) {
	s, db, _ := testServer(t, selfID)
	app := s.App()

	if err := db.UpsertChat(&store.Chat{PeerID: "+15550002", DisplayName: "Bob", LastMessage: "yo", LastMessageAt: 5}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if _, err := db.AppendMessage(&store.Message{ChatPeerID: "+15550002", SenderID: "+15550002", Body: "yo", SentAt: 5, Status: store.StatusDelivered}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/chats", nil))
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	chats := decode[[]repo.ChatSummary](t, resp.Body)
	if len(chats) != 1 || chats[0].DisplayName != "Bob" {
		t.Fatalf("chats = %+v", chats)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/v1/chats/+15550002/messages", nil))
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	msgs := decode[[]repo.MessageView](t, resp.Body)
	if len(msgs) != 1 || msgs[0].Body != "yo" || msgs[0].Mine {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendEndpoint(t *testing.T) {
	s, db, _ := testServer(t, selfID)
	app := s.App()

	req := httptest.NewRequest("POST", "/v1/chats/+15550002/messages", strings.NewReader(`{"body":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp.Body)
	if body["status"] != "sending" {
		t.Fatalf("send response = %v", body)
	}

	count, _ := db.MessageCount()
	if count != 1 {
		t.Fatalf("messages = %d, want 1", count)
	}

	// Empty body rejected.
	req = httptest.NewRequest("POST", "/v1/chats/+15550002/messages", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != 400 {
		t.Fatalf("empty body status = %d, want 400", resp.StatusCode)
	}
}

func TestSendWithoutIdentityIsUnauthorized(t *testing.T) {
	s, _, _ := testServer(t, "")
	app := s.App()

	req := httptest.NewRequest("POST", "/v1/chats/+15550002/messages", strings.NewReader(`{"body":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestBadPeerRejected(t *testing.T) {
	s, _, _ := testServer(t, selfID)
	app := s.App()

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/chats/bogus/messages", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationOpenAndClose(t *testing.T) {
	s, _, coord := testServer(t, selfID)
	app := s.App()

	resp, err := app.Test(httptest.NewRequest("POST", "/v1/conversation/+15550002/open", nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	if coord.ActivePeer() != "+15550002" {
		t.Fatalf("active peer = %s", coord.ActivePeer())
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/v1/conversation/close", nil))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("close status = %d", resp.StatusCode)
	}
	if coord.ActivePeer() != "" {
		t.Fatal("conversation still open")
	}
}

func TestDeleteChatClosesActiveConversation(t *testing.T) {
	s, db, coord := testServer(t, selfID)
	app := s.App()

	if _, err := app.Test(httptest.NewRequest("POST", "/v1/conversation/+15550002/open", nil)); err != nil {
		t.Fatalf("open: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("DELETE", "/v1/chats/+15550002", nil))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if coord.ActivePeer() != "" {
		t.Fatal("conversation not closed by delete")
	}
	chat, err := db.GetChat("+15550002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if chat != nil {
		t.Fatal("chat row survived delete")
	}
}
