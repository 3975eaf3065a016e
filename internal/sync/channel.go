// Package sync owns the active-conversation state machine and the
// background chat-list syncer. It is the only writer of conversation
// state: remote listener callbacks are serialized through it before any
// store mutation.
package sync

import (
	"context"

	"github.com/maxohm/privchat/internal/remote"
)

// Subscription is a cancellable watch handle.
type Subscription interface {
	Cancel()
}

// Channel is the slice of the remote client the coordinator needs.
// Cancellation semantics follow the client: a dropped connection fires
// onCancelled and the watch is gone; re-binding is this package's job.
type Channel interface {
	WatchInbox(selfID, peerID string, onAdded func(key string, rec remote.MessageRecord), onCancelled func(error)) (Subscription, error)
	WatchChatList(uid string, onSnapshot func(map[string]remote.ChatRecord), onCancelled func(error)) (Subscription, error)
	WatchPresence(uid string, onChange func(online bool), onCancelled func(error)) (Subscription, error)
	MarkInboxRead(ctx context.Context, selfID, peerID string) error
}

// ClientChannel adapts *remote.Client to the Channel interface.
type ClientChannel struct {
	Client *remote.Client
}

func (c ClientChannel) WatchInbox(selfID, peerID string, onAdded func(string, remote.MessageRecord), onCancelled func(error)) (Subscription, error) {
	return c.Client.WatchInbox(selfID, peerID, onAdded, onCancelled)
}

func (c ClientChannel) WatchChatList(uid string, onSnapshot func(map[string]remote.ChatRecord), onCancelled func(error)) (Subscription, error) {
	return c.Client.WatchChatList(uid, onSnapshot, onCancelled)
}

func (c ClientChannel) WatchPresence(uid string, onChange func(bool), onCancelled func(error)) (Subscription, error) {
	return c.Client.WatchPresence(uid, onChange, onCancelled)
}

func (c ClientChannel) MarkInboxRead(ctx context.Context, selfID, peerID string) error {
	return c.Client.MarkInboxRead(ctx, selfID, peerID)
}
