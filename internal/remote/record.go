// Package remote is the daemon's client for the realtime hub: a thin,
// reconnecting wrapper that exposes the sync channel contract — symmetric
// message writes, inbox child listeners and chat-list snapshot watches.
package remote

import (
	"encoding/json"
	"fmt"
)

// MessageRecord is the wire shape of one message payload in the tree.
// The local row id is never part of it; the dedup tuple is.
type MessageRecord struct {
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
	IsRead   bool   `json:"isRead"`
	Status   string `json:"status"`
}

// ChatRecord is the wire shape of one chat summary under users/{uid}/chats.
type ChatRecord struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	StatusText  string `json:"statusText,omitempty"`
}

// DecodeMessageRecord parses a raw tree payload into a typed record.
// A payload that does not carry the dedup tuple is malformed: the caller
// skips it rather than aborting the listener.
func DecodeMessageRecord(raw json.RawMessage) (MessageRecord, error) {
	var rec MessageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return MessageRecord{}, fmt.Errorf("malformed message payload: %w", err)
	}
	if rec.SenderID == "" {
		return MessageRecord{}, fmt.Errorf("malformed message payload: missing senderId")
	}
	if rec.SentAt <= 0 {
		return MessageRecord{}, fmt.Errorf("malformed message payload: missing sentAt")
	}
	return rec, nil
}

// DecodeChatList parses a chat-list subtree snapshot. Entries that fail
// to decode or lack a peer id are dropped.
func DecodeChatList(raw json.RawMessage) map[string]ChatRecord {
	out := make(map[string]ChatRecord)
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return out
	}
	for id, entry := range entries {
		var rec ChatRecord
		if err := json.Unmarshal(entry, &rec); err != nil || rec.PeerID == "" {
			continue
		}
		out[id] = rec
	}
	return out
}
