// Package hub implements the generic realtime tree backend: a path-keyed
// JSON tree served over WebSocket with child-added listeners and subtree
// snapshot watches. The daemon's remote channel speaks this protocol.
package hub

import "encoding/json"

// Client-to-server ops.
const (
	OpPut     = "put"
	OpGet     = "get"
	OpWatch   = "watch"
	OpUnwatch = "unwatch"
	OpPing    = "ping"
)

// Server-to-client ops.
const (
	OpChildAdded = "child_added"
	OpSnapshot   = "snapshot"
	OpAck        = "ack"
	OpCancelled  = "cancelled"
	OpPong       = "pong"
	OpError      = "error"
)

// Watch modes. Children mode fires child_added once per immediate child —
// existing children on registration, then new ones in arrival order.
// Snapshot mode re-emits the full subtree on every change beneath the path.
const (
	ModeChildren = "children"
	ModeSnapshot = "snapshot"
)

// Envelope is the wire frame for every hub message, both directions.
// ID correlates acks with puts/gets; WatchID scopes listener traffic.
type Envelope struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	WatchID string          `json:"watch_id,omitempty"`
	Path    string          `json:"path,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// MessagePath returns the tree path of one message record.
func MessagePath(senderID, receiverID, msgID string) string {
	return "messages/" + senderID + "/" + receiverID + "/" + msgID
}

// InboxPath returns the directory a party watches for messages from peer.
func InboxPath(selfID, peerID string) string {
	return "messages/" + selfID + "/" + peerID
}

// ChatListPath returns the subtree holding a user's chat summaries.
func ChatListPath(uid string) string {
	return "users/" + uid + "/chats"
}

// OnlineStatusPath and LastSeenPath are the presence side-channel paths.
func OnlineStatusPath(uid string) string { return "users/" + uid + "/online_status" }
func LastSeenPath(uid string) string     { return "users/" + uid + "/last_seen" }
