package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maxohm/privchat/internal/bus"
)

// maxAvatarRefBytes bounds the avatar reference stored per chat. Larger
// blobs are dropped rather than bloating every chat-list query.
const maxAvatarRefBytes = 10000

// UpsertChat inserts or replaces a chat by peer id. Idempotent.
func (db *DB) UpsertChat(c *Chat) error {
	avatar := c.AvatarRef
	if len(avatar) > maxAvatarRefBytes {
		avatar = ""
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (peer_id, display_name, avatar_ref, status_text, last_message, last_message_at, unread_count, is_online, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			status_text = excluded.status_text,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			is_online = excluded.is_online,
			updated_at = excluded.updated_at`,
		c.PeerID, c.DisplayName, avatar, c.StatusText, c.LastMessage, c.LastMessageAt, c.UnreadCount, c.IsOnline, now)
	if err != nil {
		return err
	}
	db.notify(bus.KindChatsChanged, c.PeerID)
	return nil
}

const chatColumns = `peer_id, display_name, avatar_ref, status_text, last_message, last_message_at, unread_count, is_online`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.PeerID, &c.DisplayName, &c.AvatarRef, &c.StatusText,
		&c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.IsOnline)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AllChats returns every chat, most recent conversation first.
func (db *DB) AllChats() ([]Chat, error) {
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats ORDER BY last_message_at DESC, peer_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns one chat by peer id, or nil when absent.
func (db *DB) GetChat(peerID string) (*Chat, error) {
	c, err := scanChat(db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE peer_id = ?`, peerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateChatProfile refreshes the peer-owned profile columns without
// touching unread counters or last-message state. Oversized avatar
// references are dropped the same way UpsertChat drops them.
func (db *DB) UpdateChatProfile(peerID, displayName, avatarRef, statusText string) error {
	if len(avatarRef) > maxAvatarRefBytes {
		avatarRef = ""
	}
	_, err := db.Exec(`
		UPDATE chats SET display_name = ?, avatar_ref = ?, status_text = ?, updated_at = ?
		WHERE peer_id = ?`,
		displayName, avatarRef, statusText, time.Now().UnixMilli(), peerID)
	if err != nil {
		return err
	}
	db.notify(bus.KindChatsChanged, peerID)
	return nil
}

// UpdateLastMessage sets the chat's last-message preview and timestamp.
// The timestamp never moves backwards.
func (db *DB) UpdateLastMessage(peerID, body string, ts int64) error {
	_, err := db.Exec(`
		UPDATE chats SET
			last_message = CASE WHEN ? >= last_message_at THEN ? ELSE last_message END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE peer_id = ?`,
		ts, body, ts, time.Now().UnixMilli(), peerID)
	if err != nil {
		return err
	}
	db.notify(bus.KindChatsChanged, peerID)
	return nil
}

// IncrementUnread bumps the unread counter for an accepted inbound
// message.
func (db *DB) IncrementUnread(peerID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE peer_id = ?`,
		time.Now().UnixMilli(), peerID)
	if err != nil {
		return err
	}
	db.notify(bus.KindChatsChanged, peerID)
	return nil
}

// MarkChatRead zeroes the unread counter and flips every message of the
// chat to read. Two sub-writes, best-effort: a crash between them heals
// on the next full resync.
func (db *DB) MarkChatRead(peerID string) error {
	if _, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE peer_id = ?`,
		time.Now().UnixMilli(), peerID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	if _, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE chat_peer_id = ? AND is_read = 0`, peerID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	db.notify(bus.KindChatsChanged, peerID)
	db.notify(bus.KindMessagesChanged, peerID)
	return nil
}

// SetPresence records the advisory online flag for a peer.
func (db *DB) SetPresence(peerID string, online bool) error {
	_, err := db.Exec(`UPDATE chats SET is_online = ?, updated_at = ? WHERE peer_id = ?`,
		online, time.Now().UnixMilli(), peerID)
	if err != nil {
		return err
	}
	db.notify(bus.KindChatsChanged, peerID)
	return nil
}

// DeleteChat removes the chat row and cascades to its messages.
func (db *DB) DeleteChat(peerID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(bus.KindChatsChanged, peerID)
	db.notify(bus.KindMessagesChanged, peerID)
	return nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
