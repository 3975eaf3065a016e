package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/maxohm/privchat/internal/bus"
)

// AppendMessage inserts a new message row and returns the local id. It
// never updates by content; callers dedup via FindMessage first. The
// unique dedup index backstops a race between concurrent listeners.
func (db *DB) AppendMessage(m *Message) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO messages (chat_peer_id, sender_id, body, sent_at, is_read, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ChatPeerID, m.SenderID, m.Body, m.SentAt, m.IsRead, m.Status, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	db.notify(bus.KindMessagesChanged, m.ChatPeerID)
	return id, nil
}

const messageColumns = `id, chat_peer_id, sender_id, body, sent_at, is_read, delivery_status`

// FindMessage is the dedup lookup: exact match on the
// (chat, body, sent_at, sender) tuple. Returns nil when no row exists.
func (db *DB) FindMessage(peerID, body string, sentAt int64, senderID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_peer_id = ? AND body = ? AND sent_at = ? AND sender_id = ?
		LIMIT 1`, peerID, body, sentAt, senderID).
		Scan(&m.ID, &m.ChatPeerID, &m.SenderID, &m.Body, &m.SentAt, &m.IsRead, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessagesForChat returns the chat's full log ascending by send time.
// Ties fall back to insertion order.
func (db *DB) MessagesForChat(peerID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_peer_id = ?
		ORDER BY sent_at ASC, id ASC`, peerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatPeerID, &m.SenderID, &m.Body, &m.SentAt, &m.IsRead, &m.Status); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastMessageForChat returns the newest message in a chat, or nil when
// the chat has none. Ties break on insertion order, matching
// MessagesForChat.
func (db *DB) LastMessageForChat(peerID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_peer_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1`, peerID).
		Scan(&m.ID, &m.ChatPeerID, &m.SenderID, &m.Body, &m.SentAt, &m.IsRead, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns one message by local id, or nil when absent.
func (db *DB) GetMessage(id int64) (*Message, error) {
	var m Message
	err := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatPeerID, &m.SenderID, &m.Body, &m.SentAt, &m.IsRead, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatus advances the delivery status. Regressions are
// silently ignored: the update applies only when the current status ranks
// strictly below the new one.
func (db *DB) UpdateMessageStatus(id int64, to Status) error {
	rank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("status %q is not part of the forward chain", to)
	}
	var lower []any
	for s, r := range statusRank {
		if r < rank {
			lower = append(lower, string(s))
		}
	}
	if len(lower) == 0 {
		return nil // sending is the floor; nothing to advance from
	}

	q := `UPDATE messages SET delivery_status = ? WHERE id = ? AND delivery_status IN (?`
	args := []any{to, id, lower[0]}
	for _, s := range lower[1:] {
		q += ",?"
		args = append(args, s)
	}
	q += ")"

	res, err := db.Exec(q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notifyMessagePeer(id)
	}
	return nil
}

// MarkMessageFailed terminally fails a message stuck in sending. A send
// that already advanced past sending is never clawed back.
func (db *DB) MarkMessageFailed(id int64) error {
	res, err := db.Exec(`UPDATE messages SET delivery_status = ? WHERE id = ? AND delivery_status = ?`,
		StatusFailed, id, StatusSending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notifyMessagePeer(id)
	}
	return nil
}

func (db *DB) notifyMessagePeer(id int64) {
	var peer string
	if err := db.QueryRow(`SELECT chat_peer_id FROM messages WHERE id = ?`, id).Scan(&peer); err == nil {
		db.notify(bus.KindMessagesChanged, peer)
	}
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
