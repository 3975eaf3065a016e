package store

import "time"

// QueueOutbox records a pending outgoing message. msgID is the remote
// push id; localMsgID points at the optimistic local row whose status the
// sender advances.
func (db *DB) QueueOutbox(msgID, peerID, body string, sentAt, localMsgID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (msg_id, peer_id, body, sent_at, local_msg_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		msgID, peerID, body, sentAt, localMsgID, now, now)
	return err
}

// PendingOutbox returns queued entries whose backoff window has elapsed,
// oldest first.
func (db *DB) PendingOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, peer_id, body, sent_at, local_msg_id, status, attempts, next_attempt_at, error_message
		FROM outbox
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MsgID, &e.PeerID, &e.Body, &e.SentAt, &e.LocalMsgID,
			&e.Status, &e.Attempts, &e.NextAttemptAt, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueStaleSending flips entries stuck at 'sending' back to 'queued'.
// A claim only resolves in-process, so any 'sending' row at daemon
// startup belongs to a crashed run and would otherwise strand the
// message forever. Returns the number of entries recovered.
func (db *DB) RequeueStaleSending() (int64, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', next_attempt_at = 0, updated_at = ?
		WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkOutboxSending flips an entry to 'sending' for the current attempt.
func (db *DB) MarkOutboxSending(msgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE msg_id = ?`,
		time.Now().UnixMilli(), msgID)
	return err
}

// MarkOutboxSent completes an entry after the remote write is acked.
func (db *DB) MarkOutboxSent(msgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE msg_id = ?`,
		time.Now().UnixMilli(), msgID)
	return err
}

// RequeueOutbox schedules a retry after a failed attempt.
func (db *DB) RequeueOutbox(msgID, errMsg string, nextAttemptAt int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = attempts + 1,
			next_attempt_at = ?, error_message = ?, updated_at = ?
		WHERE msg_id = ?`,
		nextAttemptAt, errMsg, time.Now().UnixMilli(), msgID)
	return err
}

// MarkOutboxFailed terminally fails an entry after retries are exhausted.
func (db *DB) MarkOutboxFailed(msgID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', attempts = attempts + 1,
			error_message = ?, updated_at = ?
		WHERE msg_id = ?`,
		errMsg, time.Now().UnixMilli(), msgID)
	return err
}
