package store

import (
	"strings"
	"time"

	"github.com/guildwork/chatsync/internal/model"
)

// QueueOutbox persists a message composed while disconnected. The local id
// is stable across retries, so a re-enqueue of a previously failed message
// reuses its row and returns it to 'queued'.
func (db *DB) QueueOutbox(e *model.OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conversation_id, body, kind, attachments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			body = excluded.body,
			kind = excluded.kind,
			attachments = excluded.attachments,
			status = 'queued',
			error_message = '',
			updated_at = excluded.updated_at`,
		e.LocalID, e.ConversationID, e.Body, string(e.Kind), joinAttachments(e.Attachments), now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxQueued returns an entry to 'queued', used when a flush halts
// before the entry was acknowledged.
func (db *DB) MarkOutboxQueued(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// DeleteOutbox removes an entry once its message left the pending state.
func (db *DB) DeleteOutbox(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// PendingOutbox returns queued entries in enqueue order.
func (db *DB) PendingOutbox() ([]*model.OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, conversation_id, body, kind, attachments, status, error_message
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var kind, attachments string
		if err := rows.Scan(&e.LocalID, &e.ConversationID, &e.Body, &kind, &attachments, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Kind = model.Kind(kind)
		e.Attachments = splitAttachments(attachments)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func joinAttachments(refs []string) string {
	return strings.Join(refs, "\n")
}

func splitAttachments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
