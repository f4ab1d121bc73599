package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/oklog/ulid/v2"
)

const messageColumns = `id, pair_key, client_msg_id, sender_id, recipient_id, content, kind, status, is_read, created_at`

func scanMessage(row interface{ Scan(...any) error }, m *Message) error {
	return row.Scan(&m.ID, &m.PairKey, &m.ClientMsgID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.Kind, &m.Status, &m.IsRead, &m.CreatedAt)
}

func nilIfNoRows[T any](err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return nil, err
}

// InsertMessage persists m and bumps the conversation for its pair. The
// insert is idempotent on (sender, client message id): when the sender
// already stored that client id, m is overwritten with the existing row and
// created is false. ID, PairKey and CreatedAt are filled in when empty.
func (db *DB) InsertMessage(m *Message) (created bool, err error) {
	if m.SenderID == "" || m.RecipientID == "" {
		return false, errors.New("insert message: sender and recipient are required")
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.Kind == "" {
		m.Kind = protocol.KindText
	}
	if m.Status == "" {
		m.Status = protocol.StatusSent
	}
	m.PairKey = protocol.PairKey(m.SenderID, m.RecipientID)

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.ClientMsgID != "" {
		var existing Message
		err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE sender_id = ? AND client_msg_id = ?`, m.SenderID, m.ClientMsgID), &existing)
		switch {
		case err == nil:
			*m = existing
			return false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return false, fmt.Errorf("lookup client id: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PairKey, m.ClientMsgID, m.SenderID, m.RecipientID,
		m.Content, m.Kind, m.Status, m.IsRead, m.CreatedAt); err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	userA, userB := pairMembers(m.SenderID, m.RecipientID)
	incA, incB := 0, 0
	if m.RecipientID == userA {
		incA = 1
	} else {
		incB = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO conversations (pair_key, user_a, user_b, last_message_id, last_message_at,
			last_message_preview, unread_a, unread_b, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_key) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			unread_a = conversations.unread_a + excluded.unread_a,
			unread_b = conversations.unread_b + excluded.unread_b,
			updated_at = excluded.updated_at`,
		m.PairKey, userA, userB, m.ID, m.CreatedAt, preview(m), incA, incB, m.CreatedAt); err != nil {
		return false, fmt.Errorf("bump conversation: %w", err)
	}

	for _, id := range []string{m.SenderID, m.RecipientID} {
		if _, err := tx.Exec(`INSERT INTO users (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id); err != nil {
			return false, fmt.Errorf("ensure user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetMessage returns a message by durable id, or nil if missing.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id), &m)
	if err != nil {
		return nilIfNoRows[Message](err)
	}
	return &m, nil
}

// ListMessages returns the history between user and peer, newest first.
// beforeTs > 0 pages backwards from that timestamp.
func (db *DB) ListMessages(user, peer string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pair := protocol.PairKey(user, peer)

	var (
		rows *sql.Rows
		err  error
	)
	if beforeTs > 0 {
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE pair_key = ? AND created_at < ?
			ORDER BY created_at DESC, id DESC LIMIT ?`, pair, beforeTs, limit)
	} else {
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE pair_key = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`, pair, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessageRead flips the read flag of a single message when reader is
// its recipient. Reading one message never touches the unread counter. It
// returns the updated message, or nil when nothing matched.
func (db *DB) MarkMessageRead(id, reader string) (*Message, error) {
	res, err := db.Exec(`UPDATE messages SET is_read = 1, status = ?
		WHERE id = ? AND recipient_id = ?`, protocol.StatusRead, id, reader)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetMessage(id)
}

// MarkDelivered advances a message from sent to delivered. Messages already
// further along are left alone.
func (db *DB) MarkDelivered(id string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		protocol.StatusDelivered, id, protocol.StatusSent)
	return err
}

func pairMembers(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func preview(m *Message) string {
	if m.Kind == protocol.KindImage {
		return "[image]"
	}
	r := []rune(m.Content)
	if len(r) > 80 {
		return string(r[:80])
	}
	return m.Content
}
