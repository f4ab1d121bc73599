package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// ListConversations returns user's conversations, most recent first, with
// the peer's presence embedded.
func (db *DB) ListConversations(user string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.pair_key,
			CASE WHEN c.user_a = ?1 THEN c.user_b ELSE c.user_a END AS peer,
			COALESCE(u.name, ''), COALESCE(u.is_online, 0), COALESCE(u.last_seen, 0),
			c.last_message_id, c.last_message_at, c.last_message_preview,
			CASE WHEN c.user_a = ?1 THEN c.unread_a ELSE c.unread_b END AS unread
		FROM conversations c
		LEFT JOIN users u ON u.id = (CASE WHEN c.user_a = ?1 THEN c.user_b ELSE c.user_a END)
		WHERE c.user_a = ?1 OR c.user_b = ?1
		ORDER BY c.last_message_at DESC
		LIMIT ?2 OFFSET ?3`, user, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PairKey, &c.PeerID, &c.PeerName, &c.PeerOnline, &c.PeerLastSeen,
			&c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MarkConversationRead flips every unread message peer sent to user and
// resets user's unread counter to zero. It returns the ids it flipped.
func (db *DB) MarkConversationRead(user, peer string) ([]string, error) {
	pair := protocol.PairKey(user, peer)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM messages
		WHERE pair_key = ? AND recipient_id = ? AND is_read = 0
		ORDER BY created_at`, pair, user)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE messages SET is_read = 1, status = ?
		WHERE pair_key = ? AND recipient_id = ? AND is_read = 0`,
		protocol.StatusRead, pair, user); err != nil {
		return nil, fmt.Errorf("flip unread: %w", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET
			unread_a = CASE WHEN user_a = ?1 THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN user_b = ?1 THEN 0 ELSE unread_b END,
			updated_at = ?2
		WHERE pair_key = ?3`, user, now, pair); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}
