// Package archive keeps a local SQLite mirror of the conversation logs so
// history survives store resets and full-text search works offline.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the profile-owned archive database.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// ArchivedMessage is one mirrored log entry.
type ArchivedMessage struct {
	ChatID      string
	MsgID       string
	Sender      string
	Body        string
	MessageType string
	CallType    string
	Edited      bool
	Seen        bool
	Timestamp   int64
}

// SearchResult pairs a matched message with its highlighted snippet.
type SearchResult struct {
	Message ArchivedMessage
	Snippet string
}

// Upsert inserts or refreshes one mirrored entry, keyed by (chat, message).
func (db *DB) Upsert(m ArchivedMessage) error {
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender, body, message_type, call_type, edited, seen, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, msg_id) DO UPDATE SET
			body = excluded.body,
			edited = excluded.edited,
			seen = excluded.seen`,
		m.ChatID, m.MsgID, m.Sender, m.Body, m.MessageType, m.CallType,
		m.Edited, m.Seen, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.MsgID, err)
	}
	return nil
}

// Delete drops one mirrored entry. The live log has no tombstones, so a
// deleted message disappears from the archive too.
func (db *DB) Delete(chatID, msgID string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID); err != nil {
		return fmt.Errorf("delete message %s: %w", msgID, err)
	}
	return nil
}

// Recent returns up to limit entries for a conversation, oldest first.
func (db *DB) Recent(chatID string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT chat_id, msg_id, sender, body, message_type, call_type, edited, seen, timestamp
		FROM messages WHERE chat_id = ?
		ORDER BY msg_id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ChatID, &m.MsgID, &m.Sender, &m.Body,
			&m.MessageType, &m.CallType, &m.Edited, &m.Seen, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into display order; the query walked newest-first to honor limit.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Search performs a full-text search on mirrored bodies, optionally scoped
// to one conversation.
func (db *DB) Search(query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.chat_id, m.msg_id, m.sender, m.body, m.message_type,
		       m.call_type, m.edited, m.seen, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ChatID, &r.Message.MsgID, &r.Message.Sender,
			&r.Message.Body, &r.Message.MessageType, &r.Message.CallType,
			&r.Message.Edited, &r.Message.Seen, &r.Message.Timestamp,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
