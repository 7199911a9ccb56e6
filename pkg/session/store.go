// Package session implements the persistent per-chat message log, token
// estimation, and compaction with persona re-injection.
package session

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/homieagent/homie/pkg/dbutil"
	"github.com/homieagent/homie/pkg/logger"
)

const component = "session"

// Role is the role of a SessionMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one row of a chat's append-only log.
type Message struct {
	ID              int64
	ChatID          string
	Role            Role
	Content         string
	CreatedAtMs     int64
	AuthorID        string
	AuthorName      string
	SourceMessageID string
	Attachments     string // JSON-encoded []media.Descriptor, empty if none
}

// Store owns the sessions/session_messages tables.
type Store struct {
	db *sql.DB
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					chat_id TEXT PRIMARY KEY,
					updated_at_ms INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS session_messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					chat_id TEXT NOT NULL,
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					created_at_ms INTEGER NOT NULL,
					author_id TEXT NOT NULL DEFAULT '',
					author_name TEXT NOT NULL DEFAULT '',
					source_message_id TEXT NOT NULL DEFAULT '',
					attachments TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX IF NOT EXISTS idx_session_messages_chat ON session_messages(chat_id, id)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

// Open opens the sqlite file at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AppendMessage atomically upserts the session row and inserts msg,
// returning the assigned id. The session-upsert + message-insert pair
// runs in a single transaction so no message is ever recorded against a
// session row that fails to exist.
func (s *Store) AppendMessage(msg Message) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (chat_id, updated_at_ms) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`,
		msg.ChatID, msg.CreatedAtMs,
	); err != nil {
		return 0, fmt.Errorf("upserting session: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO session_messages (chat_id, role, content, created_at_ms, author_id, author_name, source_message_id, attachments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, string(msg.Role), msg.Content, msg.CreatedAtMs, msg.AuthorID, msg.AuthorName, msg.SourceMessageID, msg.Attachments,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}

	return id, nil
}

// GetMessages returns the last limit messages for chatID in ascending id
// order.
func (s *Store) GetMessages(chatID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, role, content, created_at_ms, author_id, author_name, source_message_id, attachments
		 FROM (
		   SELECT * FROM session_messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &m.CreatedAtMs, &m.AuthorID, &m.AuthorName, &m.SourceMessageID, &m.Attachments); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EstimateTokens is an approximate token count using a fixed-ratio
// heuristic over every message's content (rune count / 3), matching the
// estimator the engine's prompt assembly budgets against.
func (s *Store) EstimateTokens(chatID string) (int, error) {
	var total sql.NullString
	row := s.db.QueryRow(`SELECT group_concat(content, '') FROM session_messages WHERE chat_id = ?`, chatID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("estimating tokens: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return EstimateTokensForText(total.String), nil
}

// EstimateTokensForText applies the same rune-count/3 heuristic to an
// arbitrary string, used by callers estimating a prefix before it is
// persisted.
func EstimateTokensForText(text string) int {
	n := len([]rune(text))
	return n / 3
}

// CompactOptions configures CompactIfNeeded.
type CompactOptions struct {
	MaxTokens      int
	PersonaReminder string
	Summarize      func(formattedPrefix string) (string, error)
	Force          bool
}

// CompactIfNeeded replaces an oldest-first prefix of chatID's messages
// with two synthetic system rows (a summary and a persona reminder) once
// the session is both long enough and large enough, per the rules below.
// It returns whether compaction occurred.
func (s *Store) CompactIfNeeded(chatID string, opts CompactOptions) (bool, error) {
	all, err := s.GetMessages(chatID, 1_000_000)
	if err != nil {
		return false, err
	}
	if len(all) < 8 {
		return false, nil
	}

	var totalText strings.Builder
	for _, m := range all {
		totalText.WriteString(m.Content)
	}
	estimated := EstimateTokensForText(totalText.String())

	if !opts.Force && float64(estimated) <= 0.8*float64(opts.MaxTokens) {
		return false, nil
	}

	// Scan oldest-first, accumulating until remaining tokens would fall
	// below 0.6*maxTokens.
	target := 0.6 * float64(opts.MaxTokens)
	var prefix []Message
	var prefixText strings.Builder
	remaining := estimated

	for _, m := range all {
		if float64(remaining) < target {
			break
		}
		prefix = append(prefix, m)
		prefixText.WriteString(m.Content)
		remaining -= EstimateTokensForText(m.Content)
	}

	if len(prefix) < 1 || len(prefix) > len(all)-2 {
		logger.DebugCF(component, "compaction window out of bounds, skipping", map[string]interface{}{
			"chatId": chatID, "prefixLen": len(prefix), "total": len(all),
		})
		return false, nil
	}

	summary, err := opts.Summarize(formatPrefix(prefix))
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			logger.WarnCF(component, "summarize failed, aborting compaction", map[string]interface{}{
				"chatId": chatID, "error": err.Error(),
			})
		}
		return false, nil
	}

	return true, s.replacePrefix(chatID, prefix, summary, opts.PersonaReminder)
}

func formatPrefix(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func (s *Store) replacePrefix(chatID string, prefix []Message, summary, personaReminder string) error {
	if len(prefix) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning compaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]interface{}, 0, len(prefix))
	placeholders := make([]string, 0, len(prefix))
	for _, m := range prefix {
		ids = append(ids, m.ID)
		placeholders = append(placeholders, "?")
	}

	deleteSQL := fmt.Sprintf("DELETE FROM session_messages WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.Exec(deleteSQL, ids...); err != nil {
		return fmt.Errorf("deleting compacted prefix: %w", err)
	}

	first, last := prefix[0].CreatedAtMs, prefix[len(prefix)-1].CreatedAtMs

	if _, err := tx.Exec(
		`INSERT INTO session_messages (chat_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)`,
		chatID, string(RoleSystem), "=== CONVERSATION SUMMARY ===\n"+summary, first,
	); err != nil {
		return fmt.Errorf("inserting summary row: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO session_messages (chat_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)`,
		chatID, string(RoleSystem), "=== PERSONA REMINDER ===\n"+personaReminder, last,
	); err != nil {
		return fmt.Errorf("inserting persona reminder row: %w", err)
	}

	return tx.Commit()
}
