// Package outbound implements OutboundLedger, the record of agent-sent
// messages used by the feedback tracker and the proactive scheduler's
// follow-up-candidate scan.
package outbound

import (
	"database/sql"
	"fmt"

	"github.com/homieagent/homie/pkg/dbutil"
)

// MessageType classifies an outbound send as reactive (a turn reply) or
// proactive (scheduler-initiated).
type MessageType string

const (
	Reactive  MessageType = "reactive"
	Proactive MessageType = "proactive"
)

// Row is one outbound ledger entry.
type Row struct {
	ID                   int64
	ChatID               string
	RefKey               string
	Text                 string
	SentAtMs             int64
	IsGroup              bool
	PrimaryChannelUserID string
	MessageType          MessageType
	GotReply             bool
	Refinement           bool
	LessonLogged         bool
}

// RecordSendParams is the input to RecordSend.
type RecordSendParams struct {
	ChatID               string
	Text                 string
	MessageType          MessageType
	SentAtMs             int64
	RefKey               string
	PrimaryChannelUserID string
	IsGroup              bool
}

// Ledger owns the outbound ledger table.
type Ledger struct {
	db *sql.DB
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS outbound (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id TEXT NOT NULL,
				ref_key TEXT NOT NULL DEFAULT '',
				text TEXT NOT NULL,
				sent_at_ms INTEGER NOT NULL,
				is_group INTEGER NOT NULL DEFAULT 0,
				primary_channel_user_id TEXT NOT NULL DEFAULT '',
				message_type TEXT NOT NULL,
				got_reply INTEGER NOT NULL DEFAULT 0,
				refinement INTEGER NOT NULL DEFAULT 0,
				lesson_logged INTEGER NOT NULL DEFAULT 0
			)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_outbound_chat_sent ON outbound(chat_id, sent_at_ms)`)
			return err
		}},
	}
}

// Open opens the sqlite file at path and runs migrations.
func Open(path string) (*Ledger, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordSend appends a row for a message the engine sent.
func (l *Ledger) RecordSend(p RecordSendParams) (int64, error) {
	res, err := l.db.Exec(
		`INSERT INTO outbound (chat_id, ref_key, text, sent_at_ms, is_group, primary_channel_user_id, message_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ChatID, p.RefKey, p.Text, p.SentAtMs, boolToInt(p.IsGroup), p.PrimaryChannelUserID, string(p.MessageType),
	)
	if err != nil {
		return 0, fmt.Errorf("recording send: %w", err)
	}
	return res.LastInsertId()
}

// OnIncomingReplyParams is the input to OnIncomingReply.
type OnIncomingReplyParams struct {
	ChatID      string
	RefKey      string
	TimestampMs int64
}

// OnIncomingReply marks the nearest preceding outbound row from chatId as
// having received a reply.
func (l *Ledger) OnIncomingReply(p OnIncomingReplyParams) error {
	var query string
	var args []interface{}
	if p.RefKey != "" {
		query = `UPDATE outbound SET got_reply = 1 WHERE id = (
			SELECT id FROM outbound WHERE chat_id = ? AND ref_key = ? ORDER BY sent_at_ms DESC LIMIT 1
		)`
		args = []interface{}{p.ChatID, p.RefKey}
	} else {
		query = `UPDATE outbound SET got_reply = 1 WHERE id = (
			SELECT id FROM outbound WHERE chat_id = ? AND sent_at_ms <= ? ORDER BY sent_at_ms DESC LIMIT 1
		)`
		args = []interface{}{p.ChatID, p.TimestampMs}
	}
	_, err := l.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("marking reply: %w", err)
	}
	return nil
}

// LastRefKeyForChat returns the refKey of the most recent outbound row
// sent to chatID at or before beforeMs, for callers that need to
// correlate an incoming message back to the send it answers (e.g. the
// feedback tracker's reply signal).
func (l *Ledger) LastRefKeyForChat(chatID string, beforeMs int64) (string, bool, error) {
	var refKey string
	err := l.db.QueryRow(
		`SELECT ref_key FROM outbound WHERE chat_id = ? AND sent_at_ms <= ? ORDER BY sent_at_ms DESC LIMIT 1`,
		chatID, beforeMs,
	).Scan(&refKey)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading last ref key for chat: %w", err)
	}
	return refKey, refKey != "", nil
}

// ListUnansweredParams is the input to ListUnansweredInWindow.
type ListUnansweredParams struct {
	MinSentAtMs int64
	MaxSentAtMs int64
	Limit       int
}

// ListUnansweredInWindow returns outbound rows with no reply in the given
// send-time window, for the scheduler's follow-up-candidate scan.
func (l *Ledger) ListUnansweredInWindow(p ListUnansweredParams) ([]Row, error) {
	rows, err := l.db.Query(
		`SELECT id, chat_id, ref_key, text, sent_at_ms, is_group, primary_channel_user_id, message_type, got_reply, refinement, lesson_logged
		 FROM outbound
		 WHERE got_reply = 0 AND sent_at_ms >= ? AND sent_at_ms <= ?
		 ORDER BY sent_at_ms ASC LIMIT ?`,
		p.MinSentAtMs, p.MaxSentAtMs, p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unanswered: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// MarkRefinement sets the refinement flag on the row matching refKey.
func (l *Ledger) MarkRefinement(refKey string) error {
	_, err := l.db.Exec(`UPDATE outbound SET refinement = 1 WHERE ref_key = ?`, refKey)
	if err != nil {
		return fmt.Errorf("marking refinement: %w", err)
	}
	return nil
}

// MarkLessonLogged records that a behavioral lesson has been derived from
// this row, so the feedback tracker does not double-count it.
func (l *Ledger) MarkLessonLogged(id int64) error {
	_, err := l.db.Exec(`UPDATE outbound SET lesson_logged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking lesson logged: %w", err)
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var isGroup, gotReply, refinement, lessonLogged int
		var mt string
		if err := rows.Scan(&r.ID, &r.ChatID, &r.RefKey, &r.Text, &r.SentAtMs, &isGroup, &r.PrimaryChannelUserID, &mt, &gotReply, &refinement, &lessonLogged); err != nil {
			return nil, fmt.Errorf("scanning outbound row: %w", err)
		}
		r.IsGroup = isGroup != 0
		r.GotReply = gotReply != 0
		r.Refinement = refinement != 0
		r.LessonLogged = lessonLogged != 0
		r.MessageType = MessageType(mt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
