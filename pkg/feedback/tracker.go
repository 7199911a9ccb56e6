// Package feedback observes outbound messages for reply/reaction signals
// and writes behavioral lessons back into long-term memory.
package feedback

import (
	"database/sql"
	"fmt"

	"github.com/homieagent/homie/pkg/dbutil"
)

// Signal is one observed reaction or reply against an outbound message.
type Signal struct {
	RefKey      string
	Kind        string // reply | reaction
	Value       string // reaction emoji, or empty for a plain reply
	ObservedAtMs int64
}

// LessonWriter is the narrow capability the tracker needs from
// MemoryStore to persist a derived lesson; kept as a small interface so
// pkg/feedback does not import pkg/memory directly.
type LessonWriter interface {
	AddLesson(kind, category, content string, confidence float64) error
}

// RelationshipScorer is the narrow capability the tracker needs from
// MemoryStore to feed a finalized outcome's score back into a person's
// relationship score; kept as a small interface for the same reason as
// LessonWriter.
type RelationshipScorer interface {
	UpdateRelationshipScore(personID string, score float64) error
}

// Tracker owns the feedback.outgoing/reactions/replies tables and scores
// outcomes once the finalize window has elapsed.
type Tracker struct {
	db                *sql.DB
	finalizeAfterMs   int64
	successThreshold  float64
	failureThreshold  float64
	lessons           LessonWriter
	scorer            RelationshipScorer
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS outgoing (
					ref_key TEXT PRIMARY KEY,
					chat_id TEXT NOT NULL,
					sent_at_ms INTEGER NOT NULL,
					finalized INTEGER NOT NULL DEFAULT 0,
					score REAL NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS reactions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ref_key TEXT NOT NULL,
					emoji TEXT NOT NULL,
					observed_at_ms INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS replies (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ref_key TEXT NOT NULL,
					observed_at_ms INTEGER NOT NULL
				)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		}},
		{Version: 2, Apply: func(tx *sql.Tx) error {
			return dbutil.EnsureColumn(tx, "outgoing", "person_id", "TEXT NOT NULL DEFAULT ''")
		}},
	}
}

// Options configures a Tracker.
type Options struct {
	FinalizeAfterMs  int64
	SuccessThreshold float64
	FailureThreshold float64
	Lessons          LessonWriter
	Scorer           RelationshipScorer
}

// Open opens the sqlite file at path and runs migrations.
func Open(path string, opts Options) (*Tracker, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, err
	}
	return &Tracker{
		db:               db,
		finalizeAfterMs:  opts.FinalizeAfterMs,
		successThreshold: opts.SuccessThreshold,
		failureThreshold: opts.FailureThreshold,
		lessons:          opts.Lessons,
		scorer:           opts.Scorer,
	}, nil
}

// Close releases the underlying database handle.
func (t *Tracker) Close() error { return t.db.Close() }

// ObserveSend registers an outbound message as awaiting feedback.
// personID is empty for group sends and for DMs with an untracked
// author; FinalizeDue only feeds the relationship score for non-empty
// values.
func (t *Tracker) ObserveSend(refKey, chatID, personID string, sentAtMs int64) error {
	_, err := t.db.Exec(
		`INSERT OR IGNORE INTO outgoing (ref_key, chat_id, person_id, sent_at_ms) VALUES (?, ?, ?, ?)`,
		refKey, chatID, personID, sentAtMs,
	)
	if err != nil {
		return fmt.Errorf("observing send: %w", err)
	}
	return nil
}

// ObserveReaction records a reaction emoji against refKey.
func (t *Tracker) ObserveReaction(refKey, emoji string, observedAtMs int64) error {
	_, err := t.db.Exec(
		`INSERT INTO reactions (ref_key, emoji, observed_at_ms) VALUES (?, ?, ?)`,
		refKey, emoji, observedAtMs,
	)
	if err != nil {
		return fmt.Errorf("observing reaction: %w", err)
	}
	return nil
}

// ObserveReply records a plain reply against refKey.
func (t *Tracker) ObserveReply(refKey string, observedAtMs int64) error {
	_, err := t.db.Exec(
		`INSERT INTO replies (ref_key, observed_at_ms) VALUES (?, ?)`,
		refKey, observedAtMs,
	)
	if err != nil {
		return fmt.Errorf("observing reply: %w", err)
	}
	return nil
}

// positiveReactions is the small fixed set of emoji treated as a
// positive engagement signal when scoring an outgoing message.
var positiveReactions = map[string]bool{
	"👍": true, "❤️": true, "🔥": true, "😂": true, "💯": true,
}

// FinalizeDue scores every outgoing row whose finalize window has
// elapsed and, when the score crosses successThreshold or falls below
// failureThreshold, writes a behavioral lesson via the configured
// LessonWriter.
func (t *Tracker) FinalizeDue(nowMs int64) error {
	rows, err := t.db.Query(
		`SELECT ref_key, chat_id, person_id, sent_at_ms FROM outgoing WHERE finalized = 0 AND sent_at_ms + ? <= ?`,
		t.finalizeAfterMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("listing due feedback: %w", err)
	}
	type pending struct {
		refKey, chatID, personID string
		sentAtMs                 int64
	}
	var due []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.refKey, &p.chatID, &p.personID, &p.sentAtMs); err != nil {
			rows.Close()
			return fmt.Errorf("scanning due feedback: %w", err)
		}
		due = append(due, p)
	}
	rows.Close()

	for _, p := range due {
		score, err := t.score(p.refKey)
		if err != nil {
			return err
		}

		if t.lessons != nil {
			if score >= t.successThreshold {
				t.lessons.AddLesson("success", "engagement", "message style landed well", score)
			} else if score <= t.failureThreshold {
				t.lessons.AddLesson("failure", "engagement", "message style did not land", score)
			}
		}

		if t.scorer != nil && p.personID != "" {
			if err := t.scorer.UpdateRelationshipScore(p.personID, score); err != nil {
				return fmt.Errorf("updating relationship score for %s: %w", p.personID, err)
			}
		}

		if _, err := t.db.Exec(`UPDATE outgoing SET finalized = 1, score = ? WHERE ref_key = ?`, score, p.refKey); err != nil {
			return fmt.Errorf("finalizing %s: %w", p.refKey, err)
		}
	}
	return nil
}

func (t *Tracker) score(refKey string) (float64, error) {
	var replyCount int
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM replies WHERE ref_key = ?`, refKey).Scan(&replyCount); err != nil {
		return 0, fmt.Errorf("counting replies: %w", err)
	}

	reactRows, err := t.db.Query(`SELECT emoji FROM reactions WHERE ref_key = ?`, refKey)
	if err != nil {
		return 0, fmt.Errorf("counting reactions: %w", err)
	}
	defer reactRows.Close()

	var positive, total int
	for reactRows.Next() {
		var emoji string
		if err := reactRows.Scan(&emoji); err != nil {
			return 0, fmt.Errorf("scanning reaction: %w", err)
		}
		total++
		if positiveReactions[emoji] {
			positive++
		}
	}

	score := 0.0
	if replyCount > 0 {
		score += 0.5
	}
	if total > 0 {
		score += 0.5 * (float64(positive) / float64(total))
	}
	return score, nil
}
