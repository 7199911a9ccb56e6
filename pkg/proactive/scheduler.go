// Package proactive owns the durable event store behind outreach the
// agent initiates on its own — reminders, check-ins, birthdays, and
// synthesized follow-ups — plus the heartbeat loop that drains it.
package proactive

import (
	"database/sql"
	"fmt"

	"github.com/homieagent/homie/pkg/dbutil"
)

const component = "proactive"

// Recurrence values understood by markDelivered's reinsertion logic.
const (
	RecurrenceNone   = ""
	RecurrenceYearly = "yearly"
)

// Event is one row of the durable proactive-event table.
type Event struct {
	ID           int64
	ChatID       string
	Kind         string
	Subject      string
	TriggerAtMs  int64
	Recurrence   string
	Delivered    bool
	ClaimID      string
	ClaimUntilMs int64
	CreatedAtMs  int64
}

// Scheduler owns the proactive_events table and its claim lifecycle.
type Scheduler struct {
	db *sql.DB
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{
			Version: 1,
			Apply: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE proactive_events (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						chat_id TEXT NOT NULL,
						kind TEXT NOT NULL,
						subject TEXT NOT NULL,
						trigger_at_ms INTEGER NOT NULL,
						recurrence TEXT NOT NULL DEFAULT '',
						delivered INTEGER NOT NULL DEFAULT 0,
						claim_id TEXT,
						claim_until_ms INTEGER,
						created_at_ms INTEGER NOT NULL
					);
					CREATE INDEX idx_proactive_events_pending
						ON proactive_events(trigger_at_ms, delivered);
					CREATE INDEX idx_proactive_events_chat
						ON proactive_events(chat_id, trigger_at_ms);

					CREATE TABLE proactive_sends (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						chat_id TEXT NOT NULL,
						event_id INTEGER,
						is_group INTEGER NOT NULL DEFAULT 0,
						ignored INTEGER NOT NULL DEFAULT 0,
						sent_at_ms INTEGER NOT NULL
					);
					CREATE INDEX idx_proactive_sends_chat ON proactive_sends(chat_id, sent_at_ms);
					CREATE INDEX idx_proactive_sends_scope ON proactive_sends(is_group, sent_at_ms);
				`)
				return err
			},
		},
	}
}

// Open opens (or creates) the proactive-event store at path.
func Open(path string) (*Scheduler, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, fmt.Errorf("opening proactive store: %w", err)
	}
	return &Scheduler{db: db}, nil
}

func (s *Scheduler) Close() error {
	return s.db.Close()
}

// AddEvent inserts e, unless an undelivered event with the same
// (chatId, kind, subject, triggerAtMs within +/-5min) already exists.
func (s *Scheduler) AddEvent(e Event) (int64, error) {
	const fiveMinMs = 5 * 60 * 1000

	var existing int64
	err := s.db.QueryRow(`
		SELECT id FROM proactive_events
		WHERE chat_id = ? AND kind = ? AND subject = ? AND delivered = 0
		  AND trigger_at_ms BETWEEN ? AND ?
		LIMIT 1`,
		e.ChatID, e.Kind, e.Subject, e.TriggerAtMs-fiveMinMs, e.TriggerAtMs+fiveMinMs,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("checking event idempotency: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO proactive_events (chat_id, kind, subject, trigger_at_ms, recurrence, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.Kind, e.Subject, e.TriggerAtMs, e.Recurrence, e.CreatedAtMs,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting proactive event: %w", err)
	}
	return res.LastInsertId()
}

// ClaimParams configures a claimPendingEvents call.
type ClaimParams struct {
	NowMs    int64
	WindowMs int64
	Limit    int
	LeaseMs  int64
	ClaimID  string
}

// ClaimPendingEvents expires stale claims, then atomically selects and
// claims up to Limit due-or-soon events, guaranteeing at most one claim
// per event across concurrent callers on this DB file.
func (s *Scheduler) ClaimPendingEvents(p ClaimParams) ([]Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE proactive_events SET claim_id = NULL, claim_until_ms = NULL
		WHERE claim_until_ms IS NOT NULL AND claim_until_ms <= ?`, p.NowMs,
	); err != nil {
		return nil, fmt.Errorf("expiring stale claims: %w", err)
	}

	rows, err := tx.Query(`
		SELECT id, chat_id, kind, subject, trigger_at_ms, recurrence, delivered, claim_id, claim_until_ms, created_at_ms
		FROM proactive_events
		WHERE delivered = 0
		  AND trigger_at_ms <= ?
		  AND (claim_until_ms IS NULL OR claim_until_ms <= ?)
		ORDER BY trigger_at_ms ASC
		LIMIT ?`,
		p.NowMs+p.WindowMs, p.NowMs, p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting pending events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var e Event
		var claimID sql.NullString
		var claimUntil sql.NullInt64
		var delivered int
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Kind, &e.Subject, &e.TriggerAtMs, &e.Recurrence, &delivered, &claimID, &claimUntil, &e.CreatedAtMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning pending event: %w", err)
		}
		e.Delivered = delivered != 0
		e.ClaimID = claimID.String
		e.ClaimUntilMs = claimUntil.Int64
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimUntilMs := p.NowMs + p.LeaseMs
	for i := range events {
		if _, err := tx.Exec(`UPDATE proactive_events SET claim_id = ?, claim_until_ms = ? WHERE id = ?`,
			p.ClaimID, claimUntilMs, events[i].ID); err != nil {
			return nil, fmt.Errorf("claiming event %d: %w", events[i].ID, err)
		}
		events[i].ClaimID = p.ClaimID
		events[i].ClaimUntilMs = claimUntilMs
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}
	return events, nil
}

// MarkDelivered marks id delivered, requiring claimID to still hold the
// claim. Yearly-recurring events are reinserted one year out.
func (s *Scheduler) MarkDelivered(id int64, claimID string, nowMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delivery transaction: %w", err)
	}
	defer tx.Rollback()

	var triggerAtMs int64
	var recurrence string
	var currentClaim sql.NullString
	err = tx.QueryRow(`SELECT trigger_at_ms, recurrence, claim_id FROM proactive_events WHERE id = ?`, id).
		Scan(&triggerAtMs, &recurrence, &currentClaim)
	if err != nil {
		return fmt.Errorf("loading event %d: %w", id, err)
	}
	if currentClaim.String != claimID {
		return fmt.Errorf("claim mismatch for event %d", id)
	}

	if _, err := tx.Exec(`UPDATE proactive_events SET delivered = 1, claim_id = NULL, claim_until_ms = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("marking event %d delivered: %w", id, err)
	}

	if recurrence == RecurrenceYearly {
		const yearMs = 365 * 24 * 60 * 60 * 1000
		var chatID, kind, subject string
		if err := tx.QueryRow(`SELECT chat_id, kind, subject FROM proactive_events WHERE id = ?`, id).Scan(&chatID, &kind, &subject); err != nil {
			return fmt.Errorf("loading event %d for reinsertion: %w", id, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO proactive_events (chat_id, kind, subject, trigger_at_ms, recurrence, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			chatID, kind, subject, triggerAtMs+yearMs, recurrence, nowMs,
		); err != nil {
			return fmt.Errorf("reinserting yearly event: %w", err)
		}
	}

	return tx.Commit()
}

// ReleaseClaim clears the claim on id if claimID still holds it, letting
// another worker retry.
func (s *Scheduler) ReleaseClaim(id int64, claimID string) error {
	_, err := s.db.Exec(`UPDATE proactive_events SET claim_id = NULL, claim_until_ms = NULL WHERE id = ? AND claim_id = ?`, id, claimID)
	if err != nil {
		return fmt.Errorf("releasing claim on event %d: %w", id, err)
	}
	return nil
}

// DeferEvent clears the claim and advances the event's trigger time.
func (s *Scheduler) DeferEvent(id int64, claimID string, nextAttemptAtMs int64) error {
	_, err := s.db.Exec(`
		UPDATE proactive_events SET claim_id = NULL, claim_until_ms = NULL, trigger_at_ms = ?
		WHERE id = ? AND claim_id = ?`, nextAttemptAtMs, id, claimID)
	if err != nil {
		return fmt.Errorf("deferring event %d: %w", id, err)
	}
	return nil
}

// LogProactiveSend records a delivery (or suppressed delivery) for the
// rate limiters to consult.
func (s *Scheduler) LogProactiveSend(chatID string, eventID *int64, isGroup, ignored bool, nowMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO proactive_sends (chat_id, event_id, is_group, ignored, sent_at_ms) VALUES (?, ?, ?, ?, ?)`,
		chatID, eventID, boolToInt(isGroup), boolToInt(ignored), nowMs,
	)
	if err != nil {
		return fmt.Errorf("logging proactive send: %w", err)
	}
	return nil
}

func (s *Scheduler) CountRecentSendsForScope(isGroup bool, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proactive_sends WHERE is_group = ? AND sent_at_ms >= ?`, boolToInt(isGroup), sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent sends for scope: %w", err)
	}
	return n, nil
}

func (s *Scheduler) CountRecentSendsForChat(chatID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proactive_sends WHERE chat_id = ? AND sent_at_ms >= ?`, chatID, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent sends for chat: %w", err)
	}
	return n, nil
}

// CountIgnoredRecent counts consecutive-from-the-end ignored sends to
// chatID within the lookback window.
func (s *Scheduler) CountIgnoredRecent(chatID string, sinceMs int64) (int, error) {
	rows, err := s.db.Query(`
		SELECT ignored FROM proactive_sends WHERE chat_id = ? AND sent_at_ms >= ? ORDER BY sent_at_ms DESC`,
		chatID, sinceMs,
	)
	if err != nil {
		return 0, fmt.Errorf("counting ignored sends: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var ignored int
		if err := rows.Scan(&ignored); err != nil {
			return 0, err
		}
		if ignored == 0 {
			break
		}
		count++
	}
	return count, rows.Err()
}

func (s *Scheduler) LastSendMsForChat(chatID string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT sent_at_ms FROM proactive_sends WHERE chat_id = ? ORDER BY sent_at_ms DESC LIMIT 1`, chatID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading last send for chat: %w", err)
	}
	return ts, true, nil
}

// AddExtractedEvent adapts AddEvent to the memory package's narrow
// EventSink interface, so the memory extractor can persist events
// without importing this package's full Scheduler type.
func (s *Scheduler) AddExtractedEvent(chatID, kind, subject string, triggerAtMs int64, recurrence string, nowMs int64) error {
	_, err := s.AddEvent(Event{
		ChatID:      chatID,
		Kind:        kind,
		Subject:     subject,
		TriggerAtMs: triggerAtMs,
		Recurrence:  recurrence,
		CreatedAtMs: nowMs,
	})
	return err
}

// ExtractorSink adapts a Scheduler to memory.EventSink's exact method
// name. Scheduler itself can't satisfy that interface directly: its own
// AddEvent takes an Event, not the extractor's six loose parameters.
type ExtractorSink struct {
	*Scheduler
}

// AddEvent implements memory.EventSink.
func (s ExtractorSink) AddEvent(chatID, kind, subject string, triggerAtMs int64, recurrence string, nowMs int64) error {
	return s.Scheduler.AddExtractedEvent(chatID, kind, subject, triggerAtMs, recurrence, nowMs)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
