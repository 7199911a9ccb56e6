// Package memory implements MemoryStore (people, facts, episodes,
// lessons, observation counters, dirty-flag consolidation queues) and
// MemoryExtractor, the two-pass LLM-driven extraction/reconciliation
// pipeline that feeds it.
package memory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/homieagent/homie/pkg/dbutil"
)

const component = "memory"

// TrustTier is the coarse relationship class gating proactive cadence.
type TrustTier string

const (
	TierNewContact    TrustTier = "new_contact"
	TierGettingToKnow TrustTier = "getting_to_know"
	TierEstablished   TrustTier = "established"
	TierCloseFriend   TrustTier = "close_friend"
)

// Person is one tracked contact.
type Person struct {
	ID                  string
	DisplayName         string
	Channel             string
	ChannelUserID       string
	RelationshipScore   float64
	TrustTierOverride   TrustTier
	Capsule             string
	PublicStyleCapsule  string
	CreatedAtMs         int64
	UpdatedAtMs         int64
	AvgReplyLen         float64
	AvgUserLen          float64
	ActiveHoursBitmask  int64
	ConversationCount   int
	SampleCount         int
}

// TrustTierOf derives a person's trust tier from relationshipScore and
// sampleCount, unless an override is set.
func TrustTierOf(p Person) TrustTier {
	if p.TrustTierOverride != "" {
		return p.TrustTierOverride
	}
	switch {
	case p.RelationshipScore >= 0.75 && p.SampleCount >= 100:
		return TierCloseFriend
	case p.RelationshipScore >= 0.4 && p.SampleCount >= 20:
		return TierEstablished
	case p.SampleCount >= 3:
		return TierGettingToKnow
	default:
		return TierNewContact
	}
}

// FactCategory classifies a Fact row.
type FactCategory string

const (
	CategoryPreference   FactCategory = "preference"
	CategoryPersonal     FactCategory = "personal"
	CategoryPlan         FactCategory = "plan"
	CategoryProfessional FactCategory = "professional"
	CategoryRelationship FactCategory = "relationship"
	CategoryMisc         FactCategory = "misc"
)

// Fact is one durable piece of extracted knowledge about a person.
type Fact struct {
	ID              int64
	PersonID        string
	Subject         string
	Content         string
	Category        FactCategory
	EvidenceQuote   string
	LastAccessedAtMs int64
	CreatedAtMs     int64
}

// Episode is one durable record of a turn's exchange.
type Episode struct {
	ID          int64
	ChatID      string
	PersonID    string
	IsGroup     bool
	Content     string
	Extracted   bool
	CreatedAtMs int64
}

// LessonType classifies a Lesson row.
type LessonType string

const (
	LessonSuccess     LessonType = "success"
	LessonFailure     LessonType = "failure"
	LessonObservation LessonType = "observation"
)

// Lesson is one behavioral rule derived from observed outcomes.
type Lesson struct {
	ID             int64
	Type           LessonType
	Category       string
	Content        string
	Rule           string
	Alternative    string
	PersonID       string
	EpisodeRefs    string // comma-joined episode ids
	Confidence     float64
	TimesValidated int
	TimesViolated  int
	CreatedAtMs    int64
}

// Store owns people/facts/episodes/lessons plus their dirty-flag
// consolidation queues.
type Store struct {
	db       *sql.DB
	embedder Embedder
	vectors  *VectorIndex
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS people (
					id TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					channel TEXT NOT NULL,
					channel_user_id TEXT NOT NULL,
					relationship_score REAL NOT NULL DEFAULT 0,
					trust_tier_override TEXT NOT NULL DEFAULT '',
					capsule TEXT NOT NULL DEFAULT '',
					public_style_capsule TEXT NOT NULL DEFAULT '',
					created_at_ms INTEGER NOT NULL,
					updated_at_ms INTEGER NOT NULL,
					avg_reply_len REAL NOT NULL DEFAULT 0,
					avg_user_len REAL NOT NULL DEFAULT 0,
					active_hours_bitmask INTEGER NOT NULL DEFAULT 0,
					conversation_count INTEGER NOT NULL DEFAULT 0,
					sample_count INTEGER NOT NULL DEFAULT 0,
					UNIQUE(channel, channel_user_id)
				)`,
				`CREATE TABLE IF NOT EXISTS facts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					person_id TEXT NOT NULL DEFAULT '',
					subject TEXT NOT NULL DEFAULT '',
					content TEXT NOT NULL,
					category TEXT NOT NULL,
					evidence_quote TEXT NOT NULL DEFAULT '',
					last_accessed_at_ms INTEGER NOT NULL DEFAULT 0,
					created_at_ms INTEGER NOT NULL
				)`,
				`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(subject, content, content='facts', content_rowid='id')`,
				`CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
					INSERT INTO facts_fts(rowid, subject, content) VALUES (new.id, new.subject, new.content);
				END`,
				`CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
					INSERT INTO facts_fts(facts_fts, rowid, subject, content) VALUES ('delete', old.id, old.subject, old.content);
				END`,
				`CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON facts BEGIN
					INSERT INTO facts_fts(facts_fts, rowid, subject, content) VALUES ('delete', old.id, old.subject, old.content);
					INSERT INTO facts_fts(rowid, subject, content) VALUES (new.id, new.subject, new.content);
				END`,
				`CREATE TABLE IF NOT EXISTS episodes (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					chat_id TEXT NOT NULL,
					person_id TEXT NOT NULL DEFAULT '',
					is_group INTEGER NOT NULL DEFAULT 0,
					content TEXT NOT NULL,
					extracted INTEGER NOT NULL DEFAULT 0,
					created_at_ms INTEGER NOT NULL
				)`,
				`CREATE VIRTUAL TABLE IF NOT EXISTS episodes_fts USING fts5(content, content='episodes', content_rowid='id')`,
				`CREATE TRIGGER IF NOT EXISTS episodes_ai AFTER INSERT ON episodes BEGIN
					INSERT INTO episodes_fts(rowid, content) VALUES (new.id, new.content);
				END`,
				`CREATE TABLE IF NOT EXISTS lessons (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					content TEXT NOT NULL,
					rule TEXT NOT NULL DEFAULT '',
					alternative TEXT NOT NULL DEFAULT '',
					person_id TEXT NOT NULL DEFAULT '',
					episode_refs TEXT NOT NULL DEFAULT '',
					confidence REAL NOT NULL DEFAULT 0,
					times_validated INTEGER NOT NULL DEFAULT 0,
					times_violated INTEGER NOT NULL DEFAULT 0,
					created_at_ms INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS group_capsules (
					chat_id TEXT PRIMARY KEY,
					capsule TEXT NOT NULL DEFAULT '',
					updated_at_ms INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS group_capsule_dirty (
					chat_id TEXT PRIMARY KEY,
					first_dirty_ms INTEGER NOT NULL,
					last_dirty_ms INTEGER NOT NULL,
					claim_id TEXT,
					claimed_at_ms INTEGER
				)`,
				`CREATE TABLE IF NOT EXISTS public_style_dirty (
					person_id TEXT PRIMARY KEY,
					first_dirty_ms INTEGER NOT NULL,
					last_dirty_ms INTEGER NOT NULL,
					claim_id TEXT,
					claimed_at_ms INTEGER
				)`,
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

// Open opens the sqlite file at path, wires an optional embedder for the
// vector half of hybrid search, and runs migrations.
func Open(path string, embedder Embedder) (*Store, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, err
	}

	var vectors *VectorIndex
	if embedder != nil {
		vectors, err = NewVectorIndex(embedder)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
	}

	return &Store{db: db, embedder: embedder, vectors: vectors}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func personID(channel, channelUserID string) string {
	return PersonID(channel, channelUserID)
}

// PersonID builds the composite id ("person:<channel>:<channelUserId>")
// GetPerson expects, for callers that only have the channel-scoped
// identity (e.g. a DM chatId) and not a Person value yet.
func PersonID(channel, channelUserID string) string {
	return fmt.Sprintf("person:%s:%s", channel, channelUserID)
}

// TrackPerson is idempotent on (channel, channelUserId): the first call
// inserts the row, subsequent calls are no-ops for identity fields.
func (s *Store) TrackPerson(channel, channelUserID, displayName string, nowMs int64) (Person, error) {
	id := personID(channel, channelUserID)
	_, err := s.db.Exec(
		`INSERT INTO people (id, display_name, channel, channel_user_id, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, channel_user_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`,
		id, displayName, channel, channelUserID, nowMs, nowMs,
	)
	if err != nil {
		return Person{}, fmt.Errorf("tracking person: %w", err)
	}
	return s.GetPerson(id)
}

// GetPerson loads a person by id.
func (s *Store) GetPerson(id string) (Person, error) {
	var p Person
	var tierOverride string
	row := s.db.QueryRow(
		`SELECT id, display_name, channel, channel_user_id, relationship_score, trust_tier_override,
		        capsule, public_style_capsule, created_at_ms, updated_at_ms,
		        avg_reply_len, avg_user_len, active_hours_bitmask, conversation_count, sample_count
		 FROM people WHERE id = ?`, id,
	)
	err := row.Scan(&p.ID, &p.DisplayName, &p.Channel, &p.ChannelUserID, &p.RelationshipScore, &tierOverride,
		&p.Capsule, &p.PublicStyleCapsule, &p.CreatedAtMs, &p.UpdatedAtMs,
		&p.AvgReplyLen, &p.AvgUserLen, &p.ActiveHoursBitmask, &p.ConversationCount, &p.SampleCount)
	if err != nil {
		return Person{}, fmt.Errorf("getting person %s: %w", id, err)
	}
	p.TrustTierOverride = TrustTier(tierOverride)
	return p, nil
}

// UpdateRelationshipScore is monotone: it never decreases the stored
// score. Implements pkg/feedback.RelationshipScorer.
func (s *Store) UpdateRelationshipScore(id string, score float64) error {
	_, err := s.db.Exec(
		`UPDATE people SET relationship_score = MAX(relationship_score, ?) WHERE id = ?`,
		score, id,
	)
	if err != nil {
		return fmt.Errorf("updating relationship score: %w", err)
	}
	return nil
}

// RecordObservation bumps a person's turn-level observation counters:
// sampleCount and conversationCount increment by one, while avgUserLen
// and avgReplyLen move toward this turn's lengths by running average
// (avg' = avg + (x-avg)/n, n = sampleCount+1 at the time of this turn).
// Driven once per DM turn by the turn engine; this is what lets
// TrustTierOf eventually move a person past new_contact.
func (s *Store) RecordObservation(personID string, userLen, replyLen int, nowMs int64) error {
	_, err := s.db.Exec(
		`UPDATE people SET
			sample_count = sample_count + 1,
			conversation_count = conversation_count + 1,
			avg_user_len = avg_user_len + (? - avg_user_len) / (sample_count + 1),
			avg_reply_len = avg_reply_len + (? - avg_reply_len) / (sample_count + 1),
			updated_at_ms = ?
		 WHERE id = ?`,
		float64(userLen), float64(replyLen), nowMs, personID,
	)
	if err != nil {
		return fmt.Errorf("recording observation for %s: %w", personID, err)
	}
	return nil
}

// DeletePerson cascades to facts, lessons, and observation counters for
// id; episodes are retained since a forget does not rewrite chat
// history.
func (s *Store) DeletePerson(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		sql string
	}{
		{`DELETE FROM facts WHERE person_id = ?`},
		{`DELETE FROM lessons WHERE person_id = ?`},
		{`DELETE FROM public_style_dirty WHERE person_id = ?`},
		{`DELETE FROM people WHERE id = ?`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql, id); err != nil {
			return fmt.Errorf("deleting person %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AddFact inserts a new fact row and indexes it into the vector store if
// one is configured.
func (s *Store) AddFact(f Fact, nowMs int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO facts (person_id, subject, content, category, evidence_quote, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.PersonID, f.Subject, f.Content, string(f.Category), f.EvidenceQuote, nowMs,
	)
	if err != nil {
		return 0, fmt.Errorf("adding fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading fact id: %w", err)
	}
	if s.vectors != nil {
		s.vectors.IndexFact(fmt.Sprintf("fact:%d", id), f.Content)
	}
	return id, nil
}

// UpdateFact replaces an existing fact's content.
func (s *Store) UpdateFact(id int64, content string) error {
	_, err := s.db.Exec(`UPDATE facts SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("updating fact %d: %w", id, err)
	}
	if s.vectors != nil {
		s.vectors.IndexFact(fmt.Sprintf("fact:%d", id), content)
	}
	return nil
}

// DeleteFact removes a fact row.
func (s *Store) DeleteFact(id int64) error {
	_, err := s.db.Exec(`DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting fact %d: %w", id, err)
	}
	if s.vectors != nil {
		s.vectors.DeleteFact(fmt.Sprintf("fact:%d", id))
	}
	return nil
}

// FactsForPerson returns all facts for personID, most recent first,
// capped at limit.
func (s *Store) FactsForPerson(personID string, limit int) ([]Fact, error) {
	rows, err := s.db.Query(
		`SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
		 FROM facts WHERE person_id = ? ORDER BY created_at_ms DESC LIMIT ?`,
		personID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var cat string
		if err := rows.Scan(&f.ID, &f.PersonID, &f.Subject, &f.Content, &cat, &f.EvidenceQuote, &f.LastAccessedAtMs, &f.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		f.Category = FactCategory(cat)
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddEpisode inserts an episode row. Group-reaction episodes are marked
// extracted at insert time since they never enter the extraction
// pipeline (see DESIGN.md's resolution of the "extracted flag" open
// question).
func (s *Store) AddEpisode(e Episode, nowMs int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO episodes (chat_id, person_id, is_group, content, extracted, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.PersonID, boolToInt(e.IsGroup), e.Content, boolToInt(e.Extracted), nowMs,
	)
	if err != nil {
		return 0, fmt.Errorf("adding episode: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading episode id: %w", err)
	}

	if s.vectors != nil {
		s.vectors.IndexEpisode(fmt.Sprintf("episode:%d", id), e.Content)
	}

	if e.IsGroup {
		if err := s.markGroupCapsuleDirty(e.ChatID, nowMs); err != nil {
			return id, err
		}
	} else if e.PersonID != "" {
		if err := s.markPublicStyleDirty(e.PersonID, nowMs); err != nil {
			return id, err
		}
	}

	return id, nil
}

// MarkEpisodeExtracted flags an episode as processed by the extraction
// pipeline.
func (s *Store) MarkEpisodeExtracted(id int64) error {
	_, err := s.db.Exec(`UPDATE episodes SET extracted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking episode %d extracted: %w", id, err)
	}
	return nil
}

func (s *Store) markGroupCapsuleDirty(chatID string, nowMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO group_capsule_dirty (chat_id, first_dirty_ms, last_dirty_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET last_dirty_ms = excluded.last_dirty_ms`,
		chatID, nowMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("marking group capsule dirty: %w", err)
	}
	return nil
}

func (s *Store) markPublicStyleDirty(personID string, nowMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO public_style_dirty (person_id, first_dirty_ms, last_dirty_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT(person_id) DO UPDATE SET last_dirty_ms = excluded.last_dirty_ms`,
		personID, nowMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("marking public style dirty: %w", err)
	}
	return nil
}

// AddLesson inserts a behavioral lesson row. Implements
// pkg/feedback.LessonWriter.
func (s *Store) AddLesson(kind, category, content string, confidence float64) error {
	_, err := s.db.Exec(
		`INSERT INTO lessons (type, category, content, confidence, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		kind, category, content, confidence, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("adding lesson: %w", err)
	}
	return nil
}

// RecentEpisodesForChat returns the most recent episodes for chatID,
// oldest first, capped at limit. Used by capsule consolidation to
// summarize a group's recent activity.
func (s *Store) RecentEpisodesForChat(chatID string, limit int) ([]Episode, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, person_id, is_group, content, extracted, created_at_ms
		 FROM (
		   SELECT * FROM episodes WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent episodes for chat: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// RecentEpisodesForPerson returns the most recent DM episodes for
// personID, oldest first, capped at limit. Used by capsule consolidation
// to derive a person's public style capsule.
func (s *Store) RecentEpisodesForPerson(personID string, limit int) ([]Episode, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, person_id, is_group, content, extracted, created_at_ms
		 FROM (
		   SELECT * FROM episodes WHERE person_id = ? AND is_group = 0 ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		personID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent episodes for person: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		var e Episode
		var isGroup, extracted int
		if err := rows.Scan(&e.ID, &e.ChatID, &e.PersonID, &isGroup, &e.Content, &extracted, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scanning episode: %w", err)
		}
		e.IsGroup = isGroup != 0
		e.Extracted = extracted != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetGroupCapsule upserts a group's derived capsule.
func (s *Store) SetGroupCapsule(chatID, capsule string, nowMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO group_capsules (chat_id, capsule, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET capsule = excluded.capsule, updated_at_ms = excluded.updated_at_ms`,
		chatID, capsule, nowMs,
	)
	if err != nil {
		return fmt.Errorf("setting group capsule for %s: %w", chatID, err)
	}
	return nil
}

// GetGroupCapsule loads a group's derived capsule, if one has been
// consolidated yet.
func (s *Store) GetGroupCapsule(chatID string) (string, error) {
	var capsule string
	err := s.db.QueryRow(`SELECT capsule FROM group_capsules WHERE chat_id = ?`, chatID).Scan(&capsule)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting group capsule for %s: %w", chatID, err)
	}
	return capsule, nil
}

// SetPublicStyleCapsule updates a person's derived public-style capsule.
func (s *Store) SetPublicStyleCapsule(personID, capsule string, nowMs int64) error {
	_, err := s.db.Exec(
		`UPDATE people SET public_style_capsule = ?, updated_at_ms = ? WHERE id = ?`,
		capsule, nowMs, personID,
	)
	if err != nil {
		return fmt.Errorf("setting public style capsule for %s: %w", personID, err)
	}
	return nil
}

// ClaimDirtyGroupCapsulesParams configures ClaimDirtyGroupCapsules.
type ClaimDirtyGroupCapsulesParams struct {
	NowMs   int64
	Limit   int
	LeaseMs int64
	ClaimID string
}

// ClaimDirtyGroupCapsules expires stale claims, then atomically selects
// and claims up to Limit dirty group chatIds, mirroring
// proactive.Scheduler's ClaimPendingEvents transactional pattern (see
// Section 9).
func (s *Store) ClaimDirtyGroupCapsules(p ClaimDirtyGroupCapsulesParams) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning group capsule claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE group_capsule_dirty SET claim_id = NULL, claimed_at_ms = NULL
		 WHERE claimed_at_ms IS NOT NULL AND claimed_at_ms <= ?`, p.NowMs-p.LeaseMs,
	); err != nil {
		return nil, fmt.Errorf("expiring stale group capsule claims: %w", err)
	}

	chatIDs, err := selectDirtyChatIDs(tx, p.Limit)
	if err != nil {
		return nil, err
	}

	for _, chatID := range chatIDs {
		if _, err := tx.Exec(
			`UPDATE group_capsule_dirty SET claim_id = ?, claimed_at_ms = ? WHERE chat_id = ?`,
			p.ClaimID, p.NowMs, chatID,
		); err != nil {
			return nil, fmt.Errorf("claiming dirty group capsule %s: %w", chatID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing group capsule claim: %w", err)
	}
	return chatIDs, nil
}

func selectDirtyChatIDs(tx *sql.Tx, limit int) ([]string, error) {
	rows, err := tx.Query(
		`SELECT chat_id FROM group_capsule_dirty WHERE claimed_at_ms IS NULL ORDER BY first_dirty_ms ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting dirty group capsules: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning dirty group capsule chat id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReleaseDirtyGroupCapsuleClaim clears a claim, letting another worker
// retry, without clearing the dirty flag itself.
func (s *Store) ReleaseDirtyGroupCapsuleClaim(chatID, claimID string) error {
	_, err := s.db.Exec(
		`UPDATE group_capsule_dirty SET claim_id = NULL, claimed_at_ms = NULL WHERE chat_id = ? AND claim_id = ?`,
		chatID, claimID,
	)
	return err
}

// ClearDirtyGroupCapsule removes the dirty row once a claimed consolidation
// has been applied, unless newer activity marked it dirty again after the
// claim was taken (last_dirty_ms advanced past when we started work).
func (s *Store) ClearDirtyGroupCapsule(chatID, claimID string, consolidatedThroughMs int64) error {
	_, err := s.db.Exec(
		`DELETE FROM group_capsule_dirty WHERE chat_id = ? AND claim_id = ? AND last_dirty_ms <= ?`,
		chatID, claimID, consolidatedThroughMs,
	)
	if err != nil {
		return fmt.Errorf("clearing dirty group capsule %s: %w", chatID, err)
	}
	// If the row survived (newer activity arrived mid-consolidation),
	// release the claim so the next tick picks it up again.
	_, err = s.db.Exec(
		`UPDATE group_capsule_dirty SET claim_id = NULL, claimed_at_ms = NULL WHERE chat_id = ? AND claim_id = ?`,
		chatID, claimID,
	)
	return err
}

// ClaimDirtyPublicStylesParams configures ClaimDirtyPublicStyles.
type ClaimDirtyPublicStylesParams struct {
	NowMs   int64
	Limit   int
	LeaseMs int64
	ClaimID string
}

// ClaimDirtyPublicStyles mirrors ClaimDirtyGroupCapsules for the
// per-person public-style dirty queue.
func (s *Store) ClaimDirtyPublicStyles(p ClaimDirtyPublicStylesParams) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning public style claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE public_style_dirty SET claim_id = NULL, claimed_at_ms = NULL
		 WHERE claimed_at_ms IS NOT NULL AND claimed_at_ms <= ?`, p.NowMs-p.LeaseMs,
	); err != nil {
		return nil, fmt.Errorf("expiring stale public style claims: %w", err)
	}

	rows, err := tx.Query(
		`SELECT person_id FROM public_style_dirty WHERE claimed_at_ms IS NULL ORDER BY first_dirty_ms ASC LIMIT ?`,
		p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting dirty public styles: %w", err)
	}
	var personIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning dirty public style person id: %w", err)
		}
		personIDs = append(personIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, personID := range personIDs {
		if _, err := tx.Exec(
			`UPDATE public_style_dirty SET claim_id = ?, claimed_at_ms = ? WHERE person_id = ?`,
			p.ClaimID, p.NowMs, personID,
		); err != nil {
			return nil, fmt.Errorf("claiming dirty public style %s: %w", personID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing public style claim: %w", err)
	}
	return personIDs, nil
}

// ReleaseDirtyPublicStyleClaim clears a claim, letting another worker
// retry.
func (s *Store) ReleaseDirtyPublicStyleClaim(personID, claimID string) error {
	_, err := s.db.Exec(
		`UPDATE public_style_dirty SET claim_id = NULL, claimed_at_ms = NULL WHERE person_id = ? AND claim_id = ?`,
		personID, claimID,
	)
	return err
}

// ClearDirtyPublicStyle removes the dirty row once a claimed consolidation
// has been applied, re-releasing rather than clearing if newer activity
// arrived mid-consolidation.
func (s *Store) ClearDirtyPublicStyle(personID, claimID string, consolidatedThroughMs int64) error {
	_, err := s.db.Exec(
		`DELETE FROM public_style_dirty WHERE person_id = ? AND claim_id = ? AND last_dirty_ms <= ?`,
		personID, claimID, consolidatedThroughMs,
	)
	if err != nil {
		return fmt.Errorf("clearing dirty public style %s: %w", personID, err)
	}
	_, err = s.db.Exec(
		`UPDATE public_style_dirty SET claim_id = NULL, claimed_at_ms = NULL WHERE person_id = ? AND claim_id = ?`,
		personID, claimID,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
