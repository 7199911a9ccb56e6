package memory

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RetrievalConfig configures the RRF hybrid-search fusion.
type RetrievalConfig struct {
	RRFK          int
	FTSWeight     float64
	VecWeight     float64
	RecencyWeight float64
	HalfLifeDays  float64
}

// DefaultRetrievalConfig matches the defaults named in Section 6.
var DefaultRetrievalConfig = RetrievalConfig{
	RRFK: 60, FTSWeight: 0.6, VecWeight: 0.4, RecencyWeight: 0.2, HalfLifeDays: 30,
}

// scored pairs a row id with its fused rank score.
type scored struct {
	id    int64
	score float64
}

// fuseRanks combines one or more ranked id lists with reciprocal rank
// fusion: score(id) = sum over lists containing id of weight / (k + rank).
func fuseRanks(k int, lists []struct {
	ids    []int64
	weight float64
}) []scored {
	acc := make(map[int64]float64)
	for _, l := range lists {
		for rank, id := range l.ids {
			acc[id] += l.weight / float64(k+rank+1)
		}
	}
	out := make([]scored, 0, len(acc))
	for id, s := range acc {
		out = append(out, scored{id: id, score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func recencyBoost(createdAtMs, nowMs int64, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 0
	}
	ageDays := float64(nowMs-createdAtMs) / (1000 * 60 * 60 * 24)
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

func parseIDFromDocID(prefix, docID string) (int64, bool) {
	trimmed := strings.TrimPrefix(docID, prefix+":")
	if trimmed == docID {
		return 0, false
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// HybridSearchFacts combines FTS5 and vector search (when an embedder is
// configured) with reciprocal rank fusion, boosted by recency. With no
// embedder configured, this degrades to FTS-only ranking.
func (s *Store) HybridSearchFacts(query string, limit int, cfg RetrievalConfig, nowMs int64) ([]Fact, error) {
	ftsIDs, err := s.ftsSearchFacts(query, limit*3)
	if err != nil {
		return nil, err
	}

	lists := []struct {
		ids    []int64
		weight float64
	}{{ids: ftsIDs, weight: cfg.FTSWeight}}

	if s.vectors != nil {
		hits, err := s.vectors.searchFacts(query, limit*3)
		if err != nil {
			return nil, err
		}
		var vecIDs []int64
		for _, h := range hits {
			if id, ok := parseIDFromDocID("fact", h.DocID); ok {
				vecIDs = append(vecIDs, id)
			}
		}
		lists = append(lists, struct {
			ids    []int64
			weight float64
		}{ids: vecIDs, weight: cfg.VecWeight})
	}

	fused := fuseRanks(cfg.RRFK, lists)

	facts := make([]Fact, 0, limit)
	for _, sc := range fused {
		if len(facts) >= limit {
			break
		}
		f, err := s.getFact(sc.id)
		if err != nil {
			continue
		}
		facts = append(facts, f)
	}

	// Recency re-weighting: stable-sort by (rrfScore + recencyWeight*decay).
	type ranked struct {
		f     Fact
		score float64
	}
	var rr []ranked
	for i, f := range facts {
		base := fused[i].score
		rr = append(rr, ranked{f: f, score: base + cfg.RecencyWeight*recencyBoost(f.CreatedAtMs, nowMs, cfg.HalfLifeDays)})
	}
	sort.SliceStable(rr, func(i, j int) bool { return rr[i].score > rr[j].score })

	out := make([]Fact, len(rr))
	for i, r := range rr {
		out[i] = r.f
	}
	return out, nil
}

// HybridSearchEpisodes mirrors HybridSearchFacts for the episodes table.
func (s *Store) HybridSearchEpisodes(query string, limit int, cfg RetrievalConfig, nowMs int64) ([]Episode, error) {
	ftsIDs, err := s.ftsSearchEpisodes(query, limit*3)
	if err != nil {
		return nil, err
	}

	lists := []struct {
		ids    []int64
		weight float64
	}{{ids: ftsIDs, weight: cfg.FTSWeight}}

	if s.vectors != nil {
		hits, err := s.vectors.searchEpisodes(query, limit*3)
		if err != nil {
			return nil, err
		}
		var vecIDs []int64
		for _, h := range hits {
			if id, ok := parseIDFromDocID("episode", h.DocID); ok {
				vecIDs = append(vecIDs, id)
			}
		}
		lists = append(lists, struct {
			ids    []int64
			weight float64
		}{ids: vecIDs, weight: cfg.VecWeight})
	}

	fused := fuseRanks(cfg.RRFK, lists)

	episodes := make([]Episode, 0, limit)
	for _, sc := range fused {
		if len(episodes) >= limit {
			break
		}
		e, err := s.getEpisode(sc.id)
		if err != nil {
			continue
		}
		episodes = append(episodes, e)
	}
	return episodes, nil
}

func (s *Store) ftsSearchFacts(query string, limit int) ([]int64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT rowid FROM facts_fts WHERE facts_fts MATCH ? ORDER BY rank LIMIT ?`,
		ftsQuery(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fts searching facts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) ftsSearchEpisodes(query string, limit int) ([]int64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT rowid FROM episodes_fts WHERE episodes_fts MATCH ? ORDER BY rank LIMIT ?`,
		ftsQuery(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fts searching episodes: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ftsQuery escapes a free-text query into an FTS5 MATCH expression,
// quoting each token so punctuation in user text can't break the query
// syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func scanIDs(rows interface{ Next() bool; Scan(...interface{}) error; Err() error }) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning fts id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) getFact(id int64) (Fact, error) {
	var f Fact
	var cat string
	row := s.db.QueryRow(
		`SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms FROM facts WHERE id = ?`, id,
	)
	if err := row.Scan(&f.ID, &f.PersonID, &f.Subject, &f.Content, &cat, &f.EvidenceQuote, &f.LastAccessedAtMs, &f.CreatedAtMs); err != nil {
		return Fact{}, fmt.Errorf("getting fact %d: %w", id, err)
	}
	f.Category = FactCategory(cat)
	return f, nil
}

func (s *Store) getEpisode(id int64) (Episode, error) {
	var e Episode
	var isGroup, extracted int
	row := s.db.QueryRow(
		`SELECT id, chat_id, person_id, is_group, content, extracted, created_at_ms FROM episodes WHERE id = ?`, id,
	)
	if err := row.Scan(&e.ID, &e.ChatID, &e.PersonID, &isGroup, &e.Content, &extracted, &e.CreatedAtMs); err != nil {
		return Episode{}, fmt.Errorf("getting episode %d: %w", id, err)
	}
	e.IsGroup = isGroup != 0
	e.Extracted = extracted != 0
	return e, nil
}
