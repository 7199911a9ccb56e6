// Package telemetry records turn outcomes and per-call token/cost
// accounting into the telemetry.turns and telemetry.llm_calls tables.
package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/homieagent/homie/pkg/dbutil"
)

// TurnEvent records the outcome of one handled turn.
type TurnEvent struct {
	ChatID      string
	Outcome     string // send_text, send_audio, react, silence
	Reason      string // silence reason, empty otherwise
	DurationMs  int64
	CreatedAtMs int64
}

// LLMCallEvent records usage for a single backend completion call.
type LLMCallEvent struct {
	ChatID       string
	Role         string // default | fast
	Model        string
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CacheCreate  int
	CostUSD      float64
	CreatedAtMs  int64
}

// Tracker owns the telemetry.turns and telemetry.llm_calls tables.
type Tracker struct {
	db *sql.DB
}

func migrations() []dbutil.Migration {
	return []dbutil.Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS turns (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					chat_id TEXT NOT NULL,
					outcome TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					duration_ms INTEGER NOT NULL,
					created_at_ms INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS llm_calls (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					chat_id TEXT NOT NULL,
					role TEXT NOT NULL,
					model TEXT NOT NULL,
					input_tokens INTEGER NOT NULL,
					output_tokens INTEGER NOT NULL,
					cache_read INTEGER NOT NULL DEFAULT 0,
					cache_create INTEGER NOT NULL DEFAULT 0,
					cost_usd REAL NOT NULL,
					created_at_ms INTEGER NOT NULL
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

// Open opens the sqlite file at path and runs migrations.
func Open(path string) (*Tracker, error) {
	db, err := dbutil.Open(path, migrations())
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db}, nil
}

// Close releases the underlying database handle.
func (t *Tracker) Close() error { return t.db.Close() }

// RecordTurn appends a turn outcome row.
func (t *Tracker) RecordTurn(e TurnEvent) error {
	_, err := t.db.Exec(
		`INSERT INTO turns (chat_id, outcome, reason, duration_ms, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		e.ChatID, e.Outcome, e.Reason, e.DurationMs, e.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// RecordLLMCall appends an llm_calls row, computing cost from the
// per-model pricing table if CostUSD is unset.
func (t *Tracker) RecordLLMCall(e LLMCallEvent) error {
	if e.CostUSD == 0 {
		e.CostUSD = calculateCost(e.Model, e.InputTokens, e.OutputTokens, e.CacheRead, e.CacheCreate)
	}
	_, err := t.db.Exec(
		`INSERT INTO llm_calls (chat_id, role, model, input_tokens, output_tokens, cache_read, cache_create, cost_usd, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.Role, e.Model, e.InputTokens, e.OutputTokens, e.CacheRead, e.CacheCreate, e.CostUSD, e.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("recording llm call: %w", err)
	}
	return nil
}

// modelPricing is cost per million tokens.
type modelPricing struct {
	inputPerM       float64
	outputPerM      float64
	cacheReadPerM   float64
	cacheCreatePerM float64
}

var pricing = map[string]modelPricing{
	"claude-sonnet-4-5-20250929": {3.0, 15.0, 0.3, 3.75},
	"claude-sonnet-4-20250514":   {3.0, 15.0, 0.3, 3.75},
	"claude-haiku-3-5-20241022":  {0.8, 4.0, 0.08, 1.0},
	"claude-opus-4-20250514":     {15.0, 75.0, 1.5, 18.75},
	"gpt-4o":                     {2.5, 10.0, 1.25, 0},
	"gpt-4o-mini":                {0.15, 0.6, 0.075, 0},
}

func calculateCost(model string, input, output, cacheRead, cacheCreate int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = modelPricing{3.0, 15.0, 0.3, 3.75}
	}
	return float64(input)*p.inputPerM/1e6 +
		float64(output)*p.outputPerM/1e6 +
		float64(cacheRead)*p.cacheReadPerM/1e6 +
		float64(cacheCreate)*p.cacheCreatePerM/1e6
}
