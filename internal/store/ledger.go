// Package store persists per-query usage in a SQLite ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Query outcomes recorded in the ledger.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// timeLayout is fixed-width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// UsageRecord is one finished query.
type UsageRecord struct {
	QueryID          string        `json:"queryId"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	SessionID        string        `json:"sessionId,omitempty"`
	ChannelID        string        `json:"channelId,omitempty"`
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	TotalTokens      int           `json:"totalTokens"`
	CostUSD          float64       `json:"costUsd"`
	Estimated        bool          `json:"estimated"`
	ToolCalls        int           `json:"toolCalls"`
	Duration         time.Duration `json:"durationNs"`
	Status           string        `json:"status"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// UsageSummary aggregates the ledger for one provider/model pair.
type UsageSummary struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Queries          int           `json:"queries"`
	Failures         int           `json:"failures"`
	PromptTokens     int64         `json:"promptTokens"`
	CompletionTokens int64         `json:"completionTokens"`
	TotalTokens      int64         `json:"totalTokens"`
	CostUSD          float64       `json:"costUsd"`
	ToolCalls        int64         `json:"toolCalls"`
	AvgDuration      time.Duration `json:"avgDurationNs"`
}

// Ledger is the SQLite usage store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" opens a private in-memory database.
func NewLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := ":memory:"
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Record stores one query. CreatedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusOK
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO query_usage (
			query_id, provider, model, session_id, channel_id,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, estimated,
			tool_calls, duration_ms, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryID, rec.Provider, rec.Model, rec.SessionID, rec.ChannelID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, boolToInt(rec.Estimated),
		rec.ToolCalls, rec.Duration.Milliseconds(), rec.Status, rec.Error,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	l.logger.Debug("recorded query usage",
		"query_id", rec.QueryID,
		"provider", rec.Provider,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens,
		"status", rec.Status,
	)
	return nil
}

// Summary aggregates queries created at or after since, grouped by provider
// and model, most expensive first.
func (l *Ledger) Summary(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT provider, model,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(tool_calls), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM query_usage
		WHERE created_at >= ?
		GROUP BY provider, model
		ORDER BY SUM(cost_usd) DESC, provider, model`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageSummary
	for rows.Next() {
		var (
			s     UsageSummary
			avgMs float64
		)
		if err := rows.Scan(&s.Provider, &s.Model, &s.Queries, &s.Failures,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CostUSD,
			&s.ToolCalls, &avgMs); err != nil {
			return nil, fmt.Errorf("scanning usage summary: %w", err)
		}
		s.AvgDuration = time.Duration(avgMs * float64(time.Millisecond))
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

// Recent returns the newest records, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT query_id, provider, model, session_id, channel_id,
		       prompt_tokens, completion_tokens, total_tokens, cost_usd, estimated,
		       tool_calls, duration_ms, status, error, created_at
		FROM query_usage
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageRecord
	for rows.Next() {
		var (
			r          UsageRecord
			durationMs int64
			createdAt  string
		)
		if err := rows.Scan(&r.QueryID, &r.Provider, &r.Model, &r.SessionID, &r.ChannelID,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CostUSD, &r.Estimated,
			&r.ToolCalls, &durationMs, &r.Status, &r.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
