package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS hoa_reports (
		id UUID PRIMARY KEY,
		sha256 TEXT UNIQUE NOT NULL,
		source_path TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		loan_text TEXT NOT NULL,
		warnings TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS hoa_report_pages (
		report_id UUID NOT NULL REFERENCES hoa_reports(id) ON DELETE CASCADE,
		page_index INT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT NOT NULL,
		loans TEXT,
		PRIMARY KEY (report_id, page_index)
	)`,
	`CREATE TABLE IF NOT EXISTS hoa_sessions (
		session_id TEXT PRIMARY KEY,
		pdf_path TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS hoa_conversation_turns (
		session_id TEXT NOT NULL REFERENCES hoa_sessions(session_id) ON DELETE CASCADE,
		turn_index INT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, turn_index)
	)`,
	"CREATE INDEX IF NOT EXISTS idx_hoa_conversation_turns_session ON hoa_conversation_turns(session_id)",
}

// EnsureSchema creates the report cache and conversation tables.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Truncate removes every stored report, session and conversation.
func Truncate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, "TRUNCATE hoa_report_pages, hoa_reports, hoa_conversation_turns, hoa_sessions"); err != nil {
		return fmt.Errorf("truncate postgres tables: %w", err)
	}
	return nil
}
