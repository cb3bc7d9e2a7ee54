package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func (s *MemorySessionStore) Load(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(session), nil
}

func (s *MemorySessionStore) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	if session.History == nil {
		session.History = NewHistory(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// PostgresSessionStore keeps sessions in hoa_sessions and their turns in
// hoa_conversation_turns.
type PostgresSessionStore struct {
	pool   *pgxpool.Pool
	limit  int
	logger *log.Logger
}

func NewPostgresSessionStore(pool *pgxpool.Pool, historyLimit int, logger *log.Logger) *PostgresSessionStore {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresSessionStore{pool: pool, limit: historyLimit, logger: logger}
}

var _ SessionStore = (*PostgresSessionStore)(nil)

func (s *PostgresSessionStore) Load(ctx context.Context, id string) (*Session, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	session := NewSession(id, s.limit)
	err := s.pool.QueryRow(ctx, "SELECT pdf_path FROM hoa_sessions WHERE session_id = $1", id).Scan(&session.PDFPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT question, answer
		FROM hoa_conversation_turns
		WHERE session_id = $1
		ORDER BY turn_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query conversation turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Question, &turn.Answer); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		session.History.Add(turn.Question, turn.Answer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation turns: %w", err)
	}

	return session, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, session *Session) (err error) {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if session == nil || session.ID == "" {
		return fmt.Errorf("save session: missing id")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO hoa_sessions (session_id, pdf_path, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET pdf_path = EXCLUDED.pdf_path,
		    updated_at = NOW()
	`, session.ID, session.PDFPath); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM hoa_conversation_turns WHERE session_id = $1", session.ID); err != nil {
		return fmt.Errorf("clear conversation turns: %w", err)
	}

	for idx, turn := range session.History.Entries() {
		if _, err = tx.Exec(ctx, `
			INSERT INTO hoa_conversation_turns (session_id, turn_index, question, answer, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, session.ID, idx, turn.Question, turn.Answer); err != nil {
			return fmt.Errorf("insert conversation turn %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM hoa_sessions WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
