package chat

import (
	"context"
	"errors"
)

// ErrNoDocument is returned when a session has not uploaded a report yet.
var ErrNoDocument = errors.New("no report uploaded for this session")

// Session is the per-visitor state: the uploaded report and the bounded
// conversation about it.
type Session struct {
	ID      string
	PDFPath string
	History *History
}

func NewSession(id string, historyLimit int) *Session {
	return &Session{ID: id, History: NewHistory(historyLimit)}
}

// SessionStore persists sessions between requests. Load returns a nil
// session and nil error when id is unknown.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
}

func cloneSession(session *Session) *Session {
	clone := &Session{
		ID:      session.ID,
		PDFPath: session.PDFPath,
		History: NewHistory(session.History.Limit()),
	}
	for _, turn := range session.History.Entries() {
		clone.History.Add(turn.Question, turn.Answer)
	}
	return clone
}
