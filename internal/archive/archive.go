// Package archive keeps a durable copy of finished conversation turns.
// It is write-mostly; the live transcript is owned by the session.
package archive

import (
	"context"
	"time"

	"github.com/google/uuid"

	"booklib/internal/catalog"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	ID         uuid.UUID
	DocumentID catalog.DocumentID
	Role       Role
	Text       string
	Mode       catalog.ResponseMode
	Failed     bool
	At         time.Time
}

// NewTurn stamps a turn with a fresh id and the current time.
func NewTurn(docID catalog.DocumentID, role Role, text string, mode catalog.ResponseMode, failed bool) Turn {
	return Turn{
		ID:         uuid.New(),
		DocumentID: docID,
		Role:       role,
		Text:       text,
		Mode:       mode,
		Failed:     failed,
		At:         time.Now().UTC(),
	}
}

// Store persists conversation turns per document.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	// ListTurns returns up to limit of the most recent turns, oldest first.
	ListTurns(ctx context.Context, docID catalog.DocumentID, limit int) ([]Turn, error)
	DeleteDocument(ctx context.Context, docID catalog.DocumentID) error
	Close() error
}
