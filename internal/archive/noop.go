package archive

import (
	"context"

	"booklib/internal/catalog"
)

// NoOpStore discards turns. Used when no archive is configured.
type NoOpStore struct{}

func NewNoOp() *NoOpStore { return &NoOpStore{} }

func (NoOpStore) SaveTurn(context.Context, Turn) error { return nil }

func (NoOpStore) ListTurns(context.Context, catalog.DocumentID, int) ([]Turn, error) {
	return []Turn{}, nil
}

func (NoOpStore) DeleteDocument(context.Context, catalog.DocumentID) error { return nil }

func (NoOpStore) Close() error { return nil }
