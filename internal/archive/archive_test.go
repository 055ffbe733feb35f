package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booklib/internal/catalog"
)

func TestNewTurn(t *testing.T) {
	a := NewTurn("7", RoleUser, "What is the theme?", catalog.ResponseBalanced, false)
	b := NewTurn("7", RoleAssistant, "Survival.", catalog.ResponseBalanced, false)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, catalog.DocumentID("7"), a.DocumentID)
	assert.Equal(t, RoleUser, a.Role)
	assert.False(t, a.At.IsZero())
	assert.False(t, b.At.Before(a.At))
}

func TestNoOpStore(t *testing.T) {
	var s Store = NewNoOp()
	ctx := context.Background()

	require.NoError(t, s.SaveTurn(ctx, NewTurn("7", RoleUser, "hola", catalog.ResponseOpen, false)))
	turns, err := s.ListTurns(ctx, "7", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.NotNil(t, turns)
	require.NoError(t, s.DeleteDocument(ctx, "7"))
	require.NoError(t, s.Close())
}

func TestNewPostgresRequiresDSN(t *testing.T) {
	_, err := NewPostgres(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_URL")
}
