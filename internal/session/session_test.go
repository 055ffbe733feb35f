package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"booklib/internal/apperr"
	"booklib/internal/archive"
	"booklib/internal/catalog"
	"booklib/internal/events"
	"booklib/internal/indexer"
	"booklib/internal/status"
)

type fixture struct {
	gw    *catalog.MockGateway
	store *archive.MockStore
	op    *indexer.Operator
	ctrl  *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := &catalog.MockGateway{}
	store := &archive.MockStore{}
	pub := events.NewNoOp()
	tr := status.NewTracker(gw, pub, log)
	op := indexer.NewOperator(gw, tr, pub, log)
	ctrl := New(gw, tr, op, store, pub, log)
	t.Cleanup(ctrl.Close)
	return &fixture{gw: gw, store: store, op: op, ctrl: ctrl}
}

func book(id string) catalog.Document {
	return catalog.Document{ID: catalog.DocumentID(id), Title: "Book " + id, Author: "Anon", Category: "Novela"}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func (f *fixture) readyOn(t *testing.T, id string) {
	t.Helper()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID(id)).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 40}, nil).Once()
	snap, err := f.ctrl.Select(context.Background(), book(id))
	require.NoError(t, err)
	require.Equal(t, StateIdle, snap.State)
}

func TestSelectNotIndexedThenIndex(t *testing.T) {
	f := newFixture(t)
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: false}, nil).Once()
	f.gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).Return(nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 312}, nil).Once()

	snap, err := f.ctrl.Select(context.Background(), book("7"))
	require.NoError(t, err)
	assert.Equal(t, StateNotIndexed, snap.State)
	assert.False(t, snap.Ready)
	assert.Empty(t, snap.BoundID)
	assert.Equal(t, msgNotIndexed, snap.Message)

	snap, err = f.ctrl.Index(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.Ready)
	assert.Equal(t, catalog.DocumentID("7"), snap.BoundID)
	assert.Empty(t, snap.Transcript)

	f.op.Wait()
	snap = f.ctrl.Snapshot()
	assert.Equal(t, 312, snap.Status.VectorCount)
	f.gw.AssertExpectations(t)
}

func TestSelectSameDocumentIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")

	snap, err := f.ctrl.Select(context.Background(), book("7"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	f.gw.AssertNumberOfCalls(t, "IndexStatus", 1)
}

func TestSubmitAppendsTurns(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")
	f.gw.On("GroundedQuery", mock.Anything, catalog.QueryRequest{
		Query: "What is the theme?", DocumentID: "7", Mode: catalog.ResponseBalanced,
	}).Return("Survival and ecology.", nil).Once()
	f.store.On("SaveTurn", mock.Anything, mock.Anything).Return(nil).Twice()

	reply, err := f.ctrl.Submit(context.Background(), "  What is the theme?  ")
	require.NoError(t, err)
	assert.Equal(t, Turn{Role: archive.RoleAssistant, Text: "Survival and ecology."}, reply)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, []Turn{
		{Role: archive.RoleUser, Text: "What is the theme?"},
		{Role: archive.RoleAssistant, Text: "Survival and ecology."},
	}, snap.Transcript)
	f.gw.AssertExpectations(t)
	f.store.AssertExpectations(t)
}

func TestSubmitRejectedOutsideReadyIdle(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Submit(context.Background(), "hola")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.readyOn(t, "7")
	_, err = f.ctrl.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Empty(t, f.ctrl.Snapshot().Transcript)
	f.gw.AssertNotCalled(t, "GroundedQuery", mock.Anything, mock.Anything)
}

func TestSubmitFailureBecomesErrorTurn(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server detail", &apperr.ServerError{Status: 500, Detail: "El índice no existe"}, "Error: El índice no existe"},
		{"server without detail", &apperr.ServerError{Status: 502}, "Error: request failed (502 Bad Gateway)"},
		{"network", apperr.ErrNetwork, "Error: " + apperr.ConnectionMessage},
		{"abandoned", fmt.Errorf("post /rag/query/: %w", context.DeadlineExceeded), "Error: " + apperr.ConnectionMessage},
		{"rejected before sending", fmt.Errorf("invalid grounded query: %w", errors.New("query too long")), "Error: invalid grounded query: query too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.readyOn(t, "7")
			f.gw.On("GroundedQuery", mock.Anything, mock.Anything).Return("", tt.err).Once()
			f.store.On("SaveTurn", mock.Anything, mock.Anything).Return(nil)

			reply, err := f.ctrl.Submit(context.Background(), "¿De qué trata?")
			require.NoError(t, err)
			assert.True(t, reply.Error)
			assert.Equal(t, tt.want, reply.Text)

			snap := f.ctrl.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.Len(t, snap.Transcript, 2)
		})
	}
}

func TestLateAnswerDiscardedAfterSelectionChange(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")

	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.On("GroundedQuery", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return("The theme is power.", nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("9")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 8}, nil).Once()

	type result struct {
		turn Turn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		turn, err := f.ctrl.Submit(context.Background(), "What is the theme?")
		done <- result{turn, err}
	}()
	waitFor(t, started)
	assert.Equal(t, StateAwaiting, f.ctrl.Snapshot().State)

	snap, err := f.ctrl.Select(context.Background(), book("9"))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Transcript)

	close(release)
	res := <-done
	assert.ErrorIs(t, res.err, apperr.ErrStale)

	snap = f.ctrl.Snapshot()
	assert.Equal(t, catalog.DocumentID("9"), snap.BoundID)
	assert.Empty(t, snap.Transcript)
	f.store.AssertNotCalled(t, "SaveTurn", mock.Anything, mock.Anything)
}

func TestLateStatusForPreviousSelectionIgnored(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("A")).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(catalog.StatusReport{Indexed: true, VectorCount: 99}, nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("B")).
		Return(catalog.StatusReport{Indexed: false}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Select(context.Background(), book("A"))
		done <- err
	}()
	waitFor(t, started)

	snap, err := f.ctrl.Select(context.Background(), book("B"))
	require.NoError(t, err)
	assert.Equal(t, StateNotIndexed, snap.State)

	close(release)
	assert.ErrorIs(t, <-done, apperr.ErrStale)

	snap = f.ctrl.Snapshot()
	assert.Equal(t, StateNotIndexed, snap.State)
	assert.False(t, snap.Ready)
	assert.Equal(t, catalog.DocumentID("B"), snap.Selected.ID)
	assert.Empty(t, snap.BoundID)
}

func TestModeSwitchOnlyChangesQueryParameter(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")
	f.store.On("SaveTurn", mock.Anything, mock.Anything).Return(nil)
	f.gw.On("GroundedQuery", mock.Anything, mock.MatchedBy(func(r catalog.QueryRequest) bool {
		return r.Mode == catalog.ResponseBalanced
	})).Return("first", nil).Once()
	f.gw.On("GroundedQuery", mock.Anything, mock.MatchedBy(func(r catalog.QueryRequest) bool {
		return r.Mode == catalog.ResponseStrict
	})).Return("second", nil).Once()

	_, err := f.ctrl.Submit(context.Background(), "one")
	require.NoError(t, err)
	before := f.ctrl.Snapshot().Transcript

	require.NoError(t, f.ctrl.SetMode(catalog.ResponseStrict))
	snap := f.ctrl.Snapshot()
	assert.Equal(t, catalog.ResponseStrict, snap.Mode)
	assert.Equal(t, before, snap.Transcript)
	assert.Equal(t, StateIdle, snap.State)

	_, err = f.ctrl.Submit(context.Background(), "two")
	require.NoError(t, err)
	assert.Len(t, f.ctrl.Snapshot().Transcript, 4)

	assert.ErrorIs(t, f.ctrl.SetMode("creative"), apperr.ErrInvalidState)
	f.gw.AssertExpectations(t)
}

func TestRecheckKeepsTranscriptOfSameBinding(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")
	f.store.On("SaveTurn", mock.Anything, mock.Anything).Return(nil)
	f.gw.On("GroundedQuery", mock.Anything, mock.Anything).Return("yes", nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 41}, nil).Once()

	_, err := f.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)

	snap, err := f.ctrl.Recheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Len(t, snap.Transcript, 2)
	assert.Equal(t, 41, snap.Status.VectorCount)
}

func TestCheckFailureIsVisible(t *testing.T) {
	f := newFixture(t)
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{}, apperr.ErrNetwork).Once()

	snap, err := f.ctrl.Select(context.Background(), book("7"))
	require.NoError(t, err)
	assert.Equal(t, StateNotIndexed, snap.State)
	assert.Equal(t, msgCheckFailed+apperr.ConnectionMessage, snap.Message)
	assert.Equal(t, apperr.ConnectionMessage, snap.Status.Error)
}

func TestIndexFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: false}, nil).Once()
	f.gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).
		Return(&apperr.ServerError{Status: 404, Detail: "Archivo no encontrado en el disco."}).Once()

	_, err := f.ctrl.Select(context.Background(), book("7"))
	require.NoError(t, err)

	snap, err := f.ctrl.Index(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, StateNotIndexed, snap.State)
	assert.Equal(t, msgIndexFailed+"Archivo no encontrado en el disco.", snap.Message)
	assert.Equal(t, "Archivo no encontrado en el disco.", snap.Status.Error)
	assert.False(t, snap.Status.Indexed)
}

func TestIndexWithoutSelection(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Index(context.Background(), true)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	f.gw.AssertNotCalled(t, "BuildIndex", mock.Anything, mock.Anything, mock.Anything)
}

func TestDocumentRemovedClearsSelection(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")
	f.store.On("DeleteDocument", mock.Anything, catalog.DocumentID("7")).Return(nil).Once()

	renamed := book("7")
	renamed.Title = "Dune Messiah"
	f.ctrl.DocumentReplaced(renamed)
	assert.Equal(t, "Dune Messiah", f.ctrl.Snapshot().Selected.Title)

	f.ctrl.DocumentRemoved(context.Background(), "7")
	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateNoSelection, snap.State)
	assert.Nil(t, snap.Selected)
	assert.Empty(t, snap.BoundID)
	f.store.AssertExpectations(t)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.History(context.Background(), 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.readyOn(t, "7")
	turns := []archive.Turn{archive.NewTurn("7", archive.RoleUser, "q", catalog.ResponseOpen, false)}
	f.store.On("ListTurns", mock.Anything, catalog.DocumentID("7"), 10).Return(turns, nil).Once()

	got, err := f.ctrl.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, turns, got)
}

func TestStatusReadOverlappingIndexKeepsReady(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(catalog.StatusReport{Indexed: false}, nil).Once()
	f.gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).Return(nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 312}, nil).Once()

	selected := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Select(context.Background(), book("7"))
		selected <- err
	}()
	waitFor(t, started)

	snap, err := f.ctrl.Index(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, snap.Ready)
	f.op.Wait()

	close(release)
	assert.ErrorIs(t, <-selected, apperr.ErrStale)

	snap = f.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.Ready)
	assert.True(t, snap.Status.Indexed)
	assert.False(t, snap.Status.Advisory)

	f.gw.On("GroundedQuery", mock.Anything, mock.Anything).Return("yes", nil).Once()
	f.store.On("SaveTurn", mock.Anything, mock.Anything).Return(nil)
	reply, err := f.ctrl.Submit(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "yes", reply.Text)
}

func TestSubmitRequiresIndexedBinding(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")

	// the status table says otherwise, e.g. after the index was dropped elsewhere
	f.ctrl.tracker.Forget("7")
	assert.False(t, f.ctrl.Snapshot().Ready)

	_, err := f.ctrl.Submit(context.Background(), "q")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	f.gw.AssertNotCalled(t, "GroundedQuery", mock.Anything, mock.Anything)
}

func TestIndexWhileAwaitingDiscardsPendingAnswer(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")

	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.On("GroundedQuery", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return("late", nil).Once()
	f.gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), true).Return(nil).Once()
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 50}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), "What is the theme?")
		done <- err
	}()
	waitFor(t, started)
	assert.Equal(t, StateAwaiting, f.ctrl.Snapshot().State)

	snap, err := f.ctrl.Index(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Transcript)

	close(release)
	assert.ErrorIs(t, <-done, apperr.ErrStale)
	f.op.Wait()

	snap = f.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Transcript)
	f.store.AssertNotCalled(t, "SaveTurn", mock.Anything, mock.Anything)
}

func TestCloseCancelsInflightQuery(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")

	started := make(chan struct{})
	var queryCtx context.Context
	f.gw.On("GroundedQuery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			queryCtx = args.Get(0).(context.Context)
			close(started)
			<-queryCtx.Done()
		}).Return("", context.Canceled).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(context.Background(), "q")
		done <- err
	}()
	waitFor(t, started)

	f.ctrl.Close()
	assert.ErrorIs(t, <-done, apperr.ErrStale)
	assert.ErrorIs(t, queryCtx.Err(), context.Canceled)
	f.store.AssertNotCalled(t, "SaveTurn", mock.Anything, mock.Anything)
}

func TestConcurrentIndexRejectedWithoutTouchingMessage(t *testing.T) {
	f := newFixture(t)
	f.gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: false}, nil).Once()
	started := make(chan struct{})
	release := make(chan struct{})
	f.gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(&apperr.ServerError{Status: 500, Detail: "Error al indexar"}).Once()

	_, err := f.ctrl.Select(context.Background(), book("7"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Index(context.Background(), false)
		done <- err
	}()
	waitFor(t, started)

	snap, err := f.ctrl.Index(context.Background(), false)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.True(t, snap.IndexingBusy)
	assert.Equal(t, msgIndexing, snap.Message)

	close(release)
	require.Error(t, <-done)
	f.op.Wait()

	snap = f.ctrl.Snapshot()
	assert.Equal(t, msgIndexFailed+"Error al indexar", snap.Message)
	f.gw.AssertNumberOfCalls(t, "BuildIndex", 1)
}

func TestCategoryRemovedClearsSelectionInCategory(t *testing.T) {
	f := newFixture(t)
	f.readyOn(t, "7")
	f.store.On("DeleteDocument", mock.Anything, catalog.DocumentID("3")).Return(nil).Once()

	f.ctrl.CategoryRemoved(context.Background(), "Historia", []catalog.DocumentID{"3"})
	assert.Equal(t, StateIdle, f.ctrl.Snapshot().State, "selection is in another category")

	// the selected document was never loaded into the view, so only the
	// category tells the session it is gone
	f.store.On("DeleteDocument", mock.Anything, catalog.DocumentID("7")).Return(nil).Once()
	f.ctrl.CategoryRemoved(context.Background(), "Novela", nil)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateNoSelection, snap.State)
	assert.Nil(t, snap.Selected)
	f.store.AssertExpectations(t)
}
