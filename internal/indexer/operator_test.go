package indexer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"booklib/internal/apperr"
	"booklib/internal/catalog"
	"booklib/internal/events"
	"booklib/internal/status"
)

func newTestOperator(gw catalog.Gateway, pub events.Publisher) (*Operator, *status.Tracker) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := status.NewTracker(gw, events.NewNoOp(), log)
	return NewOperator(gw, tr, pub, log), tr
}

func TestIndexMarksIndexedOptimistically(t *testing.T) {
	gw := &catalog.MockGateway{}
	gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).Return(nil).Once()
	gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 312}, nil).Once()

	bus := &events.MockBus{}
	bus.On("Publish", mock.Anything, mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.EventIndexBuilt && ev.DocumentID == "7"
	})).Return(nil).Once()

	op, tr := newTestOperator(gw, bus)
	defer op.Close()

	st, err := op.Index(context.Background(), "7", false)
	require.NoError(t, err)
	assert.True(t, st.Indexed)
	assert.False(t, op.Busy())

	op.Wait()
	assert.Equal(t, status.Status{DocumentID: "7", Indexed: true, VectorCount: 312}, tr.Get("7"))
	gw.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestIndexIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	gw := &catalog.MockGateway{}
	gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), true).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(nil).Once()
	gw.On("IndexStatus", mock.Anything, catalog.DocumentID("7")).
		Return(catalog.StatusReport{Indexed: true, VectorCount: 5}, nil).Maybe()

	op, _ := newTestOperator(gw, events.NewNoOp())
	defer op.Close()

	done := make(chan error, 1)
	go func() {
		_, err := op.Index(context.Background(), "7", true)
		done <- err
	}()
	<-started
	assert.True(t, op.Busy())

	_, err := op.Index(context.Background(), "7", true)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = op.ReindexAll(context.Background(), false)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("index did not finish")
	}
	gw.AssertNumberOfCalls(t, "BuildIndex", 1)
}

func TestIndexFailureKeepsPreviousFlag(t *testing.T) {
	gw := &catalog.MockGateway{}
	gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), true).
		Return(&apperr.ServerError{Status: 500, Detail: "Error al indexar"}).Once()

	bus := &events.MockBus{}
	bus.On("Publish", mock.Anything, mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.EventIndexFailed
	})).Return(nil).Once()

	op, tr := newTestOperator(gw, bus)
	defer op.Close()
	tr.MarkIndexed("7")

	st, err := op.Index(context.Background(), "7", true)
	require.Error(t, err)
	assert.True(t, st.Indexed)
	assert.Equal(t, "Error al indexar", st.Error)

	op.Wait()
	bus.AssertExpectations(t)
}

func TestCancelledIndexIsStale(t *testing.T) {
	gw := &catalog.MockGateway{}
	gw.On("BuildIndex", mock.Anything, catalog.DocumentID("7"), false).Return(context.Canceled).Once()

	op, tr := newTestOperator(gw, events.NewNoOp())
	defer op.Close()

	_, err := op.Index(context.Background(), "7", false)
	assert.ErrorIs(t, err, apperr.ErrStale)
	assert.Empty(t, tr.Get("7").Error)
	assert.False(t, op.Busy())
}

func TestReindexCategoriesMergesReports(t *testing.T) {
	gw := &catalog.MockGateway{}
	gw.On("ReindexCategory", mock.Anything, "Novela", false).
		Return(catalog.ReindexReport{Category: "Novela", Processed: 3, Total: 3}, nil).Once()
	gw.On("ReindexCategory", mock.Anything, "Ensayo", false).
		Return(catalog.ReindexReport{
			Category:  "Ensayo",
			Processed: 1,
			Failed:    []catalog.ReindexFailure{{DocumentID: "4", Error: "PDF vacío"}},
			Total:     2,
		}, nil).Once()

	op, _ := newTestOperator(gw, events.NewNoOp())
	defer op.Close()

	rep, err := op.ReindexCategories(context.Background(), []string{"Novela", "Ensayo"}, false)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Processed)
	assert.Equal(t, 5, rep.Total)
	assert.Len(t, rep.Failed, 1)
}
