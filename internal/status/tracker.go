package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"booklib/internal/apperr"
	"booklib/internal/catalog"
	"booklib/internal/events"
)

// Status is what the client knows about a document's retrieval index.
type Status struct {
	DocumentID  catalog.DocumentID `json:"document_id"`
	Indexed     bool               `json:"indexed"`
	VectorCount int                `json:"vector_count"`
	Error       string             `json:"error,omitempty"`
	// Advisory is set when the status was read while an indexing write for
	// the same document was outstanding.
	Advisory bool `json:"advisory,omitempty"`
}

// Tracker owns the per-document IndexStatus table. Checks are idempotent
// reads and may run concurrently with each other and with writes.
type Tracker struct {
	gw  catalog.Gateway
	pub events.Publisher
	log *slog.Logger

	mu       sync.Mutex
	statuses map[catalog.DocumentID]Status
	writes   map[catalog.DocumentID]int
	// gens counts writes ever begun per document; a check that sees the
	// generation move overlapped a write.
	gens map[catalog.DocumentID]uint64
}

func NewTracker(gw catalog.Gateway, pub events.Publisher, log *slog.Logger) *Tracker {
	return &Tracker{
		gw:       gw,
		pub:      pub,
		log:      log,
		statuses: make(map[catalog.DocumentID]Status),
		writes:   make(map[catalog.DocumentID]int),
		gens:     make(map[catalog.DocumentID]uint64),
	}
}

// Check queries the backend and stores the answer. A failed check stores
// indexed=false with the error text and also returns the error. A check
// abandoned through ctx stores nothing and returns apperr.ErrStale.
//
// A check that overlapped an indexing write is advisory: it never lowers an
// indexed flag or replaces the stored error, and only refreshes the count.
func (t *Tracker) Check(ctx context.Context, id catalog.DocumentID) (Status, error) {
	t.mu.Lock()
	gen, busy := t.gens[id], t.writes[id] > 0
	t.mu.Unlock()

	rep, err := t.gw.IndexStatus(ctx, id)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return t.Get(id), fmt.Errorf("status check for %s: %w: %v", id, apperr.ErrStale, err)
	}

	t.mu.Lock()
	outstanding := t.writes[id] > 0
	var st Status
	if busy || outstanding || t.gens[id] != gen {
		st = t.statuses[id]
		st.DocumentID = id
		st.Advisory = outstanding
		if err == nil {
			st.Indexed = st.Indexed || rep.Indexed
			st.VectorCount = rep.VectorCount
		}
	} else {
		st = Status{DocumentID: id}
		if err != nil {
			st.Error = apperr.Message(err)
		} else {
			st.Indexed = rep.Indexed
			st.VectorCount = rep.VectorCount
		}
	}
	t.statuses[id] = st
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("index status check failed", "document_id", id, "err", err)
	}
	t.publish(st)
	return st, err
}

// RefreshCount re-reads the backend after an optimistic build and updates
// only the vector count. The indexed flag set by MarkIndexed is kept even
// when the backend reports indexed=false; failures leave the status as is.
func (t *Tracker) RefreshCount(ctx context.Context, id catalog.DocumentID) (Status, error) {
	rep, err := t.gw.IndexStatus(ctx, id)
	if err != nil {
		t.log.Debug("background status refresh failed", "document_id", id, "err", err)
		return t.Get(id), err
	}
	if !rep.Indexed {
		t.log.Warn("backend reports no index after a successful build", "document_id", id)
	}

	t.mu.Lock()
	st := t.statuses[id]
	st.DocumentID = id
	st.VectorCount = rep.VectorCount
	t.statuses[id] = st
	t.mu.Unlock()

	t.publish(st)
	return st, nil
}

// Get returns the stored status, or an unindexed zero status.
func (t *Tracker) Get(id catalog.DocumentID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.statuses[id]; ok {
		return st
	}
	return Status{DocumentID: id}
}

// MarkIndexed records an optimistic indexed=true after a successful build,
// keeping the last known vector count.
func (t *Tracker) MarkIndexed(id catalog.DocumentID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.statuses[id]
	st.DocumentID = id
	st.Indexed = true
	st.Error = ""
	t.statuses[id] = st
	return st
}

// RecordError attaches an error to the stored status without touching
// the indexed flag.
func (t *Tracker) RecordError(id catalog.DocumentID, err error) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.statuses[id]
	st.DocumentID = id
	st.Error = apperr.Message(err)
	t.statuses[id] = st
	return st
}

// ClearError drops a stale error before a new write is attempted.
func (t *Tracker) ClearError(id catalog.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.statuses[id]; ok {
		st.Error = ""
		t.statuses[id] = st
	}
}

// BeginWrite marks an indexing write for id as outstanding.
func (t *Tracker) BeginWrite(id catalog.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[id]++
	t.gens[id]++
}

// EndWrite marks the write as finished; once no write is outstanding the
// stored status is no longer advisory.
func (t *Tracker) EndWrite(id catalog.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writes[id] > 1 {
		t.writes[id]--
		return
	}
	delete(t.writes, id)
	if st, ok := t.statuses[id]; ok {
		st.Advisory = false
		t.statuses[id] = st
	}
}

// Forget drops everything known about id (after a delete).
func (t *Tracker) Forget(id catalog.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, id)
}

func (t *Tracker) publish(st Status) {
	if err := t.pub.Publish(context.Background(), events.New(events.EventStatusChecked, st.DocumentID, st)); err != nil {
		t.log.Warn("failed to publish status event", "err", err)
	}
}
