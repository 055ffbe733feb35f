// Package session binds a grounded conversation to one indexed document.
//
// The controller walks NoSelection -> Checking -> {NotIndexed, Ready}; Ready
// is either idle or awaiting a response. Every transition that supersedes the
// current binding bumps the selection epoch, and a response is applied only
// when the epoch it captured is still current.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"booklib/internal/apperr"
	"booklib/internal/archive"
	"booklib/internal/catalog"
	"booklib/internal/events"
	"booklib/internal/indexer"
	"booklib/internal/status"
)

type State string

const (
	StateNoSelection State = "no_selection"
	StateChecking    State = "checking"
	StateNotIndexed  State = "not_indexed"
	StateIdle        State = "ready_idle"
	StateAwaiting    State = "ready_awaiting_response"
)

// Ready reports whether the state is one of the Ready sub-states.
func (s State) Ready() bool {
	return s == StateIdle || s == StateAwaiting
}

const (
	msgChecking     = "Checking index status..."
	msgReady        = "Ready to chat"
	msgNotIndexed   = "This book has no index yet. Press Index to build it."
	msgIndexing     = "Indexing..."
	msgIndexed      = "Indexed. Ready to chat"
	msgAwaiting     = "Waiting for the assistant..."
	msgCheckFailed  = "Error checking status: "
	msgIndexFailed  = "Error indexing: "
	errorTurnPrefix = "Error: "

	archiveTimeout = 5 * time.Second
)

type Turn struct {
	Role  archive.Role `json:"role"`
	Text  string       `json:"text"`
	Error bool         `json:"error,omitempty"`
}

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	State        State                `json:"state"`
	Ready        bool                 `json:"ready"`
	Selected     *catalog.Document    `json:"selected,omitempty"`
	BoundID      catalog.DocumentID   `json:"bound_document_id,omitempty"`
	Transcript   []Turn               `json:"transcript"`
	Mode         catalog.ResponseMode `json:"mode"`
	Message      string               `json:"message,omitempty"`
	Status       *status.Status       `json:"status,omitempty"`
	IndexingBusy bool                 `json:"indexing_busy"`
}

type Controller struct {
	gw      catalog.Gateway
	tracker *status.Tracker
	op      *indexer.Operator
	store   archive.Store
	pub     events.Publisher
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	selected   *catalog.Document
	bound      catalog.DocumentID
	transcript []Turn
	mode       catalog.ResponseMode
	message    string
	epoch      uint64
	inflight   map[uint64]context.CancelFunc
	nextReq    uint64
}

func New(gw catalog.Gateway, tracker *status.Tracker, op *indexer.Operator, store archive.Store, pub events.Publisher, log *slog.Logger) *Controller {
	return &Controller{
		gw:       gw,
		tracker:  tracker,
		op:       op,
		store:    store,
		pub:      pub,
		log:      log,
		state:    StateNoSelection,
		mode:     catalog.ResponseBalanced,
		inflight: make(map[uint64]context.CancelFunc),
	}
}

// Select makes doc the current selection and checks its index. Selecting
// the current document again is a no-op. A check result that arrives after
// another selection returns apperr.ErrStale and changes nothing.
func (c *Controller) Select(ctx context.Context, doc catalog.Document) (Snapshot, error) {
	c.mu.Lock()
	if c.selected != nil && c.selected.ID == doc.ID {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	c.supersedeLocked()
	d := doc
	c.selected = &d
	c.state = StateChecking
	c.message = msgChecking
	epoch := c.epoch
	rctx, done := c.trackLocked(ctx)
	c.mu.Unlock()
	defer done()

	c.log.Info("document selected", "document_id", doc.ID)
	c.changed()
	return c.applyCheck(rctx, epoch, doc.ID, false)
}

// Recheck re-reads the index status of the current selection. The
// transcript survives when the binding does not change.
func (c *Controller) Recheck(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.selected == nil || c.state == StateAwaiting {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, fmt.Errorf("recheck in %s: %w", snap.State, apperr.ErrInvalidState)
	}
	id := c.selected.ID
	c.state = StateChecking
	c.message = msgChecking
	epoch := c.epoch
	rctx, done := c.trackLocked(ctx)
	c.mu.Unlock()
	defer done()

	c.changed()
	return c.applyCheck(rctx, epoch, id, true)
}

func (c *Controller) applyCheck(ctx context.Context, epoch uint64, id catalog.DocumentID, keepTranscript bool) (Snapshot, error) {
	st, err := c.tracker.Check(ctx, id)

	c.mu.Lock()
	if c.epoch != epoch {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.Debug("discarding status for superseded selection", "document_id", id)
		return snap, fmt.Errorf("status of %s: %w", id, apperr.ErrStale)
	}
	if apperr.IsStale(err) {
		// the caller gave up; settle on the last known status
		err = nil
	}
	switch {
	case err != nil:
		c.unbindLocked(keepTranscript)
		c.state = StateNotIndexed
		c.message = msgCheckFailed + apperr.Message(err)
	case st.Indexed:
		if c.bound != id {
			c.transcript = nil
		}
		c.bound = id
		c.state = StateIdle
		c.message = msgReady
	default:
		c.unbindLocked(keepTranscript)
		c.state = StateNotIndexed
		c.message = msgNotIndexed
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed()
	return snap, nil
}

// Index builds (or with force rebuilds) the index of the selected document.
// On success the session becomes Ready/Idle bound to that document with an
// empty transcript, without waiting for a confirming status read.
func (c *Controller) Index(ctx context.Context, force bool) (Snapshot, error) {
	c.mu.Lock()
	if c.selected == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, fmt.Errorf("index without selection: %w", apperr.ErrInvalidState)
	}
	if c.op.Busy() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, fmt.Errorf("index of %s: %w", c.selected.ID, apperr.ErrInvalidState)
	}
	id := c.selected.ID
	epoch := c.epoch
	prevMessage := c.message
	c.message = msgIndexing
	c.mu.Unlock()
	c.changed()

	_, err := c.op.Index(ctx, id, force)

	c.mu.Lock()
	if c.epoch != epoch {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, fmt.Errorf("index of %s: %w", id, apperr.ErrStale)
	}
	switch {
	case errors.Is(err, apperr.ErrInvalidState), apperr.IsStale(err):
		// another call may have settled the message meanwhile
		if c.message == msgIndexing {
			c.message = prevMessage
		}
	case err != nil:
		c.message = msgIndexFailed + apperr.Message(err)
	default:
		c.supersedeLocked()
		c.bound = id
		c.state = StateIdle
		c.message = msgIndexed
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.changed()
	if err == nil {
		c.log.Info("session ready after indexing", "document_id", id, "force", force)
	}
	return snap, err
}

// SetMode changes the response mode sent with later queries.
func (c *Controller) SetMode(mode catalog.ResponseMode) error {
	if !mode.Valid() {
		return fmt.Errorf("response mode %q: %w", mode, apperr.ErrInvalidState)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.changed()
	return nil
}

// Submit asks a grounded question about the bound document. It is legal only
// in Ready/Idle, with the selection bound and indexed, and non-blank text. Backend failures become an assistant
// error turn rather than an error return; a response for a superseded
// binding is discarded with apperr.ErrStale.
func (c *Controller) Submit(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.state != StateIdle || !c.snapshotLocked().Ready || text == "" {
		state := c.state
		c.mu.Unlock()
		return Turn{}, fmt.Errorf("submit in %s: %w", state, apperr.ErrInvalidState)
	}
	question := Turn{Role: archive.RoleUser, Text: text}
	c.transcript = append(c.transcript, question)
	c.state = StateAwaiting
	c.message = msgAwaiting
	req := catalog.QueryRequest{Query: text, DocumentID: c.bound, Mode: c.mode}
	epoch := c.epoch
	rctx, done := c.trackLocked(ctx)
	c.mu.Unlock()
	c.changed()

	answer, err := c.gw.GroundedQuery(rctx, req)
	done()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug("discarding response for superseded binding", "document_id", req.DocumentID)
		return Turn{}, fmt.Errorf("answer for %s: %w", req.DocumentID, apperr.ErrStale)
	}
	reply := Turn{Role: archive.RoleAssistant, Text: answer}
	if err != nil {
		reply = Turn{Role: archive.RoleAssistant, Text: errorTurnText(err), Error: true}
		c.log.Warn("grounded query failed", "document_id", req.DocumentID, "mode", req.Mode, "err", err)
	}
	c.transcript = append(c.transcript, reply)
	c.state = StateIdle
	c.message = msgReady
	c.mu.Unlock()

	c.changed()
	c.publish(events.New(events.EventQueryAnswered, req.DocumentID, map[string]any{
		"mode":  req.Mode,
		"error": reply.Error,
	}))
	c.saveTurns(ctx, req, question, reply)
	return reply, nil
}

// Clear drops the selection and cancels everything in flight.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.supersedeLocked()
	c.selected = nil
	c.state = StateNoSelection
	c.message = ""
	c.mu.Unlock()
	c.changed()
}

// DocumentRemoved forgets a deleted document; if it was selected the
// session returns to NoSelection.
func (c *Controller) DocumentRemoved(ctx context.Context, id catalog.DocumentID) {
	c.tracker.Forget(id)
	c.mu.Lock()
	selected := c.selected != nil && c.selected.ID == id
	c.mu.Unlock()
	if selected {
		c.Clear()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := c.store.DeleteDocument(actx, id); err != nil {
		c.log.Warn("failed to drop archived turns", "document_id", id, "err", err)
	}
}

// CategoryRemoved handles a whole category being deleted: its documents
// are forgotten and, if the selection belonged to it, the session returns
// to NoSelection.
func (c *Controller) CategoryRemoved(ctx context.Context, category string, ids []catalog.DocumentID) {
	c.mu.Lock()
	if c.selected != nil && category != "" && c.selected.Category == category && !slices.Contains(ids, c.selected.ID) {
		ids = append(slices.Clip(ids), c.selected.ID)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.DocumentRemoved(ctx, id)
	}
}

// DocumentReplaced refreshes the cached copy of the selected document after
// an update or conversion. The binding is unaffected.
func (c *Controller) DocumentReplaced(doc catalog.Document) {
	c.mu.Lock()
	if c.selected == nil || c.selected.ID != doc.ID {
		c.mu.Unlock()
		return
	}
	d := doc
	c.selected = &d
	c.mu.Unlock()
	c.changed()
}

// History returns archived turns of the selected document.
func (c *Controller) History(ctx context.Context, limit int) ([]archive.Turn, error) {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("history without selection: %w", apperr.ErrInvalidState)
	}
	id := c.selected.ID
	c.mu.Unlock()
	return c.store.ListTurns(ctx, id, limit)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close cancels in-flight requests and stops background indexing work.
// Responses still on their way are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.epoch++
	c.cancelInflightLocked()
	c.mu.Unlock()
	c.op.Close()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        c.state,
		BoundID:      c.bound,
		Transcript:   make([]Turn, len(c.transcript)),
		Mode:         c.mode,
		Message:      c.message,
		IndexingBusy: c.op.Busy(),
	}
	copy(snap.Transcript, c.transcript)
	if c.selected != nil {
		d := *c.selected
		snap.Selected = &d
		st := c.tracker.Get(d.ID)
		snap.Status = &st
		snap.Ready = c.state.Ready() && c.bound == d.ID && st.Indexed
	}
	return snap
}

// supersedeLocked ends the current binding: later responses for it are
// discarded and its requests are cancelled.
func (c *Controller) supersedeLocked() {
	c.epoch++
	c.cancelInflightLocked()
	c.bound = ""
	c.transcript = nil
}

func (c *Controller) unbindLocked(keepTranscript bool) {
	c.bound = ""
	if !keepTranscript {
		c.transcript = nil
	}
}

func (c *Controller) trackLocked(ctx context.Context) (context.Context, func()) {
	rctx, cancel := context.WithCancel(ctx)
	c.nextReq++
	id := c.nextReq
	c.inflight[id] = cancel
	return rctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

func (c *Controller) cancelInflightLocked() {
	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
}

func (c *Controller) changed() {
	snap := c.Snapshot()
	var docID catalog.DocumentID
	if snap.Selected != nil {
		docID = snap.Selected.ID
	}
	c.publish(events.New(events.EventSessionChanged, docID, map[string]any{
		"state":   snap.State,
		"ready":   snap.Ready,
		"mode":    snap.Mode,
		"message": snap.Message,
	}))
}

func (c *Controller) publish(ev events.Event) {
	if err := c.pub.Publish(context.Background(), ev); err != nil {
		c.log.Warn("failed to publish session event", "type", ev.Type, "err", err)
	}
}

func (c *Controller) saveTurns(ctx context.Context, req catalog.QueryRequest, question, reply Turn) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	for _, t := range []Turn{question, reply} {
		turn := archive.NewTurn(req.DocumentID, t.Role, t.Text, req.Mode, t.Error)
		if err := c.store.SaveTurn(actx, turn); err != nil {
			c.log.Warn("failed to archive turn", "document_id", req.DocumentID, "err", err)
			return
		}
	}
}

// errorTurnText renders a failed query as an assistant turn. Only transport
// failures and abandoned requests get the generic connection text.
func errorTurnText(err error) string {
	if errors.Is(err, apperr.ErrNetwork) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errorTurnPrefix + apperr.ConnectionMessage
	}
	return errorTurnPrefix + apperr.Message(err)
}
