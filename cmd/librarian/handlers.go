package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"booklib/internal/apperr"
	"booklib/internal/catalog"
	"booklib/internal/httputil"
)

type filterRequest struct {
	Search   string       `json:"search" validate:"max=200"`
	Category string       `json:"category" validate:"max=100"`
	Author   string       `json:"author" validate:"max=200"`
	Mode     catalog.Mode `json:"mode" validate:"omitempty,oneof=exact semantic"`
}

type keystrokeRequest struct {
	Text   string `json:"text" validate:"max=200"`
	Submit bool   `json:"submit"`
}

type reindexRequest struct {
	Category   string   `json:"category" validate:"max=100"`
	Categories []string `json:"categories" validate:"omitempty,max=20,dive,required,max=100"`
	Force      bool     `json:"force"`
}

type selectRequest struct {
	DocumentID catalog.DocumentID `json:"document_id" validate:"required"`
}

type modeRequest struct {
	Mode catalog.ResponseMode `json:"mode" validate:"required,oneof=strict balanced open"`
}

type queryRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

func (s *server) handleCatalogView(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.catalog.Snapshot())
}

func (s *server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid filter", err)
		return
	}
	s.catalog.SetFilter(catalog.Filter{
		Search:   req.Search,
		Category: req.Category,
		Author:   req.Author,
		Mode:     req.Mode,
	})
	s.fetchPage(w, r)
}

// handleKeystroke feeds the search box through the debouncer; the fetch
// happens once typing pauses (or at once with submit=true).
func (s *server) handleKeystroke(w http.ResponseWriter, r *http.Request) {
	var req keystrokeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid keystroke", err)
		return
	}
	s.search.Push(req.Text)
	if req.Submit {
		s.search.Submit()
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"pending": s.search.Pending()})
}

func (s *server) handleMore(w http.ResponseWriter, r *http.Request) {
	s.fetchPage(w, r)
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.catalog.Reload()
	s.fetchPage(w, r)
}

// fetchPage requests the next page and answers with the view. Fetch
// failures are part of the view, not of the HTTP status.
func (s *server) fetchPage(w http.ResponseWriter, r *http.Request) {
	if _, err := s.catalog.RequestMore(r.Context()); err != nil && !apperr.IsStale(err) {
		s.log.Debug("catalog page failed", "err", err)
	}
	httputil.WriteJSON(w, http.StatusOK, s.catalog.Snapshot())
}

func (s *server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.deps.Gateway.Categories(r.Context())
	if err != nil {
		httputil.FailErr(s.log, w, "failed to list categories", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Gateway.CountDocuments(r.Context())
	if err != nil {
		httputil.FailErr(s.log, w, "failed to count documents", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid reindex request", err)
		return
	}
	var (
		rep catalog.ReindexReport
		err error
	)
	switch {
	case len(req.Categories) > 0:
		rep, err = s.op.ReindexCategories(r.Context(), req.Categories, req.Force)
	case req.Category != "":
		rep, err = s.op.ReindexCategory(r.Context(), req.Category, req.Force)
	default:
		rep, err = s.op.ReindexAll(r.Context(), req.Force)
	}
	if err != nil {
		httputil.FailErr(s.log, w, "reindex failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := documentID(r)
	if err := s.deps.Gateway.DeleteDocument(r.Context(), id); err != nil {
		httputil.FailErr(s.log, w, "failed to delete document", err)
		return
	}
	s.catalog.Remove(id)
	s.session.DocumentRemoved(r.Context(), id)
	s.publishCatalogChange(id, "deleted")
	s.log.Info("document deleted", "document_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteCategory drops a category with all of its documents. Loaded
// documents leave the view and the session lets go of a selection inside
// the category.
func (s *server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		httputil.Fail(s.log, w, "category name is required", httputil.ErrBadRequest, http.StatusBadRequest)
		return
	}
	if err := s.deps.Gateway.DeleteCategory(r.Context(), name); err != nil {
		httputil.FailErr(s.log, w, "failed to delete category", err)
		return
	}
	removed := s.catalog.RemoveCategory(name)
	s.session.CategoryRemoved(r.Context(), name, removed)
	s.publishCatalogChange("", "category_deleted")
	s.log.Info("category deleted", "category", name, "loaded_documents", len(removed))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleEstimateDocument(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.estimateOptions(w, r)
	if !ok {
		return
	}
	est, err := s.deps.Gateway.EstimateDocument(r.Context(), documentID(r), opts)
	s.writeEstimate(w, est, err)
}

func (s *server) handleEstimateCategory(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.estimateOptions(w, r)
	if !ok {
		return
	}
	est, err := s.deps.Gateway.EstimateCategory(r.Context(), chi.URLParam(r, "name"), opts)
	s.writeEstimate(w, est, err)
}

func (s *server) handleEstimateAll(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.estimateOptions(w, r)
	if !ok {
		return
	}
	est, err := s.deps.Gateway.EstimateAll(r.Context(), opts)
	s.writeEstimate(w, est, err)
}

// estimateOptions reads ?per1k= and ?max_tokens=. It writes the 400 itself.
func (s *server) estimateOptions(w http.ResponseWriter, r *http.Request) (catalog.EstimateOptions, bool) {
	var opts catalog.EstimateOptions
	q := r.URL.Query()
	if v := q.Get("per1k"); v != "" {
		per1k, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.Fail(s.log, w, "invalid per1k", fmt.Errorf("%w: %v", httputil.ErrBadRequest, err), http.StatusBadRequest)
			return opts, false
		}
		opts.Per1K = &per1k
	}
	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.Fail(s.log, w, "invalid max_tokens", fmt.Errorf("%w: %v", httputil.ErrBadRequest, err), http.StatusBadRequest)
			return opts, false
		}
		opts.MaxTokens = n
	}
	if err := catalog.Validate(&opts); err != nil {
		httputil.Fail(s.log, w, "invalid estimate options", fmt.Errorf("%w: %v", httputil.ErrBadRequest, err), http.StatusBadRequest)
		return opts, false
	}
	return opts, true
}

func (s *server) writeEstimate(w http.ResponseWriter, est catalog.Estimate, err error) {
	if err != nil {
		httputil.FailErr(s.log, w, "estimate failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, est)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var fields catalog.UpdateFields
	if err := httputil.DecodeJSON(w, r, &fields); err != nil {
		httputil.FailErr(s.log, w, "invalid document fields", err)
		return
	}
	doc, err := s.deps.Gateway.UpdateDocument(r.Context(), documentID(r), fields)
	if err != nil {
		httputil.FailErr(s.log, w, "failed to update document", err)
		return
	}
	s.replaced(doc, "updated")
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Gateway.ConvertDocument(r.Context(), documentID(r))
	if err != nil {
		httputil.FailErr(s.log, w, "failed to convert document", err)
		return
	}
	s.replaced(doc, "converted")
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (s *server) replaced(doc catalog.Document, action string) {
	s.catalog.Replace(doc)
	s.session.DocumentReplaced(doc)
	s.publishCatalogChange(doc.ID, action)
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	turns, err := s.session.History(r.Context(), limit)
	if err != nil {
		httputil.FailErr(s.log, w, "failed to load history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleSelect binds the session to a document of the current view. A
// document not in view is selected by id alone.
func (s *server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid selection", err)
		return
	}
	doc := catalog.Document{ID: req.DocumentID}
	for _, d := range s.catalog.Snapshot().Items {
		if d.ID == req.DocumentID {
			doc = d
			break
		}
	}
	snap, err := s.session.Select(r.Context(), doc)
	s.writeSession(w, snap, err)
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.session.Clear()
	httputil.WriteJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	snap, err := s.session.Recheck(r.Context())
	s.writeSession(w, snap, err)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	snap, err := s.session.Index(r.Context(), force)
	s.writeSession(w, snap, err)
}

func (s *server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid mode", err)
		return
	}
	if err := s.session.SetMode(req.Mode); err != nil {
		httputil.FailErr(s.log, w, "invalid mode", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.FailErr(s.log, w, "invalid query", err)
		return
	}
	reply, err := s.session.Submit(r.Context(), req.Text)
	if err != nil {
		httputil.FailErr(s.log, w, "query not accepted", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"reply":   reply,
		"session": s.session.Snapshot(),
	})
}

// writeSession answers with the snapshot. Backend failures are already in
// the snapshot message; only rejected or superseded calls change the status.
func (s *server) writeSession(w http.ResponseWriter, snap any, err error) {
	if err != nil && (errors.Is(err, apperr.ErrInvalidState) || apperr.IsStale(err)) {
		httputil.FailErr(s.log, w, "session action not applied", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func documentID(r *http.Request) catalog.DocumentID {
	return catalog.DocumentID(strings.TrimSpace(chi.URLParam(r, "id")))
}
