package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"booklib/internal/app"
	"booklib/internal/apperr"
	"booklib/internal/catalog"
	"booklib/internal/debounce"
	"booklib/internal/events"
	"booklib/internal/httputil"
	"booklib/internal/indexer"
	"booklib/internal/pager"
	"booklib/internal/session"
	"booklib/internal/status"
)

const (
	apiTimeout      = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// server exposes one catalog stream and one chat session to a UI shell.
type server struct {
	deps    app.Deps
	log     *slog.Logger
	base    context.Context
	catalog *pager.Stream
	search  *debounce.Source
	tracker *status.Tracker
	op      *indexer.Operator
	session *session.Controller
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Warn("failed to close dependencies", "err", err)
		}
	}()

	srv := newServer(ctx, deps)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Log.Info("librarian listening", "addr", httpServer.Addr, "library", deps.Config.LibraryAPIURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return deps.Bus.Subscribe(gctx, srv.auditEvent)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("librarian stopped", "err", err)
		os.Exit(1)
	}
	deps.Log.Info("librarian stopped")
}

func newServer(ctx context.Context, deps app.Deps) *server {
	tracker := status.NewTracker(deps.Gateway, deps.Bus, deps.Log)
	op := indexer.NewOperator(deps.Gateway, tracker, deps.Bus, deps.Log)
	s := &server{
		deps:    deps,
		log:     deps.Log,
		base:    ctx,
		catalog: pager.New(deps.Gateway, deps.Bus, deps.Log, deps.Config.PageSize),
		tracker: tracker,
		op:      op,
		session: session.New(deps.Gateway, tracker, op, deps.Archive, deps.Bus, deps.Log),
	}
	s.search = debounce.New(deps.Config.SearchDebounce, s.applySearch)
	return s
}

func (s *server) routes() http.Handler {
	r := httputil.NewRouter(s.log)
	r.Get("/healthz", httputil.HealthHandler(s.log))
	r.Get("/api/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(httputil.Timeout(apiTimeout))

		r.Get("/catalog", s.handleCatalogView)
		r.Post("/catalog", s.handleSetFilter)
		r.Post("/catalog/search", s.handleKeystroke)
		r.Post("/catalog/more", s.handleMore)
		r.Post("/catalog/reload", s.handleReload)

		r.Get("/categories", s.handleCategories)
		r.Get("/count", s.handleCount)
		r.Post("/reindex", s.handleReindex)
		r.Delete("/categories/{name}", s.handleDeleteCategory)

		r.Get("/estimate", s.handleEstimateAll)
		r.Get("/estimate/documents/{id}", s.handleEstimateDocument)
		r.Get("/estimate/categories/{name}", s.handleEstimateCategory)

		r.Delete("/documents/{id}", s.handleDelete)
		r.Put("/documents/{id}", s.handleUpdate)
		r.Post("/documents/{id}/convert", s.handleConvert)

		r.Get("/session", s.handleSession)
		r.Get("/session/history", s.handleHistory)
		r.Post("/session/select", s.handleSelect)
		r.Post("/session/clear", s.handleClear)
		r.Post("/session/check", s.handleCheck)
		r.Post("/session/index", s.handleIndex)
		r.Post("/session/mode", s.handleMode)
		r.Post("/session/query", s.handleQuery)
	})
	return r
}

// applySearch runs when the search box has been quiet long enough.
func (s *server) applySearch(term string) {
	f := s.catalog.Snapshot().Filter
	f.Search = term
	if !s.catalog.SetFilter(f) {
		return
	}
	go func() {
		if _, err := s.catalog.RequestMore(s.base); err != nil && !apperr.IsStale(err) {
			s.log.Warn("first page after search failed", "search", term, "err", err)
		}
	}()
}

func (s *server) auditEvent(_ context.Context, ev events.Event) error {
	s.log.Debug("event", "id", ev.ID, "type", ev.Type, "document_id", ev.DocumentID)
	return nil
}

func (s *server) publishCatalogChange(id catalog.DocumentID, action string) {
	ev := events.New(events.EventCatalogChanged, id, map[string]string{"action": action})
	if err := events.PublishWithRetry(s.base, s.deps.Bus, ev, 3, 100*time.Millisecond); err != nil {
		s.log.Warn("failed to publish catalog change", "document_id", id, "err", err)
	}
}

func (s *server) Close() {
	s.search.Stop()
	s.catalog.Cancel()
	s.session.Close()
}
