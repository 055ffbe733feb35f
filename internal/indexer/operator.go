// Package indexer builds and rebuilds retrieval indexes on the backend.
//
// A successful build is completed optimistically: the document is marked
// indexed at once and its vector count is refreshed in the background.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"booklib/internal/apperr"
	"booklib/internal/catalog"
	"booklib/internal/events"
	"booklib/internal/status"
)

const (
	defaultRefreshTimeout = 15 * time.Second
	publishAttempts       = 3
	publishBackoff        = 100 * time.Millisecond
)

// Operator issues index builds. One operator serves one session and allows
// a single outstanding write at a time; status reads are never blocked.
type Operator struct {
	gw      catalog.Gateway
	tracker *status.Tracker
	pub     events.Publisher
	log     *slog.Logger

	refreshTimeout time.Duration

	mu   sync.Mutex
	busy bool

	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewOperator(gw catalog.Gateway, tracker *status.Tracker, pub events.Publisher, log *slog.Logger) *Operator {
	bg, stop := context.WithCancel(context.Background())
	return &Operator{
		gw:             gw,
		tracker:        tracker,
		pub:            pub,
		log:            log,
		refreshTimeout: defaultRefreshTimeout,
		bg:             bg,
		stop:           stop,
	}
}

// Busy reports whether a write is outstanding.
func (o *Operator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Index builds (force=false, only if absent) or rebuilds (force=true) the
// index of id. While a call is outstanding further calls fail with
// apperr.ErrInvalidState. On success the tracker is marked indexed before
// returning and the vector count is refreshed in the background. On failure
// the error is recorded and indexed keeps its previous value.
func (o *Operator) Index(ctx context.Context, id catalog.DocumentID, force bool) (status.Status, error) {
	if !o.acquire() {
		return o.tracker.Get(id), fmt.Errorf("index %s: %w: indexing already in progress", id, apperr.ErrInvalidState)
	}
	defer o.release()

	o.tracker.ClearError(id)
	o.tracker.BeginWrite(id)
	defer o.tracker.EndWrite(id)

	o.log.Info("building index", "document_id", id, "force", force)
	if err := o.gw.BuildIndex(ctx, id, force); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return o.tracker.Get(id), fmt.Errorf("index %s: %w: %v", id, apperr.ErrStale, err)
		}
		st := o.tracker.RecordError(id, err)
		o.log.Error("index build failed", "document_id", id, "force", force, "err", err)
		o.background(func(ctx context.Context) {
			o.publish(ctx, events.New(events.EventIndexFailed, id, map[string]any{"force": force, "error": st.Error}))
		})
		return st, fmt.Errorf("index %s: %w", id, err)
	}

	st := o.tracker.MarkIndexed(id)
	o.background(func(ctx context.Context) {
		o.publish(ctx, events.New(events.EventIndexBuilt, id, map[string]any{"force": force}))
		refreshCtx, cancel := context.WithTimeout(ctx, o.refreshTimeout)
		defer cancel()
		_, _ = o.tracker.RefreshCount(refreshCtx, id)
	})
	return st, nil
}

// ReindexCategory rebuilds every document of a category. It shares the
// single-flight slot with Index.
func (o *Operator) ReindexCategory(ctx context.Context, category string, force bool) (catalog.ReindexReport, error) {
	if !o.acquire() {
		return catalog.ReindexReport{}, fmt.Errorf("reindex category %q: %w", category, apperr.ErrInvalidState)
	}
	defer o.release()

	rep, err := o.gw.ReindexCategory(ctx, category, force)
	if err != nil {
		return catalog.ReindexReport{}, fmt.Errorf("reindex category %q: %w", category, err)
	}
	o.log.Info("category reindexed", "category", category, "processed", rep.Processed, "failed", len(rep.Failed))
	return rep, nil
}

// ReindexAll rebuilds the whole library.
func (o *Operator) ReindexAll(ctx context.Context, force bool) (catalog.ReindexReport, error) {
	if !o.acquire() {
		return catalog.ReindexReport{}, fmt.Errorf("reindex all: %w", apperr.ErrInvalidState)
	}
	defer o.release()

	rep, err := o.gw.ReindexAll(ctx, force)
	if err != nil {
		return catalog.ReindexReport{}, fmt.Errorf("reindex all: %w", err)
	}
	o.log.Info("library reindexed", "processed", rep.Processed, "failed", len(rep.Failed), "total", rep.Total)
	return rep, nil
}

// ReindexCategories rebuilds several categories concurrently and merges
// the reports. The first failing category aborts the others.
func (o *Operator) ReindexCategories(ctx context.Context, categories []string, force bool) (catalog.ReindexReport, error) {
	if !o.acquire() {
		return catalog.ReindexReport{}, fmt.Errorf("reindex categories: %w", apperr.ErrInvalidState)
	}
	defer o.release()

	reports := make([]catalog.ReindexReport, len(categories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, c := range categories {
		g.Go(func() error {
			rep, err := o.gw.ReindexCategory(gctx, c, force)
			if err != nil {
				return fmt.Errorf("reindex category %q: %w", c, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return catalog.ReindexReport{}, err
	}

	merged := catalog.ReindexReport{Force: force, Failed: []catalog.ReindexFailure{}}
	for _, r := range reports {
		merged.Processed += r.Processed
		merged.Failed = append(merged.Failed, r.Failed...)
	}
	merged.Total = merged.Processed + len(merged.Failed)
	return merged, nil
}

// Wait blocks until background refreshes have finished.
func (o *Operator) Wait() {
	o.wg.Wait()
}

// Close cancels background work and waits for it.
func (o *Operator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

func (o *Operator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

func (o *Operator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
}

func (o *Operator) background(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn(o.bg)
	}()
}

func (o *Operator) publish(ctx context.Context, ev events.Event) {
	if err := events.PublishWithRetry(ctx, o.pub, ev, publishAttempts, publishBackoff); err != nil {
		o.log.Warn("failed to publish index event", "type", ev.Type, "document_id", ev.DocumentID, "err", err)
	}
}
