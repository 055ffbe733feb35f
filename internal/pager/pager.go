// Package pager drives incremental fetch-on-scroll over the catalog.
//
// Every filter change opens a new epoch. A fetch captures the epoch and a
// request token when dispatched and its page is applied only if both are
// still current, so pages from a superseded filter or a cancelled request
// never reach the view.
package pager

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

// DefaultPageSize is used when no page size is configured.
const DefaultPageSize = 20

// View is a read-only snapshot of the stream.
type View struct {
	Filter    catalog.Filter     `json:"filter"`
	Epoch     uint64             `json:"epoch"`
	Offset    int                `json:"offset"`
	Items     []catalog.Document `json:"items"`
	Loading   bool               `json:"loading"`
	Exhausted bool               `json:"exhausted"`
	Error     string             `json:"error,omitempty"`
}

// Stream owns the CatalogView for the current filter epoch.
type Stream struct {
	gw       catalog.Gateway
	pub      events.Publisher
	log      *slog.Logger
	pageSize int

	mu        sync.Mutex
	filter    catalog.Filter
	epoch     uint64
	token     uint64
	offset    int
	items     []catalog.Document
	exhausted bool
	inFlight  bool
	err       error
	cancel    context.CancelFunc
}

// New returns a stream positioned on the unfiltered exact catalog.
func New(gw catalog.Gateway, pub events.Publisher, log *slog.Logger, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{
		gw:       gw,
		pub:      pub,
		log:      log,
		pageSize: pageSize,
		filter:   catalog.Filter{}.Normalize(),
	}
}

// SetFilter opens a new epoch when f differs from the current filter: the
// view is cleared, pagination restarts at offset 0 and any in-flight fetch
// is cancelled. It reports whether the epoch changed.
func (s *Stream) SetFilter(f catalog.Filter) bool {
	f = f.Normalize()

	s.mu.Lock()
	if f == s.filter {
		s.mu.Unlock()
		return false
	}
	s.filter = f
	epoch := s.resetLocked()
	s.mu.Unlock()

	s.log.Debug("catalog filter changed", "epoch", epoch, "search", f.Search, "category", f.Category, "author", f.Author, "mode", f.Mode)
	s.notify(epoch, 0, false)
	return true
}

// Reload restarts the current filter from offset 0 in a new epoch.
func (s *Stream) Reload() {
	s.mu.Lock()
	epoch := s.resetLocked()
	s.mu.Unlock()
	s.notify(epoch, 0, false)
}

// Cancel abandons the in-flight fetch, if any. Its page will be discarded.
func (s *Stream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// RequestMore fetches the next page of the current epoch. It is a no-op,
// reporting false, when the view is exhausted or a fetch is already in
// flight. A page discarded for staleness yields apperr.ErrStale.
func (s *Stream) RequestMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.exhausted || s.inFlight {
		s.mu.Unlock()
		return false, nil
	}
	filter, epoch, offset := s.filter, s.epoch, s.offset
	s.token++
	token := s.token
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.inFlight = true
	s.err = nil
	s.mu.Unlock()
	defer cancel()

	var (
		page []catalog.Document
		err  error
	)
	if filter.Mode == catalog.ModeSemantic {
		page, err = s.gw.SemanticSearch(fetchCtx, filter.Search)
	} else {
		page, err = s.gw.ListDocuments(fetchCtx, filter, offset, s.pageSize)
	}

	s.mu.Lock()
	if epoch != s.epoch || token != s.token {
		s.mu.Unlock()
		s.log.Debug("discarding stale page", "epoch", epoch, "offset", offset)
		return true, fmt.Errorf("page at offset %d of epoch %d: %w", offset, epoch, apperr.ErrStale)
	}
	s.inFlight = false
	s.cancel = nil
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.mu.Unlock()
			return true, fmt.Errorf("page at offset %d: %w: %v", offset, apperr.ErrStale, err)
		}
		s.err = err
		s.mu.Unlock()
		s.log.Warn("catalog fetch failed", "epoch", epoch, "offset", offset, "err", err)
		return true, err
	}
	s.items = append(s.items, page...)
	s.offset += s.pageSize
	s.exhausted = filter.Mode == catalog.ModeSemantic || len(page) < s.pageSize
	count, exhausted := len(s.items), s.exhausted
	s.mu.Unlock()

	s.notify(epoch, count, exhausted)
	return true, nil
}

// Remove drops a deleted document from the view.
func (s *Stream) Remove(id catalog.DocumentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.items {
		if d.ID == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			// the server list shifted left by one
			if s.filter.Mode == catalog.ModeExact && s.offset > 0 {
				s.offset--
			}
			return true
		}
	}
	return false
}

// RemoveCategory drops every loaded document of a deleted category and
// returns their ids. Unloaded documents of the category all sit past the
// offset, so shifting it once per loaded removal keeps exact pagination
// aligned. A view filtered on the category itself is exhausted.
func (s *Stream) RemoveCategory(category string) []catalog.DocumentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []catalog.DocumentID
	var kept []catalog.Document
	for _, d := range s.items {
		if d.Category == category {
			removed = append(removed, d.ID)
			continue
		}
		kept = append(kept, d)
	}
	s.items = kept
	if s.filter.Mode == catalog.ModeExact {
		s.offset = max(s.offset-len(removed), 0)
	}
	if category != "" && s.filter.Category == category {
		s.cancelLocked()
		s.exhausted = true
	}
	return removed
}

// Replace swaps an edited or converted document in place.
func (s *Stream) Replace(doc catalog.Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.items {
		if d.ID == doc.ID {
			s.items[i] = doc
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current view.
func (s *Stream) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Filter:    s.filter,
		Epoch:     s.epoch,
		Offset:    s.offset,
		Items:     append([]catalog.Document(nil), s.items...),
		Loading:   s.inFlight,
		Exhausted: s.exhausted,
		Error:     apperr.Message(s.err),
	}
	if v.Items == nil {
		v.Items = []catalog.Document{}
	}
	return v
}

func (s *Stream) resetLocked() uint64 {
	s.cancelLocked()
	s.epoch++
	s.items = nil
	s.offset = 0
	s.err = nil
	// an empty ranked query has nothing to fetch
	s.exhausted = s.filter.Mode == catalog.ModeSemantic && s.filter.Search == ""
	return s.epoch
}

func (s *Stream) cancelLocked() {
	s.token++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.inFlight = false
}

func (s *Stream) notify(epoch uint64, count int, exhausted bool) {
	ev := events.New(events.EventCatalogChanged, "", map[string]any{
		"epoch":     epoch,
		"count":     count,
		"exhausted": exhausted,
	})
	if err := s.pub.Publish(context.Background(), ev); err != nil {
		s.log.Warn("failed to publish catalog event", "err", err)
	}
}
