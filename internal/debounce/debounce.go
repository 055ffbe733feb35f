// Package debounce turns raw keystrokes into committed search terms.
package debounce

import (
	"strings"
	"sync"
	"time"
)

// DefaultQuiet is the quiet period used when none is configured.
const DefaultQuiet = 300 * time.Millisecond

// Source emits the latest pushed text once no keystroke has arrived for the
// quiet period, or immediately on Submit. Each Push cancels the pending
// emission before scheduling a new one.
type Source struct {
	quiet time.Duration
	emit  func(term string)

	// emitMu serialises emissions so a superseded timer can never deliver
	// after a newer term. emit must not call Submit.
	emitMu sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	latest  string
	stopped bool
}

// New returns a Source calling emit with each committed term.
func New(quiet time.Duration, emit func(term string)) *Source {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Source{quiet: quiet, emit: emit}
}

// Push records a keystroke and (re)starts the quiet period.
func (s *Source) Push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.latest = text
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.quiet, func() { s.fire(gen) })
}

// Submit cancels the pending emission and commits the latest text now.
func (s *Source) Submit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	term := strings.TrimSpace(s.latest)
	s.mu.Unlock()

	s.emit(term)
}

// Pending reports whether an emission is scheduled.
func (s *Source) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels any pending emission; later Push and Submit calls are ignored.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

func (s *Source) fire(gen uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	term := strings.TrimSpace(s.latest)
	s.mu.Unlock()

	s.emit(term)
}

func (s *Source) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
