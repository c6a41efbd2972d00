// Package enginetest provides a scriptable transfer engine for tests.
package enginetest

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/engine"
)

// ErrStart is returned by Start when the spy was told to fail.
var ErrStart = errors.New("spy engine: start failed")

// Spy is an engine which records all calls, and lets the test emit
// engine events for the last started transfer.
type Spy struct {
	mu       sync.Mutex
	requests []engine.Request
	listener engine.Listener
	failNext bool

	starts   atomic.Int32
	cancels  atomic.Int32
	releases atomic.Int32
}

// New returns a new spy engine.
func New() *Spy {
	return &Spy{}
}

// FailNextStart makes the next Start call return [ErrStart].
func (s *Spy) FailNextStart() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

// Start records the request.
func (s *Spy) Start(req engine.Request, listener engine.Listener) (engine.Handle, error) {
	s.starts.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext {
		s.failNext = false
		return nil, ErrStart
	}

	s.requests = append(s.requests, req)
	s.listener = listener

	return len(s.requests), nil
}

// Cancel records the cancellation.
func (s *Spy) Cancel(engine.Handle) error {
	s.cancels.Inc()

	return nil
}

// Release records the release of a transfer.
func (s *Spy) Release(engine.Handle) {
	s.releases.Inc()
}

// Emit delivers the events, in order, to the listener of the last
// started transfer. It blocks while the transfer's buffer is full.
func (s *Spy) Emit(events ...dfu.EngineEvent) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return
	}

	for _, ev := range events {
		listener(ev)
	}
}

// Requests returns all requests that were started.
func (s *Spy) Requests() []engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]engine.Request(nil), s.requests...)
}

// Starts returns the number of Start calls.
func (s *Spy) Starts() int {
	return int(s.starts.Load())
}

// Cancels returns the number of Cancel calls.
func (s *Spy) Cancels() int {
	return int(s.cancels.Load())
}

// Releases returns the number of Release calls.
func (s *Spy) Releases() int {
	return int(s.releases.Load())
}
