package coap

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// RestResponse is what a handler returns: a response code, payload, and
// optional content format plus (for multicast) the sender endpoint the
// client engine tags incoming responses with.
type RestResponse struct {
	Code          Code
	Payload       []byte
	ContentFormat *uint16
	FromIP        string
	FromPort      int
}

// GetHandler, PutHandler, PostHandler and DeleteHandler are the
// synchronous REST callbacks a HandlerEntry may provide.
type (
	GetHandler    func(path Path) RestResponse
	PutHandler    func(path Path, payload []byte) RestResponse
	PostHandler   func(path Path, payload []byte) RestResponse
	DeleteHandler func(path Path) RestResponse

	// ObserveHandler registers interest in path. It receives a Notifier
	// it may retain and write subsequent RestResponses to; its return
	// value is the immediate reply to the registering GET.
	ObserveHandler func(path Path, notifier Notifier) RestResponse
)

// HandlerSet carries up to five callbacks for one PathPattern. A method
// with a nil callback yields MethodNotAllowed. Delayed marks that the
// set's callbacks cannot be answered synchronously: for a Confirmable
// request of any method the server sends an empty ACK immediately and a
// separate Confirmable response later; a NonConfirmable request is
// still answered synchronously.
type HandlerSet struct {
	Get     GetHandler
	Put     PutHandler
	Post    PostHandler
	Delete  DeleteHandler
	Observe ObserveHandler
	Delayed bool
}

// HandlerEntry pairs a PathPattern with the HandlerSet it routes to.
type HandlerEntry struct {
	Pattern  PathPattern
	Handlers HandlerSet
}

// Dispatcher holds an ordered, append-only list of HandlerEntry values.
// It is configured before the event loop starts and is safe to read
// concurrently with further registration, though spec.md §4.4 expects
// registration to finish before loop_start.
type Dispatcher struct {
	mu      sync.RWMutex
	entries []HandlerEntry
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Handle registers handlers for every path matching pattern. Patterns
// are tried in registration order; the first match wins.
func (d *Dispatcher) Handle(pattern string, handlers HandlerSet) error {
	p, err := NewPathPattern(pattern)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, HandlerEntry{Pattern: p, Handlers: handlers})
	return nil
}

// RouteSpec pairs a raw pattern string with the HandlerSet it should
// route to, for bulk registration via HandleAll.
type RouteSpec struct {
	Pattern  string
	Handlers HandlerSet
}

// HandleAll registers every entry in entries, in slice order,
// continuing past a bad pattern instead of stopping at the first one.
// It returns every accumulated error as one *multierror.Error, or nil if
// all patterns registered successfully. entries is a slice rather than
// a map so that a caller registering overlapping patterns (e.g. "/a/*"
// and "/a/b") gets the same deterministic first-match-wins order
// (spec.md §4.4) as calling Handle directly in sequence.
func (d *Dispatcher) HandleAll(entries []RouteSpec) error {
	var result *multierror.Error
	for _, e := range entries {
		if err := d.Handle(e.Pattern, e.Handlers); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "pattern %q", e.Pattern))
		}
	}
	return result.ErrorOrNil()
}

// Resolve returns the HandlerSet of the first pattern matching path, or
// ErrNoHandlerForPath if none match.
func (d *Dispatcher) Resolve(path Path) (HandlerSet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.Pattern.Matches(path) {
			return e.Handlers, nil
		}
	}
	return HandlerSet{}, ErrNoHandlerForPath
}

// Notifier is the weak, write-only handle an ObserveHandler retains to
// push further RestResponses to an observer. It never owns the
// observation: it carries only the key used to look the observation up
// in the ServerEngine's table on every write, so that removal of the
// observation (deregister, Reset, retransmit exhaustion) makes
// subsequent Notify calls fail gracefully instead of writing to a
// dangling channel (spec.md §9 "Observation back-references").
type Notifier struct {
	engine *ServerEngine
	key    ObservationKey
}

// Notify pushes resp to the observer identified by the Notifier's key.
// It reports ErrStreamClosed if the observation no longer exists.
func (n Notifier) Notify(resp RestResponse) error {
	if n.engine == nil {
		return ErrStreamClosed
	}
	return n.engine.notify(n.key, resp)
}
