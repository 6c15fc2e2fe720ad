package coap

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the narrow slice of MessagingCore the two engines depend on
// to emit messages: serialize, register Confirmable sends with
// Reliability, and hand the bytes to the Transport. Message IDs are
// minted from one shared counter so Reliability's message_id-keyed
// table never collides between client-issued requests and
// server-initiated pushes.
type Sender interface {
	SendMessage(destination EndpointKey, msg Message) error
	NextMessageID() uint16
}

// Future is a one-shot result slot for a single-response request
// (spec.md §9 "Futures and streams for request results").
type Future struct {
	done chan struct{}
	once sync.Once
	resp RestResponse
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) fulfill(resp RestResponse, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

// Wait blocks up to timeout for the response, or returns immediately if
// it already arrived. A zero timeout waits forever.
func (f *Future) Wait(timeout time.Duration) (RestResponse, error) {
	if timeout <= 0 {
		<-f.done
		return f.resp, f.err
	}
	select {
	case <-f.done:
		return f.resp, f.err
	case <-time.After(timeout):
		return RestResponse{}, ErrRequestTimedOut
	}
}

// Poll reports the response without blocking, if it has arrived.
func (f *Future) Poll() (RestResponse, error, bool) {
	select {
	case <-f.done:
		return f.resp, f.err, true
	default:
		return RestResponse{}, nil, false
	}
}

// Stream is a subscribable multi-response channel backing Observe and
// multicast GET requests. Dropping the stream (Close) removes the
// pending entry so future matching responses are discarded by the
// client engine (spec.md §4.6).
type Stream struct {
	mu     sync.Mutex
	ch     chan RestResponse
	closed bool
	engine *ClientEngine
	token  uint64
}

func newStream(engine *ClientEngine, token uint64) *Stream {
	return &Stream{
		ch:     make(chan RestResponse, 16),
		engine: engine,
		token:  token,
	}
}

func (s *Stream) push(resp RestResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- resp:
	default:
		// Slow consumer: drop rather than block the event loop thread.
	}
}

// Next blocks up to timeout for the next notification. It returns
// ErrStreamClosed once the stream has been closed and drained.
func (s *Stream) Next(timeout time.Duration) (RestResponse, error) {
	if timeout <= 0 {
		resp, ok := <-s.ch
		if !ok {
			return RestResponse{}, ErrStreamClosed
		}
		return resp, nil
	}
	select {
	case resp, ok := <-s.ch:
		if !ok {
			return RestResponse{}, ErrStreamClosed
		}
		return resp, nil
	case <-time.After(timeout):
		return RestResponse{}, ErrRequestTimedOut
	}
}

// Close removes the stream's pending entry. Spec.md §9 Open Question 2
// leaves sending an explicit Observe=1 deregister to the implementer;
// this implementation does not send one, matching the source.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.engine.forget(s.token)
}

type pendingKind int

const (
	pendingSingle pendingKind = iota
	pendingStream
)

// pendingRequest is the ClientEngine's correlation record (spec.md §3).
type pendingRequest struct {
	token  uint64
	kind   pendingKind
	future *Future
	stream *Stream
}

// ClientEngine issues requests and correlates responses by token
// (spec.md §4.6). All table mutation happens on the event-loop thread;
// issuance from other goroutines takes the same mutex briefly to insert
// the pending entry before returning the handle (spec.md §5).
type ClientEngine struct {
	mu           sync.Mutex
	pending      map[uint64]*pendingRequest
	nextToken    uint64
	nextObserveN uint32 // local sequencing, not wire-visible
	sender       Sender
}

// NewClientEngine builds a ClientEngine bound to sender.
func NewClientEngine(sender Sender) *ClientEngine {
	return &ClientEngine{
		pending: make(map[uint64]*pendingRequest),
		sender:  sender,
	}
}

// NextToken mints a monotonically increasing token. Spec.md §9 Open
// Question 5: a counter is not suitable for adversarial environments;
// production deployments should replace this with >=32 bits of
// randomness.
func (c *ClientEngine) NextToken() uint64 {
	return atomic.AddUint64(&c.nextToken, 1)
}

func (c *ClientEngine) register(token uint64, kind pendingKind, f *Future, s *Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[token]; exists {
		return ErrDuplicateToken
	}
	c.pending[token] = &pendingRequest{token: token, kind: kind, future: f, stream: s}
	return nil
}

func (c *ClientEngine) forget(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, token)
}

// issueSingle builds and sends a request, returning a Future fulfilled
// on the first matching response.
func (c *ClientEngine) issueSingle(destination EndpointKey, typ Type, code Code, path Path, queries []string, payload []byte) (*Future, error) {
	token := c.NextToken()
	f := newFuture()
	if err := c.register(token, pendingSingle, f, nil); err != nil {
		return nil, err
	}
	msg := Message{
		Type:      typ,
		Code:      code,
		MessageID: c.sender.NextMessageID(),
		Token:     token,
		Path:      path.Segments(),
		Queries:   queries,
		Payload:   payload,
	}
	if err := c.sender.SendMessage(destination, msg); err != nil {
		c.forget(token)
		return nil, err
	}
	return f, nil
}

// Get issues a GET. confirmable selects Confirmable vs NonConfirmable.
func (c *ClientEngine) Get(destination EndpointKey, path Path, confirmable bool) (*Future, error) {
	return c.issueSingle(destination, typeFor(confirmable), CodeGET, path, nil, nil)
}

// Put issues a PUT with payload.
func (c *ClientEngine) Put(destination EndpointKey, path Path, payload []byte, confirmable bool) (*Future, error) {
	return c.issueSingle(destination, typeFor(confirmable), CodePUT, path, nil, payload)
}

// Post issues a POST with payload.
func (c *ClientEngine) Post(destination EndpointKey, path Path, payload []byte, confirmable bool) (*Future, error) {
	return c.issueSingle(destination, typeFor(confirmable), CodePOST, path, nil, payload)
}

// Delete issues a DELETE.
func (c *ClientEngine) Delete(destination EndpointKey, path Path, confirmable bool) (*Future, error) {
	return c.issueSingle(destination, typeFor(confirmable), CodeDELETE, path, nil, nil)
}

// Ping sends a Confirmable Empty message; it resolves on the peer's
// Reset (success) or on retransmit exhaustion (failure).
func (c *ClientEngine) Ping(destination EndpointKey) (*Future, error) {
	return c.issueSingle(destination, Confirmable, CodeEmpty, Path{}, nil, nil)
}

// Observe issues a Confirmable GET with Observe=0 and returns a Stream
// of subsequent responses (spec.md §4.6).
func (c *ClientEngine) Observe(destination EndpointKey, path Path) (*Stream, error) {
	token := c.NextToken()
	s := newStream(c, token)
	if err := c.register(token, pendingStream, nil, s); err != nil {
		return nil, err
	}
	zero := uint32(0)
	msg := Message{
		Type:         Confirmable,
		Code:         CodeGET,
		MessageID:    c.sender.NextMessageID(),
		Token:        token,
		Path:         path.Segments(),
		ObserveValue: &zero,
	}
	if err := c.sender.SendMessage(destination, msg); err != nil {
		c.forget(token)
		return nil, err
	}
	return s, nil
}

// MulticastGet issues a NonConfirmable GET to the CoAP All Nodes group
// on port and returns a Stream; each reply is tagged with its sender's
// (ip, port) via RestResponse.FromIP/FromPort (spec.md §4.6 scenario 6).
func (c *ClientEngine) MulticastGet(port int, path Path) (*Stream, error) {
	token := c.NextToken()
	s := newStream(c, token)
	if err := c.register(token, pendingStream, nil, s); err != nil {
		return nil, err
	}
	msg := Message{
		Type:      NonConfirmable,
		Code:      CodeGET,
		MessageID: c.sender.NextMessageID(),
		Token:     token,
		Path:      path.Segments(),
	}
	destination := EndpointKey{IP: MulticastGroup, Port: port}
	if err := c.sender.SendMessage(destination, msg); err != nil {
		c.forget(token)
		return nil, err
	}
	return s, nil
}

// deliver routes an inbound response to its pending entry by token
// (spec.md §4.6 correlation rules). It is called by MessagingCore after
// classifying a datagram as a response. A non-nil err always retires
// the pending entry: a single-response Future is fulfilled with the
// error, and a Stream is closed (mirroring how a terminal retransmit
// timeout retires a Future in MessagingCore.finalizeExhausted) so a
// caller blocked on Stream.Next never hangs and the entry never leaks.
func (c *ClientEngine) deliver(token uint64, resp RestResponse, err error) {
	c.mu.Lock()
	p, ok := c.pending[token]
	if ok && (p.kind == pendingSingle || err != nil) {
		delete(c.pending, token)
	}
	c.mu.Unlock()

	if !ok {
		GLog.Warn("coap: unexpected response token %d dropped", token)
		return
	}
	switch p.kind {
	case pendingSingle:
		p.future.fulfill(resp, err)
	case pendingStream:
		if err != nil {
			p.stream.Close()
			return
		}
		p.stream.push(resp)
	}
}

// hasPending reports whether token still has a pending entry (single
// or stream), used by MessagingCore when delivering a Reset so it can decide
// whether the client side also had something to clear.
func (c *ClientEngine) hasPending(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[token]
	return ok
}

func typeFor(confirmable bool) Type {
	if confirmable {
		return Confirmable
	}
	return NonConfirmable
}
