package coap

import (
	"sync"
)

// ObservationKey identifies one observer's subscription to one resource
// (spec.md §3).
type ObservationKey struct {
	IP    string
	Port  int
	Token uint64
}

// Observation is destroyed on Reset from the observer, on explicit
// deregister, or on terminal retransmit timeout of a push
// (spec.md §3/§4.7). RequestType mirrors the registering GET's type, so
// pushes reuse the same reliability mode the observer originally asked
// for (spec.md §9 Open Question 1: the source mirrors the request's
// type rather than forcing Confirmable pushes; this implementation
// keeps that behavior and documents it here).
type Observation struct {
	Key         ObservationKey
	RequestType Type
}

// ServerEngine classifies inbound requests, invokes the Dispatcher, and
// owns the observation table (spec.md §4.7).
type ServerEngine struct {
	dispatcher *Dispatcher
	sender     Sender

	mu           sync.Mutex
	observations map[ObservationKey]*Observation
}

// NewServerEngine builds a ServerEngine routing through dispatcher and
// sending via sender.
func NewServerEngine(dispatcher *Dispatcher, sender Sender) *ServerEngine {
	return &ServerEngine{
		dispatcher:   dispatcher,
		sender:       sender,
		observations: make(map[ObservationKey]*Observation),
	}
}

// Handle implements spec.md §4.7's numbered request classification. It
// returns the message to send immediately (nil if nothing should be
// sent right away, e.g. a Reset-cancels-observation with no reply).
func (s *ServerEngine) Handle(req Message, from EndpointKey) *Message {
	if req.Code == CodeEmpty {
		switch req.Type {
		case Confirmable:
			// CoAP ping.
			return &Message{Type: Reset, Code: CodeEmpty, MessageID: req.MessageID}
		case Reset:
			key := ObservationKey{IP: from.IP, Port: from.Port, Token: req.Token}
			s.CancelObservation(key)
			return nil
		default:
			return nil
		}
	}

	if !req.Code.IsRequest() {
		return s.reply(req, CodeBadRequest, nil, nil)
	}

	path, err := NewPath(req.Path)
	if err != nil {
		return s.reply(req, CodeBadRequest, nil, nil)
	}

	handlers, resolveErr := s.dispatcher.Resolve(path)
	if resolveErr != nil {
		return s.reply(req, CodeNotFound, nil, nil)
	}

	switch req.Code {
	case CodeGET:
		return s.handleGet(req, from, path, handlers)
	case CodePUT:
		if handlers.Put == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Put(path, req.Payload)
		})
	case CodePOST:
		if handlers.Post == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Post(path, req.Payload)
		})
	case CodeDELETE:
		if handlers.Delete == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Delete(path)
		})
	default:
		return s.reply(req, CodeBadRequest, nil, nil)
	}
}

func (s *ServerEngine) handleGet(req Message, from EndpointKey, path Path, handlers HandlerSet) *Message {
	if req.ObserveValue == nil {
		if handlers.Get == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Get(path)
		})
	}

	switch *req.ObserveValue {
	case 0: // register
		if handlers.Observe == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		key := ObservationKey{IP: from.IP, Port: from.Port, Token: req.Token}
		s.mu.Lock()
		s.observations[key] = &Observation{Key: key, RequestType: req.Type}
		s.mu.Unlock()
		notifier := Notifier{engine: s, key: key}
		// The initial reply is the Observe handler's own return value
		// (spec.md §9 Open Question 6, resolved here): the handler is
		// invoked synchronously for the registering request so its
		// first value doubles as the piggybacked/NON response.
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Observe(path, notifier)
		})
	case 1: // deregister
		key := ObservationKey{IP: from.IP, Port: from.Port, Token: req.Token}
		s.CancelObservation(key)
		if handlers.Get == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Get(path)
		})
	default:
		// Other Observe values are passed through unexamined; treat as
		// a plain GET.
		if handlers.Get == nil {
			return s.reply(req, CodeMethodNotAllowed, nil, nil)
		}
		return s.dispatchResponse(req, handlers.Delayed, from, func() RestResponse {
			return handlers.Get(path)
		})
	}
}

// dispatchResponse implements the delayed-vs-immediate split of
// spec.md §4.7 steps 3-5. A delayed handler answering a Confirmable
// request runs on its own goroutine;
// the caller gets an empty ACK right away and the real response follows
// as a separate server-initiated Confirmable message. A non-delayed
// handler runs synchronously and its result is piggybacked (CON) or
// sent as a plain NON, matching the request's reliability.
func (s *ServerEngine) dispatchResponse(req Message, delayed bool, from EndpointKey, invoke func() RestResponse) *Message {
	if delayed && req.Type == Confirmable {
		go func() {
			resp := invoke()
			s.sendDeferred(from, req, resp)
		}()
		return &Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: req.MessageID}
	}

	resp := invoke()
	return s.reply(req, resp.Code, resp.Payload, resp.ContentFormat)
}

// reply builds the response for a synchronously produced RestResponse,
// using an Acknowledgement for a Confirmable request (the piggybacked
// case) and the request's own type (NonConfirmable) otherwise.
func (s *ServerEngine) reply(req Message, code Code, payload []byte, contentFormat *uint16) *Message {
	typ := req.Type
	if req.Type == Confirmable {
		typ = Acknowledgement
	}
	return &Message{
		Type:          typ,
		Code:          code,
		MessageID:     req.MessageID,
		Token:         req.Token,
		ContentFormat: contentFormat,
		Payload:       payload,
	}
}

// sendDeferred sends the real response to a delayed handler's request
// as a new server-initiated message: new message_id, same token, same
// reliability type as the original request.
func (s *ServerEngine) sendDeferred(from EndpointKey, req Message, resp RestResponse) {
	msg := Message{
		Type:          req.Type,
		Code:          resp.Code,
		MessageID:     s.sender.NextMessageID(),
		Token:         req.Token,
		ContentFormat: resp.ContentFormat,
		Payload:       resp.Payload,
	}
	if err := s.sender.SendMessage(from, msg); err != nil {
		GLog.Warn("coap: deferred response to %s failed: %s", from, err)
	}
}

// notify is called by a Notifier to push resp to the observer named by
// key. It looks the observation up fresh on every call, so a removed
// observation fails with ErrStreamClosed instead of writing to a
// dangling resource (spec.md §9).
func (s *ServerEngine) notify(key ObservationKey, resp RestResponse) error {
	s.mu.Lock()
	obs, ok := s.observations[key]
	s.mu.Unlock()
	if !ok {
		return ErrStreamClosed
	}
	msg := Message{
		Type:          obs.RequestType,
		Code:          resp.Code,
		MessageID:     s.sender.NextMessageID(),
		Token:         key.Token,
		ContentFormat: resp.ContentFormat,
		Payload:       resp.Payload,
	}
	destination := EndpointKey{IP: key.IP, Port: key.Port}
	return s.sender.SendMessage(destination, msg)
}

// CancelObservation removes any observation at key, if present. Safe to
// call when none exists.
func (s *ServerEngine) CancelObservation(key ObservationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observations, key)
}

// ObservationCount reports the number of live observations (test hook).
func (s *ServerEngine) ObservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observations)
}
