package coap

import (
	"sync"
	"time"
)

// Reliability parameters (spec.md §6). ACK_RANDOM_FACTOR is documented
// but not applied: this implementation uses ACK_TIMEOUT itself, the
// deterministic lower bound (the RFC allows the first backoff to be randomised within
// [ACK_TIMEOUT, ACK_RANDOM_FACTOR*ACK_TIMEOUT]; using the fixed bound
// keeps retransmit timing reproducible in tests).
const (
	AckTimeout       = 1 * time.Second
	MaxRetransmits   = 4
	AckRandomFactor  = 1.5
	Nstart           = 1
	DefaultLeisure   = 5 * time.Second
	ProbingRateBytes = 1 // bytes/second
)

// UnackEntry tracks one Confirmable message awaiting acknowledgement.
type UnackEntry struct {
	Destination EndpointKey
	Message     Message
	Bytes       []byte
	FirstSent   time.Time
	Retransmits uint32
}

// RetransmitAction is a resend MessagingCore must perform: the same
// bytes, to the same destination, carrying the unchanged message_id.
type RetransmitAction struct {
	Destination EndpointKey
	Bytes       []byte
	MessageID   uint16
}

// Reliability maintains the unacknowledged-message table keyed by
// message_id, at most one entry per id (spec.md §3/§4.5). All mutation
// happens on the event-loop thread; the zero value is not usable, use
// NewReliability.
type Reliability struct {
	mu             sync.Mutex
	entries        map[uint16]*UnackEntry
	now            func() time.Time
	ackTimeout     time.Duration
	maxRetransmits uint32
}

// NewReliability builds a Reliability table. now is injected so tests
// can advance virtual time (spec.md §9 "Time injection for tests"); a
// nil now defaults to time.Now.
func NewReliability(now func() time.Time) *Reliability {
	if now == nil {
		now = time.Now
	}
	return &Reliability{
		entries:        make(map[uint16]*UnackEntry),
		now:            now,
		ackTimeout:     AckTimeout,
		maxRetransmits: MaxRetransmits,
	}
}

// Register records a freshly sent Confirmable message. At most one
// entry exists per message_id; a second Register for the same id
// replaces the first (the caller is responsible for not reusing an id
// still in flight).
func (r *Reliability) Register(destination EndpointKey, msg Message, bytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[msg.MessageID] = &UnackEntry{
		Destination: destination,
		Message:     msg,
		Bytes:       bytes,
		FirstSent:   r.now(),
		Retransmits: 0,
	}
}

// Ack removes the entry for messageID, if any, and reports whether one
// existed. Used for both Acknowledgement and Reset handling (spec.md
// §4.5): locate by message_id, remove if present, otherwise log and
// ignore.
func (r *Reliability) Ack(messageID uint16) (UnackEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[messageID]
	if !ok {
		GLog.Debug("coap: ack/reset for unknown message_id=%d ignored", messageID)
		return UnackEntry{}, false
	}
	delete(r.entries, messageID)
	return *e, true
}

// backoff is (2^(retransmits+1) - 1) * ACK_TIMEOUT.
func (r *Reliability) backoff(retransmits uint32) time.Duration {
	return ((1 << (retransmits + 1)) - 1) * r.ackTimeout
}

// Tick evaluates every entry once. An entry whose retransmit budget is
// already exhausted (Retransmits == MaxRetransmits from a prior Tick) is
// retired immediately: there is nothing further to wait for once the
// last retransmit has gone unanswered. Otherwise, once now has reached
// first_sent + backoff(retransmits), the entry's retransmit counter is
// incremented and the same bytes are queued for resend.
func (r *Reliability) Tick() (retransmits []RetransmitAction, exhausted []UnackEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, e := range r.entries {
		if e.Retransmits >= r.maxRetransmits {
			exhausted = append(exhausted, *e)
			delete(r.entries, id)
			continue
		}
		deadline := e.FirstSent.Add(r.backoff(e.Retransmits))
		if now.Before(deadline) {
			continue
		}
		e.Retransmits++
		retransmits = append(retransmits, RetransmitAction{
			Destination: e.Destination,
			Bytes:       e.Bytes,
			MessageID:   id,
		})
	}
	return retransmits, exhausted
}

// Len reports the number of in-flight unacknowledged entries (test
// hook).
func (r *Reliability) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
