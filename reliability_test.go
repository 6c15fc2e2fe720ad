package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets a test advance virtual time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestReliabilityBackoffDoubles(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := NewReliability(clock.now)

	dest := EndpointKey{IP: "127.0.0.1", Port: 5683}
	msg := Message{Type: Confirmable, Code: CodeGET, MessageID: 1}
	r.Register(dest, msg, []byte{1, 2, 3})

	// Before ACK_TIMEOUT elapses, no retransmit.
	clock.t = clock.t.Add(500 * time.Millisecond)
	retransmits, exhausted := r.Tick()
	assert.Empty(t, retransmits)
	assert.Empty(t, exhausted)

	// At t=1s: first retransmit (2^1-1=1 * ACK_TIMEOUT).
	clock.t = clock.t.Add(600 * time.Millisecond)
	retransmits, exhausted = r.Tick()
	require.Len(t, retransmits, 1)
	assert.Empty(t, exhausted)
	assert.Equal(t, uint16(1), retransmits[0].MessageID)

	// At t=3s: second retransmit (2^2-1=3 * ACK_TIMEOUT from first_sent).
	clock.t = clock.t.Add(2 * time.Second)
	retransmits, exhausted = r.Tick()
	require.Len(t, retransmits, 1)
	assert.Empty(t, exhausted)

	// At t=7s: third retransmit (2^3-1=7).
	clock.t = clock.t.Add(4 * time.Second)
	retransmits, exhausted = r.Tick()
	require.Len(t, retransmits, 1)
	assert.Empty(t, exhausted)

	// At t=15s: fourth retransmit (2^4-1=15) -- this is MAX_RETRANSMITS.
	clock.t = clock.t.Add(8 * time.Second)
	retransmits, exhausted = r.Tick()
	require.Len(t, retransmits, 1)
	assert.Empty(t, exhausted)
	assert.Equal(t, uint32(MaxRetransmits), uint32(4))

	// The entry is now at Retransmits==MaxRetransmits; the very next Tick
	// retires it without waiting for a further doubling.
	clock.t = clock.t.Add(1 * time.Millisecond)
	retransmits, exhausted = r.Tick()
	assert.Empty(t, retransmits)
	require.Len(t, exhausted, 1)
	assert.Equal(t, dest, exhausted[0].Destination)
	assert.Equal(t, 0, r.Len())
}

func TestReliabilityAckRemovesEntry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := NewReliability(clock.now)
	dest := EndpointKey{IP: "127.0.0.1", Port: 5683}
	r.Register(dest, Message{Type: Confirmable, Code: CodeGET, MessageID: 42}, []byte{0})

	entry, ok := r.Ack(42)
	assert.True(t, ok)
	assert.Equal(t, dest, entry.Destination)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Ack(42)
	assert.False(t, ok)
}
