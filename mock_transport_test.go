package coap

import (
	"sync"
	"time"
)

// mockTransport is an in-memory Transport used by engine/core tests: it
// never touches a real socket, and lets a test inject inbound datagrams
// and inspect what was sent.
type mockTransport struct {
	mu    sync.Mutex
	sent  []mockSend
	in    chan *Datagram
	local EndpointKey
}

type mockSend struct {
	Destination EndpointKey
	Bytes       []byte
}

func newMockTransport(local EndpointKey) *mockTransport {
	return &mockTransport{
		in:    make(chan *Datagram, 64),
		local: local,
	}
}

func (m *mockTransport) Send(destination EndpointKey, bytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	m.sent = append(m.sent, mockSend{Destination: destination, Bytes: cp})
	return nil
}

func (m *mockTransport) Recv(timeout time.Duration) (*Datagram, error) {
	select {
	case dg := <-m.in:
		return dg, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (m *mockTransport) LocalAddr() EndpointKey { return m.local }

func (m *mockTransport) Close() error { return nil }

// deliver injects an inbound datagram as if it arrived from source.
func (m *mockTransport) deliver(source EndpointKey, msg Message) {
	bytes, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	m.in <- &Datagram{Source: source, Bytes: bytes}
}

func (m *mockTransport) sentMessages() []mockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSend, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) lastSent() (mockSend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return mockSend{}, false
	}
	return m.sent[len(m.sent)-1], true
}
