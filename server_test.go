package coap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender is a minimal Sender used to test ServerEngine in isolation
// from MessagingCore.
type fakeSender struct {
	mu       sync.Mutex
	nextID   uint16
	messages []struct {
		Destination EndpointKey
		Msg         Message
	}
}

func (s *fakeSender) NextMessageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *fakeSender) SendMessage(destination EndpointKey, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, struct {
		Destination EndpointKey
		Msg         Message
	}{destination, msg})
	return nil
}

func TestServerEngineConfirmablePing(t *testing.T) {
	d := NewDispatcher()
	s := NewServerEngine(d, &fakeSender{})

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	req := Message{Type: Confirmable, Code: CodeEmpty, MessageID: 7}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, Reset, reply.Type)
	assert.Equal(t, CodeEmpty, reply.Code)
	assert.Equal(t, req.MessageID, reply.MessageID)
}

func TestServerEngineNotFound(t *testing.T) {
	d := NewDispatcher()
	s := NewServerEngine(d, &fakeSender{})

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: 1, Path: []string{"missing"}}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, CodeNotFound, reply.Code)
}

func TestServerEngineMethodNotAllowed(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Handle("/thing", HandlerSet{
		Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent} },
	}))
	s := NewServerEngine(d, &fakeSender{})

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	req := Message{Type: Confirmable, Code: CodePUT, MessageID: 1, Path: []string{"thing"}}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, CodeMethodNotAllowed, reply.Code)
}

func TestServerEnginePiggybackedGet(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Handle("/thing", HandlerSet{
		Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent, Payload: []byte("ok")} },
	}))
	s := NewServerEngine(d, &fakeSender{})

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: 5, Token: 9, Path: []string{"thing"}}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, Acknowledgement, reply.Type)
	assert.Equal(t, CodeContent, reply.Code)
	assert.Equal(t, req.MessageID, reply.MessageID)
	assert.Equal(t, req.Token, reply.Token)
	assert.Equal(t, []byte("ok"), reply.Payload)
}

func TestServerEngineObserveRegisterAndNotify(t *testing.T) {
	d := NewDispatcher()
	var notifier Notifier
	require.NoError(t, d.Handle("/temp", HandlerSet{
		Observe: func(path Path, n Notifier) RestResponse {
			notifier = n
			return RestResponse{Code: CodeContent, Payload: []byte("20C")}
		},
	}))
	sender := &fakeSender{}
	s := NewServerEngine(d, sender)

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	zero := uint32(0)
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: 1, Token: 3, Path: []string{"temp"}, ObserveValue: &zero}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, CodeContent, reply.Code)
	assert.Equal(t, 1, s.ObservationCount())

	err := notifier.Notify(RestResponse{Code: CodeContent, Payload: []byte("21C")})
	require.NoError(t, err)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, from, sender.messages[0].Destination)
	assert.Equal(t, req.Token, sender.messages[0].Msg.Token)
	assert.Equal(t, []byte("21C"), sender.messages[0].Msg.Payload)

	// Deregister, then Notify should fail.
	s.CancelObservation(ObservationKey{IP: from.IP, Port: from.Port, Token: req.Token})
	assert.Equal(t, 0, s.ObservationCount())
	err = notifier.Notify(RestResponse{Code: CodeContent})
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestServerEngineResetCancelsObservation(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Handle("/temp", HandlerSet{
		Observe: func(path Path, n Notifier) RestResponse { return RestResponse{Code: CodeContent} },
	}))
	s := NewServerEngine(d, &fakeSender{})

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	zero := uint32(0)
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: 1, Token: 3, Path: []string{"temp"}, ObserveValue: &zero}
	s.Handle(req, from)
	require.Equal(t, 1, s.ObservationCount())

	resetMsg := Message{Type: Reset, Code: CodeEmpty, MessageID: 99, Token: 3}
	reply := s.Handle(resetMsg, from)
	assert.Nil(t, reply)
	assert.Equal(t, 0, s.ObservationCount())
}

func TestServerEngineDelayedHandlerSendsDeferredResponse(t *testing.T) {
	d := NewDispatcher()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, d.Handle("/slow", HandlerSet{
		Delayed: true,
		Get: func(path Path) RestResponse {
			close(started)
			<-release
			return RestResponse{Code: CodeContent, Payload: []byte("done")}
		},
	}))
	sender := &fakeSender{}
	s := NewServerEngine(d, sender)

	from := EndpointKey{IP: "127.0.0.1", Port: 1234}
	req := Message{Type: Confirmable, Code: CodeGET, MessageID: 1, Token: 55, Path: []string{"slow"}}
	reply := s.Handle(req, from)

	require.NotNil(t, reply)
	assert.Equal(t, Acknowledgement, reply.Type)
	assert.Equal(t, CodeEmpty, reply.Code)

	<-started
	close(release)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.messages) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, req.Token, sender.messages[0].Msg.Token)
	assert.Equal(t, []byte("done"), sender.messages[0].Msg.Payload)
	assert.Equal(t, Confirmable, sender.messages[0].Msg.Type)
}
