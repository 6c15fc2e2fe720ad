package coap

import (
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config carries the reliability parameters and transport settings a
// demo binary would otherwise hardcode. Nothing here is persisted by
// the engine itself (spec.md §6 "Persisted state: none"); LoadConfig
// exists so a caller can externalize these values the way
// junbin-yang/dsoftbus-go externalizes its discovery/session settings
// via gopkg.in/yaml.v2.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	RecvTimeout    time.Duration `yaml:"recv_timeout"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	MaxRetransmits uint32        `yaml:"max_retransmits"`
}

// defaults fills zero fields with the RFC defaults of spec.md §6.
func (c Config) defaults() Config {
	if c.RecvTimeout == 0 {
		c.RecvTimeout = DefaultRecvTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = AckTimeout
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = MaxRetransmits
	}
	return c
}

// LoadConfig reads a YAML config file; a missing ack_timeout/
// max_retransmits/recv_timeout falls back to the RFC defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "coap: read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "coap: parse config")
	}
	return cfg.defaults(), nil
}

// MessagingCore owns the Transport, both engines, and the unacknowledged
// table, and drives the single event loop (spec.md §4.8). It implements
// Sender for the two engines.
type MessagingCore struct {
	transport   Transport
	reliability *Reliability
	client      *ClientEngine
	server      *ServerEngine
	dispatcher  *Dispatcher

	recvTimeout time.Duration
	now         func() time.Time

	nextMessageID uint32

	stopCh  chan struct{}
	doneCh  chan struct{}
	running int32

	mu sync.Mutex
}

// NewMessagingCore builds a core over transport with the given config
// (zero value uses RFC defaults) and an optional injected clock (nil
// uses time.Now; spec.md §9 "Time injection for tests").
func NewMessagingCore(transport Transport, cfg Config, now func() time.Time) *MessagingCore {
	cfg = cfg.defaults()
	if now == nil {
		now = time.Now
	}
	core := &MessagingCore{
		transport:   transport,
		recvTimeout: cfg.RecvTimeout,
		now:         now,
	}
	core.reliability = NewReliability(now)
	core.reliability.ackTimeout = cfg.AckTimeout
	core.reliability.maxRetransmits = cfg.MaxRetransmits
	core.dispatcher = NewDispatcher()
	core.client = NewClientEngine(core)
	core.server = NewServerEngine(core.dispatcher, core)
	return core
}

// NextMessageID mints the next 16-bit message id from one shared
// counter (Sender interface).
func (c *MessagingCore) NextMessageID() uint16 {
	return uint16(atomic.AddUint32(&c.nextMessageID, 1))
}

// SendMessage serializes msg, registers it with Reliability if it is
// Confirmable, and hands the bytes to the Transport (Sender interface).
func (c *MessagingCore) SendMessage(destination EndpointKey, msg Message) error {
	bytes, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if msg.Type == Confirmable {
		c.reliability.Register(destination, msg, bytes)
	}
	return c.transport.Send(destination, bytes)
}

// sendReply sends an Acknowledgement/Reset/NonConfirmable reply
// directly, bypassing Reliability: these types are never retransmitted
// by the sender (only Confirmable requests/pushes are).
func (c *MessagingCore) sendReply(destination EndpointKey, msg Message) {
	bytes, err := msg.MarshalBinary()
	if err != nil {
		GLog.Warn("coap: failed to serialize reply to %s: %s", destination, err)
		return
	}
	if err := c.transport.Send(destination, bytes); err != nil {
		GLog.Warn("coap: failed to send reply to %s: %s", destination, err)
	}
}

// RequestHandler returns the Dispatcher for startup-time route
// registration.
func (c *MessagingCore) RequestHandler() *Dispatcher {
	return c.dispatcher
}

// GetClientFor resolves serverHost and returns a Client bound to
// (resolved IP, serverPort).
func (c *MessagingCore) GetClientFor(serverHost string, serverPort int) (*Client, error) {
	ips, err := net.LookupIP(serverHost)
	if err != nil {
		return nil, errors.Wrapf(err, "coap: resolve %s", serverHost)
	}
	var ip net.IP
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return nil, errors.Errorf("coap: no IPv4 address for %s", serverHost)
	}
	return &Client{
		engine:      c.client,
		destination: EndpointKey{IP: ip.String(), Port: serverPort},
	}, nil
}

// GetMulticastClient returns a Client bound to the CoAP All Nodes group
// on port.
func (c *MessagingCore) GetMulticastClient(port int) *Client {
	return &Client{
		engine:      c.client,
		destination: EndpointKey{IP: MulticastGroup, Port: port},
		multicast:   true,
	}
}

// LoopOnce ticks Reliability, performs one bounded Recv, and dispatches
// the datagram if any. Safe to call from an externally driven event
// loop (spec.md §4.8).
func (c *MessagingCore) LoopOnce() {
	retransmits, exhausted := c.reliability.Tick()
	for _, a := range retransmits {
		if err := c.transport.Send(a.Destination, a.Bytes); err != nil {
			GLog.Warn("coap: retransmit to %s failed: %s", a.Destination, err)
		}
	}
	for _, e := range exhausted {
		c.finalizeExhausted(e)
	}

	dg, err := c.transport.Recv(c.recvTimeout)
	if err != nil {
		GLog.Warn("coap: transport recv error: %s", err)
		return
	}
	if dg == nil {
		return // tick timeout, nothing received
	}

	msg, err := ParseMessage(dg.Bytes)
	if err != nil {
		GLog.Warn("coap: dropping malformed datagram from %s: %s", dg.Source, err)
		return
	}

	c.classify(msg, dg.Source)
}

// finalizeExhausted implements spec.md §4.5's terminal-timeout path: a
// synthetic Acknowledgement(5.03 ServiceUnavailable) completes a waiting
// client future (a waiting stream receives it as one more response and
// stays open), and a synthetic Reset cancels any
// observation the timed-out message had itself created (this applies
// when the timed-out Confirmable message was a server-initiated push:
// the observer stopped answering, so its observation is torn down too).
func (c *MessagingCore) finalizeExhausted(e UnackEntry) {
	GLog.Warn("coap: message_id=%d to %s exhausted retransmits", e.Message.MessageID, e.Destination)
	c.client.deliver(e.Message.Token, RestResponse{Code: CodeServiceUnavailable}, nil)
	key := ObservationKey{IP: e.Destination.IP, Port: e.Destination.Port, Token: e.Message.Token}
	c.server.CancelObservation(key)
}

// classify implements the inbound dispatch table of spec.md §4.8.
func (c *MessagingCore) classify(msg Message, from EndpointKey) {
	defer func() {
		if r := recover(); r != nil {
			GLog.Error("coap: recovered panic handling message from %s: %v", from, r)
		}
	}()

	switch msg.Type {
	case Reset:
		// A Reset is delivered to a pending client correlator as a
		// successful, empty response rather than an error: this mirrors
		// original_source/coap/src/ClientImpl.cpp's onMessage, which
		// hands any inbound message (Reset included) to the pending
		// notification unconditionally. In particular this is what
		// lets Ping (client.go's Ping doc comment) resolve successfully
		// on Reset, since a Reset is the only reply ServerEngine's
		// ping-reply path ever sends.
		entry, acked := c.reliability.Ack(msg.MessageID)
		key := ObservationKey{IP: from.IP, Port: from.Port, Token: msg.Token}
		c.server.CancelObservation(key)
		// An Empty Reset (such as the ping reply) carries no token, so
		// correlate through the acknowledged entry when there is one.
		token := msg.Token
		if acked {
			token = entry.Message.Token
		}
		if c.client.hasPending(token) {
			c.client.deliver(token, RestResponse{Code: CodeEmpty}, nil)
		}

	case Acknowledgement:
		c.reliability.Ack(msg.MessageID)
		if msg.Code == CodeEmpty {
			return // pure transport ack, nothing further to deliver
		}
		// Piggybacked response.
		c.client.deliver(msg.Token, toRestResponse(msg, from), nil)

	case Confirmable:
		if msg.Code.IsResponse() {
			// A Confirmable response (e.g. an observation push or a
			// delayed reply): ack at the transport layer, then route.
			c.sendReply(from, Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: msg.MessageID})
			c.client.deliver(msg.Token, toRestResponse(msg, from), nil)
			return
		}
		if reply := c.server.Handle(msg, from); reply != nil {
			c.sendReply(from, *reply)
		}

	case NonConfirmable:
		if msg.Code.IsResponse() {
			c.client.deliver(msg.Token, toRestResponse(msg, from), nil)
			return
		}
		if reply := c.server.Handle(msg, from); reply != nil {
			c.sendReply(from, *reply)
		}
	}
}

func toRestResponse(msg Message, from EndpointKey) RestResponse {
	return RestResponse{
		Code:          msg.Code,
		Payload:       msg.Payload,
		ContentFormat: msg.ContentFormat,
		FromIP:        from.IP,
		FromPort:      from.Port,
	}
}

// LoopStart spawns a worker goroutine that calls LoopOnce repeatedly
// until LoopStop. Grounded in the teacher's Serve loop (server.go), but
// with a stop channel instead of running forever.
func (c *MessagingCore) LoopStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go func() {
		defer close(c.doneCh)
		for {
			select {
			case <-c.stopCh:
				return
			default:
				c.LoopOnce()
			}
		}
	}()
}

// LoopStop requests termination and waits for the worker to drain and
// exit.
func (c *MessagingCore) LoopStop() {
	c.mu.Lock()
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		c.mu.Unlock()
		return
	}
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()
	close(stopCh)
	<-doneCh
}

// Client is a handle bound to one destination (spec.md §4.8
// get_client_for/get_multicast_client), offering HTTP-verb-style
// convenience methods over the shared ClientEngine.
type Client struct {
	engine      *ClientEngine
	destination EndpointKey
	multicast   bool
}

func (cl *Client) path(p string) (Path, error) {
	return ParsePathString(p)
}

// Get issues a GET to the bound destination.
func (cl *Client) Get(path string, confirmable bool) (*Future, error) {
	p, err := cl.path(path)
	if err != nil {
		return nil, err
	}
	return cl.engine.Get(cl.destination, p, confirmable)
}

// Put issues a PUT with payload to the bound destination.
func (cl *Client) Put(path string, payload []byte, confirmable bool) (*Future, error) {
	p, err := cl.path(path)
	if err != nil {
		return nil, err
	}
	return cl.engine.Put(cl.destination, p, payload, confirmable)
}

// Post issues a POST with payload to the bound destination.
func (cl *Client) Post(path string, payload []byte, confirmable bool) (*Future, error) {
	p, err := cl.path(path)
	if err != nil {
		return nil, err
	}
	return cl.engine.Post(cl.destination, p, payload, confirmable)
}

// Delete issues a DELETE to the bound destination.
func (cl *Client) Delete(path string, confirmable bool) (*Future, error) {
	p, err := cl.path(path)
	if err != nil {
		return nil, err
	}
	return cl.engine.Delete(cl.destination, p, confirmable)
}

// Ping sends a Confirmable Empty message to the bound destination.
func (cl *Client) Ping() (*Future, error) {
	return cl.engine.Ping(cl.destination)
}

// Observe registers interest in path at the bound destination. For a
// multicast-bound Client it instead issues a NonConfirmable multicast
// GET, whose stream is tagged per-sender (spec.md §4.6 scenario 6).
func (cl *Client) Observe(path string) (*Stream, error) {
	p, err := cl.path(path)
	if err != nil {
		return nil, err
	}
	if cl.multicast {
		return cl.engine.MulticastGet(cl.destination.Port, p)
	}
	return cl.engine.Observe(cl.destination, p)
}

// addressString builds a host:port string from a Client's bound
// destination.
func (cl *Client) addressString() string {
	return net.JoinHostPort(cl.destination.IP, strconv.Itoa(cl.destination.Port))
}
