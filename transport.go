package coap

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// DefaultPort is the standard "coap" scheme port (spec.md §6).
const DefaultPort = 5683

// DefaultSecurePort is the standard "coaps" scheme port.
const DefaultSecurePort = 20220

// MulticastGroup is the CoAP "All Nodes" IPv4 multicast group.
const MulticastGroup = "224.0.1.187"

// DefaultRecvTimeout is the event loop's tick (spec.md §4.3/§4.8).
const DefaultRecvTimeout = 100 * time.Millisecond

const maxDatagramSize = 1500

// EndpointKey is the (ip, port) tuple identifying a UDP peer.
type EndpointKey struct {
	IP   string
	Port int
}

func (k EndpointKey) String() string {
	return net.JoinHostPort(k.IP, strconv.Itoa(k.Port))
}

// Datagram is a single inbound UDP payload tagged with its sender.
type Datagram struct {
	Source EndpointKey
	Bytes  []byte
}

// Transport is the datagram send/receive abstraction MessagingCore
// drives its event loop over (spec.md §4.3). Implementations are not
// part of this specification beyond the concrete UDP/multicast variant
// below, which exists so the engine can be exercised end to end; tests
// inject a mock instead.
type Transport interface {
	// Send writes bytes to destination.
	Send(destination EndpointKey, bytes []byte) error
	// Recv blocks up to timeout for one datagram, returning (nil, nil)
	// on timeout.
	Recv(timeout time.Duration) (*Datagram, error)
	// LocalAddr reports the transport's bound endpoint.
	LocalAddr() EndpointKey
	Close() error
}

// UDPTransport is the concrete Transport backed by a *net.UDPConn,
// optionally joined to the CoAP multicast group. Grounded in
// junbin-yang/dsoftbus-go's pkg/discovery/coap/coap_socket.go, which
// wraps golang.org/x/net/ipv4 the same way to set multicast TTL and
// loopback on a plain UDP listener.
type UDPTransport struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn // non-nil only for the multicast-capable variant
}

// NewUDPTransport binds a unicast UDP socket to addr (host:port, host
// may be empty to bind all interfaces).
func NewUDPTransport(addr string) (*UDPTransport, error) {
	uaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "coap: resolve transport address")
	}
	conn, err := net.ListenUDP("udp4", uaddr)
	if err != nil {
		return nil, errors.Wrap(err, "coap: bind transport")
	}
	return &UDPTransport{conn: conn}, nil
}

// NewMulticastUDPTransport binds to port on all interfaces and joins the
// CoAP All Nodes group with IP_MULTICAST_LOOP enabled, so a sender on
// the same host observes its own multicast traffic during local testing
// (spec.md §4.3).
func NewMulticastUDPTransport(port int) (*UDPTransport, error) {
	uaddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", uaddr)
	if err != nil {
		return nil, errors.Wrap(err, "coap: bind multicast transport")
	}
	pc := ipv4.NewPacketConn(conn)
	group := net.ParseIP(MulticastGroup)
	if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "coap: join multicast group")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "coap: enable multicast loopback")
	}
	return &UDPTransport{conn: conn, pc: pc}, nil
}

func (t *UDPTransport) Send(destination EndpointKey, bytes []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(destination.IP), Port: destination.Port}
	_, err := t.conn.WriteToUDP(bytes, addr)
	return err
}

func (t *UDPTransport) Recv(timeout time.Duration) (*Datagram, error) {
	buf := make([]byte, maxDatagramSize)
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return &Datagram{
		Source: EndpointKey{IP: addr.IP.String(), Port: addr.Port},
		Bytes:  buf[:n],
	}, nil
}

func (t *UDPTransport) LocalAddr() EndpointKey {
	a := t.conn.LocalAddr().(*net.UDPAddr)
	return EndpointKey{IP: a.IP.String(), Port: a.Port}
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
