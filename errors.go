package coap

import "github.com/pkg/errors"

// Sentinel errors returned by the codec and the engines. Callers that need
// to distinguish a failure kind should use errors.Is against these values;
// codec errors are wrapped with context naming the check that failed,
// without losing the sentinel identity.
var (
	// ErrMalformedMessage covers every wire-format violation: bad version,
	// TKL > 8, an option length that overruns the buffer, a stray extended
	// option marker outside the payload, or a truncated record. The caller
	// drops the datagram.
	ErrMalformedMessage = errors.New("coap: malformed message")

	// ErrInvalidTokenLen is a MalformedMessage cause: TKL in the header
	// exceeds 8 or the buffer is shorter than TKL declares.
	ErrInvalidTokenLen = errors.New("coap: invalid token length")

	// ErrSegmentTooLong is returned by Path construction when a segment
	// exceeds 255 bytes (spec.md Open Question 3: the source silently
	// overflows the length byte; this implementation rejects instead).
	ErrSegmentTooLong = errors.New("coap: path segment exceeds 255 bytes")

	// ErrNoHandlerForPath means no dispatcher pattern matched the request
	// path; the server replies NotFound.
	ErrNoHandlerForPath = errors.New("coap: no handler for path")

	// ErrMethodNotAllowed means a pattern matched but the handler set has
	// no callback for the requested method; the server replies
	// MethodNotAllowed.
	ErrMethodNotAllowed = errors.New("coap: method not allowed")

	// ErrUnknownRequestCode means the inbound message's code class is 0
	// but the detail is not one of GET/PUT/POST/DELETE/Empty.
	ErrUnknownRequestCode = errors.New("coap: unknown request code")

	// ErrDuplicateToken is returned by request issuance when the token
	// the generator produced already has a pending entry.
	ErrDuplicateToken = errors.New("coap: duplicate token on issue")

	// ErrRetransmitExhausted marks an UnackEntry that reached
	// MAX_RETRANSMITS without an acknowledgement.
	ErrRetransmitExhausted = errors.New("coap: retransmits exhausted")

	// ErrRequestTimedOut is returned by Future.Wait and Stream.Next when
	// their wait timeout elapses before a response arrives. Retransmit
	// exhaustion is not reported through it: the waiting request receives
	// a 5.03 ServiceUnavailable response instead.
	ErrRequestTimedOut = errors.New("coap: request timed out")

	// ErrStreamClosed is returned from a Stream's Next once the stream has
	// been closed (Stream.Close, or a delivery carrying an error). A
	// terminal retransmit timeout does not close a stream: it arrives as a
	// 5.03 ServiceUnavailable response and the stream stays open.
	ErrStreamClosed = errors.New("coap: stream closed")
)
