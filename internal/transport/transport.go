// Package transport wraps the raw HTTP call a leader request makes.
//
// The query client never talks to net/http directly — it goes through a
// Requester, so tests can swap in a fake one and drive every branch of the
// fan-out state machine (timeouts, connection resets, malformed bodies)
// without a real server. There is no process-wide mutable factory: a
// RequesterFactory is passed to the client at construction, and the
// client calls it for each leader request.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

// Request is one outbound leader request: a method, a fully-built URL, and
// an optional body. The query client is responsible for URI construction
// (host, port, path, query string); Requester only sends bytes.
type Request struct {
	Method string
	URL    string
	Body   []byte
}

// Response is a successfully-completed HTTP round trip, transport-wise —
// it may still carry a non-2xx status code, which is the query client's
// problem to interpret, not the transport's.
type Response struct {
	StatusCode int
	Body       []byte
}

// Requester submits one request and returns its response, or a
// *TransportError for a transport-level failure. In the default HTTP
// requester every failure of the round trip itself, including one caused
// by ctx being cancelled or expiring, is a *TransportError; an error from
// building the request is returned unchanged.
type Requester interface {
	Submit(ctx context.Context, req Request) (*Response, error)
}

// RequesterFactory builds a Requester. queryclient.Client takes one at
// construction time instead of reading a process-global, so a test can
// inject a fake factory without mutating shared state other tests depend
// on.
type RequesterFactory func() Requester

// Kind enumerates the recognized transport failure modes. Every
// failure coming out of the default HTTP requester is classified into
// exactly one of these; nothing else is wrapped as a TransportError.
type Kind int

const (
	Timeout Kind = iota
	ConnectionClosed
	Other
	InvalidBody
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionClosed:
		return "connection closed"
	case Other:
		return "other"
	case InvalidBody:
		return "invalid body"
	default:
		return "unknown"
	}
}

// TransportError is the only error type Submit ever constructs itself;
// everything else it returns comes from deeper in the stack unchanged.
type TransportError struct {
	Kind    Kind
	Message string
}

func (e *TransportError) Error() string {
	return "transport: " + e.Kind.String() + ": " + e.Message
}

// httpRequester is the default Requester, a thin wrapper over
// *http.Client. It is stateless across base URLs since the query client
// builds a different full URL per leader.
type httpRequester struct {
	client *http.Client
}

// NewHTTPRequester builds the default Requester used outside tests.
func NewHTTPRequester(client *http.Client) Requester {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRequester{client: client}
}

func (h *httpRequester) Submit(ctx context.Context, req Request) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifySubmitError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Kind: InvalidBody, Message: err.Error()}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// classifySubmitError maps the error *http.Client.Do returns into one of
// the four TransportError kinds. The request's context is not consulted:
// an expired context deadline reports Timeout() and reads as Timeout, while
// a cancellation does not and is classified by the remaining checks.
func classifySubmitError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: Timeout, Message: err.Error()}
	}
	if errors.Is(err, io.EOF) || isConnectionReset(err) {
		return &TransportError{Kind: ConnectionClosed, Message: err.Error()}
	}
	return &TransportError{Kind: Other, Message: err.Error()}
}

func isConnectionReset(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.Op == "read" || opErr.Op == "write"
}
