package queryclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"metricfed/internal/transport"
)

// fakeOutcome is one canned leader response or transport failure, keyed by
// the leader's hostname so the fake can answer differently per source
// without the test needing to intercept real HTTP.
type fakeOutcome struct {
	err        *transport.TransportError
	statusCode int
	body       []byte
}

// fakeRequester is an in-memory transport.Requester used across the
// scenario tests — it never opens a socket, so the tests can drive every
// branch of the fan-out state machine without real HTTP.
type fakeRequester struct {
	mu       sync.Mutex
	outcomes map[string]fakeOutcome
	calls    []string
}

func newFakeRequester(outcomes map[string]fakeOutcome) *fakeRequester {
	return &fakeRequester{outcomes: outcomes}
}

func (f *fakeRequester) factory() transport.RequesterFactory {
	return func() transport.Requester { return f }
}

func (f *fakeRequester) Submit(_ context.Context, req transport.Request) (*transport.Response, error) {
	host := hostOf(req.URL)

	f.mu.Lock()
	f.calls = append(f.calls, host)
	f.mu.Unlock()

	o, ok := f.outcomes[host]
	if !ok {
		return nil, fmt.Errorf("fakeRequester: no outcome configured for host %q", host)
	}
	if o.err != nil {
		return nil, o.err
	}
	return &transport.Response{StatusCode: o.statusCode, Body: o.body}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
