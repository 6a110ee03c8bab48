package queryclient

import (
	"context"
	"encoding/json"
	"testing"

	"metricfed/internal/planner"
	"metricfed/internal/transport"
)

func tenSources() []planner.ServerInfo {
	out := make([]planner.ServerInfo, 10)
	for i := range out {
		out[i] = planner.ServerInfo{Hostname: string(rune('a' + i)), Port: 9000}
	}
	return out
}

func countStatuses(details []RequestDetails) map[RequestStatus]int {
	out := make(map[RequestStatus]int)
	for _, d := range details {
		out[d.Status]++
	}
	return out
}

// Every leader fails with a transport exception (ConnectionClosed/Other).
func TestCounterQueryAllLeadersRequestException(t *testing.T) {
	sources := tenSources()
	outcomes := map[string]fakeOutcome{
		"a": {err: &transport.TransportError{Kind: transport.Other, Message: "boom"}},
		"b": {err: &transport.TransportError{Kind: transport.Other, Message: "boom"}},
	}
	fr := newFakeRequester(outcomes)
	c := New(fr.factory())

	resp, err := c.CounterQuery(context.Background(), "/requests", &TieredRequest{
		Sources: sources, MaxFanout: 2, FanoutTimeoutMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("CounterQuery: %v", err)
	}
	if len(resp.RequestDetails) != 10 {
		t.Fatalf("expected 10 RequestDetails, got %d", len(resp.RequestDetails))
	}
	counts := countStatuses(resp.RequestDetails)
	if counts[StatusRequestException] != 2 || counts[StatusFederationError] != 8 {
		t.Fatalf("expected 2 RequestException/8 FederationError, got %+v", counts)
	}
	if len(resp.Samples) != 0 {
		t.Fatalf("expected zero samples, got %d", len(resp.Samples))
	}
}

// Every leader times out.
func TestCounterQueryAllLeadersTimedOut(t *testing.T) {
	sources := tenSources()
	outcomes := map[string]fakeOutcome{
		"a": {err: &transport.TransportError{Kind: transport.Timeout, Message: "deadline"}},
		"b": {err: &transport.TransportError{Kind: transport.Timeout, Message: "deadline"}},
	}
	fr := newFakeRequester(outcomes)
	c := New(fr.factory())

	resp, err := c.CounterQuery(context.Background(), "/requests", &TieredRequest{
		Sources: sources, MaxFanout: 2, FanoutTimeoutMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("CounterQuery: %v", err)
	}
	counts := countStatuses(resp.RequestDetails)
	if counts[StatusTimedOut] != 2 || counts[StatusFederationError] != 8 {
		t.Fatalf("expected 2 TimedOut/8 FederationError, got %+v", counts)
	}
}

// Every leader returns HTTP 402 with an unparseable body.
func TestCounterQueryServerFailureUnparseableBody(t *testing.T) {
	sources := tenSources()
	outcomes := map[string]fakeOutcome{
		"a": {statusCode: 402, body: []byte("not json")},
		"b": {statusCode: 402, body: []byte("not json")},
	}
	fr := newFakeRequester(outcomes)
	c := New(fr.factory())

	resp, err := c.CounterQuery(context.Background(), "/requests", &TieredRequest{
		Sources: sources, MaxFanout: 2, FanoutTimeoutMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("CounterQuery: %v", err)
	}
	counts := countStatuses(resp.RequestDetails)
	if counts[StatusServerFailureResponse] != 2 || counts[StatusFederationError] != 8 {
		t.Fatalf("expected 2 ServerFailureResponse/8 FederationError, got %+v", counts)
	}
	for _, d := range resp.RequestDetails {
		if d.Status == StatusServerFailureResponse && d.HTTPResponseCode != 402 {
			t.Fatalf("expected code 402, got %d", d.HTTPResponseCode)
		}
	}
}

// HTTP 402 with a well-formed body carrying sub-source RequestDetails,
// max_fanout=1 so a single leader absorbs all 9 remaining sources.
func TestCounterQueryServerFailureWellFormedBody(t *testing.T) {
	sources := tenSources()
	subDetails := make([]RequestDetails, 0, 9)
	for _, s := range sources[1:] {
		subDetails = append(subDetails, RequestDetails{Server: s, Status: StatusRequestException})
	}
	body, err := json.Marshal(CounterQueryResponse{RequestDetails: subDetails})
	if err != nil {
		t.Fatalf("marshal fixture body: %v", err)
	}
	fr := newFakeRequester(map[string]fakeOutcome{
		"a": {statusCode: 402, body: body},
	})
	c := New(fr.factory())

	resp, err := c.CounterQuery(context.Background(), "/requests", &TieredRequest{
		Sources: sources, MaxFanout: 1, FanoutTimeoutMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("CounterQuery: %v", err)
	}
	counts := countStatuses(resp.RequestDetails)
	if counts[StatusServerFailureResponse] != 1 || counts[StatusRequestException] != 9 {
		t.Fatalf("expected 1 ServerFailureResponse/9 RequestException, got %+v", counts)
	}
}

// Every leader (already reflecting its own sub-tree's recursive
// fan-out) returns 10 good hit-count buckets; merging the two leaders'
// pre-aggregated groups of 5 sources each yields hit_count==10 per bucket.
func TestCounterQueryMergeCorrectness(t *testing.T) {
	sources := tenSources()
	// Plan(sources, 2): leaders a, b; remainder c..j split into groups of
	// 4 each -> leader a's closure {a,c,d,e,f}, leader b's {b,g,h,i,j}.
	groupA := []planner.ServerInfo{sources[0], sources[2], sources[3], sources[4], sources[5]}
	groupB := []planner.ServerInfo{sources[1], sources[6], sources[7], sources[8], sources[9]}

	buckets := func(value uint64) []DataSample {
		out := make([]DataSample, 10)
		for i := range out {
			out[i] = DataSample{Dimensions: map[string]string{"bucket": string(rune('0' + i))}, HitCount: value}
		}
		return out
	}
	detailsFor := func(group []planner.ServerInfo) []RequestDetails {
		out := make([]RequestDetails, len(group))
		for i, s := range group {
			out[i] = RequestDetails{Server: s, Status: StatusSuccess}
		}
		return out
	}

	bodyA, _ := json.Marshal(CounterQueryResponse{Samples: buckets(5), RequestDetails: detailsFor(groupA)})
	bodyB, _ := json.Marshal(CounterQueryResponse{Samples: buckets(5), RequestDetails: detailsFor(groupB)})

	fr := newFakeRequester(map[string]fakeOutcome{
		"a": {statusCode: 200, body: bodyA},
		"b": {statusCode: 200, body: bodyB},
	})
	c := New(fr.factory())

	resp, err := c.CounterQuery(context.Background(), "/requests", &TieredRequest{
		Sources: sources, MaxFanout: 2, FanoutTimeoutMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("CounterQuery: %v", err)
	}
	if len(resp.Samples) != 10 {
		t.Fatalf("expected 10 merged buckets, got %d", len(resp.Samples))
	}
	for _, s := range resp.Samples {
		if s.HitCount != 10 {
			t.Fatalf("expected hit_count 10 per bucket, got %d", s.HitCount)
		}
	}
	counts := countStatuses(resp.RequestDetails)
	if counts[StatusSuccess] != 10 {
		t.Fatalf("expected 10 Success, got %+v", counts)
	}
}

func TestCounterQueryValidatesCounterPath(t *testing.T) {
	c := New(func() transport.Requester { return nil })
	_, err := c.CounterQuery(context.Background(), "missing-leading-slash", &TieredRequest{
		Sources: []planner.ServerInfo{{Hostname: "a", Port: 1}}, MaxFanout: 1,
	}, nil)
	if _, ok := err.(*ArgumentError); !ok {
		t.Fatalf("expected *ArgumentError, got %v (%T)", err, err)
	}
}

func TestCounterQueryValidatesNilRequest(t *testing.T) {
	c := New(func() transport.Requester { return nil })
	_, err := c.CounterQuery(context.Background(), "/requests", nil, nil)
	if _, ok := err.(*ArgumentError); !ok {
		t.Fatalf("expected *ArgumentError, got %v (%T)", err, err)
	}
}

func TestBuildURIOmitsQuestionMarkWhenNoFilters(t *testing.T) {
	uri := buildURI(planner.ServerInfo{Hostname: "host1", Port: 8080}, "/requests", "query", nil)
	want := "http://host1:8080/counters/requests/query"
	if uri != want {
		t.Fatalf("uri = %q, want %q", uri, want)
	}
}

func TestBuildURIStripsPercentileCaseInsensitively(t *testing.T) {
	uri := buildURI(planner.ServerInfo{Hostname: "host1", Port: 8080}, "/requests", "query", map[string]string{
		"Percentile": "99",
		"client":     "web",
	})
	want := "http://host1:8080/counters/requests/query?client=web"
	if uri != want {
		t.Fatalf("uri = %q, want %q", uri, want)
	}
}
