package queryclient

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"metricfed/internal/metrics"
	"metricfed/internal/planner"
	"metricfed/internal/transport"
)

// Client is the distributed query client. It holds no process-wide state
// — the requester factory is constructor-injected so tests can swap in a
// fake transport per Client instance instead of mutating shared state
// other tests depend on.
type Client struct {
	factory transport.RequesterFactory
	metrics *metrics.ClientMetrics
}

// Option configures optional Client behavior at construction time.
type Option func(*Client)

// WithMetrics attaches Prometheus instrumentation to every leader request
// this client issues. Omit in tests that don't care about metrics.
func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a Client around factory, which must return a fresh or
// reusable transport.Requester on demand.
func New(factory transport.RequesterFactory, opts ...Option) *Client {
	c := &Client{factory: factory}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) record(status RequestStatus, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveLeaderRequest(status.String(), d)
	}
}

// validateArgs performs the synchronous argument validation that must
// happen before any network activity begins.
func validateArgs(counterPath string, req *TieredRequest) error {
	if counterPath == "" || !strings.HasPrefix(counterPath, "/") {
		return &ArgumentError{Message: "counter_path must be non-empty and begin with '/'"}
	}
	if req == nil {
		return &ArgumentError{Message: "tiered_request must not be nil"}
	}
	if req.MaxFanout == 0 {
		return &ArgumentError{Message: "max_fanout must be > 0"}
	}
	return nil
}

// CounterQuery fans tieredRequest out to its local leader slice, merges
// every successful leader's samples, and returns exactly one
// RequestDetails entry per source named in tieredRequest.Sources.
func (c *Client) CounterQuery(ctx context.Context, counterPath string, tieredRequest *TieredRequest, queryParams map[string]string) (*CounterQueryResponse, error) {
	if err := validateArgs(counterPath, tieredRequest); err != nil {
		return nil, err
	}

	plan, err := planner.Plan(tieredRequest.Sources, tieredRequest.MaxFanout)
	if err != nil {
		return nil, &ArgumentError{Message: err.Error()}
	}

	details := initFederationErrorDetails(tieredRequest.Sources)
	results, err := c.runFanout(ctx, plan, fanoutTimeout(tieredRequest), tieredRequest, counterPath, "query", queryParams)
	if err != nil {
		return nil, err
	}

	var samples []DataSample
	for _, r := range results {
		applyLeaderOutcome(details, r)
		if r.status != StatusSuccess || r.body == nil {
			continue
		}
		var parsed CounterQueryResponse
		if err := json.Unmarshal(r.body, &parsed); err != nil {
			continue
		}
		samples = MergeSamples(samples, parsed.Samples)
	}

	return &CounterQueryResponse{
		Samples:          samples,
		RequestDetails:   finalizeDetails(details, tieredRequest.Sources),
		HTTPResponseCode: 200,
	}, nil
}

// CounterInfoQuery is CounterQuery's counterpart over the /info surface:
// same fan-out and status accounting, a different sample domain
// ([]CounterInfo instead of []DataSample). CounterInfoResponse carries
// RequestDetails at the same position CounterQueryResponse does, which is
// what lets both routes share runFanout.
func (c *Client) CounterInfoQuery(ctx context.Context, counterPath string, tieredRequest *TieredRequest, queryParams map[string]string) (*CounterInfoResponse, error) {
	if err := validateArgs(counterPath, tieredRequest); err != nil {
		return nil, err
	}

	plan, err := planner.Plan(tieredRequest.Sources, tieredRequest.MaxFanout)
	if err != nil {
		return nil, &ArgumentError{Message: err.Error()}
	}

	details := initFederationErrorDetails(tieredRequest.Sources)
	results, err := c.runFanout(ctx, plan, fanoutTimeout(tieredRequest), tieredRequest, counterPath, "info", queryParams)
	if err != nil {
		return nil, err
	}

	var counters []CounterInfo
	for _, r := range results {
		applyLeaderOutcome(details, r)
		if r.status != StatusSuccess || r.body == nil {
			continue
		}
		var parsed CounterInfoResponse
		if err := json.Unmarshal(r.body, &parsed); err != nil {
			continue
		}
		counters = mergeCounterInfo(counters, parsed.Counters)
	}

	return &CounterInfoResponse{
		Counters:         counters,
		RequestDetails:   finalizeDetails(details, tieredRequest.Sources),
		HTTPResponseCode: 200,
	}, nil
}

func fanoutTimeout(req *TieredRequest) time.Duration {
	return time.Duration(req.FanoutTimeoutMS) * time.Millisecond
}
