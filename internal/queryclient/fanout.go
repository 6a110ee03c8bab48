package queryclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"metricfed/internal/planner"
	"metricfed/internal/transport"
)

// leaderResult is one leader slot's resolved outcome: how the leader
// itself answered, plus — for a 2xx response, or a non-2xx whose body
// parsed — the raw bytes for the caller to decode into whichever response
// type it expects, and whatever RequestDetails that body carried for the
// leader's own sub-sources.
type leaderResult struct {
	leader     planner.ServerInfo
	group      []planner.ServerInfo
	status     RequestStatus
	httpCode   int16
	message    string
	body       []byte
	subDetails []RequestDetails
}

// requestDetailsEnvelope is the only shape runFanout needs to decode out
// of a leader's response body: CounterQueryResponse and
// CounterInfoResponse both carry a "request_details" field at the same
// position, so one envelope type serves both without runFanout knowing
// which one it's looking at.
type requestDetailsEnvelope struct {
	RequestDetails []RequestDetails `json:"request_details"`
}

func extractRequestDetails(body []byte) ([]RequestDetails, error) {
	var env requestDetailsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.RequestDetails, nil
}

// runFanout issues one concurrent request per leader in plan.Leaders,
// goroutine-per-peer with a buffered result channel. Each leader's
// timeout is individual (context.WithTimeout per request) rather than one
// shared deadline: the fanout timeout bounds any single leader request,
// and a slow leader never preempts a fast one. The caller's ctx is the
// cooperative cancellation token: cancelling it cancels every outstanding
// leader request at once.
//
// The returned error is non-nil only for a genuinely unexpected failure
// (not one of the four TransportError kinds) — those propagate to the
// caller unchanged instead of being absorbed into a RequestDetails entry.
func (c *Client) runFanout(
	ctx context.Context,
	plan planner.PlanResult,
	timeout time.Duration,
	parent *TieredRequest,
	counterPath, suffix string,
	queryParams map[string]string,
) ([]leaderResult, error) {
	type slot struct {
		result leaderResult
		err    error
	}

	ch := make(chan slot, len(plan.Leaders))
	for _, lp := range plan.Leaders {
		go func(lp planner.LeaderPlan) {
			r, err := c.issueLeaderRequest(ctx, lp, timeout, parent, counterPath, suffix, queryParams)
			ch <- slot{result: r, err: err}
		}(lp)
	}

	results := make([]leaderResult, 0, len(plan.Leaders))
	var firstErr error
	for range plan.Leaders {
		s := <-ch
		if s.err != nil {
			if firstErr == nil {
				firstErr = s.err
			}
			continue
		}
		results = append(results, s.result)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// buildLeaderRequest constructs the TieredRequest sent to one leader: its
// own sources are itself plus its delegated group, and its fanout budget
// is implicitly group-size-plus-one, since the leader runs its own
// planner over exactly those sources when it recurses.
func buildLeaderRequest(lp planner.LeaderPlan, parent *TieredRequest) *TieredRequest {
	sources := make([]planner.ServerInfo, 0, len(lp.Group)+1)
	sources = append(sources, lp.Leader)
	sources = append(sources, lp.Group...)
	return &TieredRequest{
		Sources:                   sources,
		MaxFanout:                 uint32(len(lp.Group)) + 1,
		FanoutTimeoutMS:           parent.FanoutTimeoutMS,
		IncludeRequestDiagnostics: parent.IncludeRequestDiagnostics,
		InnerPayload:              parent.InnerPayload,
	}
}

func (c *Client) issueLeaderRequest(
	ctx context.Context,
	lp planner.LeaderPlan,
	timeout time.Duration,
	parent *TieredRequest,
	counterPath, suffix string,
	queryParams map[string]string,
) (leaderResult, error) {
	start := time.Now()
	res := leaderResult{leader: lp.Leader, group: lp.Group, status: StatusFederationError}

	innerReq := buildLeaderRequest(lp, parent)
	body, err := json.Marshal(innerReq)
	if err != nil {
		return leaderResult{}, fmt.Errorf("queryclient: encoding request for leader %s:%d: %w", lp.Leader.Hostname, lp.Leader.Port, err)
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	uri := buildURI(lp.Leader, counterPath, suffix, queryParams)
	requester := c.factory()
	resp, err := requester.Submit(reqCtx, transport.Request{Method: http.MethodGet, URL: uri, Body: body})
	if err != nil {
		status, message, fatal := classifyFanoutErr(err, reqCtx)
		if fatal != nil {
			return leaderResult{}, fatal
		}
		res.status = status
		res.message = message
		c.record(res.status, time.Since(start))
		return res, nil
	}

	res.httpCode = int16(resp.StatusCode)
	details, parseErr := extractRequestDetails(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.status = StatusSuccess
		res.body = resp.Body
		if parseErr == nil {
			res.subDetails = details
		}
	case parseErr == nil:
		res.status = StatusServerFailureResponse
		res.subDetails = details
		res.body = resp.Body
	default:
		res.status = StatusServerFailureResponse
		res.message = string(resp.Body)
	}

	c.record(res.status, time.Since(start))
	return res, nil
}

// classifyFanoutErr maps a Submit failure to a RequestStatus: context
// deadline / TransportError Timeout -> TimedOut;
// ConnectionClosed/InvalidBody/Other -> RequestException. Anything that
// isn't a context deadline, cancellation, or *transport.TransportError is
// unexpected and returned as fatal for the caller to propagate unchanged.
func classifyFanoutErr(err error, reqCtx context.Context) (status RequestStatus, message string, fatal error) {
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return StatusTimedOut, "leader request timed out", nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(reqCtx.Err(), context.Canceled) {
		return StatusTimedOut, "leader request cancelled", nil
	}

	var terr *transport.TransportError
	if errors.As(err, &terr) {
		if terr.Kind == transport.Timeout {
			return StatusTimedOut, terr.Message, nil
		}
		return StatusRequestException, terr.Message, nil
	}

	return 0, "", fmt.Errorf("queryclient: unexpected transport failure: %w", err)
}

// initFederationErrorDetails pre-populates a RequestDetails placeholder at
// StatusFederationError for every source in the request — the default for
// "we don't know because we couldn't learn". Leader placeholders get
// overwritten once their leader request resolves; sub-source placeholders
// survive unless a leader's parsed response overwrites them with its own
// knowledge.
func initFederationErrorDetails(sources []planner.ServerInfo) map[serverKey]RequestDetails {
	out := make(map[serverKey]RequestDetails, len(sources))
	for _, s := range sources {
		out[keyOf(s)] = RequestDetails{Server: s, Status: StatusFederationError}
	}
	return out
}

type serverKey string

func keyOf(s planner.ServerInfo) serverKey {
	return serverKey(fmt.Sprintf("%s:%d", s.Hostname, s.Port))
}

// applyLeaderOutcome writes a leader's own resolved status into details
// and then lets its parsed sub-source details (if any) overwrite their own
// placeholders — each ServerInfo's entry is written at most twice:
// implicit federation-error init, then one real status, keeping the
// per-slot state machine write-once. A body entry naming the leader
// itself is skipped: the leader's status comes from how its request
// resolved here, never from what its own body claims.
func applyLeaderOutcome(details map[serverKey]RequestDetails, r leaderResult) {
	leaderKey := keyOf(r.leader)
	details[leaderKey] = RequestDetails{
		Server:           r.leader,
		Status:           r.status,
		HTTPResponseCode: r.httpCode,
		Message:          r.message,
	}
	for _, d := range r.subDetails {
		if k := keyOf(d.Server); k != leaderKey {
			details[k] = d
		}
	}
}

// finalizeDetails renders details back into a slice ordered the same way
// the original source list was. Only each-ServerInfo-exactly-once is
// contractual, not any particular order, but a stable rendering makes the
// client's output deterministic for callers and tests.
func finalizeDetails(details map[serverKey]RequestDetails, sources []planner.ServerInfo) []RequestDetails {
	out := make([]RequestDetails, 0, len(sources))
	for _, s := range sources {
		out = append(out, details[keyOf(s)])
	}
	return out
}
