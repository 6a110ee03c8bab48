// Package batch implements the batch query entry point and its response
// aggregator. It lives apart from internal/queryclient (rather than as a
// method on queryclient.Client) specifically so it can import
// queryclient's response/detail types without creating an import cycle —
// queryclient never needs to know batch exists.
package batch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"metricfed/internal/queryclient"
)

// ArgumentError mirrors queryclient.ArgumentError's role for this
// package's own synchronous validation failures: a nil request, or a
// request with zero sub-queries.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string {
	return "batch: " + e.Message
}

// SubQuery is one counter query nested inside a batch request.
type SubQuery struct {
	UserContext   string
	CounterPath   string
	TieredRequest *queryclient.TieredRequest
	QueryParams   map[string]string
}

// Request is a BatchQueryRequest: several independent counter queries
// sharing one envelope and, after NewAggregator's fix-up, a guaranteed
// non-empty user_context apiece.
type Request struct {
	Queries []SubQuery
}

// SubResponse is one requested sub-query's accumulated outcome.
type SubResponse struct {
	UserContext string
	Response    *queryclient.CounterQueryResponse
}

// Response is a BatchQueryResponse: exactly one SubResponse per requested
// sub-query (even one that received no data, in which case its Samples is
// empty), plus every RequestDetails gathered across every contributing
// fan-out pass.
type Response struct {
	Responses      []SubResponse
	RequestDetails []queryclient.RequestDetails
}

var freshIDCounter uint64

// freshUserContext returns a context key unique within one process run.
// A monotonic counter plus the sub-query's own index is sufficient — the
// key only needs to be unique within a single batch request, not across
// the lifetime of the process, so there's no need for a UUID library here.
func freshUserContext(index int) string {
	n := atomic.AddUint64(&freshIDCounter, 1)
	return "ctx-" + strconv.Itoa(index) + "-" + strconv.FormatUint(n, 36)
}

// stripPercentile returns params with any "percentile" key removed,
// case-insensitively. A nil/empty map passes through unchanged.
func stripPercentile(params map[string]string) map[string]string {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if strings.EqualFold(k, "percentile") {
			continue
		}
		out[k] = v
	}
	return out
}

// Aggregator performs the constructor fix-up on the supplied request and
// then accumulates CounterQueryResponses by user_context — a plain
// mutex-guarded map, since nothing here is hot-path enough to need
// anything fancier.
type Aggregator struct {
	mu             sync.Mutex
	order          []string
	responses      map[string]*queryclient.CounterQueryResponse
	requestDetails []queryclient.RequestDetails
}

// NewAggregator validates req and fixes it up in place — stripping
// "percentile" from every sub-query's params and filling in a fresh
// user_context wherever one is missing — then seeds one empty aggregate
// response per sub-query.
func NewAggregator(req *Request) (*Aggregator, error) {
	if req == nil || len(req.Queries) == 0 {
		return nil, &ArgumentError{Message: "batch request must be non-nil with at least one sub-query"}
	}

	a := &Aggregator{responses: make(map[string]*queryclient.CounterQueryResponse, len(req.Queries))}
	for i := range req.Queries {
		q := &req.Queries[i]
		q.QueryParams = stripPercentile(q.QueryParams)
		if q.UserContext == "" {
			q.UserContext = freshUserContext(i)
		}
		a.order = append(a.order, q.UserContext)
		a.responses[q.UserContext] = &queryclient.CounterQueryResponse{UserContext: q.UserContext}
	}
	return a, nil
}

// Ingest folds one sub-response and its RequestDetails into the aggregate:
// the details are appended unconditionally, and the sub-response is
// merged into the requested sub-query with the same user_context — a
// response whose user_context does not match any requested sub-query is
// an unknown counter and is discarded.
func (a *Aggregator) Ingest(userContext string, resp *queryclient.CounterQueryResponse, details []queryclient.RequestDetails) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requestDetails = append(a.requestDetails, details...)

	existing, ok := a.responses[userContext]
	if !ok || resp == nil {
		return
	}
	existing.Samples = queryclient.MergeSamples(existing.Samples, resp.Samples)
	if resp.HTTPResponseCode != 0 {
		existing.HTTPResponseCode = resp.HTTPResponseCode
	}
	if resp.ErrorMessage != "" {
		existing.ErrorMessage = resp.ErrorMessage
	}
}

// GetResponse yields one entry per requested sub-query, in request order,
// plus every RequestDetails accumulated so far.
func (a *Aggregator) GetResponse() *Response {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := &Response{RequestDetails: append([]queryclient.RequestDetails(nil), a.requestDetails...)}
	for _, uc := range a.order {
		out.Responses = append(out.Responses, SubResponse{UserContext: uc, Response: a.responses[uc]})
	}
	return out
}

// Query is the batch query entry point: it fixes up req, issues every
// sub-query concurrently against qc (the same goroutine-per-request
// fan-out idiom internal/queryclient uses, one level up), and returns the
// aggregated Response. A sub-query
// that fails outright (an *ArgumentError or unexpected propagated error
// from CounterQuery) is recorded as a RequestException detail rather than
// failing the whole batch — one bad sub-query should not sink the others.
func Query(ctx context.Context, qc *queryclient.Client, req *Request) (*Response, error) {
	agg, err := NewAggregator(req)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for i := range req.Queries {
		q := req.Queries[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := qc.CounterQuery(ctx, q.CounterPath, q.TieredRequest, q.QueryParams)
			if err != nil {
				agg.Ingest(q.UserContext, nil, []queryclient.RequestDetails{{
					Status:  queryclient.StatusRequestException,
					Message: err.Error(),
				}})
				return
			}
			agg.Ingest(q.UserContext, resp, resp.RequestDetails)
		}()
	}
	wg.Wait()

	return agg.GetResponse(), nil
}
