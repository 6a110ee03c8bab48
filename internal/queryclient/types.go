// Package queryclient implements the tiered, fan-out counter query
// client. It issues parallel requests to a bounded "local" slice of
// leaders (planned by internal/planner), collects each leader's outcome,
// and merges the resulting samples and per-source status accounting into
// one response.
package queryclient

import (
	"encoding/json"
	"time"

	"metricfed/internal/dimset"
	"metricfed/internal/planner"
)

// RequestStatus is the outcome recorded for one contacted source. The
// zero value is FederationError — the default "we don't know because an
// upstream leader failed before reporting it" status every source starts
// at before fan-out resolves anything for it.
type RequestStatus int

const (
	StatusFederationError RequestStatus = iota
	StatusSuccess
	StatusTimedOut
	StatusServerFailureResponse
	StatusRequestException
)

func (s RequestStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimedOut:
		return "timed_out"
	case StatusServerFailureResponse:
		return "server_failure_response"
	case StatusRequestException:
		return "request_exception"
	case StatusFederationError:
		return "federation_error"
	default:
		return "unknown"
	}
}

func (s RequestStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RequestStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "success":
		*s = StatusSuccess
	case "timed_out":
		*s = StatusTimedOut
	case "server_failure_response":
		*s = StatusServerFailureResponse
	case "request_exception":
		*s = StatusRequestException
	default:
		*s = StatusFederationError
	}
	return nil
}

// RequestDetails is the per-source status record for one fan-out pass.
// Once set to a terminal status it is never overwritten again for that
// source within the same query — the leader state machine is write-once.
type RequestDetails struct {
	Server           planner.ServerInfo `json:"server"`
	Status           RequestStatus      `json:"status"`
	HTTPResponseCode int16              `json:"http_response_code,omitempty"`
	Message          string             `json:"message,omitempty"`
}

// DataSample is one time-bucketed observation of a counter. Exactly one
// of HitCount/Buckets is populated for a given counter's samples — which
// one depends on the counter's declared data type — but merge treats an
// absent field on either side as zero, so a mixed merge never panics.
type DataSample struct {
	Start      time.Time                     `json:"start"`
	End        time.Time                     `json:"end"`
	Dimensions dimset.DimensionSpecification `json:"dimensions,omitempty"`
	HitCount   uint64                        `json:"hit_count,omitempty"`
	Buckets    map[string]uint64             `json:"buckets,omitempty"`
}

// CounterQueryResponse is produced by the client and owned by the caller
// thereafter — nothing in this package retains a reference to it after
// CounterQuery returns.
type CounterQueryResponse struct {
	Samples          []DataSample     `json:"samples"`
	RequestDetails   []RequestDetails `json:"request_details"`
	HTTPResponseCode int16            `json:"http_response_code"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	UserContext      string           `json:"user_context,omitempty"`
}

// CounterInfo describes one counter's shape — name, declared data type,
// and the dimensions it is sliced along — as returned by an /info query.
type CounterInfo struct {
	Name       string   `json:"name"`
	DataType   string   `json:"data_type"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// CounterInfoResponse is the /info counterpart to CounterQueryResponse.
// It carries RequestDetails exactly the way CounterQueryResponse does,
// which is why both CounterQuery and CounterInfoQuery route through the
// same runFanout helper in fanout.go.
type CounterInfoResponse struct {
	Counters         []CounterInfo    `json:"counters"`
	RequestDetails   []RequestDetails `json:"request_details"`
	HTTPResponseCode int16            `json:"http_response_code"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// TieredRequest is the request envelope sent to every leader, carrying
// the sources that leader (and its own sub-leaders, recursively) is
// responsible for.
type TieredRequest struct {
	Sources                   []planner.ServerInfo `json:"sources"`
	MaxFanout                 uint32               `json:"max_fanout"`
	FanoutTimeoutMS           uint32               `json:"fanout_timeout_ms"`
	IncludeRequestDiagnostics bool                 `json:"include_request_diagnostics"`
	InnerPayload              json.RawMessage      `json:"inner_payload,omitempty"`
}

// ArgumentError is a synchronous, programmer-error failure: a null/empty
// path, a nil request, or an invalid fanout. Surfaced immediately, never
// folded into RequestDetails.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string {
	return "queryclient: " + e.Message
}
