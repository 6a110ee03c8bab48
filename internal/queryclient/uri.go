package queryclient

import (
	"fmt"
	"net/url"
	"strings"

	"metricfed/internal/planner"
)

// buildURI constructs the outbound leader URL,
// http://{host}:{port}/counters{path}/{suffix}, with a query string built
// from params, excluding any key equal to "percentile" case-insensitively.
// If the resulting query string is empty the URI carries no "?" at all.
func buildURI(server planner.ServerInfo, counterPath, suffix string, params map[string]string) string {
	base := fmt.Sprintf("http://%s:%d/counters%s/%s", server.Hostname, server.Port, counterPath, suffix)
	qs := buildQueryString(params)
	if qs == "" {
		return base
	}
	return base + "?" + qs
}

// buildQueryString renders params as a URL-encoded query string, dropping
// any "percentile" key regardless of case. url.Values.Encode sorts keys,
// so the result is deterministic for a given input map.
func buildQueryString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range params {
		if strings.EqualFold(k, "percentile") {
			continue
		}
		values.Set(k, v)
	}
	return values.Encode()
}
