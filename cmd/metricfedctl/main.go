// cmd/metricfedctl is a Cobra CLI harness over internal/queryclient and
// internal/batch: one root command carrying shared connection flags as
// PersistentFlags, one small constructor function per subcommand, and a
// pretty-printed JSON result on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"metricfed/internal/batch"
	"metricfed/internal/planner"
	"metricfed/internal/queryclient"
	"metricfed/internal/transport"
)

var (
	sourceFlags     []string
	maxFanout       uint32
	fanoutTimeoutMS uint32
	clientTimeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "metricfedctl",
		Short: "query harness for a metricfed source fleet",
	}
	root.PersistentFlags().StringSliceVar(&sourceFlags, "source", nil, "a source server as host:port (repeatable)")
	root.PersistentFlags().Uint32Var(&maxFanout, "max-fanout", 4, "maximum number of leaders this process contacts directly")
	root.PersistentFlags().Uint32Var(&fanoutTimeoutMS, "fanout-timeout-ms", 5000, "per-leader request timeout, in milliseconds")
	root.PersistentFlags().DurationVar(&clientTimeout, "timeout", 10*time.Second, "underlying HTTP client timeout")

	root.AddCommand(counterQueryCmd(), counterInfoCmd(), batchQueryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *queryclient.Client {
	httpClient := &http.Client{Timeout: clientTimeout}
	factory := func() transport.Requester { return transport.NewHTTPRequester(httpClient) }
	return queryclient.New(factory)
}

// parseSources turns --source host:port entries into planner.ServerInfo.
func parseSources() ([]planner.ServerInfo, error) {
	out := make([]planner.ServerInfo, 0, len(sourceFlags))
	for _, s := range sourceFlags {
		host, portStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --source %q: want host:port", s)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in --source %q: %w", s, err)
		}
		out = append(out, planner.ServerInfo{Hostname: host, Port: uint16(port)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --source is required")
	}
	return out, nil
}

func buildTieredRequest(sources []planner.ServerInfo) *queryclient.TieredRequest {
	return &queryclient.TieredRequest{
		Sources:         sources,
		MaxFanout:       maxFanout,
		FanoutTimeoutMS: fanoutTimeoutMS,
	}
}

func counterQueryCmd() *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "counter-query <counter-path>",
		Short: "query one counter across the source fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := parseSources()
			if err != nil {
				return err
			}
			c := newClient()
			resp, err := c.CounterQuery(context.Background(), args[0], buildTieredRequest(sources), parseFilters(filters))
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "dimension filter as key=value (repeatable)")
	return cmd
}

func counterInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter-info <counter-path>",
		Short: "fetch dimension metadata for one counter across the source fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := parseSources()
			if err != nil {
				return err
			}
			c := newClient()
			resp, err := c.CounterInfoQuery(context.Background(), args[0], buildTieredRequest(sources), nil)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	return cmd
}

func batchQueryCmd() *cobra.Command {
	var counterPaths []string
	cmd := &cobra.Command{
		Use:   "batch-query",
		Short: "query several counters in one batch request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(counterPaths) == 0 {
				return fmt.Errorf("at least one --counter is required")
			}
			sources, err := parseSources()
			if err != nil {
				return err
			}

			queries := make([]batch.SubQuery, 0, len(counterPaths))
			for _, path := range counterPaths {
				queries = append(queries, batch.SubQuery{
					CounterPath:   path,
					TieredRequest: buildTieredRequest(sources),
				})
			}

			c := newClient()
			resp, err := batch.Query(context.Background(), c, &batch.Request{Queries: queries})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringSliceVar(&counterPaths, "counter", nil, "a counter path to include in the batch (repeatable)")
	return cmd
}

// parseFilters turns --filter key=value entries into the query-param map
// CounterQuery forwards onto each leader's URL.
func parseFilters(filters []string) map[string]string {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]string, len(filters))
	for _, f := range filters {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
