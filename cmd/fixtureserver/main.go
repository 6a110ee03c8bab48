// cmd/fixtureserver is a minimal demo metric-server fixture: it loads one
// persisted-data record from disk and serves it over the §6 HTTP surface
// (/counters{path}/query, /counters{path}/info) so internal/queryclient
// can be driven end-to-end over real HTTP in tests and demos. It does
// not implement counter ingestion, a query language, or cluster
// membership; this fixture only answers for whatever is already on disk.
//
// Example:
//
//	./fixtureserver -addr :9001 -data-file requests.mdb -hostname host1 -port 9001
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"metricfed/internal/datastore"
	"metricfed/internal/dimset"
	"metricfed/internal/persist"
	"metricfed/internal/planner"
	"metricfed/internal/queryclient"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dataFile := flag.String("data-file", "", "path to a persisted-data file to serve (required)")
	hostname := flag.String("hostname", "localhost", "this server's own hostname, as named in fan-out ServerInfo")
	port := flag.Uint("port", 8080, "this server's own port, as named in fan-out ServerInfo")
	flag.Parse()

	if *dataFile == "" {
		log.Fatalf("FATAL: -data-file is required")
	}

	h, err := loadHandler(*dataFile, planner.ServerInfo{Hostname: *hostname, Port: uint16(*port)})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), recovery())
	router.GET("/counters/*counterPath", h.dispatch)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("fixtureserver: serving %q from %s on %s", h.info.Name, *dataFile, *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("fixtureserver: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}

// requestLogger and recovery are the fixture's only middleware: one log
// line per request, and panic-to-500 translation.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[%s] %s %s | %d | %s",
			c.Request.Method, c.Request.URL.Path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}

func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC recovered: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// handler holds the fixture's pre-loaded, read-only data — loaded once at
// startup, never mutated, so handling a request needs no locking.
type handler struct {
	self    planner.ServerInfo
	info    queryclient.CounterInfo
	samples []queryclient.DataSample
}

func loadHandler(path string, self planner.ServerInfo) (*handler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := persist.NewReader(f)
	ok, err := r.ReadDataHeader()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errEmptyDataFile
	}
	header := r.Header()

	names := header.DimensionNames
	if len(names) == 0 {
		names = []string{"default"}
	}

	h := &handler{self: self}
	switch header.DataType {
	case persist.DataTypeHitCount:
		store, err := persist.LoadData[datastore.HitCount](r, persist.HitCountCodec{})
		if err != nil {
			return nil, err
		}
		h.info = queryclient.CounterInfo{Name: header.Name, DataType: "hitcount", Dimensions: names}
		for _, e := range store.Snapshot() {
			h.samples = append(h.samples, queryclient.DataSample{
				Start: header.Start, End: header.End,
				Dimensions: zipDimensions(names, e.Key),
				HitCount:   e.Value.Count,
			})
		}
	case persist.DataTypeHistogram:
		store, err := persist.LoadData[datastore.Histogram](r, persist.HistogramCodec{})
		if err != nil {
			return nil, err
		}
		h.info = queryclient.CounterInfo{Name: header.Name, DataType: "histogram", Dimensions: names}
		for _, e := range store.Snapshot() {
			buckets := make(map[string]uint64, len(e.Value.Buckets))
			for k, v := range e.Value.Buckets {
				buckets[k] = v
			}
			h.samples = append(h.samples, queryclient.DataSample{
				Start: header.Start, End: header.End,
				Dimensions: zipDimensions(names, e.Key),
				Buckets:    buckets,
			})
		}
	default:
		return nil, errUnknownDataType
	}
	return h, nil
}

func zipDimensions(names []string, key dimset.DimensionKey) dimset.DimensionSpecification {
	spec := make(dimset.DimensionSpecification, len(names))
	for i, n := range names {
		if i < len(key) {
			spec[n] = key[i]
		}
	}
	return spec
}

// dispatch is the single route every /counters/... request lands on;
// Gin's wildcard routing can't distinguish the "/query" and "/info"
// suffixes as separate route patterns without registering every possible
// counter path ahead of time, so this fixture just trims the suffix
// itself.
func (h *handler) dispatch(c *gin.Context) {
	full := c.Param("counterPath")
	switch {
	case strings.HasSuffix(full, "/query"):
		h.handleQuery(c)
	case strings.HasSuffix(full, "/info"):
		h.handleInfo(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown counters route"})
	}
}

func (h *handler) handleQuery(c *gin.Context) {
	var req queryclient.TieredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filters := dimensionFilters(c.Request.URL.Query())
	samples := filterSamples(h.samples, filters)

	details := make([]queryclient.RequestDetails, 0, len(req.Sources))
	for _, s := range req.Sources {
		details = append(details, queryclient.RequestDetails{Server: s, Status: queryclient.StatusSuccess, HTTPResponseCode: http.StatusOK})
	}
	if len(details) == 0 {
		details = append(details, queryclient.RequestDetails{Server: h.self, Status: queryclient.StatusSuccess, HTTPResponseCode: http.StatusOK})
	}

	c.JSON(http.StatusOK, queryclient.CounterQueryResponse{
		Samples:          samples,
		RequestDetails:   details,
		HTTPResponseCode: http.StatusOK,
	})
}

func (h *handler) handleInfo(c *gin.Context) {
	var req queryclient.TieredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	details := make([]queryclient.RequestDetails, 0, len(req.Sources))
	for _, s := range req.Sources {
		details = append(details, queryclient.RequestDetails{Server: s, Status: queryclient.StatusSuccess, HTTPResponseCode: http.StatusOK})
	}
	if len(details) == 0 {
		details = append(details, queryclient.RequestDetails{Server: h.self, Status: queryclient.StatusSuccess, HTTPResponseCode: http.StatusOK})
	}

	c.JSON(http.StatusOK, queryclient.CounterInfoResponse{
		Counters:         []queryclient.CounterInfo{h.info},
		RequestDetails:   details,
		HTTPResponseCode: http.StatusOK,
	})
}

// dimensionFilters extracts non-reserved query-string filters, dropping
// "percentile" case-insensitively.
func dimensionFilters(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if strings.EqualFold(k, "percentile") || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func filterSamples(samples []queryclient.DataSample, filters map[string]string) []queryclient.DataSample {
	if len(filters) == 0 {
		return samples
	}
	out := make([]queryclient.DataSample, 0, len(samples))
	for _, s := range samples {
		if matchesFilters(s.Dimensions, filters) {
			out = append(out, s)
		}
	}
	return out
}

func matchesFilters(dims dimset.DimensionSpecification, filters map[string]string) bool {
	for k, v := range filters {
		if dims[k] != v {
			return false
		}
	}
	return true
}

var (
	errEmptyDataFile   = dataFileError("data file has no records")
	errUnknownDataType = dataFileError("data file has an unrecognized data type")
)

type dataFileError string

func (e dataFileError) Error() string { return string(e) }
