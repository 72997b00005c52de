// Package metrics exposes prometheus collectors for the cache proxy
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// LookupResult describes the outcome of a cache lookup
type LookupResult string

// Known lookup results
const (
	LookupHit   LookupResult = "hit"
	LookupMiss  LookupResult = "miss"
	LookupError LookupResult = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statuscache_requests_total",
		Help: "Counter tracking handled requests by method and response code",
	}, []string{"method", "code"})

	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statuscache_cache_lookups_total",
		Help: "Counter tracking cache lookups by result",
	}, []string{"result"})

	upstreamFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statuscache_upstream_fetches_total",
		Help: "Counter tracking upstream fetches by result",
	}, []string{"result"})

	writeBackFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statuscache_writeback_failures_total",
		Help: "Counter tracking failed cache write-backs after upstream fetches",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		cacheLookupsTotal,
		upstreamFetchesTotal,
		writeBackFailuresTotal,
	)
}

// IncRequestsTotal counts a handled request
func IncRequestsTotal(method string, code int) {
	requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// IncCacheLookups counts a cache lookup
func IncCacheLookups(result LookupResult) {
	cacheLookupsTotal.WithLabelValues(string(result)).Inc()
}

// IncUpstreamFetches counts an upstream fetch, failed when err is set
func IncUpstreamFetches(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	upstreamFetchesTotal.WithLabelValues(result).Inc()
}

// IncWriteBackFailures counts a failed write-back
func IncWriteBackFailures() {
	writeBackFailuresTotal.Inc()
}
