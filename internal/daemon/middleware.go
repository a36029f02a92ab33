package daemon

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Observer records one admin request. Both p2pnet.Metrics and
// rendezvous.Metrics implement it.
type Observer interface {
	ObserveRequest(method, path, status string, seconds float64)
}

// InstrumentHandler wraps next so every request is recorded under route.
// The route is the registered path, not the request path, which keeps label
// cardinality fixed. A nil observer returns next unchanged.
func InstrumentHandler(next http.Handler, route string, obs Observer) http.Handler {
	if obs == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		obs.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
