// Package metrics holds the prometheus instrumentation for the registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics for the registry service
type Metrics struct {
	Operations      *prometheus.CounterVec
	OperationErrors *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all prometheus metrics with the default registerer
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all prometheus metrics and registers them with reg.
// Tests pass their own registry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornet_registry_operations_total",
			Help: "Total number of registry operations by kind and operation",
		}, []string{"kind", "operation"}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornet_registry_operation_errors_total",
			Help: "Total number of failed registry operations by kind and error class",
		}, []string{"kind", "error"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornet_events_published_total",
			Help: "Total number of lifecycle events handed to publishers",
		}, []string{"topic"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornet_events_failed_total",
			Help: "Total number of lifecycle events that could not be delivered",
		}, []string{"topic"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sensornet_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentRoutes adds a middleware to router that records request
// durations per route template.
func (m *Metrics) InstrumentRoutes(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			h.ServeHTTP(recorder, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			m.RequestDuration.WithLabelValues(route, r.Method,
				strconv.Itoa(recorder.status)).Observe(time.Since(start).Seconds())
		})
	})
}
