// Package metrics exposes session counters to Prometheus on a private
// registry.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skylink"

// Collector holds every metric of the process.
type Collector struct {
	registry *prometheus.Registry

	devicesKnown     *prometheus.GaugeVec
	devicesConnected *prometheus.GaugeVec
	connections      *prometheus.CounterVec
	connectionsLost  *prometheus.CounterVec

	commandsSent    *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	componentsAlive *prometheus.GaugeVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	wsClients           prometheus.Gauge
}

// New creates a collector with Go and process metrics registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		devicesKnown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "known",
				Help:      "Number of devices in the session",
			},
			[]string{"model"},
		),
		devicesConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "connected",
				Help:      "Number of connected devices",
			},
			[]string{"model"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "connections_total",
				Help:      "Connection attempts by result",
			},
			[]string{"technology", "result"},
		),
		connectionsLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "connections_lost_total",
				Help:      "Links that went down without being asked to",
			},
			[]string{"technology"},
		),

		commandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "commands_total",
				Help:      "Commands handed to device links",
			},
			[]string{"feature", "result"},
		),
		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "events_total",
				Help:      "Feature events received from devices",
			},
			[]string{"feature"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "events_dropped_total",
				Help:      "Malformed feature events ignored",
			},
			[]string{"feature"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settings",
				Name:      "rollbacks_total",
				Help:      "Setting requests the device never confirmed",
			},
			[]string{"setting"},
		),
		componentsAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "components",
				Name:      "published",
				Help:      "Published components by kind",
			},
			[]string{"uid", "kind"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "websocket_clients",
				Help:      "Connected websocket clients",
			},
		),
	}

	registry.MustRegister(
		c.devicesKnown,
		c.devicesConnected,
		c.connections,
		c.connectionsLost,
		c.commandsSent,
		c.eventsReceived,
		c.eventsDropped,
		c.rollbacks,
		c.componentsAlive,
		c.httpRequests,
		c.httpRequestDuration,
		c.wsClients,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Registry returns the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SetDeviceCounts replaces the per-model device gauges.
func (c *Collector) SetDeviceCounts(known, connected map[string]int) {
	c.devicesKnown.Reset()
	c.devicesConnected.Reset()
	for model, n := range known {
		c.devicesKnown.WithLabelValues(model).Set(float64(n))
	}
	for model, n := range connected {
		c.devicesConnected.WithLabelValues(model).Set(float64(n))
	}
}

// RecordConnection counts a finished connection attempt.
func (c *Collector) RecordConnection(technology, result string) {
	c.connections.WithLabelValues(technology, result).Inc()
}

func (c *Collector) RecordConnectionLost(technology string) {
	c.connectionsLost.WithLabelValues(technology).Inc()
}

// RecordCommand counts a command and whether the link accepted it.
func (c *Collector) RecordCommand(feature string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "refused"
	}
	c.commandsSent.WithLabelValues(feature, result).Inc()
}

func (c *Collector) RecordEvent(feature string) {
	c.eventsReceived.WithLabelValues(feature).Inc()
}

func (c *Collector) RecordDroppedEvent(feature string) {
	c.eventsDropped.WithLabelValues(feature).Inc()
}

func (c *Collector) RecordRollback(setting string) {
	c.rollbacks.WithLabelValues(setting).Inc()
}

// SetPublishedComponents records how many components of kind device uid
// currently publishes.
func (c *Collector) SetPublishedComponents(uid, kind string, n int) {
	c.componentsAlive.WithLabelValues(uid, kind).Set(float64(n))
}

// ForgetDevice drops the per-device series of uid.
func (c *Collector) ForgetDevice(uid string) {
	c.componentsAlive.DeletePartialMatch(prometheus.Labels{"uid": uid})
}

func (c *Collector) WebsocketConnected()    { c.wsClients.Inc() }
func (c *Collector) WebsocketDisconnected() { c.wsClients.Dec() }

// HTTPHandler returns the Prometheus scrape handler.
func (c *Collector) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware records request counts and durations.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, fmt.Sprintf("%d", status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes the websocket upgrade through to the real writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
