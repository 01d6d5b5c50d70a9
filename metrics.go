package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/codes"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

// Metrics contains all Prometheus metrics for the daemon
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	// RPC method metrics
	RPCRequests *prometheus.CounterVec

	// Signing metrics
	SignRequests *prometheus.CounterVec
	SignLatency  *prometheus.HistogramVec
	KeyringSize  prometheus.Gauge
	BufferInUse  prometheus.Gauge
	BufferDepth  prometheus.Gauge
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iqkms_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "iqkms_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "iqkms_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "iqkms_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iqkms_rpc_requests_total",
				Help: "The total number of RPC requests by method and status code",
			},
			[]string{"method", "code"},
		),
		SignRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iqkms_sign_requests_total",
				Help: "The total number of signing attempts by method and status code",
			},
			[]string{"method", "code"},
		),
		SignLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iqkms_sign_duration_seconds",
				Help:    "Time spent producing a signature, including buffer wait",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method"},
		),
		KeyringSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iqkms_keyring_keys",
			Help: "The number of keys held in the keyring",
		}),
		BufferInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iqkms_sign_buffer_in_flight",
			Help: "The number of signing operations holding a buffer slot",
		}),
		BufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iqkms_sign_buffer_depth",
			Help: "The maximum number of concurrent signing operations",
		}),
	}
}

func (m *Metrics) HandleConnect(_, _ string) {
	m.ConnectionsTotal.Inc()
	m.ConnectedClients.Inc()
}

func (m *Metrics) HandleDisconnect(_, _ string) {
	m.ConnectedClients.Dec()
}

func (m *Metrics) HandleMessageReceived(_ []byte) {
	m.MessageReceived.Inc()
}

func (m *Metrics) HandleMessageSent(_ []byte) {
	m.MessageSent.Inc()
}

// RecordRequest counts a handled RPC request.
func (m *Metrics) RecordRequest(method string, code codes.Code, _ time.Duration) {
	m.RPCRequests.WithLabelValues(method, code.String()).Inc()
}

// RecordSign counts a signing attempt and observes its latency.
func (m *Metrics) RecordSign(method string, code codes.Code, took time.Duration) {
	m.SignRequests.WithLabelValues(method, code.String()).Inc()
	m.SignLatency.WithLabelValues(method).Observe(took.Seconds())
}

// signerStats is the view of the signing stack the metrics loop samples.
type signerStats interface {
	Len() int
	InFlight() int64
	Depth() int
}

// RecordMetricsPeriodically samples keyring and buffer gauges until ctx ends.
func (m *Metrics) RecordMetricsPeriodically(ctx context.Context, stats signerStats, interval time.Duration, lg log.Logger) {
	lg = lg.WithName("metrics")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample(stats)
	for {
		select {
		case <-ctx.Done():
			lg.Debug("stopped metrics sampling")
			return
		case <-ticker.C:
			m.sample(stats)
		}
	}
}

func (m *Metrics) sample(stats signerStats) {
	m.KeyringSize.Set(float64(stats.Len()))
	m.BufferInUse.Set(float64(stats.InFlight()))
	m.BufferDepth.Set(float64(stats.Depth()))
}
