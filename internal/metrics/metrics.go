// Package metrics exposes Prometheus collectors for the USB/IP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "usbipd"

// Metrics tracks sessions, transfers and handshakes.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// Sessions is the number of currently attached devices.
	Sessions prometheus.Gauge

	// Inflight is the number of transfers in a pending table.
	Inflight prometheus.Gauge

	// Transfers counts resolved transfers by kind and result.
	Transfers *prometheus.CounterVec

	// Bytes counts payload bytes moved, by direction.
	Bytes *prometheus.CounterVec

	// Unlinks counts CMD_UNLINK requests by result ("cancelled" or "missed").
	Unlinks *prometheus.CounterVec

	// Handshakes counts management requests by op and status.
	Handshakes *prometheus.CounterVec
}

// New creates and registers the collectors with reg. If reg is nil the
// collectors are created but not registered.
//
// Collectors already present in reg are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of currently attached devices",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "urb",
			Name:      "inflight",
			Help:      "Number of transfers awaiting completion or cancellation",
		}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urb",
			Name:      "transfers_total",
			Help:      "Total number of resolved transfers",
		}, []string{"kind", "result"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urb",
			Name:      "bytes_total",
			Help:      "Total payload bytes transferred",
		}, []string{"direction"}),
		Unlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urb",
			Name:      "unlinks_total",
			Help:      "Total number of unlink requests",
		}, []string{"result"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of management requests",
		}, []string{"op", "status"}),
	}

	if reg != nil {
		m.Sessions = registerOrReuse(reg, m.Sessions).(prometheus.Gauge)
		m.Inflight = registerOrReuse(reg, m.Inflight).(prometheus.Gauge)
		m.Transfers = registerOrReuse(reg, m.Transfers).(*prometheus.CounterVec)
		m.Bytes = registerOrReuse(reg, m.Bytes).(*prometheus.CounterVec)
		m.Unlinks = registerOrReuse(reg, m.Unlinks).(*prometheus.CounterVec)
		m.Handshakes = registerOrReuse(reg, m.Handshakes).(*prometheus.CounterVec)
	}
	return m
}

// registerOrReuse registers c, returning the existing collector when an equal
// one is already registered. Panics on other registration errors.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

// TransferPending marks a transfer as entered into a pending table.
func (m *Metrics) TransferPending() {
	if m == nil {
		return
	}
	m.Inflight.Inc()
}

// TransferResolved records the outcome of a transfer. pending is false for
// transfers answered without entering a pending table.
func (m *Metrics) TransferResolved(kind string, status int32, direction string, n int, pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.Inflight.Dec()
	}
	result := "ok"
	if status != 0 {
		result = "error"
	}
	m.Transfers.WithLabelValues(kind, result).Inc()
	if n > 0 {
		m.Bytes.WithLabelValues(direction).Add(float64(n))
	}
}

// TransferCancelled records an unlink. cancelled is true when the unlink
// removed a pending transfer.
func (m *Metrics) TransferCancelled(cancelled bool) {
	if m == nil {
		return
	}
	if cancelled {
		m.Inflight.Dec()
		m.Unlinks.WithLabelValues("cancelled").Inc()
		return
	}
	m.Unlinks.WithLabelValues("missed").Inc()
}

// Handshake records one OP_REQ_* request.
func (m *Metrics) Handshake(op string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "na"
	}
	m.Handshakes.WithLabelValues(op, status).Inc()
}

// TransfersDropped records pending transfers discarded by session teardown.
func (m *Metrics) TransfersDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Inflight.Sub(float64(n))
	m.Transfers.WithLabelValues("any", "dropped").Add(float64(n))
}
