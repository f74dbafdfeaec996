package tcp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a [prometheus.Collector] a [Listener] reports through
// optionally, wired at construction time with [Listener.SetMetrics]. Every
// counter is purely observational (SPEC_FULL.md §B): nothing on this struct
// ever influences a protocol decision, so leaving it nil (the zero-value
// default) changes no behavior.
//
// Grounded on the hand-rolled [prometheus.Collector] shape in
// runZeroInc-conniver's pkg/exporter/exporter.go (Describe/Collect over a
// fixed []info table of descriptors+suppliers), adapted from "read live
// kernel TCP_INFO on demand" to "accumulate counters as the engine runs".
type Metrics struct {
	segsIn      atomic.Int64
	segsOut     atomic.Int64
	dropsByKind [5]atomic.Int64 // indexed by ErrKind.
	retransmits atomic.Int64
	fastRecover atomic.Int64
	cookieOK    atomic.Int64
	cookieBad   atomic.Int64

	// occupancy is a callback into the owning Listener's table, read at
	// Collect time rather than pushed, since occupancy isn't an event.
	occupancy func() (used, capacity int)
}

var (
	descSegsIn = prometheus.NewDesc("lneto_tcp_segments_in_total", "TCP segments received.", nil, nil)
	descSegsOut = prometheus.NewDesc("lneto_tcp_segments_out_total", "TCP segments transmitted.", nil, nil)
	descDrops = prometheus.NewDesc("lneto_tcp_segment_drops_total", "Segments dropped, by error-taxonomy kind (spec.md §7).", []string{"kind"}, nil)
	descRetransmits = prometheus.NewDesc("lneto_tcp_retransmits_total", "Segments retransmitted by the alarm wheel's retransmit timer.", nil, nil)
	descFastRecover = prometheus.NewDesc("lneto_tcp_fast_recoveries_total", "Times fast recovery was entered on a third duplicate ACK.", nil, nil)
	descCookieOK = prometheus.NewDesc("lneto_tcp_cookie_accepts_total", "SYN cookies that validated on the returning ACK.", nil, nil)
	descCookieBad = prometheus.NewDesc("lneto_tcp_cookie_rejects_total", "SYN cookies rejected as invalid or stale.", nil, nil)
	descTableOccupancy = prometheus.NewDesc("lneto_tcp_conntable_occupancy_ratio", "Connection table entries in use over capacity (spec.md §4.8).", nil, nil)
)

var errKindNames = [5]string{"malformed", "unacceptable", "policy", "fatal", "resource"}

// NewMetrics builds an unregistered collector; pass it to
// [Listener.SetMetrics] and register the listener's *Metrics with a
// [prometheus.Registry] separately, the caller's choice of default registry
// or otherwise (this package never touches a global registry itself).
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) observeSegIn()  { m.segsIn.Add(1) }
func (m *Metrics) observeSegOut() { m.segsOut.Add(1) }
func (m *Metrics) observeDrop(kind ErrKind) {
	if int(kind) < len(m.dropsByKind) {
		m.dropsByKind[kind].Add(1)
	}
}
func (m *Metrics) observeRetransmit()   { m.retransmits.Add(1) }
func (m *Metrics) observeFastRecovery() { m.fastRecover.Add(1) }
func (m *Metrics) observeCookieAccept() { m.cookieOK.Add(1) }
func (m *Metrics) observeCookieReject() { m.cookieBad.Add(1) }

// Describe implements [prometheus.Collector].
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	descs <- descSegsIn
	descs <- descSegsOut
	descs <- descDrops
	descs <- descRetransmits
	descs <- descFastRecover
	descs <- descCookieOK
	descs <- descCookieBad
	descs <- descTableOccupancy
}

// Collect implements [prometheus.Collector].
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(descSegsIn, prometheus.CounterValue, float64(m.segsIn.Load()))
	metrics <- prometheus.MustNewConstMetric(descSegsOut, prometheus.CounterValue, float64(m.segsOut.Load()))
	for kind, name := range errKindNames {
		metrics <- prometheus.MustNewConstMetric(descDrops, prometheus.CounterValue, float64(m.dropsByKind[kind].Load()), name)
	}
	metrics <- prometheus.MustNewConstMetric(descRetransmits, prometheus.CounterValue, float64(m.retransmits.Load()))
	metrics <- prometheus.MustNewConstMetric(descFastRecover, prometheus.CounterValue, float64(m.fastRecover.Load()))
	metrics <- prometheus.MustNewConstMetric(descCookieOK, prometheus.CounterValue, float64(m.cookieOK.Load()))
	metrics <- prometheus.MustNewConstMetric(descCookieBad, prometheus.CounterValue, float64(m.cookieBad.Load()))
	if m.occupancy != nil {
		used, capacity := m.occupancy()
		if capacity > 0 {
			metrics <- prometheus.MustNewConstMetric(descTableOccupancy, prometheus.GaugeValue, float64(used)/float64(capacity))
		}
	}
}
