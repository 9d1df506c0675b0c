// Package metrics exposes corenet's router, ARP cache, cTCP and BBR state
// as Prometheus metrics — an addition beyond the forwarding/transport core,
// which has no observability layer of its own).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypat/corenet/bbr"
	"github.com/soypat/corenet/ctcp"
	"github.com/soypat/corenet/router"
)

// RouterSource is the subset of router.Engine/router.ArpCache the
// collector reads through callbacks, matching the exporter's
// read-through-callback style rather than duplicating state.
type RouterSource struct {
	Engine *router.Engine
	Arp    *router.ArpCache
}

// ConnSource pairs a connection's cTCP and BBR state for metrics labeling.
// ConnID correlates back to ctcp.Conn's identity.
type ConnSource struct {
	ConnID uint64
	Conn   *ctcp.Conn
	BBR    *bbr.Controller
}

// Collector implements prometheus.Collector over zero or more routers and
// zero or more cTCP connections, grounded on
// runZeroInc-conniver/pkg/exporter/exporter.go's TCPInfoCollector.
type Collector struct {
	routers []RouterSource
	conns   func() []ConnSource

	descFramesTotal        *prometheus.Desc
	descArpCacheSize       *prometheus.Desc
	descArpPending         *prometheus.Desc
	descArpHostUnreachable *prometheus.Desc
	descRetransmitsTotal   *prometheus.Desc
	descUnackedBytes       *prometheus.Desc
	descBBRMode            *prometheus.Desc
	descBBRBtlBw           *prometheus.Desc
	descBBRRTProp          *prometheus.Desc
	descBBRPacingRate      *prometheus.Desc
	descBBRCwnd            *prometheus.Desc
}

// NewCollector builds a Collector over the given router sources. conns, if
// non-nil, is polled on every Collect to enumerate live cTCP connections;
// callers with no cTCP traffic to report may pass nil.
func NewCollector(routers []RouterSource, conns func() []ConnSource) *Collector {
	return &Collector{
		routers: routers,
		conns:   conns,

		descFramesTotal: prometheus.NewDesc(
			"corenet_router_frames_total", "Frames processed by the forwarding engine, by result.",
			[]string{"result"}, nil),
		descArpCacheSize: prometheus.NewDesc(
			"corenet_arp_cache_size", "Number of live entries in the ARP cache.", nil, nil),
		descArpPending: prometheus.NewDesc(
			"corenet_arp_requests_pending", "Number of IPs with an outstanding ARP request.", nil, nil),
		descArpHostUnreachable: prometheus.NewDesc(
			"corenet_arp_host_unreachable_total", "ArpRequests destroyed by retry exhaustion.", nil, nil),
		descRetransmitsTotal: prometheus.NewDesc(
			"corenet_ctcp_retransmits_total", "Segments retransmitted by cTCP connections.", []string{"conn"}, nil),
		descUnackedBytes: prometheus.NewDesc(
			"corenet_ctcp_unacked_bytes", "Bytes currently inflight (sent, unacknowledged).", []string{"conn"}, nil),
		descBBRMode: prometheus.NewDesc(
			"corenet_bbr_mode", "Current BBR mode as an enum (0=STARTUP,1=DRAIN,2=PROBE_BW,3=PROBE_RTT).", []string{"conn"}, nil),
		descBBRBtlBw: prometheus.NewDesc(
			"corenet_bbr_btlbw", "Estimated bottleneck bandwidth, bytes/sec.", []string{"conn"}, nil),
		descBBRRTProp: prometheus.NewDesc(
			"corenet_bbr_rtprop_micros", "Estimated round-trip propagation delay, microseconds.", []string{"conn"}, nil),
		descBBRPacingRate: prometheus.NewDesc(
			"corenet_bbr_pacing_rate", "Current pacing rate, bytes/sec.", []string{"conn"}, nil),
		descBBRCwnd: prometheus.NewDesc(
			"corenet_bbr_cwnd", "Current congestion window, bytes.", []string{"conn"}, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.descFramesTotal
	descs <- c.descArpCacheSize
	descs <- c.descArpPending
	descs <- c.descArpHostUnreachable
	descs <- c.descRetransmitsTotal
	descs <- c.descUnackedBytes
	descs <- c.descBBRMode
	descs <- c.descBBRBtlBw
	descs <- c.descBBRRTProp
	descs <- c.descBBRPacingRate
	descs <- c.descBBRCwnd
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, rs := range c.routers {
		if rs.Engine != nil {
			stats := rs.Engine.Stats()
			metrics <- prometheus.MustNewConstMetric(c.descFramesTotal, prometheus.CounterValue, float64(stats.FramesForwarded), "forwarded")
			metrics <- prometheus.MustNewConstMetric(c.descFramesTotal, prometheus.CounterValue, float64(stats.FramesDropped), "dropped")
			metrics <- prometheus.MustNewConstMetric(c.descFramesTotal, prometheus.CounterValue, float64(stats.ICMPSent), "icmp")
		}
		if rs.Arp != nil {
			metrics <- prometheus.MustNewConstMetric(c.descArpCacheSize, prometheus.GaugeValue, float64(rs.Arp.Size()))
			metrics <- prometheus.MustNewConstMetric(c.descArpPending, prometheus.GaugeValue, float64(rs.Arp.PendingRequests()))
			metrics <- prometheus.MustNewConstMetric(c.descArpHostUnreachable, prometheus.CounterValue, float64(rs.Arp.HostUnreachableTotal()))
		}
	}

	if c.conns == nil {
		return
	}
	for _, cs := range c.conns() {
		label := connLabel(cs.ConnID)
		if cs.Conn != nil {
			metrics <- prometheus.MustNewConstMetric(c.descRetransmitsTotal, prometheus.CounterValue, float64(cs.Conn.RetransmitsTotal()), label)
			metrics <- prometheus.MustNewConstMetric(c.descUnackedBytes, prometheus.GaugeValue, float64(cs.Conn.InflightBytes()), label)
		}
		if cs.BBR != nil {
			st := cs.BBR.Snapshot()
			metrics <- prometheus.MustNewConstMetric(c.descBBRMode, prometheus.GaugeValue, float64(st.Mode), label)
			metrics <- prometheus.MustNewConstMetric(c.descBBRBtlBw, prometheus.GaugeValue, float64(st.BtlBw), label)
			metrics <- prometheus.MustNewConstMetric(c.descBBRRTProp, prometheus.GaugeValue, float64(st.RTProp), label)
			metrics <- prometheus.MustNewConstMetric(c.descBBRPacingRate, prometheus.GaugeValue, float64(st.PacingRate), label)
			metrics <- prometheus.MustNewConstMetric(c.descBBRCwnd, prometheus.GaugeValue, float64(st.Cwnd), label)
		}
	}
}

func connLabel(connID uint64) string {
	return strconv.FormatUint(connID, 10)
}
