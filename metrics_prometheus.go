package pronet

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetrics layers a prometheus.Collector over a DefaultMetrics so
// cmd/msgserver and cmd/c2s can expose counters on a /metrics endpoint
// without the hot path ever touching a prometheus type directly.
type PrometheusMetrics struct {
	*DefaultMetrics

	framesSentDesc         *prometheus.Desc
	framesReceivedDesc     *prometheus.Desc
	bytesSentDesc          *prometheus.Desc
	bytesReceivedDesc      *prometheus.Desc
	dropsDesc              *prometheus.Desc
	backpressureDesc       *prometheus.Desc
	handshakeFailuresDesc  *prometheus.Desc
	activeLinksDesc        *prometheus.Desc
}

// NewPrometheusMetrics builds a Metrics implementation that is also a
// prometheus.Collector; register it with a prometheus.Registry and pass it
// as the Metrics via WithMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	label := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, nil)
	}
	return &PrometheusMetrics{
		DefaultMetrics:        NewDefaultMetrics(),
		framesSentDesc:        label("frames_sent_total", "Frames sent across all links."),
		framesReceivedDesc:    label("frames_received_total", "Frames received across all links."),
		bytesSentDesc:         label("bytes_sent_total", "Bytes sent across all links."),
		bytesReceivedDesc:     label("bytes_received_total", "Bytes received across all links."),
		dropsDesc:             label("drops_total", "Frames dropped (decode failure, unroutable destination)."),
		backpressureDesc:      label("backpressure_events_total", "SendPacket calls that hit the send redline."),
		handshakeFailuresDesc: label("handshake_failures_total", "Handshakes that didn't reach Established."),
		activeLinksDesc:       label("active_links", "Currently established links."),
	}
}

func (p *PrometheusMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.framesSentDesc
	ch <- p.framesReceivedDesc
	ch <- p.bytesSentDesc
	ch <- p.bytesReceivedDesc
	ch <- p.dropsDesc
	ch <- p.backpressureDesc
	ch <- p.handshakeFailuresDesc
	ch <- p.activeLinksDesc
}

func (p *PrometheusMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.framesSentDesc, prometheus.CounterValue, float64(p.GetFramesSent()))
	ch <- prometheus.MustNewConstMetric(p.framesReceivedDesc, prometheus.CounterValue, float64(p.GetFramesReceived()))
	ch <- prometheus.MustNewConstMetric(p.bytesSentDesc, prometheus.CounterValue, float64(p.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(p.bytesReceivedDesc, prometheus.CounterValue, float64(p.GetBytesReceived()))
	ch <- prometheus.MustNewConstMetric(p.dropsDesc, prometheus.CounterValue, float64(p.GetDrops()))
	ch <- prometheus.MustNewConstMetric(p.backpressureDesc, prometheus.CounterValue, float64(p.GetBackpressureEvents()))
	ch <- prometheus.MustNewConstMetric(p.handshakeFailuresDesc, prometheus.CounterValue, float64(p.GetHandshakeFailures()))
	ch <- prometheus.MustNewConstMetric(p.activeLinksDesc, prometheus.GaugeValue, float64(p.GetActiveLinks()))
}
