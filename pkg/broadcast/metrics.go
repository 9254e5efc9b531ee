package broadcast

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryandielhenn/zephyrcast/pkg/membership"
)

type metrics struct {
	published     prometheus.Counter
	delivered     prometheus.Counter
	duplicates    prometheus.Counter
	decodeErrors  prometheus.Counter
	gapDropped    prometheus.Counter
	backpressure  prometheus.Counter
	sinkDropped   prometheus.Counter
	sendFailures  prometheus.Counter
	connectFails  prometheus.Counter
	retries       prometheus.Counter
	outboundDrops prometheus.Counter
	discarded     prometheus.Counter
	peers         *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer, node string) (*metrics, error) {
	labels := prometheus.Labels{"node": node}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "zephyrcast",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &metrics{
		published:     counter("published_total", "Envelopes published by this node."),
		delivered:     counter("delivered_total", "Envelopes released to local subscribers."),
		duplicates:    counter("duplicates_total", "Inbound envelopes discarded as already seen."),
		decodeErrors:  counter("decode_errors_total", "Inbound frames dropped because they failed to decode."),
		gapDropped:    counter("gap_dropped_total", "Sequences skipped after a pending buffer overflow or a sender-side drop."),
		backpressure:  counter("backpressure_disconnects_total", "Subscribers disconnected for being too slow."),
		sinkDropped:   counter("sink_dropped_total", "Envelopes discarded by the DropOldest policy."),
		sendFailures:  counter("send_failures_total", "Failed frame writes on outbound links."),
		connectFails:  counter("connect_failures_total", "Failed attempts to open an outbound link."),
		retries:       counter("retries_total", "Retried outbound attempts."),
		outboundDrops: counter("outbound_dropped_total", "Frames dropped from a full outbound queue."),
		discarded:     counter("outbound_discarded_total", "Queued frames discarded when a peer left."),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "zephyrcast",
			Name:        "peers",
			Help:        "Known peers by membership state.",
			ConstLabels: labels,
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.delivered, m.duplicates, m.decodeErrors, m.gapDropped,
		m.backpressure, m.sinkDropped, m.sendFailures, m.connectFails, m.retries,
		m.outboundDrops, m.discarded, m.peers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register broadcast metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) setPeers(counts map[membership.State]int) {
	for state, n := range counts {
		m.peers.WithLabelValues(state.String()).Set(float64(n))
	}
}
