package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	DroppedPerSecond    = metric.NewCounter("10s1s")
)

var (
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bm",
		Name:      "bcmp_messages_total",
		Help:      "BCMP messages by direction and type",
	}, []string{"direction", "type"})
	DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bm",
		Name:      "bcmp_dispatch_errors_total",
		Help:      "Inbound messages rejected by the dispatcher",
	}, []string{"reason"})
	Dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bm",
		Name:      "dispatch_queue_drops_total",
		Help:      "Inbound frames dropped because the dispatch queue was full",
	})
	Forwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bm",
		Name:      "bcmp_forwarded_total",
		Help:      "Messages re-sent on behalf of another node",
	})
	NeighborsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bm",
		Name:      "neighbors_online",
		Help:      "Neighbors currently considered online",
	})
	DfuUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bm",
		Name:      "dfu_updates_total",
		Help:      "Finished firmware updates by outcome",
	}, []string{"result"})
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("bm:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("bm:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("bm:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("bm:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("bm:Dropped/s", DroppedPerSecond)
	expvar.Publish("bm:DispatchLatency (µs)", DispatchLatency)

	prometheus.MustRegister(Messages, DispatchErrors, Dropped, Forwarded, NeighborsOnline, DfuUpdates)
}
