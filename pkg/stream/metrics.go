package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karl_stream_published_entries_total",
		Help: "Total number of entries published per stream",
	},
		[]string{"stream"},
	)

	subscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "karl_stream_subscribers",
		Help: "Number of live subscriber workers per stream",
	},
		[]string{"stream"},
	)

	httpSubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karl_stream_http_subscriptions_total",
		Help: "Total number of HTTP chunked subscriptions opened per stream",
	},
		[]string{"stream"},
	)
)
