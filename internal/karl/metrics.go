package karl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	keepalivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karl_keepalives_received_total",
		Help: "Total number of keepalives ingested, by service",
	},
		[]string{"service"},
	)

	keepaliveErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karl_keepalive_errors_total",
		Help: "Total number of rejected keepalives, by reason",
	},
		[]string{"reason"},
	)

	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karl_timeouts_total",
		Help: "Total number of claires flipped to DisconnectedByTimeout",
	})

	deregistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karl_deregistrations_total",
		Help: "Total number of explicit claire deregistrations",
	})

	statusRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karl_status_requests_total",
		Help: "Total number of status page requests, by response format",
	},
		[]string{"format"},
	)

	proxyConfigUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karl_proxy_config_updates_total",
		Help: "Total number of reverse-proxy config rewrites",
	})
)
