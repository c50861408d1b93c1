package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the client and coordinator.
type Metrics struct {
	RequestDuration   *prometheus.HistogramVec
	TransportAttempts prometheus.Counter
	AuthReplays       prometheus.Counter
	Refreshes         *prometheus.CounterVec
	SessionTeardowns  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "travel_client_request_duration_seconds",
			Help:    "Duration of backend calls including retries and auth replays",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "outcome"}),
		TransportAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "travel_client_transport_attempts_total",
			Help: "HTTP attempts sent on the wire, transient retries included",
		}),
		AuthReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "travel_client_auth_replays_total",
			Help: "Requests replayed after a token refresh",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "travel_client_token_refreshes_total",
			Help: "Backend token refresh exchanges by result",
		}, []string{"result"}),
		SessionTeardowns: f.NewCounter(prometheus.CounterOpts{
			Name: "travel_client_session_teardowns_total",
			Help: "Sessions cleared after an unrecoverable refresh failure",
		}),
	}
}
