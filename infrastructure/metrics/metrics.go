package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_sessions",
		Help: "Reconciler sessions currently open",
	})
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_appended_total",
		Help: "Messages persisted to the durable log",
	})
	BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_dropped_total",
		Help: "Realtime events dropped because a subscriber was slow or gone",
	}, []string{"reason"})
	SyncRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_resubscribe_total",
		Help: "Snapshot stream resubscriptions after failure",
	})
	Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbound_notifications_total",
		Help: "New inbound message notifications emitted",
	})
)

var once sync.Once

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, Sessions, MessagesAppended, BusDropped, SyncRetries, Notifications)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
