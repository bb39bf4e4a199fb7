// Package metrics exposes the router's Prometheus metrics, adapted
// from the teacher's metrics/metrics.go (package-level CounterVecs plus
// an Init/Handler pair) and generalized from per-query cache/database
// counters to the routing-engine observables of spec.md §4.4–§4.7:
// which target a statement routed to, which error kind fired, and how
// often keep-alive pings fire.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RouteTotal counts statements by the route target they resolved
	// to: "primary", "replica", or "all".
	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwsplit_route_total",
			Help: "Total statements routed, by target",
		},
		[]string{"target"},
	)

	// ErrorTotal counts routing failures by the spec.md §7 error kind
	// that produced them.
	ErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwsplit_error_total",
			Help: "Total routing errors, by kind",
		},
		[]string{"kind"},
	)

	// KeepaliveTotal counts ignorable keep-alive pings sent to idle
	// backends.
	KeepaliveTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwsplit_keepalive_total",
			Help: "Total keep-alive pings sent to idle backends",
		},
	)

	// BackendUp tracks the monitor's last-published reachability for
	// each named server.
	BackendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rwsplit_backend_up",
			Help: "Whether the monitor currently considers a backend reachable",
		},
		[]string{"server"},
	)

	once sync.Once
)

// Init registers every metric with the default Prometheus registry.
// It is safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(RouteTotal)
		prometheus.MustRegister(ErrorTotal)
		prometheus.MustRegister(KeepaliveTotal)
		prometheus.MustRegister(BackendUp)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector adapts the package-level vectors to router.Metrics, so the
// routing engine never imports the prometheus client directly.
type Collector struct{}

func (Collector) ObserveRoute(target string) { RouteTotal.WithLabelValues(target).Inc() }
func (Collector) ObserveError(kind string)    { ErrorTotal.WithLabelValues(kind).Inc() }
func (Collector) ObserveKeepalive()           { KeepaliveTotal.Inc() }

// SetBackendUp records the monitor's latest reachability verdict for
// a named server.
func SetBackendUp(server string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	BackendUp.WithLabelValues(server).Set(v)
}
