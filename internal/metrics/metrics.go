// Package metrics exposes domain and resource-accounting state as
// Prometheus gauges, grounded on the promauto usage of syncthing's
// lib/connections/metrics.go and lib/model/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pombredanne/paf/internal/resource"
)

// DomainView is the read surface metrics needs from a domain; satisfied
// by *domain.Domain without metrics having to import the domain package
// for anything but the counts.
type DomainView interface {
	ServiceCount() int
	SubscriptionCount() int
	ClientCount() int
	ResourceTotal(kind resource.Kind) int
}

var (
	servicesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pathfinder",
		Subsystem: "domain",
		Name:      "services",
		Help:      "Number of services currently catalogued, per domain.",
	}, []string{"domain"})

	subscriptionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pathfinder",
		Subsystem: "domain",
		Name:      "subscriptions",
		Help:      "Number of active subscriptions, per domain.",
	}, []string{"domain"})

	clientsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pathfinder",
		Subsystem: "domain",
		Name:      "clients",
		Help:      "Number of live client sessions, per domain.",
	}, []string{"domain"})

	resourceTotalGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pathfinder",
		Subsystem: "resource",
		Name:      "total",
		Help:      "Domain-wide resource counter totals.",
	}, []string{"domain", "resource"})
)

// Sample pushes a point-in-time snapshot of one domain's gauges. Callers
// typically call this periodically, e.g. from a suture.Service ticking
// on an interval the way lib/connections' own metrics do on every
// connection state change.
func Sample(domainName string, view DomainView) {
	servicesGauge.WithLabelValues(domainName).Set(float64(view.ServiceCount()))
	subscriptionsGauge.WithLabelValues(domainName).Set(float64(view.SubscriptionCount()))
	clientsGauge.WithLabelValues(domainName).Set(float64(view.ClientCount()))

	for _, kind := range []resource.Kind{resource.Clients, resource.Services, resource.Subscriptions, resource.FilterNodes} {
		resourceTotalGauge.WithLabelValues(domainName, kind.String()).Set(float64(view.ResourceTotal(kind)))
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
