// Package metrics exposes the fabric's live state as prometheus metrics: a
// custom Collector that pulls gauges straight from the router and
// acceptor on every scrape, rather than pushing counters from call sites.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterSource is the subset of router.Table a Collector needs. Kept
// minimal and structural so internal/metrics never imports internal/router
// directly (the dependency runs the other way: cmd/hub wires a *router.Table
// in as this interface).
type RouterSource interface {
	PendingCount() int
	LinkCount() int
}

// AcceptorSource is the subset of handshake.Acceptor a Collector needs.
type AcceptorSource interface {
	Accepted() uint64
	Rejected() uint64
	Pending() int
}

// Collector implements prometheus.Collector over a fixed set of
// descriptions, re-reading RouterSource/AcceptorSource on every Collect
// call (the Describe/Collect split follows the collector shape used for
// per-connection TCP stats elsewhere in this stack).
type Collector struct {
	router   RouterSource
	acceptor AcceptorSource

	pendingLogins *prometheus.Desc
	routedUsers   *prometheus.Desc
	accepted      *prometheus.Desc
	rejected      *prometheus.Desc
	pendingAccept *prometheus.Desc
}

// NewCollector builds a Collector over the given router and acceptor. Pass
// a constLabels set (e.g. {"node": "hub-1"}) to disambiguate multiple
// processes scraped by the same prometheus target.
func NewCollector(router RouterSource, acceptor AcceptorSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("relay_%s", name), help, nil, constLabels)
	}
	return &Collector{
		router:        router,
		acceptor:      acceptor,
		pendingLogins: desc("pending_logins", "Number of login admissions currently in flight."),
		routedUsers:   desc("routed_users", "Number of distinct users currently resolvable to a link."),
		accepted:      desc("accepted_connections_total", "Total connections accepted by the acceptor."),
		rejected:      desc("rejected_connections_total", "Total connections rejected by the acceptor (pending cap, preamble failure)."),
		pendingAccept: desc("pending_accepts", "Connections accepted at the socket level but not yet handshaken."),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.pendingLogins
	descs <- c.routedUsers
	descs <- c.accepted
	descs <- c.rejected
	descs <- c.pendingAccept
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	if c.router != nil {
		metrics <- prometheus.MustNewConstMetric(c.pendingLogins, prometheus.GaugeValue, float64(c.router.PendingCount()))
		metrics <- prometheus.MustNewConstMetric(c.routedUsers, prometheus.GaugeValue, float64(c.router.LinkCount()))
	}
	if c.acceptor != nil {
		metrics <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(c.acceptor.Accepted()))
		metrics <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(c.acceptor.Rejected()))
		metrics <- prometheus.MustNewConstMetric(c.pendingAccept, prometheus.GaugeValue, float64(c.acceptor.Pending()))
	}
}
