package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldstate_bus_published_entries_total",
		Help: "Entries appended to the log",
	})

	duplicatePublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldstate_bus_duplicate_publishes_total",
		Help: "Keyed publishes that matched an existing entry",
	})

	deliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldstate_bus_delivered_events_total",
		Help: "Events handed to consumers, by group",
	}, []string{"group"})

	reclaimedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worldstate_bus_reclaimed_entries_total",
		Help: "Idle pending entries moved to another consumer, by group",
	}, []string{"group"})

	trimmedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worldstate_bus_trimmed_entries_total",
		Help: "Entries removed by age or length",
	})

	activeSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worldstate_bus_subscriptions",
		Help: "Open subscriptions, by group",
	}, []string{"group"})

	groupLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worldstate_bus_group_lag",
		Help: "Entries not yet delivered to the group",
	}, []string{"group"})
)
