package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message drop reasons
const (
	DropMalformed     = "malformed"
	DropMissingDevice = "missing_device"
	DropNoParameters  = "no_parameters"
	DropPersistence   = "persistence"
)

var (
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_readings_ingested_total",
			Help: "Readings persisted, by source (broker, session, manual)",
		},
		[]string{"source"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_messages_dropped_total",
			Help: "Inbound messages dropped before persistence, by reason",
		},
		[]string{"reason"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_alerts_raised_total",
			Help: "Threshold alerts created, by parameter",
		},
		[]string{"parameter"},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "river_fanout_dropped_total",
			Help: "Live events dropped because a subscriber mailbox was full",
		},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "river_fanout_delivered_total",
			Help: "Live events handed to subscribers",
		},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "river_active_sessions",
			Help: "Subscriber sessions currently joined, by topic kind (global, device)",
		},
		[]string{"kind"},
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "river_broker_connected",
			Help: "1 while the broker link holds a live connection",
		},
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "river_broker_reconnect_attempts_total",
			Help: "Broker connection attempts after the first",
		},
	)
)
