// Package metrics centralizes the Prometheus collectors exposed by the
// daemon. chasquid instrumented itself with expvarom (a thin wrapper
// around the standard library's expvar); this core instead uses
// github.com/prometheus/client_golang, which is a more idiomatic choice
// for a production MTA's metrics surface and is already present in the
// wider example corpus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTPCommandsTotal counts SMTP commands processed, by verb.
	SMTPCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_in",
		Name:      "commands_total",
		Help:      "Number of SMTP commands received, by verb.",
	}, []string{"verb"})

	// SPFResultTotal counts SPF check outcomes.
	SPFResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_in",
		Name:      "spf_result_total",
		Help:      "Number of SPF checks performed, by result.",
	}, []string{"result"})

	// SMTPResponseCodeTotal counts SMTP reply codes sent to clients.
	SMTPResponseCodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_in",
		Name:      "response_code_total",
		Help:      "Number of SMTP responses sent, by code.",
	}, []string{"code"})

	// QueueDepth is the number of messages currently scheduled or
	// in-flight, by queue name.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "postilion",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of messages currently held in a queue.",
	}, []string{"queue"})

	// DeliveryAttemptsTotal counts delivery attempts, by queue and
	// outcome (delivered, soft_fail, hard_fail).
	DeliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "queue",
		Name:      "delivery_attempts_total",
		Help:      "Number of delivery attempts, by queue and outcome.",
	}, []string{"queue", "outcome"})

	// SpoolRecoveredTotal counts messages processed during spool
	// recovery at startup, by outcome (requeued, expired, corrupt,
	// rejected).
	SpoolRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "spool",
		Name:      "recovered_total",
		Help:      "Number of messages processed during spool recovery, by outcome.",
	}, []string{"outcome"})

	// TLSResultTotal counts TLS outcomes on outgoing SMTP connections.
	TLSResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_out",
		Name:      "tls_result_total",
		Help:      "Count of TLS status on outgoing connections, by result.",
	}, []string{"result"})

	// SecurityLevelCheckTotal counts the anti-downgrade security level
	// check performed before accepting an outgoing connection.
	SecurityLevelCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_out",
		Name:      "security_level_check_total",
		Help:      "Count of security level checks on outgoing connections, by result.",
	}, []string{"result"})

	// STSModeTotal counts MTA-STS policy modes seen for outgoing
	// connections.
	STSModeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_out",
		Name:      "sts_mode_total",
		Help:      "Count of MTA-STS policy modes applied, by mode.",
	}, []string{"mode"})

	// STSResultTotal counts MTA-STS enforcement outcomes.
	STSResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postilion",
		Subsystem: "smtp_out",
		Name:      "sts_result_total",
		Help:      "Count of MTA-STS security checks on outgoing connections, by result.",
	}, []string{"result"})
)
