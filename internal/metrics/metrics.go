package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-federator/internal/models"
)

const (
	// OutcomeSuccess labels queries answered with at least one successful step.
	OutcomeSuccess = "success"
	// OutcomePartial labels queries answered with degraded sources.
	OutcomePartial = "partial"
	// OutcomeError labels failed queries (planning, aggregate failure or timeout).
	OutcomeError = "error"
)

const namespace = "mirador_federator"

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of federated queries handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_seconds",
			Help:      "Federated query latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Execution steps by group and terminal status.",
		},
		[]string{"group", "status"},
	)

	circuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"group", "from", "to"},
	)

	groupHealthRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_health_ratio",
			Help:      "Fraction of successful samples in the group's health window.",
		},
		[]string{"group"},
	)

	groupBusinessImpact = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_business_impact",
			Help:      "(1 - health) weighted by group criticality.",
		},
		[]string{"group"},
	)

	groupRiskLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_risk_level",
			Help:      "Predicted failure risk: 0 unknown, 1 low, 2 medium, 3 high.",
		},
		[]string{"group"},
	)

	groupCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_circuit_state",
			Help:      "Circuit state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"group"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Background health probes by group and outcome.",
		},
		[]string{"group", "outcome"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted by severity.",
		},
		[]string{"severity"},
	)

	alertDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_drops_total",
			Help:      "Alert deliveries dropped because a subscriber was too slow.",
		},
	)
)

// Register attaches federator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		queriesTotal,
		queryDurationSeconds,
		stepsTotal,
		circuitTransitionsTotal,
		groupHealthRatio,
		groupBusinessImpact,
		groupRiskLevel,
		groupCircuitState,
		probesTotal,
		alertsTotal,
		alertDropsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveQuery records a query duration and outcome label.
func ObserveQuery(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError && label != OutcomePartial {
		label = OutcomeSuccess
	}
	queriesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	queryDurationSeconds.Observe(duration.Seconds())
}

// ObserveStep counts one finished execution step.
func ObserveStep(groupID string, status models.StepStatus) {
	stepsTotal.WithLabelValues(groupID, string(status)).Inc()
}

// ObserveTransition counts a breaker transition and updates the state gauge.
func ObserveTransition(groupID string, from, to models.CircuitState) {
	circuitTransitionsTotal.WithLabelValues(groupID, string(from), string(to)).Inc()
	SetCircuitState(groupID, to)
}

// SetCircuitState updates the circuit state gauge.
func SetCircuitState(groupID string, state models.CircuitState) {
	v := 0.0
	switch state {
	case models.CircuitHalfOpen:
		v = 1
	case models.CircuitOpen:
		v = 2
	}
	groupCircuitState.WithLabelValues(groupID).Set(v)
}

// ObserveProbe counts one background probe.
func ObserveProbe(groupID string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	probesTotal.WithLabelValues(groupID, outcome).Inc()
}

// SetGroupHealth updates the health and business impact gauges.
func SetGroupHealth(groupID string, health, impact float64) {
	groupHealthRatio.WithLabelValues(groupID).Set(health)
	groupBusinessImpact.WithLabelValues(groupID).Set(impact)
}

// SetRisk updates the risk gauge.
func SetRisk(groupID string, risk models.RiskLevel) {
	v := 0.0
	switch risk {
	case models.RiskLow:
		v = 1
	case models.RiskMedium:
		v = 2
	case models.RiskHigh:
		v = 3
	}
	groupRiskLevel.WithLabelValues(groupID).Set(v)
}

// ObserveAlert counts an emitted alert.
func ObserveAlert(severity models.Severity) {
	alertsTotal.WithLabelValues(string(severity)).Inc()
}

// ObserveAlertDrop counts a dropped alert delivery.
func ObserveAlertDrop() {
	alertDropsTotal.Inc()
}

// ForgetGroup removes per-group series for a deregistered group.
func ForgetGroup(groupID string) {
	labels := prometheus.Labels{"group": groupID}
	groupHealthRatio.Delete(labels)
	groupBusinessImpact.Delete(labels)
	groupRiskLevel.Delete(labels)
	groupCircuitState.Delete(labels)
	stepsTotal.DeletePartialMatch(labels)
	probesTotal.DeletePartialMatch(labels)
	circuitTransitionsTotal.DeletePartialMatch(labels)
}
