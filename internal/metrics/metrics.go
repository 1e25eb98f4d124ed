package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pipeline counters. A nil *Metrics is a valid no-op
// receiver so components can run without a registry wired in.
type Metrics struct {
	fetchTotal       *prometheus.CounterVec
	windowsMissed    *prometheus.CounterVec
	rowsParsed       *prometheus.CounterVec
	ticksStored      *prometheus.CounterVec
	alertsEmitted    *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
	alertsDelivered  *prometheus.CounterVec
}

// New registers all pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "fetch_total",
				Help:      "Report fetch attempts by report kind and result.",
			},
			[]string{"report", "result"},
		),
		windowsMissed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "windows_missed_total",
				Help:      "Publication windows abandoned after exhausting retries.",
			},
			[]string{"report"},
		),
		rowsParsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "rows_parsed_total",
				Help:      "Data rows by report kind and decode result.",
			},
			[]string{"report", "result"},
		),
		ticksStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "ticks_stored_total",
				Help:      "Tick insert outcomes.",
			},
			[]string{"result"},
		),
		alertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "alerts_emitted_total",
				Help:      "Alert events produced by the analyzer, by type.",
			},
			[]string{"type"},
		),
		alertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "alerts_suppressed_total",
				Help:      "Alerts suppressed before delivery, by reason.",
			},
			[]string{"reason"},
		),
		alertsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nemwatch",
				Name:      "alerts_delivered_total",
				Help:      "Delivery resolutions by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.fetchTotal,
		m.windowsMissed,
		m.rowsParsed,
		m.ticksStored,
		m.alertsEmitted,
		m.alertsSuppressed,
		m.alertsDelivered,
	)
	return m
}

// ObserveFetch records one fetch attempt outcome.
func (m *Metrics) ObserveFetch(report, result string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(report, result).Inc()
}

// ObserveMissedWindow records an abandoned publication window.
func (m *Metrics) ObserveMissedWindow(report string) {
	if m == nil {
		return
	}
	m.windowsMissed.WithLabelValues(report).Inc()
}

// ObserveRows records decode counts for one parse pass.
func (m *Metrics) ObserveRows(report string, decoded, skipped int) {
	if m == nil {
		return
	}
	m.rowsParsed.WithLabelValues(report, "decoded").Add(float64(decoded))
	m.rowsParsed.WithLabelValues(report, "skipped").Add(float64(skipped))
}

// ObserveTick records one tick insert outcome.
func (m *Metrics) ObserveTick(inserted bool) {
	if m == nil {
		return
	}
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	m.ticksStored.WithLabelValues(result).Inc()
}

// ObserveAlertEmitted records one analyzer alert event.
func (m *Metrics) ObserveAlertEmitted(alertType string) {
	if m == nil {
		return
	}
	m.alertsEmitted.WithLabelValues(alertType).Inc()
}

// ObserveSuppressed records one suppressed alert.
func (m *Metrics) ObserveSuppressed(reason string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(reason).Inc()
}

// ObserveDelivery records one delivery resolution.
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.alertsDelivered.WithLabelValues(result).Inc()
}
