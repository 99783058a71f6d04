package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/pkg/types"
)

// Cycle results used as metric labels
const (
	resultClean = "clean"
	resultDrift = "drift"
	resultError = "error"
)

var monitorStates = []types.MonitorState{
	types.MonitorStopped, types.MonitorRunning, types.MonitorDegraded, types.MonitorHalted,
}

// Metrics holds the monitor's prometheus collectors
type Metrics struct {
	state        *prometheus.GaugeVec
	failures     *prometheus.GaugeVec
	cycles       *prometheus.CounterVec
	findings     *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	remediations *prometheus.CounterVec
	expired      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vahti",
			Subsystem: "monitor",
			Name:      "state",
			Help:      "Current monitor state (1 for the active state).",
		}, []string{"environment", "state"}),
		failures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vahti",
			Subsystem: "monitor",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed check cycles.",
		}, []string{"environment"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vahti",
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Check cycles by result.",
		}, []string{"environment", "result"}),
		findings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vahti",
			Subsystem: "drift",
			Name:      "findings",
			Help:      "Findings in the latest drift report by severity.",
		}, []string{"environment", "severity"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vahti",
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Check cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"environment"}),
		remediations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vahti",
			Subsystem: "remediation",
			Name:      "runs_total",
			Help:      "Automatic remediation runs by outcome.",
		}, []string{"environment", "outcome"}),
		expired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vahti",
			Subsystem: "approval",
			Name:      "expired_total",
			Help:      "Approval requests expired by the sweep.",
		}, []string{"environment"}),
	}
}

func (m *Metrics) setState(env string, state types.MonitorState) {
	for _, s := range monitorStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(env, string(s)).Set(value)
	}
}

func (m *Metrics) recordCycle(env string, session *types.MonitorSession, result *reconciler.CycleResult, err error, duration time.Duration) {
	label := resultClean
	switch {
	case err != nil:
		label = resultError
	case result != nil && result.Report != nil && result.Report.HasDrift:
		label = resultDrift
	}
	m.cycles.WithLabelValues(env, label).Inc()
	m.duration.WithLabelValues(env).Observe(duration.Seconds())
	m.failures.WithLabelValues(env).Set(float64(session.ConsecutiveFailures))
	m.setState(env, session.State)

	if result == nil || result.Report == nil {
		return
	}
	for _, severity := range []types.Severity{types.SeverityCritical, types.SeverityWarning, types.SeverityInfo} {
		m.findings.WithLabelValues(env, string(severity)).Set(float64(result.Report.Summary.BySeverity[severity]))
	}
	if result.Remediation != nil {
		m.remediations.WithLabelValues(env, string(result.Remediation.Outcome)).Inc()
	}
}

// ServeMetrics exposes gatherer on addr under /metrics until ctx is done
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
