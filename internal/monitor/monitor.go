// Package monitor runs the check cycle on a fixed interval for one
// environment and halts after too many consecutive failures.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/lock"
	"github.com/yairfalse/vahti/internal/notify"
	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/pkg/types"
)

// Cycler runs one check cycle
type Cycler interface {
	CheckOnce(ctx context.Context) (*reconciler.CycleResult, error)
}

// Sweeper expires overdue approval requests
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]*types.ApprovalRequest, error)
}

// Config holds configuration for the monitor
type Config struct {
	Environment string
	Interval    time.Duration
	MaxFailures int
	// OnCycle, when set, is called after every cycle
	OnCycle func(session types.MonitorSession, result *reconciler.CycleResult, err error)
}

// Monitor schedules check cycles sequentially. Only one monitor may run per
// environment; the marker enforces that across processes.
type Monitor struct {
	config   Config
	cycler   Cycler
	sweeper  Sweeper
	marker   lock.Marker
	notifier notify.Notifier
	metrics  *Metrics
	log      logrus.FieldLogger
	now      func() time.Time

	mu      sync.Mutex
	session types.MonitorSession
}

// New creates a monitor. sweeper, notifier and metrics may be nil.
func New(config Config, cycler Cycler, sweeper Sweeper, marker lock.Marker, notifier notify.Notifier, metrics *Metrics, log logrus.FieldLogger) (*Monitor, error) {
	if config.Interval <= 0 {
		return nil, vahtierrors.ConfigurationError(fmt.Sprintf("check interval must be positive, got %s", config.Interval))
	}
	if config.MaxFailures <= 0 {
		return nil, vahtierrors.ConfigurationError(fmt.Sprintf("max_failures must be positive, got %d", config.MaxFailures))
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Monitor{
		config:   config,
		cycler:   cycler,
		sweeper:  sweeper,
		marker:   marker,
		notifier: notifier,
		metrics:  metrics,
		log:      log.WithField("environment", config.Environment),
		now:      time.Now,
		session: types.MonitorSession{
			Environment: config.Environment,
			Interval:    config.Interval,
			MaxFailures: config.MaxFailures,
			State:       types.MonitorStopped,
		},
	}, nil
}

// Session returns a copy of the current session
func (m *Monitor) Session() types.MonitorSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Run claims the environment and runs cycles until ctx is cancelled or the
// monitor halts. Cancellation lets the cycle in flight finish before the
// marker is released. Halting returns a MonitorHalted error.
func (m *Monitor) Run(ctx context.Context) error {
	env := m.config.Environment
	start := m.now().UTC()

	if err := m.marker.Acquire(ctx, lock.NewInfo(env, start)); err != nil {
		return err
	}
	defer func() {
		if err := m.marker.Release(context.Background()); err != nil {
			m.log.WithError(err).Warn("Failed to release monitor marker")
		}
	}()

	m.mu.Lock()
	m.session = types.MonitorSession{
		Environment: env,
		Interval:    m.config.Interval,
		MaxFailures: m.config.MaxFailures,
		State:       types.MonitorRunning,
		StartedAt:   start,
	}
	m.mu.Unlock()
	m.metrics.setState(env, types.MonitorRunning)

	m.log.WithFields(logrus.Fields{
		"interval":     m.config.Interval,
		"max_failures": m.config.MaxFailures,
	}).Info("Monitor started")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if err := m.runCycle(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			m.stop("stop requested")
			return nil
		case <-ticker.C:
			// A stop that raced the tick still wins
			if ctx.Err() != nil {
				m.stop("stop requested")
				return nil
			}
		}
	}
}

func (m *Monitor) stop(reason string) {
	m.mu.Lock()
	m.session.State = types.MonitorStopped
	session := m.session
	m.mu.Unlock()
	m.metrics.setState(m.config.Environment, types.MonitorStopped)
	m.log.WithFields(logrus.Fields{
		"cycles": session.Cycles,
		"reason": reason,
	}).Info("Monitor stopped")
}

// runCycle runs sweep and check on a context that ignores cancellation, so
// a stop request never interrupts a comparison. It returns MonitorHalted
// once the failure budget is spent.
func (m *Monitor) runCycle(ctx context.Context) error {
	cycleCtx := context.WithoutCancel(ctx)
	env := m.config.Environment
	start := m.now()

	if m.sweeper != nil {
		expired, err := m.sweeper.Sweep(cycleCtx, start.UTC())
		if err != nil {
			m.log.WithError(err).Warn("Approval expiry sweep failed")
		} else if len(expired) > 0 {
			m.metrics.expired.WithLabelValues(env).Add(float64(len(expired)))
		}
	}

	stopKeepAlive := m.keepAlive(cycleCtx)
	result, err := m.cycler.CheckOnce(cycleCtx)
	stopKeepAlive()
	duration := m.now().Sub(start)

	m.mu.Lock()
	m.session.Cycles++
	m.session.LastCheckAt = start.UTC()
	if err != nil {
		m.session.ConsecutiveFailures++
		m.session.LastError = err.Error()
		m.session.State = types.MonitorDegraded
		if m.session.ConsecutiveFailures >= m.session.MaxFailures {
			m.session.State = types.MonitorHalted
		}
	} else {
		m.session.ConsecutiveFailures = 0
		m.session.LastError = ""
		m.session.LastSuccessAt = start.UTC()
		m.session.State = types.MonitorRunning
		if result != nil && result.Report != nil {
			m.session.LastReportID = result.Report.ID
		}
	}
	session := m.session
	m.mu.Unlock()

	m.metrics.recordCycle(env, &session, result, err, duration)
	m.logCycle(session, result, err, duration)

	if hbErr := m.marker.Heartbeat(cycleCtx, &session); hbErr != nil {
		m.log.WithError(hbErr).Warn("Failed to write monitor heartbeat")
	}

	if m.config.OnCycle != nil {
		m.config.OnCycle(session, result, err)
	}

	if session.State != types.MonitorHalted {
		return nil
	}

	halted := vahtierrors.MonitorHalted(env, session.ConsecutiveFailures, err)
	m.log.WithError(err).WithField("failures", session.ConsecutiveFailures).Error("Monitor halted")
	notify.Send(cycleCtx, m.notifier, notify.Event{
		Type:        notify.EventMonitorHalted,
		Environment: env,
		Title:       "Monitor halted in " + env,
		Message:     halted.Error(),
		Fields: map[string]string{
			"consecutive_failures": fmt.Sprint(session.ConsecutiveFailures),
			"last_error":           session.LastError,
		},
	}, m.log)
	return halted
}

// keepAlive refreshes the marker heartbeat every interval while a cycle
// runs, so hosts that judge the marker by heartbeat age do not take over
// during a long remediation. The returned func stops it and waits.
func (m *Monitor) keepAlive(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.marker.Heartbeat(ctx, nil); err != nil {
					m.log.WithError(err).Warn("Failed to refresh monitor heartbeat")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Monitor) logCycle(session types.MonitorSession, result *reconciler.CycleResult, err error, duration time.Duration) {
	log := m.log.WithFields(logrus.Fields{
		"cycle":    session.Cycles,
		"state":    session.State,
		"duration": duration.Round(time.Millisecond),
	})
	if err != nil {
		if errors.Is(err, vahtierrors.ErrCollectorUnavailable) {
			log = log.WithField("retryable", true)
		}
		log.WithError(err).WithField("failures", session.ConsecutiveFailures).Warn("Check cycle failed")
		return
	}
	if result == nil || result.Report == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"report_id": result.Report.ID,
		"findings":  len(result.Report.Findings),
		"decision":  result.Decision,
	}).Info("Check cycle complete")
}
