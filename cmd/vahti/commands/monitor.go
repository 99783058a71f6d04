package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/lock"
	"github.com/yairfalse/vahti/internal/logger"
	"github.com/yairfalse/vahti/internal/monitor"
	"github.com/yairfalse/vahti/internal/output"
	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/pkg/types"
)

func newMonitorCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run, stop or inspect the continuous monitor",
		Long: `The monitor runs a check on every check_interval and reacts to drift.
Only one monitor may run per environment.`,
	}

	cmd.AddCommand(newMonitorStartCommand(c))
	cmd.AddCommand(newMonitorStopCommand(c))
	cmd.AddCommand(newMonitorStatusCommand(c))
	return cmd
}

func newMonitorStartCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the monitor in the foreground",
		Long: `Start checking the environment on a fixed interval. Each cycle first
expires overdue approval requests, then compares and reacts.

The monitor halts after max_failures consecutive failed cycles. Ctrl+C or
'vahti monitor stop' lets the cycle in flight finish before exiting.`,
		Example: `  vahti monitor start
  vahti monitor start --env prod --interval 1m
  vahti monitor start --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				c.cfg.Metrics.Addr = addr
			}
			if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
				c.cfg.CheckInterval = interval
			}
			return c.runMonitor(cmd)
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().Duration("interval", 0, "override check_interval")
	return cmd
}

func (c *cli) runMonitor(cmd *cobra.Command) error {
	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.engine(true)
	if err != nil {
		return err
	}
	marker, err := a.marker()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(registry)

	if addr := c.cfg.Metrics.Addr; addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
		defer stopMetrics()
		go func() {
			if err := monitor.ServeMetrics(metricsCtx, addr, registry, logger.Component(c.log, "metrics")); err != nil {
				c.log.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	out := cmd.OutOrStdout()
	m, err := monitor.New(monitor.Config{
		Environment: c.cfg.Environment,
		Interval:    c.cfg.CheckInterval,
		MaxFailures: c.cfg.MaxFailures,
		OnCycle: func(session types.MonitorSession, result *reconciler.CycleResult, err error) {
			stamp := time.Now().Format("15:04:05")
			switch {
			case err != nil:
				fmt.Fprintf(out, "%s cycle %d failed (%d/%d): %v\n", stamp, session.Cycles,
					session.ConsecutiveFailures, session.MaxFailures, err)
			case result.Report.HasDrift:
				fmt.Fprintf(out, "%s cycle %d: %d finding(s), %s\n", stamp, session.Cycles,
					len(result.Report.Findings), result.Decision)
			default:
				fmt.Fprintf(out, "%s cycle %d: no drift\n", stamp, session.Cycles)
			}
		},
	}, e.reconciler, e.workflow, marker, a.notifier, metrics, logger.Component(c.log, "monitor"))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Monitoring %s every %s (Ctrl+C to stop)\n", c.cfg.Environment, c.cfg.CheckInterval)
	return m.Run(ctx)
}

func newMonitorStopCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running monitor to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.readMarker(cmd)
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No monitor running for %s\n", c.cfg.Environment)
				return nil
			}
			if err := lock.Stop(info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for monitor %d on %s; it exits after the current cycle\n",
				info.PID, info.Hostname)
			return nil
		},
	}
}

func newMonitorStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the monitor state of the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.readMarker(cmd)
			if err != nil {
				return err
			}
			printer, err := c.printer(cmd)
			if err != nil {
				return err
			}

			status := output.MonitorStatus{Environment: c.cfg.Environment, Marker: info}
			if info != nil {
				status.Stale = lock.IsStale(info, time.Now(), c.cfg.StaleAfter())
				status.Running = !status.Stale
			}
			return printer.Status(status)
		},
	}
}

// readMarker returns the environment's marker, nil when none exists
func (c *cli) readMarker(cmd *cobra.Command) (*types.MarkerInfo, error) {
	a, err := c.newApp()
	if err != nil {
		return nil, err
	}
	defer a.Close()

	marker, err := a.marker()
	if err != nil {
		return nil, err
	}
	info, err := marker.Read(cmd.Context(), c.cfg.Environment)
	if vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound) {
		return nil, nil
	}
	return info, err
}
