package commands

import (
	"os"
	"os/user"

	"github.com/sirupsen/logrus"

	"github.com/yairfalse/vahti/internal/approval"
	"github.com/yairfalse/vahti/internal/desired"
	"github.com/yairfalse/vahti/internal/lock"
	"github.com/yairfalse/vahti/internal/logger"
	"github.com/yairfalse/vahti/internal/notify"
	"github.com/yairfalse/vahti/internal/reconciler"
	"github.com/yairfalse/vahti/internal/remediation"
	"github.com/yairfalse/vahti/internal/snapshot"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/config"
)

// app holds the components built from configuration for one command
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    storage.Storage
	notifier notify.Notifier
}

func (c *cli) newApp() (*app, error) {
	store, err := storage.New(storage.Config{
		Backend:    c.cfg.Storage.Backend,
		BaseDir:    c.cfg.Storage.BaseDir,
		SQLitePath: c.cfg.SQLitePath(),
	})
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if c.cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(notify.WebhookOptions{
			URL:      c.cfg.WebhookURL,
			Format:   c.cfg.Notify.Format,
			Timeout:  c.cfg.Notify.Timeout,
			Username: c.cfg.Notify.Username,
		}, logger.Component(c.log, "notify"))
		if err != nil {
			store.Close()
			return nil, err
		}
		notifier = webhook
	}

	return &app{cfg: c.cfg, log: c.log, store: store, notifier: notifier}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close store")
	}
}

// runtime picks the container runtime, resolving "auto" through the detector
func (a *app) runtime() (snapshot.Runtime, error) {
	rc := a.cfg.Runtime
	switch config.NewRuntimeDetector().Resolve(rc) {
	case "kubernetes":
		return snapshot.NewKubernetesRuntimeFromConfig(rc.Kubeconfig, rc.Context, rc.Namespace)
	default:
		return snapshot.NewDockerRuntime(rc.DockerBinary, nil), nil
	}
}

func (a *app) snapshotter() (*snapshot.Snapshotter, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	a.log.WithField("runtime", rt.Name()).Debug("Runtime selected")
	return snapshot.NewSnapshotter(rt, a.cfg.Runtime.Timeout, logger.Component(a.log, "snapshot")), nil
}

// engine is the full check and remediation stack
type engine struct {
	snapshotter *snapshot.Snapshotter
	provider    desired.Provider
	executor    *remediation.Executor
	workflow    *approval.Workflow
	reconciler  *reconciler.Reconciler
}

func (a *app) engine(react bool) (*engine, error) {
	snap, err := a.snapshotter()
	if err != nil {
		return nil, err
	}
	provider, err := desired.New(a.cfg.Desired, logger.Component(a.log, "desired"))
	if err != nil {
		return nil, err
	}
	threshold, err := approval.ParseThreshold(a.cfg.SeverityThresholdForAutoApprove)
	if err != nil {
		return nil, err
	}

	executor := remediation.NewExecutor(snap, provider, a.store,
		remediation.OptionsFromConfig(a.cfg.Remediation), logger.Component(a.log, "remediation"))
	workflow := a.workflow(executor)
	rec := reconciler.New(snap, provider, a.store, workflow, executor, a.notifier, reconciler.Options{
		Environment: a.cfg.Environment,
		Threshold:   threshold,
		React:       react,
	}, logger.Component(a.log, "reconciler"))

	return &engine{
		snapshotter: snap,
		provider:    provider,
		executor:    executor,
		workflow:    workflow,
		reconciler:  rec,
	}, nil
}

// workflow builds the approval workflow. remediator may be nil for
// commands that never approve.
func (a *app) workflow(remediator approval.Remediator) *approval.Workflow {
	return approval.NewWorkflow(a.store, remediator, a.notifier, approval.Options{
		Window:      a.cfg.ApprovalWindow,
		Approvers:   a.cfg.Approval.Approvers,
		SummaryTopN: a.cfg.Approval.SummaryTopN,
	}, logger.Component(a.log, "approval"))
}

func (a *app) marker() (lock.Marker, error) {
	return lock.New(lock.Config{
		Backend:       a.cfg.Lock.Backend,
		BaseDir:       a.cfg.Storage.BaseDir,
		ConsulAddress: a.cfg.Lock.ConsulAddress,
		StaleAfter:    a.cfg.StaleAfter(),
	})
}

// currentUser is the default identity for approve, reject and cancel
func currentUser() string {
	if name := os.Getenv("VAHTI_USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
