// Package desired supplies the declared state of an environment and the
// reconcile step that converges the runtime back to it.
package desired

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/snapshot"
	"github.com/yairfalse/vahti/pkg/config"
	"github.com/yairfalse/vahti/pkg/types"
)

// DefaultApplyTimeout bounds one Apply when none is configured
const DefaultApplyTimeout = 10 * time.Minute

// Provider reports the declared state of an environment and can apply it
type Provider interface {
	Name() string
	// Declared returns the desired state as a snapshot. Identical
	// declarations yield identical snapshot ids.
	Declared(ctx context.Context, environment string) (*types.Snapshot, error)
	// Apply converges the runtime to the declared state
	Apply(ctx context.Context, environment string) error
}

// Restorer is implemented by providers whose declaration can be saved
// before a remediation and written back by a rollback
type Restorer interface {
	// Backup returns the raw declaration
	Backup(ctx context.Context) ([]byte, error)
	// Restore replaces the declaration with data. The replaced content is
	// kept next to it.
	Restore(ctx context.Context, data []byte) error
}

// restoreBackups is how many replaced declarations are kept per file
const restoreBackups = 5

// New builds the provider selected by the configuration
func New(cfg config.DesiredConfig, log logrus.FieldLogger) (Provider, error) {
	switch cfg.Provider {
	case "", "manifest":
		return NewManifestProvider(cfg.ManifestPath, ManifestOptions{
			ExpandReplicas: cfg.ExpandReplicas,
			ApplyCommand:   cfg.ApplyCommand,
			ApplyTimeout:   cfg.ApplyTimeout,
		}, nil, log), nil
	case "terraform":
		return NewTerraformProvider(TerraformOptions{
			Dir:            cfg.Terraform.Dir,
			Binary:         cfg.Terraform.Binary,
			StateURL:       cfg.Terraform.StateURL,
			ApplyTimeout:   cfg.ApplyTimeout,
			ExpandReplicas: cfg.ExpandReplicas,
		}, nil, nil, log), nil
	default:
		return nil, vahtierrors.ConfigurationError("unknown desired-state provider: " + cfg.Provider).
			WithSolutions("Set desired.provider to 'manifest' or 'terraform'")
	}
}

// runApply runs an apply command under the apply timeout, substituting
// {environment} in its arguments
func runApply(ctx context.Context, run snapshot.CommandRunner, provider string, argv []string, environment string, timeout time.Duration, log logrus.FieldLogger) error {
	if len(argv) == 0 {
		return vahtierrors.ProviderFailure(provider, "apply", nil).
			WithCause("no apply command configured").
			WithSolutions("Set desired.apply_command, e.g. [docker, compose, up, -d]")
	}
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}

	args := make([]string, len(argv)-1)
	for i, a := range argv[1:] {
		args[i] = strings.ReplaceAll(a, "{environment}", environment)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	log.WithFields(logrus.Fields{
		"provider":    provider,
		"environment": environment,
		"command":     argv[0] + " " + strings.Join(args, " "),
	}).Info("Applying desired state")

	if _, err := run(ctx, argv[0], args...); err != nil {
		return vahtierrors.ProviderFailure(provider, "apply", err)
	}

	log.WithFields(logrus.Fields{
		"provider": provider,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Desired state applied")
	return nil
}

// expand turns a container declared with N replicas into N single-replica
// containers named <name>-1 .. <name>-N, matching how compose names scaled
// services
func expand(containers []types.ContainerState) []types.ContainerState {
	out := make([]types.ContainerState, 0, len(containers))
	for _, c := range containers {
		if c.Replicas <= 1 {
			c.Replicas = 1
			out = append(out, c)
			continue
		}
		n := c.Replicas
		for i := 1; i <= n; i++ {
			replica := c
			replica.Name = c.Name + "-" + strconv.Itoa(i)
			replica.Replicas = 1
			replica.Labels = cloneMap(c.Labels)
			replica.Ports = append([]string(nil), c.Ports...)
			out = append(out, replica)
		}
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
