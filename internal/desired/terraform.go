package desired

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/snapshot"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

// TerraformOptions configures the terraform provider
type TerraformOptions struct {
	Dir            string
	Binary         string
	StateURL       string
	ApplyTimeout   time.Duration
	ExpandReplicas bool
}

// TerraformProvider reads declared state from terraform: from a remote
// state object when StateURL is set, otherwise from `terraform show -json`
// in Dir. Apply runs `terraform apply`.
type TerraformProvider struct {
	opts    TerraformOptions
	run     snapshot.CommandRunner
	fetcher StateFetcher
	log     logrus.FieldLogger
}

// NewTerraformProvider creates a terraform provider
func NewTerraformProvider(opts TerraformOptions, run snapshot.CommandRunner, fetcher StateFetcher, log logrus.FieldLogger) *TerraformProvider {
	if opts.Binary == "" {
		opts.Binary = "terraform"
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if run == nil {
		run = snapshot.ExecRunner
	}
	if fetcher == nil {
		fetcher = CloudFetcher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TerraformProvider{opts: opts, run: run, fetcher: fetcher, log: log}
}

func (p *TerraformProvider) Name() string { return "terraform" }

func (p *TerraformProvider) Declared(ctx context.Context, environment string) (*types.Snapshot, error) {
	var (
		resources []stateResource
		idSource  []byte
		source    string
	)

	if p.opts.StateURL != "" {
		loc, err := ParseRemoteStateURL(p.opts.StateURL)
		if err != nil {
			return nil, vahtierrors.ConfigurationError("invalid desired.terraform.state_url: " + err.Error())
		}
		data, err := p.fetcher.Fetch(ctx, loc)
		if err != nil {
			return nil, vahtierrors.ProviderFailure("terraform", "fetch state from "+loc.String(), err)
		}
		var state *TerraformState
		resources, state, err = parseRawState(data)
		if err != nil {
			return nil, vahtierrors.ProviderFailure("terraform", "parse state from "+loc.String(), err)
		}
		// Lineage and serial change exactly when the state does
		idSource = []byte(fmt.Sprintf("%s/%d", state.Lineage, state.Serial))
		source = loc.String()
	} else {
		out, err := p.run(ctx, p.opts.Binary, "-chdir="+p.opts.Dir, "show", "-json")
		if err != nil {
			return nil, vahtierrors.ProviderFailure("terraform", "read state", err)
		}
		resources, err = parseShowJSON(out)
		if err != nil {
			return nil, vahtierrors.ProviderFailure("terraform", "parse state", err)
		}
		idSource = out
		source = p.opts.Dir
	}

	spec := toSpec(resources, environment)
	containers := spec.Containers
	if p.opts.ExpandReplicas {
		containers = expand(containers)
	}

	sum := sha256.Sum256(append([]byte(environment+"\x00"), idSource...))
	declared := &types.Snapshot{
		ID:          "terraform-" + hex.EncodeToString(sum[:8]),
		Timestamp:   time.Now().UTC(),
		Environment: environment,
		Source:      "terraform:" + source,
		Containers:  containers,
		Networks:    spec.Networks,
		Volumes:     spec.Volumes,
	}
	declared.ComputeCounts()

	p.log.WithFields(logrus.Fields{
		"environment": environment,
		"source":      source,
		"containers":  len(containers),
	}).Debug("Loaded terraform desired state")

	return declared, nil
}

func (p *TerraformProvider) Apply(ctx context.Context, environment string) error {
	argv := []string{p.opts.Binary, "-chdir=" + p.opts.Dir, "apply", "-auto-approve", "-input=false"}
	return runApply(ctx, p.run, "terraform", argv, environment, p.opts.ApplyTimeout, p.log)
}

func (p *TerraformProvider) statePath() string {
	return filepath.Join(p.opts.Dir, "terraform.tfstate")
}

// Backup saves the local state file. Remote state is versioned by its
// backend and is not backed up here.
func (p *TerraformProvider) Backup(ctx context.Context) ([]byte, error) {
	if p.opts.StateURL != "" {
		return nil, vahtierrors.ProviderFailure("terraform", "back up state", nil).
			WithCause("Remote state is not backed up by vahti").
			WithSolutions("Use the versioning of the state bucket to restore earlier state")
	}
	data, err := os.ReadFile(p.statePath())
	if err != nil {
		return nil, vahtierrors.ProviderFailure("terraform", "back up "+p.statePath(), err)
	}
	return data, nil
}

func (p *TerraformProvider) Restore(ctx context.Context, data []byte) error {
	if p.opts.StateURL != "" {
		return vahtierrors.ProviderFailure("terraform", "restore state", nil).
			WithCause("Remote state cannot be restored by vahti")
	}
	if _, _, err := parseRawState(data); err != nil {
		return vahtierrors.ProviderFailure("terraform", "restore "+p.statePath(), err).
			WithCause("The saved state does not parse")
	}

	writer := storage.NewAtomicWriter(filepath.Join(p.opts.Dir, ".vahti-backups"), restoreBackups)
	if err := writer.WriteFile(p.statePath(), data, 0o600); err != nil {
		return vahtierrors.ProviderFailure("terraform", "restore "+p.statePath(), err)
	}
	p.log.WithField("path", p.statePath()).Info("Restored terraform state")
	return nil
}
