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
	"gopkg.in/yaml.v3"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/snapshot"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/types"
)

// Manifest is the on-disk desired-state declaration. Resources at the top
// level apply to every environment; an entry under environments replaces
// them for that environment.
type Manifest struct {
	ManifestSpec `yaml:",inline"`
	Environments map[string]ManifestSpec `yaml:"environments,omitempty"`
}

// ManifestSpec lists the declared resources of one environment
type ManifestSpec struct {
	Containers []types.ContainerState `yaml:"containers"`
	Networks   []types.NetworkState   `yaml:"networks,omitempty"`
	Volumes    []types.VolumeState    `yaml:"volumes,omitempty"`
}

// ManifestOptions configures the manifest provider
type ManifestOptions struct {
	ExpandReplicas bool
	ApplyCommand   []string
	ApplyTimeout   time.Duration
}

// ManifestProvider reads desired state from a YAML manifest and applies it
// by running an external command such as `docker compose up -d`
type ManifestProvider struct {
	path string
	opts ManifestOptions
	run  snapshot.CommandRunner
	log  logrus.FieldLogger
}

// NewManifestProvider creates a manifest provider for path
func NewManifestProvider(path string, opts ManifestOptions, run snapshot.CommandRunner, log logrus.FieldLogger) *ManifestProvider {
	if run == nil {
		run = snapshot.ExecRunner
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ManifestProvider{path: path, opts: opts, run: run, log: log}
}

func (p *ManifestProvider) Name() string { return "manifest" }

func (p *ManifestProvider) Declared(ctx context.Context, environment string) (*types.Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, vahtierrors.ProviderFailure("manifest", "read "+p.path, err).
			WithSolutions("Check desired.manifest_path in the configuration")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, vahtierrors.ProviderFailure("manifest", "parse "+p.path, err)
	}

	spec := manifest.ManifestSpec
	if envSpec, ok := manifest.Environments[environment]; ok {
		spec = envSpec
	}

	if err := validateSpec(spec); err != nil {
		return nil, vahtierrors.ProviderFailure("manifest", "validate "+p.path, err)
	}

	containers := make([]types.ContainerState, len(spec.Containers))
	copy(containers, spec.Containers)
	for i := range containers {
		if containers[i].Status == "" {
			containers[i].Status = types.StatusRunning
		}
		if containers[i].Replicas == 0 && containers[i].Status == types.StatusRunning {
			containers[i].Replicas = 1
		}
	}
	if p.opts.ExpandReplicas {
		containers = expand(containers)
	}

	info, _ := os.Stat(p.path)
	timestamp := time.Now().UTC()
	if info != nil {
		timestamp = info.ModTime().UTC()
	}

	// The id follows the content so an unchanged manifest keeps its id
	sum := sha256.Sum256(append([]byte(environment+"\x00"), data...))
	declared := &types.Snapshot{
		ID:          "manifest-" + hex.EncodeToString(sum[:8]),
		Timestamp:   timestamp,
		Environment: environment,
		Source:      "manifest",
		Containers:  containers,
		Networks:    spec.Networks,
		Volumes:     spec.Volumes,
	}
	declared.ComputeCounts()
	return declared, nil
}

func (p *ManifestProvider) Apply(ctx context.Context, environment string) error {
	return runApply(ctx, p.run, "manifest", p.opts.ApplyCommand, environment, p.opts.ApplyTimeout, p.log)
}

func (p *ManifestProvider) Backup(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, vahtierrors.ProviderFailure("manifest", "back up "+p.path, err)
	}
	return data, nil
}

// Restore refuses content that does not parse as a manifest. The replaced
// manifest goes to .vahti-backups beside it.
func (p *ManifestProvider) Restore(ctx context.Context, data []byte) error {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return vahtierrors.ProviderFailure("manifest", "restore "+p.path, err).
			WithCause("The saved manifest does not parse")
	}

	writer := storage.NewAtomicWriter(filepath.Join(filepath.Dir(p.path), ".vahti-backups"), restoreBackups)
	if err := writer.WriteFile(p.path, data, 0o644); err != nil {
		return vahtierrors.ProviderFailure("manifest", "restore "+p.path, err)
	}
	p.log.WithField("path", p.path).Info("Restored manifest")
	return nil
}

func validateSpec(spec ManifestSpec) error {
	seen := make(map[string]bool)
	check := func(kind, name string, role types.Role) error {
		if name == "" {
			return fmt.Errorf("%s without a name", kind)
		}
		key := types.ResourceKey(kind, name)
		if seen[key] {
			return fmt.Errorf("duplicate %s %q", kind, name)
		}
		seen[key] = true
		if !role.IsValid() {
			return fmt.Errorf("%s %q has unknown role %q", kind, name, role)
		}
		return nil
	}

	for _, c := range spec.Containers {
		if err := check(types.ResourceContainer, c.Name, c.Role); err != nil {
			return err
		}
		if c.Replicas < 0 {
			return fmt.Errorf("container %q has negative replicas", c.Name)
		}
	}
	for _, n := range spec.Networks {
		if err := check(types.ResourceNetwork, n.Name, n.Role); err != nil {
			return err
		}
	}
	for _, v := range spec.Volumes {
		if err := check(types.ResourceVolume, v.Name, v.Role); err != nil {
			return err
		}
	}
	return nil
}
