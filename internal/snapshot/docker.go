package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// healthFormat prints the healthcheck status, or "none" without a healthcheck
const healthFormat = "{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}"

// DockerRuntime talks to the docker CLI. The CLI is used instead of the
// engine API so whatever context and credentials the operator configured
// for docker apply unchanged.
type DockerRuntime struct {
	binary string
	run    CommandRunner
}

// NewDockerRuntime creates a docker runtime using binary (default "docker")
func NewDockerRuntime(binary string, run CommandRunner) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	if run == nil {
		run = ExecRunner
	}
	return &DockerRuntime{binary: binary, run: run}
}

func (d *DockerRuntime) Name() string { return "docker" }

// dockerPSEntry is one line of `docker ps --format '{{json .}}'`
type dockerPSEntry struct {
	ID     string `json:"ID"`
	Image  string `json:"Image"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Ports  string `json:"Ports"`
	Labels string `json:"Labels"`
}

type dockerLsEntry struct {
	Name   string `json:"Name"`
	Driver string `json:"Driver"`
	Labels string `json:"Labels"`
}

func (d *DockerRuntime) filter(environment string) string {
	return "label=" + EnvironmentLabel + "=" + environment
}

func (d *DockerRuntime) Containers(ctx context.Context, environment string) ([]types.ContainerState, error) {
	out, err := d.run(ctx, d.binary, "ps", "-a", "--filter", d.filter(environment), "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}

	entries, err := decodeLines[dockerPSEntry](out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docker ps output: %w", err)
	}

	containers := make([]types.ContainerState, 0, len(entries))
	for _, e := range entries {
		c := d.toContainer(e)
		c.Health = d.health(ctx, c.Name, c.Status)
		containers = append(containers, c)
	}
	return containers, nil
}

func (d *DockerRuntime) toContainer(e dockerPSEntry) types.ContainerState {
	labels := parseLabels(e.Labels)
	// Names may list several aliases; the first is the container's own name
	name := strings.Split(e.Names, ",")[0]

	c := types.ContainerState{
		Name:   name,
		Image:  e.Image,
		Status: e.State,
		Role:   roleFromLabels(labels),
		Ports:  parseDockerPorts(e.Ports),
		Labels: labels,
	}
	if e.State == types.StatusRunning {
		c.Replicas = 1
	}
	return c
}

// health asks docker for the healthcheck status. A failed lookup does not
// fail the snapshot; the container is reported with unknown health.
func (d *DockerRuntime) health(ctx context.Context, name, status string) types.HealthStatus {
	if status != types.StatusRunning {
		return types.HealthNone
	}
	out, err := d.run(ctx, d.binary, "inspect", "--format", healthFormat, name)
	if err != nil {
		return types.HealthUnknown
	}
	switch h := types.HealthStatus(strings.TrimSpace(string(out))); h {
	case types.HealthHealthy, types.HealthUnhealthy, types.HealthStarting, types.HealthNone:
		return h
	default:
		return types.HealthUnknown
	}
}

func (d *DockerRuntime) Networks(ctx context.Context, environment string) ([]types.NetworkState, error) {
	out, err := d.run(ctx, d.binary, "network", "ls", "--filter", d.filter(environment), "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	entries, err := decodeLines[dockerLsEntry](out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docker network ls output: %w", err)
	}

	networks := make([]types.NetworkState, 0, len(entries))
	for _, e := range entries {
		labels := parseLabels(e.Labels)
		networks = append(networks, types.NetworkState{
			Name:   e.Name,
			Driver: e.Driver,
			Role:   roleFromLabels(labels),
			Labels: labels,
		})
	}
	return networks, nil
}

func (d *DockerRuntime) Volumes(ctx context.Context, environment string) ([]types.VolumeState, error) {
	out, err := d.run(ctx, d.binary, "volume", "ls", "--filter", d.filter(environment), "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	entries, err := decodeLines[dockerLsEntry](out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docker volume ls output: %w", err)
	}

	volumes := make([]types.VolumeState, 0, len(entries))
	for _, e := range entries {
		labels := parseLabels(e.Labels)
		volumes = append(volumes, types.VolumeState{
			Name:   e.Name,
			Driver: e.Driver,
			Role:   roleFromLabels(labels),
			Labels: labels,
		})
	}
	return volumes, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, environment, name string) (*types.ContainerState, error) {
	out, err := d.run(ctx, d.binary, "ps", "-a",
		"--filter", d.filter(environment),
		"--filter", "name=^"+name+"$",
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	entries, err := decodeLines[dockerPSEntry](out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docker ps output: %w", err)
	}
	if len(entries) == 0 {
		return nil, vahtierrors.NotFound("container", name)
	}

	c := d.toContainer(entries[0])
	c.Health = d.health(ctx, c.Name, c.Status)
	return &c, nil
}

func (d *DockerRuntime) Restart(ctx context.Context, environment, name string) error {
	_, err := d.run(ctx, d.binary, "restart", name)
	return err
}

func (d *DockerRuntime) Start(ctx context.Context, environment, name string) error {
	_, err := d.run(ctx, d.binary, "start", name)
	return err
}

func (d *DockerRuntime) Remove(ctx context.Context, environment, name string) error {
	_, err := d.run(ctx, d.binary, "rm", "-f", name)
	return err
}

// decodeLines decodes newline-delimited JSON objects
func decodeLines[T any](out []byte) ([]T, error) {
	var items []T
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

// parseLabels parses docker's "k=v,k2=v2" label rendering
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	if s == "" {
		return labels
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(pair, "=")
		if k = strings.TrimSpace(k); k != "" {
			labels[k] = v
		}
	}
	return labels
}

// parseDockerPorts turns "0.0.0.0:8080->80/tcp, :::8080->80/tcp" into
// ["8080:80/tcp"]. Exposed but unpublished ports are ignored.
func parseDockerPorts(s string) []string {
	seen := make(map[string]bool)
	var ports []string
	for _, part := range strings.Split(s, ",") {
		host, container, ok := strings.Cut(strings.TrimSpace(part), "->")
		if !ok {
			continue
		}
		hostPort := host[strings.LastIndex(host, ":")+1:]
		port := hostPort + ":" + container
		if !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}
	sort.Strings(ports)
	return ports
}
