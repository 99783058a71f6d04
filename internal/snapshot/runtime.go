// Package snapshot captures the live state of an environment from a
// container runtime.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/yairfalse/vahti/pkg/types"
)

// RoleLabel marks a resource's role in the runtime's own metadata
const RoleLabel = "vahti.role"

// EnvironmentLabel scopes runtime resources to an environment
const EnvironmentLabel = "environment"

// Runtime lists and acts on the resources of one environment
type Runtime interface {
	Name() string

	Containers(ctx context.Context, environment string) ([]types.ContainerState, error)
	Networks(ctx context.Context, environment string) ([]types.NetworkState, error)
	Volumes(ctx context.Context, environment string) ([]types.VolumeState, error)

	// Inspect returns the current state of one container, NotFound if absent
	Inspect(ctx context.Context, environment, name string) (*types.ContainerState, error)

	Restart(ctx context.Context, environment, name string) error
	Start(ctx context.Context, environment, name string) error
	Remove(ctx context.Context, environment, name string) error
}

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, folding stderr into the error
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

func roleFromLabels(labels map[string]string) types.Role {
	role := types.Role(labels[RoleLabel])
	if role.IsValid() {
		return role
	}
	return ""
}
