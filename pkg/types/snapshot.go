package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HealthStatus is the health reported by the runtime for a container
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	// HealthNone means the container defines no healthcheck
	HealthNone HealthStatus = "none"
	// HealthUnknown means the health could not be inspected
	HealthUnknown HealthStatus = "unknown"
)

// Role describes how important a resource is to the environment
type Role string

const (
	RoleRequired Role = "required"
	RoleOptional Role = "optional"
	RoleDatabase Role = "database"
)

// IsValid reports whether the role is one of the known roles. Empty is valid
// and means required.
func (r Role) IsValid() bool {
	switch r {
	case "", RoleRequired, RoleOptional, RoleDatabase:
		return true
	default:
		return false
	}
}

// Effective returns the role with the empty value resolved to required
func (r Role) Effective() Role {
	if r == "" {
		return RoleRequired
	}
	return r
}

// Resource type names used in resource keys
const (
	ResourceContainer = "container"
	ResourceNetwork   = "network"
	ResourceVolume    = "volume"
)

// Container status values
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusCreated = "created"
)

// ContainerState is one observed or declared container
type ContainerState struct {
	Name     string            `json:"name" yaml:"name"`
	Image    string            `json:"image,omitempty" yaml:"image,omitempty"`
	Status   string            `json:"status,omitempty" yaml:"status,omitempty"`
	Health   HealthStatus      `json:"health,omitempty" yaml:"health,omitempty"`
	Role     Role              `json:"role,omitempty" yaml:"role,omitempty"`
	Replicas int               `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Ports    []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NetworkState is one observed or declared network
type NetworkState struct {
	Name   string            `json:"name" yaml:"name"`
	Driver string            `json:"driver,omitempty" yaml:"driver,omitempty"`
	Role   Role              `json:"role,omitempty" yaml:"role,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// VolumeState is one observed or declared volume
type VolumeState struct {
	Name   string            `json:"name" yaml:"name"`
	Driver string            `json:"driver,omitempty" yaml:"driver,omitempty"`
	Role   Role              `json:"role,omitempty" yaml:"role,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ResourceCounts summarizes a snapshot
type ResourceCounts struct {
	Containers int `json:"containers"`
	Running    int `json:"running"`
	Healthy    int `json:"healthy"`
	Unhealthy  int `json:"unhealthy"`
	Networks   int `json:"networks"`
	Volumes    int `json:"volumes"`
}

// Snapshot represents a point-in-time observation (or declaration) of an
// environment. Snapshots are not modified after capture.
type Snapshot struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Environment string           `json:"environment"`
	Source      string           `json:"source"`
	Containers  []ContainerState `json:"containers"`
	Networks    []NetworkState   `json:"networks"`
	Volumes     []VolumeState    `json:"volumes"`
	Counts      ResourceCounts   `json:"counts"`
}

// Validate checks if the Snapshot has all required fields and valid values
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("snapshot ID is required")
	}
	if s.Timestamp.IsZero() {
		return errors.New("snapshot timestamp is required")
	}
	if strings.TrimSpace(s.Environment) == "" {
		return errors.New("snapshot environment is required")
	}

	seen := make(map[string]bool)
	for _, key := range s.Keys() {
		if seen[key] {
			return fmt.Errorf("duplicate resource %s", key)
		}
		seen[key] = true
	}

	for i := range s.Containers {
		if s.Containers[i].Name == "" {
			return fmt.Errorf("container at index %d has no name", i)
		}
		if !s.Containers[i].Role.IsValid() {
			return fmt.Errorf("container %s has invalid role %q", s.Containers[i].Name, s.Containers[i].Role)
		}
	}
	for i := range s.Networks {
		if s.Networks[i].Name == "" {
			return fmt.Errorf("network at index %d has no name", i)
		}
	}
	for i := range s.Volumes {
		if s.Volumes[i].Name == "" {
			return fmt.Errorf("volume at index %d has no name", i)
		}
	}

	return nil
}

// ResourceKey builds the key used to index resources of a snapshot
func ResourceKey(resourceType, name string) string {
	return resourceType + "/" + name
}

// SplitResourceKey is the inverse of ResourceKey
func SplitResourceKey(key string) (resourceType, name string) {
	resourceType, name, _ = strings.Cut(key, "/")
	return resourceType, name
}

// Keys returns every resource key in the snapshot, sorted
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Containers)+len(s.Networks)+len(s.Volumes))
	for _, c := range s.Containers {
		keys = append(keys, ResourceKey(ResourceContainer, c.Name))
	}
	for _, n := range s.Networks {
		keys = append(keys, ResourceKey(ResourceNetwork, n.Name))
	}
	for _, v := range s.Volumes {
		keys = append(keys, ResourceKey(ResourceVolume, v.Name))
	}
	sort.Strings(keys)
	return keys
}

// GetContainer returns a container by name, or nil if not found
func (s *Snapshot) GetContainer(name string) *ContainerState {
	for i := range s.Containers {
		if s.Containers[i].Name == name {
			return &s.Containers[i]
		}
	}
	return nil
}

// ComputeCounts fills Counts from the resource lists
func (s *Snapshot) ComputeCounts() {
	counts := ResourceCounts{
		Containers: len(s.Containers),
		Networks:   len(s.Networks),
		Volumes:    len(s.Volumes),
	}
	for _, c := range s.Containers {
		if c.Status == StatusRunning {
			counts.Running++
		}
		switch c.Health {
		case HealthHealthy:
			counts.Healthy++
		case HealthUnhealthy:
			counts.Unhealthy++
		}
	}
	s.Counts = counts
}

// Clone creates a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{
		ID:          s.ID,
		Timestamp:   s.Timestamp,
		Environment: s.Environment,
		Source:      s.Source,
		Counts:      s.Counts,
	}

	if s.Containers != nil {
		clone.Containers = make([]ContainerState, len(s.Containers))
		for i, c := range s.Containers {
			c.Ports = append([]string(nil), c.Ports...)
			c.Labels = cloneLabels(c.Labels)
			clone.Containers[i] = c
		}
	}
	if s.Networks != nil {
		clone.Networks = make([]NetworkState, len(s.Networks))
		for i, n := range s.Networks {
			n.Labels = cloneLabels(n.Labels)
			clone.Networks[i] = n
		}
	}
	if s.Volumes != nil {
		clone.Volumes = make([]VolumeState, len(s.Volumes))
		for i, v := range s.Volumes {
			v.Labels = cloneLabels(v.Labels)
			clone.Volumes[i] = v
		}
	}

	return clone
}

// String returns a string representation of the snapshot
func (s *Snapshot) String() string {
	return s.Source + ":" + s.Environment + " snapshot " + s.ID + " (" + s.Timestamp.Format(time.RFC3339) + ")"
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
