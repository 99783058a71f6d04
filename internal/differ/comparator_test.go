package differ

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/types"
)

func webDesired() *types.Snapshot {
	return &types.Snapshot{
		ID:          "desired-1",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Environment: "dev",
		Source:      "manifest",
		Containers: []types.ContainerState{
			{Name: "web-1", Image: "nginx:1.25", Status: types.StatusRunning, Replicas: 1, Labels: map[string]string{"environment": "dev"}},
			{Name: "web-2", Image: "nginx:1.25", Status: types.StatusRunning, Replicas: 1, Labels: map[string]string{"environment": "dev"}},
		},
		Networks: []types.NetworkState{{Name: "app-net", Driver: "bridge"}},
	}
}

func webActual() *types.Snapshot {
	return &types.Snapshot{
		ID:          "snap-1",
		Timestamp:   time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
		Environment: "dev",
		Source:      "docker",
		Containers: []types.ContainerState{
			{Name: "web-1", Image: "nginx:1.25", Status: types.StatusRunning, Health: types.HealthHealthy, Replicas: 1,
				Labels: map[string]string{"environment": "dev", "com.docker.compose.project": "app"}},
			{Name: "web-2", Image: "nginx:1.25", Status: types.StatusRunning, Health: types.HealthHealthy, Replicas: 1,
				Labels: map[string]string{"environment": "dev"}},
		},
		Networks: []types.NetworkState{{Name: "app-net", Driver: "bridge"}},
	}
}

func TestCompare_NoDrift(t *testing.T) {
	report := Compare(webDesired(), webActual())

	assert.False(t, report.HasDrift)
	assert.Empty(t, report.Findings)
	assert.NoError(t, report.Validate())
	assert.Equal(t, "dev", report.Environment)
	assert.Equal(t, "snap-1", report.SnapshotID)
}

func TestCompare_SelfIsCongruent(t *testing.T) {
	snapshots := []*types.Snapshot{webDesired(), webActual(), {ID: "empty", Environment: "dev"}}

	unhealthy := webActual()
	unhealthy.Containers[0].Health = types.HealthUnhealthy
	unhealthy.Containers[1].Status = types.StatusExited
	snapshots = append(snapshots, unhealthy)

	for _, s := range snapshots {
		report := Compare(s, s)
		assert.False(t, report.HasDrift, "snapshot %s compared with itself", s.ID)
		assert.Empty(t, report.Findings)
	}
}

func TestCompare_Deterministic(t *testing.T) {
	desired := webDesired()
	actual := webActual()
	actual.Containers = actual.Containers[:1]
	actual.Containers = append(actual.Containers, types.ContainerState{Name: "debug", Status: types.StatusRunning})
	actual.Containers[0].Health = types.HealthUnhealthy
	actual.Containers[0].Image = "nginx:1.24"

	first, err := json.Marshal(Compare(desired, actual))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := json.Marshal(Compare(desired.Clone(), actual.Clone()))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestCompare_MissingReplica(t *testing.T) {
	actual := webActual()
	actual.Containers = actual.Containers[:1]

	report := Compare(webDesired(), actual)

	require.True(t, report.HasDrift)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, types.MissingResource, f.Kind)
	assert.Equal(t, "container/web-2", f.ResourceID)
	assert.Equal(t, types.SeverityCritical, f.Severity)
}

func TestCompare_ExtraContainer(t *testing.T) {
	actual := webActual()
	actual.Containers = append(actual.Containers, types.ContainerState{Name: "debug-shell", Status: types.StatusRunning})

	report := Compare(webDesired(), actual)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, types.ExtraResource, report.Findings[0].Kind)
	assert.Equal(t, types.SeverityWarning, report.Findings[0].Severity)
}

func TestCompare_Findings(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(desired, actual *types.Snapshot)
		kind     types.FindingKind
		field    string
		severity types.Severity
	}{
		{
			name:     "optional container missing",
			mutate:   func(d, a *types.Snapshot) { d.Containers[1].Role = types.RoleOptional; a.Containers = a.Containers[:1] },
			kind:     types.MissingResource,
			severity: types.SeverityWarning,
		},
		{
			name:     "stopped container",
			mutate:   func(d, a *types.Snapshot) { a.Containers[1].Status = types.StatusExited; a.Containers[1].Replicas = 0 },
			kind:     types.StateMismatch,
			field:    "status",
			severity: types.SeverityWarning,
		},
		{
			name: "stopped database",
			mutate: func(d, a *types.Snapshot) {
				d.Containers[1].Role = types.RoleDatabase
				a.Containers[1].Status = types.StatusExited
				a.Containers[1].Replicas = 0
			},
			kind:     types.StateMismatch,
			field:    "status",
			severity: types.SeverityCritical,
		},
		{
			name:     "replica count",
			mutate:   func(d, a *types.Snapshot) { d.Containers[1].Replicas = 3; a.Containers[1].Replicas = 2 },
			kind:     types.StateMismatch,
			field:    "replicas",
			severity: types.SeverityWarning,
		},
		{
			name:     "unhealthy",
			mutate:   func(d, a *types.Snapshot) { a.Containers[1].Health = types.HealthUnhealthy },
			kind:     types.HealthDegraded,
			field:    "health",
			severity: types.SeverityCritical,
		},
		{
			name:     "image changed",
			mutate:   func(d, a *types.Snapshot) { a.Containers[1].Image = "nginx:1.26" },
			kind:     types.ConfigDrift,
			field:    "image",
			severity: types.SeverityWarning,
		},
		{
			name:     "ports changed",
			mutate:   func(d, a *types.Snapshot) { d.Containers[1].Ports = []string{"8080:80"}; a.Containers[1].Ports = []string{"9090:80/tcp"} },
			kind:     types.ConfigDrift,
			field:    "ports",
			severity: types.SeverityWarning,
		},
		{
			name:     "label changed",
			mutate:   func(d, a *types.Snapshot) { a.Containers[1].Labels["environment"] = "prod" },
			kind:     types.ConfigDrift,
			field:    "labels.environment",
			severity: types.SeverityInfo,
		},
		{
			name:     "network driver",
			mutate:   func(d, a *types.Snapshot) { a.Networks[0].Driver = "overlay" },
			kind:     types.ConfigDrift,
			field:    "driver",
			severity: types.SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired, actual := webDesired(), webActual()
			tt.mutate(desired, actual)

			report := Compare(desired, actual)
			require.Len(t, report.Findings, 1, "findings: %v", report.Findings)
			f := report.Findings[0]
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.field, f.Field)
			assert.Equal(t, tt.severity, f.Severity)
			assert.NotEmpty(t, f.Message)
			assert.Equal(t, 1, report.Summary.Total)
		})
	}
}

func TestCompare_IgnoresEquivalentValues(t *testing.T) {
	desired, actual := webDesired(), webActual()
	desired.Containers[0].Image = "redis"
	actual.Containers[0].Image = "redis:latest"
	desired.Containers[1].Ports = []string{"80:80", "443:443/tcp"}
	actual.Containers[1].Ports = []string{"443:443/tcp", "80:80/tcp"}

	report := Compare(desired, actual)
	assert.False(t, report.HasDrift, "findings: %v", report.Findings)
}

func TestCompare_Ordering(t *testing.T) {
	desired := webDesired()
	desired.Volumes = []types.VolumeState{{Name: "db-data"}}

	actual := webActual()
	actual.Containers[0].Health = types.HealthUnhealthy
	actual.Containers[0].Image = "nginx:1.24"
	actual.Containers = append(actual.Containers, types.ContainerState{Name: "a-extra"})

	report := Compare(desired, actual)

	var got []string
	for _, f := range report.Findings {
		got = append(got, f.ResourceID+" "+string(f.Kind))
	}
	assert.Equal(t, []string{
		"container/a-extra extra_resource",
		"container/web-1 config_drift",
		"container/web-1 health_degraded",
		"volume/db-data missing_resource",
	}, got)
}

func TestReportID(t *testing.T) {
	assert.Equal(t, ReportID("d", "s", "dev"), ReportID("d", "s", "dev"))
	assert.NotEqual(t, ReportID("d", "s1", "dev"), ReportID("d", "s2", "dev"))
}
