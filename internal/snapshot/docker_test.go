package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// fakeDocker answers docker CLI invocations from canned output keyed by the
// joined argument list
type fakeDocker struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeDocker) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if out, ok := f.outputs[key]; ok {
		return []byte(out), nil
	}
	return nil, fmt.Errorf("unexpected command: %s %s", name, key)
}

const psArgs = "ps -a --filter label=environment=dev --format {{json .}}"

func TestDockerRuntime_Containers(t *testing.T) {
	fake := &fakeDocker{
		outputs: map[string]string{
			psArgs: `{"ID":"a1","Image":"nginx:1.25","Names":"web-1","State":"running","Status":"Up 2 hours (healthy)","Ports":"0.0.0.0:8080->80/tcp, :::8080->80/tcp","Labels":"environment=dev,vahti.role=required"}
{"ID":"b2","Image":"postgres:16","Names":"db","State":"running","Status":"Up 2 hours","Ports":"5432/tcp","Labels":"environment=dev,vahti.role=database"}
{"ID":"c3","Image":"busybox","Names":"job","State":"exited","Status":"Exited (0)","Ports":"","Labels":"environment=dev"}
`,
			"inspect --format " + healthFormat + " web-1": "healthy\n",
		},
		errs: map[string]error{
			"inspect --format " + healthFormat + " db": errors.New("daemon hiccup"),
		},
	}

	rt := NewDockerRuntime("docker", fake.run)
	containers, err := rt.Containers(context.Background(), "dev")
	require.NoError(t, err)
	require.Len(t, containers, 3)

	web := containers[0]
	assert.Equal(t, "web-1", web.Name)
	assert.Equal(t, types.StatusRunning, web.Status)
	assert.Equal(t, types.HealthHealthy, web.Health)
	assert.Equal(t, 1, web.Replicas)
	assert.Equal(t, []string{"8080:80/tcp"}, web.Ports)
	assert.Equal(t, types.RoleRequired, web.Role)

	db := containers[1]
	assert.Equal(t, types.HealthUnknown, db.Health, "failed health lookup degrades to unknown")
	assert.Equal(t, types.RoleDatabase, db.Role)
	assert.Empty(t, db.Ports)

	job := containers[2]
	assert.Equal(t, types.StatusExited, job.Status)
	assert.Equal(t, 0, job.Replicas)
	assert.Equal(t, types.HealthNone, job.Health)
}

func TestDockerRuntime_NetworksAndVolumes(t *testing.T) {
	fake := &fakeDocker{outputs: map[string]string{
		"network ls --filter label=environment=dev --format {{json .}}": `{"Name":"app-net","Driver":"bridge","Labels":"environment=dev"}`,
		"volume ls --filter label=environment=dev --format {{json .}}":  `{"Name":"db-data","Driver":"local","Labels":"environment=dev,vahti.role=database"}`,
	}}
	rt := NewDockerRuntime("", fake.run)

	networks, err := rt.Networks(context.Background(), "dev")
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "bridge", networks[0].Driver)

	volumes, err := rt.Volumes(context.Background(), "dev")
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, types.RoleDatabase, volumes[0].Role)
}

func TestDockerRuntime_InspectMissing(t *testing.T) {
	fake := &fakeDocker{outputs: map[string]string{
		"ps -a --filter label=environment=dev --filter name=^web-9$ --format {{json .}}": "",
	}}
	rt := NewDockerRuntime("docker", fake.run)

	_, err := rt.Inspect(context.Background(), "dev", "web-9")
	assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
}

func TestDockerRuntime_Actions(t *testing.T) {
	fake := &fakeDocker{outputs: map[string]string{
		"restart web-1": "web-1",
		"start web-2":   "web-2",
		"rm -f debug":   "debug",
	}}
	rt := NewDockerRuntime("docker", fake.run)
	ctx := context.Background()

	require.NoError(t, rt.Restart(ctx, "dev", "web-1"))
	require.NoError(t, rt.Start(ctx, "dev", "web-2"))
	require.NoError(t, rt.Remove(ctx, "dev", "debug"))
	assert.Equal(t, []string{"restart web-1", "start web-2", "rm -f debug"}, fake.calls)
}

func TestParseDockerPorts(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"80/tcp", nil},
		{"0.0.0.0:443->443/tcp, 0.0.0.0:80->80/tcp", []string{"443:443/tcp", "80:80/tcp"}},
		{"127.0.0.1:5353->53/udp", []string{"5353:53/udp"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseDockerPorts(tt.in), tt.in)
	}
}

func TestParseLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": ""}, parseLabels("a=1,b="))
	assert.Empty(t, parseLabels(""))
}
