package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// deadPID is far above any pid_max
const deadPID = 1 << 30

func otherInfo(pid int, heartbeat time.Time) types.MarkerInfo {
	hostname, _ := os.Hostname()
	return types.MarkerInfo{
		Environment: "dev",
		PID:         pid,
		Token:       fmt.Sprintf("holder-%d", pid),
		Hostname:    hostname,
		StartedAt:   heartbeat,
		HeartbeatAt: heartbeat,
	}
}

func remoteInfo(heartbeat time.Time) types.MarkerInfo {
	info := otherInfo(deadPID, heartbeat)
	info.Hostname = "some-other-host"
	info.Token = "remote-holder"
	return info
}

func TestFileMarker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	marker := NewFileMarker(t.TempDir(), time.Minute)

	info := NewInfo("dev", time.Now())
	require.NoError(t, marker.Acquire(ctx, info))

	read, err := marker.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), read.PID)

	session := &types.MonitorSession{Environment: "dev", State: types.MonitorRunning, Cycles: 3}
	require.NoError(t, marker.Heartbeat(ctx, session))
	read, err = marker.Read(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, read.Session)
	assert.Equal(t, 3, read.Session.Cycles)

	require.NoError(t, marker.Release(ctx))
	_, err = marker.Read(ctx, "dev")
	assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
}

func TestFileMarker_LiveHolderBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// The parent process (the test runner) is alive
	holder := NewFileMarker(dir, time.Minute)
	require.NoError(t, holder.Acquire(ctx, otherInfo(os.Getppid(), time.Now())))

	second := NewFileMarker(dir, time.Minute)
	err := second.Acquire(ctx, NewInfo("dev", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyRunning))
}

func TestFileMarker_TakesOverStaleMarker(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		info types.MarkerInfo
	}{
		{"dead process", otherInfo(deadPID, time.Now())},
		{"old heartbeat on another host", remoteInfo(time.Now().Add(-time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			stale := NewFileMarker(dir, time.Minute)
			require.NoError(t, stale.Acquire(ctx, tt.info))

			fresh := NewFileMarker(dir, time.Minute)
			require.NoError(t, fresh.Acquire(ctx, NewInfo("dev", time.Now())))

			read, err := fresh.Read(ctx, "dev")
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), read.PID)

			// The previous holder must not remove the new marker
			require.NoError(t, stale.Release(ctx))
			_, err = fresh.Read(ctx, "dev")
			assert.NoError(t, err)
		})
	}
}

func TestFileMarker_HeartbeatWithoutAcquire(t *testing.T) {
	marker := NewFileMarker(t.TempDir(), time.Minute)
	assert.Error(t, marker.Heartbeat(context.Background(), nil))
	assert.NoError(t, marker.Release(context.Background()))
}

func TestFileMarker_RejectsPathEnvironment(t *testing.T) {
	ctx := context.Background()
	marker := NewFileMarker(t.TempDir(), time.Minute)

	err := marker.Acquire(ctx, NewInfo("../escape", time.Now()))
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation))

	_, err = marker.Read(ctx, "../escape")
	assert.True(t, errors.Is(err, vahtierrors.ErrValidation))
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	assert.True(t, IsStale(nil, now, time.Minute))

	live := otherInfo(os.Getpid(), now)
	assert.False(t, IsStale(&live, now, time.Minute))
	assert.False(t, IsStale(&live, now.Add(time.Hour), time.Minute), "a live local process is never stale")

	dead := otherInfo(deadPID, now)
	assert.True(t, IsStale(&dead, now, time.Minute))

	remote := remoteInfo(now)
	assert.False(t, IsStale(&remote, now, time.Minute), "remote pids are judged by heartbeat only")
	assert.True(t, IsStale(&remote, now.Add(2*time.Minute), time.Minute))
	assert.False(t, IsStale(&remote, now.Add(time.Hour), 0), "no heartbeat limit configured")
}

// A cycle longer than the stale window must not let a second monitor in
func TestFileMarker_LiveHolderWithOldHeartbeatBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	holder := NewFileMarker(dir, 3*time.Minute)
	require.NoError(t, holder.Acquire(ctx, otherInfo(os.Getppid(), time.Now().Add(-10*time.Minute))))

	second := NewFileMarker(dir, 3*time.Minute)
	err := second.Acquire(ctx, NewInfo("dev", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyRunning))
}

func TestFileMarker_SecondInstanceInSameProcess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileMarker(dir, time.Minute)
	firstInfo := NewInfo("dev", time.Now())
	require.NoError(t, first.Acquire(ctx, firstInfo))

	second := NewFileMarker(dir, time.Minute)
	err := second.Acquire(ctx, NewInfo("dev", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyRunning))

	// The loser never held the marker, so releasing it is a no-op
	require.NoError(t, second.Release(ctx))
	read, err := first.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, firstInfo.Token, read.Token)

	// Re-acquiring with the same instance is allowed
	require.NoError(t, first.Acquire(ctx, firstInfo))
	require.NoError(t, first.Release(ctx))
}

func TestFileMarker_HeartbeatAfterTakeover(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	previous := NewFileMarker(dir, time.Minute)
	require.NoError(t, previous.Acquire(ctx, remoteInfo(time.Now().Add(-time.Hour))))

	current := NewFileMarker(dir, time.Minute)
	currentInfo := NewInfo("dev", time.Now())
	require.NoError(t, current.Acquire(ctx, currentInfo))

	err := previous.Heartbeat(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, vahtierrors.ErrAlreadyRunning))

	read, err := current.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, currentInfo.Token, read.Token)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "zookeeper"})
	assert.True(t, errors.Is(err, vahtierrors.ErrConfiguration))
}

func TestConsulMarker_Read(t *testing.T) {
	info := otherInfo(42, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	value, err := json.Marshal(info)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/kv/vahti/monitor/dev":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"Key": "vahti/monitor/dev", "Value": value},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	marker, err := NewConsulMarker(server.URL, 0)
	require.NoError(t, err)

	read, err := marker.Read(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, 42, read.PID)
	assert.Equal(t, "dev", read.Environment)

	_, err = marker.Read(context.Background(), "prod")
	assert.True(t, errors.Is(err, vahtierrors.ErrNotFound))
}
