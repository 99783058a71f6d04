// Package lock implements the per-environment liveness marker that keeps
// more than one monitor from running against the same environment.
package lock

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// Marker claims an environment for a single monitor instance
type Marker interface {
	// Acquire claims the environment. It fails with AlreadyRunning when a
	// live instance holds the marker; stale markers are taken over.
	Acquire(ctx context.Context, info types.MarkerInfo) error
	// Heartbeat refreshes the marker and records the current session
	Heartbeat(ctx context.Context, session *types.MonitorSession) error
	// Release drops the marker if this instance still owns it
	Release(ctx context.Context) error
	// Read returns the marker of an environment, NotFound when none exists
	Read(ctx context.Context, environment string) (*types.MarkerInfo, error)
}

// Config selects the marker backend
type Config struct {
	Backend       string
	BaseDir       string
	ConsulAddress string
	StaleAfter    time.Duration
}

// New creates the configured marker
func New(cfg Config) (Marker, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileMarker(cfg.BaseDir, cfg.StaleAfter), nil
	case "consul":
		return NewConsulMarker(cfg.ConsulAddress, cfg.StaleAfter)
	default:
		return nil, vahtierrors.ConfigurationError("unknown lock backend: " + cfg.Backend).
			WithSolutions("Set lock.backend to 'file' or 'consul'")
	}
}

// NewInfo describes the current process as a marker holder
func NewInfo(environment string, now time.Time) types.MarkerInfo {
	hostname, _ := os.Hostname()
	return types.MarkerInfo{
		Environment: environment,
		PID:         os.Getpid(),
		Token:       uuid.NewString(),
		Hostname:    hostname,
		StartedAt:   now,
		HeartbeatAt: now,
	}
}

// IsStale reports whether a marker no longer represents a live monitor. A
// marker from this host is stale only when its process is gone, so a long
// cycle never loses the environment. The process behind a marker from
// another host is not visible, so heartbeat age decides.
func IsStale(info *types.MarkerInfo, now time.Time, staleAfter time.Duration) bool {
	if info == nil {
		return true
	}
	if hostname, _ := os.Hostname(); info.Hostname == hostname {
		return !processAlive(info.PID)
	}
	return staleAfter > 0 && now.Sub(info.HeartbeatAt) > staleAfter
}

// sameHolder reports whether two markers describe the same monitor instance
func sameHolder(a, b *types.MarkerInfo) bool {
	return a.Token != "" && a.Token == b.Token
}

// Stop asks the monitor recorded in the marker to shut down. It only works
// for monitors on this host.
func Stop(info *types.MarkerInfo) error {
	hostname, _ := os.Hostname()
	if info.Hostname != hostname {
		return vahtierrors.New(vahtierrors.ErrorTypeValidation, "lock",
			"monitor for "+info.Environment+" runs on "+info.Hostname).
			WithSolutions("Run 'vahti monitor stop' on " + info.Hostname)
	}
	if err := signalStop(info.PID); err != nil {
		return vahtierrors.Wrap(err, vahtierrors.ErrorTypeValidation, "lock", "failed to signal monitor process")
	}
	return nil
}
