package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// DefaultTimeout bounds one capture when no timeout is configured
const DefaultTimeout = 30 * time.Second

// Snapshotter captures an immutable Snapshot of an environment. It never
// changes runtime state.
type Snapshotter struct {
	runtime Runtime
	timeout time.Duration
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewSnapshotter creates a snapshotter over runtime
func NewSnapshotter(runtime Runtime, timeout time.Duration, log logrus.FieldLogger) *Snapshotter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Snapshotter{runtime: runtime, timeout: timeout, log: log, now: time.Now}
}

// Runtime returns the runtime the snapshotter reads from
func (s *Snapshotter) Runtime() Runtime {
	return s.runtime
}

// Capture lists the environment's containers, networks and volumes. Any
// listing failure (including the timeout) is reported as
// CollectorUnavailable.
func (s *Snapshotter) Capture(ctx context.Context, environment string) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	log := s.log.WithFields(logrus.Fields{
		"environment": environment,
		"runtime":     s.runtime.Name(),
	})

	containers, err := s.runtime.Containers(ctx, environment)
	if err != nil {
		return nil, s.unavailable(err)
	}
	networks, err := s.runtime.Networks(ctx, environment)
	if err != nil {
		return nil, s.unavailable(err)
	}
	volumes, err := s.runtime.Volumes(ctx, environment)
	if err != nil {
		return nil, s.unavailable(err)
	}

	for i := range containers {
		if containers[i].Health == "" {
			containers[i].Health = types.HealthUnknown
		}
	}

	snap := &types.Snapshot{
		ID:          uuid.NewString(),
		Timestamp:   start.UTC(),
		Environment: environment,
		Source:      s.runtime.Name(),
		Containers:  containers,
		Networks:    networks,
		Volumes:     volumes,
	}
	snap.ComputeCounts()

	log.WithFields(logrus.Fields{
		"snapshot_id": snap.ID,
		"containers":  snap.Counts.Containers,
		"unhealthy":   snap.Counts.Unhealthy,
		"duration":    s.now().Sub(start).Round(time.Millisecond),
	}).Debug("Captured snapshot")

	return snap, nil
}

func (s *Snapshotter) unavailable(err error) error {
	if vahtierrors.IsType(err, vahtierrors.ErrorTypeCollectorUnavailable) {
		return err
	}
	return vahtierrors.CollectorUnavailable(s.runtime.Name(), err)
}
