package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/storage"
	"github.com/yairfalse/vahti/pkg/config"
	"github.com/yairfalse/vahti/pkg/types"
)

// FileMarker keeps the marker as <dir>/<environment>.json. Acquire,
// Heartbeat and Release hold an advisory lock on a sibling .lock file so two
// monitors starting at once cannot both win. Ownership is the instance token,
// not the pid.
type FileMarker struct {
	dir        string
	staleAfter time.Duration
	writer     *storage.AtomicWriter
	now        func() time.Time

	mu   sync.Mutex
	held *types.MarkerInfo
}

// NewFileMarker creates a marker rooted at <baseDir>/monitor
func NewFileMarker(baseDir string, staleAfter time.Duration) *FileMarker {
	return &FileMarker{
		dir:        filepath.Join(baseDir, "monitor"),
		staleAfter: staleAfter,
		writer:     storage.NewAtomicWriter("", 0),
		now:        time.Now,
	}
}

func (m *FileMarker) path(environment string) string {
	return filepath.Join(m.dir, environment+".json")
}

func checkEnvironment(environment string) error {
	if err := config.ValidateEnvironment(environment); err != nil {
		return vahtierrors.New(vahtierrors.ErrorTypeValidation, "lock", err.Error())
	}
	return nil
}

func (m *FileMarker) Acquire(ctx context.Context, info types.MarkerInfo) error {
	if err := checkEnvironment(info.Environment); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return vahtierrors.PersistenceError("create marker directory", err)
	}

	unlock, err := storage.LockFile(m.path(info.Environment) + ".lock")
	if err != nil {
		return vahtierrors.PersistenceError("lock marker", err)
	}
	defer unlock()

	existing, err := m.Read(ctx, info.Environment)
	switch {
	case err == nil:
		if !sameHolder(existing, &info) && !IsStale(existing, m.now(), m.staleAfter) {
			return vahtierrors.AlreadyRunning(existing.Environment, existing.Hostname, existing.PID)
		}
	case vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound):
	default:
		return err
	}

	if err := m.write(&info); err != nil {
		return err
	}

	m.held = &info
	return nil
}

func (m *FileMarker) Heartbeat(ctx context.Context, session *types.MonitorSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == nil {
		return vahtierrors.New(vahtierrors.ErrorTypeValidation, "lock", "heartbeat without an acquired marker")
	}

	unlock, err := storage.LockFile(m.path(m.held.Environment) + ".lock")
	if err != nil {
		return vahtierrors.PersistenceError("lock marker", err)
	}
	defer unlock()

	current, err := m.Read(ctx, m.held.Environment)
	switch {
	case err == nil:
		if !sameHolder(current, m.held) {
			return vahtierrors.New(vahtierrors.ErrorTypeAlreadyRunning, "lock",
				"monitor marker for "+m.held.Environment+" was lost").
				WithCause(fmt.Sprintf("Taken over by pid %d on %s", current.PID, current.Hostname))
		}
	case vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound):
		// Removed by hand; write it back
	default:
		return err
	}

	m.held.HeartbeatAt = m.now()
	if session != nil {
		snapshot := *session
		m.held.Session = &snapshot
	}
	return m.write(m.held)
}

func (m *FileMarker) Release(ctx context.Context) error {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()

	if held == nil {
		return nil
	}

	unlock, err := storage.LockFile(m.path(held.Environment) + ".lock")
	if err != nil {
		return vahtierrors.PersistenceError("lock marker", err)
	}
	defer unlock()

	// Only remove the marker if a newer instance has not taken it over
	current, err := m.Read(ctx, held.Environment)
	if err != nil {
		if vahtierrors.IsType(err, vahtierrors.ErrorTypeNotFound) {
			return nil
		}
		return err
	}
	if !sameHolder(current, held) {
		return nil
	}

	if err := os.Remove(m.path(held.Environment)); err != nil && !os.IsNotExist(err) {
		return vahtierrors.PersistenceError("remove marker", err)
	}
	return nil
}

func (m *FileMarker) Read(ctx context.Context, environment string) (*types.MarkerInfo, error) {
	if err := checkEnvironment(environment); err != nil {
		return nil, err
	}
	data, err := m.writer.ReadFile(m.path(environment))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vahtierrors.NotFound("monitor marker", environment)
		}
		return nil, vahtierrors.PersistenceError("read marker", err)
	}

	var info types.MarkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, vahtierrors.PersistenceError("decode marker", err)
	}
	return &info, nil
}

func (m *FileMarker) write(info *types.MarkerInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return vahtierrors.PersistenceError("marshal marker", err)
	}
	if err := m.writer.WriteFile(m.path(info.Environment), data, 0o644); err != nil {
		return vahtierrors.PersistenceError("write marker", err)
	}
	return nil
}
