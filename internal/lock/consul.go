package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

const (
	consulKeyPrefix  = "vahti/monitor/"
	defaultConsulTTL = 15 * time.Second
)

// ConsulMarker holds the marker key under a consul session. The session is
// renewed in the background; if the process dies the session TTL lapses and
// consul deletes the key, which makes takeover automatic.
type ConsulMarker struct {
	cli *consulapi.Client
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	held      *types.MarkerInfo
	sessionID string
	stopRenew chan struct{}
}

// NewConsulMarker connects to consul at addr (CONSUL_HTTP_ADDR when empty)
func NewConsulMarker(addr string, staleAfter time.Duration) (*ConsulMarker, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, vahtierrors.ConfigurationError("invalid consul configuration: " + err.Error())
	}

	ttl := defaultConsulTTL
	if staleAfter > ttl {
		ttl = staleAfter
	}
	return &ConsulMarker{cli: cli, ttl: ttl, now: time.Now}, nil
}

func consulKey(environment string) string {
	return consulKeyPrefix + environment
}

func (m *ConsulMarker) Acquire(ctx context.Context, info types.MarkerInfo) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)

	sessionID, _, err := m.cli.Session().Create(&consulapi.SessionEntry{
		Name:     "vahti-monitor-" + info.Environment,
		TTL:      m.ttl.String(),
		Behavior: consulapi.SessionBehaviorDelete,
	}, opts)
	if err != nil {
		return vahtierrors.PersistenceError("create consul session", err)
	}

	value, err := json.Marshal(info)
	if err != nil {
		m.destroy(sessionID)
		return vahtierrors.PersistenceError("marshal marker", err)
	}

	acquired, _, err := m.cli.KV().Acquire(&consulapi.KVPair{
		Key:     consulKey(info.Environment),
		Value:   value,
		Session: sessionID,
	}, opts)
	if err != nil {
		m.destroy(sessionID)
		return vahtierrors.PersistenceError("acquire consul key", err)
	}
	if !acquired {
		m.destroy(sessionID)
		if existing, readErr := m.Read(ctx, info.Environment); readErr == nil {
			return vahtierrors.AlreadyRunning(existing.Environment, existing.Hostname, existing.PID)
		}
		return vahtierrors.AlreadyRunning(info.Environment, "unknown", 0)
	}

	stop := make(chan struct{})
	go func() {
		_ = m.cli.Session().RenewPeriodic(m.ttl.String(), sessionID, nil, stop)
	}()

	m.mu.Lock()
	m.held = &info
	m.sessionID = sessionID
	m.stopRenew = stop
	m.mu.Unlock()
	return nil
}

func (m *ConsulMarker) Heartbeat(ctx context.Context, session *types.MonitorSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == nil {
		return vahtierrors.New(vahtierrors.ErrorTypeValidation, "lock", "heartbeat without an acquired marker")
	}

	m.held.HeartbeatAt = m.now()
	if session != nil {
		snapshot := *session
		m.held.Session = &snapshot
	}

	value, err := json.Marshal(m.held)
	if err != nil {
		return vahtierrors.PersistenceError("marshal marker", err)
	}

	// Acquiring again with the owning session only updates the value
	ok, _, err := m.cli.KV().Acquire(&consulapi.KVPair{
		Key:     consulKey(m.held.Environment),
		Value:   value,
		Session: m.sessionID,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return vahtierrors.PersistenceError("update consul marker", err)
	}
	if !ok {
		return vahtierrors.New(vahtierrors.ErrorTypeAlreadyRunning, "lock",
			"monitor marker for "+m.held.Environment+" was lost").
			WithCause("The consul session expired or another instance took over")
	}
	return nil
}

func (m *ConsulMarker) Release(ctx context.Context) error {
	m.mu.Lock()
	held, sessionID, stop := m.held, m.sessionID, m.stopRenew
	m.held, m.sessionID, m.stopRenew = nil, "", nil
	m.mu.Unlock()

	if held == nil {
		return nil
	}
	close(stop)

	_, _, err := m.cli.KV().Release(&consulapi.KVPair{
		Key:     consulKey(held.Environment),
		Session: sessionID,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	m.destroy(sessionID)
	if err != nil {
		return vahtierrors.PersistenceError("release consul key", err)
	}
	return nil
}

func (m *ConsulMarker) Read(ctx context.Context, environment string) (*types.MarkerInfo, error) {
	kv, _, err := m.cli.KV().Get(consulKey(environment), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, vahtierrors.PersistenceError("read consul marker", err)
	}
	if kv == nil || len(kv.Value) == 0 {
		return nil, vahtierrors.NotFound("monitor marker", environment)
	}

	var info types.MarkerInfo
	if err := json.Unmarshal(kv.Value, &info); err != nil {
		return nil, vahtierrors.PersistenceError("decode consul marker", err)
	}
	return &info, nil
}

func (m *ConsulMarker) destroy(sessionID string) {
	_, _ = m.cli.Session().Destroy(sessionID, nil)
}
