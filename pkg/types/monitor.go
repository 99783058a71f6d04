package types

import "time"

// MonitorState is the state of a monitor session
type MonitorState string

const (
	MonitorStopped  MonitorState = "stopped"
	MonitorRunning  MonitorState = "running"
	MonitorDegraded MonitorState = "degraded"
	MonitorHalted   MonitorState = "halted"
)

// MonitorSession is the state of one monitor loop. It exists for the
// lifetime of the loop and is reset on restart.
type MonitorSession struct {
	Environment         string        `json:"environment"`
	Interval            time.Duration `json:"interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	MaxFailures         int           `json:"max_failures"`
	LastSuccessAt       time.Time     `json:"last_success_at,omitempty"`
	LastCheckAt         time.Time     `json:"last_check_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	LastReportID        string        `json:"last_report_id,omitempty"`
	State               MonitorState  `json:"state"`
	StartedAt           time.Time     `json:"started_at"`
	Cycles              int           `json:"cycles"`
}

// Running mirrors the boolean view of the session: true while the loop is
// scheduling cycles
func (s *MonitorSession) Running() bool {
	return s.State == MonitorRunning || s.State == MonitorDegraded
}

// MarkerInfo is the content of the liveness marker for an environment
type MarkerInfo struct {
	Environment string          `json:"environment"`
	PID         int             `json:"pid"`
	// Token identifies one monitor instance; two monitors in the same
	// process have the same pid but different tokens
	Token       string          `json:"token"`
	Hostname    string          `json:"hostname"`
	StartedAt   time.Time       `json:"started_at"`
	HeartbeatAt time.Time       `json:"heartbeat_at"`
	Session     *MonitorSession `json:"session,omitempty"`
}
