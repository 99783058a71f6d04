package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeCollectorUnavailable  ErrorType = "CollectorUnavailable"
	ErrorTypeProvider              ErrorType = "Provider"
	ErrorTypeConflict              ErrorType = "Conflict"
	ErrorTypeAlreadyTerminal       ErrorType = "AlreadyTerminal"
	ErrorTypeRemediationIncomplete ErrorType = "RemediationIncomplete"
	ErrorTypeNotificationFailure   ErrorType = "NotificationFailure"
	ErrorTypeNotFound              ErrorType = "NotFound"
	ErrorTypeAlreadyRunning        ErrorType = "AlreadyRunning"
	ErrorTypeUnauthorized          ErrorType = "Unauthorized"
	ErrorTypeMonitorHalted         ErrorType = "MonitorHalted"
	ErrorTypeConfiguration         ErrorType = "Configuration"
	ErrorTypePersistence           ErrorType = "Persistence"
	ErrorTypeValidation            ErrorType = "Validation"
	ErrorTypeDriftDetected         ErrorType = "DriftDetected"
)

// Sentinels for errors.Is. Any VahtiError of the same type matches.
var (
	ErrCollectorUnavailable  = sentinel(ErrorTypeCollectorUnavailable)
	ErrProvider              = sentinel(ErrorTypeProvider)
	ErrConflict              = sentinel(ErrorTypeConflict)
	ErrAlreadyTerminal       = sentinel(ErrorTypeAlreadyTerminal)
	ErrRemediationIncomplete = sentinel(ErrorTypeRemediationIncomplete)
	ErrNotificationFailure   = sentinel(ErrorTypeNotificationFailure)
	ErrNotFound              = sentinel(ErrorTypeNotFound)
	ErrAlreadyRunning        = sentinel(ErrorTypeAlreadyRunning)
	ErrUnauthorized          = sentinel(ErrorTypeUnauthorized)
	ErrMonitorHalted         = sentinel(ErrorTypeMonitorHalted)
	ErrConfiguration         = sentinel(ErrorTypeConfiguration)
	ErrPersistence           = sentinel(ErrorTypePersistence)
	ErrValidation            = sentinel(ErrorTypeValidation)
	ErrDriftDetected         = sentinel(ErrorTypeDriftDetected)
)

// VahtiError represents a user-friendly error with actionable guidance
type VahtiError struct {
	Type        ErrorType
	Component   string
	Message     string
	Cause       string
	Solutions   []string
	Verify      string
	Help        string
	Environment string
	Err         error
}

func sentinel(t ErrorType) *VahtiError {
	return &VahtiError{Type: t}
}

// Error implements the error interface. The one-line form is what ends up in
// logs and persisted records; DisplayError renders the long form.
func (e *VahtiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	if e.Cause != "" {
		return msg + ": " + e.Cause
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *VahtiError) Unwrap() error {
	return e.Err
}

// Is matches another VahtiError of the same type
func (e *VahtiError) Is(target error) bool {
	t, ok := target.(*VahtiError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Long renders the error with cause, solutions and help
func (e *VahtiError) Long() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("\nError: %s\n", e.Message))

	if e.Cause != "" {
		sb.WriteString(fmt.Sprintf("Cause: %s\n", e.Cause))
	} else if e.Err != nil {
		sb.WriteString(fmt.Sprintf("Cause: %s\n", e.Err.Error()))
	}

	if e.Environment != "" {
		sb.WriteString(fmt.Sprintf("Environment: %s\n", e.Environment))
	}

	if len(e.Solutions) > 0 {
		sb.WriteString("\nSolutions:\n")
		for _, solution := range e.Solutions {
			sb.WriteString(fmt.Sprintf("  %s\n", solution))
		}
	}

	if e.Verify != "" {
		sb.WriteString(fmt.Sprintf("\nVerify: %s\n", e.Verify))
	}

	if e.Help != "" {
		sb.WriteString(fmt.Sprintf("Help: %s\n", e.Help))
	}

	return sb.String()
}

// Format implements fmt.Formatter for custom formatting
func (e *VahtiError) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprintf(f, "%s", e.Error())
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "[%s/%s] %s", e.Type, e.Component, e.Long())
		} else {
			fmt.Fprintf(f, "%s", e.Error())
		}
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// New creates a new VahtiError
func New(errType ErrorType, component string, message string) *VahtiError {
	return &VahtiError{
		Type:        errType,
		Component:   component,
		Message:     message,
		Environment: detectEnvironment(),
	}
}

// Wrap creates a new VahtiError around err
func Wrap(err error, errType ErrorType, component string, message string) *VahtiError {
	e := New(errType, component, message)
	e.Err = err
	return e
}

// WithCause adds cause information
func (e *VahtiError) WithCause(cause string) *VahtiError {
	e.Cause = cause
	return e
}

// WithSolutions adds solution steps
func (e *VahtiError) WithSolutions(solutions ...string) *VahtiError {
	e.Solutions = append(e.Solutions, solutions...)
	return e
}

// WithVerify adds verification command
func (e *VahtiError) WithVerify(verify string) *VahtiError {
	e.Verify = verify
	return e
}

// WithHelp adds help command
func (e *VahtiError) WithHelp(help string) *VahtiError {
	e.Help = help
	return e
}

// detectEnvironment detects where the process runs
func detectEnvironment() string {
	ciVars := []string{"CI", "CONTINUOUS_INTEGRATION", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_HOME"}
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return "CI/CD detected"
		}
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "Container environment detected"
	}

	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "Kubernetes pod detected"
	}

	return ""
}

// As is errors.As for callers that import this package under its own name
func As(err error) (*VahtiError, bool) {
	var vahtiErr *VahtiError
	if stderrors.As(err, &vahtiErr) {
		return vahtiErr, true
	}
	return nil, false
}

// IsType reports whether err carries a VahtiError of the given type
func IsType(err error, errType ErrorType) bool {
	return stderrors.Is(err, sentinel(errType))
}

// ExitCode maps an error to the process exit code: 0 no drift, 1 drift
// detected, 2 operational failure
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case stderrors.Is(err, ErrDriftDetected):
		return 1
	default:
		return 2
	}
}
