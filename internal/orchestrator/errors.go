package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/treeherd/internal/eventlog"
	"github.com/mtzanidakis/treeherd/internal/registry"
	"github.com/mtzanidakis/treeherd/internal/session"
)

var (
	ErrTaskNotFound                 = registry.ErrTaskNotFound
	ErrAgentNotFound                = registry.ErrAgentNotFound
	ErrRegistryIO                   = registry.ErrIO
	ErrMalformedEventRecord         = eventlog.ErrMalformedEventRecord
	ErrBackendUnavailable           = errors.New("session backend unavailable")
	ErrConcurrencyLimitExceeded     = errors.New("concurrency limit exceeded")
	ErrAgentCapExceeded             = errors.New("agent cap exceeded")
	ErrDepthLimitExceeded           = errors.New("depth limit exceeded")
	ErrSessionStartFailed           = errors.New("session start failed")
	ErrSessionTerminatedImmediately = errors.New("session terminated immediately")
	ErrInvalidArgument              = errors.New("invalid argument")
)

// Limit names used in LimitError and metrics.
const (
	LimitConcurrency = "max_concurrent"
	LimitAgents      = "max_agents"
	LimitDepth       = "max_depth"
)

// LimitError reports which anti-spiral limit rejected a deployment.
type LimitError struct {
	Limit   string
	Current int
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s is %d/%d", e.sentinel(), e.Limit, e.Current, e.Max)
}

func (e *LimitError) Unwrap() error { return e.sentinel() }

func (e *LimitError) sentinel() error {
	switch e.Limit {
	case LimitConcurrency:
		return ErrConcurrencyLimitExceeded
	case LimitDepth:
		return ErrDepthLimitExceeded
	default:
		return ErrAgentCapExceeded
	}
}

// SessionStartError carries what the backend reported for a failed start.
type SessionStartError struct {
	Result session.Result
	Err    error
}

func (e *SessionStartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrSessionStartFailed, e.Err)
	}
	return fmt.Sprintf("%s (exit %d): %s", ErrSessionStartFailed, e.Result.ReturnCode, e.Result.Stderr)
}

func (e *SessionStartError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSessionStartFailed, e.Err}
	}
	return []error{ErrSessionStartFailed}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Code names the taxonomy entry an error belongs to. nil maps to "ok".
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTaskNotFound):
		return "TaskNotFound"
	case errors.Is(err, ErrAgentNotFound):
		return "AgentNotFound"
	case errors.Is(err, ErrBackendUnavailable):
		return "BackendUnavailable"
	case errors.Is(err, ErrConcurrencyLimitExceeded):
		return "ConcurrencyLimitExceeded"
	case errors.Is(err, ErrAgentCapExceeded):
		return "AgentCapExceeded"
	case errors.Is(err, ErrDepthLimitExceeded):
		return "DepthLimitExceeded"
	case errors.Is(err, ErrSessionStartFailed):
		return "SessionStartFailed"
	case errors.Is(err, ErrSessionTerminatedImmediately):
		return "SessionTerminatedImmediately"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrMalformedEventRecord):
		return "MalformedEventRecord"
	case errors.Is(err, ErrRegistryIO):
		return "RegistryIOFailure"
	default:
		return "Internal"
	}
}

// Failure renders err as the structured result every transport returns.
func Failure(err error) map[string]any {
	out := map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    Code(err),
	}
	if d := Details(err); d != nil {
		out["details"] = d
	}
	return out
}

// Details extracts the numeric context attached to limit and start errors.
func Details(err error) map[string]any {
	var le *LimitError
	if errors.As(err, &le) {
		return map[string]any{"limit": le.Limit, "current": le.Current, "max": le.Max}
	}
	var se *SessionStartError
	if errors.As(err, &se) {
		return map[string]any{"stderr": se.Result.Stderr, "return_code": se.Result.ReturnCode}
	}
	return nil
}
