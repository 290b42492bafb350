package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve a
// subsystem-specific code.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrConflict         = fmt.Errorf("conflict")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the orchestration core.
var (
	ErrForbidden         = fmt.Errorf("forbidden: insufficient permissions")
	ErrPoolExhausted     = fmt.Errorf("agent pool exhausted")
	ErrExecution         = fmt.Errorf("task execution failed")
	ErrReplayCorruption  = fmt.Errorf("replay corruption")
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	ErrInUse             = fmt.Errorf("resource in use")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrNotInitialized    = fmt.Errorf("service not initialized")
	ErrEventLogClosed    = fmt.Errorf("event log closed")
)

// Subsystem identifiers used for ErrorCode dispatch.
const (
	SubSystemAgent      = "agent"
	SubSystemTask       = "task"
	SubSystemTaskRun    = "task_run"
	SubSystemProjection = "projection"
	SubSystemEventLog   = "event_log"
	SubSystemCommand    = "command"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.AcquireAgent")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier; used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Validation, referential and authorization failures are never retryable.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrRateLimit)
}

// IsFatalError reports whether err should stop the process rather than
// degrade a single entity.
func IsFatalError(err error) bool {
	return errors.Is(err, ErrReplayCorruption)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeDisabled          ErrorCode = "DISABLED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodePoolExhausted     ErrorCode = "POOL_EXHAUSTED"
	CodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	CodeReplayCorruption  ErrorCode = "REPLAY_CORRUPTION"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeInUse             ErrorCode = "IN_USE"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeNotInitialized    ErrorCode = "NOT_INITIALIZED"
	CodeEventLogClosed    ErrorCode = "EVENT_LOG_CLOSED"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentConfigNotFound ErrorCode = "AGENT_CONFIG_NOT_FOUND"
	CodeAgentConfigExists   ErrorCode = "AGENT_CONFIG_EXISTS"
	CodeAgentConfigInvalid  ErrorCode = "AGENT_CONFIG_INVALID"
	CodeTaskConfigNotFound  ErrorCode = "TASK_CONFIG_NOT_FOUND"
	CodeTaskConfigExists    ErrorCode = "TASK_CONFIG_EXISTS"
	CodeTaskConfigInvalid   ErrorCode = "TASK_CONFIG_INVALID"
	CodeTaskRunNotFound     ErrorCode = "TASK_RUN_NOT_FOUND"
	CodeTaskRunInvalid      ErrorCode = "TASK_RUN_INVALID"
	CodeTaskRunConflict     ErrorCode = "TASK_RUN_CONFLICT"
	CodeMutationDisabled    ErrorCode = "CONFIG_MUTATION_DISABLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrConflict:         CodeConflict,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrForbidden:         CodeForbidden,
	ErrPoolExhausted:     CodePoolExhausted,
	ErrExecution:         CodeExecutionFailed,
	ErrReplayCorruption:  CodeReplayCorruption,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrInUse:             CodeInUse,
	ErrRateLimit:         CodeRateLimit,
	ErrNotInitialized:    CodeNotInitialized,
	ErrEventLogClosed:    CodeEventLogClosed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		SubSystemAgent:   CodeAgentConfigNotFound,
		SubSystemTask:    CodeTaskConfigNotFound,
		SubSystemTaskRun: CodeTaskRunNotFound,
	},
	ErrDuplicate: {
		SubSystemAgent: CodeAgentConfigExists,
		SubSystemTask:  CodeTaskConfigExists,
	},
	ErrInvalidInput: {
		SubSystemAgent:   CodeAgentConfigInvalid,
		SubSystemTask:    CodeTaskConfigInvalid,
		SubSystemTaskRun: CodeTaskRunInvalid,
	},
	ErrConflict: {
		SubSystemTaskRun: CodeTaskRunConflict,
	},
	ErrDisabled: {
		SubSystemCommand: CodeMutationDisabled,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
