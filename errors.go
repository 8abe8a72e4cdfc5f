package pattern

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the agent configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrToolNotFound is returned when a tool cannot be found
	ErrToolNotFound = errors.New("tool not found")

	// ErrCompactionFailed is returned when context compaction fails
	ErrCompactionFailed = errors.New("context compaction failed")

	// ErrStorageError is returned when a storage operation failed
	ErrStorageError = errors.New("storage operation failed")

	// ErrNoSession is returned when no session is loaded
	ErrNoSession = errors.New("no session loaded")

	// ErrInvalidToolSchema is returned when a tool schema is invalid
	ErrInvalidToolSchema = errors.New("invalid tool schema")

	// ErrToolExecutionFailed is returned when tool execution fails
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// =========================================================================
	// Run errors
	// =========================================================================

	// ErrRunNotFound is returned when a run does not exist
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidStateTransition is returned when a run state transition is invalid
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrRunAlreadyFinalized is returned when attempting to modify a finalized run
	ErrRunAlreadyFinalized = errors.New("run already finalized")

	// =========================================================================
	// Instance errors
	// =========================================================================

	// ErrInstanceNotFound is returned when an instance does not exist
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists is returned when registering a duplicate instance
	ErrInstanceAlreadyExists = errors.New("instance already exists")

	// =========================================================================
	// Agent registration errors
	// =========================================================================

	// ErrAgentNotFound is returned when an agent does not exist
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotRegistered is returned when trying to use an unregistered agent
	ErrAgentNotRegistered = errors.New("agent not registered")

	// =========================================================================
	// Client errors
	// =========================================================================

	// ErrClientNotStarted is returned when calling methods before Start()
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start() is called twice
	ErrClientAlreadyStarted = errors.New("client already started")
)

// ErrorKind is the closed error taxonomy. Each kind implies a handling
// policy: validation and permission errors flow back to the agent as tool
// responses, resource and consistency errors are retried with bounded
// backoff, programmer errors abort the run.
type ErrorKind string

const (
	// ErrorKindValidation: bad tool input, bad configuration, rule
	// violation. Surfaced to the agent so it may self-correct; never
	// crashes the loop.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindResource: timeout, rate limit, transient connection
	// failure. Retried with bounded exponential backoff.
	ErrorKindResource ErrorKind = "resource"

	// ErrorKindConsistency: transaction conflict. Retried with bounded
	// backoff.
	ErrorKindConsistency ErrorKind = "consistency"

	// ErrorKindPermission: denied memory or tool access. Surfaced to the
	// agent as a tool response; not retried.
	ErrorKindPermission ErrorKind = "permission"

	// ErrorKindProgrammer: schema mismatch, broken invariant. Fatal; the
	// run aborts and its batch stays incomplete.
	ErrorKindProgrammer ErrorKind = "programmer"
)

// PatternError represents an error with its taxonomy kind and enough
// context (operation, session, arbitrary key/values) for either the agent
// or an operator to act on it.
type PatternError struct {
	Op        string         // Operation that failed
	Kind      ErrorKind      // Taxonomy category driving retry/surface policy
	Err       error          // Underlying error
	SessionID string         // Session ID if applicable
	Context   map[string]any // Additional context
}

// Error implements the error interface
func (e *PatternError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *PatternError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error's kind calls for a bounded retry.
func (e *PatternError) Retryable() bool {
	return e.Kind == ErrorKindResource || e.Kind == ErrorKindConsistency
}

// WithContext adds additional context to the error
func (e *PatternError) WithContext(key string, value any) *PatternError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewPatternError creates a new PatternError of the given kind
func NewPatternError(kind ErrorKind, op string, err error) *PatternError {
	return &PatternError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// WithSession attaches a session id for context
func (e *PatternError) WithSession(sessionID string) *PatternError {
	e.SessionID = sessionID
	return e
}
