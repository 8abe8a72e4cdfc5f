package pattern

import "github.com/patternrun/pattern/runstate"

// ContentType constants aligned with Claude API and database schema (pattern_content_type enum).
// Left as untyped string constants, not a defined type, since they're assigned
// directly into driver.ContentBlock.Type (a plain string column).
const (
	ContentTypeText            = "text"
	ContentTypeToolUse         = "tool_use"
	ContentTypeToolResult      = "tool_result"
	ContentTypeImage           = "image"
	ContentTypeDocument        = "document"
	ContentTypeThinking        = "thinking"
	ContentTypeServerToolUse   = "server_tool_use"
	ContentTypeWebSearchResult = "web_search_result"
)

// RunMode represents the execution mode of a run (mirrors pattern_run_mode enum).
// Determines which Claude API is used for processing.
type RunMode string

const (
	// RunModeBatch uses the Claude Batch API (24h processing window, cost-effective).
	RunModeBatch RunMode = "batch"

	// RunModeStreaming uses the Claude Streaming API (real-time, low latency).
	RunModeStreaming RunMode = "streaming"
)

// String returns the string representation of the run mode.
func (m RunMode) String() string {
	return string(m)
}

// RunState is the lifecycle of a run (mirrors pattern_run_state enum). The
// state machine itself — valid transitions, terminal states, stop-reason
// mapping — lives in the runstate package; this package re-exports the
// vocabulary so callers can write pattern.RunStateCompleted without a
// second import.
type RunState = runstate.RunState

const (
	RunStatePending         = runstate.RunStatePending
	RunStateBatchSubmitting = runstate.RunStateBatchSubmitting
	RunStateBatchPending    = runstate.RunStateBatchPending
	RunStateBatchProcessing = runstate.RunStateBatchProcessing
	RunStateStreaming       = runstate.RunStateStreaming
	RunStatePendingTools    = runstate.RunStatePendingTools
	RunStateAwaitingInput   = runstate.RunStateAwaitingInput
	RunStateCompleted       = runstate.RunStateCompleted
	RunStateCancelled       = runstate.RunStateCancelled
	RunStateFailed          = runstate.RunStateFailed
)

// ToolExecutionState is the lifecycle of a tool execution (mirrors
// pattern_tool_execution_state enum), defined in the runstate package.
type ToolExecutionState = runstate.ToolExecutionState

const (
	ToolStatePending   = runstate.ToolExecPending
	ToolStateRunning   = runstate.ToolExecRunning
	ToolStateCompleted = runstate.ToolExecCompleted
	ToolStateFailed    = runstate.ToolExecFailed
	ToolStateSkipped   = runstate.ToolExecSkipped
)

// BatchStatus represents the processing status of a Claude Batch API request (mirrors pattern_batch_status enum).
type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCanceling  BatchStatus = "canceling"
	BatchStatusEnded      BatchStatus = "ended"
)

// String returns the string representation of the batch status.
func (s BatchStatus) String() string {
	return string(s)
}

// MessageRole represents the role of a message in a conversation (mirrors pattern_message_role enum).
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// String returns the string representation of the message role.
func (s MessageRole) String() string {
	return string(s)
}

// TriggerType constants for iteration triggers.
const (
	TriggerTypeUserPrompt      = "user_prompt"
	TriggerTypeToolResults     = "tool_results"
	TriggerTypeContinuation    = "continuation"
	TriggerTypeStartConstraint = "start_constraint"
	TriggerTypeAgentMessage    = "agent_message"
)
