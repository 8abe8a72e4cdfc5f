package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Executor handles tool execution with error handling and timeouts
type Executor struct {
	registry       *Registry
	validator      *Validator
	defaultTimeout time.Duration
}

// NewExecutor creates a new tool executor
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:       registry,
		validator:      NewValidator(),
		defaultTimeout: 30 * time.Second, // Default 30 second timeout
	}
}

// SetDefaultTimeout sets the default execution timeout
func (e *Executor) SetDefaultTimeout(timeout time.Duration) {
	e.defaultTimeout = timeout
}

// ExecuteResult represents the result of a tool execution
type ExecuteResult struct {
	ToolName string
	Input    json.RawMessage
	Output   string
	Error    error
	Duration time.Duration
}

// Execute executes a single tool call
func (e *Executor) Execute(ctx context.Context, toolName string, input json.RawMessage) *ExecuteResult {
	start := time.Now()

	result := &ExecuteResult{
		ToolName: toolName,
		Input:    input,
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	// Execute the tool
	output, err := e.registry.Execute(execCtx, toolName, input)
	result.Output = output
	result.Error = err
	result.Duration = time.Since(start)

	// Check for context errors
	if execCtx.Err() != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Errorf("tool execution timeout after %v", e.defaultTimeout)
		} else if execCtx.Err() == context.Canceled {
			result.Error = fmt.Errorf("tool execution canceled")
		}
	}

	return result
}

// ExecuteMultiple executes the calls of one assistant response strictly in
// emission order. Tool calls are never dispatched in parallel: sequential
// dispatch keeps each tool response aligned with its call and lets earlier
// results constrain later calls within the same turn.
func (e *Executor) ExecuteMultiple(ctx context.Context, calls []ToolCallRequest) []*ExecuteResult {
	results := make([]*ExecuteResult, len(calls))

	for i, call := range calls {
		results[i] = e.Execute(ctx, call.ToolName, call.Input)
	}

	return results
}

// ToolCallRequest represents a request to execute a tool
type ToolCallRequest struct {
	ID       string          // Unique ID for this call
	ToolName string          // Name of the tool to execute
	Input    json.RawMessage // Input parameters
}

// ValidateInput validates tool input against its schema
func (e *Executor) ValidateInput(toolName string, input json.RawMessage) error {
	tool, exists := e.registry.Get(toolName)
	if !exists {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	return e.validator.ValidateInput(tool.InputSchema(), input)
}
