package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
	internalanthropic "github.com/patternrun/pattern/internal/anthropic"
	"github.com/patternrun/pattern/modelprovider"
	"github.com/patternrun/pattern/runstate"
	"github.com/patternrun/pattern/streaming"
	"github.com/patternrun/pattern/types"
)

// streamingWorker processes pending streaming runs by claiming them, building
// messages, and driving the Claude streaming API for real-time responses.
type streamingWorker[TTx any] struct {
	client    *Client[TTx]
	triggerCh chan struct{}
}

func newStreamingWorker[TTx any](c *Client[TTx]) *streamingWorker[TTx] {
	return &streamingWorker[TTx]{
		client:    c,
		triggerCh: make(chan struct{}, 1),
	}
}

func (w *streamingWorker[TTx]) trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *streamingWorker[TTx]) run(ctx context.Context) {
	ticker := time.NewTicker(w.client.config.RunPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			w.processRuns(ctx)
		case <-ticker.C:
			w.processRuns(ctx)
		}
	}
}

func (w *streamingWorker[TTx]) processRuns(ctx context.Context) {
	store := w.client.driver.Store()

	// Claim pending streaming runs only
	runs, err := store.ClaimRuns(ctx, w.client.instanceID, w.client.config.MaxConcurrentStreamingRuns, "streaming")
	if err != nil {
		w.client.log().Error("failed to claim streaming runs", "error", err)
		return
	}

	for _, run := range runs {
		if err := w.processRun(ctx, run); err != nil {
			w.client.log().Error("failed to process streaming run",
				"run_id", run.ID,
				"error", err,
			)
			// Mark run as failed
			w.failRun(ctx, run.ID, string(runstate.ErrorTypeAPI), err.Error())
		}
	}
}

func (w *streamingWorker[TTx]) processRun(ctx context.Context, run *driver.Run) error {
	store := w.client.driver.Store()
	log := w.client.log()

	log.Info("processing streaming run",
		"run_id", run.ID,
		"agent_name", run.AgentName,
		"iteration", run.CurrentIteration,
	)

	// Get agent definition
	agent := w.client.GetAgent(run.AgentName)
	if agent == nil {
		return fmt.Errorf("agent not found: %s", run.AgentName)
	}

	// Determine trigger type
	triggerType := TriggerTypeUserPrompt
	if run.CurrentIteration > 0 {
		triggerType = TriggerTypeToolResults
	}

	// For first iteration, create the user message with the prompt
	if run.CurrentIteration == 0 && run.Prompt != "" {
		_, err := store.CreateMessage(ctx, driver.CreateMessageParams{
			SessionID: run.SessionID,
			RunID:     &run.ID,
			Role:      driver.MessageRole(MessageRoleUser),
			Content: []driver.ContentBlock{
				{
					Type: ContentTypeText,
					Text: run.Prompt,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create user message: %w", err)
		}
	}

	// Start-constraint tools run before the first model call of a run: a
	// synthetic assistant tool_use message is persisted, the executions are
	// queued, and the run parks in pending_tools. The model's first real
	// turn then sees those calls and their results as ordinary history.
	if run.CurrentIteration == 0 {
		injected, err := w.client.injectStartConstraints(ctx, run, agent, true)
		if err != nil {
			return fmt.Errorf("failed to inject start-constraint tools: %w", err)
		}
		if injected {
			return nil
		}
	}

	// Create iteration with is_streaming=true
	iterationNumber := run.CurrentIteration + 1
	iteration, err := store.CreateIteration(ctx, driver.CreateIterationParams{
		RunID:           run.ID,
		IterationNumber: iterationNumber,
		TriggerType:     triggerType,
		IsStreaming:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to create iteration: %w", err)
	}

	// Update iteration with streaming start time
	now := time.Now()
	if updateIterErr := store.UpdateIteration(ctx, iteration.ID, map[string]any{
		"streaming_started_at": now,
		"started_at":           now,
	}); updateIterErr != nil {
		return fmt.Errorf("failed to update iteration start time: %w", updateIterErr)
	}

	// Update run with current iteration info
	if updateRunErr := store.UpdateRun(ctx, run.ID, map[string]any{
		"current_iteration":    iterationNumber,
		"current_iteration_id": iteration.ID,
		"started_at":           now,
	}); updateRunErr != nil {
		return fmt.Errorf("failed to update run: %w", updateRunErr)
	}

	// Build messages for Claude API, trimmed to the agent's context budget
	sessionMessages, err := store.GetMessagesForRunContext(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}
	sessionMessages = w.client.compressForRequest(ctx, agent, sessionMessages)
	messages := buildAnthropicMessages(sessionMessages)

	// Observability hook: the full request history, in wire shape.
	if err := w.client.Hooks().TriggerBeforeMessage(ctx, wireMessages(sessionMessages)); err != nil {
		return fmt.Errorf("before-message hook rejected request: %w", err)
	}

	// Build tools for Claude API (shared with the batch run worker)
	tools, err := buildAnthropicTools(w.client, agent)
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	// Build the provider request
	maxTokens := int64(4096)
	if agent.MaxTokens != nil {
		maxTokens = int64(*agent.MaxTokens)
	}

	req := modelprovider.ChatRequest{
		Model:        agent.Model,
		SystemPrompt: w.buildSystemPrompt(ctx, agent),
		Messages:     messages,
		Tools:        tools,
		MaxTokens:    maxTokens,
		Temperature:  agent.Temperature,
		TopP:         agent.TopP,
	}
	if agent.TopK != nil {
		topK := int64(*agent.TopK)
		req.TopK = &topK
	}

	log.Debug("starting streaming request",
		"run_id", run.ID,
		"iteration_id", iteration.ID,
	)

	message, err := w.streamOnce(ctx, req)
	if err != nil {
		return err
	}

	log.Info("streaming completed",
		"run_id", run.ID,
		"iteration_id", iteration.ID,
		"stop_reason", message.StopReason,
	)

	// Process the accumulated response
	return w.processResult(ctx, iteration, run, message)
}

// streamOnce drives one streaming request through the provider and the
// accumulator, retrying transient failures a small fixed number of times.
func (w *streamingWorker[TTx]) streamOnce(ctx context.Context, req modelprovider.ChatRequest) (*streaming.Message, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stream, err := w.client.provider.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("streaming error: %w", err)
		}
		acc := streaming.NewAccumulator()
		acc.OnEvent = func(e streaming.Event) {
			if start, ok := e.(*streaming.ToolUseStartEvent); ok {
				w.client.log().Debug("model requested tool", "tool", start.ToolName, "call_id", start.ToolID)
			}
		}
		for stream.Next() {
			acc.ProcessAnthropicEvent(stream.Current())
		}
		if err := stream.Err(); err != nil {
			lastErr = err
			if !internalanthropic.IsRetryableError(err) || attempt == maxAttempts {
				return nil, fmt.Errorf("streaming error: %w", err)
			}
			w.client.log().Warn("retrying streaming request",
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			continue
		}
		return acc.Message(), nil
	}
	return nil, fmt.Errorf("streaming error: %w", lastErr)
}

// buildSystemPrompt combines the agent's base instructions with its
// rendered memory blocks and tool usage rules via the prompt builder, when
// a memory manager is attached; otherwise the raw system prompt is used.
func (w *streamingWorker[TTx]) buildSystemPrompt(ctx context.Context, agent *AgentRecord) string {
	return w.client.renderSystemPrompt(ctx, agent)
}

func (w *streamingWorker[TTx]) processResult(ctx context.Context, iter *driver.Iteration, run *driver.Run, msg *streaming.Message) error {
	store := w.client.driver.Store()
	log := w.client.log()

	now := time.Now()

	// Build content blocks
	contentBlocks := make([]driver.ContentBlock, 0, len(msg.Content))
	hasToolUse := false
	var responseText string

	for _, block := range msg.Content {
		cb := driver.ContentBlock{}

		switch block.Type {
		case ContentTypeText:
			cb.Type = ContentTypeText
			cb.Text = block.Text
			responseText += block.Text
		case ContentTypeToolUse:
			cb.Type = ContentTypeToolUse
			cb.ToolUseID = block.ToolUseID
			cb.ToolName = block.ToolName
			cb.ToolInput = block.ToolInputRaw
			hasToolUse = true
		default:
			// Skip unknown block types
			continue
		}

		contentBlocks = append(contentBlocks, cb)
	}

	// Create assistant message
	messageParams := driver.CreateMessageParams{
		SessionID: run.SessionID,
		RunID:     &iter.RunID,
		Role:      driver.MessageRole(MessageRoleAssistant),
		Content:   contentBlocks,
		Usage: driver.Usage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadTokens,
		},
	}

	message, err := store.CreateMessage(ctx, messageParams)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	log.Debug("created assistant message",
		"message_id", message.ID,
		"run_id", iter.RunID,
		"has_tool_use", hasToolUse,
	)

	// Observability hook: the accumulated response.
	wire := wireMessages([]*driver.Message{message})
	if len(wire) == 1 {
		_ = w.client.Hooks().TriggerAfterMessage(ctx, &types.Response{
			Message:    wire[0],
			StopReason: msg.StopReason,
			Usage: &types.Usage{
				InputTokens:         msg.Usage.InputTokens,
				OutputTokens:        msg.Usage.OutputTokens,
				CacheCreationTokens: msg.Usage.CacheCreationTokens,
				CacheReadTokens:     msg.Usage.CacheReadTokens,
			},
			RunID: iter.RunID.String(),
		})
	}

	// Update iteration
	toolExecutionCount := 0
	for _, block := range msg.Content {
		if block.Type == ContentTypeToolUse {
			toolExecutionCount++
		}
	}

	if err := store.UpdateIteration(ctx, iter.ID, map[string]any{
		"stop_reason":                 msg.StopReason,
		"response_message_id":         message.ID,
		"has_tool_use":                hasToolUse,
		"tool_execution_count":        toolExecutionCount,
		"input_tokens":                msg.Usage.InputTokens,
		"output_tokens":               msg.Usage.OutputTokens,
		"cache_creation_input_tokens": msg.Usage.CacheCreationTokens,
		"cache_read_input_tokens":     msg.Usage.CacheReadTokens,
		"streaming_completed_at":      now,
		"completed_at":                now,
	}); err != nil {
		return fmt.Errorf("failed to update iteration: %w", err)
	}

	// Determine next state and update run
	runUpdates := map[string]any{
		"input_tokens":                run.InputTokens + msg.Usage.InputTokens,
		"output_tokens":               run.OutputTokens + msg.Usage.OutputTokens,
		"cache_creation_input_tokens": run.CacheCreationInputTokens + msg.Usage.CacheCreationTokens,
		"cache_read_input_tokens":     run.CacheReadInputTokens + msg.Usage.CacheReadTokens,
		"iteration_count":             run.IterationCount + 1,
	}

	if hasToolUse {
		runUpdates["tool_iterations"] = run.ToolIterations + 1

		// Build tool execution params
		toolParams := w.buildToolParams(iter, run, msg.Content)

		// Atomically create tool executions AND update run state
		if len(toolParams) > 0 {
			if _, err := store.CreateToolExecutionsAndUpdateRunState(ctx, toolParams, iter.RunID, driver.RunState(RunStatePendingTools), runUpdates); err != nil {
				return fmt.Errorf("failed to create tool executions and update run: %w", err)
			}
		} else {
			if err := store.UpdateRunState(ctx, iter.RunID, driver.RunState(RunStatePendingTools), runUpdates); err != nil {
				return fmt.Errorf("failed to update run state: %w", err)
			}
		}

		log.Info("processed streaming result",
			"run_id", iter.RunID,
			"iteration_id", iter.ID,
			"stop_reason", msg.StopReason,
			"next_state", RunStatePendingTools,
			"tool_executions", toolExecutionCount,
		)
		return nil
	}

	// The model stopped without tool calls. Before closing the run, the
	// agent's rules get a say: outstanding RequiredBeforeExit tools are
	// injected as synthetic calls, and a due Periodic rule buys one more
	// turn.
	closed, err := w.closeOrContinue(ctx, iter, run, msg.StopReason, responseText, runUpdates, now)
	if err != nil {
		return err
	}

	log.Info("processed streaming result",
		"run_id", iter.RunID,
		"iteration_id", iter.ID,
		"stop_reason", msg.StopReason,
		"closed", closed,
	)

	// Auto-compaction: check if session needs compaction after run completes
	if closed && w.client.config.AutoCompactionEnabled {
		w.checkAndCompact(ctx, run.SessionID)
	}

	return nil
}

// closeOrContinue decides what a no-tool-call response means for the run:
// close it, continue it for a heartbeat, park it awaiting input, or inject
// the rules engine's required exit tools first. Returns true when the run
// reached a terminal state.
func (w *streamingWorker[TTx]) closeOrContinue(
	ctx context.Context,
	iter *driver.Iteration,
	run *driver.Run,
	stopReason string,
	responseText string,
	runUpdates map[string]any,
	now time.Time,
) (bool, error) {
	store := w.client.driver.Store()

	// A pause_turn / max_tokens stop parks the run for continuation rather
	// than closing the batch.
	if runstate.StopReason(stopReason).RequiresContinuation() {
		runUpdates["response_text"] = responseText
		runUpdates["stop_reason"] = stopReason
		if err := store.UpdateRunState(ctx, iter.RunID, driver.RunState(RunStateAwaitingInput), runUpdates); err != nil {
			return false, fmt.Errorf("failed to update run state: %w", err)
		}
		return false, nil
	}

	engine := w.client.rulesEngineFor(run.AgentName)
	history, err := buildRuleHistory(ctx, store, run.ID)
	if err != nil {
		w.client.log().Warn("rules: failed to build history at close", "run_id", run.ID, "error", err)
		history = nil
	}

	// Outstanding RequiredBeforeExit tools are called on the agent's
	// behalf with empty inputs and generated call ids; the batch cannot
	// close until they have run.
	if required := engine.RequiredExitTools(history); len(required) > 0 {
		if err := w.client.injectSyntheticCalls(ctx, iter, run, required, runUpdates); err != nil {
			return false, fmt.Errorf("failed to inject required exit tools: %w", err)
		}
		return false, nil
	}

	// A due Periodic rule grants the model one extra turn to satisfy it.
	// At most one nudge per run, so a model that ignores it cannot loop.
	if engine.RequiresHeartbeat(history) && !metadataFlag(run.Metadata, "periodic_nudged") {
		if err := store.UpdateRun(ctx, run.ID, map[string]any{
			"metadata": mergeMetadata(run.Metadata, map[string]any{"periodic_nudged": true}),
		}); err != nil {
			return false, fmt.Errorf("failed to record periodic nudge: %w", err)
		}
		if err := store.UpdateRunState(ctx, iter.RunID, driver.RunState(RunStatePending), runUpdates); err != nil {
			return false, fmt.Errorf("failed to continue run for periodic rule: %w", err)
		}
		w.trigger()
		return false, nil
	}

	// Run completed.
	runUpdates["response_text"] = responseText
	runUpdates["stop_reason"] = stopReason
	runUpdates["finalized_at"] = now
	if err := store.UpdateRunState(ctx, iter.RunID, driver.RunState(RunStateCompleted), runUpdates); err != nil {
		return false, fmt.Errorf("failed to update run state: %w", err)
	}

	w.client.finishQueuedMessage(ctx, run)
	return true, nil
}

func (w *streamingWorker[TTx]) buildToolParams(iter *driver.Iteration, run *driver.Run, content []streaming.MessageContentBlock) []driver.CreateToolExecutionParams {
	params := make([]driver.CreateToolExecutionParams, 0, len(content))
	for _, block := range content {
		if block.Type != ContentTypeToolUse {
			continue
		}

		// Check if this is an agent-as-tool
		isAgentTool := false
		var agentName *string
		if agent := w.client.GetAgent(block.ToolName); agent != nil {
			isAgentTool = true
			agentName = Ptr(block.ToolName)
		}

		params = append(params, driver.CreateToolExecutionParams{
			RunID:       run.ID,
			IterationID: iter.ID,
			ToolUseID:   block.ToolUseID,
			ToolName:    block.ToolName,
			ToolInput:   block.ToolInputRaw,
			IsAgentTool: isAgentTool,
			AgentName:   agentName,
			MaxAttempts: w.client.toolMaxAttempts(),
		})
	}

	return params
}

func (w *streamingWorker[TTx]) failRun(ctx context.Context, runID uuid.UUID, errorType, errorMessage string) {
	store := w.client.driver.Store()
	now := time.Now()
	if err := store.UpdateRunState(ctx, runID, driver.RunState(RunStateFailed), map[string]any{
		"error_type":    errorType,
		"error_message": errorMessage,
		"finalized_at":  now,
	}); err != nil {
		w.client.log().Error("failed to mark run as failed",
			"run_id", runID,
			"error", err,
		)
	}
}

// checkAndCompact checks if the session needs compaction and performs it if needed.
// This is called after a run completes when AutoCompactionEnabled is true.
// Errors are logged but do not fail the run.
func (w *streamingWorker[TTx]) checkAndCompact(ctx context.Context, sessionID uuid.UUID) {
	compactor := w.client.getCompactor()
	if compactor == nil {
		return
	}

	needsCompaction, err := compactor.NeedsCompaction(ctx, sessionID)
	if err != nil {
		w.client.log().Warn("auto-compaction check failed",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	if !needsCompaction {
		return
	}

	w.client.log().Info("triggering auto-compaction",
		"session_id", sessionID,
	)

	_ = w.client.Hooks().TriggerBeforeCompaction(ctx, sessionID.String())

	result, err := compactor.Compact(ctx, sessionID)
	if err != nil {
		w.client.log().Warn("auto-compaction failed",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	_ = w.client.Hooks().TriggerAfterCompaction(ctx, result)

	w.client.log().Info("auto-compaction completed",
		"session_id", sessionID,
		"original_tokens", result.OriginalTokens,
		"compacted_tokens", result.CompactedTokens,
		"messages_removed", result.MessagesRemoved,
	)
}
