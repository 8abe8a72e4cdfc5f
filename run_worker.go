package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
)

// runWorker processes pending batch runs by claiming them, building messages,
// and submitting to Claude Batch API. Only claims runs with run_mode='batch'.
type runWorker[TTx any] struct {
	client    *Client[TTx]
	triggerCh chan struct{}
}

func newRunWorker[TTx any](c *Client[TTx]) *runWorker[TTx] {
	return &runWorker[TTx]{
		client:    c,
		triggerCh: make(chan struct{}, 1),
	}
}

func (w *runWorker[TTx]) trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *runWorker[TTx]) run(ctx context.Context) {
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

func (w *runWorker[TTx]) processRuns(ctx context.Context) {
	store := w.client.driver.Store()

	// Claim pending batch runs only
	runs, err := store.ClaimRuns(ctx, w.client.instanceID, w.client.config.MaxConcurrentRuns, "batch")
	if err != nil {
		w.client.log().Error("failed to claim batch runs", "error", err)
		return
	}

	for _, run := range runs {
		if err := w.processRun(ctx, run); err != nil {
			w.client.log().Error("failed to process run",
				"run_id", run.ID,
				"error", err,
			)
			// Mark run as failed
			w.failRun(ctx, run.ID, "processing_error", err.Error())
		}
	}
}

func (w *runWorker[TTx]) processRun(ctx context.Context, run *driver.Run) error {
	store := w.client.driver.Store()
	log := w.client.log()

	log.Info("processing run",
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
	triggerType := "user_prompt"
	if run.CurrentIteration > 0 {
		triggerType = "tool_results"
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

	// Start-constraint tools run before the first model call (see
	// Client.injectStartConstraints); the run parks in pending_tools and
	// comes back through here once they've completed.
	if run.CurrentIteration == 0 {
		injected, err := w.client.injectStartConstraints(ctx, run, agent, false)
		if err != nil {
			return fmt.Errorf("failed to inject start-constraint tools: %w", err)
		}
		if injected {
			return nil
		}
	}

	// Create iteration
	iterationNumber := run.CurrentIteration + 1
	iteration, err := store.CreateIteration(ctx, driver.CreateIterationParams{
		RunID:           run.ID,
		IterationNumber: iterationNumber,
		TriggerType:     triggerType,
	})
	if err != nil {
		return fmt.Errorf("failed to create iteration: %w", err)
	}

	// Build messages for Claude API, trimmed to the agent's context budget
	sessionMessages, err := store.GetMessagesForRunContext(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}
	sessionMessages = w.client.compressForRequest(ctx, agent, sessionMessages)
	messages := buildAnthropicMessages(sessionMessages)

	if err := w.client.Hooks().TriggerBeforeMessage(ctx, wireMessages(sessionMessages)); err != nil {
		return fmt.Errorf("before-message hook rejected request: %w", err)
	}

	// Build tools for Claude API
	tools, err := buildAnthropicTools(w.client, agent)
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	// Build system prompt (base instructions + memory blocks + usage rules)
	var system []anthropic.TextBlockParam
	if prompt := w.client.renderSystemPrompt(ctx, agent); prompt != "" {
		system = []anthropic.TextBlockParam{
			{Text: prompt},
		}
	}

	// Build batch request
	maxTokens := int64(4096)
	if agent.MaxTokens != nil {
		maxTokens = int64(*agent.MaxTokens)
	}

	batchParams := anthropic.MessageBatchNewParams{
		Requests: []anthropic.MessageBatchNewParamsRequest{
			{
				CustomID: iteration.ID.String(),
				Params: anthropic.MessageBatchNewParamsRequestParams{
					Model:     anthropic.Model(agent.Model),
					MaxTokens: maxTokens,
					Messages:  messages,
					System:    system,
				},
			},
		},
	}

	// Add tools if any
	if len(tools) > 0 {
		batchParams.Requests[0].Params.Tools = tools
	}

	// Add optional parameters
	if agent.Temperature != nil {
		batchParams.Requests[0].Params.Temperature = anthropic.Float(*agent.Temperature)
	}
	if agent.TopK != nil {
		batchParams.Requests[0].Params.TopK = anthropic.Int(int64(*agent.TopK))
	}
	if agent.TopP != nil {
		batchParams.Requests[0].Params.TopP = anthropic.Float(*agent.TopP)
	}

	// Submit batch
	batch, err := w.client.anthropic.Messages.Batches.New(ctx, batchParams)
	if err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}

	log.Info("batch submitted",
		"run_id", run.ID,
		"batch_id", batch.ID,
		"iteration_id", iteration.ID,
	)

	// Update iteration with batch info
	batchStatus := BatchStatusInProgress
	now := time.Now()
	expiresAt := now.Add(24 * time.Hour)
	if err := store.UpdateIteration(ctx, iteration.ID, map[string]any{
		"batch_id":           batch.ID,
		"batch_request_id":   iteration.ID.String(),
		"batch_status":       string(batchStatus),
		"batch_submitted_at": now,
		"batch_expires_at":   expiresAt,
		"started_at":         now,
	}); err != nil {
		return fmt.Errorf("failed to update iteration: %w", err)
	}

	// Update run state
	if err := store.UpdateRunState(ctx, run.ID, driver.RunState(RunStateBatchPending), map[string]any{
		"current_iteration":    iterationNumber,
		"current_iteration_id": iteration.ID,
		"started_at":           now,
	}); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}

	return nil
}

func (w *runWorker[TTx]) failRun(ctx context.Context, runID uuid.UUID, errorType, errorMessage string) {
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
