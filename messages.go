package pattern

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
	"github.com/patternrun/pattern/memory"
	"github.com/patternrun/pattern/promptbuild"
	"github.com/patternrun/pattern/rules"
	"github.com/patternrun/pattern/tool"
	"github.com/patternrun/pattern/types"
)

// buildAnthropicMessages converts stored messages into API request
// messages, merging consecutive same-role entries since the API requires
// strictly alternating user/assistant turns.
func buildAnthropicMessages(sessionMessages []*driver.Message) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(sessionMessages))

	for _, msg := range sessionMessages {
		role := anthropic.MessageParamRoleUser
		if msg.Role == string(MessageRoleAssistant) {
			role = anthropic.MessageParamRoleAssistant
		}

		content := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case ContentTypeText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case ContentTypeToolUse:
				var input any
				if len(block.ToolInput) > 0 {
					_ = json.Unmarshal(block.ToolInput, &input)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
			case ContentTypeToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolResultForUseID, block.ToolContent, block.IsError))
			}
		}

		if len(content) == 0 {
			continue
		}

		if len(messages) > 0 && messages[len(messages)-1].Role == role {
			messages[len(messages)-1].Content = append(messages[len(messages)-1].Content, content...)
		} else {
			messages = append(messages, anthropic.MessageParam{
				Role:    role,
				Content: content,
			})
		}
	}

	return messages
}

// buildAnthropicTools assembles the tool schemas for agent: its registered
// tools plus an entry per delegate agent (agent-as-tool).
func buildAnthropicTools[TTx any](c *Client[TTx], agent *AgentRecord) ([]anthropic.ToolUnionParam, error) {
	if len(agent.Tools) == 0 && len(agent.Agents) == 0 {
		return nil, nil
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(agent.Tools)+len(agent.Agents))

	for _, toolName := range agent.Tools {
		t := c.GetTool(toolName)
		if t == nil {
			continue
		}

		schema := t.InputSchema()
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: schemaPropertiesToMap(schema.Properties),
		}
		if len(schema.Required) > 0 {
			inputSchema.Required = schema.Required
		}

		toolParam := anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: inputSchema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	for _, agentName := range agent.Agents {
		delegateAgent := c.GetAgent(agentName)
		if delegateAgent == nil {
			continue
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The task to delegate to this agent",
				},
			},
			Required: []string{"task"},
		}

		toolParam := anthropic.ToolParam{
			Name:        agentName,
			Description: anthropic.String(delegateAgent.Description),
			InputSchema: inputSchema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	return tools, nil
}

// schemaPropertiesToMap converts tool schema properties to the format expected by Anthropic API
func schemaPropertiesToMap(props map[string]tool.PropertyDef) map[string]any {
	result := make(map[string]any)
	for k, v := range props {
		result[k] = v.ToJSON()
	}
	return result
}

// wireMessages converts stored messages to the wire types the hooks layer
// observes, preserving role, content, and usage.
func wireMessages(msgs []*driver.Message) []*types.Message {
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		wm := &types.Message{
			ID:          m.ID.String(),
			SessionID:   m.SessionID.String(),
			Role:        types.Role(m.Role),
			Metadata:    m.Metadata,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
			IsPreserved: m.IsPreserved,
			IsSummary:   m.IsSummary,
			Usage: &types.Usage{
				InputTokens:         m.Usage.InputTokens,
				OutputTokens:        m.Usage.OutputTokens,
				CacheCreationTokens: m.Usage.CacheCreationInputTokens,
				CacheReadTokens:     m.Usage.CacheReadInputTokens,
			},
		}
		for _, b := range m.Content {
			wm.Content = append(wm.Content, types.ContentBlock{
				Type:         types.ContentType(b.Type),
				Text:         b.Text,
				ToolUseID:    b.ToolUseID,
				ToolName:     b.ToolName,
				ToolInputRaw: b.ToolInput,
				ToolResultID: b.ToolResultForUseID,
				ToolContent:  b.ToolContent,
				IsError:      b.IsError,
			})
		}
		out = append(out, wm)
	}
	return out
}

// buildRuleHistory reconstructs the rules.Call history for runID from its
// terminal tool executions so far, ordered by completion time.
func buildRuleHistory[TTx any](ctx context.Context, store driver.Store[TTx], runID uuid.UUID) ([]rules.Call, error) {
	execs, err := store.GetToolExecutionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	history := make([]rules.Call, 0, len(execs))
	for _, e := range execs {
		if e.State != string(ToolStateCompleted) && e.State != string(ToolStateFailed) {
			continue
		}
		at := e.CreatedAt
		if e.CompletedAt != nil {
			at = *e.CompletedAt
		}
		history = append(history, rules.Call{Tool: e.ToolName, At: at})
	}
	sort.Slice(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })
	return history, nil
}

// metadataFlag reports whether metadata carries key with a truthy value.
func metadataFlag(metadata map[string]any, key string) bool {
	if metadata == nil {
		return false
	}
	v, ok := metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// mergeMetadata returns a copy of base with overrides applied.
func mergeMetadata(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// renderSystemPrompt produces the full system prompt for agent: base
// instructions, then (when a memory manager is attached) a metadata line,
// the agent's core and working blocks, the archival label inventory, and
// the aggregated tool usage rules — the fixed order of spec.md §4.4,
// rendered by promptbuild.
func (c *Client[TTx]) renderSystemPrompt(ctx context.Context, agent *AgentRecord) string {
	m := c.Memory()
	if m == nil {
		return agent.SystemPrompt
	}

	blocks, err := m.BlocksFor(ctx, agent.Name)
	if err != nil {
		c.log().Warn("failed to load memory blocks for prompt", "agent", agent.Name, "error", err)
		return agent.SystemPrompt
	}

	pbBlocks := make([]promptbuild.Block, 0, len(blocks))
	var lastModified time.Time
	var archivalLabels []string
	for _, b := range blocks {
		if b.UpdatedAt.After(lastModified) {
			lastModified = b.UpdatedAt
		}
		switch b.Type {
		case memory.BlockCore:
			pbBlocks = append(pbBlocks, promptbuild.Block{Label: b.Label, Description: b.Description, Value: b.Value, Type: "core"})
		case memory.BlockWorking:
			pbBlocks = append(pbBlocks, promptbuild.Block{Label: b.Label, Description: b.Description, Value: b.Value, Type: "working"})
		case memory.BlockArchival:
			archivalLabels = append(archivalLabels, b.Label)
		}
	}

	var usageRules []string
	for _, name := range agent.Tools {
		if t := c.GetTool(name); t != nil {
			if ur, ok := t.(tool.UsageRuler); ok {
				if rule := ur.UsageRule(); rule != "" {
					usageRules = append(usageRules, name+": "+rule)
				}
			}
		}
	}
	sort.Strings(usageRules)

	builder := &promptbuild.Builder{}
	built, err := builder.Build(ctx, agent.SystemPrompt, pbBlocks, nil, promptbuild.PromptExtras{
		Now:                time.Now(),
		MemoryLastModified: lastModified,
		ArchivalLabels:     archivalLabels,
		UsageRules:         usageRules,
	})
	if err != nil {
		c.log().Warn("failed to render system prompt", "agent", agent.Name, "error", err)
		return agent.SystemPrompt
	}
	return built.SystemPrompt
}

// compressForRequest trims message history to the agent's context budget
// using its configured compression strategy, keeping whole messages only
// and never orphaning a tool_result from its tool_use. Recursive
// summarization is a durable, compaction-owned operation, so at request
// time it degrades to truncation; the compactor rewrites history for good
// on its own trigger.
func (c *Client[TTx]) compressForRequest(ctx context.Context, agent *AgentRecord, msgs []*driver.Message) []*driver.Message {
	if agent.MaxContextTokens <= 0 || len(msgs) == 0 {
		return msgs
	}

	pbMsgs := make([]promptbuild.Message, 0, len(msgs))
	for _, m := range msgs {
		text := ""
		for _, b := range m.Content {
			text += b.Text + b.ToolContent
			text += string(b.ToolInput)
		}
		pbMsgs = append(pbMsgs, promptbuild.Message{
			ID:          m.ID.String(),
			Role:        m.Role,
			Text:        text,
			Tokens:      (len(text) + 3) / 4,
			CreatedAt:   m.CreatedAt,
			LastTouched: m.UpdatedAt,
			Preserved:   m.IsPreserved || m.IsSummary,
		})
	}

	var strategy promptbuild.CompressionStrategy
	switch agent.CompressionStrategy {
	case promptbuild.StrategyImportanceBased:
		strategy = promptbuild.NewImportanceBasedStrategy()
	case promptbuild.StrategyTimeDecay:
		strategy = promptbuild.NewTimeDecayStrategy(24*time.Hour, time.Now)
	default:
		strategy = promptbuild.NewTruncateStrategy()
	}

	kept, _, err := strategy.Compress(ctx, pbMsgs, agent.MaxContextTokens)
	if err != nil {
		c.log().Warn("context compression failed, sending full history", "agent", agent.Name, "error", err)
		return msgs
	}
	if len(kept) == len(msgs) {
		return msgs
	}

	keptIDs := make(map[string]bool, len(kept))
	for _, k := range kept {
		keptIDs[k.ID] = true
	}

	// Filter, then drop any message whose tool_result lost its tool_use.
	seenCalls := make(map[string]bool)
	out := make([]*driver.Message, 0, len(kept))
	for _, m := range msgs {
		if !keptIDs[m.ID.String()] {
			continue
		}
		orphaned := false
		for _, b := range m.Content {
			switch b.Type {
			case ContentTypeToolUse:
				seenCalls[b.ToolUseID] = true
			case ContentTypeToolResult:
				if !seenCalls[b.ToolResultForUseID] {
					orphaned = true
				}
			}
		}
		if orphaned {
			continue
		}
		out = append(out, m)
	}
	return out
}

// injectStartConstraints queues the agent's StartConstraint tools as a
// synthetic assistant turn before a run's first model call (spec §4.5
// step 2): a tool_use message is persisted, the executions are queued, and
// the run parks in pending_tools so the first real model turn sees those
// calls and their results as ordinary history. Returns true if anything
// was injected.
func (c *Client[TTx]) injectStartConstraints(ctx context.Context, run *driver.Run, agent *AgentRecord, isStreaming bool) (bool, error) {
	var startRules []rules.Rule
	for _, r := range agent.Rules {
		if r.Kind == rules.TypeStartConstraint && r.Tool != "" {
			startRules = append(startRules, r)
		}
	}
	if len(startRules) == 0 {
		return false, nil
	}

	// Priority order, highest first, ties by declaration order — the same
	// ordering the rules engine evaluates in.
	sort.SliceStable(startRules, func(i, j int) bool {
		return startRules[i].Priority > startRules[j].Priority
	})
	startTools := make([]string, 0, len(startRules))
	for _, r := range startRules {
		startTools = append(startTools, r.Tool)
	}

	store := c.driver.Store()
	iteration, err := store.CreateIteration(ctx, driver.CreateIterationParams{
		RunID:           run.ID,
		IterationNumber: run.CurrentIteration + 1,
		TriggerType:     TriggerTypeStartConstraint,
		IsStreaming:     isStreaming,
	})
	if err != nil {
		return false, err
	}
	if err := store.UpdateRun(ctx, run.ID, map[string]any{
		"current_iteration":    run.CurrentIteration + 1,
		"current_iteration_id": iteration.ID,
		"started_at":           time.Now(),
	}); err != nil {
		return false, err
	}

	return true, c.injectSyntheticCalls(ctx, iteration, run, startTools, map[string]any{
		"tool_iterations": run.ToolIterations + 1,
	})
}

// injectSyntheticCalls persists an assistant message carrying generated
// tool_use blocks for the named tools and queues matching executions,
// moving the run to pending_tools. Used for StartConstraint pre-execution
// and RequiredBeforeExit injection, where the agent loop calls tools on the
// model's behalf.
func (c *Client[TTx]) injectSyntheticCalls(ctx context.Context, iter *driver.Iteration, run *driver.Run, toolNames []string, runUpdates map[string]any) error {
	store := c.driver.Store()

	blocks := make([]driver.ContentBlock, 0, len(toolNames))
	params := make([]driver.CreateToolExecutionParams, 0, len(toolNames))
	for _, name := range toolNames {
		callID := "synth_" + uuid.NewString()
		input := json.RawMessage(`{}`)
		blocks = append(blocks, driver.ContentBlock{
			Type:      ContentTypeToolUse,
			ToolUseID: callID,
			ToolName:  name,
			ToolInput: input,
		})

		isAgentTool := false
		var agentName *string
		if c.GetAgent(name) != nil {
			isAgentTool = true
			agentName = Ptr(name)
		}
		params = append(params, driver.CreateToolExecutionParams{
			RunID:       run.ID,
			IterationID: iter.ID,
			ToolUseID:   callID,
			ToolName:    name,
			ToolInput:   input,
			IsAgentTool: isAgentTool,
			AgentName:   agentName,
			MaxAttempts: c.toolMaxAttempts(),
		})
	}

	if _, err := store.CreateMessage(ctx, driver.CreateMessageParams{
		SessionID: run.SessionID,
		RunID:     &run.ID,
		Role:      driver.MessageRole(MessageRoleAssistant),
		Content:   blocks,
		Metadata:  map[string]any{"synthetic": true},
	}); err != nil {
		return err
	}

	if _, err := store.CreateToolExecutionsAndUpdateRunState(ctx, params, run.ID, driver.RunState(RunStatePendingTools), runUpdates); err != nil {
		return err
	}

	if c.toolWorker != nil {
		c.toolWorker.trigger()
	}
	return nil
}

// finishQueuedMessage marks the queued message behind an agent-to-agent
// run as processed, once that run completes successfully.
func (c *Client[TTx]) finishQueuedMessage(ctx context.Context, run *driver.Run) {
	r := c.RouterHandle()
	if r == nil || run.Metadata == nil {
		return
	}
	id, _ := run.Metadata["queued_message_id"].(string)
	if id == "" {
		return
	}
	if err := r.MarkProcessed(ctx, id); err != nil {
		c.log().Warn("failed to mark queued message processed",
			"message_id", id,
			"run_id", run.ID,
			"error", err,
		)
	}
}
