package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patternrun/pattern/tool"
)

// MemoryHandle is the restricted memory surface the context and recall
// tools dispatch through — the "lightweight agent handle" of spec.md §4.2,
// scoped to one agent's own id so a tool can never act on another agent's
// behalf by forging an id in its input.
type MemoryHandle interface {
	tool.AgentHandle

	AppendBlock(ctx context.Context, label, text string) (string, error)
	ReplaceBlock(ctx context.Context, label, old, newValue string) (string, error)
	ArchiveBlock(ctx context.Context, label string) error
	LoadFromArchival(ctx context.Context, label string) error
	SwapBlock(ctx context.Context, archiveLabel, loadLabel string) error

	ArchivalInsert(ctx context.Context, label, value string) error
	ArchivalAppend(ctx context.Context, label, text string) error
	ArchivalRead(ctx context.Context, label string) (string, error)
	ArchivalDelete(ctx context.Context, label string) error
}

// ContextTool implements the "context" built-in tool: append, replace,
// archive, load_from_archival, and swap over an agent's Core/Working
// memory blocks (spec.md §4.2).
type ContextTool struct{}

func NewContextTool() *ContextTool { return &ContextTool{} }

func (t *ContextTool) Name() string { return "context" }

func (t *ContextTool) Description() string {
	return "Manage this agent's in-context memory blocks: append to or replace a block's value, " +
		"move a block to archival storage, load an archival block back into context, or swap " +
		"one block's content with an archival one."
}

func (t *ContextTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"operation": {
				Type:        "string",
				Description: "Which context operation to perform.",
				Enum:        []string{"append", "replace", "archive", "load_from_archival", "swap"},
			},
			"label":   {Type: "string", Description: "Block label (append, replace, archive, load_from_archival)."},
			"value":   {Type: "string", Description: "Text to append, or the replacement value for replace."},
			"old":     {Type: "string", Description: "The exact existing value replace is expected to match (informational; replace overwrites unconditionally)."},
			"archive": {Type: "string", Description: "Label of the block to move into archival (swap)."},
			"load":    {Type: "string", Description: "Label of the archival block to load into context (swap)."},
		},
		Required: []string{"operation"},
	}
}

type contextInput struct {
	Operation string `json:"operation"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	Old       string `json:"old"`
	Archive   string `json:"archive"`
	Load      string `json:"load"`
}

func (t *ContextTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	h, ok := tool.GetAgentHandle(ctx)
	if !ok {
		return "", fmt.Errorf("context: no agent handle in context")
	}
	mh, ok := h.(MemoryHandle)
	if !ok {
		return "", fmt.Errorf("context: agent handle does not support memory operations")
	}

	var in contextInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("context: invalid input: %w", err)
	}

	switch in.Operation {
	case "append":
		if in.Label == "" {
			return "", fmt.Errorf("context: field %q is required for operation %q", "label", "append")
		}
		val, err := mh.AppendBlock(ctx, in.Label, in.Value)
		if err != nil {
			return "", fmt.Errorf("context: append %q: %w", in.Label, err)
		}
		return fmt.Sprintf("appended to %q; new length %d chars", in.Label, len(val)), nil

	case "replace":
		if in.Label == "" {
			return "", fmt.Errorf("context: field %q is required for operation %q", "label", "replace")
		}
		val, err := mh.ReplaceBlock(ctx, in.Label, in.Old, in.Value)
		if err != nil {
			return "", fmt.Errorf("context: replace %q: %w", in.Label, err)
		}
		return fmt.Sprintf("replaced %q; new length %d chars", in.Label, len(val)), nil

	case "archive":
		if in.Label == "" {
			return "", fmt.Errorf("context: field %q is required for operation %q", "label", "archive")
		}
		if err := mh.ArchiveBlock(ctx, in.Label); err != nil {
			return "", fmt.Errorf("context: archive %q: %w", in.Label, err)
		}
		return fmt.Sprintf("moved %q to archival", in.Label), nil

	case "load_from_archival":
		if in.Label == "" {
			return "", fmt.Errorf("context: field %q is required for operation %q", "label", "load_from_archival")
		}
		if err := mh.LoadFromArchival(ctx, in.Label); err != nil {
			return "", fmt.Errorf("context: load_from_archival %q: %w", in.Label, err)
		}
		return fmt.Sprintf("loaded %q from archival into working memory", in.Label), nil

	case "swap":
		if in.Archive == "" || in.Load == "" {
			return "", fmt.Errorf("context: fields %q and %q are required for operation %q", "archive", "load", "swap")
		}
		if err := mh.SwapBlock(ctx, in.Archive, in.Load); err != nil {
			return "", fmt.Errorf("context: swap(archive=%q, load=%q): %w", in.Archive, in.Load, err)
		}
		return fmt.Sprintf("swapped %q with archival %q", in.Archive, in.Load), nil

	default:
		return "", fmt.Errorf("context: unknown operation %q, expected one of append|replace|archive|load_from_archival|swap", in.Operation)
	}
}
