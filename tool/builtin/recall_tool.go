package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patternrun/pattern/tool"
)

// RecallTool implements the "recall" built-in tool: archival-only insert,
// append, read, and delete (spec.md §4.2). Unlike context, recall never
// touches Core/Working blocks — it is the agent's sole write path into its
// own long-term archival memory pool.
type RecallTool struct{}

func NewRecallTool() *RecallTool { return &RecallTool{} }

func (t *RecallTool) Name() string { return "recall" }

func (t *RecallTool) Description() string {
	return "Create, append to, read, or delete an archival memory entry. Archival entries are " +
		"never shown in context automatically; use search to find them later."
}

func (t *RecallTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"operation": {
				Type:        "string",
				Description: "Which archival operation to perform.",
				Enum:        []string{"insert", "append", "read", "delete"},
			},
			"label": {Type: "string", Description: "Archival entry label."},
			"value": {Type: "string", Description: "Entry content (insert) or text to append (append)."},
		},
		Required: []string{"operation", "label"},
	}
}

type recallInput struct {
	Operation string `json:"operation"`
	Label     string `json:"label"`
	Value     string `json:"value"`
}

func (t *RecallTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	h, ok := tool.GetAgentHandle(ctx)
	if !ok {
		return "", fmt.Errorf("recall: no agent handle in context")
	}
	mh, ok := h.(MemoryHandle)
	if !ok {
		return "", fmt.Errorf("recall: agent handle does not support memory operations")
	}

	var in recallInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("recall: invalid input: %w", err)
	}
	if in.Label == "" {
		return "", fmt.Errorf("recall: field %q is required", "label")
	}

	switch in.Operation {
	case "insert":
		if err := mh.ArchivalInsert(ctx, in.Label, in.Value); err != nil {
			return "", fmt.Errorf("recall: insert %q: %w", in.Label, err)
		}
		return fmt.Sprintf("inserted archival entry %q", in.Label), nil

	case "append":
		if err := mh.ArchivalAppend(ctx, in.Label, in.Value); err != nil {
			return "", fmt.Errorf("recall: append %q: %w", in.Label, err)
		}
		return fmt.Sprintf("appended to archival entry %q", in.Label), nil

	case "read":
		val, err := mh.ArchivalRead(ctx, in.Label)
		if err != nil {
			return "", fmt.Errorf("recall: read %q: %w", in.Label, err)
		}
		return val, nil

	case "delete":
		if err := mh.ArchivalDelete(ctx, in.Label); err != nil {
			return "", fmt.Errorf("recall: delete %q: %w", in.Label, err)
		}
		return fmt.Sprintf("deleted archival entry %q", in.Label), nil

	default:
		return "", fmt.Errorf("recall: unknown operation %q, expected one of insert|append|read|delete", in.Operation)
	}
}
