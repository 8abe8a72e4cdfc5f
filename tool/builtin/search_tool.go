package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patternrun/pattern/tool"
)

// SearchHit is one ranked result, from either the archival or conversation
// corpus, normalized to a common shape so "all" can merge and re-sort them.
type SearchHit struct {
	Source    string  `json:"source"` // "archival_memory" or "conversations"
	Label     string  `json:"label,omitempty"`
	Role      string  `json:"role,omitempty"`
	Author    string  `json:"author,omitempty"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// ArchivalSearcher is the narrow surface the search tool needs for the
// archival_memory domain, satisfied by the same handle MemoryHandle is.
type ArchivalSearcher interface {
	tool.AgentHandle
	SearchArchivalMemory(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// ConversationSearcher is the narrow surface for the conversations domain.
// An agent handle that does not implement it simply has conversation
// search unavailable — the same graceful-degradation the spec applies to
// an absent embedding provider (BM25 without semantic search).
type ConversationSearcher interface {
	tool.AgentHandle
	SearchConversations(ctx context.Context, query string, limit int, filter ConversationFilter) ([]SearchHit, error)
}

// ConversationFilter narrows a conversations-domain search.
type ConversationFilter struct {
	Role   string
	Author string
	Since  *time.Time
	Until  *time.Time
}

// SearchTool implements the "search" built-in tool over the
// archival_memory, conversations, and all domains (spec.md §4.2).
type SearchTool struct{}

func NewSearchTool() *SearchTool { return &SearchTool{} }

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search this agent's archival memory, its conversation history, or both, with optional " +
		"role/time-range/author filters. Results are BM25-ranked, best match first."
}

func (t *SearchTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"domain": {
				Type:        "string",
				Description: "Which corpus to search.",
				Enum:        []string{"archival_memory", "conversations", "all"},
				Default:     "all",
			},
			"query": {Type: "string", Description: "Search text."},
			"limit": {Type: "integer", Description: "Maximum results to return (default 10).", Default: 10},
			"role":  {Type: "string", Description: "Conversations filter: only messages with this role."},
			"author": {
				Type:        "string",
				Description: "Conversations filter: only messages authored by this handle.",
			},
			"since": {Type: "string", Description: "Conversations filter: RFC3339 lower time bound (inclusive)."},
			"until": {Type: "string", Description: "Conversations filter: RFC3339 upper time bound (inclusive)."},
		},
		Required: []string{"query"},
	}
}

type searchInput struct {
	Domain string `json:"domain"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Role   string `json:"role"`
	Author string `json:"author"`
	Since  string `json:"since"`
	Until  string `json:"until"`
}

func (t *SearchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	h, ok := tool.GetAgentHandle(ctx)
	if !ok {
		return "", fmt.Errorf("search: no agent handle in context")
	}

	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("search: invalid input: %w", err)
	}
	if in.Query == "" {
		return "", fmt.Errorf("search: field %q is required", "query")
	}
	domain := in.Domain
	if domain == "" {
		domain = "all"
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}

	var filter ConversationFilter
	filter.Role, filter.Author = in.Role, in.Author
	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return "", fmt.Errorf("search: field %q must be RFC3339: %w", "since", err)
		}
		filter.Since = &since
	}
	if in.Until != "" {
		until, err := time.Parse(time.RFC3339, in.Until)
		if err != nil {
			return "", fmt.Errorf("search: field %q must be RFC3339: %w", "until", err)
		}
		filter.Until = &until
	}

	var hits []SearchHit
	switch domain {
	case "archival_memory":
		as, ok := h.(ArchivalSearcher)
		if !ok {
			return "", fmt.Errorf("search: agent handle does not support archival_memory search")
		}
		got, err := as.SearchArchivalMemory(ctx, in.Query, limit)
		if err != nil {
			return "", fmt.Errorf("search: archival_memory: %w", err)
		}
		hits = got

	case "conversations":
		cs, ok := h.(ConversationSearcher)
		if !ok {
			return "", fmt.Errorf("search: agent handle does not support conversations search")
		}
		got, err := cs.SearchConversations(ctx, in.Query, limit, filter)
		if err != nil {
			return "", fmt.Errorf("search: conversations: %w", err)
		}
		hits = got

	case "all":
		supported := false
		if as, ok := h.(ArchivalSearcher); ok {
			supported = true
			got, err := as.SearchArchivalMemory(ctx, in.Query, limit)
			if err != nil {
				return "", fmt.Errorf("search: archival_memory: %w", err)
			}
			hits = append(hits, got...)
		}
		if cs, ok := h.(ConversationSearcher); ok {
			supported = true
			got, err := cs.SearchConversations(ctx, in.Query, limit, filter)
			if err != nil {
				return "", fmt.Errorf("search: conversations: %w", err)
			}
			hits = append(hits, got...)
		}
		if !supported {
			return "", fmt.Errorf("search: agent handle supports neither archival_memory nor conversations search")
		}
		sortHitsByScoreDesc(hits)
		if len(hits) > limit {
			hits = hits[:limit]
		}

	default:
		return "", fmt.Errorf("search: unknown domain %q, expected one of archival_memory|conversations|all", domain)
	}

	if len(hits) == 0 {
		return "no results", nil
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("search: marshal results: %w", err)
	}
	return string(out), nil
}

func sortHitsByScoreDesc(hits []SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}
