package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
	"github.com/patternrun/pattern/ident"
	"github.com/patternrun/pattern/memory"
	"github.com/patternrun/pattern/tool/builtin"
)

// agentHandle is the per-dispatch adapter behind tool.AgentHandle: it gives
// the built-in tools a restricted surface over this client's memory
// manager, router, and groups, scoped to one agent and one session. It is
// built fresh for every tool execution and carries no message history.
type agentHandle[TTx any] struct {
	client    *Client[TTx]
	agentName string
	sessionID uuid.UUID
	callChain []string
}

func (c *Client[TTx]) newAgentHandle(agentName string, sessionID uuid.UUID, callChain []string) *agentHandle[TTx] {
	return &agentHandle[TTx]{
		client:    c,
		agentName: agentName,
		sessionID: sessionID,
		callChain: callChain,
	}
}

func (h *agentHandle[TTx]) AgentID() string { return h.agentName }

func (h *agentHandle[TTx]) mem() (*memory.Manager, error) {
	m := h.client.Memory()
	if m == nil {
		return nil, fmt.Errorf("no memory manager attached to this client")
	}
	return m, nil
}

// Memory surface (builtin.MemoryHandle)

func (h *agentHandle[TTx]) AppendBlock(ctx context.Context, label, text string) (string, error) {
	m, err := h.mem()
	if err != nil {
		return "", err
	}
	b, err := m.AppendByLabel(ctx, h.agentName, label, text)
	if err != nil {
		return "", err
	}
	return b.Value, nil
}

func (h *agentHandle[TTx]) ReplaceBlock(ctx context.Context, label, old, newValue string) (string, error) {
	m, err := h.mem()
	if err != nil {
		return "", err
	}
	b, err := m.ReplaceByLabel(ctx, h.agentName, label, newValue)
	if err != nil {
		return "", err
	}
	return b.Value, nil
}

func (h *agentHandle[TTx]) ArchiveBlock(ctx context.Context, label string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	if _, err := m.Archive(ctx, h.agentName, label, memory.BlockCore); err != nil {
		_, err = m.Archive(ctx, h.agentName, label, memory.BlockWorking)
		return err
	}
	return nil
}

func (h *agentHandle[TTx]) LoadFromArchival(ctx context.Context, label string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	_, err = m.LoadFromArchival(ctx, h.agentName, label)
	return err
}

func (h *agentHandle[TTx]) SwapBlock(ctx context.Context, archiveLabel, loadLabel string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	_, _, err = m.Swap(ctx, h.agentName, archiveLabel, loadLabel)
	return err
}

func (h *agentHandle[TTx]) ArchivalInsert(ctx context.Context, label, value string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	_, err = m.ArchivalInsert(ctx, h.agentName, label, value)
	return err
}

func (h *agentHandle[TTx]) ArchivalAppend(ctx context.Context, label, text string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	_, err = m.ArchivalAppend(ctx, h.agentName, label, text)
	return err
}

func (h *agentHandle[TTx]) ArchivalRead(ctx context.Context, label string) (string, error) {
	m, err := h.mem()
	if err != nil {
		return "", err
	}
	b, err := m.ArchivalRead(ctx, h.agentName, label)
	if err != nil {
		return "", err
	}
	return b.Value, nil
}

func (h *agentHandle[TTx]) ArchivalDelete(ctx context.Context, label string) error {
	m, err := h.mem()
	if err != nil {
		return err
	}
	return m.ArchivalDelete(ctx, h.agentName, label)
}

// Search surface (builtin.ArchivalSearcher)

func (h *agentHandle[TTx]) SearchArchivalMemory(ctx context.Context, query string, limit int) ([]builtin.SearchHit, error) {
	m, err := h.mem()
	if err != nil {
		return nil, err
	}
	blocks, err := m.SearchArchival(ctx, h.agentName, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]builtin.SearchHit, 0, len(blocks))
	for i, b := range blocks {
		hits = append(hits, builtin.SearchHit{
			Source:    "archival_memory",
			Label:     b.Label,
			Text:      b.Value,
			Score:     float64(len(blocks) - i), // store returns best-first
			CreatedAt: b.CreatedAt.Format(time.RFC3339),
		})
	}
	return hits, nil
}

// Send surface (builtin.SendHandle)

// SendToUser persists the text as an ordinary assistant message in the
// handle's session. The caller-facing surface (CLI, API poller) reads it
// from there; Pattern itself has no direct user channel.
func (h *agentHandle[TTx]) SendToUser(ctx context.Context, text string) error {
	_, err := h.client.driver.Store().CreateMessage(ctx, driver.CreateMessageParams{
		SessionID: h.sessionID,
		Role:      string(MessageRoleAssistant),
		Content:   []driver.ContentBlock{{Type: ContentTypeText, Text: text}},
		Metadata:  map[string]any{"outbound": "user", "sent_by": h.agentName},
	})
	return err
}

func (h *agentHandle[TTx]) SendToAgent(ctx context.Context, agentID, text string) error {
	r := h.client.RouterHandle()
	if r == nil {
		return fmt.Errorf("no router attached to this client")
	}
	_, err := r.Send(ctx, h.agentName, agentID, text, h.callChain, time.Now(), func() string {
		return ident.New(ident.PrefixQueued).Key()
	})
	return err
}

// SendToGroup enqueues the text for the group's natural inbound target:
// the supervisor when one exists, otherwise the pattern's first target
// (spec.md §4.8, external stimuli addressed to a group).
func (h *agentHandle[TTx]) SendToGroup(ctx context.Context, groupName, text string) error {
	g := h.client.GetGroup(groupName)
	if g == nil {
		return fmt.Errorf("group %q not registered", groupName)
	}
	target := g.Supervisor
	if target == "" {
		if len(g.Stages) > 0 {
			target = g.Stages[0].AgentID
		} else if len(g.Members) > 0 {
			target = g.Members[0].AgentID
		}
	}
	if target == "" {
		return fmt.Errorf("group %q has no members", groupName)
	}
	return h.SendToAgent(ctx, target, text)
}

var _ builtin.MemoryHandle = (*agentHandle[any])(nil)
var _ builtin.SendHandle = (*agentHandle[any])(nil)
var _ builtin.ArchivalSearcher = (*agentHandle[any])(nil)
