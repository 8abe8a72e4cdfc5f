package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
)

func textMessage(role, text string) *driver.Message {
	return &driver.Message{
		ID:      uuid.New(),
		Role:    role,
		Content: []driver.ContentBlock{{Type: "text", Text: text}},
	}
}

func toolMessage(toolName, output string) *driver.Message {
	return &driver.Message{
		ID:   uuid.New(),
		Role: "user",
		Content: []driver.ContentBlock{
			{Type: "tool_result", ToolResultForUseID: "tu_1", ToolContent: output},
		},
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.UseTokenCountingAPI = false
	// Zero protected-zone budget keeps the partition driven purely by
	// PreserveLastN, so the fixtures below land in predictable categories.
	cfg.ProtectedTokens = 0
	cfg.PreserveLastN = 2
	cfg.TargetTokens = 1 << 30 // never trigger summarization in prune tests
	return cfg
}

func testCounter() *TokenCounter {
	return NewTokenCounter(nil, DefaultSummarizerModel, false)
}

func TestPartitionCategorizesMessages(t *testing.T) {
	cfg := testConfig()
	p := NewPartitioner(testCounter(), cfg)

	old1 := textMessage("user", strings.Repeat("old conversation detail ", 50))
	old2 := toolMessage("fetch", strings.Repeat("tool output ", 100))
	summary := textMessage("assistant", "earlier summary")
	summary.IsSummary = true
	preserved := textMessage("user", "never drop this")
	preserved.IsPreserved = true
	recent1 := textMessage("user", "latest question")
	recent2 := textMessage("assistant", "latest answer")

	messages := []*driver.Message{old1, old2, summary, preserved, recent1, recent2}
	partition, err := p.Partition(context.Background(), messages)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}

	if len(partition.Summaries) != 1 || partition.Summaries[0].ID != summary.ID {
		t.Errorf("summary message not categorized: %+v", partition.Summaries)
	}
	if len(partition.Preserved) != 1 || partition.Preserved[0].ID != preserved.ID {
		t.Errorf("preserved message not categorized: %+v", partition.Preserved)
	}

	// The two bulky old messages must be compactable; the recent tail must
	// not be.
	compactable := map[uuid.UUID]bool{}
	for _, m := range partition.Compactable {
		compactable[m.ID] = true
	}
	if !compactable[old1.ID] || !compactable[old2.ID] {
		t.Errorf("old messages should be compactable, got %v", compactable)
	}
	if compactable[recent1.ID] || compactable[recent2.ID] {
		t.Error("recent messages must never be compactable")
	}
	if partition.Stats.TotalTokens <= 0 {
		t.Error("partition stats missing token totals")
	}
}

func TestPartitionEmptySession(t *testing.T) {
	p := NewPartitioner(testCounter(), testConfig())
	partition, err := p.Partition(context.Background(), nil)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if partition.CanCompact() {
		t.Error("empty partition must not be compactable")
	}
}

func TestHybridPrunesToolOutputsWithoutSummarizing(t *testing.T) {
	cfg := testConfig()
	p := NewPartitioner(testCounter(), cfg)

	bulkyTool := toolMessage("scrape", strings.Repeat("scraped content ", 200))
	oldText := textMessage("user", strings.Repeat("discussion ", 80))
	recent1 := textMessage("user", "now")
	recent2 := textMessage("assistant", "ok")

	partition, err := p.Partition(context.Background(), []*driver.Message{bulkyTool, oldText, recent1, recent2})
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}

	// No summarizer wired: the prune-only path must not need one.
	h := NewHybridStrategy(nil, testCounter(), cfg)
	result, err := h.Execute(context.Background(), partition)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.SummaryText != "" {
		t.Errorf("prune-only pass should not summarize, got %q", result.SummaryText)
	}
	found := false
	for _, id := range result.ArchivedMessageIDs {
		if id == bulkyTool.ID {
			found = true
		}
		if id == oldText.ID {
			t.Error("prose message archived without a summary replacing it")
		}
	}
	if !found {
		t.Error("bulky tool message was not pruned")
	}
	if result.TokensRemoved <= 0 {
		t.Error("pruning removed no tokens")
	}
	if result.TokensAfter >= partition.Stats.TotalTokens {
		t.Error("token count did not shrink")
	}
}

func TestHybridRespectsPreserveToolOutputs(t *testing.T) {
	cfg := testConfig()
	cfg.PreserveToolOutputs = true
	p := NewPartitioner(testCounter(), cfg)

	bulkyTool := toolMessage("scrape", strings.Repeat("scraped content ", 200))
	recent1 := textMessage("user", "now")
	recent2 := textMessage("assistant", "ok")

	partition, err := p.Partition(context.Background(), []*driver.Message{bulkyTool, recent1, recent2})
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if !partition.CanCompact() {
		t.Skip("tool message landed in the protected zone")
	}

	h := NewHybridStrategy(nil, testCounter(), cfg)
	result, err := h.Execute(context.Background(), partition)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, id := range result.ArchivedMessageIDs {
		if id == bulkyTool.ID {
			t.Error("tool output archived despite PreserveToolOutputs")
		}
	}
}

func TestHasToolBlocks(t *testing.T) {
	if hasToolBlocks(textMessage("user", "plain")) {
		t.Error("text-only message reported as tool-bearing")
	}
	if !hasToolBlocks(toolMessage("t", "out")) {
		t.Error("tool_result message not detected")
	}
}
