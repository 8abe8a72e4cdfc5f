package promptbuild

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func msg(id string, tokens int, age time.Duration, preserved bool) Message {
	now := time.Unix(1700000000, 0)
	return Message{
		ID:          id,
		Role:        "user",
		Text:        "x",
		Tokens:      tokens,
		CreatedAt:   now.Add(-age),
		LastTouched: now.Add(-age),
		Preserved:   preserved,
	}
}

func TestTruncateDropsOldestFirst(t *testing.T) {
	messages := []Message{
		msg("1", 10, 3*time.Hour, false),
		msg("2", 10, 2*time.Hour, false),
		msg("3", 10, time.Hour, false),
	}
	kept, _, err := NewTruncateStrategy().Compress(context.Background(), messages, 20)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(kept) != 2 || kept[0].ID != "2" {
		t.Fatalf("kept = %+v, want [2 3]", kept)
	}
}

func TestTruncatePreservesProtectedMessages(t *testing.T) {
	messages := []Message{
		msg("1", 10, 3*time.Hour, true),
		msg("2", 10, 2*time.Hour, false),
	}
	kept, _, err := NewTruncateStrategy().Compress(context.Background(), messages, 5)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "1" {
		t.Fatalf("preserved message was dropped: kept = %+v", kept)
	}
}

func TestImportanceBasedKeepsRecentlyTouched(t *testing.T) {
	messages := []Message{
		msg("stale", 10, 5*time.Hour, false),
		msg("fresh", 10, time.Minute, false),
	}
	kept, _, err := NewImportanceBasedStrategy().Compress(context.Background(), messages, 10)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "fresh" {
		t.Fatalf("kept = %+v, want [fresh]", kept)
	}
}

func TestTimeDecaySparesFreshMessages(t *testing.T) {
	messages := []Message{
		msg("old", 10, 2*time.Hour, false),
		msg("new", 10, time.Second, false),
	}
	strat := NewTimeDecayStrategy(time.Hour, func() time.Time { return time.Unix(1700000000, 0) })
	kept, _, err := strat.Compress(context.Background(), messages, 10)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "new" {
		t.Fatalf("kept = %+v, want [new]", kept)
	}
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, messages []Message) (string, error) {
	return "summary of older messages", nil
}

func TestRecursiveSummarizationProducesSummary(t *testing.T) {
	messages := []Message{
		msg("1", 50, 3*time.Hour, false),
		msg("2", 50, 2*time.Hour, false),
		msg("3", 5, time.Minute, false),
	}
	strat := NewRecursiveSummarizationStrategy(fakeSummarizer{}, 2)
	kept, summary, err := strat.Compress(context.Background(), messages, 10)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a summary message")
	}
	if len(kept) != 1 || kept[0].ID != "3" {
		t.Fatalf("kept = %+v, want [3]", kept)
	}
}

func TestBuilderAssemblesSystemPromptWithBlocks(t *testing.T) {
	b := &Builder{Strategy: NewTruncateStrategy(), MaxContextTokens: 1000, ReserveForReply: 100}
	built, err := b.Build(context.Background(), "You are helpful.", []Block{
		{Label: "persona", Value: "terse and direct", Type: "core"},
	}, nil, PromptExtras{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !contains(built.SystemPrompt, "persona") || !contains(built.SystemPrompt, "terse and direct") {
		t.Errorf("SystemPrompt missing core block: %q", built.SystemPrompt)
	}
}

func TestBuilderIncludesMetadataArchivalAndUsageRules(t *testing.T) {
	b := &Builder{Strategy: NewTruncateStrategy(), MaxContextTokens: 1000, ReserveForReply: 100}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	built, err := b.Build(context.Background(), "You are helpful.", []Block{
		{Label: "persona", Value: "terse", Type: "core"},
	}, nil, PromptExtras{
		Now:                now,
		MemoryLastModified: now.Add(-time.Hour),
		ArchivalLabels:     []string{"project_notes", "project_risks"},
		UsageRules:         []string{"send_message: calling this tool ends the agent's turn."},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"2026-01-02T03:04:05Z", "project_notes", "project_risks", "ends the agent's turn"} {
		if !contains(built.SystemPrompt, want) {
			t.Errorf("SystemPrompt missing %q: %q", want, built.SystemPrompt)
		}
	}
}

func TestRenderArchivalLabelsGroupsBeyondThreshold(t *testing.T) {
	labels := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		labels = append(labels, fmt.Sprintf("project_note_%d", i))
	}
	summary := renderArchivalLabels(labels)
	if !contains(summary, "project (60)") {
		t.Errorf("expected grouped summary by prefix, got %q", summary)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
