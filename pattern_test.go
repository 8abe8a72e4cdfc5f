package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
	"github.com/patternrun/pattern/promptbuild"
)

func TestToolRetryConfigBackoffCurve(t *testing.T) {
	cfg := DefaultToolRetryConfig()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := cfg.NextRetryDelay(attempt)
		if d <= prev && d != cfg.MaxDelay {
			t.Errorf("delay not increasing: attempt %d = %v after %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Errorf("attempt %d delay %v exceeds max %v", attempt, d, cfg.MaxDelay)
		}
		prev = d
	}

	if got := cfg.NextRetryDelay(1); got != time.Second {
		t.Errorf("first retry delay = %v, want 1s", got)
	}
	// Very high attempts cap at MaxDelay instead of overflowing.
	if got := cfg.NextRetryDelay(10000); got != cfg.MaxDelay {
		t.Errorf("huge attempt delay = %v, want max %v", got, cfg.MaxDelay)
	}
}

func TestCallChainOf(t *testing.T) {
	run := &driver.Run{Metadata: map[string]any{
		"call_chain": []any{"alpha", "beta"},
	}}
	chain := callChainOf(run)
	if len(chain) != 2 || chain[0] != "alpha" || chain[1] != "beta" {
		t.Errorf("chain = %v", chain)
	}

	if got := callChainOf(&driver.Run{}); got != nil {
		t.Errorf("nil metadata chain = %v, want nil", got)
	}
}

func TestMetadataHelpers(t *testing.T) {
	if metadataFlag(nil, "x") {
		t.Error("nil metadata reported a flag")
	}
	m := mergeMetadata(map[string]any{"a": 1}, map[string]any{"b": true})
	if m["a"] != 1 || m["b"] != true {
		t.Errorf("merge = %v", m)
	}
	if !metadataFlag(m, "b") || metadataFlag(m, "a") {
		t.Error("metadataFlag misread merged map")
	}
}

func testMessage(role string, text string, createdAt time.Time) *driver.Message {
	return &driver.Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   []driver.ContentBlock{{Type: ContentTypeText, Text: text}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func toolPairMessages(callID string, createdAt time.Time) []*driver.Message {
	call := &driver.Message{
		ID:   uuid.New(),
		Role: string(MessageRoleAssistant),
		Content: []driver.ContentBlock{
			{Type: ContentTypeToolUse, ToolUseID: callID, ToolName: "lookup", ToolInput: []byte(`{}`)},
		},
		CreatedAt: createdAt,
	}
	result := &driver.Message{
		ID:   uuid.New(),
		Role: string(MessageRoleUser),
		Content: []driver.ContentBlock{
			{Type: ContentTypeToolResult, ToolResultForUseID: callID, ToolContent: "found"},
		},
		CreatedAt: createdAt.Add(time.Second),
	}
	return []*driver.Message{call, result}
}

func TestCompressForRequestKeepsBudget(t *testing.T) {
	c := &Client[any]{config: &ClientConfig{}}
	agent := &AgentRecord{
		Name:                "a",
		CompressionStrategy: promptbuild.StrategyTruncate,
		MaxContextTokens:    200,
	}

	base := time.Unix(1700000000, 0)
	var msgs []*driver.Message
	for i := 0; i < 40; i++ {
		msgs = append(msgs, testMessage("user", "some conversation filler text that costs tokens", base.Add(time.Duration(i)*time.Minute)))
	}

	kept := c.compressForRequest(context.Background(), agent, msgs)
	if len(kept) >= len(msgs) {
		t.Fatalf("nothing compressed: kept %d of %d", len(kept), len(msgs))
	}

	// The newest message always survives truncation.
	last := kept[len(kept)-1]
	if last.ID != msgs[len(msgs)-1].ID {
		t.Error("newest message dropped by compression")
	}
}

func TestCompressForRequestNeverOrphansToolResults(t *testing.T) {
	c := &Client[any]{config: &ClientConfig{}}
	agent := &AgentRecord{
		Name:                "a",
		CompressionStrategy: promptbuild.StrategyTruncate,
		MaxContextTokens:    100,
	}

	base := time.Unix(1700000000, 0)
	var msgs []*driver.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, testMessage("user", "padding text to force the budget over", base.Add(time.Duration(i)*time.Minute)))
		msgs = append(msgs, toolPairMessages(uuid.NewString(), base.Add(time.Duration(i)*time.Minute+time.Second))...)
	}

	kept := c.compressForRequest(context.Background(), agent, msgs)

	seen := map[string]bool{}
	for _, m := range kept {
		for _, b := range m.Content {
			switch b.Type {
			case ContentTypeToolUse:
				seen[b.ToolUseID] = true
			case ContentTypeToolResult:
				if !seen[b.ToolResultForUseID] {
					t.Fatalf("tool_result %s kept without its tool_use", b.ToolResultForUseID)
				}
			}
		}
	}
}

func TestCompressForRequestDisabledWithoutBudget(t *testing.T) {
	c := &Client[any]{config: &ClientConfig{}}
	agent := &AgentRecord{Name: "a"}

	msgs := []*driver.Message{testMessage("user", "hello", time.Unix(1700000000, 0))}
	kept := c.compressForRequest(context.Background(), agent, msgs)
	if len(kept) != 1 {
		t.Fatalf("kept = %d, want untouched history", len(kept))
	}
}

func TestBuildAnthropicMessagesMergesConsecutiveRoles(t *testing.T) {
	base := time.Unix(1700000000, 0)
	msgs := []*driver.Message{
		testMessage("user", "one", base),
		testMessage("user", "two", base.Add(time.Second)),
		testMessage(string(MessageRoleAssistant), "reply", base.Add(2*time.Second)),
	}

	out := buildAnthropicMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2 (consecutive user turns merged)", len(out))
	}
	if len(out[0].Content) != 2 {
		t.Errorf("merged user turn has %d blocks, want 2", len(out[0].Content))
	}
}

func TestWireMessagesPreservesToolBlocks(t *testing.T) {
	base := time.Unix(1700000000, 0)
	msgs := toolPairMessages("tu_1", base)

	wire := wireMessages(msgs)
	if len(wire) != 2 {
		t.Fatalf("wire messages = %d", len(wire))
	}
	if wire[0].Content[0].ToolUseID != "tu_1" || wire[0].Content[0].ToolName != "lookup" {
		t.Errorf("tool_use block lost: %+v", wire[0].Content[0])
	}
	if wire[1].Content[0].ToolResultID != "tu_1" || wire[1].Content[0].ToolContent != "found" {
		t.Errorf("tool_result block lost: %+v", wire[1].Content[0])
	}
}
