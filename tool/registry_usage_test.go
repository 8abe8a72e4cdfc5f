package tool

import (
	"context"
	"encoding/json"
	"testing"
)

type usageRuleTool struct {
	name string
	rule string
}

func (t *usageRuleTool) Name() string        { return t.name }
func (t *usageRuleTool) Description() string { return "test tool" }
func (t *usageRuleTool) InputSchema() ToolSchema {
	return ToolSchema{Type: "object"}
}
func (t *usageRuleTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", nil
}
func (t *usageRuleTool) UsageRule() string { return t.rule }

func TestRegistryUsageRulesAggregatesOnlyDeclaredOnes(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &usageRuleTool{name: "send_message", rule: "calling this tool ends the agent's turn."})
	mustRegister(t, r, &FuncTool{name: "plain", schema: ToolSchema{Type: "object"}})

	rules := r.UsageRules()
	if len(rules) != 1 {
		t.Fatalf("UsageRules() = %v, want exactly 1 entry", rules)
	}
	want := "send_message: calling this tool ends the agent's turn."
	if rules[0] != want {
		t.Errorf("UsageRules()[0] = %q, want %q", rules[0], want)
	}
}

func mustRegister(t *testing.T, r *Registry, tool Tool) {
	t.Helper()
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register(%s): %v", tool.Name(), err)
	}
}
