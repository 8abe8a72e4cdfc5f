package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestExecute_ToolNotFound(t *testing.T) {
	registry := NewRegistry()
	executor := NewExecutor(registry)

	result := executor.Execute(context.Background(), "nonexistent", json.RawMessage(`{}`))

	if result.Error == nil {
		t.Error("Expected error for nonexistent tool")
	}
}

func TestExecute_Timeout(t *testing.T) {
	registry := NewRegistry()

	slowTool := NewFuncTool(
		"slow",
		"A slow tool",
		ToolSchema{Type: "object", Properties: map[string]PropertyDef{}},
		func(ctx context.Context, input json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second * 5):
				return "done", nil
			}
		},
	)
	if err := registry.Register(slowTool); err != nil {
		t.Fatalf("Failed to register tool: %v", err)
	}

	executor := NewExecutor(registry)
	executor.SetDefaultTimeout(50 * time.Millisecond)

	result := executor.Execute(context.Background(), "slow", json.RawMessage(`{}`))
	if result.Error == nil {
		t.Error("Expected timeout error, got nil")
	}
}

func TestExecuteMultiple_EmptyCalls(t *testing.T) {
	registry := NewRegistry()
	executor := NewExecutor(registry)

	results := executor.ExecuteMultiple(context.Background(), []ToolCallRequest{})

	if len(results) != 0 {
		t.Errorf("Expected 0 results, got %d", len(results))
	}
}

func TestExecuteMultiple_PreservesEmissionOrder(t *testing.T) {
	registry := NewRegistry()

	var order []int
	orderTool := NewFuncTool(
		"order",
		"Records execution order",
		ToolSchema{Type: "object", Properties: map[string]PropertyDef{
			"id": {Type: "integer"},
		}},
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct{ ID int }
			json.Unmarshal(input, &params)
			order = append(order, params.ID)
			return "ok", nil
		},
	)
	registry.Register(orderTool)

	executor := NewExecutor(registry)

	calls := []ToolCallRequest{
		{ID: "1", ToolName: "order", Input: json.RawMessage(`{"id": 1}`)},
		{ID: "2", ToolName: "order", Input: json.RawMessage(`{"id": 2}`)},
		{ID: "3", ToolName: "order", Input: json.RawMessage(`{"id": 3}`)},
	}

	results := executor.ExecuteMultiple(context.Background(), calls)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	// Dispatch is sequential in emission order, so the recorded order must
	// match the call order exactly.
	for i, id := range []int{1, 2, 3} {
		if order[i] != id {
			t.Errorf("Expected order[%d] = %d, got %d", i, id, order[i])
		}
	}
}

func TestExecuteMultiple_AlignsResultsWithCalls(t *testing.T) {
	registry := NewRegistry()

	echoTool := NewFuncTool(
		"echo",
		"Echoes its id",
		ToolSchema{Type: "object", Properties: map[string]PropertyDef{
			"id": {Type: "string"},
		}},
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct{ ID string }
			json.Unmarshal(input, &params)
			return params.ID, nil
		},
	)
	registry.Register(echoTool)

	executor := NewExecutor(registry)

	calls := []ToolCallRequest{
		{ID: "a", ToolName: "echo", Input: json.RawMessage(`{"id": "a"}`)},
		{ID: "b", ToolName: "echo", Input: json.RawMessage(`{"id": "b"}`)},
	}

	results := executor.ExecuteMultiple(context.Background(), calls)
	for i, call := range calls {
		if results[i].Error != nil {
			t.Fatalf("call %s errored: %v", call.ID, results[i].Error)
		}
		if results[i].Output != call.ID {
			t.Errorf("result %d = %q, want %q (responses must stay aligned with calls)", i, results[i].Output, call.ID)
		}
	}
}
