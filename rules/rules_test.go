package rules

import (
	"errors"
	"testing"
	"time"
)

func at(seconds int) time.Time {
	return time.Unix(1700000000, 0).Add(time.Duration(seconds) * time.Second)
}

func TestStartConstraint(t *testing.T) {
	e := New([]Rule{{Kind: TypeStartConstraint, Tool: "init"}})
	if err := e.CanCall("init", nil, at(0)); err != nil {
		t.Fatalf("init as first call: %v", err)
	}
	history := []Call{{Tool: "search", At: at(0)}}
	if err := e.CanCall("init", history, at(1)); err == nil {
		t.Fatal("expected start_constraint violation when not first")
	}
}

func TestRequiresPrecedingTools(t *testing.T) {
	e := New([]Rule{{Kind: TypeRequiresPrecedingTools, Tool: "commit", Requires: []string{"plan"}}})
	if err := e.CanCall("commit", nil, at(0)); err == nil {
		t.Fatal("expected violation: plan not yet called")
	}
	history := []Call{{Tool: "plan", At: at(0)}}
	if err := e.CanCall("commit", history, at(1)); err != nil {
		t.Fatalf("commit after plan: %v", err)
	}
}

func TestExclusiveGroupSelfExempt(t *testing.T) {
	e := New([]Rule{{Kind: TypeExclusiveGroups, Group: []string{"approve", "reject"}}})
	history := []Call{{Tool: "approve", At: at(0)}}
	if err := e.CanCall("approve", history, at(1)); err != nil {
		t.Fatalf("tool is exempt from its own exclusive group: %v", err)
	}
	if err := e.CanCall("reject", history, at(1)); err == nil {
		t.Fatal("expected exclusive_group violation across distinct group members")
	}
}

func TestMaxCalls(t *testing.T) {
	e := New([]Rule{{Kind: TypeMaxCalls, Tool: "search", Max: 2}})
	history := []Call{{Tool: "search", At: at(0)}, {Tool: "search", At: at(1)}}
	if err := e.CanCall("search", history, at(2)); err == nil {
		t.Fatal("expected max_calls violation at limit")
	}
}

func TestCooldown(t *testing.T) {
	e := New([]Rule{{Kind: TypeCooldown, Tool: "page_oncall", Cooldown: 10 * time.Second}})
	history := []Call{{Tool: "page_oncall", At: at(0)}}
	if err := e.CanCall("page_oncall", history, at(5)); err == nil {
		t.Fatal("expected cooldown violation")
	}
	if err := e.CanCall("page_oncall", history, at(11)); err != nil {
		t.Fatalf("after cooldown elapsed: %v", err)
	}
}

func TestRequiredExitTools(t *testing.T) {
	e := New([]Rule{
		{Kind: TypeRequiredBeforeExit, Tool: "summarize"},
		{Kind: TypeRequiredBeforeExitIf, Tool: "confirm", Trigger: "delete"},
	})
	if got := e.RequiredExitTools(nil); len(got) != 1 || got[0] != "summarize" {
		t.Fatalf("RequiredExitTools(empty) = %v", got)
	}
	history := []Call{{Tool: "delete", At: at(0)}}
	got := e.RequiredExitTools(history)
	if len(got) != 2 {
		t.Fatalf("RequiredExitTools after trigger = %v, want 2 entries", got)
	}
}

func TestShouldExitReportsExitLoopTool(t *testing.T) {
	e := New([]Rule{{Kind: TypeExitLoop, Tool: "abort"}})
	if !e.ShouldExit("abort") {
		t.Fatal("expected abort to be an exit-loop tool")
	}
}

func TestRequiresHeartbeat(t *testing.T) {
	e := New([]Rule{{Kind: TypePeriodic, Tool: "heartbeat", Every: 3}})
	history := []Call{{Tool: "a", At: at(0)}, {Tool: "b", At: at(1)}, {Tool: "c", At: at(2)}}
	if !e.RequiresHeartbeat(history) {
		t.Fatal("expected heartbeat due after 3 calls with none being heartbeat")
	}
	history = append(history, Call{Tool: "heartbeat", At: at(3)})
	if e.RequiresHeartbeat(history[1:]) {
		t.Fatal("heartbeat satisfied within window should not be due")
	}
}

// TestEtlPipelineScenario walks the full constraint set of a typical ETL
// agent through the engine: connect_db must open the batch, extract and
// transform depend on their predecessors, load ends the loop, and close_db
// must run before the batch may close.
func TestEtlPipelineScenario(t *testing.T) {
	e := New([]Rule{
		{Kind: TypeStartConstraint, Tool: "connect_db"},
		{Kind: TypeRequiresPrecedingTools, Tool: "extract", Requires: []string{"connect_db"}},
		{Kind: TypeRequiresPrecedingTools, Tool: "transform", Requires: []string{"extract"}},
		{Kind: TypeExitLoop, Tool: "load"},
		{Kind: TypeRequiredBeforeExit, Tool: "close_db"},
	})

	var history []Call

	// Out-of-order calls are rejected up front.
	if err := e.CanCall("extract", history, at(0)); err == nil {
		t.Fatal("extract allowed before connect_db")
	}
	if err := e.CanCall("connect_db", history, at(0)); err != nil {
		t.Fatalf("connect_db blocked at batch start: %v", err)
	}
	history = Record(history, "connect_db", at(0))

	// connect_db may only be first; once history exists it is rejected.
	if err := e.CanCall("connect_db", history, at(1)); err == nil {
		t.Fatal("connect_db allowed mid-batch despite start constraint")
	}

	for i, tool := range []string{"extract", "transform", "load"} {
		if err := e.CanCall(tool, history, at(i+1)); err != nil {
			t.Fatalf("%s blocked: %v", tool, err)
		}
		history = Record(history, tool, at(i+1))
	}

	// load carries the exit rule, but close_db is still outstanding.
	if !e.ShouldExit("load") {
		t.Error("load should fire the exit rule")
	}
	required := e.RequiredExitTools(history)
	if len(required) != 1 || required[0] != "close_db" {
		t.Fatalf("RequiredExitTools = %v, want [close_db]", required)
	}

	history = Record(history, "close_db", at(10))
	if left := e.RequiredExitTools(history); len(left) != 0 {
		t.Errorf("exit tools still outstanding after close_db: %v", left)
	}
}

// TestRuleNeverDependsOnItself guards the self-dependency invariant: a
// requires-preceding rule listing its own tool would deadlock the batch
// (the first call could never satisfy its own prerequisite), so New
// strips the self-reference while honoring the rest of the list.
func TestRuleNeverDependsOnItself(t *testing.T) {
	e := New([]Rule{
		{Kind: TypeRequiresPrecedingTools, Tool: "a", Requires: []string{"a", "b"}},
	})

	// "a" must not be blocked on itself — only on "b".
	if err := e.CanCall("a", nil, at(0)); err == nil {
		t.Fatal("prerequisite b not enforced")
	}
	history := Record(nil, "b", at(0))
	if err := e.CanCall("a", history, at(1)); err != nil {
		t.Fatalf("self-dependency not stripped: %v", err)
	}
}

// TestPriorityOrdersEvaluationDescending pins the evaluation order: the
// higher-priority rule's violation is the one CanCall reports when two
// rules would both block the same call.
func TestPriorityOrdersEvaluationDescending(t *testing.T) {
	e := New([]Rule{
		{Kind: TypeMaxCalls, Tool: "x", Max: 1, Priority: 1},
		{Kind: TypeRequiresPrecedingTools, Tool: "x", Requires: []string{"setup"}, Priority: 5},
	})

	history := Record(nil, "x", at(0))
	err := e.CanCall("x", history, at(1))
	if err == nil {
		t.Fatal("call should be blocked")
	}
	var v Violation
	if !errors.As(err, &v) {
		t.Fatalf("err = %T, want Violation", err)
	}
	if v.Rule.Kind != TypeRequiresPrecedingTools {
		t.Errorf("surfaced violation = %s, want the priority-5 requires_preceding_tools rule first", v.Rule.Kind)
	}
}
