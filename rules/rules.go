// Package rules implements the tool rules engine: a closed set of
// constraints on which tools an agent may call, in what order, how many
// times, and what must happen before a batch is allowed to close.
//
// The engine is deliberately data, not code: an AgentRecord carries a list
// of Rule values, and the engine evaluates them against the Call
// history of the current batch before and after each dispatch. This
// mirrors the closed-set state machine style of runstate.RunState, just
// evaluated against a caller-supplied rule set instead of a fixed
// transition table.
package rules

import (
	"fmt"
	"sort"
	"time"
)

// Type is the closed set of rule kinds the engine understands. Adding a
// rule kind means adding a case to every switch in this file.
type Type string

const (
	// TypeStartConstraint: the tool named may only be the first tool call
	// in a batch.
	TypeStartConstraint Type = "start_constraint"
	// TypeRequiresPrecedingTools: the tool may only be called after every
	// tool in Requires has been called at least once in the batch.
	TypeRequiresPrecedingTools Type = "requires_preceding_tools"
	// TypeExclusiveGroups: at most one tool from Group may be called per
	// batch; a tool is exempt from its own group (calling it twice is a
	// MaxCalls concern, not an exclusivity violation).
	TypeExclusiveGroups Type = "exclusive_group"
	// TypeMaxCalls: the tool may be called at most Max times per batch.
	TypeMaxCalls Type = "max_calls"
	// TypeCooldown: after the tool is called, it cannot be called again
	// until Cooldown has elapsed.
	TypeCooldown Type = "cooldown"
	// TypeContinueLoop: calling the tool forces the agent loop to continue
	// (suppresses an implicit exit) regardless of the model's stop reason.
	TypeContinueLoop Type = "continue_loop"
	// TypeExitLoop: calling the tool fires the exit rule for the batch.
	// Outstanding RequiredBeforeExit tools are not waived by it.
	TypeExitLoop Type = "exit_loop"
	// TypeRequiredBeforeExit: the tool must have been called at least once
	// before the batch is allowed to close.
	TypeRequiredBeforeExit Type = "required_before_exit"
	// TypeRequiredBeforeExitIf: like RequiredBeforeExit, but only active
	// once the trigger tool has been called in the batch.
	TypeRequiredBeforeExitIf Type = "required_before_exit_if"
	// TypePeriodic: the tool must be called at least once every N other
	// tool calls (a heartbeat-style rule).
	TypePeriodic Type = "periodic"
)

// Rule is one entry in an AgentRecord's tool-rules list. Only the fields
// relevant to Kind are read; the rest are zero.
type Rule struct {
	Kind     Type
	Tool     string        // the tool this rule governs
	Requires []string      // TypeRequiresPrecedingTools
	Group    []string      // TypeExclusiveGroups
	Max      int           // TypeMaxCalls
	Cooldown time.Duration // TypeCooldown
	Trigger  string        // TypeRequiredBeforeExitIf
	Every    int           // TypePeriodic
	Priority int           // evaluation order; ties keep insertion order
}

// Call is one recorded tool invocation within the current batch, in call
// order.
type Call struct {
	Tool string
	At   time.Time
}

// Violation describes why a proposed tool call is disallowed.
type Violation struct {
	Rule   Rule
	Reason string
}

func (v Violation) Error() string {
	return fmt.Sprintf("rules: %s violates %s rule for tool %q: %s", v.Rule.Kind, v.Rule.Kind, v.Rule.Tool, v.Reason)
}

// Engine evaluates a fixed rule set against a batch's growing call history.
// An Engine is stateless across batches; callers construct one per batch
// (or reuse it, passing the current History each time).
type Engine struct {
	rules []Rule
}

// New returns an Engine with rules ordered by Priority descending, ties
// broken by original slice order (sort.SliceStable): the highest-priority
// rule is evaluated first, so its violation is the one a blocked call
// reports.
//
// A rule's prerequisites never include its own tool: a self-dependency
// would block the tool's first call forever, so New strips it rather than
// letting a configuration typo deadlock every batch.
func New(rules []Rule) *Engine {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	for i, r := range ordered {
		if r.Kind != TypeRequiresPrecedingTools {
			continue
		}
		cleaned := r.Requires[:0:0]
		for _, req := range r.Requires {
			if req != r.Tool {
				cleaned = append(cleaned, req)
			}
		}
		ordered[i].Requires = cleaned
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return &Engine{rules: ordered}
}

func countCalls(history []Call, tool string) int {
	n := 0
	for _, c := range history {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

func lastCallAt(history []Call, tool string) (time.Time, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Tool == tool {
			return history[i].At, true
		}
	}
	return time.Time{}, false
}

func called(history []Call, tool string) bool {
	return countCalls(history, tool) > 0
}

// CanCall reports whether toolName may be invoked next given history, the
// calls already made in the current batch, evaluated at now.
func (e *Engine) CanCall(toolName string, history []Call, now time.Time) error {
	for _, r := range e.rules {
		switch r.Kind {
		case TypeStartConstraint:
			if r.Tool == toolName && len(history) > 0 {
				return Violation{Rule: r, Reason: "may only be called first in a batch"}
			}
		case TypeRequiresPrecedingTools:
			if r.Tool != toolName {
				continue
			}
			for _, req := range r.Requires {
				if !called(history, req) {
					return Violation{Rule: r, Reason: fmt.Sprintf("requires %q to have been called first", req)}
				}
			}
		case TypeExclusiveGroups:
			if !contains(r.Group, toolName) {
				continue
			}
			for _, other := range r.Group {
				if other == toolName {
					continue // a tool is exempt from its own exclusive group
				}
				if called(history, other) {
					return Violation{Rule: r, Reason: fmt.Sprintf("exclusive with already-called %q", other)}
				}
			}
		case TypeMaxCalls:
			if r.Tool == toolName && countCalls(history, toolName) >= r.Max {
				return Violation{Rule: r, Reason: fmt.Sprintf("already called %d/%d times", countCalls(history, toolName), r.Max)}
			}
		case TypeCooldown:
			if r.Tool != toolName {
				continue
			}
			if last, ok := lastCallAt(history, toolName); ok && now.Sub(last) < r.Cooldown {
				return Violation{Rule: r, Reason: fmt.Sprintf("cooling down for %s", r.Cooldown-now.Sub(last))}
			}
		}
	}
	return nil
}

// Record appends a call to history. It exists purely for callers who want
// a single call site symmetrical with CanCall; history itself is owned by
// the caller (normally the agent loop, backed by the stored ToolExecution
// rows for the batch).
func Record(history []Call, toolName string, at time.Time) []Call {
	return append(history, Call{Tool: toolName, At: at})
}

// ShouldContinue reports whether calling toolName forces the loop to keep
// going regardless of the model's own stop reason.
func (e *Engine) ShouldContinue(toolName string) bool {
	for _, r := range e.rules {
		if r.Kind == TypeContinueLoop && r.Tool == toolName {
			return true
		}
	}
	return false
}

// ShouldExit reports whether toolName, having just been called, fires an
// ExitLoop rule. It does not consult history: RequiredBeforeExit tools
// that are still outstanding are reported separately by RequiredExitTools.
func (e *Engine) ShouldExit(toolName string) bool {
	for _, r := range e.rules {
		if r.Kind == TypeExitLoop && r.Tool == toolName {
			return true
		}
	}
	return false
}

// RequiredExitTools returns the tools that must appear in history before
// the batch may close, whether or not an ExitLoop rule has fired,
// combining unconditional RequiredBeforeExit rules with
// RequiredBeforeExitIf rules whose trigger has fired.
func (e *Engine) RequiredExitTools(history []Call) []string {
	var out []string
	for _, r := range e.rules {
		switch r.Kind {
		case TypeRequiredBeforeExit:
			if !called(history, r.Tool) {
				out = append(out, r.Tool)
			}
		case TypeRequiredBeforeExitIf:
			if called(history, r.Trigger) && !called(history, r.Tool) {
				out = append(out, r.Tool)
			}
		}
	}
	return out
}

// RequiresHeartbeat reports whether a Periodic rule is due: its tool
// hasn't been called in the last Every calls of the batch.
func (e *Engine) RequiresHeartbeat(history []Call) bool {
	for _, r := range e.rules {
		if r.Kind != TypePeriodic {
			continue
		}
		if r.Every <= 0 {
			continue
		}
		window := history
		if len(window) > r.Every {
			window = window[len(window)-r.Every:]
		}
		if len(history) >= r.Every && !called(window, r.Tool) {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
