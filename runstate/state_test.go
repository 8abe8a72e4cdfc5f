package runstate

import (
	"testing"
)

func TestRunState_IsValid(t *testing.T) {
	tests := []struct {
		state RunState
		valid bool
	}{
		{RunStatePending, true},
		{RunStateBatchSubmitting, true},
		{RunStateBatchPending, true},
		{RunStateBatchProcessing, true},
		{RunStateStreaming, true},
		{RunStatePendingTools, true},
		{RunStateAwaitingInput, true},
		{RunStateCompleted, true},
		{RunStateCancelled, true},
		{RunStateFailed, true},
		{RunState("invalid"), false},
		{RunState(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestRunState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunStatePending, false},
		{RunStateBatchSubmitting, false},
		{RunStateStreaming, false},
		{RunStatePendingTools, false},
		{RunStateAwaitingInput, false},
		{RunStateCompleted, true},
		{RunStateCancelled, true},
		{RunStateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestRunState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  RunState
		to    RunState
		valid bool
	}{
		// Valid claims from pending
		{RunStatePending, RunStateBatchSubmitting, true},
		{RunStatePending, RunStateStreaming, true},
		{RunStatePending, RunStateCancelled, true},
		{RunStatePending, RunStateFailed, true},

		// Batch pipeline
		{RunStateBatchSubmitting, RunStateBatchPending, true},
		{RunStateBatchPending, RunStateBatchProcessing, true},
		{RunStateBatchProcessing, RunStatePendingTools, true},
		{RunStateBatchProcessing, RunStateCompleted, true},
		{RunStateBatchProcessing, RunStateAwaitingInput, true},

		// Streaming pipeline
		{RunStateStreaming, RunStatePendingTools, true},
		{RunStateStreaming, RunStateCompleted, true},
		{RunStateStreaming, RunStateAwaitingInput, true},

		// Iteration loop back to pending
		{RunStatePendingTools, RunStatePending, true},
		{RunStateAwaitingInput, RunStatePending, true},

		// Rescue resets a claimed run to pending
		{RunStateStreaming, RunStatePending, true},
		{RunStateBatchPending, RunStatePending, true},

		// Invalid: same state to same state
		{RunStatePending, RunStatePending, false},
		{RunStateStreaming, RunStateStreaming, false},

		// Invalid: terminal states cannot transition
		{RunStateCompleted, RunStatePending, false},
		{RunStateCompleted, RunStateFailed, false},
		{RunStateCancelled, RunStatePending, false},
		{RunStateFailed, RunStateCompleted, false},

		// Invalid: crossing modes mid-flight
		{RunStateStreaming, RunStateBatchPending, false},
		{RunStateBatchSubmitting, RunStateStreaming, false},
	}

	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestTransition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tr      Transition
		wantErr bool
	}{
		{"valid: pending->streaming", Transition{RunStatePending, RunStateStreaming}, false},
		{"valid: streaming->completed", Transition{RunStateStreaming, RunStateCompleted}, false},
		{"valid: streaming->pending_tools", Transition{RunStateStreaming, RunStatePendingTools}, false},
		{"valid: pending_tools->pending", Transition{RunStatePendingTools, RunStatePending}, false},
		{"invalid: completed->pending", Transition{RunStateCompleted, RunStatePending}, true},
		{"invalid: invalid source", Transition{RunState("bad"), RunStateCompleted}, true},
		{"invalid: invalid target", Transition{RunStatePending, RunState("bad")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunState_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    RunState
		wantErr bool
	}{
		{"string pending", "pending", RunStatePending, false},
		{"string streaming", "streaming", RunStateStreaming, false},
		{"string completed", "completed", RunStateCompleted, false},
		{"bytes cancelled", []byte("cancelled"), RunStateCancelled, false},
		{"bytes failed", []byte("failed"), RunStateFailed, false},
		{"invalid string", "invalid", RunState(""), true},
		{"invalid type", 123, RunState(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s RunState
			err := s.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s != tt.want {
				t.Errorf("Scan() got = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestAllStates(t *testing.T) {
	states := AllStates()
	if len(states) != 10 {
		t.Errorf("AllStates() returned %d states, want 10", len(states))
	}

	// Verify all states are valid
	for _, s := range states {
		if !s.IsValid() {
			t.Errorf("AllStates() returned invalid state: %s", s)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	states := TerminalStates()
	if len(states) != 3 {
		t.Errorf("TerminalStates() returned %d states, want 3", len(states))
	}

	// Verify all are terminal
	for _, s := range states {
		if !s.IsTerminal() {
			t.Errorf("TerminalStates() returned non-terminal state: %s", s)
		}
	}
}

func TestWorkableStates(t *testing.T) {
	states := WorkableStates()
	if len(states) != 7 {
		t.Errorf("WorkableStates() returned %d states, want 7", len(states))
	}

	// Verify all are workable
	for _, s := range states {
		if !s.IsWorkable() {
			t.Errorf("WorkableStates() returned non-workable state: %s", s)
		}
	}
}

func TestStopReason_NextRunState(t *testing.T) {
	tests := []struct {
		reason StopReason
		want   RunState
	}{
		{StopReasonEndTurn, RunStateCompleted},
		{StopReasonStopSequence, RunStateCompleted},
		{StopReasonToolUse, RunStatePendingTools},
		{StopReasonMaxTokens, RunStateAwaitingInput},
		{StopReasonPauseTurn, RunStateAwaitingInput},
		{StopReasonRefusal, RunStateFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.NextRunState(); got != tt.want {
				t.Errorf("NextRunState() = %v, want %v", got, tt.want)
			}
		})
	}
}
