package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func recordingDispatcher(calls *[]string) DispatcherFunc {
	return func(_ context.Context, agentID, task string) (string, error) {
		*calls = append(*calls, agentID)
		return agentID + ":" + task, nil
	}
}

func TestRoundRobinCyclesMembers(t *testing.T) {
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}
	g := New(PatternRoundRobin, members, time.Unix(0, 0))
	var calls []string
	d := recordingDispatcher(&calls)
	for i := 0; i < 4; i++ {
		if _, err := g.Dispatch(context.Background(), d, "t", time.Unix(int64(i), 0)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	want := []string{"a", "b", "c", "a"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %s, want %s", i, calls[i], w)
		}
	}
}

func TestRoundRobinSkipsInactiveMember(t *testing.T) {
	members := []Member{{AgentID: "alpha"}, {AgentID: "beta", Inactive: true}, {AgentID: "gamma"}}
	g := New(PatternRoundRobin, members, time.Unix(0, 0))
	g.SkipUnavailable = true
	var calls []string
	d := recordingDispatcher(&calls)

	if _, err := g.Dispatch(context.Background(), d, "t", time.Unix(1, 0)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if g.rrIndex != 2 {
		t.Errorf("rrIndex after first dispatch = %d, want 2", g.rrIndex)
	}

	if _, err := g.Dispatch(context.Background(), d, "t", time.Unix(2, 0)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if g.rrIndex != 0 {
		t.Errorf("rrIndex after second dispatch = %d, want 0", g.rrIndex)
	}

	want := []string{"alpha", "gamma"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %s, want %s", i, calls[i], w)
		}
	}
}

func TestPipelineChainsOutput(t *testing.T) {
	members := []Member{{AgentID: "clean"}, {AgentID: "summarize"}}
	g := New(PatternPipeline, members, time.Unix(0, 0))
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		return agentID + "(" + task + ")", nil
	})
	out, err := g.Dispatch(context.Background(), d, "raw", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := "summarize(clean(raw))"
	if out != want {
		t.Errorf("pipeline output = %q, want %q", out, want)
	}
}

func TestVotingPicksMajority(t *testing.T) {
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}
	g := New(PatternVoting, members, time.Unix(0, 0))
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		if agentID == "c" {
			return "minority", nil
		}
		return "majority", nil
	})
	out, err := g.Dispatch(context.Background(), d, "t", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != "majority" {
		t.Errorf("voting result = %q, want majority", out)
	}
}

func TestLoadBalancingPrefersLeastLoaded(t *testing.T) {
	members := []Member{{AgentID: "a"}, {AgentID: "b"}}
	g := New(PatternDynamicLoadBalance, members, time.Unix(0, 0))
	var calls []string
	d := recordingDispatcher(&calls)
	for i := 0; i < 3; i++ {
		if _, err := g.Dispatch(context.Background(), d, "t", time.Unix(int64(i), 0)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	// a, b both start at load 0; after dispatching to a its load becomes 1,
	// so b (load 0) is picked next, then a and b are tied at 1 each - the
	// implementation breaks ties by Members order, landing back on a.
	want := []string{"a", "b", "a"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %s, want %s", i, calls[i], w)
		}
	}
}

func TestSupervisorReviewsWorkerResponse(t *testing.T) {
	// The worker (first non-supervisor member) answers first; the
	// supervisor then sees the draft and returns the final, possibly
	// edited, text.
	members := []Member{{AgentID: "lead"}, {AgentID: "support"}}
	g := New(PatternSupervisor, members, time.Unix(0, 0))
	g.Supervisor = "lead"

	var calls []string
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		calls = append(calls, agentID)
		if agentID == "lead" {
			if !strings.Contains(task, "support draft") {
				t.Errorf("supervisor never saw the worker's draft, got task %q", task)
			}
			return "edited: support draft", nil
		}
		return "support draft", nil
	})

	out, err := g.Dispatch(context.Background(), d, "how do I reset my password", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(calls) != 2 || calls[0] != "support" || calls[1] != "lead" {
		t.Fatalf("dispatch order = %v, want worker then supervisor", calls)
	}
	if out != "edited: support draft" {
		t.Errorf("final text = %q, want the supervisor's edited version", out)
	}
}

func TestSupervisorSkipsInactiveWorker(t *testing.T) {
	members := []Member{{AgentID: "lead"}, {AgentID: "idle", Inactive: true}, {AgentID: "support"}}
	g := New(PatternSupervisor, members, time.Unix(0, 0))
	g.Supervisor = "lead"
	g.SkipUnavailable = true

	var calls []string
	d := recordingDispatcher(&calls)
	if _, err := g.Dispatch(context.Background(), d, "t", time.Unix(1, 0)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls[0] != "support" {
		t.Errorf("worker = %s, want the first active non-supervisor member", calls[0])
	}
}

func TestPipelineOptionalStageTimeoutContinues(t *testing.T) {
	// spec.md §8 scenario (d): analyze(required) -> review(optional,
	// timeout=50ms, mute) -> execute(required). review never responds;
	// its timeout must not abort the pipeline, and execute must receive
	// analyze's output untouched by review.
	g := New(PatternPipeline, nil, time.Unix(0, 0))
	g.Stages = []Stage{
		{Name: "analyze", AgentID: "analyze"},
		{Name: "review", AgentID: "mute", Timeout: 50 * time.Millisecond, Optional: true},
		{Name: "execute", AgentID: "execute"},
	}
	d := DispatcherFunc(func(ctx context.Context, agentID, task string) (string, error) {
		if agentID == "mute" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return agentID + "(" + task + ")", nil
	})
	resp, err := g.DispatchDetailed(context.Background(), d, "raw", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("DispatchDetailed: %v", err)
	}
	if resp.Text != "execute(analyze(raw))" {
		t.Errorf("final text = %q, want execute(analyze(raw))", resp.Text)
	}
	if len(resp.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", resp.Warnings)
	}
	if _, ok := resp.StageOutputs["review"]; ok {
		t.Error("review stage output should not be recorded after timing out")
	}
	if resp.StageOutputs["analyze"] != "analyze(raw)" || resp.StageOutputs["execute"] != "execute(analyze(raw))" {
		t.Errorf("stage outputs = %v", resp.StageOutputs)
	}
}

func TestPipelineRequiredStageFailureAborts(t *testing.T) {
	g := New(PatternPipeline, nil, time.Unix(0, 0))
	g.Stages = []Stage{
		{Name: "analyze", AgentID: "analyze"},
		{Name: "execute", AgentID: "execute"},
	}
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		if agentID == "analyze" {
			return "", fmt.Errorf("boom")
		}
		return agentID + "(" + task + ")", nil
	})
	_, err := g.DispatchDetailed(context.Background(), d, "raw", time.Unix(1, 0))
	var stageErr *StageFailedError
	if !errors.As(err, &stageErr) {
		t.Fatalf("err = %v, want *StageFailedError", err)
	}
	if stageErr.Name != "analyze" {
		t.Errorf("stage name = %q, want analyze", stageErr.Name)
	}
}

func TestVotingReportsTie(t *testing.T) {
	members := []Member{{AgentID: "a"}, {AgentID: "b"}}
	g := New(PatternVoting, members, time.Unix(0, 0))
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		return agentID + "-answer", nil
	})
	resp, err := g.DispatchDetailed(context.Background(), d, "t", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("DispatchDetailed: %v", err)
	}
	if !resp.Tie {
		t.Error("expected a tie when every member gives a distinct answer")
	}
	if len(resp.VoteCounts) != 2 {
		t.Errorf("vote counts = %v, want 2 distinct answers", resp.VoteCounts)
	}
}

func TestVotingStopsAtMinVotes(t *testing.T) {
	// Three voters, one of which never answers on its own: with
	// min_votes=2 the ballot closes as soon as two votes land, and the
	// straggler is cancelled rather than waited on.
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "slow"}}
	g := New(PatternVoting, members, time.Unix(0, 0))
	g.MinVotes = 2

	d := DispatcherFunc(func(ctx context.Context, agentID, task string) (string, error) {
		if agentID == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "yes", nil
	})

	done := make(chan struct{})
	var resp *GroupResponse
	var err error
	go func() {
		resp, err = g.DispatchDetailed(context.Background(), d, "t", time.Unix(1, 0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("voting did not close after min_votes arrived")
	}
	if err != nil {
		t.Fatalf("DispatchDetailed: %v", err)
	}
	if resp.Text != "yes" || resp.VoteCounts["yes"] != 2 {
		t.Errorf("resp = %+v, want yes with 2 votes", resp)
	}
}

func TestVotingRequireMajority(t *testing.T) {
	// Five voters split 2/1/1/1: a plurality but no strict majority.
	members := []Member{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}, {AgentID: "d"}, {AgentID: "e"}}
	g := New(PatternVoting, members, time.Unix(0, 0))
	g.RequireMajority = true

	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		switch agentID {
		case "a", "b":
			return "alpha", nil
		default:
			return agentID + "-own", nil
		}
	})

	resp, err := g.DispatchDetailed(context.Background(), d, "t", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("DispatchDetailed: %v", err)
	}
	if resp.Text != "alpha" {
		t.Errorf("top answer = %q, want alpha", resp.Text)
	}
	if !resp.Tie {
		t.Error("plurality without strict majority must be flagged")
	}
	if len(resp.Warnings) == 0 {
		t.Error("expected a no-majority warning")
	}

	// A clean 3-of-5 majority is not flagged.
	d2 := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		switch agentID {
		case "a", "b", "c":
			return "alpha", nil
		default:
			return "beta", nil
		}
	})
	resp, err = g.DispatchDetailed(context.Background(), d2, "t", time.Unix(2, 0))
	if err != nil {
		t.Fatalf("DispatchDetailed: %v", err)
	}
	if resp.Tie {
		t.Errorf("strict majority flagged as tie: %+v", resp)
	}
	if resp.Text != "alpha" || resp.VoteCounts["alpha"] != 3 {
		t.Errorf("resp = %+v, want alpha with 3 votes", resp)
	}
}

func TestCapabilitySelectorScoresMembers(t *testing.T) {
	members := []Member{
		{AgentID: "generalist", Capabilities: []string{"chat"}},
		{AgentID: "specialist", Capabilities: []string{"billing", "refunds"}},
	}
	g := New(PatternDynamicCapability, members, time.Unix(0, 0))
	g.CapabilitySelector = &Capability{Required: []string{"billing"}, Preferred: []string{"refunds"}, MinScore: 0.5}
	var got string
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		got = agentID
		return "ok", nil
	})
	if _, err := g.Dispatch(context.Background(), d, "task", time.Unix(1, 0)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "specialist" {
		t.Errorf("dispatched to %q, want specialist", got)
	}
}

func TestCapabilitySelectorRejectsBelowMinScore(t *testing.T) {
	members := []Member{{AgentID: "generalist", Capabilities: []string{"chat"}}}
	g := New(PatternDynamicCapability, members, time.Unix(0, 0))
	g.CapabilitySelector = &Capability{Required: []string{"billing"}, MinScore: 0.5}
	d := DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		return "ok", nil
	})
	if _, err := g.Dispatch(context.Background(), d, "task", time.Unix(1, 0)); err == nil {
		t.Fatal("expected error when no member meets min_score")
	}
}

func TestSleeptimeDueAfterIdlePeriod(t *testing.T) {
	members := []Member{{AgentID: "worker"}}
	g := New(PatternSleeptime, members, time.Unix(0, 0))
	g.Sleeptime = "janitor"
	g.SleepAfter = 10 * time.Second

	if g.DueForSleeptime(time.Unix(5, 0)) {
		t.Fatal("should not be due before SleepAfter elapses")
	}
	if !g.DueForSleeptime(time.Unix(11, 0)) {
		t.Fatal("should be due once idle past SleepAfter")
	}
}
