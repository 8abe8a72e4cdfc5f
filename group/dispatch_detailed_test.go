package group

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoDispatcher answers each member with a recognizable per-agent string.
func echoDispatcher() Dispatcher {
	return DispatcherFunc(func(_ context.Context, agentID, task string) (string, error) {
		return fmt.Sprintf("%s(%s)", agentID, task), nil
	})
}

func TestDispatchDetailedPipelineCarriesStageOutputs(t *testing.T) {
	g := New(PatternPipeline, nil, time.Unix(1700000000, 0))
	g.Stages = []Stage{
		{Name: "analyze", AgentID: "alpha"},
		{Name: "execute", AgentID: "beta"},
	}

	resp, err := g.DispatchDetailed(context.Background(), echoDispatcher(), "task", time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"analyze", "execute"}, resp.StageOrder)
	require.Equal(t, "alpha(task)", resp.StageOutputs["analyze"])
	require.Equal(t, "beta(alpha(task))", resp.StageOutputs["execute"])
	require.Equal(t, resp.StageOutputs["execute"], resp.Text)
	require.Empty(t, resp.Warnings)
}

func TestDispatchDetailedVotingExposesTally(t *testing.T) {
	g := New(PatternVoting, []Member{
		{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"},
	}, time.Unix(1700000000, 0))

	d := DispatcherFunc(func(_ context.Context, agentID, _ string) (string, error) {
		if agentID == "c" {
			return "no", nil
		}
		return "yes", nil
	})

	resp, err := g.DispatchDetailed(context.Background(), d, "ship it?", time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Equal(t, "yes", resp.Text)
	require.Equal(t, 2, resp.VoteCounts["yes"])
	require.Equal(t, 1, resp.VoteCounts["no"])
	require.False(t, resp.Tie)
}

func TestDispatchDetailedUnknownPattern(t *testing.T) {
	g := New(Pattern("nope"), []Member{{AgentID: "a"}}, time.Unix(1700000000, 0))
	_, err := g.DispatchDetailed(context.Background(), echoDispatcher(), "x", time.Unix(1700000100, 0))
	require.Error(t, err)
}
