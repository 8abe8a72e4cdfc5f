package pgxv5

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patternrun/pattern/driver"
)

// testStore connects to the database named by PATTERN_TEST_DATABASE_URL, or
// skips the test when the variable is unset. The schema must already be
// migrated.
func testStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("PATTERN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PATTERN_TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return &Store{pool: pool}
}

func TestSessionLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "session-" + time.Now().Format("150405.000000000"),
		Metadata:   map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.ID != sess.ID || got.TenantID != "tenant-test" {
		t.Errorf("GetSession returned %+v, want id %s", got, sess.ID)
	}

	if err := store.UpdateSession(ctx, sess.ID, map[string]any{"compaction_count": 1}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestRunClaimAndState(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "run-session-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	run, err := store.CreateRun(ctx, driver.CreateRunParams{
		SessionID: sess.ID,
		AgentName: "test-agent",
		Prompt:    "hello",
		RunMode:   "streaming",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.State != "pending" {
		t.Errorf("new run state = %q, want pending", run.State)
	}

	claimed, err := store.ClaimRuns(ctx, "instance-test", 10, "streaming")
	if err != nil {
		t.Fatalf("ClaimRuns: %v", err)
	}
	found := false
	for _, r := range claimed {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Error("created run was not claimed")
	}

	if err := store.UpdateRunState(ctx, run.ID, "completed", map[string]any{
		"response_text": "done",
		"finalized_at":  time.Now(),
	}); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != "completed" {
		t.Errorf("state = %q, want completed", got.State)
	}
}

func TestMessageContentBlocksRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "msg-session-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg, err := store.CreateMessage(ctx, driver.CreateMessageParams{
		SessionID: sess.ID,
		Role:      "assistant",
		Content: []driver.ContentBlock{
			{Type: "text", Text: "calling a tool"},
			{Type: "tool_use", ToolUseID: "tu_1", ToolName: "lookup", ToolInput: []byte(`{"q":"x"}`)},
		},
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if len(got.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(got.Content))
	}
	if got.Content[0].Text != "calling a tool" {
		t.Errorf("text block = %q", got.Content[0].Text)
	}
	if got.Content[1].ToolName != "lookup" || got.Content[1].ToolUseID != "tu_1" {
		t.Errorf("tool_use block = %+v", got.Content[1])
	}
}

func TestLeaderElection(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	acquired, err := store.TryAcquireLeader(ctx, "leader-test-1", 5*time.Second)
	if err != nil {
		t.Fatalf("TryAcquireLeader: %v", err)
	}
	if acquired {
		defer store.ReleaseLeader(ctx, "leader-test-1")

		isLeader, err := store.IsLeader(ctx, "leader-test-1")
		if err != nil {
			t.Fatalf("IsLeader: %v", err)
		}
		if !isLeader {
			t.Error("acquired lease but IsLeader reports false")
		}

		if err := store.RefreshLeader(ctx, "leader-test-1", 5*time.Second); err != nil {
			t.Errorf("RefreshLeader: %v", err)
		}
	}
}
