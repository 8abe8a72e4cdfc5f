package databasesql

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
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

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	return &Store{db: db}
}

func TestSessionLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "sql-session-" + time.Now().Format("150405.000000000"),
		Metadata:   map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Errorf("GetSession returned %+v, want id %s", got, sess.ID)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "sql-run-session-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	run, err := store.CreateRun(ctx, driver.CreateRunParams{
		SessionID: sess.ID,
		AgentName: "test-agent",
		Prompt:    "hello",
		RunMode:   "batch",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil || got.Prompt != "hello" || got.RunMode != "batch" {
		t.Errorf("GetRun returned %+v", got)
	}

	if err := store.UpdateRunState(ctx, run.ID, "failed", map[string]any{
		"error_type":    "test",
		"error_message": "synthetic failure",
	}); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
}

func TestAgentUpsertRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	maxTokens := 1024
	if err := store.UpsertAgent(ctx, &driver.AgentRecord{
		Name:         "sql-test-agent",
		Description:  "integration fixture",
		Model:        "claude-3-5-haiku-20241022",
		SystemPrompt: "You are a test.",
		ToolNames:    []string{"alpha", "beta"},
		MaxTokens:    &maxTokens,
	}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	defer store.DeleteAgent(ctx, "sql-test-agent")

	got, err := store.GetAgent(ctx, "sql-test-agent")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got == nil {
		t.Fatal("agent not found after upsert")
	}
	if len(got.ToolNames) != 2 || got.ToolNames[0] != "alpha" {
		t.Errorf("ToolNames = %v", got.ToolNames)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %v", got.MaxTokens)
	}
}

func TestTransactionalRunCreate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   "tenant-test",
		Identifier: "sql-tx-session-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	run, err := store.CreateRunTx(ctx, tx, driver.CreateRunParams{
		SessionID: sess.ID,
		AgentName: "test-agent",
		Prompt:    "rolled back",
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("CreateRunTx: %v", err)
	}

	// Roll back: the run must not be visible afterwards.
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Error("run visible after transaction rollback")
	}
}
