package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/patternrun/pattern/rules"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "pattern.toml")
	if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

const validDoc = `
[user]
owner = "org-1"

[model]
provider = "anthropic"
name = "claude-sonnet-4"
api_key_env = "ANTHROPIC_API_KEY"

[database]
url_env = "DATABASE_URL"

[agent.assistant]
name = "assistant"
system_prompt = "You are helpful."
tools = ["search", "recall"]

[agent.researcher]
name = "researcher"
model = "claude-opus-4"

[groups.team]
pattern = "pipeline"
members = ["assistant", "researcher"]

[bluesky]
handle_env = "BLUESKY_HANDLE"
`

func TestLoadValidDocument(t *testing.T) {
	p := writeTemp(t, validDoc)
	doc, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.User.Owner != "org-1" {
		t.Errorf("Owner = %q", doc.User.Owner)
	}
	if len(doc.Agent) != 2 {
		t.Errorf("Agent count = %d, want 2", len(doc.Agent))
	}
	if doc.Groups["team"].Pattern != "pipeline" {
		t.Errorf("group pattern = %q", doc.Groups["team"].Pattern)
	}
}

const etlToolRulesDoc = `
[user]
owner = "org-1"

[model]
name = "claude-sonnet-4"

[agent.etl]
name = "etl"
system_prompt = "Run ETL pipelines."

[[agent.etl.tool_rules]]
tool = "connect_db"
type = "start_constraint"

[[agent.etl.tool_rules]]
tool = "extract"
type = "requires_preceding_tools"
requires = ["connect_db"]

[[agent.etl.tool_rules]]
tool = "load"
type = "exit_loop"

[[agent.etl.tool_rules]]
tool = "close_db"
type = "required_before_exit"
`

func TestAgentSectionToRules(t *testing.T) {
	p := writeTemp(t, etlToolRulesDoc)
	doc, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := doc.Agent["etl"].ToRules()
	if err != nil {
		t.Fatalf("ToRules: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len(got) = %d, want 4", len(got))
	}
	if got[1].Kind != rules.TypeRequiresPrecedingTools || got[1].Requires[0] != "connect_db" {
		t.Errorf("got[1] = %+v, want RequiresPrecedingTools[connect_db]", got[1])
	}
}

func TestAgentSectionToRulesRejectsUnknownType(t *testing.T) {
	a := AgentSection{ToolRules: []ToolRuleSection{{Tool: "x", Type: "not_a_real_type"}}}
	if _, err := a.ToRules(); err == nil {
		t.Error("expected an error for an unrecognized rule type")
	}
}

func TestValidateRejectsUnknownGroupMember(t *testing.T) {
	doc := &Document{
		User:  UserSection{Owner: "o"},
		Agent: map[string]AgentSection{"a": {Model: "m"}},
		Groups: map[string]GroupSection{
			"g": {Pattern: "round_robin", Members: []string{"ghost"}},
		},
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for group referencing unknown agent")
	}
}

func TestValidateRequiresSupervisorField(t *testing.T) {
	doc := &Document{
		User:  UserSection{Owner: "o"},
		Agent: map[string]AgentSection{"a": {Model: "m"}},
		Groups: map[string]GroupSection{
			"g": {Pattern: "supervisor", Members: []string{"a"}},
		},
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected error for supervisor pattern missing Supervisor field")
	}
}

func TestResolveSecretMissingVar(t *testing.T) {
	os.Unsetenv("PATTERN_TEST_MISSING_VAR")
	if _, err := ResolveSecret("PATTERN_TEST_MISSING_VAR"); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestResolveSecretPresent(t *testing.T) {
	os.Setenv("PATTERN_TEST_PRESENT_VAR", "secret-value")
	defer os.Unsetenv("PATTERN_TEST_PRESENT_VAR")
	v, err := ResolveSecret("PATTERN_TEST_PRESENT_VAR")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if v != "secret-value" {
		t.Errorf("ResolveSecret = %q", v)
	}
}
