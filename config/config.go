// Package config loads Pattern's declarative TOML configuration: which
// agents and groups to stand up, which model and database to use, and
// where secrets live. Modeled on nevindra-oasis's defaults -> TOML file ->
// env-override loading, using the same BurntSushi/toml decoder.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/patternrun/pattern/rules"
)

// Document is the closed top-level schema. Any section or key present in a
// TOML file that doesn't map to one of these fields is a Load error rather
// than silently ignored, since an unrecognized typo in a deployed config
// should fail loudly.
type Document struct {
	User       UserSection             `toml:"user"`
	Agent      map[string]AgentSection `toml:"agent"`
	Model      ModelSection            `toml:"model"`
	Database   DatabaseSection         `toml:"database"`
	Embeddings EmbeddingsSection       `toml:"embeddings"`
	Groups     map[string]GroupSection `toml:"groups"`
	Bluesky    BlueskySection          `toml:"bluesky"`
}

type UserSection struct {
	Owner string `toml:"owner"`
}

type AgentSection struct {
	Name                string            `toml:"name"`
	SystemPrompt        string            `toml:"system_prompt"`
	Model               string            `toml:"model"`
	Tools               []string          `toml:"tools"`
	CompressionStrategy string            `toml:"compression_strategy"`
	MaxContextTokens    int               `toml:"max_context_tokens"`
	ToolRules           []ToolRuleSection `toml:"tool_rules"`
}

// ToolRuleSection is the TOML shape of one rules.Rule, matching the
// closed set of rule types in the tool rules engine (spec.md §4.3) field
// for field. Only the fields relevant to Type are expected to be set;
// BurntSushi/toml leaves the rest at their zero value.
type ToolRuleSection struct {
	Tool     string   `toml:"tool"`
	Type     string   `toml:"type"`
	Requires []string `toml:"requires"`
	Group    []string `toml:"group"`
	Max      int      `toml:"max"`
	Cooldown string   `toml:"cooldown"` // duration string, e.g. "30s"
	Trigger  string   `toml:"trigger"`
	Every    int      `toml:"every"`
	Priority int      `toml:"priority"`
}

// ToRule converts the TOML section into a rules.Rule, resolving the
// Cooldown duration string. An unrecognized Type is rejected here rather
// than silently producing an inert rule.
func (t ToolRuleSection) ToRule() (rules.Rule, error) {
	kind := rules.Type(t.Type)
	switch kind {
	case rules.TypeStartConstraint, rules.TypeRequiresPrecedingTools, rules.TypeExclusiveGroups,
		rules.TypeMaxCalls, rules.TypeCooldown, rules.TypeContinueLoop, rules.TypeExitLoop,
		rules.TypeRequiredBeforeExit, rules.TypeRequiredBeforeExitIf, rules.TypePeriodic:
	default:
		return rules.Rule{}, fmt.Errorf("config: unknown tool_rules type %q for tool %q", t.Type, t.Tool)
	}

	var cooldown time.Duration
	if t.Cooldown != "" {
		d, err := time.ParseDuration(t.Cooldown)
		if err != nil {
			return rules.Rule{}, fmt.Errorf("config: tool_rules[%q].cooldown: %w", t.Tool, err)
		}
		cooldown = d
	}

	return rules.Rule{
		Kind:     kind,
		Tool:     t.Tool,
		Requires: t.Requires,
		Group:    t.Group,
		Max:      t.Max,
		Cooldown: cooldown,
		Trigger:  t.Trigger,
		Every:    t.Every,
		Priority: t.Priority,
	}, nil
}

// ToRules converts every tool rule in the agent section in order,
// failing on the first unrecognized entry.
func (a AgentSection) ToRules() ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(a.ToolRules))
	for _, t := range a.ToolRules {
		r, err := t.ToRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

type ModelSection struct {
	Provider  string `toml:"provider"`
	Name      string `toml:"name"`
	APIKeyEnv string `toml:"api_key_env"`
}

type DatabaseSection struct {
	URLEnv   string `toml:"url_env"`
	MaxConns int    `toml:"max_conns"`
}

type EmbeddingsSection struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
}

type GroupSection struct {
	Pattern         string   `toml:"pattern"`
	Members         []string `toml:"members"`
	Supervisor      string   `toml:"supervisor"`
	Sleeptime       string   `toml:"sleeptime"`
	SleepAfter      string   `toml:"sleep_after"`      // duration string, e.g. "10m"
	MinVotes        int      `toml:"min_votes"`        // voting: stop waiting once this many votes arrive
	RequireMajority bool     `toml:"require_majority"` // voting: winner needs a strict majority
}

// BlueskySection is recognized so config files naming a Bluesky adapter
// parse without error, but it is never read by anything in this module:
// the adapter itself is an external collaborator, out of scope here.
type BlueskySection struct {
	HandleEnv string `toml:"handle_env"`
}

// Load reads path, decodes it into a Document, rejects keys the schema
// doesn't map, and validates the result. *Env fields keep only the name of
// the variable holding a secret; Load does not read the environment, so
// secrets never live in the TOML file or the Document.
func Load(path string) (*Document, error) {
	var doc Document
	md, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: decode %s: unrecognized keys %v", path, undecoded)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the closed set of constraints config.Load alone can't
// express through struct tags: required fields and cross-references.
func (d *Document) Validate() error {
	if d.User.Owner == "" {
		return fmt.Errorf("config: [user].owner is required")
	}
	if len(d.Agent) == 0 {
		return fmt.Errorf("config: at least one [agent.*] section is required")
	}
	for name, a := range d.Agent {
		if a.Model == "" && d.Model.Name == "" {
			return fmt.Errorf("config: agent %q has no model and [model].name is unset", name)
		}
	}
	for name, g := range d.Groups {
		for _, m := range g.Members {
			if _, ok := d.Agent[m]; !ok {
				return fmt.Errorf("config: group %q references unknown agent %q", name, m)
			}
		}
		if g.Pattern == "supervisor" && g.Supervisor == "" {
			return fmt.Errorf("config: group %q uses supervisor pattern but sets no supervisor", name)
		}
		if g.MinVotes < 0 {
			return fmt.Errorf("config: group %q min_votes must be non-negative", name)
		}
		if g.MinVotes > len(g.Members) {
			return fmt.Errorf("config: group %q min_votes %d exceeds its %d members", name, g.MinVotes, len(g.Members))
		}
		if g.Pattern == "sleeptime" && g.Sleeptime == "" {
			return fmt.Errorf("config: group %q uses sleeptime pattern but sets no sleeptime member", name)
		}
	}
	return nil
}

// ResolveSecret reads the value of the environment variable named by ref,
// returning an error rather than an empty string if it's unset, so a
// missing secret fails at startup instead of surfacing as an
// authentication error deep inside a model call.
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("config: empty secret reference")
	}
	v, ok := os.LookupEnv(ref)
	if !ok || v == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", ref)
	}
	return v, nil
}
