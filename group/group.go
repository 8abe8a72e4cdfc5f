// Package group implements the six multi-agent coordination patterns: a
// group manager decides, for one incoming task, which member agent (or
// sequence of agents) handles it, then delegates through a Dispatcher the
// same way the teacher's tool/builtin.AgentTool delegates a task to one
// nested agent and returns its text response.
package group

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pattern is the closed set of coordination strategies a Group may use.
type Pattern string

const (
	PatternRoundRobin         Pattern = "round_robin"
	PatternDynamicCapability  Pattern = "dynamic_capability"
	PatternDynamicRandom      Pattern = "dynamic_random"
	PatternDynamicLoadBalance Pattern = "dynamic_load_balancing"
	PatternPipeline           Pattern = "pipeline"
	PatternSupervisor         Pattern = "supervisor"
	PatternVoting             Pattern = "voting"
	PatternSleeptime          Pattern = "sleeptime"
)

// Member is one agent participating in a group.
type Member struct {
	AgentID      string
	Capabilities []string

	// Inactive marks a member as temporarily unavailable (spec.md §4.8's
	// RoundRobin{skip_unavailable}). RoundRobin, and Supervisor when picking
	// its worker, skip it when Group.SkipUnavailable is set; other patterns
	// ignore it.
	Inactive bool
}

// Dispatcher delegates one task to a member agent and returns its text
// response, exactly the contract tool/builtin.AgentTool.Execute fulfills
// for a single nested agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, task string) (string, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, agentID, task string) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, agentID, task string) (string, error) {
	return f(ctx, agentID, task)
}

// Stage is one step of a PatternPipeline group (spec.md §4.8 Pipeline{stages[]}).
// Each stage names an agent, an optional per-stage timeout, and whether a
// failure there (timeout or dispatch error) aborts the pipeline.
type Stage struct {
	Name     string
	AgentID  string
	Timeout  time.Duration // zero means no stage-specific timeout
	Optional bool
}

// StageFailedError reports that a non-optional pipeline stage failed.
type StageFailedError struct {
	Name string
	Err  error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("group: pipeline stage %q failed: %v", e.Name, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// GroupResponse carries the full result of a Dispatch call beyond its text
// answer: per-stage outputs for Pipeline, vote tallies and tie detection for
// Voting, and non-fatal warnings (e.g. a skipped optional stage).
type GroupResponse struct {
	Text         string
	StageOutputs map[string]string // PatternPipeline: stage name -> output
	StageOrder   []string          // PatternPipeline: stages that actually ran, in order
	VoteCounts   map[string]int    // PatternVoting: normalized answer -> vote count
	Tie          bool              // PatternVoting: true iff the top answer wasn't unique
	Warnings     []string
}

// Group coordinates a fixed member list under one Pattern.
type Group struct {
	Pattern            Pattern
	Members            []Member
	Stages             []Stage       // PatternPipeline: ordered stages; falls back to Members if empty
	CapabilitySelector *Capability   // PatternDynamicCapability: scored selector; nil falls back to keyword match
	Supervisor         string        // PatternSupervisor: the member that reviews worker drafts
	SleepAfter         time.Duration // PatternSleeptime: idle period before the sleeptime member runs
	Sleeptime          string        // PatternSleeptime: the member run after idleness
	SkipUnavailable    bool          // PatternRoundRobin/PatternSupervisor: skip members marked Inactive
	MinVotes           int           // PatternVoting: stop waiting once this many votes arrive; 0 waits for all
	RequireMajority    bool          // PatternVoting: the winner must hold a strict majority of votes cast

	mu         sync.Mutex
	rrIndex    int
	loadCounts map[string]int
	lastActive time.Time
}

// New constructs a Group ready to dispatch. now seeds lastActive so the
// first Sleeptime check has a well-defined baseline.
func New(pattern Pattern, members []Member, now time.Time) *Group {
	return &Group{
		Pattern:    pattern,
		Members:    members,
		loadCounts: make(map[string]int),
		lastActive: now,
	}
}

var ErrNoMembers = fmt.Errorf("group: no members available")

// Dispatch routes task to one or more members per g.Pattern and returns the
// final text result, updating dispatch bookkeeping (round-robin cursor,
// load counts, last-active timestamp) as a side effect.
func (g *Group) Dispatch(ctx context.Context, d Dispatcher, task string, now time.Time) (string, error) {
	resp, err := g.DispatchDetailed(ctx, d, task, now)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// DispatchDetailed is Dispatch's structured counterpart: it returns the full
// GroupResponse (stage outputs for Pipeline, vote tallies and tie flag for
// Voting) instead of collapsing the pattern's result down to one string.
func (g *Group) DispatchDetailed(ctx context.Context, d Dispatcher, task string, now time.Time) (*GroupResponse, error) {
	g.mu.Lock()
	g.lastActive = now
	g.mu.Unlock()

	switch g.Pattern {
	case PatternRoundRobin:
		text, err := g.dispatchRoundRobin(ctx, d, task)
		return &GroupResponse{Text: text}, err
	case PatternDynamicCapability:
		text, err := g.dispatchCapability(ctx, d, task)
		return &GroupResponse{Text: text}, err
	case PatternDynamicRandom:
		text, err := g.dispatchRandom(ctx, d, task)
		return &GroupResponse{Text: text}, err
	case PatternDynamicLoadBalance:
		text, err := g.dispatchLoadBalanced(ctx, d, task)
		return &GroupResponse{Text: text}, err
	case PatternPipeline:
		return g.dispatchPipeline(ctx, d, task)
	case PatternSupervisor:
		text, err := g.dispatchSupervisor(ctx, d, task)
		return &GroupResponse{Text: text}, err
	case PatternVoting:
		return g.dispatchVoting(ctx, d, task)
	case PatternSleeptime:
		text, err := g.dispatchPassthrough(ctx, d, task)
		return &GroupResponse{Text: text}, err
	default:
		return nil, fmt.Errorf("group: unknown pattern %q", g.Pattern)
	}
}

// nextActiveIndex returns the first index at or after from (mod len) that
// isn't Inactive when SkipUnavailable is set; if every member is
// Inactive, it falls back to from so the group still makes progress
// rather than deadlocking.
func (g *Group) nextActiveIndex(from int) int {
	n := len(g.Members)
	if !g.SkipUnavailable {
		return from % n
	}
	for i := 0; i < n; i++ {
		idx := (from + i) % n
		if !g.Members[idx].Inactive {
			return idx
		}
	}
	return from % n
}

func (g *Group) dispatchRoundRobin(ctx context.Context, d Dispatcher, task string) (string, error) {
	if len(g.Members) == 0 {
		return "", ErrNoMembers
	}
	g.mu.Lock()
	idx := g.nextActiveIndex(g.rrIndex % len(g.Members))
	m := g.Members[idx]
	g.rrIndex = g.nextActiveIndex((idx + 1) % len(g.Members))
	g.mu.Unlock()
	return d.Dispatch(ctx, m.AgentID, task)
}

// Capability is the Dynamic{Capability{...}} selector from spec.md §4.8:
// score each candidate against required ∪ preferred tags and pick the
// highest scorer at or above MinScore.
type Capability struct {
	Required  []string
	Preferred []string
	MinScore  float64
}

// capabilityScore counts how many of required ∪ preferred tags a member
// carries, normalized to 0..1. Required tags weigh double, so a member
// missing one required tag can still be picked, and outranks one that has it
// only by carrying at least three more preferred tags.
func capabilityScore(m Member, c Capability) float64 {
	have := make(map[string]bool, len(m.Capabilities))
	for _, cap := range m.Capabilities {
		have[strings.ToLower(cap)] = true
	}
	total := 2*float64(len(c.Required)) + float64(len(c.Preferred))
	if total == 0 {
		return 0
	}
	var score float64
	for _, tag := range c.Required {
		if have[strings.ToLower(tag)] {
			score += 2
		}
	}
	for _, tag := range c.Preferred {
		if have[strings.ToLower(tag)] {
			score++
		}
	}
	return score / total
}

// dispatchCapability scores every member against g.CapabilitySelector (when
// set) and dispatches to the highest scorer meeting MinScore. Without a
// CapabilitySelector it falls back to a plain keyword match of Capabilities
// against task text, for callers that pre-filter membership themselves.
func (g *Group) dispatchCapability(ctx context.Context, d Dispatcher, task string) (string, error) {
	if len(g.Members) == 0 {
		return "", ErrNoMembers
	}
	if g.CapabilitySelector != nil {
		c := *g.CapabilitySelector
		bestIdx := -1
		bestScore := -1.0
		for i, m := range g.Members {
			if s := capabilityScore(m, c); s > bestScore {
				bestIdx, bestScore = i, s
			}
		}
		if bestIdx >= 0 && bestScore >= c.MinScore {
			return d.Dispatch(ctx, g.Members[bestIdx].AgentID, task)
		}
		return "", fmt.Errorf("group: no member meets capability min_score %.2f (best %.2f)", c.MinScore, bestScore)
	}

	lower := strings.ToLower(task)
	for _, m := range g.Members {
		for _, cap := range m.Capabilities {
			if strings.Contains(lower, strings.ToLower(cap)) {
				return d.Dispatch(ctx, m.AgentID, task)
			}
		}
	}
	return d.Dispatch(ctx, g.Members[0].AgentID, task)
}

func (g *Group) dispatchRandom(ctx context.Context, d Dispatcher, task string) (string, error) {
	if len(g.Members) == 0 {
		return "", ErrNoMembers
	}
	m := g.Members[rand.Intn(len(g.Members))]
	return d.Dispatch(ctx, m.AgentID, task)
}

func (g *Group) dispatchLoadBalanced(ctx context.Context, d Dispatcher, task string) (string, error) {
	if len(g.Members) == 0 {
		return "", ErrNoMembers
	}
	g.mu.Lock()
	best := g.Members[0]
	bestLoad := g.loadCounts[best.AgentID]
	for _, m := range g.Members[1:] {
		if l := g.loadCounts[m.AgentID]; l < bestLoad {
			best, bestLoad = m, l
		}
	}
	g.loadCounts[best.AgentID]++
	g.mu.Unlock()
	return d.Dispatch(ctx, best.AgentID, task)
}

// dispatchPipeline runs stages in order, feeding each stage's output as the
// next stage's input. A non-optional stage that times out or errors aborts
// the pipeline with a *StageFailedError; an optional stage's failure is
// recorded as a warning and the previous stage's output flows through
// unchanged. Falls back to treating g.Members as unnamed, required,
// untimed stages when g.Stages is empty.
func (g *Group) dispatchPipeline(ctx context.Context, d Dispatcher, task string) (*GroupResponse, error) {
	stages := g.Stages
	if len(stages) == 0 {
		stages = make([]Stage, len(g.Members))
		for i, m := range g.Members {
			stages[i] = Stage{Name: m.AgentID, AgentID: m.AgentID}
		}
	}

	resp := &GroupResponse{StageOutputs: make(map[string]string)}
	current := task
	for _, stage := range stages {
		out, err := g.runStage(ctx, d, stage, current)
		if err != nil {
			if stage.Optional {
				resp.Warnings = append(resp.Warnings, fmt.Sprintf("stage %q: %v", stage.Name, err))
				continue
			}
			return resp, &StageFailedError{Name: stage.Name, Err: err}
		}
		resp.StageOutputs[stage.Name] = out
		resp.StageOrder = append(resp.StageOrder, stage.Name)
		current = out
	}
	resp.Text = current
	return resp, nil
}

func (g *Group) runStage(ctx context.Context, d Dispatcher, stage Stage, task string) (string, error) {
	if stage.Timeout <= 0 {
		return d.Dispatch(ctx, stage.AgentID, task)
	}
	stageCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := d.Dispatch(stageCtx, stage.AgentID, task)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-stageCtx.Done():
		return "", stageCtx.Err()
	}
}

// dispatchSupervisor sends task to a worker first — the first
// non-supervisor member in the group's member ordering — then hands the
// worker's response to the Supervisor for review. The supervisor's reply
// is the final text: it may pass the draft through verbatim or return an
// edited version.
func (g *Group) dispatchSupervisor(ctx context.Context, d Dispatcher, task string) (string, error) {
	if g.Supervisor == "" {
		return "", fmt.Errorf("group: supervisor pattern requires Supervisor to be set")
	}

	worker := ""
	for _, m := range g.Members {
		if m.AgentID == g.Supervisor {
			continue
		}
		if g.SkipUnavailable && m.Inactive {
			continue
		}
		worker = m.AgentID
		break
	}
	if worker == "" {
		return "", fmt.Errorf("group: supervisor pattern has no worker members")
	}

	draft, err := d.Dispatch(ctx, worker, task)
	if err != nil {
		return "", err
	}

	return d.Dispatch(ctx, g.Supervisor, fmt.Sprintf(
		"A worker handled the task below. Review its response and return the final version, editing only where needed.\n\nTask: %s\n\nWorker response:\n%s",
		task, draft))
}

// dispatchVoting fans task out to every member concurrently and collects
// votes as they arrive, stopping once MinVotes have landed (or every
// voter has responded when MinVotes is zero or unreachable). The result
// is the most common normalized response plus the full tally; with
// RequireMajority set, a winner that holds no strict majority of the
// votes cast is reported as a tie. Ties are broken by first-arrival
// order, per spec.md's Open Question decision to leave escalation to the
// caller.
func (g *Group) dispatchVoting(ctx context.Context, d Dispatcher, task string) (*GroupResponse, error) {
	if len(g.Members) == 0 {
		return nil, ErrNoMembers
	}

	// Late voters past the MinVotes cutoff are cancelled rather than
	// abandoned mid-flight.
	voteCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type ballot struct {
		answer string
		err    error
	}
	ballots := make(chan ballot, len(g.Members))
	for _, m := range g.Members {
		go func(agentID string) {
			out, err := d.Dispatch(voteCtx, agentID, task)
			ballots <- ballot{answer: strings.TrimSpace(out), err: err}
		}(m.AgentID)
	}

	need := g.MinVotes
	if need <= 0 || need > len(g.Members) {
		need = len(g.Members)
	}

	var votes []string
	for responded := 0; responded < len(g.Members); responded++ {
		b := <-ballots
		if b.err == nil && b.answer != "" {
			votes = append(votes, b.answer)
		}
		if len(votes) >= need {
			break
		}
	}
	cancel()

	if len(votes) == 0 {
		return nil, fmt.Errorf("group: voting produced no responses")
	}

	counts := make(map[string]int, len(votes))
	for _, v := range votes {
		counts[v]++
	}
	type tally struct {
		answer string
		count  int
		first  int
	}
	var tallies []tally
	for i, v := range votes {
		found := false
		for j := range tallies {
			if tallies[j].answer == v {
				found = true
				break
			}
		}
		if !found {
			tallies = append(tallies, tally{answer: v, count: counts[v], first: i})
		}
	}
	sort.SliceStable(tallies, func(i, j int) bool {
		if tallies[i].count != tallies[j].count {
			return tallies[i].count > tallies[j].count
		}
		return tallies[i].first < tallies[j].first
	})

	resp := &GroupResponse{Text: tallies[0].answer, VoteCounts: counts}
	if len(tallies) > 1 && tallies[0].count == tallies[1].count {
		resp.Tie = true
	}
	if g.RequireMajority && tallies[0].count*2 <= len(votes) {
		resp.Tie = true
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("no majority: top answer holds %d of %d votes", tallies[0].count, len(votes)))
	}
	return resp, nil
}

func (g *Group) dispatchPassthrough(ctx context.Context, d Dispatcher, task string) (string, error) {
	if len(g.Members) == 0 {
		return "", ErrNoMembers
	}
	return d.Dispatch(ctx, g.Members[0].AgentID, task)
}

// DueForSleeptime reports whether the group has been idle for at least
// SleepAfter as of now, meaning the Sleeptime member's maintenance pass
// should run. Callers drive this from the same periodic check the
// leadership package uses for its election ticker, not from Dispatch
// itself, since sleeptime work has no external task to attach to.
func (g *Group) DueForSleeptime(now time.Time) bool {
	if g.Pattern != PatternSleeptime || g.Sleeptime == "" || g.SleepAfter <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastActive) >= g.SleepAfter
}

// RunSleeptime dispatches the group's maintenance prompt to the Sleeptime
// member. Callers should only call this when DueForSleeptime returns true.
func (g *Group) RunSleeptime(ctx context.Context, d Dispatcher, prompt string) (string, error) {
	return d.Dispatch(ctx, g.Sleeptime, prompt)
}
