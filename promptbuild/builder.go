// Package promptbuild assembles the text sent to the model on each
// iteration: the agent's system prompt, its core and working memory
// blocks, and as much recent message history as the token budget allows.
// When history doesn't fit, a pluggable CompressionStrategy decides what
// to drop or summarize, mirroring the teacher's compaction.StrategyExecutor
// seam but with the four strategies named here instead of the teacher's
// summarization/hybrid pair.
package promptbuild

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Message is the minimal shape the builder needs from a stored message;
// callers adapt their storage type into this with a one-line conversion,
// the same role compaction.convertMessages plays for the teacher.
type Message struct {
	ID          string
	Role        string
	Text        string
	Tokens      int
	CreatedAt   time.Time
	LastTouched time.Time // updated when referenced by a tool call or reply
	Preserved   bool      // never eligible for compression
}

// Block is a memory block contributing to the system prompt.
type Block struct {
	Label       string
	Description string // optional purpose line, rendered in the block header
	Value       string
	Type        string // "core" always included; "working" included budget-permitting
}

// Strategy is the closed set of compression strategies a context builder
// may be configured with.
type Strategy string

const (
	StrategyTruncate               Strategy = "truncate"
	StrategyRecursiveSummarization Strategy = "recursive_summarization"
	StrategyImportanceBased        Strategy = "importance_based"
	StrategyTimeDecay              Strategy = "time_decay"
)

// Summarizer produces a short summary of the given messages; the recursive
// summarization strategy calls back into the model through this seam, the
// same way the teacher's compaction.Summarizer wraps a cheaper model.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// CompressionStrategy reduces messages to fit within budget tokens,
// returning the kept messages (in original order) and an optional summary
// message to prepend in place of whatever was dropped.
type CompressionStrategy interface {
	Name() Strategy
	Compress(ctx context.Context, messages []Message, budget int) (kept []Message, summary *Message, err error)
}

func tokensOf(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += m.Tokens
	}
	return total
}

// truncateStrategy drops the oldest non-preserved messages until the
// remainder fits, the simplest possible policy and the floor every other
// strategy is judged against.
type truncateStrategy struct{}

func NewTruncateStrategy() CompressionStrategy { return truncateStrategy{} }

func (truncateStrategy) Name() Strategy { return StrategyTruncate }

func (truncateStrategy) Compress(_ context.Context, messages []Message, budget int) ([]Message, *Message, error) {
	kept := append([]Message{}, messages...)
	for tokensOf(kept) > budget && len(kept) > 0 {
		idx := -1
		for i, m := range kept {
			if !m.Preserved {
				idx = i
				break
			}
		}
		if idx == -1 {
			break // everything left is preserved; budget cannot be honored further
		}
		kept = append(kept[:idx], kept[idx+1:]...)
	}
	return kept, nil, nil
}

// recursiveSummarizationStrategy repeatedly folds the oldest block of
// droppable messages into a running summary until the remainder fits.
type recursiveSummarizationStrategy struct {
	summarizer Summarizer
	chunkSize  int
}

func NewRecursiveSummarizationStrategy(s Summarizer, chunkSize int) CompressionStrategy {
	if chunkSize <= 0 {
		chunkSize = 10
	}
	return &recursiveSummarizationStrategy{summarizer: s, chunkSize: chunkSize}
}

func (*recursiveSummarizationStrategy) Name() Strategy { return StrategyRecursiveSummarization }

func (r *recursiveSummarizationStrategy) Compress(ctx context.Context, messages []Message, budget int) ([]Message, *Message, error) {
	kept := append([]Message{}, messages...)
	var summaries []string

	for tokensOf(kept) > budget && len(kept) > 0 {
		end := r.chunkSize
		droppable := 0
		for _, m := range kept {
			if droppable >= end {
				break
			}
			if !m.Preserved {
				droppable++
			}
		}
		if droppable == 0 {
			break
		}
		chunk := make([]Message, 0, droppable)
		rest := make([]Message, 0, len(kept))
		taken := 0
		for _, m := range kept {
			if !m.Preserved && taken < droppable {
				chunk = append(chunk, m)
				taken++
				continue
			}
			rest = append(rest, m)
		}
		text, err := r.summarizer.Summarize(ctx, chunk)
		if err != nil {
			return nil, nil, fmt.Errorf("promptbuild: recursive summarization: %w", err)
		}
		summaries = append(summaries, text)
		kept = rest
	}

	if len(summaries) == 0 {
		return kept, nil, nil
	}
	summary := &Message{
		Role:      "system",
		Text:      joinSummaries(summaries),
		CreatedAt: time.Now(),
	}
	return kept, summary, nil
}

func joinSummaries(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n\n" + p
	}
	return out
}

// importanceBasedStrategy drops the lowest-importance messages first,
// where importance is approximated by recency of last touch: a message a
// tool call or reply referenced recently is worth more than one nobody has
// looked at since it was written.
type importanceBasedStrategy struct{}

func NewImportanceBasedStrategy() CompressionStrategy { return importanceBasedStrategy{} }

func (importanceBasedStrategy) Name() Strategy { return StrategyImportanceBased }

func (importanceBasedStrategy) Compress(_ context.Context, messages []Message, budget int) ([]Message, *Message, error) {
	if tokensOf(messages) <= budget {
		return messages, nil, nil
	}
	ranked := append([]Message{}, messages...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].LastTouched.Before(ranked[j].LastTouched)
	})

	drop := make(map[string]bool)
	remaining := tokensOf(messages)
	for _, m := range ranked {
		if remaining <= budget {
			break
		}
		if m.Preserved {
			continue
		}
		drop[m.ID] = true
		remaining -= m.Tokens
	}

	var kept []Message
	for _, m := range messages {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	return kept, nil, nil
}

// timeDecayStrategy weighs a message's survival by age relative to halfLife:
// messages older than halfLife are dropped before newer ones regardless of
// exact token cost, approximating an exponential decay curve without
// computing one explicitly.
type timeDecayStrategy struct {
	halfLife time.Duration
	now      func() time.Time
}

func NewTimeDecayStrategy(halfLife time.Duration, now func() time.Time) CompressionStrategy {
	if now == nil {
		now = time.Now
	}
	return &timeDecayStrategy{halfLife: halfLife, now: now}
}

func (*timeDecayStrategy) Name() Strategy { return StrategyTimeDecay }

func (t *timeDecayStrategy) Compress(_ context.Context, messages []Message, budget int) ([]Message, *Message, error) {
	now := t.now()
	ranked := append([]Message{}, messages...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return now.Sub(ranked[i].CreatedAt) > now.Sub(ranked[j].CreatedAt) // oldest first
	})

	drop := make(map[string]bool)
	remaining := tokensOf(messages)
	for _, m := range ranked {
		if remaining <= budget {
			break
		}
		if m.Preserved {
			continue
		}
		age := now.Sub(m.CreatedAt)
		if age < t.halfLife/4 {
			continue // too fresh to decay even under pressure
		}
		drop[m.ID] = true
		remaining -= m.Tokens
	}

	var kept []Message
	for _, m := range messages {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	return kept, nil, nil
}

// Builder assembles a complete prompt: system prompt text, memory blocks,
// and message history compressed to fit within MaxContextTokens.
type Builder struct {
	Strategy         CompressionStrategy
	MaxContextTokens int
	ReserveForReply  int // tokens held back for the model's own response
}

// Built is the assembled result ready to hand to the model provider.
type Built struct {
	SystemPrompt string
	Messages     []Message
	Summary      *Message
}

// PromptExtras carries the parts of the system prompt beyond base
// instructions and memory blocks that spec.md §4.4 requires in a fixed
// order: a metadata line, the archival label inventory, and the tools'
// aggregated usage rules.
type PromptExtras struct {
	Now                time.Time
	MemoryLastModified time.Time
	ArchivalLabels     []string // all labels the agent currently holds archivally
	UsageRules         []string // one entry per tool that declares a usage rule
}

// archivalLabelSummaryThreshold is the spec's cutoff between listing every
// archival label verbatim and switching to a grouped-by-prefix summary.
const archivalLabelSummaryThreshold = 50

// renderArchivalLabels lists labels verbatim when there are few enough,
// otherwise groups them by the text before their first "_" or ":" and
// reports counts, matching spec.md §4.4's "grouped summary by label
// prefix" fallback.
func renderArchivalLabels(labels []string) string {
	if len(labels) == 0 {
		return "(none)"
	}
	if len(labels) <= archivalLabelSummaryThreshold {
		sorted := append([]string{}, labels...)
		sort.Strings(sorted)
		out := ""
		for i, l := range sorted {
			if i > 0 {
				out += ", "
			}
			out += l
		}
		return out
	}
	groups := map[string]int{}
	for _, l := range labels {
		prefix := l
		for _, sep := range []string{"_", ":"} {
			if idx := indexOf(l, sep); idx >= 0 {
				prefix = l[:idx]
				break
			}
		}
		groups[prefix]++
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s (%d)", k, groups[k])
	}
	return out
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Build renders systemPrompt plus blocks into the final system text, then
// compresses messages to fit the remaining budget. extras is optional; a
// zero-value PromptExtras omits the metadata line, archival summary, and
// usage-rules section (useful for callers that haven't wired those yet).
func (b *Builder) Build(ctx context.Context, systemPrompt string, blocks []Block, messages []Message, extras PromptExtras) (*Built, error) {
	sysText := systemPrompt

	if !extras.Now.IsZero() {
		sysText += fmt.Sprintf("\n\nCurrent time: %s. Memory last modified: %s.",
			extras.Now.Format(time.RFC3339), extras.MemoryLastModified.Format(time.RFC3339))
	}

	for _, blk := range blocks {
		if blk.Type == "core" {
			sysText += renderBlock(blk)
		}
	}
	// Working blocks are appended after core blocks, most-recently-touched
	// first is the caller's responsibility (blocks arrive pre-sorted).
	for _, blk := range blocks {
		if blk.Type == "working" {
			sysText += renderBlock(blk)
		}
	}

	if extras.ArchivalLabels != nil {
		sysText += fmt.Sprintf("\n\nArchival memory labels: %s", renderArchivalLabels(extras.ArchivalLabels))
	}

	if len(extras.UsageRules) > 0 {
		rules := ""
		for i, r := range extras.UsageRules {
			if i > 0 {
				rules += " "
			}
			rules += r
		}
		sysText += fmt.Sprintf("\n\nTool usage rules: %s", rules)
	}

	budget := b.MaxContextTokens - b.ReserveForReply - estimateTokens(sysText)
	if budget < 0 {
		budget = 0
	}

	strategy := b.Strategy
	if strategy == nil {
		strategy = truncateStrategy{}
	}
	kept, summary, err := strategy.Compress(ctx, messages, budget)
	if err != nil {
		return nil, err
	}
	return &Built{SystemPrompt: sysText, Messages: kept, Summary: summary}, nil
}

// renderBlock brackets one memory block with its label, optional
// description, and character count.
func renderBlock(blk Block) string {
	header := blk.Label
	if blk.Description != "" {
		header += fmt.Sprintf(" — %s", blk.Description)
	}
	return fmt.Sprintf("\n\n<%s>\n[%s, %d chars]\n%s\n</%s>", blk.Label, header, len(blk.Value), blk.Value, blk.Label)
}

// estimateTokens is a rough chars/4 estimate, matching the teacher's own
// token-counting fallback for text outside the Anthropic token-count API.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
