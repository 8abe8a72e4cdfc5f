package compaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
)

// HybridStrategy prunes bulky tool output messages first, then falls back
// to summarization only if pruning alone does not reach the target token
// count. This is cheaper than summarizing everything: most context bloat in
// tool-heavy sessions is tool results the conversation no longer needs.
type HybridStrategy struct {
	summarizer   *Summarizer
	tokenCounter *TokenCounter
	config       *Config
}

// NewHybridStrategy creates a hybrid strategy.
func NewHybridStrategy(summarizer *Summarizer, tokenCounter *TokenCounter, config *Config) *HybridStrategy {
	return &HybridStrategy{
		summarizer:   summarizer,
		tokenCounter: tokenCounter,
		config:       config,
	}
}

// Name returns the strategy name.
func (h *HybridStrategy) Name() Strategy {
	return StrategyHybrid
}

// Execute archives tool-heavy compactable messages outright, then
// summarizes the remaining compactable prose if the session is still above
// the target.
func (h *HybridStrategy) Execute(ctx context.Context, partition *MessagePartition) (*StrategyResult, error) {
	start := time.Now()

	if !partition.CanCompact() {
		return nil, ErrNoMessagesToCompact
	}

	var pruned, prose []*driver.Message
	if h.config.PreserveToolOutputs {
		prose = partition.Compactable
	} else {
		for _, msg := range partition.Compactable {
			if hasToolBlocks(msg) {
				pruned = append(pruned, msg)
			} else {
				prose = append(prose, msg)
			}
		}
	}

	prunedTokens := 0
	for _, msg := range pruned {
		prunedTokens += h.tokenCounter.estimateMessageTokens(msg)
	}

	archived := make([]uuid.UUID, 0, len(partition.Compactable))
	for _, msg := range pruned {
		archived = append(archived, msg.ID)
	}

	tokensAfter := partition.Stats.TotalTokens - prunedTokens
	removed := prunedTokens

	var summary string
	var summaryTokens int
	if tokensAfter > h.config.TargetTokens && len(prose) > 0 {
		text, err := h.summarizer.Summarize(ctx, prose, partition.Summaries)
		if err != nil {
			return nil, err
		}
		summary = text

		summaryTokens, err = h.tokenCounter.CountTokensForContent(ctx, summary)
		if err != nil {
			summaryTokens = approximateTokens(summary)
		}

		proseTokens := 0
		for _, msg := range prose {
			proseTokens += h.tokenCounter.estimateMessageTokens(msg)
			archived = append(archived, msg.ID)
		}

		delta := proseTokens - summaryTokens
		if delta < 0 {
			delta = 0
		}
		removed += delta
		tokensAfter -= delta
	}

	return &StrategyResult{
		SummaryText:        summary,
		SummaryTokens:      summaryTokens,
		ArchivedMessageIDs: archived,
		TokensRemoved:      removed,
		TokensAfter:        tokensAfter,
		Duration:           time.Since(start),
	}, nil
}

// hasToolBlocks reports whether any content block is a tool call or result.
func hasToolBlocks(msg *driver.Message) bool {
	for _, block := range msg.Content {
		if block.Type == "tool_use" || block.Type == "tool_result" {
			return true
		}
	}
	return false
}
