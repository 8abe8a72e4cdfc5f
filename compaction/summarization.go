package compaction

import (
	"context"
	"time"
)

// SummarizationStrategy replaces every compactable message with a single
// structured summary produced by the summarizer model.
type SummarizationStrategy struct {
	summarizer   *Summarizer
	tokenCounter *TokenCounter
}

// NewSummarizationStrategy creates a summarization strategy.
func NewSummarizationStrategy(summarizer *Summarizer, tokenCounter *TokenCounter) *SummarizationStrategy {
	return &SummarizationStrategy{
		summarizer:   summarizer,
		tokenCounter: tokenCounter,
	}
}

// Name returns the strategy name.
func (s *SummarizationStrategy) Name() Strategy {
	return StrategySummarization
}

// Execute summarizes the partition's compactable messages and marks them
// all for archival.
func (s *SummarizationStrategy) Execute(ctx context.Context, partition *MessagePartition) (*StrategyResult, error) {
	start := time.Now()

	if !partition.CanCompact() {
		return nil, ErrNoMessagesToCompact
	}

	summary, err := s.summarizer.Summarize(ctx, partition.MessagesForSummarization(), partition.Summaries)
	if err != nil {
		return nil, err
	}

	summaryTokens, err := s.tokenCounter.CountTokensForContent(ctx, summary)
	if err != nil {
		summaryTokens = approximateTokens(summary)
	}

	removed := partition.Stats.CompactableTokens - summaryTokens
	if removed < 0 {
		removed = 0
	}

	return &StrategyResult{
		SummaryText:        summary,
		SummaryTokens:      summaryTokens,
		ArchivedMessageIDs: partition.CompactableIDs(),
		TokensRemoved:      removed,
		TokensAfter:        partition.Stats.TotalTokens - removed,
		Duration:           time.Since(start),
	}, nil
}
