package compaction

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/patternrun/pattern/driver"
)

// Summarizer produces structured summaries of message ranges using a
// (typically cheaper) Claude model.
type Summarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewSummarizer creates a Summarizer for the given model.
func NewSummarizer(client *anthropic.Client, model string, maxTokens int) *Summarizer {
	return &Summarizer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Summarize generates a summary of the given messages. Prior summaries in
// contextMessages, if any, are provided to the model as context so the new
// summary subsumes them.
func (s *Summarizer) Summarize(ctx context.Context, messages, contextMessages []*driver.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: no messages", ErrSummarizationFailed)
	}

	conversationText := FormatMessagesAsText(toSummaryMessages(messages))

	var prompt string
	if len(contextMessages) > 0 {
		contextText := FormatMessagesAsText(toSummaryMessages(contextMessages))
		prompt = BuildSummarizationUserPromptWithContext(contextText, conversationText)
	} else {
		prompt = BuildSummarizationUserPrompt(conversationText)
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: SummarizationSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("%w: model returned no text", ErrSummarizationFailed)
	}
	return text, nil
}

// toSummaryMessages flattens driver messages into the role+text shape the
// summarization prompt consumes. Tool calls and results are rendered as
// short placeholders so the summary notes them without reproducing bulky
// payloads.
func toSummaryMessages(messages []*driver.Message) []MessageForSummary {
	out := make([]MessageForSummary, 0, len(messages))
	for _, msg := range messages {
		var content string
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				content += block.Text
			case "tool_use":
				content += fmt.Sprintf("[called tool %s]", block.ToolName)
			case "tool_result":
				text := block.ToolContent
				if len(text) > 500 {
					text = text[:500] + "…"
				}
				content += fmt.Sprintf("[tool result: %s]", text)
			}
		}
		if content == "" {
			continue
		}
		out = append(out, MessageForSummary{
			Role:    string(msg.Role),
			Content: content,
		})
	}
	return out
}
