// Package modelprovider defines the model-provider contract the agent loop
// calls through, and an anthropic-sdk-go implementation of it, so the loop
// itself never imports the SDK directly and a future provider only needs
// to satisfy Provider.
package modelprovider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/patternrun/pattern/tool"
)

// ChatRequest is everything a provider needs to start one model call.
type ChatRequest struct {
	Model              string
	SystemPrompt       string
	Messages           []anthropic.MessageParam
	Tools              []anthropic.ToolUnionParam
	MaxTokens          int64
	Temperature        *float64
	TopK               *int64
	TopP               *float64
	StopSequences      []string
	UseExtendedContext bool
}

// Provider is the seam between the agent loop and a concrete model API.
// chat(system, messages, tools, options) -> stream<event> from the
// external interface contract, typed to this module's request/stream
// shapes.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error)
}

// AnthropicProvider implements Provider with anthropic-sdk-go, the sole
// model client the teacher carries.
type AnthropicProvider struct {
	client *anthropic.Client
}

func NewAnthropicProvider(client *anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{client: client}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  req.Messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = req.Tools
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(*req.TopK)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	var opts []option.RequestOption
	if req.UseExtendedContext {
		opts = append(opts, option.WithHeader("anthropic-beta", "context-1m-2025-08-07"))
	}

	return p.client.Messages.NewStreaming(ctx, params, opts...), nil
}

// ToolRegistrySchema adapts a tool.Registry into the []anthropic.ToolUnionParam
// a ChatRequest expects, so callers building a request don't need to know
// the conversion lives in tool.Registry.
func ToolRegistrySchema(reg *tool.Registry) []anthropic.ToolUnionParam {
	if reg == nil {
		return nil
	}
	return reg.ToAnthropicToolUnions()
}
