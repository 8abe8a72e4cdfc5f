package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patternrun/pattern/tool"
)

// SendHandle is the restricted messaging surface the send_message tool
// dispatches through. A channel send (Discord, Bluesky, ...) is accepted
// by the schema but left to the caller's handle to support or reject —
// those adapters are external collaborators out of scope per spec.md §1.
type SendHandle interface {
	tool.AgentHandle
	SendToUser(ctx context.Context, text string) error
	SendToAgent(ctx context.Context, agentID, text string) error
	SendToGroup(ctx context.Context, groupName, text string) error
}

// ChannelSender is the optional extension a handle may implement to
// support send_message's channel target; absent, channel sends fail with
// a structured error the agent can see and not retry.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelType, channelID, text string) error
}

// SendMessageTool implements the "send_message" built-in tool: routes
// outbound text to a user, another agent, a group, or an external channel
// (spec.md §4.2). Every agent ships with it, and calling it always ends
// the agent's turn — declared as its UsageRule so the context builder
// surfaces that to the model.
type SendMessageTool struct{}

func NewSendMessageTool() *SendMessageTool { return &SendMessageTool{} }

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to the user, another agent, a group, or an external channel. " +
		"This is the only way to produce a user-visible reply; calling it ends the current turn."
}

func (t *SendMessageTool) UsageRule() string {
	return "calling this tool ends the agent's turn."
}

func (t *SendMessageTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"target": {
				Type:        "string",
				Description: "Who receives the message.",
				Enum:        []string{"user", "agent", "group", "channel"},
			},
			"agent_id":     {Type: "string", Description: "Recipient agent id (target=agent)."},
			"group_name":   {Type: "string", Description: "Recipient group name (target=group)."},
			"channel_type": {Type: "string", Description: "Channel kind, e.g. \"discord\" (target=channel)."},
			"channel_id":   {Type: "string", Description: "Channel identifier (target=channel)."},
			"text":         {Type: "string", Description: "Message body."},
		},
		Required: []string{"target", "text"},
	}
}

type sendMessageInput struct {
	Target      string `json:"target"`
	AgentID     string `json:"agent_id"`
	GroupName   string `json:"group_name"`
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	Text        string `json:"text"`
}

func (t *SendMessageTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	h, ok := tool.GetAgentHandle(ctx)
	if !ok {
		return "", fmt.Errorf("send_message: no agent handle in context")
	}
	sh, ok := h.(SendHandle)
	if !ok {
		return "", fmt.Errorf("send_message: agent handle does not support sending")
	}

	var in sendMessageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("send_message: invalid input: %w", err)
	}
	if in.Text == "" {
		return "", fmt.Errorf("send_message: field %q is required", "text")
	}

	switch in.Target {
	case "user":
		if err := sh.SendToUser(ctx, in.Text); err != nil {
			return "", fmt.Errorf("send_message: user: %w", err)
		}
		return "message sent to user", nil

	case "agent":
		if in.AgentID == "" {
			return "", fmt.Errorf("send_message: field %q is required for target %q", "agent_id", "agent")
		}
		if err := sh.SendToAgent(ctx, in.AgentID, in.Text); err != nil {
			return "", fmt.Errorf("send_message: agent %q: %w", in.AgentID, err)
		}
		return fmt.Sprintf("message sent to agent %q", in.AgentID), nil

	case "group":
		if in.GroupName == "" {
			return "", fmt.Errorf("send_message: field %q is required for target %q", "group_name", "group")
		}
		if err := sh.SendToGroup(ctx, in.GroupName, in.Text); err != nil {
			return "", fmt.Errorf("send_message: group %q: %w", in.GroupName, err)
		}
		return fmt.Sprintf("message sent to group %q", in.GroupName), nil

	case "channel":
		if in.ChannelType == "" || in.ChannelID == "" {
			return "", fmt.Errorf("send_message: fields %q and %q are required for target %q", "channel_type", "channel_id", "channel")
		}
		cs, ok := h.(ChannelSender)
		if !ok {
			return "", fmt.Errorf("send_message: agent handle does not support channel %q", in.ChannelType)
		}
		if err := cs.SendToChannel(ctx, in.ChannelType, in.ChannelID, in.Text); err != nil {
			return "", fmt.Errorf("send_message: channel %s/%s: %w", in.ChannelType, in.ChannelID, err)
		}
		return fmt.Sprintf("message sent to %s channel %q", in.ChannelType, in.ChannelID), nil

	default:
		return "", fmt.Errorf("send_message: unknown target %q, expected one of user|agent|group|channel", in.Target)
	}
}
