package tool

import "context"

// AgentHandle is the lightweight, context-carried surface built-in tools
// use to reach the calling agent's identity. Spec.md §4.2: "Tools may
// receive a lightweight agent handle granting read access to memory and a
// restricted database surface (archival ops only), without carrying the
// expensive message history." Concrete tools (tool/builtin) type-assert the
// handle to the narrower interface they actually need (memory, archival
// search, send); a single adapter type built alongside the agent loop
// satisfies all of them at once.
type AgentHandle interface {
	AgentID() string
}

type agentHandleKey struct{}

// WithAgentHandle attaches h to ctx. Called once per dispatch, immediately
// before Registry.Execute, the same way WithRunContext attaches run info.
func WithAgentHandle(ctx context.Context, h AgentHandle) context.Context {
	return context.WithValue(ctx, agentHandleKey{}, h)
}

// GetAgentHandle retrieves the handle attached by WithAgentHandle.
func GetAgentHandle(ctx context.Context) (AgentHandle, bool) {
	h, ok := ctx.Value(agentHandleKey{}).(AgentHandle)
	return h, ok
}
