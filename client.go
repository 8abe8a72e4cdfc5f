// Package pattern provides an event-driven framework for building async AI agents
// using PostgreSQL for state management and distribution.
//
// Pattern uses PostgreSQL LISTEN/NOTIFY for real-time events with polling fallback,
// supports multi-level nested agents (agents as tools for other agents), and provides
// a transaction-first API for atomic operations.
//
// Key features:
//   - Per-client registration (no global state)
//   - Claude Batch API integration with automatic polling
//   - Multi-level agent hierarchies (PM → Lead → Worker pattern)
//   - Race-safe distributed workers using SELECT FOR UPDATE SKIP LOCKED
//   - Transaction-first architecture (RunTx accepts user transactions)
//
// Example usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	drv := pgxv5.New(pool)
//
//	client, _ := pattern.NewClient(drv, &pattern.ClientConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    Name:   "my-worker",
//	})
//
//	// Register agents on this client instance (no global state)
//	client.RegisterAgent(&pattern.AgentRecord{
//	    Name:         "assistant",
//	    Model:        "claude-sonnet-4-5-20250929",
//	    SystemPrompt: "You are a helpful assistant.",
//	})
//
//	client.RegisterTool(&MyTool{})
//
//	client.Start(ctx)
//	defer client.Stop(context.Background())
//
//	sessionID, _ := client.NewSession(ctx, "tenant-1", "user-1", nil, nil)
//	runID, _ := client.Run(ctx, sessionID, "assistant", "Hello!")
//	response, _ := client.WaitForRun(ctx, runID)
package pattern

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/patternrun/pattern/compaction"
	"github.com/patternrun/pattern/datasource"
	"github.com/patternrun/pattern/driver"
	"github.com/patternrun/pattern/group"
	"github.com/patternrun/pattern/hooks"
	"github.com/patternrun/pattern/leadership"
	"github.com/patternrun/pattern/maintenance"
	"github.com/patternrun/pattern/memory"
	"github.com/patternrun/pattern/modelprovider"
	"github.com/patternrun/pattern/promptbuild"
	"github.com/patternrun/pattern/router"
	"github.com/patternrun/pattern/rules"
	"github.com/patternrun/pattern/tool"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the Pattern client.
type ClientConfig struct {
	// APIKey is the Anthropic API key (required).
	// If not set, falls back to ANTHROPIC_API_KEY environment variable.
	APIKey string

	// Name is the name of this service instance (optional).
	// Used for instance identification in the database.
	// Defaults to hostname-based name.
	Name string

	// ID is the unique identifier for this client instance (optional).
	// If not set, a UUID will be generated.
	// Must be unique across all running instances.
	ID string

	// MaxConcurrentRuns is the maximum number of runs this instance will process
	// concurrently. Defaults to 10.
	MaxConcurrentRuns int

	// MaxConcurrentTools is the maximum number of tool executions this instance
	// will process concurrently. Defaults to 50.
	MaxConcurrentTools int

	// MaxConcurrentStreamingRuns is the maximum number of streaming-mode runs
	// this instance will process concurrently. Defaults to 10.
	MaxConcurrentStreamingRuns int

	// ToolMaxAttempts is how many attempts each tool execution gets before
	// failing permanently. Defaults to 2 (one retry).
	ToolMaxAttempts int

	// ToolRetryConfig controls the backoff curve between tool attempts.
	// Nil uses DefaultToolRetryConfig().
	ToolRetryConfig *ToolRetryConfig

	// RunRescueConfig controls how stuck runs are reclaimed.
	// Nil uses DefaultRunRescueConfig().
	RunRescueConfig *RunRescueConfig

	// AutoCompactionEnabled turns on automatic context compaction after a
	// run completes, when the session exceeds the compaction trigger.
	AutoCompactionEnabled bool

	// Compaction configures the compactor. Nil uses compaction.DefaultConfig().
	Compaction *compaction.Config

	// Hooks is an optional observability registry; its Trigger* callbacks
	// fire around model calls, tool executions, and compactions. Nil means
	// an empty registry (no observers).
	Hooks *hooks.Registry

	// BatchPollInterval is how often to poll Claude Batch API for status updates.
	// Defaults to 30 seconds.
	BatchPollInterval time.Duration

	// RunPollInterval is how often to poll for new runs when LISTEN/NOTIFY
	// is unavailable. Defaults to 1 second.
	RunPollInterval time.Duration

	// ToolPollInterval is how often to poll for pending tool executions.
	// Defaults to 500 milliseconds.
	ToolPollInterval time.Duration

	// HeartbeatInterval is how often this instance sends heartbeats.
	// Defaults to 15 seconds.
	HeartbeatInterval time.Duration

	// LeaderTTL is how long a leader election lease lasts.
	// Defaults to 30 seconds.
	LeaderTTL time.Duration

	// StuckRunTimeout is how long a run can be claimed before it's considered stuck.
	// Defaults to 5 minutes.
	StuckRunTimeout time.Duration

	// Logger is an optional logger. If nil, logs are discarded.
	Logger Logger
}

// Logger interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards everything; it's the log() fallback when a Client is
// constructed with no ClientConfig.Logger so every worker can call
// c.log().Error(...) unconditionally instead of nil-checking at every call
// site.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// log returns the configured Logger, or a no-op logger if none was set.
func (c *Client[TTx]) log() Logger {
	if c.config.Logger != nil {
		return c.config.Logger
	}
	return noopLogger{}
}

// setDefaults applies default values to the config.
func (c *ClientConfig) setDefaults() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Name == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "pattern"
		}
		c.Name = hostname
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 10
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = 50
	}
	if c.MaxConcurrentStreamingRuns <= 0 {
		c.MaxConcurrentStreamingRuns = 10
	}
	if c.ToolMaxAttempts <= 0 {
		c.ToolMaxAttempts = 2
	}
	if c.ToolRetryConfig == nil {
		c.ToolRetryConfig = DefaultToolRetryConfig()
	}
	if c.RunRescueConfig == nil {
		c.RunRescueConfig = DefaultRunRescueConfig()
	}
	if c.Hooks == nil {
		c.Hooks = hooks.NewRegistry()
	}
	if c.BatchPollInterval <= 0 {
		c.BatchPollInterval = 30 * time.Second
	}
	if c.RunPollInterval <= 0 {
		c.RunPollInterval = 1 * time.Second
	}
	if c.ToolPollInterval <= 0 {
		c.ToolPollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = 30 * time.Second
	}
	if c.StuckRunTimeout <= 0 {
		c.StuckRunTimeout = 5 * time.Minute
	}
}

// validate validates the configuration.
func (c *ClientConfig) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: API key is required (set APIKey or ANTHROPIC_API_KEY)", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// AGENT DEFINITION
// =============================================================================

// AgentRecord defines an agent's configuration.
// Register agents with Client.RegisterAgent().
type AgentRecord struct {
	// Name is the unique identifier for this agent (required).
	Name string

	// Description is a human-readable description of this agent.
	// Used when this agent is registered as a tool for another agent.
	Description string

	// Model is the Claude model to use (required).
	// Examples: "claude-sonnet-4-5-20250929", "claude-opus-4-5-20251101"
	Model string

	// SystemPrompt is the system prompt for this agent.
	SystemPrompt string

	// Tools is the list of tool names this agent can use.
	// Only tools listed here will be available to the agent.
	// Must reference tools registered via client.RegisterTool().
	Tools []string

	// Agents is the list of agent names this agent can delegate to.
	// Listed agents become available as tools to this agent.
	// Enables multi-level agent hierarchies (PM → Lead → Worker pattern).
	//
	// Example:
	//   // Engineering Lead can delegate to specialists
	//   Agents: []string{"frontend-developer", "backend-developer"}
	Agents []string

	// MaxTokens is the maximum tokens to generate per response.
	// If nil, uses model default.
	MaxTokens *int

	// Temperature controls randomness (0.0 to 1.0).
	// If nil, uses model default.
	Temperature *float64

	// TopK limits token selection to top K options.
	// If nil, uses model default.
	TopK *int

	// TopP (nucleus sampling) limits cumulative probability.
	// If nil, uses model default.
	TopP *float64

	// Config holds additional configuration as JSON.
	// Examples: auto_compaction, compaction_trigger, extended_context
	Config map[string]any

	// CompressionStrategy selects the promptbuild.Strategy used to keep this
	// agent's context within budget. Defaults to promptbuild.StrategyTruncate.
	CompressionStrategy promptbuild.Strategy

	// MaxContextTokens bounds how much of the conversation promptbuild.Builder
	// will include before compressing. Zero means use the builder's default.
	MaxContextTokens int

	// Rules constrains which tools this agent may call and when it must
	// stop, evaluated by rules.Engine against the running batch's call
	// history. Nil means no constraints beyond the tool allowlist above.
	Rules []rules.Rule

	// RunMode selects which worker claims this agent's runs: RunModeStreaming
	// (the default, real-time token-by-token) or RunModeBatch (Claude Batch
	// API, cheaper but polled on BatchPollInterval). Empty defaults to
	// RunModeStreaming.
	RunMode RunMode
}

// runMode returns d.RunMode, defaulting to RunModeStreaming.
func (d *AgentRecord) runMode() RunMode {
	if d.RunMode == "" {
		return RunModeStreaming
	}
	return d.RunMode
}

// validate validates the agent definition.
func (d *AgentRecord) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidConfig)
	}
	if d.Model == "" {
		return fmt.Errorf("%w: agent model is required", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the main entry point for Pattern.
// It manages agents, tools, sessions, and runs with per-client registration.
//
// Client is safe for concurrent use.
type Client[TTx any] struct {
	mu sync.RWMutex

	// Configuration
	config *ClientConfig
	driver driver.Driver[TTx]

	// anthropic is the shared model client every worker calls through; the
	// streaming path goes through provider, the Batch API path uses the
	// client directly (the provider contract has no batch surface).
	anthropic anthropic.Client
	provider  modelprovider.Provider

	// compactor performs context compaction for sessions; built in Start()
	// from config.Compaction.
	compactor *compaction.Compactor[TTx]

	// Registry (per-client, no global state)
	agents map[string]*AgentRecord
	tools  map[string]tool.Tool
	groups map[string]*group.Group

	// Cross-cutting collaborators, wired in by WithMemory/WithRouter or left
	// nil when a deployment doesn't use them. Each is addressed through an
	// interface rather than PostgresStore directly so a database/sql-backed
	// client isn't forced onto the pgx-specific implementations.
	memory      *memory.Manager
	router      *router.Router
	dataSources *datasource.Coordinator

	// rulesEngines holds one rules.Engine per agent, built lazily on first
	// use from its Rules (an empty engine when it has none), since rules.New
	// needs no external state.
	rulesEngines map[string]*rules.Engine

	// Background workers, constructed once in Start() and kept so other
	// workers can nudge each other's trigger channel instead of waiting out
	// a full poll interval (e.g. the tool worker wakes the run worker the
	// instant every pending tool call for a run completes).
	runWorker       *runWorker[TTx]
	streamingWorker *streamingWorker[TTx]
	toolWorker      *toolWorker[TTx]
	routerWorker    *routerWorker[TTx]

	// Cluster-singleton services: leader election, instance heartbeat, and
	// leader-only stale-instance cleanup.
	elector   *leadership.Elector
	heartbeat *maintenance.Heartbeat
	cleanup   *maintenance.Cleanup

	// Runtime state
	started    bool
	instanceID string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewClient creates a new Pattern client.
//
// The driver parameter determines the database backend (pgxv5 or database/sql).
// Configuration is optional; defaults are applied for omitted values.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	drv := pgxv5.New(pool)
//	client, err := pattern.NewClient(drv, nil) // uses defaults
func NewClient[TTx any](drv driver.Driver[TTx], cfg *ClientConfig) (*Client[TTx], error) {
	if drv == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrInvalidConfig)
	}

	if cfg == nil {
		cfg = &ClientConfig{}
	}
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client[TTx]{
		config:       cfg,
		driver:       drv,
		anthropic:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		agents:       make(map[string]*AgentRecord),
		tools:        make(map[string]tool.Tool),
		groups:       make(map[string]*group.Group),
		rulesEngines: make(map[string]*rules.Engine),
		instanceID:   cfg.ID,
	}
	c.provider = modelprovider.NewAnthropicProvider(&c.anthropic)
	return c, nil
}

// WithMemory attaches a memory.Manager so agents on this client can read,
// append to, and share working/archival memory blocks. Optional; a client
// with no memory manager simply runs agents without block-structured
// memory in their system prompt.
func (c *Client[TTx]) WithMemory(m *memory.Manager) *Client[TTx] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = m
	return c
}

// WithRouter attaches a router.Router so agents on this client can send
// and receive inter-agent messages. Optional for single-agent deployments.
func (c *Client[TTx]) WithRouter(r *router.Router) *Client[TTx] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router = r
	return c
}

// WithDataSources attaches a datasource.Coordinator so registered pull-
// or push-style sources can feed their owning agents' inbound queues.
// Optional; most deployments that only react to user and agent-to-agent
// messages never call this.
func (c *Client[TTx]) WithDataSources(d *datasource.Coordinator) *Client[TTx] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSources = d
	return c
}

// DataSources returns the coordinator attached via WithDataSources, or
// nil if none was attached.
func (c *Client[TTx]) DataSources() *datasource.Coordinator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dataSources
}

// RegisterGroup registers a coordination group over already-registered
// agents under the given name. Must be called before Start(), mirroring
// RegisterAgent.
func (c *Client[TTx]) RegisterGroup(name string, g *group.Group) error {
	if name == "" || g == nil {
		return fmt.Errorf("%w: group name and group are required", ErrInvalidConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("%w: cannot register groups after Start()", ErrClientAlreadyStarted)
	}
	if _, exists := c.groups[name]; exists {
		return fmt.Errorf("%w: group %q already registered", ErrInvalidConfig, name)
	}
	for _, m := range g.Members {
		if _, ok := c.agents[m.AgentID]; !ok {
			return fmt.Errorf("%w: group %q references unregistered agent %q", ErrAgentNotFound, name, m.AgentID)
		}
	}

	c.groups[name] = g
	return nil
}

// rulesEngineFor returns the rules.Engine for agentName, building one from
// its AgentRecord.Rules on first use.
func (c *Client[TTx]) rulesEngineFor(agentName string) *rules.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()

	if eng, ok := c.rulesEngines[agentName]; ok {
		return eng
	}
	def := c.agents[agentName]
	var rs []rules.Rule
	if def != nil {
		rs = def.Rules
	}
	eng := rules.New(rs)
	c.rulesEngines[agentName] = eng
	return eng
}

// =============================================================================
// REGISTRATION METHODS
// =============================================================================

// RegisterAgent registers an agent definition with this client.
// Must be called before Start().
//
// Returns an error if the agent name is already registered or if the
// definition is invalid.
func (c *Client[TTx]) RegisterAgent(def *AgentRecord) error {
	if def == nil {
		return fmt.Errorf("%w: agent definition is required", ErrInvalidConfig)
	}
	if err := def.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("%w: cannot register agents after Start()", ErrClientAlreadyStarted)
	}

	if _, exists := c.agents[def.Name]; exists {
		return fmt.Errorf("%w: agent %q already registered", ErrInvalidConfig, def.Name)
	}

	c.agents[def.Name] = def
	return nil
}

// RegisterTool registers a tool with this client.
// Must be called before Start().
//
// Tools are available to all agents that include the tool name in their
// tool_names configuration.
func (c *Client[TTx]) RegisterTool(t tool.Tool) error {
	if t == nil {
		return fmt.Errorf("%w: tool is required", ErrInvalidConfig)
	}

	// Validate tool schema
	schema := t.InputSchema()
	if schema.Type != "object" {
		return fmt.Errorf("%w: tool %q schema type must be 'object'", ErrInvalidToolSchema, t.Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("%w: cannot register tools after Start()", ErrClientAlreadyStarted)
	}

	if _, exists := c.tools[t.Name()]; exists {
		return fmt.Errorf("%w: tool %q already registered", ErrInvalidConfig, t.Name())
	}

	c.tools[t.Name()] = t
	return nil
}

// validateAgentReferences validates that all tools and agents referenced
// by agent definitions are registered. Called during Start().
func (c *Client[TTx]) validateAgentReferences() error {
	for agentName, def := range c.agents {
		// Validate tool references
		for _, toolName := range def.Tools {
			if _, exists := c.tools[toolName]; !exists {
				return fmt.Errorf("%w: agent %q references unregistered tool %q",
					ErrToolNotFound, agentName, toolName)
			}
		}

		// Validate agent references (delegate agents)
		for _, delegateName := range def.Agents {
			if _, exists := c.agents[delegateName]; !exists {
				return fmt.Errorf("%w: agent %q references unregistered agent %q",
					ErrAgentNotFound, agentName, delegateName)
			}
			// Prevent self-reference
			if delegateName == agentName {
				return fmt.Errorf("%w: agent %q cannot delegate to itself",
					ErrInvalidConfig, agentName)
			}
		}
	}
	return nil
}

// =============================================================================
// LIFECYCLE METHODS
// =============================================================================

// Start starts the client's background workers.
// This registers the instance in the database and begins processing runs.
//
// Start must be called before Run(), RunTx(), WaitForRun(), or other
// operational methods.
func (c *Client[TTx]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrClientAlreadyStarted
	}

	// Validate all agent references (tools and delegate agents)
	if err := c.validateAgentReferences(); err != nil {
		return err
	}

	store := c.driver.Store()

	hostname, _ := os.Hostname()
	if err := store.RegisterInstance(ctx, driver.RegisterInstanceParams{
		ID:                 c.instanceID,
		Name:               c.config.Name,
		Hostname:           hostname,
		PID:                os.Getpid(),
		MaxConcurrentRuns:  c.config.MaxConcurrentRuns,
		MaxConcurrentTools: c.config.MaxConcurrentTools,
	}); err != nil {
		return fmt.Errorf("%w: registering instance: %v", ErrStorageError, err)
	}

	for name, def := range c.agents {
		if err := store.UpsertAgent(ctx, &driver.AgentRecord{
			Name:         name,
			Description:  def.Description,
			Model:        def.Model,
			SystemPrompt: def.SystemPrompt,
			ToolNames:    def.Tools,
			MaxTokens:    def.MaxTokens,
			Temperature:  def.Temperature,
			TopK:         def.TopK,
			TopP:         def.TopP,
			Config:       def.Config,
		}); err != nil {
			return fmt.Errorf("%w: upserting agent %q: %v", ErrStorageError, name, err)
		}
		if err := store.RegisterInstanceAgent(ctx, c.instanceID, name); err != nil {
			return fmt.Errorf("%w: registering instance agent %q: %v", ErrStorageError, name, err)
		}
	}
	for name, t := range c.tools {
		if err := store.UpsertTool(ctx, &driver.ToolDefinition{
			Name:        name,
			Description: t.Description(),
		}); err != nil {
			return fmt.Errorf("%w: upserting tool %q: %v", ErrStorageError, name, err)
		}
		if err := store.RegisterInstanceTool(ctx, c.instanceID, name); err != nil {
			return fmt.Errorf("%w: registering instance tool %q: %v", ErrStorageError, name, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// The compactor shares the client's store and model client; built here
	// so config defaults are resolved exactly once.
	c.compactor = compaction.New(store, &c.anthropic, c.config.Compaction, c.config.Logger)

	// Cluster-singleton services. Every instance heartbeats; the elector
	// races for the lease; the cleanup loop runs only while this instance
	// holds it.
	c.heartbeat = maintenance.NewHeartbeat(store, c.instanceID, &maintenance.HeartbeatConfig{
		Interval: c.config.HeartbeatInterval,
		OnError: func(err error) {
			c.log().Warn("heartbeat failed", "instance_id", c.instanceID, "error", err)
		},
	})
	c.cleanup = maintenance.NewCleanup(store, &maintenance.CleanupConfig{
		OnStaleInstanceCleanup: func(count int) {
			c.log().Info("reaped stale instances", "count", count)
		},
		OnError: func(err error) {
			c.log().Warn("cleanup failed", "error", err)
		},
	})
	c.elector = leadership.NewElector(store, c.instanceID, &leadership.Config{
		LeaderTTL: c.config.LeaderTTL,
	}, leadership.Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			c.log().Info("became leader", "instance_id", c.instanceID)
			_ = c.cleanup.Start(ctx)
		},
		OnLostLeadership: func(ctx context.Context) {
			c.log().Info("lost leadership", "instance_id", c.instanceID)
			_ = c.cleanup.Stop(ctx)
		},
	})

	if err := c.heartbeat.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("%w: starting heartbeat: %v", ErrStorageError, err)
	}
	if err := c.elector.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("%w: starting elector: %v", ErrStorageError, err)
	}

	// Each worker is an independent cooperative loop over this instance's
	// slice of claimed work (spec.md §5: "a single process hosts many
	// agents... across agents the runtime is fully parallel"). The run
	// worker and streaming worker claim pending runs by run_mode; the
	// batch poller advances runs already submitted to the Batch API; the
	// tool worker drains pending tool_use calls; the rescuer reclaims
	// runs whose claiming instance died mid-iteration; the router worker
	// turns queued inter-agent messages into runs; the sleeptime worker
	// ticks idle sleeptime groups on the leader.
	c.runWorker = newRunWorker(c)
	c.streamingWorker = newStreamingWorker(c)
	c.toolWorker = newToolWorker(c)
	batch := newBatchPoller(c)
	reclaim := newRescuer(c)
	sleeper := newSleeptimeWorker(c)

	loops := []func(context.Context){
		c.runWorker.run,
		c.streamingWorker.run,
		c.toolWorker.run,
		batch.run,
		reclaim.run,
		sleeper.run,
	}
	if c.router != nil {
		c.routerWorker = newRouterWorker(c)
		loops = append(loops, c.routerWorker.run)
	}

	for _, loop := range loops {
		c.wg.Add(1)
		go func(run func(context.Context)) {
			defer c.wg.Done()
			run(runCtx)
		}(loop)
	}

	c.started = true

	if c.config.Logger != nil {
		c.config.Logger.Info("client started",
			"instance_id", c.instanceID,
			"name", c.config.Name,
			"agents", len(c.agents),
			"tools", len(c.tools),
		)
	}

	return nil
}

// Stop gracefully shuts down the client.
// It waits for in-progress work to complete before returning.
//
// The context can be used to set a deadline for shutdown.
func (c *Client[TTx]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrClientNotStarted
	}
	c.started = false
	cancel := c.cancel
	elector, heartbeat, cleanup := c.elector, c.heartbeat, c.cleanup
	c.mu.Unlock()

	// Resign leadership first so another instance can take over the
	// singleton duties while this one drains.
	if elector != nil {
		_ = elector.Stop(ctx)
	}
	if cleanup != nil && cleanup.IsRunning() {
		_ = cleanup.Stop(ctx)
	}
	if heartbeat != nil {
		_ = heartbeat.Stop(ctx)
	}

	cancel()

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Clean shutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.driver.Store().UnregisterInstance(ctx, c.instanceID); err != nil && c.config.Logger != nil {
		c.config.Logger.Warn("failed to deregister instance", "instance_id", c.instanceID, "error", err)
	}

	if c.config.Logger != nil {
		c.config.Logger.Info("client stopped", "instance_id", c.instanceID)
	}

	return nil
}

// InstanceID returns the unique identifier for this client instance.
func (c *Client[TTx]) InstanceID() string {
	return c.instanceID
}

// =============================================================================
// ACCESSORS
// =============================================================================

// GetAgent returns the registered agent definition, or nil.
func (c *Client[TTx]) GetAgent(name string) *AgentRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[name]
}

// GetTool returns the registered tool, or nil.
func (c *Client[TTx]) GetTool(name string) tool.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name]
}

// GetGroup returns the registered group, or nil.
func (c *Client[TTx]) GetGroup(name string) *group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[name]
}

// Groups returns a snapshot of the registered groups by name.
func (c *Client[TTx]) Groups() map[string]*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*group.Group, len(c.groups))
	for name, g := range c.groups {
		out[name] = g
	}
	return out
}

// AgentNames returns the names of all registered agents.
func (c *Client[TTx]) AgentNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	return names
}

// Memory returns the attached memory manager, or nil.
func (c *Client[TTx]) Memory() *memory.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memory
}

// RouterHandle returns the attached inter-agent router, or nil.
func (c *Client[TTx]) RouterHandle() *router.Router {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router
}

// Hooks returns the observability registry. Never nil after NewClient.
func (c *Client[TTx]) Hooks() *hooks.Registry {
	return c.config.Hooks
}

// getCompactor returns the session compactor, or nil before Start().
func (c *Client[TTx]) getCompactor() *compaction.Compactor[TTx] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compactor
}

// toolMaxAttempts resolves the per-execution attempt budget.
func (c *Client[TTx]) toolMaxAttempts() int {
	if c.config.ToolMaxAttempts > 0 {
		return c.config.ToolMaxAttempts
	}
	return 2
}

// isLeader reports whether this instance currently holds the cluster lease.
func (c *Client[TTx]) isLeader() bool {
	c.mu.RLock()
	e := c.elector
	c.mu.RUnlock()
	return e != nil && e.IsLeader()
}

// =============================================================================
// GROUP DISPATCH
// =============================================================================

// groupDispatcher adapts this client into a group.Dispatcher: each member
// dispatch is a full synchronous run in the member's own inbox session.
func (c *Client[TTx]) groupDispatcher(ctx context.Context) group.Dispatcher {
	return group.DispatcherFunc(func(ctx context.Context, agentID, task string) (string, error) {
		sessionID, err := c.agentSession(ctx, agentID)
		if err != nil {
			return "", err
		}
		resp, err := c.RunSync(ctx, sessionID, agentID, task)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})
}

// DispatchGroup routes one inbound task through a registered group's
// coordination pattern and returns the structured result (stage outputs,
// vote tallies, warnings).
func (c *Client[TTx]) DispatchGroup(ctx context.Context, groupName, task string) (*group.GroupResponse, error) {
	c.mu.RLock()
	started := c.started
	g := c.groups[groupName]
	c.mu.RUnlock()
	if !started {
		return nil, ErrClientNotStarted
	}
	if g == nil {
		return nil, fmt.Errorf("%w: group %q", ErrAgentNotFound, groupName)
	}
	return g.DispatchDetailed(ctx, c.groupDispatcher(ctx), task, time.Now())
}

// =============================================================================
// SESSION METHODS
// =============================================================================

// NewSession creates a new conversation session.
//
// Parameters:
//   - tenantID: Multi-tenant isolation key (required for queries)
//   - identifier: User-provided identifier (unique within tenant)
//   - parentSessionID: Optional parent session for nested agents
//   - metadata: Optional arbitrary metadata
//
// Returns the session UUID.
func (c *Client[TTx]) NewSession(
	ctx context.Context,
	tenantID string,
	identifier string,
	parentSessionID *uuid.UUID,
	metadata map[string]any,
) (uuid.UUID, error) {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return uuid.Nil, ErrClientNotStarted
	}
	c.mu.RUnlock()

	sess, err := c.driver.Store().CreateSession(ctx, driver.CreateSessionParams{
		TenantID:        tenantID,
		Identifier:      identifier,
		ParentSessionID: parentSessionID,
		Metadata:        metadata,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: creating session: %v", ErrStorageError, err)
	}
	return sess.ID, nil
}

// NewSessionTx creates a new session within an existing transaction.
// This allows atomic session creation as part of a larger operation.
func (c *Client[TTx]) NewSessionTx(
	ctx context.Context,
	tx TTx,
	tenantID string,
	identifier string,
	parentSessionID *uuid.UUID,
	metadata map[string]any,
) (uuid.UUID, error) {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return uuid.Nil, ErrClientNotStarted
	}
	c.mu.RUnlock()

	sess, err := c.driver.Store().CreateSessionTx(ctx, tx, driver.CreateSessionParams{
		TenantID:        tenantID,
		Identifier:      identifier,
		ParentSessionID: parentSessionID,
		Metadata:        metadata,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: creating session: %v", ErrStorageError, err)
	}
	return sess.ID, nil
}

// =============================================================================
// RUN METHODS
// =============================================================================

// Run submits a new agent run for async processing.
//
// The run is created in 'pending' state and will be picked up by a worker
// (potentially on a different instance). Use WaitForRun() to wait for completion,
// or RunSync() for synchronous execution.
//
// Parameters:
//   - sessionID: The session to run within
//   - agentName: The agent to execute
//   - prompt: The user prompt
//
// Returns the run UUID.
func (c *Client[TTx]) Run(
	ctx context.Context,
	sessionID uuid.UUID,
	agentName string,
	prompt string,
) (uuid.UUID, error) {
	c.mu.RLock()
	started := c.started
	def, ok := c.agents[agentName]
	c.mu.RUnlock()
	if !started {
		return uuid.Nil, ErrClientNotStarted
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agentName)
	}

	run, err := c.driver.Store().CreateRun(ctx, driver.CreateRunParams{
		SessionID:           sessionID,
		AgentName:           agentName,
		Prompt:              prompt,
		RunMode:             string(def.runMode()),
		CreatedByInstanceID: c.instanceID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: creating run: %v", ErrStorageError, err)
	}

	c.triggerWorkerFor(def.runMode())

	return run.ID, nil
}

// triggerWorkerFor wakes the worker that owns runMode instead of leaving it
// to find the new run on its next poll tick.
func (c *Client[TTx]) triggerWorkerFor(mode RunMode) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch mode {
	case RunModeBatch:
		if c.runWorker != nil {
			c.runWorker.trigger()
		}
	default:
		if c.streamingWorker != nil {
			c.streamingWorker.trigger()
		}
	}
}

// RunTx submits a new agent run within an existing transaction.
//
// This is the transaction-first API: the run is created atomically with
// whatever other operations are in the transaction. The run won't be
// visible to workers until the transaction commits.
//
// IMPORTANT: Do not use WaitForRun() inside the same transaction as it
// will deadlock (the run won't be visible until commit).
func (c *Client[TTx]) RunTx(
	ctx context.Context,
	tx TTx,
	sessionID uuid.UUID,
	agentName string,
	prompt string,
) (uuid.UUID, error) {
	c.mu.RLock()
	started := c.started
	def, ok := c.agents[agentName]
	c.mu.RUnlock()
	if !started {
		return uuid.Nil, ErrClientNotStarted
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agentName)
	}

	run, err := c.driver.Store().CreateRunTx(ctx, tx, driver.CreateRunParams{
		SessionID:           sessionID,
		AgentName:           agentName,
		Prompt:              prompt,
		RunMode:             string(def.runMode()),
		CreatedByInstanceID: c.instanceID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: creating run: %v", ErrStorageError, err)
	}

	// No trigger here: per doc comment, the run isn't visible to any worker
	// until the caller's transaction commits.
	return run.ID, nil
}

// WaitForRun waits for a run to reach a terminal state (completed, failed, cancelled).
//
// Returns the final response when the run completes successfully.
// Returns an error if the run fails or is cancelled.
//
// The context can be used to set a timeout for waiting.
func (c *Client[TTx]) WaitForRun(ctx context.Context, runID uuid.UUID) (*Response, error) {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return nil, ErrClientNotStarted
	}
	c.mu.RUnlock()

	interval := c.config.RunPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.driver.Store().GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("%w: polling run: %v", ErrStorageError, err)
		}
		if run == nil {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}

		switch RunState(run.State) {
		case RunStateCompleted:
			return &Response{
				Text:       Deref(run.ResponseText),
				StopReason: Deref(run.StopReason),
				Usage: Usage{
					InputTokens:              run.InputTokens,
					OutputTokens:             run.OutputTokens,
					CacheCreationInputTokens: run.CacheCreationInputTokens,
					CacheReadInputTokens:     run.CacheReadInputTokens,
				},
				IterationCount: run.IterationCount,
				ToolIterations: run.ToolIterations,
			}, nil
		case RunStateFailed:
			kind := ErrorKindResource
			if Deref(run.ErrorType) == "tool" || Deref(run.ErrorType) == "internal" {
				kind = ErrorKindProgrammer
			}
			perr := NewPatternError(kind, "run",
				fmt.Errorf("%s: %s", Deref(run.ErrorType), Deref(run.ErrorMessage)))
			return nil, perr.WithSession(run.SessionID.String())
		case RunStateCancelled:
			return nil, fmt.Errorf("run cancelled")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunSync is a convenience wrapper that calls Run() followed by WaitForRun().
//
// This provides a synchronous interface for simple use cases.
// For more control, use Run() and WaitForRun() separately.
//
// NOTE: There is intentionally no RunSyncTx - calling RunTx followed by
// WaitForRun in the same transaction would deadlock.
func (c *Client[TTx]) RunSync(
	ctx context.Context,
	sessionID uuid.UUID,
	agentName string,
	prompt string,
) (*Response, error) {
	runID, err := c.Run(ctx, sessionID, agentName, prompt)
	if err != nil {
		return nil, err
	}
	return c.WaitForRun(ctx, runID)
}

// =============================================================================
// QUERY METHODS
// =============================================================================

// GetRun retrieves the current state of a run.
func (c *Client[TTx]) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return nil, ErrClientNotStarted
	}
	c.mu.RUnlock()

	run, err := c.driver.Store().GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return runFromDriver(run), nil
}

// GetSession retrieves a session by ID.
func (c *Client[TTx]) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return nil, ErrClientNotStarted
	}
	c.mu.RUnlock()

	sess, err := c.driver.Store().GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return &Session{
		ID:              sess.ID,
		TenantID:        sess.TenantID,
		Identifier:      sess.Identifier,
		ParentSessionID: sess.ParentSessionID,
		Depth:           sess.Depth,
		Metadata:        sess.Metadata,
		CompactionCount: sess.CompactionCount,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}, nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// Response represents the result of a completed run.
type Response struct {
	// Text is the final text response from the agent.
	Text string

	// StopReason indicates why the run stopped.
	// Values: "end_turn", "max_tokens", "tool_use"
	StopReason string

	// Usage contains token usage statistics.
	Usage Usage

	// Message is the full message with all content blocks.
	Message *Message

	// IterationCount is how many batch API calls were made.
	IterationCount int

	// ToolIterations is how many iterations involved tool use.
	ToolIterations int
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Run represents an agent run.
type Run struct {
	ID                    uuid.UUID
	SessionID             uuid.UUID
	AgentName             string
	RunMode               RunMode
	State                 RunState
	ParentRunID           *uuid.UUID
	ParentToolExecutionID *uuid.UUID
	Depth                 int
	Prompt                string
	ResponseText          string
	StopReason            string
	CurrentIteration      int
	IterationCount        int
	ToolIterations        int
	InputTokens           int
	OutputTokens          int
	CacheCreationTokens   int
	CacheReadTokens       int
	ErrorMessage          string
	ErrorType             string
	CreatedByInstanceID   string
	ClaimedByInstanceID   string
	ClaimedAt             *time.Time
	RescueAttempts        int
	LastRescueAt          *time.Time
	Metadata              map[string]any
	CreatedAt             time.Time
	StartedAt             *time.Time
	FinalizedAt           *time.Time
}

// runFromDriver converts a driver.Run row into the client-facing Run type.
func runFromDriver(r *driver.Run) *Run {
	return &Run{
		ID:                    r.ID,
		SessionID:             r.SessionID,
		AgentName:             r.AgentName,
		RunMode:               RunMode(r.RunMode),
		State:                 RunState(r.State),
		ParentRunID:           r.ParentRunID,
		ParentToolExecutionID: r.ParentToolExecutionID,
		Depth:                 r.Depth,
		Prompt:                r.Prompt,
		ResponseText:          Deref(r.ResponseText),
		StopReason:            Deref(r.StopReason),
		CurrentIteration:      r.CurrentIteration,
		IterationCount:        r.IterationCount,
		ToolIterations:        r.ToolIterations,
		InputTokens:           r.InputTokens,
		OutputTokens:          r.OutputTokens,
		CacheCreationTokens:   r.CacheCreationInputTokens,
		CacheReadTokens:       r.CacheReadInputTokens,
		ErrorMessage:          Deref(r.ErrorMessage),
		ErrorType:             Deref(r.ErrorType),
		CreatedByInstanceID:   Deref(r.CreatedByInstanceID),
		ClaimedByInstanceID:   Deref(r.ClaimedByInstanceID),
		ClaimedAt:             r.ClaimedAt,
		RescueAttempts:        r.RescueAttempts,
		LastRescueAt:          r.LastRescueAt,
		Metadata:              r.Metadata,
		CreatedAt:             r.CreatedAt,
		StartedAt:             r.StartedAt,
		FinalizedAt:           r.FinalizedAt,
	}
}

// Session represents a conversation session.
type Session struct {
	ID              uuid.UUID
	TenantID        string
	Identifier      string
	ParentSessionID *uuid.UUID
	Depth           int
	Metadata        map[string]any
	CompactionCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message represents a conversation message.
type Message struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	RunID       *uuid.UUID
	Role        MessageRole
	Content     []ContentBlock
	Usage       map[string]any
	IsPreserved bool
	IsSummary   bool
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentBlock represents a block of content within a message.
type ContentBlock struct {
	Type               string
	Text               string
	ToolUseID          string
	ToolName           string
	ToolInput          map[string]any
	ToolResultForUseID string
	ToolContent        string
	IsError            bool
	Source             map[string]any
	SearchResults      []map[string]any
	Metadata           map[string]any
}
