// Package datasource implements the data-source coordinator: a
// polymorphic set of external feeds (pull- or push-style) that are
// buffered and fed into an owning agent's inbound queue as ordinary
// messages.
//
// The coordinator is adapter-agnostic. Concrete adapters (Discord,
// Bluesky, a CRM webhook) are out of scope for Pattern itself — this
// package mirrors the pull-loop-with-cursor shape used throughout the
// retrieved adapter layers (vanducng-goclaw's channel gateways,
// thrapt-picobot's WhatsApp/Discord polling) but defines only the
// Source interface and the buffering/backpressure policy around it.
package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/router"
)

// Cursor opaquely tracks a source's read position. Sources are free to
// encode whatever they need (an offset, a timestamp, a remote cursor
// token); the coordinator never interprets it, only persists and replays
// it verbatim across pause/resume.
type Cursor string

// Item is one unit of data pulled or pushed from a source, not yet
// delivered to an agent.
type Item struct {
	ID        string
	Body      string
	Cursor    Cursor
	CreatedAt time.Time
}

// Source is implemented by both pull-style and push-style feeds. A
// pull-style source implements Pull and returns ErrSubscribeUnsupported
// from Subscribe (or vice versa); the coordinator tries Subscribe first
// and falls back to polling Pull on an interval.
type Source interface {
	// Name identifies the source for logging and prompt templating.
	Name() string

	// Pull fetches up to limit items newer than from, returning the
	// cursor to resume from on the next call.
	Pull(ctx context.Context, from Cursor, limit int) ([]Item, Cursor, error)

	// Subscribe streams items as they arrive, starting after from. The
	// returned channel is closed when ctx is done or the source's
	// connection ends; callers must drain it to avoid leaking the
	// subscribing goroutine.
	Subscribe(ctx context.Context, from Cursor) (<-chan Item, <-chan Cursor, error)

	// SetFilter narrows what Pull/Subscribe return. An empty filter
	// clears any previously set one. Sources that don't support
	// filtering may ignore it.
	SetFilter(filter string)

	// Metadata reports source-specific descriptive fields (e.g. channel
	// id, handle) for prompt templating and diagnostics.
	Metadata() map[string]string
}

// ErrSubscribeUnsupported is returned by Subscribe on a pull-only
// source; the coordinator treats it as a signal to poll Pull instead.
var ErrSubscribeUnsupported = fmt.Errorf("datasource: source does not support Subscribe")

// PromptTemplate renders a buffered Item into the text of an inbound
// message the coordinator hands to the owning agent's queue.
type PromptTemplate func(sourceName string, item Item) string

// DefaultPromptTemplate prefixes the item body with its source name,
// the simplest role-appropriate framing and the one used when a
// Coordinator is constructed without an explicit template.
func DefaultPromptTemplate(sourceName string, item Item) string {
	return fmt.Sprintf("[%s] %s", sourceName, item.Body)
}

// Sink is where the coordinator delivers rendered prompts — ordinarily a
// RouterSink sending to the owning agent through the router, injected so
// other deliverers (a test recorder, for one) can stand in for it.
type Sink interface {
	Deliver(ctx context.Context, agentID, body string) error
}

// BufferPolicy bounds how many items a paused or slow-draining source
// may accumulate before the oldest are dropped, and how long a buffered
// item may wait before it is dropped as stale.
type BufferPolicy struct {
	// Capacity is the maximum number of buffered items per source. Zero
	// means unbounded (not recommended for push sources).
	Capacity int

	// MaxAge drops buffered items older than this once the coordinator
	// next looks at the source; zero disables age-based eviction.
	MaxAge time.Duration
}

// DefaultBufferPolicy caps a source at 500 buffered items with no age
// eviction, matching the conservative default the polling adapters in
// the retrieved pack use for their in-memory backlog.
func DefaultBufferPolicy() BufferPolicy {
	return BufferPolicy{Capacity: 500}
}

// registration tracks one source's coordinator-owned state.
type registration struct {
	source   Source
	agentID  string
	policy   BufferPolicy
	template PromptTemplate

	mu     sync.Mutex
	cursor Cursor
	buffer []Item
	paused bool
	cancel context.CancelFunc
}

// Coordinator buffers items from a set of registered Sources and feeds
// them into their owning agent's queue, one message per item, in the
// order each source produced them.
type Coordinator struct {
	sink Sink

	mu   sync.Mutex
	regs map[string]*registration // keyed by source name
}

// New constructs a Coordinator delivering through sink.
func New(sink Sink) *Coordinator {
	return &Coordinator{
		sink: sink,
		regs: make(map[string]*registration),
	}
}

// Register attaches source to agentID with policy and template. If
// template is nil, DefaultPromptTemplate is used. The source starts
// unpaused at the zero Cursor; callers resuming after a restart should
// call Resume with the last persisted cursor instead.
func (c *Coordinator) Register(source Source, agentID string, policy BufferPolicy, template PromptTemplate) error {
	if template == nil {
		template = DefaultPromptTemplate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name := source.Name()
	if _, exists := c.regs[name]; exists {
		return fmt.Errorf("datasource: source %q already registered", name)
	}
	c.regs[name] = &registration{
		source:   source,
		agentID:  agentID,
		policy:   policy,
		template: template,
	}
	return nil
}

// Pause stops delivery from name without losing its cursor; buffered
// items already pulled are retained up to the buffer policy.
func (c *Coordinator) Pause(name string) error {
	reg, err := c.lookup(name)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.cancel != nil {
		reg.cancel()
		reg.cancel = nil
	}
	reg.paused = true
	return nil
}

// Resume restarts delivery from name, continuing from its last cursor
// (or from cursor, if non-empty, to recover a cursor persisted outside
// the coordinator's own lifetime).
func (c *Coordinator) Resume(ctx context.Context, name string, cursor Cursor) error {
	reg, err := c.lookup(name)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	if cursor != "" {
		reg.cursor = cursor
	}
	reg.paused = false
	runCtx, cancel := context.WithCancel(ctx)
	reg.cancel = cancel
	reg.mu.Unlock()

	items, nextCursor, subErr := reg.source.Subscribe(runCtx, reg.cursor)
	if subErr == nil {
		go c.consumeSubscription(runCtx, reg, items, nextCursor)
		return nil
	}
	if subErr != ErrSubscribeUnsupported {
		cancel()
		return fmt.Errorf("datasource: subscribe %q: %w", name, subErr)
	}
	go c.pollLoop(runCtx, reg)
	return nil
}

func (c *Coordinator) lookup(name string) (*registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[name]
	if !ok {
		return nil, fmt.Errorf("datasource: unknown source %q", name)
	}
	return reg, nil
}

func (c *Coordinator) consumeSubscription(ctx context.Context, reg *registration, items <-chan Item, cursors <-chan Cursor) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			c.buffer(reg, item)
			c.drain(ctx, reg)
		case cur, ok := <-cursors:
			if !ok {
				continue
			}
			reg.mu.Lock()
			reg.cursor = cur
			reg.mu.Unlock()
		}
	}
}

// pollInterval is the fixed cadence used for pull-style sources that
// don't support Subscribe; it matches the coordinator's single buffering
// policy rather than letting each source define its own.
const pollInterval = 10 * time.Second

func (c *Coordinator) pollLoop(ctx context.Context, reg *registration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.mu.Lock()
			from := reg.cursor
			reg.mu.Unlock()

			items, next, err := reg.source.Pull(ctx, from, reg.policy.Capacity)
			if err != nil {
				continue
			}
			for _, item := range items {
				c.buffer(reg, item)
			}
			reg.mu.Lock()
			reg.cursor = next
			reg.mu.Unlock()
			c.drain(ctx, reg)
		}
	}
}

func (c *Coordinator) buffer(reg *registration, item Item) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.buffer = append(reg.buffer, item)
	if reg.policy.MaxAge > 0 {
		reg.buffer = evictStale(reg.buffer, reg.policy.MaxAge)
	}
	if reg.policy.Capacity > 0 && len(reg.buffer) > reg.policy.Capacity {
		drop := len(reg.buffer) - reg.policy.Capacity
		reg.buffer = reg.buffer[drop:]
	}
}

func evictStale(items []Item, maxAge time.Duration) []Item {
	cutoff := time.Now().Add(-maxAge)
	kept := items[:0]
	for _, it := range items {
		if it.CreatedAt.After(cutoff) {
			kept = append(kept, it)
		}
	}
	return kept
}

// drain delivers every buffered item for reg through the sink, in
// arrival order, clearing the buffer as each delivery succeeds. An item
// whose delivery fails is left at the head of the buffer so the next
// drain retries it, preserving order.
func (c *Coordinator) drain(ctx context.Context, reg *registration) {
	for {
		reg.mu.Lock()
		if reg.paused || len(reg.buffer) == 0 {
			reg.mu.Unlock()
			return
		}
		next := reg.buffer[0]
		reg.mu.Unlock()

		body := reg.template(reg.source.Name(), next)
		if err := c.sink.Deliver(ctx, reg.agentID, body); err != nil {
			return
		}

		reg.mu.Lock()
		if len(reg.buffer) > 0 && reg.buffer[0].ID == next.ID {
			reg.buffer = reg.buffer[1:]
		}
		reg.mu.Unlock()
	}
}

// RouterSink adapts a *router.Router to Sink, so a Coordinator can
// deliver buffered items straight into an agent's ordinary inbound queue
// instead of a bespoke datasource-only channel. Every delivered item is
// attributed to SenderName in the router's call_chain, the same way any
// other external producer would be.
type RouterSink struct {
	Router     *router.Router
	SenderName string
}

// Deliver enqueues body for agentID via r.Router, originating from
// r.SenderName with a fresh call_chain (data-source deliveries never
// participate in agent-to-agent loop detection beyond their own edge).
func (r RouterSink) Deliver(ctx context.Context, agentID, body string) error {
	sender := r.SenderName
	if sender == "" {
		sender = "datasource"
	}
	_, err := r.Router.Send(ctx, sender, agentID, body, nil, time.Now(), uuid.NewString)
	return err
}

// CursorOf reports the last cursor recorded for name, for callers that
// persist cursors outside the coordinator (e.g. alongside the owning
// agent's other durable state) across process restarts.
func (c *Coordinator) CursorOf(name string) (Cursor, error) {
	reg, err := c.lookup(name)
	if err != nil {
		return "", err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.cursor, nil
}
