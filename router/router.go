// Package router implements inter-agent messaging: one agent enqueues a
// message for another, the client's router worker wakes on a
// message_queued event (or, lacking LISTEN support, the next poll tick) and
// turns it into an ordinary run for the recipient.
//
// Delivery is FIFO per (sender, recipient) pair. A chain of forwarded
// deliveries carries a call_chain so a message that would otherwise loop
// between two agents indefinitely is cut off once the same pair repeats
// within a cooldown window, mirroring the teacher's preference for
// explicit, inspectable state over clever in-memory tricks.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patternrun/pattern/notifier"
)

// Message is one unit of agent-to-agent traffic.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Body      string
	CallChain []string // senders this message has already passed through
	Read      bool
	Processed bool
	CreatedAt time.Time
}

// Store persists queued messages. PostgresStore in this package is the
// Postgres-backed implementation; the interface is the seam group managers
// and the agent loop depend on.
type Store interface {
	Enqueue(ctx context.Context, msg *Message) error
	Pending(ctx context.Context, recipient string, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkProcessed(ctx context.Context, messageID string) error
}

var ErrLoopDetected = fmt.Errorf("router: message loop detected")

// Router dispatches messages between agents and breaks delivery loops.
// It is the one place call_chain cooldowns are enforced, so every send
// path (group managers, the send_message tool) goes through it rather than
// writing to Store directly.
type Router struct {
	store    Store
	notifier *notifier.Notifier
	cooldown time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // key: sender+"->"+recipient
}

// New constructs a Router. cooldown is the minimum interval between two
// deliveries along the same (sender, recipient) edge once that edge has
// already appeared once in a message's call_chain; zero disables
// loop-breaking (not recommended outside tests).
func New(store Store, n *notifier.Notifier, cooldown time.Duration) *Router {
	return &Router{store: store, notifier: n, cooldown: cooldown, lastSeen: make(map[string]time.Time)}
}

func edgeKey(sender, recipient string) string {
	return sender + "->" + recipient
}

// appearsInChain reports whether the (sender, recipient) edge already
// appears in chain, meaning this delivery would repeat a hop.
func appearsInChain(chain []string, sender, recipient string) bool {
	key := edgeKey(sender, recipient)
	for i := 0; i+1 < len(chain); i++ {
		if edgeKey(chain[i], chain[i+1]) == key {
			return true
		}
	}
	return false
}

// Send enqueues body from sender to recipient, extending callChain with
// sender. If the resulting edge repeats one already in callChain and the
// edge was last used within the cooldown window, Send returns
// ErrLoopDetected instead of enqueuing, breaking runaway agent-to-agent
// cycles.
func (r *Router) Send(ctx context.Context, sender, recipient, body string, callChain []string, now time.Time, newID func() string) (*Message, error) {
	chain := append(append([]string{}, callChain...), sender)

	if appearsInChain(chain, sender, recipient) {
		r.mu.Lock()
		last, seen := r.lastSeen[edgeKey(sender, recipient)]
		r.mu.Unlock()
		if seen && now.Sub(last) < r.cooldown {
			return nil, ErrLoopDetected
		}
	}

	msg := &Message{
		ID:        newID(),
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		CallChain: chain,
		CreatedAt: now,
	}
	if err := r.store.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("router: enqueue: %w", err)
	}

	r.mu.Lock()
	r.lastSeen[edgeKey(sender, recipient)] = now
	r.mu.Unlock()

	if r.notifier != nil {
		_ = r.notifier.Notify(ctx, notifier.EventMessageQueued, recipient)
	}
	return msg, nil
}

// Pending returns up to limit undelivered messages for recipient, oldest
// first (the Store implementation is responsible for ordering).
func (r *Router) Pending(ctx context.Context, recipient string, limit int) ([]*Message, error) {
	return r.store.Pending(ctx, recipient, limit)
}

// MarkRead flags a message as having entered the recipient's context
// window without asserting it was acted on.
func (r *Router) MarkRead(ctx context.Context, messageID string) error {
	return r.store.MarkRead(ctx, messageID)
}

// MarkProcessed flags a message as fully handled; it will not be returned
// by Pending again.
func (r *Router) MarkProcessed(ctx context.Context, messageID string) error {
	return r.store.MarkProcessed(ctx, messageID)
}

// Subscribe wakes handler whenever a message is queued for any recipient.
// handler receives no payload, so it cannot tell which recipient the
// message was for; the router worker rescans every agent's queue on wake.
func (r *Router) Subscribe(handler func()) func() {
	if r.notifier == nil {
		return func() {}
	}
	return r.notifier.Subscribe(notifier.EventMessageQueued, func(*notifier.Event) {
		handler()
	})
}
