package pattern

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patternrun/pattern/driver"
)

// routerWorker drains the inter-agent queue for every agent registered on
// this client: each pending queued message becomes an ordinary run for its
// recipient, carrying the message's call_chain in the run metadata so
// downstream send_message calls keep the loop-breaker informed.
//
// A queued message is marked read just before its run is created and marked
// processed when that run completes successfully (finishQueuedMessage, from
// the streaming_worker/batch_poller completion paths). A message already
// marked read is never re-claimed, so a crash between marking it read and
// creating the run leaves it read with no run, and it is not delivered again.
type routerWorker[TTx any] struct {
	client    *Client[TTx]
	triggerCh chan struct{}
}

func newRouterWorker[TTx any](c *Client[TTx]) *routerWorker[TTx] {
	return &routerWorker[TTx]{
		client:    c,
		triggerCh: make(chan struct{}, 1),
	}
}

func (w *routerWorker[TTx]) trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *routerWorker[TTx]) run(ctx context.Context) {
	r := w.client.RouterHandle()
	if r == nil {
		return
	}

	// Wake on message_queued events when the notifier is live; the ticker
	// is the fallback for clients without LISTEN support.
	unsubscribe := r.Subscribe(w.trigger)
	defer unsubscribe()

	ticker := time.NewTicker(w.client.config.RunPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			w.deliverPending(ctx)
		case <-ticker.C:
			w.deliverPending(ctx)
		}
	}
}

func (w *routerWorker[TTx]) deliverPending(ctx context.Context) {
	r := w.client.RouterHandle()
	log := w.client.log()

	for _, agentName := range w.client.AgentNames() {
		msgs, err := r.Pending(ctx, agentName, 50)
		if err != nil {
			log.Error("router worker: pending", "agent", agentName, "error", err)
			continue
		}
		for _, msg := range msgs {
			if msg.Read {
				// Already turned into a run; awaiting processed.
				continue
			}
			if err := w.deliver(ctx, agentName, msg.ID, msg.Sender, msg.Body, msg.CallChain); err != nil {
				log.Error("router worker: deliver",
					"agent", agentName,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// deliver turns one queued message into a run for its recipient, in the
// recipient's dedicated agent-to-agent session.
func (w *routerWorker[TTx]) deliver(ctx context.Context, agentName, messageID, sender, body string, callChain []string) error {
	r := w.client.RouterHandle()
	store := w.client.driver.Store()

	sessionID, err := w.client.agentSession(ctx, agentName)
	if err != nil {
		return err
	}

	def := w.client.GetAgent(agentName)
	mode := RunModeStreaming
	if def != nil {
		mode = def.runMode()
	}

	// Mark read first: a crash after this point leaves the message read but
	// unprocessed with no run; it will never be double-delivered.
	if err := r.MarkRead(ctx, messageID); err != nil {
		return err
	}

	_, err = store.CreateRun(ctx, driver.CreateRunParams{
		SessionID:           sessionID,
		AgentName:           agentName,
		Prompt:              body,
		RunMode:             string(mode),
		CreatedByInstanceID: w.client.instanceID,
		Metadata: map[string]any{
			"queued_message_id": messageID,
			"sender_agent":      sender,
			"call_chain":        callChain,
			"trigger":           TriggerTypeAgentMessage,
		},
	})
	if err != nil {
		return err
	}

	w.client.triggerWorkerFor(mode)
	return nil
}

// agentSession returns (creating on first use) the session that carries an
// agent's inter-agent traffic, identified as "agent:<name>" under the
// reserved router tenant.
func (c *Client[TTx]) agentSession(ctx context.Context, agentName string) (uuid.UUID, error) {
	store := c.driver.Store()
	identifier := "agent:" + agentName

	sess, err := store.GetSessionByIdentifier(ctx, routerTenant, identifier)
	if err != nil {
		return uuid.Nil, err
	}
	if sess != nil {
		return sess.ID, nil
	}

	created, err := store.CreateSession(ctx, driver.CreateSessionParams{
		TenantID:   routerTenant,
		Identifier: identifier,
		Metadata:   map[string]any{"kind": "agent_inbox"},
	})
	if err != nil {
		return uuid.Nil, err
	}
	return created.ID, nil
}

// routerTenant is the tenant namespace holding per-agent inbox sessions.
const routerTenant = "pattern:router"
