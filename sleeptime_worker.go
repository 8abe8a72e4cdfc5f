package pattern

import (
	"context"
	"time"
)

// sleeptimeWorker drives PatternSleeptime groups: instead of reacting to
// inbound messages it wakes on a fixed cadence, and when a group has been
// idle past its threshold it runs the group's maintenance member with a
// synthetic system-trigger prompt. Only the leader instance ticks, so a
// cluster performs each group's sleeptime pass once.
type sleeptimeWorker[TTx any] struct {
	client   *Client[TTx]
	interval time.Duration
}

func newSleeptimeWorker[TTx any](c *Client[TTx]) *sleeptimeWorker[TTx] {
	return &sleeptimeWorker[TTx]{
		client:   c,
		interval: 30 * time.Second,
	}
}

// sleeptimePrompt is the synthetic trigger handed to the sleeptime member.
const sleeptimePrompt = "Periodic maintenance check: review recent activity, consolidate memory, and flag anything needing attention. No user is waiting on this."

func (w *sleeptimeWorker[TTx]) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *sleeptimeWorker[TTx]) tick(ctx context.Context) {
	if !w.client.isLeader() {
		return
	}
	log := w.client.log()
	now := time.Now()

	for name, g := range w.client.Groups() {
		if !g.DueForSleeptime(now) {
			continue
		}
		log.Info("running sleeptime pass", "group", name)
		if _, err := g.RunSleeptime(ctx, w.client.groupDispatcher(ctx), sleeptimePrompt); err != nil {
			log.Error("sleeptime pass failed", "group", name, "error", err)
		}
	}
}
