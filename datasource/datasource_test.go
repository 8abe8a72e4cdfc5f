package datasource

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakePullSource yields a fixed queue of items, one Pull call at a time,
// and never supports Subscribe.
type fakePullSource struct {
	name  string
	items []Item
}

func (f *fakePullSource) Name() string { return f.name }

func (f *fakePullSource) Pull(_ context.Context, from Cursor, limit int) ([]Item, Cursor, error) {
	var out []Item
	start := 0
	if from != "" {
		for i, it := range f.items {
			if it.Cursor == from {
				start = i + 1
				break
			}
		}
	}
	for i := start; i < len(f.items) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, f.items[i])
	}
	next := from
	if len(out) > 0 {
		next = out[len(out)-1].Cursor
	}
	return out, next, nil
}

func (f *fakePullSource) Subscribe(context.Context, Cursor) (<-chan Item, <-chan Cursor, error) {
	return nil, nil, ErrSubscribeUnsupported
}

func (f *fakePullSource) SetFilter(string)            {}
func (f *fakePullSource) Metadata() map[string]string { return nil }

type recordingSink struct {
	mu        sync.Mutex
	delivered []string
}

func (s *recordingSink) Deliver(_ context.Context, agentID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, fmt.Sprintf("%s: %s", agentID, body))
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func TestCoordinatorPollLoopDeliversInOrder(t *testing.T) {
	src := &fakePullSource{
		name: "feed",
		items: []Item{
			{ID: "1", Body: "first", Cursor: "c1", CreatedAt: time.Now()},
			{ID: "2", Body: "second", Cursor: "c2", CreatedAt: time.Now()},
		},
	}
	sink := &recordingSink{}
	coord := New(sink)
	if err := coord.Register(src, "agent-1", DefaultBufferPolicy(), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Directly exercise the pull + buffer + drain path without waiting on
	// the poll ticker, which is what production wiring does on a timer.
	reg, err := coord.lookup("feed")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	items, next, err := src.Pull(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	for _, it := range items {
		coord.buffer(reg, it)
	}
	reg.cursor = next
	coord.drain(context.Background(), reg)

	got := sink.snapshot()
	want := []string{"agent-1: [feed] first", "agent-1: [feed] second"}
	if len(got) != len(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if cur, err := coord.CursorOf("feed"); err != nil || cur != "c2" {
		t.Errorf("CursorOf = %q, %v, want c2, nil", cur, err)
	}
}

func TestCoordinatorBufferCapacityEvictsOldest(t *testing.T) {
	sink := &recordingSink{}
	coord := New(sink)
	src := &fakePullSource{name: "feed"}
	if err := coord.Register(src, "agent-1", BufferPolicy{Capacity: 2}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg, _ := coord.lookup("feed")

	for i := 0; i < 5; i++ {
		coord.buffer(reg, Item{ID: fmt.Sprintf("%d", i), Body: "x", CreatedAt: time.Now()})
	}
	reg.mu.Lock()
	n := len(reg.buffer)
	first := reg.buffer[0].ID
	reg.mu.Unlock()
	if n != 2 {
		t.Fatalf("buffer len = %d, want 2", n)
	}
	if first != "3" {
		t.Errorf("oldest retained item = %q, want %q (capacity should keep the newest 2)", first, "3")
	}
}

func TestCoordinatorDuplicateRegisterFails(t *testing.T) {
	coord := New(&recordingSink{})
	src := &fakePullSource{name: "dup"}
	if err := coord.Register(src, "agent-1", DefaultBufferPolicy(), nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := coord.Register(src, "agent-2", DefaultBufferPolicy(), nil); err == nil {
		t.Error("second Register with the same source name should fail")
	}
}

func TestCoordinatorPauseStopsDrain(t *testing.T) {
	sink := &recordingSink{}
	coord := New(sink)
	src := &fakePullSource{name: "feed"}
	if err := coord.Register(src, "agent-1", DefaultBufferPolicy(), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := coord.Pause("feed"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	reg, _ := coord.lookup("feed")
	coord.buffer(reg, Item{ID: "1", Body: "x", CreatedAt: time.Now()})
	coord.drain(context.Background(), reg)

	if len(sink.snapshot()) != 0 {
		t.Error("drain should not deliver while the source is paused")
	}
}

func TestDefaultPromptTemplate(t *testing.T) {
	got := DefaultPromptTemplate("slack", Item{Body: "hello"})
	want := "[slack] hello"
	if got != want {
		t.Errorf("DefaultPromptTemplate = %q, want %q", got, want)
	}
}
