package router

import (
	"context"
	"sort"
	"testing"
	"time"
)

type fakeStore struct {
	byRecipient map[string][]*Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{byRecipient: map[string][]*Message{}}
}

func (f *fakeStore) Enqueue(_ context.Context, msg *Message) error {
	f.byRecipient[msg.Recipient] = append(f.byRecipient[msg.Recipient], msg)
	return nil
}

func (f *fakeStore) Pending(_ context.Context, recipient string, limit int) ([]*Message, error) {
	all := f.byRecipient[recipient]
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		if !m.Processed {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, id string) error {
	for _, ms := range f.byRecipient {
		for _, m := range ms {
			if m.ID == id {
				m.Read = true
			}
		}
	}
	return nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, id string) error {
	for _, ms := range f.byRecipient {
		for _, m := range ms {
			if m.ID == id {
				m.Processed = true
			}
		}
	}
	return nil
}

func seqID() func() string {
	n := 0
	return func() string {
		n++
		return time.Unix(int64(n), 0).Format(time.RFC3339Nano)
	}
}

func TestSendIsFIFOPerRecipient(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := New(store, nil, time.Minute)
	id := seqID()

	base := time.Unix(1700000000, 0)
	if _, err := r.Send(ctx, "a", "b", "first", nil, base, id); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	if _, err := r.Send(ctx, "a", "b", "second", nil, base.Add(time.Second), id); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	pending, err := r.Pending(ctx, "b", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Body != "first" || pending[1].Body != "second" {
		t.Fatalf("Pending order = %+v", pending)
	}
}

func TestLoopDetectedWithinCooldown(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := New(store, nil, time.Minute)
	id := seqID()

	base := time.Unix(1700000000, 0)
	// a -> b -> a -> b repeats the edge a->b within the cooldown window.
	if _, err := r.Send(ctx, "a", "b", "hop1", nil, base, id); err != nil {
		t.Fatalf("hop1: %v", err)
	}
	msg2, err := r.Send(ctx, "b", "a", "hop2", []string{"a"}, base.Add(time.Second), id)
	if err != nil {
		t.Fatalf("hop2: %v", err)
	}
	_, err = r.Send(ctx, "a", "b", "hop3", msg2.CallChain, base.Add(2*time.Second), id)
	if err != ErrLoopDetected {
		t.Fatalf("hop3 = %v, want ErrLoopDetected", err)
	}
}

func TestLoopAllowedAfterCooldown(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := New(store, nil, time.Second)
	id := seqID()

	base := time.Unix(1700000000, 0)
	if _, err := r.Send(ctx, "a", "b", "hop1", nil, base, id); err != nil {
		t.Fatalf("hop1: %v", err)
	}
	msg2, err := r.Send(ctx, "b", "a", "hop2", []string{"a"}, base.Add(time.Second), id)
	if err != nil {
		t.Fatalf("hop2: %v", err)
	}
	if _, err := r.Send(ctx, "a", "b", "hop3", msg2.CallChain, base.Add(10*time.Second), id); err != nil {
		t.Fatalf("hop3 after cooldown: %v", err)
	}
}
