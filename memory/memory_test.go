package memory

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	blocks map[string]*Block
	edges  map[string]*Edge
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: map[string]*Block{}, edges: map[string]*Edge{}}
}

func (f *fakeStore) CreateBlock(_ context.Context, b *Block) (*Block, error) {
	f.blocks[b.ID] = b
	return b, nil
}

func (f *fakeStore) GetBlock(_ context.Context, id string) (*Block, error) {
	b, ok := f.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) Alter(_ context.Context, id string, fn func(string) (string, error)) (*Block, error) {
	b, ok := f.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	v, err := fn(b.Value)
	if err != nil {
		return nil, err
	}
	if b.CharLimit > 0 && len(v) > b.CharLimit {
		return nil, ErrCharLimit
	}
	b.Value = v
	b.Version++
	return b, nil
}

func (f *fakeStore) DeleteBlock(_ context.Context, id string) error {
	delete(f.blocks, id)
	return nil
}

func (f *fakeStore) ShareBlock(_ context.Context, e Edge) error {
	f.edges[e.BlockID+"/"+e.AgentID] = &e
	return nil
}

func (f *fakeStore) UnshareBlock(_ context.Context, blockID, agentID string) error {
	delete(f.edges, blockID+"/"+agentID)
	return nil
}

func (f *fakeStore) BlocksForAgent(_ context.Context, agentID string) ([]*Block, error) {
	var out []*Block
	for _, b := range f.blocks {
		if b.OwnerID == agentID {
			out = append(out, b)
			continue
		}
		if _, shared := f.edges[b.ID+"/"+agentID]; shared {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) EdgeFor(_ context.Context, blockID, agentID string) (*Edge, error) {
	e, ok := f.edges[blockID+"/"+agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) SearchArchival(_ context.Context, agentID, query string, limit int) ([]*Block, error) {
	return nil, nil
}

func (f *fakeStore) GetByLabel(_ context.Context, ownerID, label string, typ BlockType) (*Block, error) {
	for _, b := range f.blocks {
		if b.OwnerID == ownerID && b.Label == label && b.Type == typ {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) UpdateType(_ context.Context, id string, typ BlockType) (*Block, error) {
	b, ok := f.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	b.Type = typ
	return b, nil
}

func (f *fakeStore) CountArchival(_ context.Context, agentID string) (int, error) {
	n := 0
	for _, b := range f.blocks {
		if b.OwnerID == agentID && b.Type == BlockArchival {
			n++
		}
	}
	return n, nil
}

func TestEffectivePermissionIsMinimum(t *testing.T) {
	cases := []struct {
		block, edge, want Permission
	}{
		{PermissionAdmin, PermissionReadOnly, PermissionReadOnly},
		{PermissionReadOnly, PermissionReadWrite, PermissionReadOnly},
		{PermissionAppend, PermissionAppend, PermissionAppend},
	}
	for _, c := range cases {
		if got := Effective(c.block, c.edge); got != c.want {
			t.Errorf("Effective(%v, %v) = %v, want %v", c.block, c.edge, got, c.want)
		}
	}
}

func TestManagerOwnerHasAdmin(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, err := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Type: BlockCore, Value: "hello"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if _, err := m.Replace(ctx, "agent-a", b.ID, "updated"); err != nil {
		t.Fatalf("Replace by owner: %v", err)
	}
}

func TestManagerReadOnlyCannotAppend(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, _ := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Type: BlockWorking, Value: ""})
	if err := m.Share(ctx, "agent-a", b.ID, "agent-b", PermissionReadOnly); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := m.Append(ctx, "agent-b", b.ID, "x"); err != ErrPermissionDenied {
		t.Fatalf("Append with read_only edge: got %v, want ErrPermissionDenied", err)
	}
}

func TestManagerCharLimitEnforced(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, _ := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Type: BlockCore, Value: "1234", CharLimit: 5})
	if _, err := m.Append(ctx, "agent-a", b.ID, "abcdef"); err != ErrCharLimit {
		t.Fatalf("Append over char_limit: got %v, want ErrCharLimit", err)
	}
}

// TestSwapExchangesValues covers scenario (b) of the spec's end-to-end
// scenarios: a Core block and an Archival block sharing a label trade
// values under read_write, and a read_only caller is denied with no
// mutation to either side.
func TestSwapExchangesValues(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	core, _ := m.CreateBlock(ctx, &Block{ID: "core1", OwnerID: "agent-a", Label: "project", Type: BlockCore, Value: "A"})
	arch, _ := m.CreateBlock(ctx, &Block{ID: "arch1", OwnerID: "agent-a", Label: "project", Type: BlockArchival, Value: "B"})

	newCore, newArch, err := m.Swap(ctx, "agent-a", "project", "project")
	if err != nil {
		t.Fatalf("Swap as owner: %v", err)
	}
	if newCore.Value != "B" || newArch.Value != "A" {
		t.Fatalf("Swap: core=%q archival=%q, want core=B archival=A", newCore.Value, newArch.Value)
	}
	if core.Type != BlockCore || arch.Type != BlockArchival {
		t.Fatalf("Swap must not change block types, got core=%v archival=%v", core.Type, arch.Type)
	}

	// A read_only sharer must be denied, with no further mutation.
	if err := m.Share(ctx, "agent-a", core.ID, "agent-b", PermissionReadOnly); err != nil {
		t.Fatalf("Share core: %v", err)
	}
	if err := m.Share(ctx, "agent-a", arch.ID, "agent-b", PermissionReadOnly); err != nil {
		t.Fatalf("Share archival: %v", err)
	}
	if _, _, err := m.Swap(ctx, "agent-b", "project", "project"); err != ErrPermissionDenied {
		t.Fatalf("Swap with read_only: got %v, want ErrPermissionDenied", err)
	}
	if core.Value != "B" || arch.Value != "A" {
		t.Fatalf("denied Swap must not mutate: core=%q archival=%q", core.Value, arch.Value)
	}
}

func TestArchiveRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, _ := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Label: "notes", Type: BlockWorking, Value: "x"})
	if err := m.Share(ctx, "agent-a", b.ID, "agent-b", PermissionReadWrite); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if _, err := m.Archive(ctx, "agent-b", "notes", BlockWorking); err != ErrPermissionDenied {
		t.Fatalf("Archive with read_write edge: got %v, want ErrPermissionDenied", err)
	}
	archived, err := m.Archive(ctx, "agent-a", "notes", BlockWorking)
	if err != nil {
		t.Fatalf("Archive as owner: %v", err)
	}
	if archived.Type != BlockArchival {
		t.Fatalf("Archive: got type %v, want archival", archived.Type)
	}
}

func TestArchivalInsertAppendReadDelete(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	if _, err := m.ArchivalInsert(ctx, "agent-a", "journal", "day one"); err != nil {
		t.Fatalf("ArchivalInsert: %v", err)
	}
	if _, err := m.ArchivalAppend(ctx, "agent-a", "journal", "; day two"); err != nil {
		t.Fatalf("ArchivalAppend: %v", err)
	}
	got, err := m.ArchivalRead(ctx, "agent-a", "journal")
	if err != nil {
		t.Fatalf("ArchivalRead: %v", err)
	}
	if got.Value != "day one; day two" {
		t.Fatalf("ArchivalRead: got %q", got.Value)
	}
	if err := m.ArchivalDelete(ctx, "agent-a", "journal"); err != nil {
		t.Fatalf("ArchivalDelete: %v", err)
	}
	if _, err := m.ArchivalRead(ctx, "agent-a", "journal"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ArchivalRead after delete: got %v, want ErrNotFound", err)
	}
}

func TestShareCapsAtReadWrite(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, _ := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Type: BlockWorking})
	if err := m.Share(ctx, "agent-a", b.ID, "agent-b", PermissionAdmin); err != nil {
		t.Fatalf("Share: %v", err)
	}
	e, err := store.EdgeFor(ctx, b.ID, "agent-b")
	if err != nil {
		t.Fatalf("EdgeFor: %v", err)
	}
	if e.Permission != PermissionReadWrite {
		t.Errorf("Share(admin) granted %v, want capped at read_write", e.Permission)
	}
}

func TestParsePermissionRoundTrip(t *testing.T) {
	levels := []Permission{
		PermissionReadOnly, PermissionPartner, PermissionHuman,
		PermissionAppend, PermissionReadWrite, PermissionAdmin,
	}
	for _, p := range levels {
		got, err := ParsePermission(p.String())
		if err != nil {
			t.Fatalf("ParsePermission(%q): %v", p.String(), err)
		}
		if got != p {
			t.Errorf("round trip %q = %v, want %v", p.String(), got, p)
		}
	}
	if _, err := ParsePermission("root"); err == nil {
		t.Error("unknown permission accepted")
	}
}

func TestPartnerAndHumanCannotWrite(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store)
	ctx := context.Background()

	// The block itself allows read_write; the edge is the limiting factor.
	b, err := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "owner", Label: "notes", Type: BlockWorking, Value: "v", Permission: PermissionReadWrite})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	for _, perm := range []Permission{PermissionPartner, PermissionHuman} {
		if err := m.Share(ctx, "owner", b.ID, "other", perm); err != nil {
			t.Fatalf("Share(%v): %v", perm, err)
		}
		if _, err := m.Append(ctx, "other", b.ID, "x"); err != ErrPermissionDenied {
			t.Errorf("Append under %v = %v, want ErrPermissionDenied", perm, err)
		}
		if _, err := m.Read(ctx, "other", b.ID); err != nil {
			t.Errorf("Read under %v blocked: %v", perm, err)
		}
	}
}

// TestBlockPermissionCapsEdge covers testable property 3 from the other
// direction: a generous edge cannot exceed the block's own inherent
// permission — effective access is min(block, edge).
func TestBlockPermissionCapsEdge(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	b, err := m.CreateBlock(ctx, &Block{ID: "b1", OwnerID: "agent-a", Label: "log", Type: BlockWorking, Value: "v", Permission: PermissionAppend})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := m.Share(ctx, "agent-a", b.ID, "agent-b", PermissionReadWrite); err != nil {
		t.Fatalf("Share: %v", err)
	}

	got, err := m.Access(ctx, "agent-b", b.ID)
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if got != PermissionAppend {
		t.Errorf("Access = %v, want append (min of block=append, edge=read_write)", got)
	}

	// Append is within the cap; Replace is not.
	if _, err := m.Append(ctx, "agent-b", b.ID, "+"); err != nil {
		t.Errorf("Append within block cap denied: %v", err)
	}
	if _, err := m.Replace(ctx, "agent-b", b.ID, "new"); err != ErrPermissionDenied {
		t.Errorf("Replace above block cap: got %v, want ErrPermissionDenied", err)
	}
}

// TestPinnedBlockCannotLeaveContext enforces the §3 invariant: a pinned
// block is never swapped or archived out of the context window.
func TestPinnedBlockCannotLeaveContext(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := NewManager(store)

	core, _ := m.CreateBlock(ctx, &Block{ID: "core1", OwnerID: "agent-a", Label: "persona", Type: BlockCore, Value: "A", Pinned: true})
	m.CreateBlock(ctx, &Block{ID: "arch1", OwnerID: "agent-a", Label: "persona", Type: BlockArchival, Value: "B"})

	if _, _, err := m.Swap(ctx, "agent-a", "persona", "persona"); !errors.Is(err, ErrPinned) {
		t.Fatalf("Swap of pinned block: got %v, want ErrPinned", err)
	}
	if _, err := m.Archive(ctx, "agent-a", "persona", BlockCore); !errors.Is(err, ErrPinned) {
		t.Fatalf("Archive of pinned block: got %v, want ErrPinned", err)
	}
	got, err := m.Read(ctx, "agent-a", core.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Value != "A" {
		t.Errorf("pinned block mutated: %q", got.Value)
	}
}
