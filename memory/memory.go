// Package memory implements the block-structured working memory an agent
// carries between batches: labeled text blocks (core, working, archival)
// shared across agents through permissioned edges.
//
// A block's content participates directly in an agent's system prompt
// (core, working) or is retrieved on demand by a recall tool (archival).
// Sharing a block with another agent never copies bytes: both agents read
// and, depending on permission, write the same row.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// BlockType distinguishes how a block participates in an agent's context.
type BlockType string

const (
	// BlockCore blocks are always present in the system prompt, in full.
	BlockCore BlockType = "core"
	// BlockWorking blocks are included in the system prompt subject to the
	// context builder's token budget, most-recently-touched first.
	BlockWorking BlockType = "working"
	// BlockArchival blocks never enter the system prompt; they are only
	// reachable through the recall/search tools.
	BlockArchival BlockType = "archival"
)

func (t BlockType) valid() bool {
	switch t {
	case BlockCore, BlockWorking, BlockArchival:
		return true
	}
	return false
}

// Permission is the access level an agent holds on a block, and doubles as
// the level an edge grants when sharing a block into another agent's scope.
// Ordered from least to most capable; Effective takes the minimum of two.
type Permission int

const (
	PermissionReadOnly Permission = iota
	// PermissionPartner marks a block another agent exposed for
	// collaboration: readable, and the partner's edits arrive through that
	// agent, never directly.
	PermissionPartner
	// PermissionHuman marks a block the human principal curates; agents
	// read it but only the human-facing surface writes it.
	PermissionHuman
	PermissionAppend
	PermissionReadWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionReadOnly:
		return "read_only"
	case PermissionPartner:
		return "partner"
	case PermissionHuman:
		return "human"
	case PermissionAppend:
		return "append"
	case PermissionReadWrite:
		return "read_write"
	case PermissionAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParsePermission parses the wire/TOML spelling of a permission level.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "read_only":
		return PermissionReadOnly, nil
	case "partner":
		return PermissionPartner, nil
	case "human":
		return PermissionHuman, nil
	case "append":
		return PermissionAppend, nil
	case "read_write":
		return PermissionReadWrite, nil
	case "admin":
		return PermissionAdmin, nil
	}
	return 0, fmt.Errorf("memory: unknown permission %q", s)
}

// Effective returns the permission an agent actually holds on a block
// reached through an edge: the lesser of what the block itself allows an
// outside writer to do and what the edge grants, min(block, edge).
func Effective(blockPermission, edgePermission Permission) Permission {
	if blockPermission < edgePermission {
		return blockPermission
	}
	return edgePermission
}

// Block is a single labeled unit of working memory.
type Block struct {
	ID          string
	OwnerID     string // agent that created the block and holds admin rights
	Label       string // e.g. "persona", "human", "project_notes"
	Description string // optional human-readable purpose, rendered with the block
	Type        BlockType
	Value       string
	// Permission is the block's inherent ceiling on what any non-owner may
	// do with it, regardless of how generous a share edge is: the
	// effective level is min(block, edge).
	Permission Permission
	CharLimit  int
	// Pinned blocks can never be swapped or archived out of context.
	Pinned    bool
	Version   int // incremented on every Alter; used for optimistic checks
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Edge grants another agent access to a block the edge's owner did not
// create. Permission here is capped by Effective against the block's own
// admin-held permission at read/write time.
type Edge struct {
	BlockID    string
	AgentID    string
	Permission Permission
}

var (
	ErrNotFound         = errors.New("memory: block not found")
	ErrPermissionDenied = errors.New("memory: permission denied")
	ErrCharLimit        = errors.New("memory: value exceeds block char_limit")
	ErrInvalidType      = errors.New("memory: invalid block type")
	ErrPinned           = errors.New("memory: block is pinned in context")
)

// Store is the persistence contract for blocks, edges, and archival search.
// A Postgres-backed implementation is PostgresStore; callers needing a
// lighter-weight backend can implement Store directly.
type Store interface {
	CreateBlock(ctx context.Context, b *Block) (*Block, error)
	GetBlock(ctx context.Context, blockID string) (*Block, error)
	// Alter applies fn to the current value under a per-block lock and
	// persists the result, returning the updated block. fn must not block
	// on I/O: the lock is held only around the read-modify-write, never
	// across a suspension point such as a model call.
	Alter(ctx context.Context, blockID string, fn func(current string) (string, error)) (*Block, error)
	DeleteBlock(ctx context.Context, blockID string) error

	ShareBlock(ctx context.Context, e Edge) error
	UnshareBlock(ctx context.Context, blockID, agentID string) error
	BlocksForAgent(ctx context.Context, agentID string) ([]*Block, error)
	EdgeFor(ctx context.Context, blockID, agentID string) (*Edge, error)

	// GetByLabel looks a block up by its owner and label, scoped to typ so
	// a Core/Working block and an Archival block may share a label (the
	// context tool's archive/load/swap operations address each pool
	// independently; see memory.Manager.Swap).
	GetByLabel(ctx context.Context, ownerID, label string, typ BlockType) (*Block, error)
	// UpdateType flips a block's Type in place (used by Archive and
	// LoadFromArchival), preserving its id, label, and value.
	UpdateType(ctx context.Context, blockID string, typ BlockType) (*Block, error)
	// CountArchival reports how many archival blocks agentID owns or can read.
	CountArchival(ctx context.Context, agentID string) (int, error)

	// SearchArchival returns archival blocks owned by or shared with
	// agentID whose value matches query, ranked best-first.
	SearchArchival(ctx context.Context, agentID, query string, limit int) ([]*Block, error)
}

// locks serializes Alter calls per block within a process; the Postgres
// implementation additionally relies on row-level locking for cross-process
// safety, mirroring the teacher's pattern of keeping transactions, not
// mutexes, as the source of truth for cross-instance exclusion.
type locks struct {
	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func newLocks() *locks {
	return &locks{byID: make(map[string]*sync.Mutex)}
}

func (l *locks) for_(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		m = &sync.Mutex{}
		l.byID[id] = m
	}
	return m
}

// Manager is the in-process façade agents use to read and alter memory. It
// adds per-block in-process locking on top of a Store so concurrent Alter
// calls from goroutines sharing one process never interleave, without ever
// holding that lock across an I/O suspension point.
type Manager struct {
	store    Store
	locks    *locks
	embedder Embedder // optional; nil disables semantic search
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: newLocks()}
}

// Access resolves the permission agentID holds on blockID: admin if it owns
// the block, min(block.Permission, edge.Permission) when reached through a
// share edge, or ErrPermissionDenied.
func (m *Manager) Access(ctx context.Context, agentID, blockID string) (Permission, error) {
	b, err := m.store.GetBlock(ctx, blockID)
	if err != nil {
		return 0, err
	}
	if b.OwnerID == agentID {
		return PermissionAdmin, nil
	}
	e, err := m.store.EdgeFor(ctx, blockID, agentID)
	if err != nil {
		return 0, ErrPermissionDenied
	}
	return Effective(b.Permission, e.Permission), nil
}

// Read returns a block's current value if agentID holds at least read_only.
func (m *Manager) Read(ctx context.Context, agentID, blockID string) (*Block, error) {
	if _, err := m.Access(ctx, agentID, blockID); err != nil {
		return nil, err
	}
	return m.store.GetBlock(ctx, blockID)
}

// Append requires at least append permission and adds text to the end of
// the block's value; it cannot replace the existing content.
func (m *Manager) Append(ctx context.Context, agentID, blockID, text string) (*Block, error) {
	perm, err := m.Access(ctx, agentID, blockID)
	if err != nil {
		return nil, err
	}
	if perm < PermissionAppend {
		return nil, ErrPermissionDenied
	}
	mu := m.locks.for_(blockID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.Alter(ctx, blockID, func(current string) (string, error) {
		return current + text, nil
	})
}

// Replace requires read_write and replaces the block's entire value.
func (m *Manager) Replace(ctx context.Context, agentID, blockID, value string) (*Block, error) {
	perm, err := m.Access(ctx, agentID, blockID)
	if err != nil {
		return nil, err
	}
	if perm < PermissionReadWrite {
		return nil, ErrPermissionDenied
	}
	mu := m.locks.for_(blockID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.Alter(ctx, blockID, func(string) (string, error) {
		return value, nil
	})
}

// Share grants agentID access to blockID at permission, requiring the
// caller to hold admin on the block. Admin itself is never transferable
// through Share: an edge's permission tops out at read_write.
func (m *Manager) Share(ctx context.Context, callerID, blockID, agentID string, permission Permission) error {
	perm, err := m.Access(ctx, callerID, blockID)
	if err != nil {
		return err
	}
	if perm < PermissionAdmin {
		return ErrPermissionDenied
	}
	if permission > PermissionReadWrite {
		permission = PermissionReadWrite
	}
	return m.store.ShareBlock(ctx, Edge{BlockID: blockID, AgentID: agentID, Permission: permission})
}

// AppendByLabel resolves a Core or Working block by label and appends to
// it, with Append's permission check. The context tool addresses blocks by
// label, never by raw id.
func (m *Manager) AppendByLabel(ctx context.Context, agentID, label, text string) (*Block, error) {
	b, err := m.inContextByLabel(ctx, agentID, label)
	if err != nil {
		return nil, err
	}
	return m.Append(ctx, agentID, b.ID, text)
}

// ReplaceByLabel resolves a Core or Working block by label and replaces its
// value, with Replace's permission check.
func (m *Manager) ReplaceByLabel(ctx context.Context, agentID, label, value string) (*Block, error) {
	b, err := m.inContextByLabel(ctx, agentID, label)
	if err != nil {
		return nil, err
	}
	return m.Replace(ctx, agentID, b.ID, value)
}

// inContextByLabel finds the Core or Working block carrying label. Core
// wins when both exist, matching the context builder's rendering order.
func (m *Manager) inContextByLabel(ctx context.Context, agentID, label string) (*Block, error) {
	b, _, err := m.byLabel(ctx, agentID, label, BlockCore)
	if err == nil {
		return b, nil
	}
	b, _, err = m.byLabel(ctx, agentID, label, BlockWorking)
	return b, err
}

// CreateBlock validates type and char_limit before delegating to the store.
func (m *Manager) CreateBlock(ctx context.Context, b *Block) (*Block, error) {
	if !b.Type.valid() {
		return nil, ErrInvalidType
	}
	if b.CharLimit > 0 && len(b.Value) > b.CharLimit {
		return nil, ErrCharLimit
	}
	return m.store.CreateBlock(ctx, b)
}

// Embedder is the embedding-provider contract: a stable-dimension vector
// per text. Optional — without one, semantic search is unavailable and
// archival search falls back to full text, which keeps working.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// VectorSearcher is the optional store extension backing semantic search.
// The Postgres store implements it with a pgvector cosine-distance index.
type VectorSearcher interface {
	SearchArchivalVector(ctx context.Context, agentID string, embedding []float32, limit int) ([]*Block, error)
}

// SetEmbedder attaches an embedding provider, enabling SearchArchivalSemantic.
func (m *Manager) SetEmbedder(e Embedder) {
	m.embedder = e
}

// SearchArchivalSemantic embeds query and ranks archival blocks by cosine
// distance. It requires both an Embedder and a VectorSearcher-capable
// store; otherwise it falls back to full-text SearchArchival.
func (m *Manager) SearchArchivalSemantic(ctx context.Context, agentID, query string, limit int) ([]*Block, error) {
	vs, ok := m.store.(VectorSearcher)
	if !ok || m.embedder == nil {
		return m.SearchArchival(ctx, agentID, query, limit)
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	return vs.SearchArchivalVector(ctx, agentID, vec, limit)
}

// BlocksFor returns every block agentID owns or holds an edge to, Core and
// Working blocks included: the set the context builder loads at agent start.
func (m *Manager) BlocksFor(ctx context.Context, agentID string) ([]*Block, error) {
	return m.store.BlocksForAgent(ctx, agentID)
}

// SearchArchival proxies to the store's full-text/vector search, scoped to
// blocks agentID can read.
func (m *Manager) SearchArchival(ctx context.Context, agentID, query string, limit int) ([]*Block, error) {
	return m.store.SearchArchival(ctx, agentID, query, limit)
}

// byLabel resolves a block by (agentID, label, typ) and the access agentID
// holds on it, the same admin-if-owner-else-edge resolution Access applies
// to an id, just keyed by label since the context/recall tools never see
// raw block ids. Blocks the agent merely holds an edge to resolve too,
// after its own: labels are unique per owner scope, not globally. A miss
// reports the labels that do exist, sorted, so the calling agent can
// correct a typo instead of guessing.
func (m *Manager) byLabel(ctx context.Context, agentID, label string, typ BlockType) (*Block, Permission, error) {
	b, err := m.store.GetByLabel(ctx, agentID, label, typ)
	if err != nil && errors.Is(err, ErrNotFound) {
		b, err = m.sharedByLabel(ctx, agentID, label, typ)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, m.notFoundWithLabels(ctx, agentID, label, typ)
		}
		return nil, 0, err
	}
	perm, err := m.Access(ctx, agentID, b.ID)
	if err != nil {
		return nil, 0, err
	}
	return b, perm, nil
}

// sharedByLabel scans the blocks shared into agentID's scope for one
// matching (label, typ).
func (m *Manager) sharedByLabel(ctx context.Context, agentID, label string, typ BlockType) (*Block, error) {
	blocks, err := m.store.BlocksForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Label == label && b.Type == typ {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

// notFoundWithLabels wraps ErrNotFound with the sorted labels agentID
// actually holds for typ.
func (m *Manager) notFoundWithLabels(ctx context.Context, agentID, label string, typ BlockType) error {
	blocks, listErr := m.store.BlocksForAgent(ctx, agentID)
	if listErr != nil {
		return fmt.Errorf("%w: no %s block labeled %q", ErrNotFound, typ, label)
	}
	var labels []string
	for _, b := range blocks {
		if b.Type == typ {
			labels = append(labels, b.Label)
		}
	}
	sort.Strings(labels)
	if len(labels) == 0 {
		return fmt.Errorf("%w: no %s block labeled %q (none exist)", ErrNotFound, typ, label)
	}
	return fmt.Errorf("%w: no %s block labeled %q; available: %s",
		ErrNotFound, typ, label, strings.Join(labels, ", "))
}

// Archive converts a Core or Working block into an Archival one in place:
// same id, same label, same value, new Type. Spec requires Admin on the
// source because archiving removes it from the in-context pool outright,
// the same bar DeleteBlock would need.
func (m *Manager) Archive(ctx context.Context, agentID, label string, from BlockType) (*Block, error) {
	b, perm, err := m.byLabel(ctx, agentID, label, from)
	if err != nil {
		return nil, err
	}
	if b.Pinned {
		return nil, fmt.Errorf("%w: %q cannot be archived", ErrPinned, label)
	}
	if perm < PermissionAdmin {
		return nil, ErrPermissionDenied
	}
	return m.store.UpdateType(ctx, b.ID, BlockArchival)
}

// LoadFromArchival converts an Archival block back into a Working block in
// place. Requires read_write: the caller is creating new in-context
// content, not merely reading.
func (m *Manager) LoadFromArchival(ctx context.Context, agentID, label string) (*Block, error) {
	b, perm, err := m.byLabel(ctx, agentID, label, BlockArchival)
	if err != nil {
		return nil, err
	}
	if perm < PermissionReadWrite {
		return nil, ErrPermissionDenied
	}
	return m.store.UpdateType(ctx, b.ID, BlockWorking)
}

// Swap implements context.swap(archive, load). When the two labels match
// (the common case: scenario (b) of the spec's testable properties) it
// performs a pure value exchange between the Core/Working block and the
// Archival block sharing that label, leaving both blocks' types alone —
// there is no collision to resolve because nothing changes type. When the
// labels differ it falls back to an Archive of archiveLabel composed with
// a LoadFromArchival of loadLabel, each a type flip.
func (m *Manager) Swap(ctx context.Context, agentID, archiveLabel, loadLabel string) (archived, loaded *Block, err error) {
	if archiveLabel == loadLabel {
		core, corePerm, err := m.byLabel(ctx, agentID, archiveLabel, BlockCore)
		if err != nil {
			core, corePerm, err = m.byLabel(ctx, agentID, archiveLabel, BlockWorking)
			if err != nil {
				return nil, nil, err
			}
		}
		arch, archPerm, err := m.byLabel(ctx, agentID, loadLabel, BlockArchival)
		if err != nil {
			return nil, nil, err
		}
		if core.Pinned {
			return nil, nil, fmt.Errorf("%w: %q cannot be swapped out", ErrPinned, archiveLabel)
		}
		if corePerm < PermissionReadWrite || archPerm < PermissionReadWrite {
			return nil, nil, ErrPermissionDenied
		}
		mu := m.locks.for_(core.ID)
		mu.Lock()
		defer mu.Unlock()
		coreVal, archVal := core.Value, arch.Value
		newCore, err := m.store.Alter(ctx, core.ID, func(string) (string, error) { return archVal, nil })
		if err != nil {
			return nil, nil, err
		}
		newArch, err := m.store.Alter(ctx, arch.ID, func(string) (string, error) { return coreVal, nil })
		if err != nil {
			return nil, nil, err
		}
		return newCore, newArch, nil
	}

	a, err := m.Archive(ctx, agentID, archiveLabel, BlockCore)
	if err != nil {
		a, err = m.Archive(ctx, agentID, archiveLabel, BlockWorking)
		if err != nil {
			return nil, nil, err
		}
	}
	l, err := m.LoadFromArchival(ctx, agentID, loadLabel)
	if err != nil {
		return nil, nil, err
	}
	return a, l, nil
}

// ArchivalInsert creates a new Archival block under label, owned by
// agentID. Mirrors the recall tool's "insert" operation. The block is born
// read_write so sharing it later grants up to that level, never admin.
func (m *Manager) ArchivalInsert(ctx context.Context, agentID, label, value string) (*Block, error) {
	return m.CreateBlock(ctx, &Block{
		OwnerID:    agentID,
		Label:      label,
		Type:       BlockArchival,
		Value:      value,
		Permission: PermissionReadWrite,
	})
}

// ArchivalAppend appends text to an existing Archival block, requiring at
// least append permission, mirroring recall's "append".
func (m *Manager) ArchivalAppend(ctx context.Context, agentID, label, text string) (*Block, error) {
	b, perm, err := m.byLabel(ctx, agentID, label, BlockArchival)
	if err != nil {
		return nil, err
	}
	if perm < PermissionAppend {
		return nil, ErrPermissionDenied
	}
	mu := m.locks.for_(b.ID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.Alter(ctx, b.ID, func(current string) (string, error) {
		return current + text, nil
	})
}

// ArchivalRead returns an Archival block's value, mirroring recall's "read".
func (m *Manager) ArchivalRead(ctx context.Context, agentID, label string) (*Block, error) {
	b, _, err := m.byLabel(ctx, agentID, label, BlockArchival)
	return b, err
}

// ArchivalDelete deletes an Archival block outright, requiring Admin, which
// only the owner holds since Share caps edges at read_write, mirroring
// recall's "delete".
func (m *Manager) ArchivalDelete(ctx context.Context, agentID, label string) error {
	b, perm, err := m.byLabel(ctx, agentID, label, BlockArchival)
	if err != nil {
		return err
	}
	if perm < PermissionAdmin {
		return ErrPermissionDenied
	}
	return m.store.DeleteBlock(ctx, b.ID)
}

// ArchivalCount reports how many archival blocks agentID can see, backing
// the context builder's "≤ 50 labels listed verbatim, else grouped
// summary" rule (spec.md §4.4).
func (m *Manager) ArchivalCount(ctx context.Context, agentID string) (int, error) {
	return m.store.CountArchival(ctx, agentID)
}
