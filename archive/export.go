package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
)

// FormatVersion is the archive format this package reads and writes.
// Version 2 blocks are byte-stable across releases; version 1 archives are
// not produced anymore and decode lossily through the legacy path.
const FormatVersion = 2

// ExportType says what the manifest's Data CID points at.
type ExportType string

const (
	ExportTypeAgent         ExportType = "agent"
	ExportTypeGroup         ExportType = "group"
	ExportTypeConstellation ExportType = "constellation"
)

// ExportStats summarizes the tree so a caller can size an import without
// walking it.
type ExportStats struct {
	Agents       int
	Groups       int
	Messages     int
	MemoryBlocks int
}

// ExportManifest is the root of an export tree: everything else hangs off
// its Data CID, so decoding the manifest alone tells a caller the full
// shape of what it would need to fetch.
type ExportManifest struct {
	Version    int
	ExportedAt time.Time
	Type       ExportType
	Stats      ExportStats
	Data       cid.Cid
}

// AgentExport captures one agent's durable state: its record plus chunked
// message history and memory blocks.
type AgentExport struct {
	Record        AgentRecordExport
	MemoryChunks  []cid.Cid // MemoryChunk blocks, in order; each links the next
	MessageChunks []cid.Cid // MessageChunk blocks, in order; each links the next
}

// AgentRecordExport mirrors the durable fields of an agent record; kept
// separate from the runtime AgentRecord type so the wire format doesn't
// shift every time an in-memory field is added. It carries no inline
// messages or memories — those live in the chunk chains.
type AgentRecordExport struct {
	ID           string
	Name         string
	SystemPrompt string
	Model        string
	Owner        string
	CreatedAt    time.Time
}

// MessageChunk is one ordered slice of an agent's message history.
type MessageChunk struct {
	ChunkID       int
	StartPosition int64
	EndPosition   int64
	Messages      []ExportedMessage
	NextChunk     *cid.Cid `cbor:",omitempty"`
}

// ExportedMessage is the wire shape of one message within a MessageChunk.
type ExportedMessage struct {
	ID        string
	Role      string
	Text      string
	BatchID   string
	Position  int64
	CreatedAt time.Time
}

// MemoryChunk carries a batch of memory blocks, values and sharing edges
// included, so importing restores both content and permissions.
type MemoryChunk struct {
	ChunkID   int
	Memories  []ExportedMemoryBlock
	NextChunk *cid.Cid `cbor:",omitempty"`
}

// ExportedMemoryBlock is the wire shape of one memory block.
type ExportedMemoryBlock struct {
	BlockID string
	Label   string
	Type    string
	Value   string
	Edges   []MemoryEdgeExport
}

type MemoryEdgeExport struct {
	AgentID    string
	Permission int
}

// GroupExport captures one group's membership and pattern configuration,
// referencing its member agents' exports by CID when they travel together.
type GroupExport struct {
	ID      string
	Pattern string
	Members []string
	Agents  []cid.Cid `cbor:",omitempty"` // AgentExport blocks, when bundled
}

// ConstellationExport is the top-level export of an entire multi-agent
// deployment: every agent and group, used for full backup/restore or
// migration to another database.
type ConstellationExport struct {
	Name   string
	Agents []cid.Cid
	Groups []cid.Cid
}

// Defaults for chunk sizing. Both are soft targets; the hard MaxBlockSize
// cap still applies to every encoded chunk.
const (
	DefaultMessagesPerChunk = 1000
	DefaultMemoriesPerChunk = 100
)

// ExportAgent encodes an agent's record, memory blocks, and message
// history into the block store and returns the resulting AgentExport CID.
// Chunks are written last-first so every chunk already knows its
// successor's CID when it is encoded, which is what lets NextChunk be a
// plain field instead of a second fix-up pass.
func ExportAgent(ctx context.Context, bs BlockStore, record AgentRecordExport, memories []ExportedMemoryBlock, messages []ExportedMessage, messagesPerChunk int) (cid.Cid, error) {
	if messagesPerChunk <= 0 {
		messagesPerChunk = DefaultMessagesPerChunk
	}

	memCIDs, err := exportMemoryChain(ctx, bs, memories, DefaultMemoriesPerChunk)
	if err != nil {
		return cid.Undef, err
	}

	msgCIDs, err := exportMessageChain(ctx, bs, messages, messagesPerChunk)
	if err != nil {
		return cid.Undef, err
	}

	export := AgentExport{Record: record, MemoryChunks: memCIDs, MessageChunks: msgCIDs}
	return PutValue(ctx, bs, export)
}

func exportMessageChain(ctx context.Context, bs BlockStore, messages []ExportedMessage, perChunk int) ([]cid.Cid, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	// Slice into windows first, then encode from the tail so each chunk
	// can reference the CID of the one after it.
	type window struct{ start, end int }
	var windows []window
	for start := 0; start < len(messages); start += perChunk {
		end := start + perChunk
		if end > len(messages) {
			end = len(messages)
		}
		windows = append(windows, window{start, end})
	}

	cids := make([]cid.Cid, len(windows))
	var next *cid.Cid
	for i := len(windows) - 1; i >= 0; i-- {
		win := windows[i]
		chunk := MessageChunk{
			ChunkID:       i,
			StartPosition: messages[win.start].Position,
			EndPosition:   messages[win.end-1].Position,
			Messages:      messages[win.start:win.end],
			NextChunk:     next,
		}
		c, err := PutValue(ctx, bs, chunk)
		if err != nil {
			return nil, fmt.Errorf("archive: export message chunk %d: %w", i, err)
		}
		cids[i] = c
		next = &cids[i]
	}
	return cids, nil
}

func exportMemoryChain(ctx context.Context, bs BlockStore, memories []ExportedMemoryBlock, perChunk int) ([]cid.Cid, error) {
	if len(memories) == 0 {
		return nil, nil
	}
	if perChunk <= 0 {
		perChunk = DefaultMemoriesPerChunk
	}

	type window struct{ start, end int }
	var windows []window
	for start := 0; start < len(memories); start += perChunk {
		end := start + perChunk
		if end > len(memories) {
			end = len(memories)
		}
		windows = append(windows, window{start, end})
	}

	cids := make([]cid.Cid, len(windows))
	var next *cid.Cid
	for i := len(windows) - 1; i >= 0; i-- {
		win := windows[i]
		chunk := MemoryChunk{
			ChunkID:   i,
			Memories:  memories[win.start:win.end],
			NextChunk: next,
		}
		c, err := PutValue(ctx, bs, chunk)
		if err != nil {
			return nil, fmt.Errorf("archive: export memory chunk %d: %w", i, err)
		}
		cids[i] = c
		next = &cids[i]
	}
	return cids, nil
}

// WriteManifest wraps a data CID in a version-2 manifest and stores it,
// returning the manifest's own CID — the single handle an archive consumer
// needs.
func WriteManifest(ctx context.Context, bs BlockStore, typ ExportType, data cid.Cid, stats ExportStats, now time.Time) (cid.Cid, error) {
	manifest := ExportManifest{
		Version:    FormatVersion,
		ExportedAt: now,
		Type:       typ,
		Stats:      stats,
		Data:       data,
	}
	return PutValue(ctx, bs, manifest)
}

// ReadManifest fetches and validates the manifest at c. Version-1
// manifests are accepted but flagged by the returned manifest's Version so
// callers can route them to a lossy legacy decode.
func ReadManifest(ctx context.Context, bs BlockStore, c cid.Cid) (*ExportManifest, error) {
	var manifest ExportManifest
	if err := GetValue(ctx, bs, c, &manifest); err != nil {
		return nil, err
	}
	if manifest.Version != FormatVersion && manifest.Version != 1 {
		return nil, fmt.Errorf("archive: unsupported format version %d", manifest.Version)
	}
	return &manifest, nil
}

// ImportOptions controls how records are reconstructed.
type ImportOptions struct {
	// RegenerateIDs replaces every agent, block, and message id with a
	// fresh one on import, for restoring into a store where the originals
	// may collide. Ids are preserved by default.
	RegenerateIDs bool
}

// ImportAgent reassembles an AgentExport rooted at c back into its record,
// memory blocks, and full message list, in original order. The chunk
// chains are walked by the export's ordered CID lists; NextChunk links are
// verified against that order so a truncated or reordered archive is
// caught rather than silently imported.
func ImportAgent(ctx context.Context, bs BlockStore, c cid.Cid, opts ImportOptions) (AgentRecordExport, []ExportedMemoryBlock, []ExportedMessage, error) {
	var export AgentExport
	if err := GetValue(ctx, bs, c, &export); err != nil {
		return AgentRecordExport{}, nil, nil, fmt.Errorf("archive: import agent export: %w", err)
	}

	var memories []ExportedMemoryBlock
	for i, mc := range export.MemoryChunks {
		var chunk MemoryChunk
		if err := GetValue(ctx, bs, mc, &chunk); err != nil {
			return AgentRecordExport{}, nil, nil, fmt.Errorf("archive: import memory chunk %s: %w", mc, err)
		}
		if err := checkNextLink(chunk.NextChunk, export.MemoryChunks, i); err != nil {
			return AgentRecordExport{}, nil, nil, err
		}
		memories = append(memories, chunk.Memories...)
	}

	var messages []ExportedMessage
	for i, mc := range export.MessageChunks {
		var chunk MessageChunk
		if err := GetValue(ctx, bs, mc, &chunk); err != nil {
			return AgentRecordExport{}, nil, nil, fmt.Errorf("archive: import message chunk %s: %w", mc, err)
		}
		if err := checkNextLink(chunk.NextChunk, export.MessageChunks, i); err != nil {
			return AgentRecordExport{}, nil, nil, err
		}
		messages = append(messages, chunk.Messages...)
	}

	record := export.Record
	if opts.RegenerateIDs {
		record.ID = uuid.NewString()
		for i := range memories {
			memories[i].BlockID = uuid.NewString()
		}
		for i := range messages {
			messages[i].ID = uuid.NewString()
		}
	}

	return record, memories, messages, nil
}

// checkNextLink verifies that chunk i's NextChunk matches the i+1'th CID in
// the export's ordered list (or is absent on the last chunk).
func checkNextLink(next *cid.Cid, order []cid.Cid, i int) error {
	last := i == len(order)-1
	if last {
		if next != nil {
			return fmt.Errorf("archive: final chunk %d links a successor", i)
		}
		return nil
	}
	if next == nil || !next.Equals(order[i+1]) {
		return fmt.Errorf("archive: chunk %d next_chunk link broken", i)
	}
	return nil
}

// ExportConstellation bundles pre-exported agents and groups under one
// ConstellationExport and its manifest, returning the manifest CID.
func ExportConstellation(ctx context.Context, bs BlockStore, name string, agents, groups []cid.Cid, stats ExportStats, now time.Time) (cid.Cid, error) {
	data, err := PutValue(ctx, bs, ConstellationExport{Name: name, Agents: agents, Groups: groups})
	if err != nil {
		return cid.Undef, fmt.Errorf("archive: export constellation: %w", err)
	}
	stats.Agents = len(agents)
	stats.Groups = len(groups)
	return WriteManifest(ctx, bs, ExportTypeConstellation, data, stats, now)
}

// ImportConstellation reads the constellation behind a manifest CID.
func ImportConstellation(ctx context.Context, bs BlockStore, manifestCID cid.Cid) (*ConstellationExport, *ExportManifest, error) {
	manifest, err := ReadManifest(ctx, bs, manifestCID)
	if err != nil {
		return nil, nil, err
	}
	if manifest.Type != ExportTypeConstellation {
		return nil, nil, fmt.Errorf("archive: manifest is a %s export, not a constellation", manifest.Type)
	}
	var constellation ConstellationExport
	if err := GetValue(ctx, bs, manifest.Data, &constellation); err != nil {
		return nil, nil, fmt.Errorf("archive: import constellation: %w", err)
	}
	return &constellation, manifest, nil
}
