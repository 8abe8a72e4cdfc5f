package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
)

type memStore struct {
	blocks map[string]*Block
}

func newMemStore() *memStore {
	return &memStore{blocks: map[string]*Block{}}
}

func (m *memStore) Put(_ context.Context, b *Block) error {
	m.blocks[b.CID.String()] = b
	return nil
}

func (m *memStore) Get(_ context.Context, c cid.Cid) (*Block, error) {
	b, ok := m.blocks[c.String()]
	if !ok {
		return nil, fmt.Errorf("block %s not found", c)
	}
	return b, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Name string
		N    int
	}
	in := payload{Name: "alice", N: 7}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out payload
	if err := Decode(b, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeRejectsTamperedBlock(t *testing.T) {
	b, err := Encode(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b.Data[0] ^= 0xFF
	var out map[string]string
	if err := Decode(b, &out); err == nil {
		t.Fatal("expected CID mismatch error on tampered block")
	}
}

func TestEncodeRejectsOversizedBlock(t *testing.T) {
	huge := strings.Repeat("x", MaxBlockSize+1)
	if _, err := Encode(huge); err != ErrBlockTooLarge {
		t.Fatalf("Encode huge payload = %v, want ErrBlockTooLarge", err)
	}
}

func makeMessages(n int) []ExportedMessage {
	out := make([]ExportedMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ExportedMessage{
			ID:       fmt.Sprintf("m%d", i),
			Role:     "user",
			Text:     "hi",
			Position: int64(i),
		})
	}
	return out
}

func makeMemories(n int) []ExportedMemoryBlock {
	out := make([]ExportedMemoryBlock, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ExportedMemoryBlock{
			BlockID: fmt.Sprintf("b%d", i),
			Label:   fmt.Sprintf("note_%d", i),
			Type:    "archival",
			Value:   "content",
			Edges:   []MemoryEdgeExport{{AgentID: "other", Permission: 2}},
		})
	}
	return out
}

func TestExportImportAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()

	record := AgentRecordExport{ID: "a1", Name: "assistant", Model: "claude", Owner: "org1", CreatedAt: time.Unix(1700000000, 0)}
	memories := makeMemories(3)
	messages := makeMessages(5)

	root, err := ExportAgent(ctx, bs, record, memories, messages, 2)
	if err != nil {
		t.Fatalf("ExportAgent: %v", err)
	}

	gotRecord, gotMemories, gotMessages, err := ImportAgent(ctx, bs, root, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportAgent: %v", err)
	}
	if gotRecord != record {
		t.Errorf("record round trip = %+v, want %+v", gotRecord, record)
	}
	if len(gotMemories) != 3 || gotMemories[0].Value != "content" {
		t.Errorf("memories round trip = %+v", gotMemories)
	}
	if len(gotMemories[0].Edges) != 1 || gotMemories[0].Edges[0].Permission != 2 {
		t.Errorf("edge permissions not preserved: %+v", gotMemories[0].Edges)
	}
	if len(gotMessages) != len(messages) {
		t.Fatalf("messages round trip length = %d, want %d", len(gotMessages), len(messages))
	}
	for i, m := range gotMessages {
		if m.Position != int64(i) {
			t.Errorf("message %d out of order after chunked round trip: position %d", i, m.Position)
		}
	}
}

func TestChunkChainLinks(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()

	// 25 messages at 10 per chunk -> 3 chunks linked by NextChunk; 250
	// memories at the 100-per-chunk default -> 3 memory chunks.
	record := AgentRecordExport{ID: "a1", Name: "assistant"}
	root, err := ExportAgent(ctx, bs, record, makeMemories(250), makeMessages(25), 10)
	if err != nil {
		t.Fatalf("ExportAgent: %v", err)
	}

	var export AgentExport
	if err := GetValue(ctx, bs, root, &export); err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if len(export.MessageChunks) != 3 {
		t.Fatalf("message chunks = %d, want 3", len(export.MessageChunks))
	}
	if len(export.MemoryChunks) != 3 {
		t.Fatalf("memory chunks = %d, want 3", len(export.MemoryChunks))
	}

	// Each chunk links the next; the final one links nothing.
	for i, c := range export.MessageChunks {
		var chunk MessageChunk
		if err := GetValue(ctx, bs, c, &chunk); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if i < len(export.MessageChunks)-1 {
			if chunk.NextChunk == nil || !chunk.NextChunk.Equals(export.MessageChunks[i+1]) {
				t.Errorf("chunk %d next_chunk does not link chunk %d", i, i+1)
			}
		} else if chunk.NextChunk != nil {
			t.Error("final chunk should not link a successor")
		}
		if chunk.StartPosition != int64(i*10) {
			t.Errorf("chunk %d start_position = %d", i, chunk.StartPosition)
		}
	}
}

func TestImportRegeneratesIDs(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()

	record := AgentRecordExport{ID: "a1", Name: "assistant"}
	root, err := ExportAgent(ctx, bs, record, makeMemories(1), makeMessages(2), 0)
	if err != nil {
		t.Fatalf("ExportAgent: %v", err)
	}

	gotRecord, gotMemories, gotMessages, err := ImportAgent(ctx, bs, root, ImportOptions{RegenerateIDs: true})
	if err != nil {
		t.Fatalf("ImportAgent: %v", err)
	}
	if gotRecord.ID == "a1" {
		t.Error("record id not regenerated")
	}
	if gotMemories[0].BlockID == "b0" {
		t.Error("memory block id not regenerated")
	}
	if gotMessages[0].ID == "m0" {
		t.Error("message id not regenerated")
	}
	// Content survives regeneration untouched.
	if gotMessages[0].Position != 0 || gotMemories[0].Label != "note_0" {
		t.Error("content changed during id regeneration")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()

	agentCID, err := ExportAgent(ctx, bs, AgentRecordExport{ID: "a1", Name: "assistant"}, nil, makeMessages(1), 0)
	if err != nil {
		t.Fatalf("ExportAgent: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	manifestCID, err := ExportConstellation(ctx, bs, "prod", []cid.Cid{agentCID}, nil, ExportStats{Messages: 1}, now)
	if err != nil {
		t.Fatalf("ExportConstellation: %v", err)
	}

	constellation, manifest, err := ImportConstellation(ctx, bs, manifestCID)
	if err != nil {
		t.Fatalf("ImportConstellation: %v", err)
	}
	if manifest.Version != FormatVersion || manifest.Type != ExportTypeConstellation {
		t.Errorf("manifest = %+v", manifest)
	}
	if manifest.Stats.Agents != 1 {
		t.Errorf("stats agents = %d, want 1", manifest.Stats.Agents)
	}
	if len(constellation.Agents) != 1 || !constellation.Agents[0].Equals(agentCID) {
		t.Errorf("constellation agents = %v", constellation.Agents)
	}
}

func TestNoBlockExceedsCap(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()

	// A large history: 10k short messages, default chunking.
	_, err := ExportAgent(ctx, bs, AgentRecordExport{ID: "a1"}, makeMemories(300), makeMessages(10000), 0)
	if err != nil {
		t.Fatalf("ExportAgent: %v", err)
	}
	for c, b := range bs.blocks {
		if len(b.Data) > MaxBlockSize {
			t.Errorf("block %s exceeds cap: %d bytes", c, len(b.Data))
		}
	}
}
