// Package archive implements the content-addressed export/import codec:
// an agent, group, or whole constellation is serialized as a tree of
// DAG-CBOR blocks, each addressed by its CID, with no block exceeding
// 1,000,000 bytes so large message histories and memory archives chunk
// naturally.
//
// There is no teacher or pack precedent for content-addressed storage;
// this package is grounded directly on the two libraries the ecosystem
// uses for it: fxamacker/cbor for the encoding and ipfs/go-cid for block
// identity, the same pairing go-ipld and most Go DAG-CBOR consumers use.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// MaxBlockSize is the hard cap on a single encoded block.
const MaxBlockSize = 1_000_000

var ErrBlockTooLarge = fmt.Errorf("archive: encoded block exceeds %d bytes", MaxBlockSize)

// cidPrefix selects CIDv1 with raw binary multicodec and sha2-256, the
// conventional choice for content-addressed blob stores absent a format-
// specific codec.
var cidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Block is one CBOR-encoded, content-addressed unit in an export tree.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Encode CBOR-marshals v and wraps it in a content-addressed Block,
// rejecting anything over MaxBlockSize before it is ever persisted.
func Encode(v any) (*Block, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("archive: cbor marshal: %w", err)
	}
	if len(data) > MaxBlockSize {
		return nil, ErrBlockTooLarge
	}
	c, err := cidPrefix.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("archive: compute cid: %w", err)
	}
	return &Block{CID: c, Data: data}, nil
}

// Decode CBOR-unmarshals a block's data into v, verifying the block's
// bytes still hash to its claimed CID first so a corrupted or tampered
// block is rejected before it ever reaches application code.
func Decode(b *Block, v any) error {
	want, err := cidPrefix.Sum(b.Data)
	if err != nil {
		return fmt.Errorf("archive: recompute cid: %w", err)
	}
	if !want.Equals(b.CID) {
		return fmt.Errorf("archive: block data does not match CID %s", b.CID)
	}
	if err := cbor.Unmarshal(b.Data, v); err != nil {
		return fmt.Errorf("archive: cbor unmarshal: %w", err)
	}
	return nil
}

// BlockStore is the persistence seam for encoded blocks, keyed by CID.
// A Postgres-backed implementation stores Data as bytea keyed by the
// string form of CID; any content-addressed store works equally well.
type BlockStore interface {
	Put(ctx context.Context, b *Block) error
	Get(ctx context.Context, c cid.Cid) (*Block, error)
}

// PutValue encodes v and stores it, returning the resulting CID.
func PutValue(ctx context.Context, bs BlockStore, v any) (cid.Cid, error) {
	b, err := Encode(v)
	if err != nil {
		return cid.Undef, err
	}
	if err := bs.Put(ctx, b); err != nil {
		return cid.Undef, fmt.Errorf("archive: put block: %w", err)
	}
	return b.CID, nil
}

// GetValue fetches the block at c and decodes it into v.
func GetValue(ctx context.Context, bs BlockStore, c cid.Cid, v any) error {
	b, err := bs.Get(ctx, c)
	if err != nil {
		return fmt.Errorf("archive: get block: %w", err)
	}
	return Decode(b, v)
}

// chunk splits data into pieces no larger than size, used to keep large
// message/memory payloads under MaxBlockSize before each piece is wrapped
// in its own Block.
func chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = MaxBlockSize
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// encodeChunked CBOR-marshals v as a whole, then splits it into
// MaxBlockSize pieces if needed, storing each as its own Block and
// returning the ordered list of child CIDs a MessageChunk/MemoryChunk
// parent references.
func encodeChunked(ctx context.Context, bs BlockStore, v any) ([]cid.Cid, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("archive: cbor marshal: %w", err)
	}
	var cids []cid.Cid
	for _, piece := range chunk(data, MaxBlockSize-256) { // leave headroom for CBOR/CID framing
		c, err := cidPrefix.Sum(piece)
		if err != nil {
			return nil, fmt.Errorf("archive: compute chunk cid: %w", err)
		}
		if err := bs.Put(ctx, &Block{CID: c, Data: piece}); err != nil {
			return nil, fmt.Errorf("archive: put chunk: %w", err)
		}
		cids = append(cids, c)
	}
	return cids, nil
}

// decodeChunked reassembles pieces written by encodeChunked and unmarshals
// the result into v.
func decodeChunked(ctx context.Context, bs BlockStore, cids []cid.Cid, v any) error {
	var buf bytes.Buffer
	for _, c := range cids {
		b, err := bs.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("archive: get chunk: %w", err)
		}
		want, err := cidPrefix.Sum(b.Data)
		if err != nil {
			return fmt.Errorf("archive: recompute chunk cid: %w", err)
		}
		if !want.Equals(c) {
			return fmt.Errorf("archive: chunk data does not match CID %s", c)
		}
		buf.Write(b.Data)
	}
	if err := cbor.Unmarshal(buf.Bytes(), v); err != nil {
		return fmt.Errorf("archive: cbor unmarshal chunked: %w", err)
	}
	return nil
}
