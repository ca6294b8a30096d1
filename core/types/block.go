package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// Hash is a 32-byte blake3 digest identifying a block or transaction.
type Hash [32]byte

// HashBytes digests an arbitrary payload into a Hash.
func HashBytes(b []byte) Hash {
	return blake3.Sum256(b)
}

// HashFromBytes copies b into a Hash. Inputs longer than 32 bytes are
// truncated, shorter ones are left-aligned.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// HashFromHex parses the canonical "0x"-prefixed hex form produced by
// String. The prefix is optional.
func HashFromHex(s string) (Hash, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Hash{}, fmt.Errorf("types: invalid hash %q: %w", s, err)
	}
	if len(raw) != len(Hash{}) {
		return Hash{}, fmt.Errorf("types: invalid hash %q: want %d bytes, got %d", s, len(Hash{}), len(raw))
	}
	return HashFromBytes(raw), nil
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// BlockHeader carries the metadata relayed for a block. The header hash is
// the block's identity on the wire.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
	PrevHash  Hash   `json:"prevHash"`
	TxRoot    Hash   `json:"txRoot"`
}

// Block is the unit relayed on the block gossip path.
type Block struct {
	Header       *BlockHeader   `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock assembles a block from a header and a set of transactions.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the blake3 digest of the RLP-encoded header.
func (h *BlockHeader) Hash() (Hash, error) {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return Hash{}, err
	}
	return blake3.Sum256(enc), nil
}

// Hash returns the identifying hash of the block, which is its header hash.
func (b *Block) Hash() (Hash, error) {
	return b.Header.Hash()
}

// TxRoot computes the digest committing to an ordered transaction list.
func TxRoot(txs []*Transaction) (Hash, error) {
	var buf bytes.Buffer
	for _, tx := range txs {
		h, err := tx.Hash()
		if err != nil {
			return Hash{}, err
		}
		buf.Write(h[:])
	}
	return blake3.Sum256(buf.Bytes()), nil
}
