package types

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// Transaction is the mempool payload relayed between peers. The networking
// layer treats it as an opaque unit of gossip identified by its hash; field
// validation belongs to the consuming node.
type Transaction struct {
	Nonce    uint64       `json:"nonce"`
	To       []byte       `json:"to"`
	Value    *uint256.Int `json:"value"`
	GasLimit uint64       `json:"gasLimit"`
	GasPrice *uint256.Int `json:"gasPrice"`
	Data     []byte       `json:"data"`
}

// Hash returns the blake3 digest of the RLP-encoded transaction.
func (tx *Transaction) Hash() (Hash, error) {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return Hash{}, err
	}
	return blake3.Sum256(enc), nil
}
