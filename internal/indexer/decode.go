package indexer

import (
	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

// DecodedOutput is one transaction output with its scripthash surrogate
// already computed (script decoding is an external collaborator per
// spec.md §1 — "cryptographic primitives assumed available").
type DecodedOutput struct {
	Vout       uint32
	ScriptHash chainhash.ScriptHash
	AmountSats int64
}

// DecodedInput is one transaction input.
type DecodedInput struct {
	PrevTxId chainhash.TxId
	PrevVout uint32
	Coinbase bool
}

// DecodedTx is a fully parsed transaction ready for index-row generation.
type DecodedTx struct {
	TxId     chainhash.TxId
	Outputs  []DecodedOutput
	Inputs   []DecodedInput
	// CashAccountName/HasCashAccount are set by the decoder whenever the
	// transaction carries a CashAccount registration output; the
	// cashaccount_activation_height check is applied by the Indexer when it
	// writes rows (spec §4.5).
	CashAccountName string
	HasCashAccount  bool
}

// BlockDecoder turns raw block bytes into decoded transactions plus the
// block's own header fields. Left as an interface: transaction/block wire
// parsing is an external collaborator (spec.md §1).
type BlockDecoder interface {
	DecodeBlock(raw []byte) (header BlockHeaderFields, txs []DecodedTx, err error)
}

// BlockHeaderFields is the subset of header data the indexer persists.
type BlockHeaderFields struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}
