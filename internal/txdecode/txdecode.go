// Package txdecode implements the wire/script decoding boundary that
// internal/indexer, internal/query, and internal/mempool each leave as an
// external-collaborator interface (spec.md §1). It deserializes blocks and
// transactions with github.com/btcsuite/btcd/wire (the same legacy,
// non-segwit wire format BCH inherited from Bitcoin) and derives each
// output's scripthash surrogate as chainhash.HashH(pkScript), the plain
// SHA-256 Electrum convention.
package txdecode

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/indexer"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/mempool"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// cashAccountProtocolID is the 4-byte CashAccounts OP_RETURN protocol
// prefix (0x01010101); a registration output carries it immediately after
// the OP_RETURN opcode and push-length byte.
var cashAccountProtocolID = []byte{0x01, 0x01, 0x01, 0x01}

// Decoder implements indexer.BlockDecoder, query.TxIdsDecoder,
// query.TxValueSummer, and mempool.Decoder over the same underlying wire
// parsing, so a single value can be wired into every collaborator slot
// that needs one.
type Decoder struct{}

// New returns a stateless Decoder.
func New() *Decoder {
	return &Decoder{}
}

// DecodeBlock satisfies indexer.BlockDecoder.
func (d *Decoder) DecodeBlock(raw []byte) (indexer.BlockHeaderFields, []indexer.DecodedTx, error) {
	var blk wire.MsgBlock
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return indexer.BlockHeaderFields{}, nil, err
	}

	hdr := indexer.BlockHeaderFields{
		Hash:       chainhash.Hash(blk.Header.BlockHash()),
		PrevHash:   chainhash.Hash(blk.Header.PrevBlock),
		MerkleRoot: chainhash.Hash(blk.Header.MerkleRoot),
		Time:       uint32(blk.Header.Timestamp.Unix()),
		Bits:       blk.Header.Bits,
		Nonce:      blk.Header.Nonce,
	}

	txs := make([]indexer.DecodedTx, len(blk.Transactions))
	for i, tx := range blk.Transactions {
		txs[i] = decodeTx(tx, i == 0)
	}
	return hdr, txs, nil
}

// DecodeBlockTxIds satisfies query.TxIdsDecoder: it deserializes the full
// block and returns only the ordered txid list get_merkle needs.
func (d *Decoder) DecodeBlockTxIds(raw []byte) ([]chainhash.Hash, error) {
	var blk wire.MsgBlock
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	ids := make([]chainhash.Hash, len(blk.Transactions))
	for i, tx := range blk.Transactions {
		ids[i] = chainhash.Hash(tx.TxHash())
	}
	return ids, nil
}

// SumOutputValue satisfies query.TxValueSummer.
func (d *Decoder) SumOutputValue(raw []byte) (int64, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return 0, err
	}
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	return total, nil
}

// OutputAt satisfies query.TxValueSummer's single-output resolution: the
// scripthash/amount a (txid, vout) funded, used by utxo.get to answer
// "scripthash"/"value_sats" without the caller already knowing the
// scripthash the outpoint was indexed under.
func (d *Decoder) OutputAt(raw []byte, vout uint32) (chainhash.Hash, int64, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, 0, err
	}
	if int(vout) >= len(tx.TxOut) {
		return chainhash.Hash{}, 0, xerrors.New(xerrors.NotFound, "vout out of range")
	}
	out := tx.TxOut[vout]
	return chainhash.HashH(out.PkScript), out.Value, nil
}

// Decode satisfies mempool.Decoder.
func (d *Decoder) Decode(raw []byte) ([]mempool.Funding, []mempool.Spending, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, nil, err
	}
	dt := decodeTx(&tx, isCoinbase(&tx))

	funding := make([]mempool.Funding, len(dt.Outputs))
	for i, out := range dt.Outputs {
		funding[i] = mempool.Funding{ScriptHash: out.ScriptHash, Vout: out.Vout, AmountSats: out.AmountSats}
	}
	var spending []mempool.Spending
	for i, in := range dt.Inputs {
		if in.Coinbase {
			continue
		}
		spending = append(spending, mempool.Spending{
			PrevOutpoint: mempool.Outpoint{TxId: in.PrevTxId, Vout: in.PrevVout},
			InputIndex:   uint32(i),
		})
	}
	return funding, spending, nil
}

func isCoinbase(tx *wire.MsgTx) bool {
	return len(tx.TxIn) == 1 && tx.TxIn[0].PreviousOutPoint.Index == wire.MaxPrevOutIndex
}

func decodeTx(tx *wire.MsgTx, coinbaseBlock bool) indexer.DecodedTx {
	dt := indexer.DecodedTx{TxId: chainhash.Hash(tx.TxHash())}

	dt.Inputs = make([]indexer.DecodedInput, len(tx.TxIn))
	for i, in := range tx.TxIn {
		cb := coinbaseBlock && i == 0 && in.PreviousOutPoint.Index == wire.MaxPrevOutIndex
		dt.Inputs[i] = indexer.DecodedInput{
			PrevTxId: chainhash.Hash(in.PreviousOutPoint.Hash),
			PrevVout: in.PreviousOutPoint.Index,
			Coinbase: cb,
		}
	}

	dt.Outputs = make([]indexer.DecodedOutput, len(tx.TxOut))
	for i, out := range tx.TxOut {
		dt.Outputs[i] = indexer.DecodedOutput{
			Vout:       uint32(i),
			ScriptHash: chainhash.HashH(out.PkScript),
			AmountSats: out.Value,
		}
		if name, ok := cashAccountName(out.PkScript); ok {
			dt.HasCashAccount = true
			dt.CashAccountName = name
		}
	}
	return dt
}

// cashAccountName extracts a CashAccounts registration name from an
// OP_RETURN output, a minimal decode of the protocol's payload layout:
// OP_RETURN, push(4-byte protocol id), push(name).
func cashAccountName(pkScript []byte) (string, bool) {
	if len(pkScript) < 2 || pkScript[0] != 0x6a { // OP_RETURN
		return "", false
	}
	r := bytes.NewReader(pkScript[1:])
	proto, ok := readPush(r)
	if !ok || !bytes.Equal(proto, cashAccountProtocolID) {
		return "", false
	}
	name, ok := readPush(r)
	if !ok || len(name) == 0 {
		return "", false
	}
	return string(name), true
}

// readPush reads one minimally-pushed data element from a script reader,
// handling only the direct-length (<= 0x4b), OP_PUSHDATA1 and
// OP_PUSHDATA2 forms; OP_PUSHDATA4 and any other opcode are rejected.
func readPush(r *bytes.Reader) ([]byte, bool) {
	op, err := r.ReadByte()
	if err != nil {
		return nil, false
	}
	var n int
	switch {
	case op <= 0x4b:
		n = int(op)
	case op == 0x4c: // OP_PUSHDATA1
		lb, err := r.ReadByte()
		if err != nil {
			return nil, false
		}
		n = int(lb)
	case op == 0x4d: // OP_PUSHDATA2
		var lb [2]byte
		if _, err := r.Read(lb[:]); err != nil {
			return nil, false
		}
		n = int(binary.LittleEndian.Uint16(lb[:]))
	default:
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, false
	}
	return buf, true
}
