package txdecode

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

func coinbaseTx() *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x01, 0x02},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(5000000000, []byte{0x76, 0xa9, 0x14}))
	return tx
}

func spendingTx(prev wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prev, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9, 0x14, 0xaa, 0xbb}))
	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func TestDecodeBlockProducesFundingAndSpending(t *testing.T) {
	cb := coinbaseTx()
	spend := spendingTx(wire.OutPoint{Hash: cb.TxHash(), Index: 0})

	blk := wire.NewMsgBlock(&wire.BlockHeader{Timestamp: time.Unix(1700000000, 0)})
	require.NoError(t, blk.AddTransaction(cb))
	require.NoError(t, blk.AddTransaction(spend))

	var buf bytes.Buffer
	require.NoError(t, blk.Serialize(&buf))

	d := New()
	hdr, txs, err := d.DecodeBlock(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, chainhash.Hash(blk.Header.BlockHash()), hdr.Hash)
	require.Len(t, txs, 2)

	require.True(t, txs[0].Inputs[0].Coinbase)
	require.Equal(t, chainhash.HashH(cb.TxOut[0].PkScript), txs[0].Outputs[0].ScriptHash)

	require.False(t, txs[1].Inputs[0].Coinbase)
	require.Equal(t, chainhash.Hash(cb.TxHash()), txs[1].Inputs[0].PrevTxId)
}

func TestSumOutputValue(t *testing.T) {
	tx := spendingTx(wire.OutPoint{})
	tx.AddTxOut(wire.NewTxOut(2500, []byte{0x51}))

	d := New()
	total, err := d.SumOutputValue(serializeTx(t, tx))
	require.NoError(t, err)
	require.Equal(t, int64(1000+2500), total)
}

func TestOutputAtResolvesScriptHashAndAmount(t *testing.T) {
	tx := spendingTx(wire.OutPoint{})
	tx.AddTxOut(wire.NewTxOut(2500, []byte{0x51}))

	d := New()
	sh, amount, err := d.OutputAt(serializeTx(t, tx), 1)
	require.NoError(t, err)
	require.Equal(t, chainhash.HashH([]byte{0x51}), sh)
	require.Equal(t, int64(2500), amount)

	_, _, err = d.OutputAt(serializeTx(t, tx), 5)
	require.Error(t, err)
}

func TestDecodeMempoolTxFunding(t *testing.T) {
	tx := spendingTx(wire.OutPoint{Index: 3})

	d := New()
	funding, spending, err := d.Decode(serializeTx(t, tx))
	require.NoError(t, err)
	require.Len(t, funding, 1)
	require.Equal(t, int64(1000), funding[0].AmountSats)
	require.Len(t, spending, 1)
	require.Equal(t, uint32(3), spending[0].PrevOutpoint.Vout)
}

func TestCashAccountNameExtraction(t *testing.T) {
	script := append([]byte{0x6a, 0x04}, cashAccountProtocolID...)
	script = append(script, 0x05)
	script = append(script, []byte("alice")...)

	name, ok := cashAccountName(script)
	require.True(t, ok)
	require.Equal(t, "alice", name)
}

func TestCashAccountNameIgnoresUnrelatedOpReturn(t *testing.T) {
	script := []byte{0x6a, 0x04, 0x00, 0x00, 0x00, 0x00}
	_, ok := cashAccountName(script)
	require.False(t, ok)
}

