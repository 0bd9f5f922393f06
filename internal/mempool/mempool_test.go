package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcclient"
)

type fakeDaemon struct {
	ids     []chainhash.Hash
	raw     map[chainhash.Hash][]byte
	entries map[chainhash.Hash]rpcclient.MempoolEntryInfo
}

func (f *fakeDaemon) GetMempoolTxids() ([]chainhash.Hash, error) { return f.ids, nil }
func (f *fakeDaemon) GetMempoolEntry(txid chainhash.Hash) (rpcclient.MempoolEntryInfo, error) {
	return f.entries[txid], nil
}
func (f *fakeDaemon) GetRawTransaction(txid chainhash.Hash, blockHash *chainhash.Hash) ([]byte, error) {
	return f.raw[txid], nil
}

type fakeDecoder struct {
	fundingByTx  map[chainhash.Hash][]Funding
	spendingByTx map[chainhash.Hash][]Spending
}

func (d *fakeDecoder) Decode(raw []byte) ([]Funding, []Spending, error) {
	return nil, nil, nil // overridden per-test via wrapper below
}

type perTxDecoder struct {
	idFor   func([]byte) chainhash.Hash
	funding map[chainhash.Hash][]Funding
	spend   map[chainhash.Hash][]Spending
}

func (d *perTxDecoder) Decode(raw []byte) ([]Funding, []Spending, error) {
	id := d.idFor(raw)
	return d.funding[id], d.spend[id], nil
}

type fakeSink struct{ touched []chainhash.ScriptHash }

func (s *fakeSink) NotifyTouched(sh []chainhash.ScriptHash) { s.touched = append(s.touched, sh...) }

func TestPollRegistersNewEntries(t *testing.T) {
	tx1 := chainhash.DoubleHashH([]byte("tx1"))
	sh := chainhash.DoubleHashH([]byte("scripthash"))

	daemon := &fakeDaemon{
		ids: []chainhash.Hash{tx1},
		raw: map[chainhash.Hash][]byte{tx1: []byte("raw1")},
		entries: map[chainhash.Hash]rpcclient.MempoolEntryInfo{
			tx1: {FeeSats: 1000, VSize: 200},
		},
	}
	decoder := &perTxDecoder{
		idFor:   func(raw []byte) chainhash.Hash { return tx1 },
		funding: map[chainhash.Hash][]Funding{tx1: {{ScriptHash: sh, Vout: 0, AmountSats: 5000}}},
	}
	sink := &fakeSink{}

	mp := New(daemon, decoder, sink)
	require.NoError(t, mp.Poll())

	require.True(t, mp.Has(tx1))
	entries := mp.FindByScriptHash(sh)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1000), entries[0].FeeSats)
	require.Contains(t, sink.touched, sh)
}

func TestPollUnregistersRemovedEntries(t *testing.T) {
	tx1 := chainhash.DoubleHashH([]byte("tx1"))
	sh := chainhash.DoubleHashH([]byte("scripthash"))

	daemon := &fakeDaemon{
		ids: []chainhash.Hash{tx1},
		raw: map[chainhash.Hash][]byte{tx1: []byte("raw1")},
		entries: map[chainhash.Hash]rpcclient.MempoolEntryInfo{
			tx1: {FeeSats: 1000, VSize: 200},
		},
	}
	decoder := &perTxDecoder{
		idFor:   func(raw []byte) chainhash.Hash { return tx1 },
		funding: map[chainhash.Hash][]Funding{tx1: {{ScriptHash: sh, Vout: 0, AmountSats: 5000}}},
	}
	mp := New(daemon, decoder, &fakeSink{})
	require.NoError(t, mp.Poll())
	require.True(t, mp.Has(tx1))

	daemon.ids = nil
	require.NoError(t, mp.Poll())
	require.False(t, mp.Has(tx1))
	require.Empty(t, mp.FindByScriptHash(sh))
}

func TestUnconfirmedParentsTransitive(t *testing.T) {
	parent := chainhash.DoubleHashH([]byte("parent"))
	child := chainhash.DoubleHashH([]byte("child"))

	daemon := &fakeDaemon{
		ids: []chainhash.Hash{parent, child},
		raw: map[chainhash.Hash][]byte{parent: []byte("p"), child: []byte("c")},
		entries: map[chainhash.Hash]rpcclient.MempoolEntryInfo{
			parent: {FeeSats: 100, VSize: 100},
			child:  {FeeSats: 100, VSize: 100},
		},
	}
	decoder := &perTxDecoder{
		idFor: func(raw []byte) chainhash.Hash {
			if string(raw) == "p" {
				return parent
			}
			return child
		},
		spend: map[chainhash.Hash][]Spending{
			child: {{PrevOutpoint: Outpoint{TxId: parent, Vout: 0}}},
		},
	}
	mp := New(daemon, decoder, &fakeSink{})
	require.NoError(t, mp.Poll())

	childEntry, ok := mp.Get(child)
	require.True(t, ok)
	require.True(t, childEntry.UnconfirmedParents)

	parentEntry, ok := mp.Get(parent)
	require.True(t, ok)
	require.False(t, parentEntry.UnconfirmedParents)
}
