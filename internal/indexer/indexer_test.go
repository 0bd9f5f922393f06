package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/headerchain"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store/schema"
)

// fakeChainBlock is one block's worth of canned decode output, keyed by
// its own hash so fakeSource/fakeDecoder can look it up independent of the
// (meaningless, in these tests) raw bytes.
type fakeChainBlock struct {
	header BlockHeaderFields
	txs    []DecodedTx
}

type fakeSource struct {
	blocks map[chainhash.Hash]fakeChainBlock
}

func (f *fakeSource) GetBlock(hash chainhash.Hash) ([]byte, error) {
	return hash[:], nil // the hash doubles as the "raw" payload; fakeDecoder looks it up by identity
}

type fakeDecoder struct {
	blocks map[chainhash.Hash]fakeChainBlock
}

func (f *fakeDecoder) DecodeBlock(raw []byte) (BlockHeaderFields, []DecodedTx, error) {
	var h chainhash.Hash
	copy(h[:], raw)
	b := f.blocks[h]
	return b.header, b.txs, nil
}

type fakeSink struct{ touched []chainhash.ScriptHash }

func (s *fakeSink) NotifyTouched(sh []chainhash.ScriptHash) { s.touched = append(s.touched, sh...) }

// buildChain constructs n headers 0..n-1, each committing one transaction
// that funds a distinct scripthash derived from its height, and registers
// the decode output both Fetch (fakeSource) and Parse (fakeDecoder) need.
func buildChain(n int, blocks map[chainhash.Hash]fakeChainBlock) []headerchain.Header {
	var headers []headerchain.Header
	var prev chainhash.Hash
	for height := 0; height < n; height++ {
		hash := chainhash.DoubleHashH([]byte{byte(height), 'h'})
		txid := chainhash.DoubleHashH([]byte{byte(height), 't'})
		sh := chainhash.DoubleHashH([]byte{byte(height), 's'})

		hdr := BlockHeaderFields{Hash: hash, PrevHash: prev}
		tx := DecodedTx{
			TxId:    txid,
			Outputs: []DecodedOutput{{Vout: 0, ScriptHash: sh, AmountSats: int64(height) + 1}},
			Inputs:  []DecodedInput{{Coinbase: true}},
		}
		blocks[hash] = fakeChainBlock{header: hdr, txs: []DecodedTx{tx}}

		headers = append(headers, headerchain.Header{Hash: hash, PrevHash: prev, Height: uint32(height)})
		prev = hash
	}
	return headers
}

func newTestIndexer(t *testing.T, blocks map[chainhash.Hash]fakeChainBlock, sink *fakeSink) (*Indexer, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ix := New(st, &fakeSource{blocks: blocks}, &fakeDecoder{blocks: blocks}, nil, sink, Config{BulkIndexThreads: 2})
	return ix, st
}

func countPrefix(t *testing.T, st *store.Store, prefix []byte) int {
	t.Helper()
	n := 0
	err := st.ScanPrefix(context.Background(), prefix, func(kv store.KV) (bool, error) {
		n++
		return true, nil
	})
	require.NoError(t, err)
	return n
}

func TestBulkIndexWritesHeaderAndFundingRows(t *testing.T) {
	blocks := make(map[chainhash.Hash]fakeChainBlock)
	headers := buildChain(3, blocks)
	ix, st := newTestIndexer(t, blocks, &fakeSink{})

	require.NoError(t, ix.BulkIndex(context.Background(), headers))

	require.Equal(t, 3, countPrefix(t, st, []byte{schema.PrefixHeader}))
	require.Equal(t, 3, countPrefix(t, st, []byte{schema.PrefixTx}))
	require.Equal(t, 3, countPrefix(t, st, []byte{schema.PrefixFunding}))
	require.Equal(t, 3, countPrefix(t, st, []byte{schema.PrefixBlockOps}))

	best, err := st.Get(schema.MetaKey(schema.KeyBestIndexedHash))
	require.NoError(t, err)
	require.Equal(t, headers[2].Hash[:], best)
}

// TestRollbackLeavesNoPhantomRows exercises spec invariant "no phantom
// rows": after rolling back the last two blocks of a three-block chain,
// every row family must contain exactly the rows the surviving block
// wrote, and nothing more.
func TestRollbackLeavesNoPhantomRows(t *testing.T) {
	blocks := make(map[chainhash.Hash]fakeChainBlock)
	headers := buildChain(3, blocks)
	sink := &fakeSink{}
	ix, st := newTestIndexer(t, blocks, sink)

	require.NoError(t, ix.BulkIndex(context.Background(), headers))

	removed := []headerchain.Header{headers[2], headers[1]} // tip-down order
	require.NoError(t, ix.Rollback(removed))

	require.Equal(t, 1, countPrefix(t, st, []byte{schema.PrefixHeader}))
	require.Equal(t, 1, countPrefix(t, st, []byte{schema.PrefixTx}))
	require.Equal(t, 1, countPrefix(t, st, []byte{schema.PrefixFunding}))
	require.Equal(t, 1, countPrefix(t, st, []byte{schema.PrefixBlockOps}))
	require.NotEmpty(t, sink.touched)
}

// TestReorgAtomicityMatchesDirectApply is the core property from spec §8
// invariant 1: apply(B0..B2); rollback(B1,B2); apply(B1',B2') must leave the
// store byte-identical (row counts and contents) to directly applying
// B0, B1', B2' from empty.
func TestReorgAtomicityMatchesDirectApply(t *testing.T) {
	blocksA := make(map[chainhash.Hash]fakeChainBlock)
	chainA := buildChain(3, blocksA)

	sinkReorg := &fakeSink{}
	ixReorg, stReorg := newTestIndexer(t, blocksA, sinkReorg)
	require.NoError(t, ixReorg.BulkIndex(context.Background(), chainA))
	require.NoError(t, ixReorg.Rollback([]headerchain.Header{chainA[2], chainA[1]}))

	// Build an alternate fork for heights 1 and 2 with different content.
	blocksB := make(map[chainhash.Hash]fakeChainBlock)
	var forkHeaders []headerchain.Header
	prev := chainA[0].Hash
	for height := 1; height <= 2; height++ {
		hash := chainhash.DoubleHashH([]byte{byte(height), 'H', 'x'})
		txid := chainhash.DoubleHashH([]byte{byte(height), 'T', 'x'})
		sh := chainhash.DoubleHashH([]byte{byte(height), 'S', 'x'})
		hdr := BlockHeaderFields{Hash: hash, PrevHash: prev}
		tx := DecodedTx{TxId: txid, Outputs: []DecodedOutput{{Vout: 0, ScriptHash: sh, AmountSats: 99}}, Inputs: []DecodedInput{{Coinbase: true}}}
		blocksB[hash] = fakeChainBlock{header: hdr, txs: []DecodedTx{tx}}
		forkHeaders = append(forkHeaders, headerchain.Header{Hash: hash, PrevHash: prev, Height: uint32(height)})
		prev = hash
	}
	ixReorg.source = &fakeSource{blocks: blocksB}
	ixReorg.decoder = &fakeDecoder{blocks: blocksB}
	require.NoError(t, ixReorg.BulkIndex(context.Background(), forkHeaders))

	// Direct apply: genesis from chainA plus the fork blocks, from empty.
	directBlocks := make(map[chainhash.Hash]fakeChainBlock)
	directBlocks[chainA[0].Hash] = blocksA[chainA[0].Hash]
	for h, b := range blocksB {
		directBlocks[h] = b
	}
	directHeaders := append([]headerchain.Header{chainA[0]}, forkHeaders...)
	ixDirect, stDirect := newTestIndexer(t, directBlocks, &fakeSink{})
	require.NoError(t, ixDirect.BulkIndex(context.Background(), directHeaders))

	require.Equal(t, countPrefix(t, stDirect, []byte{schema.PrefixHeader}), countPrefix(t, stReorg, []byte{schema.PrefixHeader}))
	require.Equal(t, countPrefix(t, stDirect, []byte{schema.PrefixTx}), countPrefix(t, stReorg, []byte{schema.PrefixTx}))
	require.Equal(t, countPrefix(t, stDirect, []byte{schema.PrefixFunding}), countPrefix(t, stReorg, []byte{schema.PrefixFunding}))

	bestDirect, err := stDirect.Get(schema.MetaKey(schema.KeyBestIndexedHash))
	require.NoError(t, err)
	bestReorg, err := stReorg.Get(schema.MetaKey(schema.KeyBestIndexedHash))
	require.NoError(t, err)
	require.Equal(t, bestDirect, bestReorg)
}
