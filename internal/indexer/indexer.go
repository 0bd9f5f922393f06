// Package indexer implements spec.md §4.5: the bulk (initial sync) and
// incremental pipelines from blocks to index rows, and reorg rollback.
// Bulk mode fans a fixed worker pool out across Fetch/Parse and drains
// results through a single ordered Write stage; incremental mode reuses
// the same Write stage for one block at a time.
package indexer

import (
	"context"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"

	deadlock "github.com/deso-protocol/go-deadlock"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/headerchain"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store/schema"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// BlockSource supplies raw blocks, either via RPC or a blk*.dat file
// reader (spec §4.5 "Fetch").
type BlockSource interface {
	GetBlock(hash chainhash.Hash) ([]byte, error)
}

// InvalidationSink is notified with the scripthashes touched by a commit
// or rollback, so Subscriptions (spec §4.9) can recompute status hashes.
type InvalidationSink interface {
	NotifyTouched(scripthashes []chainhash.ScriptHash)
}

// Config controls the bulk pipeline's parallelism and batching.
type Config struct {
	BulkIndexThreads            int
	IndexBatchSize              int
	CashAccountActivationHeight uint32
	CompactionBacklogThreshold  int
}

func (c Config) compactionBacklogThresholdOrDefault() int {
	if c.CompactionBacklogThreshold <= 0 {
		return 10000
	}
	return c.CompactionBacklogThreshold
}

// Indexer drives the Store from DaemonClient-supplied blocks.
type Indexer struct {
	store   *store.Store
	source  BlockSource
	decoder BlockDecoder
	chain   *headerchain.Chain
	sink    InvalidationSink
	cfg     Config
	log     *logrus.Entry

	writeMu deadlock.Mutex // enforces the single-writer discipline of spec §5
}

func New(st *store.Store, source BlockSource, decoder BlockDecoder, chain *headerchain.Chain, sink InvalidationSink, cfg Config) *Indexer {
	if cfg.BulkIndexThreads <= 0 {
		cfg.BulkIndexThreads = runtime.NumCPU()
	}
	if cfg.IndexBatchSize <= 0 {
		cfg.IndexBatchSize = 256
	}
	return &Indexer{
		store:   st,
		source:  source,
		decoder: decoder,
		chain:   chain,
		sink:    sink,
		cfg:     cfg,
		log:     logrus.WithField("component", "indexer"),
	}
}

// LoadHeaders reads back every durably indexed header in ascending height
// order, so HeaderChain can be Seed()-ed on restart without re-fetching the
// whole chain from the daemon.
func LoadHeaders(ctx context.Context, st *store.Store) ([]headerchain.Header, error) {
	var out []headerchain.Header
	prefix := []byte{schema.PrefixHeader}
	err := st.ScanPrefix(ctx, prefix, func(kv store.KV) (bool, error) {
		hv, err := schema.DecodeHeaderValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode header row")
		}
		height := heightFromHeaderKey(kv.Key)
		out = append(out, headerchain.Header{
			Hash:       hv.Hash,
			PrevHash:   hv.PrevHash,
			Height:     height,
			MerkleRoot: hv.MerkleRoot,
			Time:       hv.Time,
			Bits:       hv.Bits,
			Nonce:      hv.Nonce,
		})
		return true, nil
	})
	return out, err
}

func heightFromHeaderKey(key []byte) uint32 {
	if len(key) != 5 {
		return 0
	}
	return uint32(key[1])<<24 | uint32(key[2])<<16 | uint32(key[3])<<8 | uint32(key[4])
}

// blockJob is one unit of bulk-pipeline work: the height a block must be
// written at and the hash a worker fetches it by.
type blockJob struct {
	height uint32
	hash   chainhash.Hash
}

type parsedBlock struct {
	height uint32
	header BlockHeaderFields
	txs    []DecodedTx
	err    error
}

// BulkIndex performs the initial parallel sync of headers in height order:
// Fetch -> fan-out Parse workers -> ordered single Write.
func (ix *Indexer) BulkIndex(ctx context.Context, headers []headerchain.Header) error {
	if len(headers) == 0 {
		return nil
	}

	jobs := make(chan blockJob, ix.cfg.IndexBatchSize)
	parsed := make(chan parsedBlock, ix.cfg.IndexBatchSize)

	go func() {
		defer close(jobs)
		for _, h := range headers {
			select {
			case jobs <- blockJob{height: h.Height, hash: h.Hash}:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := ix.cfg.BulkIndexThreads
	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for job := range jobs {
				raw, err := ix.source.GetBlock(job.hash)
				if err != nil {
					parsed <- parsedBlock{height: job.height, err: err}
					continue
				}
				hdr, txs, err := ix.decoder.DecodeBlock(raw)
				parsed <- parsedBlock{height: job.height, header: hdr, txs: txs, err: err}
			}
		}()
	}
	go func() {
		for i := 0; i < workers; i++ {
			<-done
		}
		close(parsed)
	}()

	// The writer must apply blocks in height order even though parse
	// workers finish out of order, so results are buffered until the
	// next expected height is available (spec §4.5 "a single writer that
	// drains batches in height order").
	pending := make(map[uint32]parsedBlock)
	nextHeight := headers[0].Height
	applied := 0

	for pb := range parsed {
		if pb.err != nil {
			return pb.err
		}
		pending[pb.height] = pb
		for {
			next, ok := pending[nextHeight]
			if !ok {
				break
			}
			if err := ix.applyParsedBlock(next); err != nil {
				return err
			}
			delete(pending, nextHeight)
			nextHeight++
			applied++
			if applied%ix.cfg.compactionBacklogThresholdOrDefault() == 0 {
				if err := ix.store.Compact(); err != nil {
					ix.log.WithError(err).Warn("compaction hint failed")
				}
			}
		}
	}
	return nil
}

// rowRecorder wraps a Batch to remember every key written during one
// block's application, so the undo log (schema.BlockOpsValue) can be
// built without a second pass over the decoded transactions.
type rowRecorder struct {
	b    *store.Batch
	keys [][]byte
}

func (r *rowRecorder) Set(key, value []byte) error {
	if err := r.b.Set(key, value); err != nil {
		return err
	}
	r.keys = append(r.keys, append([]byte{}, key...))
	return nil
}

func (ix *Indexer) applyParsedBlock(pb parsedBlock) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	touched := make(map[chainhash.ScriptHash]struct{})
	var txids []chainhash.Hash

	err := ix.store.WriteBatch(func(b *store.Batch) error {
		rec := &rowRecorder{b: b}
		if err := rec.Set(schema.HeaderKey(pb.height), schema.EncodeHeaderValue(schema.HeaderValue{
			Hash:       pb.header.Hash,
			PrevHash:   pb.header.PrevHash,
			MerkleRoot: pb.header.MerkleRoot,
			Time:       pb.header.Time,
			Bits:       pb.header.Bits,
			Nonce:      pb.header.Nonce,
		})); err != nil {
			return err
		}
		for _, tx := range pb.txs {
			if err := writeTxRows(rec, pb.height, tx, ix.cfg.CashAccountActivationHeight, touched); err != nil {
				return err
			}
			txids = append(txids, tx.TxId)
		}
		if err := b.Set(schema.MetaKey(schema.KeyBestIndexedHash), pb.header.Hash[:]); err != nil {
			return err
		}

		shList := make([]chainhash.Hash, 0, len(touched))
		for sh := range touched {
			shList = append(shList, sh)
		}
		return b.Set(schema.BlockOpsKey(pb.height), schema.EncodeBlockOpsValue(schema.BlockOpsValue{
			RowKeys:      rec.keys,
			ScriptHashes: shList,
			TxIds:        txids,
		}))
	})
	if err != nil {
		return err
	}
	if ix.sink != nil && len(touched) > 0 {
		ix.sink.NotifyTouched(setToSlice(touched))
	}
	return nil
}

// writeTxRows writes the TxRow plus every funding/spending/cashaccount row
// for tx (spec §3/§4.5). Coinbase inputs generate no SpendingRow.
func writeTxRows(rec *rowRecorder, height uint32, tx DecodedTx, cashAccountActivation uint32, touched map[chainhash.ScriptHash]struct{}) error {
	if err := rec.Set(schema.TxKey(tx.TxId), schema.EncodeTxValue(schema.TxValue{ConfirmedHeight: height})); err != nil {
		return err
	}
	for _, out := range tx.Outputs {
		key := schema.FundingKey(out.ScriptHash, height, tx.TxId, out.Vout)
		val := schema.EncodeFundingValue(schema.FundingValue{AmountSats: out.AmountSats, TxId: tx.TxId, Vout: out.Vout})
		if err := rec.Set(key, val); err != nil {
			return err
		}
		touched[out.ScriptHash] = struct{}{}
	}
	for i, in := range tx.Inputs {
		if in.Coinbase {
			continue
		}
		key := schema.SpendingKey(in.PrevTxId, in.PrevVout, tx.TxId)
		val := schema.EncodeSpendingValue(schema.SpendingValue{
			FundingTxId:  in.PrevTxId,
			FundingVout:  in.PrevVout,
			SpendingTxId: tx.TxId,
			InputIndex:   uint32(i),
		})
		if err := rec.Set(key, val); err != nil {
			return err
		}
	}
	if tx.HasCashAccount && height >= cashAccountActivation {
		h8 := schema.NameHeightHash8(tx.CashAccountName, height)
		val := schema.EncodeCashAccountValue(schema.CashAccountValue{TxId: tx.TxId})
		if err := rec.Set(schema.CashAccountKey(h8, tx.TxId), val); err != nil {
			return err
		}
	}
	return nil
}

func setToSlice(m map[chainhash.ScriptHash]struct{}) []chainhash.ScriptHash {
	out := make([]chainhash.ScriptHash, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Rollback undoes removed (tip-down order, as returned by HeaderChain.Delta)
// by replaying each block's undo log backwards: delete every row the block
// wrote, delete the TxRow only if it still points at the height being
// removed (a transaction re-confirmed at a different height must keep its
// surviving TxRow), then delete the header and undo-log rows themselves
// (spec §4.5, §8 invariant 1 "reorg atomicity").
func (ix *Indexer) Rollback(removed []headerchain.Header) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	touched := make(map[chainhash.ScriptHash]struct{})

	for _, h := range removed {
		raw, err := ix.store.Get(schema.BlockOpsKey(h.Height))
		if err != nil {
			if xerrors.Is(err, xerrors.NotFound) {
				// Nothing was ever durably written for this height (e.g.
				// crash before commit); rollback of it is a no-op.
				continue
			}
			return err
		}
		ops, err := schema.DecodeBlockOpsValue(raw)
		if err != nil {
			return xerrors.Wrap(err, xerrors.Internal, "decode undo log")
		}

		err = ix.store.WriteBatch(func(b *store.Batch) error {
			for _, key := range ops.RowKeys {
				if len(key) > 0 && key[0] == schema.PrefixTx {
					// TxRows are removed below, only if still at this height.
					continue
				}
				if err := b.Delete(key); err != nil {
					return err
				}
			}
			for _, txid := range ops.TxIds {
				raw, err := ix.store.Get(schema.TxKey(txid))
				if err != nil && !xerrors.Is(err, xerrors.NotFound) {
					return err
				}
				if err == nil {
					tv, derr := schema.DecodeTxValue(raw)
					if derr == nil && tv.ConfirmedHeight == h.Height {
						if err := b.Delete(schema.TxKey(txid)); err != nil {
							return err
						}
					}
				}
			}
			if err := b.Delete(schema.HeaderKey(h.Height)); err != nil {
				return err
			}
			if err := b.Delete(schema.BlockOpsKey(h.Height)); err != nil {
				return err
			}
			if h.Height == 0 {
				return b.Set(schema.MetaKey(schema.KeyBestIndexedHash), make([]byte, 32))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, sh := range ops.ScriptHashes {
			touched[sh] = struct{}{}
		}
	}

	if ix.sink != nil && len(touched) > 0 {
		ix.sink.NotifyTouched(setToSlice(touched))
	}
	return nil
}

// Incremental wakes on a timer/signal/broadcast (spec §4.5): refresh the
// header chain, roll back any removed blocks, then apply added blocks in
// order through the same single-writer path as bulk mode.
func (ix *Indexer) Incremental(ctx context.Context) error {
	delta, err := ix.chain.Refresh()
	if err != nil {
		return err
	}
	if len(delta.Removed) == 0 && len(delta.Added) == 0 {
		return nil
	}

	if len(delta.Removed) > 0 {
		if err := ix.Rollback(delta.Removed); err != nil {
			return err
		}
	}

	added := append([]headerchain.Header{}, delta.Added...)
	sort.Slice(added, func(i, j int) bool { return added[i].Height < added[j].Height })
	for _, h := range added {
		raw, err := ix.source.GetBlock(h.Hash)
		if err != nil {
			return err
		}
		hdr, txs, err := ix.decoder.DecodeBlock(raw)
		if err != nil {
			return err
		}
		if hdr.PrevHash != h.PrevHash {
			// The fetched block doesn't match the header chain's own view
			// of its parent; discard and let the caller re-Refresh (spec
			// §4.5 edge case: "If the node returns a block that does not
			// extend HeaderChain, the fetch is discarded and refresh() is
			// called").
			return xerrors.New(xerrors.Internal, "fetched block does not extend header chain, refresh required")
		}
		if err := ix.applyParsedBlock(parsedBlock{height: h.Height, header: hdr, txs: txs}); err != nil {
			return err
		}
	}

	ix.chain.Commit(delta)
	return nil
}
