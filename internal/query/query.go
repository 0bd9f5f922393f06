// Package query composes Store, Mempool, and Caches into the read-side
// operations of spec.md §4.8: history, balance, listunspent, get_first_use,
// get_merkle, utxo.get, and cashaccount.lookup. Every call builds its answer
// from one immutable view of the tip height so results stay internally
// consistent even if the indexer advances mid-call.
package query

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/cache"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/headerchain"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/mempool"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store/schema"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// Daemon is the subset of rpcclient.Client Query needs for cache-miss
// fallback (raw tx/block bytes the Store itself never persists in full).
type Daemon interface {
	GetRawTransaction(txid chainhash.Hash, blockHash *chainhash.Hash) ([]byte, error)
	GetBlock(hash chainhash.Hash) ([]byte, error)
}

// TxIdsDecoder extracts a block's ordered txid list, the minimal decode
// get_merkle needs; kept separate from indexer.BlockDecoder since Query
// doesn't need full transaction decoding for this path.
type TxIdsDecoder interface {
	DecodeBlockTxIds(raw []byte) ([]chainhash.Hash, error)
}

// TxValueSummer sums a raw transaction's output value, and resolves a
// single output's scripthash/amount; left as an external collaborator per
// spec.md §1 (script/tx wire decoding assumed available).
type TxValueSummer interface {
	SumOutputValue(raw []byte) (int64, error)
	OutputAt(raw []byte, vout uint32) (chainhash.ScriptHash, int64, error)
}

// Query is the read-side façade. All fields are safe for concurrent use by
// many readers.
type Query struct {
	store   *store.Store
	mp      *mempool.Mempool
	chain   *headerchain.Chain
	daemon  Daemon
	txIds   TxIdsDecoder
	summer  TxValueSummer

	txCache         *cache.TxCache
	blockTxidsCache *cache.BlockTxidsCache
	statusCache     *cache.StatusHashCache
}

func New(st *store.Store, mp *mempool.Mempool, chain *headerchain.Chain, daemon Daemon, txIds TxIdsDecoder, summer TxValueSummer, txCache *cache.TxCache, blockTxidsCache *cache.BlockTxidsCache, statusCache *cache.StatusHashCache) *Query {
	return &Query{
		store:           st,
		mp:              mp,
		chain:           chain,
		daemon:          daemon,
		txIds:           txIds,
		summer:          summer,
		txCache:         txCache,
		blockTxidsCache: blockTxidsCache,
		statusCache:     statusCache,
	}
}

// HistoryEntry is one row of blockchain.scripthash.get_history /
// blockchain.scripthash.get_mempool (spec §4.8). Height follows the
// Electrum convention: positive for confirmed, 0 for unconfirmed with all
// parents confirmed, -1 for unconfirmed with an unconfirmed parent.
type HistoryEntry struct {
	Height int64
	TxId   chainhash.Hash
	Fee    int64 // only meaningful when Height <= 0
}

// History implements blockchain.scripthash.get_history (spec §4.8).
func (q *Query) History(ctx context.Context, sh chainhash.ScriptHash) ([]HistoryEntry, error) {
	confirmed, err := q.confirmedHistory(ctx, sh)
	if err != nil {
		return nil, err
	}
	unconfirmed := q.unconfirmedHistory(sh)

	sort.Slice(confirmed, func(i, j int) bool {
		if confirmed[i].Height != confirmed[j].Height {
			return confirmed[i].Height < confirmed[j].Height
		}
		return chainhash.HexBE(confirmed[i].TxId) < chainhash.HexBE(confirmed[j].TxId)
	})
	return append(confirmed, unconfirmed...), nil
}

// confirmedHistory scans funding rows for sh, dereferences their TxRow
// (filtering false 8-byte prefix collisions on the full txid), and enriches
// with whichever row spends each funding output, again collision-filtered
// (spec §4.8, §8 invariant 5).
func (q *Query) confirmedHistory(ctx context.Context, sh chainhash.ScriptHash) ([]HistoryEntry, error) {
	seen := make(map[chainhash.Hash]HistoryEntry)

	err := q.store.ScanPrefix(ctx, schema.FundingPrefix(sh), func(kv store.KV) (bool, error) {
		fv, err := schema.DecodeFundingValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode funding row")
		}
		height, ok := heightFromFundingKey(kv.Key)
		if !ok {
			return true, nil
		}
		if !q.txRowConfirms(fv.TxId, height) {
			return true, nil // phantom or stale row; invariant 2 says this shouldn't happen in a clean index
		}
		seen[fv.TxId] = HistoryEntry{Height: int64(height), TxId: fv.TxId}

		spender, spentHeight, ok, err := q.confirmedSpender(fv.TxId, fv.Vout)
		if err != nil {
			return false, err
		}
		if ok {
			seen[spender] = HistoryEntry{Height: int64(spentHeight), TxId: spender}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	return out, nil
}

func (q *Query) txRowConfirms(txid chainhash.Hash, height uint32) bool {
	raw, err := q.store.Get(schema.TxKey(txid))
	if err != nil {
		return false
	}
	tv, err := schema.DecodeTxValue(raw)
	return err == nil && tv.ConfirmedHeight == height
}

// confirmedSpender finds the (collision-filtered) spender of (txid, vout),
// plus the height at which the spending transaction confirmed.
func (q *Query) confirmedSpender(txid chainhash.Hash, vout uint32) (chainhash.Hash, uint32, bool, error) {
	var spender chainhash.Hash
	var height uint32
	var found bool

	err := q.store.ScanPrefix(context.Background(), schema.SpendingOutpointPrefix(txid, vout), func(kv store.KV) (bool, error) {
		sv, err := schema.DecodeSpendingValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode spending row")
		}
		if sv.FundingTxId != txid || sv.FundingVout != vout {
			return true, nil // 8-byte key-prefix collision, not the real spend
		}
		raw, err := q.store.Get(schema.TxKey(sv.SpendingTxId))
		if err != nil {
			return true, nil
		}
		tv, err := schema.DecodeTxValue(raw)
		if err != nil {
			return true, nil
		}
		spender, height, found = sv.SpendingTxId, tv.ConfirmedHeight, true
		return false, nil
	})
	return spender, height, found, err
}

// unconfirmedHistory merges mempool entries funding or spending sh.
func (q *Query) unconfirmedHistory(sh chainhash.ScriptHash) []HistoryEntry {
	seen := make(map[chainhash.Hash]HistoryEntry)
	for _, e := range q.mp.FindByScriptHash(sh) {
		seen[e.TxId] = HistoryEntry{Height: unconfirmedHeight(e.UnconfirmedParents), TxId: e.TxId, Fee: e.FeeSats}
	}
	// A confirmed output of sh spent by a still-unconfirmed transaction
	// also belongs in sh's history.
	err := q.store.ScanPrefix(context.Background(), schema.FundingPrefix(sh), func(kv store.KV) (bool, error) {
		fv, err := schema.DecodeFundingValue(kv.Value)
		if err != nil {
			return true, nil
		}
		if spender, ok := q.mp.SpenderOf(mempool.Outpoint{TxId: fv.TxId, Vout: fv.Vout}); ok {
			if e, ok := q.mp.Get(spender); ok {
				seen[spender] = HistoryEntry{Height: unconfirmedHeight(e.UnconfirmedParents), TxId: spender, Fee: e.FeeSats}
			}
		}
		return true, nil
	})
	_ = err // best-effort enrichment; a scan error here must not fail the whole mempool view

	out := make([]HistoryEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return chainhash.HexBE(out[i].TxId) < chainhash.HexBE(out[j].TxId) })
	return out
}

func unconfirmedHeight(hasUnconfirmedParent bool) int64 {
	if hasUnconfirmedParent {
		return -1
	}
	return 0
}

// Balance is the response shape of blockchain.scripthash.get_balance.
type Balance struct {
	ConfirmedSats   int64
	UnconfirmedSats int64
}

// Balance implements spec §4.8 balance(scripthash): sum of funding minus
// sum of spent funding, partitioned into confirmed/unconfirmed. Makes a
// single pass over the funding rows in key order, looking up each output's
// spender as it goes (DESIGN.md Open Question decision 4 — the bit-for-bit
// reference order).
func (q *Query) Balance(ctx context.Context, sh chainhash.ScriptHash) (Balance, error) {
	var bal Balance

	err := q.store.ScanPrefix(ctx, schema.FundingPrefix(sh), func(kv store.KV) (bool, error) {
		fv, err := schema.DecodeFundingValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode funding row")
		}
		height, ok := heightFromFundingKey(kv.Key)
		if !ok || !q.txRowConfirms(fv.TxId, height) {
			return true, nil
		}
		bal.ConfirmedSats += fv.AmountSats

		if _, _, spent, err := q.confirmedSpender(fv.TxId, fv.Vout); err != nil {
			return false, err
		} else if spent {
			bal.ConfirmedSats -= fv.AmountSats
		} else if spender, ok := q.mp.SpenderOf(mempool.Outpoint{TxId: fv.TxId, Vout: fv.Vout}); ok {
			if e, ok := q.mp.Get(spender); ok {
				_ = e
				bal.UnconfirmedSats -= fv.AmountSats
			}
		}
		return true, nil
	})
	if err != nil {
		return Balance{}, err
	}

	for _, e := range q.mp.FindByScriptHash(sh) {
		for _, f := range e.Funding {
			if f.ScriptHash == sh {
				bal.UnconfirmedSats += f.AmountSats
			}
		}
	}
	return bal, nil
}

// Utxo is one unspent output, the element type of listunspent.
type Utxo struct {
	TxId       chainhash.Hash
	Vout       uint32
	Height     int64 // 0 if unconfirmed
	AmountSats int64
}

// ListUnspent implements spec §4.8 listunspent(scripthash): funding rows
// minus those spent (confirmed or mempool), plus unconfirmed funding not
// yet spent.
func (q *Query) ListUnspent(ctx context.Context, sh chainhash.ScriptHash) ([]Utxo, error) {
	var out []Utxo

	err := q.store.ScanPrefix(ctx, schema.FundingPrefix(sh), func(kv store.KV) (bool, error) {
		fv, err := schema.DecodeFundingValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode funding row")
		}
		height, ok := heightFromFundingKey(kv.Key)
		if !ok || !q.txRowConfirms(fv.TxId, height) {
			return true, nil
		}
		if _, _, spent, err := q.confirmedSpender(fv.TxId, fv.Vout); err != nil {
			return false, err
		} else if spent {
			return true, nil
		}
		if _, ok := q.mp.SpenderOf(mempool.Outpoint{TxId: fv.TxId, Vout: fv.Vout}); ok {
			return true, nil
		}
		out = append(out, Utxo{TxId: fv.TxId, Vout: fv.Vout, Height: int64(height), AmountSats: fv.AmountSats})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range q.mp.FindByScriptHash(sh) {
		for _, f := range e.Funding {
			if f.ScriptHash != sh {
				continue
			}
			op := mempool.Outpoint{TxId: e.TxId, Vout: f.Vout}
			if _, ok := q.mp.SpenderOf(op); ok {
				continue
			}
			out = append(out, Utxo{TxId: e.TxId, Vout: f.Vout, Height: 0, AmountSats: f.AmountSats})
		}
	}
	return out, nil
}

// GetFirstUse implements spec §4.8 get_first_use(scripthash): the
// minimum-height, minimum-txid funding row, via one bounded scan (funding
// rows already sort height-ascending; ties break on key order, which
// embeds the txid prefix).
func (q *Query) GetFirstUse(ctx context.Context, sh chainhash.ScriptHash) (Utxo, error) {
	var first Utxo
	found := false

	err := q.store.ScanPrefix(ctx, schema.FundingPrefix(sh), func(kv store.KV) (bool, error) {
		fv, err := schema.DecodeFundingValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode funding row")
		}
		height, ok := heightFromFundingKey(kv.Key)
		if !ok || !q.txRowConfirms(fv.TxId, height) {
			return true, nil
		}
		first = Utxo{TxId: fv.TxId, Vout: fv.Vout, Height: int64(height), AmountSats: fv.AmountSats}
		found = true
		return false, nil // funding rows scan height-ascending; first hit wins
	})
	if err != nil {
		return Utxo{}, err
	}
	if !found {
		return Utxo{}, xerrors.New(xerrors.NotFound, "scripthash has no funding rows")
	}
	return first, nil
}

// MerkleProof is the response shape of blockchain.transaction.get_merkle.
type MerkleProof struct {
	BlockHeight int64
	Pos         int
	Merkle      []chainhash.Hash
}

// GetMerkle implements spec §4.8 get_merkle(txid, height?): height resolved
// from TxRow if omitted, block-txid list served from BlockTxidsCache
// (populated from a single block fetch on miss), and a standard
// Bitcoin-style Merkle branch (duplicate-last-node, bottom-up
// double-SHA-256) built directly rather than through a third-party library
// whose exact byte conventions can't be verified (see DESIGN.md).
func (q *Query) GetMerkle(ctx context.Context, txid chainhash.Hash, height *uint32) (MerkleProof, error) {
	h, err := q.resolveHeight(txid, height)
	if err != nil {
		return MerkleProof{}, err
	}

	txids, blockHash, err := q.blockTxIds(h)
	if err != nil {
		return MerkleProof{}, err
	}

	pos := -1
	for i, id := range txids {
		if id == txid {
			pos = i
			break
		}
	}
	if pos < 0 {
		return MerkleProof{}, xerrors.New(xerrors.NotFound, "txid not found in its claimed block")
	}

	branch := merkleBranch(txids, pos)
	_ = blockHash
	return MerkleProof{BlockHeight: int64(h), Pos: pos, Merkle: branch}, nil
}

func (q *Query) resolveHeight(txid chainhash.Hash, height *uint32) (uint32, error) {
	if height != nil {
		return *height, nil
	}
	raw, err := q.store.Get(schema.TxKey(txid))
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.NotFound, "unconfirmed transaction has no merkle proof")
	}
	tv, err := schema.DecodeTxValue(raw)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.Internal, "decode tx row")
	}
	return tv.ConfirmedHeight, nil
}

func (q *Query) blockTxIds(height uint32) ([]chainhash.Hash, chainhash.Hash, error) {
	raw, err := q.store.Get(schema.HeaderKey(height))
	if err != nil {
		return nil, chainhash.Hash{}, xerrors.Wrap(err, xerrors.NotFound, "no header at height")
	}
	hv, err := schema.DecodeHeaderValue(raw)
	if err != nil {
		return nil, chainhash.Hash{}, xerrors.Wrap(err, xerrors.Internal, "decode header row")
	}

	if ids, ok := q.blockTxidsCache.Get(hv.Hash); ok {
		return ids, hv.Hash, nil
	}

	blockRaw, err := q.daemon.GetBlock(hv.Hash)
	if err != nil {
		return nil, hv.Hash, err
	}
	ids, err := q.txIds.DecodeBlockTxIds(blockRaw)
	if err != nil {
		return nil, hv.Hash, xerrors.Wrap(err, xerrors.Internal, "decode block txids")
	}
	q.blockTxidsCache.Set(hv.Hash, ids)
	return ids, hv.Hash, nil
}

// merkleBranch builds the Electrum/Bitcoin Merkle branch for the leaf at
// pos: at each level, the sibling hash is recorded and the level's list
// collapses pairwise, duplicating the last node when the level has odd
// length.
func merkleBranch(txids []chainhash.Hash, pos int) []chainhash.Hash {
	level := append([]chainhash.Hash{}, txids...)
	var branch []chainhash.Hash
	idx := pos

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		siblingIdx := idx ^ 1
		branch = append(branch, level[siblingIdx])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = pairHash(level[i], level[i+1])
		}
		level = next
		idx /= 2
	}
	return branch
}

func pairHash(a, b chainhash.Hash) chainhash.Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return chainhash.DoubleHashH(buf)
}

// UtxoInfo is the response shape of blockchain.utxo.get.
type UtxoInfo struct {
	State      string // "spent" or "unspent"
	Height     int64
	AmountSats int64
	ScriptHash chainhash.ScriptHash
	SpentBy    *chainhash.Hash
}

// GetUtxo implements spec §4.8 utxo.get(txid, vout): state, height,
// value_sats, scripthash, and the spender record or nulls.
func (q *Query) GetUtxo(ctx context.Context, txid chainhash.Hash, vout uint32) (UtxoInfo, error) {
	raw, err := q.store.Get(schema.TxKey(txid))
	if err != nil {
		return UtxoInfo{}, xerrors.Wrap(err, xerrors.NotFound, "unknown txid")
	}
	tv, err := schema.DecodeTxValue(raw)
	if err != nil {
		return UtxoInfo{}, xerrors.Wrap(err, xerrors.Internal, "decode tx row")
	}

	var info UtxoInfo
	if sv, height, ok, serr := q.confirmedSpender(txid, vout); serr == nil && ok {
		info.State = "spent"
		id := sv
		info.SpentBy = &id
		info.Height = int64(height)
	} else if spender, ok := q.mp.SpenderOf(mempool.Outpoint{TxId: txid, Vout: vout}); ok {
		info.State = "spent"
		info.SpentBy = &spender
	} else {
		info.State = "unspent"
		info.Height = int64(tv.ConfirmedHeight)
	}

	sh, amount, err := q.resolveOutput(txid, vout)
	if err != nil {
		return UtxoInfo{}, err
	}
	info.ScriptHash = sh
	info.AmountSats = amount
	return info, nil
}

// resolveOutput fetches the funding transaction (TxCache first, daemon on
// miss — the same fallback GetVerboseTransaction uses) and decodes vout's
// scripthash/amount, recovering the half of utxo.get's response the
// TxRow/funding-row schema alone can't answer without already knowing the
// scripthash the outpoint was indexed under.
func (q *Query) resolveOutput(txid chainhash.Hash, vout uint32) (chainhash.ScriptHash, int64, error) {
	raw, ok := q.txCache.Get(txid)
	if !ok {
		var blockHash *chainhash.Hash
		if h, err := q.confirmedBlockHashOrNil(txid); err == nil && h != nil {
			blockHash = h
		}
		var err error
		raw, err = q.daemon.GetRawTransaction(txid, blockHash)
		if err != nil {
			return chainhash.ScriptHash{}, 0, err
		}
		q.txCache.Set(txid, raw)
	}
	return q.summer.OutputAt(raw, vout)
}

var cashAccountNameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,99}$`)

// CashAccountResult is one match of cashaccount.lookup.
type CashAccountResult struct {
	TxId chainhash.Hash
}

// CashAccountLookup implements spec §4.8 cashaccount.lookup(name, height):
// validates name/height/offset, scans the name+height hash-prefixed rows,
// dereferences full txids, and sorts by little-endian txid before applying
// offset.
func (q *Query) CashAccountLookup(ctx context.Context, name string, height uint32, activationHeight uint32, offset int) ([]CashAccountResult, error) {
	if !cashAccountNameRE.MatchString(name) {
		return nil, xerrors.New(xerrors.InvalidParams, "invalid cashaccount name")
	}
	tipHeight := q.chain.TipHeight()
	if height < activationHeight || height > tipHeight {
		return nil, xerrors.New(xerrors.InvalidParams, "height out of cashaccount activation range")
	}
	if offset < 0 {
		return nil, xerrors.New(xerrors.InvalidParams, "offset must be >= 0")
	}

	h8 := schema.NameHeightHash8(name, height)
	var results []CashAccountResult
	err := q.store.ScanPrefix(ctx, schema.CashAccountPrefix(h8), func(kv store.KV) (bool, error) {
		cv, err := schema.DecodeCashAccountValue(kv.Value)
		if err != nil {
			return false, xerrors.Wrap(err, xerrors.Internal, "decode cashaccount row")
		}
		results = append(results, CashAccountResult{TxId: cv.TxId})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return littleEndianHex(results[i].TxId) < littleEndianHex(results[j].TxId)
	})

	if offset >= len(results) {
		return nil, nil
	}
	return results[offset:], nil
}

func littleEndianHex(h chainhash.Hash) string {
	return fmt.Sprintf("%x", h[:])
}

// StatusHash computes the subscription discriminator: SHA-256 over
// "{txid}:{height}:" concatenated in history() order (spec §4.8, matching
// the Electrum protocol specification exactly).
func (q *Query) StatusHash(ctx context.Context, sh chainhash.ScriptHash) (chainhash.Hash, error) {
	history, err := q.History(ctx, sh)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if len(history) == 0 {
		return chainhash.Hash{}, nil
	}

	h := sha256.New()
	for _, e := range history {
		fmt.Fprintf(h, "%s:%d:", chainhash.HexBE(e.TxId), e.Height)
	}
	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// GetConfirmedBlockhash implements the supplemented
// blockchain.transaction.get_confirmed_blockhash method: height is
// resolved from TxRow, then the active-chain hash at that height is read
// back from HeaderChain (which keeps hash->height lookups live even after
// the TxRow itself only pins a height).
func (q *Query) GetConfirmedBlockhash(txid chainhash.Hash) (chainhash.Hash, error) {
	raw, err := q.store.Get(schema.TxKey(txid))
	if err != nil {
		return chainhash.Hash{}, xerrors.Wrap(err, xerrors.NotFound, "unconfirmed transaction has no confirmed blockhash")
	}
	tv, err := schema.DecodeTxValue(raw)
	if err != nil {
		return chainhash.Hash{}, xerrors.Wrap(err, xerrors.Internal, "decode tx row")
	}
	hash, ok := q.chain.HashAtHeight(tv.ConfirmedHeight)
	if !ok {
		return chainhash.Hash{}, xerrors.New(xerrors.NotFound, "height not on active chain")
	}
	return hash, nil
}

// GetMempool implements the supplemented
// blockchain.scripthash.get_mempool: the unconfirmed-only subset of
// History, as a thin filter (SPEC_FULL.md §4).
func (q *Query) GetMempool(sh chainhash.ScriptHash) []HistoryEntry {
	return q.unconfirmedHistory(sh)
}

// VerboseTransaction is the response shape of
// blockchain.transaction.get(verbose=true). Both ValueSats and ValueCoins
// are populated (DESIGN.md Open Question decision 1).
type VerboseTransaction struct {
	TxId          chainhash.Hash
	Hex           string
	Confirmations int64
	Height        uint32
	ValueSats     int64
	ValueCoins    string
}

// GetVerboseTransaction fetches raw bytes (TxCache first, daemon on miss)
// and composes the verbose response; Height is 0 for unconfirmed.
func (q *Query) GetVerboseTransaction(txid chainhash.Hash) (VerboseTransaction, error) {
	raw, ok := q.txCache.Get(txid)
	if !ok {
		var blockHash *chainhash.Hash
		if h, err := q.confirmedBlockHashOrNil(txid); err == nil && h != nil {
			blockHash = h
		}
		var err error
		raw, err = q.daemon.GetRawTransaction(txid, blockHash)
		if err != nil {
			return VerboseTransaction{}, err
		}
		q.txCache.Set(txid, raw)
	}

	total, err := q.summer.SumOutputValue(raw)
	if err != nil {
		return VerboseTransaction{}, xerrors.Wrap(err, xerrors.Internal, "sum output value")
	}

	vt := VerboseTransaction{
		TxId:       txid,
		Hex:        fmt.Sprintf("%x", raw),
		ValueSats:  total,
		ValueCoins: fmt.Sprintf("%d.%08d", total/1e8, abs64(total)%1e8),
	}
	if txRaw, err := q.store.Get(schema.TxKey(txid)); err == nil {
		if tv, err := schema.DecodeTxValue(txRaw); err == nil {
			vt.Height = tv.ConfirmedHeight
			vt.Confirmations = int64(q.chain.TipHeight()) - int64(tv.ConfirmedHeight) + 1
		}
	}
	return vt, nil
}

func (q *Query) confirmedBlockHashOrNil(txid chainhash.Hash) (*chainhash.Hash, error) {
	h, err := q.GetConfirmedBlockhash(txid)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func heightFromFundingKey(key []byte) (uint32, bool) {
	// PrefixFunding(1) + scripthash_prefix(8) + height(4) + ...
	if len(key) < 13 {
		return 0, false
	}
	return uint32(key[9])<<24 | uint32(key[10])<<16 | uint32(key[11])<<8 | uint32(key[12]), true
}
