// Package cache implements the three bounded caches of spec.md §4.7:
// TxCache and BlockTxidsCache are bounded by bytes (ristretto, the same
// cache engine Badger itself embeds internally), StatusHashCache is
// bounded by entry count and invalidated on write (hashicorp/golang-lru).
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dgraph-io/ristretto"
	deadlock "github.com/deso-protocol/go-deadlock"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

// Counters tracks churn/hit/miss per cache (spec §4.7 "each cache exports
// churn/hit/miss counters").
type Counters struct {
	Hits   int64
	Misses int64
	Churn  int64
}

func (c *Counters) hit()  { atomic.AddInt64(&c.Hits, 1) }
func (c *Counters) miss() { atomic.AddInt64(&c.Misses, 1) }
func (c *Counters) evict() { atomic.AddInt64(&c.Churn, 1) }

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() Counters {
	return Counters{
		Hits:   atomic.LoadInt64(&c.Hits),
		Misses: atomic.LoadInt64(&c.Misses),
		Churn:  atomic.LoadInt64(&c.Churn),
	}
}

// TxCache maps txid -> raw transaction bytes, admitted on first fetch,
// evicted by ristretto's approximate-LFU/random-sample policy rather than
// strict LRU (spec §4.7: "avoids the scan cost of strict LRU").
type TxCache struct {
	c        *ristretto.Cache
	counters Counters
}

func NewTxCache(maxBytes int64) (*TxCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxBytes / 100 * 10, // ~10x expected entry count, ristretto's own sizing rule of thumb
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TxCache{c: rc}, nil
}

func (tc *TxCache) Get(txid chainhash.Hash) ([]byte, bool) {
	v, ok := tc.c.Get(txid)
	if !ok {
		tc.counters.miss()
		return nil, false
	}
	tc.counters.hit()
	return v.([]byte), true
}

func (tc *TxCache) Set(txid chainhash.Hash, raw []byte) {
	if !tc.c.Set(txid, raw, int64(len(raw))) {
		tc.counters.evict()
	}
}

func (tc *TxCache) Counters() Counters { return tc.counters.Snapshot() }

// BlockTxidsCache maps blockhash -> ordered txid list, used heavily for
// get_merkle (spec §4.7).
type BlockTxidsCache struct {
	c        *ristretto.Cache
	counters Counters
}

func NewBlockTxidsCache(maxBytes int64) (*BlockTxidsCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxBytes / 32 * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &BlockTxidsCache{c: rc}, nil
}

func (bc *BlockTxidsCache) Get(blockHash chainhash.Hash) ([]chainhash.Hash, bool) {
	v, ok := bc.c.Get(blockHash)
	if !ok {
		bc.counters.miss()
		return nil, false
	}
	bc.counters.hit()
	return v.([]chainhash.Hash), true
}

func (bc *BlockTxidsCache) Set(blockHash chainhash.Hash, txids []chainhash.Hash) {
	if !bc.c.Set(blockHash, txids, int64(len(txids)*32)) {
		bc.counters.evict()
	}
}

func (bc *BlockTxidsCache) Counters() Counters { return bc.counters.Snapshot() }

// StatusHashEntry is the cached per-scripthash discriminator (spec §4.7).
type StatusHashEntry struct {
	StatusHash          chainhash.Hash
	LastConfirmedHeight uint32
	MempoolFingerprint  uint64
}

// StatusHashCache is bounded by entry count and invalidated by any write
// touching the scripthash or any mempool diff touching it.
type StatusHashCache struct {
	mu       deadlock.Mutex
	lc       *lru.Cache[chainhash.Hash, StatusHashEntry]
	counters Counters
}

func NewStatusHashCache(maxEntries int) *StatusHashCache {
	c, _ := lru.New[chainhash.Hash, StatusHashEntry](maxEntries)
	return &StatusHashCache{lc: c}
}

func (sc *StatusHashCache) Get(sh chainhash.Hash) (StatusHashEntry, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.lc.Get(sh)
	if !ok {
		sc.counters.miss()
		return StatusHashEntry{}, false
	}
	sc.counters.hit()
	return v, true
}

func (sc *StatusHashCache) Set(sh chainhash.Hash, v StatusHashEntry) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lc.Add(sh, v) {
		sc.counters.evict()
	}
}

// Invalidate drops the cached entry for sh, if any.
func (sc *StatusHashCache) Invalidate(sh chainhash.Hash) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lc.Remove(sh) {
		sc.counters.evict()
	}
}

func (sc *StatusHashCache) Counters() Counters { return sc.counters.Snapshot() }
