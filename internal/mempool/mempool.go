// Package mempool shadows the node's unconfirmed transaction set (spec.md
// §4.6): funding/spending/fee tables kept in memory, refreshed by a single
// poller thread via diff against the node's current mempool snapshot.
package mempool

import (
	"github.com/sirupsen/logrus"

	deadlock "github.com/deso-protocol/go-deadlock"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcclient"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// Funding describes one output of an unconfirmed transaction.
type Funding struct {
	ScriptHash chainhash.ScriptHash
	Vout       uint32
	AmountSats int64
}

// Spending describes one input of an unconfirmed transaction.
type Spending struct {
	PrevOutpoint Outpoint
	InputIndex   uint32
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxId chainhash.TxId
	Vout uint32
}

// Entry is one unconfirmed transaction (spec §3 MempoolEntry).
type Entry struct {
	TxId               chainhash.TxId
	Raw                []byte
	FeeSats            int64
	VSize              int64
	UnconfirmedParents bool
	Funding            []Funding
	Spending           []Spending
}

// Daemon is the subset of rpcclient.Client Mempool depends on.
type Daemon interface {
	GetMempoolTxids() ([]chainhash.Hash, error)
	GetMempoolEntry(txid chainhash.Hash) (rpcclient.MempoolEntryInfo, error)
	GetRawTransaction(txid chainhash.Hash, blockHash *chainhash.Hash) ([]byte, error)
}

// Decoder parses a raw transaction's funding/spending for mempool
// registration; left as an interface since transaction decoding is an
// external collaborator per spec.md §1 (crypto/script primitives assumed
// available).
type Decoder interface {
	Decode(raw []byte) (funding []Funding, spending []Spending, err error)
}

// InvalidationSink receives the set of scripthashes touched by a diff, so
// Subscriptions (spec §4.9) can recompute status hashes.
type InvalidationSink interface {
	NotifyTouched(scripthashes []chainhash.ScriptHash)
}

// Mempool is the shadow unconfirmed-set index. Owned by a single poller
// goroutine; Query readers acquire the RWMutex for reads only.
type Mempool struct {
	mu deadlock.RWMutex

	entries map[chainhash.TxId]*Entry

	// byScriptHash indexes Funding entries for find_by_scripthash.
	byScriptHash map[chainhash.ScriptHash][]chainhash.TxId
	// spentBy maps an outpoint to the mempool tx that spends it.
	spentBy map[Outpoint]chainhash.TxId

	daemon  Daemon
	decoder Decoder
	sink    InvalidationSink
	log     *logrus.Entry
}

func New(daemon Daemon, decoder Decoder, sink InvalidationSink) *Mempool {
	return &Mempool{
		entries:      make(map[chainhash.TxId]*Entry),
		byScriptHash: make(map[chainhash.ScriptHash][]chainhash.TxId),
		spentBy:      make(map[Outpoint]chainhash.TxId),
		daemon:       daemon,
		decoder:      decoder,
		sink:         sink,
		log:          logrus.WithField("component", "mempool"),
	}
}

// Poll computes to_add/to_remove against the node's current set and
// applies the diff (spec §4.6). It is meant to be called repeatedly from
// the single poller goroutine that owns the Mempool.
func (m *Mempool) Poll() error {
	nodeIds, err := m.daemon.GetMempoolTxids()
	if err != nil {
		return err
	}
	nodeSet := make(map[chainhash.TxId]struct{}, len(nodeIds))
	for _, id := range nodeIds {
		nodeSet[id] = struct{}{}
	}

	m.mu.RLock()
	var toAdd, toRemove []chainhash.TxId
	for id := range nodeSet {
		if _, ok := m.entries[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range m.entries {
		if _, ok := nodeSet[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	touched := make(map[chainhash.ScriptHash]struct{})

	// Remove first, then add: spec §9.3 models RBF replacement as
	// remove-then-add within one diff, accepting a short window where
	// neither the old nor the new transaction is visible.
	for _, id := range toRemove {
		for _, sh := range m.unregister(id) {
			touched[sh] = struct{}{}
		}
	}
	for _, id := range toAdd {
		sh, err := m.register(id)
		if err != nil {
			m.log.WithError(err).WithField("txid", chainhash.HexBE(id)).Warn("failed to register mempool entry")
			continue
		}
		for _, s := range sh {
			touched[s] = struct{}{}
		}
	}

	if len(toAdd)+len(toRemove) > 0 {
		m.recomputeUnconfirmedParents()
	}

	if m.sink != nil && len(touched) > 0 {
		list := make([]chainhash.ScriptHash, 0, len(touched))
		for sh := range touched {
			list = append(list, sh)
		}
		m.sink.NotifyTouched(list)
	}
	return nil
}

func (m *Mempool) register(id chainhash.TxId) ([]chainhash.ScriptHash, error) {
	raw, err := m.daemon.GetRawTransaction(id, nil)
	if err != nil {
		return nil, err
	}
	info, err := m.daemon.GetMempoolEntry(id)
	if err != nil {
		return nil, err
	}
	funding, spending, err := m.decoder.Decode(raw)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.Internal, "decode mempool tx")
	}

	entry := &Entry{
		TxId:    id,
		Raw:     raw,
		FeeSats: info.FeeSats,
		VSize:   info.VSize,
		Funding: funding,
		Spending: spending,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry
	touched := make([]chainhash.ScriptHash, 0, len(funding))
	for _, f := range funding {
		m.byScriptHash[f.ScriptHash] = append(m.byScriptHash[f.ScriptHash], id)
		touched = append(touched, f.ScriptHash)
	}
	for _, s := range spending {
		m.spentBy[s.PrevOutpoint] = id
	}
	return touched, nil
}

func (m *Mempool) unregister(id chainhash.TxId) []chainhash.ScriptHash {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil
	}
	delete(m.entries, id)

	touched := make([]chainhash.ScriptHash, 0, len(entry.Funding))
	for _, f := range entry.Funding {
		list := m.byScriptHash[f.ScriptHash]
		for i, other := range list {
			if other == id {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(m.byScriptHash, f.ScriptHash)
		} else {
			m.byScriptHash[f.ScriptHash] = list
		}
		touched = append(touched, f.ScriptHash)
	}
	for _, s := range entry.Spending {
		if cur, ok := m.spentBy[s.PrevOutpoint]; ok && cur == id {
			delete(m.spentBy, s.PrevOutpoint)
		}
	}
	return touched
}

// recomputeUnconfirmedParents computes, by transitive closure over
// Spending -> other mempool entries, whether each entry has any
// unconfirmed ancestor. This is recomputed wholesale on every diff, not
// maintained incrementally (spec §4.6, §9 "computed on diff, not
// maintained incrementally" for cyclic parent/child references).
func (m *Mempool) recomputeUnconfirmedParents() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Chain confirmation is monotonic: a tx cannot have an unconfirmed
	// ancestor beyond its direct inputs without at least one of those
	// direct inputs itself being unconfirmed. So the transitive check
	// collapses to "does any input spend a txid currently in entries".
	for _, entry := range m.entries {
		unconfirmed := false
		for _, s := range entry.Spending {
			if _, ok := m.entries[s.PrevOutpoint.TxId]; ok {
				unconfirmed = true
				break
			}
		}
		entry.UnconfirmedParents = unconfirmed
	}
}

// FindByScriptHash returns all mempool entries funding sh.
func (m *Mempool) FindByScriptHash(sh chainhash.ScriptHash) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byScriptHash[sh]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// SpenderOf returns the mempool txid spending op, if any.
func (m *Mempool) SpenderOf(op Outpoint) (chainhash.TxId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.spentBy[op]
	return id, ok
}

func (m *Mempool) Get(id chainhash.TxId) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Mempool) Fee(id chainhash.TxId) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.FeeSats, true
}

func (m *Mempool) Has(id chainhash.TxId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Len returns the current number of tracked mempool entries, for metrics.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// FeeHistogram buckets entries by fee rate (sats/byte) into the standard
// Electrum exponential buckets (SPEC_FULL.md §4 supplemented feature).
func (m *Mempool) FeeHistogram() [][2]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	const base = 1.1
	buckets := make(map[int]int64)
	for _, e := range m.entries {
		if e.VSize == 0 {
			continue
		}
		rate := float64(e.FeeSats) / float64(e.VSize)
		bucket := 0
		r := rate
		for r > 1 {
			r /= base
			bucket++
		}
		buckets[bucket] += e.VSize
	}

	out := make([][2]float64, 0, len(buckets))
	for b, vsize := range buckets {
		rate := 1.0
		for i := 0; i < b; i++ {
			rate *= base
		}
		out = append(out, [2]float64{rate, float64(vsize)})
	}
	return out
}
