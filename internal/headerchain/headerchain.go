// Package headerchain holds the in-memory authoritative view of the
// active header chain (spec.md §4.4): a contiguous array of headers plus
// hash->height lookup, reorg detection via common-ancestor search.
package headerchain

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcclient"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// Header is the subset of block-header data the chain tracks.
type Header struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	Height     uint32
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Delta describes a reorg: the set of blocks that must be rolled back and
// the new blocks to apply (spec §4.4).
type Delta struct {
	CommonAncestorHeight uint32
	Removed              []Header // tip-down order
	Added                []Header // ancestor-up order
}

// Daemon is the subset of rpcclient.Client HeaderChain depends on.
type Daemon interface {
	GetBlockchainInfo() (rpcclient.BlockchainInfo, error)
	GetBlockHeader(hash chainhash.Hash) (rpcclient.RawHeader, error)
}

// Chain is the in-memory active chain.
type Chain struct {
	mu         sync.RWMutex
	headers    []Header // index i = height genesisHeight+i
	genesisHt  uint32
	byHash     map[chainhash.Hash]uint32

	daemon   Daemon
	depthCap int
	log      *logrus.Entry
}

// New constructs an empty Chain rooted at genesisHeight (normally 0).
func New(daemon Daemon, genesisHeight uint32, reorgDepthCap int) *Chain {
	return &Chain{
		headers:   nil,
		genesisHt: genesisHeight,
		byHash:    make(map[chainhash.Hash]uint32),
		daemon:    daemon,
		depthCap:  reorgDepthCap,
		log:       logrus.WithField("component", "headerchain"),
	}
}

// Seed preloads headers already durably indexed (e.g. read back from the
// Store's header family at startup) in ascending-height order, so the
// first Refresh after a restart walks back only as far as the daemon's
// current reorg, not the whole chain.
func (c *Chain) Seed(headers []Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = append([]Header{}, headers...)
	c.byHash = make(map[chainhash.Hash]uint32, len(headers))
	for _, h := range c.headers {
		c.byHash[h.Hash] = h.Height
	}
}

// Tip returns the current tip header, or false if the chain is empty.
func (c *Chain) Tip() (Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.headers) == 0 {
		return Header{}, false
	}
	return c.headers[len(c.headers)-1], true
}

// TipHeight returns the current indexed tip height.
func (c *Chain) TipHeight() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.headers) == 0 {
		return 0
	}
	return c.headers[len(c.headers)-1].Height
}

// HeightOf returns the height of hash if it's on the active chain.
func (c *Chain) HeightOf(hash chainhash.Hash) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byHash[hash]
	return h, ok
}

// HashAtHeight returns the active-chain hash at height.
func (c *Chain) HashAtHeight(height uint32) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := int(height) - int(c.genesisHt)
	if idx < 0 || idx >= len(c.headers) {
		return chainhash.Hash{}, false
	}
	return c.headers[idx].Hash, true
}

// Genesis returns the chain's first tracked header.
func (c *Chain) Genesis() (Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.headers) == 0 {
		return Header{}, false
	}
	return c.headers[0], true
}

// Refresh fetches the node's current tip and walks prev_hash back until it
// meets the local tip (fast path, pure append) or diverges (reorg path),
// returning the resulting Delta. It does not mutate Chain state itself —
// the Indexer applies Delta.Added/Removed and calls Commit once rows are
// durably written, so a crash mid-apply never leaves Chain ahead of Store.
func (c *Chain) Refresh() (Delta, error) {
	info, err := c.daemon.GetBlockchainInfo()
	if err != nil {
		return Delta{}, err
	}
	remoteTipHash, err := chainhash.NewHashFromStr(info.BestHash)
	if err != nil {
		return Delta{}, xerrors.Wrap(err, xerrors.Internal, "parse remote tip hash")
	}

	c.mu.RLock()
	localTip, hasLocal := c.tipLocked()
	c.mu.RUnlock()

	if hasLocal && localTip.Hash == remoteTipHash {
		return Delta{}, nil
	}

	// Walk back from the remote tip until we hit a hash we know, bounded
	// by depthCap so a malicious/broken node can't make us walk forever.
	// With no local headers the walk goes down to genesisHt, uncapped.
	var newChain []Header
	cursor := remoteTipHash
	for i := 0; !hasLocal || c.depthCap <= 0 || i < c.depthCap; i++ {
		hdr, err := c.daemon.GetBlockHeader(cursor)
		if err != nil {
			return Delta{}, err
		}
		newChain = append([]Header{toHeader(hdr)}, newChain...)

		c.mu.RLock()
		knownHeight, known := c.byHash[hdr.PrevHash]
		c.mu.RUnlock()
		if known {
			return c.buildDelta(knownHeight, newChain, hasLocal)
		}
		if !hasLocal && hdr.Height <= c.genesisHt {
			return c.buildDelta(0, newChain, hasLocal)
		}
		cursor = hdr.PrevHash
	}
	return Delta{}, xerrors.New(xerrors.Internal, "reorg exceeded depth cap")
}

func (c *Chain) buildDelta(ancestorHeight uint32, added []Header, hasLocal bool) (Delta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var removed []Header
	if hasLocal {
		for h := len(c.headers) - 1; h >= 0 && c.headers[h].Height > ancestorHeight; h-- {
			removed = append(removed, c.headers[h])
		}
	}
	return Delta{CommonAncestorHeight: ancestorHeight, Removed: removed, Added: added}, nil
}

// Commit applies an already-durably-written Delta to the in-memory view.
func (c *Chain) Commit(d Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(d.Removed) > 0 {
		keepLen := int(d.CommonAncestorHeight) - int(c.genesisHt) + 1
		if keepLen < 0 {
			keepLen = 0
		}
		for _, h := range c.headers[keepLen:] {
			delete(c.byHash, h.Hash)
		}
		c.headers = c.headers[:keepLen]
	}
	for _, h := range d.Added {
		c.headers = append(c.headers, h)
		c.byHash[h.Hash] = h.Height
	}
}

func (c *Chain) tipLocked() (Header, bool) {
	if len(c.headers) == 0 {
		return Header{}, false
	}
	return c.headers[len(c.headers)-1], true
}

func toHeader(r rpcclient.RawHeader) Header {
	return Header{
		Hash:       r.Hash,
		PrevHash:   r.PrevHash,
		Height:     r.Height,
		MerkleRoot: r.MerkleRoot,
		Time:       r.Time,
		Bits:       r.Bits,
		Nonce:      r.Nonce,
	}
}
