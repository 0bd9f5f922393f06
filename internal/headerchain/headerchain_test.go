package headerchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcclient"
)

type fakeDaemon struct {
	byHash map[chainhash.Hash]rpcclient.RawHeader
	tip    chainhash.Hash
}

func (f *fakeDaemon) GetBlockchainInfo() (rpcclient.BlockchainInfo, error) {
	return rpcclient.BlockchainInfo{BestHash: chainhash.HexBE(f.tip), TipHeight: f.byHash[f.tip].Height}, nil
}

func (f *fakeDaemon) GetBlockHeader(hash chainhash.Hash) (rpcclient.RawHeader, error) {
	return f.byHash[hash], nil
}

func mkChain(n int) (*fakeDaemon, []chainhash.Hash) {
	f := &fakeDaemon{byHash: map[chainhash.Hash]rpcclient.RawHeader{}}
	var prev chainhash.Hash
	hashes := make([]chainhash.Hash, 0, n)
	for i := 0; i < n; i++ {
		h := chainhash.DoubleHashH([]byte{byte(i)})
		f.byHash[h] = rpcclient.RawHeader{Hash: h, PrevHash: prev, Height: uint32(i)}
		prev = h
		hashes = append(hashes, h)
	}
	f.tip = hashes[len(hashes)-1]
	return f, hashes
}

func TestRefreshFastPathAppend(t *testing.T) {
	daemon, hashes := mkChain(3)
	c := New(daemon, 0, 0)
	c.Seed([]Header{{Hash: hashes[0], Height: 0}, {Hash: hashes[1], Height: 1}})

	delta, err := c.Refresh()
	require.NoError(t, err)
	require.Empty(t, delta.Removed)
	require.Len(t, delta.Added, 1)
	require.Equal(t, hashes[2], delta.Added[0].Hash)

	c.Commit(delta)
	require.Equal(t, uint32(2), c.TipHeight())
}

func TestRefreshNoopWhenTipMatches(t *testing.T) {
	daemon, hashes := mkChain(2)
	c := New(daemon, 0, 0)
	c.Seed([]Header{{Hash: hashes[0], Height: 0}, {Hash: hashes[1], Height: 1}})

	delta, err := c.Refresh()
	require.NoError(t, err)
	require.Empty(t, delta.Added)
	require.Empty(t, delta.Removed)
}
