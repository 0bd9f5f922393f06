package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

func TestTxCacheSetGet(t *testing.T) {
	tc, err := NewTxCache(1 << 20)
	require.NoError(t, err)

	txid := chainhash.DoubleHashH([]byte("tx"))
	tc.Set(txid, []byte("raw-bytes"))
	time.Sleep(10 * time.Millisecond) // ristretto applies Set asynchronously

	got, ok := tc.Get(txid)
	require.True(t, ok)
	require.Equal(t, []byte("raw-bytes"), got)
}

func TestStatusHashCacheInvalidate(t *testing.T) {
	sc := NewStatusHashCache(10)
	sh := chainhash.DoubleHashH([]byte("scripthash"))
	entry := StatusHashEntry{StatusHash: chainhash.DoubleHashH([]byte("status"))}

	sc.Set(sh, entry)
	got, ok := sc.Get(sh)
	require.True(t, ok)
	require.Equal(t, entry, got)

	sc.Invalidate(sh)
	_, ok = sc.Get(sh)
	require.False(t, ok)
}
