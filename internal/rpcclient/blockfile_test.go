package rpcclient

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

// writeBlockFile packs raw blocks into one blk*.dat-shaped file: 4-byte
// magic, 4-byte little-endian size, then the block bytes, repeated.
func writeBlockFile(t *testing.T, dir, name string, blocks [][]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for _, b := range blocks {
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(b)))
		_, err := f.Write([]byte{0xf9, 0xbe, 0xb4, 0xd9})
		require.NoError(t, err)
		_, err = f.Write(size[:])
		require.NoError(t, err)
		_, err = f.Write(b)
		require.NoError(t, err)
	}
	return path
}

func fakeBlock(header80 byte, txCount int) []byte {
	b := make([]byte, 80+txCount)
	b[0] = header80
	return b
}

func TestBlockFileReaderReadAll(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{fakeBlock(1, 4), fakeBlock(2, 6)}
	writeBlockFile(t, dir, "blk00000.dat", blocks)

	r, err := NewBlockFileReader(dir)
	require.NoError(t, err)

	var seen [][]byte
	err = r.ReadAll(func(raw []byte) error {
		seen = append(seen, append([]byte{}, raw...))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, blocks[0], seen[0])
	require.Equal(t, blocks[1], seen[1])
}

func TestBlockIndexGetBlock(t *testing.T) {
	dir := t.TempDir()
	blk := fakeBlock(7, 10)
	writeBlockFile(t, dir, "blk00000.dat", [][]byte{blk})

	r, err := NewBlockFileReader(dir)
	require.NoError(t, err)
	idx, err := r.BuildIndex()
	require.NoError(t, err)

	hash := chainhash.DoubleHashH(blk[:80])
	raw, err := idx.GetBlock(hash)
	require.NoError(t, err)
	require.Equal(t, blk, raw)

	_, err = idx.GetBlock(chainhash.Hash{0xff})
	require.Error(t, err)
}
