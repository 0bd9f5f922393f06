package store

import (
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}
}

func TestWriteBatchAtomic(t *testing.T) {
	s := newTestStore(t)

	err := s.WriteBatch(func(b *Batch) error {
		require.NoError(t, b.Set([]byte("a"), []byte("1")))
		require.NoError(t, b.Set([]byte("b"), []byte("2")))
		return nil
	})
	require.NoError(t, err)

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestWriteBatchRollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	err := s.WriteBatch(func(b *Batch) error {
		require.NoError(t, b.Set([]byte("c"), []byte("3")))
		return errTestBoom
	})
	require.Error(t, err)

	_, err = s.Get([]byte("c"))
	require.Error(t, err)
}

func TestScanPrefixOrdering(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteBatch(func(b *Batch) error {
		_ = b.Set([]byte("p:1"), []byte("a"))
		_ = b.Set([]byte("p:2"), []byte("b"))
		_ = b.Set([]byte("q:1"), []byte("c"))
		return nil
	}))

	var got []string
	err := s.ScanPrefix(context.Background(), []byte("p:"), func(kv KV) (bool, error) {
		got = append(got, string(kv.Value))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)
}

var errTestBoom = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
