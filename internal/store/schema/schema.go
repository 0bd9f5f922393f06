// Package schema defines the on-disk key/value byte layouts of spec.md
// §3/§4.2: funding, spending, transaction, cashaccount, and metadata rows.
// Multi-byte integers in keys are always big-endian so lexicographic byte
// order matches the desired scan order; values use varints or msgpack
// where entropy is low and order doesn't matter.
package schema

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
)

// SchemaVersion is the version number of this key/value layout, with
// KeySchemaVersion naming its meta row. Nothing in this module writes that
// row or compares it at startup, so an existing database is opened as-is
// whatever layout it was written with; no reindex is triggered.
const SchemaVersion uint32 = 1

// Row-type key prefixes (spec §6 "Persisted state"): 'O' funding (Output),
// 'S' spending, 'T' tx, 'C' cashaccount, 'M' meta. A sixth byte, 'H', is
// used for header rows, kept in the same "headers/meta" family as 'M'.
const (
	PrefixFunding     byte = 'O'
	PrefixSpending    byte = 'S'
	PrefixTx          byte = 'T'
	PrefixCashAccount byte = 'C'
	PrefixMeta        byte = 'M'
	PrefixHeader      byte = 'H'
	PrefixBlockOps    byte = 'U' // undo log, keyed by height
)

const (
	KeyBestIndexedHash = "best_indexed_hash"
	KeySchemaVersion   = "schema_version"
)

// FundingKey builds (scripthash_prefix[8], height u32 BE, txid_prefix[8],
// vout varint) so a single prefix scan over scripthash_prefix enumerates a
// scripthash's funding rows in ascending confirmation order (§4.2).
func FundingKey(scripthash chainhash.Hash, height uint32, txid chainhash.Hash, vout uint32) []byte {
	shp := chainhash.Prefix8(scripthash)
	txp := chainhash.Prefix8(txid)
	buf := make([]byte, 0, 1+8+4+8+binary.MaxVarintLen64)
	buf = append(buf, PrefixFunding)
	buf = append(buf, shp[:]...)
	buf = appendU32BE(buf, height)
	buf = append(buf, txp[:]...)
	buf = appendVarint(buf, uint64(vout))
	return buf
}

// FundingPrefix returns the scan prefix for all funding rows of a
// scripthash.
func FundingPrefix(scripthash chainhash.Hash) []byte {
	shp := chainhash.Prefix8(scripthash)
	buf := make([]byte, 0, 9)
	buf = append(buf, PrefixFunding)
	buf = append(buf, shp[:]...)
	return buf
}

// FundingValue is the funding row's value payload: amount in satoshis plus
// the full txid/vout, since the key itself only carries an 8-byte txid
// prefix (for compactness) and collision-safe dereferencing needs the
// whole 32 bytes (spec §8 invariant 5 "prefix-collision safety").
type FundingValue struct {
	AmountSats int64
	TxId       chainhash.Hash
	Vout       uint32
}

func EncodeFundingValue(v FundingValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeFundingValue(b []byte) (FundingValue, error) {
	var v FundingValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// SpendingKey: (funding_txid_prefix[8], funding_vout varint,
// spending_txid_prefix[8]). A prefix scan on (funding_txid_prefix,
// funding_vout) answers "is this outpoint spent, and by whom".
func SpendingKey(fundingTxid chainhash.Hash, fundingVout uint32, spendingTxid chainhash.Hash) []byte {
	ftp := chainhash.Prefix8(fundingTxid)
	stp := chainhash.Prefix8(spendingTxid)
	buf := make([]byte, 0, 1+8+binary.MaxVarintLen64+8)
	buf = append(buf, PrefixSpending)
	buf = append(buf, ftp[:]...)
	buf = appendVarint(buf, uint64(fundingVout))
	buf = append(buf, stp[:]...)
	return buf
}

// SpendingOutpointPrefix returns the scan prefix to find the (at most one,
// modulo 8-byte prefix collisions) spender of a given outpoint.
func SpendingOutpointPrefix(fundingTxid chainhash.Hash, fundingVout uint32) []byte {
	ftp := chainhash.Prefix8(fundingTxid)
	buf := make([]byte, 0, 1+8+binary.MaxVarintLen64)
	buf = append(buf, PrefixSpending)
	buf = append(buf, ftp[:]...)
	buf = appendVarint(buf, uint64(fundingVout))
	return buf
}

// SpendingValue carries the full funding and spending txids, so a
// collision-safe caller can verify the 8-byte key prefixes actually match
// before trusting a scan hit (spec §8 invariant 5).
type SpendingValue struct {
	FundingTxId  chainhash.Hash
	FundingVout  uint32
	SpendingTxId chainhash.Hash
	InputIndex   uint32
}

func EncodeSpendingValue(v SpendingValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeSpendingValue(b []byte) (SpendingValue, error) {
	var v SpendingValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// TxKey: the full txid (32B), the authoritative prefix-disambiguation
// table (spec §3 TxRow).
func TxKey(txid chainhash.Hash) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, PrefixTx)
	buf = append(buf, txid[:]...)
	return buf
}

// TxValue carries the confirming height, enough to pin a raw-transaction
// fetch to its containing block when the node lacks txindex.
type TxValue struct {
	ConfirmedHeight uint32
}

func EncodeTxValue(v TxValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeTxValue(b []byte) (TxValue, error) {
	var v TxValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// CashAccountKey: (hash8(name || '#' || height), txid_prefix[8]).
func CashAccountKey(nameHeightHash8 [8]byte, txid chainhash.Hash) []byte {
	txp := chainhash.Prefix8(txid)
	buf := make([]byte, 0, 1+8+8)
	buf = append(buf, PrefixCashAccount)
	buf = append(buf, nameHeightHash8[:]...)
	buf = append(buf, txp[:]...)
	return buf
}

func CashAccountPrefix(nameHeightHash8 [8]byte) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, PrefixCashAccount)
	buf = append(buf, nameHeightHash8[:]...)
	return buf
}

// CashAccountValue carries the full registration txid, since the key only
// stores an 8-byte prefix.
type CashAccountValue struct {
	TxId chainhash.Hash
}

func EncodeCashAccountValue(v CashAccountValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeCashAccountValue(b []byte) (CashAccountValue, error) {
	var v CashAccountValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// NameHeightHash8 computes hash8(name || '#' || height) per spec §4.8.
func NameHeightHash8(name string, height uint32) [8]byte {
	s := name + "#" + itoa(height)
	return chainhash.Hash8([]byte(s))
}

// MetaKey builds a meta-family key under PrefixMeta.
func MetaKey(name string) []byte {
	buf := make([]byte, 0, 1+len(name))
	buf = append(buf, PrefixMeta)
	buf = append(buf, []byte(name)...)
	return buf
}

// HeaderKey: block height (BE) -> header row, so a prefix scan across the
// whole header family yields headers height-ordered (teacher's
// PrefixHeightHashToNodeInfo technique).
func HeaderKey(height uint32) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, PrefixHeader)
	buf = appendU32BE(buf, height)
	return buf
}

// HeaderValue is the header row's value payload (spec §3 HeaderRow).
type HeaderValue struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

func EncodeHeaderValue(v HeaderValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeHeaderValue(b []byte) (HeaderValue, error) {
	var v HeaderValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// BlockOpsKey: height (BE) -> the undo log for that block, the set of row
// keys a rollback must delete plus the scripthashes it touched, so reorg
// rollback (spec §4.5) never has to reconstruct what a block wrote by
// re-parsing it.
func BlockOpsKey(height uint32) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, PrefixBlockOps)
	buf = appendU32BE(buf, height)
	return buf
}

// BlockOpsValue is the undo log payload for one indexed block.
type BlockOpsValue struct {
	RowKeys     [][]byte
	ScriptHashes []chainhash.Hash
	TxIds       []chainhash.Hash
}

func EncodeBlockOpsValue(v BlockOpsValue) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

func DecodeBlockOpsValue(b []byte) (BlockOpsValue, error) {
	var v BlockOpsValue
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

func appendU32BE(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits [10]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
