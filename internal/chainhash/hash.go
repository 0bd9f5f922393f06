// Package chainhash defines the 32-byte identifiers used throughout the
// index: transaction ids and scripthashes. Both are displayed hex-encoded
// little-endian, matching the Electrum wire convention.
package chainhash

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is a 32-byte double-SHA-256 digest.
type Hash = chainhash.Hash

// TxId is a transaction id: double-SHA-256 of the serialized transaction.
type TxId = Hash

// ScriptHash is the SHA-256 of a scriptPubKey, the client-visible address
// surrogate.
type ScriptHash = Hash

// DoubleHashH returns the double-SHA-256 of b.
func DoubleHashH(b []byte) Hash {
	return chainhash.DoubleHashH(b)
}

// HashH returns the single SHA-256 of b (used for scripthashes).
func HashH(b []byte) Hash {
	return chainhash.HashH(b)
}

// NewHashFromStr parses a little-endian hex string into a Hash.
func NewHashFromStr(s string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return Hash{}, err
	}
	return *h, nil
}

// Prefix8 returns the first 8 bytes of the hash's natural (internal) byte
// order, used as the truncated key prefix in funding/spending/cashaccount
// rows (spec §3 FundingRow/SpendingRow/CashAccountRow).
func Prefix8(h Hash) [8]byte {
	var p [8]byte
	copy(p[:], h[:8])
	return p
}

// Hash8 hashes an arbitrary byte string down to an 8-byte prefix, used for
// cashaccount row keys: hash8(name || '#' || height).
func Hash8(b []byte) [8]byte {
	full := HashH(b)
	var p [8]byte
	copy(p[:], full[:8])
	return p
}

// HexBE returns the display hex string (bytes reversed from internal order,
// the RPC convention), the same form NewHashFromStr parses.
func HexBE(h Hash) string {
	return hex.EncodeToString(reverse(h[:]))
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
