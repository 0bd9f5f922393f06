package rpcserver

import (
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// networkParams resolves the configured network name (spec §6
// "mainnet"/"testnet") to the chaincfg.Params an address decode needs to
// validate its version byte against.
func networkParams(network string) *chaincfg.Params {
	if network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// decodeAddress converts a base58check legacy address into the scripthash
// the scripthash-keyed query.Query methods are indexed by: standard
// P2PKH/P2SH templates hashed the same way internal/txdecode derives a
// funding output's scripthash. Address decoding is an external collaborator
// per spec.md §1, so this is the one concrete implementation of it, the way
// internal/txdecode is the one concrete implementation of the wire-decoding
// collaborator.
func decodeAddress(network, addr string) (chainhash.ScriptHash, error) {
	a, err := btcutil.DecodeAddress(addr, networkParams(network))
	if err != nil {
		return chainhash.ScriptHash{}, xerrors.Wrap(err, xerrors.InvalidParams, "bad address")
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return chainhash.ScriptHash{}, xerrors.Wrap(err, xerrors.InvalidParams, "unsupported address type")
	}
	return chainhash.HashH(script), nil
}

// parseAddress reads the single positional address-string parameter every
// blockchain.address.* method takes and resolves it to a scripthash.
func parseAddress(s *Server, params json.RawMessage) (chainhash.ScriptHash, error) {
	var addr string
	if err := decodeParams(params, &addr); err != nil {
		return chainhash.ScriptHash{}, err
	}
	return decodeAddress(s.cfg.Network, addr)
}
