package rpcserver

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// errorCode maps an xerrors.Kind onto a JSON-RPC error code; unrecognized
// errors fall back to -32603 (internal error), following the standard
// JSON-RPC 2.0 reserved range.
func errorCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.InvalidParams:
		return -32602
	case xerrors.NotFound:
		return -32000
	case xerrors.Timeout:
		return -32001
	case xerrors.RateLimited:
		return -32002
	case xerrors.DaemonUnavail:
		return -32003
	default:
		return -32603
	}
}

// decodeParams unmarshals a JSON-RPC positional-array params value into
// dest in order; a request supplying fewer elements than dest leaves the
// trailing destinations at their zero value (used for optional trailing
// arguments like get_merkle's height).
func decodeParams(raw json.RawMessage, dest ...interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return xerrors.Wrap(err, xerrors.InvalidParams, "params must be a JSON array")
	}
	for i, d := range dest {
		if i >= len(arr) {
			return nil
		}
		if err := json.Unmarshal(arr[i], d); err != nil {
			return xerrors.Wrap(err, xerrors.InvalidParams, "bad parameter")
		}
	}
	return nil
}

func parseHash(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, xerrors.Wrap(err, xerrors.InvalidParams, "bad hash")
	}
	return h, nil
}

// dispatch decodes one JSON-RPC request line and returns its response (nil
// for a malformed/unparseable request, per §6 "unknown methods -> error,
// not disconnect" — only a request so broken it can't even be framed
// produces no response at all). Each handler call gets its own rpc_timeout
// budget (spec §5's sole DoS protection): the connection-lifetime ctx is
// never handed to a handler directly.
func (s *Server) dispatch(ctx context.Context, sess *session, raw []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}

	handler, ok := methodTable[req.Method]
	if !ok {
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "unknown method"}}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	result, err := handler(s, reqCtx, sess, req.Params)
	if err != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errorCode(err), Message: err.Error()}}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

type methodFunc func(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error)

var methodTable = map[string]methodFunc{
	"server.version":                          methodServerVersion,
	"server.features":                         methodServerFeatures,
	"server.banner":                           methodServerBanner,
	"server.ping":                              methodServerPing,
	"blockchain.headers.subscribe":             methodHeadersSubscribe,
	"blockchain.block.header":                  methodBlockHeader,
	"blockchain.estimatefee":                   methodEstimateFee,
	"blockchain.relayfee":                      methodRelayFee,
	"blockchain.transaction.broadcast":         methodBroadcast,
	"blockchain.transaction.get":               methodTransactionGet,
	"blockchain.transaction.get_merkle":        methodGetMerkle,
	"blockchain.transaction.get_confirmed_blockhash": methodGetConfirmedBlockhash,
	"blockchain.scripthash.get_balance":        methodGetBalance,
	"blockchain.scripthash.get_history":        methodGetHistory,
	"blockchain.scripthash.get_mempool":        methodGetMempool,
	"blockchain.scripthash.listunspent":        methodListUnspent,
	"blockchain.scripthash.get_first_use":      methodGetFirstUse,
	"blockchain.scripthash.subscribe":          methodScripthashSubscribe,
	"blockchain.scripthash.unsubscribe":        methodScripthashUnsubscribe,
	"blockchain.utxo.get":                      methodUtxoGet,
	"blockchain.cashaccount.lookup":            methodCashAccountLookup,
	"blockchain.address.get_balance":           methodAddressGetBalance,
	"blockchain.address.get_history":           methodAddressGetHistory,
	"blockchain.address.get_mempool":           methodAddressGetMempool,
	"blockchain.address.listunspent":           methodAddressListUnspent,
	"blockchain.address.get_first_use":         methodAddressGetFirstUse,
	"mempool.get_fee_histogram":                methodFeeHistogram,
}

func methodServerVersion(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	return []string{"bchelectrs", "1.4.2"}, nil
}

func methodServerFeatures(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	genesisHash := ""
	if g, ok := s.chain.Genesis(); ok {
		genesisHash = chainhash.HexBE(g.Hash)
	}
	return map[string]interface{}{
		"genesis_hash":   genesisHash,
		"hosts":          map[string]interface{}{},
		"protocol_min":   "1.4",
		"protocol_max":   "1.4.2",
		"pruning":        nil,
		"server_version": "bchelectrs 1.4.2",
	}, nil
}

func methodServerBanner(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	return "Welcome to bchelectrs", nil
}

func methodServerPing(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	return nil, nil
}

// methodHeadersSubscribe returns the current tip's height and hash. A
// full implementation would also push a notification on every new tip;
// that fan-out is a header-keyed analogue of the scripthash subscription
// engine in internal/subscribe, out of spec.md's scripthash-specific
// core scope (§2.9), so only the synchronous reply is implemented here.
func methodHeadersSubscribe(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	tip, ok := s.chain.Tip()
	if !ok {
		return nil, xerrors.New(xerrors.NotFound, "no headers indexed yet")
	}
	return map[string]interface{}{
		"height": tip.Height,
		"hex":    chainhash.HexBE(tip.Hash),
	}, nil
}

// methodBlockHeader reports a height's block hash. HeaderChain does not
// retain the raw 80-byte serialized header (only its decoded fields), so
// unlike a full Electrum server this cannot return the raw hex a wallet
// would use to independently verify proof-of-work or check a get_merkle
// branch against the header's merkle root; only the block hash is returned.
func methodBlockHeader(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var height uint32
	if err := decodeParams(params, &height); err != nil {
		return nil, err
	}
	hash, ok := s.chain.HashAtHeight(height)
	if !ok {
		return nil, xerrors.New(xerrors.NotFound, "height not on active chain")
	}
	return chainhash.HexBE(hash), nil
}

func methodEstimateFee(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	rate, err := s.daemon.EstimateRelayFee()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.DaemonUnavail, "estimatefee")
	}
	return rate, nil
}

func methodRelayFee(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	rate, err := s.daemon.EstimateRelayFee()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.DaemonUnavail, "relayfee")
	}
	return rate, nil
}

func methodBroadcast(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var rawHex string
	if err := decodeParams(params, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.InvalidParams, "transaction hex")
	}
	txid, err := s.daemon.Broadcast(raw)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.DaemonUnavail, "broadcast rejected")
	}
	return chainhash.HexBE(txid), nil
}

func methodTransactionGet(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var txidStr string
	var verbose bool
	if err := decodeParams(params, &txidStr, &verbose); err != nil {
		return nil, err
	}
	txid, err := parseHash(txidStr)
	if err != nil {
		return nil, err
	}
	vt, err := s.query.GetVerboseTransaction(txid)
	if err != nil {
		return nil, err
	}
	if !verbose {
		return vt.Hex, nil
	}
	return map[string]interface{}{
		"txid":          chainhash.HexBE(vt.TxId),
		"hex":           vt.Hex,
		"confirmations": vt.Confirmations,
		"height":        vt.Height,
		"value_sats":    vt.ValueSats,
		"value_coins":   vt.ValueCoins,
	}, nil
}

func methodGetMerkle(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var txidStr string
	var height uint32
	if err := decodeParams(params, &txidStr, &height); err != nil {
		return nil, err
	}
	txid, err := parseHash(txidStr)
	if err != nil {
		return nil, err
	}
	var heightPtr *uint32
	if height != 0 {
		heightPtr = &height
	}
	proof, err := s.query.GetMerkle(ctx, txid, heightPtr)
	if err != nil {
		return nil, err
	}
	merkle := make([]string, len(proof.Merkle))
	for i, h := range proof.Merkle {
		merkle[i] = chainhash.HexBE(h)
	}
	return map[string]interface{}{
		"block_height": proof.BlockHeight,
		"pos":          proof.Pos,
		"merkle":       merkle,
	}, nil
}

func methodGetConfirmedBlockhash(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var txidStr string
	if err := decodeParams(params, &txidStr); err != nil {
		return nil, err
	}
	txid, err := parseHash(txidStr)
	if err != nil {
		return nil, err
	}
	hash, err := s.query.GetConfirmedBlockhash(txid)
	if err != nil {
		return nil, err
	}
	return chainhash.HexBE(hash), nil
}

func parseScripthash(params json.RawMessage) (chainhash.ScriptHash, error) {
	var shStr string
	if err := decodeParams(params, &shStr); err != nil {
		return chainhash.ScriptHash{}, err
	}
	return parseHash(shStr)
}

func methodGetBalance(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	bal, err := s.query.Balance(ctx, sh)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"confirmed": bal.ConfirmedSats, "unconfirmed": bal.UnconfirmedSats}, nil
}

func historyJSON(entries []historyEntryLike) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		row := map[string]interface{}{"tx_hash": chainhash.HexBE(e.TxId), "height": e.Height}
		if e.Height <= 0 {
			row["fee"] = e.Fee
		}
		out = append(out, row)
	}
	return out
}

// historyEntryLike lets historyJSON serve both query.HistoryEntry results
// without an import-cycle-prone type alias.
type historyEntryLike struct {
	TxId   chainhash.Hash
	Height int64
	Fee    int64
}

func methodGetHistory(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	history, err := s.query.History(ctx, sh)
	if err != nil {
		return nil, err
	}
	entries := make([]historyEntryLike, len(history))
	for i, e := range history {
		entries[i] = historyEntryLike{TxId: e.TxId, Height: e.Height, Fee: e.Fee}
	}
	return historyJSON(entries), nil
}

func methodGetMempool(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	history := s.query.GetMempool(sh)
	entries := make([]historyEntryLike, len(history))
	for i, e := range history {
		entries[i] = historyEntryLike{TxId: e.TxId, Height: e.Height, Fee: e.Fee}
	}
	return historyJSON(entries), nil
}

func methodListUnspent(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	utxos, err := s.query.ListUnspent(ctx, sh)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(utxos))
	for i, u := range utxos {
		out[i] = map[string]interface{}{
			"tx_hash": chainhash.HexBE(u.TxId),
			"tx_pos":  u.Vout,
			"height":  u.Height,
			"value":   u.AmountSats,
		}
	}
	return out, nil
}

func methodGetFirstUse(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	u, err := s.query.GetFirstUse(ctx, sh)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tx_hash": chainhash.HexBE(u.TxId), "height": u.Height}, nil
}

// methodAddressGetBalance, methodAddressGetHistory, methodAddressGetMempool,
// methodAddressListUnspent, and methodAddressGetFirstUse are the
// blockchain.address.* family (spec.md §6): each decodes the address
// parameter into a scripthash via parseAddress, then delegates to the same
// query.Query method its blockchain.scripthash.* sibling already uses.
func methodAddressGetBalance(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseAddress(s, params)
	if err != nil {
		return nil, err
	}
	bal, err := s.query.Balance(ctx, sh)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"confirmed": bal.ConfirmedSats, "unconfirmed": bal.UnconfirmedSats}, nil
}

func methodAddressGetHistory(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseAddress(s, params)
	if err != nil {
		return nil, err
	}
	history, err := s.query.History(ctx, sh)
	if err != nil {
		return nil, err
	}
	entries := make([]historyEntryLike, len(history))
	for i, e := range history {
		entries[i] = historyEntryLike{TxId: e.TxId, Height: e.Height, Fee: e.Fee}
	}
	return historyJSON(entries), nil
}

func methodAddressGetMempool(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseAddress(s, params)
	if err != nil {
		return nil, err
	}
	history := s.query.GetMempool(sh)
	entries := make([]historyEntryLike, len(history))
	for i, e := range history {
		entries[i] = historyEntryLike{TxId: e.TxId, Height: e.Height, Fee: e.Fee}
	}
	return historyJSON(entries), nil
}

func methodAddressListUnspent(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseAddress(s, params)
	if err != nil {
		return nil, err
	}
	utxos, err := s.query.ListUnspent(ctx, sh)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(utxos))
	for i, u := range utxos {
		out[i] = map[string]interface{}{
			"tx_hash": chainhash.HexBE(u.TxId),
			"tx_pos":  u.Vout,
			"height":  u.Height,
			"value":   u.AmountSats,
		}
	}
	return out, nil
}

func methodAddressGetFirstUse(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseAddress(s, params)
	if err != nil {
		return nil, err
	}
	u, err := s.query.GetFirstUse(ctx, sh)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tx_hash": chainhash.HexBE(u.TxId), "height": u.Height}, nil
}

func methodScripthashSubscribe(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	status, err := s.subs.Subscribe(ctx, sess.id, sh, 0)
	if err != nil {
		return nil, err
	}
	if status == (chainhash.Hash{}) {
		return nil, nil
	}
	return chainhash.HexBE(status), nil
}

func methodScripthashUnsubscribe(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	sh, err := parseScripthash(params)
	if err != nil {
		return nil, err
	}
	s.subs.Unsubscribe(sess.id, sh)
	return true, nil
}

func methodUtxoGet(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var txidStr string
	var vout uint32
	if err := decodeParams(params, &txidStr, &vout); err != nil {
		return nil, err
	}
	txid, err := parseHash(txidStr)
	if err != nil {
		return nil, err
	}
	info, err := s.query.GetUtxo(ctx, txid, vout)
	if err != nil {
		return nil, err
	}
	row := map[string]interface{}{
		"state":      info.State,
		"height":     info.Height,
		"value_sats": info.AmountSats,
		"scripthash": chainhash.HexBE(info.ScriptHash),
	}
	if info.SpentBy != nil {
		row["spent_by"] = chainhash.HexBE(*info.SpentBy)
	}
	return row, nil
}

func methodCashAccountLookup(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	var name string
	var height uint32
	var offset int
	if err := decodeParams(params, &name, &height, &offset); err != nil {
		return nil, err
	}
	results, err := s.query.CashAccountLookup(ctx, name, height, s.cfg.CashAccountActivationHeight, offset)
	if err != nil {
		return nil, err
	}
	hexes := make([]string, len(results))
	for i, r := range results {
		hexes[i] = chainhash.HexBE(r.TxId)
	}
	return map[string]interface{}{"results": len(results), "transactions": hexes}, nil
}

func methodFeeHistogram(s *Server, ctx context.Context, sess *session, params json.RawMessage) (interface{}, error) {
	return s.mempool.FeeHistogram(), nil
}
