// Package rpcclient implements the DaemonClient contract of spec.md §4.3:
// a blocking HTTP JSON-RPC request/response client to the local full node,
// with cookie/basic auth and transient-vs-permanent failure classification.
package rpcclient

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/xerrors"
)

// Client talks JSON-RPC 1.0 to the node.
type Client struct {
	url        string
	user, pass string
	http       *http.Client
	log        *logrus.Entry
	nextID     int64
}

// Option configures a Client.
type Option func(*Client)

// WithCookieFile reads "user:password" from a bitcoind-style .cookie file.
func WithCookieFile(path string) Option {
	return func(c *Client) {
		b, err := os.ReadFile(path)
		if err != nil {
			return
		}
		parts := strings.SplitN(strings.TrimSpace(string(b)), ":", 2)
		if len(parts) == 2 {
			c.user, c.pass = parts[0], parts[1]
		}
	}
}

// WithBasicAuth sets user:password credentials directly.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) { c.user, c.pass = user, pass }
}

// New constructs a Client against url (e.g. http://127.0.0.1:8332).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: 60 * time.Second},
		log:  logrus.WithField("component", "daemon_client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one request/response round trip with retry-on-transient
// backoff. Permanent failures (auth, method missing) surface immediately.
func (c *Client) call(method string, params []interface{}, out interface{}) error {
	op := func() error {
		c.nextID++
		reqBody, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: c.nextID, Method: method, Params: params})
		if err != nil {
			return backoff.Permanent(xerrors.Wrap(err, xerrors.Internal, "marshal rpc request"))
		}

		req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(xerrors.Wrap(err, xerrors.Internal, "build rpc request"))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.user != "" {
			req.SetBasicAuth(c.user, c.pass)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// connection refused / timeout: transient.
			return xerrors.Wrap(err, xerrors.DaemonUnavail, "daemon request failed")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return xerrors.Wrap(err, xerrors.DaemonUnavail, "read daemon response")
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(xerrors.New(xerrors.DaemonUnavail, "daemon auth failed"))
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(xerrors.New(xerrors.Internal, "daemon method missing"))
		}
		if resp.StatusCode >= 500 {
			return xerrors.Newf(xerrors.DaemonUnavail, "daemon 5xx: %d", resp.StatusCode)
		}

		var rr rpcResponse
		if err := json.Unmarshal(body, &rr); err != nil {
			return backoff.Permanent(xerrors.Wrap(err, xerrors.Internal, "decode rpc response"))
		}
		if rr.Error != nil {
			if rr.Error.Code == -32601 {
				return backoff.Permanent(xerrors.Newf(xerrors.Internal, "method missing: %s", method))
			}
			return backoff.Permanent(xerrors.Newf(xerrors.Internal, "rpc error %d: %s", rr.Error.Code, rr.Error.Message))
		}
		if out != nil {
			if err := json.Unmarshal(rr.Result, out); err != nil {
				return backoff.Permanent(xerrors.Wrap(err, xerrors.Internal, "decode rpc result"))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(op, b)
}

// BlockchainInfo is the getblockchaininfo response subset the core needs.
type BlockchainInfo struct {
	BestHash   string `json:"bestblockhash"`
	TipHeight  uint32 `json:"blocks"`
	IBD        bool   `json:"initialblockdownload"`
	Chain      string `json:"chain"`
}

func (c *Client) GetBlockchainInfo() (BlockchainInfo, error) {
	var info BlockchainInfo
	err := c.call("getblockchaininfo", nil, &info)
	return info, err
}

// RawHeader is a block header's decoded fields as reported by
// getblockheader(verbose=true). Raw is not filled in by Client: the
// serialized 80-byte header is never fetched.
type RawHeader struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	Height     uint32
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
	Raw        []byte
}

type getBlockHeaderVerbose struct {
	Hash          string `json:"hash"`
	Height        uint32 `json:"height"`
	PreviousHash  string `json:"previousblockhash"`
	MerkleRoot    string `json:"merkleroot"`
	Time          uint32 `json:"time"`
	Bits          string `json:"bits"`
	Nonce         uint32 `json:"nonce"`
}

func (c *Client) GetBlockHeader(hash chainhash.Hash) (RawHeader, error) {
	var v getBlockHeaderVerbose
	if err := c.call("getblockheader", []interface{}{chainhash.HexBE(hash), true}, &v); err != nil {
		return RawHeader{}, err
	}
	return decodeVerboseHeader(v)
}

func (c *Client) GetBlockHeaders(fromHeight uint32, count int) ([]RawHeader, error) {
	out := make([]RawHeader, 0, count)
	for h := fromHeight; h < fromHeight+uint32(count); h++ {
		hash, err := c.getBlockHash(h)
		if err != nil {
			return out, err
		}
		hdr, err := c.GetBlockHeader(hash)
		if err != nil {
			return out, err
		}
		out = append(out, hdr)
	}
	return out, nil
}

func (c *Client) getBlockHash(height uint32) (chainhash.Hash, error) {
	var hashHex string
	if err := c.call("getblockhash", []interface{}{height}, &hashHex); err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.NewHashFromStr(hashHex)
}

func decodeVerboseHeader(v getBlockHeaderVerbose) (RawHeader, error) {
	hash, err := chainhash.NewHashFromStr(v.Hash)
	if err != nil {
		return RawHeader{}, xerrors.Wrap(err, xerrors.Internal, "parse block hash")
	}
	var prev chainhash.Hash
	if v.PreviousHash != "" {
		prev, err = chainhash.NewHashFromStr(v.PreviousHash)
		if err != nil {
			return RawHeader{}, xerrors.Wrap(err, xerrors.Internal, "parse prev hash")
		}
	}
	root, err := chainhash.NewHashFromStr(v.MerkleRoot)
	if err != nil {
		return RawHeader{}, xerrors.Wrap(err, xerrors.Internal, "parse merkle root")
	}
	bits, err := strconv.ParseUint(v.Bits, 16, 32)
	if err != nil {
		return RawHeader{}, xerrors.Wrap(err, xerrors.Internal, "parse bits")
	}
	return RawHeader{
		Hash:       hash,
		PrevHash:   prev,
		Height:     v.Height,
		MerkleRoot: root,
		Time:       v.Time,
		Bits:       uint32(bits),
		Nonce:      v.Nonce,
	}, nil
}

// GetBlock fetches the raw block bytes for hash.
func (c *Client) GetBlock(hash chainhash.Hash) ([]byte, error) {
	var hexStr string
	if err := c.call("getblock", []interface{}{chainhash.HexBE(hash), 0}, &hexStr); err != nil {
		return nil, err
	}
	return hexDecode(hexStr)
}

// GetRawTransaction fetches a raw transaction. blockHash is mandatory
// whenever the node lacks txindex (spec §4.3).
func (c *Client) GetRawTransaction(txid chainhash.Hash, blockHash *chainhash.Hash) ([]byte, error) {
	var hexStr string
	params := []interface{}{chainhash.HexBE(txid), false}
	if blockHash != nil {
		params = append(params, chainhash.HexBE(*blockHash))
	}
	if err := c.call("getrawtransaction", params, &hexStr); err != nil {
		return nil, err
	}
	return hexDecode(hexStr)
}

// GetMempoolTxids returns the unordered set of ids in the node's mempool.
func (c *Client) GetMempoolTxids() ([]chainhash.Hash, error) {
	var ids []string
	if err := c.call("getrawmempool", []interface{}{false}, &ids); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, 0, len(ids))
	for _, s := range ids {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// MempoolEntryInfo is the subset of getmempoolentry this core needs.
type MempoolEntryInfo struct {
	FeeSats      int64
	VSize        int64
	AncestorCount int64
}

type getMempoolEntryResp struct {
	Fees struct {
		Base float64 `json:"base"`
	} `json:"fees"`
	VSize         int64 `json:"vsize"`
	AncestorCount int64 `json:"ancestorcount"`
}

func (c *Client) GetMempoolEntry(txid chainhash.Hash) (MempoolEntryInfo, error) {
	var r getMempoolEntryResp
	if err := c.call("getmempoolentry", []interface{}{chainhash.HexBE(txid)}, &r); err != nil {
		return MempoolEntryInfo{}, err
	}
	return MempoolEntryInfo{
		FeeSats:       int64(r.Fees.Base * 1e8),
		VSize:         r.VSize,
		AncestorCount: r.AncestorCount,
	}, nil
}

// Broadcast submits a raw transaction and returns its txid.
func (c *Client) Broadcast(rawTx []byte) (chainhash.Hash, error) {
	var txidHex string
	if err := c.call("sendrawtransaction", []interface{}{hexEncode(rawTx)}, &txidHex); err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.NewHashFromStr(txidHex)
}

// EstimateRelayFee returns sats/kB.
func (c *Client) EstimateRelayFee() (float64, error) {
	var r struct {
		FeeRate float64 `json:"feerate"`
	}
	if err := c.call("estimatesmartfee", []interface{}{2}, &r); err != nil {
		return 0, err
	}
	return r.FeeRate * 1e8, nil
}

func hexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.Internal, "hex decode")
	}
	return b, nil
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
