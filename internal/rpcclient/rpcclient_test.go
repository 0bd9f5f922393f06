package rpcclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBlockchainInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"result": map[string]interface{}{
				"bestblockhash":        strings.Repeat("00", 32),
				"blocks":               101,
				"initialblockdownload": false,
				"chain":                "regtest",
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	info, err := c.GetBlockchainInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(101), info.TipHeight)
	require.Equal(t, "regtest", info.Chain)
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetBlockchainInfo()
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
