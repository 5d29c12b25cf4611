package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	chibiMint  = "ChibiMint1111111111111111111111111111111111"
	bittyMint  = "BittyMint1111111111111111111111111111111111"
)

func tokenAccounts(mints ...string) string {
	value := "["
	for i, m := range mints {
		if i > 0 {
			value += ","
		}
		value += fmt.Sprintf(`{"pubkey":"acc%d","account":{"data":{"parsed":{"info":{"mint":%q,"owner":%q,"tokenAmount":{"amount":"1"}},"type":"account"},"program":"spl-token"}}}`, i, m, testWallet)
	}
	value += "]"
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":%s}}`, value)
}

func rpcServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getTokenAccountsByOwner", req.Method)
		require.Len(t, req.Params, 3)
		assert.Equal(t, testWallet, req.Params[0])
		assert.Equal(t, map[string]any{"programId": TokenProgramID}, req.Params[1])
		assert.Equal(t, map[string]any{"encoding": "jsonParsed"}, req.Params[2])
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHasAsset(t *testing.T) {
	srv, _ := rpcServer(t, tokenAccounts("OtherMint", chibiMint))
	o := New(srv.URL, time.Second, nil, nil)
	ctx := context.Background()

	assert.True(t, o.HasAsset(ctx, testWallet, chibiMint))
	assert.False(t, o.HasAsset(ctx, testWallet, bittyMint))
}

func TestHasAssetEmptyAccounts(t *testing.T) {
	srv, _ := rpcServer(t, tokenAccounts())
	o := New(srv.URL, time.Second, nil, nil)
	assert.False(t, o.HasAsset(context.Background(), testWallet, chibiMint))
}

func TestHasAssetRPCError(t *testing.T) {
	srv, _ := rpcServer(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param"}}`)
	o := New(srv.URL, time.Second, nil, nil)
	assert.False(t, o.HasAsset(context.Background(), testWallet, chibiMint))

	_, err := o.TokenMints(context.Background(), testWallet)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestHasAssetMalformedResponse(t *testing.T) {
	for _, body := range []string{`not json`, `{"jsonrpc":"2.0","id":1}`, `{"result":{"value":"x"}}`} {
		srv, _ := rpcServer(t, body)
		o := New(srv.URL, time.Second, nil, nil)
		assert.False(t, o.HasAsset(context.Background(), testWallet, chibiMint), body)
	}
}

func TestHasAssetInvalidWalletSkipsRPC(t *testing.T) {
	srv, calls := rpcServer(t, tokenAccounts(chibiMint))
	o := New(srv.URL, time.Second, nil, nil)

	assert.False(t, o.HasAsset(context.Background(), "not-a-wallet", chibiMint))
	assert.Zero(t, calls.Load())
}

func TestHasAssetTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	o := New(url, time.Second, nil, nil)
	assert.False(t, o.HasAsset(context.Background(), testWallet, chibiMint))
}

func TestHasAssetTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o := New(srv.URL, 20*time.Millisecond, nil, nil)
	start := time.Now()
	assert.False(t, o.HasAsset(context.Background(), testWallet, chibiMint))
	assert.Less(t, time.Since(start), time.Second)
}
