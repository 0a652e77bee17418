package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers the handful of JSON-RPC calls the query service makes.
func fakeNode(t *testing.T, calls map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := calls[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEVMQueryBlockHeightAndBalance(t *testing.T) {
	node := fakeNode(t, map[string]string{
		"eth_blockNumber": "0x10",
		// 1.5 ETH
		"eth_getBalance": "0x14d1120d7b160000",
		// 25.5 USDT (6 decimals)
		"eth_call": fmt.Sprintf("0x%064x", 25_500_000),
	})
	q := NewEVMQuery(map[string]string{"ethereum": node.URL}, logger.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.True(t, q.Supports("ethereum"))
	require.False(t, q.Supports("bitcoin"))

	height, err := q.BlockHeight(ctx, "ethereum")
	require.NoError(t, err)
	require.Equal(t, uint64(16), height)

	addr := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	eth := &models.Asset{Code: "ETH", Network: "ethereum", Decimals: 18}
	bal, err := q.Balance(ctx, eth, addr)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("1.5")), bal.String())

	usdt := &models.Asset{Code: "USDT", Network: "ethereum", Decimals: 6, ContractAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"}
	bal, err = q.Balance(ctx, usdt, addr)
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.RequireFromString("25.5")), bal.String())
}

func TestEVMQueryErrors(t *testing.T) {
	q := NewEVMQuery(map[string]string{}, logger.NewNop())
	_, err := q.BlockHeight(context.Background(), "ethereum")
	require.ErrorIs(t, err, ErrChainNotConfigured)

	_, err = q.Balance(context.Background(), &models.Asset{Network: "ethereum"}, "not-an-address")
	require.Error(t, err)
}

func TestERC20BalanceOfSelector(t *testing.T) {
	data, err := erc20ABI.Pack("balanceOf", common.Address{})
	require.NoError(t, err)
	require.Equal(t, "70a08231", fmt.Sprintf("%x", data[:4]))
	require.Len(t, data, 36)
}

func TestSourceClientSubscribe(t *testing.T) {
	var got subscribeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = io.WriteString(w, `{"id":"sub-1"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/subscriptions/sub-1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/subscriptions/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewSourceClient(srv.URL+"/", "key", logger.NewNop())
	ctx := context.Background()

	id, err := c.Subscribe(ctx, "0xabc", "ethereum", "USDT")
	require.NoError(t, err)
	require.Equal(t, "sub-1", id)
	require.Equal(t, subscribeRequest{Address: "0xabc", Chain: "ethereum", Asset: "USDT"}, got)

	require.NoError(t, c.Unsubscribe(ctx, "sub-1"))
	require.NoError(t, c.Unsubscribe(ctx, "gone"))
	require.ErrorIs(t, c.Unsubscribe(ctx, "other"), ErrSourceRejected)
}
