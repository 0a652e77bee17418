package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

const rpcTimeout = 10 * time.Second

var ErrChainNotConfigured = errors.New("chain not configured")

// EVMQuery is the chain query service for EVM networks, one JSON-RPC endpoint
// per network name.
type EVMQuery struct {
	logger *logger.Logger
	urls   map[string]string

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewEVMQuery creates a query service. Connections are opened lazily.
func NewEVMQuery(urls map[string]string, logger *logger.Logger) *EVMQuery {
	return &EVMQuery{urls: urls, logger: logger.Named("evm"), clients: make(map[string]*ethclient.Client)}
}

func (q *EVMQuery) Supports(chain string) bool {
	_, ok := q.urls[chain]
	return ok
}

func (q *EVMQuery) client(ctx context.Context, chain string) (*ethclient.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.clients[chain]; ok {
		return c, nil
	}
	url, ok := q.urls[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, chain)
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", chain, err)
	}
	q.clients[chain] = c
	return c, nil
}

func (q *EVMQuery) BlockHeight(ctx context.Context, chain string) (uint64, error) {
	c, err := q.client(ctx, chain)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	n, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return n, nil
}

func (q *EVMQuery) Balance(ctx context.Context, asset *models.Asset, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	c, err := q.client(ctx, asset.Network)
	if err != nil {
		return decimal.Zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var raw *big.Int
	if asset.IsToken() {
		raw, err = tokenBalance(ctx, c, common.HexToAddress(asset.ContractAddress), common.HexToAddress(address))
	} else {
		raw, err = c.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get %s balance: %w", asset.Code, err)
	}
	return decimal.NewFromBigInt(raw, -asset.Decimals), nil
}

func (q *EVMQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for chain, c := range q.clients {
		c.Close()
		delete(q.clients, chain)
	}
	return nil
}

func tokenBalance(ctx context.Context, c *ethclient.Client, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf result")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", values[0])
	}
	return balance, nil
}
