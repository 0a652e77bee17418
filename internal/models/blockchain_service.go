package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainQueryService is the read-only fallback used by reconciliation sweeps.
type ChainQueryService interface {
	// BlockHeight returns the latest block number of the chain.
	BlockHeight(ctx context.Context, chain string) (uint64, error)
	// Balance returns the asset balance of an address in whole units. Token
	// assets are read from their contract.
	Balance(ctx context.Context, asset *Asset, address string) (decimal.Decimal, error)
	// Supports reports whether the chain can be queried.
	Supports(chain string) bool
}

// NotificationSource registers interest in addresses with the external
// chain notification provider.
type NotificationSource interface {
	Subscribe(ctx context.Context, address, chain, asset string) (string, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}
