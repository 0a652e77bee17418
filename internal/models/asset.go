package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Asset is a payable currency on one network, e.g. USDT on ethereum.
type Asset struct {
	// ID is the unique identifier of the asset.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// Code is the ticker the merchant requests invoices in (BTC, ETH, USDT, ...).
	Code string `json:"code" gorm:"column:code;size:16;not null;uniqueIndex:idx_asset_network"`
	// Network is the chain the asset lives on (bitcoin, ethereum, tron, solana, ...).
	Network string `json:"network" gorm:"column:network;size:32;not null;uniqueIndex:idx_asset_network"`
	// Family is the chain family tag used for address derivation.
	Family string `json:"family" gorm:"column:family;size:16;not null"`
	// CoinType is the SLIP-44 coin type of the network.
	CoinType uint32 `json:"coin_type" gorm:"column:coin_type"`
	// ContractAddress is set for tokens and empty for native coins.
	ContractAddress string `json:"contract_address,omitempty" gorm:"column:contract_address;size:128"`
	// Decimals is the number of fractional digits of the smallest unit.
	Decimals int32 `json:"decimals" gorm:"column:decimals"`
	// Tolerance overrides the payment matching epsilon. Zero means one smallest unit.
	Tolerance decimal.Decimal `json:"tolerance" gorm:"column:tolerance;type:numeric(78,18);default:0"`
	// Enabled reports whether invoices may be created in this asset.
	Enabled bool `json:"enabled" gorm:"column:enabled;default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsToken reports whether the asset is a contract token.
func (a *Asset) IsToken() bool {
	return a.ContractAddress != ""
}

// EffectiveTolerance is the epsilon used to classify payments.
func (a *Asset) EffectiveTolerance() decimal.Decimal {
	if a.Tolerance.IsPositive() {
		return a.Tolerance
	}
	return decimal.New(1, -a.Decimals)
}
