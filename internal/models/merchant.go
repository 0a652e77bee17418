package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Merchant is a gateway customer receiving webhooks.
type Merchant struct {
	// ID is the unique identifier of the merchant.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// Name is the display name.
	Name string `json:"name" gorm:"column:name;size:128"`
	// WebhookURL is the endpoint ledger events are POSTed to. Empty disables webhooks.
	WebhookURL string `json:"webhook_url" gorm:"column:webhook_url;size:512"`
	// WebhookSecret keys the HMAC signature header. Never serialized.
	WebhookSecret string `json:"-" gorm:"column:webhook_secret;size:256"`
	// WebhookMaxAttempts overrides the configured delivery attempts when positive.
	WebhookMaxAttempts int `json:"webhook_max_attempts" gorm:"column:webhook_max_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MerchantWallet is the running balance of a merchant in one asset on one network.
// Balances only ever change by increments inside the reconciliation transaction.
type MerchantWallet struct {
	// ID is the unique identifier of the balance row.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// MerchantID is the balance owner.
	MerchantID uuid.UUID `json:"merchant_id" gorm:"type:uuid;not null;uniqueIndex:idx_merchant_asset_network"`
	// Currency is the asset code.
	Currency string `json:"currency" gorm:"column:currency;size:16;not null;uniqueIndex:idx_merchant_asset_network"`
	// Network is the asset network.
	Network string `json:"network" gorm:"column:network;size:32;not null;uniqueIndex:idx_merchant_asset_network"`
	// Available is confirmed, spendable balance.
	Available decimal.Decimal `json:"available" gorm:"column:available;type:numeric(78,18);not null;default:0"`
	// Pending is seen but not yet confirmed balance.
	Pending decimal.Decimal `json:"pending" gorm:"column:pending;type:numeric(78,18);not null;default:0"`
	// Locked is reserved balance (payouts, disputes).
	Locked decimal.Decimal `json:"locked" gorm:"column:locked;type:numeric(78,18);not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
