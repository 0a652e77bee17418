package repotest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/models"
)

// Common assets used across package tests.
var (
	ETH  = models.Asset{Code: "ETH", Network: "ethereum", Family: "evm", CoinType: 60, Decimals: 18}
	USDT = models.Asset{Code: "USDT", Network: "ethereum", Family: "evm", CoinType: 60, Decimals: 6,
		ContractAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"}
	BTC = models.Asset{Code: "BTC", Network: "bitcoin", Family: "utxo", CoinType: 0, Decimals: 8}
	TRX = models.Asset{Code: "TRX", Network: "tron", Family: "tron", CoinType: 195, Decimals: 6}
	SOL = models.Asset{Code: "SOL", Network: "solana", Family: "hardened", CoinType: 501, Decimals: 9}
)

// CreateAsset inserts a copy of the asset with a fresh id.
func CreateAsset(t testing.TB, db *gorm.DB, a models.Asset) *models.Asset {
	t.Helper()
	a.ID = uuid.New()
	a.Enabled = true
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return &a
}

// CreateMerchant inserts a merchant with the given webhook endpoint.
func CreateMerchant(t testing.TB, db *gorm.DB, webhookURL, secret string) *models.Merchant {
	t.Helper()
	m := &models.Merchant{ID: uuid.New(), Name: "test merchant", WebhookURL: webhookURL, WebhookSecret: secret}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return m
}

// CreateInvoice inserts a PENDING invoice without an address.
func CreateInvoice(t testing.TB, db *gorm.DB, merchant *models.Merchant, asset *models.Asset, amount string, ttl time.Duration) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:         uuid.New(),
		MerchantID: merchant.ID,
		AssetID:    asset.ID,
		Currency:   asset.Code,
		Network:    asset.Network,
		Amount:     decimal.RequireFromString(amount),
		Status:     models.InvoicePending,
		ExpiresAt:  time.Now().Add(ttl),
	}
	if err := db.Create(inv).Error; err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}
