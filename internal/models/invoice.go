package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceUnderpaid InvoiceStatus = "UNDERPAID"
	InvoiceOverpaid  InvoiceStatus = "OVERPAID"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is possible.
// OVERPAID is terminal for status but still accepts credits.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoicePaid, InvoiceOverpaid, InvoiceExpired, InvoiceCancelled:
		return true
	}
	return false
}

// Watched reports whether deposits to the invoice address are still expected.
func (s InvoiceStatus) Watched() bool {
	return s == InvoicePending || s == InvoiceUnderpaid
}

// Invoice is a merchant payment request.
type Invoice struct {
	// ID is the unique identifier of the invoice.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// MerchantID is the merchant that requested the invoice.
	MerchantID uuid.UUID `json:"merchant_id" gorm:"type:uuid;index;not null"`
	// OrderID is the merchant's own reference.
	OrderID string `json:"order_id,omitempty" gorm:"column:order_id;size:128;index"`
	// AssetID is the requested asset.
	AssetID uuid.UUID `json:"asset_id" gorm:"type:uuid;index;not null"`
	// Currency is the asset code.
	Currency string `json:"currency" gorm:"column:currency;size:16;not null"`
	// Network is the asset network.
	Network string `json:"network" gorm:"column:network;size:32;not null"`
	// Amount is the requested amount.
	Amount decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(78,18);not null"`
	// AmountPaid is the sum of confirmed transactions credited to the invoice.
	AmountPaid decimal.Decimal `json:"amount_paid" gorm:"column:amount_paid;type:numeric(78,18);not null;default:0"`
	// Status is the state machine position.
	Status InvoiceStatus `json:"status" gorm:"column:status;size:16;index;not null"`
	// PaymentAddressID is the allocated deposit address.
	PaymentAddressID *uuid.UUID `json:"payment_address_id,omitempty" gorm:"type:uuid"`
	// Address is the deposit address string.
	Address string `json:"address" gorm:"column:address;size:128;index"`

	ExpiresAt   time.Time  `json:"expires_at" gorm:"index"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
)

// ChainTransaction is one observed on-chain movement into a payment address.
type ChainTransaction struct {
	// ID is the unique identifier of the record.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// TxHash is the idempotency key. It is unique system-wide.
	TxHash string `json:"tx_hash" gorm:"column:tx_hash;size:128;uniqueIndex;not null"`
	// InvoiceID is the invoice credited by the transaction.
	InvoiceID uuid.UUID `json:"invoice_id" gorm:"type:uuid;index;not null"`
	// PaymentAddressID is the receiving address.
	PaymentAddressID uuid.UUID `json:"payment_address_id" gorm:"type:uuid;index"`
	// Amount is the value received.
	Amount decimal.Decimal `json:"amount" gorm:"column:amount;type:numeric(78,18);not null"`
	// BlockNumber is nil while unconfirmed.
	BlockNumber *uint64 `json:"block_number,omitempty" gorm:"column:block_number"`
	// Confirmations is the last computed confirmation count.
	Confirmations uint64 `json:"confirmations" gorm:"column:confirmations"`
	// Status is PENDING until the confirmation threshold is met.
	Status TxStatus `json:"status" gorm:"column:status;size:16;index;not null"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
