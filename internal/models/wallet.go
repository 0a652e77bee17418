package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletPendingSetup WalletStatus = "PENDING_SETUP"
	WalletActive       WalletStatus = "ACTIVE"
	WalletInactive     WalletStatus = "INACTIVE"
	WalletDeleted      WalletStatus = "DELETED"
)

// DerivationMode tells the allocator where addresses come from.
type DerivationMode string

const (
	// DerivationXpub derives locally from the stored extended public key.
	DerivationXpub DerivationMode = "xpub"
	// DerivationCustody asks the custody boundary for every address.
	DerivationCustody DerivationMode = "custody"
)

// MasterWallet is the key root for one asset on one network.
type MasterWallet struct {
	// ID is the unique identifier of the wallet.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// AssetID is the asset this wallet receives.
	AssetID uuid.UUID `json:"asset_id" gorm:"type:uuid;index;not null"`
	// Network duplicates the asset network for lookups.
	Network string `json:"network" gorm:"column:network;size:32;index"`
	// Family is the chain family tag.
	Family string `json:"family" gorm:"column:family;size:16;not null"`
	// CoinType is the SLIP-44 coin type.
	CoinType uint32 `json:"coin_type" gorm:"column:coin_type"`
	// EncryptedSeed is vault-sealed seed material, only for locally custodied wallets.
	EncryptedSeed []byte `json:"-" gorm:"column:encrypted_seed"`
	// ExtendedPublicKey is the account-level watch-only key.
	ExtendedPublicKey string `json:"extended_public_key" gorm:"column:extended_public_key;size:256"`
	// DerivationPath is the path template with an {index} placeholder.
	DerivationPath string `json:"derivation_path" gorm:"column:derivation_path;size:64"`
	// DerivationMode is xpub or custody.
	DerivationMode DerivationMode `json:"derivation_mode" gorm:"column:derivation_mode;size:16;not null"`
	// CustodyHandle identifies the key at the custody boundary.
	CustodyHandle string `json:"custody_handle" gorm:"column:custody_handle;size:128"`
	// KeyWalletID points at the native wallet whose key and index counter a
	// token wallet shares. Nil for key-owning wallets.
	KeyWalletID *uuid.UUID `json:"key_wallet_id,omitempty" gorm:"type:uuid;index"`
	// NextIndex is the next unused derivation index. It only increases.
	NextIndex uint64 `json:"next_index" gorm:"column:next_index;not null;default:0"`
	// Status is the lifecycle state.
	Status WalletStatus `json:"status" gorm:"column:status;size:16;index;not null"`
	// DisabledReason explains why the wallet left ACTIVE.
	DisabledReason string `json:"disabled_reason,omitempty" gorm:"column:disabled_reason;size:255"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyOwnerID is the wallet whose key material and counter are used.
func (w *MasterWallet) KeyOwnerID() uuid.UUID {
	if w.KeyWalletID != nil {
		return *w.KeyWalletID
	}
	return w.ID
}

type SubscriptionState string

const (
	SubscriptionNone               SubscriptionState = "none"
	SubscriptionActive             SubscriptionState = "active"
	SubscriptionUnsubscribePending SubscriptionState = "unsubscribe_pending"
	SubscriptionRemoved            SubscriptionState = "removed"
	SubscriptionFailed             SubscriptionState = "failed"
)

// PaymentAddress is a derived deposit address bound to one invoice.
type PaymentAddress struct {
	// ID is the unique identifier of the address.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// Address is the encoded chain address.
	Address string `json:"address" gorm:"column:address;size:128;uniqueIndex;not null"`
	// MasterWalletID is the wallet the address was allocated for.
	MasterWalletID uuid.UUID `json:"master_wallet_id" gorm:"type:uuid;index;not null"`
	// KeyWalletID is the wallet whose counter was consumed. Together with
	// DerivationIndex it is unique.
	KeyWalletID uuid.UUID `json:"key_wallet_id" gorm:"type:uuid;not null;uniqueIndex:idx_key_wallet_index"`
	// DerivationIndex is the index consumed from the key wallet.
	DerivationIndex uint64 `json:"derivation_index" gorm:"column:derivation_index;not null;uniqueIndex:idx_key_wallet_index"`
	// InvoiceID is the invoice the address is bound to.
	InvoiceID *uuid.UUID `json:"invoice_id,omitempty" gorm:"type:uuid;uniqueIndex"`
	// Network is the chain the address is watched on.
	Network string `json:"network" gorm:"column:network;size:32"`
	// AssetCode is the asset expected at this address.
	AssetCode string `json:"asset_code" gorm:"column:asset_code;size:16"`
	// SubscriptionID is the id returned by the chain notification source.
	SubscriptionID string `json:"subscription_id,omitempty" gorm:"column:subscription_id;size:128;index"`
	// SubscriptionActive mirrors SubscriptionState == active.
	SubscriptionActive bool `json:"subscription_active" gorm:"column:subscription_active;index"`
	// SubscriptionState tracks the watch lifecycle.
	SubscriptionState SubscriptionState `json:"subscription_state" gorm:"column:subscription_state;size:24;index;default:none"`
	// FirstSeenAt is when the first notification for the address was applied.
	FirstSeenAt *time.Time `json:"first_seen_at,omitempty"`
	// LastSeenAt is when the latest notification was applied.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	// ObservedBalance is the last balance reported by the chain query service.
	ObservedBalance decimal.Decimal `json:"observed_balance" gorm:"column:observed_balance;type:numeric(78,18);default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
