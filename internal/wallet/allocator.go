package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/pecunia/internal/custody"
	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/metrics"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/vault"
	"github.com/core-coin/pecunia/pkg/logger"
)

// Allocator is the only writer of MasterWallet.NextIndex.
type Allocator struct {
	db      *gorm.DB
	deriver derivation.Deriver
	custody custody.Custody
	manager *Manager
	logger  *logger.Logger
}

func NewAllocator(db *gorm.DB, c custody.Custody, manager *Manager, logger *logger.Logger) *Allocator {
	return &Allocator{db: db, custody: c, manager: manager, logger: logger.Named("allocator")}
}

// Allocate derives the next address of the wallet and binds it to the
// invoice. Reading the counter, deriving, incrementing and inserting the
// address happen in one transaction holding a row lock on the wallet that
// owns the counter, so concurrent calls never observe the same index. A
// derivation failure rolls the transaction back and consumes no index.
func (a *Allocator) Allocate(ctx context.Context, walletID, invoiceID uuid.UUID) (*models.PaymentAddress, error) {
	var (
		addr      *models.PaymentAddress
		corrupted uuid.UUID
	)
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wallet models.MasterWallet
		if err := tx.First(&wallet, "id = ?", walletID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return fmt.Errorf("failed to get wallet: %w", err)
		}
		if wallet.Status != models.WalletActive {
			return fmt.Errorf("%w: %s is %s", ErrWalletNotActive, wallet.ID, wallet.Status)
		}

		owner := wallet
		if wallet.KeyWalletID != nil {
			owner = models.MasterWallet{}
			if err := tx.First(&owner, "id = ?", *wallet.KeyWalletID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: key wallet %s", ErrWalletNotFound, *wallet.KeyWalletID)
				}
				return fmt.Errorf("failed to get key wallet: %w", err)
			}
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&owner, "id = ?", owner.ID).Error; err != nil {
			return fmt.Errorf("failed to lock key wallet: %w", err)
		}
		if owner.Status != models.WalletActive {
			return fmt.Errorf("%w: key wallet %s is %s", ErrWalletNotActive, owner.ID, owner.Status)
		}

		index := owner.NextIndex
		address, err := a.derive(ctx, &owner, index)
		if err != nil {
			if errors.Is(err, vault.ErrCorruptedSecret) {
				corrupted = owner.ID
			}
			return err
		}

		res := tx.Model(&models.MasterWallet{}).
			Where("id = ? AND next_index = ?", owner.ID, index).
			Update("next_index", gorm.Expr("next_index + ?", 1))
		if res.Error != nil {
			return fmt.Errorf("failed to increment index: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("index %d of wallet %s changed concurrently", index, owner.ID)
		}

		addr = &models.PaymentAddress{
			ID:                uuid.New(),
			Address:           address,
			MasterWalletID:    wallet.ID,
			KeyWalletID:       owner.ID,
			DerivationIndex:   index,
			InvoiceID:         &invoiceID,
			Network:           wallet.Network,
			SubscriptionState: models.SubscriptionNone,
		}
		var asset models.Asset
		if err := tx.First(&asset, "id = ?", wallet.AssetID).Error; err == nil {
			addr.AssetCode = asset.Code
		}
		if err := tx.Create(addr).Error; err != nil {
			return fmt.Errorf("failed to insert payment address: %w", err)
		}
		if err := tx.Model(&models.Invoice{}).Where("id = ?", invoiceID).
			Updates(map[string]interface{}{"payment_address_id": addr.ID, "address": addr.Address}).Error; err != nil {
			return fmt.Errorf("failed to bind address to invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		if corrupted != uuid.Nil && a.manager != nil {
			a.manager.MarkCorrupted(ctx, corrupted, err)
		}
		metrics.AllocationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.AllocationsTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("Allocated address", "wallet", walletID, "invoice", invoiceID, "index", addr.DerivationIndex)
	return addr, nil
}

func (a *Allocator) derive(ctx context.Context, owner *models.MasterWallet, index uint64) (string, error) {
	family, err := derivation.Resolve(derivation.FamilyTag(owner.Family), owner.CoinType, owner.Network)
	if err != nil {
		return "", err
	}
	if owner.DerivationMode == models.DerivationCustody {
		if a.custody == nil {
			return "", custody.ErrCustodyUnavailable
		}
		return a.custody.DeriveAddress(ctx, custody.KeyRef{Handle: owner.CustodyHandle, SealedSeed: owner.EncryptedSeed}, family, index)
	}
	return a.deriver.Derive(owner.ExtendedPublicKey, family, index)
}
