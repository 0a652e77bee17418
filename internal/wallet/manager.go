// Package wallet manages master wallets and hands out their deposit addresses.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/custody"
	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletNotActive     = errors.New("wallet not active")
	ErrWalletExists        = errors.New("active wallet already exists for asset")
	ErrNoActiveWallet      = errors.New("no active wallet for asset+network")
	ErrNativeWalletMissing = errors.New("token wallet requires an active native wallet on the same chain")
)

type Manager struct {
	db      *gorm.DB
	custody custody.Custody
	alerts  models.AlertService
	logger  *logger.Logger
}

func NewManager(db *gorm.DB, c custody.Custody, alerts models.AlertService, logger *logger.Logger) *Manager {
	return &Manager{db: db, custody: c, alerts: alerts, logger: logger.Named("wallet")}
}

// Initialize creates the master wallet for an asset. Contract tokens on
// account-model chains get a wallet that shares the native wallet's key and
// counter. Families without public derivation are flagged for custody mode.
func (m *Manager) Initialize(ctx context.Context, asset *models.Asset) (*models.MasterWallet, error) {
	family, err := derivation.Resolve(derivation.FamilyTag(asset.Family), asset.CoinType, asset.Network)
	if err != nil {
		return nil, err
	}
	if _, err := m.ActiveWallet(ctx, asset.ID); err == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrWalletExists, asset.Code, asset.Network)
	} else if !errors.Is(err, ErrNoActiveWallet) {
		return nil, err
	}

	wallet := &models.MasterWallet{
		ID:             uuid.New(),
		AssetID:        asset.ID,
		Network:        asset.Network,
		Family:         string(family.Tag()),
		CoinType:       asset.CoinType,
		DerivationPath: family.PathTemplate(),
		Status:         models.WalletPendingSetup,
	}

	if asset.IsToken() && sharesNativeKey(family) {
		native, err := m.nativeWallet(ctx, asset.Network, family.Tag())
		if err != nil {
			return nil, err
		}
		wallet.KeyWalletID = &native.ID
		wallet.ExtendedPublicKey = native.ExtendedPublicKey
		wallet.DerivationMode = native.DerivationMode
		wallet.CustodyHandle = native.CustodyHandle
	} else {
		keys, err := m.custody.GenerateWallet(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("failed to generate wallet at custody: %w", err)
		}
		wallet.CustodyHandle = keys.Handle
		wallet.EncryptedSeed = keys.SealedSeed
		wallet.ExtendedPublicKey = keys.ExtendedPublicKey
		wallet.DerivationMode = derivationMode(keys.ExtendedPublicKey)
	}

	if err := m.activate(ctx, wallet); err != nil {
		return nil, err
	}
	m.logger.Info("Initialized master wallet", "wallet", wallet.ID, "asset", asset.Code, "network", asset.Network,
		"family", wallet.Family, "mode", wallet.DerivationMode)
	return wallet, nil
}

// ImportWatchOnly registers a wallet whose account xpub was produced by an
// external custody system. Hardened families cannot be imported this way.
func (m *Manager) ImportWatchOnly(ctx context.Context, asset *models.Asset, xpub, custodyHandle string) (*models.MasterWallet, error) {
	family, err := derivation.Resolve(derivation.FamilyTag(asset.Family), asset.CoinType, asset.Network)
	if err != nil {
		return nil, err
	}
	if family.Tag() == derivation.TagHardened {
		return nil, derivation.ErrWatchOnlyUnsupported
	}
	if err := derivation.ValidateExtendedKey(xpub); err != nil {
		return nil, err
	}
	if _, err := m.ActiveWallet(ctx, asset.ID); err == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrWalletExists, asset.Code, asset.Network)
	} else if !errors.Is(err, ErrNoActiveWallet) {
		return nil, err
	}
	wallet := &models.MasterWallet{
		ID:                uuid.New(),
		AssetID:           asset.ID,
		Network:           asset.Network,
		Family:            string(family.Tag()),
		CoinType:          asset.CoinType,
		ExtendedPublicKey: xpub,
		DerivationPath:    family.PathTemplate(),
		DerivationMode:    models.DerivationXpub,
		CustodyHandle:     custodyHandle,
		Status:            models.WalletPendingSetup,
	}
	if err := m.activate(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (m *Manager) activate(ctx context.Context, wallet *models.MasterWallet) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wallet).Error; err != nil {
			return fmt.Errorf("failed to create master wallet: %w", err)
		}
		wallet.Status = models.WalletActive
		if err := tx.Model(wallet).Update("status", models.WalletActive).Error; err != nil {
			return fmt.Errorf("failed to activate master wallet: %w", err)
		}
		return nil
	})
}

// ActiveWallet returns the ACTIVE wallet receiving the asset.
func (m *Manager) ActiveWallet(ctx context.Context, assetID uuid.UUID) (*models.MasterWallet, error) {
	var wallet models.MasterWallet
	err := m.db.WithContext(ctx).
		Where("asset_id = ? AND status = ?", assetID, models.WalletActive).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveWallet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active wallet: %w", err)
	}
	return &wallet, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.MasterWallet, error) {
	var wallet models.MasterWallet
	err := m.db.WithContext(ctx).First(&wallet, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &wallet, nil
}

// Deactivate takes the wallet out of allocation. Token wallets sharing its
// key go with it.
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID, reason string) error {
	res := m.db.WithContext(ctx).Model(&models.MasterWallet{}).
		Where("(id = ? OR key_wallet_id = ?) AND status = ?", id, id, models.WalletActive).
		Updates(map[string]interface{}{"status": models.WalletInactive, "disabled_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete soft-deletes the wallet; its addresses stay.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Model(&models.MasterWallet{}).Where("id = ?", id).
		Update("status", models.WalletDeleted).Error; err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	return nil
}

// MarkCorrupted disables a wallet whose sealed key material failed to open
// and alerts the operator. The process keeps serving other wallets.
func (m *Manager) MarkCorrupted(ctx context.Context, id uuid.UUID, cause error) {
	if err := m.Deactivate(ctx, id, "corrupted key material: "+cause.Error()); err != nil {
		m.logger.Error("failed to deactivate corrupted wallet", "wallet", id, "error", err)
	}
	m.logger.Error("Wallet key material corrupted", "wallet", id, "error", cause)
	if m.alerts != nil {
		m.alerts.Alert(ctx, "Wallet disabled", fmt.Sprintf("Master wallet %s was disabled: %v", id, cause))
	}
}

func (m *Manager) nativeWallet(ctx context.Context, network string, tag derivation.FamilyTag) (*models.MasterWallet, error) {
	var native models.MasterWallet
	err := m.db.WithContext(ctx).
		Where("network = ? AND family = ? AND key_wallet_id IS NULL AND status = ?", network, string(tag), models.WalletActive).
		First(&native).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNativeWalletMissing, network)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get native wallet: %w", err)
	}
	return &native, nil
}

func derivationMode(xpub string) models.DerivationMode {
	if xpub == "" {
		return models.DerivationCustody
	}
	return models.DerivationXpub
}

// sharesNativeKey reports whether contract tokens of the family reuse the
// native key branch.
func sharesNativeKey(f derivation.Family) bool {
	switch f.(type) {
	case derivation.EVM, derivation.Tron:
		return true
	}
	return false
}
