// Package ingest turns chain notifications into ledger applications.
// Notifications arrive at least once and from an untrusted source.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/metrics"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
	"github.com/core-coin/pecunia/pkg/validation"
)

var (
	ErrUnrecognizedAddress = errors.New("unrecognized address")
	ErrInvalidEvent        = errors.New("invalid chain event")
	ErrAssetMismatch       = errors.New("event asset does not match invoice")
)

// DefaultConfirmations is the confirmation count at which a transfer is
// credited, per chain family.
var DefaultConfirmations = map[derivation.FamilyTag]uint64{
	derivation.TagEVM:      12,
	derivation.TagUTXO:     6,
	derivation.TagTron:     19,
	derivation.TagHardened: 1,
}

// Event is the notification body. Unknown fields are ignored; a missing
// block number means the transfer is unconfirmed.
type Event struct {
	Address       string          `json:"address"`
	Chain         string          `json:"chain"`
	Asset         string          `json:"asset"`
	Contract      string          `json:"contract"`
	Amount        decimal.Decimal `json:"amount"`
	TxHash        string          `json:"tx_hash"`
	BlockNumber   *uint64         `json:"block_number"`
	Confirmations *uint64         `json:"confirmations"`
}

// Outcome reports what an ingested event did.
type Outcome struct {
	InvoiceID     uuid.UUID            `json:"invoice_id"`
	Status        models.InvoiceStatus `json:"status"`
	Applied       bool                 `json:"applied"`
	Confirmed     bool                 `json:"confirmed"`
	Confirmations uint64               `json:"confirmations"`
}

type Options struct {
	// Confirmations overrides DefaultConfirmations per family.
	Confirmations map[derivation.FamilyTag]uint64
	// Secret verifies the source's HMAC signature. Without it every
	// notification is rejected.
	Secret string
	Now    func() time.Time
}

type Ingestor struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	query  models.ChainQueryService
	opts   Options
	logger *logger.Logger
}

func New(db *gorm.DB, l *ledger.Ledger, query models.ChainQueryService, opts Options, logger *logger.Logger) *Ingestor {
	thresholds := make(map[derivation.FamilyTag]uint64, len(DefaultConfirmations))
	for k, v := range DefaultConfirmations {
		thresholds[k] = v
	}
	for k, v := range opts.Confirmations {
		thresholds[k] = v
	}
	opts.Confirmations = thresholds
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{db: db, ledger: l, query: query, opts: opts, logger: logger.Named("ingest")}
}

// VerifySignature checks the X-Source-Signature header over the raw body.
func (i *Ingestor) VerifySignature(body []byte, header string) bool {
	if i.opts.Secret == "" {
		return false
	}
	return validation.ValidSignature(i.opts.Secret, body, header)
}

// Ingest parses and applies one raw notification.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (*Outcome, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.IngestedEventsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return i.Handle(ctx, &ev)
}

// Handle applies a decoded notification. Duplicate deliveries return
// Applied=false without error.
func (i *Ingestor) Handle(ctx context.Context, ev *Event) (*Outcome, error) {
	addr, err := i.resolve(ctx, ev.Address)
	if err != nil {
		if errors.Is(err, ErrUnrecognizedAddress) {
			metrics.IngestedEventsTotal.WithLabelValues("unrecognized").Inc()
			i.logger.Warn("Notification for unknown address", "address", ev.Address, "chain", ev.Chain, "tx", ev.TxHash)
		}
		return nil, err
	}

	var invoice models.Invoice
	if err := i.db.WithContext(ctx).First(&invoice, "id = ?", *addr.InvoiceID).Error; err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	var asset models.Asset
	if err := i.db.WithContext(ctx).First(&asset, "id = ?", invoice.AssetID).Error; err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if err := validate(ev, addr, &asset); err != nil {
		metrics.IngestedEventsTotal.WithLabelValues("invalid").Inc()
		i.logger.Warn("Rejected notification", "address", addr.Address, "tx", ev.TxHash, "error", err)
		return nil, err
	}

	confirmations, err := i.confirmations(ctx, ev, addr.Network)
	if err != nil {
		return nil, err
	}
	threshold := i.opts.Confirmations[derivation.FamilyTag(asset.Family)]
	confirmed := ev.BlockNumber != nil && confirmations >= threshold
	payment := ledger.Payment{
		InvoiceID:        invoice.ID,
		PaymentAddressID: addr.ID,
		TxHash:           strings.TrimSpace(ev.TxHash),
		Amount:           ev.Amount,
		BlockNumber:      ev.BlockNumber,
		Confirmations:    confirmations,
	}

	var (
		status  models.InvoiceStatus
		applied bool
	)
	if confirmed {
		status, applied, err = i.ledger.ApplyConfirmed(ctx, payment)
	} else {
		status, applied, err = i.ledger.ObservePendingTransaction(ctx, payment)
	}
	if err != nil {
		metrics.IngestedEventsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	i.markSeen(ctx, addr)

	result := "applied"
	if !applied {
		result = "duplicate"
	}
	metrics.IngestedEventsTotal.WithLabelValues(result).Inc()
	return &Outcome{
		InvoiceID:     invoice.ID,
		Status:        status,
		Applied:       applied,
		Confirmed:     confirmed,
		Confirmations: confirmations,
	}, nil
}

// resolve finds the payment address, trying the canonical forms addresses
// are stored in.
func (i *Ingestor) resolve(ctx context.Context, address string) (*models.PaymentAddress, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrUnrecognizedAddress)
	}
	candidates := []string{address}
	for _, family := range []string{"evm", "utxo"} {
		if n := validation.NormalizeAddress(family, address); n != address {
			candidates = append(candidates, n)
		}
	}
	var addr models.PaymentAddress
	err := i.db.WithContext(ctx).Where("address IN ?", candidates).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedAddress, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	if addr.InvoiceID == nil {
		return nil, fmt.Errorf("%w: %s is not bound to an invoice", ErrUnrecognizedAddress, address)
	}
	return &addr, nil
}

func validate(ev *Event, addr *models.PaymentAddress, asset *models.Asset) error {
	if strings.TrimSpace(ev.TxHash) == "" {
		return fmt.Errorf("%w: missing tx_hash", ErrInvalidEvent)
	}
	if !ev.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	}
	if ev.Chain != "" && !strings.EqualFold(ev.Chain, addr.Network) {
		return fmt.Errorf("%w: chain %q, address is on %q", ErrInvalidEvent, ev.Chain, addr.Network)
	}
	switch {
	case ev.Contract != "":
		if !asset.IsToken() || !strings.EqualFold(ev.Contract, asset.ContractAddress) {
			return fmt.Errorf("%w: contract %q, invoice expects %s", ErrAssetMismatch, ev.Contract, asset.Code)
		}
	case ev.Asset != "":
		if !strings.EqualFold(ev.Asset, asset.Code) && !(asset.IsToken() && strings.EqualFold(ev.Asset, asset.ContractAddress)) {
			return fmt.Errorf("%w: asset %q, invoice expects %s", ErrAssetMismatch, ev.Asset, asset.Code)
		}
	case asset.IsToken():
		// A transfer without asset identification is a native transfer.
		return fmt.Errorf("%w: native transfer, invoice expects %s", ErrAssetMismatch, asset.Code)
	}
	return nil
}

// confirmations prefers the count reported by the source, then derives it
// from the chain tip. A transfer without a block has none.
func (i *Ingestor) confirmations(ctx context.Context, ev *Event, chain string) (uint64, error) {
	if ev.BlockNumber == nil {
		return 0, nil
	}
	if ev.Confirmations != nil {
		return *ev.Confirmations, nil
	}
	if i.query == nil || !i.query.Supports(chain) {
		return 1, nil
	}
	tip, err := i.query.BlockHeight(ctx, chain)
	if err != nil {
		i.logger.Warn("failed to query chain tip, counting block as one confirmation", "chain", chain, "error", err)
		return 1, nil
	}
	if tip < *ev.BlockNumber {
		return 0, nil
	}
	return tip - *ev.BlockNumber + 1, nil
}

func (i *Ingestor) markSeen(ctx context.Context, addr *models.PaymentAddress) {
	now := i.opts.Now()
	db := i.db.WithContext(ctx).Model(&models.PaymentAddress{})
	if err := db.Where("id = ?", addr.ID).Update("last_seen_at", now).Error; err != nil {
		i.logger.Error("failed to update last seen", "address", addr.Address, "error", err)
	}
	if err := i.db.WithContext(ctx).Model(&models.PaymentAddress{}).
		Where("id = ? AND first_seen_at IS NULL", addr.ID).
		Update("first_seen_at", now).Error; err != nil {
		i.logger.Error("failed to update first seen", "address", addr.Address, "error", err)
	}
}
