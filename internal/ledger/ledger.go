// Package ledger is the invoice state machine and merchant balance book.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/pecunia/internal/metrics"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/webhook"
	"github.com/core-coin/pecunia/pkg/logger"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrMerchantNotFound  = errors.New("merchant not found")
	ErrAssetNotAvailable = errors.New("asset not available")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidTransition = errors.New("invalid invoice transition")

	errDuplicateTx = errors.New("transaction already recorded")
)

const (
	DefaultInvoiceTTL         = 30 * time.Minute
	DefaultWebhookMaxAttempts = 5
	DefaultWebhookTimeout     = 15 * time.Second
	// DefaultPendingGrace keeps an expired invoice open while one of its
	// transactions is still unconfirmed.
	DefaultPendingGrace = 24 * time.Hour
)

type Options struct {
	InvoiceTTL         time.Duration
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration
	PendingGrace       time.Duration
	// Wake is called after a commit that enqueued webhooks.
	Wake func()
	// Alerts is told about webhooks that could not be queued.
	Alerts models.AlertService
	Now    func() time.Time
}

type Ledger struct {
	db     *gorm.DB
	opts   Options
	logger *logger.Logger
}

func New(db *gorm.DB, opts Options, logger *logger.Logger) *Ledger {
	if opts.InvoiceTTL <= 0 {
		opts.InvoiceTTL = DefaultInvoiceTTL
	}
	if opts.WebhookMaxAttempts <= 0 {
		opts.WebhookMaxAttempts = DefaultWebhookMaxAttempts
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = DefaultWebhookTimeout
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = DefaultPendingGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{db: db, opts: opts, logger: logger.Named("ledger")}
}

type CreateInvoiceRequest struct {
	MerchantID uuid.UUID
	AssetID    uuid.UUID
	Amount     decimal.Decimal
	OrderID    string
	TTL        time.Duration
}

// CreateInvoice records a PENDING invoice. The deposit address is bound later
// by the allocator.
func (l *Ledger) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	db := l.db.WithContext(ctx)
	if err := db.Select("id").First(&models.Merchant{}, "id = ?", req.MerchantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}
	var asset models.Asset
	if err := db.First(&asset, "id = ?", req.AssetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotAvailable
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if !asset.Enabled {
		return nil, fmt.Errorf("%w: %s on %s is disabled", ErrAssetNotAvailable, asset.Code, asset.Network)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.opts.InvoiceTTL
	}
	now := l.opts.Now()
	invoice := &models.Invoice{
		ID:         uuid.New(),
		MerchantID: req.MerchantID,
		OrderID:    req.OrderID,
		AssetID:    asset.ID,
		Currency:   asset.Code,
		Network:    asset.Network,
		Amount:     req.Amount,
		AmountPaid: decimal.Zero,
		Status:     models.InvoicePending,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.Create(invoice).Error; err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	return invoice, nil
}

func (l *Ledger) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := l.db.WithContext(ctx).First(&invoice, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &invoice, nil
}

// Transactions lists the chain transactions recorded against an invoice.
func (l *Ledger) Transactions(ctx context.Context, invoiceID uuid.UUID) ([]models.ChainTransaction, error) {
	var txs []models.ChainTransaction
	if err := l.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("created_at").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Balance returns the merchant balance for an asset, zero if none was recorded.
func (l *Ledger) Balance(ctx context.Context, merchantID uuid.UUID, currency, network string) (*models.MerchantWallet, error) {
	var mw models.MerchantWallet
	err := l.db.WithContext(ctx).
		Where("merchant_id = ? AND currency = ? AND network = ?", merchantID, currency, network).
		First(&mw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.MerchantWallet{MerchantID: merchantID, Currency: currency, Network: network}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant balance: %w", err)
	}
	return &mw, nil
}

// Payment is one observed transfer into an invoice address.
type Payment struct {
	InvoiceID        uuid.UUID
	PaymentAddressID uuid.UUID
	TxHash           string
	Amount           decimal.Decimal
	BlockNumber      *uint64
	Confirmations    uint64
}

// ApplyConfirmedTransaction credits a confirmed transaction to the invoice
// exactly once. A hash that was already applied to any invoice is a no-op
// that returns applied=false and the current status.
func (l *Ledger) ApplyConfirmedTransaction(ctx context.Context, invoiceID uuid.UUID, txHash string, amount decimal.Decimal, confirmations uint64) (models.InvoiceStatus, bool, error) {
	return l.ApplyConfirmed(ctx, Payment{InvoiceID: invoiceID, TxHash: txHash, Amount: amount, Confirmations: confirmations})
}

// ApplyConfirmed is ApplyConfirmedTransaction with full transaction detail.
func (l *Ledger) ApplyConfirmed(ctx context.Context, p Payment) (models.InvoiceStatus, bool, error) {
	if !p.Amount.IsPositive() {
		return "", false, ErrInvalidAmount
	}
	var (
		status  models.InvoiceStatus
		applied bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := lockInvoice(tx, p.InvoiceID)
		if err != nil {
			return err
		}
		status = invoice.Status
		now := l.opts.Now()

		existing, err := findTx(tx, p.TxHash)
		if err != nil {
			return err
		}
		var pendingAmount decimal.Decimal
		switch {
		case existing == nil:
			record := &models.ChainTransaction{
				ID:               uuid.New(),
				TxHash:           p.TxHash,
				InvoiceID:        invoice.ID,
				PaymentAddressID: addressID(p, invoice),
				Amount:           p.Amount,
				BlockNumber:      p.BlockNumber,
				Confirmations:    p.Confirmations,
				Status:           models.TxConfirmed,
				ConfirmedAt:      &now,
			}
			if err := tx.Create(record).Error; err != nil {
				l.logger.Debug("transaction insert conflicted", "tx", p.TxHash, "error", err)
				return errDuplicateTx
			}
		case existing.Status == models.TxPending && existing.InvoiceID == invoice.ID:
			res := tx.Model(&models.ChainTransaction{}).
				Where("id = ? AND status = ?", existing.ID, models.TxPending).
				Updates(map[string]interface{}{
					"status":        models.TxConfirmed,
					"amount":        p.Amount,
					"block_number":  p.BlockNumber,
					"confirmations": p.Confirmations,
					"confirmed_at":  now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to confirm transaction: %w", res.Error)
			}
			if res.RowsAffected != 1 {
				return errDuplicateTx
			}
			pendingAmount = existing.Amount
		default:
			if existing.InvoiceID != invoice.ID {
				l.logger.Warn("transaction hash already recorded for another invoice", "tx", p.TxHash,
					"invoice", invoice.ID, "recorded_invoice", existing.InvoiceID)
			}
			return errDuplicateTx
		}

		previous := invoice.Status
		invoice.AmountPaid = invoice.AmountPaid.Add(p.Amount)
		invoice.Status = nextStatus(invoice, l.tolerance(tx, invoice))
		updates := map[string]interface{}{
			"amount_paid": invoice.AmountPaid,
			"status":      invoice.Status,
		}
		if invoice.Status != previous && (invoice.Status == models.InvoicePaid || invoice.Status == models.InvoiceOverpaid) {
			invoice.PaidAt = &now
			updates["paid_at"] = now
		}
		if err := tx.Model(&models.Invoice{}).Where("id = ?", invoice.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update invoice: %w", err)
		}

		if err := credit(tx, invoice, p.Amount, pendingAmount); err != nil {
			return err
		}

		event := models.EventPaymentConfirmed
		if invoice.Status != previous {
			event = statusEvent(invoice.Status)
		}
		if err := l.enqueue(tx, invoice, event, p.Amount, p.TxHash, true); err != nil {
			return err
		}
		if invoice.Status == models.InvoicePaid || invoice.Status == models.InvoiceOverpaid {
			if err := scheduleUnsubscribe(tx, invoice.ID); err != nil {
				return err
			}
		}
		status = invoice.Status
		applied = true
		return nil
	})
	if errors.Is(err, errDuplicateTx) {
		return l.duplicate(ctx, p, "confirmed")
	}
	if err != nil {
		return "", false, err
	}
	metrics.LedgerApplicationsTotal.WithLabelValues("confirmed", "applied").Inc()
	l.wake()
	l.logger.Info("Applied confirmed transaction", "invoice", p.InvoiceID, "tx", p.TxHash, "amount", p.Amount, "status", status)
	return status, applied, nil
}

// ObservePendingTransaction records an unconfirmed transaction, raises the
// merchant's pending balance and notifies the merchant. Invoice status and
// amountPaid do not change until the transaction confirms.
func (l *Ledger) ObservePendingTransaction(ctx context.Context, p Payment) (models.InvoiceStatus, bool, error) {
	if !p.Amount.IsPositive() {
		return "", false, ErrInvalidAmount
	}
	var status models.InvoiceStatus
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := lockInvoice(tx, p.InvoiceID)
		if err != nil {
			return err
		}
		status = invoice.Status
		existing, err := findTx(tx, p.TxHash)
		if err != nil {
			return err
		}
		if existing != nil {
			return errDuplicateTx
		}
		record := &models.ChainTransaction{
			ID:               uuid.New(),
			TxHash:           p.TxHash,
			InvoiceID:        invoice.ID,
			PaymentAddressID: addressID(p, invoice),
			Amount:           p.Amount,
			BlockNumber:      p.BlockNumber,
			Confirmations:    p.Confirmations,
			Status:           models.TxPending,
		}
		if err := tx.Create(record).Error; err != nil {
			return errDuplicateTx
		}
		if err := ensureMerchantWallet(tx, invoice); err != nil {
			return err
		}
		if err := merchantWallet(tx, invoice).
			Update("pending", gorm.Expr("pending + ?", p.Amount)).Error; err != nil {
			return fmt.Errorf("failed to increment pending balance: %w", err)
		}
		return l.enqueue(tx, invoice, models.EventPaymentDetected, p.Amount, p.TxHash, false)
	})
	if errors.Is(err, errDuplicateTx) {
		return l.duplicate(ctx, p, "pending")
	}
	if err != nil {
		return "", false, err
	}
	metrics.LedgerApplicationsTotal.WithLabelValues("pending", "applied").Inc()
	l.wake()
	l.logger.Info("Recorded pending transaction", "invoice", p.InvoiceID, "tx", p.TxHash, "amount", p.Amount)
	return status, true, nil
}

// duplicate resolves a lost race or a replay. The hash must exist by now;
// anything else is a real failure.
func (l *Ledger) duplicate(ctx context.Context, p Payment, kind string) (models.InvoiceStatus, bool, error) {
	db := l.db.WithContext(ctx)
	existing, err := findTx(db, p.TxHash)
	if err != nil {
		return "", false, err
	}
	if existing == nil {
		return "", false, fmt.Errorf("failed to record transaction %s", p.TxHash)
	}
	invoice, err := l.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return "", false, err
	}
	metrics.LedgerApplicationsTotal.WithLabelValues(kind, "duplicate").Inc()
	l.logger.Debug("Ignoring duplicate transaction", "invoice", p.InvoiceID, "tx", p.TxHash)
	return invoice.Status, false, nil
}

// CancelInvoice moves a non-terminal invoice to CANCELLED.
func (l *Ledger) CancelInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice *models.Invoice
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if invoice, err = lockInvoice(tx, id); err != nil {
			return err
		}
		if invoice.Status.Terminal() {
			return fmt.Errorf("%w: %s invoice cannot be cancelled", ErrInvalidTransition, invoice.Status)
		}
		now := l.opts.Now()
		res := tx.Model(&models.Invoice{}).Where("id = ? AND status = ?", id, invoice.Status).
			Updates(map[string]interface{}{"status": models.InvoiceCancelled, "cancelled_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to cancel invoice: %w", res.Error)
		}
		invoice.Status = models.InvoiceCancelled
		invoice.CancelledAt = &now
		if err := l.enqueue(tx, invoice, models.EventInvoiceCancelled, invoice.Amount, "", false); err != nil {
			return err
		}
		return scheduleUnsubscribe(tx, id)
	})
	if err != nil {
		return nil, err
	}
	l.wake()
	l.logger.Info("Cancelled invoice", "invoice", id)
	return invoice, nil
}

// ExpireInvoices moves PENDING invoices past their expiry to EXPIRED. An
// invoice with an unconfirmed transaction is left open for the pending grace
// period. EXPIRED is final.
func (l *Ledger) ExpireInvoices(ctx context.Context, now time.Time) (int, error) {
	var ids []uuid.UUID
	pending := l.db.WithContext(ctx).Model(&models.ChainTransaction{}).Select("invoice_id").Where("status = ?", models.TxPending)
	err := l.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND expires_at <= ?", models.InvoicePending, now).
		Where("id NOT IN (?) OR expires_at <= ?", pending, now.Add(-l.opts.PendingGrace)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired invoices: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Invoice{}).Where("id = ? AND status = ?", id, models.InvoicePending).
				Update("status", models.InvoiceExpired)
			if res.Error != nil {
				return fmt.Errorf("failed to expire invoice: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil
			}
			var invoice models.Invoice
			if err := tx.First(&invoice, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to reload invoice: %w", err)
			}
			if err := l.enqueue(tx, &invoice, models.EventInvoiceExpired, invoice.Amount, "", false); err != nil {
				return err
			}
			if err := scheduleUnsubscribe(tx, id); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	if expired > 0 {
		metrics.InvoicesExpiredTotal.Add(float64(expired))
		l.wake()
		l.logger.Info("Expired invoices", "count", expired)
	}
	return expired, nil
}

func (l *Ledger) wake() {
	if l.opts.Wake != nil {
		l.opts.Wake()
	}
}

func (l *Ledger) tolerance(tx *gorm.DB, invoice *models.Invoice) decimal.Decimal {
	var asset models.Asset
	if err := tx.First(&asset, "id = ?", invoice.AssetID).Error; err != nil {
		l.logger.Warn("asset missing, using zero tolerance", "invoice", invoice.ID, "asset", invoice.AssetID)
		return decimal.Zero
	}
	return asset.EffectiveTolerance()
}

// enqueue stores a merchant webhook in the same transaction as the ledger
// change that caused it.
func (l *Ledger) enqueue(tx *gorm.DB, invoice *models.Invoice, event string, amount decimal.Decimal, txHash string, confirmed bool) error {
	var merchant models.Merchant
	if err := tx.First(&merchant, "id = ?", invoice.MerchantID).Error; err != nil {
		return fmt.Errorf("failed to get merchant: %w", err)
	}
	if merchant.WebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(models.WebhookPayload{
		Event:      event,
		InvoiceID:  invoice.ID.String(),
		OrderID:    invoice.OrderID,
		Amount:     amount.String(),
		Currency:   invoice.Currency,
		TxHash:     txHash,
		Confirmed:  confirmed,
		Status:     string(invoice.Status),
		AmountPaid: invoice.AmountPaid.String(),
		Timestamp:  l.opts.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	maxAttempts := l.opts.WebhookMaxAttempts
	if merchant.WebhookMaxAttempts > 0 {
		maxAttempts = merchant.WebhookMaxAttempts
	}
	_, err = webhook.EnqueueTx(tx, webhook.Request{
		URL:         merchant.WebhookURL,
		Payload:     body,
		Secret:      merchant.WebhookSecret,
		MaxAttempts: maxAttempts,
		Timeout:     l.opts.WebhookTimeout,
		MerchantID:  &merchant.ID,
		InvoiceID:   &invoice.ID,
		Event:       event,
	}, l.opts.Now())
	if errors.Is(err, webhook.ErrInvalidRequest) {
		// A broken merchant endpoint never blocks the ledger change.
		l.logger.Error("Skipped merchant webhook", "merchant", merchant.ID, "invoice", invoice.ID, "event", event, "error", err)
		if l.opts.Alerts != nil {
			msg := fmt.Sprintf("Merchant %s: %s webhook for invoice %s was not queued: %v", merchant.ID, event, invoice.ID, err)
			go l.opts.Alerts.Alert(context.WithoutCancel(tx.Statement.Context), "Merchant webhook misconfigured", msg)
		}
		return nil
	}
	return err
}

// nextStatus applies the payment rules to the invoice's new amountPaid.
// Terminal invoices keep their status; the credit is still recorded.
func nextStatus(invoice *models.Invoice, tolerance decimal.Decimal) models.InvoiceStatus {
	paid, want := invoice.AmountPaid, invoice.Amount
	switch invoice.Status {
	case models.InvoicePending:
		switch {
		case paid.GreaterThan(want.Add(tolerance)):
			return models.InvoiceOverpaid
		case paid.GreaterThanOrEqual(want.Sub(tolerance)):
			return models.InvoicePaid
		case paid.IsPositive():
			return models.InvoiceUnderpaid
		}
	case models.InvoiceUnderpaid:
		if paid.GreaterThanOrEqual(want.Sub(tolerance)) {
			return models.InvoicePaid
		}
	}
	return invoice.Status
}

func statusEvent(s models.InvoiceStatus) string {
	switch s {
	case models.InvoicePaid:
		return models.EventInvoicePaid
	case models.InvoiceUnderpaid:
		return models.EventInvoiceUnderpaid
	case models.InvoiceOverpaid:
		return models.EventInvoiceOverpaid
	case models.InvoiceExpired:
		return models.EventInvoiceExpired
	case models.InvoiceCancelled:
		return models.EventInvoiceCancelled
	}
	return models.EventPaymentConfirmed
}

func lockInvoice(tx *gorm.DB, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&invoice, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to lock invoice: %w", err)
	}
	return &invoice, nil
}

func findTx(db *gorm.DB, hash string) (*models.ChainTransaction, error) {
	var existing models.ChainTransaction
	err := db.Where("tx_hash = ?", hash).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	return &existing, nil
}

func addressID(p Payment, invoice *models.Invoice) uuid.UUID {
	if p.PaymentAddressID != uuid.Nil {
		return p.PaymentAddressID
	}
	if invoice.PaymentAddressID != nil {
		return *invoice.PaymentAddressID
	}
	return uuid.Nil
}

func merchantWallet(tx *gorm.DB, invoice *models.Invoice) *gorm.DB {
	return tx.Model(&models.MerchantWallet{}).
		Where("merchant_id = ? AND currency = ? AND network = ?", invoice.MerchantID, invoice.Currency, invoice.Network)
}

func ensureMerchantWallet(tx *gorm.DB, invoice *models.Invoice) error {
	row := &models.MerchantWallet{
		ID:         uuid.New(),
		MerchantID: invoice.MerchantID,
		Currency:   invoice.Currency,
		Network:    invoice.Network,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create merchant wallet: %w", err)
	}
	return nil
}

// credit moves a confirmed amount into available, releasing what was held
// as pending for the same transaction.
func credit(tx *gorm.DB, invoice *models.Invoice, amount, pending decimal.Decimal) error {
	if err := ensureMerchantWallet(tx, invoice); err != nil {
		return err
	}
	updates := map[string]interface{}{"available": gorm.Expr("available + ?", amount)}
	if pending.IsPositive() {
		updates["pending"] = gorm.Expr("pending - ?", pending)
	}
	if err := merchantWallet(tx, invoice).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to credit merchant balance: %w", err)
	}
	return nil
}

// scheduleUnsubscribe hands the invoice address to the reconcile sweep.
func scheduleUnsubscribe(tx *gorm.DB, invoiceID uuid.UUID) error {
	err := tx.Model(&models.PaymentAddress{}).
		Where("invoice_id = ? AND subscription_state = ?", invoiceID, models.SubscriptionActive).
		Updates(map[string]interface{}{"subscription_state": models.SubscriptionUnsubscribePending}).Error
	if err != nil {
		return fmt.Errorf("failed to schedule unsubscribe: %w", err)
	}
	return nil
}
