// Package subscription keeps the chain notification source watching exactly
// the addresses of live invoices.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/metrics"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

var ErrNoSubscription = errors.New("no subscription id")

var terminalStatuses = []models.InvoiceStatus{
	models.InvoicePaid,
	models.InvoiceOverpaid,
	models.InvoiceExpired,
	models.InvoiceCancelled,
}

type Manager struct {
	db     *gorm.DB
	source models.NotificationSource
	logger *logger.Logger
	now    func() time.Time
}

func NewManager(db *gorm.DB, source models.NotificationSource, logger *logger.Logger) *Manager {
	return &Manager{db: db, source: source, logger: logger.Named("subscription"), now: time.Now}
}

// Subscribe registers the address with the notification source and records
// the subscription. A failure leaves the address in the failed state for the
// next reconcile.
func (m *Manager) Subscribe(ctx context.Context, address, chain, asset string) (string, error) {
	id, err := m.source.Subscribe(ctx, address, chain, asset)
	if err != nil {
		m.setState(ctx, "address = ?", address, map[string]interface{}{
			"subscription_state":  models.SubscriptionFailed,
			"subscription_active": false,
		})
		return "", fmt.Errorf("failed to subscribe %s on %s: %w", address, chain, err)
	}
	m.setState(ctx, "address = ?", address, map[string]interface{}{
		"subscription_id":     id,
		"subscription_state":  models.SubscriptionActive,
		"subscription_active": true,
	})
	m.logger.Debug("Subscribed address", "address", address, "chain", chain, "subscription", id)
	return id, nil
}

// Unsubscribe drops the subscription at the source and marks it removed.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return ErrNoSubscription
	}
	if err := m.source.Unsubscribe(ctx, subscriptionID); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", subscriptionID, err)
	}
	m.setState(ctx, "subscription_id = ?", subscriptionID, map[string]interface{}{
		"subscription_state":  models.SubscriptionRemoved,
		"subscription_active": false,
	})
	return nil
}

func (m *Manager) setState(ctx context.Context, query string, arg interface{}, updates map[string]interface{}) {
	if err := m.db.WithContext(ctx).Model(&models.PaymentAddress{}).Where(query, arg).Updates(updates).Error; err != nil {
		m.logger.Error("failed to record subscription state", "error", err)
	}
}

type Result struct {
	Removed      int `json:"removed"`
	Resubscribed int `json:"resubscribed"`
	Failed       int `json:"failed"`
}

// Reconcile unsubscribes addresses that no longer need watching (terminal or
// missing invoice, UNDERPAID past expiry, or scheduled by the ledger) and
// retries subscriptions of live invoices that never got one.
func (m *Manager) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	now := m.now()

	var stale []models.PaymentAddress
	err := m.db.WithContext(ctx).Model(&models.PaymentAddress{}).
		Joins("LEFT JOIN invoices ON invoices.id = payment_addresses.invoice_id").
		Where("payment_addresses.subscription_state = ? OR (payment_addresses.subscription_state = ? AND "+
			"(invoices.id IS NULL OR invoices.status IN ? OR (invoices.status = ? AND invoices.expires_at <= ?)))",
			models.SubscriptionUnsubscribePending, models.SubscriptionActive,
			terminalStatuses, models.InvoiceUnderpaid, now).
		Find(&stale).Error
	if err != nil {
		return res, fmt.Errorf("failed to list stale subscriptions: %w", err)
	}
	for _, addr := range stale {
		if addr.SubscriptionID == "" {
			m.setState(ctx, "id = ?", addr.ID, map[string]interface{}{
				"subscription_state":  models.SubscriptionRemoved,
				"subscription_active": false,
			})
			res.Removed++
			continue
		}
		if err := m.Unsubscribe(ctx, addr.SubscriptionID); err != nil {
			res.Failed++
			m.logger.Warn("Unsubscribe failed, will retry", "address", addr.Address, "error", err)
			continue
		}
		res.Removed++
	}

	var missing []struct {
		Address string
		Network string
		Asset   string
	}
	err = m.db.WithContext(ctx).Model(&models.PaymentAddress{}).
		Select("payment_addresses.address, payment_addresses.network, invoices.currency AS asset").
		Joins("JOIN invoices ON invoices.id = payment_addresses.invoice_id").
		Where("payment_addresses.subscription_state IN ?", []models.SubscriptionState{models.SubscriptionNone, models.SubscriptionFailed}).
		Where("invoices.status IN ? AND invoices.expires_at > ?", []models.InvoiceStatus{models.InvoicePending, models.InvoiceUnderpaid}, now).
		Scan(&missing).Error
	if err != nil {
		return res, fmt.Errorf("failed to list unsubscribed addresses: %w", err)
	}
	for _, addr := range missing {
		if _, err := m.Subscribe(ctx, addr.Address, addr.Network, addr.Asset); err != nil {
			res.Failed++
			m.logger.Warn("Subscription retry failed", "address", addr.Address, "error", err)
			continue
		}
		res.Resubscribed++
	}

	if res.Removed+res.Resubscribed+res.Failed > 0 {
		m.logger.Info("Reconciled subscriptions", "removed", res.Removed, "resubscribed", res.Resubscribed, "failed", res.Failed)
	}
	if _, err := m.UnmonitoredInvoices(ctx); err != nil {
		m.logger.Error("failed to count unmonitored invoices", "error", err)
	}
	return res, nil
}

// UnmonitoredInvoices counts live invoices whose address is not watched.
func (m *Manager) UnmonitoredInvoices(ctx context.Context) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&models.Invoice{}).
		Joins("LEFT JOIN payment_addresses ON payment_addresses.invoice_id = invoices.id").
		Where("invoices.status IN ? AND invoices.expires_at > ?",
			[]models.InvoiceStatus{models.InvoicePending, models.InvoiceUnderpaid}, m.now()).
		Where("payment_addresses.id IS NULL OR payment_addresses.subscription_active = ?", false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unmonitored invoices: %w", err)
	}
	metrics.UnmonitoredInvoices.Set(float64(n))
	return n, nil
}
