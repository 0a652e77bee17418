package pecunia

import (
	"context"
	"fmt"

	"github.com/core-coin/pecunia/internal/models"
)

// ObserveBalances refreshes the observed balance of watched addresses from
// the chain query service. Observed balances are informational: they never
// credit an invoice because they carry no transaction hash to deduplicate on.
func (p *Pecunia) ObserveBalances(ctx context.Context) error {
	var addrs []models.PaymentAddress
	err := p.store.Conn.WithContext(ctx).
		Joins("JOIN invoices ON invoices.id = payment_addresses.invoice_id").
		Where("invoices.status IN ?", []models.InvoiceStatus{models.InvoicePending, models.InvoiceUnderpaid}).
		Find(&addrs).Error
	if err != nil {
		return fmt.Errorf("failed to list watched addresses: %w", err)
	}

	var observed, mismatched int
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.query.Supports(addr.Network) || addr.InvoiceID == nil {
			continue
		}
		asset, err := p.catalog.Resolve(ctx, addr.AssetCode, addr.Network)
		if err != nil {
			p.logger.Warn("Unknown asset on watched address", "address", addr.Address, "asset", addr.AssetCode, "error", err)
			continue
		}
		balance, err := p.query.Balance(ctx, asset, addr.Address)
		if err != nil {
			p.logger.Warn("Failed to query balance", "address", addr.Address, "network", addr.Network, "error", err)
			continue
		}
		if err := p.store.Conn.WithContext(ctx).Model(&models.PaymentAddress{}).
			Where("id = ?", addr.ID).Update("observed_balance", balance).Error; err != nil {
			return fmt.Errorf("failed to store observed balance: %w", err)
		}
		observed++

		invoice, err := p.ledger.GetInvoice(ctx, *addr.InvoiceID)
		if err != nil {
			return err
		}
		if !balance.Equal(invoice.AmountPaid) {
			mismatched++
			p.logger.Warn("Observed balance differs from credited amount",
				"address", addr.Address, "invoice", invoice.ID, "observed", balance.String(),
				"credited", invoice.AmountPaid.String(), "status", invoice.Status)
		}
	}
	if observed > 0 {
		p.logger.Debug("Observed balances", "addresses", observed, "mismatched", mismatched)
	}
	return nil
}
