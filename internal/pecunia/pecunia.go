package pecunia

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/pecunia/internal/catalog"
	"github.com/core-coin/pecunia/internal/ingest"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/repository"
	"github.com/core-coin/pecunia/internal/subscription"
	"github.com/core-coin/pecunia/internal/wallet"
	"github.com/core-coin/pecunia/internal/webhook"
	"github.com/core-coin/pecunia/pkg/logger"
)

var ErrInvalidSignature = errors.New("invalid notification signature")

// Lock names of the background sweeps.
const (
	LockExpiry    = "invoice-expiry"
	LockReconcile = "subscription-reconcile"
	LockBalance   = "balance-observation"
)

// Intervals of the background sweeps.
type Intervals struct {
	Expiry    time.Duration
	Reconcile time.Duration
	Balance   time.Duration
}

// Pecunia is the gateway application. It owns invoice creation end to end
// and runs the periodic sweeps.
type Pecunia struct {
	logger     *logger.Logger
	instanceID string
	intervals  Intervals

	store         *repository.Store
	catalog       *catalog.Catalog
	ledger        *ledger.Ledger
	wallets       *wallet.Manager
	allocator     *wallet.Allocator
	ingestor      *ingest.Ingestor
	subscriptions *subscription.Manager
	webhooks      *webhook.Service
	// query is nil when no chain query endpoint is configured.
	query models.ChainQueryService

	now func() time.Time

	// Lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Services groups the components Pecunia is built from.
type Services struct {
	Store         *repository.Store
	Catalog       *catalog.Catalog
	Ledger        *ledger.Ledger
	Wallets       *wallet.Manager
	Allocator     *wallet.Allocator
	Ingestor      *ingest.Ingestor
	Subscriptions *subscription.Manager
	Webhooks      *webhook.Service
	Query         models.ChainQueryService
}

// NewPecunia creates a new Pecunia instance
func NewPecunia(s Services, instanceID string, intervals Intervals, logger *logger.Logger) *Pecunia {
	return &Pecunia{
		logger:        logger.Named("pecunia"),
		instanceID:    instanceID,
		intervals:     intervals,
		store:         s.Store,
		catalog:       s.Catalog,
		ledger:        s.Ledger,
		wallets:       s.Wallets,
		allocator:     s.Allocator,
		ingestor:      s.Ingestor,
		subscriptions: s.Subscriptions,
		webhooks:      s.Webhooks,
		query:         s.Query,
		now:           time.Now,
	}
}

type CreateInvoiceRequest struct {
	MerchantID uuid.UUID
	Asset      string
	Network    string
	Amount     decimal.Decimal
	OrderID    string
	TTL        time.Duration
}

// CreateInvoice records the invoice, binds a fresh deposit address and asks
// the notification source to watch it. A subscription failure leaves the
// invoice usable and is reported by Health.
func (p *Pecunia) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, *models.PaymentAddress, error) {
	asset, err := p.catalog.Resolve(ctx, req.Asset, req.Network)
	if err != nil {
		return nil, nil, err
	}
	w, err := p.wallets.ActiveWallet(ctx, asset.ID)
	if err != nil {
		return nil, nil, err
	}
	invoice, err := p.ledger.CreateInvoice(ctx, ledger.CreateInvoiceRequest{
		MerchantID: req.MerchantID,
		AssetID:    asset.ID,
		Amount:     req.Amount,
		OrderID:    req.OrderID,
		TTL:        req.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	addr, err := p.allocator.Allocate(ctx, w.ID, invoice.ID)
	if err != nil {
		// An invoice without a deposit address cannot be paid.
		if _, cerr := p.ledger.CancelInvoice(ctx, invoice.ID); cerr != nil {
			p.logger.Error("Failed to cancel invoice after allocation failure", "invoice", invoice.ID, "error", cerr)
		}
		return nil, nil, fmt.Errorf("failed to allocate deposit address: %w", err)
	}
	invoice.PaymentAddressID = &addr.ID
	invoice.Address = addr.Address

	if _, err := p.subscriptions.Subscribe(ctx, addr.Address, asset.Network, asset.Code); err != nil {
		p.logger.Warn("Invoice created without chain subscription", "invoice", invoice.ID, "address", addr.Address, "error", err)
	}
	p.logger.Info("Invoice created", "invoice", invoice.ID, "asset", asset.Code, "network", asset.Network,
		"amount", invoice.Amount.String(), "address", addr.Address)
	return invoice, addr, nil
}

func (p *Pecunia) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, []models.ChainTransaction, error) {
	invoice, err := p.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	txs, err := p.ledger.Transactions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return invoice, txs, nil
}

func (p *Pecunia) CancelInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return p.ledger.CancelInvoice(ctx, id)
}

func (p *Pecunia) Balance(ctx context.Context, merchantID uuid.UUID, asset, network string) (*models.MerchantWallet, error) {
	a, err := p.catalog.Resolve(ctx, asset, network)
	if err != nil {
		return nil, err
	}
	return p.ledger.Balance(ctx, merchantID, a.Code, a.Network)
}

// InitializeWallet creates the master wallet for (asset, network) at custody.
func (p *Pecunia) InitializeWallet(ctx context.Context, asset, network string) (*models.MasterWallet, error) {
	a, err := p.catalog.Resolve(ctx, asset, network)
	if err != nil {
		return nil, err
	}
	return p.wallets.Initialize(ctx, a)
}

// ImportWallet registers an externally held account xpub as a watch-only wallet.
func (p *Pecunia) ImportWallet(ctx context.Context, asset, network, xpub, custodyHandle string) (*models.MasterWallet, error) {
	a, err := p.catalog.Resolve(ctx, asset, network)
	if err != nil {
		return nil, err
	}
	return p.wallets.ImportWatchOnly(ctx, a, xpub, custodyHandle)
}

func (p *Pecunia) DeactivateWallet(ctx context.Context, id uuid.UUID, reason string) error {
	return p.wallets.Deactivate(ctx, id, reason)
}

// DeleteWallet soft-deletes a wallet. Its addresses and invoices stay.
func (p *Pecunia) DeleteWallet(ctx context.Context, id uuid.UUID) error {
	return p.wallets.Delete(ctx, id)
}

func (p *Pecunia) Assets() []models.Asset {
	return p.catalog.All()
}

// HandleNotification verifies and applies one chain notification.
func (p *Pecunia) HandleNotification(ctx context.Context, body []byte, signature string) (*ingest.Outcome, error) {
	if !p.ingestor.VerifySignature(body, signature) {
		return nil, ErrInvalidSignature
	}
	return p.ingestor.Ingest(ctx, body)
}

func (p *Pecunia) Webhooks() *webhook.Service {
	return p.webhooks
}

type Health struct {
	Database            string        `json:"database"`
	UnmonitoredInvoices int64         `json:"unmonitored_invoices"`
	WebhookQueueDepth   int64         `json:"webhook_queue_depth"`
	Webhooks            webhook.Stats `json:"webhooks"`
}

// Healthy reports whether the instance can serve traffic. Unmonitored
// invoices degrade but do not fail it.
func (h *Health) Healthy() bool {
	return h.Database == "ok"
}

func (p *Pecunia) Health(ctx context.Context) *Health {
	h := &Health{Database: "ok"}
	if err := p.store.Ping(ctx); err != nil {
		h.Database = err.Error()
		return h
	}
	if n, err := p.subscriptions.UnmonitoredInvoices(ctx); err != nil {
		p.logger.Error("Failed to count unmonitored invoices", "error", err)
	} else {
		h.UnmonitoredInvoices = n
	}
	if stats, err := p.webhooks.Stats(ctx); err != nil {
		p.logger.Error("Failed to read webhook stats", "error", err)
	} else {
		h.Webhooks = *stats
		h.WebhookQueueDepth = stats.Pending
	}
	return h
}

// Start launches the webhook workers and the sweeps.
func (p *Pecunia) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.webhooks.Start(ctx)
	p.loop(ctx, LockExpiry, p.intervals.Expiry, p.ExpireInvoices)
	p.loop(ctx, LockReconcile, p.intervals.Reconcile, p.Reconcile)
	if p.query != nil {
		p.loop(ctx, LockBalance, p.intervals.Balance, p.ObserveBalances)
	}
	p.logger.Info("Pecunia started", "instance", p.instanceID)
}

// Stop ends the sweeps and drains in-flight webhook attempts.
func (p *Pecunia) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.webhooks.Stop()
	for _, name := range []string{LockExpiry, LockReconcile, LockBalance} {
		if err := p.store.ReleaseLock(context.Background(), name, p.instanceID); err != nil {
			p.logger.Warn("Failed to release lock", "lock", name, "error", err)
		}
	}
	p.logger.Info("Pecunia stopped")
}

// loop runs fn every interval while this instance holds the named lease.
func (p *Pecunia) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p.runLocked(ctx, name, 2*interval, fn)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pecunia) runLocked(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Sweep panicked", "sweep", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ok, err := p.store.AcquireLock(ctx, name, p.instanceID, ttl)
	if err != nil {
		p.logger.Error("Failed to acquire lock", "lock", name, "error", err)
		return
	}
	if !ok {
		p.logger.Debug("Sweep held by another instance", "sweep", name)
		return
	}
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("Sweep failed", "sweep", name, "error", err)
	}
}

// ExpireInvoices moves overdue PENDING invoices to EXPIRED.
func (p *Pecunia) ExpireInvoices(ctx context.Context) error {
	n, err := p.ledger.ExpireInvoices(ctx, p.now())
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info("Expired invoices", "count", n)
	}
	return nil
}

// Reconcile syncs chain subscriptions with the live invoices.
func (p *Pecunia) Reconcile(ctx context.Context) error {
	_, err := p.subscriptions.Reconcile(ctx)
	return err
}
