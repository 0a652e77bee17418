package pecunia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/internal/catalog"
	"github.com/core-coin/pecunia/internal/custody"
	"github.com/core-coin/pecunia/internal/ingest"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/notificator"
	"github.com/core-coin/pecunia/internal/repository"
	"github.com/core-coin/pecunia/internal/repository/repotest"
	"github.com/core-coin/pecunia/internal/subscription"
	"github.com/core-coin/pecunia/internal/vault"
	"github.com/core-coin/pecunia/internal/wallet"
	"github.com/core-coin/pecunia/internal/webhook"
	"github.com/core-coin/pecunia/pkg/logger"
	"github.com/core-coin/pecunia/pkg/validation"
)

type fakeSource struct {
	mu   sync.Mutex
	fail bool
	subs map[string]string
}

func (s *fakeSource) Subscribe(_ context.Context, address, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("source unavailable")
	}
	if s.subs == nil {
		s.subs = make(map[string]string)
	}
	id := "sub-" + address
	s.subs[id] = address
	return id, nil
}

func (s *fakeSource) Unsubscribe(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

type fakeQuery struct {
	balance decimal.Decimal
}

func (q *fakeQuery) BlockHeight(context.Context, string) (uint64, error) { return 100, nil }
func (q *fakeQuery) Balance(context.Context, *models.Asset, string) (decimal.Decimal, error) {
	return q.balance, nil
}
func (q *fakeQuery) Supports(chain string) bool { return chain == "ethereum" }

type fixture struct {
	app      *Pecunia
	store    *repository.Store
	source   *fakeSource
	query    *fakeQuery
	merchant *models.Merchant
}

const sourceSecret = "source-secret"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	store := repotest.NewStore(t)
	db := store.Conn

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	alerts := notificator.NewNotificator(log, nil, nil)
	cust := custody.NewLocalCustody(v)

	cat := catalog.New(db, nil, time.Minute, log)
	require.NoError(t, cat.Seed(context.Background(), catalog.DefaultAssets))

	webhooks := webhook.NewService(db, webhook.Options{}, alerts, log)
	l := ledger.New(db, ledger.Options{Wake: webhooks.Notify}, log)
	wallets := wallet.NewManager(db, cust, alerts, log)
	source := &fakeSource{}
	query := &fakeQuery{}

	app := NewPecunia(Services{
		Store:         store,
		Catalog:       cat,
		Ledger:        l,
		Wallets:       wallets,
		Allocator:     wallet.NewAllocator(db, cust, wallets, log),
		Ingestor:      ingest.New(db, l, query, ingest.Options{Secret: sourceSecret}, log),
		Subscriptions: subscription.NewManager(db, source, log),
		Webhooks:      webhooks,
		Query:         query,
	}, "node-a", Intervals{Expiry: time.Second, Reconcile: time.Second, Balance: time.Second}, log)

	return &fixture{
		app:      app,
		store:    store,
		source:   source,
		query:    query,
		merchant: repotest.CreateMerchant(t, db, "https://merchant.example.com/hook", "whsec"),
	}
}

func (f *fixture) invoice(t *testing.T, asset, network, amount string) (*models.Invoice, *models.PaymentAddress) {
	t.Helper()
	inv, addr, err := f.app.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MerchantID: f.merchant.ID,
		Asset:      asset,
		Network:    network,
		Amount:     decimal.RequireFromString(amount),
		OrderID:    "order-1",
	})
	require.NoError(t, err)
	return inv, addr
}

func (f *fixture) notify(t *testing.T, body string) (*ingest.Outcome, error) {
	t.Helper()
	return f.app.HandleNotification(context.Background(), []byte(body), validation.SignPayload(sourceSecret, []byte(body)))
}

func TestCreateInvoiceRequiresActiveWallet(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.app.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MerchantID: f.merchant.ID,
		Asset:      "ETH",
		Network:    "ethereum",
		Amount:     decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, wallet.ErrNoActiveWallet)

	_, _, err = f.app.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MerchantID: f.merchant.ID,
		Asset:      "ETH",
		Network:    "polygon",
		Amount:     decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, catalog.ErrAssetNotFound)
}

func TestInvoiceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.InitializeWallet(ctx, "ETH", "ethereum")
	require.NoError(t, err)

	inv, addr := f.invoice(t, "ETH", "ethereum", "1.5")
	require.Equal(t, models.InvoicePending, inv.Status)
	require.NoError(t, validation.ValidateAddress("evm", addr.Address))
	require.Equal(t, addr.Address, inv.Address)
	require.Len(t, f.source.subs, 1)

	second, addr2 := f.invoice(t, "ETH", "ethereum", "2")
	require.NotEqual(t, addr.Address, addr2.Address)
	require.Equal(t, uint64(1), addr2.DerivationIndex)

	body := fmt.Sprintf(`{"address":%q,"chain":"ethereum","asset":"ETH","amount":"1.5","tx_hash":"0xabc","block_number":90,"confirmations":12}`, addr.Address)
	out, err := f.notify(t, body)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, models.InvoicePaid, out.Status)

	// Replay is a no-op.
	out, err = f.notify(t, body)
	require.NoError(t, err)
	require.False(t, out.Applied)

	_, err = f.app.HandleNotification(ctx, []byte(body), "sha256=00")
	require.ErrorIs(t, err, ErrInvalidSignature)

	got, txs, err := f.app.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoicePaid, got.Status)
	require.Len(t, txs, 1)

	bal, err := f.app.Balance(ctx, f.merchant.ID, "eth", "ethereum")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("1.5")))

	cancelled, err := f.app.CancelInvoice(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceCancelled, cancelled.Status)

	require.NoError(t, f.app.Reconcile(ctx))
	require.Empty(t, f.source.subs)

	stats, err := f.app.Webhooks().Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Pending)
}

func TestTokenInvoiceSharesNativeCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.InitializeWallet(ctx, "USDT", "ethereum")
	require.ErrorIs(t, err, wallet.ErrNativeWalletMissing)

	_, err = f.app.InitializeWallet(ctx, "ETH", "ethereum")
	require.NoError(t, err)
	_, err = f.app.InitializeWallet(ctx, "USDT", "ethereum")
	require.NoError(t, err)

	_, eth := f.invoice(t, "ETH", "ethereum", "1")
	_, usdt := f.invoice(t, "USDT", "ethereum", "10")
	require.Equal(t, uint64(0), eth.DerivationIndex)
	require.Equal(t, uint64(1), usdt.DerivationIndex)
	require.Equal(t, "USDT", usdt.AssetCode)
}

func TestSubscriptionFailureIsObservable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.InitializeWallet(ctx, "BTC", "bitcoin")
	require.NoError(t, err)

	f.source.fail = true
	inv, addr := f.invoice(t, "BTC", "bitcoin", "0.01")
	require.NotEmpty(t, addr.Address)
	require.Equal(t, models.InvoicePending, inv.Status)

	h := f.app.Health(ctx)
	require.True(t, h.Healthy())
	require.Equal(t, int64(1), h.UnmonitoredInvoices)

	f.source.fail = false
	require.NoError(t, f.app.Reconcile(ctx))
	require.Equal(t, int64(0), f.app.Health(ctx).UnmonitoredInvoices)
}

func TestHardenedInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.app.InitializeWallet(ctx, "SOL", "solana")
	require.NoError(t, err)
	require.Equal(t, models.DerivationCustody, w.DerivationMode)

	_, addr := f.invoice(t, "SOL", "solana", "0.5")
	require.NoError(t, validation.ValidateAddress("hardened", addr.Address))
}

func TestObserveBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.InitializeWallet(ctx, "ETH", "ethereum")
	require.NoError(t, err)
	_, addr := f.invoice(t, "ETH", "ethereum", "1")

	f.query.balance = decimal.RequireFromString("0.25")
	require.NoError(t, f.app.ObserveBalances(ctx))

	var stored models.PaymentAddress
	require.NoError(t, f.store.Conn.First(&stored, "id = ?", addr.ID).Error)
	require.True(t, stored.ObservedBalance.Equal(decimal.RequireFromString("0.25")))

	// Observation never credits.
	inv, _, err := f.app.GetInvoice(ctx, *addr.InvoiceID)
	require.NoError(t, err)
	require.True(t, inv.AmountPaid.IsZero())
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.store.AcquireLock(ctx, LockExpiry, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	f.app.runLocked(ctx, LockExpiry, time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.False(t, ran)

	f.app.runLocked(ctx, LockReconcile, time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.True(t, ran)
}

func TestExpireInvoicesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.InitializeWallet(ctx, "ETH", "ethereum")
	require.NoError(t, err)
	inv, _ := f.invoice(t, "ETH", "ethereum", "1")

	f.app.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, f.app.ExpireInvoices(ctx))

	got, _, err := f.app.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceExpired, got.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.app.Start(context.Background())
	f.app.Stop()

	ok, err := f.store.AcquireLock(context.Background(), LockExpiry, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
