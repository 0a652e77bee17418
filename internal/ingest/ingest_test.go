package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/repository/repotest"
	"github.com/core-coin/pecunia/pkg/logger"
	"github.com/core-coin/pecunia/pkg/validation"
)

const ethAddress = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"

type fakeQuery struct{ tip uint64 }

func (q *fakeQuery) BlockHeight(context.Context, string) (uint64, error) { return q.tip, nil }
func (q *fakeQuery) Balance(context.Context, *models.Asset, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (q *fakeQuery) Supports(chain string) bool { return chain == "ethereum" }

type fixture struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	ingestor *Ingestor
	merchant *models.Merchant
}

func newFixture(t *testing.T, opts Options, query models.ChainQueryService) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	l := ledger.New(db, ledger.Options{}, logger.NewNop())
	return &fixture{
		db:       db,
		ledger:   l,
		ingestor: New(db, l, query, opts, logger.NewNop()),
		merchant: repotest.CreateMerchant(t, db, "", ""),
	}
}

// watch creates an invoice for the asset bound to address.
func (f *fixture) watch(t *testing.T, asset models.Asset, address, amount string) (*models.Invoice, *models.PaymentAddress) {
	t.Helper()
	a := repotest.CreateAsset(t, f.db, asset)
	inv := repotest.CreateInvoice(t, f.db, f.merchant, a, amount, time.Hour)
	pa := &models.PaymentAddress{
		ID:             uuid.New(),
		Address:        address,
		MasterWalletID: uuid.New(),
		KeyWalletID:    uuid.New(),
		InvoiceID:      &inv.ID,
		Network:        a.Network,
		AssetCode:      a.Code,
	}
	require.NoError(t, f.db.Create(pa).Error)
	return inv, pa
}

func (f *fixture) address(t *testing.T, id uuid.UUID) *models.PaymentAddress {
	t.Helper()
	var pa models.PaymentAddress
	require.NoError(t, f.db.First(&pa, "id = ?", id).Error)
	return &pa
}

func TestConfirmedEventPaysInvoice(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	inv, pa := f.watch(t, repotest.ETH, ethAddress, "1.5")

	raw := []byte(fmt.Sprintf(`{"address":%q,"chain":"ethereum","asset":"ETH","amount":"1.5","tx_hash":"0xabc","block_number":100,"confirmations":12,"provider_extra":{"x":1}}`, ethAddress))
	out, err := f.ingestor.Ingest(ctx, raw)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.True(t, out.Confirmed)
	require.Equal(t, models.InvoicePaid, out.Status)
	require.Equal(t, inv.ID, out.InvoiceID)

	seen := f.address(t, pa.ID)
	require.NotNil(t, seen.FirstSeenAt)
	require.NotNil(t, seen.LastSeenAt)
	first := *seen.FirstSeenAt

	// Redelivery is a no-op.
	time.Sleep(5 * time.Millisecond)
	out, err = f.ingestor.Ingest(ctx, raw)
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, models.InvoicePaid, out.Status)

	seen = f.address(t, pa.ID)
	require.True(t, first.Equal(*seen.FirstSeenAt))
	require.True(t, seen.LastSeenAt.After(first))

	mw, err := f.ledger.Balance(ctx, f.merchant.ID, "ETH", "ethereum")
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("1.5").Equal(mw.Available))
}

func TestAddressLookupIsCaseInsensitiveForEVM(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.watch(t, repotest.ETH, ethAddress, "1")

	out, err := f.ingestor.Handle(context.Background(), &Event{
		Address:       "0x9858effd232b4033e47d90003d41ec34ecaeda94",
		Chain:         "ethereum",
		Amount:        decimal.RequireFromString("1"),
		TxHash:        "0x1",
		BlockNumber:   ptr(10),
		Confirmations: ptr(20),
	})
	require.NoError(t, err)
	require.Equal(t, models.InvoicePaid, out.Status)
}

func TestUnrecognizedAndInvalidEvents(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.watch(t, repotest.ETH, ethAddress, "1")

	_, err := f.ingestor.Ingest(ctx, []byte(`{"address":"0x0000000000000000000000000000000000000001","amount":"1","tx_hash":"0x1"}`))
	require.ErrorIs(t, err, ErrUnrecognizedAddress)

	_, err = f.ingestor.Ingest(ctx, []byte(`{"address":`))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"amount":"1"}`, ethAddress)))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"amount":"-1","tx_hash":"0x1"}`, ethAddress)))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"chain":"tron","amount":"1","tx_hash":"0x1"}`, ethAddress)))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"asset":"DOGE","amount":"1","tx_hash":"0x1"}`, ethAddress)))
	require.ErrorIs(t, err, ErrAssetMismatch)
}

func TestTokenInvoiceRequiresContract(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.watch(t, repotest.USDT, ethAddress, "10")

	native := &Event{Address: ethAddress, Amount: decimal.RequireFromString("10"), TxHash: "0x1", BlockNumber: ptr(1), Confirmations: ptr(50)}
	_, err := f.ingestor.Handle(ctx, native)
	require.ErrorIs(t, err, ErrAssetMismatch)

	token := *native
	token.TxHash = "0x2"
	token.Contract = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	out, err := f.ingestor.Handle(ctx, &token)
	require.NoError(t, err)
	require.Equal(t, models.InvoicePaid, out.Status)
}

func TestConfirmationThresholdIsPerFamily(t *testing.T) {
	f := newFixture(t, Options{Confirmations: map[derivation.FamilyTag]uint64{derivation.TagEVM: 3}}, nil)
	ctx := context.Background()
	f.watch(t, repotest.ETH, ethAddress, "1")
	f.watch(t, repotest.BTC, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", "1")

	eth, err := f.ingestor.Handle(ctx, &Event{Address: ethAddress, Amount: decimal.RequireFromString("1"), TxHash: "0xe", BlockNumber: ptr(5), Confirmations: ptr(3)})
	require.NoError(t, err)
	require.True(t, eth.Confirmed)
	require.Equal(t, models.InvoicePaid, eth.Status)

	btcEvent := &Event{Address: "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", Amount: decimal.RequireFromString("1"), TxHash: "b1", BlockNumber: ptr(800000), Confirmations: ptr(3)}
	btc, err := f.ingestor.Handle(ctx, btcEvent)
	require.NoError(t, err)
	require.False(t, btc.Confirmed)
	require.True(t, btc.Applied)
	require.Equal(t, models.InvoicePending, btc.Status)

	btcEvent.Confirmations = ptr(6)
	btc, err = f.ingestor.Handle(ctx, btcEvent)
	require.NoError(t, err)
	require.True(t, btc.Confirmed)
	require.True(t, btc.Applied)
	require.Equal(t, models.InvoicePaid, btc.Status)
}

func TestMissingBlockIsUnconfirmed(t *testing.T) {
	f := newFixture(t, Options{}, &fakeQuery{tip: 111})
	ctx := context.Background()
	inv, _ := f.watch(t, repotest.ETH, ethAddress, "2")

	out, err := f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"amount":2,"tx_hash":"0xm","confirmations":40}`, ethAddress)))
	require.NoError(t, err)
	require.False(t, out.Confirmed)
	require.Zero(t, out.Confirmations)

	// Tip 111, block 100: 12 confirmations.
	out, err = f.ingestor.Ingest(ctx, []byte(fmt.Sprintf(`{"address":%q,"amount":2,"tx_hash":"0xm","block_number":100}`, ethAddress)))
	require.NoError(t, err)
	require.True(t, out.Confirmed)
	require.EqualValues(t, 12, out.Confirmations)
	require.Equal(t, models.InvoicePaid, out.Status)

	txs, err := f.ledger.Transactions(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"address":"x"}`)
	unset := New(nil, nil, nil, Options{}, logger.NewNop())
	require.False(t, unset.VerifySignature(body, ""))
	require.False(t, unset.VerifySignature(body, validation.SignPayload("", body)))

	signed := New(nil, nil, nil, Options{Secret: "src"}, logger.NewNop())
	require.False(t, signed.VerifySignature(body, ""))
	require.True(t, signed.VerifySignature(body, validation.SignPayload("src", body)))
}

func ptr(v uint64) *uint64 { return &v }
