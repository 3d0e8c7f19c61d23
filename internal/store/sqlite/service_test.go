package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store/sqlite"
)

// TestServiceRoundTrip drives purchase, checkout and return through the
// sqlite backend.
func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	repo, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "till.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	svc := service.New(repo, service.Options{
		Logger: log,
		Now: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
	})

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Pencil", BaseUnit: "pcs"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := svc.RecordPurchase(ctx, domain.PurchaseRequest{Lines: []domain.PurchaseLineRequest{{
			ProductID: product.ID, Quantity: decimal.NewFromInt(5),
			PurchasePrice: decimal.NewFromInt(2), RetailPrice: decimal.NewFromInt(4),
		}}})
		require.NoError(t, err)
	}

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCard,
		Lines:         []domain.CartLine{{ProductID: product.ID, Quantity: decimal.NewFromInt(7)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SALE-2026-000001", sale.InvoiceID)
	assert.True(t, sale.GrandTotal.Equal(decimal.NewFromInt(28)))

	stock, err := svc.GetAvailableStock(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(decimal.NewFromInt(3)))

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: product.ID, Quantity: decimal.NewFromInt(3)}},
	})
	require.NoError(t, err)

	lots, err := repo.ListLots(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "1", lots[0].QuantityRemaining.String())
	assert.Equal(t, "5", lots[1].QuantityRemaining.String())
}
