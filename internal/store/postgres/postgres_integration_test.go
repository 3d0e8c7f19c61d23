package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := RunMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	// A second run must be a no-op.
	if err := RunMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}
	return s
}

func seedLot(t *testing.T, s *Store, stamp int64, qty int64) (productID string, lotID string) {
	t.Helper()
	ctx := context.Background()
	productID = fmt.Sprintf("prd-it-%d", stamp)
	lotID = fmt.Sprintf("lot-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_lots WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Integration Rice", BaseUnit: ledger.UnitKilogram, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertLot(ctx, domain.StockLot{
			ID:                lotID,
			ProductID:         productID,
			BaseUnit:          ledger.UnitKilogram,
			QuantityPurchased: decimal.NewFromInt(qty),
			QuantityRemaining: decimal.NewFromInt(qty),
			RetailPrice:       decimal.NewFromInt(200),
			Packaging:         &domain.Packaging{Kind: ledger.PackagingBag},
			CreatedAt:         time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert lot: %v", err)
	}
	return productID, lotID
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	_, lotID := seedLot(t, s, time.Now().UnixNano(), 10)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateLotRemaining(ctx, lotID, decimal.NewFromInt(4)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	lot, err := s.GetLot(ctx, lotID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if !lot.QuantityRemaining.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected remaining 10 after rollback, got %s", lot.QuantityRemaining)
	}
	if lot.Packaging == nil || lot.Packaging.Kind != ledger.PackagingBag {
		t.Fatalf("expected packaging to round trip, got %+v", lot.Packaging)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateLotRemaining(ctx, lotID, decimal.NewFromInt(11))
	})
	if err == nil {
		t.Fatalf("expected remaining above purchased to be rejected")
	}
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	productID, lotID := seedLot(t, s, time.Now().UnixNano(), 5)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				lots, err := tx.ListLotsForUpdate(ctx, productID)
				if err != nil {
					return err
				}
				if len(lots) != 1 || lots[0].QuantityRemaining.LessThan(decimal.NewFromInt(1)) {
					return ledger.ErrInsufficientStock
				}
				return tx.UpdateLotRemaining(ctx, lotID, lots[0].QuantityRemaining.Sub(decimal.NewFromInt(1)))
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 5 {
		t.Fatalf("expected exactly 5 successful decrements, got %d", got)
	}
	available, err := s.AvailableStock(ctx, productID)
	if err != nil {
		t.Fatalf("available stock: %v", err)
	}
	if !available.IsZero() {
		t.Fatalf("expected no stock left, got %s", available)
	}
}

func TestNextSequenceIsPerPrefixAndYear(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("IT%d", time.Now().UnixNano()%1_000_000)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM document_counters WHERE prefix = $1`, prefix)
	})

	var got []int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, year := range []int{2026, 2026, 2027} {
			value, err := tx.NextSequence(ctx, prefix, year)
			if err != nil {
				return err
			}
			got = append(got, value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if fmt.Sprint(got) != "[1 2 1]" {
		t.Fatalf("expected [1 2 1], got %v", got)
	}
}
