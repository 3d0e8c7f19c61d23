package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StockCache holds snapshot reads of a product's available stock. It is never
// consulted for a commit decision.
type StockCache interface {
	Get(ctx context.Context, productID string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, productID string, qty decimal.Decimal, ttl time.Duration) error
	Invalidate(ctx context.Context, productIDs ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ decimal.Decimal, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
