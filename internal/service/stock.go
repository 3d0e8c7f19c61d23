package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
)

// GetAvailableStock returns a snapshot of the product's stock. It may come
// from the stock cache; commits never rely on it.
func (s *Service) GetAvailableStock(ctx context.Context, productID string) (domain.StockResponse, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.StockResponse{}, err
	}

	if qty, ok, err := s.stockCache.Get(ctx, product.ID); err == nil && ok {
		return domain.StockResponse{ProductID: product.ID, Quantity: qty, BaseUnit: product.BaseUnit}, nil
	} else if err != nil {
		s.log.WithError(err).WithField("product_id", product.ID).Debug("stock cache read failed")
	}

	v, err, _ := s.stockReads.Do(product.ID, func() (any, error) {
		// The flight is shared, so one caller going away must not fail the rest.
		ctx := context.WithoutCancel(ctx)
		gen := s.stockGeneration(product.ID)
		qty, err := s.repo.AvailableStock(ctx, product.ID)
		if err != nil {
			return decimal.Zero, err
		}
		s.cacheStock(ctx, product.ID, qty, gen)
		return qty, nil
	})
	if err != nil {
		return domain.StockResponse{}, err
	}

	return domain.StockResponse{ProductID: product.ID, Quantity: v.(decimal.Decimal), BaseUnit: product.BaseUnit}, nil
}

// cacheStock stores qty unless a commit touched the product after gen was
// taken. A commit landing between the check and the write is caught by the
// second check.
func (s *Service) cacheStock(ctx context.Context, productID string, qty decimal.Decimal, gen uint64) {
	log := s.log.WithField("product_id", productID)
	if s.stockGeneration(productID) != gen {
		log.Debug("stock changed during read, not caching")
		return
	}
	if err := s.stockCache.Set(ctx, productID, qty, s.cacheTTL); err != nil {
		log.WithError(err).Debug("stock cache write failed")
		return
	}
	if s.stockGeneration(productID) != gen {
		if err := s.stockCache.Invalidate(ctx, productID); err != nil {
			log.WithError(err).Warn("stock cache invalidation failed")
		}
	}
}

func (s *Service) ListLots(ctx context.Context, productID string) (domain.LotListResponse, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.LotListResponse{}, err
	}
	lots, err := s.repo.ListLots(ctx, product.ID)
	if err != nil {
		return domain.LotListResponse{}, err
	}
	return domain.LotListResponse{ProductID: product.ID, Lots: lots}, nil
}

func (s *Service) ResolvePackaging(req domain.PackagingRequest) (domain.PackagingResponse, error) {
	kind, err := ledger.ParsePackagingKind(req.Kind)
	if err != nil {
		return domain.PackagingResponse{}, err
	}
	total := ledger.ResolvePackagingTotal(kind, req.PackagingInputs)
	if !total.IsPositive() {
		return domain.PackagingResponse{}, fmt.Errorf("%w: %s packaging needs every count to be positive", ledger.ErrInvalidQuantity, kind)
	}
	return domain.PackagingResponse{Kind: kind, BaseQuantity: total}, nil
}

func (s *Service) ResolveWeight(ctx context.Context, req domain.WeightRequest) (domain.WeightResponse, error) {
	unit, ok := ledger.ParseUnit(defaultString(req.Unit, string(ledger.UnitGram)))
	if !ok || unit.BaseUnit() != ledger.UnitKilogram {
		return domain.WeightResponse{}, fmt.Errorf("%w: weight unit must be kg or g", ledger.ErrInvalidLine)
	}

	pricePerKg := req.PricePerKg
	if pricePerKg.IsZero() && strings.TrimSpace(req.ProductID) != "" {
		product, lot, err := s.currentLot(ctx, req.ProductID)
		if err != nil {
			return domain.WeightResponse{}, err
		}
		if product.BaseUnit != ledger.UnitKilogram {
			return domain.WeightResponse{}, fmt.Errorf("%w: product %s is not sold by weight", ledger.ErrInvalidLine, product.ID)
		}
		pricePerKg = lot.RetailPrice
	}

	qty, err := ledger.WeightFromCurrencyAmount(req.Amount, pricePerKg, unit)
	if err != nil {
		return domain.WeightResponse{}, err
	}
	return domain.WeightResponse{Quantity: qty, Unit: unit, PricePerKg: pricePerKg}, nil
}

// QuotePrice previews the rate a line would be charged at now. Checkout
// resolves the rate again under lock.
func (s *Service) QuotePrice(ctx context.Context, req domain.PriceQuoteRequest) (domain.PriceQuoteResponse, error) {
	if !req.Quantity.IsPositive() {
		return domain.PriceQuoteResponse{}, fmt.Errorf("%w: quantity must be positive", ledger.ErrInvalidQuantity)
	}
	product, lot, err := s.currentLot(ctx, req.ProductID)
	if err != nil {
		return domain.PriceQuoteResponse{}, err
	}
	unit, err := saleUnit(*product, req.Unit)
	if err != nil {
		return domain.PriceQuoteResponse{}, err
	}

	terms := lot.PriceTerms()
	if unit == ledger.UnitBox && !terms.PiecesPerBox.IsPositive() {
		return domain.PriceQuoteResponse{}, fmt.Errorf("%w: lot %s has no pieces per box", ledger.ErrConfiguration, lot.ID)
	}
	baseQty := ledger.ToBaseUnits(req.Quantity, unit, terms.PiecesPerBox)
	quote := ledger.ResolveRate(terms, unit, baseQty)

	return domain.PriceQuoteResponse{
		ProductID:    product.ID,
		LotID:        lot.ID,
		Unit:         unit,
		Quantity:     req.Quantity,
		BaseQuantity: baseQty,
		Tier:         quote.Tier,
		Rate:         quote.Rate,
		LineTotal:    ledger.RoundMoney(quote.LineTotal(req.Quantity)),
	}, nil
}

// currentLot is the lot a sale of the product would draw from first.
func (s *Service) currentLot(ctx context.Context, productID string) (*domain.Product, *domain.StockLot, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return nil, nil, err
	}
	lots, err := s.repo.ListLots(ctx, product.ID)
	if err != nil {
		return nil, nil, err
	}
	lot, ok := firstAvailableLot(lots)
	if !ok {
		return nil, nil, &ledger.InsufficientStockError{ProductID: product.ID, Requested: decimal.Zero, Available: decimal.Zero}
	}
	return product, lot, nil
}

func firstAvailableLot(lots []domain.StockLot) (*domain.StockLot, bool) {
	balances := make([]ledger.LotBalance, len(lots))
	byID := make(map[string]int, len(lots))
	for i, lot := range lots {
		balances[i] = lot.Balance()
		byID[lot.ID] = i
	}
	first, ok := ledger.FirstAvailable(balances)
	if !ok {
		return nil, false
	}
	lot := lots[byID[first.LotID]]
	return &lot, true
}

// saleUnit parses the unit a line was entered in and checks it fits the
// product: kg products sell in kg or g, piece products in pcs or box.
func saleUnit(product domain.Product, raw string) (ledger.Unit, error) {
	unit, ok := ledger.ParseUnit(defaultString(raw, string(product.BaseUnit)))
	if !ok {
		return "", fmt.Errorf("%w: unsupported unit %q", ledger.ErrInvalidLine, raw)
	}
	if unit.BaseUnit() != product.BaseUnit {
		return "", fmt.Errorf("%w: product %s is sold in %s, not %s", ledger.ErrInvalidLine, product.ID, product.BaseUnit, unit)
	}
	return unit, nil
}
