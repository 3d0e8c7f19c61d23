package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
)

// Store keeps everything in process. WithTx holds the store-wide lock for the
// whole callback, so transactions are serial.
type Store struct {
	mu sync.RWMutex

	products        map[string]domain.Product
	suppliers       map[string]domain.Supplier
	lots            map[string]domain.StockLot
	lotsByProduct   map[string][]string
	purchases       map[string]domain.Purchase
	sales           map[string]domain.Sale
	salesByIdem     map[string]string
	returnsBySale   map[string][]domain.SaleReturn
	purchaseReturns map[string]domain.PurchaseReturn
	credits         map[string][]domain.SupplierCredit
	counters        map[string]int64
	auditLogs       []domain.AuditLog
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		suppliers:       make(map[string]domain.Supplier),
		lots:            make(map[string]domain.StockLot),
		lotsByProduct:   make(map[string][]string),
		purchases:       make(map[string]domain.Purchase),
		sales:           make(map[string]domain.Sale),
		salesByIdem:     make(map[string]string),
		returnsBySale:   make(map[string][]domain.SaleReturn),
		purchaseReturns: make(map[string]domain.PurchaseReturn),
		credits:         make(map[string][]domain.SupplierCredit),
		counters:        make(map[string]int64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded returns a store with a small demo catalog: one piece product and
// one weighed product, each with two lots.
func NewSeeded() *Store {
	s := New()
	base := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	s.products["prd-rice"] = domain.Product{ID: "prd-rice", Name: "Basmati Rice", Category: "grocery", SubCategory: "grain", BaseUnit: ledger.UnitKilogram, CreatedAt: base}
	s.products["prd-soap"] = domain.Product{ID: "prd-soap", Name: "Bath Soap", Category: "household", Brand: "Lux", BaseUnit: ledger.UnitPiece, CreatedAt: base}
	s.suppliers["sup-main"] = domain.Supplier{ID: "sup-main", Name: "Main Wholesale", CreatedAt: base}

	seed := []domain.StockLot{
		{ID: "lot-rice-1", ProductID: "prd-rice", SupplierID: "sup-main", BaseUnit: ledger.UnitKilogram, QuantityPurchased: decimal.NewFromInt(50), PurchasePrice: decimal.NewFromInt(180), RetailPrice: decimal.NewFromInt(220), WholesalePrice: decimal.NewFromInt(205), WholesaleMinQty: decimal.NewFromInt(10), CreatedAt: base},
		{ID: "lot-rice-2", ProductID: "prd-rice", SupplierID: "sup-main", BaseUnit: ledger.UnitKilogram, QuantityPurchased: decimal.NewFromInt(50), PurchasePrice: decimal.NewFromInt(185), RetailPrice: decimal.NewFromInt(225), WholesalePrice: decimal.NewFromInt(210), WholesaleMinQty: decimal.NewFromInt(10), CreatedAt: base.Add(24 * time.Hour)},
		{ID: "lot-soap-1", ProductID: "prd-soap", SupplierID: "sup-main", BaseUnit: ledger.UnitPiece, QuantityPurchased: decimal.NewFromInt(48), PurchasePrice: decimal.NewFromInt(40), RetailPrice: decimal.NewFromInt(55), BoxPrice: decimal.NewFromInt(600), PiecesPerBox: decimal.NewFromInt(12), CreatedAt: base},
		{ID: "lot-soap-2", ProductID: "prd-soap", SupplierID: "sup-main", BaseUnit: ledger.UnitPiece, QuantityPurchased: decimal.NewFromInt(24), PurchasePrice: decimal.NewFromInt(42), RetailPrice: decimal.NewFromInt(58), BoxPrice: decimal.NewFromInt(630), PiecesPerBox: decimal.NewFromInt(12), CreatedAt: base.Add(24 * time.Hour)},
	}
	for _, lot := range seed {
		s.counters[counterKey(domain.DocLot, 0)]++
		lot.Seq = s.counters[counterKey(domain.DocLot, 0)]
		lot.QuantityRemaining = lot.QuantityPurchased
		s.lots[lot.ID] = lot
		s.lotsByProduct[lot.ProductID] = append(s.lotsByProduct[lot.ProductID], lot.ID)
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if product.Barcode != "" {
		for _, p := range s.products {
			if p.Barcode == product.Barcode {
				return nil, store.ErrConflict
			}
		}
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProduct(id)
}

func (s *Store) getProduct(id string) (*domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suppliers[supplier.ID]; exists {
		return nil, store.ErrConflict
	}
	s.suppliers[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSupplier(id)
}

func (s *Store) getSupplier(id string) (*domain.Supplier, error) {
	sup, ok := s.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sup, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		result = append(result, sup)
	}
	slices.SortFunc(result, func(a, b domain.Supplier) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) AvailableStock(_ context.Context, productID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, id := range s.lotsByProduct[productID] {
		if lot := s.lots[id]; lot.QuantityRemaining.IsPositive() {
			total = total.Add(lot.QuantityRemaining)
		}
	}
	return total, nil
}

func (s *Store) ListLots(_ context.Context, productID string) ([]domain.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLots(productID), nil
}

func (s *Store) listLots(productID string) []domain.StockLot {
	ids := s.lotsByProduct[productID]
	result := make([]domain.StockLot, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneLot(s.lots[id]))
	}
	slices.SortStableFunc(result, compareLotFIFO)
	return result
}

func (s *Store) GetLot(_ context.Context, lotID string) (*domain.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLot(lotID)
}

func (s *Store) getLot(lotID string) (*domain.StockLot, error) {
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneLot(lot)
	return &dup, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSale(id)
}

func (s *Store) getSale(id string) (*domain.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSaleByIdempotency(key)
}

func (s *Store) findSaleByIdempotency(key string) (*domain.Sale, error) {
	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.getSale(id)
}

func (s *Store) ListReturnsBySale(_ context.Context, saleID string) ([]domain.SaleReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listReturnsBySale(saleID), nil
}

func (s *Store) listReturnsBySale(saleID string) []domain.SaleReturn {
	src := s.returnsBySale[saleID]
	result := make([]domain.SaleReturn, 0, len(src))
	for _, ret := range src {
		result = append(result, cloneReturn(ret))
	}
	return result
}

func (s *Store) ListSupplierCredits(_ context.Context, supplierID string) ([]domain.SupplierCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.credits[supplierID]
	result := make([]domain.SupplierCredit, len(src))
	copy(result, src)
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	if len(s.auditLogs) > 5000 {
		s.auditLogs = s.auditLogs[len(s.auditLogs)-5000:]
	}
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// memTx writes straight into the store and remembers how to undo each write.
// The caller holds s.mu for the lifetime of the transaction.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return t.s.getProduct(id)
}

func (t *memTx) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	return t.s.getSupplier(id)
}

func (t *memTx) ListLotsForUpdate(_ context.Context, productID string) ([]domain.StockLot, error) {
	return t.s.listLots(productID), nil
}

func (t *memTx) GetLotForUpdate(_ context.Context, lotID string) (*domain.StockLot, error) {
	return t.s.getLot(lotID)
}

func (t *memTx) UpdateLotRemaining(_ context.Context, lotID string, remaining decimal.Decimal) error {
	lot, ok := t.s.lots[lotID]
	if !ok {
		return store.ErrNotFound
	}
	if remaining.IsNegative() || remaining.GreaterThan(lot.QuantityPurchased) {
		return fmt.Errorf("lot %s: remaining %s outside [0, %s]", lotID, remaining.String(), lot.QuantityPurchased.String())
	}
	previous := lot.QuantityRemaining
	lot.QuantityRemaining = remaining
	t.s.lots[lotID] = lot
	t.undo = append(t.undo, func() {
		restored := t.s.lots[lotID]
		restored.QuantityRemaining = previous
		t.s.lots[lotID] = restored
	})
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, purchase domain.Purchase) error {
	if _, exists := t.s.purchases[purchase.ID]; exists {
		return store.ErrConflict
	}
	purchase.Lots = nil
	t.s.purchases[purchase.ID] = purchase
	t.undo = append(t.undo, func() { delete(t.s.purchases, purchase.ID) })
	return nil
}

func (t *memTx) InsertLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error) {
	if _, exists := t.s.lots[lot.ID]; exists {
		return nil, store.ErrConflict
	}
	seq, err := t.NextSequence(ctx, domain.DocLot, 0)
	if err != nil {
		return nil, err
	}
	lot.Seq = seq
	lot = cloneLot(lot)
	t.s.lots[lot.ID] = lot
	t.s.lotsByProduct[lot.ProductID] = append(t.s.lotsByProduct[lot.ProductID], lot.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.lots, lot.ID)
		ids := t.s.lotsByProduct[lot.ProductID]
		t.s.lotsByProduct[lot.ProductID] = slices.DeleteFunc(ids, func(id string) bool { return id == lot.ID })
	})
	dup := cloneLot(lot)
	return &dup, nil
}

func (t *memTx) NextSequence(_ context.Context, prefix string, year int) (int64, error) {
	key := counterKey(prefix, year)
	previous := t.s.counters[key]
	t.s.counters[key] = previous + 1
	t.undo = append(t.undo, func() { t.s.counters[key] = previous })
	return previous + 1, nil
}

func (t *memTx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	return t.s.getSale(id)
}

func (t *memTx) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	return t.s.findSaleByIdempotency(key)
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.s.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	if sale.IdempotencyKey != "" {
		if _, exists := t.s.salesByIdem[sale.IdempotencyKey]; exists {
			return store.ErrConflict
		}
		t.s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	t.s.sales[sale.ID] = *cloneSale(sale)
	t.undo = append(t.undo, func() {
		delete(t.s.sales, sale.ID)
		if sale.IdempotencyKey != "" {
			delete(t.s.salesByIdem, sale.IdempotencyKey)
		}
	})
	return nil
}

func (t *memTx) ListReturnsBySale(_ context.Context, saleID string) ([]domain.SaleReturn, error) {
	return t.s.listReturnsBySale(saleID), nil
}

func (t *memTx) InsertReturn(_ context.Context, ret domain.SaleReturn) error {
	for _, existing := range t.s.returnsBySale[ret.InvoiceID] {
		if existing.ID == ret.ID {
			return store.ErrConflict
		}
	}
	previous := t.s.returnsBySale[ret.InvoiceID]
	t.s.returnsBySale[ret.InvoiceID] = append(slices.Clip(previous), cloneReturn(ret))
	t.undo = append(t.undo, func() { t.s.returnsBySale[ret.InvoiceID] = previous })
	return nil
}

func (t *memTx) InsertPurchaseReturn(_ context.Context, pr domain.PurchaseReturn) error {
	if _, exists := t.s.purchaseReturns[pr.ID]; exists {
		return store.ErrConflict
	}
	t.s.purchaseReturns[pr.ID] = pr
	t.undo = append(t.undo, func() { delete(t.s.purchaseReturns, pr.ID) })
	return nil
}

func (t *memTx) InsertSupplierCredit(_ context.Context, credit domain.SupplierCredit) error {
	if _, ok := t.s.purchaseReturns[credit.PurchaseReturnID]; !ok {
		return fmt.Errorf("supplier credit %s: purchase return %s: %w", credit.ID, credit.PurchaseReturnID, store.ErrNotFound)
	}
	previous := t.s.credits[credit.SupplierID]
	t.s.credits[credit.SupplierID] = append(slices.Clip(previous), credit)
	t.undo = append(t.undo, func() { t.s.credits[credit.SupplierID] = previous })
	return nil
}

func counterKey(prefix string, year int) string {
	return fmt.Sprintf("%s/%d", prefix, year)
}

func compareLotFIFO(a, b domain.StockLot) int {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func cloneLot(src domain.StockLot) domain.StockLot {
	dup := src
	if src.Packaging != nil {
		pkg := *src.Packaging
		dup.Packaging = &pkg
	}
	return dup
}

func cloneSale(src domain.Sale) *domain.Sale {
	dup := src
	dup.Lines = make([]domain.SaleLine, len(src.Lines))
	for i, line := range src.Lines {
		line.Allocations = slices.Clone(line.Allocations)
		dup.Lines[i] = line
	}
	return &dup
}

func cloneReturn(src domain.SaleReturn) domain.SaleReturn {
	dup := src
	dup.Lines = make([]domain.ReturnLine, len(src.Lines))
	for i, line := range src.Lines {
		line.Restock = slices.Clone(line.Restock)
		dup.Lines[i] = line
	}
	return dup
}
