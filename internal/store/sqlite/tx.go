package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// gormTx needs no row locks: the write lock is taken when the IMMEDIATE
// transaction begins.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return getProduct(t.db, id)
}

func (t *gormTx) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	return getSupplier(t.db, id)
}

func (t *gormTx) ListLotsForUpdate(_ context.Context, productID string) ([]domain.StockLot, error) {
	return listLots(t.db, productID)
}

func (t *gormTx) GetLotForUpdate(_ context.Context, lotID string) (*domain.StockLot, error) {
	return getLot(t.db, lotID)
}

func (t *gormTx) UpdateLotRemaining(_ context.Context, lotID string, remaining decimal.Decimal) error {
	lot, err := getLot(t.db, lotID)
	if err != nil {
		return err
	}
	if remaining.IsNegative() || remaining.GreaterThan(lot.QuantityPurchased) {
		return fmt.Errorf("lot %s: remaining %s outside [0, %s]", lotID, remaining.String(), lot.QuantityPurchased.String())
	}
	return t.db.Model(&lotRow{}).Where("id = ?", lotID).Update("quantity_remaining", remaining).Error
}

func (t *gormTx) InsertPurchase(_ context.Context, purchase domain.Purchase) error {
	row := purchaseRow{
		ID: purchase.ID, SupplierID: purchase.SupplierID, Reference: purchase.Reference,
		TerminalID: purchase.TerminalID, CreatedAt: purchase.CreatedAt,
	}
	return mapError(t.db.Create(&row).Error)
}

func (t *gormTx) InsertLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error) {
	seq, err := t.NextSequence(ctx, domain.DocLot, 0)
	if err != nil {
		return nil, err
	}
	lot.Seq = seq

	row, err := fromLot(lot)
	if err != nil {
		return nil, err
	}
	if err := t.db.Create(&row).Error; err != nil {
		return nil, mapError(err)
	}
	return &lot, nil
}

func (t *gormTx) NextSequence(_ context.Context, prefix string, year int) (int64, error) {
	var counter counterRow
	err := t.db.Where("prefix = ? AND year = ?", prefix, year).Take(&counter).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		counter = counterRow{Prefix: prefix, Year: year, Value: 1}
		if err := t.db.Create(&counter).Error; err != nil {
			return 0, err
		}
		return 1, nil
	case err != nil:
		return 0, err
	}

	counter.Value++
	err = t.db.Model(&counterRow{}).
		Where("prefix = ? AND year = ?", prefix, year).
		Update("value", counter.Value).Error
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (t *gormTx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	return loadSale(t.db, "id = ?", id)
}

func (t *gormTx) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	return loadSale(t.db, "idempotency_key = ?", key)
}

func (t *gormTx) InsertSale(_ context.Context, sale domain.Sale) error {
	row, err := fromSale(sale)
	if err != nil {
		return err
	}
	return mapError(t.db.Create(&row).Error)
}

func (t *gormTx) ListReturnsBySale(_ context.Context, saleID string) ([]domain.SaleReturn, error) {
	return listReturns(t.db, saleID)
}

func (t *gormTx) InsertReturn(_ context.Context, ret domain.SaleReturn) error {
	lines, err := json.Marshal(ret.Lines)
	if err != nil {
		return err
	}
	row := returnRow{
		ID: ret.ID, SaleID: ret.InvoiceID, TerminalID: ret.TerminalID, TotalRefund: ret.TotalRefund,
		RefundMethod: ret.RefundMethod, Reason: ret.Reason, Lines: string(lines), CreatedAt: ret.CreatedAt,
	}
	return mapError(t.db.Create(&row).Error)
}

func (t *gormTx) InsertPurchaseReturn(_ context.Context, pr domain.PurchaseReturn) error {
	row := purchaseReturnRow{
		ID: pr.ID, LotID: pr.LotID, ProductID: pr.ProductID, SupplierID: pr.SupplierID,
		Quantity: pr.Quantity, UnitPrice: pr.UnitPrice, Amount: pr.Amount, RefundMethod: pr.RefundMethod,
		Reason: pr.Reason, CreditID: pr.CreditID, CreatedAt: pr.CreatedAt,
	}
	return mapError(t.db.Create(&row).Error)
}

func (t *gormTx) InsertSupplierCredit(_ context.Context, credit domain.SupplierCredit) error {
	var count int64
	if err := t.db.Model(&purchaseReturnRow{}).Where("id = ?", credit.PurchaseReturnID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("supplier credit %s: purchase return %s: %w", credit.ID, credit.PurchaseReturnID, store.ErrNotFound)
	}
	row := creditRow{
		ID: credit.ID, SupplierID: credit.SupplierID, PurchaseReturnID: credit.PurchaseReturnID,
		CreditAmount: credit.CreditAmount, RemainingAmount: credit.RemainingAmount, CreatedAt: credit.CreatedAt,
	}
	return mapError(t.db.Create(&row).Error)
}

func getProduct(db *gorm.DB, id string) (*domain.Product, error) {
	var row productRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, mapError(err)
	}
	p := row.domain()
	return &p, nil
}

func getSupplier(db *gorm.DB, id string) (*domain.Supplier, error) {
	var row supplierRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, mapError(err)
	}
	sup := row.domain()
	return &sup, nil
}

func listLots(db *gorm.DB, productID string) ([]domain.StockLot, error) {
	var rows []lotRow
	err := db.Where("product_id = ?", productID).
		Order("created_at, seq, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	lots := make([]domain.StockLot, 0, len(rows))
	for _, row := range rows {
		lot, err := row.domain()
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func getLot(db *gorm.DB, lotID string) (*domain.StockLot, error) {
	var row lotRow
	if err := db.Where("id = ?", lotID).Take(&row).Error; err != nil {
		return nil, mapError(err)
	}
	lot, err := row.domain()
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func loadSale(db *gorm.DB, where string, arg any) (*domain.Sale, error) {
	var row saleRow
	err := db.Preload("Lines", func(q *gorm.DB) *gorm.DB {
		return q.Order("line_no")
	}).Where(where, arg).Take(&row).Error
	if err != nil {
		return nil, mapError(err)
	}
	return row.domain()
}

func listReturns(db *gorm.DB, saleID string) ([]domain.SaleReturn, error) {
	var rows []returnRow
	if err := db.Where("sale_id = ?", saleID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	returns := make([]domain.SaleReturn, 0, len(rows))
	for _, row := range rows {
		ret, err := row.domain()
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	return returns, nil
}

var _ store.Tx = (*gormTx)(nil)
