package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// pgTx implements store.Tx on a serializable *sql.Tx. Lot reads lock rows
// with FOR UPDATE so concurrent sales queue on the same lots.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *pgTx) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	return getSupplier(ctx, t.tx, id)
}

func (t *pgTx) ListLotsForUpdate(ctx context.Context, productID string) ([]domain.StockLot, error) {
	return listLots(ctx, t.tx, productID, true)
}

func (t *pgTx) GetLotForUpdate(ctx context.Context, lotID string) (*domain.StockLot, error) {
	return getLot(ctx, t.tx, lotID, true)
}

func (t *pgTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_lots
		SET quantity_remaining = $2
		WHERE id = $1
	`, lotID, remaining)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("lot %s: remaining %s outside purchased bounds: %w", lotID, remaining.String(), err)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPurchase(ctx context.Context, purchase domain.Purchase) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (id, supplier_id, reference, terminal_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, purchase.ID, nullIfEmpty(purchase.SupplierID), purchase.Reference, purchase.TerminalID, purchase.CreatedAt)
	return mapError(err)
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error) {
	packaging, err := encodePackaging(lot.Packaging)
	if err != nil {
		return nil, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_lots (
			id, product_id, supplier_id, purchase_id, base_unit,
			quantity_purchased, quantity_remaining, purchase_price, retail_price,
			wholesale_price, wholesale_min_qty, box_price, pieces_per_box,
			packaging, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING seq
	`, lot.ID, lot.ProductID, nullIfEmpty(lot.SupplierID), nullIfEmpty(lot.PurchaseID), string(lot.BaseUnit),
		lot.QuantityPurchased, lot.QuantityRemaining, lot.PurchasePrice, lot.RetailPrice,
		lot.WholesalePrice, lot.WholesaleMinQty, lot.BoxPrice, lot.PiecesPerBox,
		packaging, lot.CreatedAt,
	).Scan(&lot.Seq)
	if err != nil {
		return nil, mapError(err)
	}
	return &lot, nil
}

func (t *pgTx) NextSequence(ctx context.Context, prefix string, year int) (int64, error) {
	var value int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO document_counters (prefix, year, last_value)
		VALUES ($1,$2,1)
		ON CONFLICT (prefix, year)
		DO UPDATE SET last_value = document_counters.last_value + 1
		RETURNING last_value
	`, prefix, year).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (t *pgTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, "id", id)
}

func (t *pgTx) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, "idempotency_key", key)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, terminal_id, idempotency_key, subtotal, discount, tax_percent, tax,
			grand_total, payment_method, payment_reference, tendered, change_due, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, sale.TerminalID, nullIfEmpty(sale.IdempotencyKey), sale.Subtotal, sale.Discount, sale.TaxPercent, sale.Tax,
		sale.GrandTotal, sale.PaymentMethod, sale.PaymentReference, sale.Tendered, sale.Change, sale.CreatedAt)
	if err != nil {
		return mapError(err)
	}

	for _, line := range sale.Lines {
		allocations, err := json.Marshal(line.Allocations)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, product_id, product_name, unit, quantity,
				base_quantity, tier, rate, line_total, allocations
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, sale.ID, line.LineNo, line.ProductID, line.ProductName, string(line.Unit), line.Quantity,
			line.BaseQuantity, string(line.Tier), line.Rate, line.LineTotal, string(allocations))
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *pgTx) ListReturnsBySale(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	return listReturns(ctx, t.tx, saleID)
}

func (t *pgTx) InsertReturn(ctx context.Context, ret domain.SaleReturn) error {
	lines, err := json.Marshal(ret.Lines)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sale_returns (id, sale_id, terminal_id, total_refund, refund_method, reason, lines, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ret.ID, ret.InvoiceID, ret.TerminalID, ret.TotalRefund, ret.RefundMethod, ret.Reason, string(lines), ret.CreatedAt)
	return mapError(err)
}

func (t *pgTx) InsertPurchaseReturn(ctx context.Context, pr domain.PurchaseReturn) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_returns (
			id, lot_id, product_id, supplier_id, quantity, unit_price, amount,
			refund_method, reason, credit_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, pr.ID, pr.LotID, pr.ProductID, nullIfEmpty(pr.SupplierID), pr.Quantity, pr.UnitPrice, pr.Amount,
		pr.RefundMethod, pr.Reason, pr.CreditID, pr.CreatedAt)
	return mapError(err)
}

func (t *pgTx) InsertSupplierCredit(ctx context.Context, credit domain.SupplierCredit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO supplier_credits (id, supplier_id, purchase_return_id, credit_amount, remaining_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, credit.ID, credit.SupplierID, credit.PurchaseReturnID, credit.CreditAmount, credit.RemainingAmount, credit.CreatedAt)
	if err != nil {
		return fmt.Errorf("supplier credit %s: %w", credit.ID, mapError(err))
	}
	return nil
}
