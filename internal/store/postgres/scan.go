package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
)

// querier is the part of *sql.DB and *sql.Tx the read helpers need.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, name, COALESCE(barcode, ''), category, sub_category, brand, base_unit, created_at`

const lotColumns = `
	id, seq, product_id, COALESCE(supplier_id, ''), COALESCE(purchase_id, ''), base_unit,
	quantity_purchased, quantity_remaining, purchase_price, retail_price,
	wholesale_price, wholesale_min_qty, box_price, pieces_per_box,
	packaging, created_at`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p    domain.Product
		unit string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.SubCategory, &p.Brand, &unit, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.BaseUnit = ledger.Unit(unit)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func getProduct(ctx context.Context, q querier, id string) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func getSupplier(ctx context.Context, q querier, id string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := q.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	sup.CreatedAt = sup.CreatedAt.UTC()
	return &sup, nil
}

func scanLot(row rowScanner) (*domain.StockLot, error) {
	var (
		lot       domain.StockLot
		unit      string
		packaging []byte
	)
	err := row.Scan(
		&lot.ID, &lot.Seq, &lot.ProductID, &lot.SupplierID, &lot.PurchaseID, &unit,
		&lot.QuantityPurchased, &lot.QuantityRemaining, &lot.PurchasePrice, &lot.RetailPrice,
		&lot.WholesalePrice, &lot.WholesaleMinQty, &lot.BoxPrice, &lot.PiecesPerBox,
		&packaging, &lot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	lot.BaseUnit = ledger.Unit(unit)
	lot.CreatedAt = lot.CreatedAt.UTC()
	if len(packaging) > 0 {
		var pkg domain.Packaging
		if err := json.Unmarshal(packaging, &pkg); err != nil {
			return nil, fmt.Errorf("lot %s packaging: %w", lot.ID, err)
		}
		lot.Packaging = &pkg
	}
	return &lot, nil
}

func listLots(ctx context.Context, q querier, productID string, forUpdate bool) ([]domain.StockLot, error) {
	query := `SELECT ` + lotColumns + `
		FROM stock_lots
		WHERE product_id = $1
		ORDER BY created_at, seq, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.StockLot, 0, 8)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func getLot(ctx context.Context, q querier, lotID string, forUpdate bool) (*domain.StockLot, error) {
	query := `SELECT ` + lotColumns + ` FROM stock_lots WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	lot, err := scanLot(q.QueryRowContext(ctx, query, lotID))
	if err != nil {
		return nil, mapError(err)
	}
	return lot, nil
}

func encodePackaging(pkg *domain.Packaging) (any, error) {
	if pkg == nil {
		return nil, nil
	}
	raw, err := json.Marshal(pkg)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// loadSale reads a sale header by id or idempotency_key, then its lines.
func loadSale(ctx context.Context, q querier, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("load sale by %q: unsupported column", column)
	}

	var (
		sale domain.Sale
		key  sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, terminal_id, idempotency_key, subtotal, discount, tax_percent, tax,
			grand_total, payment_method, payment_reference, tendered, change_due, created_at
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(
		&sale.ID, &sale.TerminalID, &key, &sale.Subtotal, &sale.Discount, &sale.TaxPercent, &sale.Tax,
		&sale.GrandTotal, &sale.PaymentMethod, &sale.PaymentReference, &sale.Tendered, &sale.Change, &sale.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	sale.IdempotencyKey = key.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT line_no, product_id, product_name, unit, quantity, base_quantity,
			tier, rate, line_total, allocations
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line        domain.SaleLine
			unit, tier  string
			allocations []byte
		)
		if err := rows.Scan(&line.LineNo, &line.ProductID, &line.ProductName, &unit, &line.Quantity, &line.BaseQuantity,
			&tier, &line.Rate, &line.LineTotal, &allocations); err != nil {
			return nil, err
		}
		line.Unit = ledger.Unit(unit)
		line.Tier = ledger.PriceTier(tier)
		if err := json.Unmarshal(allocations, &line.Allocations); err != nil {
			return nil, fmt.Errorf("sale %s line %d allocations: %w", sale.ID, line.LineNo, err)
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func listReturns(ctx context.Context, q querier, saleID string) ([]domain.SaleReturn, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, terminal_id, total_refund, refund_method, reason, lines, created_at
		FROM sale_returns
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.SaleReturn, 0, 4)
	for rows.Next() {
		var (
			ret   domain.SaleReturn
			lines []byte
		)
		if err := rows.Scan(&ret.ID, &ret.InvoiceID, &ret.TerminalID, &ret.TotalRefund, &ret.RefundMethod, &ret.Reason, &lines, &ret.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &ret.Lines); err != nil {
			return nil, fmt.Errorf("return %s lines: %w", ret.ID, err)
		}
		ret.CreatedAt = ret.CreatedAt.UTC()
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*pgTx)(nil)
)
