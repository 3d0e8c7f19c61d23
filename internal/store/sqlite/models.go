package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
)

// Quantities and money are stored as TEXT so SQLite never rounds them
// through REAL.

type productRow struct {
	ID          string  `gorm:"primaryKey;size:64"`
	Name        string  `gorm:"not null"`
	Barcode     *string `gorm:"uniqueIndex"`
	Category    string
	SubCategory string
	Brand       string
	BaseUnit    string `gorm:"size:8;not null"`
	CreatedAt   time.Time
}

func (productRow) TableName() string { return "products" }

type supplierRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"not null"`
	Phone     string
	CreatedAt time.Time
}

func (supplierRow) TableName() string { return "suppliers" }

type purchaseRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	SupplierID string `gorm:"index"`
	Reference  string
	TerminalID string
	CreatedAt  time.Time
}

func (purchaseRow) TableName() string { return "purchases" }

type lotRow struct {
	ID                string          `gorm:"primaryKey;size:64"`
	Seq               int64           `gorm:"not null;index:idx_lots_fifo,priority:3"`
	ProductID         string          `gorm:"not null;size:64;index:idx_lots_fifo,priority:1"`
	SupplierID        string          `gorm:"size:64"`
	PurchaseID        string          `gorm:"size:64"`
	BaseUnit          string          `gorm:"size:8;not null"`
	QuantityPurchased decimal.Decimal `gorm:"type:text;not null"`
	QuantityRemaining decimal.Decimal `gorm:"type:text;not null"`
	PurchasePrice     decimal.Decimal `gorm:"type:text"`
	RetailPrice       decimal.Decimal `gorm:"type:text"`
	WholesalePrice    decimal.Decimal `gorm:"type:text"`
	WholesaleMinQty   decimal.Decimal `gorm:"type:text"`
	BoxPrice          decimal.Decimal `gorm:"type:text"`
	PiecesPerBox      decimal.Decimal `gorm:"type:text"`
	Packaging         string          `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"index:idx_lots_fifo,priority:2"`
}

func (lotRow) TableName() string { return "stock_lots" }

type counterRow struct {
	Prefix string `gorm:"primaryKey;size:16"`
	Year   int    `gorm:"primaryKey;autoIncrement:false"`
	Value  int64  `gorm:"not null"`
}

func (counterRow) TableName() string { return "document_counters" }

type saleRow struct {
	ID               string          `gorm:"primaryKey;size:64"`
	TerminalID       string          `gorm:"size:64"`
	IdempotencyKey   *string         `gorm:"uniqueIndex;size:128"`
	Subtotal         decimal.Decimal `gorm:"type:text"`
	Discount         decimal.Decimal `gorm:"type:text"`
	TaxPercent       decimal.Decimal `gorm:"type:text"`
	Tax              decimal.Decimal `gorm:"type:text"`
	GrandTotal       decimal.Decimal `gorm:"type:text"`
	PaymentMethod    string          `gorm:"size:16"`
	PaymentReference string
	Tendered         decimal.Decimal `gorm:"type:text"`
	Change           decimal.Decimal `gorm:"type:text;column:change_due"`
	CreatedAt        time.Time
	Lines            []saleLineRow `gorm:"foreignKey:SaleID"`
}

func (saleRow) TableName() string { return "sales" }

type saleLineRow struct {
	SaleID       string `gorm:"primaryKey;size:64"`
	LineNo       int    `gorm:"primaryKey;autoIncrement:false"`
	ProductID    string `gorm:"size:64;not null"`
	ProductName  string
	Unit         string          `gorm:"size:8"`
	Quantity     decimal.Decimal `gorm:"type:text"`
	BaseQuantity decimal.Decimal `gorm:"type:text"`
	Tier         string          `gorm:"size:16"`
	Rate         decimal.Decimal `gorm:"type:text"`
	LineTotal    decimal.Decimal `gorm:"type:text"`
	Allocations  string          `gorm:"type:text"`
}

func (saleLineRow) TableName() string { return "sale_lines" }

type returnRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	SaleID       string `gorm:"size:64;not null;index"`
	TerminalID   string
	TotalRefund  decimal.Decimal `gorm:"type:text"`
	RefundMethod string
	Reason       string
	Lines        string `gorm:"type:text"`
	CreatedAt    time.Time
}

func (returnRow) TableName() string { return "sale_returns" }

type purchaseReturnRow struct {
	ID           string          `gorm:"primaryKey;size:64"`
	LotID        string          `gorm:"size:64;not null"`
	ProductID    string          `gorm:"size:64;not null"`
	SupplierID   string          `gorm:"size:64"`
	Quantity     decimal.Decimal `gorm:"type:text"`
	UnitPrice    decimal.Decimal `gorm:"type:text"`
	Amount       decimal.Decimal `gorm:"type:text"`
	RefundMethod string
	Reason       string
	CreditID     string
	CreatedAt    time.Time
}

func (purchaseReturnRow) TableName() string { return "purchase_returns" }

type creditRow struct {
	ID               string          `gorm:"primaryKey;size:64"`
	SupplierID       string          `gorm:"size:64;not null;index"`
	PurchaseReturnID string          `gorm:"size:64;not null"`
	CreditAmount     decimal.Decimal `gorm:"type:text"`
	RemainingAmount  decimal.Decimal `gorm:"type:text"`
	CreatedAt        time.Time
}

func (creditRow) TableName() string { return "supplier_credits" }

type auditRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	TerminalID string
	Action     string `gorm:"not null"`
	EntityType string
	EntityID   string
	Detail     string
	CreatedAt  time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_logs" }

func allModels() []any {
	return []any{
		&productRow{}, &supplierRow{}, &purchaseRow{}, &lotRow{}, &counterRow{},
		&saleRow{}, &saleLineRow{}, &returnRow{}, &purchaseReturnRow{}, &creditRow{}, &auditRow{},
	}
}

func optional(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}

func deref(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}

func fromProduct(p domain.Product) productRow {
	return productRow{
		ID: p.ID, Name: p.Name, Barcode: optional(p.Barcode), Category: p.Category,
		SubCategory: p.SubCategory, Brand: p.Brand, BaseUnit: string(p.BaseUnit), CreatedAt: p.CreatedAt.UTC(),
	}
}

func (r productRow) domain() domain.Product {
	return domain.Product{
		ID: r.ID, Name: r.Name, Barcode: deref(r.Barcode), Category: r.Category,
		SubCategory: r.SubCategory, Brand: r.Brand, BaseUnit: ledger.Unit(r.BaseUnit), CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r supplierRow) domain() domain.Supplier {
	return domain.Supplier{ID: r.ID, Name: r.Name, Phone: r.Phone, CreatedAt: r.CreatedAt.UTC()}
}

func fromLot(lot domain.StockLot) (lotRow, error) {
	row := lotRow{
		ID: lot.ID, Seq: lot.Seq, ProductID: lot.ProductID, SupplierID: lot.SupplierID, PurchaseID: lot.PurchaseID,
		BaseUnit: string(lot.BaseUnit), QuantityPurchased: lot.QuantityPurchased, QuantityRemaining: lot.QuantityRemaining,
		PurchasePrice: lot.PurchasePrice, RetailPrice: lot.RetailPrice, WholesalePrice: lot.WholesalePrice,
		WholesaleMinQty: lot.WholesaleMinQty, BoxPrice: lot.BoxPrice, PiecesPerBox: lot.PiecesPerBox,
		CreatedAt: lot.CreatedAt.UTC(),
	}
	if lot.Packaging != nil {
		raw, err := json.Marshal(lot.Packaging)
		if err != nil {
			return lotRow{}, err
		}
		row.Packaging = string(raw)
	}
	return row, nil
}

func (r lotRow) domain() (domain.StockLot, error) {
	lot := domain.StockLot{
		ID: r.ID, Seq: r.Seq, ProductID: r.ProductID, SupplierID: r.SupplierID, PurchaseID: r.PurchaseID,
		BaseUnit: ledger.Unit(r.BaseUnit), QuantityPurchased: r.QuantityPurchased, QuantityRemaining: r.QuantityRemaining,
		PurchasePrice: r.PurchasePrice, RetailPrice: r.RetailPrice, WholesalePrice: r.WholesalePrice,
		WholesaleMinQty: r.WholesaleMinQty, BoxPrice: r.BoxPrice, PiecesPerBox: r.PiecesPerBox,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Packaging != "" {
		var pkg domain.Packaging
		if err := json.Unmarshal([]byte(r.Packaging), &pkg); err != nil {
			return domain.StockLot{}, fmt.Errorf("lot %s packaging: %w", r.ID, err)
		}
		lot.Packaging = &pkg
	}
	return lot, nil
}

func fromSale(sale domain.Sale) (saleRow, error) {
	row := saleRow{
		ID: sale.ID, TerminalID: sale.TerminalID, IdempotencyKey: optional(sale.IdempotencyKey),
		Subtotal: sale.Subtotal, Discount: sale.Discount, TaxPercent: sale.TaxPercent, Tax: sale.Tax,
		GrandTotal: sale.GrandTotal, PaymentMethod: sale.PaymentMethod, PaymentReference: sale.PaymentReference,
		Tendered: sale.Tendered, Change: sale.Change, CreatedAt: sale.CreatedAt.UTC(),
	}
	for _, line := range sale.Lines {
		allocations, err := json.Marshal(line.Allocations)
		if err != nil {
			return saleRow{}, err
		}
		row.Lines = append(row.Lines, saleLineRow{
			SaleID: sale.ID, LineNo: line.LineNo, ProductID: line.ProductID, ProductName: line.ProductName,
			Unit: string(line.Unit), Quantity: line.Quantity, BaseQuantity: line.BaseQuantity,
			Tier: string(line.Tier), Rate: line.Rate, LineTotal: line.LineTotal, Allocations: string(allocations),
		})
	}
	return row, nil
}

func (r saleRow) domain() (*domain.Sale, error) {
	sale := &domain.Sale{
		ID: r.ID, TerminalID: r.TerminalID, IdempotencyKey: deref(r.IdempotencyKey),
		Subtotal: r.Subtotal, Discount: r.Discount, TaxPercent: r.TaxPercent, Tax: r.Tax,
		GrandTotal: r.GrandTotal, PaymentMethod: r.PaymentMethod, PaymentReference: r.PaymentReference,
		Tendered: r.Tendered, Change: r.Change, CreatedAt: r.CreatedAt.UTC(),
		Lines: make([]domain.SaleLine, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		line := domain.SaleLine{
			LineNo: l.LineNo, ProductID: l.ProductID, ProductName: l.ProductName, Unit: ledger.Unit(l.Unit),
			Quantity: l.Quantity, BaseQuantity: l.BaseQuantity, Tier: ledger.PriceTier(l.Tier),
			Rate: l.Rate, LineTotal: l.LineTotal,
		}
		if err := json.Unmarshal([]byte(l.Allocations), &line.Allocations); err != nil {
			return nil, fmt.Errorf("sale %s line %d allocations: %w", r.ID, l.LineNo, err)
		}
		sale.Lines = append(sale.Lines, line)
	}
	return sale, nil
}

func (r returnRow) domain() (domain.SaleReturn, error) {
	ret := domain.SaleReturn{
		ID: r.ID, InvoiceID: r.SaleID, TerminalID: r.TerminalID, TotalRefund: r.TotalRefund,
		RefundMethod: r.RefundMethod, Reason: r.Reason, CreatedAt: r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Lines), &ret.Lines); err != nil {
		return domain.SaleReturn{}, fmt.Errorf("return %s lines: %w", r.ID, err)
	}
	return ret, nil
}

func (r creditRow) domain() domain.SupplierCredit {
	return domain.SupplierCredit{
		ID: r.ID, SupplierID: r.SupplierID, PurchaseReturnID: r.PurchaseReturnID,
		CreditAmount: r.CreditAmount, RemainingAmount: r.RemainingAmount, CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r auditRow) domain() domain.AuditLog {
	return domain.AuditLog{
		ID: r.ID, TerminalID: r.TerminalID, Action: r.Action, EntityType: r.EntityType,
		EntityID: r.EntityID, Detail: r.Detail, CreatedAt: r.CreatedAt.UTC(),
	}
}
