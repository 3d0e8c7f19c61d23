package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/ledger"
)

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentOnline = "online"

	RefundCash   = "cash"
	RefundCard   = "card"
	RefundOnline = "online"
	RefundCredit = "credit"
)

// Document prefixes of the per-year counters.
const (
	DocSale           = "SALE"
	DocSaleReturn     = "RET"
	DocPurchaseReturn = "PRET"
	DocLot            = "LOT"
)

type Product struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Barcode     string      `json:"barcode,omitempty"`
	Category    string      `json:"category,omitempty"`
	SubCategory string      `json:"sub_category,omitempty"`
	Brand       string      `json:"brand,omitempty"`
	BaseUnit    ledger.Unit `json:"base_unit"`
	CreatedAt   time.Time   `json:"created_at"`
}

type ProductCreateRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Barcode     string `json:"barcode" validate:"max=64"`
	Category    string `json:"category" validate:"max=100"`
	SubCategory string `json:"sub_category" validate:"max=100"`
	Brand       string `json:"brand" validate:"max=100"`
	BaseUnit    string `json:"base_unit" validate:"required,max=16"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"max=32"`
}

// Packaging is how a purchase line was counted when it arrived.
type Packaging struct {
	Kind ledger.PackagingKind `json:"kind"`
	ledger.PackagingInputs
}

// StockLot is a batch of one product from one purchase line. Lots are never
// deleted; only QuantityRemaining changes after insert.
type StockLot struct {
	ID                string          `json:"id"`
	Seq               int64           `json:"seq"`
	ProductID         string          `json:"product_id"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	PurchaseID        string          `json:"purchase_id,omitempty"`
	BaseUnit          ledger.Unit     `json:"base_unit"`
	QuantityPurchased decimal.Decimal `json:"quantity_purchased"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	RetailPrice       decimal.Decimal `json:"retail_price"`
	WholesalePrice    decimal.Decimal `json:"wholesale_price"`
	WholesaleMinQty   decimal.Decimal `json:"wholesale_min_qty"`
	BoxPrice          decimal.Decimal `json:"box_price"`
	PiecesPerBox      decimal.Decimal `json:"pieces_per_box"`
	Packaging         *Packaging      `json:"packaging,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (l StockLot) Balance() ledger.LotBalance {
	return ledger.LotBalance{
		LotID:     l.ID,
		Seq:       l.Seq,
		CreatedAt: l.CreatedAt,
		Purchased: l.QuantityPurchased,
		Remaining: l.QuantityRemaining,
	}
}

func (l StockLot) PriceTerms() ledger.PriceTerms {
	return ledger.PriceTerms{
		Retail:          l.RetailPrice,
		Wholesale:       l.WholesalePrice,
		WholesaleMinQty: l.WholesaleMinQty,
		BoxPrice:        l.BoxPrice,
		PiecesPerBox:    l.PiecesPerBox,
	}
}

type Purchase struct {
	ID         string     `json:"id"`
	SupplierID string     `json:"supplier_id,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	TerminalID string     `json:"terminal_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Lots       []StockLot `json:"lots,omitempty"`
}

type PurchaseLineRequest struct {
	ProductID       string          `json:"product_id" validate:"max=64"`
	Quantity        decimal.Decimal `json:"quantity"`
	Packaging       *Packaging      `json:"packaging,omitempty"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	RetailPrice     decimal.Decimal `json:"retail_price"`
	WholesalePrice  decimal.Decimal `json:"wholesale_price"`
	WholesaleMinQty decimal.Decimal `json:"wholesale_min_qty"`
	BoxPrice        decimal.Decimal `json:"box_price"`
	PiecesPerBox    decimal.Decimal `json:"pieces_per_box"`
}

type PurchaseRequest struct {
	SupplierID string                `json:"supplier_id" validate:"max=64"`
	Reference  string                `json:"reference" validate:"max=100"`
	Lines      []PurchaseLineRequest `json:"lines" validate:"max=500,dive"`
}

// PurchaseImportRow is one spreadsheet row. Row is the sheet row number;
// Barcode is used when Line.ProductID is empty.
type PurchaseImportRow struct {
	Row     int                 `json:"row"`
	Barcode string              `json:"barcode,omitempty"`
	Line    PurchaseLineRequest `json:"line"`
}

type LotListResponse struct {
	ProductID string     `json:"product_id"`
	Lots      []StockLot `json:"lots"`
}

type CartLine struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit" validate:"max=16"`
}

type CheckoutRequest struct {
	IdempotencyKey   string           `json:"idempotency_key" validate:"max=128"`
	Lines            []CartLine       `json:"lines" validate:"max=200,dive"`
	DiscountAmount   decimal.Decimal  `json:"discount_amount"`
	DiscountPercent  decimal.Decimal  `json:"discount_percent"`
	TaxPercent       *decimal.Decimal `json:"tax_percent,omitempty"`
	PaymentMethod    string           `json:"payment_method" validate:"max=16"`
	PaymentReference string           `json:"payment_reference,omitempty" validate:"max=128"`
	Tendered         decimal.Decimal  `json:"tendered"`
}

// SaleLine is one committed line. Allocations record the lots the line was
// taken from, in the order they were consumed.
type SaleLine struct {
	LineNo       int                 `json:"line_no"`
	ProductID    string              `json:"product_id"`
	ProductName  string              `json:"product_name"`
	Unit         ledger.Unit         `json:"unit"`
	Quantity     decimal.Decimal     `json:"quantity"`
	BaseQuantity decimal.Decimal     `json:"base_quantity"`
	Tier         ledger.PriceTier    `json:"tier"`
	Rate         decimal.Decimal     `json:"rate"`
	LineTotal    decimal.Decimal     `json:"line_total"`
	Allocations  []ledger.Allocation `json:"allocations"`
}

type Sale struct {
	ID               string          `json:"invoice_id"`
	TerminalID       string          `json:"terminal_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Lines            []SaleLine      `json:"lines"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	TaxPercent       decimal.Decimal `json:"tax_percent"`
	Tax              decimal.Decimal `json:"tax"`
	GrandTotal       decimal.Decimal `json:"grand_total"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Tendered         decimal.Decimal `json:"tendered"`
	Change           decimal.Decimal `json:"change"`
	CreatedAt        time.Time       `json:"created_at"`
}

type CheckoutResponse struct {
	InvoiceID     string          `json:"invoice_id"`
	Lines         []SaleLine      `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	TaxPercent    decimal.Decimal `json:"tax_percent"`
	Tax           decimal.Decimal `json:"tax"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	PaymentMethod string          `json:"payment_method"`
	Tendered      decimal.Decimal `json:"tendered"`
	Change        decimal.Decimal `json:"change"`
	Duplicate     bool            `json:"duplicate"`
	CreatedAt     string          `json:"created_at"`
}

// InvoiceLine is a sale line with what can still be returned from it, in the
// unit the line was sold in and in base units.
type InvoiceLine struct {
	SaleLine
	ReturnedBaseQuantity   decimal.Decimal `json:"returned_base_quantity"`
	ReturnableQuantity     decimal.Decimal `json:"returnable_quantity"`
	ReturnableBaseQuantity decimal.Decimal `json:"returnable_base_quantity"`
}

type InvoiceLookupResponse struct {
	InvoiceID     string          `json:"invoice_id"`
	Lines         []InvoiceLine   `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Tax           decimal.Decimal `json:"tax"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     string          `json:"created_at"`
	Returns       []SaleReturn    `json:"returns"`
}

type ReturnLineRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit" validate:"max=16"`
}

type ReturnRequest struct {
	InvoiceID    string              `json:"invoice_id" validate:"max=64"`
	Lines        []ReturnLineRequest `json:"lines" validate:"max=200,dive"`
	RefundMethod string              `json:"refund_method" validate:"max=16"`
	Reason       string              `json:"reason" validate:"max=500"`
}

type ReturnLine struct {
	ProductID       string              `json:"product_id"`
	Unit            ledger.Unit         `json:"unit"`
	Quantity        decimal.Decimal     `json:"quantity"`
	BaseQuantity    decimal.Decimal     `json:"base_quantity"`
	RatePerBaseUnit decimal.Decimal     `json:"rate_per_base_unit"`
	RefundAmount    decimal.Decimal     `json:"refund_amount"`
	Restock         []ledger.Allocation `json:"restock"`
}

type SaleReturn struct {
	ID           string          `json:"return_id"`
	InvoiceID    string          `json:"invoice_id"`
	TerminalID   string          `json:"terminal_id,omitempty"`
	Lines        []ReturnLine    `json:"lines"`
	TotalRefund  decimal.Decimal `json:"total_refund"`
	RefundMethod string          `json:"refund_method"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ReturnResponse struct {
	ReturnID     string          `json:"return_id"`
	InvoiceID    string          `json:"invoice_id"`
	TotalRefund  decimal.Decimal `json:"total_refund"`
	RefundMethod string          `json:"refund_method"`
	Lines        []ReturnLine    `json:"lines"`
	CreatedAt    string          `json:"created_at"`
}

type PurchaseReturnRequest struct {
	LotID        string          `json:"lot_id" validate:"required,max=64"`
	SupplierID   string          `json:"supplier_id" validate:"max=64"`
	Quantity     decimal.Decimal `json:"quantity"`
	RefundMethod string          `json:"refund_method" validate:"max=16"`
	Reason       string          `json:"reason" validate:"max=500"`
}

type PurchaseReturn struct {
	ID           string          `json:"id"`
	LotID        string          `json:"lot_id"`
	ProductID    string          `json:"product_id"`
	SupplierID   string          `json:"supplier_id,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Amount       decimal.Decimal `json:"amount"`
	RefundMethod string          `json:"refund_method"`
	Reason       string          `json:"reason,omitempty"`
	CreditID     string          `json:"credit_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type PurchaseReturnResponse struct {
	PurchaseReturnID string          `json:"purchase_return_id"`
	Amount           decimal.Decimal `json:"amount"`
	RefundMethod     string          `json:"refund_method"`
	CreditID         string          `json:"credit_id,omitempty"`
	LotRemaining     decimal.Decimal `json:"lot_remaining"`
}

// SupplierCredit is money a supplier owes back after a purchase return.
// RemainingAmount equals CreditAmount at creation and is never drawn down.
type SupplierCredit struct {
	ID               string          `json:"id"`
	SupplierID       string          `json:"supplier_id"`
	PurchaseReturnID string          `json:"purchase_return_id"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
	RemainingAmount  decimal.Decimal `json:"remaining_amount"`
	CreatedAt        time.Time       `json:"created_at"`
}

type SupplierCreditResponse struct {
	SupplierID string           `json:"supplier_id"`
	Balance    decimal.Decimal  `json:"balance"`
	Credits    []SupplierCredit `json:"credits"`
}

type StockResponse struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	BaseUnit  ledger.Unit     `json:"base_unit"`
}

type PackagingRequest struct {
	Kind string `json:"kind"`
	ledger.PackagingInputs
}

type PackagingResponse struct {
	Kind         ledger.PackagingKind `json:"kind"`
	BaseQuantity decimal.Decimal      `json:"base_quantity"`
}

// WeightRequest asks how much weight an amount of money buys. PricePerKg may
// be left empty when ProductID is set; the current FIFO lot's retail price is
// used then.
type WeightRequest struct {
	ProductID  string          `json:"product_id"`
	Amount     decimal.Decimal `json:"amount"`
	PricePerKg decimal.Decimal `json:"price_per_kg"`
	Unit       string          `json:"unit"`
}

type WeightResponse struct {
	Quantity   decimal.Decimal `json:"quantity"`
	Unit       ledger.Unit     `json:"unit"`
	PricePerKg decimal.Decimal `json:"price_per_kg"`
}

type PriceQuoteRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
}

type PriceQuoteResponse struct {
	ProductID    string           `json:"product_id"`
	LotID        string           `json:"lot_id"`
	Unit         ledger.Unit      `json:"unit"`
	Quantity     decimal.Decimal  `json:"quantity"`
	BaseQuantity decimal.Decimal  `json:"base_quantity"`
	Tier         ledger.PriceTier `json:"tier"`
	Rate         decimal.Decimal  `json:"rate"`
	LineTotal    decimal.Decimal  `json:"line_total"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	TerminalID string    `json:"terminal_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
