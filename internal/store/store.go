package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Repository is the persistence boundary. Reads outside WithTx see committed
// state only. Every read-decide-write on stock lots goes through WithTx.
type Repository interface {
	// WithTx runs fn in one atomic unit. Nothing fn wrote is visible when fn
	// returns an error.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	AvailableStock(ctx context.Context, productID string) (decimal.Decimal, error)
	ListLots(ctx context.Context, productID string) ([]domain.StockLot, error)
	GetLot(ctx context.Context, lotID string) (*domain.StockLot, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListReturnsBySale(ctx context.Context, saleID string) ([]domain.SaleReturn, error)
	ListSupplierCredits(ctx context.Context, supplierID string) ([]domain.SupplierCredit, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

// Tx is the view of the store inside WithTx. ForUpdate reads hold the rows
// until the transaction ends.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)

	// ListLotsForUpdate returns every lot of the product, oldest first.
	ListLotsForUpdate(ctx context.Context, productID string) ([]domain.StockLot, error)
	GetLotForUpdate(ctx context.Context, lotID string) (*domain.StockLot, error)
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error

	InsertPurchase(ctx context.Context, purchase domain.Purchase) error
	// InsertLot stores lot and returns it with Seq assigned.
	InsertLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error)
	// NextSequence increments and returns the counter for (prefix, year).
	NextSequence(ctx context.Context, prefix string, year int) (int64, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error

	ListReturnsBySale(ctx context.Context, saleID string) ([]domain.SaleReturn, error)
	InsertReturn(ctx context.Context, ret domain.SaleReturn) error

	InsertPurchaseReturn(ctx context.Context, pr domain.PurchaseReturn) error
	InsertSupplierCredit(ctx context.Context, credit domain.SupplierCredit) error
}
