package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// Store is a single-file backend for one till. One pooled connection and
// BEGIN IMMEDIATE transactions make WithTx callbacks run one at a time.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gormLog := logger.New(log.WithField("component", "sqlite"), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx})
	})
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := fromProduct(product)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(s.db.WithContext(ctx), id)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := s.db.WithContext(ctx).Order("name, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.domain())
	}
	return products, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	row := supplierRow{ID: supplier.ID, Name: supplier.Name, Phone: supplier.Phone, CreatedAt: supplier.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapError(err)
	}
	return &supplier, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	return getSupplier(s.db.WithContext(ctx), id)
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	var rows []supplierRow
	if err := s.db.WithContext(ctx).Order("name, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	suppliers := make([]domain.Supplier, 0, len(rows))
	for _, row := range rows {
		suppliers = append(suppliers, row.domain())
	}
	return suppliers, nil
}

// AvailableStock sums in Go; SUM over TEXT columns would go through REAL.
func (s *Store) AvailableStock(ctx context.Context, productID string) (decimal.Decimal, error) {
	lots, err := listLots(s.db.WithContext(ctx), productID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, lot := range lots {
		if lot.QuantityRemaining.IsPositive() {
			total = total.Add(lot.QuantityRemaining)
		}
	}
	return total, nil
}

func (s *Store) ListLots(ctx context.Context, productID string) ([]domain.StockLot, error) {
	return listLots(s.db.WithContext(ctx), productID)
}

func (s *Store) GetLot(ctx context.Context, lotID string) (*domain.StockLot, error) {
	return getLot(s.db.WithContext(ctx), lotID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(s.db.WithContext(ctx), "id = ?", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return loadSale(s.db.WithContext(ctx), "idempotency_key = ?", key)
}

func (s *Store) ListReturnsBySale(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	return listReturns(s.db.WithContext(ctx), saleID)
}

func (s *Store) ListSupplierCredits(ctx context.Context, supplierID string) ([]domain.SupplierCredit, error) {
	var rows []creditRow
	err := s.db.WithContext(ctx).
		Where("supplier_id = ?", supplierID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	credits := make([]domain.SupplierCredit, 0, len(rows))
	for _, row := range rows {
		credits = append(credits, row.domain())
	}
	return credits, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	row := auditRow{
		ID: entry.ID, TerminalID: entry.TerminalID, Action: entry.Action, EntityType: entry.EntityType,
		EntityID: entry.EntityID, Detail: entry.Detail, CreatedAt: entry.CreatedAt,
	}
	return mapError(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	query := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []auditRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, row.domain())
	}
	return logs, nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrConflict
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return errors.Join(store.ErrNotFound, err)
	default:
		return err
	}
}

var _ store.Repository = (*Store)(nil)
