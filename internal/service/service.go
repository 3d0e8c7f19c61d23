package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/locker"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// ErrInvalidRequest covers malformed catalog input that is not a ledger rule.
var ErrInvalidRequest = errors.New("invalid request")

// RestockPolicy decides which lots a customer return goes back into.
type RestockPolicy string

const (
	// RestockOrigin puts returned stock back into the lots the sale took it
	// from, newest allocation first.
	RestockOrigin RestockPolicy = "origin"
	// RestockLatest puts returned stock into the most recently created lot.
	RestockLatest RestockPolicy = "latest"
)

type terminalContextKey struct{}

func WithTerminal(ctx context.Context, terminalID string) context.Context {
	return context.WithValue(ctx, terminalContextKey{}, terminalID)
}

func TerminalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(terminalContextKey{}).(string)
	return id, ok && id != ""
}

type Options struct {
	Locker            locker.Locker
	StockCache        cache.StockCache
	StockCacheTTL     time.Duration
	RestockPolicy     RestockPolicy
	DefaultTaxPercent decimal.Decimal
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

type Service struct {
	repo       store.Repository
	locker     locker.Locker
	stockCache cache.StockCache
	cacheTTL   time.Duration
	restock    RestockPolicy
	defaultTax decimal.Decimal
	log        logrus.FieldLogger
	now        func() time.Time
	stockReads singleflight.Group

	genMu    sync.Mutex
	stockGen map[string]uint64
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = locker.NewLocal()
	}
	if opts.StockCache == nil {
		opts.StockCache = cache.NoopStockCache{}
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = 15 * time.Second
	}
	if opts.RestockPolicy == "" {
		opts.RestockPolicy = RestockOrigin
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:       repo,
		locker:     opts.Locker,
		stockCache: opts.StockCache,
		cacheTTL:   opts.StockCacheTTL,
		restock:    opts.RestockPolicy,
		defaultTax: opts.DefaultTaxPercent,
		log:        opts.Logger.WithField("component", "service"),
		now:        opts.Now,
		stockGen:   make(map[string]uint64),
	}
}

// mutateStock runs fn in one store transaction while holding the product
// locks. Cached stock of those products is dropped after a successful commit
// and their stock generation moves on, so a read that started earlier will
// not write its figure back.
func (s *Service) mutateStock(ctx context.Context, productIDs []string, fn func(ctx context.Context, tx store.Tx) error) error {
	release, err := s.locker.Acquire(ctx, productIDs)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}
	defer release()

	if err := s.repo.WithTx(ctx, fn); err != nil {
		return err
	}

	s.bumpStockGen(productIDs)
	if err := s.stockCache.Invalidate(ctx, productIDs...); err != nil {
		s.log.WithError(err).WithField("products", productIDs).Warn("stock cache invalidation failed")
	}
	return nil
}

func (s *Service) bumpStockGen(productIDs []string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	for _, id := range productIDs {
		s.stockGen[id]++
	}
}

func (s *Service) stockGeneration(productID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.stockGen[productID]
}

func (s *Service) nextDocument(ctx context.Context, tx store.Tx, prefix string, at time.Time) (string, error) {
	seq, err := tx.NextSequence(ctx, prefix, at.Year())
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", prefix, err)
	}
	return xid.Document(prefix, at.Year(), seq), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	terminal, ok := TerminalFromContext(ctx)
	if !ok {
		terminal = "system"
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		TerminalID: terminal,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := s.now()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func normalizeMethod(raw string, fallback string) string {
	return strings.ToLower(strings.TrimSpace(defaultString(raw, fallback)))
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentOnline:
		return true
	default:
		return false
	}
}

func isSupportedRefundMethod(method string) bool {
	switch method {
	case domain.RefundCash, domain.RefundCard, domain.RefundOnline, domain.RefundCredit:
		return true
	default:
		return false
	}
}
