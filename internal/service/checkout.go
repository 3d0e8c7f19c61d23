package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
)

type cartItem struct {
	lineNo  int
	product domain.Product
	unit    ledger.Unit
	qty     decimal.Decimal
}

// Checkout validates the cart, consumes stock oldest lot first and records
// the sale, all in one transaction. A failure on any line leaves every lot
// untouched.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.PaymentMethod = normalizeMethod(req.PaymentMethod, domain.PaymentCash)
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: unsupported payment method %q", ledger.ErrInvalidPayment, req.PaymentMethod)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, ledger.ErrEmptyCart
	}
	productIDs := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		line := &req.Lines[i]
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return domain.CheckoutResponse{}, ledger.NewLineError(i+1, "", ledger.ErrInvalidLine, "product_id is required")
		}
		if !line.Quantity.IsPositive() {
			return domain.CheckoutResponse{}, ledger.NewLineError(i+1, line.ProductID, ledger.ErrInvalidQuantity, "quantity must be positive")
		}
		if strings.TrimSpace(line.Unit) != "" {
			if _, ok := ledger.ParseUnit(line.Unit); !ok {
				return domain.CheckoutResponse{}, ledger.NewLineError(i+1, line.ProductID, ledger.ErrInvalidLine, fmt.Sprintf("unsupported unit %q", line.Unit))
			}
		}
		productIDs = append(productIDs, line.ProductID)
	}

	adj := ledger.Adjustments{
		DiscountAmount:  req.DiscountAmount,
		DiscountPercent: req.DiscountPercent,
		TaxPercent:      s.defaultTax,
	}
	if req.TaxPercent != nil {
		adj.TaxPercent = *req.TaxPercent
	}
	if _, err := ledger.ComputeTotals(decimal.Zero, adj); err != nil {
		return domain.CheckoutResponse{}, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return toCheckoutResponse(existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, err
		}
	}

	var (
		sale      *domain.Sale
		duplicate bool
	)
	err := s.mutateStock(ctx, productIDs, func(ctx context.Context, tx store.Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.FindSaleByIdempotency(ctx, req.IdempotencyKey)
			if err == nil {
				sale, duplicate = existing, true
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		built, err := s.commitSale(ctx, tx, req, adj)
		if err != nil {
			return err
		}
		sale = built
		return nil
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if duplicate {
		return toCheckoutResponse(sale, true), nil
	}

	s.log.WithFields(logrus.Fields{
		"invoice_id":  sale.ID,
		"grand_total": sale.GrandTotal.String(),
		"lines":       len(sale.Lines),
	}).Info("sale committed")
	s.logAudit(ctx, "checkout", "sale", sale.ID, fmt.Sprintf("total=%s,payment=%s,discount=%s,lines=%d",
		sale.GrandTotal.String(), sale.PaymentMethod, sale.Discount.String(), len(sale.Lines)))

	return toCheckoutResponse(sale, false), nil
}

func (s *Service) commitSale(ctx context.Context, tx store.Tx, req domain.CheckoutRequest, adj ledger.Adjustments) (*domain.Sale, error) {
	items, err := mergeCart(ctx, tx, req.Lines)
	if err != nil {
		return nil, err
	}

	state := newLotState()
	lines := make([]domain.SaleLine, 0, len(items))
	subtotal := decimal.Zero
	for i, item := range items {
		if err := state.load(ctx, tx, item.product.ID); err != nil {
			return nil, err
		}
		balances := state.balances[item.product.ID]

		first, ok := ledger.FirstAvailable(balances)
		if !ok {
			return nil, &ledger.InsufficientStockError{
				ProductID: item.product.ID,
				Requested: ledger.ToBaseUnits(item.qty, item.unit, state.anyPiecesPerBox(item.product.ID)),
				Available: decimal.Zero,
			}
		}
		terms := state.lots[first.LotID].PriceTerms()
		if item.unit == ledger.UnitBox && !terms.PiecesPerBox.IsPositive() {
			return nil, ledger.NewLineError(item.lineNo, item.product.ID, ledger.ErrConfiguration, "lot "+first.LotID+" has no pieces per box")
		}

		baseQty := ledger.ToBaseUnits(item.qty, item.unit, terms.PiecesPerBox)
		plan, err := ledger.PlanConsumption(item.product.ID, balances, baseQty)
		if err != nil {
			return nil, err
		}
		state.balances[item.product.ID] = ledger.Apply(balances, plan, -1)

		quote := ledger.ResolveRate(terms, item.unit, baseQty)
		lineTotal := ledger.RoundMoney(quote.LineTotal(item.qty))
		subtotal = subtotal.Add(lineTotal)
		lines = append(lines, domain.SaleLine{
			LineNo:       i + 1,
			ProductID:    item.product.ID,
			ProductName:  item.product.Name,
			Unit:         item.unit,
			Quantity:     item.qty,
			BaseQuantity: baseQty,
			Tier:         quote.Tier,
			Rate:         quote.Rate,
			LineTotal:    lineTotal,
			Allocations:  plan,
		})
	}

	totals, err := ledger.ComputeTotals(subtotal, adj)
	if err != nil {
		return nil, err
	}
	totals = totals.Rounded()

	tendered := totals.GrandTotal
	if req.PaymentMethod == domain.PaymentCash {
		tendered = req.Tendered
		if tendered.LessThan(totals.GrandTotal) {
			return nil, fmt.Errorf("%w: tendered %s is less than grand total %s", ledger.ErrInvalidPayment, tendered.String(), totals.GrandTotal.String())
		}
	}

	if err := state.flush(ctx, tx); err != nil {
		return nil, err
	}

	now := s.now()
	invoiceID, err := s.nextDocument(ctx, tx, domain.DocSale, now)
	if err != nil {
		return nil, err
	}
	terminal, _ := TerminalFromContext(ctx)
	sale := domain.Sale{
		ID:               invoiceID,
		TerminalID:       terminal,
		IdempotencyKey:   req.IdempotencyKey,
		Lines:            lines,
		Subtotal:         totals.Subtotal,
		Discount:         totals.Discount,
		TaxPercent:       totals.TaxPercent,
		Tax:              totals.Tax,
		GrandTotal:       totals.GrandTotal,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		Tendered:         ledger.RoundMoney(tendered),
		Change:           ledger.RoundMoney(tendered.Sub(totals.GrandTotal)),
		CreatedAt:        now,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

// mergeCart resolves products and units and folds lines with the same
// product and unit into one, keeping the order of first appearance.
func mergeCart(ctx context.Context, tx store.Tx, lines []domain.CartLine) ([]cartItem, error) {
	products := make(map[string]domain.Product, len(lines))
	index := make(map[string]int, len(lines))
	items := make([]cartItem, 0, len(lines))

	for i, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			p, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, ledger.NewLineError(i+1, line.ProductID, ledger.ErrInvalidLine, "unknown product")
				}
				return nil, err
			}
			product = *p
			products[product.ID] = product
		}

		unit, err := saleUnit(product, line.Unit)
		if err != nil {
			return nil, &ledger.LineError{Line: i + 1, ProductID: product.ID, Err: err}
		}

		key := product.ID + "|" + string(unit)
		if at, seen := index[key]; seen {
			items[at].qty = items[at].qty.Add(line.Quantity)
			continue
		}
		index[key] = len(items)
		items = append(items, cartItem{lineNo: i + 1, product: product, unit: unit, qty: line.Quantity})
	}
	return items, nil
}

// lotState tracks the lots of the products a transaction touches and writes
// back only the lots whose remaining quantity changed.
type lotState struct {
	order    []string
	lots     map[string]domain.StockLot
	balances map[string][]ledger.LotBalance
	original map[string]decimal.Decimal
}

func newLotState() *lotState {
	return &lotState{
		lots:     make(map[string]domain.StockLot),
		balances: make(map[string][]ledger.LotBalance),
		original: make(map[string]decimal.Decimal),
	}
}

func (st *lotState) load(ctx context.Context, tx store.Tx, productID string) error {
	if _, ok := st.balances[productID]; ok {
		return nil
	}
	lots, err := tx.ListLotsForUpdate(ctx, productID)
	if err != nil {
		return err
	}
	balances := make([]ledger.LotBalance, 0, len(lots))
	for _, lot := range lots {
		st.lots[lot.ID] = lot
		st.original[lot.ID] = lot.QuantityRemaining
		balances = append(balances, lot.Balance())
	}
	st.balances[productID] = balances
	st.order = append(st.order, productID)
	return nil
}

func (st *lotState) anyPiecesPerBox(productID string) decimal.Decimal {
	balances := st.balances[productID]
	for i := len(balances) - 1; i >= 0; i-- {
		if ppb := st.lots[balances[i].LotID].PiecesPerBox; ppb.IsPositive() {
			return ppb
		}
	}
	return decimal.Zero
}

func (st *lotState) flush(ctx context.Context, tx store.Tx) error {
	for _, productID := range st.order {
		for _, b := range st.balances[productID] {
			if b.Remaining.Equal(st.original[b.LotID]) {
				continue
			}
			if err := tx.UpdateLotRemaining(ctx, b.LotID, b.Remaining); err != nil {
				return fmt.Errorf("update lot %s: %w", b.LotID, err)
			}
		}
	}
	return nil
}

func toCheckoutResponse(sale *domain.Sale, duplicate bool) domain.CheckoutResponse {
	return domain.CheckoutResponse{
		InvoiceID:     sale.ID,
		Lines:         sale.Lines,
		Subtotal:      sale.Subtotal,
		Discount:      sale.Discount,
		TaxPercent:    sale.TaxPercent,
		Tax:           sale.Tax,
		GrandTotal:    sale.GrandTotal,
		PaymentMethod: sale.PaymentMethod,
		Tendered:      sale.Tendered,
		Change:        sale.Change,
		Duplicate:     duplicate,
		CreatedAt:     sale.CreatedAt.Format(time.RFC3339),
	}
}
