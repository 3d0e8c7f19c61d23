package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
)

const displayPlaces = 6

// soldProduct aggregates one product across the lines of an invoice and the
// returns already made against it. Quantities are in base units.
type soldProduct struct {
	baseUnit     ledger.Unit
	soldBase     decimal.Decimal
	soldAmount   decimal.Decimal
	returnedBase decimal.Decimal
	boxRatio     decimal.Decimal
	origin       []ledger.Allocation
	restored     []ledger.Allocation
}

func (p *soldProduct) returnable() decimal.Decimal {
	r := ledger.SnapZero(p.soldBase.Sub(p.returnedBase))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ratePerBase is what one base unit was sold for on average.
func (p *soldProduct) ratePerBase() decimal.Decimal {
	if !p.soldBase.IsPositive() {
		return decimal.Zero
	}
	return p.soldAmount.Div(p.soldBase)
}

// baseFactor converts a return quantity entered in raw to base units. Boxes
// convert at the ratio they were sold at on this invoice.
func (p *soldProduct) baseFactor(raw string) (ledger.Unit, decimal.Decimal, error) {
	unit, ok := ledger.ParseUnit(defaultString(raw, string(p.baseUnit)))
	if !ok || unit.BaseUnit() != p.baseUnit {
		return "", decimal.Zero, fmt.Errorf("%w: unsupported return unit %q", ledger.ErrInvalidLine, raw)
	}
	switch unit {
	case ledger.UnitGram:
		return unit, ledger.ToBaseUnits(decimal.NewFromInt(1), unit, decimal.Zero), nil
	case ledger.UnitBox:
		if !p.boxRatio.IsPositive() {
			return "", decimal.Zero, fmt.Errorf("%w: no boxes were sold on this invoice", ledger.ErrInvalidLine)
		}
		return unit, p.boxRatio, nil
	default:
		return unit, decimal.NewFromInt(1), nil
	}
}

func summarizeSale(sale *domain.Sale, returns []domain.SaleReturn) map[string]*soldProduct {
	out := make(map[string]*soldProduct)
	for _, line := range sale.Lines {
		p, ok := out[line.ProductID]
		if !ok {
			p = &soldProduct{baseUnit: line.Unit.BaseUnit()}
			out[line.ProductID] = p
		}
		p.soldBase = p.soldBase.Add(line.BaseQuantity)
		p.soldAmount = p.soldAmount.Add(line.LineTotal)
		p.origin = append(p.origin, line.Allocations...)
		if line.Unit == ledger.UnitBox && p.boxRatio.IsZero() && line.Quantity.IsPositive() {
			p.boxRatio = line.BaseQuantity.Div(line.Quantity)
		}
	}
	for _, ret := range returns {
		for _, line := range ret.Lines {
			p, ok := out[line.ProductID]
			if !ok {
				continue
			}
			p.returnedBase = p.returnedBase.Add(line.BaseQuantity)
			p.restored = append(p.restored, line.Restock...)
		}
	}
	return out
}

// LookupInvoice returns the sale with what is still returnable per line. A
// product's returned quantity is charged against its lines in line order.
func (s *Service) LookupInvoice(ctx context.Context, invoiceID string) (domain.InvoiceLookupResponse, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.InvoiceLookupResponse{}, err
	}
	returns, err := s.repo.ListReturnsBySale(ctx, sale.ID)
	if err != nil {
		return domain.InvoiceLookupResponse{}, err
	}

	summary := summarizeSale(sale, returns)
	unattributed := make(map[string]decimal.Decimal, len(summary))
	for id, p := range summary {
		unattributed[id] = p.returnedBase
	}

	lines := make([]domain.InvoiceLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		returned := decimal.Min(unattributed[line.ProductID], line.BaseQuantity)
		unattributed[line.ProductID] = unattributed[line.ProductID].Sub(returned)

		returnableBase := ledger.SnapZero(line.BaseQuantity.Sub(returned))
		returnableQty := decimal.Zero
		if line.BaseQuantity.IsPositive() {
			returnableQty = returnableBase.Mul(line.Quantity).Div(line.BaseQuantity).Round(displayPlaces)
		}
		lines = append(lines, domain.InvoiceLine{
			SaleLine:               line,
			ReturnedBaseQuantity:   returned,
			ReturnableQuantity:     returnableQty,
			ReturnableBaseQuantity: returnableBase,
		})
	}

	if returns == nil {
		returns = []domain.SaleReturn{}
	}
	return domain.InvoiceLookupResponse{
		InvoiceID:     sale.ID,
		Lines:         lines,
		Subtotal:      sale.Subtotal,
		Discount:      sale.Discount,
		Tax:           sale.Tax,
		GrandTotal:    sale.GrandTotal,
		PaymentMethod: sale.PaymentMethod,
		CreatedAt:     sale.CreatedAt.Format(time.RFC3339),
		Returns:       returns,
	}, nil
}

type returnItem struct {
	productID string
	unit      ledger.Unit
	qty       decimal.Decimal
	factor    decimal.Decimal
}

// ProcessReturn takes goods back against an invoice. Every line is checked
// against what is still returnable before any lot is touched; the stock goes
// back according to the configured restock policy.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	if req.InvoiceID == "" {
		return domain.ReturnResponse{}, fmt.Errorf("%w: invoice_id is required", ErrInvalidRequest)
	}
	req.RefundMethod = normalizeMethod(req.RefundMethod, domain.RefundCash)
	if !isSupportedRefundMethod(req.RefundMethod) {
		return domain.ReturnResponse{}, fmt.Errorf("%w: unsupported refund method %q", ledger.ErrInvalidPayment, req.RefundMethod)
	}
	if len(req.Lines) == 0 {
		return domain.ReturnResponse{}, fmt.Errorf("%w: return has no lines", ledger.ErrEmptyCart)
	}

	productIDs := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		line := &req.Lines[i]
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return domain.ReturnResponse{}, ledger.NewLineError(i+1, "", ledger.ErrInvalidLine, "product_id is required")
		}
		if !line.Quantity.IsPositive() {
			return domain.ReturnResponse{}, ledger.NewLineError(i+1, line.ProductID, ledger.ErrInvalidQuantity, "quantity must be positive")
		}
		productIDs = append(productIDs, line.ProductID)
	}

	var ret domain.SaleReturn
	err := s.mutateStock(ctx, productIDs, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		prior, err := tx.ListReturnsBySale(ctx, sale.ID)
		if err != nil {
			return err
		}
		summary := summarizeSale(sale, prior)

		items, err := mergeReturnLines(req.Lines, summary)
		if err != nil {
			return err
		}

		requested := make(map[string]decimal.Decimal, len(items))
		order := make([]string, 0, len(items))
		for _, item := range items {
			if _, seen := requested[item.productID]; !seen {
				order = append(order, item.productID)
			}
			requested[item.productID] = requested[item.productID].Add(item.qty.Mul(item.factor))
		}
		for _, productID := range order {
			returnable := summary[productID].returnable()
			if ledger.Exceeds(requested[productID], returnable) {
				return &ledger.OverReturnError{ProductID: productID, Requested: requested[productID], Returnable: returnable}
			}
		}

		state := newLotState()
		lines := make([]domain.ReturnLine, 0, len(items))
		total := decimal.Zero
		for _, item := range items {
			if err := state.load(ctx, tx, item.productID); err != nil {
				return err
			}
			sold := summary[item.productID]
			baseQty := item.qty.Mul(item.factor)

			plan, err := s.planRestock(item.productID, sold, state.balances[item.productID], baseQty)
			if err != nil {
				return err
			}
			state.balances[item.productID] = ledger.Apply(state.balances[item.productID], plan, +1)
			sold.restored = append(sold.restored, plan...)

			rate := sold.ratePerBase()
			refund := ledger.RoundMoney(baseQty.Mul(rate))
			total = total.Add(refund)
			lines = append(lines, domain.ReturnLine{
				ProductID:       item.productID,
				Unit:            item.unit,
				Quantity:        item.qty,
				BaseQuantity:    baseQty,
				RatePerBaseUnit: rate.Round(displayPlaces),
				RefundAmount:    refund,
				Restock:         plan,
			})
		}

		if err := state.flush(ctx, tx); err != nil {
			return err
		}

		now := s.now()
		id, err := s.nextDocument(ctx, tx, domain.DocSaleReturn, now)
		if err != nil {
			return err
		}
		terminal, _ := TerminalFromContext(ctx)
		ret = domain.SaleReturn{
			ID:           id,
			InvoiceID:    sale.ID,
			TerminalID:   terminal,
			Lines:        lines,
			TotalRefund:  total,
			RefundMethod: req.RefundMethod,
			Reason:       strings.TrimSpace(req.Reason),
			CreatedAt:    now,
		}
		return tx.InsertReturn(ctx, ret)
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	s.log.WithFields(logrus.Fields{
		"return_id":  ret.ID,
		"invoice_id": ret.InvoiceID,
		"refund":     ret.TotalRefund.String(),
		"policy":     s.restock,
	}).Info("return committed")
	s.logAudit(ctx, "sale_return", "sale_return", ret.ID, fmt.Sprintf("invoice=%s,refund=%s,method=%s,lines=%d",
		ret.InvoiceID, ret.TotalRefund.String(), ret.RefundMethod, len(ret.Lines)))

	return domain.ReturnResponse{
		ReturnID:     ret.ID,
		InvoiceID:    ret.InvoiceID,
		TotalRefund:  ret.TotalRefund,
		RefundMethod: ret.RefundMethod,
		Lines:        ret.Lines,
		CreatedAt:    ret.CreatedAt.Format(time.RFC3339),
	}, nil
}

func mergeReturnLines(lines []domain.ReturnLineRequest, summary map[string]*soldProduct) ([]returnItem, error) {
	index := make(map[string]int, len(lines))
	items := make([]returnItem, 0, len(lines))
	for i, line := range lines {
		sold, ok := summary[line.ProductID]
		if !ok {
			return nil, ledger.NewLineError(i+1, line.ProductID, ledger.ErrInvalidLine, "product was not sold on this invoice")
		}
		unit, factor, err := sold.baseFactor(line.Unit)
		if err != nil {
			return nil, &ledger.LineError{Line: i + 1, ProductID: line.ProductID, Err: err}
		}

		key := line.ProductID + "|" + string(unit)
		if at, seen := index[key]; seen {
			items[at].qty = items[at].qty.Add(line.Quantity)
			continue
		}
		index[key] = len(items)
		items = append(items, returnItem{productID: line.ProductID, unit: unit, qty: line.Quantity, factor: factor})
	}
	return items, nil
}

func (s *Service) planRestock(productID string, sold *soldProduct, balances []ledger.LotBalance, qty decimal.Decimal) ([]ledger.Allocation, error) {
	if s.restock == RestockLatest {
		return ledger.PlanReplenishLatest(productID, balances, qty)
	}

	plan, unplaced := ledger.PlanRestock(sold.origin, sold.restored, qty)
	if unplaced.IsPositive() {
		extra, err := ledger.PlanReplenishLatest(productID, ledger.Apply(balances, plan, +1), unplaced)
		if err != nil {
			return nil, err
		}
		plan = append(plan, extra...)
	}
	return plan, nil
}
