package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// RecordPurchaseReturn sends stock from one lot back to its supplier. When the
// supplier refunds as credit a SupplierCredit is opened for the full amount.
func (s *Service) RecordPurchaseReturn(ctx context.Context, req domain.PurchaseReturnRequest) (domain.PurchaseReturnResponse, error) {
	req.LotID = strings.TrimSpace(req.LotID)
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	if req.LotID == "" {
		return domain.PurchaseReturnResponse{}, fmt.Errorf("%w: lot_id is required", ledger.ErrInvalidLine)
	}
	if !req.Quantity.IsPositive() {
		return domain.PurchaseReturnResponse{}, fmt.Errorf("%w: quantity must be positive", ledger.ErrInvalidQuantity)
	}
	req.RefundMethod = normalizeMethod(req.RefundMethod, domain.RefundCredit)
	if !isSupportedRefundMethod(req.RefundMethod) {
		return domain.PurchaseReturnResponse{}, fmt.Errorf("%w: unsupported refund method %q", ledger.ErrInvalidPayment, req.RefundMethod)
	}

	// The product id is needed for the lock before the lot can be read under it.
	peek, err := s.repo.GetLot(ctx, req.LotID)
	if err != nil {
		return domain.PurchaseReturnResponse{}, err
	}

	var (
		pr           domain.PurchaseReturn
		lotRemaining decimal.Decimal
	)
	err = s.mutateStock(ctx, []string{peek.ProductID}, func(ctx context.Context, tx store.Tx) error {
		lot, err := tx.GetLotForUpdate(ctx, req.LotID)
		if err != nil {
			return err
		}

		supplierID := lot.SupplierID
		if req.SupplierID != "" {
			if supplierID != "" && supplierID != req.SupplierID {
				return fmt.Errorf("%w: lot %s was bought from supplier %s", ledger.ErrInvalidLine, lot.ID, supplierID)
			}
			supplierID = req.SupplierID
		}
		if supplierID != "" {
			if _, err := tx.GetSupplier(ctx, supplierID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: unknown supplier %s", ledger.ErrInvalidLine, supplierID)
				}
				return err
			}
		}
		if req.RefundMethod == domain.RefundCredit && supplierID == "" {
			return fmt.Errorf("%w: a credit refund needs a supplier", ledger.ErrInvalidLine)
		}

		if ledger.Exceeds(req.Quantity, lot.QuantityRemaining) {
			return &ledger.InsufficientStockError{ProductID: lot.ProductID, Requested: req.Quantity, Available: lot.QuantityRemaining}
		}
		qty := decimal.Min(req.Quantity, lot.QuantityRemaining)
		lotRemaining = ledger.SnapZero(lot.QuantityRemaining.Sub(qty))
		if err := tx.UpdateLotRemaining(ctx, lot.ID, lotRemaining); err != nil {
			return fmt.Errorf("update lot %s: %w", lot.ID, err)
		}

		now := s.now()
		id, err := s.nextDocument(ctx, tx, domain.DocPurchaseReturn, now)
		if err != nil {
			return err
		}
		pr = domain.PurchaseReturn{
			ID:           id,
			LotID:        lot.ID,
			ProductID:    lot.ProductID,
			SupplierID:   supplierID,
			Quantity:     qty,
			UnitPrice:    lot.PurchasePrice,
			Amount:       ledger.RoundMoney(qty.Mul(lot.PurchasePrice)),
			RefundMethod: req.RefundMethod,
			Reason:       strings.TrimSpace(req.Reason),
			CreatedAt:    now,
		}
		if req.RefundMethod == domain.RefundCredit {
			pr.CreditID = xid.New("cr")
		}
		if err := tx.InsertPurchaseReturn(ctx, pr); err != nil {
			return err
		}
		if pr.CreditID == "" {
			return nil
		}
		return recordCredit(ctx, tx, pr.CreditID, supplierID, pr.ID, pr.Amount, now)
	})
	if err != nil {
		return domain.PurchaseReturnResponse{}, err
	}

	s.logAudit(ctx, "purchase_return", "purchase_return", pr.ID, fmt.Sprintf("lot=%s,qty=%s,amount=%s,method=%s,credit=%s",
		pr.LotID, pr.Quantity.String(), pr.Amount.String(), pr.RefundMethod, pr.CreditID))

	return domain.PurchaseReturnResponse{
		PurchaseReturnID: pr.ID,
		Amount:           pr.Amount,
		RefundMethod:     pr.RefundMethod,
		CreditID:         pr.CreditID,
		LotRemaining:     lotRemaining,
	}, nil
}

// recordCredit opens a supplier credit. Credits are never drawn down, so the
// remaining amount always equals the credited amount.
func recordCredit(ctx context.Context, tx store.Tx, id string, supplierID string, purchaseReturnID string, amount decimal.Decimal, at time.Time) error {
	return tx.InsertSupplierCredit(ctx, domain.SupplierCredit{
		ID:               id,
		SupplierID:       supplierID,
		PurchaseReturnID: purchaseReturnID,
		CreditAmount:     amount,
		RemainingAmount:  amount,
		CreatedAt:        at,
	})
}

// SupplierCreditBalance sums the remaining amount of every credit the
// supplier holds.
func (s *Service) SupplierCreditBalance(ctx context.Context, supplierID string) (domain.SupplierCreditResponse, error) {
	supplier, err := s.repo.GetSupplier(ctx, strings.TrimSpace(supplierID))
	if err != nil {
		return domain.SupplierCreditResponse{}, err
	}
	credits, err := s.repo.ListSupplierCredits(ctx, supplier.ID)
	if err != nil {
		return domain.SupplierCreditResponse{}, err
	}

	balance := decimal.Zero
	for _, c := range credits {
		balance = balance.Add(c.RemainingAmount)
	}
	if credits == nil {
		credits = []domain.SupplierCredit{}
	}
	return domain.SupplierCreditResponse{SupplierID: supplier.ID, Balance: ledger.RoundMoney(balance), Credits: credits}, nil
}
