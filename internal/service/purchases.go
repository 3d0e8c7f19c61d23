package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// RecordPurchase turns each purchase line into a new stock lot. A line gives
// either a plain quantity in the product's base unit or a packaging
// description that resolves to pieces.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.Purchase, error) {
	return s.recordPurchase(ctx, req, nil)
}

// recordPurchase reports line errors against rowNumbers[i] when given,
// otherwise against the 1-based position of the line.
func (s *Service) recordPurchase(ctx context.Context, req domain.PurchaseRequest, rowNumbers []int) (domain.Purchase, error) {
	if len(req.Lines) == 0 {
		return domain.Purchase{}, fmt.Errorf("%w: purchase has no lines", ledger.ErrEmptyCart)
	}
	req.SupplierID = strings.TrimSpace(req.SupplierID)

	productIDs := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		req.Lines[i].ProductID = strings.TrimSpace(req.Lines[i].ProductID)
		productIDs = append(productIDs, req.Lines[i].ProductID)
	}

	now := s.now()
	purchase := domain.Purchase{
		ID:         xid.New("pur"),
		SupplierID: req.SupplierID,
		Reference:  strings.TrimSpace(req.Reference),
		CreatedAt:  now,
	}
	purchase.TerminalID, _ = TerminalFromContext(ctx)

	err := s.mutateStock(ctx, productIDs, func(ctx context.Context, tx store.Tx) error {
		if purchase.SupplierID != "" {
			if _, err := tx.GetSupplier(ctx, purchase.SupplierID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: unknown supplier %s", ledger.ErrInvalidLine, purchase.SupplierID)
				}
				return err
			}
		}
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return err
		}

		purchase.Lots = make([]domain.StockLot, 0, len(req.Lines))
		for i, line := range req.Lines {
			lineNo := i + 1
			if i < len(rowNumbers) {
				lineNo = rowNumbers[i]
			}
			lot, err := s.buildLot(ctx, tx, lineNo, line)
			if err != nil {
				return err
			}
			lot.PurchaseID = purchase.ID
			lot.SupplierID = purchase.SupplierID
			lot.CreatedAt = now

			stored, err := tx.InsertLot(ctx, lot)
			if err != nil {
				return err
			}
			purchase.Lots = append(purchase.Lots, *stored)
		}
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	total := decimal.Zero
	for _, lot := range purchase.Lots {
		total = total.Add(lot.QuantityPurchased.Mul(lot.PurchasePrice))
	}
	s.logAudit(ctx, "purchase", "purchase", purchase.ID, fmt.Sprintf("lots=%d,cost=%s,supplier=%s", len(purchase.Lots), ledger.RoundMoney(total).String(), purchase.SupplierID))
	return purchase, nil
}

func (s *Service) buildLot(ctx context.Context, tx store.Tx, lineNo int, line domain.PurchaseLineRequest) (domain.StockLot, error) {
	if line.ProductID == "" {
		return domain.StockLot{}, ledger.NewLineError(lineNo, "", ledger.ErrInvalidLine, "product_id is required")
	}
	product, err := tx.GetProduct(ctx, line.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.StockLot{}, ledger.NewLineError(lineNo, line.ProductID, ledger.ErrInvalidLine, "unknown product")
		}
		return domain.StockLot{}, err
	}

	qty := line.Quantity
	piecesPerBox := line.PiecesPerBox
	var packaging *domain.Packaging
	if line.Packaging != nil {
		if product.BaseUnit != ledger.UnitPiece {
			return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidLine, "packaging applies to piece products only")
		}
		kind, err := ledger.ParsePackagingKind(string(line.Packaging.Kind))
		if err != nil {
			return domain.StockLot{}, &ledger.LineError{Line: lineNo, ProductID: product.ID, Err: err}
		}
		qty = ledger.ResolvePackagingTotal(kind, line.Packaging.PackagingInputs)
		if !qty.IsPositive() {
			return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidQuantity, "packaging does not resolve to a positive quantity")
		}
		if !piecesPerBox.IsPositive() && line.Packaging.PiecesPerBox.IsPositive() {
			piecesPerBox = line.Packaging.PiecesPerBox
		}
		packaging = &domain.Packaging{Kind: kind, PackagingInputs: line.Packaging.PackagingInputs}
	}
	if !qty.IsPositive() {
		return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidQuantity, "quantity must be positive")
	}

	for _, field := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"purchase_price", line.PurchasePrice},
		{"wholesale_price", line.WholesalePrice},
		{"wholesale_min_qty", line.WholesaleMinQty},
		{"box_price", line.BoxPrice},
		{"pieces_per_box", piecesPerBox},
	} {
		if field.value.IsNegative() {
			return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidLine, field.name+" must not be negative")
		}
	}
	if !line.RetailPrice.IsPositive() {
		return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidLine, "retail_price must be positive")
	}
	if line.BoxPrice.IsPositive() && !piecesPerBox.IsPositive() {
		return domain.StockLot{}, ledger.NewLineError(lineNo, product.ID, ledger.ErrInvalidLine, "box_price needs pieces_per_box")
	}

	return domain.StockLot{
		ID:                xid.New("lot"),
		ProductID:         product.ID,
		BaseUnit:          product.BaseUnit,
		QuantityPurchased: qty,
		QuantityRemaining: qty,
		PurchasePrice:     line.PurchasePrice,
		RetailPrice:       line.RetailPrice,
		WholesalePrice:    line.WholesalePrice,
		WholesaleMinQty:   line.WholesaleMinQty,
		BoxPrice:          line.BoxPrice,
		PiecesPerBox:      piecesPerBox,
		Packaging:         packaging,
	}, nil
}

// ImportPurchase records a purchase from spreadsheet rows. Rows name a
// product by id or by barcode.
func (s *Service) ImportPurchase(ctx context.Context, supplierID string, reference string, rows []domain.PurchaseImportRow) (domain.Purchase, error) {
	if len(rows) == 0 {
		return domain.Purchase{}, fmt.Errorf("%w: sheet has no purchase rows", ledger.ErrEmptyCart)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.Purchase{}, err
	}
	byBarcode := make(map[string]string, len(products))
	for _, p := range products {
		if p.Barcode != "" {
			byBarcode[p.Barcode] = p.ID
		}
	}

	req := domain.PurchaseRequest{SupplierID: supplierID, Reference: reference, Lines: make([]domain.PurchaseLineRequest, 0, len(rows))}
	rowNumbers := make([]int, 0, len(rows))
	for _, row := range rows {
		line := row.Line
		if line.ProductID == "" && row.Barcode != "" {
			id, ok := byBarcode[row.Barcode]
			if !ok {
				return domain.Purchase{}, ledger.NewLineError(row.Row, "", ledger.ErrInvalidLine, "no product with barcode "+row.Barcode)
			}
			line.ProductID = id
		}
		req.Lines = append(req.Lines, line)
		rowNumbers = append(rowNumbers, row.Row)
	}
	return s.recordPurchase(ctx, req, rowNumbers)
}
