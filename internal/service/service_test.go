package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T, policy RestockPolicy) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := New(repo, Options{RestockPolicy: policy, Now: clock.Now})
	return svc, repo
}

func mustProduct(t *testing.T, svc *Service, name string, unit string) domain.Product {
	t.Helper()
	p, err := svc.CreateProduct(context.Background(), domain.ProductCreateRequest{Name: name, BaseUnit: unit})
	if err != nil {
		t.Fatalf("create product %s: %v", name, err)
	}
	return p
}

func mustSupplier(t *testing.T, svc *Service, name string) domain.Supplier {
	t.Helper()
	sup, err := svc.CreateSupplier(context.Background(), domain.SupplierCreateRequest{Name: name})
	if err != nil {
		t.Fatalf("create supplier %s: %v", name, err)
	}
	return sup
}

func mustPurchase(t *testing.T, svc *Service, supplierID string, lines ...domain.PurchaseLineRequest) domain.Purchase {
	t.Helper()
	p, err := svc.RecordPurchase(context.Background(), domain.PurchaseRequest{SupplierID: supplierID, Lines: lines})
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	return p
}

func simpleLot(productID string, qty string, retail string) domain.PurchaseLineRequest {
	return domain.PurchaseLineRequest{ProductID: productID, Quantity: dec(qty), PurchasePrice: dec("5"), RetailPrice: dec(retail)}
}

func remaining(t *testing.T, repo store.Repository, productID string) []string {
	t.Helper()
	lots, err := repo.ListLots(context.Background(), productID)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	out := make([]string, 0, len(lots))
	for _, lot := range lots {
		out = append(out, lot.QuantityRemaining.String())
	}
	return out
}

func assertRemaining(t *testing.T, repo store.Repository, productID string, want ...string) {
	t.Helper()
	got := remaining(t, repo, productID)
	if len(got) != len(want) {
		t.Fatalf("expected %d lots, got %v", len(want), got)
	}
	for i := range want {
		if !dec(got[i]).Equal(dec(want[i])) {
			t.Fatalf("expected remaining %v, got %v", want, got)
		}
	}
}

func assertDecimal(t *testing.T, name string, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("expected %s = %s, got %s", name, want, got.String())
	}
}

func checkout(svc *Service, method string, tendered string, lines ...domain.CartLine) (domain.CheckoutResponse, error) {
	req := domain.CheckoutRequest{PaymentMethod: method, Lines: lines}
	if tendered != "" {
		req.Tendered = dec(tendered)
	}
	return svc.Checkout(context.Background(), req)
}

// fifteenInThreeLots is the [5,5,5] product used by several tests.
func fifteenInThreeLots(t *testing.T, svc *Service) domain.Product {
	t.Helper()
	p := mustProduct(t, svc, "Notebook", "pcs")
	for i := 0; i < 3; i++ {
		mustPurchase(t, svc, "", simpleLot(p.ID, "5", "10"))
	}
	return p
}

func TestCheckoutAppliesWholesaleAtThreshold(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Pen", "pcs")
	mustPurchase(t, svc, "", domain.PurchaseLineRequest{
		ProductID: p.ID, Quantity: dec("100"), PurchasePrice: dec("6"),
		RetailPrice: dec("10"), WholesalePrice: dec("8"), WholesaleMinQty: dec("50"),
	})

	resp, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("60")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	line := resp.Lines[0]
	if line.Tier != ledger.TierWholesale {
		t.Fatalf("expected wholesale tier, got %s", line.Tier)
	}
	assertDecimal(t, "rate", "8", line.Rate)
	assertDecimal(t, "line total", "480", line.LineTotal)
	assertDecimal(t, "grand total", "480", resp.GrandTotal)
	assertRemaining(t, repo, p.ID, "40")

	stock, err := svc.GetAvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "stock", "40", stock.Quantity)
}

func TestCheckoutInsufficientStockLeavesLotsUntouched(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Cup", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "5", "10"))

	_, err := checkout(svc, domain.PaymentCash, "1000", domain.CartLine{ProductID: p.ID, Quantity: dec("6")})
	var detail *ledger.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if detail.ProductID != p.ID {
		t.Fatalf("expected product %s, got %s", p.ID, detail.ProductID)
	}
	assertDecimal(t, "requested", "6", detail.Requested)
	assertDecimal(t, "available", "5", detail.Available)
	assertRemaining(t, repo, p.ID, "5")
}

func TestCheckoutRollsBackEarlierLinesOnFailure(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	a := mustProduct(t, svc, "Apple Juice", "pcs")
	b := mustProduct(t, svc, "Biscuit", "pcs")
	mustPurchase(t, svc, "", simpleLot(a.ID, "10", "3"), simpleLot(b.ID, "1", "2"))

	_, err := checkout(svc, domain.PaymentCard, "",
		domain.CartLine{ProductID: a.ID, Quantity: dec("4")},
		domain.CartLine{ProductID: b.ID, Quantity: dec("2")},
	)
	if !errors.Is(err, ledger.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	assertRemaining(t, repo, a.ID, "10")
	assertRemaining(t, repo, b.ID, "1")

	resp, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: a.ID, Quantity: dec("1")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.InvoiceID != "SALE-2026-000001" {
		t.Fatalf("failed checkout must not burn an invoice number, got %s", resp.InvoiceID)
	}
}

func TestCheckoutConsumesOldestLotsFirst(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := fifteenInThreeLots(t, svc)

	resp, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("7")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	assertRemaining(t, repo, p.ID, "0", "3", "5")
	if len(resp.Lines[0].Allocations) != 2 {
		t.Fatalf("expected two allocations, got %+v", resp.Lines[0].Allocations)
	}
}

func TestCheckoutValidation(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Salt", "kg")
	mustPurchase(t, svc, "", simpleLot(p.ID, "10", "40"))

	cases := []struct {
		name  string
		req   domain.CheckoutRequest
		isErr error
	}{
		{"empty cart", domain.CheckoutRequest{}, ledger.ErrEmptyCart},
		{"zero quantity", domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("0")}}}, ledger.ErrInvalidQuantity},
		{"unknown product", domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: "nope", Quantity: dec("1")}}}, ledger.ErrInvalidLine},
		{"box of a kg product", domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("1"), Unit: "box"}}}, ledger.ErrInvalidLine},
		{"bogus unit", domain.CheckoutRequest{Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("1"), Unit: "litre"}}}, ledger.ErrInvalidLine},
		{"unknown payment", domain.CheckoutRequest{PaymentMethod: "cheque", Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("1")}}}, ledger.ErrInvalidPayment},
		{"cash short", domain.CheckoutRequest{PaymentMethod: "cash", Tendered: dec("39.99"), Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("1")}}}, ledger.ErrInvalidPayment},
		{"negative discount", domain.CheckoutRequest{PaymentMethod: "card", DiscountAmount: dec("-1"), Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("1")}}}, ledger.ErrInvalidPayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tc.req)
			if !errors.Is(err, tc.isErr) {
				t.Fatalf("expected %v, got %v", tc.isErr, err)
			}
		})
	}
}

func TestCheckoutTotalsAndChange(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Tea", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "10", "40"))
	tax := dec("10")

	resp, err := svc.Checkout(context.Background(), domain.CheckoutRequest{
		PaymentMethod:  domain.PaymentCash,
		Tendered:       dec("200"),
		DiscountAmount: dec("10"),
		TaxPercent:     &tax,
		Lines: []domain.CartLine{
			{ProductID: p.ID, Quantity: dec("2")},
			{ProductID: p.ID, Quantity: dec("2"), Unit: "pcs"},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(resp.Lines) != 1 {
		t.Fatalf("expected duplicate lines to merge, got %d lines", len(resp.Lines))
	}
	assertDecimal(t, "subtotal", "160", resp.Subtotal)
	assertDecimal(t, "tax", "15", resp.Tax)
	assertDecimal(t, "grand total", "165", resp.GrandTotal)
	assertDecimal(t, "change", "35", resp.Change)
}

func TestCheckoutGramAndBoxUnits(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	rice := mustProduct(t, svc, "Rice", "kg")
	soap := mustProduct(t, svc, "Soap", "pcs")
	mustPurchase(t, svc, "",
		simpleLot(rice.ID, "10", "200"),
		domain.PurchaseLineRequest{
			ProductID: soap.ID, PurchasePrice: dec("40"), RetailPrice: dec("10"), BoxPrice: dec("110"),
			Packaging: &domain.Packaging{Kind: ledger.PackagingBox, PackagingInputs: ledger.PackagingInputs{Boxes: dec("4"), PiecesPerBox: dec("12")}},
		},
	)
	assertRemaining(t, repo, soap.ID, "48")

	resp, err := checkout(svc, domain.PaymentCard, "",
		domain.CartLine{ProductID: rice.ID, Quantity: dec("250"), Unit: "g"},
		domain.CartLine{ProductID: soap.ID, Quantity: dec("2"), Unit: "box"},
	)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	assertDecimal(t, "gram rate", "0.2", resp.Lines[0].Rate)
	assertDecimal(t, "gram total", "50", resp.Lines[0].LineTotal)
	assertDecimal(t, "gram base", "0.25", resp.Lines[0].BaseQuantity)
	assertDecimal(t, "box total", "220", resp.Lines[1].LineTotal)
	assertDecimal(t, "box base", "24", resp.Lines[1].BaseQuantity)
	assertRemaining(t, repo, rice.ID, "9.75")
	assertRemaining(t, repo, soap.ID, "24")
}

func TestCheckoutIdempotencyKeyReturnsOriginalSale(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Milk", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "10", "20"))

	req := domain.CheckoutRequest{IdempotencyKey: "term-1-0001", PaymentMethod: "card", Lines: []domain.CartLine{{ProductID: p.ID, Quantity: dec("3")}}}
	first, err := svc.Checkout(context.Background(), req)
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	second, err := svc.Checkout(context.Background(), req)
	if err != nil {
		t.Fatalf("second checkout failed: %v", err)
	}
	if !second.Duplicate || second.InvoiceID != first.InvoiceID {
		t.Fatalf("expected duplicate of %s, got %+v", first.InvoiceID, second)
	}
	assertRemaining(t, repo, p.ID, "7")
}

func TestInvoiceNumbersAreSequentialPerYear(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Gum", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "10", "1"))

	want := []string{"SALE-2026-000001", "SALE-2026-000002", "SALE-2026-000003"}
	for _, id := range want {
		resp, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("1")})
		if err != nil {
			t.Fatalf("checkout failed: %v", err)
		}
		if resp.InvoiceID != id {
			t.Fatalf("expected %s, got %s", id, resp.InvoiceID)
		}
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Bread", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "12", "3"), simpleLot(p.ID, "8", "3"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("3")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 6 || rejected != 4 {
		t.Fatalf("expected 6 sales and 4 rejections, got %d and %d", succeeded, rejected)
	}
	stock, err := repo.AvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "available", "2", stock)
}

func TestLookupInvoiceIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := fifteenInThreeLots(t, svc)
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("7")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	first, err := svc.LookupInvoice(context.Background(), sale.InvoiceID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	second, err := svc.LookupInvoice(context.Background(), sale.InvoiceID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	assertDecimal(t, "returnable", "7", first.Lines[0].ReturnableQuantity)
	if !first.Lines[0].ReturnableQuantity.Equal(second.Lines[0].ReturnableQuantity) {
		t.Fatalf("lookup changed returnable quantity: %s then %s", first.Lines[0].ReturnableQuantity, second.Lines[0].ReturnableQuantity)
	}

	if _, err := svc.LookupInvoice(context.Background(), "SALE-2026-999999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReturnBoundaryAndOverReturn(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Torch", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "10", "25"))
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("4")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ret, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("3")}},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if ret.ReturnID != "RET-2026-000001" {
		t.Fatalf("unexpected return id %s", ret.ReturnID)
	}
	assertDecimal(t, "refund", "75", ret.TotalRefund)

	_, err = svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("2")}},
	})
	var over *ledger.OverReturnError
	if !errors.As(err, &over) {
		t.Fatalf("expected OverReturnError, got %v", err)
	}
	assertDecimal(t, "returnable", "1", over.Returnable)
	assertRemaining(t, repo, p.ID, "9")

	if _, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("1")}},
	}); err != nil {
		t.Fatalf("returning exactly the returnable quantity failed: %v", err)
	}
	assertRemaining(t, repo, p.ID, "10")

	lookup, err := svc.LookupInvoice(context.Background(), sale.InvoiceID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !lookup.Lines[0].ReturnableQuantity.IsZero() || len(lookup.Returns) != 2 {
		t.Fatalf("expected nothing returnable after two returns, got %+v", lookup.Lines[0])
	}
}

func TestReturnRejectsProductNotOnInvoice(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	a := mustProduct(t, svc, "Kettle", "pcs")
	b := mustProduct(t, svc, "Mug", "pcs")
	mustPurchase(t, svc, "", simpleLot(a.ID, "3", "30"), simpleLot(b.ID, "3", "5"))
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: a.ID, Quantity: dec("1")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	_, err = svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: b.ID, Quantity: dec("1")}},
	})
	if !errors.Is(err, ledger.ErrInvalidLine) {
		t.Fatalf("expected invalid line, got %v", err)
	}

	_, err = svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: a.ID, Quantity: dec("-1")}},
	})
	if !errors.Is(err, ledger.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
}

func TestReturnRestoresOriginLots(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := fifteenInThreeLots(t, svc)
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("7")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if _, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("3")}},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	assertRemaining(t, repo, p.ID, "1", "5", "5")

	if _, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("4")}},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	assertRemaining(t, repo, p.ID, "5", "5", "5")
}

func TestReturnIntoLatestLot(t *testing.T) {
	svc, repo := newTestService(t, RestockLatest)
	p := fifteenInThreeLots(t, svc)
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("7")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if _, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("3")}},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	assertRemaining(t, repo, p.ID, "1", "5", "5")

	stock, err := repo.AvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "available", "11", stock)
}

func TestReturnInGramsOfKilogramSale(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Sugar", "kg")
	mustPurchase(t, svc, "", simpleLot(p.ID, "5", "120"))
	sale, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("2"), Unit: "kg"})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ret, err := svc.ProcessReturn(context.Background(), domain.ReturnRequest{
		InvoiceID:    sale.InvoiceID,
		RefundMethod: "credit",
		Lines:        []domain.ReturnLineRequest{{ProductID: p.ID, Quantity: dec("500"), Unit: "g"}},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	assertDecimal(t, "refund", "60", ret.TotalRefund)
	assertDecimal(t, "base", "0.5", ret.Lines[0].BaseQuantity)
	assertRemaining(t, repo, p.ID, "3.5")
}

func TestPurchaseReturnCreatesSupplierCredit(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	sup := mustSupplier(t, svc, "Acme Traders")
	p := mustProduct(t, svc, "Glue", "pcs")
	purchase := mustPurchase(t, svc, sup.ID, domain.PurchaseLineRequest{ProductID: p.ID, Quantity: dec("10"), PurchasePrice: dec("50"), RetailPrice: dec("70")})
	lotID := purchase.Lots[0].ID

	resp, err := svc.RecordPurchaseReturn(context.Background(), domain.PurchaseReturnRequest{LotID: lotID, Quantity: dec("4"), RefundMethod: "credit"})
	if err != nil {
		t.Fatalf("purchase return failed: %v", err)
	}
	if resp.PurchaseReturnID != "PRET-2026-000001" || resp.CreditID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	assertDecimal(t, "amount", "200", resp.Amount)
	assertRemaining(t, repo, p.ID, "6")

	balance, err := svc.SupplierCreditBalance(context.Background(), sup.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	assertDecimal(t, "balance", "200", balance.Balance)
	if len(balance.Credits) != 1 || !balance.Credits[0].RemainingAmount.Equal(balance.Credits[0].CreditAmount) {
		t.Fatalf("expected one untouched credit, got %+v", balance.Credits)
	}

	_, err = svc.RecordPurchaseReturn(context.Background(), domain.PurchaseReturnRequest{LotID: lotID, Quantity: dec("7"), RefundMethod: "credit"})
	if !errors.Is(err, ledger.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	cash, err := svc.RecordPurchaseReturn(context.Background(), domain.PurchaseReturnRequest{LotID: lotID, Quantity: dec("1"), RefundMethod: "cash"})
	if err != nil {
		t.Fatalf("cash purchase return failed: %v", err)
	}
	if cash.CreditID != "" {
		t.Fatalf("cash refund must not open a credit")
	}
	balance, _ = svc.SupplierCreditBalance(context.Background(), sup.ID)
	assertDecimal(t, "balance", "200", balance.Balance)
}

func TestPurchaseReturnCreditNeedsSupplier(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Tape", "pcs")
	purchase := mustPurchase(t, svc, "", simpleLot(p.ID, "5", "9"))

	_, err := svc.RecordPurchaseReturn(context.Background(), domain.PurchaseReturnRequest{LotID: purchase.Lots[0].ID, Quantity: dec("1")})
	if !errors.Is(err, ledger.ErrInvalidLine) {
		t.Fatalf("expected invalid line, got %v", err)
	}
	assertRemaining(t, repo, p.ID, "5")
}

func TestRecordPurchaseResolvesPackaging(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Matches", "pcs")

	purchase := mustPurchase(t, svc, "", domain.PurchaseLineRequest{
		ProductID: p.ID, PurchasePrice: dec("1"), RetailPrice: dec("2"),
		Packaging: &domain.Packaging{Kind: ledger.PackagingCarton, PackagingInputs: ledger.PackagingInputs{
			Cartons: dec("2"), BoxesPerCarton: dec("10"), PiecesPerBox: dec("24"),
		}},
	})
	lot := purchase.Lots[0]
	assertDecimal(t, "purchased", "480", lot.QuantityPurchased)
	assertDecimal(t, "pieces per box", "24", lot.PiecesPerBox)

	_, err := svc.RecordPurchase(context.Background(), domain.PurchaseRequest{Lines: []domain.PurchaseLineRequest{{
		ProductID: p.ID, RetailPrice: dec("2"),
		Packaging: &domain.Packaging{Kind: ledger.PackagingCarton, PackagingInputs: ledger.PackagingInputs{Cartons: dec("2")}},
	}}})
	if !errors.Is(err, ledger.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity for unresolvable packaging, got %v", err)
	}
}

func TestResolveWeightAndQuote(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Lentils", "kg")
	mustPurchase(t, svc, "", simpleLot(p.ID, "20", "200"))

	w, err := svc.ResolveWeight(context.Background(), domain.WeightRequest{ProductID: p.ID, Amount: dec("50"), Unit: "g"})
	if err != nil {
		t.Fatalf("resolve weight failed: %v", err)
	}
	assertDecimal(t, "grams", "250", w.Quantity)

	_, err = svc.ResolveWeight(context.Background(), domain.WeightRequest{Amount: dec("50"), Unit: "g"})
	if !errors.Is(err, ledger.ErrConfiguration) {
		t.Fatalf("expected configuration error without a price, got %v", err)
	}

	q, err := svc.QuotePrice(context.Background(), domain.PriceQuoteRequest{ProductID: p.ID, Quantity: dec("1.5"), Unit: "kg"})
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	assertDecimal(t, "quote", "300", q.LineTotal)
}

func TestAuditLogRecordsTerminal(t *testing.T) {
	svc, _ := newTestService(t, RestockOrigin)
	ctx := WithTerminal(context.Background(), "till-3")
	if _, err := svc.CreateSupplier(ctx, domain.SupplierCreateRequest{Name: "Northwind"}); err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "2026-03-01", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].TerminalID != "till-3" || logs[0].Action != "supplier_create" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

type recordingCache struct {
	mu          sync.Mutex
	values      map[string]decimal.Decimal
	invalidated []string
}

func (c *recordingCache) Get(_ context.Context, productID string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[productID]
	return v, ok, nil
}

func (c *recordingCache) Set(_ context.Context, productID string, qty decimal.Decimal, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[productID] = qty
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, productIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range productIDs {
		delete(c.values, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

func TestStockCacheIsDroppedAfterCommit(t *testing.T) {
	repo := memory.New()
	stockCache := &recordingCache{values: map[string]decimal.Decimal{}}
	svc := New(repo, Options{StockCache: stockCache})
	p := mustProduct(t, svc, "Candle", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "8", "4"))

	stock, err := svc.GetAvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "stock", "8", stock.Quantity)
	if _, ok := stockCache.values[p.ID]; !ok {
		t.Fatalf("expected stock to be cached")
	}

	if _, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("3")}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, ok := stockCache.values[p.ID]; ok {
		t.Fatalf("expected checkout to drop the cached stock")
	}
	stock, err = svc.GetAvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "stock", "5", stock.Quantity)
}

// pausingRepo holds the next AvailableStock call after it has read the lots
// until release is closed.
type pausingRepo struct {
	*memory.Store
	hold    atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newPausingRepo() *pausingRepo {
	return &pausingRepo{Store: memory.New(), read: make(chan struct{}), release: make(chan struct{})}
}

func (r *pausingRepo) AvailableStock(ctx context.Context, productID string) (decimal.Decimal, error) {
	qty, err := r.Store.AvailableStock(ctx, productID)
	if r.hold.CompareAndSwap(true, false) {
		r.read <- struct{}{}
		<-r.release
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, ctxErr
		}
	}
	return qty, err
}

func TestStockReadOverlappingCommitIsNotCached(t *testing.T) {
	repo := newPausingRepo()
	stockCache := &recordingCache{values: map[string]decimal.Decimal{}}
	svc := New(repo, Options{StockCache: stockCache})
	p := mustProduct(t, svc, "Lantern", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "8", "4"))

	repo.hold.Store(true)
	type result struct {
		stock domain.StockResponse
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stock, err := svc.GetAvailableStock(context.Background(), p.ID)
		done <- result{stock, err}
	}()

	<-repo.read
	if _, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("3")}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	close(repo.release)

	first := <-done
	if first.err != nil {
		t.Fatalf("stock: %v", first.err)
	}
	assertDecimal(t, "snapshot read before the sale", "8", first.stock.Quantity)

	stockCache.mu.Lock()
	cached, ok := stockCache.values[p.ID]
	stockCache.mu.Unlock()
	if ok {
		t.Fatalf("stock read before the sale must not be cached, found %s", cached.String())
	}

	stock, err := svc.GetAvailableStock(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	assertDecimal(t, "stock", "5", stock.Quantity)
	assertRemaining(t, repo, p.ID, "5")
}

func TestStockReadSurvivesCallerCancellation(t *testing.T) {
	repo := newPausingRepo()
	svc := New(repo, Options{})
	p := mustProduct(t, svc, "Torch", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "6", "4"))

	repo.hold.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.GetAvailableStock(ctx, p.ID)
		done <- err
	}()

	<-repo.read
	cancel()
	close(repo.release)

	if err := <-done; err != nil {
		t.Fatalf("shared stock read failed after its first caller left: %v", err)
	}
}

func TestCheckoutPricesSplitLineAtOldestLot(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Soap", "pcs")
	mustPurchase(t, svc, "", simpleLot(p.ID, "5", "10"))
	mustPurchase(t, svc, "", simpleLot(p.ID, "5", "12"))

	resp, err := checkout(svc, domain.PaymentCard, "", domain.CartLine{ProductID: p.ID, Quantity: dec("7")})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	line := resp.Lines[0]
	if len(line.Allocations) != 2 {
		t.Fatalf("expected the line to span two lots, got %+v", line.Allocations)
	}
	assertDecimal(t, "rate", "10", line.Rate)
	assertDecimal(t, "line total", "70", line.LineTotal)
	assertRemaining(t, repo, p.ID, "0", "3")
}

func TestImportPurchaseReportsSheetRows(t *testing.T) {
	svc, repo := newTestService(t, RestockOrigin)
	p := mustProduct(t, svc, "Rope", "pcs")

	// Row 3 of the sheet was blank and never reached the service.
	rows := []domain.PurchaseImportRow{
		{Row: 2, Line: simpleLot(p.ID, "4", "3")},
		{Row: 4, Line: domain.PurchaseLineRequest{ProductID: p.ID, Quantity: dec("2"), PurchasePrice: dec("1")}},
	}
	_, err := svc.ImportPurchase(context.Background(), "", "INV-77", rows)
	var lineErr *ledger.LineError
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected a line error, got %v", err)
	}
	if lineErr.Line != 4 {
		t.Fatalf("expected sheet row 4, got line %d", lineErr.Line)
	}
	if len(remaining(t, repo, p.ID)) != 0 {
		t.Fatalf("failed import must not leave lots behind")
	}

	_, err = svc.ImportPurchase(context.Background(), "", "INV-78", []domain.PurchaseImportRow{
		{Row: 6, Barcode: "8990001", Line: domain.PurchaseLineRequest{Quantity: dec("1"), RetailPrice: dec("2")}},
	})
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected a line error, got %v", err)
	}
	if lineErr.Line != 6 || lineErr.ProductID != "" {
		t.Fatalf("expected row 6 with no product, got %+v", lineErr)
	}
	if !errors.Is(err, ledger.ErrInvalidLine) {
		t.Fatalf("expected invalid line, got %v", err)
	}
}
