package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Epsilon absorbs decimal noise in quantity comparisons so that it never
// produces a false InsufficientStock or OverReturn.
var Epsilon = decimal.New(1, -6)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds an amount for persistence or display. Intermediate math
// stays unrounded.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// Exceeds reports whether requested is larger than limit by more than Epsilon.
func Exceeds(requested, limit decimal.Decimal) bool {
	return requested.GreaterThan(limit.Add(Epsilon))
}

// SnapZero turns values within Epsilon of zero into exactly zero.
func SnapZero(d decimal.Decimal) decimal.Decimal {
	if d.Abs().LessThanOrEqual(Epsilon) {
		return decimal.Zero
	}
	return d
}

// Adjustments are the cart level inputs applied on top of line totals.
type Adjustments struct {
	DiscountAmount  decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
}

// Totals of a sale. Discount comes off the subtotal first and tax is charged
// on what is left.
type Totals struct {
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	TaxPercent decimal.Decimal
	Tax        decimal.Decimal
	GrandTotal decimal.Decimal
}

// ComputeTotals applies adj to subtotal. The discount is capped at the
// subtotal.
func ComputeTotals(subtotal decimal.Decimal, adj Adjustments) (Totals, error) {
	if adj.DiscountAmount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: discount must not be negative", ErrInvalidPayment)
	}
	if adj.DiscountPercent.IsNegative() || adj.DiscountPercent.GreaterThan(hundred) {
		return Totals{}, fmt.Errorf("%w: discount percent must be between 0 and 100", ErrInvalidPayment)
	}
	if adj.TaxPercent.IsNegative() || adj.TaxPercent.GreaterThan(hundred) {
		return Totals{}, fmt.Errorf("%w: tax percent must be between 0 and 100", ErrInvalidPayment)
	}

	discount := adj.DiscountAmount.Add(subtotal.Mul(adj.DiscountPercent).Div(hundred))
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(adj.TaxPercent).Div(hundred)

	return Totals{
		Subtotal:   subtotal,
		Discount:   discount,
		TaxPercent: adj.TaxPercent,
		Tax:        tax,
		GrandTotal: taxable.Add(tax),
	}, nil
}

// Rounded returns the totals rounded for persistence.
func (t Totals) Rounded() Totals {
	return Totals{
		Subtotal:   RoundMoney(t.Subtotal),
		Discount:   RoundMoney(t.Discount),
		TaxPercent: t.TaxPercent,
		Tax:        RoundMoney(t.Tax),
		GrandTotal: RoundMoney(t.GrandTotal),
	}
}
