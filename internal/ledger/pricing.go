package ledger

import "github.com/shopspring/decimal"

// PriceTier tells which price a line was charged at.
type PriceTier string

const (
	TierRetail    PriceTier = "retail"
	TierWholesale PriceTier = "wholesale"
	TierBox       PriceTier = "box"
)

// PriceTerms are the selling prices a lot carries. Retail and Wholesale are
// per base unit (piece or kilogram); BoxPrice is per box.
type PriceTerms struct {
	Retail          decimal.Decimal
	Wholesale       decimal.Decimal
	WholesaleMinQty decimal.Decimal
	BoxPrice        decimal.Decimal
	PiecesPerBox    decimal.Decimal
}

// Quote is a resolved price for one cart line.
type Quote struct {
	Tier PriceTier
	// BaseRate is the retail or wholesale price per base unit.
	BaseRate decimal.Decimal
	// Rate is the price per unit the line was entered in.
	Rate decimal.Decimal
}

// LineTotal is the unrounded amount for qty entered units.
func (q Quote) LineTotal(qty decimal.Decimal) decimal.Decimal {
	return q.Rate.Mul(qty)
}

// WholesaleApplies reports whether baseQty reaches the wholesale threshold.
func (t PriceTerms) WholesaleApplies(baseQty decimal.Decimal) bool {
	return t.Wholesale.IsPositive() &&
		t.WholesaleMinQty.IsPositive() &&
		baseQty.Add(Epsilon).GreaterThanOrEqual(t.WholesaleMinQty)
}

// ResolveRate picks the price for a line of baseQty base units entered in unit.
//
// Wholesale is charged when both the wholesale price and its minimum quantity
// are set and the line reaches the minimum; otherwise retail. A gram line pays
// the per-kg rate divided by 1000. A box line pays the lot's box price when it
// has one and the per-piece rate times pieces per box when it does not.
func ResolveRate(terms PriceTerms, unit Unit, baseQty decimal.Decimal) Quote {
	q := Quote{Tier: TierRetail, BaseRate: terms.Retail}
	if terms.WholesaleApplies(baseQty) {
		q.Tier = TierWholesale
		q.BaseRate = terms.Wholesale
	}

	switch unit {
	case UnitGram:
		q.Rate = q.BaseRate.Div(thousand)
	case UnitBox:
		if terms.BoxPrice.IsPositive() {
			q.Tier = TierBox
			q.Rate = terms.BoxPrice
		} else {
			q.Rate = q.BaseRate.Mul(terms.PiecesPerBox)
		}
	default:
		q.Rate = q.BaseRate
	}
	return q
}
