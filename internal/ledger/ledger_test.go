package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "expected %s, got %s", want, got.String())
}

func TestResolvePackagingTotal(t *testing.T) {
	cases := []struct {
		name string
		kind PackagingKind
		in   PackagingInputs
		want string
	}{
		{"carton", PackagingCarton, PackagingInputs{Cartons: d("2"), BoxesPerCarton: d("10"), PiecesPerBox: d("24")}, "480"},
		{"box", PackagingBox, PackagingInputs{Boxes: d("3"), PiecesPerBox: d("12")}, "36"},
		{"pack", PackagingPack, PackagingInputs{Count: d("4"), PiecesPerItem: d("6")}, "24"},
		{"bag fractional", PackagingBag, PackagingInputs{Count: d("1.5"), PiecesPerItem: d("10")}, "15"},
		{"carton missing pieces", PackagingCarton, PackagingInputs{Cartons: d("2"), BoxesPerCarton: d("10")}, "0"},
		{"box negative", PackagingBox, PackagingInputs{Boxes: d("-1"), PiecesPerBox: d("12")}, "0"},
		{"unknown kind", PackagingKind("crate"), PackagingInputs{Count: d("1"), PiecesPerItem: d("1")}, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireDecimal(t, tc.want, ResolvePackagingTotal(tc.kind, tc.in))
		})
	}
}

func TestWeightFromCurrencyAmount(t *testing.T) {
	grams, err := WeightFromCurrencyAmount(d("50"), d("200"), UnitGram)
	require.NoError(t, err)
	requireDecimal(t, "250", grams)

	kg, err := WeightFromCurrencyAmount(d("100"), d("300"), UnitKilogram)
	require.NoError(t, err)
	requireDecimal(t, "0.333", kg)

	_, err = WeightFromCurrencyAmount(d("50"), decimal.Zero, UnitGram)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = WeightFromCurrencyAmount(d("-1"), d("200"), UnitGram)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestToBaseUnits(t *testing.T) {
	requireDecimal(t, "0.25", ToBaseUnits(d("250"), UnitGram, decimal.Zero))
	requireDecimal(t, "36", ToBaseUnits(d("3"), UnitBox, d("12")))
	requireDecimal(t, "7", ToBaseUnits(d("7"), UnitPiece, d("12")))
	requireDecimal(t, "1.5", ToBaseUnits(d("1.5"), UnitKilogram, decimal.Zero))
}

func TestParseUnit(t *testing.T) {
	u, ok := ParseUnit(" Grams ")
	require.True(t, ok)
	assert.Equal(t, UnitGram, u)
	assert.Equal(t, UnitKilogram, u.BaseUnit())

	u, ok = ParseUnit("")
	require.True(t, ok)
	assert.Equal(t, UnitPiece, u)

	_, ok = ParseUnit("litre")
	assert.False(t, ok)
}

func TestResolveRateWholesaleThreshold(t *testing.T) {
	terms := PriceTerms{Retail: d("10"), Wholesale: d("8"), WholesaleMinQty: d("50")}

	q := ResolveRate(terms, UnitPiece, d("60"))
	assert.Equal(t, TierWholesale, q.Tier)
	requireDecimal(t, "8", q.Rate)
	requireDecimal(t, "480", q.LineTotal(d("60")))

	q = ResolveRate(terms, UnitPiece, d("50"))
	assert.Equal(t, TierWholesale, q.Tier)

	q = ResolveRate(terms, UnitPiece, d("49"))
	assert.Equal(t, TierRetail, q.Tier)
	requireDecimal(t, "10", q.Rate)
}

func TestResolveRateNeedsBothWholesaleFields(t *testing.T) {
	q := ResolveRate(PriceTerms{Retail: d("10"), Wholesale: d("8")}, UnitPiece, d("1000"))
	assert.Equal(t, TierRetail, q.Tier)

	q = ResolveRate(PriceTerms{Retail: d("10"), WholesaleMinQty: d("5")}, UnitPiece, d("1000"))
	assert.Equal(t, TierRetail, q.Tier)
}

func TestResolveRateGramsAndBoxes(t *testing.T) {
	perKg := PriceTerms{Retail: d("200")}
	q := ResolveRate(perKg, UnitGram, d("0.25"))
	requireDecimal(t, "0.2", q.Rate)
	requireDecimal(t, "50", q.LineTotal(d("250")))

	withBox := PriceTerms{Retail: d("10"), BoxPrice: d("110"), PiecesPerBox: d("12")}
	q = ResolveRate(withBox, UnitBox, d("24"))
	assert.Equal(t, TierBox, q.Tier)
	requireDecimal(t, "220", q.LineTotal(d("2")))

	noBox := PriceTerms{Retail: d("10"), PiecesPerBox: d("12")}
	q = ResolveRate(noBox, UnitBox, d("12"))
	assert.Equal(t, TierRetail, q.Tier)
	requireDecimal(t, "120", q.Rate)
}

func threeLots() []LotBalance {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	return []LotBalance{
		{LotID: "lot-3", Seq: 3, CreatedAt: base.Add(2 * time.Hour), Purchased: d("5"), Remaining: d("5")},
		{LotID: "lot-1", Seq: 1, CreatedAt: base, Purchased: d("5"), Remaining: d("5")},
		{LotID: "lot-2", Seq: 2, CreatedAt: base.Add(time.Hour), Purchased: d("5"), Remaining: d("5")},
	}
}

func remainingByLot(lots []LotBalance) map[string]string {
	out := make(map[string]string, len(lots))
	for _, lot := range lots {
		out[lot.LotID] = lot.Remaining.String()
	}
	return out
}

func TestPlanConsumptionOldestFirst(t *testing.T) {
	lots := threeLots()

	plan, err := PlanConsumption("p1", lots, d("7"))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "lot-1", plan[0].LotID)
	requireDecimal(t, "5", plan[0].Quantity)
	assert.Equal(t, "lot-2", plan[1].LotID)
	requireDecimal(t, "2", plan[1].Quantity)

	after := Apply(lots, plan, -1)
	assert.Equal(t, map[string]string{"lot-1": "0", "lot-2": "3", "lot-3": "5"}, remainingByLot(after))
	requireDecimal(t, "8", Available(after))
}

func TestPlanConsumptionTieBreaksOnSeq(t *testing.T) {
	at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	lots := []LotBalance{
		{LotID: "b", Seq: 2, CreatedAt: at, Purchased: d("1"), Remaining: d("1")},
		{LotID: "a", Seq: 1, CreatedAt: at, Purchased: d("1"), Remaining: d("1")},
	}
	plan, err := PlanConsumption("p1", lots, d("1"))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "a", plan[0].LotID)
}

func TestPlanConsumptionInsufficient(t *testing.T) {
	lots := threeLots()

	_, err := PlanConsumption("p1", lots, d("16"))
	require.ErrorIs(t, err, ErrInsufficientStock)

	var detail *InsufficientStockError
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, "p1", detail.ProductID)
	requireDecimal(t, "15", detail.Available)
	requireDecimal(t, "16", detail.Requested)

	_, err = PlanConsumption("p1", lots, decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlanConsumptionToleratesDecimalNoise(t *testing.T) {
	lots := []LotBalance{{LotID: "a", Seq: 1, Purchased: d("1"), Remaining: d("0.9999995")}}
	plan, err := PlanConsumption("p1", lots, d("1"))
	require.NoError(t, err)
	requireDecimal(t, "0.9999995", SumAllocations(plan))
}

func TestPlanRestockReversesNewestConsumptionFirst(t *testing.T) {
	origin := []Allocation{{LotID: "lot-1", Quantity: d("5")}, {LotID: "lot-2", Quantity: d("2")}}

	plan, unplaced := PlanRestock(origin, nil, d("3"))
	require.True(t, unplaced.IsZero())
	require.Len(t, plan, 2)
	assert.Equal(t, "lot-2", plan[0].LotID)
	requireDecimal(t, "2", plan[0].Quantity)
	assert.Equal(t, "lot-1", plan[1].LotID)
	requireDecimal(t, "1", plan[1].Quantity)

	plan, unplaced = PlanRestock(origin, plan, d("4"))
	require.True(t, unplaced.IsZero())
	require.Len(t, plan, 1)
	assert.Equal(t, "lot-1", plan[0].LotID)
	requireDecimal(t, "4", plan[0].Quantity)
	requireDecimal(t, "1", unplacedAfter(origin, d("8")))
}

func unplacedAfter(origin []Allocation, qty decimal.Decimal) decimal.Decimal {
	_, unplaced := PlanRestock(origin, nil, qty)
	return unplaced
}

func TestConsumeThenRestockRoundTrip(t *testing.T) {
	lots := threeLots()
	before := Available(lots)

	plan, err := PlanConsumption("p1", lots, d("7"))
	require.NoError(t, err)
	consumed := Apply(lots, plan, -1)

	restock, unplaced := PlanRestock(plan, nil, d("7"))
	require.True(t, unplaced.IsZero())
	restored := Apply(consumed, restock, +1)
	requireDecimal(t, before.String(), Available(restored))
	assert.Equal(t, remainingByLot(lots), remainingByLot(restored))

	latest, err := PlanReplenishLatest("p1", consumed, d("7"))
	require.NoError(t, err)
	viaLatest := Apply(consumed, latest, +1)
	requireDecimal(t, before.String(), Available(viaLatest))
}

func TestPlanReplenishLatestSpillsWhenLatestIsFull(t *testing.T) {
	lots := Apply(threeLots(), []Allocation{{LotID: "lot-1", Quantity: d("5")}, {LotID: "lot-3", Quantity: d("1")}}, -1)

	plan, err := PlanReplenishLatest("p1", lots, d("3"))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "lot-3", plan[0].LotID)
	requireDecimal(t, "1", plan[0].Quantity)
	assert.Equal(t, "lot-1", plan[1].LotID)
	requireDecimal(t, "2", plan[1].Quantity)

	_, err = PlanReplenishLatest("p1", lots, d("7"))
	require.ErrorIs(t, err, ErrOverReturn)
}

func TestComputeTotalsDiscountBeforeTax(t *testing.T) {
	totals, err := ComputeTotals(d("480"), Adjustments{DiscountAmount: d("30"), TaxPercent: d("10")})
	require.NoError(t, err)
	requireDecimal(t, "30", totals.Discount)
	requireDecimal(t, "45", totals.Tax)
	requireDecimal(t, "495", totals.GrandTotal)

	totals, err = ComputeTotals(d("100"), Adjustments{DiscountPercent: d("12.5"), TaxPercent: d("11")})
	require.NoError(t, err)
	requireDecimal(t, "12.5", totals.Discount)
	requireDecimal(t, "97.13", totals.Rounded().GrandTotal)

	totals, err = ComputeTotals(d("10"), Adjustments{DiscountAmount: d("25")})
	require.NoError(t, err)
	requireDecimal(t, "0", totals.GrandTotal)

	_, err = ComputeTotals(d("10"), Adjustments{TaxPercent: d("101")})
	require.ErrorIs(t, err, ErrInvalidPayment)
}

func TestLineErrorUnwraps(t *testing.T) {
	err := NewLineError(2, "p9", ErrInvalidQuantity, "quantity must be positive")
	require.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Contains(t, err.Error(), "line 2 (product p9)")
}
