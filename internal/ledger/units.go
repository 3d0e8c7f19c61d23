package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit is the unit a quantity was entered in.
type Unit string

const (
	UnitPiece    Unit = "pcs"
	UnitKilogram Unit = "kg"
	UnitGram     Unit = "g"
	UnitBox      Unit = "box"
)

var unitAliases = map[string]Unit{
	"":          UnitPiece,
	"pc":        UnitPiece,
	"pcs":       UnitPiece,
	"piece":     UnitPiece,
	"pieces":    UnitPiece,
	"kg":        UnitKilogram,
	"kgs":       UnitKilogram,
	"kilogram":  UnitKilogram,
	"kilograms": UnitKilogram,
	"g":         UnitGram,
	"gr":        UnitGram,
	"gram":      UnitGram,
	"grams":     UnitGram,
	"box":       UnitBox,
	"boxes":     UnitBox,
}

// ParseUnit normalizes a user supplied unit. An empty string means pieces.
func ParseUnit(raw string) (Unit, bool) {
	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(raw))]
	return u, ok
}

// BaseUnit reports the unit ledger arithmetic happens in for a sale unit:
// grams are kept in kilograms and boxes in pieces.
func (u Unit) BaseUnit() Unit {
	switch u {
	case UnitGram, UnitKilogram:
		return UnitKilogram
	default:
		return UnitPiece
	}
}

// IsBase reports whether u is one of the two base units.
func (u Unit) IsBase() bool {
	return u == UnitPiece || u == UnitKilogram
}

// PackagingKind names a purchase packaging description.
type PackagingKind string

const (
	PackagingCarton PackagingKind = "carton"
	PackagingBox    PackagingKind = "box"
	PackagingPack   PackagingKind = "pack"
	PackagingBag    PackagingKind = "bag"
)

// ParsePackagingKind normalizes a packaging kind.
func ParsePackagingKind(raw string) (PackagingKind, error) {
	kind := PackagingKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case PackagingCarton, PackagingBox, PackagingPack, PackagingBag:
		return kind, nil
	}
	return "", fmt.Errorf("%w: unknown packaging kind %q", ErrInvalidLine, raw)
}

// PackagingInputs holds the counts a purchase form collects. Only the fields
// relevant to the packaging kind are read.
type PackagingInputs struct {
	Cartons        decimal.Decimal `json:"cartons"`
	BoxesPerCarton decimal.Decimal `json:"boxes_per_carton"`
	Boxes          decimal.Decimal `json:"boxes"`
	PiecesPerBox   decimal.Decimal `json:"pieces_per_box"`
	Count          decimal.Decimal `json:"count"`
	PiecesPerItem  decimal.Decimal `json:"pieces_per_item"`
}

// ResolvePackagingTotal turns a packaging description into base pieces.
//
//	carton:    cartons * boxesPerCarton * piecesPerBox
//	box:       boxes * piecesPerBox
//	pack, bag: count * piecesPerItem
//
// A missing or non-positive input, or an unknown kind, yields zero. Callers
// must treat zero as "not resolvable" and never apply it to stock.
func ResolvePackagingTotal(kind PackagingKind, in PackagingInputs) decimal.Decimal {
	switch kind {
	case PackagingCarton:
		return positiveProduct(in.Cartons, in.BoxesPerCarton, in.PiecesPerBox)
	case PackagingBox:
		return positiveProduct(in.Boxes, in.PiecesPerBox)
	case PackagingPack, PackagingBag:
		return positiveProduct(in.Count, in.PiecesPerItem)
	}
	return decimal.Zero
}

func positiveProduct(factors ...decimal.Decimal) decimal.Decimal {
	total := decimal.NewFromInt(1)
	for _, f := range factors {
		if !f.IsPositive() {
			return decimal.Zero
		}
		total = total.Mul(f)
	}
	return total
}

const weightPlaces = 3

var thousand = decimal.NewFromInt(1000)

// WeightFromCurrencyAmount answers "how much does Rs. amount buy" for a product
// priced per kilogram. The result is in grams when unit is UnitGram and in
// kilograms otherwise, rounded to three decimals.
func WeightFromCurrencyAmount(amount, pricePerKg decimal.Decimal, unit Unit) (decimal.Decimal, error) {
	if !pricePerKg.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price per kg must be positive, got %s", ErrConfiguration, pricePerKg.String())
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amount must not be negative", ErrInvalidQuantity)
	}
	weightKg := amount.Div(pricePerKg)
	if unit == UnitGram {
		return weightKg.Mul(thousand).Round(weightPlaces), nil
	}
	return weightKg.Round(weightPlaces), nil
}

// ToBaseUnits converts a sale quantity to the base unit: grams become
// kilograms, boxes become pieces using the lot's pieces per box, everything
// else passes through unchanged.
func ToBaseUnits(qty decimal.Decimal, unit Unit, piecesPerBox decimal.Decimal) decimal.Decimal {
	switch unit {
	case UnitGram:
		return qty.Div(thousand)
	case UnitBox:
		return qty.Mul(piecesPerBox)
	default:
		return qty
	}
}
