package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LotBalance is the part of a stock lot the FIFO walk needs.
type LotBalance struct {
	LotID     string
	Seq       int64
	CreatedAt time.Time
	Purchased decimal.Decimal
	Remaining decimal.Decimal
}

// Headroom is how much can be put back before the lot is full again.
func (l LotBalance) Headroom() decimal.Decimal {
	h := l.Purchased.Sub(l.Remaining)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// Allocation is an amount of base units taken from, or put back into, a lot.
type Allocation struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// SortFIFO orders lots oldest first. Lots created in the same instant keep
// the order they were inserted in.
func SortFIFO(lots []LotBalance) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.LotID < b.LotID
	})
}

// Available sums the remaining quantity of lots that still hold stock.
func Available(lots []LotBalance) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		if lot.Remaining.IsPositive() {
			total = total.Add(lot.Remaining)
		}
	}
	return total
}

// FirstAvailable returns the oldest lot with stock left, the lot a sale draws
// from first.
func FirstAvailable(lots []LotBalance) (LotBalance, bool) {
	ordered := append([]LotBalance(nil), lots...)
	SortFIFO(ordered)
	for _, lot := range ordered {
		if lot.Remaining.GreaterThan(Epsilon) {
			return lot, true
		}
	}
	return LotBalance{}, false
}

// PlanConsumption decides how qty base units are taken from lots, oldest
// first. It does not modify lots. When the lots cannot cover qty it returns an
// *InsufficientStockError and no plan.
func PlanConsumption(productID string, lots []LotBalance, qty decimal.Decimal) ([]Allocation, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: consumption of %s", ErrInvalidQuantity, qty.String())
	}

	available := Available(lots)
	if Exceeds(qty, available) {
		return nil, &InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	ordered := append([]LotBalance(nil), lots...)
	SortFIFO(ordered)

	needed := qty
	plan := make([]Allocation, 0, 2)
	for _, lot := range ordered {
		if !needed.GreaterThan(Epsilon) {
			break
		}
		if !lot.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(lot.Remaining, needed)
		plan = append(plan, Allocation{LotID: lot.LotID, Quantity: take})
		needed = needed.Sub(take)
	}
	return plan, nil
}

// Apply returns a copy of lots with the allocations subtracted (sign -1) or
// added back (sign +1). Quantities within Epsilon of zero snap to zero.
func Apply(lots []LotBalance, plan []Allocation, sign int) []LotBalance {
	index := make(map[string]int, len(lots))
	out := append([]LotBalance(nil), lots...)
	for i, lot := range out {
		index[lot.LotID] = i
	}
	for _, a := range plan {
		i, ok := index[a.LotID]
		if !ok {
			continue
		}
		if sign < 0 {
			out[i].Remaining = SnapZero(out[i].Remaining.Sub(a.Quantity))
		} else {
			out[i].Remaining = out[i].Remaining.Add(a.Quantity)
		}
	}
	return out
}

// PlanRestock reverses a sale's consumption. origin holds the allocations the
// sale took, restored what earlier returns already put back. The newest
// consumption is reversed first. Whatever cannot be matched to an origin lot
// is returned as unplaced.
func PlanRestock(origin, restored []Allocation, qty decimal.Decimal) ([]Allocation, decimal.Decimal) {
	order := make([]string, 0, len(origin))
	outstanding := make(map[string]decimal.Decimal, len(origin))
	for _, a := range origin {
		if _, seen := outstanding[a.LotID]; !seen {
			order = append(order, a.LotID)
		}
		outstanding[a.LotID] = outstanding[a.LotID].Add(a.Quantity)
	}
	for _, a := range restored {
		if cur, ok := outstanding[a.LotID]; ok {
			outstanding[a.LotID] = cur.Sub(a.Quantity)
		}
	}

	needed := qty
	plan := make([]Allocation, 0, 2)
	for i := len(order) - 1; i >= 0 && needed.GreaterThan(Epsilon); i-- {
		lotID := order[i]
		open := outstanding[lotID]
		if !open.GreaterThan(Epsilon) {
			continue
		}
		take := decimal.Min(open, needed)
		plan = append(plan, Allocation{LotID: lotID, Quantity: take})
		needed = needed.Sub(take)
	}
	return plan, SnapZero(needed)
}

// PlanReplenishLatest puts qty back into the most recently created lot. When
// that lot would overflow its purchased quantity, the rest goes to the next
// newest lot with room.
func PlanReplenishLatest(productID string, lots []LotBalance, qty decimal.Decimal) ([]Allocation, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: replenishment of %s", ErrInvalidQuantity, qty.String())
	}
	ordered := append([]LotBalance(nil), lots...)
	SortFIFO(ordered)

	needed := qty
	plan := make([]Allocation, 0, 1)
	for i := len(ordered) - 1; i >= 0 && needed.GreaterThan(Epsilon); i-- {
		room := ordered[i].Headroom()
		if !room.IsPositive() {
			continue
		}
		take := decimal.Min(room, needed)
		plan = append(plan, Allocation{LotID: ordered[i].LotID, Quantity: take})
		needed = needed.Sub(take)
	}
	if needed.GreaterThan(Epsilon) {
		return nil, fmt.Errorf("%w: no lot of product %s can take back %s more", ErrOverReturn, productID, needed.String())
	}
	return plan, nil
}

// SumAllocations totals the quantities of plan.
func SumAllocations(plan []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range plan {
		total = total.Add(a.Quantity)
	}
	return total
}
