// Package ledger holds the stock ledger rules that do not touch storage:
// packaging and unit conversion, retail/wholesale rate resolution, FIFO lot
// consumption and its reversal, and sale totals.
//
// All quantities and amounts are decimals. Quantities are in a product's base
// unit (pieces or kilograms) unless a function says otherwise, and money is
// rounded to two places only when it is persisted.
package ledger
