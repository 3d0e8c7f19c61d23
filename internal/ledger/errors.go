package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors of the stock ledger. Every one of them rejects the whole
// operation; none of them leaves a partial write behind.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrOverReturn        = errors.New("return exceeds returnable quantity")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidLine       = errors.New("invalid line")
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidPayment    = errors.New("invalid payment")
)

// InsufficientStockError reports which product could not be served and by how much.
type InsufficientStockError struct {
	ProductID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %s, available %s",
		e.ProductID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// OverReturnError reports a return line asking for more than is still returnable.
// Quantities are in the product's base unit.
type OverReturnError struct {
	ProductID  string
	Requested  decimal.Decimal
	Returnable decimal.Decimal
}

func (e *OverReturnError) Error() string {
	return fmt.Sprintf("return for product %s exceeds returnable quantity: requested %s, returnable %s",
		e.ProductID, e.Requested.String(), e.Returnable.String())
}

func (e *OverReturnError) Unwrap() error { return ErrOverReturn }

// LineError ties a validation failure to a 1-based line of a request.
type LineError struct {
	Line      int
	ProductID string
	Err       error
}

func (e *LineError) Error() string {
	if e.ProductID == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d (product %s): %v", e.Line, e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// NewLineError builds a LineError wrapping err with an optional detail message.
func NewLineError(line int, productID string, err error, detail string) error {
	if detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return &LineError{Line: line, ProductID: productID, Err: err}
}
