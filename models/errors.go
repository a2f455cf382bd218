package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrOverReturn             = errors.New("over return")
	ErrInconsistentLedger     = errors.New("inconsistent ledger")
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrLotNotFound             = errors.New("purchase lot not found")
	ErrSkuNotFound             = errors.New("sku not found")
	ErrSkuAlreadyExists        = errors.New("sku already exists")
	ErrDuplicateLotCode        = errors.New("purchase lot code already exists")
	ErrInvalidQuantity         = errors.New("quantity must be greater than zero")
	ErrInsufficientSkuQuantity = errors.New("insufficient sku quantity")
	ErrInvalidLotSelection     = errors.New("invalid lot selection")
	ErrPolicyOverride          = errors.New("destroy reason does not allow a lot selection")
	ErrLedgerImmutable         = errors.New("ledger entries are append-only")
	ErrLotImmutable            = errors.New("purchase lot facts are immutable")
	ErrEmptyRecipe             = errors.New("material recipe is required")
	ErrBrokenLogChain          = errors.New("sku inventory log chain is broken")
)

// InsufficientStockError names the lot that cannot supply the requested consumption.
type InsufficientStockError struct {
	LotId     int
	LotCode   string
	Required  int
	Remaining int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on lot %s (id=%d): required %d, remaining %d",
		e.LotCode, e.LotId, e.Required, e.Remaining)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// OverReturnError names the lot whose requested return exceeds what the destroyed units consumed.
type OverReturnError struct {
	LotId     int
	Requested int
	Allowed   int
}

func (e *OverReturnError) Error() string {
	return fmt.Sprintf("over return on lot id=%d: requested %d, at most %d may be returned",
		e.LotId, e.Requested, e.Allowed)
}

func (e *OverReturnError) Unwrap() error { return ErrOverReturn }

// InconsistentLedgerError is raised to the alert channel, never used to rewrite the ledger.
type InconsistentLedgerError struct {
	LotId           int
	InitialQuantity int
	NetUsed         int
}

func (e *InconsistentLedgerError) Error() string {
	return fmt.Sprintf("inconsistent ledger on lot id=%d: net used %d against initial quantity %d",
		e.LotId, e.NetUsed, e.InitialQuantity)
}

func (e *InconsistentLedgerError) Unwrap() error { return ErrInconsistentLedger }

// ConcurrentModificationError wraps lock/version conflicts so callers can retry once.
func ConcurrentModificationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConcurrentModification, fmt.Sprintf(format, args...))
}
