package positions

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds the engine reports. Components
// return richer typed errors that match these with errors.Is.
var (
	// ErrInsufficientQuantity means a close asked for more quantity than
	// the open lots hold. Fatal to the pair's replay.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrUnknownPrice means no price is known for an instrument on a date
	// with a nonzero position. Reported as a gap, never fatal.
	ErrUnknownPrice = errors.New("unknown instrument price")

	// ErrInvalidSnapshot means a holding snapshot is malformed. The
	// snapshot is excluded from comparison.
	ErrInvalidSnapshot = errors.New("invalid holding snapshot")

	// ErrNoConvergence means the money-weighted return solver did not
	// converge. The time-weighted series is still returned.
	ErrNoConvergence = errors.New("money-weighted return did not converge")

	// ErrUnknownLot means a specific-id close named a lot that does not
	// exist in the ledger.
	ErrUnknownLot = errors.New("unknown lot")
)

// InsufficientQuantityError reports an oversell with the offending
// transaction.
type InsufficientQuantityError struct {
	TransactionID string
	Account       string
	Instrument    string
	Requested     Quantity
	Available     Quantity
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("transaction %s: cannot close %s of %s/%s, only %s open",
		e.TransactionID, e.Requested, e.Account, e.Instrument, e.Available)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// UnknownPriceError reports a valuation gap.
type UnknownPriceError struct {
	Instrument string
	On         Date
}

func (e *UnknownPriceError) Error() string {
	return fmt.Sprintf("no price for %s on %s", e.Instrument, e.On)
}

func (e *UnknownPriceError) Unwrap() error { return ErrUnknownPrice }

// InvalidSnapshotError reports a malformed holding snapshot.
type InvalidSnapshotError struct {
	Account    string
	Instrument string
	Reason     string
}

func (e *InvalidSnapshotError) Error() string {
	return fmt.Sprintf("snapshot for %s/%s: %s", e.Account, e.Instrument, e.Reason)
}

func (e *InvalidSnapshotError) Unwrap() error { return ErrInvalidSnapshot }

// NoConvergenceError reports a failed IRR solve.
type NoConvergenceError struct {
	Iterations int
	LastRate   float64
}

func (e *NoConvergenceError) Error() string {
	return fmt.Sprintf("irr solver stopped after %d iterations at rate %g", e.Iterations, e.LastRate)
}

func (e *NoConvergenceError) Unwrap() error { return ErrNoConvergence }
