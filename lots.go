package positions

import (
	"fmt"
	"slices"
)

// Lot is a single acquisition of an instrument, tracked separately for
// realized-PnL purposes. A lot whose remaining quantity reaches zero is
// closed and immutable, but it stays addressable for audit.
type Lot struct {
	ID         int      `json:"lot_id"`
	Account    string   `json:"account_id"`
	Instrument string   `json:"instrument_id"`
	OpenDate   Date     `json:"open_date"`
	Original   Quantity `json:"original_quantity"`
	Remaining  Quantity `json:"remaining_quantity"`
	UnitCost   Money    `json:"unit_cost_basis"`
	Currency   string   `json:"currency"`
}

// Closed reports whether the lot is fully consumed.
func (l *Lot) Closed() bool { return l.Remaining.IsZero() }

// CostBasis returns the cost of the remaining quantity.
func (l *Lot) CostBasis() Money { return l.UnitCost.Mul(l.Remaining) }

// LotLedger is the stack of lots of one (account, instrument) pair.
//
// Lots live in an append-only arena and never move: the lot ID is its
// position in the arena (starting at 1), only the remaining quantity of a lot
// ever changes. The ledger is owned by a single replay goroutine and is not
// safe for concurrent use; pair isolation is the engine's job.
type LotLedger struct {
	account    string
	instrument string
	lots       []*Lot
}

// NewLotLedger creates an empty ledger for one (account, instrument) pair.
func NewLotLedger(account, instrument string) *LotLedger {
	return &LotLedger{account: account, instrument: instrument}
}

func (l *LotLedger) Account() string    { return l.account }
func (l *LotLedger) Instrument() string { return l.instrument }

// Open creates a new lot. Quantity and unit cost must not be negative.
func (l *LotLedger) Open(on Date, quantity Quantity, unitCost Money, currency string) (*Lot, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("open lot for %s/%s on %s: quantity %s is not positive", l.account, l.instrument, on, quantity)
	}
	if unitCost.IsNegative() {
		return nil, fmt.Errorf("open lot for %s/%s on %s: unit cost %s is negative", l.account, l.instrument, on, unitCost)
	}
	lot := &Lot{
		ID:         len(l.lots) + 1,
		Account:    l.account,
		Instrument: l.instrument,
		OpenDate:   on,
		Original:   quantity,
		Remaining:  quantity,
		UnitCost:   unitCost,
		Currency:   currency,
	}
	l.lots = append(l.lots, lot)
	return lot, nil
}

// Lot returns the lot with the given ID, open or closed.
func (l *LotLedger) Lot(id int) (*Lot, bool) {
	if id < 1 || id > len(l.lots) {
		return nil, false
	}
	return l.lots[id-1], true
}

// Lots returns every lot ever opened, in arena order. For audit.
func (l *LotLedger) Lots() []*Lot { return l.lots }

// OpenLots returns the lots with remaining quantity, in arena order.
func (l *LotLedger) OpenLots() []*Lot {
	var open []*Lot
	for _, lot := range l.lots {
		if !lot.Closed() {
			open = append(open, lot)
		}
	}
	return open
}

// Remaining returns the total open quantity across lots.
func (l *LotLedger) Remaining() Quantity {
	total := Q(0)
	for _, lot := range l.lots {
		total = total.Add(lot.Remaining)
	}
	return total
}

// CostBasis returns the total cost of the open quantity.
func (l *LotLedger) CostBasis() Money {
	var total Money
	for _, lot := range l.lots {
		if !lot.Closed() {
			total = total.Add(lot.CostBasis())
		}
	}
	return total
}

// candidates returns the open lots in consumption order for a rule.
// For SpecificID, lotID names the single lot to consume.
func (l *LotLedger) candidates(rule MatchingRule, lotID int) ([]*Lot, error) {
	if rule == SpecificID {
		lot, ok := l.Lot(lotID)
		if !ok {
			return nil, fmt.Errorf("%w: lot %d in %s/%s", ErrUnknownLot, lotID, l.account, l.instrument)
		}
		return []*Lot{lot}, nil
	}

	open := l.OpenLots()
	switch rule {
	case FIFO:
		slices.SortStableFunc(open, func(a, b *Lot) int {
			if c := a.OpenDate.Compare(b.OpenDate); c != 0 {
				return c
			}
			return a.ID - b.ID
		})
	case LIFO:
		slices.SortStableFunc(open, func(a, b *Lot) int {
			if c := b.OpenDate.Compare(a.OpenDate); c != 0 {
				return c
			}
			return b.ID - a.ID
		})
	case HighestCost:
		slices.SortStableFunc(open, func(a, b *Lot) int {
			if c := b.UnitCost.Decimal().Cmp(a.UnitCost.Decimal()); c != 0 {
				return c
			}
			return a.ID - b.ID
		})
	default:
		return nil, fmt.Errorf("unknown matching rule %v", rule)
	}
	return open, nil
}

// Close consumes quantity from the open lots per the matching rule and
// returns one RealizedPnlEvent per consumed lot. unitProceeds is the net
// sale price per unit. Partial lot consumption is legal; a lot reaching zero
// is closed but retained.
//
// Close fails with ErrInsufficientQuantity when the requested quantity
// exceeds the total remaining (or, for SpecificID, the named lot's
// remaining), leaving the ledger untouched.
func (l *LotLedger) Close(txID string, on Date, quantity Quantity, unitProceeds Money, rule MatchingRule, lotID int) ([]RealizedPnlEvent, error) {
	return l.close(txID, on, quantity, rule, lotID, func(lot *Lot, consumed Quantity) (proceeds Money) {
		return unitProceeds.Mul(consumed)
	}, false)
}

// CloseBasisTransfer consumes quantity with proceeds equal to the consumed
// cost basis, realizing no gain. Used for outbound transfers and merger
// terms.
func (l *LotLedger) CloseBasisTransfer(txID string, on Date, quantity Quantity, rule MatchingRule, lotID int) ([]RealizedPnlEvent, error) {
	return l.close(txID, on, quantity, rule, lotID, func(lot *Lot, consumed Quantity) (proceeds Money) {
		return lot.UnitCost.Mul(consumed)
	}, true)
}

func (l *LotLedger) close(txID string, on Date, quantity Quantity, rule MatchingRule, lotID int, proceedsOf func(*Lot, Quantity) Money, basisTransfer bool) ([]RealizedPnlEvent, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("close on %s/%s: quantity %s is not positive", l.account, l.instrument, quantity)
	}

	lots, err := l.candidates(rule, lotID)
	if err != nil {
		return nil, err
	}

	available := Q(0)
	for _, lot := range lots {
		available = available.Add(lot.Remaining)
	}
	if available.LessThan(quantity) {
		return nil, &InsufficientQuantityError{
			TransactionID: txID,
			Account:       l.account,
			Instrument:    l.instrument,
			Requested:     quantity,
			Available:     available,
		}
	}

	var events []RealizedPnlEvent
	toClose := quantity
	for _, lot := range lots {
		if toClose.IsZero() {
			break
		}
		consumed := lot.Remaining
		if consumed.GreaterThan(toClose) {
			consumed = toClose
		}
		lot.Remaining = lot.Remaining.Sub(consumed)
		toClose = toClose.Sub(consumed)

		cost := lot.UnitCost.Mul(consumed)
		proceeds := proceedsOf(lot, consumed)
		events = append(events, RealizedPnlEvent{
			TransactionID:     txID,
			Account:           l.account,
			Instrument:        l.instrument,
			LotID:             lot.ID,
			QuantityClosed:    consumed,
			Proceeds:          proceeds,
			CostBasisConsumed: cost,
			RealizedPnl:       proceeds.Sub(cost),
			RealizeDate:       on,
			BasisTransfer:     basisTransfer,
		})
	}
	return events, nil
}
