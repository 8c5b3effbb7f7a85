package positions

import (
	"slices"
)

// PriceSource supplies reference prices. Lookups are synchronous and are
// expected to be pre-fetched by the caller; the engine performs no I/O
// through this interface.
type PriceSource interface {
	// PriceOf returns the last known price of the instrument on or before
	// the date, and false when none is known.
	PriceOf(instrument string, on Date) (Money, bool)
}

type pricePoint struct {
	on    Date
	price Money
}

// PriceTable is an in-memory PriceSource backed by per-instrument sorted
// price histories. It is the engine's test double and the CLI's carrier for
// pre-fetched reference prices.
type PriceTable struct {
	prices map[string][]pricePoint
}

// NewPriceTable creates an empty table.
func NewPriceTable() *PriceTable {
	return &PriceTable{prices: make(map[string][]pricePoint)}
}

// Add records a price observation, replacing any prior observation for the
// same day.
func (t *PriceTable) Add(instrument string, on Date, price Money) {
	history := t.prices[instrument]
	i, found := slices.BinarySearchFunc(history, on, func(p pricePoint, d Date) int {
		return p.on.Compare(d)
	})
	if found {
		history[i].price = price
		return
	}
	history = slices.Insert(history, i, pricePoint{on: on, price: price})
	t.prices[instrument] = history
}

// PriceOf implements PriceSource with as-of semantics.
func (t *PriceTable) PriceOf(instrument string, on Date) (Money, bool) {
	history := t.prices[instrument]
	i, found := slices.BinarySearchFunc(history, on, func(p pricePoint, d Date) int {
		return p.on.Compare(d)
	})
	if found {
		return history[i].price, true
	}
	if i == 0 {
		return Money{}, false
	}
	return history[i-1].price, true
}

var _ PriceSource = (*PriceTable)(nil)

// PriceRecord is the canonical wire form of one price observation, used by
// the JSONL codec.
type PriceRecord struct {
	Instrument string `json:"instrument_id"`
	Date       Date   `json:"date"`
	Price      Money  `json:"price"`
}

// NewPriceTableFromRecords builds a table from canonical price records.
func NewPriceTableFromRecords(records []PriceRecord) *PriceTable {
	t := NewPriceTable()
	for _, r := range records {
		t.Add(r.Instrument, r.Date, r.Price)
	}
	return t
}
