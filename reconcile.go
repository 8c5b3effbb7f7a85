package positions

import (
	"errors"
	"slices"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ReconciliationEngine compares derived positions against externally
// reported holding snapshots and emits a Discrepancy per field outside
// tolerance. A mismatch is never an error; only malformed input is.
type ReconciliationEngine struct {
	cfg Config
	log zerolog.Logger
}

// NewReconciliationEngine creates a reconciliation engine.
func NewReconciliationEngine(cfg Config, logger zerolog.Logger) *ReconciliationEngine {
	return &ReconciliationEngine{
		cfg: cfg,
		log: logger.With().Str("component", "reconciliation").Logger(),
	}
}

// reconKey addresses one comparison cell.
type reconKey struct {
	Key
	on Date
}

// Reconcile compares derived holdings against reported snapshots at each
// reported valuation date. The derived side is read as of the valuation date
// (the last emitted position on or before it): a custodian statement is a
// point-in-time view of the whole history, not of one day's activity, so
// dates the custodian never reported are not compared at all.
//
// reportedDates lists every valuation date the custodian reported for the
// account, including dates whose file does not mention this instrument; an
// instrument the replay holds on such a date with no snapshot for it is a
// derived-only break. Dates carried by the snapshots themselves are always
// included. Quantity is always compared; market value and cost basis only
// when the snapshot carries them (custodian files are often quantity-only).
// A cell missing on one side is reported with the missing side null.
//
// Malformed snapshots (negative quantity, unset valuation date) are logged,
// excluded from comparison, and surfaced in the joined error return; valid
// input still reconciles.
func (r *ReconciliationEngine) Reconcile(positions []Position, snapshots []HoldingSnapshot, reportedDates []Date) ([]Discrepancy, error) {
	var invalid error
	reported := make(map[reconKey]HoldingSnapshot)
	dates := slices.Clone(reportedDates)
	for _, s := range snapshots {
		if err := validateSnapshot(s); err != nil {
			r.log.Warn().Err(err).Msg("snapshot excluded from reconciliation")
			invalid = errors.Join(invalid, err)
			continue
		}
		reported[reconKey{Key{s.Account, s.Instrument}, s.ValuationDate}] = s
		dates = append(dates, s.ValuationDate)
	}
	slices.SortFunc(dates, Date.Compare)
	dates = slices.Compact(dates)

	history := make(map[Key][]Position)
	for _, p := range positions {
		k := Key{p.Account, p.Instrument}
		history[k] = append(history[k], p)
	}
	for _, h := range history {
		slices.SortFunc(h, func(a, b Position) int { return a.AsOf.Compare(b.AsOf) })
	}

	qtyTol := r.cfg.quantityTol()

	cellSet := make(map[reconKey]struct{}, len(reported))
	cells := make([]reconKey, 0, len(reported))
	for k := range reported {
		cellSet[k] = struct{}{}
		cells = append(cells, k)
	}
	for k, h := range history {
		for _, d := range dates {
			ck := reconKey{k, d}
			if _, ok := cellSet[ck]; ok {
				continue
			}
			// The custodian reported this date but omitted the
			// instrument; only a held position makes that a break.
			if p, ok := positionAsOf(h, d); ok && p.Quantity.Decimal().Abs().GreaterThan(qtyTol) {
				cellSet[ck] = struct{}{}
				cells = append(cells, ck)
			}
		}
	}
	slices.SortFunc(cells, func(a, b reconKey) int {
		if c := compareKey(a.Key, b.Key); c != 0 {
			return c
		}
		return a.on.Compare(b.on)
	})

	var out []Discrepancy
	for _, k := range cells {
		snap, haveSnap := reported[k]
		pos, havePos := positionAsOf(history[k.Key], k.on)

		switch {
		case havePos && haveSnap:
			out = append(out, r.compare(k, pos, snap, qtyTol)...)
		case havePos:
			out = append(out, r.oneSided(k, FieldQuantity, nullDec(pos.Quantity.Decimal()), decimal.NullDecimal{}))
		case haveSnap:
			// Custodian reports a holding the replay never produced.
			if snap.Quantity.Decimal().Abs().GreaterThan(qtyTol) {
				out = append(out, r.oneSided(k, FieldQuantity, decimal.NullDecimal{}, nullDec(snap.Quantity.Decimal())))
			}
		}
	}
	return out, invalid
}

// positionAsOf returns the last position emitted on or before the date.
func positionAsOf(history []Position, on Date) (Position, bool) {
	i, found := slices.BinarySearchFunc(history, on, func(p Position, d Date) int {
		return p.AsOf.Compare(d)
	})
	if found {
		return history[i], true
	}
	if i == 0 {
		return Position{}, false
	}
	return history[i-1], true
}

func validateSnapshot(s HoldingSnapshot) error {
	if s.ValuationDate.IsZero() {
		return &InvalidSnapshotError{Account: s.Account, Instrument: s.Instrument, Reason: "valuation date is unset"}
	}
	if s.Quantity.IsNegative() {
		return &InvalidSnapshotError{Account: s.Account, Instrument: s.Instrument, Reason: "quantity is negative"}
	}
	return nil
}

// compare checks the three fields of one matched cell.
func (r *ReconciliationEngine) compare(k reconKey, pos Position, snap HoldingSnapshot, qtyTol decimal.Decimal) []Discrepancy {
	var out []Discrepancy

	if d, ok := r.diff(k, FieldQuantity, pos.Quantity.Decimal(), snap.Quantity.Decimal(), qtyTol); ok {
		out = append(out, d)
	}

	currency := snap.Currency
	if currency == "" {
		currency = pos.MarketValue.Currency()
	}
	valTol := r.cfg.valueTol(currency)

	if snap.MarketValue.Valid && !pos.Unpriced {
		if d, ok := r.diff(k, FieldMarketValue, pos.MarketValue.Decimal(), snap.MarketValue.Decimal, valTol); ok {
			out = append(out, d)
		}
	}
	if snap.CostBasis.Valid {
		if d, ok := r.diff(k, FieldCostBasis, pos.CostBasis.Decimal(), snap.CostBasis.Decimal, valTol); ok {
			out = append(out, d)
		}
	}
	return out
}

// diff reports a discrepancy when |actual - expected| exceeds the tolerance.
func (r *ReconciliationEngine) diff(k reconKey, field DiscrepancyField, expected, actual, tolerance decimal.Decimal) (Discrepancy, bool) {
	delta := actual.Sub(expected)
	if delta.Abs().LessThanOrEqual(tolerance) {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Account:    k.Account,
		Instrument: k.Instrument,
		Date:       k.on,
		Field:      field,
		Expected:   nullDec(expected),
		Actual:     nullDec(actual),
		Delta:      delta,
		Magnitude:  delta.Abs(),
	}, true
}

// oneSided reports a cell present on only one side. The delta treats the
// missing side as zero so the magnitude reflects the full exposure.
func (r *ReconciliationEngine) oneSided(k reconKey, field DiscrepancyField, expected, actual decimal.NullDecimal) Discrepancy {
	delta := actual.Decimal.Sub(expected.Decimal)
	return Discrepancy{
		Account:    k.Account,
		Instrument: k.Instrument,
		Date:       k.on,
		Field:      field,
		Expected:   expected,
		Actual:     actual,
		Delta:      delta,
		Magnitude:  delta.Abs(),
	}
}
