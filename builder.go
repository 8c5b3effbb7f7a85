package positions

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// quantityPoint is one entry of an instrument's quantity history.
type quantityPoint struct {
	on       Date
	quantity Quantity
}

// BuildResult is the output of one replay: the derived position snapshots,
// the realized-PnL ledger, the non-dividend cash flows, and the final lot
// state for audit.
type BuildResult struct {
	Account   string
	Positions []Position
	Realized  []RealizedPnlEvent
	Flows     []CashFlow

	// Warnings are the non-fatal gaps of the replay, unknown prices
	// chiefly. Reported, never fatal.
	Warnings []error

	ledgers    map[string]*LotLedger
	quantities map[string][]quantityPoint
}

// Ledger returns the final lot ledger of an instrument, nil when the replay
// never touched it.
func (r *BuildResult) Ledger(instrument string) *LotLedger {
	return r.ledgers[instrument]
}

// QuantityAt returns the quantity held in an instrument at end of day.
func (r *BuildResult) QuantityAt(instrument string, on Date) Quantity {
	history := r.quantities[instrument]
	i, found := slices.BinarySearchFunc(history, on, func(p quantityPoint, d Date) int {
		return p.on.Compare(d)
	})
	if found {
		return history[i].quantity
	}
	if i == 0 {
		return Q(0)
	}
	return history[i-1].quantity
}

// PositionBuilder replays ordered transactions and corporate actions into
// daily positions and realized-PnL events.
//
// A builder run covers one account and the set of instruments that must
// replay together (instruments linked by a merger share lot state; anything
// else is a set of one). Replay is strictly sequential within a run; the
// engine isolates runs from each other.
type PositionBuilder struct {
	cfg    Config
	prices PriceSource
	log    zerolog.Logger
}

// NewPositionBuilder creates a builder. prices must not be nil.
func NewPositionBuilder(cfg Config, prices PriceSource, logger zerolog.Logger) *PositionBuilder {
	return &PositionBuilder{
		cfg:    cfg,
		prices: prices,
		log:    logger.With().Str("component", "position_builder").Logger(),
	}
}

// Build replays the transactions and actions of one account group in
// ascending (effective date, sequence) order, applying each corporate action
// before any same-day transaction. It emits a Position per touched
// instrument at every date with transaction activity, at every requested
// snapshot date, and at to.
//
// Positions dated before from are computed (replay needs full history) but
// not emitted. On a fatal error the partial result built so far is returned
// alongside the error.
//
// Replaying the same inputs always yields identical output: sorting is
// stable on the total order (date, sequence) and lot IDs are arena indices.
func (b *PositionBuilder) Build(account string, txs []Transaction, actions []CorporateAction, from, to Date, snapshotDates []Date) (*BuildResult, error) {
	res := &BuildResult{
		Account:    account,
		ledgers:    make(map[string]*LotLedger),
		quantities: make(map[string][]quantityPoint),
	}

	ordered := slices.Clone(txs)
	slices.SortStableFunc(ordered, compareTx)

	orderedActions := slices.Clone(actions)
	slices.SortStableFunc(orderedActions, func(a, b CorporateAction) int {
		if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
			return c
		}
		if a.Instrument != b.Instrument {
			if a.Instrument < b.Instrument {
				return -1
			}
			return 1
		}
		return 0
	})

	// The replay walks the union of all dates that can change or observe
	// state.
	dates := b.timeline(ordered, orderedActions, snapshotDates, to)

	adjuster := NewCorporateActionAdjuster()
	requested := make(map[Date]struct{}, len(snapshotDates))
	for _, d := range snapshotDates {
		requested[d] = struct{}{}
	}
	if !to.IsZero() {
		requested[to] = struct{}{}
	}

	ti, ai := 0, 0
	for _, d := range dates {
		if !to.IsZero() && d.After(to) {
			break
		}

		// Corporate actions apply before any same-day transaction.
		for ai < len(orderedActions) && !orderedActions[ai].EffectiveDate.After(d) {
			a := orderedActions[ai]
			ai++
			b.ledgerFor(res, a.Instrument)
			if a.Type == ActionMerger {
				b.ledgerFor(res, a.Acquirer)
			}
			events, err := adjuster.Apply(a, res.ledgers)
			if err != nil {
				return res, fmt.Errorf("corporate action on %s: %w", a.EffectiveDate, err)
			}
			res.Realized = append(res.Realized, events...)
			b.log.Debug().Str("instrument", a.Instrument).Stringer("on", a.EffectiveDate).Str("type", string(a.Type)).Msg("applied corporate action")
		}

		touched := make(map[string]struct{})
		for ti < len(ordered) && ordered[ti].EffectiveDate() == d {
			tx := ordered[ti]
			ti++
			if err := b.apply(res, tx, touched); err != nil {
				return res, err
			}
		}

		// Record end-of-day quantities for every instrument whose state
		// could have moved today.
		_, snapshotDue := requested[d]
		for instrument, ledger := range res.ledgers {
			_, wasTouched := touched[instrument]
			if !wasTouched && !b.actionToday(orderedActions, ai, d, instrument) {
				// Splits rewrite quantity too; cheap to re-record on
				// action days only for touched ledgers otherwise.
				if !snapshotDue {
					continue
				}
			}
			res.quantities[instrument] = append(res.quantities[instrument], quantityPoint{on: d, quantity: ledger.Remaining()})
		}

		if len(touched) > 0 || snapshotDue {
			b.emit(res, d, touched, snapshotDue, from)
		}
	}

	return res, nil
}

// actionToday reports whether an already-applied action (index < ai) was
// effective on d for the instrument.
func (b *PositionBuilder) actionToday(actions []CorporateAction, ai int, d Date, instrument string) bool {
	for i := ai - 1; i >= 0; i-- {
		if actions[i].EffectiveDate.Before(d) {
			return false
		}
		if actions[i].Instrument == instrument || actions[i].Acquirer == instrument {
			return true
		}
	}
	return false
}

// timeline returns the sorted distinct dates the replay must visit.
func (b *PositionBuilder) timeline(txs []Transaction, actions []CorporateAction, snapshotDates []Date, to Date) []Date {
	seen := make(map[Date]struct{})
	var dates []Date
	add := func(d Date) {
		if d.IsZero() {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	for _, tx := range txs {
		add(tx.EffectiveDate())
	}
	for _, a := range actions {
		add(a.EffectiveDate)
	}
	for _, d := range snapshotDates {
		add(d)
	}
	add(to)
	slices.SortFunc(dates, Date.Compare)
	return dates
}

func (b *PositionBuilder) ledgerFor(res *BuildResult, instrument string) *LotLedger {
	if instrument == "" {
		return nil
	}
	ledger, ok := res.ledgers[instrument]
	if !ok {
		ledger = NewLotLedger(res.Account, instrument)
		res.ledgers[instrument] = ledger
	}
	return ledger
}

// apply replays one transaction against the group state.
func (b *PositionBuilder) apply(res *BuildResult, tx Transaction, touched map[string]struct{}) error {
	d := tx.EffectiveDate()
	ledger := b.ledgerFor(res, tx.Instrument)
	if ledger == nil {
		return fmt.Errorf("transaction %s: instrument is missing", tx.ID)
	}

	switch tx.Action {
	case Buy, TransferIn:
		quantity := tx.Quantity
		if !quantity.IsPositive() {
			return fmt.Errorf("transaction %s: %s quantity %s is not positive", tx.ID, tx.Action, quantity)
		}
		// Fees and taxes capitalize into the cost basis.
		total := tx.Price.Mul(quantity).Add(tx.Fees).Add(tx.Taxes)
		unitCost := total.Div(quantity)
		if _, err := ledger.Open(d, quantity, unitCost, tx.Currency); err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		res.Flows = append(res.Flows, CashFlow{
			Account:    res.Account,
			Instrument: tx.Instrument,
			Date:       d,
			Amount:     total,
			Type:       FlowExternal,
		})
		touched[tx.Instrument] = struct{}{}

	case Sell:
		quantity := tx.Quantity.Abs()
		if quantity.IsZero() {
			return fmt.Errorf("transaction %s: sell quantity is zero", tx.ID)
		}
		// Fees and taxes net out of the proceeds.
		net := tx.Price.Mul(quantity).Sub(tx.Fees).Sub(tx.Taxes)
		unitProceeds := net.Div(quantity)
		events, err := ledger.Close(tx.ID, d, quantity, unitProceeds, b.cfg.MatchingRule, tx.Lot)
		if err != nil {
			return err
		}
		res.Realized = append(res.Realized, events...)
		res.Flows = append(res.Flows, CashFlow{
			Account:    res.Account,
			Instrument: tx.Instrument,
			Date:       d,
			Amount:     net.Neg(),
			Type:       FlowExternal,
		})
		touched[tx.Instrument] = struct{}{}

	case TransferOut:
		quantity := tx.Quantity.Abs()
		if quantity.IsZero() {
			return fmt.Errorf("transaction %s: transfer-out quantity is zero", tx.ID)
		}
		events, err := ledger.CloseBasisTransfer(tx.ID, d, quantity, b.cfg.MatchingRule, tx.Lot)
		if err != nil {
			return err
		}
		res.Realized = append(res.Realized, events...)
		var basis Money
		for _, e := range events {
			basis = basis.Add(e.CostBasisConsumed)
		}
		res.Flows = append(res.Flows, CashFlow{
			Account:    res.Account,
			Instrument: tx.Instrument,
			Date:       d,
			Amount:     basis.Neg(),
			Type:       FlowExternal,
		})
		touched[tx.Instrument] = struct{}{}

	case SplitAdjust:
		// Broker-reported share-count adjustment: scale the open lots so
		// the new total matches, preserving cost basis, the same rewrite
		// a split performs.
		remaining := ledger.Remaining()
		if remaining.IsZero() {
			b.log.Warn().Str("transaction", tx.ID).Str("instrument", tx.Instrument).Msg("split adjustment on empty position skipped")
			return nil
		}
		target := remaining.Add(tx.Quantity)
		if !target.IsPositive() {
			return fmt.Errorf("transaction %s: split adjustment to %s is not positive", tx.ID, target)
		}
		factor := target.Div(remaining)
		for _, lot := range ledger.OpenLots() {
			lot.Original = lot.Original.Mul(factor)
			lot.Remaining = lot.Remaining.Mul(factor)
			lot.UnitCost = lot.UnitCost.Div(factor)
		}
		touched[tx.Instrument] = struct{}{}

	case Fee:
		amount := tx.Fees
		if amount.IsZero() {
			amount = tx.Price
		}
		res.Flows = append(res.Flows, CashFlow{
			Account:    res.Account,
			Instrument: tx.Instrument,
			Date:       d,
			Amount:     amount,
			Type:       FlowFee,
		})

	case DividendTx, Tax:
		// Dividend cash and withholding belong to the accrual tracker;
		// they never touch lots.

	default:
		return fmt.Errorf("transaction %s: unknown action %q", tx.ID, tx.Action)
	}
	return nil
}

// emit appends position snapshots for date d. When snapshotDue, every known
// instrument is snapshotted; otherwise only the touched ones.
func (b *PositionBuilder) emit(res *BuildResult, d Date, touched map[string]struct{}, snapshotDue bool, from Date) {
	if !from.IsZero() && d.Before(from) {
		return
	}

	instruments := make([]string, 0, len(res.ledgers))
	for instrument := range res.ledgers {
		if !snapshotDue {
			if _, ok := touched[instrument]; !ok {
				continue
			}
		}
		instruments = append(instruments, instrument)
	}
	slices.Sort(instruments)

	for _, instrument := range instruments {
		pos, warn := b.snapshot(res.ledgers[instrument], d)
		if warn != nil {
			res.Warnings = append(res.Warnings, warn)
			b.log.Warn().Str("instrument", instrument).Stringer("on", d).Msg("position left unpriced")
		}
		res.Positions = append(res.Positions, pos)
	}
}

// snapshot marks one ledger to market. A nonzero position with no known
// price is flagged unpriced and reported as a warning, not zeroed silently.
func (b *PositionBuilder) snapshot(ledger *LotLedger, d Date) (Position, error) {
	quantity := ledger.Remaining()
	cost := ledger.CostBasis()

	pos := Position{
		Account:    ledger.Account(),
		Instrument: ledger.Instrument(),
		AsOf:       d,
		Quantity:   quantity,
		CostBasis:  cost,
	}

	price, ok := b.prices.PriceOf(ledger.Instrument(), d)
	if !ok {
		if quantity.IsZero() {
			return pos, nil
		}
		pos.Unpriced = true
		return pos, &UnknownPriceError{Instrument: ledger.Instrument(), On: d}
	}

	pos.MarketValue = price.Mul(quantity)
	pos.UnrealizedPnl = pos.MarketValue.Sub(cost)
	if !cost.IsZero() {
		pct := pos.UnrealizedPnl.Decimal().Div(cost.Decimal())
		pos.UnrealizedPnlPct = decimal.NullDecimal{Decimal: pct, Valid: true}
	}
	return pos, nil
}
