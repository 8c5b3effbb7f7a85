package positions

import "fmt"

// actionKey deduplicates corporate actions: an action is applied at most once
// per (instrument, effective date, type), regardless of replay order.
type actionKey struct {
	instrument string
	on         Date
	typ        ActionType
}

// CorporateActionAdjuster rewrites outstanding lots for splits and mergers.
// Application is idempotent: the adjuster keeps an applied-actions set and
// re-applying the same action is a no-op.
type CorporateActionAdjuster struct {
	applied map[actionKey]struct{}
}

// NewCorporateActionAdjuster creates an adjuster with an empty applied set.
func NewCorporateActionAdjuster() *CorporateActionAdjuster {
	return &CorporateActionAdjuster{applied: make(map[actionKey]struct{})}
}

// Applied reports whether the action has already been applied.
func (c *CorporateActionAdjuster) Applied(a CorporateAction) bool {
	_, ok := c.applied[actionKey{a.Instrument, a.EffectiveDate, a.Type}]
	return ok
}

// Apply rewrites the open lots of the action's instrument. ledgers maps
// instrument IDs to the account's ledgers; a merger needs both the acquired
// and the acquiring ledger present.
//
// For a split with ratio r, every open lot's quantities multiply by r and its
// unit cost divides by r: quantity × unit cost is unchanged. No rounding
// takes place; fractional shares are kept exact.
//
// For a merger, every open lot of the acquired instrument closes with zero
// realized PnL (a basis-transfer event is returned for audit), and a new lot
// opens in the acquiring instrument with quantity × ShareRatio shares
// carrying the full transferred cost basis and the original open date.
func (c *CorporateActionAdjuster) Apply(a CorporateAction, ledgers map[string]*LotLedger) ([]RealizedPnlEvent, error) {
	if err := validateAction(a); err != nil {
		return nil, err
	}
	key := actionKey{a.Instrument, a.EffectiveDate, a.Type}
	if _, ok := c.applied[key]; ok {
		return nil, nil
	}

	ledger := ledgers[a.Instrument]
	if ledger == nil {
		// Nothing held; the action is still recorded as applied.
		c.applied[key] = struct{}{}
		return nil, nil
	}

	var events []RealizedPnlEvent
	switch a.Type {
	case ActionSplit:
		ratio := a.Ratio()
		for _, lot := range ledger.OpenLots() {
			lot.Original = lot.Original.Mul(ratio)
			lot.Remaining = lot.Remaining.Mul(ratio)
			lot.UnitCost = lot.UnitCost.Div(ratio)
		}

	case ActionMerger:
		acquirer := ledgers[a.Acquirer]
		if acquirer == nil {
			return nil, fmt.Errorf("merger of %s on %s: no ledger for acquirer %s", a.Instrument, a.EffectiveDate, a.Acquirer)
		}
		txID := fmt.Sprintf("merger-%s-%s", a.Instrument, a.EffectiveDate)
		for _, lot := range ledger.OpenLots() {
			quantity := lot.Remaining
			basis := lot.CostBasis()

			closed, err := ledger.CloseBasisTransfer(txID, a.EffectiveDate, quantity, SpecificID, lot.ID)
			if err != nil {
				return nil, fmt.Errorf("merger of %s on %s: %w", a.Instrument, a.EffectiveDate, err)
			}
			events = append(events, closed...)

			newQuantity := quantity.Mul(a.ShareRatio)
			unitCost := basis.Div(newQuantity)
			// The open date carries over so the holding period survives
			// the merger.
			if _, err := acquirer.Open(lot.OpenDate, newQuantity, unitCost, lot.Currency); err != nil {
				return nil, fmt.Errorf("merger of %s on %s: %w", a.Instrument, a.EffectiveDate, err)
			}
		}
	}

	c.applied[key] = struct{}{}
	return events, nil
}
