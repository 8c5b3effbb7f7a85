package positions

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TxAction identifies the kind of a canonical transaction.
type TxAction string

const (
	Buy         TxAction = "BUY"
	Sell        TxAction = "SELL"
	DividendTx  TxAction = "DIVIDEND"
	Fee         TxAction = "FEE"
	Tax         TxAction = "TAX"
	SplitAdjust TxAction = "SPLIT_ADJUST"
	TransferIn  TxAction = "TRANSFER_IN"
	TransferOut TxAction = "TRANSFER_OUT"
)

// opensLots reports whether the action creates lots in the ledger.
func (a TxAction) opensLots() bool { return a == Buy || a == TransferIn }

// closesLots reports whether the action consumes lots from the ledger.
func (a TxAction) closesLots() bool { return a == Sell || a == TransferOut }

// Instrument is an immutable reference entity owned by the reference-data
// collaborator. The ledger references instruments by ID only.
type Instrument struct {
	ID         string `json:"instrument_id"`
	AssetClass string `json:"asset_class,omitempty"`
	Currency   string `json:"currency"`
}

// Transaction is a canonical, normalized transaction record. It is immutable
// once ingested: the engine only derives state from it.
type Transaction struct {
	ID         string   `json:"transaction_id"`
	Account    string   `json:"account_id"`
	Instrument string   `json:"instrument_id"`
	TradeDate  Date     `json:"trade_date"`
	SettleDate Date     `json:"settle_date,omitzero"`
	Seq        int64    `json:"sequence_no"`
	Action     TxAction `json:"action"`
	Quantity   Quantity `json:"quantity"`          // signed, positive = increase
	Price      Money    `json:"price"`             // per unit, instrument currency
	Fees       Money    `json:"fees,omitzero"`
	Taxes      Money    `json:"taxes,omitzero"`
	Currency   string   `json:"currency"`
	Lot        int      `json:"lot,omitempty"` // lot selector for the specific-id matching rule
}

// EffectiveDate is the replay date of the transaction: the trade date, or the
// settlement date when no trade date was reported.
func (t Transaction) EffectiveDate() Date {
	if t.TradeDate.IsZero() {
		return t.SettleDate
	}
	return t.TradeDate
}

// EffectiveSettleDate is the cash date of the transaction: the settlement
// date, or the trade date when settlement was not reported.
func (t Transaction) EffectiveSettleDate() Date {
	if t.SettleDate.IsZero() {
		return t.TradeDate
	}
	return t.SettleDate
}

// compareTx orders transactions by (effective date, sequence number).
func compareTx(a, b Transaction) int {
	if c := a.EffectiveDate().Compare(b.EffectiveDate()); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// ActionType identifies the kind of a corporate action.
type ActionType string

const (
	ActionSplit  ActionType = "SPLIT"
	ActionMerger ActionType = "MERGER"
)

// CorporateAction is an externally supplied split or merger event. It is
// applied exactly once per lot at the effective date.
type CorporateAction struct {
	Instrument    string     `json:"instrument_id"`
	EffectiveDate Date       `json:"effective_date"`
	Type          ActionType `json:"action_type"`

	// Split terms: the new share count per Denominator old shares.
	// A 2-for-1 split is Numerator=2, Denominator=1.
	Numerator   int64 `json:"numerator,omitempty"`
	Denominator int64 `json:"denominator,omitempty"`

	// Merger terms: holders receive ShareRatio shares of Acquirer per
	// acquired share; the cost basis transfers proportionally.
	Acquirer   string   `json:"acquirer,omitempty"`
	ShareRatio Quantity `json:"share_ratio,omitzero"`
}

// Ratio returns the split factor as an exact quantity.
func (a CorporateAction) Ratio() Quantity {
	return Q(a.Numerator).Div(Q(a.Denominator))
}

// HoldingSnapshot is externally reported ground truth for one
// (account, instrument) on a valuation date. Market value and cost basis are
// optional: custodian files frequently carry quantity only.
type HoldingSnapshot struct {
	Account       string              `json:"account_id"`
	Instrument    string              `json:"instrument_id"`
	ValuationDate Date                `json:"valuation_date"`
	Quantity      Quantity            `json:"quantity"`
	MarketValue   decimal.NullDecimal `json:"market_value,omitzero"`
	CostBasis     decimal.NullDecimal `json:"cost_basis,omitzero"`
	Currency      string              `json:"currency,omitempty"`
}

// Position is a derived, immutable snapshot of one (account, instrument) on a
// date. A correction produces a new dated snapshot, never an edit.
type Position struct {
	Account          string              `json:"account_id"`
	Instrument       string              `json:"instrument_id"`
	AsOf             Date                `json:"as_of_date"`
	Quantity         Quantity            `json:"quantity"`
	MarketValue      Money               `json:"market_value"`
	CostBasis        Money               `json:"cost_basis"`
	UnrealizedPnl    Money               `json:"unrealized_pnl"`
	UnrealizedPnlPct decimal.NullDecimal `json:"unrealized_pnl_pct,omitzero"`

	// Unpriced flags a nonzero position with no known price on AsOf. The
	// market value is meaningless and reconciliation reports the gap.
	Unpriced bool `json:"unpriced,omitempty"`
}

// RealizedPnlEvent is one append-only entry in the ledger of closes.
type RealizedPnlEvent struct {
	TransactionID     string   `json:"transaction_id"`
	Account           string   `json:"account_id"`
	Instrument        string   `json:"instrument_id"`
	LotID             int      `json:"lot_id"`
	QuantityClosed    Quantity `json:"quantity_closed"`
	Proceeds          Money    `json:"proceeds"`
	CostBasisConsumed Money    `json:"cost_basis_consumed"`
	RealizedPnl       Money    `json:"realized_pnl"`
	RealizeDate       Date     `json:"realize_date"`

	// BasisTransfer marks closes that move basis without realizing gains:
	// merger terms and outbound transfers.
	BasisTransfer bool `json:"basis_transfer,omitempty"`
}

// DiscrepancyField names the compared field of a Discrepancy.
type DiscrepancyField string

const (
	FieldQuantity    DiscrepancyField = "quantity"
	FieldMarketValue DiscrepancyField = "market_value"
	FieldCostBasis   DiscrepancyField = "cost_basis"
)

// Discrepancy is one reconciliation break. Expected holds the engine-derived
// value, Actual the externally reported one; a missing side is null.
type Discrepancy struct {
	Account    string              `json:"account_id"`
	Instrument string              `json:"instrument_id"`
	Date       Date                `json:"date"`
	Field      DiscrepancyField    `json:"field"`
	Expected   decimal.NullDecimal `json:"expected"`
	Actual     decimal.NullDecimal `json:"actual"`
	Delta      decimal.Decimal     `json:"delta"`     // actual - expected
	Magnitude  decimal.Decimal     `json:"magnitude"` // |delta|
}

// FlowType classifies an entry of the cash-flow timeline.
type FlowType string

const (
	// FlowExternal is a contribution or withdrawal crossing the pair
	// boundary: buys, sells, inbound/outbound transfers.
	FlowExternal FlowType = "external"
	// FlowAccrual is the informational ex-date entry of a declared
	// dividend. It carries no cash.
	FlowAccrual FlowType = "accrual"
	// FlowDividend is dividend cash settling on pay date, net of
	// withholding.
	FlowDividend FlowType = "dividend"
	// FlowWithholding is withholding tax netted against a dividend. The
	// net dividend flow already reflects it, so it carries no extra cash.
	FlowWithholding FlowType = "withholding"
	// FlowFee is a standalone fee charge.
	FlowFee FlowType = "fee"
	// FlowTax is a standalone tax charge.
	FlowTax FlowType = "tax"
	// FlowReinvestment is dividend cash converted into a synthetic buy.
	// It never counts as an external flow.
	FlowReinvestment FlowType = "reinvestment"
)

// CashFlow is one dated entry of an account's cash-flow timeline. Amounts are
// signed from the investor's perspective: positive for money put into the
// position (buys, fees), negative for money taken out (sale proceeds,
// dividend cash).
type CashFlow struct {
	Account    string   `json:"account_id"`
	Instrument string   `json:"instrument_id,omitempty"`
	Date       Date     `json:"date"`
	Amount     Money    `json:"amount"`
	Type       FlowType `json:"flow_type"`
}

// External reports whether the flow participates in return calculations as
// an external contribution/withdrawal.
func (f CashFlow) External() bool {
	switch f.Type {
	case FlowAccrual, FlowWithholding, FlowReinvestment:
		return false
	default:
		return true
	}
}

// SubPeriodReturn is one link of a time-weighted return chain.
type SubPeriodReturn struct {
	Start         Date    `json:"period_start"`
	End           Date    `json:"period_end"`
	TWR           float64 `json:"twr"`
	CumulativeTWR float64 `json:"cumulative_twr"`
}

// ReturnSeries is the performance result for one evaluation window.
type ReturnSeries struct {
	Periods []SubPeriodReturn `json:"periods"`

	// MoneyWeighted is the internal rate of return over the window,
	// expressed per window (not annualized) so it is directly comparable
	// to the cumulative TWR. Valid only when MWRConverged.
	MoneyWeighted float64 `json:"money_weighted_return"`
	MWRConverged  bool    `json:"mwr_converged"`
}

// CumulativeTWR returns the chained return over the whole window.
func (s *ReturnSeries) CumulativeTWR() float64 {
	if len(s.Periods) == 0 {
		return 0
	}
	return s.Periods[len(s.Periods)-1].CumulativeTWR
}

// Key identifies one independent (account, instrument) replay unit.
type Key struct {
	Account    string `json:"account_id"`
	Instrument string `json:"instrument_id"`
}

func (k Key) String() string { return k.Account + "/" + k.Instrument }

func compareKey(a, b Key) int {
	if a.Account != b.Account {
		if a.Account < b.Account {
			return -1
		}
		return 1
	}
	if a.Instrument != b.Instrument {
		if a.Instrument < b.Instrument {
			return -1
		}
		return 1
	}
	return 0
}

// nullDec wraps a decimal in a valid NullDecimal.
func nullDec(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func validateAction(a CorporateAction) error {
	switch a.Type {
	case ActionSplit:
		if a.Numerator <= 0 || a.Denominator <= 0 {
			return fmt.Errorf("split for %s on %s: ratio %d/%d is not positive", a.Instrument, a.EffectiveDate, a.Numerator, a.Denominator)
		}
	case ActionMerger:
		if a.Acquirer == "" {
			return fmt.Errorf("merger for %s on %s: acquirer is missing", a.Instrument, a.EffectiveDate)
		}
		if !a.ShareRatio.IsPositive() {
			return fmt.Errorf("merger for %s on %s: share ratio %s is not positive", a.Instrument, a.EffectiveDate, a.ShareRatio)
		}
	default:
		return fmt.Errorf("unknown corporate action type %q for %s", a.Type, a.Instrument)
	}
	return nil
}
