package positions

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// DividendDeclaration is an announced dividend from the reference-data
// collaborator: so much per share to holders at ex-date, paid at pay-date.
type DividendDeclaration struct {
	Instrument string `json:"instrument_id"`
	ExDate     Date   `json:"ex_date"`
	PayDate    Date   `json:"pay_date"`
	PerShare   Money  `json:"per_share"`
}

// AccrualResult is the output of one accrual pass.
type AccrualResult struct {
	// Flows is the dividend cash-flow timeline: an informational accrual
	// entry at ex-date, a net cash entry at pay-date, and informational
	// withholding and reinvestment entries.
	Flows []CashFlow

	// Reinvestments are the synthetic buy transactions produced under
	// auto-reinvestment, to be fed back into the position replay.
	Reinvestments []Transaction

	// Warnings are non-fatal gaps, a missing reinvestment price chiefly.
	Warnings []error
}

// DividendAccrualTracker converts dividend-related transactions and declared
// dividend events into an account's cash-flow timeline.
type DividendAccrualTracker struct {
	cfg    Config
	prices PriceSource
	log    zerolog.Logger
}

// NewDividendAccrualTracker creates a tracker.
func NewDividendAccrualTracker(cfg Config, prices PriceSource, logger zerolog.Logger) *DividendAccrualTracker {
	return &DividendAccrualTracker{
		cfg:    cfg,
		prices: prices,
		log:    logger.With().Str("component", "dividend_tracker").Logger(),
	}
}

// dividendCell groups the transactions of one dividend payment.
type dividendCell struct {
	instrument string
	payDate    Date
}

// Accrue builds the dividend timeline for one account.
//
// DIVIDEND transactions carry the ex-date as trade date and the pay-date as
// settlement date; their gross cash is price × quantity, or the flat price
// when no quantity is reported. TAX transactions on the same instrument and
// pay date are withholding and net against the pay-date cash; TAX
// transactions with no matching dividend settle as standalone tax charges.
//
// Declared dividends accrue per share held at ex-date (heldAt supplies the
// position); a declaration whose (instrument, pay date) is already covered
// by a broker-reported DIVIDEND transaction is skipped.
//
// Under auto-reinvestment the net cash converts into a synthetic buy at the
// pay-date reference price; with no price known the dividend falls back to
// cash and a warning is recorded.
func (t *DividendAccrualTracker) Accrue(account string, txs []Transaction, declarations []DividendDeclaration, heldAt func(instrument string, on Date) Quantity) (*AccrualResult, error) {
	res := &AccrualResult{}

	ordered := slices.Clone(txs)
	slices.SortStableFunc(ordered, compareTx)

	// First pass: index withholding by payment cell.
	withheld := make(map[dividendCell]Money)
	dividendCells := make(map[dividendCell]struct{})
	for _, tx := range ordered {
		cell := dividendCell{tx.Instrument, tx.EffectiveSettleDate()}
		switch tx.Action {
		case DividendTx:
			dividendCells[cell] = struct{}{}
		case Tax:
			withheld[cell] = withheld[cell].Add(taxAmount(tx))
		}
	}

	for _, tx := range ordered {
		switch tx.Action {
		case DividendTx:
			gross := dividendGross(tx)
			cell := dividendCell{tx.Instrument, tx.EffectiveSettleDate()}
			t.settle(res, account, tx.Instrument, tx.TradeDate, cell.payDate, gross, withheld[cell], tx.ID)
			delete(withheld, cell)
		case Tax:
			// Consumed by a dividend above, or standalone.
			cell := dividendCell{tx.Instrument, tx.EffectiveSettleDate()}
			if _, ok := dividendCells[cell]; ok {
				continue
			}
			res.Flows = append(res.Flows, CashFlow{
				Account:    account,
				Instrument: tx.Instrument,
				Date:       tx.EffectiveDate(),
				Amount:     taxAmount(tx),
				Type:       FlowTax,
			})
			delete(withheld, cell)
		}
	}

	for _, decl := range declarations {
		if heldAt == nil {
			return nil, fmt.Errorf("declared dividend for %s needs a position lookup", decl.Instrument)
		}
		cell := dividendCell{decl.Instrument, decl.PayDate}
		if _, ok := dividendCells[cell]; ok {
			// The broker already reported this payment as a transaction.
			continue
		}
		held := heldAt(decl.Instrument, decl.ExDate)
		if !held.IsPositive() {
			continue
		}
		gross := decl.PerShare.Mul(held)
		id := fmt.Sprintf("dividend-%s-%s", decl.Instrument, decl.PayDate)
		t.settle(res, account, decl.Instrument, decl.ExDate, decl.PayDate, gross, Money{}, id)
	}

	slices.SortStableFunc(res.Flows, func(a, b CashFlow) int {
		if c := a.Date.Compare(b.Date); c != 0 {
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
	return res, nil
}

// settle emits the flows of one dividend payment and, under
// auto-reinvestment, the synthetic buy.
func (t *DividendAccrualTracker) settle(res *AccrualResult, account, instrument string, exDate, payDate Date, gross, withholding Money, sourceID string) {
	net := gross.Sub(withholding)

	// Ex-date accrual is informational: the entitlement exists, no cash
	// has moved yet.
	res.Flows = append(res.Flows, CashFlow{
		Account:    account,
		Instrument: instrument,
		Date:       exDate,
		Amount:     gross.Neg(),
		Type:       FlowAccrual,
	})
	if !withholding.IsZero() {
		res.Flows = append(res.Flows, CashFlow{
			Account:    account,
			Instrument: instrument,
			Date:       payDate,
			Amount:     withholding,
			Type:       FlowWithholding,
		})
	}
	res.Flows = append(res.Flows, CashFlow{
		Account:    account,
		Instrument: instrument,
		Date:       payDate,
		Amount:     net.Neg(),
		Type:       FlowDividend,
	})

	if t.cfg.ReinvestmentRule != AutoReinvest || !net.IsPositive() {
		return
	}

	price, ok := t.prices.PriceOf(instrument, payDate)
	if !ok || !price.IsPositive() {
		res.Warnings = append(res.Warnings, &UnknownPriceError{Instrument: instrument, On: payDate})
		t.log.Warn().Str("instrument", instrument).Stringer("on", payDate).Msg("no reinvestment price, dividend settles as cash")
		return
	}

	quantity := net.DivPrice(price)
	res.Reinvestments = append(res.Reinvestments, Transaction{
		ID:         sourceID + "-drip",
		Account:    account,
		Instrument: instrument,
		TradeDate:  payDate,
		SettleDate: payDate,
		// Reinvestments sort after every broker transaction of the day.
		Seq:      reinvestSeq + int64(len(res.Reinvestments)),
		Action:   Buy,
		Quantity: quantity,
		Price:    price,
		Currency: price.Currency(),
	})
	res.Flows = append(res.Flows, CashFlow{
		Account:    account,
		Instrument: instrument,
		Date:       payDate,
		Amount:     net,
		Type:       FlowReinvestment,
	})
}

// reinvestSeq is the sequence base of synthetic reinvestment buys.
const reinvestSeq = int64(1) << 32

// dividendGross returns the gross cash of a DIVIDEND transaction.
func dividendGross(tx Transaction) Money {
	if tx.Quantity.IsZero() {
		return tx.Price
	}
	return tx.Price.Mul(tx.Quantity.Abs())
}

// taxAmount returns the charge of a TAX transaction.
func taxAmount(tx Transaction) Money {
	if !tx.Taxes.IsZero() {
		return tx.Taxes
	}
	return tx.Price
}
