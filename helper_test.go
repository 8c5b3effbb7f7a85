package positions

import "github.com/rs/zerolog"

// EUR is a helper for tests to create euro money from const
func EUR(v float64) Money { return M(v, "EUR") }

// USD is a helper for tests to create usd money from const
func USD(v float64) Money { return M(v, "USD") }

// nop is the discard logger the component tests run with.
var nop = zerolog.Nop()

// buy builds a buy transaction for tests.
func buy(id, account, instrument, on string, quantity, price float64, seq int64) Transaction {
	return Transaction{
		ID:         id,
		Account:    account,
		Instrument: instrument,
		TradeDate:  MustDate(on),
		Seq:        seq,
		Action:     Buy,
		Quantity:   Q(quantity),
		Price:      USD(price),
		Currency:   "USD",
	}
}

// sell builds a sell transaction for tests.
func sell(id, account, instrument, on string, quantity, price float64, seq int64) Transaction {
	return Transaction{
		ID:         id,
		Account:    account,
		Instrument: instrument,
		TradeDate:  MustDate(on),
		Seq:        seq,
		Action:     Sell,
		Quantity:   Q(quantity),
		Price:      USD(price),
		Currency:   "USD",
	}
}

// split builds a split corporate action for tests.
func split(instrument, on string, num, den int64) CorporateAction {
	return CorporateAction{
		Instrument:    instrument,
		EffectiveDate: MustDate(on),
		Type:          ActionSplit,
		Numerator:     num,
		Denominator:   den,
	}
}

// flatPrices is a PriceSource with one constant price per instrument, from
// the beginning of time.
type flatPrices map[string]Money

func (p flatPrices) PriceOf(instrument string, on Date) (Money, bool) {
	m, ok := p[instrument]
	return m, ok
}
