package positions

import (
	"errors"
	"testing"
)

// dividendTx builds a DIVIDEND transaction: ex-date as trade date, pay-date
// as settlement date, per-share cash as price.
func dividendTx(id, account, instrument, exDate, payDate string, quantity, perShare float64) Transaction {
	return Transaction{
		ID:         id,
		Account:    account,
		Instrument: instrument,
		TradeDate:  MustDate(exDate),
		SettleDate: MustDate(payDate),
		Action:     DividendTx,
		Quantity:   Q(quantity),
		Price:      USD(perShare),
		Currency:   "USD",
	}
}

// withholdingTx builds a TAX transaction settling on the dividend pay date.
func withholdingTx(id, account, instrument, payDate string, amount float64) Transaction {
	return Transaction{
		ID:         id,
		Account:    account,
		Instrument: instrument,
		TradeDate:  MustDate(payDate),
		SettleDate: MustDate(payDate),
		Action:     Tax,
		Taxes:      USD(amount),
		Currency:   "USD",
	}
}

func flowOf(t *testing.T, flows []CashFlow, typ FlowType) CashFlow {
	t.Helper()
	for _, f := range flows {
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s flow in %v", typ, flows)
	return CashFlow{}
}

func TestTracker_WithholdingNetsAgainstDividend(t *testing.T) {
	tracker := NewDividendAccrualTracker(DefaultConfig(), flatPrices{}, nop)

	txs := []Transaction{
		dividendTx("div-1", "acc-1", "AAPL", "2025-01-10", "2025-01-15", 100, 0.5),
		withholdingTx("tax-1", "acc-1", "AAPL", "2025-01-15", 7.5),
	}
	res, err := tracker.Accrue("acc-1", txs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	accrual := flowOf(t, res.Flows, FlowAccrual)
	if got, want := accrual.Date, MustDate("2025-01-10"); got != want {
		t.Errorf("accrual date = %s, want %s", got, want)
	}
	if got, want := accrual.Amount, USD(-50); !got.Equal(want) {
		t.Errorf("accrual amount = %s, want %s", got, want)
	}
	if accrual.External() {
		t.Error("accrual must not count as an external flow")
	}

	cash := flowOf(t, res.Flows, FlowDividend)
	if got, want := cash.Date, MustDate("2025-01-15"); got != want {
		t.Errorf("pay date = %s, want %s", got, want)
	}
	if got, want := cash.Amount, USD(-42.5); !got.Equal(want) {
		t.Errorf("net dividend = %s, want %s", got, want)
	}
	if !cash.External() {
		t.Error("net dividend cash is an external flow")
	}

	withheld := flowOf(t, res.Flows, FlowWithholding)
	if got, want := withheld.Amount, USD(7.5); !got.Equal(want) {
		t.Errorf("withholding = %s, want %s", got, want)
	}
	if withheld.External() {
		t.Error("withholding is informational, the net dividend already reflects it")
	}
}

func TestTracker_StandaloneTax(t *testing.T) {
	tracker := NewDividendAccrualTracker(DefaultConfig(), flatPrices{}, nop)

	txs := []Transaction{withholdingTx("tax-1", "acc-1", "AAPL", "2025-02-01", 12)}
	res, err := tracker.Accrue("acc-1", txs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flows) != 1 {
		t.Fatalf("%d flows, want 1", len(res.Flows))
	}
	f := res.Flows[0]
	if f.Type != FlowTax {
		t.Errorf("flow type = %s, want tax", f.Type)
	}
	if got, want := f.Amount, USD(12); !got.Equal(want) {
		t.Errorf("amount = %s, want %s", got, want)
	}
}

func TestTracker_DeclaredDividend(t *testing.T) {
	tracker := NewDividendAccrualTracker(DefaultConfig(), flatPrices{}, nop)

	decls := []DividendDeclaration{{
		Instrument: "AAPL",
		ExDate:     MustDate("2025-01-10"),
		PayDate:    MustDate("2025-01-15"),
		PerShare:   USD(0.5),
	}}
	heldAt := func(instrument string, on Date) Quantity {
		if on == MustDate("2025-01-10") {
			return Q(100)
		}
		return Q(0)
	}
	res, err := tracker.Accrue("acc-1", nil, decls, heldAt)
	if err != nil {
		t.Fatal(err)
	}

	cash := flowOf(t, res.Flows, FlowDividend)
	if got, want := cash.Amount, USD(-50); !got.Equal(want) {
		t.Errorf("dividend = %s, want %s", got, want)
	}
}

func TestTracker_DeclarationSkippedWhenTxReported(t *testing.T) {
	tracker := NewDividendAccrualTracker(DefaultConfig(), flatPrices{}, nop)

	txs := []Transaction{dividendTx("div-1", "acc-1", "AAPL", "2025-01-10", "2025-01-15", 100, 0.5)}
	decls := []DividendDeclaration{{
		Instrument: "AAPL",
		ExDate:     MustDate("2025-01-10"),
		PayDate:    MustDate("2025-01-15"),
		PerShare:   USD(0.5),
	}}
	res, err := tracker.Accrue("acc-1", txs, decls, func(string, Date) Quantity { return Q(100) })
	if err != nil {
		t.Fatal(err)
	}

	// One payment, not two.
	count := 0
	for _, f := range res.Flows {
		if f.Type == FlowDividend {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d dividend flows, want 1", count)
	}
}

func TestTracker_DeclarationNothingHeld(t *testing.T) {
	tracker := NewDividendAccrualTracker(DefaultConfig(), flatPrices{}, nop)

	decls := []DividendDeclaration{{
		Instrument: "AAPL",
		ExDate:     MustDate("2025-01-10"),
		PayDate:    MustDate("2025-01-15"),
		PerShare:   USD(0.5),
	}}
	res, err := tracker.Accrue("acc-1", nil, decls, func(string, Date) Quantity { return Q(0) })
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flows) != 0 {
		t.Errorf("%d flows for an unheld instrument, want 0", len(res.Flows))
	}
}

func TestTracker_AutoReinvest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReinvestmentRule = AutoReinvest
	tracker := NewDividendAccrualTracker(cfg, flatPrices{"AAPL": USD(10)}, nop)

	txs := []Transaction{
		dividendTx("div-1", "acc-1", "AAPL", "2025-01-10", "2025-01-15", 100, 0.5),
		withholdingTx("tax-1", "acc-1", "AAPL", "2025-01-15", 7.5),
	}
	res, err := tracker.Accrue("acc-1", txs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Reinvestments) != 1 {
		t.Fatalf("%d reinvestments, want 1", len(res.Reinvestments))
	}
	drip := res.Reinvestments[0]
	if drip.ID != "div-1-drip" {
		t.Errorf("reinvestment id = %s, want div-1-drip", drip.ID)
	}
	if drip.Action != Buy {
		t.Errorf("reinvestment action = %s, want BUY", drip.Action)
	}
	// $42.50 net at $10 buys 4.25 shares.
	if got, want := drip.Quantity, Q(4.25); !got.Equal(want) {
		t.Errorf("reinvested quantity = %s, want %s", got, want)
	}
	if got, want := drip.TradeDate, MustDate("2025-01-15"); got != want {
		t.Errorf("reinvestment date = %s, want %s", got, want)
	}

	reinvest := flowOf(t, res.Flows, FlowReinvestment)
	if got, want := reinvest.Amount, USD(42.5); !got.Equal(want) {
		t.Errorf("reinvestment flow = %s, want %s", got, want)
	}
	if reinvest.External() {
		t.Error("reinvestment must not count as an external flow")
	}
}

func TestTracker_AutoReinvestWithoutPrice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReinvestmentRule = AutoReinvest
	tracker := NewDividendAccrualTracker(cfg, flatPrices{}, nop)

	txs := []Transaction{dividendTx("div-1", "acc-1", "DARK", "2025-01-10", "2025-01-15", 100, 0.5)}
	res, err := tracker.Accrue("acc-1", txs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The dividend settles as cash and the gap is reported.
	if len(res.Reinvestments) != 0 {
		t.Errorf("%d reinvestments without a price, want 0", len(res.Reinvestments))
	}
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], ErrUnknownPrice) {
		t.Errorf("warnings = %v, want one unknown-price warning", res.Warnings)
	}
	cash := flowOf(t, res.Flows, FlowDividend)
	if got, want := cash.Amount, USD(-50); !got.Equal(want) {
		t.Errorf("dividend = %s, want %s", got, want)
	}
}
