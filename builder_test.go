package positions

import (
	"errors"
	"reflect"
	"testing"
)

// positionAt finds the snapshot of an instrument on a date.
func positionAt(t *testing.T, res *BuildResult, instrument, on string) Position {
	t.Helper()
	for _, p := range res.Positions {
		if p.Instrument == instrument && p.AsOf == MustDate(on) {
			return p
		}
	}
	t.Fatalf("no position for %s on %s", instrument, on)
	return Position{}
}

func TestBuilder_FIFOSell(t *testing.T) {
	cfg := DefaultConfig()
	prices := flatPrices{"AAPL": USD(15)}
	builder := NewPositionBuilder(cfg, prices, nop)

	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
		buy("tx-2", "acc-1", "AAPL", "2025-01-02", 50, 12, 2),
		sell("tx-3", "acc-1", "AAPL", "2025-01-03", 80, 15, 3),
	}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-05"), nil)
	if err != nil {
		t.Fatal(err)
	}

	var pnl Money
	for _, e := range res.Realized {
		pnl = pnl.Add(e.RealizedPnl)
	}
	if got, want := pnl, USD(400); !got.Equal(want) {
		t.Errorf("realized pnl = %s, want %s", got, want)
	}

	pos := positionAt(t, res, "AAPL", "2025-01-05")
	if got, want := pos.Quantity, Q(70); !got.Equal(want) {
		t.Errorf("quantity = %s, want %s", got, want)
	}
	if got, want := pos.CostBasis, USD(800); !got.Equal(want) {
		t.Errorf("cost basis = %s, want %s", got, want)
	}
	if got, want := pos.MarketValue, USD(1050); !got.Equal(want) {
		t.Errorf("market value = %s, want %s", got, want)
	}
	if got, want := pos.UnrealizedPnl, USD(250); !got.Equal(want) {
		t.Errorf("unrealized pnl = %s, want %s", got, want)
	}
}

func TestBuilder_SplitThenSell(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(15)}, nop)

	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 20, 10, 1),
		buy("tx-2", "acc-1", "AAPL", "2025-01-02", 50, 12, 2),
		sell("tx-3", "acc-1", "AAPL", "2025-01-07", 140, 15, 3),
	}
	actions := []CorporateAction{split("AAPL", "2025-01-06", 2, 1)}

	res, err := builder.Build("acc-1", txs, actions, Date{}, MustDate("2025-01-07"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// After the 2-for-1 split the book is 40 @ $5 and 100 @ $6; selling all
	// 140 at $15 realizes 40×10 + 100×9.
	var pnl Money
	for _, e := range res.Realized {
		pnl = pnl.Add(e.RealizedPnl)
	}
	if got, want := pnl, USD(1300); !got.Equal(want) {
		t.Errorf("realized pnl = %s, want %s", got, want)
	}
	pos := positionAt(t, res, "AAPL", "2025-01-07")
	if !pos.Quantity.IsZero() {
		t.Errorf("quantity = %s, want 0", pos.Quantity)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	prices := flatPrices{"AAPL": USD(15), "MSFT": USD(100)}

	// Same-day transactions listed out of sequence order.
	txs := []Transaction{
		sell("tx-3", "acc-1", "AAPL", "2025-01-02", 30, 15, 3),
		buy("tx-2", "acc-1", "MSFT", "2025-01-02", 10, 90, 2),
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
	}

	builder := NewPositionBuilder(cfg, prices, nop)
	first, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-03"), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-03"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.Positions, second.Positions) {
		t.Error("two replays of the same input produced different positions")
	}
	if !reflect.DeepEqual(first.Realized, second.Realized) {
		t.Error("two replays of the same input produced different realized events")
	}
}

func TestBuilder_UnpricedPosition(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{}, nop)

	txs := []Transaction{buy("tx-1", "acc-1", "DARK", "2025-01-01", 10, 10, 1)}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-02"), nil)
	if err != nil {
		t.Fatal(err)
	}

	pos := positionAt(t, res, "DARK", "2025-01-02")
	if !pos.Unpriced {
		t.Error("position with no known price should be flagged unpriced")
	}
	if got, want := pos.CostBasis, USD(100); !got.Equal(want) {
		t.Errorf("cost basis = %s, want %s", got, want)
	}

	found := false
	for _, w := range res.Warnings {
		if errors.Is(w, ErrUnknownPrice) {
			found = true
		}
	}
	if !found {
		t.Error("unknown price should be reported as a warning")
	}
}

func TestBuilder_FeesCapitalizeAndNet(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(10)}, nop)

	b := buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1)
	b.Fees = USD(20)
	s := sell("tx-2", "acc-1", "AAPL", "2025-01-02", 100, 12, 2)
	s.Fees = USD(30)

	res, err := builder.Build("acc-1", []Transaction{b, s}, nil, Date{}, MustDate("2025-01-02"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Basis 1020, net proceeds 1170.
	if got, want := res.Realized[0].CostBasisConsumed, USD(1020); !got.Equal(want) {
		t.Errorf("cost basis consumed = %s, want %s", got, want)
	}
	if got, want := res.Realized[0].RealizedPnl, USD(150); !got.Equal(want) {
		t.Errorf("realized pnl = %s, want %s", got, want)
	}
}

// splitAdjust builds a broker-reported share-count adjustment.
func splitAdjust(id, account, instrument, on string, delta float64, seq int64) Transaction {
	return Transaction{
		ID:         id,
		Account:    account,
		Instrument: instrument,
		TradeDate:  MustDate(on),
		Seq:        seq,
		Action:     SplitAdjust,
		Quantity:   Q(delta),
		Currency:   "USD",
	}
}

func TestBuilder_SplitAdjust(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(5)}, nop)

	// A +100 adjustment on a 100-share book doubles every lot, cost basis
	// unchanged, the same rewrite a 2-for-1 split performs.
	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
		splitAdjust("tx-2", "acc-1", "AAPL", "2025-01-06", 100, 2),
	}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-07"), nil)
	if err != nil {
		t.Fatal(err)
	}

	pos := positionAt(t, res, "AAPL", "2025-01-07")
	if got, want := pos.Quantity, Q(200); !got.Equal(want) {
		t.Errorf("quantity = %s, want %s", got, want)
	}
	if got, want := pos.CostBasis, USD(1000); !got.Equal(want) {
		t.Errorf("cost basis = %s, want %s", got, want)
	}
	lot, _ := res.Ledger("AAPL").Lot(1)
	if got, want := lot.UnitCost, USD(5); !got.Equal(want) {
		t.Errorf("unit cost = %s, want %s", got, want)
	}

	t.Run("empty position skipped", func(t *testing.T) {
		res, err := builder.Build("acc-1",
			[]Transaction{splitAdjust("tx-1", "acc-1", "EMPTY", "2025-01-06", 50, 1)},
			nil, Date{}, MustDate("2025-01-07"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := res.Ledger("EMPTY").Remaining(); !got.IsZero() {
			t.Errorf("remaining = %s, want 0", got)
		}
	})

	t.Run("non-positive target fails", func(t *testing.T) {
		txs := []Transaction{
			buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
			splitAdjust("tx-2", "acc-1", "AAPL", "2025-01-06", -100, 2),
		}
		if _, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-07"), nil); err == nil {
			t.Fatal("Build() should fail on an adjustment to zero shares")
		}
	})
}

func TestBuilder_ClosedQuantityNeverExceedsBought(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(15)}, nop)

	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
		sell("tx-2", "acc-1", "AAPL", "2025-01-02", 30, 11, 2),
		buy("tx-3", "acc-1", "AAPL", "2025-01-03", 50, 12, 3),
		sell("tx-4", "acc-1", "AAPL", "2025-01-04", 40, 13, 4),
		sell("tx-5", "acc-1", "AAPL", "2025-01-05", 80, 15, 5),
	}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-06"), nil)
	if err != nil {
		t.Fatal(err)
	}

	closed := Q(0)
	for _, e := range res.Realized {
		closed = closed.Add(e.QuantityClosed)
	}
	if got, want := closed, Q(150); !got.Equal(want) {
		t.Errorf("closed quantity = %s, want %s", got, want)
	}
	// Closes can never exceed what was bought.
	if closed.GreaterThan(Q(150)) {
		t.Errorf("closed %s exceeds the %s bought", closed, Q(150))
	}
	if got := res.Ledger("AAPL").Remaining(); !got.IsZero() {
		t.Errorf("remaining = %s, want 0", got)
	}
}

func TestBuilder_TransferOut(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(15)}, nop)

	out := Transaction{
		ID: "tx-2", Account: "acc-1", Instrument: "AAPL",
		TradeDate: MustDate("2025-01-02"), Seq: 2,
		Action: TransferOut, Quantity: Q(40), Currency: "USD",
	}
	txs := []Transaction{buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1), out}

	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-02"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(res.Realized), 1; got != want {
		t.Fatalf("%d realized events, want %d", got, want)
	}
	if !res.Realized[0].RealizedPnl.IsZero() {
		t.Errorf("transfer out realized %s, want 0", res.Realized[0].RealizedPnl)
	}
	pos := positionAt(t, res, "AAPL", "2025-01-02")
	if got, want := pos.Quantity, Q(60); !got.Equal(want) {
		t.Errorf("quantity = %s, want %s", got, want)
	}
}

func TestBuilder_OversellFailsWithPartialResult(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(15)}, nop)

	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 10, 10, 1),
		sell("tx-2", "acc-1", "AAPL", "2025-01-02", 50, 15, 2),
	}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-03"), nil)
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("Build() error = %v, want ErrInsufficientQuantity", err)
	}
	// The state up to the failure survives.
	if res == nil {
		t.Fatal("partial result missing")
	}
	pos := positionAt(t, res, "AAPL", "2025-01-01")
	if got, want := pos.Quantity, Q(10); !got.Equal(want) {
		t.Errorf("quantity = %s, want %s", got, want)
	}
}

func TestBuilder_QuantityAt(t *testing.T) {
	cfg := DefaultConfig()
	builder := NewPositionBuilder(cfg, flatPrices{"AAPL": USD(15)}, nop)

	txs := []Transaction{
		buy("tx-1", "acc-1", "AAPL", "2025-01-01", 100, 10, 1),
		sell("tx-2", "acc-1", "AAPL", "2025-01-10", 40, 15, 2),
	}
	res, err := builder.Build("acc-1", txs, nil, Date{}, MustDate("2025-01-20"), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		on   string
		want Quantity
	}{
		{"2024-12-31", Q(0)},
		{"2025-01-01", Q(100)},
		{"2025-01-05", Q(100)},
		{"2025-01-10", Q(60)},
		{"2025-01-20", Q(60)},
	}
	for _, tt := range tests {
		if got := res.QuantityAt("AAPL", MustDate(tt.on)); !got.Equal(tt.want) {
			t.Errorf("QuantityAt(%s) = %s, want %s", tt.on, got, tt.want)
		}
	}
}
