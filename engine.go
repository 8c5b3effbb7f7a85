package positions

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Input is one engine run: the full transaction history, the externally
// reported truth, and the evaluation window. Prices must not be nil.
type Input struct {
	Transactions []Transaction
	Actions      []CorporateAction
	Snapshots    []HoldingSnapshot
	Declarations []DividendDeclaration
	Prices       PriceSource

	// From and To bound the evaluation window. A zero From emits from the
	// beginning of history; a zero To defaults to the latest date present
	// in the input.
	From Date
	To   Date
}

// PairResult is the complete output for one (account, instrument) pair.
// A failed pair carries Err and whatever partial state was derived before
// the failure; other pairs are unaffected.
type PairResult struct {
	Key

	Positions     []Position
	Realized      []RealizedPnlEvent
	Flows         []CashFlow
	Discrepancies []Discrepancy
	Returns       *ReturnSeries

	// Warnings are non-fatal: unpriced positions, dividends settling as
	// cash for want of a price, a non-converging rate solver.
	Warnings []error

	// Err is fatal for this pair only: oversells, malformed actions.
	Err error
}

// RunResult is the output of one engine run, one entry per pair, in
// deterministic (account, instrument) order.
type RunResult struct {
	Pairs []PairResult
}

// Pair returns the result for a key, nil when the run never saw it.
func (r *RunResult) Pair(k Key) *PairResult {
	i, found := slices.BinarySearchFunc(r.Pairs, k, func(p PairResult, k Key) int {
		return compareKey(p.Key, k)
	})
	if !found {
		return nil
	}
	return &r.Pairs[i]
}

// Failed returns the pairs that carry a fatal error.
func (r *RunResult) Failed() []PairResult {
	var out []PairResult
	for _, p := range r.Pairs {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Engine derives positions, reconciliation breaks and returns from canonical
// transaction history.
//
// Work splits into replay groups: one account and the set of instruments
// that must share lot state (instruments linked by a merger; usually a set
// of one). Groups are independent and run on a bounded worker pool; a
// failure inside one group never touches another.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

// NewEngine creates an engine. The config is validated and defaults are
// filled in place.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg: cfg,
		log: logger.With().Str("component", "engine").Logger(),
	}, nil
}

// group is one unit of sequential replay.
type group struct {
	account     string
	instruments map[string]struct{}
}

func (g *group) has(instrument string) bool {
	_, ok := g.instruments[instrument]
	return ok
}

// Run processes the whole input and returns one result per pair. Results are
// sorted by (account, instrument). Cancelling the context stops scheduling;
// groups already running finish and their results are included.
func (e *Engine) Run(ctx context.Context, in Input) (*RunResult, error) {
	to := in.To
	if to.IsZero() {
		to = latestDate(in)
	}

	groups := e.groups(in)
	e.log.Info().Int("groups", len(groups)).Int("workers", e.cfg.Workers).Msg("run started")

	jobs := make(chan *group)
	results := make(chan []PairResult, len(groups))
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				results <- e.runGroup(g, in, to)
			}
		}()
	}

	var cancelled error
	for _, g := range groups {
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
		case jobs <- g:
			continue
		}
		break
	}
	close(jobs)
	wg.Wait()
	close(results)

	run := &RunResult{}
	for batch := range results {
		run.Pairs = append(run.Pairs, batch...)
	}
	slices.SortFunc(run.Pairs, func(a, b PairResult) int { return compareKey(a.Key, b.Key) })
	e.log.Info().Int("pairs", len(run.Pairs)).Int("failed", len(run.Failed())).Msg("run finished")
	return run, cancelled
}

// groups partitions the input into replay groups. Instruments of one account
// linked by mergers replay together; every other instrument, including those
// seen only in snapshots or declarations, forms a group of one.
func (e *Engine) groups(in Input) []*group {
	type cell struct{ account, instrument string }
	seen := make(map[cell]struct{})
	var accounts []string
	accountSeen := make(map[string]struct{})

	note := func(account, instrument string) {
		if account == "" || instrument == "" {
			return
		}
		if _, ok := accountSeen[account]; !ok {
			accountSeen[account] = struct{}{}
			accounts = append(accounts, account)
		}
		seen[cell{account, instrument}] = struct{}{}
	}
	for _, tx := range in.Transactions {
		note(tx.Account, tx.Instrument)
	}
	for _, s := range in.Snapshots {
		note(s.Account, s.Instrument)
	}
	// Corporate actions and declarations carry no account; they apply to
	// every account holding the instrument.

	// Merged instruments belong to one partition, account-independent.
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok || p == x {
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	for _, a := range in.Actions {
		if a.Type != ActionMerger || a.Acquirer == "" {
			continue
		}
		ra, rb := find(a.Instrument), find(a.Acquirer)
		if ra != rb {
			parent[ra] = rb
		}
	}

	var out []*group
	slices.Sort(accounts)
	for _, account := range accounts {
		byRoot := make(map[string]*group)
		var instruments []string
		for c := range seen {
			if c.account == account {
				instruments = append(instruments, c.instrument)
			}
		}
		slices.Sort(instruments)
		for _, instrument := range instruments {
			root := find(instrument)
			g, ok := byRoot[root]
			if !ok {
				g = &group{account: account, instruments: make(map[string]struct{})}
				byRoot[root] = g
				out = append(out, g)
			}
			g.instruments[instrument] = struct{}{}
		}
	}

	// An account merged into an instrument it never traded still needs the
	// acquirer's ledger in scope. Chains of mergers need the fixpoint.
	for _, g := range out {
		for changed := true; changed; {
			changed = false
			for _, a := range in.Actions {
				if a.Type == ActionMerger && a.Acquirer != "" && g.has(a.Instrument) && !g.has(a.Acquirer) {
					g.instruments[a.Acquirer] = struct{}{}
					changed = true
				}
			}
		}
	}
	return out
}

// runGroup replays one group and fans its output into per-pair results.
func (e *Engine) runGroup(g *group, in Input, to Date) []PairResult {
	txs := make([]Transaction, 0)
	for _, tx := range in.Transactions {
		if tx.Account == g.account && g.has(tx.Instrument) {
			txs = append(txs, tx)
		}
	}
	var actions []CorporateAction
	for _, a := range in.Actions {
		if g.has(a.Instrument) {
			actions = append(actions, a)
		}
	}
	// Snapshots outside the evaluation window are out of scope: the replay
	// does not surface positions before From, so comparing against them
	// would manufacture one-sided breaks. reportedDates spans the whole
	// account, not just this group, so an instrument omitted from a
	// custodian file still reconciles against it.
	var snaps []HoldingSnapshot
	var reportedDates []Date
	for _, s := range in.Snapshots {
		if s.Account != g.account {
			continue
		}
		if !in.From.IsZero() && s.ValuationDate.Before(in.From) || s.ValuationDate.After(to) {
			e.log.Debug().Str("instrument", s.Instrument).Stringer("on", s.ValuationDate).Msg("snapshot outside evaluation window skipped")
			continue
		}
		reportedDates = append(reportedDates, s.ValuationDate)
		if g.has(s.Instrument) {
			snaps = append(snaps, s)
		}
	}
	slices.SortFunc(reportedDates, Date.Compare)
	reportedDates = slices.Compact(reportedDates)

	var decls []DividendDeclaration
	for _, d := range in.Declarations {
		if g.has(d.Instrument) {
			decls = append(decls, d)
		}
	}

	snapshotDates := e.snapshotDates(txs, reportedDates, decls, to)

	builder := NewPositionBuilder(e.cfg, in.Prices, e.log)
	tracker := NewDividendAccrualTracker(e.cfg, in.Prices, e.log)

	build, err := builder.Build(g.account, txs, actions, in.From, to, snapshotDates)
	if err != nil {
		return e.fanOut(g, build, nil, snaps, reportedDates, in, to, err)
	}

	accrual, err := tracker.Accrue(g.account, txs, decls, build.QuantityAt)
	if err != nil {
		return e.fanOut(g, build, nil, snaps, reportedDates, in, to, err)
	}

	// Reinvested dividends enter the replay as synthetic buys; entitlement
	// quantities stay measured against the pre-reinvestment history.
	if len(accrual.Reinvestments) > 0 {
		build, err = builder.Build(g.account, append(txs, accrual.Reinvestments...), actions, in.From, to, snapshotDates)
		if err != nil {
			return e.fanOut(g, build, accrual, snaps, reportedDates, in, to, err)
		}
	}

	return e.fanOut(g, build, accrual, snaps, reportedDates, in, to, nil)
}

// snapshotDates collects the dates the replay must value positions at, over
// and above transaction-activity dates: reported valuation dates, dividend
// ex and pay dates, and the window end.
func (e *Engine) snapshotDates(txs []Transaction, reportedDates []Date, decls []DividendDeclaration, to Date) []Date {
	dates := slices.Clone(reportedDates)
	for _, d := range decls {
		dates = append(dates, d.ExDate, d.PayDate)
	}
	for _, tx := range txs {
		if tx.Action == DividendTx || tx.Action == Tax {
			dates = append(dates, tx.EffectiveDate(), tx.EffectiveSettleDate())
		}
	}
	dates = append(dates, to)
	slices.SortFunc(dates, Date.Compare)
	return slices.Compact(dates)
}

// fanOut splits group output into per-pair results and runs reconciliation
// and performance per pair. groupErr, when set, marks every pair of the
// group failed while keeping the partial state derived before the failure.
func (e *Engine) fanOut(g *group, build *BuildResult, accrual *AccrualResult, snaps []HoldingSnapshot, reportedDates []Date, in Input, to Date, groupErr error) []PairResult {
	recon := NewReconciliationEngine(e.cfg, e.log)
	perf := NewPerformanceCalculator(e.cfg, e.log)

	instruments := make([]string, 0, len(g.instruments))
	for instrument := range g.instruments {
		instruments = append(instruments, instrument)
	}
	slices.Sort(instruments)

	flows := build.Flows
	var accrualWarnings []error
	if accrual != nil {
		flows = append(flows, accrual.Flows...)
		accrualWarnings = accrual.Warnings
	}

	var out []PairResult
	for _, instrument := range instruments {
		pair := PairResult{Key: Key{Account: g.account, Instrument: instrument}, Err: groupErr}

		for _, p := range build.Positions {
			if p.Instrument == instrument {
				pair.Positions = append(pair.Positions, p)
			}
		}
		for _, ev := range build.Realized {
			if ev.Instrument == instrument {
				pair.Realized = append(pair.Realized, ev)
			}
		}
		for _, f := range flows {
			if f.Instrument == instrument {
				pair.Flows = append(pair.Flows, f)
			}
		}
		for _, w := range build.Warnings {
			if instrumentOf(w) == instrument {
				pair.Warnings = append(pair.Warnings, w)
			}
		}
		for _, w := range accrualWarnings {
			if instrumentOf(w) == instrument {
				pair.Warnings = append(pair.Warnings, w)
			}
		}

		var pairSnaps []HoldingSnapshot
		for _, s := range snaps {
			if s.Instrument == instrument {
				pairSnaps = append(pairSnaps, s)
			}
		}
		discrepancies, err := recon.Reconcile(pair.Positions, pairSnaps, reportedDates)
		pair.Discrepancies = discrepancies
		if err != nil {
			pair.Warnings = append(pair.Warnings, err)
		}

		if groupErr == nil {
			pair.Returns = e.returns(perf, &pair, in.From, to)
		}

		// A pair with no activity on either side has nothing to say.
		if len(pair.Positions) > 0 || len(pair.Flows) > 0 || len(pair.Discrepancies) > 0 || pair.Err != nil {
			out = append(out, pair)
		}
	}
	return out
}

// returns computes the pair's return series from its priced positions.
func (e *Engine) returns(perf *PerformanceCalculator, pair *PairResult, from, to Date) *ReturnSeries {
	var values []ValuationPoint
	for _, p := range pair.Positions {
		if p.Unpriced {
			continue
		}
		values = append(values, ValuationPoint{Date: p.AsOf, Value: p.MarketValue})
	}
	if len(values) == 0 {
		return nil
	}

	window := Window{From: from, To: to}
	if window.From.IsZero() {
		window.From = values[0].Date
	}
	if window.To.IsZero() {
		window.To = values[len(values)-1].Date
	}

	series, err := perf.Returns(values, pair.Flows, window)
	if err != nil {
		// A non-converging rate solver still leaves the time-weighted
		// series usable.
		pair.Warnings = append(pair.Warnings, err)
	}
	return series
}

// instrumentOf extracts the instrument a warning is about, best effort.
func instrumentOf(err error) string {
	if u, ok := err.(*UnknownPriceError); ok {
		return u.Instrument
	}
	return ""
}

// latestDate scans the input for the latest mentioned date.
func latestDate(in Input) Date {
	var max Date
	grow := func(d Date) {
		if d.After(max) {
			max = d
		}
	}
	for _, tx := range in.Transactions {
		grow(tx.EffectiveDate())
		grow(tx.EffectiveSettleDate())
	}
	for _, a := range in.Actions {
		grow(a.EffectiveDate)
	}
	for _, s := range in.Snapshots {
		grow(s.ValuationDate)
	}
	for _, d := range in.Declarations {
		grow(d.PayDate)
	}
	return max
}
