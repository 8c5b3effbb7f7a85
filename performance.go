package positions

import (
	"math"
	"slices"

	"github.com/rs/zerolog"
)

// ValuationPoint is the end-of-day market value of one replay unit.
type ValuationPoint struct {
	Date  Date  `json:"date"`
	Value Money `json:"value"`
}

// Window is an evaluation window, inclusive on both ends.
type Window struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

// PerformanceCalculator computes time-weighted and money-weighted returns
// from a valuation series and a cash-flow timeline.
//
// Valuations and flows follow the end-of-day convention: the value dated d
// already reflects every flow dated d. A sub-period ending at d therefore
// returns (V_d - F_d) / V_prev - 1, with F_d the external flows since the
// previous boundary.
type PerformanceCalculator struct {
	cfg Config
	log zerolog.Logger
}

// NewPerformanceCalculator creates a calculator.
func NewPerformanceCalculator(cfg Config, logger zerolog.Logger) *PerformanceCalculator {
	return &PerformanceCalculator{
		cfg: cfg,
		log: logger.With().Str("component", "performance").Logger(),
	}
}

// Returns computes the return series over the window.
//
// The window partitions at external flow dates; sub-periods with no usable
// valuation (zero or unknown start value) carry a NaN return and are
// excluded from the geometric chain.
//
// The money-weighted return solves the internal-rate equation with Newton's
// method, falling back to bisection. When neither converges within the
// configured iteration budget the series still carries the time-weighted
// results, MWRConverged is false, and the error is a *NoConvergenceError.
func (p *PerformanceCalculator) Returns(values []ValuationPoint, flows []CashFlow, window Window) (*ReturnSeries, error) {
	series := &ReturnSeries{}
	if len(values) == 0 || !window.From.Before(window.To) && window.From != window.To {
		return series, nil
	}

	points := slices.Clone(values)
	slices.SortStableFunc(points, func(a, b ValuationPoint) int { return a.Date.Compare(b.Date) })

	external := make([]CashFlow, 0, len(flows))
	for _, f := range flows {
		if f.External() && f.Date.After(window.From) && !f.Date.After(window.To) {
			external = append(external, f)
		}
	}
	slices.SortStableFunc(external, func(a, b CashFlow) int { return a.Date.Compare(b.Date) })

	boundaries := p.boundaries(external, window)

	cumulative := 1.0
	chained := false
	for i := 1; i < len(boundaries); i++ {
		start, end := boundaries[i-1], boundaries[i]
		vStart := valueAt(points, start)
		vEnd := valueAt(points, end)
		net := flowSum(external, start, end)

		r := math.NaN()
		if !math.IsNaN(vStart) && !math.IsNaN(vEnd) && vStart > 0 {
			r = (vEnd-net)/vStart - 1
		}
		if !math.IsNaN(r) {
			cumulative *= 1 + r
			chained = true
		} else {
			p.log.Debug().Stringer("start", start).Stringer("end", end).Msg("sub-period excluded from chain")
		}
		series.Periods = append(series.Periods, SubPeriodReturn{
			Start:         start,
			End:           end,
			TWR:           r,
			CumulativeTWR: cumulative - 1,
		})
	}
	if !chained && len(series.Periods) > 0 {
		p.log.Warn().Stringer("from", window.From).Stringer("to", window.To).Msg("no sub-period could be chained")
	}

	return p.moneyWeighted(series, points, external, window)
}

// boundaries returns the sorted distinct partition dates of the window.
func (p *PerformanceCalculator) boundaries(external []CashFlow, window Window) []Date {
	out := []Date{window.From}
	for _, f := range external {
		if f.Date.After(window.From) && f.Date.Before(window.To) {
			out = append(out, f.Date)
		}
	}
	out = append(out, window.To)
	slices.SortFunc(out, Date.Compare)
	return slices.Compact(out)
}

// valueAt returns the last known value on or before the date, NaN when the
// series has not started yet.
func valueAt(points []ValuationPoint, on Date) float64 {
	i, found := slices.BinarySearchFunc(points, on, func(p ValuationPoint, d Date) int {
		return p.Date.Compare(d)
	})
	if found {
		return points[i].Value.InexactFloat64()
	}
	if i == 0 {
		return math.NaN()
	}
	return points[i-1].Value.InexactFloat64()
}

// flowSum nets the external flows dated in (start, end].
func flowSum(external []CashFlow, start, end Date) float64 {
	var sum float64
	for _, f := range external {
		if f.Date.After(start) && !f.Date.After(end) {
			sum += f.Amount.InexactFloat64()
		}
	}
	return sum
}

// mwrFlow is one dated cash amount of the rate equation.
type mwrFlow struct {
	weight float64 // fraction of the window remaining after the flow
	amount float64
}

// moneyWeighted solves for the rate r such that the start value and every
// flow, each compounded at (1+r) over its remaining fraction of the window,
// reproduce the end value. The rate is per window, not annualized, so for a
// flow-free window it equals the cumulative time-weighted return.
func (p *PerformanceCalculator) moneyWeighted(series *ReturnSeries, points []ValuationPoint, external []CashFlow, window Window) (*ReturnSeries, error) {
	span := float64(window.To.Sub(window.From))
	vStart := valueAt(points, window.From)
	vEnd := valueAt(points, window.To)
	if span <= 0 || math.IsNaN(vStart) || math.IsNaN(vEnd) || vStart <= 0 {
		return series, nil
	}

	cash := []mwrFlow{{weight: 1, amount: vStart}}
	for _, f := range external {
		cash = append(cash, mwrFlow{
			weight: float64(window.To.Sub(f.Date)) / span,
			amount: f.Amount.InexactFloat64(),
		})
	}

	npv := func(r float64) float64 {
		var sum float64
		for _, c := range cash {
			sum += c.amount * math.Pow(1+r, c.weight)
		}
		return sum - vEnd
	}
	slope := func(r float64) float64 {
		var sum float64
		for _, c := range cash {
			sum += c.amount * c.weight * math.Pow(1+r, c.weight-1)
		}
		return sum
	}

	rate, err := p.solve(npv, slope)
	if err != nil {
		p.log.Warn().Err(err).Stringer("from", window.From).Stringer("to", window.To).Msg("money-weighted return did not converge")
		return series, err
	}
	series.MoneyWeighted = rate
	series.MWRConverged = true
	return series, nil
}

// Domain of the rate search. A rate of -100% or below has no meaning and the
// power terms blow up long before +1000%.
const (
	mwrRateFloor = -0.999999
	mwrRateCeil  = 10.0
)

// solve runs Newton's method and falls back to bisection when Newton stalls
// or escapes the rate domain.
func (p *PerformanceCalculator) solve(npv, slope func(float64) float64) (float64, error) {
	r := 0.05
	for i := 0; i < p.cfg.MWRMaxIterations; i++ {
		f := npv(r)
		d := slope(r)
		if math.IsNaN(f) || math.IsNaN(d) || math.Abs(d) < 1e-12 {
			break
		}
		next := r - f/d
		if next <= mwrRateFloor || next > mwrRateCeil || math.IsNaN(next) {
			break
		}
		if math.Abs(next-r) < p.cfg.MWRTolerance {
			return next, nil
		}
		r = next
	}
	return p.bisect(npv, r)
}

func (p *PerformanceCalculator) bisect(npv func(float64) float64, last float64) (float64, error) {
	lo, hi := mwrRateFloor, mwrRateCeil
	fLo, fHi := npv(lo), npv(hi)
	if math.IsNaN(fLo) || math.IsNaN(fHi) || fLo*fHi > 0 {
		return 0, &NoConvergenceError{Iterations: p.cfg.MWRMaxIterations, LastRate: last}
	}
	for i := 0; i < p.cfg.MWRMaxIterations; i++ {
		mid := (lo + hi) / 2
		fMid := npv(mid)
		switch {
		case math.Abs(hi-lo) < p.cfg.MWRTolerance:
			return mid, nil
		case fMid == 0:
			return mid, nil
		case fLo*fMid < 0:
			hi = mid
		default:
			lo, fLo = mid, fMid
		}
	}
	return 0, &NoConvergenceError{Iterations: p.cfg.MWRMaxIterations, LastRate: (lo + hi) / 2}
}
