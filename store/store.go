// Package store persists engine runs to SQLite for audit. Every run is
// immutable once saved and addressed by a time-sortable ULID.
package store

import (
	"context"
	cryptoRand "crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fintrail/positions"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable, with
	// ulid.Monotonic keeping same-millisecond IDs lexicographically
	// increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// newRunID returns a ULID string.
func newRunID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), mono).String()
}

// Store is a SQLite-backed audit store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (and if needed creates) the store at path. ":memory:" works for
// tests.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, log: logger.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun persists a complete engine run in one transaction and returns the
// new run ID.
func (s *Store) SaveRun(ctx context.Context, from, to positions.Date, run *positions.RunResult) (string, error) {
	runID := newRunID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, from_date, to_date, pairs, failed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), from.String(), to.String(), len(run.Pairs), len(run.Failed()),
	); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	for _, pair := range run.Pairs {
		if err := s.savePair(ctx, tx, runID, pair); err != nil {
			return "", fmt.Errorf("save run %s for %s: %w", runID, pair.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	s.log.Info().Str("run_id", runID).Int("pairs", len(run.Pairs)).Msg("run saved")
	return runID, nil
}

func (s *Store) savePair(ctx context.Context, tx *sql.Tx, runID string, pair positions.PairResult) error {
	for _, p := range pair.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions
			(run_id, account_id, instrument_id, as_of_date, quantity, market_value, cost_basis, unrealized_pnl, currency, unpriced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, p.Account, p.Instrument, p.AsOf.String(),
			p.Quantity.Decimal().String(),
			p.MarketValue.Decimal().String(),
			p.CostBasis.Decimal().String(),
			p.UnrealizedPnl.Decimal().String(),
			p.CostBasis.Currency(), p.Unpriced,
		); err != nil {
			return err
		}
	}

	for _, e := range pair.Realized {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO realized_pnl
			(run_id, transaction_id, account_id, instrument_id, lot_id, quantity_closed, proceeds, cost_basis_consumed, realized_pnl, realize_date, basis_transfer)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.TransactionID, e.Account, e.Instrument, e.LotID,
			e.QuantityClosed.Decimal().String(),
			e.Proceeds.Decimal().String(),
			e.CostBasisConsumed.Decimal().String(),
			e.RealizedPnl.Decimal().String(),
			e.RealizeDate.String(), e.BasisTransfer,
		); err != nil {
			return err
		}
	}

	for _, d := range pair.Discrepancies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO discrepancies
			(run_id, account_id, instrument_id, date, field, expected, actual, delta, magnitude)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, d.Account, d.Instrument, d.Date.String(), string(d.Field),
			nullText(d.Expected), nullText(d.Actual),
			d.Delta.String(), d.Magnitude.String(),
		); err != nil {
			return err
		}
	}

	if pair.Returns != nil {
		for _, p := range pair.Returns.Periods {
			var mwr any
			if pair.Returns.MWRConverged {
				mwr = pair.Returns.MoneyWeighted
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO returns
				(run_id, account_id, instrument_id, period_start, period_end, twr, cumulative_twr, mwr, mwr_converged)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, pair.Account, pair.Instrument,
				p.Start.String(), p.End.String(), p.TWR, p.CumulativeTWR,
				mwr, pair.Returns.MWRConverged,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// nullText converts an optional decimal to a nullable column value.
func nullText(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// Positions loads the saved position snapshots of one pair, ordered by date.
func (s *Store) Positions(ctx context.Context, runID, account, instrument string) ([]positions.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, instrument_id, as_of_date, quantity, market_value, cost_basis, unrealized_pnl, currency, unpriced
		FROM positions
		WHERE run_id = ? AND account_id = ? AND instrument_id = ?
		ORDER BY as_of_date`,
		runID, account, instrument)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []positions.Position
	for rows.Next() {
		var (
			p                             positions.Position
			asOf, qty, mv, cost, pnl, cur string
		)
		if err := rows.Scan(&p.Account, &p.Instrument, &asOf, &qty, &mv, &cost, &pnl, &cur, &p.Unpriced); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.AsOf, err = positions.ParseDate(asOf); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("scan position quantity: %w", err)
		}
		p.Quantity = positions.Q(q)
		for _, col := range []struct {
			text string
			dst  *positions.Money
		}{{mv, &p.MarketValue}, {cost, &p.CostBasis}, {pnl, &p.UnrealizedPnl}} {
			d, err := decimal.NewFromString(col.text)
			if err != nil {
				return nil, fmt.Errorf("scan position value: %w", err)
			}
			*col.dst = positions.M(d, cur)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Discrepancies loads every reconciliation break of a run, in insertion
// order.
func (s *Store) Discrepancies(ctx context.Context, runID string) ([]positions.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, instrument_id, date, field, expected, actual, delta, magnitude
		FROM discrepancies
		WHERE run_id = ?`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []positions.Discrepancy
	for rows.Next() {
		var (
			d                     positions.Discrepancy
			on, field, delta, mag string
			expected, actual      sql.NullString
		)
		if err := rows.Scan(&d.Account, &d.Instrument, &on, &field, &expected, &actual, &delta, &mag); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.Field = positions.DiscrepancyField(field)
		if d.Date, err = positions.ParseDate(on); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		if d.Expected, err = scanNullDecimal(expected); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		if d.Actual, err = scanNullDecimal(actual); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		if d.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		if d.Magnitude, err = decimal.NewFromString(mag); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RealizedPnl loads the realized-PnL ledger of one pair, ordered by date.
func (s *Store) RealizedPnl(ctx context.Context, runID, account, instrument string) ([]positions.RealizedPnlEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, instrument_id, lot_id, quantity_closed, proceeds, cost_basis_consumed, realized_pnl, realize_date, basis_transfer
		FROM realized_pnl
		WHERE run_id = ? AND account_id = ? AND instrument_id = ?
		ORDER BY realize_date, lot_id`,
		runID, account, instrument)
	if err != nil {
		return nil, fmt.Errorf("query realized pnl: %w", err)
	}
	defer rows.Close()

	var out []positions.RealizedPnlEvent
	for rows.Next() {
		var (
			e                         positions.RealizedPnlEvent
			qty, proc, cost, pnl, on string
		)
		if err := rows.Scan(&e.TransactionID, &e.Account, &e.Instrument, &e.LotID, &qty, &proc, &cost, &pnl, &on, &e.BasisTransfer); err != nil {
			return nil, fmt.Errorf("scan realized pnl: %w", err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("scan realized quantity: %w", err)
		}
		e.QuantityClosed = positions.Q(q)
		for _, col := range []struct {
			text string
			dst  *positions.Money
		}{{proc, &e.Proceeds}, {cost, &e.CostBasisConsumed}, {pnl, &e.RealizedPnl}} {
			d, err := decimal.NewFromString(col.text)
			if err != nil {
				return nil, fmt.Errorf("scan realized value: %w", err)
			}
			*col.dst = positions.M(d, "")
		}
		if e.RealizeDate, err = positions.ParseDate(on); err != nil {
			return nil, fmt.Errorf("scan realized pnl: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
