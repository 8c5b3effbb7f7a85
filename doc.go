// Package positions derives lot-level holdings, reconciliation breaks and
// investment returns from canonical transaction history. It is designed to be
// deterministic and auditable: the same inputs always produce the same
// outputs, and every derived number traces back to the lots and transactions
// that produced it.
//
// The core functionalities include:
//   - Lot Ledger: an append-only book of acquisitions per (account,
//     instrument), consumed on sales under a configurable matching rule
//     (FIFO, LIFO, specific-id, highest-cost) with one realized-PnL event
//     per consumed lot.
//   - Position Replay: a chronological replay of transactions and corporate
//     actions (splits, mergers) into dated position snapshots, with
//     unpriced holdings flagged rather than silently zeroed.
//   - Reconciliation: a field-by-field comparison of derived positions
//     against externally reported holding snapshots, under quantity and
//     monetary tolerances, with one-sided holdings reported as breaks.
//   - Dividend Accrual: ex-date entitlement tracking, pay-date cash
//     settlement net of withholding, and optional automatic reinvestment.
//   - Performance: time-weighted return chains partitioned at external cash
//     flows, and a money-weighted (internal) rate of return per window.
//   - Data Persistence: JSONL codecs for the canonical record types, and a
//     SQLite audit store for completed runs (see the store subpackage).
//
// This package serves as the foundational logic for the `ppe` command-line
// tool; the engine itself performs no I/O and takes all inputs as values.
package positions
