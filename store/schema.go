package store

// Decimal columns are TEXT on purpose: the engine's arithmetic is exact and
// REAL would silently round it away on the way to disk.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	from_date TEXT NOT NULL,
	to_date TEXT NOT NULL,
	pairs INTEGER NOT NULL,
	failed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	run_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	as_of_date TEXT NOT NULL,
	quantity TEXT NOT NULL,
	market_value TEXT NOT NULL,
	cost_basis TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	currency TEXT NOT NULL,
	unpriced INTEGER NOT NULL,
	PRIMARY KEY (run_id, account_id, instrument_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS realized_pnl (
	run_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	lot_id INTEGER NOT NULL,
	quantity_closed TEXT NOT NULL,
	proceeds TEXT NOT NULL,
	cost_basis_consumed TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	realize_date TEXT NOT NULL,
	basis_transfer INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discrepancies (
	run_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	date TEXT NOT NULL,
	field TEXT NOT NULL,
	expected TEXT,
	actual TEXT,
	delta TEXT NOT NULL,
	magnitude TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS returns (
	run_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	twr REAL NOT NULL,
	cumulative_twr REAL NOT NULL,
	mwr REAL,
	mwr_converged INTEGER NOT NULL,
	PRIMARY KEY (run_id, account_id, instrument_id, period_start)
);

CREATE INDEX IF NOT EXISTS idx_positions_pair ON positions(account_id, instrument_id, as_of_date);
CREATE INDEX IF NOT EXISTS idx_realized_pair ON realized_pnl(account_id, instrument_id, realize_date);
CREATE INDEX IF NOT EXISTS idx_discrepancies_pair ON discrepancies(account_id, instrument_id, date);
`
