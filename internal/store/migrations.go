package store

// migrate runs every migration in order. Each statement is additive and
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) so
// repeated runs across restarts and across the two backends never fail,
// which is what lets /api/run-migrations be called any number of times.
func (s *Store) migrate() error {
	for _, stmt := range migrationStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrationStatements are dialect-neutral: both sqlite and postgres accept
// this subset of DDL (INTEGER PRIMARY KEY autoincrements under sqlite;
// under postgres it's declared as a regular column and callers rely on
// the driver's RETURNING support instead — see queries.go insertX helpers).
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		approved INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		tick_size REAL NOT NULL,
		initial_size REAL NOT NULL,
		add_size REAL NOT NULL DEFAULT 0,
		take_profit TEXT NOT NULL DEFAULT '{}',
		stop_loss TEXT NOT NULL DEFAULT '{}',
		add_down TEXT NOT NULL DEFAULT '{}',
		break_even TEXT NOT NULL DEFAULT '{}',
		filters TEXT NOT NULL DEFAULT '{}',
		webhook_token TEXT NOT NULL UNIQUE,
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_webhook_token ON strategies(webhook_token)`,
	`CREATE TABLE IF NOT EXISTS traders (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		strategy_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		overrides TEXT NOT NULL DEFAULT '{}',
		multiplier REAL NOT NULL DEFAULT 1,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traders_strategy ON traders(strategy_id)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		broker TEXT NOT NULL,
		environment TEXT NOT NULL,
		subaccount_id TEXT NOT NULL DEFAULT '',
		credential_kind TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		api_key TEXT NOT NULL DEFAULT '',
		hmac_key TEXT NOT NULL DEFAULT '',
		hmac_secret TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		needs_reauth INTEGER NOT NULL DEFAULT 0,
		reauth_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY,
		strategy_id INTEGER NOT NULL,
		trader_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		entry_time TEXT NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		exit_time TEXT,
		status TEXT NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT '',
		tp_order_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_strategy_status ON trades(strategy_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_account_symbol_status ON trades(account_id, symbol, status)`,
	`CREATE TABLE IF NOT EXISTS leader_accounts (
		account_id INTEGER PRIMARY KEY,
		auto_copy_enabled INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS follower_accounts (
		id INTEGER PRIMARY KEY,
		leader_account_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		multiplier REAL NOT NULL DEFAULT 1,
		max_position_size REAL NOT NULL DEFAULT 0,
		copy_tp INTEGER NOT NULL DEFAULT 1,
		copy_sl INTEGER NOT NULL DEFAULT 1,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_followers_leader ON follower_accounts(leader_account_id)`,
	`CREATE TABLE IF NOT EXISTS copy_trade_logs (
		id INTEGER PRIMARY KEY,
		leader_account_id INTEGER NOT NULL,
		follower_account_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		leader_qty REAL NOT NULL,
		follower_qty REAL NOT NULL,
		price REAL NOT NULL,
		status TEXT NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contract_mappings (
		source_symbol TEXT NOT NULL,
		target_symbol TEXT NOT NULL,
		qty_multiplier REAL NOT NULL DEFAULT 1,
		PRIMARY KEY (source_symbol, target_symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY,
		strategy_id INTEGER NOT NULL,
		raw_body TEXT NOT NULL,
		received_at TEXT NOT NULL,
		action TEXT NOT NULL,
		ticker TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		contracts REAL NOT NULL DEFAULT 0,
		position TEXT NOT NULL DEFAULT '',
		dedup_key TEXT NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_dedup ON signals(dedup_key, received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_strategy_time ON signals(strategy_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS execution_failures (
		id INTEGER PRIMARY KEY,
		strategy_id INTEGER NOT NULL,
		trader_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		error_kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exec_failures_time ON execution_failures(occurred_at)`,
}
