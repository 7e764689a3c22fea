package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/futures-core/internal/domain"
)

// Every query below is written once and parameterized through s.dialect;
// see dialect.go for the two concrete placeholder/boolean styles.

const timeLayout = time.RFC3339Nano

func (s *Store) ph(n int) string { return s.dialect.Placeholder(n) }

// insertReturningID runs an insert and returns the new row's id, hiding
// the sqlite (LastInsertId) vs postgres (RETURNING id) difference behind
// one call so callers in this file don't branch on dialect themselves.
func (s *Store) insertReturningID(query string, args ...interface{}) (int64, error) {
	if s.dialect.name() == "postgres" {
		var id int64
		if err := s.db.QueryRow(query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) getStrategy(whereClause string, arg interface{}) (*domain.Strategy, error) {
	row := s.db.QueryRow(fmt.Sprintf(`SELECT id, user_id, name, symbol, tick_size, initial_size,
		add_size, take_profit, stop_loss, add_down, break_even, filters, webhook_token,
		disabled, created_at FROM strategies WHERE %s`, whereClause), arg)

	var (
		st                                                  domain.Strategy
		tpJSON, slJSON, adJSON, beJSON, filtersJSON         string
		disabled                                            bool
		createdAt                                           string
	)
	err := row.Scan(&st.ID, &st.UserID, &st.Name, &st.Symbol, &st.TickSize, &st.InitialSize,
		&st.AddSize, &tpJSON, &slJSON, &adJSON, &beJSON, &filtersJSON, &st.WebhookToken,
		&disabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "strategy not found", err)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "query strategy", err)
	}
	st.Disabled = disabled
	if st.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, domain.NewError(domain.ErrInternal, "parse strategy created_at", err)
	}
	if err := unmarshalAll(map[string]interface{}{
		tpJSON: &st.TakeProfit, slJSON: &st.StopLoss, adJSON: &st.AddDown,
		beJSON: &st.BreakEven, filtersJSON: &st.Filters,
	}); err != nil {
		return nil, domain.NewError(domain.ErrInternal, "decode strategy config", err)
	}
	return &st, nil
}

// unmarshalAll decodes each JSON string key into its paired target, in no
// particular order since each value is independent. A map literal keeps
// the call site terse, but identical JSON strings collapse into one key,
// so only one of their targets is decoded; for blank configs ("{}") that
// is harmless because decoding "{}" sets nothing anyway.
func unmarshalAll(pairs map[string]interface{}) error {
	for raw, target := range pairs {
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), target); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) listTraders(strategyID int64, enabledOnly bool) ([]domain.Trader, error) {
	query := fmt.Sprintf(`SELECT id, user_id, strategy_id, account_id, overrides, multiplier, enabled
		FROM traders WHERE strategy_id = %s`, s.ph(1))
	if enabledOnly {
		query += fmt.Sprintf(" AND enabled = %s", s.dialect.BoolLiteral(true))
	}
	rows, err := s.db.Query(query, strategyID)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list traders", err)
	}
	defer rows.Close()

	var out []domain.Trader
	for rows.Next() {
		var t domain.Trader
		var overridesJSON string
		if err := rows.Scan(&t.ID, &t.UserID, &t.StrategyID, &t.AccountID, &overridesJSON, &t.Multiplier, &t.Enabled); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan trader", err)
		}
		if overridesJSON != "" && overridesJSON != "{}" {
			if err := json.Unmarshal([]byte(overridesJSON), &t.Overrides); err != nil {
				return nil, domain.NewError(domain.ErrInternal, "decode trader overrides", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) listAllEnabledTraders() ([]domain.Trader, error) {
	query := fmt.Sprintf(`SELECT id, user_id, strategy_id, account_id, overrides, multiplier, enabled
		FROM traders WHERE enabled = %s`, s.dialect.BoolLiteral(true))
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list enabled traders", err)
	}
	defer rows.Close()

	var out []domain.Trader
	for rows.Next() {
		var t domain.Trader
		var overridesJSON string
		if err := rows.Scan(&t.ID, &t.UserID, &t.StrategyID, &t.AccountID, &overridesJSON, &t.Multiplier, &t.Enabled); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan trader", err)
		}
		if overridesJSON != "" && overridesJSON != "{}" {
			if err := json.Unmarshal([]byte(overridesJSON), &t.Overrides); err != nil {
				return nil, domain.NewError(domain.ErrInternal, "decode trader overrides", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) getAccount(accountID int64) (*domain.Account, error) {
	row := s.db.QueryRow(fmt.Sprintf(`SELECT id, user_id, broker, environment, subaccount_id,
		credential_kind, access_token, refresh_token, expires_at, api_key, hmac_key, hmac_secret,
		username, password, enabled, needs_reauth, reauth_reason FROM accounts WHERE id = %s`, s.ph(1)), accountID)

	var (
		a              domain.Account
		expiresAt      sql.NullString
		credentialKind string
	)
	var c domain.Credentials
	err := row.Scan(&a.ID, &a.UserID, &a.Broker, &a.Environment, &a.SubaccountID,
		&credentialKind, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.APIKey, &c.HMACKey,
		&c.HMACSecret, &c.Username, &c.Password, &a.Enabled, &a.NeedsReauth, &a.ReauthReason)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "account not found", err)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "query account", err)
	}
	c.Kind = domain.CredentialKind(credentialKind)
	if expiresAt.Valid && expiresAt.String != "" {
		if c.ExpiresAt, err = time.Parse(timeLayout, expiresAt.String); err != nil {
			return nil, domain.NewError(domain.ErrInternal, "parse expires_at", err)
		}
	}
	a.Credentials = c
	return &a, nil
}

func (s *Store) insertTrade(t *domain.Trade) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO trades (strategy_id, trader_id, account_id, symbol, side,
		quantity, entry_price, entry_time, status, tp_order_id)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	id, err := s.insertReturningID(query, t.StrategyID, t.TraderID, t.AccountID, t.Symbol,
		string(t.Side), t.Quantity, t.EntryPrice, t.EntryTime.Format(timeLayout),
		string(domain.TradeOpen), t.TPOrderID)
	if err != nil {
		return 0, domain.NewError(domain.ErrStoreUnavailable, "insert trade", err)
	}
	return id, nil
}

func (s *Store) closeTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error {
	query := fmt.Sprintf(`UPDATE trades SET exit_price = %s, exit_time = %s, status = %s,
		exit_reason = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.Exec(query, exitPrice, exitTime.Format(timeLayout), string(domain.TradeClosed), reason, id)
	if err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "close trade", err)
	}
	return nil
}

func (s *Store) scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var out []domain.Trade
	for rows.Next() {
		var (
			t                   domain.Trade
			side, status        string
			entryTime           string
			exitTime            sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.TraderID, &t.AccountID, &t.Symbol, &side,
			&t.Quantity, &t.EntryPrice, &entryTime, &t.ExitPrice, &exitTime, &status,
			&t.ExitReason, &t.TPOrderID); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Status = domain.TradeStatus(status)
		var err error
		if t.EntryTime, err = time.Parse(timeLayout, entryTime); err != nil {
			return nil, err
		}
		if exitTime.Valid && exitTime.String != "" {
			if t.ExitTime, err = time.Parse(timeLayout, exitTime.String); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const tradeColumns = `id, strategy_id, trader_id, account_id, symbol, side, quantity, entry_price,
	entry_time, exit_price, exit_time, status, exit_reason, tp_order_id`

func (s *Store) listOpenTrades(strategyID int64) ([]domain.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM trades WHERE strategy_id = %s AND status = %s`,
		tradeColumns, s.ph(1), s.ph(2))
	rows, err := s.db.Query(query, strategyID, string(domain.TradeOpen))
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list open trades", err)
	}
	defer rows.Close()
	trades, err := s.scanTrades(rows)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "scan open trades", err)
	}
	return trades, nil
}

func (s *Store) openTradeForAccount(accountID int64, symbol string) (*domain.Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM trades WHERE account_id = %s AND symbol = %s AND status = %s`,
		tradeColumns, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.Query(query, accountID, symbol, string(domain.TradeOpen))
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "query open trade", err)
	}
	defer rows.Close()
	trades, err := s.scanTrades(rows)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "scan open trade", err)
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

func (s *Store) updateTradeQtyEntry(id int64, qty, entry float64) error {
	query := fmt.Sprintf(`UPDATE trades SET quantity = %s, entry_price = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	if _, err := s.db.Exec(query, qty, entry, id); err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "update trade quantity", err)
	}
	return nil
}

func (s *Store) setTradeTPOrderID(id int64, tpOrderID string) error {
	query := fmt.Sprintf(`UPDATE trades SET tp_order_id = %s WHERE id = %s`, s.ph(1), s.ph(2))
	if _, err := s.db.Exec(query, tpOrderID, id); err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "set tp order id", err)
	}
	return nil
}

func (s *Store) insertCopyLog(row *domain.CopyTradeLog) error {
	query := fmt.Sprintf(`INSERT INTO copy_trade_logs (leader_account_id, follower_account_id,
		symbol, side, leader_qty, follower_qty, price, status, latency_ms, error, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err := s.db.Exec(query, row.LeaderAccountID, row.FollowerAccountID, row.Symbol,
		string(row.Side), row.LeaderQty, row.FollowerQty, row.Price, string(row.Status),
		row.LatencyMS, row.Error, row.CreatedAt.Format(timeLayout))
	if err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "insert copy log", err)
	}
	return nil
}

func (s *Store) listFollowers(leaderAccountID int64, enabledOnly bool) ([]domain.FollowerAccount, error) {
	query := fmt.Sprintf(`SELECT id, leader_account_id, account_id, multiplier, max_position_size,
		copy_tp, copy_sl, enabled FROM follower_accounts WHERE leader_account_id = %s`, s.ph(1))
	if enabledOnly {
		query += fmt.Sprintf(" AND enabled = %s", s.dialect.BoolLiteral(true))
	}
	rows, err := s.db.Query(query, leaderAccountID)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list followers", err)
	}
	defer rows.Close()

	var out []domain.FollowerAccount
	for rows.Next() {
		var f domain.FollowerAccount
		if err := rows.Scan(&f.ID, &f.LeaderAccountID, &f.AccountID, &f.Multiplier,
			&f.MaxPositionSize, &f.CopyTP, &f.CopySL, &f.Enabled); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan follower", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) listLeaders() ([]domain.LeaderAccount, error) {
	query := fmt.Sprintf(`SELECT account_id, auto_copy_enabled FROM leader_accounts WHERE auto_copy_enabled = %s`,
		s.dialect.BoolLiteral(true))
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list leaders", err)
	}
	defer rows.Close()

	var out []domain.LeaderAccount
	for rows.Next() {
		var l domain.LeaderAccount
		if err := rows.Scan(&l.AccountID, &l.AutoCopyEnabled); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan leader", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) isFollower(accountID int64) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM follower_accounts WHERE account_id = %s LIMIT 1`, s.ph(1))
	var dummy int
	err := s.db.QueryRow(query, accountID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.NewError(domain.ErrStoreUnavailable, "check follower", err)
	}
	return true, nil
}

func (s *Store) markNeedsReauth(accountID int64, reason string) error {
	query := fmt.Sprintf(`UPDATE accounts SET needs_reauth = %s, reauth_reason = %s WHERE id = %s`,
		s.dialect.BoolLiteral(true), s.ph(1), s.ph(2))
	if _, err := s.db.Exec(query, reason, accountID); err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "mark needs reauth", err)
	}
	return nil
}

func (s *Store) clearNeedsReauth(accountID int64) error {
	query := fmt.Sprintf(`UPDATE accounts SET needs_reauth = %s, reauth_reason = '' WHERE id = %s`,
		s.dialect.BoolLiteral(false), s.ph(1))
	if _, err := s.db.Exec(query, accountID); err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "clear needs reauth", err)
	}
	return nil
}

func (s *Store) updateCredentials(accountID int64, creds domain.Credentials) error {
	query := fmt.Sprintf(`UPDATE accounts SET access_token = %s, refresh_token = %s,
		expires_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.Exec(query, creds.AccessToken, creds.RefreshToken,
		creds.ExpiresAt.Format(timeLayout), accountID)
	if err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "update credentials", err)
	}
	return nil
}

func (s *Store) listOAuthAccounts() ([]domain.Account, error) {
	return s.listAccountsWhere(fmt.Sprintf("enabled = %s AND credential_kind = %s",
		s.dialect.BoolLiteral(true), s.ph(1)), string(domain.CredentialOAuth))
}

func (s *Store) listEnabledAccounts() ([]domain.Account, error) {
	return s.listAccountsWhere(fmt.Sprintf("enabled = %s", s.dialect.BoolLiteral(true)))
}

func (s *Store) listAccountsWhere(whereClause string, args ...interface{}) ([]domain.Account, error) {
	query := fmt.Sprintf(`SELECT id, user_id, broker, environment, subaccount_id, credential_kind,
		access_token, refresh_token, expires_at, api_key, hmac_key, hmac_secret, username,
		password, enabled, needs_reauth, reauth_reason FROM accounts WHERE %s`, whereClause)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list accounts", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var (
			a              domain.Account
			c              domain.Credentials
			credentialKind string
			expiresAt      sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Broker, &a.Environment, &a.SubaccountID,
			&credentialKind, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.APIKey, &c.HMACKey,
			&c.HMACSecret, &c.Username, &c.Password, &a.Enabled, &a.NeedsReauth, &a.ReauthReason); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan account", err)
		}
		c.Kind = domain.CredentialKind(credentialKind)
		if expiresAt.Valid && expiresAt.String != "" {
			if c.ExpiresAt, err = time.Parse(timeLayout, expiresAt.String); err != nil {
				return nil, domain.NewError(domain.ErrInternal, "parse expires_at", err)
			}
		}
		a.Credentials = c
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) insertSignal(sig *domain.Signal) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO signals (strategy_id, raw_body, received_at, action, ticker,
		price, contracts, position, dedup_key, accepted)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	id, err := s.insertReturningID(query, sig.StrategyID, sig.RawBody, sig.ReceivedAt.Format(timeLayout),
		string(sig.Action), sig.Ticker, sig.Price, sig.Contracts, sig.Position, sig.DedupKey, sig.Accepted)
	if err != nil {
		return 0, domain.NewError(domain.ErrStoreUnavailable, "insert signal", err)
	}
	return id, nil
}

func (s *Store) dedupExists(dedupKey string, window time.Duration, now time.Time) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM signals WHERE dedup_key = %s AND accepted = %s AND received_at >= %s LIMIT 1`,
		s.ph(1), s.dialect.BoolLiteral(true), s.ph(2))
	var dummy int
	err := s.db.QueryRow(query, dedupKey, now.Add(-window).Format(timeLayout)).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.NewError(domain.ErrStoreUnavailable, "check dedup", err)
	}
	return true, nil
}

func (s *Store) lastAcceptedSignalTime(strategyID int64) (time.Time, error) {
	query := fmt.Sprintf(`SELECT received_at FROM signals WHERE strategy_id = %s AND accepted = %s
		ORDER BY received_at DESC LIMIT 1`, s.ph(1), s.dialect.BoolLiteral(true))
	var raw string
	err := s.db.QueryRow(query, strategyID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, domain.NewError(domain.ErrStoreUnavailable, "last accepted signal", err)
	}
	return time.Parse(timeLayout, raw)
}

func (s *Store) countSignalsSince(strategyID int64, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM signals WHERE strategy_id = %s AND accepted = %s AND received_at >= %s`,
		s.ph(1), s.dialect.BoolLiteral(true), s.ph(2))
	var n int
	err := s.db.QueryRow(query, strategyID, since.Format(timeLayout)).Scan(&n)
	if err != nil {
		return 0, domain.NewError(domain.ErrStoreUnavailable, "count signals", err)
	}
	return n, nil
}

func (s *Store) insertExecutionFailure(f *domain.ExecutionFailure) error {
	query := fmt.Sprintf(`INSERT INTO execution_failures (strategy_id, trader_id, account_id,
		symbol, action, error_kind, detail, occurred_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.db.Exec(query, f.StrategyID, f.TraderID, f.AccountID, f.Symbol, string(f.Action),
		string(f.ErrorKind), f.Detail, f.OccurredAt.Format(timeLayout))
	if err != nil {
		return domain.NewError(domain.ErrStoreUnavailable, "insert execution failure", err)
	}
	return nil
}

func (s *Store) realizedLossSince(strategyID int64, since time.Time) (float64, error) {
	query := fmt.Sprintf(`SELECT side, quantity, entry_price, exit_price FROM trades
		WHERE strategy_id = %s AND status = %s AND exit_time >= %s`,
		s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.Query(query, strategyID, string(domain.TradeClosed), since.Format(timeLayout))
	if err != nil {
		return 0, domain.NewError(domain.ErrStoreUnavailable, "query realized loss", err)
	}
	defer rows.Close()

	var loss float64
	for rows.Next() {
		var side string
		var qty, entry, exit float64
		if err := rows.Scan(&side, &qty, &entry, &exit); err != nil {
			return 0, domain.NewError(domain.ErrStoreUnavailable, "scan realized loss row", err)
		}
		pnl := (exit - entry) * qty
		if domain.Side(side) == domain.SideShort {
			pnl = (entry - exit) * qty
		}
		if pnl < 0 {
			loss += -pnl
		}
	}
	return loss, rows.Err()
}

func (s *Store) strategyForAccount(accountID int64) (*domain.Strategy, error) {
	query := fmt.Sprintf(`SELECT strategy_id FROM traders WHERE account_id = %s AND enabled = %s LIMIT 1`,
		s.ph(1), s.dialect.BoolLiteral(true))
	var strategyID int64
	err := s.db.QueryRow(query, accountID).Scan(&strategyID)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "no strategy linked to account", err)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "query trader for account", err)
	}
	return s.StrategyByID(strategyID)
}

func (s *Store) resolveContractMapping(sourceSymbol string) (*domain.ContractMapping, error) {
	query := fmt.Sprintf(`SELECT source_symbol, target_symbol, qty_multiplier FROM contract_mappings
		WHERE source_symbol = %s LIMIT 1`, s.ph(1))
	var m domain.ContractMapping
	err := s.db.QueryRow(query, sourceSymbol).Scan(&m.SourceSymbol, &m.TargetSymbol, &m.QtyMultiplier)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "no contract mapping", err)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "query contract mapping", err)
	}
	return &m, nil
}

func (s *Store) listExecutionFailures(limit int) ([]domain.ExecutionFailure, error) {
	query := fmt.Sprintf(`SELECT id, strategy_id, trader_id, account_id, symbol, action, error_kind,
		detail, occurred_at FROM execution_failures ORDER BY occurred_at DESC LIMIT %s`, s.ph(1))
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "list execution failures", err)
	}
	defer rows.Close()

	var out []domain.ExecutionFailure
	for rows.Next() {
		var (
			f                    domain.ExecutionFailure
			action, kind, raw    string
		)
		if err := rows.Scan(&f.ID, &f.StrategyID, &f.TraderID, &f.AccountID, &f.Symbol, &action,
			&kind, &f.Detail, &raw); err != nil {
			return nil, domain.NewError(domain.ErrStoreUnavailable, "scan execution failure", err)
		}
		f.Action = domain.Action(action)
		f.ErrorKind = domain.ErrorKind(kind)
		if f.OccurredAt, err = time.Parse(timeLayout, raw); err != nil {
			return nil, domain.NewError(domain.ErrInternal, "parse occurred_at", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
