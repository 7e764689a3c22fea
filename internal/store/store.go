// Package store is the transactional persistence layer. Every query
// is expressed once in queries.go against a dialect abstraction; New picks
// the sqlite or postgres backend per config.DatabaseDriver and substitutes
// placeholders and boolean literals accordingly.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"
)

// Store is the public contract every caller programs against. It never
// exposes *sql.DB so callers can't bypass the dialect-aware query layer.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
}

// New opens the configured backend and runs migrations.
func New(cfg *config.Config, log zerolog.Logger) (*Store, error) {
	var (
		db  *sql.DB
		dlt dialect
		err error
	)

	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = openPostgres(cfg.DatabaseDSN)
		dlt = postgresDialect{}
	default:
		db, err = openSQLite(cfg.DatabaseDSN)
		dlt = sqliteDialect{}
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "open database", err)
	}

	s := &Store{db: db, dialect: dlt, log: log.With().Str("component", "store").Logger()}
	if err := s.migrate(); err != nil {
		return nil, domain.NewError(domain.ErrStoreUnavailable, "run migrations", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMigrations re-runs every migration statement; safe to call any number
// of times since each statement is additive (CREATE TABLE/INDEX IF NOT
// EXISTS). Exposed for the admin run-migrations endpoint.
func (s *Store) RunMigrations() error {
	return s.migrate()
}

// StrategyByWebhookToken returns NotFound when the token doesn't resolve,
// so the webhook endpoint can decide between 404 and 410.
func (s *Store) StrategyByWebhookToken(token string) (*domain.Strategy, error) {
	return s.getStrategy(fmt.Sprintf("webhook_token = %s", s.dialect.Placeholder(1)), token)
}

// StrategyByID fetches a strategy by primary key.
func (s *Store) StrategyByID(id int64) (*domain.Strategy, error) {
	return s.getStrategy(fmt.Sprintf("id = %s", s.dialect.Placeholder(1)), id)
}

// ListTradersForStrategy lists traders linked to a strategy, optionally
// only the enabled ones.
func (s *Store) ListTradersForStrategy(strategyID int64, enabledOnly bool) ([]domain.Trader, error) {
	return s.listTraders(strategyID, enabledOnly)
}

// GetAccountWithCredentials fetches an account including its credential blob.
func (s *Store) GetAccountWithCredentials(accountID int64) (*domain.Account, error) {
	return s.getAccount(accountID)
}

// OpenTrade inserts a new trade record and returns its id.
func (s *Store) OpenTrade(t *domain.Trade) (int64, error) {
	return s.insertTrade(t)
}

// CloseTrade closes a trade with an exit price/time and reason.
func (s *Store) CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error {
	return s.closeTrade(id, exitPrice, exitTime, reason)
}

// ListOpenTrades lists the open trades for a strategy.
func (s *Store) ListOpenTrades(strategyID int64) ([]domain.Trade, error) {
	return s.listOpenTrades(strategyID)
}

// OpenTradeForAccount returns the single open trade for an account+symbol,
// or nil when none is open.
func (s *Store) OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error) {
	return s.openTradeForAccount(accountID, symbol)
}

// UpdateTradeQuantityAndEntry updates a trade's quantity/entry in place
// (used by DCA adds, copy-trade adjustments and take-profit leg trims).
// The reconciler does not call it: a quantity that disagrees with the
// broker's position is left as stored.
func (s *Store) UpdateTradeQuantityAndEntry(id int64, qty, entry float64) error {
	return s.updateTradeQtyEntry(id, qty, entry)
}

// SetTradeTPOrderID records the working take-profit order id on a trade.
func (s *Store) SetTradeTPOrderID(id int64, tpOrderID string) error {
	return s.setTradeTPOrderID(id, tpOrderID)
}

// AppendCopyLog appends a copy-trade audit row.
func (s *Store) AppendCopyLog(row *domain.CopyTradeLog) error {
	return s.insertCopyLog(row)
}

// ListFollowersFor lists followers of a leader account.
func (s *Store) ListFollowersFor(leaderAccountID int64, enabledOnly bool) ([]domain.FollowerAccount, error) {
	return s.listFollowers(leaderAccountID, enabledOnly)
}

// ListLeaders lists every account marked as an auto-copy leader.
func (s *Store) ListLeaders() ([]domain.LeaderAccount, error) {
	return s.listLeaders()
}

// IsFollowerOfAnyLeader reports whether accountID is a follower account,
// for the router's pipeline-separation check. A follower link isn't
// symbol-scoped and the router applies no symbol filter either, so a
// follower account is skipped for every symbol; this checks account role
// only.
func (s *Store) IsFollowerOfAnyLeader(accountID int64) (bool, error) {
	return s.isFollower(accountID)
}

// MarkAccountNeedsReauth flags an account as needing re-authentication.
func (s *Store) MarkAccountNeedsReauth(accountID int64, reason string) error {
	return s.markNeedsReauth(accountID, reason)
}

// ClearAccountNeedsReauth clears the needs_reauth flag after a successful login.
func (s *Store) ClearAccountNeedsReauth(accountID int64) error {
	return s.clearNeedsReauth(accountID)
}

// UpdateAccountCredentials persists refreshed tokens for an account.
func (s *Store) UpdateAccountCredentials(accountID int64, creds domain.Credentials) error {
	return s.updateCredentials(accountID, creds)
}

// ListAccountsWithShortLivedTokens lists every enabled account whose
// credential kind is OAuth (the only kind the Credential Keeper manages).
func (s *Store) ListAccountsWithShortLivedTokens() ([]domain.Account, error) {
	return s.listOAuthAccounts()
}

// InsertSignal persists a raw webhook signal for audit.
func (s *Store) InsertSignal(sig *domain.Signal) (int64, error) {
	return s.insertSignal(sig)
}

// RecentDedupKeyExists reports whether a signal with the same dedup key
// was accepted within window.
func (s *Store) RecentDedupKeyExists(dedupKey string, window time.Duration, now time.Time) (bool, error) {
	return s.dedupExists(dedupKey, window, now)
}

// LastAcceptedSignalTime returns the time of the last accepted signal for
// a strategy, or the zero time if none.
func (s *Store) LastAcceptedSignalTime(strategyID int64) (time.Time, error) {
	return s.lastAcceptedSignalTime(strategyID)
}

// CountSignalsSince counts accepted signals for a strategy since the given time.
func (s *Store) CountSignalsSince(strategyID int64, since time.Time) (int, error) {
	return s.countSignalsSince(strategyID, since)
}

// RecordExecutionFailure appends a structured execution failure.
func (s *Store) RecordExecutionFailure(f *domain.ExecutionFailure) error {
	return s.insertExecutionFailure(f)
}

// ListExecutionFailures returns the most recent execution failures, most recent first.
func (s *Store) ListExecutionFailures(limit int) ([]domain.ExecutionFailure, error) {
	return s.listExecutionFailures(limit)
}

// ListEnabledTraders lists every enabled trader across all strategies,
// for the reconciler's sweep.
func (s *Store) ListEnabledTraders() ([]domain.Trader, error) {
	return s.listAllEnabledTraders()
}

// ListEnabledAccounts lists every enabled account, for the server's
// auth-status endpoint.
func (s *Store) ListEnabledAccounts() ([]domain.Account, error) {
	return s.listEnabledAccounts()
}

// RealizedLossSince sums realized losses (as a positive number) across a
// strategy's trades closed since the given time, for the router's
// max-daily-loss gate. A net-profitable session reports zero rather than
// a negative figure since the gate only ever compares against a loss cap.
func (s *Store) RealizedLossSince(strategyID int64, since time.Time) (float64, error) {
	return s.realizedLossSince(strategyID, since)
}

// StrategyForAccount returns the strategy driving the given account
// through its (enabled) trader link, for the copy engine's risk-leg
// derivation. domain.ErrNotFound when the account has no linked trader.
func (s *Store) StrategyForAccount(accountID int64) (*domain.Strategy, error) {
	return s.strategyForAccount(accountID)
}

// ResolveContractMapping looks up a source-to-target symbol remap, for
// broker adapters that resolve a strategy's logical symbol to the
// tradable contract of a specific funded-account program. NotFound means
// no mapping is configured and the caller should fall back to identity.
func (s *Store) ResolveContractMapping(sourceSymbol string) (*domain.ContractMapping, error) {
	return s.resolveContractMapping(sourceSymbol)
}
