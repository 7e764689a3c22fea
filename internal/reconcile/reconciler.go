// Package reconcile is the Reconciler: a scheduled sweep that
// compares the store's view of every enabled trader's position against
// the broker's own reported state and repairs drift — adopting a position
// the store doesn't know about, placing a take-profit ladder that never
// got placed, flattening positions past a strategy's cutoff time, and
// closing out trade records the broker no longer backs. Grounded on
// internal/scheduler.Job and internal/exec's bracket-building helpers.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
)

// Store is the subset of internal/store.Store the reconciler needs.
type Store interface {
	ListEnabledTraders() ([]domain.Trader, error)
	StrategyByID(id int64) (*domain.Strategy, error)
	GetAccountWithCredentials(accountID int64) (*domain.Account, error)
	OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error)
	OpenTrade(t *domain.Trade) (int64, error)
	CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error
	SetTradeTPOrderID(id int64, tpOrderID string) error
}

// Reconciler is a scheduler.Job run on a fixed cadence (cmd/server wires
// it to run every few minutes).
type Reconciler struct {
	store      Store
	brokers    map[domain.BrokerKind]broker.Adapter
	liveTraced func(accountID int64) bool
	staleGrace time.Duration
	log        zerolog.Logger
}

// New builds a Reconciler. liveTracked reports whether an account is
// currently held open by a Streaming Hub subscription — auto-TP placement
// is skipped for those accounts, since the exec engine's stream listener
// is already tracking that account's TP leg fills and racing a sweep's
// placement against live fill handling would risk a duplicate TP order.
// A simple callback rather than a tighter coupling to
// the Hub's internal state, documented in DESIGN.md.
func New(store Store, brokers map[domain.BrokerKind]broker.Adapter, liveTracked func(accountID int64) bool, cfg *config.Config, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: store, brokers: brokers, liveTraced: liveTracked,
		staleGrace: cfg.ReconcilerStaleGracePeriod,
		log:        log.With().Str("component", "reconciler").Logger(),
	}
}

func (r *Reconciler) Name() string { return "reconciler" }

// Run sweeps every enabled trader's account+symbol, repairing drift
// between the store and the broker. A single trader's failure is logged
// and skipped so it never blocks the rest of the sweep.
func (r *Reconciler) Run() error {
	traders, err := r.store.ListEnabledTraders()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, trader := range traders {
		if err := r.reconcileTrader(ctx, trader); err != nil {
			r.log.Error().Err(err).Int64("trader_id", trader.ID).Msg("reconcile failed for trader")
		}
	}
	return nil
}

func (r *Reconciler) reconcileTrader(ctx context.Context, trader domain.Trader) error {
	strategy, err := r.store.StrategyByID(trader.StrategyID)
	if err != nil {
		return err
	}
	account, err := r.store.GetAccountWithCredentials(trader.AccountID)
	if err != nil {
		return err
	}
	if !account.Enabled || account.NeedsReauth {
		return nil
	}
	adapter, ok := r.brokers[account.Broker]
	if !ok {
		return domain.NewError(domain.ErrInternal, "no broker adapter registered for "+string(account.Broker), nil)
	}

	ec := domain.Resolve(*strategy, trader)
	contract, err := adapter.ResolveContract(ctx, account.Credentials, ec.Symbol)
	if err != nil {
		return err
	}

	positions, err := adapter.ListPositions(ctx, account.Credentials)
	if err != nil {
		return err
	}
	var brokerPos *broker.Position
	for i := range positions {
		if positions[i].Symbol == contract && positions[i].Quantity != 0 {
			brokerPos = &positions[i]
			break
		}
	}

	stored, err := r.store.OpenTradeForAccount(account.ID, ec.Symbol)
	if err != nil {
		return err
	}

	switch {
	case stored == nil && brokerPos != nil:
		return r.adoptOrphanPosition(trader, account, ec, brokerPos)
	case stored != nil && brokerPos == nil:
		return r.store.CloseTrade(stored.ID, stored.EntryPrice, time.Now(), "broker_flat")
	case stored != nil && r.isStale(stored):
		return r.store.CloseTrade(stored.ID, stored.EntryPrice, time.Now(), "manual_cleanup")
	case stored != nil && brokerPos != nil:
		if err := r.maybePlaceMissingTP(ctx, adapter, account, ec, stored, contract); err != nil {
			r.log.Error().Err(err).Int64("trade_id", stored.ID).Msg("could not place missing TP ladder")
		}
	}

	if ec.Filters.AutoFlatAfterCutoff && stored != nil {
		return r.maybeAutoFlat(ctx, adapter, account, ec, stored)
	}
	return nil
}

// isStale reports whether stored has sat open since before the current
// trading session began, beyond the configured grace period — a record
// left behind by a strategy that was disabled, reconfigured, or crashed
// mid-cycle without ever being closed out. Closing it with manual_cleanup
// is a reset, not a final word: if the broker still holds the matching
// position, the next sweep's orphan-adoption branch picks it back up as a
// fresh trade with a current EntryTime.
func (r *Reconciler) isStale(stored *domain.Trade) bool {
	grace := r.staleGrace
	if grace <= 0 {
		return false
	}
	now := time.Now()
	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return stored.EntryTime.Before(sessionStart.Add(-grace))
}

// adoptOrphanPosition records a trade for a broker position the store has
// no record of — e.g. a fill the engine's own placement call never got an
// OpenTrade response persisted for, after a crash between the two calls.
func (r *Reconciler) adoptOrphanPosition(trader domain.Trader, account *domain.Account, ec domain.EffectiveConfig, pos *broker.Position) error {
	side := domain.SideOf(pos.Quantity)
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	_, err := r.store.OpenTrade(&domain.Trade{
		StrategyID: trader.StrategyID, TraderID: trader.ID, AccountID: account.ID,
		Symbol: ec.Symbol, Side: side, Quantity: qty, EntryPrice: pos.AvgPrice,
		EntryTime: time.Now(), Status: domain.TradeOpen,
	})
	if err == nil {
		r.log.Info().Int64("trader_id", trader.ID).Str("symbol", ec.Symbol).Msg("adopted broker position the store had no record of")
	}
	return err
}

// maybePlaceMissingTP places a fresh TP ladder when the stored trade has
// no working TP order recorded and the account is not live-tracked by a
// stream listener.
func (r *Reconciler) maybePlaceMissingTP(ctx context.Context, adapter broker.Adapter, account *domain.Account, ec domain.EffectiveConfig, stored *domain.Trade, contract string) error {
	if stored.TPOrderID != "" {
		return nil
	}
	if len(ec.TakeProfit.Legs) == 0 {
		return nil
	}
	if r.liveTraced != nil && r.liveTraced(account.ID) {
		return nil
	}

	legs := exec.BuildTakeProfitLegs(contract, stored.Side, stored.Quantity, stored.EntryPrice, ec)
	if len(legs) == 0 {
		return nil
	}
	var lastID string
	for _, leg := range legs {
		result, err := adapter.PlaceLimit(ctx, account.Credentials, leg)
		if err != nil {
			return err
		}
		lastID = result.OrderID
	}
	return r.store.SetTradeTPOrderID(stored.ID, lastID)
}

// maybeAutoFlat flattens a position still open past the strategy's
// configured cutoff minute, local time.
func (r *Reconciler) maybeAutoFlat(ctx context.Context, adapter broker.Adapter, account *domain.Account, ec domain.EffectiveConfig, stored *domain.Trade) error {
	now := time.Now()
	minuteOfDay := now.Hour()*60 + now.Minute()
	if minuteOfDay < ec.Filters.CutoffMinute {
		return nil
	}

	result, err := adapter.Flatten(ctx, account.Credentials, ec.Symbol)
	if err != nil {
		return err
	}
	exitPrice := stored.EntryPrice
	if result != nil && result.FillPrice != 0 {
		exitPrice = result.FillPrice
	}
	return r.store.CloseTrade(stored.ID, exitPrice, now, "cutoff")
}
