package signal

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
)

// Store is the subset of internal/store.Store the router needs.
type Store interface {
	StrategyByWebhookToken(token string) (*domain.Strategy, error)
	ListTradersForStrategy(strategyID int64, enabledOnly bool) ([]domain.Trader, error)
	GetAccountWithCredentials(accountID int64) (*domain.Account, error)
	InsertSignal(sig *domain.Signal) (int64, error)
	RecentDedupKeyExists(dedupKey string, window time.Duration, now time.Time) (bool, error)
	LastAcceptedSignalTime(strategyID int64) (time.Time, error)
	CountSignalsSince(strategyID int64, since time.Time) (int, error)
	IsFollowerOfAnyLeader(accountID int64) (bool, error)
	RealizedLossSince(strategyID int64, since time.Time) (float64, error)
}

// EnqueueFunc hands one resolved task to the exec worker pool. The router
// never calls the execution engine directly so enqueueing, backpressure,
// and panic isolation stay owned by internal/workers.
type EnqueueFunc func(exec.Task) error

// Router implements the Signal Router.
type Router struct {
	store       Store
	enqueue     EnqueueFunc
	dedupWindow time.Duration
	log         zerolog.Logger
}

func New(store Store, enqueue EnqueueFunc, dedupWindow time.Duration, log zerolog.Logger) *Router {
	return &Router{store: store, enqueue: enqueue, dedupWindow: dedupWindow, log: log.With().Str("component", "signal_router").Logger()}
}

// RejectReason classifies why Route didn't dispatch a signal to any
// trader, for the rejection metrics and for audit.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectStrategyNotFound RejectReason = "strategy_not_found"
	RejectStrategyDisabled RejectReason = "strategy_disabled"
	RejectDuplicate      RejectReason = "duplicate"
	RejectRecordingOff   RejectReason = "recording_disabled"
	RejectDirectionFilter RejectReason = "direction_filter"
	RejectOutsideWindow  RejectReason = "outside_time_window"
	RejectCooldown       RejectReason = "cooldown_active"
	RejectSessionCap     RejectReason = "max_signals_per_session"
	RejectDailyLossCap   RejectReason = "max_daily_loss_reached"
	RejectUnparseable    RejectReason = "unparseable"
)

// Route resolves token to a strategy, parses body, runs the ordered filter
// gates, and enqueues one exec.Task per enabled trader attached to the
// strategy whose account is not itself a copy-trading follower (follower
// accounts are driven exclusively by the Copy Engine, never directly by
// signals, per the pipeline-separation invariant).
func (r *Router) Route(token string, body []byte, now time.Time) (RejectReason, error) {
	strategy, err := r.store.StrategyByWebhookToken(token)
	if err != nil {
		if domain.KindOf(err) == domain.ErrNotFound {
			return RejectStrategyNotFound, nil
		}
		return RejectNone, err
	}
	if strategy.Disabled {
		return RejectStrategyDisabled, nil
	}

	action, ticker, price, contracts, position, parseErr := Parse(body)
	if parseErr != nil || action == domain.ActionUnknown {
		return RejectUnparseable, nil
	}

	dedupKey := DedupKey(token, body)
	sig := &domain.Signal{
		StrategyID: strategy.ID, RawBody: string(body), ReceivedAt: now,
		Action: action, Ticker: ticker, Price: price, Contracts: contracts,
		Position: position, DedupKey: dedupKey,
	}

	reason, gateErr := r.runGates(strategy, sig, now)
	if gateErr != nil {
		return RejectNone, gateErr
	}
	sig.Accepted = reason == RejectNone

	if _, err := r.store.InsertSignal(sig); err != nil {
		return RejectNone, err
	}
	if reason != RejectNone {
		return reason, nil
	}

	return RejectNone, r.dispatch(strategy, sig)
}

func (r *Router) runGates(strategy *domain.Strategy, sig *domain.Signal, now time.Time) (RejectReason, error) {
	dup, err := r.store.RecentDedupKeyExists(sig.DedupKey, r.dedupWindow, now)
	if err != nil {
		return RejectNone, err
	}
	if dup {
		return RejectDuplicate, nil
	}

	f := strategy.Filters
	if !f.RecordingEnabled {
		return RejectRecordingOff, nil
	}

	if f.DirectionFilter != domain.SideFlat && f.DirectionFilter != "" {
		signalSide := signalDirection(sig.Action)
		if signalSide != domain.SideFlat && signalSide != f.DirectionFilter {
			return RejectDirectionFilter, nil
		}
	}

	minuteOfDay := now.Hour()*60 + now.Minute()
	if !windowsAllow(f.Windows, minuteOfDay) {
		return RejectOutsideWindow, nil
	}

	if f.SignalCooldown > 0 {
		last, err := r.store.LastAcceptedSignalTime(strategy.ID)
		if err != nil {
			return RejectNone, err
		}
		if !last.IsZero() && now.Sub(last) < f.SignalCooldown {
			return RejectCooldown, nil
		}
	}

	if f.MaxSignalsPerSession > 0 {
		sessionStart := now.Truncate(24 * time.Hour)
		count, err := r.store.CountSignalsSince(strategy.ID, sessionStart)
		if err != nil {
			return RejectNone, err
		}
		if count >= f.MaxSignalsPerSession {
			return RejectSessionCap, nil
		}
	}

	if f.MaxDailyLoss > 0 {
		sessionStart := now.Truncate(24 * time.Hour)
		loss, err := r.store.RealizedLossSince(strategy.ID, sessionStart)
		if err != nil {
			return RejectNone, err
		}
		if loss >= f.MaxDailyLoss {
			return RejectDailyLossCap, nil
		}
	}

	return RejectNone, nil
}

// signalDirection maps an action to the directional side it implies, for
// the direction-filter gate. Close/flat/unknown actions carry no
// direction of their own and always pass this gate.
func signalDirection(a domain.Action) domain.Side {
	switch a {
	case domain.ActionBuy:
		return domain.SideLong
	case domain.ActionSell:
		return domain.SideShort
	default:
		return domain.SideFlat
	}
}

func windowsAllow(windows [2]domain.TimeWindow, minuteOfDay int) bool {
	anyEnabled := false
	for _, w := range windows {
		if !w.Enabled {
			continue
		}
		anyEnabled = true
		if w.Contains(minuteOfDay) {
			return true
		}
	}
	return !anyEnabled
}

// dispatch resolves each enabled trader's effective config and enqueues
// an exec.Task, skipping any trader whose account is a copy-trading
// follower. A single trader's resolve/enqueue failure is logged and
// skipped rather than aborting the whole fan-out.
func (r *Router) dispatch(strategy *domain.Strategy, sig *domain.Signal) error {
	traders, err := r.store.ListTradersForStrategy(strategy.ID, true)
	if err != nil {
		return err
	}

	for _, trader := range traders {
		isFollower, err := r.store.IsFollowerOfAnyLeader(trader.AccountID)
		if err != nil {
			r.log.Error().Err(err).Int64("trader_id", trader.ID).Msg("follower check failed, skipping trader")
			continue
		}
		if isFollower {
			r.log.Debug().Int64("trader_id", trader.ID).Msg("skipping follower account, driven by copy engine instead")
			continue
		}

		account, err := r.store.GetAccountWithCredentials(trader.AccountID)
		if err != nil {
			r.log.Error().Err(err).Int64("trader_id", trader.ID).Msg("account lookup failed, skipping trader")
			continue
		}
		if !account.Enabled || account.NeedsReauth {
			continue
		}

		ec := domain.Resolve(*strategy, trader)
		task := exec.Task{Strategy: *strategy, Trader: trader, Account: *account, EC: ec, Signal: *sig, Price: sig.Price}
		if err := r.enqueue(task); err != nil {
			r.log.Error().Err(err).Int64("trader_id", trader.ID).Msg("enqueue failed")
		}
	}
	return nil
}
