// Package copytrade is the Copy Engine: it listens to a leader
// account's broker stream, and for every fill on that account replicates
// the resulting position change to every enabled follower of that leader,
// sized by the follower's own multiplier and position cap. Grounded on
// internal/exec's decision-table and bracket-building style, reused here
// rather than reinvented.
package copytrade

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
	"github.com/aristath/futures-core/internal/stream"
)

// copyClientPrefix marks every order this engine places on a follower
// account. A leader fill whose own client order id carries this prefix is
// itself the result of an earlier copy and must never be copied again,
// which is what stops a follower that is also configured as a leader
// elsewhere from forming a copy loop.
const copyClientPrefix = "JT_COPY_"

// dedupWindow bounds how long a fill order id is remembered for replay
// suppression; long enough to absorb a stream reconnect replay, short
// enough that memory doesn't grow unbounded.
const dedupWindow = 60 * time.Second

// Store is the subset of internal/store.Store the copy engine needs.
type Store interface {
	ListFollowersFor(leaderAccountID int64, enabledOnly bool) ([]domain.FollowerAccount, error)
	GetAccountWithCredentials(accountID int64) (*domain.Account, error)
	StrategyForAccount(accountID int64) (*domain.Strategy, error)
	ResolveContractMapping(sourceSymbol string) (*domain.ContractMapping, error)
	OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error)
	OpenTrade(t *domain.Trade) (int64, error)
	CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error
	UpdateTradeQuantityAndEntry(id int64, qty, entry float64) error
	AppendCopyLog(row *domain.CopyTradeLog) error
}

// Engine implements stream.Listener against a leader account's
// subscription; cmd/server subscribes one of these per leader account
// listed by store.ListLeaders.
type Engine struct {
	store   Store
	brokers map[domain.BrokerKind]broker.Adapter
	dedup   *dedupSet
	log     zerolog.Logger
}

func New(store Store, brokers map[domain.BrokerKind]broker.Adapter, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		brokers: brokers,
		dedup:   newDedupSet(dedupWindow),
		log:     log.With().Str("component", "copy_engine").Logger(),
	}
}

func (e *Engine) OnMessage(leaderAccountID int64, raw []byte) {
	ev, err := stream.ParseEvent(raw)
	if err != nil {
		e.log.Error().Err(err).Int64("leader_account_id", leaderAccountID).Msg("could not parse leader stream frame")
		return
	}
	if ev.Type != stream.EventFill {
		return
	}
	if strings.HasPrefix(ev.ClientOrderID, copyClientPrefix) {
		return // this fill is itself a copy, never re-propagated
	}
	if e.dedup.seenRecently(ev.OrderID, time.Now()) {
		return
	}
	e.propagate(context.Background(), leaderAccountID, ev)
}

func (e *Engine) OnStateChange(accountID int64, state stream.ConnState) {
	e.log.Debug().Int64("leader_account_id", accountID).Str("state", state.String()).Msg("leader stream state change")
}

// propagate fans the leader's fill out to every enabled follower in
// parallel; one follower's failure never blocks or aborts another's copy,
// per the per-follower isolation invariant.
func (e *Engine) propagate(ctx context.Context, leaderAccountID int64, ev *stream.Event) {
	followers, err := e.store.ListFollowersFor(leaderAccountID, true)
	if err != nil {
		e.log.Error().Err(err).Int64("leader_account_id", leaderAccountID).Msg("could not list followers")
		return
	}
	if len(followers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range followers {
		f := f
		g.Go(func() error {
			e.copyToFollower(gctx, leaderAccountID, f, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) copyToFollower(ctx context.Context, leaderAccountID int64, f domain.FollowerAccount, ev *stream.Event) {
	started := time.Now()
	logRow := &domain.CopyTradeLog{
		LeaderAccountID: leaderAccountID, FollowerAccountID: f.AccountID,
		Symbol: ev.Symbol, Price: ev.FillPrice, CreatedAt: started,
	}

	if err := e.doCopy(ctx, leaderAccountID, f, ev, logRow); err != nil {
		logRow.Status = domain.CopyFailed
		logRow.Error = err.Error()
		e.log.Error().Err(err).Int64("follower_account_id", f.AccountID).Str("symbol", ev.Symbol).Msg("copy failed")
	} else {
		logRow.Status = domain.CopyFilled
	}
	logRow.LatencyMS = time.Since(started).Milliseconds()
	if err := e.store.AppendCopyLog(logRow); err != nil {
		e.log.Error().Err(err).Msg("could not append copy trade log")
	}
}

func (e *Engine) doCopy(ctx context.Context, leaderAccountID int64, f domain.FollowerAccount, ev *stream.Event, logRow *domain.CopyTradeLog) error {
	account, err := e.store.GetAccountWithCredentials(f.AccountID)
	if err != nil {
		return err
	}
	if !account.Enabled || account.NeedsReauth {
		return domain.NewError(domain.ErrBadRequest, "follower account not tradable", nil)
	}
	adapter, ok := e.brokers[account.Broker]
	if !ok {
		return domain.NewError(domain.ErrInternal, "no broker adapter registered for "+string(account.Broker), nil)
	}

	targetSymbol := ev.Symbol
	qtyMultiplier := 1.0
	if mapping, err := e.store.ResolveContractMapping(ev.Symbol); err == nil && mapping != nil {
		targetSymbol = mapping.TargetSymbol
		qtyMultiplier = mapping.QtyMultiplier
	}

	contract, err := adapter.ResolveContract(ctx, account.Credentials, targetSymbol)
	if err != nil {
		return err
	}

	existing, err := e.store.OpenTradeForAccount(f.AccountID, targetSymbol)
	if err != nil {
		return err
	}

	leaderSide := 1.0
	if ev.Side == string(broker.SideSell) {
		leaderSide = -1.0
	}
	var prevSigned float64
	if existing != nil {
		prevSigned = float64(existing.Side.Sign()) * existing.Quantity
	}
	targetQty := domain.Cap(prevSigned+leaderSide*ev.Quantity*f.Multiplier*qtyMultiplier, f.MaxPositionSize)
	logRow.FollowerQty = targetQty
	logRow.LeaderQty = ev.Quantity

	decision := exec.DecideQty(prevSigned, targetQty)

	switch decision {
	case exec.DecisionEntry:
		return e.openFollowerPosition(ctx, adapter, account, leaderAccountID, f, contract, targetSymbol, targetQty, ev.FillPrice)
	case exec.DecisionAddOn, exec.DecisionTrim:
		return e.adjustFollowerPosition(ctx, adapter, account, existing, contract, prevSigned, targetQty, ev.FillPrice)
	case exec.DecisionFlip:
		if existing != nil {
			if err := e.closeFollowerPosition(ctx, adapter, account, existing, contract, "flip"); err != nil {
				return err
			}
		}
		return e.openFollowerPosition(ctx, adapter, account, leaderAccountID, f, contract, targetSymbol, targetQty, ev.FillPrice)
	case exec.DecisionClose:
		if existing == nil {
			return nil
		}
		return e.closeFollowerPosition(ctx, adapter, account, existing, contract, "leader_closed")
	default:
		return nil
	}
}

func (e *Engine) openFollowerPosition(ctx context.Context, adapter broker.Adapter, account *domain.Account, leaderAccountID int64, f domain.FollowerAccount, contract, symbol string, targetQty, price float64) error {
	qty := targetQty
	side := broker.SideBuy
	domainSide := domain.SideLong
	if qty < 0 {
		side = broker.SideSell
		domainSide = domain.SideShort
		qty = -qty
	}
	if qty == 0 {
		return nil
	}

	clientOrderID := copyClientPrefix + time.Now().UTC().Format("150405.000")
	bracket := broker.BracketRequest{
		Entry: broker.OrderRequest{Symbol: contract, Side: side, Quantity: qty, Kind: broker.OrderMarket, ClientOrderID: clientOrderID},
	}

	strategy, err := e.store.StrategyForAccount(leaderAccountID)
	if err != nil {
		e.log.Debug().Int64("leader_account_id", leaderAccountID).Msg("leader account has no linked strategy, copying without risk legs")
	} else {
		ec := domain.EffectiveConfig{Symbol: symbol, TickSize: strategy.TickSize, TakeProfit: strategy.TakeProfit, StopLoss: strategy.StopLoss, Multiplier: 1}
		entryPrice := price
		if f.CopySL && strategy.StopLoss.Enabled {
			sl := exec.BuildStopLossOrder(contract, domainSide, qty, entryPrice, ec)
			bracket.StopLoss = &sl
		}
		if f.CopyTP {
			bracket.TakeProfits = exec.BuildTakeProfitLegs(contract, domainSide, qty, entryPrice, ec)
		}
	}

	result, err := adapter.PlaceBracket(ctx, account.Credentials, bracket)
	if err != nil {
		return err
	}
	fillPrice := result.FillPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	filledQty := result.FilledQty
	if filledQty == 0 {
		filledQty = qty
	}

	_, err = e.store.OpenTrade(&domain.Trade{
		AccountID: account.ID, Symbol: symbol, Side: domainSide,
		Quantity: filledQty, EntryPrice: fillPrice, EntryTime: time.Now(), Status: domain.TradeOpen,
	})
	return err
}

func (e *Engine) adjustFollowerPosition(ctx context.Context, adapter broker.Adapter, account *domain.Account, existing *domain.Trade, contract string, prevSigned, targetSigned, price float64) error {
	if existing == nil {
		return nil
	}
	delta := targetSigned - prevSigned
	if delta == 0 {
		return nil
	}

	side := broker.SideBuy
	reduceOnly := false
	qty := delta
	if delta < 0 {
		side = broker.SideSell
		qty = -delta
	}
	if (prevSigned > 0 && delta < 0) || (prevSigned < 0 && delta > 0) {
		reduceOnly = true
	}

	clientOrderID := copyClientPrefix + "adj_" + time.Now().UTC().Format("150405.000")
	result, err := adapter.PlaceMarket(ctx, account.Credentials, broker.OrderRequest{
		Symbol: contract, Side: side, Quantity: qty, ClientOrderID: clientOrderID, ReduceOnly: reduceOnly,
	})
	if err != nil {
		return err
	}

	newQty := absFloat(targetSigned)
	fillPrice := result.FillPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	newEntry := existing.EntryPrice
	if !reduceOnly {
		addedQty := result.FilledQty
		if addedQty == 0 {
			addedQty = qty
		}
		newEntry = (existing.Quantity*existing.EntryPrice + addedQty*fillPrice) / (existing.Quantity + addedQty)
	}
	return e.store.UpdateTradeQuantityAndEntry(existing.ID, newQty, newEntry)
}

func (e *Engine) closeFollowerPosition(ctx context.Context, adapter broker.Adapter, account *domain.Account, existing *domain.Trade, contract, reason string) error {
	result, err := adapter.Flatten(ctx, account.Credentials, contract)
	if err != nil {
		return err
	}
	exitPrice := existing.EntryPrice
	if result != nil && result.FillPrice != 0 {
		exitPrice = result.FillPrice
	}
	return e.store.CloseTrade(existing.ID, exitPrice, time.Now(), reason)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
