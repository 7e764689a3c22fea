// Package exec is the Execution Engine: it turns a resolved
// (strategy, trader, account, signal) tuple into broker orders via the
// decision table in decision.go, applying the trader's multiplier exactly
// once, rounding every price to the symbol's tick size, and always
// preferring the broker's verified fill quantity over any local estimate.
package exec

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/pkg/tickmath"
)

// Store is the subset of internal/store.Store the engine needs.
type Store interface {
	OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error)
	OpenTrade(t *domain.Trade) (int64, error)
	CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error
	UpdateTradeQuantityAndEntry(id int64, qty, entry float64) error
	SetTradeTPOrderID(id int64, tpOrderID string) error
	RecordExecutionFailure(f *domain.ExecutionFailure) error
}

// Engine dispatches to the broker adapter registered for an account's
// broker kind.
type Engine struct {
	store   Store
	brokers map[domain.BrokerKind]broker.Adapter
	log     zerolog.Logger
}

func New(store Store, brokers map[domain.BrokerKind]broker.Adapter, log zerolog.Logger) *Engine {
	return &Engine{store: store, brokers: brokers, log: log.With().Str("component", "exec_engine").Logger()}
}

func (e *Engine) adapterFor(b domain.BrokerKind) (broker.Adapter, error) {
	a, ok := e.brokers[b]
	if !ok {
		return nil, domain.NewError(domain.ErrInternal, "no broker adapter registered for "+string(b), nil)
	}
	return a, nil
}

// Task is the unit of work the Signal Router enqueues onto the exec
// worker pool: everything the engine needs to execute one trader's
// reaction to one signal, already override-resolved.
type Task struct {
	Strategy domain.Strategy
	Trader   domain.Trader
	Account  domain.Account
	EC       domain.EffectiveConfig
	Signal   domain.Signal
	Price    float64 // signal's reported price, tick-aligned by the caller isn't required — Execute aligns it
}

// Execute runs the full decision table for one task. Any error is recorded
// as an ExecutionFailure and then returned to the caller; a single
// trader's failure does not block the others because each task runs in
// isolation on the internal/workers pool.
func (e *Engine) Execute(ctx context.Context, t Task) error {
	adapter, err := e.adapterFor(t.Account.Broker)
	if err != nil {
		return e.fail(t, err)
	}

	existing, err := e.store.OpenTradeForAccount(t.Account.ID, t.EC.Symbol)
	if err != nil {
		return e.fail(t, err)
	}

	hasOpen := existing != nil
	var openSide domain.Side
	if hasOpen {
		openSide = existing.Side
	}

	decision := Decide(t.Signal.Action, hasOpen, openSide, t.EC.AddDown.Enabled)

	var execErr error
	switch decision {
	case DecisionEntry:
		execErr = e.executeEntry(ctx, adapter, t)
	case DecisionAddOn:
		execErr = e.executeAdd(ctx, adapter, t, existing)
	case DecisionAddOff:
		execErr = e.executeAddOff(ctx, adapter, t, existing)
	case DecisionClose:
		execErr = e.executeClose(ctx, adapter, t, existing, "signal")
	case DecisionFlip:
		execErr = e.executeFlip(ctx, adapter, t, existing)
	case DecisionNoop:
	}

	if execErr != nil {
		return e.fail(t, execErr)
	}
	return nil
}

func (e *Engine) fail(t Task, err error) error {
	_ = e.store.RecordExecutionFailure(&domain.ExecutionFailure{
		StrategyID: t.Strategy.ID, TraderID: t.Trader.ID, AccountID: t.Account.ID,
		Symbol: t.EC.Symbol, Action: t.Signal.Action, ErrorKind: domain.KindOf(err),
		Detail: err.Error(), OccurredAt: time.Now(),
	})
	e.log.Error().Err(err).Int64("trader_id", t.Trader.ID).Str("symbol", t.EC.Symbol).Msg("execution failed")
	return err
}

// quantityFor computes a trader's order quantity from the strategy's base
// size, the multiplier (applied exactly once here — no other call site in
// this engine ever multiplies quantity again), and the per-trader
// contract cap.
func quantityFor(baseSize float64, ec domain.EffectiveConfig) float64 {
	qty := tickmath.RoundQty(baseSize * ec.Multiplier)
	if ec.Filters.MaxContractsPerTrade > 0 {
		qty = tickmath.Cap(qty, float64(ec.Filters.MaxContractsPerTrade))
	}
	return qty
}

func (e *Engine) executeEntry(ctx context.Context, adapter broker.Adapter, t Task) error {
	side := broker.SideBuy
	domainSide := domain.SideLong
	if t.Signal.Action == domain.ActionSell {
		side = broker.SideSell
		domainSide = domain.SideShort
	}

	contract, err := adapter.ResolveContract(ctx, t.Account.Credentials, t.EC.Symbol)
	if err != nil {
		return err
	}

	qty := quantityFor(t.Strategy.InitialSize, t.EC)
	if qty == 0 {
		return nil
	}

	entryPrice := tickmath.RoundToTick(t.Price, t.EC.TickSize)
	clientOrderID := "JT_" + t.Strategy.WebhookToken[:8] + "_" + time.Now().UTC().Format("150405.000")

	bracket := broker.BracketRequest{
		Entry: broker.OrderRequest{
			Symbol: contract, Side: side, Quantity: qty, Kind: broker.OrderMarket, ClientOrderID: clientOrderID,
		},
	}
	if t.EC.StopLoss.Enabled {
		slOrder := BuildStopLossOrder(contract, domainSide, qty, entryPrice, t.EC)
		bracket.StopLoss = &slOrder
	}
	bracket.TakeProfits = BuildTakeProfitLegs(contract, domainSide, qty, entryPrice, t.EC)

	result, err := adapter.PlaceBracket(ctx, t.Account.Credentials, bracket)
	if err != nil {
		return err
	}

	filledQty := result.FilledQty
	if filledQty == 0 {
		filledQty = qty // broker didn't report a fill size synchronously; reconciler corrects drift later
	}
	fillPrice := result.FillPrice
	if fillPrice == 0 {
		fillPrice = entryPrice
	}

	tradeID, err := e.store.OpenTrade(&domain.Trade{
		StrategyID: t.Strategy.ID, TraderID: t.Trader.ID, AccountID: t.Account.ID,
		Symbol: t.EC.Symbol, Side: domainSide, Quantity: filledQty, EntryPrice: fillPrice,
		EntryTime: time.Now(), Status: domain.TradeOpen,
	})
	if err != nil {
		return err
	}
	if len(bracket.TakeProfits) > 0 {
		_ = e.store.SetTradeTPOrderID(tradeID, result.OrderID)
	}
	return nil
}

// executeAdd places a DCA add, then rebuilds the TP ladder off the
// broker's own reported average entry rather than a locally recomputed
// weighted average, since the broker is the source of truth once a fill
// has actually happened (fractional-price drift is the broker's drift to
// report, not this engine's to guess).
func (e *Engine) executeAdd(ctx context.Context, adapter broker.Adapter, t Task, existing *domain.Trade) error {
	if t.EC.AddDown.MinInterEntryWait > 0 && time.Since(existing.EntryTime) < t.EC.AddDown.MinInterEntryWait {
		e.log.Debug().Int64("trade_id", existing.ID).Msg("add-down skipped, inter-entry wait not elapsed")
		return nil
	}

	contract, err := adapter.ResolveContract(ctx, t.Account.Credentials, t.EC.Symbol)
	if err != nil {
		return err
	}

	addQty := quantityFor(t.EC.AddDown.Size, t.EC)
	if addQty == 0 {
		return nil
	}

	side := broker.SideBuy
	if existing.Side == domain.SideShort {
		side = broker.SideSell
	}

	clientOrderID := "JT_" + t.Strategy.WebhookToken[:8] + "_add_" + time.Now().UTC().Format("150405.000")
	result, err := adapter.PlaceMarket(ctx, t.Account.Credentials, broker.OrderRequest{
		Symbol: contract, Side: side, Quantity: addQty, ClientOrderID: clientOrderID,
	})
	if err != nil {
		return err
	}

	addedQty := result.FilledQty
	if addedQty == 0 {
		addedQty = addQty
	}
	addedPrice := result.FillPrice
	if addedPrice == 0 {
		addedPrice = tickmath.RoundToTick(t.Price, t.EC.TickSize)
	}

	newQty := existing.Quantity + addedQty
	newEntry := e.brokerAverageEntry(ctx, adapter, t, contract, existing, addedQty, addedPrice, newQty)

	if err := e.cancelRestingOrders(ctx, adapter, t, contract); err != nil {
		e.log.Error().Err(err).Int64("trade_id", existing.ID).Msg("failed to cancel resting TP orders before replacing")
	}
	if err := e.store.UpdateTradeQuantityAndEntry(existing.ID, newQty, newEntry); err != nil {
		return err
	}

	tpOrderID, err := e.placeTakeProfitLadder(ctx, adapter, t, contract, existing.Side, newQty, newEntry)
	if err != nil {
		e.log.Error().Err(err).Int64("trade_id", existing.ID).Msg("failed to place replacement TP ladder after add")
		return nil // the add itself succeeded; a missing TP is the reconciler's job to repair
	}
	if tpOrderID != "" {
		_ = e.store.SetTradeTPOrderID(existing.ID, tpOrderID)
	}
	return nil
}

// brokerAverageEntry prefers the broker's own reported average entry
// price for the symbol over the locally computed weighted average,
// falling back to the local calculation only when the broker doesn't
// report a position (e.g. a paper/sandbox adapter).
func (e *Engine) brokerAverageEntry(ctx context.Context, adapter broker.Adapter, t Task, contract string, existing *domain.Trade, addedQty, addedPrice, newQty float64) float64 {
	localAvg := (existing.Quantity*existing.EntryPrice + addedQty*addedPrice) / newQty

	positions, err := adapter.ListPositions(ctx, t.Account.Credentials)
	if err != nil {
		e.log.Error().Err(err).Str("symbol", contract).Msg("could not verify average entry against broker, using local calculation")
		return localAvg
	}
	for _, p := range positions {
		if p.Symbol == contract && p.AvgPrice > 0 {
			return p.AvgPrice
		}
	}
	return localAvg
}

// cancelRestingOrders cancels every open order the broker lists for the
// contract (the TP ladder and any stop), rather than trusting the single
// stored tp_order_id, since multi-leg TP ladders place more orders than
// that one field can track.
func (e *Engine) cancelRestingOrders(ctx context.Context, adapter broker.Adapter, t Task, contract string) error {
	open, err := adapter.ListOpenOrders(ctx, t.Account.Credentials, contract)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range open {
		if err := adapter.CancelOrder(ctx, t.Account.Credentials, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// placeTakeProfitLadder places a fresh TP ladder off entryPrice/qty and
// returns a comma-joined list of the resulting order ids (the column this
// engine stores them in predates multi-leg ladders, but a delimited list
// keeps the schema unchanged while still letting the reconciler account
// for every leg).
func (e *Engine) placeTakeProfitLadder(ctx context.Context, adapter broker.Adapter, t Task, contract string, side domain.Side, qty, entryPrice float64) (string, error) {
	legs := BuildTakeProfitLegs(contract, side, qty, entryPrice, t.EC)
	if len(legs) == 0 {
		return "", nil
	}
	ids := make([]string, 0, len(legs))
	for _, leg := range legs {
		result, err := adapter.PlaceLimit(ctx, t.Account.Credentials, leg)
		if err != nil {
			return strings.Join(ids, ","), err
		}
		ids = append(ids, result.OrderID)
	}
	return strings.Join(ids, ","), nil
}

func (e *Engine) executeClose(ctx context.Context, adapter broker.Adapter, t Task, existing *domain.Trade, reason string) error {
	contract, err := adapter.ResolveContract(ctx, t.Account.Credentials, t.EC.Symbol)
	if err == nil {
		if err := e.cancelRestingOrders(ctx, adapter, t, contract); err != nil {
			e.log.Error().Err(err).Int64("trade_id", existing.ID).Msg("failed to cancel resting orders before close")
		}
	}

	result, err := adapter.Flatten(ctx, t.Account.Credentials, t.EC.Symbol)
	if err != nil {
		return err
	}

	exitPrice := tickmath.RoundToTick(t.Price, t.EC.TickSize)
	if result != nil && result.FillPrice != 0 {
		exitPrice = result.FillPrice
	}
	return e.store.CloseTrade(existing.ID, exitPrice, time.Now(), reason)
}

// executeAddOff handles a duplicate same-direction signal with DCA
// disabled: the broker position is left exactly where it is (no flatten),
// but the store stops tracking it as the open trade and starts tracking a
// brand-new one sized at the strategy's initial size — cancel resting
// orders, close the trade record (reason new_entry), then place a fresh
// bracket for the initial size.
func (e *Engine) executeAddOff(ctx context.Context, adapter broker.Adapter, t Task, existing *domain.Trade) error {
	contract, err := adapter.ResolveContract(ctx, t.Account.Credentials, t.EC.Symbol)
	if err == nil {
		if err := e.cancelRestingOrders(ctx, adapter, t, contract); err != nil {
			e.log.Error().Err(err).Int64("trade_id", existing.ID).Msg("failed to cancel resting orders before add-off re-entry")
		}
	}
	if err := e.store.CloseTrade(existing.ID, t.Price, time.Now(), "new_entry"); err != nil {
		return err
	}
	return e.executeEntry(ctx, adapter, t)
}

func (e *Engine) executeFlip(ctx context.Context, adapter broker.Adapter, t Task, existing *domain.Trade) error {
	if existing != nil {
		if err := e.executeClose(ctx, adapter, t, existing, "flip"); err != nil {
			return err
		}
	}
	return e.executeEntry(ctx, adapter, t)
}

// BuildStopLossOrder constructs the protective stop for an entry. Trailing
// stops carry the configured distance as the trail amount; the broker is
// responsible for moving the stop once price crosses TrailTrigger, which
// is why PlaceTrailingStop exists as its own adapter method rather than
// this engine polling price to move the stop itself.
func BuildStopLossOrder(contract string, side domain.Side, qty, entryPrice float64, ec domain.EffectiveConfig) broker.OrderRequest {
	distPoints := tickmath.PointsFromDistance(ec.StopLoss.Distance, string(ec.StopLoss.DistanceUnit), ec.TickSize, entryPrice)
	var stopPrice float64
	var exitSide broker.OrderSide
	if side == domain.SideLong {
		stopPrice = entryPrice - distPoints
		exitSide = broker.SideSell
	} else {
		stopPrice = entryPrice + distPoints
		exitSide = broker.SideBuy
	}
	stopPrice = tickmath.RoundToTick(stopPrice, ec.TickSize)

	kind := broker.OrderStop
	if ec.StopLoss.Kind == domain.StopTrailing {
		kind = broker.OrderTrailingStop
	}

	return broker.OrderRequest{
		Symbol: contract, Side: exitSide, Quantity: qty, Kind: kind, StopPrice: stopPrice, ReduceOnly: true,
	}
}

// BuildTakeProfitLegs constructs the full TP ladder so the legs' trims
// sum to exactly totalQty: each leg but the last trims its configured
// share, and the last leg absorbs whatever remainder is left, so rounding
// error never leaves a sliver of the position with no resting TP.
func BuildTakeProfitLegs(contract string, side domain.Side, totalQty, entryPrice float64, ec domain.EffectiveConfig) []broker.OrderRequest {
	legs := ec.TakeProfit.Legs
	if len(legs) == 0 {
		return nil
	}

	out := make([]broker.OrderRequest, 0, len(legs))
	remaining := totalQty
	for i, leg := range legs {
		var trimQty float64
		if i == len(legs)-1 {
			trimQty = remaining
		} else {
			trimQty = tickmath.RoundQty(tickmath.TrimQuantity(leg.Trim, string(leg.TrimUnit), totalQty))
			if trimQty <= 0 || trimQty > remaining {
				trimQty = remaining
			}
			remaining -= trimQty
		}
		if trimQty <= 0 {
			continue
		}

		distPoints := tickmath.PointsFromDistance(leg.Distance, string(leg.DistanceUnit), ec.TickSize, entryPrice)
		var limitPrice float64
		var exitSide broker.OrderSide
		if side == domain.SideLong {
			limitPrice = entryPrice + distPoints
			exitSide = broker.SideSell
		} else {
			limitPrice = entryPrice - distPoints
			exitSide = broker.SideBuy
		}
		limitPrice = tickmath.RoundToTick(limitPrice, ec.TickSize)

		out = append(out, broker.OrderRequest{
			Symbol: contract, Side: exitSide, Quantity: trimQty, Kind: broker.OrderLimit, LimitPrice: limitPrice, ReduceOnly: true,
		})
	}
	return out
}
