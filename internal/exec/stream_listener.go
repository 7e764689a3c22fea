package exec

import (
	"context"
	"time"

	"github.com/aristath/futures-core/internal/stream"
)

// StreamListener adapts one account's broker stream frames into trim/close
// calls on the engine, implementing stream.Listener. A reduce-only fill
// below the open trade's full quantity is a take-profit (or stop) leg
// landing — DecisionTrim; a reduce-only fill that exhausts the position is
// the last leg closing the trade out entirely.
type StreamListener struct {
	engine    *Engine
	accountID int64
	symbol    string
}

// NewStreamListener builds a listener for one (account, symbol) pair.
// cmd/server wires one of these per enabled trader's account when it
// subscribes accounts to the Hub at startup.
func NewStreamListener(e *Engine, accountID int64, symbol string) *StreamListener {
	return &StreamListener{engine: e, accountID: accountID, symbol: symbol}
}

func (l *StreamListener) OnMessage(accountID int64, raw []byte) {
	ev, err := stream.ParseEvent(raw)
	if err != nil {
		l.engine.log.Error().Err(err).Int64("account_id", accountID).Msg("could not parse stream frame")
		return
	}
	if ev.Type != stream.EventFill || !ev.ReduceOnly {
		return
	}
	l.engine.OnTakeProfitFill(context.Background(), accountID, l.symbol, ev.Quantity, ev.FillPrice)
}

func (l *StreamListener) OnStateChange(accountID int64, state stream.ConnState) {
	l.engine.log.Debug().Int64("account_id", accountID).Str("state", state.String()).Msg("stream state change")
}

// OnTakeProfitFill handles a reduce-only leg fill reported through the
// Streaming Hub: it trims the open trade's stored quantity by the filled
// amount, or closes the trade out (reason take_profit) when the fill
// exhausts the position. This is Decision.Trim's only entry point — it is
// never reached from Decide, since a TP fill isn't an incoming signal.
func (e *Engine) OnTakeProfitFill(ctx context.Context, accountID int64, symbol string, filledQty, fillPrice float64) {
	trade, err := e.store.OpenTradeForAccount(accountID, symbol)
	if err != nil {
		e.log.Error().Err(err).Int64("account_id", accountID).Msg("could not load open trade for TP fill")
		return
	}
	if trade == nil {
		return
	}

	remaining := trade.Quantity - filledQty
	decision := DecideQty(trade.Quantity, remaining)
	switch decision {
	case DecisionClose, DecisionFlip:
		if err := e.store.CloseTrade(trade.ID, fillPrice, time.Now(), "take_profit"); err != nil {
			e.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("could not close trade after final TP leg fill")
		}
	case DecisionTrim:
		if err := e.store.UpdateTradeQuantityAndEntry(trade.ID, remaining, trade.EntryPrice); err != nil {
			e.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("could not trim trade after TP leg fill")
		}
	}
}
