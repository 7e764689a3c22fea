// Package broker defines the single order-execution contract every broker
// adapter implements, plus the shared rate-limit and retry machinery all
// three adapters (futures, propfirm, equity) use.
package broker

import (
	"context"
	"time"

	"github.com/aristath/futures-core/internal/domain"
)

// OrderSide mirrors domain.Side but stays independent so broker wire
// formats don't leak into the domain package.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRequest describes a single leg to place. StopPrice/LimitPrice are
// zero when not applicable to Kind.
type OrderRequest struct {
	Symbol       string
	Side         OrderSide
	Quantity     float64
	Kind         OrderKind
	LimitPrice   float64
	StopPrice    float64
	ClientOrderID string
	ReduceOnly   bool
}

type OrderKind string

const (
	OrderMarket      OrderKind = "market"
	OrderLimit       OrderKind = "limit"
	OrderStop        OrderKind = "stop"
	OrderStopLimit   OrderKind = "stop_limit"
	OrderTrailingStop OrderKind = "trailing_stop"
)

// BracketRequest places an entry together with its protective legs in one
// call where the broker's API supports it (OCO take-profit/stop-loss).
type BracketRequest struct {
	Entry       OrderRequest
	TakeProfits []OrderRequest
	StopLoss    *OrderRequest
}

// OrderResult is the broker-verified outcome of a placement. FilledQty and
// FillPrice take precedence over any locally-computed intent per the
// "broker-verified quantity wins" invariant.
type OrderResult struct {
	OrderID   string
	FilledQty float64
	FillPrice float64
	Status    string
}

// Position is the broker's view of an open position for one symbol.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"` // signed: positive long, negative short
	AvgPrice float64 `json:"avg_price"`
}

// Adapter is the contract every broker implementation satisfies. All
// methods take the account's resolved domain.Credentials so adapters stay
// stateless with respect to which account is calling.
type Adapter interface {
	// ResolveContract maps a strategy's logical symbol to the broker's
	// tradable contract symbol. Only the prop-firm adapter maps symbols
	// (through its resolveSymbol hook); the futures and equity adapters
	// return the symbol unchanged.
	ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error)

	PlaceMarket(ctx context.Context, creds domain.Credentials, req OrderRequest) (*OrderResult, error)
	PlaceBracket(ctx context.Context, creds domain.Credentials, req BracketRequest) (*OrderResult, error)
	PlaceLimit(ctx context.Context, creds domain.Credentials, req OrderRequest) (*OrderResult, error)
	PlaceStop(ctx context.Context, creds domain.Credentials, req OrderRequest) (*OrderResult, error)
	PlaceTrailingStop(ctx context.Context, creds domain.Credentials, req OrderRequest) (*OrderResult, error)

	CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) error
	ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error

	ListPositions(ctx context.Context, creds domain.Credentials) ([]Position, error)
	ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]OrderResult, error)

	// Flatten closes the full open position in symbol with a market order.
	Flatten(ctx context.Context, creds domain.Credentials, symbol string) (*OrderResult, error)

	// Name identifies the adapter for logging and client-order-id prefixing.
	Name() string
}

// backoffSchedule is the shared retry ladder for transient broker errors:
// 1, 2, 4, 8, 16 seconds, five attempts total, following the same plain
// net/http-plus-manual-retries style used elsewhere, generalized with an
// explicit schedule instead of ad hoc sleeps.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// WithRetry runs fn, retrying on retriable domain errors per backoffSchedule.
// A rate-limit error honors the broker's advised RetryAfter instead of the
// schedule's own delay when it's longer.
func WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < len(backoffSchedule); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetriable(lastErr) {
			return lastErr
		}

		delay := backoffSchedule[attempt]
		if domain.KindOf(lastErr) == domain.ErrRateLimited {
			var derr *domain.Error
			if e, ok := lastErr.(*domain.Error); ok {
				derr = e
			}
			if derr != nil && time.Duration(derr.RetryAfter)*time.Second > delay {
				delay = time.Duration(derr.RetryAfter) * time.Second
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
