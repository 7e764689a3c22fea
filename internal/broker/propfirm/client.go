// Package propfirm implements the prop-firm broker variant of
// broker.Adapter: API-key REST auth plus contract-symbol remapping (prop
// firms frequently rename the same underlying contract per funded account
// program).
package propfirm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/domain"
)

// Adapter talks to a prop-firm's REST API using a static API key header.
type Adapter struct {
	baseURL    string
	http       *http.Client
	limiter    *broker.RateLimiter
	log        zerolog.Logger
	resolveSym func(ctx context.Context, symbol string) (string, error)
}

// New builds a prop-firm adapter. resolveSymbol resolves a strategy's
// logical symbol to the firm's tradable contract via the contract_mappings
// table; nil falls back to the identity mapping.
func New(baseURL string, log zerolog.Logger, resolveSymbol func(ctx context.Context, symbol string) (string, error)) *Adapter {
	if resolveSymbol == nil {
		resolveSymbol = func(_ context.Context, symbol string) (string, error) { return symbol, nil }
	}
	return &Adapter{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 15 * time.Second},
		limiter:    broker.NewRateLimiter(),
		log:        log.With().Str("component", "broker_propfirm").Logger(),
		resolveSym: resolveSymbol,
	}
}

func (a *Adapter) Name() string { return "propfirm" }

func (a *Adapter) ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error) {
	return a.resolveSym(ctx, symbol)
}

type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (a *Adapter) do(ctx context.Context, creds domain.Credentials, method, path string, body interface{}, limiter *broker.TokenBucket) (*apiEnvelope, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.ErrTimeout, "rate limiter wait", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewError(domain.ErrInternal, "marshal request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, domain.NewError(domain.ErrInternal, "build request", err)
	}
	req.Header.Set("X-Api-Key", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.ErrBrokerUnreachable, "http request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.ErrBrokerUnreachable, "read response", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, domain.NewError(domain.ErrAuthExpired, "api key rejected", nil)
	case http.StatusTooManyRequests:
		retryAfter := 2
		if h := resp.Header.Get("Retry-After"); h != "" {
			fmt.Sscanf(h, "%d", &retryAfter)
		}
		return nil, domain.RateLimited(retryAfter)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewError(domain.ErrBrokerUnreachable, "broker server error", fmt.Errorf("status %d", resp.StatusCode))
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.NewError(domain.ErrInternal, "decode broker response", err)
	}
	if !env.OK {
		return nil, domain.NewError(domain.ErrBrokerRejected, env.Error, nil)
	}
	return &env, nil
}

type placeOrderReq struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	OrderType     string  `json:"order_type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
}

type orderResp struct {
	ID        string  `json:"id"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Status    string  `json:"status"`
}

func (a *Adapter) placeOrder(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	contract, err := a.resolveSym(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	body := placeOrderReq{
		Symbol: contract, Side: string(req.Side), Qty: req.Quantity, OrderType: string(req.Kind),
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, ClientOrderID: req.ClientOrderID,
		ReduceOnly: req.ReduceOnly,
	}
	var result *broker.OrderResult
	err = broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodPost, "/api/orders", body, a.limiter.Orders)
		if err != nil {
			return err
		}
		var o orderResp
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return domain.NewError(domain.ErrInternal, "decode order response", err)
		}
		result = &broker.OrderResult{OrderID: o.ID, FilledQty: o.FilledQty, FillPrice: o.AvgPrice, Status: o.Status}
		return nil
	})
	return result, err
}

func (a *Adapter) PlaceMarket(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	req.Kind = broker.OrderMarket
	return a.placeOrder(ctx, creds, req)
}

func (a *Adapter) PlaceLimit(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	req.Kind = broker.OrderLimit
	return a.placeOrder(ctx, creds, req)
}

func (a *Adapter) PlaceStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	req.Kind = broker.OrderStop
	return a.placeOrder(ctx, creds, req)
}

func (a *Adapter) PlaceTrailingStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	req.Kind = broker.OrderTrailingStop
	return a.placeOrder(ctx, creds, req)
}

func (a *Adapter) PlaceBracket(ctx context.Context, creds domain.Credentials, req broker.BracketRequest) (*broker.OrderResult, error) {
	entry, err := a.placeOrder(ctx, creds, req.Entry)
	if err != nil {
		return nil, err
	}
	for i := range req.TakeProfits {
		leg := req.TakeProfits[i]
		leg.ReduceOnly = true
		if _, err := a.placeOrder(ctx, creds, leg); err != nil {
			a.log.Error().Err(err).Str("order_id", entry.OrderID).Int("tp_leg", i).Msg("take-profit leg failed after entry filled")
		}
	}
	if req.StopLoss != nil {
		req.StopLoss.ReduceOnly = true
		if _, err := a.placeOrder(ctx, creds, *req.StopLoss); err != nil {
			a.log.Error().Err(err).Str("order_id", entry.OrderID).Msg("stop-loss leg failed after entry filled")
		}
	}
	return entry, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) error {
	return broker.WithRetry(ctx, func() error {
		_, err := a.do(ctx, creds, http.MethodDelete, "/api/orders/"+orderID, nil, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error {
	body := map[string]float64{"stop_price": newStopPrice, "limit_price": newLimitPrice}
	return broker.WithRetry(ctx, func() error {
		_, err := a.do(ctx, creds, http.MethodPatch, "/api/orders/"+orderID, body, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ListPositions(ctx context.Context, creds domain.Credentials) ([]broker.Position, error) {
	var out []broker.Position
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/api/positions", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		var raw []struct {
			Symbol string  `json:"symbol"`
			Qty    float64 `json:"qty"`
			Avg    float64 `json:"avg_price"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return domain.NewError(domain.ErrInternal, "decode positions", err)
		}
		for _, r := range raw {
			out = append(out, broker.Position{Symbol: r.Symbol, Quantity: r.Qty, AvgPrice: r.Avg})
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]broker.OrderResult, error) {
	var out []broker.OrderResult
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/api/orders?symbol="+symbol+"&status=open", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		var orders []orderResp
		if err := json.Unmarshal(env.Data, &orders); err != nil {
			return domain.NewError(domain.ErrInternal, "decode open orders", err)
		}
		for _, o := range orders {
			out = append(out, broker.OrderResult{OrderID: o.ID, FilledQty: o.FilledQty, FillPrice: o.AvgPrice, Status: o.Status})
		}
		return nil
	})
	return out, err
}

func (a *Adapter) Flatten(ctx context.Context, creds domain.Credentials, symbol string) (*broker.OrderResult, error) {
	positions, err := a.ListPositions(ctx, creds)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Quantity == 0 {
			continue
		}
		side := broker.SideSell
		qty := p.Quantity
		if p.Quantity < 0 {
			side = broker.SideBuy
			qty = -p.Quantity
		}
		return a.PlaceMarket(ctx, creds, broker.OrderRequest{Symbol: symbol, Side: side, Quantity: qty, ReduceOnly: true})
	}
	return nil, nil
}
