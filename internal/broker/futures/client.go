// Package futures implements the futures-broker variant of broker.Adapter:
// bearer-token REST calls against an OAuth2-protected API. Token refresh
// itself lives in internal/creds; this adapter only ever reads a valid
// domain.Credentials.AccessToken.
package futures

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

// Adapter talks to a futures broker's REST API, following the same
// post/get/parseResponse shape as a tradernet.Client, generalized to a
// bearer Authorization header and a real order-management surface.
type Adapter struct {
	baseURL string
	http    *http.Client
	limiter *broker.RateLimiter
	log     zerolog.Logger
}

// New builds a futures broker adapter pointed at baseURL.
func New(baseURL string, log zerolog.Logger) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: broker.NewRateLimiter(),
		log:     log.With().Str("component", "broker_futures").Logger(),
	}
}

func (a *Adapter) Name() string { return "futures" }

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
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
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
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

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, domain.NewError(domain.ErrAuthExpired, "access token rejected", nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 1
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
	if !env.Success {
		return nil, domain.NewError(domain.ErrBrokerRejected, env.Error, nil)
	}
	return &env, nil
}

func (a *Adapter) ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error) {
	// Futures contracts at this broker are addressed directly by the
	// strategy's configured symbol; mapping happens at the store layer
	// for brokers that need it (propfirm).
	return symbol, nil
}

type placeOrderReq struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Type          string  `json:"type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
}

type orderResp struct {
	OrderID   string  `json:"order_id"`
	FilledQty float64 `json:"filled_qty"`
	FillPrice float64 `json:"fill_price"`
	Status    string  `json:"status"`
}

func (a *Adapter) placeOrder(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	body := placeOrderReq{
		Symbol: req.Symbol, Side: string(req.Side), Quantity: req.Quantity,
		Type: string(req.Kind), LimitPrice: req.LimitPrice, StopPrice: req.StopPrice,
		ClientOrderID: req.ClientOrderID, ReduceOnly: req.ReduceOnly,
	}
	var result *broker.OrderResult
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodPost, "/v1/orders", body, a.limiter.Orders)
		if err != nil {
			return err
		}
		var o orderResp
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return domain.NewError(domain.ErrInternal, "decode order response", err)
		}
		result = &broker.OrderResult{OrderID: o.OrderID, FilledQty: o.FilledQty, FillPrice: o.FillPrice, Status: o.Status}
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
		_, err := a.do(ctx, creds, http.MethodDelete, "/v1/orders/"+orderID, nil, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error {
	body := map[string]float64{"stop_price": newStopPrice, "limit_price": newLimitPrice}
	return broker.WithRetry(ctx, func() error {
		_, err := a.do(ctx, creds, http.MethodPatch, "/v1/orders/"+orderID, body, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ListPositions(ctx context.Context, creds domain.Credentials) ([]broker.Position, error) {
	var out []broker.Position
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/v1/positions", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		var positions []broker.Position
		if err := json.Unmarshal(env.Data, &positions); err != nil {
			return domain.NewError(domain.ErrInternal, "decode positions", err)
		}
		out = positions
		return nil
	})
	return out, err
}

func (a *Adapter) ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]broker.OrderResult, error) {
	var out []broker.OrderResult
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/v1/orders?symbol="+symbol+"&open=true", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		var orders []orderResp
		if err := json.Unmarshal(env.Data, &orders); err != nil {
			return domain.NewError(domain.ErrInternal, "decode open orders", err)
		}
		for _, o := range orders {
			out = append(out, broker.OrderResult{OrderID: o.OrderID, FilledQty: o.FilledQty, FillPrice: o.FillPrice, Status: o.Status})
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
		return a.PlaceMarket(ctx, creds, broker.OrderRequest{
			Symbol: symbol, Side: side, Quantity: qty, ReduceOnly: true,
		})
	}
	return nil, nil
}
