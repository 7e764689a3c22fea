// Package equity implements the equity/options broker variant of
// broker.Adapter: HMAC-SHA256 request signing over
// "timestamp + method + path + body", the same scheme the polymarket-mm
// example uses for its L2-authenticated trading endpoints.
package equity

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/domain"
)

// Adapter talks to an equity/options broker's REST API using an
// HMAC-signed-request scheme.
type Adapter struct {
	baseURL string
	http    *http.Client
	limiter *broker.RateLimiter
	log     zerolog.Logger
}

func New(baseURL string, log zerolog.Logger) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: broker.NewRateLimiter(),
		log:     log.With().Str("component", "broker_equity").Logger(),
	}
}

func (a *Adapter) Name() string { return "equity" }

func (a *Adapter) ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error) {
	return symbol, nil
}

// sign computes the HMAC-SHA256 signature over timestamp+method+path+body,
// base64-encoded, mirroring Auth.buildHMAC in the polymarket-mm example.
func sign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type apiEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Msg    string          `json:"msg"`
}

func (a *Adapter) do(ctx context.Context, creds domain.Credentials, method, path string, body interface{}, limiter *broker.TokenBucket) (*apiEnvelope, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.ErrTimeout, "rate limiter wait", err)
	}

	var bodyStr string
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewError(domain.ErrInternal, "marshal request", err)
		}
		bodyStr = string(b)
		reader = bytes.NewReader(b)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign(creds.HMACSecret, timestamp, method, path, bodyStr)

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, domain.NewError(domain.ErrInternal, "build request", err)
	}
	req.Header.Set("X-Api-Key", creds.HMACKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", timestamp)
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
	case http.StatusUnauthorized:
		return nil, domain.NewError(domain.ErrAuthExpired, "hmac signature rejected", nil)
	case http.StatusTooManyRequests:
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
	if env.Status != "ok" {
		return nil, domain.NewError(domain.ErrBrokerRejected, env.Msg, nil)
	}
	return &env, nil
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
		Symbol: req.Symbol, Side: string(req.Side), Quantity: req.Quantity, Type: string(req.Kind),
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, ClientOrderID: req.ClientOrderID,
		ReduceOnly: req.ReduceOnly,
	}
	var result *broker.OrderResult
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodPost, "/v2/orders", body, a.limiter.Orders)
		if err != nil {
			return err
		}
		var o orderResp
		if err := json.Unmarshal(env.Result, &o); err != nil {
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
		_, err := a.do(ctx, creds, http.MethodDelete, "/v2/orders/"+orderID, nil, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error {
	body := map[string]float64{"stop_price": newStopPrice, "limit_price": newLimitPrice}
	return broker.WithRetry(ctx, func() error {
		_, err := a.do(ctx, creds, http.MethodPatch, "/v2/orders/"+orderID, body, a.limiter.Orders)
		return err
	})
}

func (a *Adapter) ListPositions(ctx context.Context, creds domain.Credentials) ([]broker.Position, error) {
	var out []broker.Position
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/v2/positions", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(env.Result, &out); err != nil {
			return domain.NewError(domain.ErrInternal, "decode positions", err)
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]broker.OrderResult, error) {
	var out []broker.OrderResult
	err := broker.WithRetry(ctx, func() error {
		env, err := a.do(ctx, creds, http.MethodGet, "/v2/orders?symbol="+symbol+"&open=true", nil, a.limiter.Reads)
		if err != nil {
			return err
		}
		var orders []orderResp
		if err := json.Unmarshal(env.Result, &orders); err != nil {
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
		return a.PlaceMarket(ctx, creds, broker.OrderRequest{Symbol: symbol, Side: side, Quantity: qty, ReduceOnly: true})
	}
	return nil, nil
}
