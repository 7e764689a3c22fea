package copytrade

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/domain"
)

// fakeCopyStore is an in-memory stand-in for internal/store.Store, scoped
// to exactly the methods the copy engine needs.
type fakeCopyStore struct {
	followers    []domain.FollowerAccount
	accounts     map[int64]*domain.Account
	openTrades   map[int64]*domain.Trade
	mappings     map[string]*domain.ContractMapping
	strategies   map[int64]*domain.Strategy
	appendedLogs []domain.CopyTradeLog
	openedTrades []domain.Trade
}

func (f *fakeCopyStore) ListFollowersFor(leaderAccountID int64, enabledOnly bool) ([]domain.FollowerAccount, error) {
	return f.followers, nil
}

func (f *fakeCopyStore) GetAccountWithCredentials(accountID int64) (*domain.Account, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "account", nil)
	}
	return a, nil
}

func (f *fakeCopyStore) StrategyForAccount(accountID int64) (*domain.Strategy, error) {
	s, ok := f.strategies[accountID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "strategy", nil)
	}
	return s, nil
}

func (f *fakeCopyStore) ResolveContractMapping(sourceSymbol string) (*domain.ContractMapping, error) {
	m, ok := f.mappings[sourceSymbol]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "mapping", nil)
	}
	return m, nil
}

func (f *fakeCopyStore) OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error) {
	return f.openTrades[accountID], nil
}

func (f *fakeCopyStore) OpenTrade(t *domain.Trade) (int64, error) {
	f.openedTrades = append(f.openedTrades, *t)
	return int64(len(f.openedTrades)), nil
}

func (f *fakeCopyStore) CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error {
	return nil
}

func (f *fakeCopyStore) UpdateTradeQuantityAndEntry(id int64, qty, entry float64) error {
	return nil
}

func (f *fakeCopyStore) AppendCopyLog(row *domain.CopyTradeLog) error {
	f.appendedLogs = append(f.appendedLogs, *row)
	return nil
}

// fakeAdapter implements broker.Adapter with just enough behavior to
// observe what the copy engine placed.
type fakeAdapter struct {
	placedBrackets []broker.BracketRequest
	placedMarkets  []broker.OrderRequest
}

func (a *fakeAdapter) ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error) {
	return symbol, nil
}
func (a *fakeAdapter) PlaceMarket(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	a.placedMarkets = append(a.placedMarkets, req)
	return &broker.OrderResult{FilledQty: req.Quantity, FillPrice: 100}, nil
}
func (a *fakeAdapter) PlaceBracket(ctx context.Context, creds domain.Credentials, req broker.BracketRequest) (*broker.OrderResult, error) {
	a.placedBrackets = append(a.placedBrackets, req)
	return &broker.OrderResult{FilledQty: req.Entry.Quantity, FillPrice: 100}, nil
}
func (a *fakeAdapter) PlaceLimit(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeAdapter) PlaceStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeAdapter) PlaceTrailingStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeAdapter) CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) error {
	return nil
}
func (a *fakeAdapter) ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error {
	return nil
}
func (a *fakeAdapter) ListPositions(ctx context.Context, creds domain.Credentials) ([]broker.Position, error) {
	return nil, nil
}
func (a *fakeAdapter) ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]broker.OrderResult, error) {
	return nil, nil
}
func (a *fakeAdapter) Flatten(ctx context.Context, creds domain.Credentials, symbol string) (*broker.OrderResult, error) {
	return &broker.OrderResult{FillPrice: 100}, nil
}
func (a *fakeAdapter) Name() string { return "fake" }

func fillFrame(orderID, clientOrderID, symbol, side string, qty, price float64) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"type": "fill", "order_id": orderID, "client_order_id": clientOrderID,
		"symbol": symbol, "side": side, "quantity": qty, "fill_price": price,
	})
	return raw
}

func TestOnMessage_SkipsFramesWithCopyClientOrderPrefix(t *testing.T) {
	store := &fakeCopyStore{accounts: map[int64]*domain.Account{}}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	e.OnMessage(1, fillFrame("ord1", copyClientPrefix+"150405.000", "ES1!", "buy", 2, 5123.25))

	assert.Empty(t, adapter.placedBrackets)
	assert.Empty(t, store.appendedLogs)
}

func TestOnMessage_DedupsRepeatedOrderID(t *testing.T) {
	store := &fakeCopyStore{
		followers: []domain.FollowerAccount{{ID: 1, LeaderAccountID: 1, AccountID: 200, Multiplier: 1, Enabled: true}},
		accounts: map[int64]*domain.Account{
			200: {ID: 200, Enabled: true, Broker: domain.BrokerFutures},
		},
		openTrades: map[int64]*domain.Trade{},
	}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	frame := fillFrame("ord-dup", "", "ES1!", "buy", 2, 5123.25)
	e.OnMessage(1, frame)
	e.OnMessage(1, frame)

	require.Len(t, store.appendedLogs, 1, "a replayed fill with the same order id must only be copied once")
}

func TestOnMessage_PropagatesNewEntryToEnabledFollowers(t *testing.T) {
	store := &fakeCopyStore{
		followers: []domain.FollowerAccount{
			{ID: 1, LeaderAccountID: 1, AccountID: 200, Multiplier: 2, Enabled: true},
		},
		accounts: map[int64]*domain.Account{
			200: {ID: 200, Enabled: true, Broker: domain.BrokerFutures},
		},
		openTrades: map[int64]*domain.Trade{},
	}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	e.OnMessage(1, fillFrame("ord-new", "", "ES1!", "buy", 3, 5123.25))

	require.Len(t, store.appendedLogs, 1)
	assert.Equal(t, domain.CopyFilled, store.appendedLogs[0].Status)
	require.Len(t, adapter.placedBrackets, 1)
	assert.Equal(t, 6.0, adapter.placedBrackets[0].Entry.Quantity, "follower multiplier of 2x a 3-contract leader fill should size to 6")
}

func TestOnMessage_RiskLegsUseLeaderStrategyNotFollowerAccount(t *testing.T) {
	store := &fakeCopyStore{
		followers: []domain.FollowerAccount{
			{ID: 1, LeaderAccountID: 1, AccountID: 200, Multiplier: 1, Enabled: true, CopyTP: true, CopySL: true},
		},
		accounts: map[int64]*domain.Account{
			200: {ID: 200, Enabled: true, Broker: domain.BrokerFutures},
		},
		openTrades: map[int64]*domain.Trade{},
		strategies: map[int64]*domain.Strategy{
			1: {
				ID: 1, Symbol: "ES1!", TickSize: 0.25,
				TakeProfit: domain.TakeProfitPlan{Legs: []domain.TakeProfitLeg{{Distance: 10, Trim: 1}}},
				StopLoss:   domain.StopLossPlan{Enabled: true, Distance: 20},
			},
			// account 200 (the follower) deliberately has no strategy entry:
			// a lookup keyed by the follower's own account id must not find one.
		},
	}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	e.OnMessage(1, fillFrame("ord-risk", "", "ES1!", "buy", 2, 5123.25))

	require.Len(t, adapter.placedBrackets, 1)
	bracket := adapter.placedBrackets[0]
	assert.NotNil(t, bracket.StopLoss, "CopySL should build a stop-loss leg from the leader's strategy")
	assert.NotEmpty(t, bracket.TakeProfits, "CopyTP should build take-profit legs from the leader's strategy")
}

func TestOnMessage_SkipsDisabledFollowerAccount(t *testing.T) {
	store := &fakeCopyStore{
		followers: []domain.FollowerAccount{
			{ID: 1, LeaderAccountID: 1, AccountID: 200, Multiplier: 1, Enabled: true},
		},
		accounts: map[int64]*domain.Account{
			200: {ID: 200, Enabled: false, Broker: domain.BrokerFutures},
		},
		openTrades: map[int64]*domain.Trade{},
	}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	e.OnMessage(1, fillFrame("ord-disabled", "", "ES1!", "buy", 2, 5123.25))

	require.Len(t, store.appendedLogs, 1)
	assert.Equal(t, domain.CopyFailed, store.appendedLogs[0].Status)
	assert.Empty(t, adapter.placedBrackets)
}

func TestOnMessage_IgnoresNonFillEvents(t *testing.T) {
	store := &fakeCopyStore{}
	adapter := &fakeAdapter{}
	e := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, zerolog.Nop())

	raw, _ := json.Marshal(map[string]interface{}{"type": "balance"})
	e.OnMessage(1, raw)

	assert.Empty(t, store.appendedLogs)
}
