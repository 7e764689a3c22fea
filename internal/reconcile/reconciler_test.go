package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{ReconcilerStaleGracePeriod: 4 * time.Hour}
}

type fakeReconcileStore struct {
	traders      []domain.Trader
	strategies   map[int64]*domain.Strategy
	accounts     map[int64]*domain.Account
	openTrades   map[int64]*domain.Trade
	closedCalls  int
	openedCalls  int
	tpOrderCalls int
}

func (f *fakeReconcileStore) ListEnabledTraders() ([]domain.Trader, error) { return f.traders, nil }

func (f *fakeReconcileStore) StrategyByID(id int64) (*domain.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "strategy", nil)
	}
	return s, nil
}

func (f *fakeReconcileStore) GetAccountWithCredentials(accountID int64) (*domain.Account, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "account", nil)
	}
	return a, nil
}

func (f *fakeReconcileStore) OpenTradeForAccount(accountID int64, symbol string) (*domain.Trade, error) {
	return f.openTrades[accountID], nil
}

func (f *fakeReconcileStore) OpenTrade(t *domain.Trade) (int64, error) {
	f.openedCalls++
	f.openTrades[t.AccountID] = t
	return 1, nil
}

func (f *fakeReconcileStore) CloseTrade(id int64, exitPrice float64, exitTime time.Time, reason string) error {
	f.closedCalls++
	return nil
}

func (f *fakeReconcileStore) SetTradeTPOrderID(id int64, tpOrderID string) error {
	f.tpOrderCalls++
	return nil
}

type fakeReconcileAdapter struct {
	positions     []broker.Position
	placedLimits  int
	flattenCalls  int
}

func (a *fakeReconcileAdapter) ResolveContract(ctx context.Context, creds domain.Credentials, symbol string) (string, error) {
	return symbol, nil
}
func (a *fakeReconcileAdapter) PlaceMarket(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeReconcileAdapter) PlaceBracket(ctx context.Context, creds domain.Credentials, req broker.BracketRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeReconcileAdapter) PlaceLimit(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	a.placedLimits++
	return &broker.OrderResult{OrderID: "tp-1"}, nil
}
func (a *fakeReconcileAdapter) PlaceStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeReconcileAdapter) PlaceTrailingStop(ctx context.Context, creds domain.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (a *fakeReconcileAdapter) CancelOrder(ctx context.Context, creds domain.Credentials, orderID string) error {
	return nil
}
func (a *fakeReconcileAdapter) ModifyOrder(ctx context.Context, creds domain.Credentials, orderID string, newStopPrice, newLimitPrice float64) error {
	return nil
}
func (a *fakeReconcileAdapter) ListPositions(ctx context.Context, creds domain.Credentials) ([]broker.Position, error) {
	return a.positions, nil
}
func (a *fakeReconcileAdapter) ListOpenOrders(ctx context.Context, creds domain.Credentials, symbol string) ([]broker.OrderResult, error) {
	return nil, nil
}
func (a *fakeReconcileAdapter) Flatten(ctx context.Context, creds domain.Credentials, symbol string) (*broker.OrderResult, error) {
	a.flattenCalls++
	return &broker.OrderResult{FillPrice: 100}, nil
}
func (a *fakeReconcileAdapter) Name() string { return "fake" }

func baseStrategy() *domain.Strategy {
	return &domain.Strategy{ID: 1, Symbol: "ES1!", TakeProfit: domain.TakeProfitPlan{Legs: []domain.TakeProfitLeg{{Distance: 10, DistanceUnit: domain.UnitPoints, TrimUnit: domain.TrimContracts, Trim: 1}}}}
}

func TestReconcile_AdoptsOrphanBrokerPosition(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: true, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{},
	}
	adapter := &fakeReconcileAdapter{positions: []broker.Position{{Symbol: "ES1!", Quantity: 3, AvgPrice: 5120}}}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return false }, testConfig(), zerolog.Nop())

	err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, store.openedCalls)
}

func TestReconcile_ClosesStoredTradeWhenBrokerFlat(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: true, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{100: {ID: 5, AccountID: 100, Symbol: "ES1!", EntryPrice: 5100, Status: domain.TradeOpen}},
	}
	adapter := &fakeReconcileAdapter{positions: nil}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return false }, testConfig(), zerolog.Nop())

	err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, store.closedCalls)
}

func TestReconcile_PlacesMissingTPOnlyOnce(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: true, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{100: {ID: 5, AccountID: 100, Symbol: "ES1!", EntryPrice: 5100, Quantity: 2, Side: domain.SideLong, Status: domain.TradeOpen, EntryTime: time.Now()}},
	}
	adapter := &fakeReconcileAdapter{positions: []broker.Position{{Symbol: "ES1!", Quantity: 2, AvgPrice: 5100}}}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return false }, testConfig(), zerolog.Nop())

	require.NoError(t, r.Run())
	assert.Equal(t, 1, adapter.placedLimits, "first sweep should place the missing TP ladder")

	store.openTrades[100].TPOrderID = "tp-1"
	require.NoError(t, r.Run())
	assert.Equal(t, 1, adapter.placedLimits, "a second sweep must be a no-op once TPOrderID is recorded")
}

func TestReconcile_SkipsMissingTPWhenStreamIsLiveTracking(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: true, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{100: {ID: 5, AccountID: 100, Symbol: "ES1!", EntryPrice: 5100, Quantity: 2, Side: domain.SideLong, Status: domain.TradeOpen, EntryTime: time.Now()}},
	}
	adapter := &fakeReconcileAdapter{positions: []broker.Position{{Symbol: "ES1!", Quantity: 2, AvgPrice: 5100}}}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return true }, testConfig(), zerolog.Nop())

	require.NoError(t, r.Run())
	assert.Zero(t, adapter.placedLimits, "reconciler must defer to the live stream listener instead of racing it")
}

func TestReconcile_ClosesStaleTradeRecordAsManualCleanup(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	stale := time.Now().Add(-48 * time.Hour)
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: true, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{100: {ID: 5, AccountID: 100, Symbol: "ES1!", EntryPrice: 5100, Quantity: 2, Side: domain.SideLong, Status: domain.TradeOpen, EntryTime: stale}},
	}
	adapter := &fakeReconcileAdapter{positions: []broker.Position{{Symbol: "ES1!", Quantity: 2, AvgPrice: 5100}}}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return false }, testConfig(), zerolog.Nop())

	require.NoError(t, r.Run())
	assert.Equal(t, 1, store.closedCalls, "a trade record sitting open since well before today's session should be cleaned up")
	assert.Zero(t, adapter.placedLimits, "a stale record must not also get a fresh TP ladder placed on it")
}

func TestReconcile_SkipsDisabledAccount(t *testing.T) {
	trader := domain.Trader{ID: 1, StrategyID: 1, AccountID: 100, Enabled: true}
	store := &fakeReconcileStore{
		traders:    []domain.Trader{trader},
		strategies: map[int64]*domain.Strategy{1: baseStrategy()},
		accounts:   map[int64]*domain.Account{100: {ID: 100, Enabled: false, Broker: domain.BrokerFutures}},
		openTrades: map[int64]*domain.Trade{},
	}
	adapter := &fakeReconcileAdapter{}
	r := New(store, map[domain.BrokerKind]broker.Adapter{domain.BrokerFutures: adapter}, func(int64) bool { return false }, testConfig(), zerolog.Nop())

	require.NoError(t, r.Run())
	assert.Zero(t, store.openedCalls)
	assert.Zero(t, store.closedCalls)
}
