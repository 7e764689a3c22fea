package signal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
)

// fakeStore is an in-memory stand-in for internal/store.Store, scoped to
// exactly the methods the router needs.
type fakeStore struct {
	strategy    *domain.Strategy
	dedupSeen   map[string]bool
	lastSignal  time.Time
	sessionCount int
	realizedLoss float64
	traders     []domain.Trader
	accounts    map[int64]*domain.Account
	followers   map[int64]bool
	insertedSignals []domain.Signal
}

func (f *fakeStore) StrategyByWebhookToken(token string) (*domain.Strategy, error) {
	if f.strategy == nil || f.strategy.WebhookToken != token {
		return nil, domain.NewError(domain.ErrNotFound, "strategy", nil)
	}
	return f.strategy, nil
}

func (f *fakeStore) ListTradersForStrategy(strategyID int64, enabledOnly bool) ([]domain.Trader, error) {
	return f.traders, nil
}

func (f *fakeStore) GetAccountWithCredentials(accountID int64) (*domain.Account, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "account", nil)
	}
	return a, nil
}

func (f *fakeStore) InsertSignal(sig *domain.Signal) (int64, error) {
	f.insertedSignals = append(f.insertedSignals, *sig)
	return int64(len(f.insertedSignals)), nil
}

func (f *fakeStore) RecentDedupKeyExists(dedupKey string, window time.Duration, now time.Time) (bool, error) {
	return f.dedupSeen[dedupKey], nil
}

func (f *fakeStore) LastAcceptedSignalTime(strategyID int64) (time.Time, error) {
	return f.lastSignal, nil
}

func (f *fakeStore) CountSignalsSince(strategyID int64, since time.Time) (int, error) {
	return f.sessionCount, nil
}

func (f *fakeStore) IsFollowerOfAnyLeader(accountID int64) (bool, error) {
	return f.followers[accountID], nil
}

func (f *fakeStore) RealizedLossSince(strategyID int64, since time.Time) (float64, error) {
	return f.realizedLoss, nil
}

func newTestStrategy() *domain.Strategy {
	return &domain.Strategy{
		ID:           1,
		WebhookToken: "tok123",
		Symbol:       "ES1!",
		Filters: domain.Filters{
			RecordingEnabled: true,
		},
	}
}

func newRouter(store *fakeStore, enqueued *[]exec.Task) *Router {
	enqueue := func(t exec.Task) error {
		*enqueued = append(*enqueued, t)
		return nil
	}
	return New(store, enqueue, 30*time.Second, zerolog.Nop())
}

func TestRoute_UnknownTokenRejected(t *testing.T) {
	store := &fakeStore{strategy: newTestStrategy(), dedupSeen: map[string]bool{}, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("bad-token", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectStrategyNotFound, reason)
	assert.Empty(t, enqueued)
}

func TestRoute_DisabledStrategyRejected(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Disabled = true
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectStrategyDisabled, reason)
}

func TestRoute_DuplicateWithinWindowRejected(t *testing.T) {
	strategy := newTestStrategy()
	body := []byte("buy ES1! @ 5123.25")
	dedupKey := DedupKey("tok123", body)
	store := &fakeStore{
		strategy:  strategy,
		dedupSeen: map[string]bool{dedupKey: true},
		accounts:  map[int64]*domain.Account{},
		followers: map[int64]bool{},
	}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", body, time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, reason)
}

func TestRoute_RecordingDisabledRejected(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.RecordingEnabled = false
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectRecordingOff, reason)
}

func TestRoute_DirectionFilterRejectsOppositeSignal(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.DirectionFilter = domain.SideLong
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("sell ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectDirectionFilter, reason)
}

func TestRoute_OutsideWindowRejected(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.Windows[0] = domain.TimeWindow{Enabled: true, StartMinute: 0, EndMinute: 1}
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), now)
	require.NoError(t, err)
	assert.Equal(t, RejectOutsideWindow, reason)
}

func TestRoute_CooldownRejectsTooSoon(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.SignalCooldown = time.Minute
	now := time.Now()
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, lastSignal: now.Add(-10 * time.Second), accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), now)
	require.NoError(t, err)
	assert.Equal(t, RejectCooldown, reason)
}

func TestRoute_SessionCapRejected(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.MaxSignalsPerSession = 2
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, sessionCount: 2, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectSessionCap, reason)
}

func TestRoute_DailyLossCapRejected(t *testing.T) {
	strategy := newTestStrategy()
	strategy.Filters.MaxDailyLoss = 500
	store := &fakeStore{strategy: strategy, dedupSeen: map[string]bool{}, realizedLoss: 600, accounts: map[int64]*domain.Account{}, followers: map[int64]bool{}}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectDailyLossCap, reason)
}

func TestRoute_AcceptedSignalDispatchesToEnabledNonFollowerTraders(t *testing.T) {
	strategy := newTestStrategy()
	trader := domain.Trader{ID: 10, StrategyID: strategy.ID, AccountID: 100, Enabled: true}
	followerTrader := domain.Trader{ID: 11, StrategyID: strategy.ID, AccountID: 101, Enabled: true}
	store := &fakeStore{
		strategy: strategy,
		dedupSeen: map[string]bool{},
		traders:  []domain.Trader{trader, followerTrader},
		accounts: map[int64]*domain.Account{
			100: {ID: 100, Enabled: true},
			101: {ID: 101, Enabled: true},
		},
		followers: map[int64]bool{101: true},
	}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectNone, reason)
	require.Len(t, enqueued, 1)
	assert.Equal(t, int64(100), enqueued[0].Account.ID)
	require.Len(t, store.insertedSignals, 1)
	assert.True(t, store.insertedSignals[0].Accepted)
}

func TestRoute_SkipsDisabledAndNeedsReauthAccounts(t *testing.T) {
	strategy := newTestStrategy()
	trader := domain.Trader{ID: 10, StrategyID: strategy.ID, AccountID: 100, Enabled: true}
	trader2 := domain.Trader{ID: 20, StrategyID: strategy.ID, AccountID: 200, Enabled: true}
	store := &fakeStore{
		strategy: strategy,
		dedupSeen: map[string]bool{},
		traders:  []domain.Trader{trader, trader2},
		accounts: map[int64]*domain.Account{
			100: {ID: 100, Enabled: false},
			200: {ID: 200, Enabled: true, NeedsReauth: true},
		},
		followers: map[int64]bool{},
	}
	var enqueued []exec.Task
	r := newRouter(store, &enqueued)

	reason, err := r.Route("tok123", []byte("buy ES1! @ 5123.25"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RejectNone, reason)
	assert.Empty(t, enqueued)
}

func TestWindowsAllow_NoWindowsEnabledAllowsAll(t *testing.T) {
	var windows [2]domain.TimeWindow
	assert.True(t, windowsAllow(windows, 720))
}

func TestWindowsAllow_WrapsPastMidnight(t *testing.T) {
	windows := [2]domain.TimeWindow{{Enabled: true, StartMinute: 22 * 60, EndMinute: 2 * 60}}
	assert.True(t, windowsAllow(windows, 23*60))
	assert.True(t, windowsAllow(windows, 60))
	assert.False(t, windowsAllow(windows, 12*60))
}
