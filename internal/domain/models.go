// Package domain holds the entities and value types shared by every
// component of the trading core. Nothing here talks to a database or a
// broker; it is pure data plus the small helpers (override resolution,
// quantity math) that every component needs the same way.
package domain

import "time"

// Environment distinguishes a live brokerage account from a demo/sim one.
type Environment string

const (
	EnvironmentLive Environment = "live"
	EnvironmentDemo Environment = "demo"
)

// Side is a signed trading direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// Sign returns +1, -1 or 0 for long/short/flat.
func (s Side) Sign() int {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// SideOf returns the Side for a signed quantity.
func SideOf(qty float64) Side {
	switch {
	case qty > 0:
		return SideLong
	case qty < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// Action is the normalized intent extracted from a webhook payload.
// A bare "close" is its own variant (ActionClose), distinct from the
// directional aliases.
type Action string

const (
	ActionBuy         Action = "buy"
	ActionSell        Action = "sell"
	ActionCloseLong   Action = "closelong"
	ActionCloseShort  Action = "closeshort"
	ActionClose       Action = "close"
	ActionFlat        Action = "flat"
	ActionFlip        Action = "flip"
	ActionUnknown     Action = "unknown"
)

// ParseAction normalizes a raw webhook action string (case-insensitive,
// with the "flatten" alias folded into ActionFlat).
func ParseAction(raw string) Action {
	switch normalizeToken(raw) {
	case "buy":
		return ActionBuy
	case "sell":
		return ActionSell
	case "closelong":
		return ActionCloseLong
	case "closeshort":
		return ActionCloseShort
	case "close":
		return ActionClose
	case "flat", "flatten":
		return ActionFlat
	case "flip":
		return ActionFlip
	default:
		return ActionUnknown
	}
}

func normalizeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// DistanceUnit is the unit a TP/SL leg's distance is expressed in.
type DistanceUnit string

const (
	UnitTicks   DistanceUnit = "ticks"
	UnitPoints  DistanceUnit = "points"
	UnitPercent DistanceUnit = "percent"
)

// TrimUnit is the unit a TP leg's trim size is expressed in.
type TrimUnit string

const (
	TrimContracts TrimUnit = "contracts"
	TrimPercent   TrimUnit = "percent"
)

// StopKind distinguishes a fixed stop from a trailing one.
type StopKind string

const (
	StopFixed    StopKind = "fixed"
	StopTrailing StopKind = "trailing"
)

// TakeProfitLeg is one rung of a strategy's take-profit ladder.
type TakeProfitLeg struct {
	Distance     float64
	DistanceUnit DistanceUnit
	Trim         float64
	TrimUnit     TrimUnit
}

// TakeProfitPlan is the ordered list of TP legs for a strategy.
type TakeProfitPlan struct {
	Legs []TakeProfitLeg
}

// StopLossPlan describes a strategy's stop-loss behavior.
type StopLossPlan struct {
	Enabled       bool
	Distance      float64
	DistanceUnit  DistanceUnit
	Kind          StopKind
	TrailTrigger  float64
	TrailFrequency float64
}

// AddDownPlan describes a strategy's DCA (add-down) behavior.
type AddDownPlan struct {
	Enabled           bool
	Size              float64
	TriggerDistance   float64
	DistanceUnit      DistanceUnit
	MinInterEntryWait time.Duration
}

// BreakEvenPlan describes a strategy's break-even stop move.
type BreakEvenPlan struct {
	Enabled  bool
	Trigger  float64
	Offset   float64
}

// TimeWindow is one enabled trading window, in the strategy's local time.
type TimeWindow struct {
	Enabled     bool
	StartMinute int // minutes since local midnight
	EndMinute   int
}

// Contains reports whether minuteOfDay falls inside the window, handling
// windows that wrap past midnight.
func (w TimeWindow) Contains(minuteOfDay int) bool {
	if !w.Enabled {
		return false
	}
	if w.StartMinute <= w.EndMinute {
		return minuteOfDay >= w.StartMinute && minuteOfDay < w.EndMinute
	}
	return minuteOfDay >= w.StartMinute || minuteOfDay < w.EndMinute
}

// Filters are the strategy-level gates applied to every signal, evaluated
// in a fixed order: dedup, recording-enabled, direction, time window,
// cooldown, session cap, then daily loss cap.
type Filters struct {
	RecordingEnabled  bool
	DirectionFilter   Side // SideFlat or "" means "no restriction"
	Windows           [2]TimeWindow
	AutoFlatAfterCutoff bool
	CutoffMinute      int
	MaxSignalsPerSession int // 0 = unlimited
	SignalCooldown    time.Duration
	MaxDailyLoss      float64 // 0 = unlimited
	MaxContractsPerTrade int  // 0 = unlimited
	// Inverse is stored and loaded with the strategy, but the Signal Router
	// does not consult it: signals are never direction-flipped.
	Inverse           bool
}

// Strategy (a.k.a. recorder) is the durable trading spec identified by a
// unique webhook token.
type Strategy struct {
	ID            int64
	UserID        int64
	Name          string
	Symbol        string
	TickSize      float64
	InitialSize   float64
	AddSize       float64
	TakeProfit    TakeProfitPlan
	StopLoss      StopLossPlan
	AddDown       AddDownPlan
	BreakEven     BreakEvenPlan
	Filters       Filters
	WebhookToken  string
	Disabled      bool
	CreatedAt     time.Time
}

// Overrides holds the nullable per-trader overrides of a strategy's
// fields. A nil field means "inherit from strategy".
type Overrides struct {
	TakeProfit *TakeProfitPlan
	StopLoss   *StopLossPlan
	AddDown    *AddDownPlan
	BreakEven  *BreakEvenPlan
	Filters    *Filters
}

// Trader links one strategy to one account, with per-linkage overrides
// and a quantity multiplier.
type Trader struct {
	ID         int64
	UserID     int64
	StrategyID int64
	AccountID  int64
	Overrides  Overrides
	Multiplier float64 // default 1.0
	Enabled    bool
}

// EffectiveConfig resolves a trader's configuration through the override
// chain: trader.override -> strategy.default. A nil override field falls
// through to the strategy's field.
type EffectiveConfig struct {
	Symbol     string
	TickSize   float64
	TakeProfit TakeProfitPlan
	StopLoss   StopLossPlan
	AddDown    AddDownPlan
	BreakEven  BreakEvenPlan
	Filters    Filters
	Multiplier float64
}

// Resolve builds the EffectiveConfig for a trader against its strategy.
func Resolve(s Strategy, t Trader) EffectiveConfig {
	cfg := EffectiveConfig{
		Symbol:     s.Symbol,
		TickSize:   s.TickSize,
		TakeProfit: s.TakeProfit,
		StopLoss:   s.StopLoss,
		AddDown:    s.AddDown,
		BreakEven:  s.BreakEven,
		Filters:    s.Filters,
		Multiplier: t.Multiplier,
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1.0
	}
	if t.Overrides.TakeProfit != nil {
		cfg.TakeProfit = *t.Overrides.TakeProfit
	}
	if t.Overrides.StopLoss != nil {
		cfg.StopLoss = *t.Overrides.StopLoss
	}
	if t.Overrides.AddDown != nil {
		cfg.AddDown = *t.Overrides.AddDown
	}
	if t.Overrides.BreakEven != nil {
		cfg.BreakEven = *t.Overrides.BreakEven
	}
	if t.Overrides.Filters != nil {
		cfg.Filters = *t.Overrides.Filters
	}
	return cfg
}

// Credentials is the broker-specific secret blob attached to an account.
// Which fields are populated depends on Kind; the OAuth password grant
// uses Username/Password alongside the OAuth token set.
type Credentials struct {
	Kind CredentialKind

	// OAuth token set (futures broker).
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// Long-lived API key (prop-firm broker).
	APIKey string

	// HMAC key pair (equity broker).
	HMACKey    string
	HMACSecret string

	// Username/password, used for password-grant re-login.
	Username string
	Password string
}

// CredentialKind identifies which broker-credential shape is populated.
type CredentialKind string

const (
	CredentialOAuth    CredentialKind = "oauth"
	CredentialAPIKey   CredentialKind = "api_key"
	CredentialHMAC     CredentialKind = "hmac"
)

// BrokerKind identifies which adapter variant serves an account.
type BrokerKind string

const (
	BrokerFutures  BrokerKind = "futures"
	BrokerPropFirm BrokerKind = "propfirm"
	BrokerEquity   BrokerKind = "equity"
)

// Account is one brokerage account belonging to a user.
type Account struct {
	ID           int64
	UserID       int64
	Broker       BrokerKind
	Environment  Environment
	Credentials  Credentials
	SubaccountID string
	Enabled      bool
	NeedsReauth  bool
	ReauthReason string
}

// TradeStatus is the lifecycle state of a Trade record.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// Trade is a single entry record for a strategy+account, opened by a
// signal. tp_order_id refers to an order on exactly this account — it is
// never treated as global across accounts.
type Trade struct {
	ID          int64
	StrategyID  int64
	TraderID    int64
	AccountID   int64
	Symbol      string
	Side        Side
	Quantity    float64
	EntryPrice  float64
	EntryTime   time.Time
	ExitPrice   float64
	ExitTime    time.Time
	Status      TradeStatus
	ExitReason  string
	TPOrderID   string
}

// Position is the aggregated view per strategy+symbol.
type Position struct {
	ID           int64
	StrategyID   int64
	AccountID    int64
	Symbol       string
	Quantity     float64
	AverageEntry float64
	UnrealizedPL float64
	WorstPL      float64
	BestPL       float64
	Open         bool
}

// LeaderAccount marks an account as a copy-trading source.
type LeaderAccount struct {
	AccountID        int64
	AutoCopyEnabled  bool
}

// FollowerAccount links a follower account to a leader.
type FollowerAccount struct {
	ID              int64
	LeaderAccountID int64
	AccountID       int64
	Multiplier      float64
	MaxPositionSize float64 // 0 = unlimited
	CopyTP          bool
	CopySL          bool
	Enabled         bool
}

// CopyStatus is the lifecycle state of a CopyTradeLog row.
type CopyStatus string

const (
	CopyPending CopyStatus = "pending"
	CopyFilled  CopyStatus = "filled"
	CopyFailed  CopyStatus = "failed"
)

// CopyTradeLog is the audit row per follower copy attempt.
type CopyTradeLog struct {
	ID              int64
	LeaderAccountID int64
	FollowerAccountID int64
	Symbol          string
	Side            Side
	LeaderQty       float64
	FollowerQty     float64
	Price           float64
	Status          CopyStatus
	LatencyMS       int64
	Error           string
	CreatedAt       time.Time
}

// ContractMapping maps a leader symbol to a follower symbol for
// cross-contract copy (e.g. full-size -> micro).
type ContractMapping struct {
	SourceSymbol string
	TargetSymbol string
	QtyMultiplier float64
}

// Signal is the raw webhook payload, persisted verbatim for audit.
type Signal struct {
	ID         int64
	StrategyID int64 // 0 if the token did not resolve
	RawBody    string
	ReceivedAt time.Time
	Action     Action
	Ticker     string
	Price      float64
	Contracts  float64
	Position   string
	DedupKey   string
	Accepted   bool
}

// ExecutionFailure is the structured record kept for the monitoring
// endpoints.
type ExecutionFailure struct {
	ID         int64
	StrategyID int64
	TraderID   int64
	AccountID  int64
	Symbol     string
	Action     Action
	ErrorKind  ErrorKind
	Detail     string
	OccurredAt time.Time
}

// User is the identity that traders and accounts belong to.
type User struct {
	ID       int64
	Approved bool
}

// Cap applies max as an upper bound on |qty|, preserving sign. max <= 0
// means unlimited — callers must use an explicit "is set" check (this
// function's own max > 0 test) rather than max's truthiness, since a zero
// value here means "no cap", not "cap at zero".
func Cap(qty float64, max float64) float64 {
	if max <= 0 {
		return qty
	}
	if qty > max {
		return max
	}
	if qty < -max {
		return -max
	}
	return qty
}
