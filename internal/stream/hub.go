// Package stream implements the Streaming Hub: one shared websocket
// per (broker, token) pair, fanned out to every listener interested in
// that account's order/fill/position updates, instead of one socket per
// account. Connection lifecycle and read-loop shape are grounded on
// aristath-sentinel's MarketStatusWebSocket
// (_examples/aristath-sentinel/internal/clients/tradernet/websocket_client.go),
// generalized from a single cached-market-data socket to a
// multi-listener, multi-connection registry.
package stream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"
)

// Listener receives raw broker stream events. Callbacks are invoked
// synchronously on the connection's read loop, one listener after another,
// so a listener that blocks stalls that socket's reads.
type Listener interface {
	OnMessage(accountID int64, raw []byte)
	OnStateChange(accountID int64, state ConnState)
}

// DialerFunc opens a broker-specific websocket URL and returns the raw
// frame transport. Kept as a function value so the hub itself has no
// broker-specific dialing knowledge; cmd/server passes Dial when
// constructing the Hub.
type DialerFunc func(ctx context.Context, wsURL, token string) (FrameConn, error)

// Protocol carries the broker-specific post-dial handshake: an
// authentication frame and await, then the single subscription message
// sent for the connection's whole lifetime (spec.md §4.4: "open frame ->
// send auth -> await 200 response -> send subscription with the union of
// all interested accounts"). Either func may be nil, meaning that step is
// a no-op for brokers whose auth/subscription is already folded into the
// dial URL (e.g. a token query parameter) rather than an in-band frame.
type Protocol struct {
	Authenticate func(ctx context.Context, conn FrameConn, token string) error
	Subscribe    func(ctx context.Context, conn FrameConn, token string, accountIDs []int64) error
}

// ProtocolFunc resolves the handshake to use for a given broker kind, the
// same per-broker-customization shape wsURL already uses.
type ProtocolFunc func(broker domain.BrokerKind) Protocol

// FrameConn is the minimal surface the hub needs from a websocket
// connection, satisfied by a thin wrapper over *nhooyr.io/websocket.Conn.
type FrameConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type connKey struct {
	broker domain.BrokerKind
	token  string
}

// TokenResolver returns the current, freshly-refreshed token for the
// broker credential behind accountID, used to re-dial a connection whose
// age has crossed StreamTokenMaxAge without relying on the (possibly
// stale) token it was first subscribed with. Normally backed by
// internal/creds.Keeper.TokenFor.
type TokenResolver func(ctx context.Context, accountID int64) (string, error)

// Hub owns every (broker, token) connection and the listeners subscribed
// to each.
type Hub struct {
	cfg      *config.Config
	dial     DialerFunc
	wsURL    func(broker domain.BrokerKind) string
	protocol ProtocolFunc
	resolve  TokenResolver
	log      zerolog.Logger
	gate     chan struct{} // connect-gate semaphore: no std-lib weighted semaphore is used in the pack, so a buffered channel plays that role (see DESIGN.md)
	spawn    func(name string, fn func(ctx context.Context))

	mu    sync.Mutex
	conns map[connKey]*Connection

	lastConnectAt time.Time
}

// New builds a Hub. spawn is the scheduler's goroutine-owning Spawn so the
// hub's read loops are cancelled together with every other background
// task on shutdown. A nil protocol resolves every broker to the zero
// Protocol (no in-band auth/subscribe frame). A nil resolve falls back to
// redialing with the token the connection was first subscribed with,
// which is the correct behavior for a credential kind whose token never
// expires (API key, HMAC key) and a documented simplification for OAuth
// accounts when no resolver is wired.
func New(cfg *config.Config, dial DialerFunc, wsURL func(domain.BrokerKind) string, protocol ProtocolFunc, resolve TokenResolver, spawn func(string, func(context.Context)), log zerolog.Logger) *Hub {
	if protocol == nil {
		protocol = func(domain.BrokerKind) Protocol { return Protocol{} }
	}
	return &Hub{
		cfg:      cfg,
		dial:     dial,
		wsURL:    wsURL,
		protocol: protocol,
		resolve:  resolve,
		log:      log.With().Str("component", "stream_hub").Logger(),
		gate:     make(chan struct{}, cfg.StreamConnectConcurrency),
		spawn:    spawn,
		conns:    make(map[connKey]*Connection),
	}
}

// Subscribe registers listener for accountID's stream, creating the
// underlying (broker, token) connection if this is the first subscriber
// for that token. Multiple accounts sharing the same token (e.g. a
// sub-account structure) share one socket, per the "single subscription
// per socket lifetime" invariant: a socket is opened once and never
// re-subscribed mid-life, only torn down and replaced.
func (h *Hub) Subscribe(accountID int64, broker domain.BrokerKind, token string, listener Listener) {
	key := connKey{broker: broker, token: token}

	h.mu.Lock()
	conn, exists := h.conns[key]
	if !exists {
		conn = newConnection(h, key, accountID)
		h.conns[key] = conn
	}
	h.mu.Unlock()

	conn.addListener(accountID, listener)

	if !exists {
		h.spawn("stream:"+string(broker)+":"+shortToken(token), conn.run)
	}
}

// Unsubscribe removes a listener; when a connection has no listeners left
// it is torn down on its next heartbeat check.
func (h *Hub) Unsubscribe(broker domain.BrokerKind, token string, accountID int64) {
	h.mu.Lock()
	conn, ok := h.conns[connKey{broker: broker, token: token}]
	h.mu.Unlock()
	if ok {
		conn.removeListener(accountID)
	}
}

// acquireConnectSlot blocks until a connect-gate slot is free and the
// configured spacing since the last connect attempt has elapsed, so
// reconnect storms don't open StreamConnectConcurrency sockets at once
// against a broker that rate-limits connection attempts separately from
// request rate.
func (h *Hub) acquireConnectSlot(ctx context.Context) error {
	select {
	case h.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	wait := h.cfg.StreamConnectSpacing - time.Since(h.lastConnectAt)
	if wait < 0 {
		wait = 0
	}
	h.lastConnectAt = time.Now().Add(wait)
	h.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-h.gate
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) releaseConnectSlot() { <-h.gate }

// initialStagger returns a random delay up to StreamInitialStaggerMax so
// that a fleet of accounts starting together doesn't all dial at once.
func (h *Hub) initialStagger() time.Duration {
	if h.cfg.StreamInitialStaggerMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(h.cfg.StreamInitialStaggerMax)))
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// Status reports each connection's state, listener count and time since
// its last peer message (zero before the first message) for the /status
// monitoring payload.
type ListenerStatus struct {
	Broker         domain.BrokerKind
	State          ConnState
	Listeners      int
	LastMessageAge time.Duration
}

func (h *Hub) Status() []ListenerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ListenerStatus, 0, len(h.conns))
	for key, c := range h.conns {
		c.mu.Lock()
		last := c.lastMsgAt
		c.mu.Unlock()
		var age time.Duration
		if !last.IsZero() {
			age = time.Since(last)
		}
		out = append(out, ListenerStatus{Broker: key.broker, State: c.State(), Listeners: c.listenerCount(), LastMessageAge: age})
	}
	return out
}
