// Command server wires up the trading core: Store, the three broker
// adapters, the Credential Keeper, the Streaming Hub, the Execution
// Engine, the Signal Router, the Copy Engine, the Reconciler, the two
// worker pools, and the External API, then runs until an interrupt.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	stdsignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/broker/equity"
	"github.com/aristath/futures-core/internal/broker/futures"
	"github.com/aristath/futures-core/internal/broker/propfirm"
	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/copytrade"
	"github.com/aristath/futures-core/internal/creds"
	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
	"github.com/aristath/futures-core/internal/metrics"
	"github.com/aristath/futures-core/internal/reconcile"
	"github.com/aristath/futures-core/internal/scheduler"
	"github.com/aristath/futures-core/internal/server"
	signalrouter "github.com/aristath/futures-core/internal/signal"
	"github.com/aristath/futures-core/internal/store"
	"github.com/aristath/futures-core/internal/stream"
	"github.com/aristath/futures-core/internal/workers"
	"github.com/aristath/futures-core/pkg/logger"
)

const execQueueSize = 256
const ingestQueueSize = 256

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting futures-core")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := store.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	brokers := map[domain.BrokerKind]broker.Adapter{
		domain.BrokerFutures: futures.New(cfg.FuturesBaseURL, log),
		domain.BrokerPropFirm: propfirm.New(cfg.PropFirmBaseURL, log, func(ctx context.Context, symbol string) (string, error) {
			mapping, err := st.ResolveContractMapping(symbol)
			if err != nil {
				if domain.KindOf(err) == domain.ErrNotFound {
					return symbol, nil
				}
				return "", err
			}
			return mapping.TargetSymbol, nil
		}),
		domain.BrokerEquity: equity.New(cfg.EquityBaseURL, log),
	}

	wsURLFor := func(b domain.BrokerKind) string {
		switch b {
		case domain.BrokerPropFirm:
			return cfg.PropFirmWSURL
		case domain.BrokerEquity:
			return cfg.EquityWSURL
		default:
			return cfg.FuturesWSURL
		}
	}

	reg := metrics.New()

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	oauthEndpoint := func(b domain.BrokerKind) oauth2.Endpoint {
		return oauth2.Endpoint{AuthURL: cfg.FuturesOAuthAuthURL, TokenURL: cfg.FuturesOAuthTokenURL}
	}
	keeper := creds.New(st, cfg, oauthEndpoint, cfg.FuturesOAuthClientID, log)
	if err := sched.AddJob(everySchedule(cfg.CredentialSweepInterval), keeper); err != nil {
		log.Fatal().Err(err).Msg("failed to register credential keeper sweep")
	}

	engine := exec.New(st, brokers, log)

	execPool := workers.NewExecPool(cfg.ExecWorkers, execQueueSize, cfg.IngestEnqueueDeadline,
		func(ctx context.Context, task exec.Task) error { return engine.Execute(ctx, task) }, log)
	sched.Spawn("exec_pool", func(ctx context.Context) { execPool.Run(ctx, cfg.ExecWorkers) })

	router := signalrouter.New(st, execPool.Enqueue, cfg.WebhookDedupWindow, log)

	ingestPool := workers.NewIngestPool(cfg.IngestWorkers, ingestQueueSize,
		func(ctx context.Context, token string, body []byte) (domain.Action, error) {
			reason, err := router.Route(token, body, time.Now())
			if err != nil {
				reg.SignalsRejected.WithLabelValues("error").Inc()
				return domain.ActionUnknown, err
			}
			if reason != signalrouter.RejectNone {
				reg.SignalsRejected.WithLabelValues(string(reason)).Inc()
				return domain.ActionUnknown, nil
			}
			reg.SignalsAccepted.Inc()
			return domain.ActionUnknown, nil
		}, log)
	sched.Spawn("ingest_pool", func(ctx context.Context) { ingestPool.Run(ctx, cfg.IngestWorkers) })

	protocolFor := func(b domain.BrokerKind) stream.Protocol {
		if b == domain.BrokerPropFirm {
			return stream.NewPropFirmProtocol()
		}
		return stream.Protocol{}
	}
	resolveStreamToken := func(ctx context.Context, accountID int64) (string, error) {
		account, err := st.GetAccountWithCredentials(accountID)
		if err != nil {
			return "", err
		}
		if account.Credentials.Kind != domain.CredentialOAuth {
			return streamToken(account), nil
		}
		return keeper.TokenFor(ctx, *account)
	}
	hub := stream.New(cfg, stream.Dial, wsURLFor, protocolFor, resolveStreamToken, sched.Spawn, log)

	copyEngine := copytrade.New(st, brokers, log)
	liveTracked := make(map[int64]bool)
	subscribeStreams(st, hub, engine, copyEngine, liveTracked, log)

	reconciler := reconcile.New(st, brokers, func(accountID int64) bool { return liveTracked[accountID] }, cfg, log)
	if err := sched.AddJob(everySchedule(cfg.ReconcilerInterval), reconciler); err != nil {
		log.Fatal().Err(err).Msg("failed to register reconciler")
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Store:     st,
		Ingest:    ingestPool,
		Exec:      execPool,
		Hub:       hub,
		Metrics:   reg,
		Brokers:   brokers,
		Cfg:       cfg,
		StartedAt: time.Now(),
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("futures-core started")

	quit := make(chan os.Signal, 1)
	stdsignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}

// everySchedule renders a time.Duration as a robfig/cron "@every" spec.
func everySchedule(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// subscribeStreams registers one stream.Listener per enabled trader's
// account+symbol (position/fill sync, feeding the Execution Engine) and
// one per auto-copy leader account (feeding the Copy Engine), and marks
// liveTracked so the Reconciler skips auto-TP placement for accounts the
// Streaming Hub is already watching (spec.md §4.8).
func subscribeStreams(st *store.Store, hub *stream.Hub, engine *exec.Engine, copyEngine *copytrade.Engine, liveTracked map[int64]bool, log zerolog.Logger) {
	traders, err := st.ListEnabledTraders()
	if err != nil {
		log.Error().Err(err).Msg("could not list enabled traders for stream subscription")
	}
	for _, trader := range traders {
		account, err := st.GetAccountWithCredentials(trader.AccountID)
		if err != nil || !account.Enabled || account.NeedsReauth {
			continue
		}
		strategy, err := st.StrategyByID(trader.StrategyID)
		if err != nil {
			continue
		}
		token := streamToken(account)
		listener := exec.NewStreamListener(engine, account.ID, strategy.Symbol)
		hub.Subscribe(account.ID, account.Broker, token, listener)
		liveTracked[account.ID] = true
	}

	leaders, err := st.ListLeaders()
	if err != nil {
		log.Error().Err(err).Msg("could not list leader accounts for stream subscription")
		return
	}
	for _, leader := range leaders {
		if !leader.AutoCopyEnabled {
			continue
		}
		account, err := st.GetAccountWithCredentials(leader.AccountID)
		if err != nil || !account.Enabled {
			continue
		}
		token := streamToken(account)
		hub.Subscribe(account.ID, account.Broker, token, copyEngine)
	}
}

// streamToken returns the identifier the Streaming Hub uses to coalesce
// accounts sharing one broker-credential onto a single socket: the OAuth
// access token, the static API key, or the HMAC key, depending on which
// credential kind the account carries.
func streamToken(account *domain.Account) string {
	switch account.Credentials.Kind {
	case domain.CredentialOAuth:
		return account.Credentials.AccessToken
	case domain.CredentialAPIKey:
		return account.Credentials.APIKey
	default:
		return account.Credentials.HMACKey
	}
}
