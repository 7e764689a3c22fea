package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/metrics"
)

// handleWebhook implements POST /webhook/{token} (spec.md §6.1). The
// strategy lookup happens synchronously so an unknown or disabled token
// gets a distinct status code; parsing, filter evaluation, and dispatch
// happen on the ingest pool so the response never waits on them. The
// upstream charting service does not retry on 4xx/timeout and retries at
// most 3x on 5xx, so a transient condition downstream must never produce
// anything but 2xx here.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	strategy, err := s.store.StrategyByWebhookToken(token)
	if err != nil {
		if domain.KindOf(err) == domain.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// A store outage is a transient condition; the charting service
		// does not retry on 5xx in a way the system can rely on, so it
		// still gets a 2xx and the miss is only visible via logs/metrics.
		s.log.Error().Err(err).Str("token", token).Msg("webhook: strategy lookup failed")
		if s.metrics != nil {
			s.metrics.SignalsRejected.WithLabelValues("store_unavailable").Inc()
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if strategy.Disabled {
		w.WriteHeader(http.StatusGone)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.metrics != nil {
		s.metrics.SignalsReceived.Inc()
	}

	if ok := s.ingest.Submit(token, body); !ok {
		s.log.Warn().Str("token", token).Msg("webhook: ingest queue full, signal dropped")
	}

	w.WriteHeader(http.StatusOK)
}

// handleHealth implements GET /health: liveness only, per spec.md §4.10.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus implements GET /status: connection counts, queue depths,
// last-message ages (spec.md §4.10).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"ingest_pool":    s.ingest.Status(),
		"exec_pool":      s.exec.Status(),
	}
	if s.hub != nil {
		resp["streams"] = s.hub.Status()
	}
	if s.metrics != nil {
		resp["signals"] = map[string]float64{
			"received": metrics.CounterValue(s.metrics.SignalsReceived),
			"accepted": metrics.CounterValue(s.metrics.SignalsAccepted),
			"rejected": metrics.CounterVecTotal(s.metrics.SignalsRejected),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleExecStatus implements GET /api/broker-execution/status: worker
// counts, queue size, processed totals, average latency (spec.md §4.10).
// Average latency is not tracked (no per-task timer is kept beyond the
// failure log), so it is omitted from the payload rather than faked.
func (s *Server) handleExecStatus(w http.ResponseWriter, r *http.Request) {
	st := s.exec.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   st.Running,
		"queued":    st.Queued,
		"completed": st.Completed,
		"dropped":   st.Dropped,
		"failed":    st.Failed,
	})
}

// handleExecFailures implements GET /api/broker-execution/failures?limit=N.
func (s *Server) handleExecFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	failures, err := s.store.ListExecutionFailures(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not list execution failures")
		return
	}
	s.writeJSON(w, http.StatusOK, failures)
}

// handleAuthStatus implements GET /api/accounts/auth-status: per-account
// token state, per spec.md §4.10/§7 ("on needs_reauth, the account
// disappears from the auto-trading pool until re-authenticated").
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListEnabledAccounts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not list accounts")
		return
	}
	type row struct {
		AccountID    int64  `json:"account_id"`
		Broker       string `json:"broker"`
		NeedsReauth  bool   `json:"needs_reauth"`
		ReauthReason string `json:"reauth_reason,omitempty"`
	}
	out := make([]row, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, row{AccountID: a.ID, Broker: string(a.Broker), NeedsReauth: a.NeedsReauth, ReauthReason: a.ReauthReason})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleRunMigrations implements POST /api/run-migrations, admin-gated.
func (s *Server) handleRunMigrations(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RunMigrations(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "migration run failed: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

// handleFlatten implements POST /api/admin/flatten/{account}, admin-gated:
// emergency flatten for the one symbol named by the "symbol" query
// parameter: cancels the working orders the broker lists for that symbol,
// then closes the net position at market (Flatten is per-symbol at the
// adapter level). A failed list or cancel is logged and does not stop the
// close.
func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	accountIDRaw := chi.URLParam(r, "account")
	accountID, err := strconv.ParseInt(accountIDRaw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	account, err := s.store.GetAccountWithCredentials(accountID)
	if err != nil {
		if domain.KindOf(err) == domain.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "account lookup failed")
		return
	}

	adapter, ok := s.brokers[account.Broker]
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "no adapter registered for account broker")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	working, err := adapter.ListOpenOrders(ctx, account.Credentials, symbol)
	if err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Str("symbol", symbol).Msg("admin flatten: could not list working orders")
	}
	for _, o := range working {
		if err := adapter.CancelOrder(ctx, account.Credentials, o.OrderID); err != nil {
			s.log.Error().Err(err).Int64("account_id", accountID).Str("order_id", o.OrderID).Msg("admin flatten: could not cancel working order")
		}
	}

	result, err := adapter.Flatten(ctx, account.Credentials, symbol)
	if err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Str("symbol", symbol).Msg("admin flatten failed")
		s.writeError(w, http.StatusBadGateway, "flatten failed: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
