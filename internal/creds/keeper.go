// Package creds implements the Credential Keeper: it keeps every
// OAuth-backed account's access token fresh, proactively refreshing ahead
// of expiry and falling back to a password-grant re-login when the
// refresh token itself has died, marking the account needs_reauth when
// neither path works.
package creds

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"

	"github.com/rs/zerolog"
)

// Store is the subset of internal/store.Store the keeper needs.
type Store interface {
	ListAccountsWithShortLivedTokens() ([]domain.Account, error)
	UpdateAccountCredentials(accountID int64, creds domain.Credentials) error
	MarkAccountNeedsReauth(accountID int64, reason string) error
	ClearAccountNeedsReauth(accountID int64) error
}

// OAuthEndpoint resolves the token endpoint to use for a given broker kind,
// since each broker runs its own OAuth server.
type OAuthEndpoint func(broker domain.BrokerKind) oauth2.Endpoint

// Keeper sweeps every enabled OAuth account on an interval, refreshing
// tokens that are within TokenRefreshEarlyMargin of TokenStoredLifetime.
type Keeper struct {
	store    Store
	cfg      *config.Config
	endpoint OAuthEndpoint
	clientID string
	log      zerolog.Logger
}

// New builds a Keeper. clientID is the OAuth client id shared across
// accounts of the same broker; per-account client secrets are not needed
// since these brokers use confidential refresh-token rotation keyed to
// the account's own refresh_token.
func New(store Store, cfg *config.Config, endpoint OAuthEndpoint, clientID string, log zerolog.Logger) *Keeper {
	return &Keeper{
		store:    store,
		cfg:      cfg,
		endpoint: endpoint,
		clientID: clientID,
		log:      log.With().Str("component", "credential_keeper").Logger(),
	}
}

// Name implements scheduler.Job.
func (k *Keeper) Name() string { return "credential_keeper_sweep" }

// Run sweeps every OAuth account once, refreshing tokens nearing expiry.
func (k *Keeper) Run() error {
	accounts, err := k.store.ListAccountsWithShortLivedTokens()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, acct := range accounts {
		if !needsRefresh(acct.Credentials, now, k.cfg.TokenRefreshEarlyMargin, k.cfg.TokenStoredLifetime) {
			continue
		}
		if err := k.refreshOne(context.Background(), acct); err != nil {
			k.log.Warn().Err(err).Int64("account_id", acct.ID).Msg("token refresh failed")
		}
	}
	return nil
}

// needsRefresh reports whether an account's token is within the early
// refresh margin of its stored expiry, or already past it. The stored
// lifetime is applied through ExpiresAt itself, which refreshOne caps at
// TokenStoredLifetime from the refresh; a zero ExpiresAt always needs a
// refresh.
func needsRefresh(c domain.Credentials, now time.Time, earlyMargin, storedLifetime time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(earlyMargin).After(c.ExpiresAt)
}

// refreshOne attempts a refresh-token grant first; on failure (refresh
// token itself expired or revoked) it falls back to a password-grant
// re-login using the account's stored username/password, and marks the
// account needs_reauth only when both paths fail.
func (k *Keeper) refreshOne(ctx context.Context, acct domain.Account) error {
	cfg := oauth2.Config{
		ClientID: k.clientID,
		Endpoint: k.endpoint(acct.Broker),
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.Credentials.RefreshToken}).Token()
	if err != nil {
		k.log.Info().Int64("account_id", acct.ID).Msg("refresh token grant failed, trying password grant")
		token, err = k.passwordGrant(ctx, cfg, acct)
		if err != nil {
			if markErr := k.store.MarkAccountNeedsReauth(acct.ID, err.Error()); markErr != nil {
				return markErr
			}
			return domain.NewError(domain.ErrAuthExpired, "both refresh and password grant failed", err)
		}
	}

	updated := acct.Credentials
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.ExpiresAt = token.Expiry
	storedCap := time.Now().Add(k.cfg.TokenStoredLifetime)
	if updated.ExpiresAt.IsZero() || (k.cfg.TokenStoredLifetime > 0 && updated.ExpiresAt.After(storedCap)) {
		updated.ExpiresAt = storedCap
	}

	if err := k.store.UpdateAccountCredentials(acct.ID, updated); err != nil {
		return err
	}
	if acct.NeedsReauth {
		return k.store.ClearAccountNeedsReauth(acct.ID)
	}
	return nil
}

// passwordGrant performs an OAuth2 Resource Owner Password Credentials
// grant as the fallback login path. golang.org/x/oauth2 exposes this via
// Config.PasswordCredentialsToken.
func (k *Keeper) passwordGrant(ctx context.Context, cfg oauth2.Config, acct domain.Account) (*oauth2.Token, error) {
	return cfg.PasswordCredentialsToken(ctx, acct.Credentials.Username, acct.Credentials.Password)
}

// TokenFor returns the current access token for an account, refreshing
// immediately if it's already past expiry. cmd/server's stream token
// resolver calls this for a fresh token outside the sweep cadence when a
// stream connection redials; broker adapters read
// domain.Credentials.AccessToken directly.
func (k *Keeper) TokenFor(ctx context.Context, acct domain.Account) (string, error) {
	if !needsRefresh(acct.Credentials, time.Now(), 0, k.cfg.TokenStoredLifetime) {
		return acct.Credentials.AccessToken, nil
	}
	if err := k.refreshOne(ctx, acct); err != nil {
		return "", err
	}
	refreshed, err := k.store.ListAccountsWithShortLivedTokens()
	if err != nil {
		return "", err
	}
	for _, a := range refreshed {
		if a.ID == acct.ID {
			return a.Credentials.AccessToken, nil
		}
	}
	return "", domain.NewError(domain.ErrNotFound, "account disappeared during refresh", nil)
}
