// Package msauth drives Microsoft identity platform authentication for
// one profile: the OAuth2 device-code flow, certificate-based client
// assertions, and transparent token refresh.
//
// One Authenticator instance owns one profile's token lifecycle. There is
// no process-wide token cache; callers hold the instance and pass it to
// the Graph client.
package msauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/halcyon-labs/m365ctl/internal/cryptox"
	"github.com/halcyon-labs/m365ctl/internal/logger"
	"github.com/halcyon-labs/m365ctl/internal/ratelimit"
	"github.com/halcyon-labs/m365ctl/internal/tokenstore"
	"github.com/halcyon-labs/m365ctl/internal/vault"
)

// State is the authentication state machine position.
type State string

const (
	// StateUnauthenticated means no usable token exists.
	StateUnauthenticated State = "unauthenticated"
	// StateDeviceCodeRequested means a device code has been issued and
	// the user code is being shown out of band.
	StateDeviceCodeRequested State = "device_code_requested"
	// StatePollingForApproval means the token endpoint is being polled.
	StatePollingForApproval State = "polling_for_approval"
	// StateAuthenticated means a valid token is held.
	StateAuthenticated State = "authenticated"
	// StateRefreshing means a refresh is in flight.
	StateRefreshing State = "refreshing"
	// StateExpired means the token lapsed and the last refresh attempt
	// failed transiently; another refresh will be attempted on demand.
	StateExpired State = "expired"
)

// Options tune an Authenticator. The zero value is production-ready.
type Options struct {
	// HTTPClient overrides the identity endpoint HTTP client.
	HTTPClient *http.Client
	// Endpoint overrides the Azure AD endpoints (tests). When zero, the
	// endpoints are derived from the registration's tenant ID.
	Endpoint oauth2.Endpoint
	// Scopes overrides DefaultScopes.
	Scopes []string
	// PollInterval overrides the provider-specified device-code poll
	// interval (tests).
	PollInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// Authenticator is the per-profile auth state machine. Safe for
// concurrent use; concurrent token requests that need a refresh collapse
// into a single in-flight refresh.
type Authenticator struct {
	profile string
	vault   vault.Vault
	store   *tokenstore.Store
	limiter *ratelimit.Limiter

	httpc        *http.Client
	endpoint     oauth2.Endpoint
	scopes       []string
	pollOverride time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu         sync.Mutex
	state      State
	record     *tokenstore.Record
	loaded     bool
	refreshing chan struct{}
	refreshErr error
	pollCancel context.CancelFunc
}

// New creates an Authenticator for a profile. The limiter gates every
// identity endpoint call alongside regular Graph traffic.
func New(profile string, v vault.Vault, store *tokenstore.Store, limiter *ratelimit.Limiter, opts Options) *Authenticator {
	a := &Authenticator{
		profile:      profile,
		vault:        v,
		store:        store,
		limiter:      limiter,
		httpc:        opts.HTTPClient,
		endpoint:     opts.Endpoint,
		scopes:       opts.Scopes,
		pollOverride: opts.PollInterval,
		now:          opts.Now,
		log:          opts.Logger,
	}
	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if len(a.scopes) == 0 {
		a.scopes = DefaultScopes
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = logger.L()
	}
	a.state = StateUnauthenticated
	return a
}

// Profile returns the profile this authenticator owns.
func (a *Authenticator) Profile() string { return a.profile }

// State returns the current state machine position.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// endpoints resolves the identity endpoints for a registration.
func (a *Authenticator) endpoints(reg *vault.Registration) oauth2.Endpoint {
	if a.endpoint.TokenURL != "" {
		return a.endpoint
	}
	return microsoft.AzureADEndpoint(reg.TenantID)
}

// Connect starts the device-code flow: it requests a device code scoped
// to the configured Graph permissions and returns it for out-of-band
// display. Call Wait afterwards to poll for approval.
//
// Fails with ErrRegistrationMissing when the profile has no app
// registration; that is a provisioning problem, not an auth problem.
func (a *Authenticator) Connect(ctx context.Context) (*DeviceCode, error) {
	reg, err := a.vault.Registration(a.profile)
	if err != nil {
		return nil, err
	}
	ep := a.endpoints(reg)

	if err := a.limiter.Admit(ctx); err != nil {
		return nil, err
	}

	form := url.Values{
		"client_id": {reg.ClientID},
		"scope":     {strings.Join(a.scopes, " ")},
	}
	resp, err := a.postForm(ctx, ep.DeviceAuthURL, form)
	if err != nil {
		return nil, fmt.Errorf("msauth: device code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("msauth: device code request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dc DeviceCode
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return nil, fmt.Errorf("msauth: decode device code: %w", err)
	}

	a.mu.Lock()
	a.state = StateDeviceCodeRequested
	a.mu.Unlock()

	a.log.Debug("device code issued",
		"profile", a.profile, "verification_uri", dc.VerificationURI)
	return &dc, nil
}

// Wait polls the token endpoint until the user approves, the device code
// expires, or ctx is cancelled. Polling is bounded by the device code's
// own lifetime regardless of ctx.
func (a *Authenticator) Wait(ctx context.Context, dc *DeviceCode) (*tokenstore.Record, error) {
	reg, err := a.vault.Registration(a.profile)
	if err != nil {
		return nil, err
	}
	signer, err := a.signer(reg)
	if err != nil {
		return nil, err
	}
	ep := a.endpoints(reg)

	pollCtx, cancel := context.WithTimeout(ctx, dc.Lifetime())
	defer cancel()

	a.mu.Lock()
	a.state = StatePollingForApproval
	a.pollCancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.pollCancel = nil
		a.mu.Unlock()
	}()

	interval := dc.PollInterval()
	if a.pollOverride > 0 {
		interval = a.pollOverride
	}

	for {
		select {
		case <-pollCtx.Done():
			a.setState(StateUnauthenticated)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
				// The device code's own lifetime elapsed.
				return nil, ErrAuthExpired
			}
			// Cancelled locally, e.g. by Disconnect during polling.
			return nil, fmt.Errorf("msauth: device code polling cancelled: %w", context.Canceled)
		case <-time.After(interval):
		}

		rec, retry, err := a.redeem(pollCtx, ep.TokenURL, reg, signer, dc)
		if err != nil {
			if errors.Is(err, errSlowDown) {
				interval += slowDownStep
				continue
			}
			if retry {
				continue
			}
			a.setState(StateUnauthenticated)
			return nil, err
		}

		a.mu.Lock()
		a.record = rec
		a.loaded = true
		a.state = StateAuthenticated
		a.mu.Unlock()

		a.log.Info("authenticated", "profile", a.profile, "account", rec.Account)
		return rec, nil
	}
}

// errSlowDown signals the provider asked for a longer poll interval.
var errSlowDown = errors.New("msauth: slow down")

// redeem performs one device-code poll against the token endpoint.
// retry=true means keep polling (authorization still pending).
func (a *Authenticator) redeem(
	ctx context.Context,
	tokenURL string,
	reg *vault.Registration,
	signer *assertionSigner,
	dc *DeviceCode,
) (*tokenstore.Record, bool, error) {
	if err := a.limiter.Admit(ctx); err != nil {
		return nil, false, err
	}

	assertion, err := signer.Sign(tokenURL, a.now())
	if err != nil {
		return nil, false, err
	}

	form := url.Values{
		"grant_type":            {deviceCodeGrant},
		"client_id":             {reg.ClientID},
		"device_code":           {dc.DeviceCode},
		"client_assertion_type": {assertionType},
		"client_assertion":      {assertion},
	}
	resp, err := a.postForm(ctx, tokenURL, form)
	if err != nil {
		// Network hiccup mid-poll; the device code is still live.
		a.log.Debug("device code poll failed, retrying", "error", err)
		return nil, true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, false, fmt.Errorf("msauth: decode token response: %w", err)
		}
		rec := a.buildRecord(&tr, reg.UserID)
		if err := a.store.Save(a.profile, rec); err != nil {
			return nil, false, err
		}
		return rec, false, nil
	}

	var te tokenError
	if err := json.NewDecoder(resp.Body).Decode(&te); err != nil {
		return nil, false, fmt.Errorf("msauth: token endpoint status %d", resp.StatusCode)
	}

	switch te.Code {
	case codeAuthorizationPending:
		return nil, true, nil
	case codeSlowDown:
		return nil, false, errSlowDown
	case codeExpiredToken:
		return nil, false, ErrAuthExpired
	case codeAccessDenied:
		return nil, false, ErrAuthDenied
	case codeBadVerification:
		return nil, false, fmt.Errorf("%w: bad verification code", ErrAuthDenied)
	default:
		return nil, false, fmt.Errorf("msauth: token exchange failed (%s): %s", te.Code, te.Description)
	}
}

// Token returns a valid access token, refreshing when the cached token is
// within the expiry safety margin. Concurrent callers needing a refresh
// share a single in-flight refresh.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	return a.token(ctx, false)
}

// Refresh forces a refresh regardless of the cached token's expiry. The
// Graph client uses this after a 401.
func (a *Authenticator) Refresh(ctx context.Context) (string, error) {
	return a.token(ctx, true)
}

func (a *Authenticator) token(ctx context.Context, force bool) (string, error) {
	a.mu.Lock()
	a.ensureLoadedLocked()

	rec := a.record
	if rec == nil {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: not authenticated for profile %q", ErrReauthRequired, a.profile)
	}
	if !force && !rec.Expired(a.now()) {
		tok := rec.AccessToken
		a.mu.Unlock()
		return tok, nil
	}

	if a.refreshing != nil {
		// Join the in-flight refresh rather than issuing another.
		ch := a.refreshing
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ch:
		}
		a.mu.Lock()
		err := a.refreshErr
		rec = a.record
		a.mu.Unlock()
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", ErrReauthRequired
		}
		return rec.AccessToken, nil
	}

	ch := make(chan struct{})
	a.refreshing = ch
	a.state = StateRefreshing
	refreshToken := rec.RefreshToken
	account := rec.Account
	a.mu.Unlock()

	newRec, err := a.doRefresh(ctx, refreshToken, account)

	a.mu.Lock()
	a.refreshErr = err
	switch {
	case err == nil:
		a.record = newRec
		a.state = StateAuthenticated
	case errors.Is(err, ErrReauthRequired):
		a.record = nil
		a.state = StateUnauthenticated
	default:
		a.state = StateExpired
	}
	close(ch)
	a.refreshing = nil
	rec = a.record
	a.mu.Unlock()

	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// doRefresh exchanges the refresh token, again under a certificate
// assertion. A rejected refresh token surfaces ErrReauthRequired and
// never restarts the device-code flow on its own.
func (a *Authenticator) doRefresh(ctx context.Context, refreshToken, account string) (*tokenstore.Record, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	reg, err := a.vault.Registration(a.profile)
	if err != nil {
		return nil, err
	}
	signer, err := a.signer(reg)
	if err != nil {
		return nil, err
	}
	ep := a.endpoints(reg)

	if err := a.limiter.Admit(ctx); err != nil {
		return nil, err
	}
	assertion, err := signer.Sign(ep.TokenURL, a.now())
	if err != nil {
		return nil, err
	}

	a.log.Debug("refreshing token", "profile", a.profile)

	form := url.Values{
		"grant_type":            {"refresh_token"},
		"client_id":             {reg.ClientID},
		"refresh_token":         {refreshToken},
		"scope":                 {strings.Join(a.scopes, " ")},
		"client_assertion_type": {assertionType},
		"client_assertion":      {assertion},
	}
	resp, err := a.postForm(ctx, ep.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("msauth: token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("msauth: decode refresh response: %w", err)
		}
		rec := a.buildRecord(&tr, account)
		if rec.RefreshToken == "" {
			// The provider may omit a new refresh token; keep the old one.
			rec.RefreshToken = refreshToken
		}
		if err := a.store.Save(a.profile, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	var te tokenError
	if err := json.NewDecoder(resp.Body).Decode(&te); err != nil {
		return nil, fmt.Errorf("msauth: token refresh failed with status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: refresh rejected (%s): %s", ErrReauthRequired, te.Code, te.Description)
	}
	return nil, fmt.Errorf("msauth: token refresh failed (%s): %s", te.Code, te.Description)
}

// Disconnect deletes the persisted token record and returns the state
// machine to Unauthenticated. Idempotent; also cancels any in-flight
// device-code polling.
func (a *Authenticator) Disconnect() error {
	a.mu.Lock()
	if a.pollCancel != nil {
		a.pollCancel()
	}
	a.record = nil
	a.loaded = true
	a.state = StateUnauthenticated
	a.mu.Unlock()

	a.log.Info("disconnected", "profile", a.profile)
	return a.store.Delete(a.profile)
}

// Status reports the authentication status for display.
type Status struct {
	Profile    string `json:"profile"`
	State      State  `json:"state"`
	Configured bool   `json:"configured"`
	HasTokens  bool   `json:"has_tokens"`
	Connected  bool   `json:"connected"`
	Account    string `json:"account,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// Status summarises the profile's auth state.
func (a *Authenticator) Status() Status {
	st := Status{Profile: a.profile}

	reg, err := a.vault.Registration(a.profile)
	if err == nil {
		st.Configured = true
		if len(reg.TenantID) > 8 {
			st.TenantID = reg.TenantID[:8] + "..."
		} else {
			st.TenantID = reg.TenantID
		}
	}

	a.mu.Lock()
	a.ensureLoadedLocked()
	st.State = a.state
	if a.record != nil {
		st.HasTokens = true
		st.Connected = !a.record.Expired(a.now()) || a.record.RefreshToken != ""
		st.Account = a.record.Account
	} else {
		st.HasTokens = a.store.Exists(a.profile)
	}
	a.mu.Unlock()
	return st
}

// ensureLoadedLocked lazily loads the persisted record. A record that
// fails to decrypt is treated as "not authenticated"; the file is left in
// place for inspection rather than auto-deleted.
func (a *Authenticator) ensureLoadedLocked() {
	if a.loaded {
		return
	}
	a.loaded = true

	rec, err := a.store.Load(a.profile)
	switch {
	case err == nil:
		a.record = rec
		if rec.Expired(a.now()) {
			a.state = StateExpired
		} else {
			a.state = StateAuthenticated
		}
	case errors.Is(err, tokenstore.ErrNotFound):
	case errors.Is(err, cryptox.ErrDecrypt):
		a.log.Warn("token record undecryptable, treating as unauthenticated",
			"profile", a.profile, "path", a.store.Path(a.profile))
	default:
		a.log.Warn("token record unreadable", "profile", a.profile, "error", err)
	}
}

// signer builds the client assertion signer from vault key material.
func (a *Authenticator) signer(reg *vault.Registration) (*assertionSigner, error) {
	pemKey, err := a.vault.PrivateKey(a.profile)
	if err != nil {
		return nil, err
	}
	return newAssertionSigner(pemKey, reg.Thumbprint, reg.ClientID)
}

// buildRecord converts a token response into a persistable record.
func (a *Authenticator) buildRecord(tr *tokenResponse, account string) *tokenstore.Record {
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &tokenstore.Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    a.now().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       tr.scopes(),
		Account:      account,
	}
}

func (a *Authenticator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// postForm issues a form-encoded POST to an identity endpoint.
func (a *Authenticator) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return a.httpc.Do(req)
}
