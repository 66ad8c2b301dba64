// Package session owns the life cycle of the delegated Google credential:
// interactive login, authorization-code exchange, dual-tier persistence,
// startup reconciliation, silent refresh, and disconnect. One Session is
// constructed per process root; all collaborators are injected ports so the
// whole cycle runs against fakes in tests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/rankwell/rankwell/internal/auth/broker"
	"github.com/rankwell/rankwell/internal/auth/google"
	"github.com/rankwell/rankwell/internal/cache"
	"github.com/rankwell/rankwell/internal/db/models"
	"github.com/rankwell/rankwell/internal/logging"
	"github.com/rankwell/rankwell/internal/platform"
)

// ProviderGoogle is the provider key for the durable credential row.
const ProviderGoogle = "google"

// ExpiryBuffer is the safety margin applied to every expiry check: a token
// within this window of its nominal expiry counts as expired.
const ExpiryBuffer = 5 * time.Minute

// Phase is the session's lifecycle state. Re-entrancy protection is a
// property of the transition table, not of ad-hoc flags.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseCheckingStorage Phase = "checking_storage"
	PhaseAuthenticating  Phase = "authenticating"
	PhaseExchangingCode  Phase = "exchanging_code"
	PhaseRefreshing      Phase = "refreshing"
	PhaseReady           Phase = "ready"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// transitions lists the legal phase moves. Disconnect additionally forces
// Unauthenticated from any phase.
var transitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseCheckingStorage, PhaseAuthenticating},
	PhaseCheckingStorage: {PhaseAuthenticating, PhaseExchangingCode, PhaseRefreshing, PhaseReady, PhaseUnauthenticated},
	PhaseUnauthenticated: {PhaseAuthenticating},
	PhaseAuthenticating:  {PhaseExchangingCode, PhaseUnauthenticated},
	PhaseExchangingCode:  {PhaseReady, PhaseUnauthenticated},
	PhaseReady:           {PhaseAuthenticating, PhaseRefreshing},
	PhaseRefreshing:      {PhaseReady, PhaseUnauthenticated},
}

// CredentialStore is the durable tier: one row per (user, provider) with
// upsert semantics. internal/db implements it over gorm.
type CredentialStore interface {
	Get(ctx context.Context, userID, provider string) (*models.Credential, error)
	Upsert(ctx context.Context, rec *models.Credential) error
	Delete(ctx context.Context, userID, provider string) error
}

// Exchanger performs the remote token-exchange procedures. The platform
// client implements it; tests substitute a fake.
type Exchanger interface {
	ExchangeCode(ctx context.Context, req platform.ExchangeCodeRequest) (*platform.TokenGrant, error)
	ExchangeRefresh(ctx context.Context, req platform.RefreshRequest) (*platform.TokenGrant, error)
}

// Authorizer drives the interactive browser handoff. *broker.Broker
// implements it.
type Authorizer interface {
	RedirectURI() string
	Launch(ctx context.Context, authURL string) error
	Wait(ctx context.Context) (*broker.Grant, error)
}

// Options wires a Session. Cache and Exchanger are required; the rest
// degrade gracefully (nil Credentials or an unattached Identity means
// cache-only persistence, nil Bus means no notifications).
type Options struct {
	ClientID    string
	Cache       cache.Store
	Credentials CredentialStore
	Exchanger   Exchanger
	Identity    platform.Identity
	Bus         *platform.Bus
	// Now overrides the clock, for expiry tests.
	Now func() time.Time
	// FetchProfile overrides the best-effort profile lookup performed
	// after each fresh token acquisition.
	FetchProfile func(ctx context.Context, accessToken string) (*google.Profile, error)
}

// Snapshot is the reactive view handed to CLI output, the dashboard API,
// and SSE consumers.
type Snapshot struct {
	Phase        Phase               `json:"phase"`
	Connected    bool                `json:"connected"`
	Capabilities google.Capabilities `json:"capabilities"`
	Profile      *google.Profile     `json:"profile,omitempty"`
	Scope        string              `json:"scope,omitempty"`
	ExpiresAt    time.Time           `json:"expires_at,omitzero"`
}

// Session is the token lifecycle manager.
type Session struct {
	clientID     string
	cache        cache.Store
	creds        CredentialStore
	exchanger    Exchanger
	identity     platform.Identity
	bus          *platform.Bus
	now          func() time.Time
	fetchProfile func(ctx context.Context, accessToken string) (*google.Profile, error)

	mu           sync.Mutex
	phase        Phase
	accessToken  string
	refreshToken string
	scope        string
	expiresAt    time.Time
	caps         google.Capabilities
	profile      *google.Profile
}

func New(opts Options) *Session {
	s := &Session{
		clientID:     opts.ClientID,
		cache:        opts.Cache,
		creds:        opts.Credentials,
		exchanger:    opts.Exchanger,
		identity:     opts.Identity,
		bus:          opts.Bus,
		now:          opts.Now,
		fetchProfile: opts.FetchProfile,
		phase:        PhaseIdle,
	}
	if s.identity == nil {
		s.identity = platform.StaticIdentity{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.fetchProfile == nil {
		s.fetchProfile = google.FetchProfile
	}
	return s
}

// State returns a point-in-time snapshot of the session.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:        s.phase,
		Connected:    s.phase == PhaseReady || s.phase == PhaseRefreshing,
		Capabilities: s.caps,
		Profile:      s.profile,
		Scope:        s.scope,
		ExpiresAt:    s.expiresAt,
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to Phase) error {
	for _, allowed := range transitions[s.phase] {
		if allowed == to {
			s.phase = to
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", s.phase, to)
}

func (s *Session) setUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseUnauthenticated
}

// BeginLogin generates a fresh PKCE verifier and flow state, stores both
// ephemerally, and returns the consent URL. Serve mode calls it from the
// login redirect handler; the interactive flow calls it through Login.
func (s *Session) BeginLogin(redirectURI string) (authURL, state string, err error) {
	if s.clientID == "" {
		return "", "", ErrClientIDMissing
	}

	verifier := oauth2.GenerateVerifier()
	state = uuid.NewString()

	if err := s.cache.Set(cache.KeyVerifier, verifier); err != nil {
		return "", "", fmt.Errorf("failed to store verifier: %w", err)
	}
	if err := s.cache.Set(cache.KeyFlowState, state); err != nil {
		return "", "", fmt.Errorf("failed to store flow state: %w", err)
	}
	if err := s.cache.Set(cache.KeyRedirectURI, redirectURI); err != nil {
		return "", "", fmt.Errorf("failed to store redirect URI: %w", err)
	}

	cfg := google.OAuthConfig(s.clientID, redirectURI)
	return google.AuthCodeURL(cfg, state, verifier), state, nil
}

// Login runs the full interactive flow: consent URL, browser handoff, code
// exchange, persistence. A blocked browser is reported before the session
// ever enters Authenticating.
func (s *Session) Login(ctx context.Context, a Authorizer) error {
	authURL, state, err := s.BeginLogin(a.RedirectURI())
	if err != nil {
		return err
	}

	if err := a.Launch(ctx, authURL); err != nil {
		s.clearFlow()
		return err
	}

	if err := s.transition(PhaseAuthenticating); err != nil {
		s.clearFlow()
		return err
	}

	grant, err := a.Wait(ctx)
	if err != nil {
		s.setUnauthenticated()
		s.clearFlow()
		var authErr *broker.AuthError
		if errors.As(err, &authErr) && authErr.Code == "access_denied" {
			return fmt.Errorf("%w: %v", ErrConsentDeclined, err)
		}
		return err
	}

	if grant.State != state {
		s.setUnauthenticated()
		s.clearFlow()
		return fmt.Errorf("%w: state mismatch", ErrStaleVerifier)
	}

	return s.completeExchange(ctx, grant.Code)
}

// CompleteLogin finishes a redirect-based flow from a callback request.
// The state must match the one stored by BeginLogin.
func (s *Session) CompleteLogin(ctx context.Context, code, state string) error {
	stored, ok := s.cache.Get(cache.KeyFlowState)
	if !ok || stored == "" || stored != state {
		s.clearFlow()
		return fmt.Errorf("%w: state mismatch", ErrStaleVerifier)
	}

	s.mu.Lock()
	if s.phase != PhaseAuthenticating && s.phase != PhaseCheckingStorage {
		if err := s.transitionLocked(PhaseAuthenticating); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	return s.completeExchange(ctx, code)
}

// completeExchange trades the code for tokens through the platform. The
// verifier is read once and deleted no matter how the attempt ends.
func (s *Session) completeExchange(ctx context.Context, code string) error {
	if err := s.transition(PhaseExchangingCode); err != nil {
		return err
	}

	verifier, haveVerifier := s.cache.Get(cache.KeyVerifier)
	redirectURI, _ := s.cache.Get(cache.KeyRedirectURI)
	s.clearFlow()

	if !haveVerifier || verifier == "" {
		s.setUnauthenticated()
		return ErrStaleVerifier
	}

	grant, err := s.exchanger.ExchangeCode(ctx, platform.ExchangeCodeRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	})
	if err != nil {
		s.setUnauthenticated()
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	s.persistGrant(ctx, grant, grant.RefreshToken)
	s.loadProfile(ctx, grant.AccessToken)

	if err := s.transition(PhaseReady); err != nil {
		return err
	}
	s.publish(platform.EventConnected)
	return nil
}

// Reconcile restores session state once per process, before any user
// action. It runs only from Idle; later calls are no-ops.
//
// Priority: durable record within the expiry buffer; durable refresh
// token; local cache; a pending authorization callback; otherwise
// Unauthenticated.
func (s *Session) Reconcile(ctx context.Context, pending *broker.Grant) error {
	logger := logging.FromContext(ctx)

	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		logger.Debug("reconcile skipped", "phase", s.phase)
		return nil
	}
	if err := s.transitionLocked(PhaseCheckingStorage); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	now := s.now()

	// (a), (b): durable tier first.
	if user := s.currentUser(ctx); user != nil && s.creds != nil {
		rec, err := s.creds.Get(ctx, user.ID, ProviderGoogle)
		if err != nil {
			logger.Warn("failed to read durable credential", "err", err)
		}
		if rec != nil {
			if rec.ExpiresAt.After(now.Add(ExpiryBuffer)) {
				s.adoptCredential(rec)
				logger.Debug("adopted durable credential", "expires_at", rec.ExpiresAt)
				return s.transition(PhaseReady)
			}
			if rec.RefreshToken != "" {
				if err := s.transition(PhaseRefreshing); err != nil {
					return err
				}
				if grant := s.silentRefresh(ctx, rec.RefreshToken); grant != nil {
					s.persistGrant(ctx, grant, grant.RefreshToken)
					s.loadProfile(ctx, grant.AccessToken)
					if err := s.transition(PhaseReady); err != nil {
						return err
					}
					s.publish(platform.EventRefreshed)
					return nil
				}
				s.setUnauthenticated()
				return nil
			}
		}
	}

	// (c): local cache fallback, same buffer.
	if token, ok := s.cache.Get(cache.KeyAccessToken); ok && token != "" {
		expiresAt := s.cachedExpiry()
		refresh, _ := s.cache.Get(cache.KeyRefreshToken)
		switch {
		case expiresAt.After(now.Add(ExpiryBuffer)):
			scope, _ := s.cache.Get(cache.KeyScope)
			s.adoptCredential(&models.Credential{
				AccessToken:  token,
				RefreshToken: refresh,
				Scope:        scope,
				ExpiresAt:    expiresAt,
			})
			logger.Debug("adopted cached credential", "expires_at", expiresAt)
			return s.transition(PhaseReady)
		case refresh != "":
			if err := s.transition(PhaseRefreshing); err != nil {
				return err
			}
			if grant := s.silentRefresh(ctx, refresh); grant != nil {
				s.persistGrant(ctx, grant, grant.RefreshToken)
				s.loadProfile(ctx, grant.AccessToken)
				if err := s.transition(PhaseReady); err != nil {
					return err
				}
				s.publish(platform.EventRefreshed)
				return nil
			}
			s.setUnauthenticated()
			return nil
		}
	}

	// (d): the process was started to serve an authorization callback.
	if pending != nil && pending.Code != "" {
		stored, _ := s.cache.Get(cache.KeyFlowState)
		verifier, _ := s.cache.Get(cache.KeyVerifier)
		if stored != "" && stored == pending.State && verifier != "" {
			return s.completeExchange(ctx, pending.Code)
		}
		logger.Warn("ignoring authorization callback without matching flow state")
	}

	// (e)
	s.setUnauthenticated()
	return nil
}

// Refresh forces the Ready -> Refreshing -> Ready sub-cycle. On failure the
// session drops to Unauthenticated and the caller must run an interactive
// login.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	refresh := s.refreshToken
	s.mu.Unlock()
	if refresh == "" {
		if v, ok := s.cache.Get(cache.KeyRefreshToken); ok {
			refresh = v
		}
	}
	if refresh == "" {
		return ErrNotConnected
	}

	if err := s.transition(PhaseRefreshing); err != nil {
		return err
	}

	grant := s.silentRefresh(ctx, refresh)
	if grant == nil {
		s.setUnauthenticated()
		return ErrRefreshFailed
	}

	s.persistGrant(ctx, grant, grant.RefreshToken)
	if err := s.transition(PhaseReady); err != nil {
		return err
	}
	s.publish(platform.EventRefreshed)
	return nil
}

// Token returns an access token valid beyond the expiry buffer, refreshing
// through the sub-cycle when needed.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	phase, token, expiresAt := s.phase, s.accessToken, s.expiresAt
	s.mu.Unlock()

	if phase != PhaseReady {
		return "", ErrNotConnected
	}
	if token != "" && expiresAt.After(s.now().Add(ExpiryBuffer)) {
		return token, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, nil
}

// Disconnect clears both persistence tiers and every piece of in-memory
// state. Idempotent: calling it with no session is a no-op. A failed
// durable delete is returned as a warning, but the local tiers are cleared
// regardless so the agent never reports a connection the platform no
// longer has.
func (s *Session) Disconnect(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	for _, key := range cache.AllKeys() {
		if err := s.cache.Delete(key); err != nil {
			logger.Warn("failed to clear cache key", "key", key, "err", err)
		}
	}

	var deleteErr error
	if user := s.currentUser(ctx); user != nil && s.creds != nil {
		if err := s.creds.Delete(ctx, user.ID, ProviderGoogle); err != nil {
			logger.Warn("failed to delete durable credential", "err", err)
			deleteErr = fmt.Errorf("durable credential not deleted: %w", err)
		}
	}

	s.mu.Lock()
	s.phase = PhaseUnauthenticated
	s.accessToken = ""
	s.refreshToken = ""
	s.scope = ""
	s.expiresAt = time.Time{}
	s.caps = google.Capabilities{}
	s.profile = nil
	s.mu.Unlock()

	s.publish(platform.EventDisconnected)
	return deleteErr
}

// silentRefresh trades a refresh token for a new grant. It never escalates:
// a nil return tells the caller to fall back to interactive login. The
// refresh token is carried forward unless the server rotated it.
func (s *Session) silentRefresh(ctx context.Context, refreshToken string) *platform.TokenGrant {
	grant, err := s.exchanger.ExchangeRefresh(ctx, platform.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		logging.FromContext(ctx).Warn("silent refresh failed", "err", err)
		return nil
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	} else if grant.RefreshToken != refreshToken {
		logging.FromContext(ctx).Debug("refresh token rotated")
	}
	return grant
}

// persistGrant performs the dual write: cache tier always, durable tier
// when a signed-in identity exists. Capability flags and mirrored
// per-product keys are recomputed from the granted scope on every call.
func (s *Session) persistGrant(ctx context.Context, grant *platform.TokenGrant, refreshToken string) {
	logger := logging.FromContext(ctx)
	now := s.now()
	expiresAt := grant.ExpiryFrom(now)
	caps := google.DeriveCapabilities(grant.Scope)

	set := func(key, value string) {
		if err := s.cache.Set(key, value); err != nil {
			logger.Warn("failed to write cache key", "key", key, "err", err)
		}
	}
	set(cache.KeyAccessToken, grant.AccessToken)
	if refreshToken != "" {
		set(cache.KeyRefreshToken, refreshToken)
	}
	set(cache.KeyExpiresAt, expiresAt.Format(time.RFC3339))
	set(cache.KeyScope, grant.Scope)
	s.mirrorCapabilityKeys(logger, grant.AccessToken, caps)

	if user := s.currentUser(ctx); user != nil && s.creds != nil {
		rec := &models.Credential{
			UserID:       user.ID,
			Provider:     ProviderGoogle,
			AccessToken:  grant.AccessToken,
			RefreshToken: refreshToken,
			Scope:        grant.Scope,
			ExpiresAt:    expiresAt,
		}
		if err := s.creds.Upsert(ctx, rec); err != nil {
			logger.Warn("failed to upsert durable credential", "err", err)
		}
	} else {
		logger.Debug("no signed-in user, credential kept cache-only")
	}

	s.mu.Lock()
	s.accessToken = grant.AccessToken
	s.refreshToken = refreshToken
	s.scope = grant.Scope
	s.expiresAt = expiresAt
	s.caps = caps
	s.mu.Unlock()

	logger.Debug("credential persisted",
		"token", logging.MaskToken(grant.AccessToken),
		"expires_at", expiresAt.Format(time.RFC3339),
		"scope", grant.Scope)
}

// mirrorCapabilityKeys keeps the legacy per-product token keys in step with
// the unified set: present when the product was granted, absent otherwise.
func (s *Session) mirrorCapabilityKeys(logger *log.Logger, accessToken string, caps google.Capabilities) {
	mirror := func(key string, granted bool) {
		var err error
		if granted {
			err = s.cache.Set(key, accessToken)
		} else {
			err = s.cache.Delete(key)
		}
		if err != nil {
			logger.Warn("failed to mirror capability key", "key", key, "err", err)
		}
	}
	mirror(cache.KeyAnalyticsToken, caps.Analytics)
	mirror(cache.KeySearchConsoleToken, caps.SearchConsole)
	mirror(cache.KeyAdsToken, caps.Ads)
}

// adoptCredential takes an existing (already persisted) record as the
// active credential and mirrors it into the cache tier.
func (s *Session) adoptCredential(rec *models.Credential) {
	caps := google.DeriveCapabilities(rec.Scope)

	_ = s.cache.Set(cache.KeyAccessToken, rec.AccessToken)
	if rec.RefreshToken != "" {
		_ = s.cache.Set(cache.KeyRefreshToken, rec.RefreshToken)
	}
	_ = s.cache.Set(cache.KeyExpiresAt, rec.ExpiresAt.Format(time.RFC3339))
	_ = s.cache.Set(cache.KeyScope, rec.Scope)

	var profile *google.Profile
	if raw, ok := s.cache.Get(cache.KeyProfile); ok && raw != "" {
		var p google.Profile
		if json.Unmarshal([]byte(raw), &p) == nil {
			profile = &p
		}
	}

	s.mu.Lock()
	s.accessToken = rec.AccessToken
	s.refreshToken = rec.RefreshToken
	s.scope = rec.Scope
	s.expiresAt = rec.ExpiresAt
	s.caps = caps
	s.profile = profile
	s.mu.Unlock()
}

// loadProfile fetches the profile snapshot for a freshly acquired token.
// Best-effort: a failure is logged and the login still succeeds.
func (s *Session) loadProfile(ctx context.Context, accessToken string) {
	logger := logging.FromContext(ctx)

	profile, err := s.fetchProfile(ctx, accessToken)
	if err != nil {
		logger.Debug("profile fetch failed", "err", err)
		return
	}

	if raw, err := json.Marshal(profile); err == nil {
		if err := s.cache.Set(cache.KeyProfile, string(raw)); err != nil {
			logger.Warn("failed to cache profile", "err", err)
		}
	}

	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()
}

// clearFlow removes the ephemeral authorization artifacts. Called
// unconditionally after every exchange attempt so a verifier can never be
// replayed.
func (s *Session) clearFlow() {
	_ = s.cache.Delete(cache.KeyVerifier)
	_ = s.cache.Delete(cache.KeyFlowState)
	_ = s.cache.Delete(cache.KeyRedirectURI)
}

func (s *Session) currentUser(ctx context.Context) *platform.User {
	user, err := s.identity.CurrentUser(ctx)
	if err != nil {
		logging.FromContext(ctx).Warn("identity lookup failed", "err", err)
		return nil
	}
	return user
}

func (s *Session) cachedExpiry() time.Time {
	raw, ok := s.cache.Get(cache.KeyExpiresAt)
	if !ok || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Session) publish(kind string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(platform.Event{Topic: platform.TopicConnections, Kind: kind})
}
