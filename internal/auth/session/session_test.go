package session

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rankwell/rankwell/internal/auth/broker"
	"github.com/rankwell/rankwell/internal/auth/google"
	"github.com/rankwell/rankwell/internal/cache"
	"github.com/rankwell/rankwell/internal/db"
	"github.com/rankwell/rankwell/internal/db/models"
	"github.com/rankwell/rankwell/internal/platform"
)

type fakeExchanger struct {
	codeCalls    int
	refreshCalls int
	lastCodeReq  platform.ExchangeCodeRequest

	codeGrant    *platform.TokenGrant
	codeErr      error
	refreshGrant *platform.TokenGrant
	refreshErr   error
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, req platform.ExchangeCodeRequest) (*platform.TokenGrant, error) {
	f.codeCalls++
	f.lastCodeReq = req
	if f.codeErr != nil {
		return nil, f.codeErr
	}
	g := *f.codeGrant
	return &g, nil
}

func (f *fakeExchanger) ExchangeRefresh(ctx context.Context, req platform.RefreshRequest) (*platform.TokenGrant, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	g := *f.refreshGrant
	return &g, nil
}

// fakeAuthorizer echoes back the state it finds in the consent URL, the way
// a real redirect would.
type fakeAuthorizer struct {
	code      string
	launchErr error
	waitErr   error

	launched  bool
	seenState string
}

func (f *fakeAuthorizer) RedirectURI() string { return "http://localhost:52119/oauth/callback" }

func (f *fakeAuthorizer) Launch(ctx context.Context, authURL string) error {
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = true
	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	f.seenState = u.Query().Get("state")
	return nil
}

func (f *fakeAuthorizer) Wait(ctx context.Context) (*broker.Grant, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &broker.Grant{Code: f.code, State: f.seenState}, nil
}

func newTestStore(t *testing.T) *db.Credentials {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Credential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.NewCredentials(database)
}

type sessionEnv struct {
	session   *Session
	cache     *cache.Memory
	creds     *db.Credentials
	exchanger *fakeExchanger
	bus       *platform.Bus
	userID    string
}

func newTestSession(t *testing.T, userID string, ex *fakeExchanger) *sessionEnv {
	t.Helper()
	env := &sessionEnv{
		cache:     cache.NewMemory(),
		creds:     newTestStore(t),
		exchanger: ex,
		bus:       platform.NewBus(),
		userID:    userID,
	}
	env.session = New(Options{
		ClientID:    "client-123.apps.googleusercontent.com",
		Cache:       env.cache,
		Credentials: env.creds,
		Exchanger:   ex,
		Identity:    platform.StaticIdentity{UserID: userID, Email: userID + "@site.dev"},
		Bus:         env.bus,
		FetchProfile: func(ctx context.Context, accessToken string) (*google.Profile, error) {
			return &google.Profile{Name: "Site Owner", Email: userID + "@site.dev", Picture: "https://img.example/p.png"}, nil
		},
	})
	return env
}

// reuse wires a second Session over the same tiers, simulating a process
// restart.
func (e *sessionEnv) reuse(ex *fakeExchanger) *Session {
	return New(Options{
		ClientID:    "client-123.apps.googleusercontent.com",
		Cache:       e.cache,
		Credentials: e.creds,
		Exchanger:   ex,
		Identity:    platform.StaticIdentity{UserID: e.userID},
		Bus:         e.bus,
		FetchProfile: func(ctx context.Context, accessToken string) (*google.Profile, error) {
			return nil, errors.New("offline")
		},
	})
}

func grantWith(scope string, expiresIn int64) *platform.TokenGrant {
	return &platform.TokenGrant{
		AccessToken:  "ya29.fresh",
		RefreshToken: "1//refresh",
		ExpiresIn:    expiresIn,
		Scope:        scope,
	}
}

func TestLoginHappyPath(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid email https://www.googleapis.com/auth/analytics.readonly https://www.googleapis.com/auth/webmasters", 3599)}
	env := newTestSession(t, "user-login", ex)
	events, cancel := env.bus.Subscribe()
	defer cancel()

	auth := &fakeAuthorizer{code: "auth-code-1"}
	if err := env.session.Login(context.Background(), auth); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if got := env.session.Phase(); got != PhaseReady {
		t.Errorf("phase = %s, want ready", got)
	}
	snap := env.session.State()
	if !snap.Connected {
		t.Error("snapshot not connected after login")
	}
	if !snap.Capabilities.Analytics || !snap.Capabilities.SearchConsole || snap.Capabilities.Ads {
		t.Errorf("capabilities = %+v", snap.Capabilities)
	}
	if snap.Profile == nil || snap.Profile.Email != "user-login@site.dev" {
		t.Errorf("profile = %+v", snap.Profile)
	}

	if ex.lastCodeReq.Code != "auth-code-1" {
		t.Errorf("exchanged code = %q", ex.lastCodeReq.Code)
	}
	if ex.lastCodeReq.CodeVerifier == "" {
		t.Error("exchange request missing PKCE verifier")
	}
	if ex.lastCodeReq.RedirectURI != auth.RedirectURI() {
		t.Errorf("exchange redirect = %q", ex.lastCodeReq.RedirectURI)
	}

	if tok, _ := env.cache.Get(cache.KeyAccessToken); tok != "ya29.fresh" {
		t.Errorf("cached token = %q", tok)
	}
	if _, ok := env.cache.Get(cache.KeyVerifier); ok {
		t.Error("verifier survived the exchange")
	}
	if _, ok := env.cache.Get(cache.KeyAnalyticsToken); !ok {
		t.Error("analytics mirror key missing")
	}
	if _, ok := env.cache.Get(cache.KeyAdsToken); ok {
		t.Error("ads mirror key present without the adwords scope")
	}

	rec, err := env.creds.Get(context.Background(), "user-login", ProviderGoogle)
	if err != nil || rec == nil {
		t.Fatalf("durable row = %v, %v", rec, err)
	}
	if rec.AccessToken != "ya29.fresh" || rec.RefreshToken != "1//refresh" {
		t.Errorf("durable row = %+v", rec)
	}

	select {
	case e := <-events:
		if e.Kind != platform.EventConnected {
			t.Errorf("event kind = %q", e.Kind)
		}
	default:
		t.Error("no connection event published")
	}
}

func TestLoginRequiresClientID(t *testing.T) {
	env := newTestSession(t, "user-nocid", &fakeExchanger{})
	env.session.clientID = ""

	err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"})
	if !errors.Is(err, ErrClientIDMissing) {
		t.Fatalf("Login() error = %v, want ErrClientIDMissing", err)
	}
}

func TestLoginBrowserBlockedNeverAuthenticates(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid", 3600)}
	env := newTestSession(t, "user-blocked", ex)

	auth := &fakeAuthorizer{launchErr: broker.ErrBrowserBlocked}
	err := env.session.Login(context.Background(), auth)
	if !errors.Is(err, broker.ErrBrowserBlocked) {
		t.Fatalf("Login() error = %v, want ErrBrowserBlocked", err)
	}
	if got := env.session.Phase(); got == PhaseAuthenticating {
		t.Error("session entered authenticating despite blocked browser")
	}
	if ex.codeCalls != 0 {
		t.Errorf("exchange called %d times", ex.codeCalls)
	}
	if _, ok := env.cache.Get(cache.KeyVerifier); ok {
		t.Error("verifier left behind after blocked launch")
	}
}

func TestLoginConsentDeclined(t *testing.T) {
	env := newTestSession(t, "user-declined", &fakeExchanger{})

	auth := &fakeAuthorizer{waitErr: &broker.AuthError{Code: "access_denied", Description: "User denied access"}}
	err := env.session.Login(context.Background(), auth)
	if !errors.Is(err, ErrConsentDeclined) {
		t.Fatalf("Login() error = %v, want ErrConsentDeclined", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s", got)
	}
}

func TestLoginGenericProviderError(t *testing.T) {
	env := newTestSession(t, "user-err", &fakeExchanger{})

	auth := &fakeAuthorizer{waitErr: &broker.AuthError{Code: "server_error"}}
	err := env.session.Login(context.Background(), auth)
	if err == nil || errors.Is(err, ErrConsentDeclined) {
		t.Fatalf("Login() error = %v, want generic failure", err)
	}
}

func TestExchangeFailureClearsState(t *testing.T) {
	ex := &fakeExchanger{codeErr: &platform.FunctionError{Status: 400, Message: "invalid code"}}
	env := newTestSession(t, "user-exfail", ex)

	err := env.session.Login(context.Background(), &fakeAuthorizer{code: "bad-code"})
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("Login() error = %v, want ErrExchangeFailed", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s", got)
	}
	if _, ok := env.cache.Get(cache.KeyVerifier); ok {
		t.Error("verifier survived failed exchange")
	}
}

func TestVerifierIsSingleUse(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid email", 3600)}
	env := newTestSession(t, "user-replay", ex)

	auth := &fakeAuthorizer{code: "auth-code-once"}
	if err := env.session.Login(context.Background(), auth); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// A duplicate callback replays the same code and state.
	err := env.session.CompleteLogin(context.Background(), "auth-code-once", auth.seenState)
	if !errors.Is(err, ErrStaleVerifier) {
		t.Fatalf("duplicate CompleteLogin() error = %v, want ErrStaleVerifier", err)
	}
	if ex.codeCalls != 1 {
		t.Errorf("exchange ran %d times, want exactly once", ex.codeCalls)
	}
}

func TestCompleteLoginRejectsForeignState(t *testing.T) {
	env := newTestSession(t, "user-state", &fakeExchanger{})
	if _, _, err := env.session.BeginLogin("http://localhost:1/cb"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}

	err := env.session.CompleteLogin(context.Background(), "code", "not-the-state")
	if !errors.Is(err, ErrStaleVerifier) {
		t.Fatalf("CompleteLogin() error = %v, want ErrStaleVerifier", err)
	}
}

func TestReconcileAdoptsDurableRecord(t *testing.T) {
	env := newTestSession(t, "user-adopt", &fakeExchanger{})
	seed := &models.Credential{
		UserID:       "user-adopt",
		Provider:     ProviderGoogle,
		AccessToken:  "ya29.durable",
		RefreshToken: "1//durable",
		Scope:        "openid https://www.googleapis.com/auth/webmasters https://www.googleapis.com/auth/adwords",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := env.creds.Upsert(context.Background(), seed); err != nil {
		t.Fatalf("seed Upsert() error = %v", err)
	}

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	snap := env.session.State()
	if !snap.Connected {
		t.Fatal("not connected after adopting durable record")
	}
	if snap.Capabilities.Analytics || !snap.Capabilities.SearchConsole || !snap.Capabilities.Ads {
		t.Errorf("capabilities = %+v", snap.Capabilities)
	}
	if tok, _ := env.cache.Get(cache.KeyAccessToken); tok != "ya29.durable" {
		t.Errorf("cache not mirrored, token = %q", tok)
	}
	if env.exchanger.refreshCalls != 0 {
		t.Errorf("refresh called %d times for a valid record", env.exchanger.refreshCalls)
	}
}

func TestReconcileSilentlyRefreshesExpiredDurable(t *testing.T) {
	ex := &fakeExchanger{refreshGrant: grantWith("openid https://www.googleapis.com/auth/analytics.readonly", 3600)}
	env := newTestSession(t, "user-silent", ex)
	seed := &models.Credential{
		UserID:       "user-silent",
		Provider:     ProviderGoogle,
		AccessToken:  "ya29.stale",
		RefreshToken: "1//keep",
		Scope:        "openid",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	if err := env.creds.Upsert(context.Background(), seed); err != nil {
		t.Fatalf("seed Upsert() error = %v", err)
	}

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if got := env.session.Phase(); got != PhaseReady {
		t.Fatalf("phase = %s, want ready without interaction", got)
	}
	token, err := env.session.Token(context.Background())
	if err != nil || token != "ya29.fresh" {
		t.Errorf("Token() = %q, %v", token, err)
	}
	if ex.refreshCalls != 1 {
		t.Errorf("refresh calls = %d", ex.refreshCalls)
	}
}

func TestReconcileRefreshFailureEndsUnauthenticated(t *testing.T) {
	ex := &fakeExchanger{refreshErr: &platform.FunctionError{Status: 401, Code: "invalid_grant", Message: "revoked"}}
	env := newTestSession(t, "user-refail", ex)
	seed := &models.Credential{
		UserID:       "user-refail",
		Provider:     ProviderGoogle,
		AccessToken:  "ya29.stale",
		RefreshToken: "1//revoked",
		Scope:        "openid",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	if err := env.creds.Upsert(context.Background(), seed); err != nil {
		t.Fatalf("seed Upsert() error = %v", err)
	}

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v, refresh failure must not escalate", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s, want unauthenticated (not stuck)", got)
	}
}

func TestReconcileFallsBackToCache(t *testing.T) {
	env := newTestSession(t, "", &fakeExchanger{}) // unattached identity
	expiry := time.Now().Add(time.Hour)
	env.cache.Set(cache.KeyAccessToken, "ya29.cached")
	env.cache.Set(cache.KeyExpiresAt, expiry.Format(time.RFC3339))
	env.cache.Set(cache.KeyScope, "https://www.googleapis.com/auth/analytics.readonly")

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	snap := env.session.State()
	if !snap.Connected || !snap.Capabilities.Analytics {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestReconcileRefreshesExpiredCache(t *testing.T) {
	ex := &fakeExchanger{refreshGrant: grantWith("openid", 3600)}
	env := newTestSession(t, "", ex)
	env.cache.Set(cache.KeyAccessToken, "ya29.old")
	env.cache.Set(cache.KeyRefreshToken, "1//cached")
	env.cache.Set(cache.KeyExpiresAt, time.Now().Add(-time.Minute).Format(time.RFC3339))

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := env.session.Phase(); got != PhaseReady {
		t.Errorf("phase = %s", got)
	}
	if ex.refreshCalls != 1 {
		t.Errorf("refresh calls = %d", ex.refreshCalls)
	}
}

func TestReconcileExchangesPendingGrant(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid email", 3600)}
	env := newTestSession(t, "user-pending", ex)

	_, state, err := env.session.BeginLogin("http://localhost:52119/oauth/callback")
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}

	pending := &broker.Grant{Code: "pending-code", State: state}
	if err := env.session.Reconcile(context.Background(), pending); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := env.session.Phase(); got != PhaseReady {
		t.Errorf("phase = %s", got)
	}
	if ex.lastCodeReq.Code != "pending-code" {
		t.Errorf("exchanged code = %q", ex.lastCodeReq.Code)
	}
	if _, ok := env.cache.Get(cache.KeyVerifier); ok {
		t.Error("verifier survived pending exchange")
	}
}

func TestReconcileIgnoresPendingGrantWithWrongState(t *testing.T) {
	ex := &fakeExchanger{}
	env := newTestSession(t, "user-pending-bad", ex)
	if _, _, err := env.session.BeginLogin("http://localhost:52119/oauth/callback"); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}

	pending := &broker.Grant{Code: "replayed-code", State: "forged"}
	if err := env.session.Reconcile(context.Background(), pending); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s", got)
	}
	if ex.codeCalls != 0 {
		t.Errorf("exchange ran %d times for a forged callback", ex.codeCalls)
	}
}

func TestReconcileRunsOnce(t *testing.T) {
	env := newTestSession(t, "user-once", &fakeExchanger{})

	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if err := env.session.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid https://www.googleapis.com/auth/analytics.readonly", 3600)}
	env := newTestSession(t, "user-disc", ex)
	events, cancel := env.bus.Subscribe()
	defer cancel()

	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := env.session.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := env.session.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}

	snap := env.session.State()
	if snap.Connected || snap.Profile != nil || snap.Capabilities.Any() {
		t.Errorf("state not reset: %+v", snap)
	}
	for _, key := range cache.AllKeys() {
		if _, ok := env.cache.Get(key); ok {
			t.Errorf("cache key %q survived disconnect", key)
		}
	}
	rec, err := env.creds.Get(context.Background(), "user-disc", ProviderGoogle)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Error("durable row survived disconnect")
	}

	drained := 0
	for {
		select {
		case e := <-events:
			if e.Kind == platform.EventDisconnected {
				drained++
			}
		default:
			if drained < 2 {
				t.Errorf("disconnected events = %d, want one per call", drained)
			}
			return
		}
	}
}

func TestDurableExpiryClampedToThirtyDays(t *testing.T) {
	sixtyDays := int64(60 * 24 * 3600)
	ex := &fakeExchanger{codeGrant: grantWith("openid", sixtyDays)}
	env := newTestSession(t, "user-clamp60", ex)

	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rec, err := env.creds.Get(context.Background(), "user-clamp60", ProviderGoogle)
	if err != nil || rec == nil {
		t.Fatalf("durable row = %v, %v", rec, err)
	}
	limit := time.Now().Add(db.MaxCredentialLifetime + time.Minute)
	if rec.ExpiresAt.After(limit) {
		t.Errorf("durable expiry %v exceeds the 30-day cap", rec.ExpiresAt)
	}
}

func TestRoundTripPersistence(t *testing.T) {
	ex := &fakeExchanger{codeGrant: &platform.TokenGrant{
		AccessToken: "ya29.roundtrip",
		ExpiresIn:   3600,
		Scope:       "analytics webmasters",
	}}
	env := newTestSession(t, "user-round", ex)

	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	restarted := env.reuse(&fakeExchanger{})
	if err := restarted.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	token, err := restarted.Token(context.Background())
	if err != nil || token != "ya29.roundtrip" {
		t.Fatalf("Token() = %q, %v", token, err)
	}
	snap := restarted.State()
	if !snap.Capabilities.Analytics || !snap.Capabilities.SearchConsole || snap.Capabilities.Ads {
		t.Errorf("capabilities = %+v", snap.Capabilities)
	}
	if snap.ExpiresAt.After(time.Now().Add(db.MaxCredentialLifetime + time.Minute)) {
		t.Errorf("expiry %v outside clamp window", snap.ExpiresAt)
	}
}

func TestRefreshFailureRequiresInteractiveLogin(t *testing.T) {
	ex := &fakeExchanger{
		codeGrant:  grantWith("openid", 3600),
		refreshErr: errors.New("network down"),
	}
	env := newTestSession(t, "user-manref", ex)
	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	err := env.session.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Refresh() error = %v, want ErrRefreshFailed", err)
	}
	if got := env.session.Phase(); got != PhaseUnauthenticated {
		t.Errorf("phase = %s", got)
	}
}

func TestTokenRefreshesWithinBuffer(t *testing.T) {
	ex := &fakeExchanger{
		// Access token expires inside the 5-minute buffer.
		codeGrant:    grantWith("openid", 60),
		refreshGrant: &platform.TokenGrant{AccessToken: "ya29.renewed", ExpiresIn: 3600, Scope: "openid"},
	}
	env := newTestSession(t, "user-buffer", ex)
	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	token, err := env.session.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "ya29.renewed" {
		t.Errorf("Token() = %q, want refreshed token", token)
	}
	if ex.refreshCalls != 1 {
		t.Errorf("refresh calls = %d", ex.refreshCalls)
	}
}

func TestProfileFetchFailureDoesNotFailLogin(t *testing.T) {
	ex := &fakeExchanger{codeGrant: grantWith("openid", 3600)}
	env := newTestSession(t, "user-noprofile", ex)
	env.session.fetchProfile = func(ctx context.Context, accessToken string) (*google.Profile, error) {
		return nil, errors.New("userinfo unavailable")
	}

	if err := env.session.Login(context.Background(), &fakeAuthorizer{code: "c"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	snap := env.session.State()
	if !snap.Connected {
		t.Error("login failed because of a profile fetch error")
	}
	if snap.Profile != nil {
		t.Errorf("profile = %+v, want nil", snap.Profile)
	}
}
