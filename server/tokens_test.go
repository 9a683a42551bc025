package server

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	cfg     Config
	store   *InMemoryStore
	clients *ClientRegistry
	tokens  *TokenService
	grants  *GrantEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Keys.JWKSPath = filepath.Join(t.TempDir(), "jwks.json")
	cfg.OAuth2Clients = []ClientConfig{
		{
			ClientID:      "c1",
			ClientSecret:  "s1",
			RedirectURIs:  []string{"https://app.example.com/cb"},
			AllowedScopes: []string{"openid", "profile", "email", "lukhas:identity:read"},
			GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
			ResponseTypes: []string{"code", "token", "id_token"},
			TierLevel:     2,
		},
		{
			ClientID:      "spa",
			RedirectURIs:  []string{"https://spa.example.com/cb"},
			AllowedScopes: []string{"openid", "profile", "lukhas:basic"},
		},
		{
			ClientID:      "adm",
			ClientSecret:  "adm-secret",
			RedirectURIs:  []string{"https://adm.example.com/cb"},
			AllowedScopes: SupportedScopes,
			GrantTypes:    []string{"authorization_code", "refresh_token"},
		},
	}

	store := NewInMemoryStore()
	jwks, err := NewJWKSManager(cfg.Keys, testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	clients, err := NewClientRegistry(cfg.OAuth2Clients)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	tokens := NewTokenService(cfg, store, clients, jwks, testLogger())
	grants := NewGrantEngine(cfg, store, clients, tokens, testLogger())

	return &testEnv{cfg: cfg, store: store, clients: clients, tokens: tokens, grants: grants}
}

// issueCode walks the authorize step for c1 and returns the code.
func (env *testEnv) issueCode(t *testing.T, scope string, tier int) string {
	t.Helper()
	result, oerr := env.grants.Authorize(AuthorizeParams{
		ClientID:     "c1",
		RedirectURI:  "https://app.example.com/cb",
		ResponseType: "code",
		Scope:        scope,
		State:        "xyz",
		Nonce:        "n-1",
	}, "alice", tier)
	if oerr != nil {
		t.Fatalf("Authorize: %v", oerr)
	}
	if result.Code == "" {
		t.Fatal("expected authorization code")
	}
	return result.Code
}

func TestAuthorizationCodeExchange(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid profile email lukhas:admin", 2)

	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("Exchange: %v", oerr)
	}

	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}
	if resp.IDToken == "" {
		t.Fatal("openid scope was granted, expected id token")
	}
	if resp.RefreshToken == "" {
		t.Fatal("expected refresh token")
	}
	if resp.Scope != "openid profile email" {
		t.Fatalf("granted scope = %q, want %q", resp.Scope, "openid profile email")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("token type = %q", resp.TokenType)
	}

	info := env.tokens.Introspect(resp.AccessToken)
	if info["active"] != true {
		t.Fatalf("introspect = %v, want active", info)
	}
	if info["lukhas_tier"] != 2 {
		t.Fatalf("introspect tier = %v, want 2", info["lukhas_tier"])
	}
	if info["sub"] != "alice" {
		t.Fatalf("introspect sub = %v", info["sub"])
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid", 2)

	params := TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	}
	if _, oerr := env.tokens.Exchange(params); oerr != nil {
		t.Fatalf("first exchange: %v", oerr)
	}
	if _, oerr := env.tokens.Exchange(params); oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("second exchange = %v, want invalid_grant", oerr)
	}
}

func TestAuthorizationCodeClientMismatch(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid", 2)

	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "adm",
		ClientSecret: "adm-secret",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("exchange = %v, want invalid_grant", oerr)
	}

	// The mismatch consumed the code; the legitimate client cannot use it
	// anymore either.
	_, oerr = env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("replay after mismatch = %v, want invalid_grant", oerr)
	}
}

func TestPKCES256(t *testing.T) {
	env := newTestEnv(t)

	verifier := "correct-horse-battery-staple-0123456789abcdef"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authorize := func() string {
		result, oerr := env.grants.Authorize(AuthorizeParams{
			ClientID:            "c1",
			RedirectURI:         "https://app.example.com/cb",
			ResponseType:        "code",
			Scope:               "openid",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		}, "alice", 2)
		if oerr != nil {
			t.Fatalf("Authorize: %v", oerr)
		}
		return result.Code
	}

	// Wrong verifier is rejected.
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         authorize(),
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: verifier + "-mutated",
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("mutated verifier = %v, want invalid_grant", oerr)
	}

	// Missing verifier is rejected.
	_, oerr = env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         authorize(),
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("missing verifier = %v, want invalid_grant", oerr)
	}

	// Correct verifier succeeds.
	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         authorize(),
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: verifier,
	})
	if oerr != nil {
		t.Fatalf("exchange with correct verifier: %v", oerr)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid profile", 2)

	first, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("code exchange: %v", oerr)
	}

	refreshed, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "c1",
		ClientSecret: "s1",
		RefreshToken: first.RefreshToken,
	})
	if oerr != nil {
		t.Fatalf("refresh: %v", oerr)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected new access token")
	}
	if refreshed.Scope != first.Scope {
		t.Fatalf("refreshed scope %q != original %q", refreshed.Scope, first.Scope)
	}
	// Rotation is off by default; the handle is stable.
	if refreshed.RefreshToken != first.RefreshToken {
		t.Fatalf("refresh token rotated unexpectedly")
	}
}

func TestRefreshTokenUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "c1",
		ClientSecret: "s1",
		RefreshToken: "never-issued",
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("unknown refresh = %v, want invalid_grant", oerr)
	}
}

func TestRefreshTokenWrongClient(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid", 2)
	first, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("code exchange: %v", oerr)
	}

	_, oerr = env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "adm",
		ClientSecret: "adm-secret",
		RefreshToken: first.RefreshToken,
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("cross-client refresh = %v, want invalid_grant", oerr)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.rotateRefresh = true

	code := env.issueCode(t, "openid", 2)
	first, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("code exchange: %v", oerr)
	}

	refreshed, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "c1",
		ClientSecret: "s1",
		RefreshToken: first.RefreshToken,
	})
	if oerr != nil {
		t.Fatalf("refresh: %v", oerr)
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == first.RefreshToken {
		t.Fatalf("expected rotated refresh token, got %q", refreshed.RefreshToken)
	}

	// The old handle is dead after rotation.
	_, oerr = env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "c1",
		ClientSecret: "s1",
		RefreshToken: first.RefreshToken,
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("rotated-out refresh = %v, want invalid_grant", oerr)
	}
}

func TestClientCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "client_credentials",
		ClientID:     "c1",
		ClientSecret: "s1",
		Scope:        "email lukhas:admin",
	})
	if oerr != nil {
		t.Fatalf("client_credentials: %v", oerr)
	}
	if resp.Scope != "email" {
		t.Fatalf("scope = %q, want intersection with allowed scopes", resp.Scope)
	}
	if resp.RefreshToken != "" {
		t.Fatal("machine clients must not receive refresh tokens")
	}
	if resp.ExpiresIn != int64((24 * time.Hour).Seconds()) {
		t.Fatalf("expires_in = %d, want 24h", resp.ExpiresIn)
	}
}

func TestClientCredentialsPublicRejected(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType: "client_credentials",
		ClientID:  "spa",
	})
	if oerr == nil || oerr.Code != ErrInvalidClient {
		t.Fatalf("public client_credentials = %v, want invalid_client", oerr)
	}
}

func TestClientCredentialsNoAllowedScope(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "client_credentials",
		ClientID:     "c1",
		ClientSecret: "s1",
		Scope:        "lukhas:admin",
	})
	if oerr == nil || oerr.Code != ErrInvalidScope {
		t.Fatalf("disallowed scope = %v, want invalid_scope", oerr)
	}
}

func TestExchangeBadClientSecret(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "client_credentials",
		ClientID:     "c1",
		ClientSecret: "wrong",
	})
	if oerr == nil || oerr.Code != ErrInvalidClient {
		t.Fatalf("bad secret = %v, want invalid_client", oerr)
	}
}

func TestExchangeUnsupportedGrant(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "password",
		ClientID:     "c1",
		ClientSecret: "s1",
	})
	if oerr == nil || oerr.Code != ErrUnsupportedGrantType {
		t.Fatalf("password grant = %v, want unsupported_grant_type", oerr)
	}
}

func TestIntrospectUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	info := env.tokens.Introspect("garbage")
	if len(info) != 1 || info["active"] != false {
		t.Fatalf("introspect = %v, want bare active:false", info)
	}
}

func TestUserInfoClaims(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid profile email", 2)
	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("exchange: %v", oerr)
	}

	claims, oerr := env.tokens.UserInfo(resp.AccessToken)
	if oerr != nil {
		t.Fatalf("UserInfo: %v", oerr)
	}
	if claims["sub"] != "alice" {
		t.Fatalf("sub = %v", claims["sub"])
	}
	if claims["lukhas_tier"] != 2 {
		t.Fatalf("lukhas_tier = %v", claims["lukhas_tier"])
	}
	if claims["email"] != "alice@id.lukhas.ai" {
		t.Fatalf("email = %v", claims["email"])
	}
	if _, present := claims["phone_number"]; present {
		t.Fatal("phone scope was not granted, claim must be absent")
	}
	if claims["lambda_id"] == "" {
		t.Fatal("expected lambda_id claim")
	}
}

func TestUserInfoRequiresOpenID(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "profile email", 2)
	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("exchange: %v", oerr)
	}

	_, oerr = env.tokens.UserInfo(resp.AccessToken)
	if oerr == nil || oerr.Code != ErrInsufficientScope {
		t.Fatalf("UserInfo without openid = %v, want insufficient_scope", oerr)
	}
}

func TestUserInfoUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, oerr := env.tokens.UserInfo("garbage")
	if oerr == nil || oerr.Code != ErrInvalidToken {
		t.Fatalf("UserInfo = %v, want invalid_token", oerr)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid", 2)
	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("exchange: %v", oerr)
	}

	client, _ := env.clients.Get("c1")
	env.tokens.Revoke(client, resp.AccessToken)

	if info := env.tokens.Introspect(resp.AccessToken); info["active"] != false {
		t.Fatalf("introspect after revoke = %v, want inactive", info)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "openid", 2)
	resp, oerr := env.tokens.Exchange(TokenParams{
		GrantType:    "authorization_code",
		ClientID:     "c1",
		ClientSecret: "s1",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	})
	if oerr != nil {
		t.Fatalf("exchange: %v", oerr)
	}

	client, _ := env.clients.Get("c1")
	env.tokens.Revoke(client, resp.RefreshToken)

	_, oerr = env.tokens.Exchange(TokenParams{
		GrantType:    "refresh_token",
		ClientID:     "c1",
		ClientSecret: "s1",
		RefreshToken: resp.RefreshToken,
	})
	if oerr == nil || oerr.Code != ErrInvalidGrant {
		t.Fatalf("refresh after revoke = %v, want invalid_grant", oerr)
	}
}

func TestLambdaIDStable(t *testing.T) {
	a := lambdaID("alice")
	b := lambdaID("alice")
	c := lambdaID("bob")
	if a != b {
		t.Fatal("lambda id must be deterministic")
	}
	if a == c {
		t.Fatal("distinct users must get distinct lambda ids")
	}
	if len([]rune(a)) != 17 {
		t.Fatalf("lambda id length = %d runes, want 17", len([]rune(a)))
	}
}
