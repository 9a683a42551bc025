package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"lukhasd/server"
)

const testIssuer = "http://lukhasd.test"

// startAuthServer runs the full authorization server over httptest and walks
// the code flow for a dev user, returning the server and a minted access
// token.
func startAuthServer(t *testing.T, tier string) (*httptest.Server, string) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = testIssuer
	cfg.Server.RateLimit.Enabled = false
	cfg.Keys.JWKSPath = ""
	cfg.OAuth2Clients = []server.ClientConfig{{
		ClientID:      "rs-client",
		ClientSecret:  "rs-secret",
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"openid", "profile", "email"},
		GrantTypes:    []string{"authorization_code"},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := server.NewApp(cfg, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ts := httptest.NewServer(app.Routes())
	t.Cleanup(ts.Close)

	// Dev login establishes the session.
	form := url.Values{"user_id": {"alice"}, "tier": {tier}}
	resp, err := http.PostForm(ts.URL+"/dev/login", form)
	if err != nil {
		t.Fatalf("dev login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login status = %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		session = c
	}
	if session == nil {
		t.Fatal("no session cookie issued")
	}

	// Authorize issues a code on the redirect.
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	authz := ts.URL + "/oauth2/authorize?" + url.Values{
		"client_id":     {"rs-client"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"state":         {"xyz"},
	}.Encode()
	req, _ := http.NewRequest(http.MethodGet, authz, nil)
	req.AddCookie(session)
	resp, err = noRedirect.Do(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", location)
	}

	// Exchange the code.
	tokenForm := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://app.example.com/cb"},
	}
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/oauth2/token", strings.NewReader(tokenForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("rs-client", "rs-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("token exchange: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token exchange status = %d", resp.StatusCode)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tr.AccessToken == "" {
		t.Fatal("empty access token")
	}
	return ts, tr.AccessToken
}

func newServedValidator(ts *httptest.Server) *Validator {
	return NewValidator(ValidatorConfig{
		Issuer:            testIssuer,
		JWKSURL:           ts.URL + "/.well-known/jwks.json",
		IntrospectionURL:  ts.URL + "/oauth2/introspect",
		IntrospectionAuth: "Basic " + base64.StdEncoding.EncodeToString([]byte("rs-client:rs-secret")),
	})
}

func TestValidateMintedToken(t *testing.T) {
	ts, token := startAuthServer(t, "3")
	v := newServedValidator(ts)

	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Tier != 3 {
		t.Fatalf("tier = %d, want 3", claims.Tier)
	}
	if utf8.RuneCountInString(claims.LambdaID) != 17 {
		t.Fatalf("lambda id = %q, want 17 runes", claims.LambdaID)
	}
	if err := v.HasScopes(claims, "openid", "email"); err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if err := v.HasTier(claims, 2); err != nil {
		t.Fatalf("tier check: %v", err)
	}
	if err := v.HasTier(claims, 5); err == nil {
		t.Fatal("tier 3 must not satisfy minimum 5")
	}

	// A second validation reuses the cached JWKS.
	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("revalidate: %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	ts, _ := startAuthServer(t, "1")
	v := newServedValidator(ts)

	if _, err := v.Validate(context.Background(), ""); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := v.Validate(context.Background(), "not.a.jwt"); err == nil {
		t.Fatal("malformed token accepted")
	}
}

func TestValidateIssuerMismatch(t *testing.T) {
	ts, token := startAuthServer(t, "1")

	v := NewValidator(ValidatorConfig{
		Issuer:  "http://other.test",
		JWKSURL: ts.URL + "/.well-known/jwks.json",
	})
	if _, err := v.Validate(context.Background(), token); err == nil {
		t.Fatal("foreign issuer accepted")
	}
}

func TestRequireTierMiddleware(t *testing.T) {
	ts, token := startAuthServer(t, "3")
	v := newServedValidator(ts)

	var seen *Claims
	protected := RequireTier(v, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if seen == nil || seen.Subject != "alice" {
		t.Fatalf("claims not injected: %+v", seen)
	}

	// Insufficient tier.
	strict := RequireTier(v, 5)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached with insufficient tier")
	}))
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// Missing credentials.
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resource", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthScopeEnforcement(t *testing.T) {
	ts, token := startAuthServer(t, "2")
	v := newServedValidator(ts)

	ok := RequireAuth(v, "openid", "profile")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	denied := RequireAuth(v, "lukhas:admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without the scope")
	}))
	rec = httptest.NewRecorder()
	denied.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestIntrospectRemote(t *testing.T) {
	ts, token := startAuthServer(t, "2")
	v := newServedValidator(ts)

	body, err := v.Introspect(context.Background(), token)
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if body["active"] != true {
		t.Fatalf("introspection = %v, want active", body)
	}
	if body["sub"] != "alice" {
		t.Fatalf("sub = %v", body["sub"])
	}

	unconfigured := NewValidator(ValidatorConfig{JWKSURL: ts.URL + "/.well-known/jwks.json"})
	if _, err := unconfigured.Introspect(context.Background(), token); err == nil {
		t.Fatal("introspection without a configured URL must fail")
	}
}
