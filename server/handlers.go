package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lukhasd/apikey"
	"lukhasd/rules"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Sessions *SessionManager
	Clients  *ClientRegistry
	Tokens   *TokenService
	Grants   *GrantEngine
	JWKS     *JWKSManager
	APIKeys  *apikey.Validator
	Rules    *rules.Engine
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()

	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.OAuth2Clients)
	if err != nil {
		return nil, err
	}

	tokens := NewTokenService(cfg, store, clients, jwks, logger)
	sessions := NewSessionManager(cfg, store, logger)
	grants := NewGrantEngine(cfg, store, clients, tokens, logger)
	keys := apikey.NewValidator(
		cfg.APIKeys.Secret,
		cfg.APIKeys.RateLimitRequests,
		cfg.APIKeys.RateLimitWindow.Std(),
		logger,
	)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Clients:  clients,
		Tokens:   tokens,
		Grants:   grants,
		JWKS:     jwks,
		APIKeys:  keys,
		Rules:    rules.NewEngine(logger),
	}, nil
}

// Start launches the background loops: JWKS rotation and, for the in-memory
// store, expiry pruning. Both stop when the channel closes.
func (a *App) Start(stop <-chan struct{}) {
	a.JWKS.StartRotation(stop)
	if store, ok := a.Store.(*InMemoryStore); ok {
		store.StartPruning(time.Minute, stop)
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.JWKS.PublicJWKS())
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form"))
		return
	}

	params := AuthorizeParams{
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		ResponseType:        r.FormValue("response_type"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
	}

	session := a.Sessions.Fetch(r)
	if session == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "login_required",
			"error_description": "no active session; authenticate before calling /oauth2/authorize",
		})
		return
	}

	result, oerr := a.Grants.Authorize(params, session.UserID, session.Tier)
	if oerr != nil {
		a.Logger.Warn("authorize rejected",
			"client_id", params.ClientID,
			"error", oerr.Code,
			"request_id", RequestIDFromContext(r.Context()))
		// Errors only go back via redirect when the redirect target is a
		// registered URI of a known client, otherwise respond directly.
		client, known := a.Clients.Get(params.ClientID)
		if known && params.RedirectURI != "" && client.ValidRedirect(params.RedirectURI) && isSafeRedirectURI(params.RedirectURI) {
			redirectOAuthError(w, r, params.RedirectURI, params.State, oerr)
			return
		}
		writeOAuthError(w, oerr)
		return
	}

	location, err := buildAuthorizeRedirect(params.ResponseType, result)
	if err != nil {
		a.Logger.Error("authorize redirect build", "error", err)
		writeOAuthError(w, oauthErr(ErrServerError, "invalid redirect target"))
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form"))
		return
	}

	params := TokenParams{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		params.ClientID = id
		params.ClientSecret = secret
	}

	resp, oerr := a.Tokens.Exchange(params)
	if oerr != nil {
		a.Logger.Warn("token exchange rejected",
			"client_id", params.ClientID,
			"grant_type", params.GrantType,
			"error", oerr.Code,
			"request_id", RequestIDFromContext(r.Context()))
		writeOAuthError(w, oerr)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form"))
		return
	}
	if _, oerr := a.authenticateClient(r); oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, a.Tokens.Introspect(r.FormValue("token")))
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	info, oerr := a.Tokens.UserInfo(token)
	if oerr != nil {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", oerr.Code))
		writeOAuthError(w, oerr)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form"))
		return
	}
	client, oerr := a.authenticateClient(r)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	a.Tokens.Revoke(client, r.FormValue("token"))
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "malformed registration document"))
		return
	}
	resp, oerr := a.Clients.Register(req)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	a.Logger.Info("client registered",
		"client_id", resp.ClientID,
		"tier_level", resp.TierLevel,
		"request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleDevLogin mints a session without an identity provider. Dev mode only.
func (a *App) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, oauthErr(ErrInvalidRequest, "invalid form"))
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		userID = "dev-user"
	}
	tier := 0
	if raw := r.FormValue("tier"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > MaxTier {
			writeOAuthError(w, oauthErrf(ErrInvalidRequest, "tier must be an integer between 0 and %d", MaxTier))
			return
		}
		tier = parsed
	}

	session := a.Sessions.Create(w, userID, tier)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          session.UserID,
		"lukhas_tier":      session.Tier,
		"lukhas_lambda_id": session.LambdaID,
		"expires_at":       session.ExpiresAt.Format(time.RFC3339),
	})
}

type ruleDocument struct {
	rules.Rule
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`
}

func (a *App) handleRuleRegister(w http.ResponseWriter, r *http.Request) {
	var doc ruleDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed rule document: " + err.Error()})
		return
	}
	rule := doc.Rule
	if doc.CacheTTLSeconds > 0 {
		rule.CacheTTL = time.Duration(doc.CacheTTLSeconds) * time.Second
	}
	if err := a.Rules.Register(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": rule.ID})
}

func (a *App) handleRuleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RuleID   string         `json:"rule_id"`
		Data     map[string]any `json:"data"`
		Context  map[string]any `json:"context"`
		UseCache *bool          `json:"use_cache"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed evaluation request"})
		return
	}
	if req.RuleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rule_id required"})
		return
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}
	writeJSON(w, http.StatusOK, a.Rules.Evaluate(req.RuleID, req.Data, req.Context, useCache))
}

func (a *App) handleRuleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": a.Rules.List()})
}

func (a *App) authenticateClient(r *http.Request) (*Client, *OAuthError) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

// buildAuthorizeRedirect appends the grant result to the client redirect URI.
// Codes travel in the query string; implicit tokens travel in the fragment.
func buildAuthorizeRedirect(responseType string, result *AuthorizeResult) (string, error) {
	target, err := url.Parse(result.RedirectURI)
	if err != nil {
		return "", err
	}

	values := url.Values{}
	switch responseType {
	case "code":
		values.Set("code", result.Code)
	case "token":
		values.Set("access_token", result.AccessToken)
		values.Set("token_type", result.TokenType)
		values.Set("expires_in", strconv.FormatInt(result.ExpiresIn, 10))
	case "id_token":
		values.Set("id_token", result.IDToken)
	}
	if result.State != "" {
		values.Set("state", result.State)
	}

	if responseType == "code" {
		q := target.Query()
		for k, vs := range values {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		target.RawQuery = q.Encode()
	} else {
		target.Fragment = values.Encode()
	}
	return target.String(), nil
}

func redirectOAuthError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oerr *OAuthError) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, oerr)
		return
	}
	q := target.Query()
	q.Set("error", oerr.Code)
	if oerr.Description != "" {
		q.Set("error_description", oerr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// isSafeRedirectURI rejects targets that could execute in the browser context
// rather than navigate.
func isSafeRedirectURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "javascript", "data", "vbscript", "":
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, oerr *OAuthError) {
	writeJSON(w, statusForOAuthError(oerr), oerr)
}

func statusForOAuthError(oerr *OAuthError) int {
	switch oerr.Code {
	case ErrInvalidClient, ErrInvalidGrant, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrInsufficientScope:
		return http.StatusForbidden
	case ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
