package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Tier     int    `json:"lukhas_tier"`
	LambdaID string `json:"lukhas_lambda_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints, exchanges, introspects, and revokes tokens.
type TokenService struct {
	issuer        string
	accessTTL     time.Duration
	clientTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	store         Store
	clients       *ClientRegistry
	jwks          *JWKSManager
	logger        *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store Store, clients *ClientRegistry, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:        strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		accessTTL:     cfg.Tokens.AccessTTL.Std(),
		clientTTL:     cfg.Tokens.ClientCredentialsTTL.Std(),
		refreshTTL:    cfg.Tokens.RefreshTTL.Std(),
		rotateRefresh: cfg.Tokens.RotateRefresh,
		store:         store,
		clients:       clients,
		jwks:          jwks,
		logger:        logger,
	}
}

// Issuer returns the token issuer URL.
func (ts *TokenService) Issuer() string {
	return ts.issuer
}

// Exchange dispatches a token request on its grant type. Client credentials
// are always verified before any grant-specific logic runs, and internal
// failures surface as server_error rather than escaping.
func (ts *TokenService) Exchange(params TokenParams) (resp *TokenResponse, oerr *OAuthError) {
	defer func() {
		if r := recover(); r != nil {
			ts.logger.Error("token exchange panic", "grant_type", params.GrantType, "panic", r)
			resp, oerr = nil, oauthErr(ErrServerError, "internal error")
		}
	}()

	client, oerr := ts.clients.Authenticate(params.ClientID, params.ClientSecret)
	if oerr != nil {
		return nil, oerr
	}

	switch params.GrantType {
	case "authorization_code":
		return ts.exchangeAuthorizationCode(client, params)
	case "refresh_token":
		return ts.exchangeRefreshToken(client, params)
	case "client_credentials":
		return ts.exchangeClientCredentials(client, params)
	default:
		return nil, oauthErrf(ErrUnsupportedGrantType, "grant type %q not supported", params.GrantType)
	}
}

func (ts *TokenService) exchangeAuthorizationCode(client *Client, params TokenParams) (*TokenResponse, *OAuthError) {
	if !client.AllowsGrant("authorization_code") {
		return nil, oauthErr(ErrUnsupportedGrantType, "client may not use authorization_code")
	}

	code, ok := ts.store.ConsumeAuthCode(params.Code)
	if !ok {
		return nil, oauthErr(ErrInvalidGrant, "code invalid or expired")
	}
	if code.ClientID != client.ClientID {
		return nil, oauthErr(ErrInvalidGrant, "code issued to another client")
	}
	if code.RedirectURI != params.RedirectURI {
		return nil, oauthErr(ErrInvalidGrant, "redirect_uri mismatch")
	}
	if code.CodeChallenge != "" {
		if oerr := verifyPKCE(code, params.CodeVerifier); oerr != nil {
			return nil, oerr
		}
	}

	access, record, err := ts.mintAccessToken(client.ClientID, code.UserID, code.UserTier, code.Scope, ts.accessTTL)
	if err != nil {
		ts.logger.Error("mint access token", "error", err)
		return nil, oauthErr(ErrServerError, "failed to mint token")
	}

	rt := ts.newRefreshToken(client.ClientID, code.UserID, code.UserTier, code.Scope, "")
	ts.store.SaveRefreshToken(rt)

	resp := &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: rt.ID,
		Scope:        joinScope(code.Scope),
	}
	if HasScope(code.Scope, "openid") {
		idToken, err := ts.mintIDToken(client.ClientID, code.UserID, code.UserTier, code.Nonce, record.LambdaID)
		if err != nil {
			ts.logger.Error("mint id token", "error", err)
			return nil, oauthErr(ErrServerError, "failed to mint id token")
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (ts *TokenService) exchangeRefreshToken(client *Client, params TokenParams) (*TokenResponse, *OAuthError) {
	if params.RefreshToken == "" {
		return nil, oauthErr(ErrInvalidRequest, "missing refresh_token")
	}

	rt, ok := ts.store.GetRefreshToken(params.RefreshToken)
	if !ok || rt.Revoked {
		return nil, oauthErr(ErrInvalidGrant, "refresh token invalid")
	}
	if rt.ClientID != client.ClientID {
		return nil, oauthErr(ErrInvalidGrant, "refresh token issued to another client")
	}
	if time.Now().After(rt.ExpiresAt) {
		ts.store.DeleteRefreshToken(rt.ID)
		return nil, oauthErr(ErrInvalidGrant, "refresh token expired")
	}

	access, _, err := ts.mintAccessToken(client.ClientID, rt.UserID, rt.UserTier, rt.Scope, ts.accessTTL)
	if err != nil {
		ts.logger.Error("mint refreshed token", "error", err)
		return nil, oauthErr(ErrServerError, "failed to mint token")
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       joinScope(rt.Scope),
	}

	if ts.rotateRefresh {
		ts.store.DeleteRefreshToken(rt.ID)
		rt.Revoked = true
		ts.store.SaveRefreshToken(rt)

		next := ts.newRefreshToken(client.ClientID, rt.UserID, rt.UserTier, rt.Scope, rt.ID)
		ts.store.SaveRefreshToken(next)
		resp.RefreshToken = next.ID
	} else {
		resp.RefreshToken = rt.ID
	}
	return resp, nil
}

func (ts *TokenService) exchangeClientCredentials(client *Client, params TokenParams) (*TokenResponse, *OAuthError) {
	if client.Public {
		return nil, oauthErr(ErrInvalidClient, "public clients cannot use client_credentials")
	}
	if !client.AllowsGrant("client_credentials") {
		return nil, oauthErr(ErrUnsupportedGrantType, "client may not use client_credentials")
	}

	scope := client.AllowedScopes
	if params.Scope != "" {
		scope = intersectScopes(splitScope(params.Scope), client.AllowedScopes)
		if len(scope) == 0 {
			return nil, oauthErr(ErrInvalidScope, "no requested scope is allowed for this client")
		}
	}

	access, _, err := ts.mintAccessToken(client.ClientID, client.ClientID, client.TierLevel, scope, ts.clientTTL)
	if err != nil {
		ts.logger.Error("mint client token", "error", err)
		return nil, oauthErr(ErrServerError, "failed to mint token")
	}

	// No refresh token for machine clients; they re-authenticate instead.
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.clientTTL.Seconds()),
		Scope:       joinScope(scope),
	}, nil
}

// Introspect returns RFC 7662 metadata. Unknown, expired, malformed, and
// revoked tokens all yield {"active": false} so callers cannot probe which
// tokens exist.
func (ts *TokenService) Introspect(token string) map[string]any {
	record, ok := ts.store.GetAccessToken(token)
	if !ok {
		return map[string]any{"active": false}
	}
	if ts.store.JTIBlacklisted(record.JTI) {
		return map[string]any{"active": false}
	}

	return map[string]any{
		"active":           true,
		"scope":            joinScope(record.Scope),
		"client_id":        record.ClientID,
		"sub":              record.UserID,
		"iss":              ts.issuer,
		"exp":              record.ExpiresAt.Unix(),
		"iat":              record.IssuedAt.Unix(),
		"token_type":       "access_token",
		"lukhas_tier":      record.UserTier,
		"lukhas_lambda_id": record.LambdaID,
	}
}

// UserInfo assembles OIDC claims for a bearer token, gated by the granted
// scope set. The openid scope is a hard requirement.
func (ts *TokenService) UserInfo(token string) (map[string]any, *OAuthError) {
	record, ok := ts.store.GetAccessToken(token)
	if !ok || ts.store.JTIBlacklisted(record.JTI) {
		return nil, oauthErr(ErrInvalidToken, "token unknown or expired")
	}
	if !HasScope(record.Scope, "openid") {
		return nil, oauthErr(ErrInsufficientScope, "openid scope required")
	}

	claims := map[string]any{
		"sub":                record.UserID,
		"lambda_id":          record.LambdaID,
		"trinity_compliance": true,
	}
	if HasScope(record.Scope, "profile") {
		claims["name"] = record.UserID
		claims["lukhas_tier"] = record.UserTier
		claims["picture"] = ts.issuer + "/avatars/" + record.UserID
	}
	if HasScope(record.Scope, "email") {
		claims["email"] = record.UserID + "@id.lukhas.ai"
		claims["email_verified"] = record.UserTier >= 1
	}
	if HasScope(record.Scope, "phone") {
		claims["phone_number"] = "+00000000000"
		claims["phone_number_verified"] = false
	}
	if HasScope(record.Scope, "address") {
		claims["address"] = map[string]any{"formatted": "unspecified"}
	}
	return claims, nil
}

// Revoke revokes refresh tokens, or blacklists an access token by JTI.
func (ts *TokenService) Revoke(client *Client, token string) {
	if rt, ok := ts.store.GetRefreshToken(token); ok {
		if rt.ClientID == client.ClientID {
			rt.Revoked = true
			ts.store.SaveRefreshToken(rt)
		}
		return
	}

	record, ok := ts.store.GetAccessToken(token)
	if !ok || record.ClientID != client.ClientID {
		return
	}
	ts.store.BlacklistJTI(record.JTI, record.ExpiresAt)
}

func (ts *TokenService) mintAccessToken(clientID, userID string, tier int, scope []string, ttl time.Duration) (string, AccessToken, error) {
	now := time.Now()
	jti := ts.store.NewID()
	lambda := lambdaID(userID)

	claims := AccessTokenClaims{
		Scope:    joinScope(scope),
		ClientID: clientID,
		Tier:     tier,
		LambdaID: lambda,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	mapClaims, err := claimsToMap(claims)
	if err != nil {
		return "", AccessToken{}, err
	}
	signed, _, err := ts.jwks.Sign(mapClaims)
	if err != nil {
		return "", AccessToken{}, err
	}

	record := AccessToken{
		Token:     signed,
		JTI:       jti,
		ClientID:  clientID,
		UserID:    userID,
		UserTier:  tier,
		Scope:     scope,
		LambdaID:  lambda,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	ts.store.SaveAccessToken(record)
	return signed, record, nil
}

func (ts *TokenService) mintIDToken(clientID, userID string, tier int, nonce, lambda string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":              ts.issuer,
		"sub":              userID,
		"aud":              clientID,
		"iat":              now.Unix(),
		"exp":              now.Add(ts.accessTTL).Unix(),
		"auth_time":        now.Unix(),
		"lukhas_tier":      tier,
		"lukhas_lambda_id": lambda,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	signed, _, err := ts.jwks.Sign(claims)
	return signed, err
}

func (ts *TokenService) newRefreshToken(clientID, userID string, tier int, scope []string, parent string) RefreshToken {
	now := time.Now()
	return RefreshToken{
		ID:        ts.store.NewID(),
		ClientID:  clientID,
		UserID:    userID,
		UserTier:  tier,
		Scope:     scope,
		LambdaID:  lambdaID(userID),
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
		ParentID:  parent,
	}
}

func verifyPKCE(code AuthorizationCode, verifier string) *OAuthError {
	if verifier == "" {
		return oauthErr(ErrInvalidGrant, "code_verifier required")
	}
	switch code.CodeChallengeMethod {
	case "", "plain":
		if verifier != code.CodeChallenge {
			return oauthErr(ErrInvalidGrant, "pkce verification failed")
		}
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		expected := base64.RawURLEncoding.EncodeToString(sum[:])
		if expected != code.CodeChallenge {
			return oauthErr(ErrInvalidGrant, "pkce verification failed")
		}
	default:
		return oauthErr(ErrInvalidGrant, "unsupported code_challenge_method")
	}
	return nil
}

func intersectScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, sc := range requested {
		for _, al := range allowed {
			if sc == al {
				out = append(out, sc)
				break
			}
		}
	}
	return out
}

// lambdaID derives the stable vendor subject identifier for a user.
func lambdaID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "Λ" + hex.EncodeToString(sum[:8])
}

func claimsToMap(claims AccessTokenClaims) (jwt.MapClaims, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var out jwt.MapClaims
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
