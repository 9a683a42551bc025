package server

import "time"

// Client records registered OAuth client metadata. Redirect URIs are matched
// exactly; no wildcard or prefix matching.
type Client struct {
	ClientID      string
	ClientSecret  string
	ClientName    string
	RedirectURIs  []string
	AllowedScopes []string
	GrantTypes    []string
	ResponseTypes []string
	TierLevel     int
	Trusted       bool
	Public        bool
}

// AuthorizationCode is a short-lived, single-use code bound to the client,
// user, and PKCE challenge it was issued for.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	UserTier            int
	Scope               []string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// AccessToken is the stored record backing an issued bearer token. The record
// is keyed by the signed token string and consulted by introspection; it is
// removed only by expiry or revocation, never by use.
type AccessToken struct {
	Token     string
	JTI       string
	ClientID  string
	UserID    string
	UserTier  int
	Scope     []string
	LambdaID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is exchangeable repeatedly for new access tokens until it
// expires or is revoked.
type RefreshToken struct {
	ID        string
	ClientID  string
	UserID    string
	UserTier  int
	Scope     []string
	LambdaID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ParentID  string
	Revoked   bool
}

// Session captures an authenticated principal bound to a cookie. The tier is
// established at login and gates scope resolution on /authorize.
type Session struct {
	ID        string
	UserID    string
	Tier      int
	LambdaID  string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// AuthorizeParams are the parsed /authorize request parameters.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResult carries the values appended to the redirect back to the
// client. Exactly one of Code, AccessToken, or IDToken is set depending on
// the response type.
type AuthorizeResult struct {
	Code        string `json:"code,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
	State       string `json:"state,omitempty"`
	RedirectURI string `json:"-"`
}

// TokenParams are the parsed /token request parameters.
type TokenParams struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
