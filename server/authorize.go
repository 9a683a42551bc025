package server

import (
	"log/slog"
	"slices"
	"time"
)

// GrantEngine validates authorization requests and issues codes or, for
// implicit flows, tokens directly. The authenticated principal (user ID and
// tier) is supplied by the caller; session handling lives a layer up.
type GrantEngine struct {
	clients *ClientRegistry
	store   Store
	tokens  *TokenService
	codeTTL time.Duration
	logger  *slog.Logger
}

// NewGrantEngine constructs the engine.
func NewGrantEngine(cfg Config, store Store, clients *ClientRegistry, tokens *TokenService, logger *slog.Logger) *GrantEngine {
	return &GrantEngine{
		clients: clients,
		store:   store,
		tokens:  tokens,
		codeTTL: cfg.Tokens.CodeTTL.Std(),
		logger:  logger,
	}
}

// Authorize validates the request and dispatches on response_type. All
// failures come back as OAuth error pairs; nothing escapes as a raw error.
func (ge *GrantEngine) Authorize(params AuthorizeParams, userID string, userTier int) (result *AuthorizeResult, oerr *OAuthError) {
	defer func() {
		if r := recover(); r != nil {
			ge.logger.Error("authorize panic", "client_id", params.ClientID, "panic", r)
			result, oerr = nil, oauthErr(ErrServerError, "internal error")
		}
	}()

	client, ok := ge.clients.Get(params.ClientID)
	if !ok {
		return nil, oauthErr(ErrInvalidClient, "unknown client")
	}
	if !client.ValidRedirect(params.RedirectURI) {
		return nil, oauthErr(ErrInvalidRequest, "redirect_uri not registered for client")
	}
	if !slices.Contains(SupportedResponseTypes, params.ResponseType) {
		return nil, oauthErrf(ErrUnsupportedResponseType, "response type %q not supported", params.ResponseType)
	}
	if !client.AllowsResponseType(params.ResponseType) {
		return nil, oauthErrf(ErrUnsupportedResponseType, "client may not use response type %q", params.ResponseType)
	}

	scope := ResolveScope(params.Scope, client, userTier)
	if len(scope) == 0 {
		return nil, oauthErr(ErrInvalidScope, "no requested scope is permitted for this client and tier")
	}

	switch params.ResponseType {
	case "code":
		return ge.issueCode(client, params, userID, userTier, scope)
	case "token":
		return ge.issueImplicitToken(client, params, userID, userTier, scope)
	case "id_token":
		return ge.issueImplicitIDToken(client, params, userID, userTier)
	default:
		return nil, oauthErrf(ErrUnsupportedResponseType, "response type %q not supported", params.ResponseType)
	}
}

func (ge *GrantEngine) issueCode(client *Client, params AuthorizeParams, userID string, userTier int, scope []string) (*AuthorizeResult, *OAuthError) {
	method := params.CodeChallengeMethod
	if params.CodeChallenge != "" {
		if method == "" {
			method = "plain"
		}
		if method != "S256" && method != "plain" {
			return nil, oauthErr(ErrInvalidRequest, "unsupported code_challenge_method")
		}
	}
	// Public clients never get codes without a PKCE challenge.
	if client.Public && params.CodeChallenge == "" {
		return nil, oauthErr(ErrInvalidRequest, "pkce required for public clients")
	}

	now := time.Now()
	code := AuthorizationCode{
		Code:                ge.store.NewID(),
		ClientID:            client.ClientID,
		UserID:              userID,
		UserTier:            userTier,
		Scope:               scope,
		RedirectURI:         params.RedirectURI,
		State:               params.State,
		Nonce:               params.Nonce,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: method,
		IssuedAt:            now,
		ExpiresAt:           now.Add(ge.codeTTL),
	}
	ge.store.SaveAuthCode(code)

	return &AuthorizeResult{
		Code:        code.Code,
		State:       params.State,
		RedirectURI: params.RedirectURI,
	}, nil
}

func (ge *GrantEngine) issueImplicitToken(client *Client, params AuthorizeParams, userID string, userTier int, scope []string) (*AuthorizeResult, *OAuthError) {
	access, _, err := ge.tokens.mintAccessToken(client.ClientID, userID, userTier, scope, ge.tokens.accessTTL)
	if err != nil {
		ge.logger.Error("mint implicit token", "error", err)
		return nil, oauthErr(ErrServerError, "failed to mint token")
	}
	return &AuthorizeResult{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ge.tokens.accessTTL.Seconds()),
		State:       params.State,
		RedirectURI: params.RedirectURI,
	}, nil
}

func (ge *GrantEngine) issueImplicitIDToken(client *Client, params AuthorizeParams, userID string, userTier int) (*AuthorizeResult, *OAuthError) {
	idToken, err := ge.tokens.mintIDToken(client.ClientID, userID, userTier, params.Nonce, lambdaID(userID))
	if err != nil {
		ge.logger.Error("mint implicit id token", "error", err)
		return nil, oauthErr(ErrServerError, "failed to mint id token")
	}
	return &AuthorizeResult{
		IDToken:     idToken,
		State:       params.State,
		RedirectURI: params.RedirectURI,
	}, nil
}
