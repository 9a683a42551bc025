package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Grant types and response types this server supports.
var (
	SupportedGrantTypes    = []string{"authorization_code", "refresh_token", "client_credentials"}
	SupportedResponseTypes = []string{"code", "token", "id_token"}
)

// ClientRegistry holds registered OAuth clients, both statically provisioned
// from configuration and dynamically registered at runtime.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if cfg.TierLevel < 0 || cfg.TierLevel > MaxTier {
			return nil, errors.New("tier_level must be between 0 and 5")
		}
		client := &Client{
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			ClientName:    cfg.ClientName,
			RedirectURIs:  cfg.RedirectURIs,
			AllowedScopes: cfg.AllowedScopes,
			GrantTypes:    defaultIfEmpty(cfg.GrantTypes, []string{"authorization_code"}),
			ResponseTypes: defaultIfEmpty(cfg.ResponseTypes, []string{"code"}),
			TierLevel:     cfg.TierLevel,
			Trusted:       cfg.Trusted,
			Public:        cfg.ClientSecret == "",
		}
		clients[cfg.ClientID] = client
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[id]
	return client, ok
}

// Add registers a client at runtime.
func (cr *ClientRegistry) Add(client *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.clients[client.ClientID] = client
}

// Authenticate validates client credentials. Public clients authenticate by
// client_id alone and rely on PKCE at the grant level.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, *OAuthError) {
	client, ok := cr.Get(id)
	if !ok {
		return nil, oauthErr(ErrInvalidClient, "unknown client")
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || secret != client.ClientSecret {
		return nil, oauthErr(ErrInvalidClient, "client authentication failed")
	}
	return client, nil
}

// RegistrationRequest carries RFC 7591 client metadata.
type RegistrationRequest struct {
	RedirectURIs  []string `json:"redirect_uris"`
	ClientName    string   `json:"client_name"`
	Scope         string   `json:"scope"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	TierLevel     int      `json:"lukhas_tier_level"`
}

// RegistrationResponse echoes the registered metadata plus issued credentials.
type RegistrationResponse struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret"`
	ClientName    string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	Scope         string   `json:"scope,omitempty"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	TierLevel     int      `json:"lukhas_tier_level"`
}

// Register provisions a client dynamically. The redirect_uris field is the
// only hard requirement; everything else falls back to defaults.
func (cr *ClientRegistry) Register(req RegistrationRequest) (*RegistrationResponse, *OAuthError) {
	if len(req.RedirectURIs) == 0 {
		return nil, oauthErr(ErrInvalidRequest, "redirect_uris required")
	}
	tier := req.TierLevel
	if tier < 0 || tier > MaxTier {
		return nil, oauthErr(ErrInvalidRequest, "lukhas_tier_level must be between 0 and 5")
	}

	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "lukhas:basic"}
	}
	for _, sc := range scopes {
		if !slices.Contains(SupportedScopes, sc) {
			return nil, oauthErrf(ErrInvalidScope, "unsupported scope %q", sc)
		}
	}

	client := &Client{
		ClientID:      uuid.NewString(),
		ClientSecret:  randomSecret(),
		ClientName:    req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		AllowedScopes: scopes,
		GrantTypes:    defaultIfEmpty(req.GrantTypes, []string{"authorization_code"}),
		ResponseTypes: defaultIfEmpty(req.ResponseTypes, []string{"code"}),
		TierLevel:     tier,
	}
	cr.Add(client)

	return &RegistrationResponse{
		ClientID:      client.ClientID,
		ClientSecret:  client.ClientSecret,
		ClientName:    client.ClientName,
		RedirectURIs:  client.RedirectURIs,
		Scope:         joinScope(client.AllowedScopes),
		GrantTypes:    client.GrantTypes,
		ResponseTypes: client.ResponseTypes,
		TierLevel:     client.TierLevel,
	}, nil
}

// ValidRedirect ensures the redirect URI is registered for the client.
func (c *Client) ValidRedirect(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType reports whether the client may use the response type.
func (c *Client) AllowsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

func defaultIfEmpty(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

func randomSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
