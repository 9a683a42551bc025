package server

import "strings"

// DiscoveryDocument is the OIDC discovery metadata shape.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the discovery document, including the
// vendor extension fields describing the tier system.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth2/authorize",
		"token_endpoint":                        issuer + "/oauth2/token",
		"userinfo_endpoint":                     issuer + "/oauth2/userinfo",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"registration_endpoint":                 issuer + "/oauth2/register",
		"introspection_endpoint":                issuer + "/oauth2/introspect",
		"revocation_endpoint":                   issuer + "/oauth2/revoke",
		"end_session_endpoint":                  issuer + "/oauth2/logout",
		"response_types_supported":              SupportedResponseTypes,
		"grant_types_supported":                 SupportedGrantTypes,
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"scopes_supported":                      SupportedScopes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"lukhas_tiers_supported":                []int{0, 1, 2, 3, 4, 5},
		"lukhas_tier_scopes": map[string][]string{
			"0": TierScopes(0),
			"1": TierScopes(1),
			"3": TierScopes(3),
			"5": TierScopes(5),
		},
	}
}
