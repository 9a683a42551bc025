package server

import (
	"slices"
	"strings"
)

// SupportedScopes is the full set of scopes this server can ever grant.
var SupportedScopes = []string{
	"openid",
	"profile",
	"email",
	"phone",
	"address",
	"lukhas:basic",
	"lukhas:identity:read",
	"lukhas:identity:write",
	"lukhas:premium",
	"lukhas:admin",
}

// Tier scope sets are cumulative. Tiers 2 and 4 carry the set of the highest
// tier below them; tier 5 is the superuser tier and may receive every
// supported scope, including lukhas:admin.
var (
	tier0Scopes = []string{"openid", "profile", "lukhas:basic"}
	tier1Scopes = append(slices.Clone(tier0Scopes), "email", "lukhas:identity:read")
	tier3Scopes = append(slices.Clone(tier1Scopes), "phone", "address", "lukhas:identity:write", "lukhas:premium")
)

// MaxTier is the highest recognised trust tier.
const MaxTier = 5

// TierScopes returns the scopes a principal at the given tier may receive.
// Out-of-range tiers clamp to the nearest valid tier.
func TierScopes(tier int) []string {
	switch {
	case tier >= MaxTier:
		return slices.Clone(SupportedScopes)
	case tier >= 3:
		return slices.Clone(tier3Scopes)
	case tier >= 1:
		return slices.Clone(tier1Scopes)
	default:
		return slices.Clone(tier0Scopes)
	}
}

// ResolveScope intersects the requested scope string with the client's
// allowed scopes and the tier table. The result preserves request order and
// may be empty; callers decide whether an empty grant is an error.
func ResolveScope(requested string, client *Client, tier int) []string {
	tierAllowed := TierScopes(tier)
	granted := make([]string, 0, 4)
	for _, sc := range strings.Fields(requested) {
		if !slices.Contains(client.AllowedScopes, sc) {
			continue
		}
		if !slices.Contains(tierAllowed, sc) {
			continue
		}
		if !slices.Contains(granted, sc) {
			granted = append(granted, sc)
		}
	}
	return granted
}

// HasScope reports whether a granted scope set contains the named scope.
func HasScope(scope []string, name string) bool {
	return slices.Contains(scope, name)
}

func splitScope(s string) []string {
	return strings.Fields(s)
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
