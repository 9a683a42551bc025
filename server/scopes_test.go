package server

import (
	"slices"
	"testing"
)

func TestTierScopesCumulative(t *testing.T) {
	tier0 := TierScopes(0)
	tier2 := TierScopes(2)
	tier4 := TierScopes(4)
	tier5 := TierScopes(5)

	for _, sc := range tier0 {
		if !slices.Contains(tier2, sc) {
			t.Fatalf("tier 2 missing tier 0 scope %q", sc)
		}
	}
	for _, sc := range tier2 {
		if !slices.Contains(tier4, sc) {
			t.Fatalf("tier 4 missing tier 2 scope %q", sc)
		}
	}

	if !slices.Contains(tier2, "email") || !slices.Contains(tier2, "lukhas:identity:read") {
		t.Fatalf("tier 2 scopes incomplete: %v", tier2)
	}
	if slices.Contains(tier4, "lukhas:admin") {
		t.Fatalf("tier 4 must not include lukhas:admin")
	}
	if len(tier5) != len(SupportedScopes) {
		t.Fatalf("tier 5 should grant all supported scopes, got %v", tier5)
	}
}

func TestTierScopesClamp(t *testing.T) {
	if got := TierScopes(-3); !slices.Equal(got, TierScopes(0)) {
		t.Fatalf("negative tier should clamp to 0, got %v", got)
	}
	if got := TierScopes(99); !slices.Equal(got, TierScopes(5)) {
		t.Fatalf("tier above max should clamp to 5, got %v", got)
	}
}

func TestResolveScope(t *testing.T) {
	client := &Client{
		ClientID:      "c1",
		AllowedScopes: []string{"openid", "profile", "email", "lukhas:identity:read"},
	}

	got := ResolveScope("openid profile email lukhas:admin", client, 2)
	want := []string{"openid", "profile", "email"}
	if !slices.Equal(got, want) {
		t.Fatalf("ResolveScope = %v, want %v", got, want)
	}

	// Tier 0 strips tier-1 scopes even when the client allows them.
	got = ResolveScope("openid email", client, 0)
	if !slices.Equal(got, []string{"openid"}) {
		t.Fatalf("tier 0 grant = %v, want [openid]", got)
	}
}

func TestResolveScopeOrderAndDedup(t *testing.T) {
	client := &Client{AllowedScopes: []string{"openid", "profile"}}
	got := ResolveScope("profile openid profile", client, 0)
	if !slices.Equal(got, []string{"profile", "openid"}) {
		t.Fatalf("ResolveScope = %v, want request order with duplicates removed", got)
	}
}

func TestResolveScopeEmpty(t *testing.T) {
	client := &Client{AllowedScopes: []string{"openid"}}
	if got := ResolveScope("lukhas:admin", client, 5); len(got) != 0 {
		t.Fatalf("expected empty grant, got %v", got)
	}
	if got := ResolveScope("", client, 5); len(got) != 0 {
		t.Fatalf("expected empty grant for empty request, got %v", got)
	}
}

func TestHasScope(t *testing.T) {
	scope := []string{"openid", "profile"}
	if !HasScope(scope, "openid") {
		t.Fatal("expected openid present")
	}
	if HasScope(scope, "email") {
		t.Fatal("expected email absent")
	}
}
