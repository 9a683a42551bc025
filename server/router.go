package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC and rule endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(RateLimitMiddleware(a.Config.Server.RateLimit))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/oauth2/jwks", a.handleJWKS)

	r.Get("/oauth2/authorize", a.handleAuthorize)
	r.Post("/oauth2/authorize", a.handleAuthorize)
	r.Post("/oauth2/token", a.handleToken)
	r.Post("/oauth2/introspect", a.handleIntrospect)
	r.Get("/oauth2/userinfo", a.handleUserInfo)
	r.Post("/oauth2/userinfo", a.handleUserInfo)
	r.Post("/oauth2/revoke", a.handleRevoke)
	r.Post("/oauth2/register", a.handleRegister)
	r.Post("/oauth2/logout", a.handleLogout)

	if a.Config.Server.DevMode {
		r.Post("/dev/login", a.handleDevLogin)
	}

	r.Route("/v1/rules", func(r chi.Router) {
		r.Use(APIKeyMiddleware(a.APIKeys))
		r.Get("/", a.handleRuleList)
		r.Post("/", a.handleRuleRegister)
		r.Post("/evaluate", a.handleRuleEvaluate)
	})

	return r
}
