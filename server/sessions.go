package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "lukhas_session"

// SessionManager handles cookie-backed sessions for the /authorize endpoint.
// The session carries the authenticated user's identity and trust tier; how
// the user proved their identity is outside this core.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL.Std(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present
// and unexpired. Activity extends the expiry.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil
	}

	sess.ExpiresAt = time.Now().Add(sm.ttl)
	sm.store.SaveSession(sess)
	return &sess
}

// Create establishes a new session for the given principal and sets the
// cookie. Tiers outside 0-5 are clamped.
func (sm *SessionManager) Create(w http.ResponseWriter, userID string, tier int) *Session {
	if tier < 0 {
		tier = 0
	}
	if tier > MaxTier {
		tier = MaxTier
	}

	sess := Session{
		ID:        sm.store.NewID(),
		UserID:    userID,
		Tier:      tier,
		LambdaID:  lambdaID(userID),
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return &sess
}

// Clear deletes the server-side session and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.store.DeleteSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
