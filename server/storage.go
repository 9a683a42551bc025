package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Store is the persistence boundary for all ephemeral protocol state. The
// in-memory implementation below is the reference; a production deployment
// swaps in a database-backed store. ConsumeAuthCode must be an atomic
// fetch-and-delete so that the single-use guarantee on authorization codes
// holds under concurrent exchanges.
type Store interface {
	NewID() string

	SaveAuthCode(code AuthorizationCode)
	ConsumeAuthCode(code string) (AuthorizationCode, bool)

	SaveAccessToken(at AccessToken)
	GetAccessToken(token string) (AccessToken, bool)

	SaveRefreshToken(rt RefreshToken)
	GetRefreshToken(id string) (RefreshToken, bool)
	DeleteRefreshToken(id string)

	SaveSession(sess Session)
	GetSession(id string) (Session, bool)
	DeleteSession(id string)

	BlacklistJTI(jti string, until time.Time)
	JTIBlacklisted(jti string) bool
}

// InMemoryStore keeps ephemeral state for codes, tokens, and sessions.
type InMemoryStore struct {
	mu            sync.RWMutex
	authCodes     map[string]AuthorizationCode
	accessTokens  map[string]AccessToken
	refreshTokens map[string]RefreshToken
	sessions      map[string]Session
	jtiBlacklist  map[string]time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		authCodes:     make(map[string]AuthorizationCode),
		accessTokens:  make(map[string]AccessToken),
		refreshTokens: make(map[string]RefreshToken),
		sessions:      make(map[string]Session),
		jtiBlacklist:  make(map[string]time.Time),
	}
}

// StartPruning launches a ticker that drops expired codes, tokens, sessions,
// and blacklist entries so abandoned state does not accumulate between reads.
func (s *InMemoryStore) StartPruning(every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.prune(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

func (s *InMemoryStore) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
		}
	}
	for token, at := range s.accessTokens {
		if now.After(at.ExpiresAt) {
			delete(s.accessTokens, token)
		}
	}
	for id, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, id)
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
	for jti, until := range s.jtiBlacklist {
		if now.After(until) {
			delete(s.jtiBlacklist, jti)
		}
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// SaveAuthCode persists an authorization code.
func (s *InMemoryStore) SaveAuthCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
}

// ConsumeAuthCode fetches and removes an authorization code. Expired codes
// are dropped and reported as absent.
func (s *InMemoryStore) ConsumeAuthCode(code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.authCodes, code)
	if time.Now().After(auth.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return auth, true
}

// SaveAccessToken records an issued access token for introspection.
func (s *InMemoryStore) SaveAccessToken(at AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[at.Token] = at
}

// GetAccessToken fetches an access token record. Expired records are pruned.
func (s *InMemoryStore) GetAccessToken(token string) (AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.accessTokens[token]
	if !ok {
		return AccessToken{}, false
	}
	if time.Now().After(at.ExpiresAt) {
		delete(s.accessTokens, token)
		return AccessToken{}, false
	}
	return at, true
}

// SaveRefreshToken stores or replaces a refresh token record.
func (s *InMemoryStore) SaveRefreshToken(rt RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
}

// GetRefreshToken fetches a refresh token by ID.
func (s *InMemoryStore) GetRefreshToken(id string) (RefreshToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refreshTokens[id]
	return rt, ok
}

// DeleteRefreshToken removes a refresh token from store.
func (s *InMemoryStore) DeleteRefreshToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, id)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// BlacklistJTI marks a JWT ID revoked until the provided expiry.
func (s *InMemoryStore) BlacklistJTI(jti string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jtiBlacklist[jti] = until
}

// JTIBlacklisted indicates whether jti is revoked.
func (s *InMemoryStore) JTIBlacklisted(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.jtiBlacklist[jti]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.jtiBlacklist, jti)
		return false
	}
	return true
}
