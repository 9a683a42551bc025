package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
	RetiredAt  time.Time
}

// JWKSManager owns the RSA signing keys and the published JSON Web Key Set.
// Rotation moves the signing key into a retired list rather than dropping it:
// a retired key stays published and verifiable for retireAfter, which must
// cover the longest JWT lifetime issued, so tokens signed under an old kid
// keep validating until they expire on their own.
type JWKSManager struct {
	mu          sync.RWMutex
	current     keyPair
	retired     []keyPair
	rotateEvery time.Duration
	retireAfter time.Duration
	keyBits     int
	storePath   string
	logger      *slog.Logger
	now         func() time.Time
}

// NewJWKSManager loads persisted signing keys or creates a fresh set.
func NewJWKSManager(cfg KeyConfig, logger *slog.Logger) (*JWKSManager, error) {
	manager := &JWKSManager{
		rotateEvery: cfg.RotateInterval.Std(),
		retireAfter: cfg.RetireAfter.Std(),
		keyBits:     cfg.RSABits,
		storePath:   cfg.JWKSPath,
		logger:      logger,
		now:         time.Now,
	}
	if manager.retireAfter <= 0 {
		manager.retireAfter = DefaultClientCredentialsTTL
	}
	if manager.keyBits == 0 {
		manager.keyBits = 2048
	}

	if cfg.JWKSPath != "" {
		if err := manager.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if manager.current.PrivateKey == nil {
		if err := manager.rotate(); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// StartRotation launches the background rotation ticker.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key and returns the token plus kid.
func (m *JWKSManager) Sign(claims jwt.MapClaims) (string, string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	signed, err := token.SignedString(m.current.PrivateKey)
	if err != nil {
		return "", "", err
	}
	return signed, m.current.Kid, nil
}

// Keyfunc resolves verification keys during JWT validation.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.retired {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &m.current.PrivateKey.PublicKey, nil
}

// PublicJWKS exposes the public keys for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.retired {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return err
	}
	now := m.now()
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		old := m.current
		old.RetiredAt = now
		m.retired = append([]keyPair{old}, m.retired...)
	}
	m.retired = retainFresh(m.retired, now, m.retireAfter)
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: now}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

// retainFresh keeps retired keys whose retirement is within the grace window.
// Tokens signed by anything older have necessarily expired.
func retainFresh(retired []keyPair, now time.Time, window time.Duration) []keyPair {
	kept := retired[:0]
	for _, pair := range retired {
		if now.Sub(pair.RetiredAt) <= window {
			kept = append(kept, pair)
		}
	}
	return kept
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.retired {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}
	// Loaded keys carry no timestamps, so retired ones restart their grace
	// window at load time. Conservative: keys live longer, never shorter.
	now := m.now()
	var retired []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: now}
		if i == 0 {
			m.current = pair
		} else {
			pair.RetiredAt = now
			retired = append(retired, pair)
		}
	}
	m.retired = retired
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
