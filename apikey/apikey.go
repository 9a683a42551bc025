// Package apikey implements the structured LUKHAS API-key credential scheme:
// keys of the form luk_<env>_<32 hex><16 hex HMAC signature>, validated
// through a fixed pipeline of format, rate-limit, and signature checks.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Environments an API key may be issued for.
var Environments = []string{"dev", "test", "staging", "prod"}

const (
	keyPrefix = "luk"
	baseLen   = 32
	sigLen    = 16
)

// Validation failure kinds. Callers branch on these to pick a response
// (429 for ErrRateLimited, 401 for the rest).
var (
	ErrMissing     = errors.New("api key missing")
	ErrFormat      = errors.New("api key malformed")
	ErrRateLimited = errors.New("api key rate limit exceeded")
	ErrSignature   = errors.New("api key signature invalid")
	ErrEnvironment = errors.New("unknown api key environment")
)

// Validator checks API keys against the shared signing secret and applies a
// sliding-window rate limit per key.
type Validator struct {
	secret []byte
	limits *rateWindow
	logger *slog.Logger
}

// NewValidator constructs a validator. The limit is the maximum number of
// validations per key within the window.
func NewValidator(secret string, limit int, window time.Duration, logger *slog.Logger) *Validator {
	if window <= 0 {
		window = time.Hour
	}
	return &Validator{
		secret: []byte(secret),
		limits: newRateWindow(limit, window),
		logger: logger,
	}
}

// Validate runs the four-stage pipeline: format, rate limit, signature, and
// audit on failure. Checks short-circuit in that order, so a malformed key
// never consumes rate-limit budget.
func (v *Validator) Validate(key, callerIP string) error {
	if key == "" {
		v.audit(key, callerIP, ErrMissing)
		return ErrMissing
	}

	env, base, sig, err := splitKey(key)
	if err != nil {
		v.audit(key, callerIP, err)
		return err
	}

	if !v.limits.Allow(key) {
		v.audit(key, callerIP, ErrRateLimited)
		return ErrRateLimited
	}

	expected := v.signature(env, base)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		v.audit(key, callerIP, ErrSignature)
		return ErrSignature
	}

	return nil
}

// Generate produces a fresh key for the environment, signed with the shared
// secret over the same message format Validate checks.
func (v *Validator) Generate(environment string) (string, error) {
	if !slices.Contains(Environments, environment) {
		return "", fmt.Errorf("%w: %q", ErrEnvironment, environment)
	}

	buf := make([]byte, baseLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	base := hex.EncodeToString(buf)

	return fmt.Sprintf("%s_%s_%s%s", keyPrefix, environment, base, v.signature(environment, base)), nil
}

// signature computes HMAC-SHA256 over "luk_<env>_<base>" truncated to 16 hex
// characters.
func (v *Validator) signature(env, base string) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s_%s_%s", keyPrefix, env, base)
	return hex.EncodeToString(mac.Sum(nil))[:sigLen]
}

// splitKey enforces the structural rules: luk prefix, known environment,
// 32 hex base characters followed by a 16 hex signature.
func splitKey(key string) (env, base, sig string, err error) {
	if len(key) < len(keyPrefix)+2+baseLen+sigLen || len(key) > 80 {
		return "", "", "", ErrFormat
	}
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return "", "", "", ErrFormat
	}
	env = parts[1]
	if !slices.Contains(Environments, env) {
		return "", "", "", ErrFormat
	}
	body := parts[2]
	if len(body) != baseLen+sigLen || !isHex(body) {
		return "", "", "", ErrFormat
	}
	return env, body[:baseLen], body[baseLen:], nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// audit logs a rejected key with only the first 12 characters visible.
func (v *Validator) audit(key, callerIP string, reason error) {
	if v.logger == nil {
		return
	}
	v.logger.Warn("api_key_rejected",
		"key", maskKey(key),
		"reason", reason.Error(),
		"ip", callerIP,
		"ts", time.Now().UTC().Format(time.RFC3339),
	)
}

func maskKey(key string) string {
	if key == "" {
		return "<missing>"
	}
	if len(key) <= 12 {
		return key
	}
	return key[:12] + strings.Repeat("*", len(key)-12)
}
