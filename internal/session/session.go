// Package session owns credential material and derived profile data for the
// current user. The durable kv medium is the single source of truth; no second
// in-memory copy exists to drift out of sync.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetlink.org/internal/kv"
	"fleetlink.org/internal/obs"
)

const (
	keyAccessToken  = "session.access_token"
	keyRefreshToken = "session.refresh_token"
	keyIdentity     = "session.identity"
	keyPreferences  = "session.preferences"

	// defaultRefreshTTL bounds a refresh token whose expiry the backend did
	// not report.
	defaultRefreshTTL = 14 * 24 * time.Hour
)

var (
	// ErrInvalidCredentials indicates a credential record that violates the
	// access-expiry <= refresh-expiry invariant or is missing a token.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
)

// Credentials is the credential record: both tokens with their expirations.
type Credentials struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Identity is the profile record derived from login, signup or refresh.
type Identity struct {
	UserID      string            `json:"user_id"`
	Email       string            `json:"email"`
	Role        string            `json:"role"`
	Permissions []string          `json:"permissions"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Wildcard in a permission set grants every permission.
const Wildcard = "*"

// Store reads and writes session fields on the durable kv medium.
type Store struct {
	mu  sync.Mutex
	kv  *kv.Store
	now func() time.Time
}

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a session store over the given medium.
func New(medium *kv.Store, opts ...Option) *Store {
	s := &Store{kv: medium, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WriteCredentials persists both tokens with independent expirations. When the
// backend omitted the access expiry it is recovered from the token's exp
// claim; when it omitted the refresh expiry a conservative default applies.
func (s *Store) WriteCredentials(c Credentials) error {
	if c.AccessToken == "" || c.RefreshToken == "" {
		return ErrInvalidCredentials
	}
	now := s.now()
	if c.AccessExpiresAt.IsZero() {
		if exp, ok := tokenExpiry(c.AccessToken); ok {
			c.AccessExpiresAt = exp
		}
	}
	if c.RefreshExpiresAt.IsZero() {
		c.RefreshExpiresAt = now.Add(defaultRefreshTTL)
	}
	if !c.AccessExpiresAt.IsZero() && c.AccessExpiresAt.After(c.RefreshExpiresAt) {
		return fmt.Errorf("%w: access expiry after refresh expiry", ErrInvalidCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(keyAccessToken, []byte(c.AccessToken), ttlUntil(now, c.AccessExpiresAt)); err != nil {
		return err
	}
	return s.kv.Put(keyRefreshToken, []byte(c.RefreshToken), ttlUntil(now, c.RefreshExpiresAt))
}

// WriteIdentity persists the identity record. Preferences carried on the
// record are folded into the preference field so there is one copy.
func (s *Store) WriteIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := id.Preferences
	id.Preferences = nil
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("session: encode identity: %w", err)
	}
	if err := s.kv.Put(keyIdentity, data, 0); err != nil {
		return err
	}
	if len(prefs) > 0 {
		return s.mergePreferencesLocked(prefs)
	}
	return nil
}

// SetPreference writes one preference through to the medium.
func (s *Store) SetPreference(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergePreferencesLocked(map[string]string{key: value})
}

func (s *Store) mergePreferencesLocked(updates map[string]string) error {
	prefs := s.preferencesLocked()
	for k, v := range updates {
		prefs[k] = v
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("session: encode preferences: %w", err)
	}
	return s.kv.Put(keyPreferences, data, 0)
}

func (s *Store) preferencesLocked() map[string]string {
	prefs := map[string]string{}
	raw, ok, err := s.kv.Get(keyPreferences)
	if err != nil || !ok {
		return prefs
	}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		obs.Warn("session", "malformed preferences dropped", nil)
		return map[string]string{}
	}
	return prefs
}

// Preferences returns the stored preference map.
func (s *Store) Preferences() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferencesLocked()
}

// AccessToken returns the access token if present and unexpired.
func (s *Store) AccessToken() (string, bool) {
	raw, ok, err := s.kv.Get(keyAccessToken)
	if err != nil || !ok {
		return "", false
	}
	return string(raw), true
}

// RefreshToken returns the refresh token if present and unexpired.
func (s *Store) RefreshToken() (string, bool) {
	raw, ok, err := s.kv.Get(keyRefreshToken)
	if err != nil || !ok {
		return "", false
	}
	return string(raw), true
}

// Identity returns the identity record with preferences attached.
func (s *Store) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.kv.Get(keyIdentity)
	if err != nil || !ok {
		return Identity{}, false
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		obs.Warn("session", "malformed identity dropped", nil)
		return Identity{}, false
	}
	id.Preferences = s.preferencesLocked()
	return id, true
}

// HasValidAccessToken reports whether an authenticated call may proceed.
// Expiry is enforced by the medium; a token stored without an expiry is
// checked against its own exp claim as a fallback.
func (s *Store) HasValidAccessToken() bool {
	token, ok := s.AccessToken()
	if !ok {
		return false
	}
	if exp, ok := tokenExpiry(token); ok {
		return s.now().Before(exp)
	}
	return true
}

// HasPermission reports whether the current identity carries the permission.
// A wildcard entry grants everything.
func (s *Store) HasPermission(perm string) bool {
	id, ok := s.Identity()
	if !ok {
		return false
	}
	for _, p := range id.Permissions {
		if p == Wildcard || p == perm {
			return true
		}
	}
	return false
}

// EraseAll removes every session field in one transaction. The credential
// record is never left partial. Idempotent.
func (s *Store) EraseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(keyAccessToken, keyRefreshToken, keyIdentity, keyPreferences)
}

// tokenExpiry decodes the exp claim without verifying the signature. The
// client cannot verify the server's key; the decoded expiry is used only to
// avoid calls that are certain to fail.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func ttlUntil(now, expiry time.Time) time.Duration {
	if expiry.IsZero() {
		return 0
	}
	ttl := expiry.Sub(now)
	if ttl < 0 {
		ttl = time.Nanosecond
	}
	return ttl
}
