// Package access implements C8: API key issuance and verification, scope
// checks, and the fixed-window request rate limiter. Keys are hashed with
// bcrypt (golang.org/x/crypto/bcrypt, already the teacher's choice for
// password-grade secrets) and never stored or logged in plaintext; only the
// caller that just created a key ever sees it.
package access

import (
	"context"
	"crypto/subtle"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// Well-known scopes, matching spec.md's access-control surface.
const (
	ScopeMemoryRead  = "memory:read"
	ScopeMemoryWrite = "memory:write"
	ScopeAdminAll    = "admin:*"
)

// Store is the slice of the storage backend access control needs.
type Store interface {
	storage.APIKeyStore
	storage.RateLimitStore
}

// Manager issues and verifies API keys and enforces per-key rate limits.
type Manager struct {
	store Store
	now   func() time.Time

	rateLimitEnabled bool
	windowSize       time.Duration
	maxRequests      int
	adminKey         string
}

// Config configures the rate limiter; RateLimitEnabled false disables Allow
// entirely (every call passes), matching SecurityConfig.RateLimitEnabled.
// AdminKey is the single operator-held master secret checked by VerifyAdmin;
// leave it empty to disable admin-key authentication entirely.
type Config struct {
	RateLimitEnabled bool
	WindowSize       time.Duration
	MaxRequests      int
	AdminKey         string
}

// New builds a Manager.
func New(store Store, cfg Config) *Manager {
	return &Manager{
		store:            store,
		now:              time.Now,
		rateLimitEnabled: cfg.RateLimitEnabled,
		windowSize:       cfg.WindowSize,
		maxRequests:      cfg.MaxRequests,
		adminKey:         cfg.AdminKey,
	}
}

// VerifyAdmin checks plaintext against the configured operator master key
// using a constant-time comparison, the way the teacher's RequireAuth
// middleware checks its single shared token — bcrypt is unnecessary here
// since the admin key is a fixed secret the operator controls directly,
// not a per-user credential an attacker could brute-force offline.
func (m *Manager) VerifyAdmin(plaintext string) bool {
	if m.adminKey == "" || plaintext == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(plaintext), []byte(m.adminKey)) == 1
}

// IssueRequest describes a new API key to mint.
type IssueRequest struct {
	UserID string
	Scopes []string
}

// IssueResult carries the one-time plaintext key alongside the stored record.
type IssueResult struct {
	PlaintextKey string
	Key          *types.APIKey
}

// Issue generates a new random-looking opaque key, hashes it with bcrypt,
// and persists the hash. The plaintext is returned exactly once; it cannot
// be recovered afterward.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.UserID == "" || len(req.Scopes) == 0 {
		return nil, apperr.Validation("user_id and at least one scope are required")
	}

	plaintext, err := generateSecret()
	if err != nil {
		return nil, apperr.Internal("failed to generate key material", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("failed to hash key", err)
	}

	key := &types.APIKey{
		Hash:      string(hash),
		UserID:    req.UserID,
		Scopes:    req.Scopes,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return &IssueResult{PlaintextKey: plaintext, Key: key}, nil
}

// Verify looks up a plaintext key and confirms it hashes to a non-disabled
// stored key, requiring requiredScope. Lookup is by the hash of the
// caller-supplied key so comparison is constant-time via bcrypt itself;
// storage.APIKeyStore.FindByHash indexes on the SHA-256 digest of the key,
// not the plaintext, so the secret never touches a query parameter.
func (m *Manager) Verify(ctx context.Context, plaintext, requiredScope string) (*types.APIKey, error) {
	if plaintext == "" {
		return nil, apperr.Unauthorized("missing API key")
	}
	digest := hashLookupKey(plaintext)

	key, err := m.store.FindByHash(ctx, digest)
	if err != nil {
		return nil, apperr.Unauthorized("invalid API key")
	}
	if key.Disabled {
		return nil, apperr.Unauthorized("API key disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(plaintext)); err != nil {
		return nil, apperr.Unauthorized("invalid API key")
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return nil, apperr.Forbidden("API key lacks required scope: " + requiredScope)
	}

	_ = m.store.TouchAPIKey(ctx, digest, m.now())
	return key, nil
}

// Revoke disables a key by its plaintext value.
func (m *Manager) Revoke(ctx context.Context, plaintext string) error {
	if plaintext == "" {
		return apperr.Validation("key is required")
	}
	return m.store.Disable(ctx, hashLookupKey(plaintext))
}

// Allow enforces the fixed-window rate limit for key. It always returns
// true when rate limiting is disabled.
func (m *Manager) Allow(ctx context.Context, key string) (bool, error) {
	if !m.rateLimitEnabled {
		return true, nil
	}
	windowStart := m.now().Truncate(m.windowSize)
	count, err := m.store.Bump(ctx, key, windowStart)
	if err != nil {
		return false, err
	}
	return count <= m.maxRequests, nil
}
