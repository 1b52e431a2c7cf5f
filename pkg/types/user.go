package types

import "time"

// User is created implicitly on first access and owns every other entity.
type User struct {
	ID              string    `json:"id"`
	Summary         string    `json:"summary,omitempty"`
	ReflectionCount int       `json:"reflection_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// APIKey is a hashed credential; the plaintext is never stored.
type APIKey struct {
	Hash       string     `json:"-"`
	UserID     string     `json:"user_id"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Disabled   bool       `json:"disabled"`
}

// HasScope reports whether the key carries scope s, or the wildcard "admin:*".
func (k *APIKey) HasScope(s string) bool {
	for _, sc := range k.Scopes {
		if sc == s || sc == "admin:*" {
			return true
		}
	}
	return false
}

// AuditRecord is an append-only log entry; immutable once written.
type AuditRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IP           string                 `json:"ip,omitempty"`
	UA           string                 `json:"ua,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
