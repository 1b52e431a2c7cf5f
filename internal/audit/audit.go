// Package audit is the business-logic layer over storage.AuditStore: every
// state-changing core operation and admin action appends one immutable
// record here, and the dashboard reads them back read-only through public
// operations. Nothing in this package mutates or removes a record once
// written, matching spec.md §4.8's append-only guarantee.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// Store is the slice of the storage backend the audit log needs.
type Store interface {
	storage.AuditStore
}

// Log is the C9 audit logger.
type Log struct {
	store Store
	now   func() time.Time
}

// New builds a Log.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Entry describes one action to record.
type Entry struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	IP           string
	UA           string
	Metadata     map[string]interface{}
}

// Record appends an immutable audit entry. Failures here are logged by the
// caller but never block the triggering operation (spec.md §4.8: audit
// logging is best-effort relative to the primary write it accompanies).
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.UserID == "" || e.Action == "" {
		return apperr.Validation("user_id and action are required")
	}
	record := &types.AuditRecord{
		ID:           uuid.NewString(),
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IP:           e.IP,
		UA:           e.UA,
		Metadata:     e.Metadata,
		Timestamp:    l.now(),
	}
	return l.store.Append(ctx, record)
}

// ListRequest filters a read of the audit trail.
type ListRequest struct {
	UserID string
	Page   int
	Limit  int
}

// List returns a page of audit records for a user, newest first.
func (l *Log) List(ctx context.Context, req ListRequest) (*storage.PaginatedResult[types.AuditRecord], error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	return l.store.ListAudit(ctx, req.UserID, storage.ListOptions{Page: req.Page, Limit: req.Limit})
}

// Well-known action names used across the core operations, matching the
// verbs the engine, query, temporal, and scheduler packages perform.
const (
	ActionMemoryAdd       = "memory.add"
	ActionMemoryUpdate    = "memory.update"
	ActionMemoryDelete    = "memory.delete"
	ActionMemoryReinforce = "memory.reinforce"
	ActionFactAssert      = "fact.assert"
	ActionFactLink        = "fact.link"
	ActionKeyRotate       = "key.rotate"
	ActionJobStart        = "job.start"
	ActionJobStop         = "job.stop"
	ActionBackupRun       = "backup.run"
	ActionBackupRestore   = "backup.restore"
	ActionAccessGrant     = "access.grant"
	ActionAccessRevoke    = "access.revoke"
)
