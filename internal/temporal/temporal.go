// Package temporal implements C6, the business-logic layer over the
// bitemporal fact graph: fact assertion with interval-closing semantics,
// as-of queries, and edges between facts. The interval bookkeeping itself
// (auto-closing the previously open interval) lives in the storage layer
// (internal/storage/sqlite and postgres temporal_store.go) transactionally;
// this package is the validation and query-shaping layer above it, the way
// the teacher keeps a thin engine layer over a storage layer that already
// does the transactional heavy lifting.
package temporal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// Store is the slice of the storage backend the temporal engine needs.
type Store interface {
	storage.FactStore
	storage.EdgeStore
}

// Engine is the C6 orchestrator.
type Engine struct {
	store Store
	now   func() time.Time
}

// New builds a temporal Engine.
func New(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// AssertRequest describes a fact to record.
type AssertRequest struct {
	UserID     string
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	ValidFrom  time.Time
	Metadata   map[string]interface{}
}

// Assert validates and records a fact. If an open interval already exists
// for (subject, predicate), the storage layer closes it at ValidFrom within
// the same transaction as the new insert (spec.md §4.5's fact-insert rule);
// this layer only rejects a ValidFrom that would not strictly advance time.
func (e *Engine) Assert(ctx context.Context, req AssertRequest) (*types.Fact, error) {
	if req.UserID == "" || req.Subject == "" || req.Predicate == "" {
		return nil, apperr.Validation("user_id, subject, and predicate are required")
	}
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = e.now()
	}

	if prior, err := e.store.FindOpen(ctx, req.UserID, req.Subject, req.Predicate); err == nil {
		if !validFrom.After(prior.ValidFrom) {
			return nil, apperr.Validation("valid_from must strictly advance the currently open interval")
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	f := &types.Fact{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Subject:     req.Subject,
		Predicate:   req.Predicate,
		Object:      req.Object,
		ValidFrom:   validFrom,
		Confidence:  req.Confidence,
		LastUpdated: e.now(),
		Metadata:    req.Metadata,
	}
	if err := e.store.Assert(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// QueryRequest filters query_facts.
type QueryRequest struct {
	UserID    string
	Subject   string
	Predicate string
	AsOf      *time.Time
}

// Query implements query_facts: when AsOf is set, returns facts whose
// interval contains it; otherwise returns the latest open interval(s).
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]types.Fact, error) {
	if req.UserID == "" || req.Subject == "" {
		return nil, apperr.Validation("user_id and subject are required")
	}

	if req.AsOf != nil {
		return e.store.AsOf(ctx, req.UserID, req.Subject, *req.AsOf)
	}

	if req.Predicate != "" {
		f, err := e.store.FindOpen(ctx, req.UserID, req.Subject, req.Predicate)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []types.Fact{*f}, nil
	}

	return e.store.AsOf(ctx, req.UserID, req.Subject, e.now())
}

// History returns every version ever asserted for (subject, predicate).
func (e *Engine) History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error) {
	return e.store.History(ctx, userID, subject, predicate)
}

// LinkRequest describes an edge between two existing facts.
type LinkRequest struct {
	UserID       string
	SourceFact   string
	TargetFact   string
	RelationType string
	Weight       float64
	ValidFrom    time.Time
	ValidTo      *time.Time
	Metadata     map[string]interface{}
}

// Link requires both endpoints to exist (spec.md §4.5) before recording
// the edge.
func (e *Engine) Link(ctx context.Context, req LinkRequest) (*types.Edge, error) {
	if _, err := e.store.GetFact(ctx, req.UserID, req.SourceFact); err != nil {
		return nil, err
	}
	if _, err := e.store.GetFact(ctx, req.UserID, req.TargetFact); err != nil {
		return nil, err
	}

	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = e.now()
	}
	edge := &types.Edge{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		SourceFact:   req.SourceFact,
		TargetFact:   req.TargetFact,
		RelationType: req.RelationType,
		ValidFrom:    validFrom,
		ValidTo:      req.ValidTo,
		Weight:       req.Weight,
		Metadata:     req.Metadata,
	}
	if err := e.store.Link(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// Related returns every edge touching factID.
func (e *Engine) Related(ctx context.Context, userID, factID string) ([]types.Edge, error) {
	return e.store.Related(ctx, userID, factID)
}

func isNotFound(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Kind == apperr.KindNotFound
}
