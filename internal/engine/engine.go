package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/embedding"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// Encryptor wraps the memory content at rest. The engine never knows how
// keys are managed; internal/crypto supplies the concrete implementation.
type Encryptor interface {
	Encrypt(plaintext []byte) (ciphertext []byte, keyVersion int, err error)
	Decrypt(ciphertext []byte, keyVersion int) ([]byte, error)
}

// DocumentExtractor turns an uploaded document into plain text. It is the
// external collaborator boundary for IngestDocument: the engine only
// chunks and adds whatever text comes back.
type DocumentExtractor interface {
	Extract(ctx context.Context, contentType string, data []byte) (string, error)
}

// Store is the slice of the storage backend the engine needs. Both the
// sqlite and postgres backends satisfy it because each implements the
// full storage.Backend interface.
type Store interface {
	storage.MemoryStore
	storage.VectorStore
	storage.WaypointStore
	storage.AuditStore
	storage.Transactor

	// DeleteByObject is the one FactStore method Delete needs for its
	// optional cascade; pulling in the rest of FactStore would widen this
	// interface well past what the engine actually calls.
	DeleteByObject(ctx context.Context, userID, object string) (int, error)
}

// Engine is the C4 orchestrator: CRUD for memory items plus the embedding,
// classification, and waypoint bookkeeping each write requires.
type Engine struct {
	store     Store
	embedder  embedding.Provider
	encryptor Encryptor
	extractor DocumentExtractor
	cfg       Config
	now       func() time.Time
}

// New builds an Engine. extractor may be nil if document ingestion is not
// configured; IngestDocument then returns apperr.UnsupportedMedia.
func New(store Store, embedder embedding.Provider, encryptor Encryptor, extractor DocumentExtractor, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("engine: embedding provider is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("engine: encryptor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		encryptor: encryptor,
		extractor: extractor,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// AddRequest describes a new memory to persist.
type AddRequest struct {
	UserID     string
	Content    string
	Tags       []string
	Metadata   map[string]interface{}
	SectorHint types.Sector
}

// AddResult is returned from Add.
type AddResult struct {
	ID            string
	PrimarySector types.Sector
	Deduplicated  bool
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Add implements spec.md §4.3's add algorithm: normalize, dedupe by content
// hash, classify sector, embed, then persist memory + vector + waypoints +
// audit record inside one transaction.
func (e *Engine) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.Validation("content is required")
	}
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}

	hash := contentHash(content)
	if existing, err := e.store.FindByContentHash(ctx, req.UserID, hash); err == nil {
		return &AddResult{ID: existing.ID, PrimarySector: existing.PrimarySector, Deduplicated: true}, nil
	} else if !isNotFoundErr(err) {
		return nil, err
	}

	sector := classifySector(req.SectorHint, content)

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	vec, err := e.embed(ctx, sector, content, metadata)
	if err != nil {
		return nil, err
	}

	ciphertext, keyVersion, err := e.encryptor.Encrypt([]byte(content))
	if err != nil {
		return nil, apperr.Internal("failed to encrypt memory content", err)
	}

	now := e.now()
	id := uuid.NewString()
	memory := &types.Memory{
		ID:                   id,
		UserID:               req.UserID,
		Content:              content,
		Ciphertext:           ciphertext,
		ContentHash:          hash,
		PrimarySector:        sector,
		Tags:                 req.Tags,
		Metadata:             metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
		LastAccessedAt:       now,
		Salience:             1.0,
		DecayRate:            1.0,
		Version:              1,
		EncryptionKeyVersion: keyVersion,
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.store.Store(ctx, memory); err != nil {
			return err
		}
		if err := e.store.Upsert(ctx, &types.Vector{MemoryID: id, UserID: req.UserID, Sector: sector, Payload: vec, Dim: len(vec)}); err != nil {
			return err
		}
		if err := e.linkWaypoints(ctx, req.UserID, sector, id, vec); err != nil {
			return err
		}
		return e.store.Append(ctx, &types.AuditRecord{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			Action:       "memory.add",
			ResourceType: "memory",
			ResourceID:   id,
			Timestamp:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	return &AddResult{ID: id, PrimarySector: sector}, nil
}

// embed calls the provider bounded by cfg.EmbedTimeout, falling back to a
// synthetic vector and marking metadata on timeout or provider error, per
// spec.md §4.3's failure mode for embedding outages.
func (e *Engine) embed(ctx context.Context, sector types.Sector, content string, metadata map[string]interface{}) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()

	vec, err := e.embedder.Embed(embedCtx, sector, content)
	if err == nil {
		return vec, nil
	}

	fallback := embedding.NewSynthetic(e.embedder.Dim())
	vec, fbErr := fallback.Embed(ctx, sector, content)
	if fbErr != nil {
		return nil, apperr.DependencyUnavailable("embedding provider and fallback both failed", err)
	}
	metadata["embedding_fallback"] = true
	return vec, nil
}

// linkWaypoints finds the top-k closest existing memories in the same
// sector and records a waypoint edge to each, per spec.md §4.5 scoring.
func (e *Engine) linkWaypoints(ctx context.Context, userID string, sector types.Sector, id string, vec []float32) error {
	if e.cfg.WaypointTopK == 0 {
		return nil
	}
	neighbors, err := e.store.SearchCosine(ctx, userID, sector, vec, e.cfg.WaypointTopK)
	if err != nil {
		return err
	}
	now := e.now()
	for _, n := range neighbors {
		if n.MemoryID == id {
			continue
		}
		if err := e.store.UpsertWaypoint(ctx, &types.Waypoint{
			SrcID: id, DstID: n.MemoryID, UserID: userID, Weight: n.Score, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a memory, decrypting its content, and records the access.
func (e *Engine) Get(ctx context.Context, userID, id string) (*types.Memory, error) {
	m, err := e.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.encryptor.Decrypt(m.Ciphertext, m.EncryptionKeyVersion)
	if err != nil {
		return nil, apperr.Internal("failed to decrypt memory content", err)
	}
	m.Content = string(plaintext)

	if err := e.store.Touch(ctx, userID, id, e.now()); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateRequest describes a mutation to an existing memory. A nil Content
// leaves the content (and embedding) untouched.
type UpdateRequest struct {
	UserID   string
	ID       string
	Content  *string
	Tags     []string
	Metadata map[string]interface{}
}

// Update requires the current user_id, writes new content, recomputes the
// hash, increments version, and re-embeds only if content changed.
func (e *Engine) Update(ctx context.Context, req UpdateRequest) (*types.Memory, error) {
	existing, err := e.store.Get(ctx, req.UserID, req.ID)
	if err != nil {
		return nil, err
	}

	existing.Tags = req.Tags
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}

	contentChanged := false
	if req.Content != nil {
		content := strings.TrimSpace(*req.Content)
		if content == "" {
			return nil, apperr.Validation("content cannot be empty")
		}
		hash := contentHash(content)
		if hash != existing.ContentHash {
			contentChanged = true
			metadata := existing.Metadata
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			vec, err := e.embed(ctx, existing.PrimarySector, content, metadata)
			if err != nil {
				return nil, err
			}
			ciphertext, keyVersion, err := e.encryptor.Encrypt([]byte(content))
			if err != nil {
				return nil, apperr.Internal("failed to encrypt memory content", err)
			}
			existing.Content = content
			existing.Ciphertext = ciphertext
			existing.ContentHash = hash
			existing.EncryptionKeyVersion = keyVersion
			existing.Metadata = metadata

			err = e.store.WithinTx(ctx, func(ctx context.Context) error {
				if err := e.store.Update(ctx, existing); err != nil {
					return err
				}
				return e.store.Upsert(ctx, &types.Vector{
					MemoryID: existing.ID, UserID: req.UserID, Sector: existing.PrimarySector, Payload: vec, Dim: len(vec),
				})
			})
			if err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	if !contentChanged {
		existing.UpdatedAt = e.now()
		if err := e.store.Update(ctx, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// DeleteRequest describes a delete, with optional fact cascade.
type DeleteRequest struct {
	UserID       string
	ID           string
	CascadeFacts bool
}

// Delete cascades to vectors and waypoints, and to facts referencing the
// memory's content when CascadeFacts is set.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) error {
	m, err := e.store.Get(ctx, req.UserID, req.ID)
	if err != nil {
		return err
	}

	return e.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.store.DeleteVector(ctx, req.UserID, req.ID); err != nil && !isNotFoundErr(err) {
			return err
		}
		neighbors, err := e.store.Neighbors(ctx, req.UserID, req.ID, 0)
		if err != nil {
			return err
		}
		for _, n := range neighbors {
			if err := e.store.DeleteWaypoint(ctx, req.UserID, req.ID, n.DstID); err != nil && !isNotFoundErr(err) {
				return err
			}
			if err := e.store.DeleteWaypoint(ctx, req.UserID, n.DstID, req.ID); err != nil && !isNotFoundErr(err) {
				return err
			}
		}
		if req.CascadeFacts {
			if _, err := e.store.DeleteByObject(ctx, req.UserID, m.Content); err != nil {
				return err
			}
		}
		return e.store.Delete(ctx, req.UserID, req.ID)
	})
}

// DeleteAllForUser removes every memory (and implicitly its vectors via the
// backend's cascading delete) owned by userID.
func (e *Engine) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	return e.store.DeleteAllForUser(ctx, userID)
}

// Reinforce adds a bounded boost to salience, clamped to 1.0, touches
// last_accessed_at, and propagates a smaller boost to depth-1 waypoint
// neighbors.
func (e *Engine) Reinforce(ctx context.Context, userID, id string) error {
	m, err := e.store.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	m.Salience = clamp01(m.Salience + e.cfg.ReinforceBoost)
	m.UpdatedAt = e.now()
	if err := e.store.Update(ctx, m); err != nil {
		return err
	}
	if err := e.store.Touch(ctx, userID, id, e.now()); err != nil {
		return err
	}

	neighbors, err := e.store.Neighbors(ctx, userID, id, 0)
	if err != nil {
		return err
	}
	for _, n := range neighbors {
		neighbor, err := e.store.Get(ctx, userID, n.DstID)
		if err != nil {
			if isNotFoundErr(err) {
				continue
			}
			return err
		}
		neighbor.Salience = clamp01(neighbor.Salience + e.cfg.ReinforceNeighborBoost)
		neighbor.UpdatedAt = e.now()
		if err := e.store.Update(ctx, neighbor); err != nil {
			return err
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

func isNotFoundErr(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Kind == apperr.KindNotFound
}
