package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/openmemory/openmemory/internal/crypto"
	"github.com/openmemory/openmemory/internal/engine"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

const maxListPages = 50

// archivalFloor is the salience below which a memory is demoted (archived,
// never deleted) by the decay job, per spec.md §4.6.
const archivalFloor = 0.05

// DecayStore is the slice the decay job needs.
type DecayStore interface {
	storage.UserStore
	storage.MemoryStore
}

// NewDecayJob applies linear salience decay (ApplyDecay's
// salience*(1 - decay_rate*ratio*age_days), floored at 0) for every known
// user, then flags any memory that dropped below the archival floor as
// archived (never deleted), as a bulk, storage-layer decay update plus a
// floor sweep.
func NewDecayJob(store DecayStore, decayRatio float64) JobFunc {
	return func(ctx context.Context) error {
		userIDs, err := store.ListUserIDs(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, userID := range userIDs {
			if _, err := store.ApplyDecay(ctx, userID, decayRatio, now); err != nil {
				log.Printf("scheduler: decay job failed for user %s: %v", userID, err)
				continue
			}
			if err := demoteBelowFloor(ctx, store, userID); err != nil {
				log.Printf("scheduler: archival floor sweep failed for user %s: %v", userID, err)
			}
		}
		return nil
	}
}

func demoteBelowFloor(ctx context.Context, store DecayStore, userID string) error {
	opts := storage.ListOptions{Page: 1, Limit: 200, SortBy: "salience", SortOrder: "asc"}
	for page := 0; page < maxListPages; page++ {
		opts.Page = page + 1
		opts.Normalize()
		result, err := store.List(ctx, userID, opts)
		if err != nil {
			return err
		}
		for _, m := range result.Items {
			if m.Archived || m.Salience >= archivalFloor {
				continue
			}
			m.Archived = true
			if err := store.Update(ctx, &m); err != nil {
				return err
			}
		}
		if !result.HasMore {
			break
		}
	}
	return nil
}

// ReinforceStore is the slice the reinforce-sweep job needs.
type ReinforceStore interface {
	storage.UserStore
	storage.MemoryStore
}

// NewReinforceSweepJob folds recent access activity into salience once per
// interval: any memory touched since the last sweep gets a small bounded
// boost, separate from the immediate per-access boost the engine's
// Reinforce method already applies on individual reads.
func NewReinforceSweepJob(store ReinforceStore, boost float64, interval time.Duration) JobFunc {
	return func(ctx context.Context) error {
		userIDs, err := store.ListUserIDs(ctx)
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-interval)
		for _, userID := range userIDs {
			opts := storage.ListOptions{Page: 1, Limit: 200, SortBy: "last_accessed_at", SortOrder: "desc"}
			for page := 0; page < maxListPages; page++ {
				opts.Page = page + 1
				opts.Normalize()
				result, err := store.List(ctx, userID, opts)
				if err != nil {
					return err
				}
				progressed := false
				for _, m := range result.Items {
					if m.LastAccessedAt.Before(cutoff) {
						continue
					}
					progressed = true
					m.Salience = clampSalience(m.Salience + boost)
					if err := store.Update(ctx, &m); err != nil {
						return err
					}
				}
				if !result.HasMore || !progressed {
					break
				}
			}
		}
		return nil
	}
}

func clampSalience(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

// ReflectionStore is the slice the reflection job needs.
type ReflectionStore interface {
	storage.UserStore
	storage.MemoryStore
}

// NewReflectionJob produces a reflective summary memory for every user
// whose count of non-archived memories (all of them, not only recent ones)
// exceeds reflectMin, summarizing the 50 most recently created via an
// external summarization collaborator, then increments the user's
// reflection_count.
func NewReflectionJob(store ReflectionStore, eng *engine.Engine, summarizer Summarizer, reflectMin int) JobFunc {
	return func(ctx context.Context) error {
		userIDs, err := store.ListUserIDs(ctx)
		if err != nil {
			return err
		}

		for _, userID := range userIDs {
			opts := storage.ListOptions{Page: 1, Limit: 50, SortBy: "created_at", SortOrder: "desc"}
			opts.Normalize()
			result, err := store.List(ctx, userID, opts)
			if err != nil {
				log.Printf("scheduler: reflection job failed to list memories for user %s: %v", userID, err)
				continue
			}
			if result.Total <= reflectMin {
				continue
			}

			contents := make([]string, 0, len(result.Items))
			for _, m := range result.Items {
				contents = append(contents, m.Content)
			}

			summary, err := summarizer.Summarize(ctx, userID, contents)
			if err != nil {
				log.Printf("scheduler: reflection job summarization failed for user %s: %v", userID, err)
				continue
			}
			if summary == "" {
				continue
			}

			if _, err := eng.Add(ctx, engine.AddRequest{
				UserID:     userID,
				Content:    summary,
				SectorHint: types.SectorReflective,
			}); err != nil {
				log.Printf("scheduler: reflection job failed to store summary for user %s: %v", userID, err)
				continue
			}
			if _, err := store.IncrementReflectionCount(ctx, userID); err != nil {
				log.Printf("scheduler: reflection job failed to increment reflection_count for user %s: %v", userID, err)
			}
		}
		return nil
	}
}

// CompactionStore is the slice the compaction job needs.
type CompactionStore interface {
	storage.MemoryStore
	storage.WaypointStore
	storage.FactStore
	storage.UserStore
}

// NewCompactionJob removes each listed memory's outgoing waypoints whose
// destination memory no longer exists, and consolidates duplicate open facts that share
// (subject, predicate, object) by closing every open duplicate but the most
// recently asserted one.
func NewCompactionJob(store CompactionStore) JobFunc {
	return func(ctx context.Context) error {
		userIDs, err := store.ListUserIDs(ctx)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			if err := pruneDanglingWaypoints(ctx, store, userID); err != nil {
				log.Printf("scheduler: compaction job failed pruning waypoints for user %s: %v", userID, err)
			}
			if err := consolidateDuplicateFacts(ctx, store, userID); err != nil {
				log.Printf("scheduler: compaction job failed consolidating facts for user %s: %v", userID, err)
			}
		}
		return nil
	}
}

// consolidateDuplicateFacts closes every open fact sharing a (subject,
// predicate, object) key but the most recently asserted one. Normal Assert
// calls already close the prior open fact for a (subject, predicate) pair,
// so true duplicates only arise from concurrent writers racing each other or
// an upstream retry replaying an already-applied assertion; this sweep
// cleans those up without ever deleting a fact.
func consolidateDuplicateFacts(ctx context.Context, store CompactionStore, userID string) error {
	open, err := store.ListOpenFacts(ctx, userID)
	if err != nil {
		return err
	}

	type key struct{ subject, predicate, object string }
	groups := make(map[key][]types.Fact, len(open))
	for _, f := range open {
		k := key{f.Subject, f.Predicate, f.Object}
		groups[k] = append(groups[k], f)
	}

	now := time.Now()
	for _, facts := range groups {
		if len(facts) < 2 {
			continue
		}
		newest := facts[0]
		for _, f := range facts[1:] {
			if f.ValidFrom.After(newest.ValidFrom) {
				newest = f
			}
		}
		for _, f := range facts {
			if f.ID == newest.ID {
				continue
			}
			if err := store.CloseFact(ctx, userID, f.ID, now); err != nil {
				log.Printf("scheduler: compaction job failed closing duplicate fact %s: %v", f.ID, err)
			}
		}
	}
	return nil
}

func pruneDanglingWaypoints(ctx context.Context, store CompactionStore, userID string) error {
	opts := storage.ListOptions{Page: 1, Limit: 200, IncludeArchived: true}
	for page := 0; page < maxListPages; page++ {
		opts.Page = page + 1
		opts.Normalize()
		result, err := store.List(ctx, userID, opts)
		if err != nil {
			return err
		}
		for _, m := range result.Items {
			neighbors, err := store.Neighbors(ctx, userID, m.ID, 0)
			if err != nil {
				continue
			}
			for _, w := range neighbors {
				if _, err := store.Get(ctx, userID, w.DstID); err != nil {
					_ = store.DeleteWaypoint(ctx, userID, w.SrcID, w.DstID)
				}
			}
		}
		if !result.HasMore {
			break
		}
	}
	return nil
}

// KeyRotationStore is the slice the key-rotation job needs.
type KeyRotationStore interface {
	storage.UserStore
	storage.MemoryStore
}

// NewKeyRotationJob resumes rewriting any memory ciphertext left behind by
// an in-progress key rotation (e.g. the process restarted mid-rotation). It
// never declares a new key version itself — that only happens through
// RotateNow, an explicit admin action per spec.md §4.6 ("when a new
// encryption key version is declared") — so most ticks are a fast no-op
// once every memory has caught up.
func NewKeyRotationJob(store KeyRotationStore, mgr *crypto.Manager, batchSize int) JobFunc {
	return func(ctx context.Context) error {
		_, err := rewriteLaggingCiphertext(ctx, store, mgr, batchSize)
		return err
	}
}

// RotateNow rotates the active encryption key and re-encrypts every memory
// still under an older key version, in batches of batchSize, logging
// per-batch progress as it goes.
func RotateNow(ctx context.Context, store KeyRotationStore, mgr *crypto.Manager, batchSize int) error {
	if _, err := mgr.Rotate(ctx); err != nil {
		return err
	}
	_, err := rewriteLaggingCiphertext(ctx, store, mgr, batchSize)
	return err
}

// rewriteLaggingCiphertext re-encrypts every memory across every user whose
// EncryptionKeyVersion is behind mgr's current active version, in batches,
// logging per-batch progress, and returns the total count rewritten.
func rewriteLaggingCiphertext(ctx context.Context, store KeyRotationStore, mgr *crypto.Manager, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	activeVersion, _, err := mgr.ActiveVersion(ctx)
	if err != nil {
		return 0, err
	}

	userIDs, err := store.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	rewritten := 0
	for _, userID := range userIDs {
		opts := storage.ListOptions{Page: 1, Limit: batchSize, IncludeArchived: true}
		for page := 0; page < maxListPages; page++ {
			opts.Page = page + 1
			opts.Normalize()
			result, err := store.List(ctx, userID, opts)
			if err != nil {
				return rewritten, err
			}
			batchRewritten := 0
			for _, m := range result.Items {
				if m.EncryptionKeyVersion >= activeVersion {
					continue
				}
				plaintext, err := mgr.Decrypt(m.Ciphertext, m.EncryptionKeyVersion)
				if err != nil {
					log.Printf("scheduler: key rotation failed to decrypt memory %s: %v", m.ID, err)
					continue
				}
				ciphertext, version, err := mgr.Encrypt(plaintext)
				if err != nil {
					log.Printf("scheduler: key rotation failed to re-encrypt memory %s: %v", m.ID, err)
					continue
				}
				m.Ciphertext = ciphertext
				m.EncryptionKeyVersion = version
				if err := store.Update(ctx, &m); err != nil {
					log.Printf("scheduler: key rotation failed to persist memory %s: %v", m.ID, err)
					continue
				}
				batchRewritten++
			}
			rewritten += batchRewritten
			if batchRewritten > 0 {
				log.Printf("scheduler: key rotation rewrote %d memories for user %s in batch %d (running total %d)", batchRewritten, userID, page+1, rewritten)
			}
			if !result.HasMore {
				break
			}
		}
	}
	return rewritten, nil
}
