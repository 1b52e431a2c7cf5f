// Package types holds the data model shared across OpenMemory's storage,
// engine, and query layers.
package types

import "time"

// Sector is one of the five cognitive partitions used to classify memories
// and route embedding models.
type Sector string

const (
	SectorEpisodic   Sector = "episodic"
	SectorSemantic   Sector = "semantic"
	SectorProcedural Sector = "procedural"
	SectorReflective Sector = "reflective"
	SectorEmotional  Sector = "emotional"
)

// Sectors lists every valid sector, in a stable order, for enumeration
// endpoints and validation.
func Sectors() []Sector {
	return []Sector{SectorEpisodic, SectorSemantic, SectorProcedural, SectorReflective, SectorEmotional}
}

// Valid reports whether s is one of the fixed five sectors.
func (s Sector) Valid() bool {
	switch s {
	case SectorEpisodic, SectorSemantic, SectorProcedural, SectorReflective, SectorEmotional:
		return true
	}
	return false
}

// Memory is a single stored memory item.
type Memory struct {
	ID                   string                 `json:"id"`
	UserID               string                 `json:"user_id"`
	Content              string                 `json:"-"` // plaintext; never serialized directly
	Ciphertext           []byte                 `json:"-"`
	ContentHash          string                 `json:"content_hash"`
	PrimarySector        Sector                 `json:"primary_sector"`
	Tags                 []string               `json:"tags,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	LastAccessedAt       time.Time              `json:"last_accessed_at"`
	Salience             float64                `json:"salience"`
	DecayRate            float64                `json:"decay_rate"`
	Version              int                    `json:"version"`
	EncryptionKeyVersion int                    `json:"encryption_key_version"`
	Archived             bool                   `json:"archived"`
}

// Vector is the dense embedding stored alongside a memory.
type Vector struct {
	MemoryID string    `json:"memory_id"`
	UserID   string    `json:"user_id"`
	Sector   Sector    `json:"sector"`
	Payload  []float32 `json:"payload"`
	Dim      int       `json:"dim"`
}

// Waypoint is a directed, weighted association between two memories owned by
// the same user.
type Waypoint struct {
	SrcID     string    `json:"src_id"`
	DstID     string    `json:"dst_id"`
	UserID    string    `json:"user_id"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
