package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/openmemory/openmemory/internal/storage"
)

// Search performs FTS5-backed keyword search across a tenant's memory
// content, the same MATCH + rank approach as the teacher's FullTextSearch,
// adapted to score-returning ScoredID results instead of full Memory rows
// so the hybrid query engine can fuse the score with vector and recency
// signals itself.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]storage.ScoredID, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT fts.id, bm25(memories_fts) FROM memories_fts fts
		WHERE memories_fts MATCH ? AND fts.user_id = ?
		ORDER BY bm25(memories_fts) LIMIT ?
	`, ftsQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword search failed: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		// bm25() returns lower-is-better; invert and clamp to a positive
		// relevance score so it composes with cosine/recency the same way.
		score := 1.0 / (1.0 + maxFloat(0, -rank))
		out = append(out, storage.ScoredID{MemoryID: id, Score: score})
	}
	return out, rows.Err()
}

// sanitizeFTSQuery converts free-form user input into a simple OR-prefix
// query so stray FTS5 operator characters in the input don't produce a
// syntax error, the same defensive transform search_provider.go applies in
// the teacher repo.
func sanitizeFTSQuery(q string) string {
	fields := strings.Fields(q)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			switch r {
			case '"', '*', '(', ')', ':', '^':
				return -1
			}
			return r
		}, f)
		if f != "" {
			terms = append(terms, fmt.Sprintf("%q", f)+"*")
		}
	}
	return strings.Join(terms, " OR ")
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
