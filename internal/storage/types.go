package storage

import "time"

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}

// ListOptions provides pagination and filtering options for list operations.
type ListOptions struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string

	Sector         string
	Tags           []string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	MinSalience    float64
	IncludeArchived bool
	OnlyArchived    bool
}

// Normalize applies defaults and whitelists sort fields to prevent injection
// through the SortBy column name (it cannot be parameterized like a value).
func (o *ListOptions) Normalize() {
	allowed := map[string]bool{
		"created_at":       true,
		"updated_at":       true,
		"last_accessed_at": true,
		"salience":         true,
		"id":               true,
	}
	if !allowed[o.SortBy] {
		o.SortBy = "created_at"
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 200 {
		o.Limit = 200
	}
}

// Offset computes the SQL OFFSET for the current page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// SearchOptions configures a hybrid query engine request.
type SearchOptions struct {
	Query          string
	Sector         string
	Limit          int
	OversampleFactor int
	MinScore       float64
	Tags           []string
}

// Normalize applies defaults and caps to a SearchOptions.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.OversampleFactor < 1 {
		o.OversampleFactor = 4
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
}

// RateLimitWindow reports the current bucket count for a fixed-window limiter.
type RateLimitWindow struct {
	Key          string
	WindowStart  time.Time
	Count        int
	WindowMillis int
}
