package engine

import "errors"

var (
	errWaypointTopK = errors.New("engine: waypoint top-k must be >= 0")
	errChunkSize    = errors.New("engine: chunk size must be > 0")
)
