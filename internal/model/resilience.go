package model

import "time"

// BreakerMode is the mode of a circuit breaker for a key.
type BreakerMode string

const (
	BreakerModeClosed   BreakerMode = "closed"
	BreakerModeOpen     BreakerMode = "open"
	BreakerModeHalfOpen BreakerMode = "half_open"
)

// BreakerState is the state of a circuit breaker for a key.
type BreakerState struct {
	Key         string
	Mode        BreakerMode
	Failures    int
	LastFailure time.Time
}

// UploadCacheEntry maps a content fingerprint to its remote reference.
type UploadCacheEntry struct {
	Hash       string
	URL        string
	InsertedAt time.Time
}

// UploadCacheStats is the state of an upload cache.
type UploadCacheStats struct {
	Size        int
	MaxSize     int
	TTL         time.Duration
	OldestEntry *time.Time
	Hits        int
	Misses      int
}
