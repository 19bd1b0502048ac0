package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (workshop) + Redis (fleet).
// All methods take a vehicleID for per-vehicle isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, vehicleID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, vehicleID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, vehicleID string, key string) error

	// GetReport retrieves a cached scan report.
	GetReport(ctx context.Context, vehicleID string, reportID string) (*ScanReport, error)

	// SetReport caches a scan report so dashboards avoid a DB round trip.
	SetReport(ctx context.Context, vehicleID string, reportID string, report *ScanReport, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used for per-vehicle frame and scan counters in a time window.
	IncrementCounter(ctx context.Context, vehicleID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (workshop profile)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (fleet profile)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
