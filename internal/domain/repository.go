package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods take a vehicleID for per-vehicle isolation; the wildcard
// vehicle "*" holds signatures shared across vehicles.
type Repository interface {
	// Signature operations. SaveSignature overwrites by name (last-write-wins).
	SaveSignature(ctx context.Context, vehicleID string, sig *DetectionSignature) error
	GetSignature(ctx context.Context, vehicleID string, name string) (*DetectionSignature, error)
	ListSignatures(ctx context.Context, vehicleID string) ([]*DetectionSignature, error)
	UpdateSignatureWeight(ctx context.Context, vehicleID string, name string, weight float64) error

	// Scan report operations
	SaveScanReport(ctx context.Context, vehicleID string, report *ScanReport) error
	GetScanReport(ctx context.Context, vehicleID string, reportID string) (*ScanReport, error)
	ListScanReports(ctx context.Context, vehicleID string, since time.Time) ([]*ScanReport, error)

	// Detection feedback audit trail
	SaveFeedback(ctx context.Context, vehicleID string, fb *DetectionFeedback) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// GlobalVehicleID holds signatures that apply to every vehicle.
const GlobalVehicleID = "*"

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
