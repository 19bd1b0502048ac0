// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/busrecon/busrecon/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSignature stores a detection signature with vehicle isolation.
// Saving an existing name overwrites it.
func (r *SQLRepository) SaveSignature(ctx context.Context, vehicleID string, sig *domain.DetectionSignature) error {
	if vehicleID == "" {
		return fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}
	if sig == nil || sig.Name == "" {
		return fmt.Errorf("%w: signature name is required", ErrInvalidInput)
	}

	definition, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signature: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO signatures (
			name, vehicle_id, type, vendor, definition, confidence_weight, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, vehicle_id) DO UPDATE SET
			type = excluded.type,
			vendor = excluded.vendor,
			definition = excluded.definition,
			confidence_weight = excluded.confidence_weight,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		sig.Name, vehicleID, string(sig.Type), sig.Vendor,
		string(definition), domain.ClampConfidenceWeight(sig.ConfidenceWeight),
		now, now,
	)
	return err
}

// GetSignature retrieves a signature by name with vehicle isolation.
func (r *SQLRepository) GetSignature(ctx context.Context, vehicleID string, name string) (*domain.DetectionSignature, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}

	query := `
		SELECT definition, confidence_weight
		FROM signatures
		WHERE vehicle_id = ? AND name = ?
	`

	var definition string
	var weight float64

	err := r.db.QueryRowContext(ctx, r.rebind(query), vehicleID, name).Scan(&definition, &weight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sig domain.DetectionSignature
	if err := json.Unmarshal([]byte(definition), &sig); err != nil {
		return nil, fmt.Errorf("failed to decode signature %q: %w", name, err)
	}
	// The column is authoritative: weight updates do not rewrite the definition.
	sig.ConfidenceWeight = weight

	return &sig, nil
}

// ListSignatures retrieves all signatures for a vehicle, including the shared
// set under the wildcard vehicle. Vehicle-specific names shadow shared ones.
func (r *SQLRepository) ListSignatures(ctx context.Context, vehicleID string) ([]*domain.DetectionSignature, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}

	query := `
		SELECT name, vehicle_id, definition, confidence_weight
		FROM signatures
		WHERE vehicle_id IN (?, ?)
		ORDER BY name, vehicle_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), vehicleID, domain.GlobalVehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*domain.DetectionSignature)
	var order []string

	for rows.Next() {
		var name, owner, definition string
		var weight float64

		if err := rows.Scan(&name, &owner, &definition, &weight); err != nil {
			return nil, err
		}

		if _, ok := byName[name]; ok {
			// Two rows for one name means vehicle-specific plus shared; the
			// vehicle-specific one wins.
			if owner == domain.GlobalVehicleID {
				continue
			}
		} else {
			order = append(order, name)
		}

		var sig domain.DetectionSignature
		if err := json.Unmarshal([]byte(definition), &sig); err != nil {
			return nil, fmt.Errorf("failed to decode signature %q: %w", name, err)
		}
		sig.ConfidenceWeight = weight
		byName[name] = &sig
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sigs := make([]*domain.DetectionSignature, 0, len(order))
	for _, name := range order {
		sigs = append(sigs, byName[name])
	}
	return sigs, nil
}

// UpdateSignatureWeight persists a learned confidence weight, clamped to the
// allowed range.
func (r *SQLRepository) UpdateSignatureWeight(ctx context.Context, vehicleID string, name string, weight float64) error {
	if vehicleID == "" {
		return fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}

	query := `
		UPDATE signatures
		SET confidence_weight = ?, updated_at = ?
		WHERE vehicle_id = ? AND name = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		domain.ClampConfidenceWeight(weight), time.Now().UTC(), vehicleID, name)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveScanReport stores a completed scan report with vehicle isolation.
func (r *SQLRepository) SaveScanReport(ctx context.Context, vehicleID string, report *domain.ScanReport) error {
	if vehicleID == "" {
		return fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}
	if report == nil {
		return fmt.Errorf("%w: report is required", ErrInvalidInput)
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}

	ecus, _ := json.Marshal(report.ECUs)
	piggybacks, _ := json.Marshal(report.Piggybacks)
	summary, _ := json.Marshal(report.Summary)
	recommendations, _ := json.Marshal(report.Recommendations)

	query := `
		INSERT INTO scan_reports (
			id, vehicle_id, started_at, window_seconds, frames_observed,
			ecus, piggybacks, summary, recommendations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, vehicleID, report.StartedAt, report.WindowSeconds,
		report.FramesObserved, string(ecus), string(piggybacks),
		string(summary), string(recommendations),
	)
	return err
}

// GetScanReport retrieves a scan report by ID with vehicle isolation.
func (r *SQLRepository) GetScanReport(ctx context.Context, vehicleID string, reportID string) (*domain.ScanReport, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, vehicle_id, started_at, window_seconds, frames_observed,
			   ecus, piggybacks, summary, recommendations
		FROM scan_reports
		WHERE vehicle_id = ? AND id = ?
	`

	report, err := scanReport(r.db.QueryRowContext(ctx, r.rebind(query), vehicleID, reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return report, err
}

// ListScanReports retrieves scan reports for a vehicle since the given time,
// newest first.
func (r *SQLRepository) ListScanReports(ctx context.Context, vehicleID string, since time.Time) ([]*domain.ScanReport, error) {
	if vehicleID == "" {
		return nil, fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, vehicle_id, started_at, window_seconds, frames_observed,
			   ecus, piggybacks, summary, recommendations
		FROM scan_reports
		WHERE vehicle_id = ? AND started_at >= ?
		ORDER BY started_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), vehicleID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.ScanReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	return reports, rows.Err()
}

// SaveFeedback appends one detection feedback record to the audit trail.
func (r *SQLRepository) SaveFeedback(ctx context.Context, vehicleID string, fb *domain.DetectionFeedback) error {
	if vehicleID == "" {
		return fmt.Errorf("%w: vehicleID is required", ErrInvalidInput)
	}
	if fb == nil || fb.DetectedItem == "" {
		return fmt.Errorf("%w: detected item is required", ErrInvalidInput)
	}

	signals, _ := json.Marshal(fb.Signals)

	verified := 0
	if fb.Verified {
		verified = 1
	}

	createdAt := fb.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO detection_feedback (
			id, vehicle_id, detected_item, confidence, correct_item, verified, signals, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), vehicleID, fb.DetectedItem, fb.Confidence,
		fb.CorrectItem, verified, string(signals), createdAt,
	)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*domain.ScanReport, error) {
	var report domain.ScanReport
	var ecus, piggybacks, summary, recommendations string

	if err := row.Scan(
		&report.ID, &report.VehicleID, &report.StartedAt,
		&report.WindowSeconds, &report.FramesObserved,
		&ecus, &piggybacks, &summary, &recommendations,
	); err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(ecus), &report.ECUs)
	if piggybacks != "" {
		json.Unmarshal([]byte(piggybacks), &report.Piggybacks)
	}
	json.Unmarshal([]byte(summary), &report.Summary)
	if recommendations != "" {
		json.Unmarshal([]byte(recommendations), &report.Recommendations)
	}

	return &report, nil
}
