package repository

// Schema definitions for the busrecon database.
// Compatible with both SQLite and PostgreSQL.

const schemaSignatures = `
CREATE TABLE IF NOT EXISTS signatures (
    name TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    type TEXT NOT NULL,
    vendor TEXT,
    definition TEXT NOT NULL,
    confidence_weight REAL NOT NULL DEFAULT 1.0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, vehicle_id)
);

CREATE INDEX IF NOT EXISTS idx_signatures_vehicle ON signatures(vehicle_id);
CREATE INDEX IF NOT EXISTS idx_signatures_type ON signatures(vehicle_id, type);
`

const schemaScanReports = `
CREATE TABLE IF NOT EXISTS scan_reports (
    id TEXT PRIMARY KEY,
    vehicle_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    window_seconds REAL NOT NULL,
    frames_observed INTEGER NOT NULL,
    ecus TEXT NOT NULL,
    piggybacks TEXT,
    summary TEXT NOT NULL,
    recommendations TEXT
);

CREATE INDEX IF NOT EXISTS idx_scan_reports_vehicle ON scan_reports(vehicle_id);
CREATE INDEX IF NOT EXISTS idx_scan_reports_started ON scan_reports(vehicle_id, started_at);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS detection_feedback (
    id TEXT PRIMARY KEY,
    vehicle_id TEXT NOT NULL,
    detected_item TEXT NOT NULL,
    confidence REAL NOT NULL,
    correct_item TEXT,
    verified INTEGER NOT NULL DEFAULT 0,
    signals TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_vehicle ON detection_feedback(vehicle_id);
CREATE INDEX IF NOT EXISTS idx_feedback_item ON detection_feedback(vehicle_id, detected_item);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSignatures,
		schemaScanReports,
		schemaFeedback,
	}
}
