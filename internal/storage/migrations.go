package storage

import (
	"database/sql"
	"fmt"
	"time"
)

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS device_trusts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		person_type TEXT DEFAULT 'student',
		device_name TEXT NOT NULL,
		device_fingerprint TEXT NOT NULL,
		device_info TEXT DEFAULT '{}',
		claimed_phone TEXT NOT NULL,
		verified_phone TEXT DEFAULT '',
		code_hash TEXT DEFAULT '',
		code_expires_at DATETIME,
		trust_token_hash TEXT DEFAULT '',
		trust_token_expires_at DATETIME,
		status TEXT NOT NULL DEFAULT 'pending_sms_verification',
		revoked_by TEXT DEFAULT '',
		revoked_reason TEXT DEFAULT '',
		revoked_at DATETIME,
		verified_at DATETIME,
		last_active_at DATETIME,
		scan_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_device_status CHECK (status IN (
			'pending_sms_verification', 'active', 'revoked',
			'transferred', 'expired', 'suspended')),
		CONSTRAINT chk_device_name_length CHECK (length(device_name) >= 1 AND length(device_name) <= 100),
		CONSTRAINT chk_scan_count CHECK (scan_count >= 0)
	);
	`,
	`
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_device
		ON device_trusts(tenant_id, person_id) WHERE status = 'active';
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_device_trusts_person
		ON device_trusts(tenant_id, person_id, status);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_device_trusts_phone
		ON device_trusts(claimed_phone, status);
	`,
	`
	CREATE TABLE IF NOT EXISTS device_transfer_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		old_device_id TEXT NOT NULL,
		new_device_id TEXT DEFAULT '',
		code_hash TEXT NOT NULL,
		code_expires_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		completed_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (old_device_id) REFERENCES device_trusts(id),
		CONSTRAINT chk_transfer_status CHECK (status IN ('pending', 'completed', 'expired'))
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_transfer_requests_person
		ON device_transfer_requests(tenant_id, person_id, status);
	`,
	`
	CREATE TABLE IF NOT EXISTS device_reset_logs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		admin_id TEXT NOT NULL,
		reason TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_reset_logs_person
		ON device_reset_logs(tenant_id, person_id, created_at);
	`,
	`
	CREATE TABLE IF NOT EXISTS action_points (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		location_code TEXT NOT NULL,
		action_type TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'B',
		latitude REAL,
		longitude REAL,
		radius_m REAL DEFAULT 0,
		rotation_interval_sec INTEGER DEFAULT 0,
		secret TEXT NOT NULL,
		duplicate_window_min INTEGER DEFAULT 0,
		security_level TEXT NOT NULL DEFAULT 'standard',
		active_hours_start TEXT DEFAULT '',
		active_hours_end TEXT DEFAULT '',
		active_days TEXT DEFAULT '',
		is_active BOOLEAN DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tenant_id, location_code),
		CONSTRAINT chk_mode CHECK (mode IN ('A', 'B')),
		CONSTRAINT chk_security_level CHECK (security_level IN ('standard', 'elevated', 'strict')),
		CONSTRAINT chk_rotation_interval CHECK (rotation_interval_sec >= 0),
		CONSTRAINT chk_duplicate_window CHECK (duplicate_window_min >= 0),
		CONSTRAINT chk_radius CHECK (radius_m >= 0)
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_action_points_tenant
		ON action_points(tenant_id, is_active);
	`,
	`
	CREATE TABLE IF NOT EXISTS scan_logs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		person_id TEXT DEFAULT '',
		device_id TEXT DEFAULT '',
		action_type TEXT DEFAULT '',
		action_point_id TEXT DEFAULT '',
		mode TEXT DEFAULT '',
		latitude REAL,
		longitude REAL,
		geo_passed BOOLEAN DEFAULT 0,
		device_authenticated BOOLEAN DEFAULT 0,
		validation_result TEXT NOT NULL,
		rejection_reason TEXT DEFAULT '',
		handler_result TEXT DEFAULT '{}',
		selected_entity_id TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_scan_logs_dedupe
		ON scan_logs(tenant_id, person_id, action_type, validation_result, created_at);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_scan_logs_person
		ON scan_logs(tenant_id, person_id, created_at);
	`,
	`
	CREATE VIEW IF NOT EXISTS active_devices AS
	SELECT id, tenant_id, person_id, device_name, device_fingerprint,
		verified_phone, last_active_at, scan_count, created_at
	FROM device_trusts
	WHERE status = 'active';
	`,
}

func RunMigrations(db *sql.DB) error {
	// SQLite rejects safety-level pragmas inside a transaction, so session
	// setup runs before it. Server connections also set these through the DSN.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("foreign key pragma failed: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration transaction start failed: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			execution_time_ms INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("schema_migrations table creation failed: %w", err)
	}

	var lastVersion int
	err = tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&lastVersion)
	if err != nil {
		return fmt.Errorf("last migration version query failed: %w", err)
	}

	for i := lastVersion; i < len(migrations); i++ {
		start := time.Now()

		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d execution failed: %w", i+1, err)
		}

		executionTime := time.Since(start).Milliseconds()
		_, err = tx.Exec("INSERT INTO schema_migrations (version, execution_time_ms) VALUES (?, ?)",
			i+1, executionTime)
		if err != nil {
			return fmt.Errorf("migration %d recording failed: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration transaction commit failed: %w", err)
	}

	return nil
}

func GetMigrationStatus(db *sql.DB) ([]MigrationInfo, error) {
	rows, err := db.Query(`
		SELECT version, applied_at, execution_time_ms
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("migration status query failed: %w", err)
	}
	defer rows.Close()

	var applied []MigrationInfo
	for rows.Next() {
		var migration MigrationInfo
		err := rows.Scan(&migration.Version, &migration.AppliedAt, &migration.ExecutionTimeMs)
		if err != nil {
			return nil, fmt.Errorf("migration status scan failed: %w", err)
		}
		applied = append(applied, migration)
	}

	return applied, nil
}

type MigrationInfo struct {
	Version         int       `json:"version"`
	AppliedAt       time.Time `json:"applied_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}
