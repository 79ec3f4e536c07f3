package storage

import (
	"database/sql"
	"strings"
	"time"
)

// IsUniqueViolation reports whether err came from a uniqueness constraint,
// e.g. a second registration racing for the one-active-device slot.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

const deviceTrustColumns = `id, tenant_id, person_id, person_type, device_name, device_fingerprint,
	device_info, claimed_phone, verified_phone, code_hash, code_expires_at,
	trust_token_hash, trust_token_expires_at, status, revoked_by, revoked_reason,
	revoked_at, verified_at, last_active_at, scan_count, created_at, updated_at`

func scanDeviceTrust(row interface{ Scan(...interface{}) error }) (*DeviceTrust, error) {
	var d DeviceTrust
	err := row.Scan(&d.ID, &d.TenantID, &d.PersonID, &d.PersonType, &d.DeviceName, &d.DeviceFingerprint,
		&d.DeviceInfo, &d.ClaimedPhone, &d.VerifiedPhone, &d.CodeHash, &d.CodeExpiresAt,
		&d.TrustTokenHash, &d.TrustTokenExpiresAt, &d.Status, &d.RevokedBy, &d.RevokedReason,
		&d.RevokedAt, &d.VerifiedAt, &d.LastActiveAt, &d.ScanCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func CreateDeviceTrust(db *sql.DB, device *DeviceTrust) error {
	query := `
		INSERT INTO device_trusts (id, tenant_id, person_id, person_type, device_name, device_fingerprint,
			device_info, claimed_phone, verified_phone, code_hash, code_expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, device.ID, device.TenantID, device.PersonID, device.PersonType,
		device.DeviceName, device.DeviceFingerprint, device.DeviceInfo, device.ClaimedPhone,
		device.VerifiedPhone, device.CodeHash, device.CodeExpiresAt, device.Status,
		device.CreatedAt, device.UpdatedAt)
	return err
}

func GetDeviceTrustByID(db *sql.DB, deviceID string) (*DeviceTrust, error) {
	query := `SELECT ` + deviceTrustColumns + ` FROM device_trusts WHERE id = ?`
	return scanDeviceTrust(db.QueryRow(query, deviceID))
}

func GetActiveDeviceByPerson(db *sql.DB, tenantID, personID string) (*DeviceTrust, error) {
	query := `SELECT ` + deviceTrustColumns + ` FROM device_trusts
		WHERE tenant_id = ? AND person_id = ? AND status = 'active'`
	return scanDeviceTrust(db.QueryRow(query, tenantID, personID))
}

func GetDeviceForVerification(db *sql.DB, tenantID, personID, verificationID string) (*DeviceTrust, error) {
	query := `SELECT ` + deviceTrustColumns + ` FROM device_trusts
		WHERE tenant_id = ? AND person_id = ? AND id = ?`
	return scanDeviceTrust(db.QueryRow(query, tenantID, personID, verificationID))
}

// GetPendingDevicesByPhone returns unexpired pending registrations for an
// inbound SMS sender. The caller compares code hashes in constant time.
func GetPendingDevicesByPhone(db *sql.DB, phone string, now time.Time) ([]*DeviceTrust, error) {
	query := `SELECT ` + deviceTrustColumns + ` FROM device_trusts
		WHERE claimed_phone = ? AND status = 'pending_sms_verification' AND code_expires_at > ?
		ORDER BY created_at DESC`
	rows, err := db.Query(query, phone, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*DeviceTrust
	for rows.Next() {
		device, err := scanDeviceTrust(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func ActivateDevice(db *sql.DB, deviceID, verifiedPhone, trustTokenHash string, trustTokenExpiry, verifiedAt time.Time) error {
	query := `UPDATE device_trusts
		SET status = 'active', verified_phone = ?, trust_token_hash = ?, trust_token_expires_at = ?,
			verified_at = ?, code_hash = '', code_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending_sms_verification'`
	_, err := db.Exec(query, verifiedPhone, trustTokenHash, trustTokenExpiry, verifiedAt, verifiedAt, deviceID)
	return err
}

func UpdateDeviceStatus(db *sql.DB, deviceID, status string) error {
	query := `UPDATE device_trusts SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.Exec(query, status, time.Now(), deviceID)
	return err
}

func RevokeDevice(db *sql.DB, deviceID, revokedBy, reason string, revokedAt time.Time) error {
	query := `UPDATE device_trusts
		SET status = 'revoked', revoked_by = ?, revoked_reason = ?, revoked_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('active', 'pending_sms_verification', 'suspended')`
	_, err := db.Exec(query, revokedBy, reason, revokedAt, revokedAt, deviceID)
	return err
}

func TouchDeviceActivity(db *sql.DB, deviceID string, scanned bool) error {
	query := `UPDATE device_trusts SET last_active_at = ?, updated_at = ? WHERE id = ?`
	if scanned {
		query = `UPDATE device_trusts SET last_active_at = ?, updated_at = ?, scan_count = scan_count + 1 WHERE id = ?`
	}
	now := time.Now()
	_, err := db.Exec(query, now, now, deviceID)
	return err
}

// ExpireDevices marks active devices whose trust token expiry has elapsed.
func ExpireDevices(db *sql.DB, now time.Time) (int64, error) {
	query := `UPDATE device_trusts SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND trust_token_expires_at IS NOT NULL AND trust_token_expires_at < ?`
	result, err := db.Exec(query, now, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpirePendingRegistrations drops pending rows whose SMS code lapsed.
func ExpirePendingRegistrations(db *sql.DB, now time.Time) (int64, error) {
	query := `UPDATE device_trusts SET status = 'expired', updated_at = ?
		WHERE status = 'pending_sms_verification' AND code_expires_at IS NOT NULL AND code_expires_at < ?`
	result, err := db.Exec(query, now, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func CreateTransferRequest(db *sql.DB, req *DeviceTransferRequest) error {
	query := `
		INSERT INTO device_transfer_requests (id, tenant_id, person_id, old_device_id, code_hash, code_expires_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, req.ID, req.TenantID, req.PersonID, req.OldDeviceID,
		req.CodeHash, req.CodeExpiresAt, req.Status, req.CreatedAt)
	return err
}

func GetPendingTransferByPerson(db *sql.DB, tenantID, personID string) (*DeviceTransferRequest, error) {
	query := `SELECT id, tenant_id, person_id, old_device_id, new_device_id, code_hash, code_expires_at, status, completed_at, created_at
		FROM device_transfer_requests
		WHERE tenant_id = ? AND person_id = ? AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`
	row := db.QueryRow(query, tenantID, personID)

	var req DeviceTransferRequest
	err := row.Scan(&req.ID, &req.TenantID, &req.PersonID, &req.OldDeviceID, &req.NewDeviceID,
		&req.CodeHash, &req.CodeExpiresAt, &req.Status, &req.CompletedAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// CompleteTransfer atomically marks the old device transferred, records the
// transfer completion and inserts the replacement pending registration.
func CompleteTransfer(db *sql.DB, transferID, oldDeviceID string, newDevice *DeviceTrust) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()

	_, err = tx.Exec(`UPDATE device_trusts SET status = 'transferred', updated_at = ? WHERE id = ? AND status = 'active'`,
		now, oldDeviceID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE device_transfer_requests SET status = 'completed', new_device_id = ?, completed_at = ? WHERE id = ?`,
		newDevice.ID, now, transferID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO device_trusts (id, tenant_id, person_id, person_type, device_name, device_fingerprint,
			device_info, claimed_phone, verified_phone, code_hash, code_expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newDevice.ID, newDevice.TenantID, newDevice.PersonID, newDevice.PersonType,
		newDevice.DeviceName, newDevice.DeviceFingerprint, newDevice.DeviceInfo, newDevice.ClaimedPhone,
		newDevice.VerifiedPhone, newDevice.CodeHash, newDevice.CodeExpiresAt, newDevice.Status,
		newDevice.CreatedAt, newDevice.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func ExpireTransferRequests(db *sql.DB, now time.Time) (int64, error) {
	query := `UPDATE device_transfer_requests SET status = 'expired'
		WHERE status = 'pending' AND code_expires_at < ?`
	result, err := db.Exec(query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func CreateDeviceResetLog(db *sql.DB, entry *DeviceResetLog) error {
	query := `
		INSERT INTO device_reset_logs (id, tenant_id, person_id, device_id, admin_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, entry.ID, entry.TenantID, entry.PersonID, entry.DeviceID,
		entry.AdminID, entry.Reason, entry.CreatedAt)
	return err
}

func GetFlaggedUsers(db *sql.DB, tenantID string, threshold int, since time.Time) ([]*FlaggedUser, error) {
	query := `SELECT person_id, COUNT(*) as reset_count, MAX(created_at) as last_reset_at
		FROM device_reset_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY person_id
		HAVING COUNT(*) >= ?
		ORDER BY reset_count DESC`
	rows, err := db.Query(query, tenantID, since, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flagged []*FlaggedUser
	for rows.Next() {
		var f FlaggedUser
		if err := rows.Scan(&f.PersonID, &f.ResetCount, &f.LastResetAt); err != nil {
			return nil, err
		}
		flagged = append(flagged, &f)
	}
	return flagged, rows.Err()
}

const actionPointColumns = `id, tenant_id, name, location_code, action_type, mode, latitude, longitude,
	radius_m, rotation_interval_sec, secret, duplicate_window_min, security_level,
	active_hours_start, active_hours_end, active_days, is_active, created_at, updated_at`

func scanActionPoint(row interface{ Scan(...interface{}) error }) (*ActionPoint, error) {
	var ap ActionPoint
	err := row.Scan(&ap.ID, &ap.TenantID, &ap.Name, &ap.LocationCode, &ap.ActionType, &ap.Mode,
		&ap.Latitude, &ap.Longitude, &ap.RadiusM, &ap.RotationIntervalSec, &ap.Secret,
		&ap.DuplicateWindowMin, &ap.SecurityLevel, &ap.ActiveHoursStart, &ap.ActiveHoursEnd,
		&ap.ActiveDays, &ap.IsActive, &ap.CreatedAt, &ap.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ap, nil
}

func CreateActionPoint(db *sql.DB, ap *ActionPoint) error {
	query := `
		INSERT INTO action_points (id, tenant_id, name, location_code, action_type, mode, latitude, longitude,
			radius_m, rotation_interval_sec, secret, duplicate_window_min, security_level,
			active_hours_start, active_hours_end, active_days, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, ap.ID, ap.TenantID, ap.Name, ap.LocationCode, ap.ActionType, ap.Mode,
		ap.Latitude, ap.Longitude, ap.RadiusM, ap.RotationIntervalSec, ap.Secret,
		ap.DuplicateWindowMin, ap.SecurityLevel, ap.ActiveHoursStart, ap.ActiveHoursEnd,
		ap.ActiveDays, ap.IsActive, ap.CreatedAt, ap.UpdatedAt)
	return err
}

func GetActionPointByID(db *sql.DB, tenantID, actionPointID string) (*ActionPoint, error) {
	query := `SELECT ` + actionPointColumns + ` FROM action_points WHERE tenant_id = ? AND id = ?`
	return scanActionPoint(db.QueryRow(query, tenantID, actionPointID))
}

func GetActionPointByLocationCode(db *sql.DB, tenantID, locationCode string) (*ActionPoint, error) {
	query := `SELECT ` + actionPointColumns + ` FROM action_points WHERE tenant_id = ? AND location_code = ?`
	return scanActionPoint(db.QueryRow(query, tenantID, locationCode))
}

func ListActionPoints(db *sql.DB, tenantID string) ([]*ActionPoint, error) {
	query := `SELECT ` + actionPointColumns + ` FROM action_points WHERE tenant_id = ? ORDER BY created_at DESC`
	rows, err := db.Query(query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []*ActionPoint
	for rows.Next() {
		ap, err := scanActionPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, ap)
	}
	return points, rows.Err()
}

func UpdateActionPoint(db *sql.DB, ap *ActionPoint) error {
	query := `UPDATE action_points SET name = ?, action_type = ?, mode = ?, latitude = ?, longitude = ?,
		radius_m = ?, rotation_interval_sec = ?, duplicate_window_min = ?, security_level = ?,
		active_hours_start = ?, active_hours_end = ?, active_days = ?, is_active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`
	_, err := db.Exec(query, ap.Name, ap.ActionType, ap.Mode, ap.Latitude, ap.Longitude,
		ap.RadiusM, ap.RotationIntervalSec, ap.DuplicateWindowMin, ap.SecurityLevel,
		ap.ActiveHoursStart, ap.ActiveHoursEnd, ap.ActiveDays, ap.IsActive, time.Now(),
		ap.TenantID, ap.ID)
	return err
}

func DeleteActionPoint(db *sql.DB, tenantID, actionPointID string) error {
	query := `DELETE FROM action_points WHERE tenant_id = ? AND id = ?`
	_, err := db.Exec(query, tenantID, actionPointID)
	return err
}

func ListActiveActionTypes(db *sql.DB) ([]string, error) {
	query := `SELECT DISTINCT action_type FROM action_points WHERE is_active = 1`
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actionTypes []string
	for rows.Next() {
		var actionType string
		if err := rows.Scan(&actionType); err != nil {
			return nil, err
		}
		actionTypes = append(actionTypes, actionType)
	}
	return actionTypes, rows.Err()
}

const scanLogColumns = `id, tenant_id, person_id, device_id, action_type, action_point_id, mode,
	latitude, longitude, geo_passed, device_authenticated, validation_result,
	rejection_reason, handler_result, selected_entity_id, created_at`

func scanScanLog(row interface{ Scan(...interface{}) error }) (*ScanLog, error) {
	var s ScanLog
	err := row.Scan(&s.ID, &s.TenantID, &s.PersonID, &s.DeviceID, &s.ActionType, &s.ActionPointID,
		&s.Mode, &s.Latitude, &s.Longitude, &s.GeoPassed, &s.DeviceAuthenticated,
		&s.ValidationResult, &s.RejectionReason, &s.HandlerResult, &s.SelectedEntityID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func CreateScanLog(db *sql.DB, entry *ScanLog) error {
	query := `
		INSERT INTO scan_logs (id, tenant_id, person_id, device_id, action_type, action_point_id, mode,
			latitude, longitude, geo_passed, device_authenticated, validation_result,
			rejection_reason, handler_result, selected_entity_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, entry.ID, entry.TenantID, entry.PersonID, entry.DeviceID,
		entry.ActionType, entry.ActionPointID, entry.Mode, entry.Latitude, entry.Longitude,
		entry.GeoPassed, entry.DeviceAuthenticated, entry.ValidationResult,
		entry.RejectionReason, entry.HandlerResult, entry.SelectedEntityID, entry.CreatedAt)
	return err
}

func GetScanLogByID(db *sql.DB, tenantID, scanLogID string) (*ScanLog, error) {
	query := `SELECT ` + scanLogColumns + ` FROM scan_logs WHERE tenant_id = ? AND id = ?`
	return scanScanLog(db.QueryRow(query, tenantID, scanLogID))
}

// HasRecentSuccessfulScan drives the duplicate-window check: only successful
// scans of the same person and action type count.
func HasRecentSuccessfulScan(db *sql.DB, tenantID, personID, actionType string, since time.Time) (bool, error) {
	query := `SELECT COUNT(1) FROM scan_logs
		WHERE tenant_id = ? AND person_id = ? AND action_type = ?
		AND validation_result = 'success' AND created_at > ?`
	var count int
	err := db.QueryRow(query, tenantID, personID, actionType, since).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func ListScanLogsByPerson(db *sql.DB, tenantID, personID string, limit, offset int) ([]*ScanLog, error) {
	query := `SELECT ` + scanLogColumns + ` FROM scan_logs
		WHERE tenant_id = ? AND person_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := db.Query(query, tenantID, personID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ScanLog
	for rows.Next() {
		entry, err := scanScanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// SetScanSelectedEntity is the single permitted follow-up mutation of a scan
// log row: attaching the entity chosen in a multi-step flow. It only applies
// to successful rows that have no selection yet.
func SetScanSelectedEntity(db *sql.DB, tenantID, scanLogID, entityID string) (bool, error) {
	query := `UPDATE scan_logs SET selected_entity_id = ?
		WHERE tenant_id = ? AND id = ? AND validation_result = 'success' AND selected_entity_id = ''`
	result, err := db.Exec(query, entityID, tenantID, scanLogID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
