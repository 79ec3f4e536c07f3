package storage

import (
	"time"
)

const (
	DeviceStatusPendingSMS  = "pending_sms_verification"
	DeviceStatusActive      = "active"
	DeviceStatusRevoked     = "revoked"
	DeviceStatusTransferred = "transferred"
	DeviceStatusExpired     = "expired"
	DeviceStatusSuspended   = "suspended"
)

const (
	TransferStatusPending   = "pending"
	TransferStatusCompleted = "completed"
	TransferStatusExpired   = "expired"
)

type DeviceTrust struct {
	ID                  string     `json:"id" db:"id"`
	TenantID            string     `json:"tenant_id" db:"tenant_id"`
	PersonID            string     `json:"person_id" db:"person_id"`
	PersonType          string     `json:"person_type" db:"person_type"`
	DeviceName          string     `json:"device_name" db:"device_name"`
	DeviceFingerprint   string     `json:"device_fingerprint" db:"device_fingerprint"`
	DeviceInfo          string     `json:"-" db:"device_info"`
	ClaimedPhone        string     `json:"claimed_phone" db:"claimed_phone"`
	VerifiedPhone       string     `json:"verified_phone" db:"verified_phone"`
	CodeHash            string     `json:"-" db:"code_hash"`
	CodeExpiresAt       *time.Time `json:"-" db:"code_expires_at"`
	TrustTokenHash      string     `json:"-" db:"trust_token_hash"`
	TrustTokenExpiresAt *time.Time `json:"trust_token_expires_at" db:"trust_token_expires_at"`
	Status              string     `json:"status" db:"status"`
	RevokedBy           string     `json:"-" db:"revoked_by"`
	RevokedReason       string     `json:"-" db:"revoked_reason"`
	RevokedAt           *time.Time `json:"revoked_at" db:"revoked_at"`
	VerifiedAt          *time.Time `json:"verified_at" db:"verified_at"`
	LastActiveAt        *time.Time `json:"last_active_at" db:"last_active_at"`
	ScanCount           int        `json:"scan_count" db:"scan_count"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

type DeviceTransferRequest struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	PersonID      string     `json:"person_id" db:"person_id"`
	OldDeviceID   string     `json:"old_device_id" db:"old_device_id"`
	NewDeviceID   string     `json:"new_device_id" db:"new_device_id"`
	CodeHash      string     `json:"-" db:"code_hash"`
	CodeExpiresAt time.Time  `json:"code_expires_at" db:"code_expires_at"`
	Status        string     `json:"status" db:"status"`
	CompletedAt   *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// DeviceResetLog rows are append-only; never updated or deleted.
type DeviceResetLog struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	PersonID  string    `json:"person_id" db:"person_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	AdminID   string    `json:"admin_id" db:"admin_id"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ActionPoint struct {
	ID                  string    `json:"id" db:"id"`
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	Name                string    `json:"name" db:"name"`
	LocationCode        string    `json:"location_code" db:"location_code"`
	ActionType          string    `json:"action_type" db:"action_type"`
	Mode                string    `json:"mode" db:"mode"`
	Latitude            *float64  `json:"latitude" db:"latitude"`
	Longitude           *float64  `json:"longitude" db:"longitude"`
	RadiusM             float64   `json:"radius_m" db:"radius_m"`
	RotationIntervalSec int       `json:"rotation_interval_sec" db:"rotation_interval_sec"`
	Secret              string    `json:"-" db:"secret"`
	DuplicateWindowMin  int       `json:"duplicate_window_min" db:"duplicate_window_min"`
	SecurityLevel       string    `json:"security_level" db:"security_level"`
	ActiveHoursStart    string    `json:"active_hours_start" db:"active_hours_start"`
	ActiveHoursEnd      string    `json:"active_hours_end" db:"active_hours_end"`
	ActiveDays          string    `json:"active_days" db:"active_days"`
	IsActive            bool      `json:"is_active" db:"is_active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// ScanLog rows are immutable once written; the only permitted follow-up is
// attaching a selected entity id for multi-step flows.
type ScanLog struct {
	ID                  string    `json:"id" db:"id"`
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	PersonID            string    `json:"person_id" db:"person_id"`
	DeviceID            string    `json:"device_id" db:"device_id"`
	ActionType          string    `json:"action_type" db:"action_type"`
	ActionPointID       string    `json:"action_point_id" db:"action_point_id"`
	Mode                string    `json:"mode" db:"mode"`
	Latitude            *float64  `json:"latitude" db:"latitude"`
	Longitude           *float64  `json:"longitude" db:"longitude"`
	GeoPassed           bool      `json:"geo_passed" db:"geo_passed"`
	DeviceAuthenticated bool      `json:"device_authenticated" db:"device_authenticated"`
	ValidationResult    string    `json:"validation_result" db:"validation_result"`
	RejectionReason     string    `json:"rejection_reason" db:"rejection_reason"`
	HandlerResult       string    `json:"handler_result" db:"handler_result"`
	SelectedEntityID    string    `json:"selected_entity_id" db:"selected_entity_id"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

type FlaggedUser struct {
	PersonID    string    `json:"person_id" db:"person_id"`
	ResetCount  int       `json:"reset_count" db:"reset_count"`
	LastResetAt time.Time `json:"last_reset_at" db:"last_reset_at"`
}
