package storage

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, RunMigrations(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func pendingDevice(id, personID string) *DeviceTrust {
	now := time.Now()
	expiry := now.Add(10 * time.Minute)
	return &DeviceTrust{
		ID:                id,
		TenantID:          "tenant-1",
		PersonID:          personID,
		PersonType:        "student",
		DeviceName:        "Pixel 8",
		DeviceFingerprint: "fp-" + id,
		DeviceInfo:        "{}",
		ClaimedPhone:      "+919876543210",
		CodeHash:          "codehash-" + id,
		CodeExpiresAt:     &expiry,
		Status:            DeviceStatusPendingSMS,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func activateTestDevice(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	require.NoError(t, ActivateDevice(db, id, "+919876543210", "tokenhash-"+id,
		time.Now().Add(24*time.Hour), time.Now()))
}

func TestOneActiveDevicePerPerson(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-1", "person-1")))
	activateTestDevice(t, db, "dev-1")

	// A second pending registration can coexist, activating it cannot.
	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-2", "person-1")))
	err := ActivateDevice(db, "dev-2", "+919876543210", "tokenhash-dev-2",
		time.Now().Add(24*time.Hour), time.Now())
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// A different person is unaffected.
	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-3", "person-2")))
	activateTestDevice(t, db, "dev-3")
}

func TestActivateOnlyTouchesPending(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-1", "person-1")))
	activateTestDevice(t, db, "dev-1")
	require.NoError(t, RevokeDevice(db, "dev-1", "person-1", "lost", time.Now()))

	// Re-activating a revoked row is a no-op, not a resurrection.
	_ = ActivateDevice(db, "dev-1", "+919876543210", "tokenhash-new",
		time.Now().Add(24*time.Hour), time.Now())
	device, err := GetDeviceTrustByID(db, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusRevoked, device.Status)
}

func TestGetActiveDeviceByPerson(t *testing.T) {
	db := openTestDB(t)

	_, err := GetActiveDeviceByPerson(db, "tenant-1", "person-1")
	assert.Equal(t, sql.ErrNoRows, err)

	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-1", "person-1")))
	_, err = GetActiveDeviceByPerson(db, "tenant-1", "person-1")
	assert.Equal(t, sql.ErrNoRows, err)

	activateTestDevice(t, db, "dev-1")
	device, err := GetActiveDeviceByPerson(db, "tenant-1", "person-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.ID)
	assert.Equal(t, "+919876543210", device.VerifiedPhone)
}

func TestGetPendingDevicesByPhoneSkipsExpired(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	fresh := pendingDevice("dev-1", "person-1")
	require.NoError(t, CreateDeviceTrust(db, fresh))

	stale := pendingDevice("dev-2", "person-2")
	past := now.Add(-time.Minute)
	stale.CodeExpiresAt = &past
	require.NoError(t, CreateDeviceTrust(db, stale))

	pending, err := GetPendingDevicesByPhone(db, "+919876543210", now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "dev-1", pending[0].ID)
}

func TestExpirySweepQueries(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	// A pending registration whose code lapsed.
	stale := pendingDevice("dev-1", "person-1")
	past := now.Add(-time.Hour)
	stale.CodeExpiresAt = &past
	require.NoError(t, CreateDeviceTrust(db, stale))

	// An active device whose trust token lapsed.
	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-2", "person-2")))
	require.NoError(t, ActivateDevice(db, "dev-2", "+919876543210", "tokenhash",
		now.Add(-time.Minute), now.Add(-180*24*time.Hour)))

	n, err := ExpirePendingRegistrations(db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ExpireDevices(db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, id := range []string{"dev-1", "dev-2"} {
		device, err := GetDeviceTrustByID(db, id)
		require.NoError(t, err)
		assert.Equal(t, DeviceStatusExpired, device.Status, id)
	}

	// Sweeps are idempotent.
	n, err = ExpirePendingRegistrations(db, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompleteTransferSwapsDevices(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-old", "person-1")))
	activateTestDevice(t, db, "dev-old")

	transfer := &DeviceTransferRequest{
		ID:            "transfer-1",
		TenantID:      "tenant-1",
		PersonID:      "person-1",
		OldDeviceID:   "dev-old",
		CodeHash:      "transfercode",
		CodeExpiresAt: now.Add(15 * time.Minute),
		Status:        TransferStatusPending,
		CreatedAt:     now,
	}
	require.NoError(t, CreateTransferRequest(db, transfer))

	loaded, err := GetPendingTransferByPerson(db, "tenant-1", "person-1")
	require.NoError(t, err)
	assert.Equal(t, "transfer-1", loaded.ID)

	require.NoError(t, CompleteTransfer(db, "transfer-1", "dev-old", pendingDevice("dev-new", "person-1")))

	old, err := GetDeviceTrustByID(db, "dev-old")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusTransferred, old.Status)

	replacement, err := GetDeviceTrustByID(db, "dev-new")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusPendingSMS, replacement.Status)

	_, err = GetPendingTransferByPerson(db, "tenant-1", "person-1")
	assert.Equal(t, sql.ErrNoRows, err)

	// The old device is no longer active, so the new one can take the slot.
	activateTestDevice(t, db, "dev-new")
}

func TestFlaggedUsersThreshold(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	for i, personID := range []string{"person-1", "person-1", "person-1", "person-2"} {
		require.NoError(t, CreateDeviceResetLog(db, &DeviceResetLog{
			ID:        fmt.Sprintf("reset-%d", i),
			TenantID:  "tenant-1",
			PersonID:  personID,
			DeviceID:  "dev-x",
			AdminID:   "admin-1",
			Reason:    "lost phone",
			CreatedAt: now,
		}))
	}

	flagged, err := GetFlaggedUsers(db, "tenant-1", 3, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "person-1", flagged[0].PersonID)
	assert.Equal(t, 3, flagged[0].ResetCount)
}

func testScanLog(id, personID, result string) *ScanLog {
	return &ScanLog{
		ID:               id,
		TenantID:         "tenant-1",
		PersonID:         personID,
		DeviceID:         "dev-1",
		ActionType:       "attendance_check",
		ActionPointID:    "ap-1",
		Mode:             "B",
		ValidationResult: result,
		CreatedAt:        time.Now(),
	}
}

func TestHasRecentSuccessfulScan(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, CreateScanLog(db, testScanLog("scan-1", "person-1", "duplicate_scan")))
	dup, err := HasRecentSuccessfulScan(db, "tenant-1", "person-1", "attendance_check", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, dup, "only successful scans count")

	require.NoError(t, CreateScanLog(db, testScanLog("scan-2", "person-1", "success")))
	dup, err = HasRecentSuccessfulScan(db, "tenant-1", "person-1", "attendance_check", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, dup)

	// Other action types and people are unaffected.
	dup, err = HasRecentSuccessfulScan(db, "tenant-1", "person-1", "gate_entry", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = HasRecentSuccessfulScan(db, "tenant-1", "person-2", "attendance_check", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSetScanSelectedEntityWriteOnce(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, CreateScanLog(db, testScanLog("scan-1", "person-1", "success")))
	require.NoError(t, CreateScanLog(db, testScanLog("scan-2", "person-1", "geo_violation")))

	applied, err := SetScanSelectedEntity(db, "tenant-1", "scan-1", "course-cs101")
	require.NoError(t, err)
	assert.True(t, applied)

	// Second write is refused, the first value stays.
	applied, err = SetScanSelectedEntity(db, "tenant-1", "scan-1", "course-cs102")
	require.NoError(t, err)
	assert.False(t, applied)
	entry, err := GetScanLogByID(db, "tenant-1", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, "course-cs101", entry.SelectedEntityID)

	// Rejected scans never take an entity.
	applied, err = SetScanSelectedEntity(db, "tenant-1", "scan-2", "course-cs101")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestTouchDeviceActivity(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, CreateDeviceTrust(db, pendingDevice("dev-1", "person-1")))
	activateTestDevice(t, db, "dev-1")

	require.NoError(t, TouchDeviceActivity(db, "dev-1", false))
	device, err := GetDeviceTrustByID(db, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 0, device.ScanCount)
	assert.NotNil(t, device.LastActiveAt)

	require.NoError(t, TouchDeviceActivity(db, "dev-1", true))
	require.NoError(t, TouchDeviceActivity(db, "dev-1", true))
	device, err = GetDeviceTrustByID(db, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, device.ScanCount)
}
