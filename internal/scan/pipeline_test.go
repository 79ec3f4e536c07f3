package scan

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acolyte-presence/internal/actionpoints"
	"acolyte-presence/internal/crypto"
	"acolyte-presence/internal/events"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

type pipelineFixture struct {
	db        *sql.DB
	codec     *tokens.Codec
	directory *actionpoints.Directory
	handlers  *HandlerRegistry
	pipeline  *Pipeline
	config    *utils.Config
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, storage.RunMigrations(db))
	t.Cleanup(func() { db.Close() })

	config := &utils.Config{
		Tokens: utils.TokensConfig{
			Issuer:               "acolyte-presence",
			IdentityTokenTTL:     90 * time.Second,
			TrustTokenTTL:        180 * 24 * time.Hour,
			FingerprintPrefixLen: 12,
		},
		Scan: utils.ScanConfig{HistoryPageSize: 50},
	}
	logger := utils.NewLogger("error", "text", "stderr")
	codec := tokens.NewCodec([]byte("0123456789abcdef0123456789abcdef"), config.Tokens.Issuer,
		config.Tokens.IdentityTokenTTL, config.Tokens.TrustTokenTTL, config.Tokens.FingerprintPrefixLen)
	directory := actionpoints.NewDirectory(db, logger)
	handlers := NewHandlerRegistry(logger)
	publisher := events.NewPublisher(config, logger)

	return &pipelineFixture{
		db:        db,
		codec:     codec,
		directory: directory,
		handlers:  handlers,
		pipeline:  NewPipeline(db, logger, config, codec, handlers, publisher),
		config:    config,
	}
}

func (f *pipelineFixture) activeDevice(t *testing.T, personID string) *storage.DeviceTrust {
	t.Helper()
	now := time.Now()
	device := &storage.DeviceTrust{
		ID:                crypto.GenerateID(),
		TenantID:          "tenant-1",
		PersonID:          personID,
		PersonType:        "student",
		DeviceName:        "Pixel 8",
		DeviceFingerprint: crypto.DeviceFingerprint(map[string]string{"model": "Pixel 8", "serial": personID}),
		DeviceInfo:        "{}",
		ClaimedPhone:      "+919876543210",
		Status:            storage.DeviceStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, storage.CreateDeviceTrust(f.db, device))
	return device
}

func (f *pipelineFixture) locationPoint(t *testing.T, actionType string, mutate func(*actionpoints.CreateRequest)) *storage.ActionPoint {
	t.Helper()
	req := &actionpoints.CreateRequest{
		TenantID:     "tenant-1",
		Name:         "Main library entrance",
		LocationCode: "LIB-" + actionType,
		ActionType:   actionType,
		Mode:         "B",
	}
	if mutate != nil {
		mutate(req)
	}
	ap, err := f.directory.Create(req)
	require.NoError(t, err)
	return ap
}

func (f *pipelineFixture) locationQR(ap *storage.ActionPoint) string {
	return tokens.BuildLocationURI(f.directory.CurrentPayload(ap, time.Now()))
}

func (f *pipelineFixture) registerEcho(actionType string) {
	f.handlers.Register(&HandlerFunc{Type: actionType, Fn: func(_ context.Context, ev *Event) (map[string]interface{}, error) {
		return map[string]interface{}{"person_id": ev.PersonID}, nil
	}})
}

func (f *pipelineFixture) scanLogCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM scan_logs`).Scan(&n))
	return n
}

func TestLocationScanSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, ap.ID, result.ActionPointID)
	assert.Equal(t, "person-1", result.HandlerResult["person_id"])

	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, entry.ValidationResult)
	assert.Equal(t, "B", entry.Mode)
	assert.True(t, entry.DeviceAuthenticated)
}

func TestLocationScanDuplicateWindow(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.DuplicateWindowMin = 30
	})
	device := f.activeDevice(t, "person-1")
	ctx := context.Background()

	first, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(ap)})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(ap)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateScan, second.Outcome)

	// Aging the first success past the window clears the suppression.
	_, err = f.db.Exec(`UPDATE scan_logs SET created_at = ? WHERE id = ?`,
		time.Now().Add(-time.Duration(ap.DuplicateWindowMin+1)*time.Minute), first.ScanLogID)
	require.NoError(t, err)

	third, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(ap)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, third.Outcome)
}

func TestLocationScanTamperedSignature(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")

	payload := f.directory.CurrentPayload(ap, time.Now())
	sig := []byte(payload.Signature)
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	payload.Signature = string(sig)

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  tokens.BuildLocationURI(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidQR, result.Outcome)
}

func TestLocationScanStaleRotation(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.RotationIntervalSec = 30
	})
	device := f.activeDevice(t, "person-1")

	// A payload signed two rotation windows ago no longer verifies.
	stale := f.directory.CurrentPayload(ap, time.Now().Add(-60*time.Second))
	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  tokens.BuildLocationURI(stale),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidQR, result.Outcome)

	// The previous window is still accepted.
	previous := f.directory.CurrentPayload(ap, time.Now().Add(-30*time.Second))
	result, err = f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  tokens.BuildLocationURI(previous),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

// A poster may carry only the location code; the point is resolved
// tenant-scoped, and a pre-selected entity id lands on the scan row.
func TestLocationScanByLocationCode(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("mess_entry")
	ap := f.locationPoint(t, "mess_entry", func(req *actionpoints.CreateRequest) {
		req.LocationCode = "MESS-NORTH"
	})
	device := f.activeDevice(t, "person-1")

	payload := f.directory.CurrentPayload(ap, time.Now())
	payload.ActionPointID = ""
	payload.TenantID = ""
	payload.EntityID = "meal-dinner"

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  tokens.BuildLocationURI(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, ap.ID, result.ActionPointID)

	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, "meal-dinner", entry.SelectedEntityID)
}

func TestLocationScanGarbagePayload(t *testing.T) {
	f := newPipelineFixture(t)
	device := f.activeDevice(t, "person-1")

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  "https://example.com/not-a-presence-qr",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidQR, result.Outcome)
	assert.Equal(t, 1, f.scanLogCount(t))
}

func TestLocationScanRevokedDevice(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")
	device.Status = storage.DeviceStatusRevoked

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevokedDevice, result.Outcome)
}

func TestLocationScanTenantMismatch(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")
	device.TenantID = "tenant-other"

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device,
		RawQR:  f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, result.Outcome)
}

func TestGeofenceEnforcement(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("gate_entry")
	f.registerEcho("lab_entry")
	lat, lon := 12.9716, 77.5946
	elevated := f.locationPoint(t, "lab_entry", func(req *actionpoints.CreateRequest) {
		req.Latitude = &lat
		req.Longitude = &lon
		req.RadiusM = 50
		req.SecurityLevel = "elevated"
	})
	standard := f.locationPoint(t, "gate_entry", func(req *actionpoints.CreateRequest) {
		req.Latitude = &lat
		req.Longitude = &lon
		req.RadiusM = 50
	})
	device := f.activeDevice(t, "person-1")
	ctx := context.Background()

	farLat, farLon := 12.9816, 77.5946 // roughly 1.1km north
	result, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{
		Device: device, RawQR: f.locationQR(elevated), Latitude: &farLat, Longitude: &farLon,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeGeoViolation, result.Outcome)

	nearLat, nearLon := 12.97162, 77.59461
	result, err = f.pipeline.ProcessLocationScan(ctx, &LocationScan{
		Device: device, RawQR: f.locationQR(elevated), Latitude: &nearLat, Longitude: &nearLon,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	// Standard points keep their coordinates for reporting only; the same
	// far-off scan goes through.
	result, err = f.pipeline.ProcessLocationScan(ctx, &LocationScan{
		Device: device, RawQR: f.locationQR(standard), Latitude: &farLat, Longitude: &farLon,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestGeofenceMissingCoordinates(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("gate_entry")
	f.registerEcho("mess_entry")
	f.registerEcho("lab_entry")
	lat, lon := 12.9716, 77.5946
	fenced := func(level string) func(*actionpoints.CreateRequest) {
		return func(req *actionpoints.CreateRequest) {
			req.Latitude = &lat
			req.Longitude = &lon
			req.RadiusM = 50
			req.SecurityLevel = level
		}
	}

	standard := f.locationPoint(t, "gate_entry", fenced(""))
	elevated := f.locationPoint(t, "mess_entry", fenced("elevated"))
	strict := f.locationPoint(t, "lab_entry", fenced("strict"))
	device := f.activeDevice(t, "person-1")
	ctx := context.Background()

	// Standard and elevated points let a coordinate-less scan through.
	result, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(standard)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	result, err = f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(elevated)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	// Strict points do not.
	result, err = f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(strict)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeGeoViolation, result.Outcome)
}

func TestOutsideActiveHours(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)

	// Shrink the window to one minute that is not now.
	notNow := time.Now().Add(2 * time.Hour)
	ap.ActiveHoursStart = notNow.Format("15:04")
	ap.ActiveHoursEnd = notNow.Format("15:04")
	require.NoError(t, f.directory.Update(ap))

	device := f.activeDevice(t, "person-1")
	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device, RawQR: f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, result.Outcome)
}

func TestNoHandlerRegistered(t *testing.T) {
	f := newPipelineFixture(t)
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device, RawQR: f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoHandler, result.Outcome)

	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoHandler, entry.ValidationResult)
}

func TestHandlerErrorDoesNotFailScan(t *testing.T) {
	f := newPipelineFixture(t)
	f.handlers.Register(&HandlerFunc{Type: "attendance_check", Fn: func(context.Context, *Event) (map[string]interface{}, error) {
		return nil, errors.New("downstream roster unavailable")
	}})
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device, RawQR: f.locationQR(ap),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "downstream roster unavailable", result.HandlerResult["error"])
}

func TestScannerScanSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.Mode = "A"
		req.LocationCode = "HALL-A1"
	})
	device := f.activeDevice(t, "person-1")

	token, err := f.codec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, device.DeviceFingerprint)
	require.NoError(t, err)

	result, err := f.pipeline.ProcessScannerScan(context.Background(), &ScannerScan{
		TenantID:      "tenant-1",
		ActionPointID: ap.ID,
		IdentityToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, "A", entry.Mode)
	assert.Equal(t, "person-1", entry.PersonID)
}

func TestScannerScanExpiredIdentityToken(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.Mode = "A"
		req.LocationCode = "HALL-A2"
	})
	device := f.activeDevice(t, "person-1")

	expiredCodec := tokens.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "acolyte-presence",
		-time.Minute, time.Hour, 12)
	token, err := expiredCodec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, device.DeviceFingerprint)
	require.NoError(t, err)

	result, err := f.pipeline.ProcessScannerScan(context.Background(), &ScannerScan{
		TenantID:      "tenant-1",
		ActionPointID: ap.ID,
		IdentityToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiredToken, result.Outcome)
}

func TestScannerScanFingerprintMismatch(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.Mode = "A"
		req.LocationCode = "HALL-A3"
	})
	device := f.activeDevice(t, "person-1")

	otherPrint := crypto.DeviceFingerprint(map[string]string{"model": "stolen", "serial": "Z9"})
	token, err := f.codec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, otherPrint)
	require.NoError(t, err)

	result, err := f.pipeline.ProcessScannerScan(context.Background(), &ScannerScan{
		TenantID:      "tenant-1",
		ActionPointID: ap.ID,
		IdentityToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceMismatch, result.Outcome)
}

func TestScannerScanUnknownActionPoint(t *testing.T) {
	f := newPipelineFixture(t)
	device := f.activeDevice(t, "person-1")

	token, err := f.codec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, device.DeviceFingerprint)
	require.NoError(t, err)

	result, err := f.pipeline.ProcessScannerScan(context.Background(), &ScannerScan{
		TenantID:      "tenant-1",
		ActionPointID: "no-such-point",
		IdentityToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidQR, result.Outcome)
	assert.Equal(t, 1, f.scanLogCount(t))

	// The rejection is logged without inventing a point id.
	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidQR, entry.ValidationResult)
	assert.Empty(t, entry.ActionPointID)
}

func TestScannerScanOnLocationPoint(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil) // Mode B
	device := f.activeDevice(t, "person-1")

	token, err := f.codec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, device.DeviceFingerprint)
	require.NoError(t, err)

	result, err := f.pipeline.ProcessScannerScan(context.Background(), &ScannerScan{
		TenantID:      "tenant-1",
		ActionPointID: ap.ID,
		IdentityToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, result.Outcome)
}

func TestConfirmEntity(t *testing.T) {
	f := newPipelineFixture(t)
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", nil)
	device := f.activeDevice(t, "person-1")

	result, err := f.pipeline.ProcessLocationScan(context.Background(), &LocationScan{
		Device: device, RawQR: f.locationQR(ap),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	require.NoError(t, f.pipeline.ConfirmEntity("tenant-1", "person-1", result.ScanLogID, "course-cs101"))

	entry, err := storage.GetScanLogByID(f.db, "tenant-1", result.ScanLogID)
	require.NoError(t, err)
	assert.Equal(t, "course-cs101", entry.SelectedEntityID)

	// Confirmation is write-once.
	err = f.pipeline.ConfirmEntity("tenant-1", "person-1", result.ScanLogID, "course-cs102")
	appErr, ok := utils.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "ALREADY_CONFIRMED", appErr.Code)

	// Only the scanning person may confirm.
	err = f.pipeline.ConfirmEntity("tenant-1", "person-2", result.ScanLogID, "course-cs103")
	assert.Error(t, err)
}

func TestHistoryPaging(t *testing.T) {
	f := newPipelineFixture(t)
	f.config.Scan.HistoryPageSize = 2
	f.registerEcho("attendance_check")
	ap := f.locationPoint(t, "attendance_check", func(req *actionpoints.CreateRequest) {
		req.DuplicateWindowMin = 1
	})
	device := f.activeDevice(t, "person-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.ProcessLocationScan(ctx, &LocationScan{Device: device, RawQR: f.locationQR(ap)})
		require.NoError(t, err)
	}

	page1, err := f.pipeline.History("tenant-1", "person-1", 1)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := f.pipeline.History("tenant-1", "person-1", 2)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestVerifyHandlerCoverage(t *testing.T) {
	f := newPipelineFixture(t)
	f.config.Scan.RequireHandlers = true
	f.locationPoint(t, "attendance_check", nil)
	f.locationPoint(t, "gate_entry", func(req *actionpoints.CreateRequest) {
		req.LocationCode = "GATE-1"
	})
	f.registerEcho("attendance_check")

	err := f.pipeline.VerifyHandlerCoverage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate_entry")

	f.registerEcho("gate_entry")
	assert.NoError(t, f.pipeline.VerifyHandlerCoverage())
}
