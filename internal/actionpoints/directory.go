// Package actionpoints manages the scannable locations of a campus: their
// geofences, QR material and activity windows.
package actionpoints

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"acolyte-presence/internal/crypto"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

type Directory struct {
	db     *sql.DB
	logger utils.Logger
}

func NewDirectory(db *sql.DB, logger utils.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

type CreateRequest struct {
	TenantID            string
	Name                string
	LocationCode        string
	ActionType          string
	Mode                string
	Latitude            *float64
	Longitude           *float64
	RadiusM             float64
	RotationIntervalSec int
	DuplicateWindowMin  int
	SecurityLevel       string
	ActiveHoursStart    string
	ActiveHoursEnd      string
	ActiveDays          string
}

func (d *Directory) Create(req *CreateRequest) (*storage.ActionPoint, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	secret, err := crypto.GenerateLocationSecret()
	if err != nil {
		return nil, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to generate location secret", 500)
	}

	now := time.Now()
	ap := &storage.ActionPoint{
		ID:                  crypto.GenerateID(),
		TenantID:            req.TenantID,
		Name:                utils.SanitizeUserInput(req.Name),
		LocationCode:        req.LocationCode,
		ActionType:          req.ActionType,
		Mode:                req.Mode,
		Latitude:            req.Latitude,
		Longitude:           req.Longitude,
		RadiusM:             req.RadiusM,
		RotationIntervalSec: req.RotationIntervalSec,
		Secret:              secret,
		DuplicateWindowMin:  req.DuplicateWindowMin,
		SecurityLevel:       req.SecurityLevel,
		ActiveHoursStart:    req.ActiveHoursStart,
		ActiveHoursEnd:      req.ActiveHoursEnd,
		ActiveDays:          req.ActiveDays,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	// Zero values are meaningful: rotation 0 is a static printed QR,
	// duplicate window 0 disables suppression.
	if req.Mode == "A" {
		ap.RotationIntervalSec = 0
	}
	if ap.RotationIntervalSec < 0 {
		ap.RotationIntervalSec = 0
	}
	if ap.DuplicateWindowMin < 0 {
		ap.DuplicateWindowMin = 0
	}
	if ap.SecurityLevel == "" {
		ap.SecurityLevel = "standard"
	}

	if err := storage.CreateActionPoint(d.db, ap); err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, utils.NewAppError("LOCATION_CODE_TAKEN", "Location code already in use", 409)
		}
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to create action point", 500)
	}

	d.logger.Info("Action point created",
		"tenant_id", ap.TenantID, "action_point_id", ap.ID,
		"location_code", ap.LocationCode, "action_type", ap.ActionType, "mode", ap.Mode)
	return ap, nil
}

func (d *Directory) Get(tenantID, actionPointID string) (*storage.ActionPoint, error) {
	ap, err := storage.GetActionPointByID(d.db, tenantID, actionPointID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load action point", 500)
	}
	return ap, nil
}

func (d *Directory) GetByLocationCode(tenantID, locationCode string) (*storage.ActionPoint, error) {
	ap, err := storage.GetActionPointByLocationCode(d.db, tenantID, locationCode)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load action point", 500)
	}
	return ap, nil
}

func (d *Directory) List(tenantID string) ([]*storage.ActionPoint, error) {
	points, err := storage.ListActionPoints(d.db, tenantID)
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to list action points", 500)
	}
	return points, nil
}

func (d *Directory) Update(ap *storage.ActionPoint) error {
	if !utils.IsValidActionType(ap.ActionType) {
		return utils.NewAppError("INVALID_ACTION_TYPE", "Action type must be lowercase snake_case", 400)
	}
	if err := storage.UpdateActionPoint(d.db, ap); err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to update action point", 500)
	}
	d.logger.Info("Action point updated", "tenant_id", ap.TenantID, "action_point_id", ap.ID)
	return nil
}

func (d *Directory) Delete(tenantID, actionPointID string) error {
	if err := storage.DeleteActionPoint(d.db, tenantID, actionPointID); err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to delete action point", 500)
	}
	d.logger.Info("Action point deleted", "tenant_id", tenantID, "action_point_id", actionPointID)
	return nil
}

// CurrentPayload produces the location QR content for a point right now.
// Mode A payloads are static; Mode B payloads change with the rotation
// window.
func (d *Directory) CurrentPayload(ap *storage.ActionPoint, at time.Time) *tokens.LocationPayload {
	bucket := tokens.RotationBucket(at, ap.RotationIntervalSec)
	sig := tokens.SignActionPoint(ap.Secret, ap.ID, ap.ActionType, ap.LocationCode, ap.TenantID, bucket)

	return &tokens.LocationPayload{
		ActionType:    ap.ActionType,
		ActionPointID: ap.ID,
		LocationCode:  ap.LocationCode,
		TenantID:      ap.TenantID,
		Signature:     sig,
		Rotation:      bucket,
	}
}

// RenderQR returns a PNG of the point's current payload.
func (d *Directory) RenderQR(ap *storage.ActionPoint, size int) ([]byte, error) {
	uri := tokens.BuildLocationURI(d.CurrentPayload(ap, time.Now()))
	png, err := tokens.RenderPNG(uri, size)
	if err != nil {
		return nil, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to render QR image", 500)
	}
	return png, nil
}

// WithinActiveWindow checks the point's configured days and hours. Empty
// fields mean always active.
func WithinActiveWindow(ap *storage.ActionPoint, at time.Time) bool {
	if ap.ActiveDays != "" {
		day := strings.ToLower(at.Weekday().String()[:3])
		found := false
		for _, d := range strings.Split(ap.ActiveDays, ",") {
			if strings.ToLower(strings.TrimSpace(d)) == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if ap.ActiveHoursStart == "" || ap.ActiveHoursEnd == "" {
		return true
	}

	start, okStart := parseClock(ap.ActiveHoursStart)
	end, okEnd := parseClock(ap.ActiveHoursEnd)
	if !okStart || !okEnd {
		return true
	}

	minute := at.Hour()*60 + at.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	// Window wraps midnight.
	return minute >= start || minute <= end
}

func parseClock(value string) (int, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func validateRequest(req *CreateRequest) error {
	if req.Name == "" {
		return utils.NewAppError("MISSING_NAME", "Action point name is required", 400)
	}
	if !utils.IsValidLocationCode(req.LocationCode) {
		return utils.NewAppError("INVALID_LOCATION_CODE", "Location code is not valid", 400)
	}
	if !utils.IsValidActionType(req.ActionType) {
		return utils.NewAppError("INVALID_ACTION_TYPE", "Action type must be lowercase snake_case", 400)
	}
	if !utils.IsValidScanMode(req.Mode) {
		return utils.NewAppError("INVALID_MODE", "Mode must be A or B", 400)
	}
	if req.SecurityLevel != "" && !utils.IsValidSecurityLevel(req.SecurityLevel) {
		return utils.NewAppError("INVALID_SECURITY_LEVEL", "Security level must be standard, elevated or strict", 400)
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return utils.NewAppError("INVALID_COORDINATES", "Latitude and longitude must be set together", 400)
	}
	if req.Latitude != nil {
		if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
			return utils.NewAppError("INVALID_COORDINATES",
				fmt.Sprintf("Coordinates out of range: %f,%f", *req.Latitude, *req.Longitude), 400)
		}
		if req.RadiusM <= 0 {
			return utils.NewAppError("INVALID_RADIUS", "Geofenced points need a positive radius", 400)
		}
	}
	return nil
}
