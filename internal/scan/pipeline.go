// Package scan validates presence claims end to end: QR payloads, device
// identity, geofencing, duplicate suppression and handler dispatch. Every
// attempt leaves a scan log row, rejected ones included.
package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"acolyte-presence/internal/actionpoints"
	"acolyte-presence/internal/crypto"
	"acolyte-presence/internal/events"
	"acolyte-presence/internal/geo"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

type Pipeline struct {
	db        *sql.DB
	logger    utils.Logger
	config    *utils.Config
	codec     *tokens.Codec
	handlers  *HandlerRegistry
	publisher *events.Publisher
}

func NewPipeline(db *sql.DB, logger utils.Logger, config *utils.Config, codec *tokens.Codec,
	handlers *HandlerRegistry, publisher *events.Publisher) *Pipeline {
	return &Pipeline{
		db:        db,
		logger:    logger,
		config:    config,
		codec:     codec,
		handlers:  handlers,
		publisher: publisher,
	}
}

type Result struct {
	ScanLogID     string                 `json:"scan_log_id"`
	Outcome       string                 `json:"outcome"`
	Reason        string                 `json:"reason,omitempty"`
	ActionType    string                 `json:"action_type"`
	ActionPointID string                 `json:"action_point_id"`
	HandlerResult map[string]interface{} `json:"handler_result,omitempty"`
}

// attempt accumulates what is known about a scan as validation proceeds, so
// the logged row reflects how far the attempt got.
type attempt struct {
	tenantID      string
	personID      string
	personType    string
	deviceID      string
	actionType    string
	actionPointID string
	locationCode  string
	entityID      string
	mode          string
	latitude      *float64
	longitude     *float64
	geoPassed     bool
	deviceOK      bool
}

// ScannerScan is Mode A: a fixed scanner reads the identity QR shown on a
// person's device.
type ScannerScan struct {
	TenantID      string
	ActionPointID string
	IdentityToken string
	Latitude      *float64
	Longitude     *float64
}

func (p *Pipeline) ProcessScannerScan(ctx context.Context, req *ScannerScan) (*Result, error) {
	at := &attempt{
		tenantID:  req.TenantID,
		mode:      "A",
		latitude:  req.Latitude,
		longitude: req.Longitude,
	}

	ap, err := storage.GetActionPointByID(p.db, req.TenantID, req.ActionPointID)
	if err == sql.ErrNoRows {
		return p.reject(at, OutcomeInvalidQR, "unknown action point"), nil
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load action point", 500)
	}

	at.actionType = ap.ActionType
	at.actionPointID = ap.ID
	at.locationCode = ap.LocationCode

	if !ap.IsActive || ap.Mode != "A" {
		return p.reject(at, OutcomeUnauthorized, "action point not accepting scanner reads"), nil
	}

	claims, err := p.codec.ValidateIdentityToken(req.IdentityToken)
	if err == tokens.ErrTokenExpired {
		return p.reject(at, OutcomeExpiredToken, "identity token expired"), nil
	}
	if err != nil {
		return p.reject(at, OutcomeInvalidQR, "identity token unreadable"), nil
	}

	at.personID = claims.PersonID
	if claims.TenantID != ap.TenantID {
		return p.reject(at, OutcomeUnauthorized, "token issued for another campus"), nil
	}

	device, err := storage.GetDeviceTrustByID(p.db, claims.DeviceID)
	if err == sql.ErrNoRows {
		return p.reject(at, OutcomeDeviceMismatch, "token references unknown device"), nil
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load device", 500)
	}

	at.deviceID = device.ID
	at.personType = device.PersonType

	if device.Status != storage.DeviceStatusActive {
		return p.reject(at, OutcomeRevokedDevice, fmt.Sprintf("device is %s", device.Status)), nil
	}
	if !strings.HasPrefix(device.DeviceFingerprint, claims.FingerprintPrefix) || device.PersonID != claims.PersonID {
		return p.reject(at, OutcomeDeviceMismatch, "token does not match bound device"), nil
	}
	at.deviceOK = true

	return p.finishValidated(ctx, at, ap)
}

// LocationScan is Mode B: an authenticated device submits the payload it
// read off a location QR.
type LocationScan struct {
	Device    *storage.DeviceTrust
	RawQR     string
	Latitude  *float64
	Longitude *float64
}

func (p *Pipeline) ProcessLocationScan(ctx context.Context, req *LocationScan) (*Result, error) {
	device := req.Device
	at := &attempt{
		tenantID:   device.TenantID,
		personID:   device.PersonID,
		personType: device.PersonType,
		deviceID:   device.ID,
		mode:       "B",
		latitude:   req.Latitude,
		longitude:  req.Longitude,
		deviceOK:   true,
	}

	payload, err := tokens.ParseLocationURI(req.RawQR)
	if err != nil {
		return p.reject(at, OutcomeInvalidQR, "qr payload unreadable"), nil
	}

	at.actionType = payload.ActionType
	at.actionPointID = payload.ActionPointID
	at.locationCode = payload.LocationCode
	at.entityID = payload.EntityID

	if payload.TenantID != "" && payload.TenantID != device.TenantID {
		return p.reject(at, OutcomeUnauthorized, "qr issued for another campus"), nil
	}

	// Posters carry the point id, the location code, or both.
	var ap *storage.ActionPoint
	if payload.ActionPointID != "" {
		ap, err = storage.GetActionPointByID(p.db, device.TenantID, payload.ActionPointID)
	} else {
		ap, err = storage.GetActionPointByLocationCode(p.db, device.TenantID, payload.LocationCode)
	}
	if err == sql.ErrNoRows {
		return p.reject(at, OutcomeInvalidQR, "qr references unknown action point"), nil
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load action point", 500)
	}

	at.actionPointID = ap.ID
	at.locationCode = ap.LocationCode

	if !ap.IsActive || ap.Mode != "B" {
		return p.reject(at, OutcomeUnauthorized, "action point not accepting location scans"), nil
	}
	if ap.ActionType != payload.ActionType ||
		(payload.LocationCode != "" && ap.LocationCode != payload.LocationCode) {
		return p.reject(at, OutcomeInvalidQR, "qr fields do not match action point"), nil
	}

	// Freshness rides on the rotation bucket: a stale or tampered payload
	// fails the signature check.
	if !tokens.VerifyActionPointSig(ap.Secret, ap.ID, ap.ActionType, ap.LocationCode, ap.TenantID,
		payload.Signature, payload.Rotation, time.Now(), ap.RotationIntervalSec) {
		return p.reject(at, OutcomeInvalidQR, "qr signature stale or tampered"), nil
	}

	if device.Status != storage.DeviceStatusActive {
		return p.reject(at, OutcomeRevokedDevice, fmt.Sprintf("device is %s", device.Status)), nil
	}

	return p.finishValidated(ctx, at, ap)
}

// finishValidated runs the checks shared by both modes once the device and
// QR material have been authenticated.
func (p *Pipeline) finishValidated(ctx context.Context, at *attempt, ap *storage.ActionPoint) (*Result, error) {
	now := time.Now()

	if !actionpoints.WithinActiveWindow(ap, now) {
		return p.reject(at, OutcomeUnauthorized, "outside active hours"), nil
	}

	// The geofence applies to elevated and strict points only; standard
	// points accept scans from anywhere.
	switch {
	case ap.SecurityLevel == "standard" || ap.Latitude == nil || ap.Longitude == nil:
		at.geoPassed = true
	case at.latitude == nil || at.longitude == nil:
		if ap.SecurityLevel == "strict" {
			return p.reject(at, OutcomeGeoViolation, "coordinates required at this point"), nil
		}
		at.geoPassed = true
	case !geo.WithinRadius(*ap.Latitude, *ap.Longitude, *at.latitude, *at.longitude, ap.RadiusM):
		return p.reject(at, OutcomeGeoViolation, "outside geofence"), nil
	default:
		at.geoPassed = true
	}

	window := time.Duration(ap.DuplicateWindowMin) * time.Minute
	if window > 0 {
		dup, err := storage.HasRecentSuccessfulScan(p.db, at.tenantID, at.personID, at.actionType, now.Add(-window))
		if err != nil {
			return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to check duplicate window", 500)
		}
		if dup {
			return p.reject(at, OutcomeDuplicateScan,
				fmt.Sprintf("already scanned within %d minutes", ap.DuplicateWindowMin)), nil
		}
	}

	handler, ok := p.handlers.Lookup(at.actionType)
	if !ok {
		result := p.record(at, OutcomeNoHandler, "no handler registered", "")
		p.logger.Warn("Scan validated but no handler registered",
			"action_type", at.actionType, "action_point_id", at.actionPointID)
		return result, nil
	}

	scanLogID := crypto.GenerateID()
	event := &Event{
		ScanLogID:     scanLogID,
		TenantID:      at.tenantID,
		PersonID:      at.personID,
		PersonType:    at.personType,
		DeviceID:      at.deviceID,
		ActionType:    at.actionType,
		ActionPointID: at.actionPointID,
		LocationCode:  at.locationCode,
		Latitude:      at.latitude,
		Longitude:     at.longitude,
		OccurredAt:    now,
	}

	handlerResult, handlerErr := handler.Handle(ctx, event)
	if handlerErr != nil {
		p.logger.Error("Handler failed for validated scan",
			"action_type", at.actionType, "scan_log_id", scanLogID, "error", handlerErr)
		handlerResult = map[string]interface{}{"error": handlerErr.Error()}
	}

	handlerJSON := ""
	if handlerResult != nil {
		if data, err := json.Marshal(handlerResult); err == nil {
			handlerJSON = string(data)
		}
	}

	result := p.recordWithID(scanLogID, at, OutcomeSuccess, "", handlerJSON)
	result.HandlerResult = handlerResult

	if err := storage.TouchDeviceActivity(p.db, at.deviceID, true); err != nil {
		p.logger.Warn("Failed to record device activity", "device_id", at.deviceID, "error", err)
	}
	go p.publisher.ScanSucceeded(scanLogID, at.tenantID, at.personID, at.actionType, at.actionPointID, at.mode)

	return result, nil
}

func (p *Pipeline) reject(at *attempt, outcome, reason string) *Result {
	p.logger.Info("Scan rejected",
		"outcome", outcome, "reason", reason, "tenant_id", at.tenantID,
		"person_id", at.personID, "action_point_id", at.actionPointID, "mode", at.mode)
	return p.record(at, outcome, reason, "")
}

func (p *Pipeline) record(at *attempt, outcome, reason, handlerJSON string) *Result {
	return p.recordWithID(crypto.GenerateID(), at, outcome, reason, handlerJSON)
}

func (p *Pipeline) recordWithID(id string, at *attempt, outcome, reason, handlerJSON string) *Result {
	entry := &storage.ScanLog{
		ID:                  id,
		TenantID:            at.tenantID,
		PersonID:            at.personID,
		DeviceID:            at.deviceID,
		ActionType:          at.actionType,
		ActionPointID:       at.actionPointID,
		Mode:                at.mode,
		Latitude:            at.latitude,
		Longitude:           at.longitude,
		GeoPassed:           at.geoPassed,
		DeviceAuthenticated: at.deviceOK,
		ValidationResult:    outcome,
		RejectionReason:     reason,
		HandlerResult:       handlerJSON,
		CreatedAt:           time.Now(),
	}
	if outcome == OutcomeSuccess {
		entry.SelectedEntityID = at.entityID
	}
	if err := storage.CreateScanLog(p.db, entry); err != nil {
		p.logger.Error("Failed to persist scan log", "outcome", outcome, "error", err)
	}

	return &Result{
		ScanLogID:     entry.ID,
		Outcome:       outcome,
		Reason:        reason,
		ActionType:    at.actionType,
		ActionPointID: at.actionPointID,
	}
}

// ConfirmEntity attaches the entity chosen in a follow-up step to a scan
// the same person completed.
func (p *Pipeline) ConfirmEntity(tenantID, personID, scanLogID, entityID string) error {
	entry, err := storage.GetScanLogByID(p.db, tenantID, scanLogID)
	if err == sql.ErrNoRows {
		return utils.ErrNotFound
	}
	if err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to load scan log", 500)
	}
	if entry.PersonID != personID {
		return utils.ErrForbidden
	}

	applied, err := storage.SetScanSelectedEntity(p.db, tenantID, scanLogID, entityID)
	if err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to confirm entity", 500)
	}
	if !applied {
		return utils.NewAppError("ALREADY_CONFIRMED", "Scan already has an entity or was not successful", 409)
	}
	return nil
}

// History pages through a person's own scan records.
func (p *Pipeline) History(tenantID, personID string, page int) ([]*storage.ScanLog, error) {
	size := p.config.Scan.HistoryPageSize
	if size <= 0 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	logs, err := storage.ListScanLogsByPerson(p.db, tenantID, personID, size, (page-1)*size)
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load scan history", 500)
	}
	return logs, nil
}

// VerifyHandlerCoverage enforces the startup requirement that every active
// action type has a registered handler.
func (p *Pipeline) VerifyHandlerCoverage() error {
	if !p.config.Scan.RequireHandlers {
		return nil
	}
	actionTypes, err := storage.ListActiveActionTypes(p.db)
	if err != nil {
		return fmt.Errorf("failed to list active action types: %w", err)
	}
	return p.handlers.VerifyCoverage(actionTypes)
}
