// Package devicetrust manages the one-active-device binding between a person
// and their phone: registration, SMS confirmation, transfer and revocation.
package devicetrust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"acolyte-presence/internal/crypto"
	"acolyte-presence/internal/sms"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

const verificationCodeDigits = 6

type Registry struct {
	db     *sql.DB
	logger utils.Logger
	config *utils.Config
	codec  *tokens.Codec
	sender sms.Sender

	// Trust tokens are handed out exactly once, on the first status poll
	// after activation. Until then they live only here.
	mu            sync.Mutex
	issuedTokens  map[string]string
	resetFlagging ResetFlagPolicy
}

// ResetFlagPolicy controls when repeated device resets surface a person on
// the admin flag list.
type ResetFlagPolicy struct {
	Threshold int
	Window    time.Duration
}

func NewRegistry(db *sql.DB, logger utils.Logger, config *utils.Config, codec *tokens.Codec, sender sms.Sender) *Registry {
	policy := ResetFlagPolicy{
		Threshold: config.Devices.ResetFlagThreshold,
		Window:    config.Devices.ResetFlagWindow,
	}
	if policy.Threshold <= 0 {
		policy.Threshold = 3
	}
	if policy.Window <= 0 {
		policy.Window = 30 * 24 * time.Hour
	}

	return &Registry{
		db:            db,
		logger:        logger,
		config:        config,
		codec:         codec,
		sender:        sender,
		issuedTokens:  make(map[string]string),
		resetFlagging: policy,
	}
}

type RegisterRequest struct {
	TenantID     string
	PersonID     string
	PersonType   string
	DeviceName   string
	DeviceAttrs  map[string]string
	ClaimedPhone string
}

type RegistrationStatus struct {
	VerificationID string     `json:"verification_id"`
	Status         string     `json:"status"`
	TrustToken     string     `json:"trust_token,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Register starts a device binding. The person must have no active device;
// replacing one goes through the transfer flow or an admin revoke.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*RegistrationStatus, error) {
	if !utils.IsValidPhone(req.ClaimedPhone) {
		return nil, utils.NewAppError("INVALID_PHONE", "Phone number is not valid", 400)
	}
	if len(req.DeviceAttrs) == 0 {
		return nil, utils.NewAppError("MISSING_DEVICE_ATTRS", "Device attributes are required", 400)
	}

	if _, err := storage.GetActiveDeviceByPerson(r.db, req.TenantID, req.PersonID); err == nil {
		return nil, utils.ErrActiveDevice
	} else if err != sql.ErrNoRows {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to check existing device", 500)
	}

	code, err := crypto.GenerateNumericCode(verificationCodeDigits)
	if err != nil {
		return nil, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to generate verification code", 500)
	}

	deviceInfo, err := json.Marshal(req.DeviceAttrs)
	if err != nil {
		return nil, utils.WrapError(err, "INVALID_REQUEST", "Device attributes are not serializable", 400)
	}

	now := time.Now()
	codeExpiry := now.Add(r.config.Tokens.VerificationCodeTTL)
	device := &storage.DeviceTrust{
		ID:                crypto.GenerateID(),
		TenantID:          req.TenantID,
		PersonID:          req.PersonID,
		PersonType:        req.PersonType,
		DeviceName:        utils.SanitizeUserInput(req.DeviceName),
		DeviceFingerprint: crypto.DeviceFingerprint(req.DeviceAttrs),
		DeviceInfo:        string(deviceInfo),
		ClaimedPhone:      utils.NormalizePhone(req.ClaimedPhone),
		CodeHash:          tokens.HashCode(code),
		CodeExpiresAt:     &codeExpiry,
		Status:            storage.DeviceStatusPendingSMS,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := storage.CreateDeviceTrust(r.db, device); err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, utils.ErrActiveDevice
		}
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to create device registration", 500)
	}

	if err := r.sender.Send(ctx, device.ClaimedPhone, sms.VerificationMessage(code)); err != nil {
		r.logger.Error("Failed to send verification SMS",
			"device_id", device.ID, "phone", utils.MaskPhone(device.ClaimedPhone), "error", err)
	}

	r.logger.Info("Device registration started",
		"tenant_id", req.TenantID, "person_id", req.PersonID, "device_id", device.ID)

	return &RegistrationStatus{
		VerificationID: device.ID,
		Status:         device.Status,
		ExpiresAt:      &codeExpiry,
	}, nil
}

// ConfirmInboundSMS processes a text received on the verification number.
// The code is matched against pending registrations for the sender's phone;
// transfer confirmations ride the same inbound channel.
func (r *Registry) ConfirmInboundSMS(ctx context.Context, fromPhone, body string) error {
	code, ok := sms.ParseInbound(body)
	if !ok {
		return utils.NewAppError("UNRECOGNIZED_SMS", "Message is not a verification text", 400)
	}

	phone := utils.NormalizePhone(fromPhone)
	pending, err := storage.GetPendingDevicesByPhone(r.db, phone, time.Now())
	if err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to look up pending registrations", 500)
	}

	for _, device := range pending {
		if !tokens.VerifyCode(code, device.CodeHash) {
			continue
		}
		return r.activate(ctx, device, phone)
	}

	r.logger.Warn("Inbound SMS matched no pending registration", "phone", utils.MaskPhone(phone))
	return utils.NewAppError("CODE_MISMATCH", "Code does not match a pending registration", 404)
}

// ConfirmWithCode activates a pending registration when the client submits
// the code directly instead of texting it back.
func (r *Registry) ConfirmWithCode(ctx context.Context, tenantID, personID, verificationID, code string) (*RegistrationStatus, error) {
	device, err := storage.GetDeviceForVerification(r.db, tenantID, personID, verificationID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load registration", 500)
	}

	if device.Status != storage.DeviceStatusPendingSMS {
		return nil, utils.NewAppError("NOT_PENDING", "Registration is not awaiting confirmation", 409)
	}
	if device.CodeExpiresAt == nil || time.Now().After(*device.CodeExpiresAt) {
		return nil, utils.ErrExpired
	}
	if !tokens.VerifyCode(code, device.CodeHash) {
		return nil, utils.NewAppError("CODE_MISMATCH", "Verification code is incorrect", 401)
	}

	if err := r.activate(ctx, device, device.ClaimedPhone); err != nil {
		return nil, err
	}
	return r.Status(ctx, tenantID, personID, verificationID)
}

func (r *Registry) activate(_ context.Context, device *storage.DeviceTrust, verifiedPhone string) error {
	trustToken, expiresAt, err := r.codec.GenerateTrustToken(device.ID, device.PersonID, device.TenantID)
	if err != nil {
		return utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to issue trust token", 500)
	}

	now := time.Now()
	err = storage.ActivateDevice(r.db, device.ID, verifiedPhone, tokens.HashToken(trustToken), expiresAt, now)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return utils.ErrActiveDevice
		}
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to activate device", 500)
	}

	r.mu.Lock()
	r.issuedTokens[device.ID] = trustToken
	r.mu.Unlock()

	r.logger.Info("Device activated",
		"tenant_id", device.TenantID, "person_id", device.PersonID, "device_id", device.ID)
	return nil
}

// Status reports where a registration stands. The trust token is included on
// the first poll after activation and never again.
func (r *Registry) Status(_ context.Context, tenantID, personID, verificationID string) (*RegistrationStatus, error) {
	device, err := storage.GetDeviceForVerification(r.db, tenantID, personID, verificationID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load registration", 500)
	}

	status := &RegistrationStatus{
		VerificationID: device.ID,
		Status:         device.Status,
	}
	switch device.Status {
	case storage.DeviceStatusPendingSMS:
		status.ExpiresAt = device.CodeExpiresAt
	case storage.DeviceStatusActive:
		status.ExpiresAt = device.TrustTokenExpiresAt
		r.mu.Lock()
		if token, ok := r.issuedTokens[device.ID]; ok {
			status.TrustToken = token
			delete(r.issuedTokens, device.ID)
		}
		r.mu.Unlock()
	}
	return status, nil
}

// Authenticate resolves a presented trust token to its active device record.
// The stored hash must match: a token that validates cryptographically but
// belongs to a revoked or replaced device is rejected.
func (r *Registry) Authenticate(trustToken string) (*storage.DeviceTrust, error) {
	claims, err := r.codec.ValidateTrustToken(trustToken)
	if err == tokens.ErrTokenExpired {
		return nil, utils.ErrTokenExpired
	}
	if err != nil {
		return nil, utils.ErrInvalidToken
	}

	device, err := storage.GetDeviceTrustByID(r.db, claims.DeviceID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrInvalidToken
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load device", 500)
	}

	if device.Status != storage.DeviceStatusActive {
		return nil, utils.NewAppError("DEVICE_NOT_ACTIVE",
			fmt.Sprintf("Device is %s", device.Status), 403)
	}
	if !utils.SecureCompare([]byte(device.TrustTokenHash), []byte(tokens.HashToken(trustToken))) {
		return nil, utils.ErrInvalidToken
	}
	if device.TrustTokenExpiresAt != nil && time.Now().After(*device.TrustTokenExpiresAt) {
		return nil, utils.ErrTokenExpired
	}
	return device, nil
}

// IssueIdentityToken mints the short-lived scan token for an authenticated
// device.
func (r *Registry) IssueIdentityToken(device *storage.DeviceTrust) (string, time.Duration, error) {
	token, err := r.codec.GenerateIdentityToken(device.ID, device.PersonID, device.TenantID, device.DeviceFingerprint)
	if err != nil {
		return "", 0, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to issue identity token", 500)
	}
	if err := storage.TouchDeviceActivity(r.db, device.ID, false); err != nil {
		r.logger.Warn("Failed to record device activity", "device_id", device.ID, "error", err)
	}
	return token, r.codec.IdentityTTL(), nil
}

// InitiateTransfer begins moving a person's binding to a new phone. The
// confirmation code goes to the currently verified number, proving the
// person still controls the old device's line.
func (r *Registry) InitiateTransfer(ctx context.Context, tenantID, personID string) (*storage.DeviceTransferRequest, error) {
	device, err := storage.GetActiveDeviceByPerson(r.db, tenantID, personID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNoActiveDevice
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load active device", 500)
	}

	if existing, err := storage.GetPendingTransferByPerson(r.db, tenantID, personID); err == nil {
		if time.Now().Before(existing.CodeExpiresAt) {
			return nil, utils.NewAppError("TRANSFER_PENDING", "A transfer is already in progress", 409)
		}
	} else if err != sql.ErrNoRows {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to check pending transfers", 500)
	}

	code, err := crypto.GenerateNumericCode(verificationCodeDigits)
	if err != nil {
		return nil, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to generate transfer code", 500)
	}

	req := &storage.DeviceTransferRequest{
		ID:            crypto.GenerateID(),
		TenantID:      tenantID,
		PersonID:      personID,
		OldDeviceID:   device.ID,
		CodeHash:      tokens.HashCode(code),
		CodeExpiresAt: time.Now().Add(r.config.Tokens.TransferCodeTTL),
		Status:        storage.TransferStatusPending,
		CreatedAt:     time.Now(),
	}
	if err := storage.CreateTransferRequest(r.db, req); err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to create transfer request", 500)
	}

	if err := r.sender.Send(ctx, device.VerifiedPhone, sms.VerificationMessage(code)); err != nil {
		r.logger.Error("Failed to send transfer SMS",
			"transfer_id", req.ID, "phone", utils.MaskPhone(device.VerifiedPhone), "error", err)
	}

	r.logger.Info("Device transfer initiated",
		"tenant_id", tenantID, "person_id", personID, "old_device_id", device.ID)
	return req, nil
}

type CompleteTransferRequest struct {
	TenantID    string
	PersonID    string
	Code        string
	DeviceName  string
	DeviceAttrs map[string]string
}

// CompleteTransfer retires the old device and opens a pending registration
// for the new one, which then runs through SMS confirmation as usual. The
// new registration keeps the old device's verified phone: proving control
// of the line once does not let a caller redirect codes elsewhere.
func (r *Registry) CompleteTransfer(ctx context.Context, req *CompleteTransferRequest) (*RegistrationStatus, error) {
	transfer, err := storage.GetPendingTransferByPerson(r.db, req.TenantID, req.PersonID)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError("NO_TRANSFER", "No transfer in progress", 404)
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load transfer request", 500)
	}

	if time.Now().After(transfer.CodeExpiresAt) {
		return nil, utils.ErrExpired
	}
	if !tokens.VerifyCode(req.Code, transfer.CodeHash) {
		return nil, utils.NewAppError("CODE_MISMATCH", "Transfer code is incorrect", 401)
	}

	old, err := storage.GetDeviceTrustByID(r.db, transfer.OldDeviceID)
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load previous device", 500)
	}

	code, err := crypto.GenerateNumericCode(verificationCodeDigits)
	if err != nil {
		return nil, utils.WrapError(err, "INTERNAL_SERVER_ERROR", "Failed to generate verification code", 500)
	}

	deviceInfo, err := json.Marshal(req.DeviceAttrs)
	if err != nil {
		return nil, utils.WrapError(err, "INVALID_REQUEST", "Device attributes are not serializable", 400)
	}

	now := time.Now()
	codeExpiry := now.Add(r.config.Tokens.VerificationCodeTTL)
	newDevice := &storage.DeviceTrust{
		ID:                crypto.GenerateID(),
		TenantID:          req.TenantID,
		PersonID:          req.PersonID,
		PersonType:        old.PersonType,
		DeviceName:        utils.SanitizeUserInput(req.DeviceName),
		DeviceFingerprint: crypto.DeviceFingerprint(req.DeviceAttrs),
		DeviceInfo:        string(deviceInfo),
		ClaimedPhone:      old.VerifiedPhone,
		CodeHash:          tokens.HashCode(code),
		CodeExpiresAt:     &codeExpiry,
		Status:            storage.DeviceStatusPendingSMS,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := storage.CompleteTransfer(r.db, transfer.ID, transfer.OldDeviceID, newDevice); err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to complete transfer", 500)
	}

	if err := r.sender.Send(ctx, newDevice.ClaimedPhone, sms.VerificationMessage(code)); err != nil {
		r.logger.Error("Failed to send verification SMS",
			"device_id", newDevice.ID, "phone", utils.MaskPhone(newDevice.ClaimedPhone), "error", err)
	}

	r.logger.Info("Device transfer completed, new device pending verification",
		"tenant_id", req.TenantID, "person_id", req.PersonID,
		"old_device_id", transfer.OldDeviceID, "new_device_id", newDevice.ID)

	return &RegistrationStatus{
		VerificationID: newDevice.ID,
		Status:         newDevice.Status,
		ExpiresAt:      &codeExpiry,
	}, nil
}

// Revoke ends a device binding. Person-initiated and admin-initiated revokes
// both land here; admin resets additionally feed the flag list.
func (r *Registry) Revoke(_ context.Context, tenantID, personID, revokedBy, reason string) error {
	device, err := storage.GetActiveDeviceByPerson(r.db, tenantID, personID)
	if err == sql.ErrNoRows {
		return utils.ErrNoActiveDevice
	}
	if err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to load active device", 500)
	}

	now := time.Now()
	if err := storage.RevokeDevice(r.db, device.ID, revokedBy, reason, now); err != nil {
		return utils.WrapError(err, "DATABASE_ERROR", "Failed to revoke device", 500)
	}

	if revokedBy != personID {
		entry := &storage.DeviceResetLog{
			ID:        crypto.GenerateID(),
			TenantID:  tenantID,
			PersonID:  personID,
			DeviceID:  device.ID,
			AdminID:   revokedBy,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := storage.CreateDeviceResetLog(r.db, entry); err != nil {
			r.logger.Error("Failed to record device reset", "device_id", device.ID, "error", err)
		}
	}

	r.logger.Info("Device revoked",
		"tenant_id", tenantID, "person_id", personID, "device_id", device.ID, "revoked_by", revokedBy)
	return nil
}

// ActiveDevice returns the caller's current binding.
func (r *Registry) ActiveDevice(tenantID, personID string) (*storage.DeviceTrust, error) {
	device, err := storage.GetActiveDeviceByPerson(r.db, tenantID, personID)
	if err == sql.ErrNoRows {
		return nil, utils.ErrNoActiveDevice
	}
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load active device", 500)
	}
	return device, nil
}

// FlaggedUsers lists people whose bindings were reset often enough to
// warrant review. Zero threshold or window fall back to the configured
// policy.
func (r *Registry) FlaggedUsers(tenantID string, threshold int, window time.Duration) ([]*storage.FlaggedUser, error) {
	if threshold <= 0 {
		threshold = r.resetFlagging.Threshold
	}
	if window <= 0 {
		window = r.resetFlagging.Window
	}
	since := time.Now().Add(-window)
	flagged, err := storage.GetFlaggedUsers(r.db, tenantID, threshold, since)
	if err != nil {
		return nil, utils.WrapError(err, "DATABASE_ERROR", "Failed to load flagged users", 500)
	}
	return flagged, nil
}
