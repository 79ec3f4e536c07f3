package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/devicetrust"
	"acolyte-presence/internal/events"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/utils"
)

type DeviceHandler struct {
	registry  *devicetrust.Registry
	publisher *events.Publisher
	logger    utils.Logger
	config    *utils.Config
}

func NewDeviceHandler(registry *devicetrust.Registry, publisher *events.Publisher, logger utils.Logger, config *utils.Config) *DeviceHandler {
	return &DeviceHandler{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

type RegisterDeviceRequest struct {
	DeviceName   string            `json:"device_name" binding:"required,min=1,max=100"`
	DeviceAttrs  map[string]string `json:"device_attrs" binding:"required"`
	ClaimedPhone string            `json:"claimed_phone" binding:"required"`
}

func (h *DeviceHandler) Register(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid device registration request", "error", err)
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	status, err := h.registry.Register(c.Request.Context(), &devicetrust.RegisterRequest{
		TenantID:     c.GetString("tenant_id"),
		PersonID:     c.GetString("person_id"),
		PersonType:   c.GetString("person_type"),
		DeviceName:   req.DeviceName,
		DeviceAttrs:  req.DeviceAttrs,
		ClaimedPhone: req.ClaimedPhone,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, status)
}

type ConfirmSMSRequest struct {
	VerificationID string `json:"verification_id" binding:"required"`
	Code           string `json:"code" binding:"required"`
}

// ConfirmSMS covers clients that type the received code into the app
// instead of replying by text.
func (h *DeviceHandler) ConfirmSMS(c *gin.Context) {
	var req ConfirmSMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	if len(req.Code) != 6 || !utils.IsNumeric(req.Code) {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.NewAppError("INVALID_CODE", "Code must be 6 digits", 400),
			utils.GenerateTraceID()))
		return
	}

	status, err := h.registry.ConfirmWithCode(c.Request.Context(),
		c.GetString("tenant_id"), c.GetString("person_id"), req.VerificationID, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

type InboundSMSRequest struct {
	From string `json:"from" binding:"required"`
	Body string `json:"body" binding:"required"`
}

// InboundSMS is the provider callback for texts received on the
// verification number.
func (h *DeviceHandler) InboundSMS(c *gin.Context) {
	var req InboundSMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	if err := h.registry.ConfirmInboundSMS(c.Request.Context(), req.From, req.Body); err != nil {
		// Always 200 to the provider so it does not retry; the outcome is
		// visible to the client through status polling.
		h.logger.Warn("Inbound SMS not applied", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *DeviceHandler) Status(c *gin.Context) {
	verificationID := c.Param("verification_id")

	status, err := h.registry.Status(c.Request.Context(),
		c.GetString("tenant_id"), c.GetString("person_id"), verificationID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *DeviceHandler) Me(c *gin.Context) {
	device, err := h.registry.ActiveDevice(c.GetString("tenant_id"), c.GetString("person_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, device)
}

func (h *DeviceHandler) InitiateTransfer(c *gin.Context) {
	req, err := h.registry.InitiateTransfer(c.Request.Context(),
		c.GetString("tenant_id"), c.GetString("person_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transfer_id":     req.ID,
		"status":          req.Status,
		"code_expires_at": req.CodeExpiresAt,
	})
}

type CompleteTransferRequest struct {
	Code        string            `json:"code" binding:"required"`
	DeviceName  string            `json:"device_name" binding:"required,min=1,max=100"`
	DeviceAttrs map[string]string `json:"device_attrs" binding:"required"`
}

// CompleteTransfer swaps the binding to a new device. The verification code
// for the new device goes to the phone the old device verified.
func (h *DeviceHandler) CompleteTransfer(c *gin.Context) {
	var req CompleteTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	status, err := h.registry.CompleteTransfer(c.Request.Context(), &devicetrust.CompleteTransferRequest{
		TenantID:    c.GetString("tenant_id"),
		PersonID:    c.GetString("person_id"),
		Code:        req.Code,
		DeviceName:  req.DeviceName,
		DeviceAttrs: req.DeviceAttrs,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, status)
}

// Revoke ends the caller's own binding.
func (h *DeviceHandler) Revoke(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	personID := c.GetString("person_id")

	if err := h.registry.Revoke(c.Request.Context(), tenantID, personID, personID, "self revoked"); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// IdentityToken mints the short-lived scan token. The caller is an
// authenticated device, not a session.
func (h *DeviceHandler) IdentityToken(c *gin.Context) {
	deviceVal, ok := c.Get("device")
	if !ok {
		c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
			utils.ErrUnauthorized, utils.GenerateTraceID()))
		return
	}
	device := deviceVal.(*storage.DeviceTrust)

	token, ttl, err := h.registry.IssueIdentityToken(device)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_token": token,
		"expires_in":     int(ttl.Seconds()),
		"issued_at":      time.Now().UTC(),
	})
}

type AdminRevokeRequest struct {
	PersonID string `json:"person_id" binding:"required"`
	Reason   string `json:"reason" binding:"required,min=3,max=500"`
}

// AdminRevoke resets a person's binding on their behalf and records it on
// the reset trail.
func (h *DeviceHandler) AdminRevoke(c *gin.Context) {
	var req AdminRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	tenantID := c.GetString("tenant_id")
	adminID := c.GetString("person_id")

	device, err := h.registry.ActiveDevice(tenantID, req.PersonID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.registry.Revoke(c.Request.Context(), tenantID, req.PersonID, adminID, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}

	go h.publisher.DeviceRevoked(device.ID, tenantID, req.PersonID, adminID)

	c.JSON(http.StatusOK, gin.H{"revoked": true, "device_id": device.ID})
}

// Flagged lists people with repeated admin resets. Optional `threshold` and
// `window_days` query parameters override the configured policy.
func (h *DeviceHandler) Flagged(c *gin.Context) {
	threshold, _ := strconv.Atoi(c.Query("threshold"))
	windowDays, _ := strconv.Atoi(c.Query("window_days"))

	flagged, err := h.registry.FlaggedUsers(c.GetString("tenant_id"),
		threshold, time.Duration(windowDays)*24*time.Hour)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"flagged": flagged, "count": len(flagged)})
}

func (h *DeviceHandler) respondError(c *gin.Context, err error) {
	appErr := utils.SanitizeError(err)
	if appErr.HTTPCode >= 500 {
		h.logger.Error("Device operation failed", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(appErr.HTTPCode, utils.NewErrorResponse(appErr, utils.GenerateTraceID()))
}
