package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/scan"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/utils"
)

type ScanHandler struct {
	pipeline *scan.Pipeline
	logger   utils.Logger
}

func NewScanHandler(pipeline *scan.Pipeline, logger utils.Logger) *ScanHandler {
	return &ScanHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

type ScannerScanRequest struct {
	ActionPointID string   `json:"action_point_id" binding:"required"`
	IdentityToken string   `json:"identity_token" binding:"required"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
}

// ScannerScan is the Mode A entry point: a scanner operator posts the
// identity QR it just read.
func (h *ScanHandler) ScannerScan(c *gin.Context) {
	var req ScannerScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	result, err := h.pipeline.ProcessScannerScan(c.Request.Context(), &scan.ScannerScan{
		TenantID:      c.GetString("tenant_id"),
		ActionPointID: req.ActionPointID,
		IdentityToken: req.IdentityToken,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(outcomeStatus(result.Outcome), result)
}

type LocationScanRequest struct {
	QRPayload string   `json:"qr_payload" binding:"required"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// LocationScan is the Mode B entry point: the device posts what it read
// off a location QR.
func (h *ScanHandler) LocationScan(c *gin.Context) {
	var req LocationScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	deviceVal, ok := c.Get("device")
	if !ok {
		c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
			utils.ErrUnauthorized, utils.GenerateTraceID()))
		return
	}

	result, err := h.pipeline.ProcessLocationScan(c.Request.Context(), &scan.LocationScan{
		Device:    deviceVal.(*storage.DeviceTrust),
		RawQR:     req.QRPayload,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(outcomeStatus(result.Outcome), result)
}

type ConfirmEntityRequest struct {
	EntityID string `json:"entity_id" binding:"required,min=1,max=100"`
}

func (h *ScanHandler) ConfirmEntity(c *gin.Context) {
	var req ConfirmEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	err := h.pipeline.ConfirmEntity(
		c.GetString("tenant_id"), c.GetString("person_id"), c.Param("id"), req.EntityID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"confirmed": true})
}

func (h *ScanHandler) History(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}

	logs, err := h.pipeline.History(c.GetString("tenant_id"), c.GetString("person_id"), page)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"scans": logs, "count": len(logs), "page": page})
}

// outcomeStatus maps a validation outcome to its HTTP status. Rejections
// are still well-formed responses, not transport errors.
func outcomeStatus(outcome string) int {
	switch outcome {
	case scan.OutcomeSuccess, scan.OutcomeNoHandler:
		return http.StatusOK
	case scan.OutcomeDuplicateScan:
		return http.StatusConflict
	case scan.OutcomeUnauthorized, scan.OutcomeRevokedDevice:
		return http.StatusForbidden
	case scan.OutcomeExpiredToken:
		return http.StatusGone
	case scan.OutcomeGeoViolation:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *ScanHandler) respondError(c *gin.Context, err error) {
	appErr := utils.SanitizeError(err)
	if appErr.HTTPCode >= 500 {
		h.logger.Error("Scan operation failed", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(appErr.HTTPCode, utils.NewErrorResponse(appErr, utils.GenerateTraceID()))
}
